package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/brifyai/dashboard-brify-sub001/internal/model"
)

// UserColumn はusersテーブルの検索に使える列。
type UserColumn string

const (
	// UserColumnID はid列（IdPのサブジェクトIDと一致する）。
	UserColumnID UserColumn = "id"
	// UserColumnEmail はemail列。
	UserColumnEmail UserColumn = "email"
)

// userRow はusersテーブルの行のワイヤー表現。
// デコード後にvalidateタグで検証し、不正な行は破棄する。
type userRow struct {
	ID        string     `json:"id" validate:"required"`
	Email     string     `json:"email" validate:"required,email"`
	Name      string     `json:"name" validate:"max=200"`
	Role      string     `json:"role" validate:"omitempty,max=50"`
	Status    string     `json:"status" validate:"omitempty,max=50"`
	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// FindUsers はusersテーブルをcolumn = value で検索する。
// GET /table/users?eq.<column>=<value>
// accessTokenが空でなければ利用者の権限で問い合わせる。
func (c *Client) FindUsers(ctx context.Context, accessToken string, column UserColumn, value string) ([]model.UserRecord, error) {
	switch column {
	case UserColumnID, UserColumnEmail:
	default:
		return nil, fmt.Errorf("unsupported users column: %q", column)
	}

	query := url.Values{}
	query.Set("eq."+string(column), value)

	var rows []userRow
	if err := c.request(ctx, EndpointUsers, http.MethodGet, "/table/users", query, accessToken, nil, &rows); err != nil {
		return nil, err
	}

	records := make([]model.UserRecord, 0, len(rows))
	for i, row := range rows {
		if err := c.validate.Struct(row); err != nil {
			c.logger.Warn("discarding invalid users row",
				slog.Int("index", i),
				slog.String("error", err.Error()),
			)
			continue
		}
		records = append(records, row.toRecord())
	}
	return records, nil
}

func (r userRow) toRecord() model.UserRecord {
	rec := model.UserRecord{
		ID:     r.ID,
		Email:  r.Email,
		Name:   r.Name,
		Role:   r.Role,
		Status: model.UserStatus(r.Status),
	}
	if r.CreatedAt != nil {
		rec.CreatedAt = *r.CreatedAt
	}
	if r.UpdatedAt != nil {
		rec.UpdatedAt = *r.UpdatedAt
	}
	return rec
}
