package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/brifyai/dashboard-brify-sub001/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db, now: time.Now}
}

// Load はキーに対応するセッションを取得する。
func (r *PostgresSessionRepo) Load(ctx context.Context, key string) (*model.Session, error) {
	s := &model.Session{}
	err := r.db.QueryRowContext(ctx,
		`SELECT subject_id, email, issued_at, expires_at, access_token, refresh_token
		 FROM browser_sessions
		 WHERE key = $1`,
		key,
	).Scan(&s.SubjectID, &s.Email, &s.IssuedAt, &s.ExpiresAt, &s.AccessToken, &s.RefreshToken)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	return s, nil
}

// Save はセッションをUPSERTする。
func (r *PostgresSessionRepo) Save(ctx context.Context, key string, session *model.Session) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO browser_sessions
		   (key, subject_id, email, issued_at, expires_at, access_token, refresh_token, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (key) DO UPDATE SET
		   subject_id = EXCLUDED.subject_id,
		   email = EXCLUDED.email,
		   issued_at = EXCLUDED.issued_at,
		   expires_at = EXCLUDED.expires_at,
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   updated_at = EXCLUDED.updated_at`,
		key, session.SubjectID, session.Email, session.IssuedAt, session.ExpiresAt,
		session.AccessToken, session.RefreshToken, r.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete はキーに対応するセッションを削除する。
func (r *PostgresSessionRepo) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM browser_sessions WHERE key = $1`,
		key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpiredBefore はbefore以前に失効したセッションを削除する。
func (r *PostgresSessionRepo) DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM browser_sessions WHERE expires_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
