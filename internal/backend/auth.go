package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brifyai/dashboard-brify-sub001/internal/model"
)

// エンドポイント名（メトリクスとログのラベルに使う）
const (
	EndpointSignIn  = "auth_signin"
	EndpointSession = "auth_session"
	EndpointSignOut = "auth_signout"
	EndpointRefresh = "auth_refresh"
	EndpointRecover = "auth_recover"
	EndpointUsers   = "table_users"
)

// sessionPayload はバックエンドが返すセッション表現。
type sessionPayload struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	IssuedAt     int64        `json:"issued_at"`
	ExpiresAt    int64        `json:"expires_at"`
	User         *userPayload `json:"user"`
}

// userPayload はセッションに付随するIdPのユーザー表現。
type userPayload struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// authResponse は POST /auth/signin と POST /auth/refresh のレスポンス。
type authResponse struct {
	Session *sessionPayload `json:"session"`
	User    *userPayload    `json:"user"`
}

// sessionResponse は GET /auth/session のレスポンス。
type sessionResponse struct {
	Session *sessionPayload `json:"session"`
}

// SignIn はメールアドレスとパスワードでサインインする。
// POST /auth/signin
func (c *Client) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	var resp authResponse
	err := c.request(ctx, EndpointSignIn, http.MethodPost, "/auth/signin", nil, "",
		map[string]string{"email": email, "password": password}, &resp)
	if err != nil {
		var be *Error
		if errors.As(err, &be) && be.StatusCode == http.StatusNotFound {
			// 存在しないアカウントは認証情報不一致と区別しない
			return nil, fmt.Errorf("%s: %w", EndpointSignIn, model.ErrInvalidCredentials)
		}
		return nil, err
	}
	return c.toSession(resp.Session, resp.User)
}

// GetSession はアクセストークンに対応するセッションを問い合わせる。
// セッションが存在しない（無効化済み・失効済み）場合は nil, nil を返す。
// GET /auth/session
func (c *Client) GetSession(ctx context.Context, accessToken string) (*model.Session, error) {
	var resp sessionResponse
	err := c.request(ctx, EndpointSession, http.MethodGet, "/auth/session", nil, accessToken, nil, &resp)
	if err != nil {
		var be *Error
		if errors.Is(err, model.ErrInvalidCredentials) || errors.Is(err, model.ErrSessionExpired) ||
			(errors.As(err, &be) && (be.StatusCode == http.StatusUnauthorized || be.StatusCode == http.StatusForbidden)) {
			return nil, nil
		}
		return nil, err
	}
	if resp.Session == nil {
		return nil, nil
	}
	return c.toSession(resp.Session, resp.Session.User)
}

// SignOut はリモート側のセッションを無効化する。
// POST /auth/signout
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	return c.request(ctx, EndpointSignOut, http.MethodPost, "/auth/signout", nil, accessToken, nil, nil)
}

// Refresh はリフレッシュトークンで新しいセッションを取得する。
// リフレッシュトークンが拒否された場合は model.ErrSessionExpired を返す。
// POST /auth/refresh
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*model.Session, error) {
	var resp authResponse
	err := c.request(ctx, EndpointRefresh, http.MethodPost, "/auth/refresh", nil, "",
		map[string]string{"refresh_token": refreshToken}, &resp)
	if err != nil {
		if errors.Is(err, model.ErrInvalidCredentials) || IsRejected(err) {
			return nil, fmt.Errorf("%s: %w", EndpointRefresh, model.ErrSessionExpired)
		}
		return nil, err
	}
	return c.toSession(resp.Session, resp.User)
}

// RecoverPassword はパスワード再設定メールの送信を依頼する。
// POST /auth/recover
func (c *Client) RecoverPassword(ctx context.Context, email string) error {
	return c.request(ctx, EndpointRecover, http.MethodPost, "/auth/recover", nil, "",
		map[string]string{"email": email}, nil)
}

// toSession はバックエンドのセッション表現をmodel.Sessionに変換する。
// サブジェクトIDはバックエンドが返したユーザーIDを正とし、
// アクセストークンのsubと食い違う場合はエラーにする。
func (c *Client) toSession(sp *sessionPayload, user *userPayload) (*model.Session, error) {
	if sp == nil || sp.AccessToken == "" {
		return nil, errors.New("backend response has no session")
	}
	if user == nil {
		user = sp.User
	}
	if user == nil || user.ID == "" {
		return nil, errors.New("backend response has no user id")
	}

	s := &model.Session{
		SubjectID:    user.ID,
		Email:        user.Email,
		AccessToken:  sp.AccessToken,
		RefreshToken: sp.RefreshToken,
	}
	if sp.IssuedAt > 0 {
		s.IssuedAt = time.Unix(sp.IssuedAt, 0)
	}
	if sp.ExpiresAt > 0 {
		s.ExpiresAt = time.Unix(sp.ExpiresAt, 0)
	}

	claims, err := c.tokens.Parse(sp.AccessToken)
	switch {
	case err != nil && c.tokens.Verifies():
		return nil, err
	case err != nil:
		// 署名検証なしの設定では不透明トークンも許容する
		c.logger.Debug("access token is not a readable JWT", slog.String("error", err.Error()))
	default:
		if claims.Subject != "" && claims.Subject != user.ID {
			return nil, fmt.Errorf("access token subject %q does not match user id %q", claims.Subject, user.ID)
		}
		if s.IssuedAt.IsZero() && claims.IssuedAt != nil {
			s.IssuedAt = claims.IssuedAt.Time
		}
		if s.ExpiresAt.IsZero() && claims.ExpiresAt != nil {
			s.ExpiresAt = claims.ExpiresAt.Time
		}
		if s.Email == "" {
			s.Email = claims.Email
		}
	}

	if s.IssuedAt.IsZero() {
		s.IssuedAt = time.Now()
	}
	if s.ExpiresAt.IsZero() {
		return nil, errors.New("backend session has no expiry")
	}
	return s, nil
}
