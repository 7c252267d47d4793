// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brifyai/dashboard-brify-sub001/internal/guard"
	"github.com/brifyai/dashboard-brify-sub001/internal/middleware"
	"github.com/brifyai/dashboard-brify-sub001/internal/model"
)

// AuthGateway は認証ハンドラーが必要とするAuth Gatewayの操作。
type AuthGateway interface {
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	SignOut(ctx context.Context)
	GetSession() *model.Session
	ResetPassword(ctx context.Context, email string) error
}

// GatewaySource はブラウザキーに対応するAuthGatewayを返す。
type GatewaySource interface {
	AuthGateway(ctx context.Context, key string) (AuthGateway, error)
}

// KeyRotator はサインイン成功時にブラウザキーを再発行する。
// middleware.BrowserKeys が実装する。
type KeyRotator interface {
	NewKey() (string, error)
	SetCookie(w http.ResponseWriter, key string)
}

// AuthHandler はログイン・ログアウト・パスワード再設定のHTTPハンドラー。
type AuthHandler struct {
	gateways GatewaySource
	keys     KeyRotator
	logger   *slog.Logger
	now      func() time.Time
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(gateways GatewaySource, keys KeyRotator, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		gateways: gateways,
		keys:     keys,
		logger:   logger,
		now:      time.Now,
	}
}

type loginView struct {
	CSRFToken string
	Next      string
	Email     string
	Expired   bool
	Error     *model.APIError
}

type passwordResetView struct {
	CSRFToken string
	Email     string
	Sent      bool
	Error     *model.APIError
}

// ShowLogin はログイン画面を表示する。
// 有効なセッションを保持している場合は戻り先へリダイレクトする。
// GET /login?next=/path&expired=1
func (h *AuthHandler) ShowLogin(w http.ResponseWriter, r *http.Request) {
	next := guard.SanitizeNext(r.URL.Query().Get("next"))

	gw, ok := h.currentGateway(w, r)
	if !ok {
		return
	}
	if sess := gw.GetSession(); sess != nil && !sess.Expired(h.now()) {
		http.Redirect(w, r, next, http.StatusSeeOther)
		return
	}

	render(w, h.logger, http.StatusOK, loginPage, loginView{
		CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
		Next:      next,
		Expired:   r.URL.Query().Get("expired") == "1",
	})
}

// SignIn はメールアドレスとパスワードでサインインする。
// 新しいブラウザキーのSession Storeでサインインし、成功した場合のみCookieを差し替える。
// 失敗時は従来のキーとセッションに一切触れない。
// POST /login
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.PostFormValue("email"))
	password := r.PostFormValue("password")
	next := guard.SanitizeNext(r.PostFormValue("next"))

	newKey, err := h.keys.NewKey()
	if err != nil {
		h.logger.Error("failed to generate browser key", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	gw, err := h.gateways.AuthGateway(middleware.ContextWithIssuedBrowserKey(r.Context(), newKey), newKey)
	if err != nil {
		h.logger.Error("failed to get auth gateway", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	sess, err := gw.SignIn(r.Context(), email, password)
	if err != nil {
		apiErr := model.APIErrorFor(err)
		if apiErr == nil {
			apiErr = model.NewInternalError()
		}
		render(w, h.logger, middleware.StatusForAPIError(apiErr), loginPage, loginView{
			CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
			Next:      next,
			Email:     email,
			Error:     apiErr,
		})
		return
	}

	// 以前のキーに残っているセッションを破棄してからキーを差し替える
	if oldKey, err := middleware.BrowserKeyFromContext(r.Context()); err == nil && oldKey != newKey {
		if old, err := h.gateways.AuthGateway(r.Context(), oldKey); err == nil && old.GetSession() != nil {
			old.SignOut(r.Context())
		}
	}
	h.keys.SetCookie(w, newKey)

	h.logger.Info("user signed in", slog.String("subject_id", sess.SubjectID))
	http.Redirect(w, r, next, http.StatusSeeOther)
}

// SignOut はセッションを破棄してログイン画面へリダイレクトする。
// リモートのサインアウトに失敗してもローカルのセッションは破棄される。
// POST /logout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	gw, ok := h.currentGateway(w, r)
	if !ok {
		return
	}
	gw.SignOut(r.Context())
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// ShowPasswordReset はパスワード再設定画面を表示する。
// GET /password-reset
func (h *AuthHandler) ShowPasswordReset(w http.ResponseWriter, r *http.Request) {
	render(w, h.logger, http.StatusOK, passwordResetPage, passwordResetView{
		CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
	})
}

// RequestPasswordReset はパスワード再設定メールの送信を依頼する。
// アカウントの有無は応答から判別できないようにする。
// POST /password-reset
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.PostFormValue("email"))

	gw, ok := h.currentGateway(w, r)
	if !ok {
		return
	}

	view := passwordResetView{
		CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
		Email:     email,
	}
	if err := gw.ResetPassword(r.Context(), email); err != nil {
		apiErr := model.APIErrorFor(err)
		if apiErr == nil {
			h.logger.Error("password reset failed", slog.String("error", err.Error()))
			apiErr = model.NewInternalError()
		}
		view.Error = apiErr
		render(w, h.logger, middleware.StatusForAPIError(apiErr), passwordResetPage, view)
		return
	}

	view.Sent = true
	render(w, h.logger, http.StatusOK, passwordResetPage, view)
}

// currentGateway はリクエストのブラウザキーに対応するAuthGatewayを返す。
// 取得できない場合は500を書き込みfalseを返す。
func (h *AuthHandler) currentGateway(w http.ResponseWriter, r *http.Request) (AuthGateway, bool) {
	key, err := middleware.BrowserKeyFromContext(r.Context())
	if err != nil {
		h.logger.Error("browser key missing", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return nil, false
	}
	gw, err := h.gateways.AuthGateway(r.Context(), key)
	if err != nil {
		h.logger.Error("failed to get auth gateway", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return nil, false
	}
	return gw, true
}
