// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
)

// DefaultBrowserKeyCookieName はブラウザキーを保持するCookieの既定名。
const DefaultBrowserKeyCookieName = "dashboard_session"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストに認証済みユーザー（subject）IDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	// browserKeyContextKey はリクエストコンテキストにブラウザキーを格納するためのキー。
	browserKeyContextKey = contextKey("browser_key")
	// issuedBrowserKeyContextKey はこのリクエストで発行したブラウザキーを格納するためのキー。
	issuedBrowserKeyContextKey = contextKey("issued_browser_key")
	// requestInfoContextKey はログ用のリクエスト情報を格納するためのキー。
	requestInfoContextKey = contextKey("request_info")
)

// BrowserKeyConfig はブラウザキーCookieの設定。
type BrowserKeyConfig struct {
	CookieName   string
	CookieSecure bool
	CookieDomain string
	MaxAge       int // 秒
}

// BrowserKeys はブラウザ（アプリケーションルート）を識別するキーのCookieを管理する。
// キー自体は認証情報を持たず、サーバー側のSession Storeを引くためだけに使う。
type BrowserKeys struct {
	config BrowserKeyConfig
}

// NewBrowserKeys はBrowserKeysを生成する。
func NewBrowserKeys(config BrowserKeyConfig) *BrowserKeys {
	if config.CookieName == "" {
		config.CookieName = DefaultBrowserKeyCookieName
	}
	return &BrowserKeys{config: config}
}

// Middleware はCookieからブラウザキーを読み取り、コンテキストに注入するミドルウェアを返す。
// Cookieがない場合は新しいキーを発行し、発行済みであることもコンテキストに記録する。
func (b *BrowserKeys) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			var key string
			if cookie, err := r.Cookie(b.config.CookieName); err == nil && validBrowserKey(cookie.Value) {
				key = cookie.Value
			} else {
				issued, err := b.Issue(w)
				if err != nil {
					slog.Error("failed to issue browser key", slog.String("error", err.Error()))
					WriteInternalServerError(w)
					return
				}
				key = issued
				ctx = ContextWithIssuedBrowserKey(ctx, key)
			}

			next.ServeHTTP(w, r.WithContext(ContextWithBrowserKey(ctx, key)))
		})
	}
}

// Issue は新しいブラウザキーを生成し、Cookieに設定する。
func (b *BrowserKeys) Issue(w http.ResponseWriter) (string, error) {
	key, err := b.NewKey()
	if err != nil {
		return "", err
	}
	b.SetCookie(w, key)
	return key, nil
}

// NewKey はCookieを設定せずに新しいブラウザキーを生成する。
// サインイン時のキー再発行（セッション固定化対策）では、成功を確認してからSetCookieする。
func (b *BrowserKeys) NewKey() (string, error) {
	key, err := generateBrowserKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate browser key: %w", err)
	}
	return key, nil
}

// SetCookie はブラウザキーをCookieに設定する。
func (b *BrowserKeys) SetCookie(w http.ResponseWriter, key string) {
	http.SetCookie(w, &http.Cookie{
		Name:     b.config.CookieName,
		Value:    key,
		Path:     "/",
		Domain:   b.config.CookieDomain,
		MaxAge:   b.config.MaxAge,
		HttpOnly: true,
		Secure:   b.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// BrowserKeyFromContext はリクエストコンテキストからブラウザキーを取得する。
func BrowserKeyFromContext(ctx context.Context) (string, error) {
	key, ok := ctx.Value(browserKeyContextKey).(string)
	if !ok || key == "" {
		return "", fmt.Errorf("browser key not found in context")
	}
	return key, nil
}

// ContextWithBrowserKey はコンテキストにブラウザキーを注入する。
func ContextWithBrowserKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, browserKeyContextKey, key)
}

// ContextWithIssuedBrowserKey はkeyがこのリクエストで発行されたものであることを記録する。
func ContextWithIssuedBrowserKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, issuedBrowserKeyContextKey, key)
}

// BrowserKeyIssued はkeyがこのリクエストで発行されたものかを返す。
// 発行したばかりのキーには永続化されたセッションが存在しない。
func BrowserKeyIssued(ctx context.Context, key string) bool {
	issued, ok := ctx.Value(issuedBrowserKeyContextKey).(string)
	return ok && issued != "" && issued == key
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// Route Guardを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// ロギングミドルウェアの内側で呼ばれた場合はアクセスログにも反映される。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		info.setUserID(userID)
	}
	return context.WithValue(ctx, userIDContextKey, userID)
}

// generateBrowserKey は暗号的に安全なブラウザキーを生成する。
func generateBrowserKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// validBrowserKey はCookie値が発行形式（64桁の16進数）かを判定する。
func validBrowserKey(v string) bool {
	if len(v) != 64 {
		return false
	}
	_, err := hex.DecodeString(v)
	return err == nil
}
