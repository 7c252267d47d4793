package guard

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brifyai/dashboard-brify-sub001/internal/middleware"
	"github.com/brifyai/dashboard-brify-sub001/internal/model"
)

// ResolverSource はブラウザキーに対応するResolverを返す。
type ResolverSource interface {
	Resolver(ctx context.Context, key string) (Resolver, error)
}

// HTTPConfig はGuardミドルウェアの設定。
type HTTPConfig struct {
	LoginPath  string        // 未認証時のリダイレクト先
	APIPrefix  string        // このプレフィックス配下はJSONで応答する
	RetryAfter time.Duration // 確認できなかった場合の再試行間隔
}

// DefaultHTTPConfig はデフォルト設定を返す。
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		LoginPath:  "/login",
		APIPrefix:  "/api/",
		RetryAfter: 5 * time.Second,
	}
}

// sessionContextKey はリクエストコンテキストに確定したセッションを格納するためのキー。
type sessionContextKey struct{}

// SessionFromContext はGuardを通過したリクエストのセッションを返す。
func SessionFromContext(ctx context.Context) (*model.Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(*model.Session)
	return sess, ok && sess != nil
}

// ContextWithSession はコンテキストにセッションを注入する。
func ContextWithSession(ctx context.Context, sess *model.Session) context.Context {
	ctx = middleware.ContextWithUserID(ctx, sess.SubjectID)
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

var loadingPage = template.Must(template.New("loading").Parse(`<!doctype html>
<html lang="ja">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="{{.Seconds}}">
<title>読み込み中</title>
</head>
<body>
<main>
<p role="status">ログイン状態を確認しています。しばらくお待ちください。</p>
<p><a href="{{.Path}}">再読み込み</a></p>
</main>
</body>
</html>
`))

// Middleware は保護されたルートの前段に置くミドルウェアを返す。
//
//   - Authenticated: セッションをコンテキストに注入して次へ進む
//   - Unauthenticated: ログイン画面へ303リダイレクト（APIは401）
//   - Resolving のまま: ローディング画面を503とRetry-Afterで返す（APIは503 JSON）
//
// いずれの場合も、状態が確定するまで保護コンテンツのハンドラーは呼ばれない。
func (g *Guard) Middleware(source ResolverSource, cfg HTTPConfig) func(next http.Handler) http.Handler {
	if cfg.LoginPath == "" {
		cfg.LoginPath = DefaultHTTPConfig().LoginPath
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = DefaultHTTPConfig().RetryAfter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			isAPI := cfg.APIPrefix != "" && strings.HasPrefix(r.URL.Path, cfg.APIPrefix)

			key, err := middleware.BrowserKeyFromContext(r.Context())
			if err != nil {
				g.logger.Error("guard requires a browser key", slog.String("path", r.URL.Path))
				middleware.WriteInternalServerError(w)
				return
			}

			var decision Decision
			resolver, err := source.Resolver(r.Context(), key)
			if err != nil {
				g.logger.Error("failed to get session resolver", slog.String("error", err.Error()))
				decision = Decision{State: StateResolving, Reason: ReasonError, Err: err}
				g.recorder.RecordGuardDecision(decision.State.String(), string(decision.Reason), 0)
			} else {
				decision = g.Resolve(r.Context(), resolver)
			}

			switch decision.State {
			case StateAuthenticated:
				next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), decision.Session)))
			case StateUnauthenticated:
				if isAPI {
					apiErr := model.NewUnauthorizedError()
					if decision.Reason == ReasonExpired {
						apiErr = model.NewSessionExpiredError()
					}
					middleware.WriteErrorResponse(w, http.StatusUnauthorized, apiErr)
					return
				}
				http.Redirect(w, r, LoginURL(cfg.LoginPath, r.URL.RequestURI(), decision.Reason == ReasonExpired), http.StatusSeeOther)
			default:
				g.writeUnresolved(w, r, isAPI, cfg.RetryAfter)
			}
		})
	}
}

// writeUnresolved は状態を確定できなかった場合の応答を書き込む。
func (g *Guard) writeUnresolved(w http.ResponseWriter, r *http.Request, isAPI bool, retryAfter time.Duration) {
	seconds := int(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))

	if isAPI {
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewNetworkError())
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	err := loadingPage.Execute(w, struct {
		Seconds int
		Path    string
	}{Seconds: seconds, Path: SanitizeNext(r.URL.RequestURI())})
	if err != nil {
		g.logger.Error("failed to write loading page",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// LoginURL はログイン画面のURLを組み立てる。next はログイン後の戻り先。
func LoginURL(loginPath, next string, expired bool) string {
	q := url.Values{}
	if next = SanitizeNext(next); next != "/" {
		q.Set("next", next)
	}
	if expired {
		q.Set("expired", "1")
	}
	if len(q) == 0 {
		return loginPath
	}
	return loginPath + "?" + q.Encode()
}

// SanitizeNext は戻り先をサイト内の絶対パスに制限する。
// 外部URLやプロトコル相対URLは "/" に置き換える。
func SanitizeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	u, err := url.Parse(next)
	if err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	return next
}
