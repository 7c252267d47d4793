package handler

import (
	"log/slog"
	"net/http"

	"github.com/brifyai/dashboard-brify-sub001/internal/guard"
	"github.com/brifyai/dashboard-brify-sub001/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	BrowserKeys       *middleware.BrowserKeys
	CSRF              middleware.CSRFConfig
	CORSAllowedOrigin string
	SecurityHeaders   middleware.SecurityHeadersConfig
	RateLimiter       *middleware.RateLimiter

	// Route Guard
	Guard     *guard.Guard
	GuardHTTP guard.HTTPConfig
	Resolvers guard.ResolverSource

	// 認証
	Gateways GatewaySource

	// プロフィール
	Profiles ProfileLoader

	// 運用
	HealthChecks   HealthChecks
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → BrowserKey → CSRF → Guard → RateLimit(General)
//
// /health と /metrics はブラウザキーを発行しないようチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.SecurityHeaders))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.Gateways, deps.BrowserKeys, logger)
	dashboardHandler := NewDashboardHandler(deps.Profiles, logger)

	// --- 運用エンドポイント ---
	r.Get("/health", HealthHandler(deps.HealthChecks, logger))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.BrowserKeys.Middleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		// --- 認証不要のルート ---
		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)

		r.Get("/login", authHandler.ShowLogin)
		r.With(deps.RateLimiter.SignInMiddleware()).Post("/login", authHandler.SignIn)
		r.Post("/logout", authHandler.SignOut)

		r.Get("/password-reset", authHandler.ShowPasswordReset)
		r.With(deps.RateLimiter.SignInMiddleware()).Post("/password-reset", authHandler.RequestPasswordReset)

		// --- 認証が必要なルート ---
		// ミドルウェアスタック: Guard → RateLimit(General)
		r.Group(func(r chi.Router) {
			r.Use(deps.Guard.Middleware(deps.Resolvers, deps.GuardHTTP))
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Get("/", dashboardHandler.Show)
			r.Get("/api/session", dashboardHandler.Session)
			r.Get("/api/me", dashboardHandler.Me)
		})
	})

	return r
}
