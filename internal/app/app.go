// Package app はコマンドの解析と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/brifyai/dashboard-brify-sub001/internal/auth"
	"github.com/brifyai/dashboard-brify-sub001/internal/backend"
	"github.com/brifyai/dashboard-brify-sub001/internal/config"
	"github.com/brifyai/dashboard-brify-sub001/internal/database"
	"github.com/brifyai/dashboard-brify-sub001/internal/guard"
	"github.com/brifyai/dashboard-brify-sub001/internal/handler"
	"github.com/brifyai/dashboard-brify-sub001/internal/logger"
	"github.com/brifyai/dashboard-brify-sub001/internal/metrics"
	"github.com/brifyai/dashboard-brify-sub001/internal/middleware"
	"github.com/brifyai/dashboard-brify-sub001/internal/profile"
	"github.com/brifyai/dashboard-brify-sub001/internal/repository"
	"github.com/brifyai/dashboard-brify-sub001/internal/security"
	"github.com/brifyai/dashboard-brify-sub001/internal/session"
	"github.com/brifyai/dashboard-brify-sub001/internal/worker/cleanup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"
)

const (
	dbPingTimeout   = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 設定を読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再構成する
	logger.SetupDefault(w, cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMでコンテキストがキャンセルされる。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// initAndRun は設定を読み込んでからモードの本体を実行する。
func initAndRun(ctx context.Context, w io.Writer, mode Command, run runFunc) error {
	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(mode)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)
	return run(ctx, cfg)
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// newRegistry は全体のメトリクスを登録したPrometheusレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// rateLimiterConfig はreq/min単位の設定をreq/secのリミッター設定に変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rl.GeneralBurst = cfg.RateLimitGeneral
	rl.SignInRate = rate.Limit(float64(cfg.RateLimitSignIn) / 60.0)
	rl.SignInBurst = cfg.RateLimitSignIn
	rl.TrustForwardedFor = cfg.TrustForwardedFor
	return rl
}

// runServe はHTTPサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// コンテキストがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. メトリクス
	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	// 3. セッションの永続化とSession Storeのキャッシュ
	sessionRepo := repository.NewPostgresSessionRepo(db)
	registryCfg := session.DefaultRegistryConfig()
	registryCfg.IdleTTL = cfg.SessionIdleTTL
	registry := session.NewRegistry(sessionRepo, registryCfg)
	defer registry.Stop()
	collector.WatchCachedSessions(registry.Len)

	// 4. バックエンドクライアント
	client := backend.NewClient(backend.Config{
		BaseURL:   cfg.BackendURL,
		APIKey:    cfg.BackendAPIKey,
		JWTSecret: cfg.BackendJWTSecret,
		Timeout:   cfg.BackendTimeout,
	}, nil, slog.Default())
	client.SetObserver(collector)

	// 5. ドメインサービス
	authService := auth.NewService(client, registry, sessionRepo, auth.GatewayConfig{
		SessionCheckInterval: cfg.SessionCheckInterval,
		RefreshLeeway:        cfg.SessionRefreshLeeway,
	}, slog.Default())
	authService.SetRecorder(collector)

	routeGuard := guard.New(guard.RetryPolicy{
		Attempts:       cfg.GuardRetryAttempts,
		InitialBackoff: cfg.GuardInitialBackoff,
		MaxBackoff:     cfg.GuardMaxBackoff,
	}, slog.Default())
	routeGuard.SetRecorder(collector)

	profiles := profile.NewLoader(client, security.NewTextSanitizer(0), slog.Default())
	profiles.SetRecorder(collector)

	// 6. ルーターの構築
	limiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer limiter.Stop()

	adapter := handler.NewAuthServiceAdapter(authService)
	guardHTTP := guard.DefaultHTTPConfig()
	guardHTTP.RetryAfter = cfg.GuardRetryAfter

	router := handler.NewRouter(&handler.RouterDeps{
		Logger: slog.Default(),
		BrowserKeys: middleware.NewBrowserKeys(middleware.BrowserKeyConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
			MaxAge:       cfg.CookieMaxAge,
		}),
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		SecurityHeaders:   middleware.SecurityHeadersConfig{HSTSMaxAge: cfg.HSTSMaxAge},
		RateLimiter:       limiter,
		Guard:             routeGuard,
		GuardHTTP:         guardHTTP,
		Resolvers:         adapter,
		Gateways:          adapter,
		Profiles:          profiles,
		HealthChecks: handler.HealthChecks{
			"database": handler.HealthCheckFunc(func(ctx context.Context) error {
				return database.Ping(ctx, db, dbPingTimeout)
			}),
		},
		MetricsHandler: metrics.Handler(reg),
	})

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return serveUntilDone(ctx, server, "API server")
}

// serveUntilDone はコンテキストがキャンセルされるまでサーバーを動かし、グレースフルシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("%s listen error: %w", name, err)
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れの永続化セッションを定期的に削除する。
// metricsAddr が指定された場合はそのアドレスでメトリクスを公開する。
func runWorker(ctx context.Context, cfg *config.Config, metricsAddr string) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	job := cleanup.NewCleanupJob(repository.NewPostgresSessionRepo(db), slog.Default())
	job.Retention = cfg.SessionRetention
	job.SetRecorder(collector)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		server := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		done := make(chan error, 1)
		go func() { done <- serveUntilDone(ctx, server, "metrics server") }()
		defer func() {
			if err := <-done; err != nil {
				slog.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("retention", cfg.SessionRetention),
	)

	// コンテキストがキャンセルされるまでブロックする
	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// steps が0の場合は未適用のマイグレーションをすべて適用し、負の場合はその件数だけロールバックする。
func runMigrate(ctx context.Context, cfg *config.Config, steps int) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("steps", steps),
	)

	var err error
	if steps == 0 {
		err = database.RunMigrations(cfg.DatabaseURL)
	} else {
		err = database.StepMigrations(cfg.DatabaseURL, steps)
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	status, err := database.Status(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration status: %w", err)
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(status.Version)),
		slog.Bool("dirty", status.Dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	target := "http://" + net.JoinHostPort("localhost", port) + "/health"
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
