// Package config は環境変数と設定ファイルからアプリケーション設定を読み込む。
//
// 優先順位は 環境変数 > .env > YAML設定ファイル > デフォルト値。
// .env は既存の環境変数を上書きしない。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ConfigFileEnv はYAML設定ファイルのパスを指定する環境変数。
const ConfigFileEnv = "DASHBOARD_CONFIG_FILE"

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Backend
	BackendURL       string
	BackendAPIKey    string
	BackendJWTSecret string
	BackendTimeout   time.Duration

	// Session
	SessionCheckInterval time.Duration
	SessionRefreshLeeway time.Duration
	SessionIdleTTL       time.Duration
	SessionRetention     time.Duration
	CleanupInterval      time.Duration

	// Guard
	GuardRetryAttempts  int
	GuardInitialBackoff time.Duration
	GuardMaxBackoff     time.Duration
	GuardRetryAfter     time.Duration

	// Rate Limit
	RateLimitGeneral  int
	RateLimitSignIn   int
	TrustForwardedFor bool

	// Server
	ServerPort string
	BaseURL    string
	LogLevel   string

	// Cookie
	CookieSecure bool
	CookieDomain string
	CookieMaxAge int

	// HSTSMaxAge が0の場合 Strict-Transport-Security を付与しない
	HSTSMaxAge time.Duration

	// CORS
	CORSAllowedOrigin string
}

// lookupFunc は設定キーに対応する値を返す。
type lookupFunc func(key string) (string, bool)

// Load は.env、YAML設定ファイル、環境変数からConfigを読み込む。
// 必須項目が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var file map[string]string
	if path := os.Getenv(ConfigFileEnv); path != "" {
		values, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		file = values
	}

	return load(func(key string) (string, bool) {
		if v := os.Getenv(key); v != "" {
			return v, true
		}
		v, ok := file[key]
		return v, ok && v != ""
	})
}

func load(lookup lookupFunc) (*Config, error) {
	cfg := &Config{}
	r := reader{lookup: lookup}

	cfg.DatabaseURL = r.required("DATABASE_URL")
	cfg.BackendURL = r.required("BACKEND_URL")
	cfg.BackendAPIKey = r.required("BACKEND_API_KEY")
	cfg.BaseURL = r.required("BASE_URL")

	if len(r.missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", r.missing)
	}

	cfg.DBMaxOpenConns = r.getInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = r.getInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = r.getDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.BackendJWTSecret = r.getString("BACKEND_JWT_SECRET", "")
	cfg.BackendTimeout = r.getDuration("BACKEND_TIMEOUT", 10*time.Second)
	cfg.SessionCheckInterval = r.getDuration("SESSION_CHECK_INTERVAL", time.Minute)
	cfg.SessionRefreshLeeway = r.getDuration("SESSION_REFRESH_LEEWAY", 30*time.Second)
	cfg.SessionIdleTTL = r.getDuration("SESSION_IDLE_TTL", 30*time.Minute)
	cfg.SessionRetention = r.getDuration("SESSION_RETENTION", 7*24*time.Hour)
	cfg.CleanupInterval = r.getDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.GuardRetryAttempts = r.getInt("GUARD_RETRY_ATTEMPTS", 3)
	cfg.GuardInitialBackoff = r.getDuration("GUARD_INITIAL_BACKOFF", 200*time.Millisecond)
	cfg.GuardMaxBackoff = r.getDuration("GUARD_MAX_BACKOFF", 2*time.Second)
	cfg.GuardRetryAfter = r.getDuration("GUARD_RETRY_AFTER", 5*time.Second)
	cfg.RateLimitGeneral = r.getInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSignIn = r.getInt("RATE_LIMIT_SIGNIN", 10)
	cfg.TrustForwardedFor = r.getBool("TRUST_FORWARDED_FOR", false)
	cfg.ServerPort = r.getString("SERVER_PORT", "8080")
	cfg.LogLevel = r.getString("LOG_LEVEL", "info")
	cfg.CookieSecure = r.getBool("COOKIE_SECURE", strings.HasPrefix(cfg.BaseURL, "https://"))
	cfg.CookieDomain = r.getString("COOKIE_DOMAIN", "")
	cfg.CookieMaxAge = r.getInt("COOKIE_MAX_AGE", 30*24*60*60)
	cfg.CORSAllowedOrigin = r.getString("CORS_ALLOWED_ORIGIN", strings.TrimRight(cfg.BaseURL, "/"))
	cfg.HSTSMaxAge = r.getDuration("HSTS_MAX_AGE", 0)
	if cfg.HSTSMaxAge == 0 && strings.HasPrefix(cfg.BaseURL, "https://") {
		cfg.HSTSMaxAge = 365 * 24 * time.Hour
	}

	if cfg.GuardRetryAttempts < 1 {
		return nil, fmt.Errorf("GUARD_RETRY_ATTEMPTS must be at least 1, got %d", cfg.GuardRetryAttempts)
	}

	return cfg, nil
}

// reader は型ごとの読み取りとデフォルト値の適用を行う。
type reader struct {
	lookup  lookupFunc
	missing []string
}

func (r *reader) required(key string) string {
	v, ok := r.lookup(key)
	if !ok {
		r.missing = append(r.missing, key)
	}
	return v
}

func (r *reader) getString(key, defaultVal string) string {
	if v, ok := r.lookup(key); ok {
		return v
	}
	return defaultVal
}

func (r *reader) getInt(key string, defaultVal int) int {
	v, ok := r.lookup(key)
	if !ok {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func (r *reader) getBool(key string, defaultVal bool) bool {
	v, ok := r.lookup(key)
	if !ok {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func (r *reader) getDuration(key string, defaultVal time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
