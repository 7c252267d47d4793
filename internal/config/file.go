package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig はYAML設定ファイルの構造。
// 未指定の項目は空のまま残り、デフォルト値または環境変数が使われる。
type fileConfig struct {
	Database struct {
		URL             string        `yaml:"url"`
		MaxOpenConns    int           `yaml:"max_open_conns"`
		MaxIdleConns    int           `yaml:"max_idle_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	} `yaml:"database"`
	Backend struct {
		URL       string        `yaml:"url"`
		APIKey    string        `yaml:"api_key"`
		JWTSecret string        `yaml:"jwt_secret"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"backend"`
	Session struct {
		CheckInterval   time.Duration `yaml:"check_interval"`
		RefreshLeeway   time.Duration `yaml:"refresh_leeway"`
		IdleTTL         time.Duration `yaml:"idle_ttl"`
		Retention       time.Duration `yaml:"retention"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
	} `yaml:"session"`
	Guard struct {
		RetryAttempts  int           `yaml:"retry_attempts"`
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		MaxBackoff     time.Duration `yaml:"max_backoff"`
		RetryAfter     time.Duration `yaml:"retry_after"`
	} `yaml:"guard"`
	RateLimit struct {
		General           int   `yaml:"general"`
		SignIn            int   `yaml:"sign_in"`
		TrustForwardedFor *bool `yaml:"trust_forwarded_for"`
	} `yaml:"rate_limit"`
	Server struct {
		Port     string `yaml:"port"`
		BaseURL  string `yaml:"base_url"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"server"`
	Cookie struct {
		Secure *bool  `yaml:"secure"`
		Domain string `yaml:"domain"`
		MaxAge int    `yaml:"max_age"`
	} `yaml:"cookie"`
	HSTSMaxAge time.Duration `yaml:"hsts_max_age"`
	CORS struct {
		AllowedOrigin string `yaml:"allowed_origin"`
	} `yaml:"cors"`
}

// loadFile はYAML設定ファイルを読み込み、環境変数名をキーとする値に変換する。
func loadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return fc.values(), nil
}

// values は設定済みの項目だけを環境変数名で返す。
func (fc *fileConfig) values() map[string]string {
	v := make(map[string]string)
	setString := func(key, s string) {
		if s != "" {
			v[key] = s
		}
	}
	setInt := func(key string, i int) {
		if i != 0 {
			v[key] = strconv.Itoa(i)
		}
	}
	setDuration := func(key string, d time.Duration) {
		if d != 0 {
			v[key] = d.String()
		}
	}
	setBool := func(key string, b *bool) {
		if b != nil {
			v[key] = strconv.FormatBool(*b)
		}
	}

	setString("DATABASE_URL", fc.Database.URL)
	setInt("DB_MAX_OPEN_CONNS", fc.Database.MaxOpenConns)
	setInt("DB_MAX_IDLE_CONNS", fc.Database.MaxIdleConns)
	setDuration("DB_CONN_MAX_LIFETIME", fc.Database.ConnMaxLifetime)
	setString("BACKEND_URL", fc.Backend.URL)
	setString("BACKEND_API_KEY", fc.Backend.APIKey)
	setString("BACKEND_JWT_SECRET", fc.Backend.JWTSecret)
	setDuration("BACKEND_TIMEOUT", fc.Backend.Timeout)
	setDuration("SESSION_CHECK_INTERVAL", fc.Session.CheckInterval)
	setDuration("SESSION_REFRESH_LEEWAY", fc.Session.RefreshLeeway)
	setDuration("SESSION_IDLE_TTL", fc.Session.IdleTTL)
	setDuration("SESSION_RETENTION", fc.Session.Retention)
	setDuration("CLEANUP_INTERVAL", fc.Session.CleanupInterval)
	setInt("GUARD_RETRY_ATTEMPTS", fc.Guard.RetryAttempts)
	setDuration("GUARD_INITIAL_BACKOFF", fc.Guard.InitialBackoff)
	setDuration("GUARD_MAX_BACKOFF", fc.Guard.MaxBackoff)
	setDuration("GUARD_RETRY_AFTER", fc.Guard.RetryAfter)
	setInt("RATE_LIMIT_GENERAL", fc.RateLimit.General)
	setInt("RATE_LIMIT_SIGNIN", fc.RateLimit.SignIn)
	setBool("TRUST_FORWARDED_FOR", fc.RateLimit.TrustForwardedFor)
	setString("SERVER_PORT", fc.Server.Port)
	setString("BASE_URL", fc.Server.BaseURL)
	setString("LOG_LEVEL", fc.Server.LogLevel)
	setBool("COOKIE_SECURE", fc.Cookie.Secure)
	setString("COOKIE_DOMAIN", fc.Cookie.Domain)
	setInt("COOKIE_MAX_AGE", fc.Cookie.MaxAge)
	setString("CORS_ALLOWED_ORIGIN", fc.CORS.AllowedOrigin)
	setDuration("HSTS_MAX_AGE", fc.HSTSMaxAge)
	return v
}
