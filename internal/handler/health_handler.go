package handler

import (
	"context"
	"log/slog"
	"net/http"
)

// HealthChecker は依存先の疎通を確認する。
type HealthChecker interface {
	Check(ctx context.Context) error
}

// HealthChecks はチェック名ごとのHealthChecker。
type HealthChecks map[string]HealthChecker

// HealthHandler は死活監視用のハンドラーを返す。
// すべてのチェックが成功した場合は200、いずれかが失敗した場合は503を返す。
// GET /health
func HealthHandler(checks HealthChecks, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]string, len(checks))
		status := http.StatusOK
		for name, check := range checks {
			if err := check.Check(r.Context()); err != nil {
				logger.Warn("health check failed",
					slog.String("check", name),
					slog.String("error", err.Error()),
				)
				results[name] = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "unavailable"
		}
		writeJSON(w, logger, status, map[string]any{
			"status": overall,
			"checks": results,
		})
	}
}

// HealthCheckFunc は関数をHealthCheckerとして扱う。
type HealthCheckFunc func(ctx context.Context) error

// Check はHealthCheckerインターフェースを実装する。
func (f HealthCheckFunc) Check(ctx context.Context) error {
	return f(ctx)
}
