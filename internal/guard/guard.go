// Package guard は保護されたページへのアクセスを認証状態の確定まで止めるRoute Guardを提供する。
//
// 状態は Resolving → Authenticated | Unauthenticated の3つ。
// Resolving の間は保護コンテンツを描画せず、ローディング表示を返す。
// セッション確認中の通信失敗はリトライし、使い切った場合もリダイレクトせず Resolving のまま終える。
package guard

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brifyai/dashboard-brify-sub001/internal/model"
)

// State はRoute Guardの状態。
type State int

const (
	// StateResolving は認証状態の確定待ち。
	StateResolving State = iota
	// StateAuthenticated はセッションが確認できた状態。
	StateAuthenticated
	// StateUnauthenticated はセッションがないことが確定した状態。
	StateUnauthenticated
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// Reason は判定理由。メトリクスのラベルにも使う。
type Reason string

const (
	ReasonSession     Reason = "session"
	ReasonNoSession   Reason = "no_session"
	ReasonExpired     Reason = "expired"
	ReasonUnavailable Reason = "unavailable"
	ReasonCanceled    Reason = "canceled"
	ReasonError       Reason = "error"
)

// Decision は1回のナビゲーションに対する判定結果。
type Decision struct {
	State    State
	Reason   Reason
	Session  *model.Session // StateAuthenticated の場合のみ非nil
	Attempts int            // セッション確認の試行回数
	Err      error          // StateResolving で終えた場合の原因
}

// Resolver はセッション状態を確定させる。auth.Gateway が実装する。
// セッションがない場合は nil, nil を返す。
type Resolver interface {
	Resolve(ctx context.Context) (*model.Session, error)
}

// DecisionRecorder は判定結果を記録する。metrics.Collector が実装する。
type DecisionRecorder interface {
	RecordGuardDecision(state string, reason string, attempts int)
}

type nopRecorder struct{}

func (nopRecorder) RecordGuardDecision(string, string, int) {}

// RetryPolicy はセッション確認の通信失敗時のリトライ方針。
type RetryPolicy struct {
	Attempts       int           // 初回を含む最大試行回数
	InitialBackoff time.Duration // 初回リトライまでの待機時間
	MaxBackoff     time.Duration // 待機時間の上限
}

// DefaultRetryPolicy はデフォルトのリトライ方針を返す。
// 3回試行、200msから2倍ずつ、最大2秒。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Backoff は失敗回数（1始まり）に対する待機時間を返す。
// InitialBackoffから2倍ずつ増加し、MaxBackoffで頭打ちになる。
func (p RetryPolicy) Backoff(failures int) time.Duration {
	delay := p.InitialBackoff
	for i := 1; i < failures; i++ {
		delay *= 2
		if p.MaxBackoff > 0 && delay > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// Guard はResolverを使って状態遷移を実行する。
type Guard struct {
	policy   RetryPolicy
	recorder DecisionRecorder
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New はGuardを生成する。
func New(policy RetryPolicy, logger *slog.Logger) *Guard {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		policy:   policy,
		recorder: nopRecorder{},
		logger:   logger,
		sleep:    sleepContext,
	}
}

// SetRecorder は判定結果の記録先を設定する。
func (g *Guard) SetRecorder(r DecisionRecorder) {
	if r == nil {
		r = nopRecorder{}
	}
	g.recorder = r
}

// Resolve は Resolving から状態遷移を行い、判定結果を返す。
// model.ErrNetwork のみリトライ対象とする。
func (g *Guard) Resolve(ctx context.Context, r Resolver) Decision {
	d := g.resolve(ctx, r)
	g.recorder.RecordGuardDecision(d.State.String(), string(d.Reason), d.Attempts)
	return d
}

func (g *Guard) resolve(ctx context.Context, r Resolver) Decision {
	var lastErr error
	for attempt := 1; attempt <= g.policy.Attempts; attempt++ {
		sess, err := r.Resolve(ctx)
		switch {
		case err == nil && sess != nil:
			return Decision{State: StateAuthenticated, Reason: ReasonSession, Session: sess, Attempts: attempt}
		case err == nil:
			return Decision{State: StateUnauthenticated, Reason: ReasonNoSession, Attempts: attempt}
		case errors.Is(err, model.ErrSessionExpired):
			return Decision{State: StateUnauthenticated, Reason: ReasonExpired, Attempts: attempt}
		case !errors.Is(err, model.ErrNetwork):
			g.logger.Error("session resolution failed", slog.String("error", err.Error()))
			return Decision{State: StateResolving, Reason: ReasonError, Attempts: attempt, Err: err}
		}

		lastErr = err
		if attempt == g.policy.Attempts {
			break
		}
		delay := g.policy.Backoff(attempt)
		g.logger.Warn("session check failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		if err := g.sleep(ctx, delay); err != nil {
			return Decision{State: StateResolving, Reason: ReasonCanceled, Attempts: attempt, Err: err}
		}
	}

	g.logger.Warn("session check unavailable, keeping session",
		slog.Int("attempts", g.policy.Attempts),
		slog.String("error", lastErr.Error()),
	)
	return Decision{State: StateResolving, Reason: ReasonUnavailable, Attempts: g.policy.Attempts, Err: lastErr}
}

// sleepContext はdだけ待機する。ctxが先に終了した場合はそのエラーを返す。
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
