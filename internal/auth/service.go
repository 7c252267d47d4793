// Package auth はメールアドレス・パスワードによる認証フローとセッション確認を提供する。
//
// Service はブラウザキーごとに Gateway を組み立てる。Gateway は1つのアプリケーションルートの
// Session Store を所有し、外部IdPとのやり取りの結果をStoreと永続化層に反映する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brifyai/dashboard-brify-sub001/internal/model"
	"github.com/brifyai/dashboard-brify-sub001/internal/session"
	"github.com/go-playground/validator/v10"
)

// Backend は外部IdPの認証APIのインターフェース。
// backend.Client が実装する。
type Backend interface {
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	// GetSession はアクセストークンに対応するセッションを返す。存在しなければ nil, nil。
	GetSession(ctx context.Context, accessToken string) (*model.Session, error)
	SignOut(ctx context.Context, accessToken string) error
	Refresh(ctx context.Context, refreshToken string) (*model.Session, error)
	RecoverPassword(ctx context.Context, email string) error
}

// Persister はセッションの永続化を行う。
type Persister interface {
	Save(ctx context.Context, key string, sess *model.Session) error
	Delete(ctx context.Context, key string) error
}

// SignInOutcome はサインイン結果の分類。
type SignInOutcome string

const (
	OutcomeSuccess            SignInOutcome = "success"
	OutcomeInvalidCredentials SignInOutcome = "invalid_credentials"
	OutcomeEmailNotConfirmed  SignInOutcome = "email_not_confirmed"
	OutcomeNetworkError       SignInOutcome = "network_error"
	OutcomeError              SignInOutcome = "error"
)

// outcomeFor はエラーをサインイン結果に分類する。
func outcomeFor(err error) SignInOutcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, model.ErrInvalidCredentials):
		return OutcomeInvalidCredentials
	case errors.Is(err, model.ErrEmailNotConfirmed):
		return OutcomeEmailNotConfirmed
	case errors.Is(err, model.ErrNetwork):
		return OutcomeNetworkError
	default:
		return OutcomeError
	}
}

// Recorder は認証イベントを記録する。metrics.Collector が実装する。
type Recorder interface {
	RecordSignIn(outcome SignInOutcome)
	RecordSessionTransition(kind model.SessionEventKind)
}

type nopRecorder struct{}

func (nopRecorder) RecordSignIn(SignInOutcome)                     {}
func (nopRecorder) RecordSessionTransition(model.SessionEventKind) {}

// GatewayConfig はGatewayの設定。
type GatewayConfig struct {
	// SessionCheckInterval はリモートでのセッション確認を省略する期間。
	SessionCheckInterval time.Duration
	// RefreshLeeway は有効期限のこの時間前からリフレッシュを試みる。
	RefreshLeeway time.Duration
}

// DefaultGatewayConfig はデフォルト設定を返す。
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		SessionCheckInterval: time.Minute,
		RefreshLeeway:        30 * time.Second,
	}
}

// Service はブラウザキーごとのGatewayを提供する。
type Service struct {
	backend   Backend
	registry  *session.Registry
	persister Persister
	config    GatewayConfig
	recorder  Recorder
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceを生成し、Storeごとの遷移ログ購読を登録する。
// persister は nil でもよい（永続化しない）。
func NewService(
	backend Backend,
	registry *session.Registry,
	persister Persister,
	config GatewayConfig,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		backend:   backend,
		registry:  registry,
		persister: persister,
		config:    config,
		recorder:  nopRecorder{},
		validate:  validator.New(),
		logger:    logger,
		now:       time.Now,
	}
	registry.OnStore(s.watchStore)
	return s
}

// SetRecorder はサインイン結果とセッション遷移の記録先を設定する。
func (s *Service) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	s.recorder = r
}

// Gateway はブラウザキーに対応するGatewayを返す。
// Storeが未キャッシュの場合は永続化層から復元する。
func (s *Service) Gateway(ctx context.Context, key string) (*Gateway, error) {
	store, err := s.registry.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get session store: %w", err)
	}
	return s.newGateway(key, store), nil
}

// IssuedGateway は発行したばかりのブラウザキーのGatewayを返す。
// 永続化層にセッションが存在し得ないため復元を行わない。
func (s *Service) IssuedGateway(key string) *Gateway {
	return s.newGateway(key, s.registry.Detached(key))
}

func (s *Service) newGateway(key string, store *session.Store) *Gateway {
	return &Gateway{
		key:       key,
		backend:   s.backend,
		store:     store,
		persister: s.persister,
		config:    s.config,
		recorder:  s.recorder,
		validate:  s.validate,
		logger:    s.logger,
		now:       s.now,
	}
}

// watchStore はStore生成時に1回だけ呼ばれ、遷移の記録を購読する。
func (s *Service) watchStore(key string, store *session.Store) {
	store.Subscribe(func(ev model.SessionEvent) {
		s.recorder.RecordSessionTransition(ev.Kind)
		attrs := []any{slog.String("event", string(ev.Kind))}
		if ev.Session != nil {
			attrs = append(attrs, slog.String("subject_id", ev.Session.SubjectID))
		}
		s.logger.Debug("session transition", attrs...)
	})
}
