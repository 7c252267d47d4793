package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brifyai/dashboard-brify-sub001/internal/model"
	"github.com/brifyai/dashboard-brify-sub001/internal/session"
	"github.com/go-playground/validator/v10"
)

// Gateway は1つのアプリケーションルート（ブラウザ）の認証操作を提供する。
// 外部IdPのサインイン・サインアウト・セッション確認・パスワード再設定を包み、
// 結果をSession Storeと永続化層に反映する。
type Gateway struct {
	key       string
	backend   Backend
	store     *session.Store
	persister Persister
	config    GatewayConfig
	recorder  Recorder
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

// SignIn はメールアドレスとパスワードでサインインする。
// 失敗時は model.ErrInvalidCredentials / model.ErrEmailNotConfirmed / model.ErrNetwork を
// ラップしたエラーを返し、既存のセッションには触れない。
// 成功時はセッションを永続化し、signed_in を通知する。
func (g *Gateway) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		g.recorder.RecordSignIn(outcomeFor(model.ErrInvalidCredentials))
		return nil, fmt.Errorf("email and password are required: %w", model.ErrInvalidCredentials)
	}

	sess, err := g.backend.SignIn(ctx, email, password)
	if err != nil {
		g.recorder.RecordSignIn(outcomeFor(err))
		g.logger.Warn("sign-in failed",
			slog.String("email", email),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to sign in: %w", err)
	}

	g.persist(ctx, sess)
	g.store.Set(model.SessionSignedIn, sess)
	g.store.MarkVerified(g.now())
	g.recorder.RecordSignIn(OutcomeSuccess)

	g.logger.Info("user signed in",
		slog.String("subject_id", sess.SubjectID),
	)
	return sess.Clone(), nil
}

// SignOut はローカルのセッションを破棄し、リモート側の無効化を試みる。
// リモート呼び出しが失敗してもローカルのセッションは必ず破棄される。
func (g *Gateway) SignOut(ctx context.Context) {
	cur := g.store.Current()
	g.store.Clear(model.SessionSignedOut)
	g.forget(ctx)

	if cur == nil {
		return
	}
	if err := g.backend.SignOut(ctx, cur.AccessToken); err != nil {
		g.logger.Warn("remote sign-out failed, local session cleared",
			slog.String("subject_id", cur.SubjectID),
			slog.String("error", err.Error()),
		)
		return
	}
	g.logger.Info("user signed out", slog.String("subject_id", cur.SubjectID))
}

// GetSession はキャッシュ済みのセッションを返す。ネットワークには触れない。
func (g *Gateway) GetSession() *model.Session {
	return g.store.Current()
}

// OnSessionChange はサインイン・サインアウト・更新・失効のたびに呼ばれる購読者を登録する。
func (g *Gateway) OnSessionChange(listener session.Listener) (unsubscribe func()) {
	return g.store.Subscribe(listener)
}

// ResetPassword はパスワード再設定メールの送信を依頼する。
// アカウントの存在有無は呼び出し元に漏らさないため、バックエンドの拒否は成功として扱う。
func (g *Gateway) ResetPassword(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if err := g.validate.Var(email, "required,email"); err != nil {
		return model.NewInvalidEmailError()
	}

	if err := g.backend.RecoverPassword(ctx, email); err != nil {
		if errors.Is(err, model.ErrNetwork) {
			return fmt.Errorf("failed to request password reset: %w", err)
		}
		g.logger.Warn("password reset rejected by backend", slog.String("error", err.Error()))
	}
	return nil
}

// Resolve はRoute Guardのためにセッション状態を確定させる。
//
//   - セッションなし: nil, nil
//   - 失効済み: リフレッシュを試み、拒否されたらローカルを破棄して model.ErrSessionExpired
//   - 有効: SessionCheckInterval 以内に確認済みならそのまま、そうでなければリモートで確認
//   - リモートが null を返した: ローカルを破棄して nil, nil
//   - 通信失敗: ローカルは破棄せず model.ErrNetwork をラップして返す
func (g *Gateway) Resolve(ctx context.Context) (*model.Session, error) {
	cur := g.store.Current()
	if cur == nil {
		return nil, nil
	}

	now := g.now()
	if !now.Add(g.config.RefreshLeeway).Before(cur.ExpiresAt) {
		return g.refresh(ctx, cur, now)
	}

	if verified := g.store.VerifiedAt(); !verified.IsZero() && now.Sub(verified) < g.config.SessionCheckInterval {
		return cur, nil
	}

	remote, err := g.backend.GetSession(ctx, cur.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}
	if remote == nil || remote.SubjectID != cur.SubjectID {
		if g.expire(ctx, cur) {
			g.logger.Info("session revoked remotely", slog.String("subject_id", cur.SubjectID))
		}
		return nil, nil
	}

	g.store.MarkVerified(now)
	return cur, nil
}

// refresh は失効済みまたは失効間近のセッションを更新する。
// リフレッシュトークンは使い捨てのため、同じStoreでの更新はLockRefreshで直列化し、
// 待っている間に他のリクエストが更新・破棄した場合はその結果を返す。
func (g *Gateway) refresh(ctx context.Context, cur *model.Session, now time.Time) (*model.Session, error) {
	unlock, err := g.store.LockRefresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for session refresh: %w", err)
	}
	defer unlock()

	latest := g.store.Current()
	if latest == nil {
		return nil, nil
	}
	if !latest.SameIssue(cur) {
		return latest, nil
	}

	expired := cur.Expired(now)

	if cur.RefreshToken == "" {
		if !expired {
			return cur, nil
		}
		g.expire(ctx, cur)
		return nil, fmt.Errorf("session has no refresh token: %w", model.ErrSessionExpired)
	}

	fresh, err := g.backend.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		if errors.Is(err, model.ErrSessionExpired) {
			g.expire(ctx, cur)
			return nil, fmt.Errorf("failed to refresh session: %w", err)
		}
		if !expired {
			// 失効前なので現在のセッションで続行する
			g.logger.Warn("early session refresh failed", slog.String("error", err.Error()))
			return cur, nil
		}
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}

	g.persist(ctx, fresh)
	g.store.Set(model.SessionRefreshed, fresh)
	g.store.MarkVerified(now)
	return fresh.Clone(), nil
}

// expire はStoreがまだprevを保持している場合に限り失効として破棄する。
// 破棄した場合のみ永続化済みのセッションも削除し、trueを返す。
func (g *Gateway) expire(ctx context.Context, prev *model.Session) bool {
	if !g.store.CompareAndClear(prev, model.SessionExpired) {
		return false
	}
	g.forget(ctx)
	return true
}

func (g *Gateway) persist(ctx context.Context, sess *model.Session) {
	if g.persister == nil {
		return
	}
	if err := g.persister.Save(ctx, g.key, sess); err != nil {
		// 永続化に失敗してもメモリ上のセッションで続行する
		g.logger.Error("failed to persist session",
			slog.String("subject_id", sess.SubjectID),
			slog.String("error", err.Error()),
		)
	}
}

func (g *Gateway) forget(ctx context.Context) {
	if g.persister == nil {
		return
	}
	if err := g.persister.Delete(ctx, g.key); err != nil {
		g.logger.Error("failed to delete persisted session", slog.String("error", err.Error()))
	}
}
