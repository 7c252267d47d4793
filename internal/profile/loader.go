// Package profile は認証済みセッションに対応するユーザーレコードを取得するProfile Loaderを提供する。
//
// ユーザーレコードのidは認証サービスのsubject idと一致している必要がある。
// メールアドレスでは一致するがidが異なるレコード（idのずれ）は修復せず、
// ログとメトリクスに残した上で「見つからない」として扱う。
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brifyai/dashboard-brify-sub001/internal/backend"
	"github.com/brifyai/dashboard-brify-sub001/internal/model"
	"github.com/brifyai/dashboard-brify-sub001/internal/security"
)

// UserFinder はusersテーブルを列の一致条件で検索する。backend.Client が実装する。
type UserFinder interface {
	FindUsers(ctx context.Context, accessToken string, column backend.UserColumn, value string) ([]model.UserRecord, error)
}

// LookupOutcome はプロフィール取得結果の分類。
type LookupOutcome string

const (
	OutcomeFound      LookupOutcome = "found"
	OutcomeNotFound   LookupOutcome = "not_found"
	OutcomeIDMismatch LookupOutcome = "id_mismatch"
	OutcomeError      LookupOutcome = "error"
)

// Recorder はプロフィール取得結果を記録する。metrics.Collector が実装する。
type Recorder interface {
	RecordProfileLookup(outcome LookupOutcome)
}

type nopRecorder struct{}

func (nopRecorder) RecordProfileLookup(LookupOutcome) {}

// Loader はセッションのsubject idでユーザーレコードを取得する。
type Loader struct {
	finder    UserFinder
	sanitizer security.TextSanitizer
	recorder  Recorder
	logger    *slog.Logger
}

// NewLoader はLoaderを生成する。
func NewLoader(finder UserFinder, sanitizer security.TextSanitizer, logger *slog.Logger) *Loader {
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		finder:    finder,
		sanitizer: sanitizer,
		recorder:  nopRecorder{},
		logger:    logger,
	}
}

// SetRecorder は取得結果の記録先を設定する。
func (l *Loader) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	l.recorder = r
}

// LoadProfile はセッションのsubject idに一致するユーザーレコードを返す。
// 見つからない場合は model.ErrProfileNotFound をラップしたエラーを返す。
// 呼び出し元はこれを致命的エラーではなく「プロフィールなし」の表示状態として扱う。
func (l *Loader) LoadProfile(ctx context.Context, sess *model.Session) (*model.UserRecord, error) {
	if sess == nil || sess.SubjectID == "" {
		return nil, errors.New("profile lookup requires an authenticated session")
	}

	rec, outcome, err := l.lookup(ctx, sess)
	l.recorder.RecordProfileLookup(outcome)
	if err != nil {
		return nil, err
	}

	rec.Name = l.sanitizer.SanitizeText(rec.Name)
	rec.Role = l.sanitizer.SanitizeText(rec.Role)
	return rec, nil
}

func (l *Loader) lookup(ctx context.Context, sess *model.Session) (*model.UserRecord, LookupOutcome, error) {
	rows, err := l.finder.FindUsers(ctx, sess.AccessToken, backend.UserColumnID, sess.SubjectID)
	if err != nil {
		return nil, OutcomeError, fmt.Errorf("failed to find user by id: %w", err)
	}
	if rec := matchSubject(rows, sess.SubjectID); rec != nil {
		return rec, OutcomeFound, nil
	}

	if sess.Email == "" {
		return nil, OutcomeNotFound, fmt.Errorf("user %s: %w", sess.SubjectID, model.ErrProfileNotFound)
	}

	rows, err = l.finder.FindUsers(ctx, sess.AccessToken, backend.UserColumnEmail, sess.Email)
	if err != nil {
		return nil, OutcomeError, fmt.Errorf("failed to find user by email: %w", err)
	}
	if rec := matchSubject(rows, sess.SubjectID); rec != nil {
		return rec, OutcomeFound, nil
	}
	if len(rows) > 0 {
		recordIDs := make([]string, len(rows))
		for i, r := range rows {
			recordIDs[i] = r.ID
		}
		l.logger.Warn("user record id does not match authenticated subject",
			slog.String("subject_id", sess.SubjectID),
			slog.Any("record_ids", recordIDs),
		)
		return nil, OutcomeIDMismatch, fmt.Errorf("user %s has a record under another id: %w", sess.SubjectID, model.ErrProfileNotFound)
	}

	return nil, OutcomeNotFound, fmt.Errorf("user %s: %w", sess.SubjectID, model.ErrProfileNotFound)
}

// matchSubject はidがsubjectに一致する行を返す。
func matchSubject(rows []model.UserRecord, subjectID string) *model.UserRecord {
	for i := range rows {
		if rows[i].ID == subjectID {
			rec := rows[i]
			return &rec
		}
	}
	return nil
}
