package model

import "time"

// Session はIdPが発行した認証済みセッションを表す。
// AccessToken / RefreshToken はバックエンドへの代理呼び出しにのみ使い、
// ログやレスポンスに出力してはならない。
type Session struct {
	SubjectID    string
	Email        string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	AccessToken  string
	RefreshToken string
}

// Expired はnow時点でセッションが自然失効しているかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Clone はセッションのコピーを返す。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// SameIssue は2つのセッションが同じ発行（同じトークンの組）かを返す。
// どちらかが nil の場合は false。
func (s *Session) SameIssue(other *Session) bool {
	if s == nil || other == nil {
		return false
	}
	return s.SubjectID == other.SubjectID &&
		s.AccessToken == other.AccessToken &&
		s.RefreshToken == other.RefreshToken
}

// SessionEventKind はセッション遷移の種類を表す。
type SessionEventKind string

const (
	// SessionSignedIn はサインインによる遷移。
	SessionSignedIn SessionEventKind = "signed_in"
	// SessionSignedOut はサインアウトによる遷移。
	SessionSignedOut SessionEventKind = "signed_out"
	// SessionRefreshed はトークン更新による遷移。
	SessionRefreshed SessionEventKind = "refreshed"
	// SessionExpired は失効またはリモート側での無効化による遷移。
	SessionExpired SessionEventKind = "expired"
)

// SessionEvent はSession Storeの購読者に届く遷移通知。
// SignedOut / Expired の場合 Session は nil。
type SessionEvent struct {
	Kind    SessionEventKind
	Session *Session
}

