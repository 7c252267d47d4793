// Package session は認証済みセッションの保持と変更通知を提供する。
//
// Store は1つのアプリケーションルート（ブラウザ1つ）につき1インスタンスで、
// 現在のセッション（またはなし）を保持し、遷移ごとに購読者へ通知する。
// 値の更新は単一ポインタの置き換えで行うため、読み手が書き手と競合することはない。
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brifyai/dashboard-brify-sub001/internal/model"
)

// Listener はセッション遷移の通知を受け取るコールバック。
type Listener func(model.SessionEvent)

// Store は現在のセッションと購読者を保持する。
type Store struct {
	current    atomic.Pointer[model.Session]
	verifiedAt atomic.Int64 // リモート確認時刻（UnixNano）。0は未確認

	refreshing chan struct{} // 容量1。トークン更新を1本に直列化する

	mu        sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64

	// admit はRegistry未登録のStoreを最初の遷移または購読で登録する。
	admit     func(*Store)
	admitOnce sync.Once
}

// NewStore はStoreを生成する。initialは永続化層から復元したセッション（nil可）。
// 復元時には通知を発行しない。
func NewStore(initial *model.Session) *Store {
	s := &Store{
		refreshing: make(chan struct{}, 1),
		listeners:  make(map[uint64]Listener),
	}
	if initial != nil {
		s.current.Store(initial.Clone())
	}
	return s
}

// Current は現在のセッションのコピーを返す。ブロックしない。
func (s *Store) Current() *model.Session {
	return s.current.Load().Clone()
}

// Set はセッションを置き換え、kindの遷移として購読者に通知する。
func (s *Store) Set(kind model.SessionEventKind, sess *model.Session) {
	next := sess.Clone()
	s.current.Store(next)
	s.verifiedAt.Store(0)
	s.admitted()
	s.publish(model.SessionEvent{Kind: kind, Session: next.Clone()})
}

// Clear はセッションを破棄し、保持していた場合のみkindの遷移を通知する。
// セッションを保持していたかどうかを返す。
func (s *Store) Clear(kind model.SessionEventKind) bool {
	if prev := s.current.Swap(nil); prev == nil {
		return false
	}
	s.verifiedAt.Store(0)
	s.publish(model.SessionEvent{Kind: kind})
	return true
}

// CompareAndClear は現在のセッションがprevと同じ発行のものである場合に限り破棄し、
// kindの遷移を通知する。別のリクエストが先に更新・破棄していた場合は何もせずfalseを返す。
func (s *Store) CompareAndClear(prev *model.Session, kind model.SessionEventKind) bool {
	if prev == nil {
		return false
	}
	for {
		cur := s.current.Load()
		if !cur.SameIssue(prev) {
			return false
		}
		if s.current.CompareAndSwap(cur, nil) {
			s.verifiedAt.Store(0)
			s.publish(model.SessionEvent{Kind: kind})
			return true
		}
	}
}

// LockRefresh はトークン更新の実行権を取得する。同じStoreでの更新は同時に1つだけ走る。
// ctxが先に終了した場合はそのエラーを返す。
func (s *Store) LockRefresh(ctx context.Context) (unlock func(), err error) {
	select {
	case s.refreshing <- struct{}{}:
		return func() { <-s.refreshing }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MarkVerified は現在のセッションをリモートで確認した時刻を記録する。
func (s *Store) MarkVerified(t time.Time) {
	s.verifiedAt.Store(t.UnixNano())
}

// VerifiedAt は最後にリモートで確認した時刻を返す。未確認ならゼロ値。
func (s *Store) VerifiedAt() time.Time {
	v := s.verifiedAt.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// Subscribe は購読者を登録し、登録解除関数を返す。
// 購読者は遷移ごとに1回呼ばれる。購読者間の呼び出し順序は保証しない。
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()
	s.admitted()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) admitted() {
	if s.admit == nil {
		return
	}
	s.admitOnce.Do(func() { s.admit(s) })
}

// publish は購読者のスナップショットに対してロック外で通知する。
func (s *Store) publish(ev model.SessionEvent) {
	s.mu.Lock()
	targets := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		targets = append(targets, l)
	}
	s.mu.Unlock()

	for _, l := range targets {
		l(ev)
	}
}
