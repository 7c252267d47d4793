// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/brifyai/dashboard-brify-sub001/internal/model"
)

// SessionRepository はブラウザキーに紐づくセッションの永続化インターフェース。
// session.Loader と auth.Persister を兼ねる。
type SessionRepository interface {
	// Load はキーに対応するセッションを取得する。見つからない場合はnilを返す。
	// 期限切れのセッションも返す（リフレッシュトークンで更新できるため）。
	Load(ctx context.Context, key string) (*model.Session, error)

	// Save はキーに対応するセッションを作成または置き換える。
	Save(ctx context.Context, key string, session *model.Session) error

	// Delete はキーに対応するセッションを削除する。存在しなくてもエラーにしない。
	Delete(ctx context.Context, key string) error

	// DeleteExpiredBefore はbefore以前に失効したセッションを削除し、削除件数を返す。
	DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error)
}
