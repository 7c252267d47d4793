package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brifyai/dashboard-brify-sub001/internal/model"
)

// Loader は永続化層からブラウザキーに対応するセッションを復元する。
// 見つからない場合は nil, nil を返す。
type Loader interface {
	Load(ctx context.Context, key string) (*model.Session, error)
}

// RegistryConfig はRegistryの設定。
type RegistryConfig struct {
	IdleTTL         time.Duration // 最終アクセスからこの時間を超えたStoreは破棄する
	CleanupInterval time.Duration // 破棄判定の間隔
}

// DefaultRegistryConfig はデフォルトのRegistry設定を返す。
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		IdleTTL:         30 * time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
}

// registryEntry はStoreと最終アクセス時刻を保持する。
type registryEntry struct {
	store      *Store
	lastAccess time.Time
}

// Registry はセッションを持つブラウザキーごとのStoreをキャッシュする。
// キャッシュにないキーはLoaderから復元する。
// バックグラウンドでアイドル状態のStoreを破棄する。
type Registry struct {
	loader Loader
	config RegistryConfig

	mu      sync.RWMutex
	entries map[string]*registryEntry
	hooks   []func(key string, s *Store)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRegistry はRegistryを生成し、クリーンアップを開始する。
func NewRegistry(loader Loader, config RegistryConfig) *Registry {
	if config.IdleTTL <= 0 || config.CleanupInterval <= 0 {
		config = DefaultRegistryConfig()
	}
	r := &Registry{
		loader:  loader,
		config:  config,
		entries: make(map[string]*registryEntry),
		stopCh:  make(chan struct{}),
	}

	go r.cleanupLoop()

	return r
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// OnStore はStore生成時に呼ばれるフックを登録する。
// 購読者の登録など、Storeごとに1回だけ行う処理に使う。
func (r *Registry) OnStore(hook func(key string, s *Store)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Get はキーに対応するStoreを返す。
// 未キャッシュの場合は永続化層から復元する。復元できたStoreだけを登録し、
// セッションのないキーは Detached と同じく未登録のStoreを返す。
func (r *Registry) Get(ctx context.Context, key string) (*Store, error) {
	if key == "" {
		return nil, fmt.Errorf("session key is required")
	}

	if s, ok := r.cached(key); ok {
		return s, nil
	}

	var initial *model.Session
	if r.loader != nil {
		loaded, err := r.loader.Load(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		initial = loaded
	}
	if initial == nil {
		return r.Detached(key), nil
	}

	r.mu.Lock()
	// ダブルチェック
	if e, exists := r.entries[key]; exists {
		e.lastAccess = time.Now()
		r.mu.Unlock()
		return e.store, nil
	}
	s := NewStore(initial)
	r.entries[key] = &registryEntry{store: s, lastAccess: time.Now()}
	hooks := append([]func(string, *Store){}, r.hooks...)
	r.mu.Unlock()

	for _, hook := range hooks {
		hook(key, s)
	}
	return s, nil
}

// Detached は永続化層を参照せずにキーのStoreを返す。キャッシュ済みならそれを返す。
// 新しいStoreはセッションが設定されるか購読者が付いた時点で初めて登録されるため、
// セッションを持たないキーはキャッシュに残らない。
func (r *Registry) Detached(key string) *Store {
	if s, ok := r.cached(key); ok {
		return s
	}

	r.mu.RLock()
	hooks := append([]func(string, *Store){}, r.hooks...)
	r.mu.RUnlock()

	s := NewStore(nil)
	for _, hook := range hooks {
		hook(key, s)
	}
	s.admit = func(s *Store) { r.admit(key, s) }
	return s
}

// admit は未登録のStoreを登録する。同じキーのエントリがあれば、
// 直前に遷移したこちらのStoreで置き換える。
func (r *Registry) admit(key string, s *Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = &registryEntry{store: s, lastAccess: time.Now()}
}

func (r *Registry) cached(key string) (*Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.entries[key]
	if !exists {
		return nil, false
	}
	e.lastAccess = time.Now()
	return e.store, true
}

// Len はキャッシュ中のStore数を返す。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// cleanupLoop は定期的にアイドル状態のStoreを破棄する。
func (r *Registry) cleanupLoop() {
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.evictIdle(time.Now())
		case <-r.stopCh:
			return
		}
	}
}

// evictIdle は最終アクセスがIdleTTLを超えたエントリを削除する。
func (r *Registry) evictIdle(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.entries {
		if now.Sub(e.lastAccess) > r.config.IdleTTL {
			delete(r.entries, key)
		}
	}
}
