package tokenstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// MemoryStore はristrettoによるインメモリのStore実装。
// 単一プロセス内でのみ有効なため、テストと開発用途に限る。
type MemoryStore struct {
	// mu はセッション逆引きと失効処理を直列化する。
	mu sync.Mutex
	// cache はキーごとのTTLを持つ対応付けのキャッシュ。
	cache *ristretto.Cache[string, Mapping]
	// sessions はセッションIDから所属する不透明IDへの逆引き。
	sessions map[string]map[string]struct{}
}

// NewMemoryStore は新しいMemoryStoreを生成する。maxEntriesは保持する対応付けの上限。
func NewMemoryStore(maxEntries int64) (*MemoryStore, error) {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, Mapping]{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("インメモリキャッシュの初期化に失敗: %w", err)
	}
	return &MemoryStore{
		cache:    cache,
		sessions: make(map[string]map[string]struct{}),
	}, nil
}

// Put は対応付けを保存する。
func (s *MemoryStore) Put(_ context.Context, m Mapping) error {
	if err := validate(m); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cache.SetWithTTL(m.OpaqueID, m, 1, m.TTL) {
		return fmt.Errorf("%w: キャッシュへの書き込みが破棄されました", ErrUnavailable)
	}
	// 書き込みは非同期に適用されるため、直後の読み取りで見えるように待つ
	s.cache.Wait()

	if m.SessionID != "" {
		members, ok := s.sessions[m.SessionID]
		if !ok {
			members = make(map[string]struct{})
			s.sessions[m.SessionID] = members
		}
		members[m.OpaqueID] = struct{}{}
	}
	return nil
}

// Get は対応付けを取得する。
func (s *MemoryStore) Get(_ context.Context, opaqueID string) (Mapping, error) {
	m, ok := s.cache.Get(opaqueID)
	if !ok {
		return Mapping{}, ErrNotFound
	}
	return m, nil
}

// RevokeSession は対応付けとそのセッションに属する対応付けを削除する。
func (s *MemoryStore) RevokeSession(_ context.Context, opaqueID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.cache.Get(opaqueID)
	if !ok {
		return 0, nil
	}
	s.cache.Del(opaqueID)
	deleted := 1

	if m.SessionID == "" {
		return deleted, nil
	}
	for id := range s.sessions[m.SessionID] {
		if id == opaqueID {
			continue
		}
		if _, live := s.cache.Get(id); live {
			s.cache.Del(id)
			deleted++
		}
	}
	delete(s.sessions, m.SessionID)
	return deleted, nil
}

// PruneSessions はセッション逆引きから期限切れや追い出しで消えたメンバーを取り除き、
// メンバーが残らなくなったセッションの数を返す。
func (s *MemoryStore) PruneSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for sid, members := range s.sessions {
		for id := range members {
			if _, live := s.cache.Get(id); !live {
				delete(members, id)
			}
		}
		if len(members) == 0 {
			delete(s.sessions, sid)
			removed++
		}
	}
	return removed
}

// sessionCount は逆引きに残っているセッションの数を返す。
func (s *MemoryStore) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// StartJanitor はctxが終了するまでinterval毎にPruneSessionsを実行する。
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.PruneSessions()
			}
		}
	}()
}

// Close はキャッシュを閉じる。
func (s *MemoryStore) Close() error {
	s.cache.Close()
	return nil
}
