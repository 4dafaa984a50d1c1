package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryStore はプロセス内のx/time/rateによるBucketStore実装。
// 複数のゲートウェイインスタンス間では共有されないため、単一ノード構成と開発用途に限る。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	idleTTL time.Duration
}

type memoryEntry struct {
	lim      *rate.Limiter
	rule     Rule
	lastSeen time.Time
}

// MemoryOption はMemoryStoreの設定を変更する。
type MemoryOption func(*MemoryStore)

// WithIdleTTL は使われていないバケットを破棄するまでの時間を設定する。
func WithIdleTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.idleTTL = d }
}

// NewMemoryStore は新しいMemoryStoreを生成する。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		idleTTL: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Take はトークンを1つ消費する。
func (s *MemoryStore) Take(_ context.Context, key string, rule Rule, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok || ent.rule != rule {
		ent = &memoryEntry{
			lim:  rate.NewLimiter(rate.Limit(rule.perSecond()), rule.Capacity),
			rule: rule,
		}
		s.entries[key] = ent
	}
	ent.lastSeen = now

	allowed := ent.lim.AllowN(now, 1)
	tokens := ent.lim.TokensAt(now)
	dec := Decision{
		Allowed:   allowed,
		Remaining: int(math.Max(0, math.Floor(tokens))),
		Limit:     rule.Capacity,
	}
	if !allowed {
		dec.RetryAfter = rule.retryAfter(tokens)
	}
	return dec, nil
}

// Cleanup はidleTTLより長く使われていないバケットを破棄する。
// 破棄したバケットは次回満杯の状態で作り直されるが、その時点までに満杯まで補充されている。
func (s *MemoryStore) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, ent := range s.entries {
		ttl := s.idleTTL
		if full := ent.rule.refillDuration(); full > ttl {
			ttl = full
		}
		if now.Sub(ent.lastSeen) > ttl {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// StartJanitor はctxが終了するまでinterval毎にCleanupを実行する。
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
			case now := <-ticker.C:
				s.Cleanup(now)
			}
		}
	}()
}
