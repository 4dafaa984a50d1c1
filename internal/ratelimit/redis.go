package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript は補充と消費を1回の原子的な呼び出しで行う。
// tsは単調増加させるため、時計が遅れているレプリカからの呼び出しで補充が負になることはない。
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end
if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) * refill / window)
  ts = now
end
if tokens > capacity then
  tokens = capacity
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

// RedisStore はRedisによる共有BucketStore実装。すべてのゲートウェイインスタンスでバケットを共有する。
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// RedisOption はRedisStoreの設定を変更する。
type RedisOption func(*RedisStore)

// WithPrefix はキーの接頭辞を変更する。既定は "tollgate:ratelimit:"。
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore は新しいRedisStoreを生成する。
func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "tollgate:ratelimit:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Take はトークンを1つ消費する。
func (s *RedisStore) Take(ctx context.Context, key string, rule Rule, now time.Time) (Decision, error) {
	// キーの期限は満杯まで補充される時間とし、最低でも2ウィンドウ分は保持する
	ttl := rule.refillDuration() + rule.Window
	if floor := 2 * rule.Window; ttl < floor {
		ttl = floor
	}

	res, err := takeScript.Run(ctx, s.rdb, []string{s.prefix + key},
		rule.Capacity,
		rule.RefillPerWindow,
		rule.Window.Milliseconds(),
		now.UnixMilli(),
		ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("トークンバケットの更新に失敗: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("トークンバケットの応答が不正です: %v", res)
	}

	allowed, ok := res[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("トークンバケットの応答が不正です: %v", res[0])
	}
	raw, ok := res[1].(string)
	if !ok {
		return Decision{}, fmt.Errorf("トークンバケットの応答が不正です: %v", res[1])
	}
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("トークン数の解析に失敗: %w", err)
	}

	dec := Decision{
		Allowed:   allowed == 1,
		Remaining: int(math.Max(0, math.Floor(tokens))),
		Limit:     rule.Capacity,
	}
	if !dec.Allowed {
		dec.RetryAfter = rule.retryAfter(tokens)
	}
	return dec, nil
}
