package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// putScript は対応付けの保存とセッション逆引きへの登録を原子的に行う。
// セッションの集合は最も長く生きるメンバーに合わせて有効期限を延長する。
var putScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'jwt', ARGV[1], 'kind', ARGV[2], 'session', ARGV[3], 'created', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
if #KEYS > 1 then
  redis.call('SADD', KEYS[2], KEYS[1])
  local ttl = redis.call('PTTL', KEYS[2])
  if ttl < tonumber(ARGV[5]) then
    redis.call('PEXPIRE', KEYS[2], ARGV[5])
  end
end
return 1
`)

// revokeScript は対応付けと同一セッションのメンバーをすべて削除し、削除件数を返す。
// KEYS[2]のセッションはARGV[1]と一致する場合だけ削除する。
var revokeScript = redis.NewScript(`
local sid = redis.call('HGET', KEYS[1], 'session')
local n = redis.call('DEL', KEYS[1])
if n == 0 or #KEYS < 2 or sid ~= ARGV[1] then
  return n
end
local members = redis.call('SMEMBERS', KEYS[2])
for _, k in ipairs(members) do
  if k ~= KEYS[1] then
    n = n + redis.call('DEL', k)
  end
end
redis.call('DEL', KEYS[2])
return n
`)

// RedisStore はRedisによる共有Store実装。複数のゲートウェイインスタンスで対応付けを共有する。
// セッションのメンバーは別々のキーに置くため、単一ノードかSentinel構成のRedisを前提とする。
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// RedisOption はRedisStoreの設定を変更する。
type RedisOption func(*RedisStore)

// WithKeyPrefix はキーの接頭辞を変更する。既定は "tollgate:"。
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore は新しいRedisStoreを生成する。
func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "tollgate:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) opaqueKey(id string) string {
	return s.prefix + "opaque:" + id
}

func (s *RedisStore) sessionPrefix() string {
	return s.prefix + "session:"
}

// Put は対応付けを保存する。
func (s *RedisStore) Put(ctx context.Context, m Mapping) error {
	if err := validate(m); err != nil {
		return err
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	ttlMs := m.TTL.Milliseconds()
	if ttlMs < 1 {
		ttlMs = 1
	}

	keys := []string{s.opaqueKey(m.OpaqueID)}
	if m.SessionID != "" {
		keys = append(keys, s.sessionPrefix()+m.SessionID)
	}
	err := putScript.Run(ctx, s.rdb, keys,
		m.JWT, m.Kind, m.SessionID, created.UnixMilli(), ttlMs,
	).Err()
	if err != nil {
		return fmt.Errorf("%w: 対応付けの保存に失敗: %v", ErrUnavailable, err)
	}
	return nil
}

// Get は対応付けを取得する。
func (s *RedisStore) Get(ctx context.Context, opaqueID string) (Mapping, error) {
	key := s.opaqueKey(opaqueID)

	pipe := s.rdb.Pipeline()
	fields := pipe.HGetAll(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Mapping{}, fmt.Errorf("%w: 対応付けの取得に失敗: %v", ErrUnavailable, err)
	}

	values := fields.Val()
	jwt, ok := values["jwt"]
	if !ok || jwt == "" {
		return Mapping{}, ErrNotFound
	}

	m := Mapping{
		OpaqueID:  opaqueID,
		Kind:      values["kind"],
		JWT:       jwt,
		SessionID: values["session"],
		TTL:       ttl.Val(),
	}
	if ms, err := strconv.ParseInt(values["created"], 10, 64); err == nil {
		m.CreatedAt = time.UnixMilli(ms)
	}
	return m, nil
}

// RevokeSession は対応付けと同一セッションの対応付けを削除する。
func (s *RedisStore) RevokeSession(ctx context.Context, opaqueID string) (int, error) {
	key := s.opaqueKey(opaqueID)
	sid, err := s.rdb.HGet(ctx, key, "session").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: セッションの取得に失敗: %v", ErrUnavailable, err)
	}

	keys := []string{key}
	if sid != "" {
		keys = append(keys, s.sessionPrefix()+sid)
	}
	n, err := revokeScript.Run(ctx, s.rdb, keys, sid).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: セッションの失効に失敗: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Close はRedisクライアントを閉じる。
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
