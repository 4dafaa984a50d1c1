package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nao1215/tollgate/pkg/logging"
	"github.com/nao1215/tollgate/pkg/metrics"
)

// Decision はAdmitの判定結果。
type Decision struct {
	// Allowed はリクエストを許可するかどうか。
	Allowed bool
	// Remaining は判定後にバケットに残っているトークン数（切り捨て）。
	Remaining int
	// Limit は適用したバケットの容量。
	Limit int
	// RetryAfter は拒否した場合に次のトークンが補充されるまでの目安。
	RetryAfter time.Duration
	// Degraded はストア障害により判定できなかったことを表す。
	Degraded bool
}

// BucketStore はバケットの状態を保持し、補充と消費を原子的に行う。
type BucketStore interface {
	// Take はnow時点までの補充を反映したうえでトークンを1つ消費する。
	// トークンが足りない場合は消費せずにAllowed=falseを返す。
	Take(ctx context.Context, key string, rule Rule, now time.Time) (Decision, error)
}

// StatsEvent は判定結果の統計イベント。
type StatsEvent struct {
	// Route は正規化したパス。
	Route string
	// Allowed は許可したかどうか。
	Allowed bool
	// At は判定時刻。
	At time.Time
}

// StatsRecorder は判定結果の統計を記録する。記録の失敗はリクエストに影響させない。
type StatsRecorder interface {
	Record(ctx context.Context, ev StatsEvent) error
}

// statsTimeout は統計を非同期に記録する際のタイムアウト。
const statsTimeout = 2 * time.Second

// Limiter は識別子とルートの組ごとに流量を制御する。
type Limiter struct {
	store   BucketStore
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger
	stats   StatsRecorder
	metrics *metrics.Metrics
}

// Option はLimiterの設定を変更する。
type Option func(*Limiter)

// WithClock は補充計算に使う時計を差し替える。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger はコンテキストにロガーが無い場合に使うロガーを設定する。
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithStats は判定結果の統計の記録先を設定する。
func WithStats(stats StatsRecorder) Option {
	return func(l *Limiter) { l.stats = stats }
}

// WithMetrics は判定結果を記録するメトリクスを設定する。
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New は新しいLimiterを生成する。
func New(store BucketStore, cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enabled は流量制御が有効かどうかを返す。
func (l *Limiter) Enabled() bool {
	return l != nil && l.cfg.Enabled
}

// Admit はidentityによるpathへのリクエストを許可するかどうかを判定する。
// ストアに到達できない場合は既定で許可し、FailClosedが設定されている場合は拒否する。
func (l *Limiter) Admit(ctx context.Context, identity, path string) Decision {
	if !l.Enabled() {
		return Decision{Allowed: true, Remaining: -1}
	}

	route := NormalizePath(path)
	rule := l.cfg.Match(path)
	key := identity + "|" + route
	now := l.now()

	dec, err := l.store.Take(ctx, key, rule, now)
	if err != nil {
		logging.FromContext(ctx, l.logger).Error().
			Err(err).
			Str("route", route).
			Bool("fail_closed", l.cfg.FailClosed).
			Msg("レートリミットストアに到達できません")
		dec = Decision{
			Allowed:   !l.cfg.FailClosed,
			Remaining: -1,
			Limit:     rule.Capacity,
			Degraded:  true,
		}
		if l.cfg.FailClosed {
			dec.RetryAfter = time.Second
		}
		return dec
	}

	l.metrics.RateLimitDecision(route, dec.Allowed)
	l.record(ctx, StatsEvent{Route: route, Allowed: dec.Allowed, At: now})
	return dec
}

// record は統計を非同期に記録する。
func (l *Limiter) record(ctx context.Context, ev StatsEvent) {
	if l.stats == nil {
		return
	}
	logger := logging.FromContext(ctx, l.logger)
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statsTimeout)
		defer cancel()
		if err := l.stats.Record(ctx, ev); err != nil {
			logger.Debug().Err(err).Msg("レートリミット統計の記録に失敗しました")
		}
	}()
}
