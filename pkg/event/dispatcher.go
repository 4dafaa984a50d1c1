package event

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nao1215/tollgate/pkg/httpclient"
	"github.com/nao1215/tollgate/pkg/metrics"
)

// Sink はイベントの配送先。
type Sink interface {
	// Handle はイベントを1件処理する。
	Handle(ctx context.Context, ev *Event) error
}

// SinkFunc は関数をSinkとして扱うためのアダプタ。
type SinkFunc func(ctx context.Context, ev *Event) error

// Handle はf(ctx, ev)を呼び出す。
func (f SinkFunc) Handle(ctx context.Context, ev *Event) error { return f(ctx, ev) }

// Dispatcher はイベントを非同期にSinkへ配送する。
// バッファが満杯の場合、Publishは待たずにイベントを破棄する。
type Dispatcher struct {
	mu      sync.RWMutex
	closed  bool
	ch      chan *Event
	sinks   []Sink
	logger  zerolog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	done    chan struct{}
}

// DispatcherOption はDispatcherの設定を変更する。
type DispatcherOption func(*Dispatcher)

// WithLogger はSinkの失敗を記録するロガーを設定する。
func WithLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics は破棄数を記録するメトリクスを設定する。
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithSinkTimeout はSink 1回あたりのタイムアウトを設定する。
func WithSinkTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// NewDispatcher は配送ゴルーチンを起動したDispatcherを返す。
// 使用後はCloseを呼び出すこと。
func NewDispatcher(buffer int, sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	d := &Dispatcher{
		ch:      make(chan *Event, buffer),
		sinks:   sinks,
		logger:  zerolog.Nop(),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.loop()
	return d
}

// Publish はイベントをキューに積む。積めなかった場合はfalseを返す。
func (d *Dispatcher) Publish(ev *Event) bool {
	if d == nil || ev == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.ch <- ev:
		return true
	default:
		d.metrics.EventDropped()
		d.logger.Warn().Str("event_type", string(ev.EventType)).Msg("イベントバッファが満杯のため破棄しました")
		return false
	}
}

// Emit はイベントを生成してPublishする。
func (d *Dispatcher) Emit(eventType Type, subject string, data any) bool {
	if d == nil {
		return false
	}
	ev, err := New(eventType, subject, data)
	if err != nil {
		d.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("イベントの生成に失敗")
		return false
	}
	return d.Publish(ev)
}

// Close は新規のPublishを止め、キューに残ったイベントを配送し終えるまで待つ。
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for ev := range d.ch {
		for _, sink := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := sink.Handle(ctx, ev); err != nil {
				d.logger.Warn().Err(err).
					Str("event_id", ev.ID).
					Str("event_type", string(ev.EventType)).
					Msg("イベントの配送に失敗")
			}
			cancel()
		}
	}
}

// LogSink はイベントを構造化ログとして出力するSink。
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink は新しいLogSinkを返す。
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Handle はイベントをinfoレベルで出力する。
func (s *LogSink) Handle(_ context.Context, ev *Event) error {
	s.logger.Info().
		Str("event_id", ev.ID).
		Str("event_type", string(ev.EventType)).
		Str("subject", ev.Subject).
		RawJSON("data", ev.Data).
		Time("created_at", ev.CreatedAt).
		Msg("ゲートウェイイベント")
	return nil
}

// WebhookSink はイベントをJSONでPOSTするSink。
type WebhookSink struct {
	client *httpclient.Client
	path   string
}

// NewWebhookSink はclientのベースURL配下のpathへPOSTするWebhookSinkを返す。
func NewWebhookSink(client *httpclient.Client, path string) *WebhookSink {
	return &WebhookSink{client: client, path: path}
}

// Handle はイベントをWebhookへ送信する。
func (s *WebhookSink) Handle(ctx context.Context, ev *Event) error {
	return s.client.PostJSON(ctx, s.path, ev, nil)
}
