package breaker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ErrTimeout は呼び出しがタイムアウトしたことを表す。
var ErrTimeout = errors.New("downstream call timed out")

// StatusError は下流が5xxを返したことを表す。
type StatusError struct {
	// Code はHTTPステータスコード。
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("downstream responded %d %s", e.Code, http.StatusText(e.Code))
}

// Call はブレーカー越しに実行する下流呼び出し。
// HTTPステータスコードと、トランスポートエラーを返す。
type Call func(ctx context.Context) (int, error)

// Registry はルート名ごとのブレーカーを保持する。
type Registry struct {
	def          Config
	now          func() time.Time
	onTransition func(Transition)

	mu       sync.RWMutex
	configs  map[string]Config
	breakers map[string]*Breaker
}

// RegistryOption はRegistryの設定を変更する。
type RegistryOption func(*Registry)

// WithClock はブレーカーが使う時計を差し替える。
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithTransitionHook は状態遷移時に呼び出す関数を設定する。
// フックはブレーカーのロックを解放した後に呼び出される。
func WithTransitionHook(fn func(Transition)) RegistryOption {
	return func(r *Registry) { r.onTransition = fn }
}

// NewRegistry は新しいRegistryを生成する。defは個別設定の無いルートに使う。
func NewRegistry(def Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		def:      def.WithDefaults(),
		now:      time.Now,
		configs:  make(map[string]Config),
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Configure はルートの設定を登録する。既存のブレーカーは新しい設定で作り直す。
func (r *Registry) Configure(name string, cfg Config) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("サーキットブレーカー %q の設定が不正です: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[name] = cfg
	delete(r.breakers, name)
	return nil
}

// Get はルートのブレーカーを返す。存在しない場合は作成する。
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg, ok := r.configs[name]
	if !ok {
		cfg = r.def
	}
	b = newBreaker(name, cfg, r.now, r.onTransition)
	r.breakers[name] = b
	return b
}

// State はルートのブレーカーの現在の状態を返す。
func (r *Registry) State(name string) State {
	return r.Get(name).State()
}

// Execute はブレーカーが許可した場合にcallを実行し、結果を記録する。
//
// 5xx応答、トランスポートエラー、タイムアウト、取り消しは失敗として記録し、4xx応答は成功として扱う。
// 戻り値は、拒否した場合はErrOpen、タイムアウトした場合はErrTimeoutをラップしたエラー、
// 5xxの場合は*StatusError、それ以外のトランスポートエラーはそのまま返す。
func (r *Registry) Execute(ctx context.Context, name string, call Call) error {
	b := r.Get(name)
	generation, err := b.Allow()
	if err != nil {
		return fmt.Errorf("%w: %s", err, name)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	start := r.now()
	status, callErr := call(callCtx)
	elapsed := r.now().Sub(start)

	var result error
	switch {
	case callErr != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		result = fmt.Errorf("%w after %s: %w", ErrTimeout, b.cfg.Timeout, callErr)
	case callErr != nil:
		result = callErr
	case status >= http.StatusInternalServerError:
		result = &StatusError{Code: status}
	}

	outcome := classify(result != nil, elapsed >= b.cfg.SlowCallDuration)
	b.OnResult(generation, outcome)
	return result
}

func classify(failed, slow bool) Outcome {
	switch {
	case failed && slow:
		return SlowFailure
	case failed:
		return Failure
	case slow:
		return Slow
	default:
		return Success
	}
}
