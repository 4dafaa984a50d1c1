package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State はサーキットブレーカーの状態。
type State int

const (
	// Closed はすべての呼び出しを通す状態。
	Closed State = iota
	// Open はすべての呼び出しを即座に拒否する状態。
	Open
	// HalfOpen は限られた数の試行呼び出しだけを通す状態。
	HalfOpen
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrOpen はブレーカーが呼び出しを許可しなかったことを表す。
var ErrOpen = errors.New("circuit breaker is open")

// Config はブレーカーの設定。
type Config struct {
	// WindowSize はスライディングウィンドウに保持する呼び出し数。
	WindowSize int `yaml:"window_size"`
	// MinimumCalls は失敗率を評価し始めるまでに必要な呼び出し数。
	MinimumCalls int `yaml:"minimum_calls"`
	// FailureRateThreshold はOPENに遷移する失敗率（%）。
	FailureRateThreshold float64 `yaml:"failure_rate_threshold"`
	// SlowCallRateThreshold はOPENに遷移する低速率（%）。
	SlowCallRateThreshold float64 `yaml:"slow_call_rate_threshold"`
	// SlowCallDuration はこの時間以上かかった呼び出しを低速とみなす。
	SlowCallDuration time.Duration `yaml:"slow_call_duration"`
	// WaitDurationInOpen はOPENからHALF_OPENに遷移するまでの時間。
	WaitDurationInOpen time.Duration `yaml:"wait_duration_in_open"`
	// PermittedHalfOpenCalls はHALF_OPENで許可する試行呼び出し数。
	PermittedHalfOpenCalls int `yaml:"permitted_half_open_calls"`
	// Timeout は1回の呼び出しのタイムアウト。期限を過ぎた呼び出しは取り消され、失敗として記録する。
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig は既定の設定を返す。
func DefaultConfig() Config {
	return Config{
		WindowSize:             10,
		MinimumCalls:           5,
		FailureRateThreshold:   50,
		SlowCallRateThreshold:  100,
		SlowCallDuration:       2 * time.Second,
		WaitDurationInOpen:     10 * time.Second,
		PermittedHalfOpenCalls: 3,
		Timeout:                5 * time.Second,
	}
}

// WithDefaults は未設定（ゼロ値）の項目を既定値で埋めた設定を返す。
func (c Config) WithDefaults() Config {
	return c.Inherit(DefaultConfig())
}

// Inherit は未設定（ゼロ値）の項目をdefの値で埋めた設定を返す。
func (c Config) Inherit(def Config) Config {
	if c.WindowSize == 0 {
		c.WindowSize = def.WindowSize
	}
	if c.MinimumCalls == 0 {
		c.MinimumCalls = min(def.MinimumCalls, c.WindowSize)
	}
	if c.FailureRateThreshold == 0 {
		c.FailureRateThreshold = def.FailureRateThreshold
	}
	if c.SlowCallRateThreshold == 0 {
		c.SlowCallRateThreshold = def.SlowCallRateThreshold
	}
	if c.SlowCallDuration == 0 {
		c.SlowCallDuration = def.SlowCallDuration
	}
	if c.WaitDurationInOpen == 0 {
		c.WaitDurationInOpen = def.WaitDurationInOpen
	}
	if c.PermittedHalfOpenCalls == 0 {
		c.PermittedHalfOpenCalls = def.PermittedHalfOpenCalls
	}
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
	return c
}

// Validate は設定の妥当性を検証する。
func (c Config) Validate() error {
	switch {
	case c.WindowSize <= 0:
		return errors.New("window_size must be positive")
	case c.MinimumCalls <= 0 || c.MinimumCalls > c.WindowSize:
		return fmt.Errorf("minimum_calls must be between 1 and window_size (%d)", c.WindowSize)
	case c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 100:
		return errors.New("failure_rate_threshold must be in (0, 100]")
	case c.SlowCallRateThreshold <= 0 || c.SlowCallRateThreshold > 100:
		return errors.New("slow_call_rate_threshold must be in (0, 100]")
	case c.SlowCallDuration <= 0:
		return errors.New("slow_call_duration must be positive")
	case c.WaitDurationInOpen <= 0:
		return errors.New("wait_duration_in_open must be positive")
	case c.PermittedHalfOpenCalls <= 0:
		return errors.New("permitted_half_open_calls must be positive")
	case c.Timeout <= 0:
		return errors.New("timeout must be positive")
	}
	return nil
}

// Transition は状態遷移の記録。
type Transition struct {
	// Name はブレーカーの名前（ルート名）。
	Name string
	// From は遷移前の状態。
	From State
	// To は遷移後の状態。
	To State
	// At は遷移した時刻。
	At time.Time
}

// Breaker は1つのルートのサーキットブレーカー。
// 状態は呼び出しの完了時と、OPENの待機時間経過後の最初のAllowでのみ変化する。
type Breaker struct {
	name         string
	cfg          Config
	now          func() time.Time
	onTransition func(Transition)

	mu             sync.Mutex
	state          State
	generation     uint64
	window         *window
	openedAt       time.Time
	lastTransition time.Time
	// halfOpenAdmitted はHALF_OPENで許可した試行呼び出しの数。
	halfOpenAdmitted int
	// trials はHALF_OPENで完了した試行呼び出しの結果。
	trials *window
}

func newBreaker(name string, cfg Config, now func() time.Time, onTransition func(Transition)) *Breaker {
	return &Breaker{
		name:           name,
		cfg:            cfg,
		now:            now,
		onTransition:   onTransition,
		state:          Closed,
		window:         newWindow(cfg.WindowSize),
		trials:         newWindow(cfg.PermittedHalfOpenCalls),
		lastTransition: now(),
	}
}

// Name はブレーカーの名前を返す。
func (b *Breaker) Name() string { return b.name }

// Config はブレーカーの設定を返す。
func (b *Breaker) Config() Config { return b.cfg }

// State は現在の状態を返す。
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// LastTransitionAt は最後に状態が遷移した時刻を返す。
func (b *Breaker) LastTransitionAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTransition
}

// Allow は呼び出しを許可するかどうかを判定する。
// 許可した場合は呼び出し時点の世代を返し、結果はその世代とともにOnResultへ渡す。
func (b *Breaker) Allow() (uint64, error) {
	b.mu.Lock()
	var transitions []Transition
	defer func() {
		b.mu.Unlock()
		b.notify(transitions)
	}()

	if b.state == Open {
		if b.now().Sub(b.openedAt) < b.cfg.WaitDurationInOpen {
			return 0, ErrOpen
		}
		transitions = append(transitions, b.transitionLocked(HalfOpen))
	}

	if b.state == HalfOpen {
		if b.halfOpenAdmitted >= b.cfg.PermittedHalfOpenCalls {
			return 0, ErrOpen
		}
		b.halfOpenAdmitted++
	}
	return b.generation, nil
}

// OnResult は許可した呼び出しの結果を記録する。
// 呼び出し後に状態が遷移していた場合（世代が異なる場合）、結果は無視する。
func (b *Breaker) OnResult(generation uint64, outcome Outcome) {
	b.mu.Lock()
	var transitions []Transition
	defer func() {
		b.mu.Unlock()
		b.notify(transitions)
	}()

	if generation != b.generation {
		return
	}

	switch b.state {
	case Closed:
		b.window.add(outcome)
		if b.window.count < b.cfg.MinimumCalls {
			return
		}
		failureRate, slowRate := b.window.rates()
		if failureRate >= b.cfg.FailureRateThreshold || slowRate >= b.cfg.SlowCallRateThreshold {
			transitions = append(transitions, b.transitionLocked(Open))
		}

	case HalfOpen:
		if outcome.failed() {
			transitions = append(transitions, b.transitionLocked(Open))
			return
		}
		b.trials.add(outcome)
		if b.trials.count < b.cfg.PermittedHalfOpenCalls {
			return
		}
		if _, slowRate := b.trials.rates(); slowRate >= b.cfg.SlowCallRateThreshold {
			transitions = append(transitions, b.transitionLocked(Open))
			return
		}
		transitions = append(transitions, b.transitionLocked(Closed))
	}
}

// transitionLocked は状態を遷移させる。b.muを保持した状態で呼び出すこと。
func (b *Breaker) transitionLocked(to State) Transition {
	now := b.now()
	t := Transition{Name: b.name, From: b.state, To: to, At: now}

	b.state = to
	b.generation++
	b.lastTransition = now
	b.halfOpenAdmitted = 0
	b.trials.reset()
	switch to {
	case Open:
		b.openedAt = now
	case Closed:
		b.window.reset()
	}
	return t
}

func (b *Breaker) notify(transitions []Transition) {
	if b.onTransition == nil {
		return
	}
	for _, t := range transitions {
		b.onTransition(t)
	}
}
