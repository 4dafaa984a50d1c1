package ratelimit

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Rule はエンドポイントごとのバケット設定。
type Rule struct {
	// PathPrefix は適用するパスの接頭辞。最も長く一致したルールを使う。
	PathPrefix string `yaml:"path_prefix"`
	// Capacity はバケットの容量。
	Capacity int `yaml:"capacity"`
	// RefillPerWindow はWindowあたりに補充するトークン数。
	RefillPerWindow int `yaml:"refill_per_window"`
	// Window は補充の単位時間。
	Window time.Duration `yaml:"window"`
}

// perSecond は1秒あたりの補充量を返す。
func (r Rule) perSecond() float64 {
	return float64(r.RefillPerWindow) / r.Window.Seconds()
}

// refillDuration は空のバケットが満杯になるまでの時間を返す。
func (r Rule) refillDuration() time.Duration {
	return time.Duration(float64(r.Window) * float64(r.Capacity) / float64(r.RefillPerWindow))
}

// retryAfter は残りトークンから次の1トークンが補充されるまでの時間を返す。
func (r Rule) retryAfter(tokens float64) time.Duration {
	missing := 1 - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / r.perSecond() * float64(time.Second))
}

func (r Rule) validate() error {
	if r.Capacity <= 0 {
		return fmt.Errorf("rate limit rule %q: capacity must be positive", r.PathPrefix)
	}
	if r.RefillPerWindow <= 0 {
		return fmt.Errorf("rate limit rule %q: refill_per_window must be positive", r.PathPrefix)
	}
	if r.Window <= 0 {
		return fmt.Errorf("rate limit rule %q: window must be positive", r.PathPrefix)
	}
	return nil
}

// Config は流量制御の設定。
type Config struct {
	// Enabled がfalseの場合はすべてのリクエストを許可する。
	Enabled bool `yaml:"enabled"`
	// Default はどのルールにも一致しない場合の設定。
	Default Rule `yaml:"default"`
	// Rules はエンドポイントごとの設定。
	Rules []Rule `yaml:"rules"`
	// FailClosed がtrueの場合、ストア障害時にリクエストを拒否する。既定は許可。
	FailClosed bool `yaml:"fail_closed"`
}

// DefaultConfig は既定の設定を返す。
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Default: Rule{Capacity: 100, RefillPerWindow: 100, Window: time.Second},
	}
}

// Validate は設定の妥当性を検証する。
func (c Config) Validate() error {
	var result *multierror.Error
	if err := c.Default.validate(); err != nil {
		result = multierror.Append(result, err)
	}
	seen := make(map[string]struct{}, len(c.Rules))
	for _, r := range c.Rules {
		if !strings.HasPrefix(r.PathPrefix, "/") {
			result = multierror.Append(result, fmt.Errorf("rate limit rule %q: path_prefix must start with /", r.PathPrefix))
		}
		if _, dup := seen[r.PathPrefix]; dup {
			result = multierror.Append(result, fmt.Errorf("rate limit rule %q: duplicated path_prefix", r.PathPrefix))
		}
		seen[r.PathPrefix] = struct{}{}
		if err := r.validate(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Match はパスに最も長く一致するルールを返す。一致しない場合はDefaultを返す。
func (c Config) Match(path string) Rule {
	best := c.Default
	bestLen := -1
	for _, r := range c.Rules {
		if strings.HasPrefix(path, r.PathPrefix) && len(r.PathPrefix) > bestLen {
			best = r
			bestLen = len(r.PathPrefix)
		}
	}
	return best
}
