package filter

import (
	"errors"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/nao1215/tollgate/internal/breaker"
	"github.com/nao1215/tollgate/internal/pipeline"
	"github.com/nao1215/tollgate/internal/ratelimit"
	"github.com/nao1215/tollgate/internal/rewrite"
	"github.com/nao1215/tollgate/internal/route"
	"github.com/nao1215/tollgate/internal/token"
	"github.com/nao1215/tollgate/pkg/event"
	"github.com/nao1215/tollgate/pkg/httpclient"
)

// ステージ名
const (
	StageTranslateInbound  = "translate-inbound"
	StageCorrelation       = "correlation"
	StageValidation        = "validation"
	StageRateLimit         = "rate-limit"
	StageSecurity          = "security"
	StageRouting           = "routing"
	StageClaims            = "claims"
	StageLogContext        = "log-context"
	StageRewrite           = "rewrite"
	StageStatusRemap       = "status-remap"
	StageTranslateOutbound = "translate-outbound"
	StageRevoke            = "revoke"
)

// ステージの優先度。小さいほど先に実行する。
const (
	PriorityTranslateInbound  = -500
	PriorityCorrelation       = -400
	PriorityValidation        = -300
	PriorityRateLimit         = -200
	PrioritySecurity          = -100
	PriorityRouting           = 0
	PriorityClaims            = 100
	PriorityLogContext        = 200
	PriorityRewrite           = 300
	PriorityStatusRemap       = 400
	PriorityTranslateOutbound = 500
	PriorityRevoke            = 600
)

// ヘッダー名
const (
	headerRequestID     = "X-Request-Id"
	headerUsername      = "X-Username"
	headerUserRoles     = "X-User-Roles"
	headerTokenSource   = "X-Token-Source"
	headerRefreshToken  = "X-Refresh-Token"
	headerRemaining     = "X-RateLimit-Remaining"
	headerLimit         = "X-RateLimit-Limit"
	headerRetryAfter    = "Retry-After"
	headerAuthorization = "Authorization"
)

// Deps はステージが使用するコンポーネント。
type Deps struct {
	Translator *token.Translator
	Limiter    *ratelimit.Limiter
	Breakers   *breaker.Registry
	Routes     *route.Table
	Client     *httpclient.Client
	Rewriter   *rewrite.Rewriter
}

// validate は必須のコンポーネントが揃っているかを検証する。
func (d Deps) validate() error {
	var result *multierror.Error
	if d.Translator == nil {
		result = multierror.Append(result, errors.New("translator is required"))
	}
	if d.Limiter == nil {
		result = multierror.Append(result, errors.New("rate limiter is required"))
	}
	if d.Breakers == nil {
		result = multierror.Append(result, errors.New("breaker registry is required"))
	}
	if d.Routes == nil {
		result = multierror.Append(result, errors.New("route table is required"))
	}
	if d.Client == nil {
		result = multierror.Append(result, errors.New("http client is required"))
	}
	if d.Rewriter == nil {
		result = multierror.Append(result, errors.New("rewriter is required"))
	}
	return result.ErrorOrNil()
}

// Config はステージの設定。
type Config struct {
	// JWTSecret はクレームの検証に使うHS256のシークレット。空の場合は識別ヘッダーを設定しない。
	JWTSecret string
	// Validation はリクエスト検証の設定。
	Validation ValidationConfig
	// Security はCORSとセキュリティヘッダーの設定。
	Security SecurityConfig
}

// Chain はフィルタチェーンのステージを生成する。
type Chain struct {
	deps   Deps
	cfg    Config
	events *event.Dispatcher
	logger zerolog.Logger
	now    func() time.Time
}

// Option はChainの設定を変更する。
type Option func(*Chain)

// WithLogger はリクエスト単位のロガーの元になるロガーを設定する。
func WithLogger(l zerolog.Logger) Option {
	return func(c *Chain) { c.logger = l }
}

// WithClock はエラー応答のtimestampに使う時計を差し替える。
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// WithEvents はライフサイクルイベントの発行先を設定する。
func WithEvents(d *event.Dispatcher) Option {
	return func(c *Chain) { c.events = d }
}

// New は新しいChainを生成する。
func New(deps Deps, cfg Config, opts ...Option) (*Chain, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg.Validation = cfg.Validation.withDefaults()
	cfg.Security = cfg.Security.withDefaults()
	c := &Chain{
		deps:   deps,
		cfg:    cfg,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Stages は実行順に並べたステージを返す。
func (c *Chain) Stages() []pipeline.Stage {
	return []pipeline.Stage{
		{Name: StageTranslateInbound, Priority: PriorityTranslateInbound, Phase: pipeline.RequestPhase, Handle: c.translateInbound},
		{Name: StageCorrelation, Priority: PriorityCorrelation, Phase: pipeline.RequestPhase, Handle: c.correlation},
		{Name: StageValidation, Priority: PriorityValidation, Phase: pipeline.RequestPhase, Handle: c.validation},
		{Name: StageRateLimit, Priority: PriorityRateLimit, Phase: pipeline.RequestPhase, Handle: c.rateLimit},
		{Name: StageSecurity, Priority: PrioritySecurity, Phase: pipeline.RequestPhase, Handle: c.security},
		{Name: StageRouting, Priority: PriorityRouting, Phase: pipeline.RequestPhase, Handle: c.routing},
		{Name: StageClaims, Priority: PriorityClaims, Phase: pipeline.RequestPhase, Handle: c.claims},
		{Name: StageLogContext, Priority: PriorityLogContext, Phase: pipeline.RequestPhase, Handle: c.logContext},
		{Name: StageRewrite, Priority: PriorityRewrite, Phase: pipeline.ResponsePhase, Handle: c.rewrite},
		{Name: StageStatusRemap, Priority: PriorityStatusRemap, Phase: pipeline.ResponsePhase, Handle: c.statusRemap},
		{Name: StageTranslateOutbound, Priority: PriorityTranslateOutbound, Phase: pipeline.ResponsePhase, Handle: c.translateOutbound},
		{Name: StageRevoke, Priority: PriorityRevoke, Phase: pipeline.ResponsePhase, Handle: c.revoke},
	}
}

// abort はエラーエンベロープで処理を打ち切る。
func (c *Chain) abort(ex *pipeline.Exchange, status int, message string) {
	ex.Abort(pipeline.ErrorResponse(status, message, ex.Request.URL.Path, c.now()))
}
