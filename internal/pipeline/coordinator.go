package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ErrOrderViolation はステージの優先度が処理順序の制約を満たしていないことを表す。
var ErrOrderViolation = errors.New("pipeline stage order violation")

// Phase はステージを実行する段階。
type Phase int

const (
	// RequestPhase は下流へ転送する前に実行する段階。
	RequestPhase Phase = iota
	// ResponsePhase は下流の応答を受け取った後に実行する段階。
	ResponsePhase
)

func (p Phase) String() string {
	if p == ResponsePhase {
		return "response"
	}
	return "request"
}

// Stage はパイプラインの1段階。
type Stage struct {
	// Name はステージ名。
	Name string
	// Priority は実行順序。小さいほど先に実行する。
	Priority int
	// Phase は実行する段階。
	Phase Phase
	// Handle はステージの処理。
	Handle func(ex *Exchange)
}

// Coordinator は優先度順にステージを実行する。構築後に順序は変わらない。
type Coordinator struct {
	request  []Stage
	response []Stage
	logger   zerolog.Logger
	now      func() time.Time
	observer func(ex *Exchange)
}

// Option はCoordinatorの設定を変更する。
type Option func(*Coordinator)

// WithLogger はロガーを設定する。
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock は受信時刻とエラー応答のtimestampに使う時計を差し替える。
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithObserver はすべての応答を書き込む直前に呼び出す関数を設定する。
func WithObserver(fn func(ex *Exchange)) Option {
	return func(c *Coordinator) { c.observer = fn }
}

// New はステージの順序を検証してCoordinatorを生成する。
// 優先度の重複や、レスポンスフェーズのステージがリクエストフェーズのステージより先に
// 並ぶ構成はErrOrderViolationとして拒否する。
func New(stages []Stage, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	seen := make(map[int]string, len(stages))
	for _, st := range stages {
		if st.Name == "" || st.Handle == nil {
			return nil, fmt.Errorf("stage %q: name and handler are required", st.Name)
		}
		if other, dup := seen[st.Priority]; dup {
			return nil, fmt.Errorf("%w: %q and %q share priority %d", ErrOrderViolation, other, st.Name, st.Priority)
		}
		seen[st.Priority] = st.Name
		switch st.Phase {
		case RequestPhase:
			c.request = append(c.request, st)
		case ResponsePhase:
			c.response = append(c.response, st)
		default:
			return nil, fmt.Errorf("stage %q: unknown phase %d", st.Name, st.Phase)
		}
	}

	byPriority := func(s []Stage) func(i, j int) bool {
		return func(i, j int) bool { return s[i].Priority < s[j].Priority }
	}
	sort.Slice(c.request, byPriority(c.request))
	sort.Slice(c.response, byPriority(c.response))

	if len(c.request) > 0 && len(c.response) > 0 {
		lastReq := c.request[len(c.request)-1]
		firstResp := c.response[0]
		if firstResp.Priority <= lastReq.Priority {
			return nil, fmt.Errorf("%w: response stage %q (%d) must come after request stage %q (%d)",
				ErrOrderViolation, firstResp.Name, firstResp.Priority, lastReq.Name, lastReq.Priority)
		}
	}
	return c, nil
}

// Stages は実行順に並べたステージを返す。
func (c *Coordinator) Stages() []Stage {
	out := make([]Stage, 0, len(c.request)+len(c.response))
	out = append(out, c.request...)
	return append(out, c.response...)
}

// Run はExchangeに対してすべてのステージを実行する。戻った時点でex.Responseは必ず設定されている。
func (c *Coordinator) Run(ex *Exchange) {
	defer c.finish(ex)

	for _, st := range c.request {
		st.Handle(ex)
		if ex.aborted {
			ex.abortedBy = st.Name
			return
		}
	}

	if ex.dispatcher == nil {
		ex.Response = ErrorResponse(http.StatusNotFound, "No route matches the request path", ex.Request.URL.Path, c.now())
	} else {
		ex.Response = ex.dispatcher(ex.Context(), ex)
		if ex.Response == nil {
			ex.Response = ErrorResponse(http.StatusBadGateway, "Downstream returned no response", ex.Request.URL.Path, c.now())
		}
	}

	for _, st := range c.response {
		st.Handle(ex)
		if ex.aborted {
			ex.abortedBy = st.Name
			return
		}
	}
}

// finish は後処理を登録と逆の順序で実行する。
func (c *Coordinator) finish(ex *Exchange) {
	if ex.Response == nil {
		ex.Response = ErrorResponse(http.StatusInternalServerError, "Request was not handled", ex.Request.URL.Path, c.now())
	}
	if ex.Response.Header == nil {
		ex.Response.Header = make(http.Header)
	}
	for i := len(ex.deferred) - 1; i >= 0; i-- {
		ex.deferred[i](ex)
	}
	if c.observer != nil {
		c.observer(ex)
	}
}

// ServeHTTP はパイプラインを実行して応答を書き込む。
func (c *Coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ex := NewExchange(r, c.now())
	c.Run(ex)
	write(w, r.Method, ex.Response)
}

// Handler はGinのNoRouteに登録するハンドラーを返す。
func (c *Coordinator) Handler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		c.ServeHTTP(ctx.Writer, ctx.Request)
		ctx.Abort()
	}
}

// write は応答を書き込む。HEADでは下流が示したContent-Lengthをそのまま残す。
func write(w http.ResponseWriter, method string, resp *Response) {
	h := w.Header()
	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}
	if method != http.MethodHead || len(resp.Body) > 0 {
		h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
