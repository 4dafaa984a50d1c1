package filter

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/tollgate/internal/breaker"
	"github.com/nao1215/tollgate/internal/pipeline"
	"github.com/nao1215/tollgate/internal/ratelimit"
	"github.com/nao1215/tollgate/internal/rewrite"
	"github.com/nao1215/tollgate/internal/route"
	"github.com/nao1215/tollgate/internal/token"
	"github.com/nao1215/tollgate/internal/tokenstore"
	"github.com/nao1215/tollgate/pkg/event"
	"github.com/nao1215/tollgate/pkg/httpclient"
	"github.com/nao1215/tollgate/pkg/middleware"
)

// testSecret はテスト用のJWTシークレット。
const testSecret = "filter-test-secret"

// upstream は受け取ったリクエストを記録する下流サービス。
type upstream struct {
	*httptest.Server
	calls    atomic.Int64
	mu       sync.Mutex
	header   http.Header
	path     string
	body     []byte
	handlerF http.HandlerFunc
}

func newUpstream(t *testing.T, h http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{handlerF: h}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		b, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.header = r.Header.Clone()
		u.path = r.URL.RequestURI()
		u.body = b
		u.mu.Unlock()
		u.handlerF(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) lastHeader() http.Header {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.header
}

func (u *upstream) lastPath() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.path
}

func (u *upstream) lastBody() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.body
}

// jsonHandler は固定のJSONを返すハンドラー。
func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

// harnessOptions はテスト用パイプラインの設定。
type harnessOptions struct {
	limit  ratelimit.Config
	cfg    Config
	store  tokenstore.Store
	bucket ratelimit.BucketStore
	clock  func() time.Time
	events *event.Dispatcher
}

// harness はフィルタチェーン全体を組み立てたテスト用のゲートウェイ。
type harness struct {
	coord      *pipeline.Coordinator
	store      tokenstore.Store
	translator *token.Translator
	breakers   *breaker.Registry
}

func newHarness(t *testing.T, routes []route.Route, opts ...func(*harnessOptions)) *harness {
	t.Helper()
	mem, err := tokenstore.NewMemoryStore(1000)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	o := harnessOptions{
		limit: ratelimit.Config{Enabled: false, Default: ratelimit.DefaultConfig().Default},
		cfg:    Config{JWTSecret: testSecret},
		store:  mem,
		bucket: ratelimit.NewMemoryStore(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	tr := token.New(o.store, token.DefaultConfig())
	table, err := route.NewTable(routes)
	require.NoError(t, err)
	reg := breaker.NewRegistry(breaker.DefaultConfig())
	for _, rt := range routes {
		require.NoError(t, reg.Configure(rt.Name, rt.Breaker))
	}

	chain, err := New(Deps{
		Translator: tr,
		Limiter:    ratelimit.New(o.bucket, o.limit, ratelimit.WithClock(o.clock)),
		Breakers:   reg,
		Routes:     table,
		Client:     httpclient.New(""),
		Rewriter:   rewrite.New(tr),
	}, o.cfg, WithEvents(o.events))
	require.NoError(t, err)

	coord, err := pipeline.New(chain.Stages())
	require.NoError(t, err)
	return &harness{coord: coord, store: o.store, translator: tr, breakers: reg}
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.coord.ServeHTTP(w, req)
	return w
}

func (h *harness) get(path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	return h.do(req)
}

// decodeBody は応答本文をmapとして解析する。
func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

// userJWT は検証可能なユーザーのJWTを生成する。
func userJWT(t *testing.T, username string, roles ...string) string {
	t.Helper()
	tok, err := middleware.GenerateJWT(testSecret, username, roles, time.Hour)
	require.NoError(t, err)
	return tok
}

// mintOpaque はJWTに対応する不透明トークンを発行する。
func (h *harness) mintOpaque(t *testing.T, jwt string, opts ...token.MintOption) string {
	t.Helper()
	id, err := h.translator.Mint(context.Background(), jwt, token.KindAccess, opts...)
	require.NoError(t, err)
	return id
}

func TestChain_Stages(t *testing.T) {
	t.Parallel()

	t.Run("12個のステージが既定の順序で並ぶ", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)

		var names []string
		var priorities []int
		for _, st := range h.coord.Stages() {
			names = append(names, st.Name)
			priorities = append(priorities, st.Priority)
		}
		assert.Equal(t, []string{
			StageTranslateInbound, StageCorrelation, StageValidation, StageRateLimit,
			StageSecurity, StageRouting, StageClaims, StageLogContext,
			StageRewrite, StageStatusRemap, StageTranslateOutbound, StageRevoke,
		}, names)
		assert.Equal(t, []int{-500, -400, -300, -200, -100, 0, 100, 200, 300, 400, 500, 600}, priorities)
	})

	t.Run("必須のコンポーネントが無い場合はエラー", func(t *testing.T) {
		t.Parallel()
		_, err := New(Deps{}, Config{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "translator is required")
		assert.Contains(t, err.Error(), "rewriter is required")
	})

	t.Run("ルートが無いパスは404のエラーエンベロープ", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)

		w := h.get("/unknown", nil)

		assert.Equal(t, http.StatusNotFound, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "NOT_FOUND", body["error"])
		assert.Equal(t, "/unknown", body["path"])
		assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	})
}
