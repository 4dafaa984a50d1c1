package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/tollgate/internal/breaker"
	"github.com/nao1215/tollgate/internal/ratelimit"
	"github.com/nao1215/tollgate/internal/route"
	"github.com/nao1215/tollgate/internal/token"
	"github.com/nao1215/tollgate/internal/tokenstore"
	"github.com/nao1215/tollgate/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testJWTSecret はテスト用のJWT署名秘密鍵。
const testJWTSecret = "test-secret-key"

// testConfig はメモリのバックエンドと流量制御無しの設定を返す。
func testConfig(routes ...route.Route) Config {
	cfg := DefaultConfig()
	cfg.JWTSecret = testJWTSecret
	cfg.RateLimit.Enabled = false
	cfg.Routes = routes
	return cfg
}

// newTestServer はテスト用のゲートウェイを生成する。
func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	s, err := NewServer(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newBackend はモックの下流サービスを起動する。
func newBackend(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	backend := httptest.NewServer(handler)
	t.Cleanup(backend.Close)
	return backend
}

func (s *Server) serve(method, path string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// signedJWT はテスト用のシークレットで署名したJWTを返す。
func signedJWT(t *testing.T, username string, roles ...string) string {
	t.Helper()
	tok, err := middleware.GenerateJWT(testJWTSecret, username, roles, time.Hour)
	require.NoError(t, err)
	return tok
}

// opaqueFor はJWTに対応する不透明トークンを発行する。
func (s *Server) opaqueFor(t *testing.T, jwt string) string {
	t.Helper()
	id, err := s.translator.Mint(context.Background(), jwt, token.KindAccess)
	require.NoError(t, err)
	return id
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	t.Run("メモリのバックエンドでは常に正常", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, testConfig())

		w := s.serve(http.MethodGet, "/health", nil, nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", decode(t, w)["status"])
	})

	t.Run("Redisに到達できない場合は503", func(t *testing.T) {
		t.Parallel()
		mr := miniredis.RunT(t)
		cfg := testConfig()
		cfg.TokenStore.Backend = BackendRedis
		cfg.Redis.Addr = mr.Addr()
		s := newTestServer(t, cfg)

		require.Equal(t, http.StatusOK, s.serve(http.MethodGet, "/health", nil, nil).Code)
		mr.Close()

		w := s.serve(http.MethodGet, "/health", nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "degraded", decode(t, w)["status"])
	})
}

func TestServer_OpaqueTokenRoundTrip(t *testing.T) {
	t.Parallel()

	t.Run("不透明トークンは下流へJWTとして転送される", func(t *testing.T) {
		t.Parallel()
		var gotAuth, gotUser atomic.Value
		backend := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
			gotAuth.Store(r.Header.Get("Authorization"))
			gotUser.Store(r.Header.Get("X-Username"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":200,"message":"OK","data":{"id":1}}`))
		})
		s := newTestServer(t, testConfig(route.Route{Name: "employees", PathPrefix: "/api/employees", Upstream: backend.URL}))
		jwt := signedJWT(t, "alice", "user")
		opaque := s.opaqueFor(t, jwt)

		w := s.serve(http.MethodGet, "/api/employees/1", nil, map[string]string{"Authorization": "Bearer " + opaque})

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Bearer "+jwt, gotAuth.Load())
		assert.Equal(t, "alice", gotUser.Load())
		assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		body := decode(t, w)
		assert.Equal(t, "employees", body["source"])
		assert.NotContains(t, w.Body.String(), jwt)
	})

	t.Run("保存済みの対応付けabc123を解決し200をそのまま返す", func(t *testing.T) {
		t.Parallel()
		var gotAuth atomic.Value
		backend := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
			gotAuth.Store(r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":200,"message":"Success","data":[]}`))
		})
		s := newTestServer(t, testConfig(route.Route{Name: "jobs", PathPrefix: "/api/jobs", Upstream: backend.URL}))
		jwt := signedJWT(t, "bob", "user")
		require.NoError(t, s.store.Put(context.Background(), tokenstore.Mapping{
			OpaqueID:  "abc123",
			Kind:      string(token.KindAccess),
			JWT:       jwt,
			CreatedAt: time.Now(),
			TTL:       time.Hour,
		}))

		w := s.serve(http.MethodGet, "/api/jobs", nil, map[string]string{"Authorization": "Bearer abc123"})

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Bearer "+jwt, gotAuth.Load())
	})

	t.Run("ログインで発行されたJWTはクライアントに返らない", func(t *testing.T) {
		t.Parallel()
		jwt := signedJWT(t, "alice", "user")
		refresh := signedJWT(t, "alice", "refresh")
		backend := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Authorization", "Bearer "+jwt)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"accessToken":"` + jwt + `","refreshToken":"` + refresh + `"}`))
		})
		s := newTestServer(t, testConfig(route.Route{Name: "auth", PathPrefix: "/auth/login", Upstream: backend.URL, IssuesTokens: true}))

		w := s.serve(http.MethodPost, "/auth/login", strings.NewReader(`{"user":"alice"}`), map[string]string{"Content-Type": "application/json"})

		require.Equal(t, http.StatusOK, w.Code)
		assert.NotContains(t, w.Body.String(), jwt)
		assert.NotContains(t, w.Body.String(), refresh)
		assert.NotContains(t, w.Header().Get("Authorization"), jwt)

		data := decode(t, w)["data"].(map[string]any)
		got, err := s.translator.Lookup(context.Background(), data["accessToken"].(string))
		require.NoError(t, err)
		assert.Equal(t, jwt, got)
	})

	t.Run("ログアウト後は同じ不透明トークンが解決されない", func(t *testing.T) {
		t.Parallel()
		var lastAuth atomic.Value
		backend := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
			lastAuth.Store(r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":200,"message":"OK"}`))
		})
		s := newTestServer(t, testConfig(
			route.Route{Name: "logout", PathPrefix: "/auth/logout", Upstream: backend.URL, Logout: true},
			route.Route{Name: "api", PathPrefix: "/api", Upstream: backend.URL},
		))
		jwt := signedJWT(t, "alice")
		opaque := s.opaqueFor(t, jwt)
		auth := map[string]string{"Authorization": "Bearer " + opaque}

		require.Equal(t, http.StatusOK, s.serve(http.MethodPost, "/auth/logout", nil, auth).Code)
		s.serve(http.MethodGet, "/api/me", nil, auth)

		assert.Equal(t, "Bearer "+opaque, lastAuth.Load(), "失効後は変換せずにそのまま転送する")
		_, err := s.translator.Lookup(context.Background(), opaque)
		assert.ErrorIs(t, err, token.ErrNotFound)
	})
}

func TestServer_RateLimit(t *testing.T) {
	t.Parallel()

	t.Run("ログインの上限を超えると429", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int64
		backend := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusOK)
		})
		cfg := testConfig(route.Route{Name: "auth", PathPrefix: "/auth", Upstream: backend.URL})
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.Rules = []ratelimit.Rule{{PathPrefix: "/auth/login", Capacity: 5, RefillPerWindow: 5, Window: time.Minute}}
		s := newTestServer(t, cfg)

		for i := 0; i < 5; i++ {
			require.Equal(t, http.StatusOK, s.serve(http.MethodPost, "/auth/login", nil, nil).Code, "request %d", i+1)
		}
		w := s.serve(http.MethodPost, "/auth/login", nil, nil)

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
		assert.Equal(t, int64(5), calls.Load())
	})

	t.Run("Redisのバケットでも上限を共有する", func(t *testing.T) {
		t.Parallel()
		mr := miniredis.RunT(t)
		backend := newBackend(t, func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
		cfg := testConfig(route.Route{Name: "auth", PathPrefix: "/auth", Upstream: backend.URL})
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.Backend = BackendRedis
		cfg.RateLimit.Rules = []ratelimit.Rule{{PathPrefix: "/auth/login", Capacity: 2, RefillPerWindow: 2, Window: time.Minute}}
		cfg.Redis.Addr = mr.Addr()
		first := newTestServer(t, cfg)
		second := newTestServer(t, cfg)

		require.Equal(t, http.StatusOK, first.serve(http.MethodPost, "/auth/login", nil, nil).Code)
		require.Equal(t, http.StatusOK, second.serve(http.MethodPost, "/auth/login", nil, nil).Code)

		assert.Equal(t, http.StatusTooManyRequests, first.serve(http.MethodPost, "/auth/login", nil, nil).Code)
	})
}

func TestServer_CircuitBreaker(t *testing.T) {
	t.Parallel()

	t.Run("OPENになると下流を呼ばずに代替応答を返し、管理APIで状態を確認できる", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int64
		backend := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		})
		s := newTestServer(t, testConfig(route.Route{
			Name:       "reports",
			PathPrefix: "/api/reports",
			Upstream:   backend.URL,
			Breaker:    breaker.Config{WindowSize: 4, MinimumCalls: 2, FailureRateThreshold: 50, WaitDurationInOpen: time.Minute},
			Fallback:   &route.Fallback{Message: "Reports are temporarily unavailable"},
		}))

		for i := 0; i < 5; i++ {
			w := s.serve(http.MethodGet, "/api/reports", nil, nil)
			require.Equal(t, http.StatusServiceUnavailable, w.Code)
			assert.Equal(t, "Reports are temporarily unavailable", decode(t, w)["message"])
		}
		assert.Equal(t, int64(2), calls.Load())

		admin := s.opaqueFor(t, signedJWT(t, "root", "admin"))
		w := s.serve(http.MethodGet, "/admin/breakers", nil, map[string]string{"Authorization": "Bearer " + admin})
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "root", body["requested_by"])
		items := body["breakers"].([]any)
		require.Len(t, items, 1)
		assert.Equal(t, "OPEN", items[0].(map[string]any)["state"])
		assert.Contains(t, items[0], "last_transition_at")
	})

	t.Run("管理APIはadminロールを要求する", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, testConfig())
		user := s.opaqueFor(t, signedJWT(t, "alice", "user"))

		assert.Equal(t, http.StatusUnauthorized, s.serve(http.MethodGet, "/admin/breakers", nil, nil).Code)
		assert.Equal(t, http.StatusForbidden,
			s.serve(http.MethodGet, "/admin/routes", nil, map[string]string{"Authorization": "Bearer " + user}).Code)
	})
}

func TestServer_DevToken(t *testing.T) {
	t.Parallel()

	t.Run("開発モードでは不透明トークンを発行する", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.DevMode = true
		s := newTestServer(t, cfg)

		w := s.serve(http.MethodPost, "/auth/dev-token", strings.NewReader(`{"username":"alice","roles":["admin"]}`),
			map[string]string{"Content-Type": "application/json"})

		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		opaque := body["token"].(string)
		assert.Equal(t, "Bearer", body["token_type"])
		assert.NotContains(t, opaque, ".")

		w = s.serve(http.MethodGet, "/admin/routes", nil, map[string]string{"Authorization": "Bearer " + opaque})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("本文が不正な場合は400", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.DevMode = true
		s := newTestServer(t, cfg)

		w := s.serve(http.MethodPost, "/auth/dev-token", strings.NewReader(`{`), map[string]string{"Content-Type": "application/json"})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "BAD_REQUEST", decode(t, w)["error"])
	})

	t.Run("開発モードでなければルートが無いため404", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, testConfig())

		w := s.serve(http.MethodPost, "/auth/dev-token", nil, nil)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("SQLiteのトークンストアでも発行と解決ができる", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.DevMode = true
		cfg.TokenStore.Backend = BackendSQLite
		cfg.TokenStore.SQLitePath = ":memory:"
		s := newTestServer(t, cfg)

		w := s.serve(http.MethodPost, "/auth/dev-token", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)

		got, err := s.translator.Lookup(context.Background(), decode(t, w)["token"].(string))
		require.NoError(t, err)
		claims, err := middleware.ParseClaims(testJWTSecret, got)
		require.NoError(t, err)
		assert.Equal(t, "dev-user", claims.Name())
	})

	t.Run("Redisのトークンストアでも発行と解決ができる", func(t *testing.T) {
		t.Parallel()
		mr := miniredis.RunT(t)
		cfg := testConfig()
		cfg.DevMode = true
		cfg.TokenStore.Backend = BackendRedis
		cfg.Redis.Addr = mr.Addr()
		s := newTestServer(t, cfg)

		w := s.serve(http.MethodPost, "/auth/dev-token", bytes.NewReader(nil), nil)
		require.Equal(t, http.StatusOK, w.Code)

		_, err := s.translator.Lookup(context.Background(), decode(t, w)["token"].(string))
		assert.NoError(t, err)
	})
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	backend := newBackend(t, func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	s := newTestServer(t, testConfig(route.Route{Name: "api", PathPrefix: "/api", Upstream: backend.URL}))

	require.Equal(t, http.StatusNoContent, s.serve(http.MethodGet, "/api/ping", nil, nil).Code)
	w := s.serve(http.MethodGet, "/metrics", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `tollgate_requests_total{route="api",status="204"} 1`)
	assert.Contains(t, w.Body.String(), `tollgate_circuit_breaker_state{route="api"} 0`)
}

func TestNewServer(t *testing.T) {
	t.Parallel()

	t.Run("不正な設定では生成できない", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.TokenStore.Backend = "mongo"

		_, err := NewServer(context.Background(), cfg, zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("Closeは資源を解放する", func(t *testing.T) {
		t.Parallel()
		s, err := NewServer(context.Background(), testConfig(), zerolog.Nop())
		require.NoError(t, err)
		assert.NoError(t, s.Close())
	})
}
