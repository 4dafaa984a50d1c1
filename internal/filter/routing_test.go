package filter

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/tollgate/internal/breaker"
	"github.com/nao1215/tollgate/internal/route"
)

func TestRouting(t *testing.T) {
	t.Parallel()

	t.Run("接頭辞を取り除いてクエリと本文を転送する", func(t *testing.T) {
		t.Parallel()
		up := newUpstream(t, jsonHandler(http.StatusCreated, `{"id":1}`))
		h := newHarness(t, []route.Route{{Name: "jobs", PathPrefix: "/api/jobs", Upstream: up.URL + "/v1", StripPrefix: true}})

		req := httptest.NewRequest(http.MethodPost, "/api/jobs/42?draft=true", strings.NewReader(`{"title":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "203.0.113.7:5555"
		w := h.do(req)

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, "/v1/42?draft=true", up.lastPath())
		assert.Equal(t, `{"title":"x"}`, string(up.lastBody()))
		assert.Equal(t, "203.0.113.7", up.lastHeader().Get("X-Forwarded-For"))
		assert.Equal(t, "http", up.lastHeader().Get("X-Forwarded-Proto"))
	})

	t.Run("下流の4xxはそのまま返しブレーカーの失敗に数えない", func(t *testing.T) {
		t.Parallel()
		up := newUpstream(t, jsonHandler(http.StatusBadRequest, `{"status":400,"message":"invalid"}`))
		h := newHarness(t, []route.Route{{Name: "jobs", PathPrefix: "/api", Upstream: up.URL,
			Breaker: breaker.Config{WindowSize: 4, MinimumCalls: 2}}})

		for i := 0; i < 5; i++ {
			assert.Equal(t, http.StatusBadRequest, h.get("/api/jobs", nil).Code)
		}
		assert.Equal(t, breaker.Closed, h.breakers.State("jobs"))
	})

	t.Run("代替応答が無い場合の5xxはそのまま返す", func(t *testing.T) {
		t.Parallel()
		up := newUpstream(t, jsonHandler(http.StatusInternalServerError, `{"status":500,"message":"boom"}`))
		h := newHarness(t, []route.Route{{Name: "jobs", PathPrefix: "/api", Upstream: up.URL}})

		w := h.get("/api/jobs", nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "boom", decodeBody(t, w)["message"])
	})

	t.Run("失敗率が閾値に達するとOPENになり下流を呼ばずに代替応答を返す", func(t *testing.T) {
		t.Parallel()
		var fail atomic.Bool
		up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
			if fail.Load() {
				jsonHandler(http.StatusServiceUnavailable, `{}`)(w, r)
				return
			}
			jsonHandler(http.StatusOK, `{}`)(w, r)
		})
		h := newHarness(t, []route.Route{{
			Name: "jobs", PathPrefix: "/api", Upstream: up.URL,
			Breaker:  breaker.Config{WindowSize: 10, MinimumCalls: 5, FailureRateThreshold: 50, WaitDurationInOpen: time.Hour},
			Fallback: &route.Fallback{Message: "Jobs service is resting"},
		}})

		// 10回中6回失敗
		pattern := []bool{false, true, false, true, false, true, false, true, true, true}
		for _, f := range pattern {
			fail.Store(f)
			h.get("/api/jobs", nil)
			if h.breakers.State("jobs") == breaker.Open {
				break
			}
		}
		require.Equal(t, breaker.Open, h.breakers.State("jobs"))
		before := up.calls.Load()

		w := h.get("/api/jobs", nil)

		assert.Equal(t, before, up.calls.Load())
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "Jobs service is resting", body["message"])
		assert.Equal(t, "SERVICE_UNAVAILABLE", body["error"])
	})

	t.Run("代替応答が無い場合のOPENは503", func(t *testing.T) {
		t.Parallel()
		up := newUpstream(t, jsonHandler(http.StatusBadGateway, `{}`))
		h := newHarness(t, []route.Route{{Name: "jobs", PathPrefix: "/api", Upstream: up.URL,
			Breaker: breaker.Config{WindowSize: 2, MinimumCalls: 2, WaitDurationInOpen: time.Hour}}})

		h.get("/api/jobs", nil)
		h.get("/api/jobs", nil)
		require.Equal(t, breaker.Open, h.breakers.State("jobs"))

		w := h.get("/api/jobs", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "Service temporarily unavailable", decodeBody(t, w)["message"])
	})

	t.Run("タイムアウトは504", func(t *testing.T) {
		t.Parallel()
		up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			w.WriteHeader(http.StatusOK)
		})
		h := newHarness(t, []route.Route{{Name: "slow", PathPrefix: "/slow", Upstream: up.URL,
			Breaker: breaker.Config{Timeout: 50 * time.Millisecond}}})

		w := h.get("/slow", nil)

		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
		assert.Equal(t, "GATEWAY_TIMEOUT", decodeBody(t, w)["error"])
	})

	t.Run("接続できない下流は502", func(t *testing.T) {
		t.Parallel()
		dead := httptest.NewServer(http.NotFoundHandler())
		url := dead.URL
		dead.Close()
		h := newHarness(t, []route.Route{{Name: "dead", PathPrefix: "/dead", Upstream: url}})

		w := h.get("/dead", nil)

		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, "Downstream service unavailable", decodeBody(t, w)["message"])
	})

	t.Run("代替URIから取得した応答を返す", func(t *testing.T) {
		t.Parallel()
		fb := newUpstream(t, jsonHandler(http.StatusOK, `{"status":200,"message":"cached","data":[]}`))
		up := newUpstream(t, jsonHandler(http.StatusInternalServerError, `{}`))
		h := newHarness(t, []route.Route{{Name: "jobs", PathPrefix: "/api", Upstream: up.URL,
			Fallback: &route.Fallback{URI: fb.URL + "/fallback/jobs"}}})

		w := h.get("/api/jobs", map[string]string{"X-Request-Id": "req-fb"})

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "cached", decodeBody(t, w)["message"])
		assert.Equal(t, "/fallback/jobs", fb.lastPath())
		assert.Equal(t, "req-fb", fb.lastHeader().Get("X-Request-Id"))
	})

	t.Run("代替URIの取得に失敗した場合は組み込みの応答を返す", func(t *testing.T) {
		t.Parallel()
		fb := newUpstream(t, jsonHandler(http.StatusInternalServerError, `{}`))
		up := newUpstream(t, jsonHandler(http.StatusInternalServerError, `{}`))
		h := newHarness(t, []route.Route{{Name: "jobs", PathPrefix: "/api", Upstream: up.URL,
			Fallback: &route.Fallback{URI: fb.URL, Status: http.StatusServiceUnavailable}}})

		w := h.get("/api/jobs", nil)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "Service temporarily unavailable", decodeBody(t, w)["message"])
	})
}
