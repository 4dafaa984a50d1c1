package filter

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nao1215/tollgate/internal/ratelimit"
	"github.com/nao1215/tollgate/internal/route"
)

func TestValidation(t *testing.T) {
	t.Parallel()

	newValidationHarness := func(t *testing.T, up *upstream) *harness {
		return newHarness(t, []route.Route{{Name: "jobs", PathPrefix: "/api/jobs", Upstream: up.URL}}, func(o *harnessOptions) {
			o.cfg.Validation = ValidationConfig{MaxBodyBytes: 16, RequiredHeaders: []string{"X-Client"}}
			o.limit = ratelimit.Config{
				Enabled: true,
				Default: ratelimit.Rule{Capacity: 1, RefillPerWindow: 1, Window: time.Hour},
			}
		})
	}

	tests := []struct {
		name        string
		body        string
		contentType string
		client      string
		wantStatus  int
		wantError   string
	}{
		{name: "必須ヘッダーが無い場合は400", client: "", wantStatus: http.StatusBadRequest, wantError: "BAD_REQUEST"},
		{name: "上限を超える本文は413", body: strings.Repeat("x", 17), contentType: "application/json", client: "web", wantStatus: http.StatusRequestEntityTooLarge, wantError: "REQUEST_ENTITY_TOO_LARGE"},
		{name: "許可されていないContent-Typeは415", body: "<a/>", contentType: "application/xml", client: "web", wantStatus: http.StatusUnsupportedMediaType, wantError: "UNSUPPORTED_MEDIA_TYPE"},
		{name: "Content-Typeが無い本文は415", body: "{}", client: "web", wantStatus: http.StatusUnsupportedMediaType, wantError: "UNSUPPORTED_MEDIA_TYPE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			up := newUpstream(t, jsonHandler(http.StatusOK, `{}`))
			h := newValidationHarness(t, up)

			req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			if tt.client != "" {
				req.Header.Set("X-Client", tt.client)
			}
			w := h.do(req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantError, decodeBody(t, w)["error"])
			assert.Zero(t, up.calls.Load())
		})
	}

	t.Run("拒否したリクエストはレートリミットの枠を消費しない", func(t *testing.T) {
		t.Parallel()
		up := newUpstream(t, jsonHandler(http.StatusOK, `{}`))
		h := newValidationHarness(t, up)

		bad := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(strings.Repeat("x", 100)))
		bad.Header.Set("Content-Type", "application/json")
		bad.Header.Set("X-Client", "web")
		assert.Equal(t, http.StatusRequestEntityTooLarge, h.do(bad).Code)

		good := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"a":1}`))
		good.Header.Set("Content-Type", "application/json; charset=utf-8")
		good.Header.Set("X-Client", "web")
		assert.Equal(t, http.StatusOK, h.do(good).Code)
		assert.Equal(t, `{"a":1}`, string(up.lastBody()))
	})

	t.Run("+json形式のメディアタイプを許可する", func(t *testing.T) {
		t.Parallel()
		cfg := DefaultValidationConfig()
		assert.True(t, cfg.allows("application/problem+json"))
		assert.True(t, cfg.allows("text/plain; charset=utf-8"))
		assert.False(t, cfg.allows("application/xml"))
		assert.False(t, cfg.allows(""))
	})
}
