package filter

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/nao1215/tollgate/internal/pipeline"
	"github.com/nao1215/tollgate/pkg/middleware"
)

// SecurityConfig はCORSとセキュリティヘッダーの設定。
type SecurityConfig struct {
	// CORS はクロスオリジンリクエストのポリシー。
	CORS middleware.CORSPolicy `yaml:"cors"`
	// ContentSecurityPolicy はContent-Security-Policyヘッダーの値。
	ContentSecurityPolicy string `yaml:"content_security_policy"`
	// FrameOptions はX-Frame-Optionsヘッダーの値。
	FrameOptions string `yaml:"frame_options"`
	// ReferrerPolicy はReferrer-Policyヘッダーの値。
	ReferrerPolicy string `yaml:"referrer_policy"`
	// HSTSMaxAgeSeconds はHTTPSの応答に付けるStrict-Transport-Securityのmax-age。
	HSTSMaxAgeSeconds int `yaml:"hsts_max_age_seconds"`
}

// DefaultSecurityConfig は既定のセキュリティ設定を返す。
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		CORS:                  middleware.DefaultCORSPolicy(),
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		FrameOptions:          "DENY",
		ReferrerPolicy:        "no-referrer",
		HSTSMaxAgeSeconds:     31536000,
	}
}

func (s SecurityConfig) withDefaults() SecurityConfig {
	def := DefaultSecurityConfig()
	if len(s.CORS.AllowedMethods) == 0 {
		s.CORS.AllowedMethods = def.CORS.AllowedMethods
	}
	if len(s.CORS.AllowedHeaders) == 0 {
		s.CORS.AllowedHeaders = def.CORS.AllowedHeaders
	}
	if len(s.CORS.ExposedHeaders) == 0 {
		s.CORS.ExposedHeaders = def.CORS.ExposedHeaders
	}
	if s.CORS.MaxAgeSeconds == 0 {
		s.CORS.MaxAgeSeconds = def.CORS.MaxAgeSeconds
	}
	if s.ContentSecurityPolicy == "" {
		s.ContentSecurityPolicy = def.ContentSecurityPolicy
	}
	if s.FrameOptions == "" {
		s.FrameOptions = def.FrameOptions
	}
	if s.ReferrerPolicy == "" {
		s.ReferrerPolicy = def.ReferrerPolicy
	}
	if s.HSTSMaxAgeSeconds == 0 {
		s.HSTSMaxAgeSeconds = def.HSTSMaxAgeSeconds
	}
	return s
}

// security はCORSのプリフライトに応答し、すべての応答にセキュリティヘッダーを設定する。
func (c *Chain) security(ex *pipeline.Exchange) {
	cfg := c.cfg.Security
	origin := ex.Request.Header.Get("Origin")
	preflight := middleware.IsPreflight(ex.Request)
	https := isHTTPS(ex.Request)

	ex.Defer(func(ex *pipeline.Exchange) {
		h := ex.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", cfg.FrameOptions)
		h.Set("Content-Security-Policy", cfg.ContentSecurityPolicy)
		h.Set("Referrer-Policy", cfg.ReferrerPolicy)
		if https && cfg.HSTSMaxAgeSeconds > 0 {
			h.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(cfg.HSTSMaxAgeSeconds)+"; includeSubDomains")
		}
		// 下流が付けたCORSヘッダーはゲートウェイのポリシーで置き換える
		for name := range h {
			if strings.HasPrefix(name, "Access-Control-") {
				h.Del(name)
			}
		}
		cfg.CORS.Apply(h, origin, preflight)
	})

	if preflight {
		ex.Abort(&pipeline.Response{Status: http.StatusNoContent, Header: make(http.Header)})
	}
}

// isHTTPS はクライアントとの接続がHTTPSかどうかを返す。
func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
