package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORSPolicy はクロスオリジンリクエストの許可設定。
type CORSPolicy struct {
	// AllowedOrigins は許可するオリジン。"*"はすべてのオリジンを許可する。
	AllowedOrigins []string `yaml:"allowed_origins"`
	// AllowedMethods はプリフライトで許可するメソッド。
	AllowedMethods []string `yaml:"allowed_methods"`
	// AllowedHeaders はプリフライトで許可するリクエストヘッダー。
	AllowedHeaders []string `yaml:"allowed_headers"`
	// ExposedHeaders はブラウザに公開する応答ヘッダー。
	ExposedHeaders []string `yaml:"exposed_headers"`
	// AllowCredentials はCookie等の資格情報の送信を許可するかどうか。
	AllowCredentials bool `yaml:"allow_credentials"`
	// MaxAgeSeconds はプリフライト結果のキャッシュ秒数。
	MaxAgeSeconds int `yaml:"max_age_seconds"`
}

// DefaultCORSPolicy は指定オリジンを許可する既定のポリシーを返す。
func DefaultCORSPolicy(origins ...string) CORSPolicy {
	return CORSPolicy{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id", "X-Refresh-Token"},
		ExposedHeaders: []string{"X-Request-Id", "X-RateLimit-Remaining", "Retry-After", "X-Access-Token", "X-Refresh-Token"},
		MaxAgeSeconds:  86400,
	}
}

// Allows はオリジンが許可されているかどうかを返す。
func (p CORSPolicy) Allows(origin string) bool {
	if origin == "" {
		return false
	}
	for _, o := range p.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// IsPreflight はリクエストがCORSのプリフライトかどうかを返す。
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}

// Apply は許可されたオリジンに対してCORSヘッダーを設定する。
// preflightがtrueの場合はメソッド・ヘッダー・キャッシュ秒数も設定する。
// オリジンが許可されていない場合は何も設定せずfalseを返す。
func (p CORSPolicy) Apply(h http.Header, origin string, preflight bool) bool {
	h.Add("Vary", "Origin")
	if !p.Allows(origin) {
		return false
	}
	h.Set("Access-Control-Allow-Origin", origin)
	if p.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if preflight {
		h.Set("Access-Control-Allow-Methods", strings.Join(p.AllowedMethods, ", "))
		h.Set("Access-Control-Allow-Headers", strings.Join(p.AllowedHeaders, ", "))
		if p.MaxAgeSeconds > 0 {
			h.Set("Access-Control-Max-Age", strconv.Itoa(p.MaxAgeSeconds))
		}
		return true
	}
	if len(p.ExposedHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(p.ExposedHeaders, ", "))
	}
	return true
}

// CORS はポリシーに従ってクロスオリジンリクエストを許可するGinミドルウェアを返す。
// ゲートウェイ自身のエンドポイント（/health、/admin等）で使用する。
func CORS(policy CORSPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		preflight := IsPreflight(c.Request)
		policy.Apply(c.Writer.Header(), c.GetHeader("Origin"), preflight)
		if preflight {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
