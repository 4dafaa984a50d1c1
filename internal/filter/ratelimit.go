package filter

import (
	"math"
	"net/http"
	"strconv"

	"github.com/nao1215/tollgate/internal/pipeline"
	"github.com/nao1215/tollgate/internal/ratelimit"
	"github.com/nao1215/tollgate/internal/token"
	"github.com/nao1215/tollgate/pkg/event"
	"github.com/nao1215/tollgate/pkg/logging"
	"github.com/nao1215/tollgate/pkg/middleware"
)

// rateLimitMessage は429応答のメッセージ。
const rateLimitMessage = "Rate limit exceeded. Please retry later."

// rateLimit は認証より前に流量を制御する。
// 主体は検証済みJWTのユーザー名、無ければ接続元IPで識別する。
func (c *Chain) rateLimit(ex *pipeline.Exchange) {
	limiter := c.deps.Limiter
	if !limiter.Enabled() {
		return
	}

	identity := ratelimit.ResolveIdentity(ex.Request, c.principal(ex))
	dec := limiter.Admit(ex.Context(), identity, ex.Request.URL.Path)

	if !dec.Allowed {
		retry := retryAfterSeconds(dec)
		if dec.Degraded {
			c.abort(ex, http.StatusServiceUnavailable, "Rate limiter unavailable")
		} else {
			c.abort(ex, http.StatusTooManyRequests, rateLimitMessage)
			ex.Response.Header.Set(headerRemaining, "0")
			c.events.Emit(event.TypeRateLimitExceeded, identity, event.RateLimitExceededData{
				Identity:          identity,
				Path:              ex.Request.URL.Path,
				RetryAfterSeconds: retry,
			})
		}
		ex.Response.Header.Set(headerRetryAfter, strconv.Itoa(retry))
		logging.FromContext(ex.Context(), c.logger).Info().
			Str("identity", identity).
			Str("path", ex.Request.URL.Path).
			Bool("degraded", dec.Degraded).
			Msg("レートリミットによりリクエストを拒否しました")
		return
	}

	if dec.Degraded || dec.Remaining < 0 {
		return
	}
	ex.Defer(func(ex *pipeline.Exchange) {
		ex.Response.Header.Set(headerRemaining, strconv.Itoa(dec.Remaining))
		ex.Response.Header.Set(headerLimit, strconv.Itoa(dec.Limit))
	})
}

// principal は検証済みのJWTからユーザー名を取り出す。検証できない場合は空を返す。
func (c *Chain) principal(ex *pipeline.Exchange) string {
	claims := c.verifiedClaims(ex)
	if claims == nil {
		return ""
	}
	return claims.Name()
}

// verifiedClaims はAuthorizationヘッダーのJWTを検証し、クレームを返す。
func (c *Chain) verifiedClaims(ex *pipeline.Exchange) *middleware.JWTClaims {
	if c.cfg.JWTSecret == "" {
		return nil
	}
	credential, ok := token.BearerToken(ex.Request.Header.Get(headerAuthorization))
	if !ok {
		return nil
	}
	claims, err := middleware.ParseClaims(c.cfg.JWTSecret, credential)
	if err != nil {
		return nil
	}
	return claims
}

// retryAfterSeconds はRetry-Afterに設定する秒数を返す。最小は1秒。
func retryAfterSeconds(dec ratelimit.Decision) int {
	s := int(math.Ceil(dec.RetryAfter.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
