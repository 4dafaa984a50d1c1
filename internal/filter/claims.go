package filter

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nao1215/tollgate/internal/pipeline"
	"github.com/nao1215/tollgate/internal/token"
	"github.com/nao1215/tollgate/pkg/metrics"
)

// claims はクライアントが付けた識別ヘッダーを取り除き、検証済みJWTのクレームから設定し直す。
func (c *Chain) claims(ex *pipeline.Exchange) {
	h := ex.Request.Header
	h.Del(headerUsername)
	h.Del(headerUserRoles)
	h.Del(headerTokenSource)

	if ex.OpaqueToken != "" {
		h.Set(headerTokenSource, "opaque")
	}

	claims := c.verifiedClaims(ex)
	if claims == nil {
		return
	}
	ex.Username = claims.Name()
	ex.Roles = claims.Roles
	if ex.Username != "" {
		h.Set(headerUsername, ex.Username)
	}
	if len(ex.Roles) > 0 {
		h.Set(headerUserRoles, strings.Join(ex.Roles, ","))
	}
}

// logContext はリクエスト単位のロガーをコンテキストに格納する。
// 以降のログには相関ID、ルート、ユーザー名が付く。
func (c *Chain) logContext(ex *pipeline.Exchange) {
	lc := c.logger.With().
		Str("request_id", ex.RequestID).
		Str("method", ex.Request.Method).
		Str("path", ex.Request.URL.Path)
	if ex.RouteMatched {
		lc = lc.Str("route", ex.Route.Name)
	}
	if ex.Username != "" {
		lc = lc.Str("user", ex.Username)
	}
	if ex.OpaqueToken != "" {
		lc = lc.Str("opaque_id", token.Redact(ex.OpaqueToken))
	}
	logger := lc.Logger()
	ex.SetContext(logger.WithContext(ex.Context()))
}

// AccessLog は応答ごとにアクセスログを出力し、リクエストメトリクスを記録する関数を返す。
// 途中で打ち切られたリクエストも含め、すべての応答に対して呼び出すこと。
func AccessLog(logger zerolog.Logger, m *metrics.Metrics, now func() time.Time) func(ex *pipeline.Exchange) {
	if now == nil {
		now = time.Now
	}
	return func(ex *pipeline.Exchange) {
		elapsed := now().Sub(ex.Start)
		routeName := ""
		if ex.RouteMatched {
			routeName = ex.Route.Name
		}
		m.ObserveRequest(routeName, ex.Response.Status, elapsed)

		ev := logger.Info()
		if ex.Response.Status >= 500 {
			ev = logger.Warn()
		}
		ev = ev.
			Str("request_id", ex.RequestID).
			Str("method", ex.Request.Method).
			Str("path", ex.Request.URL.Path).
			Str("route", routeName).
			Int("status", ex.Response.Status).
			Int("bytes", len(ex.Response.Body)).
			Dur("elapsed", elapsed).
			Bool("fallback", ex.FromFallback)
		if ex.Username != "" {
			ev = ev.Str("user", ex.Username)
		}
		if ex.OpaqueToken != "" {
			ev = ev.Str("opaque_id", token.Redact(ex.OpaqueToken))
		}
		if by := ex.AbortedBy(); by != "" {
			ev = ev.Str("aborted_by", by)
		}
		ev.Msg("リクエストを処理しました")
	}
}
