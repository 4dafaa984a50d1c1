package filter

import (
	"github.com/nao1215/tollgate/internal/pipeline"
	"github.com/nao1215/tollgate/internal/token"
	"github.com/nao1215/tollgate/pkg/event"
	"github.com/nao1215/tollgate/pkg/logging"
)

// revoke はログアウトルートで下流が2xxを返した場合に、使用された不透明トークンを失効する。
// X-Refresh-Tokenヘッダーで渡された不透明トークンも失効する。
// 失効に失敗しても応答は変更しない。
func (c *Chain) revoke(ex *pipeline.Exchange) {
	if !ex.RouteMatched || !ex.Route.Logout || ex.FromFallback {
		return
	}
	if ex.Response.Status < 200 || ex.Response.Status >= 300 {
		return
	}

	ids := make([]string, 0, 2)
	if ex.OpaqueToken != "" {
		ids = append(ids, ex.OpaqueToken)
	}
	if refresh := refreshTokenID(ex, c.deps.Translator.MinJWTLength()); refresh != "" && refresh != ex.OpaqueToken {
		ids = append(ids, refresh)
	}
	if len(ids) == 0 {
		return
	}

	ctx := ex.Context()
	total := 0
	for _, id := range ids {
		n, err := c.deps.Translator.RevokeAll(ctx, id)
		if err != nil {
			logging.FromContext(ctx, c.logger).Error().Err(err).Str("opaque_id", token.Redact(id)).Msg("ログアウト時のトークン失効に失敗")
			continue
		}
		total += n
	}
	c.events.Emit(event.TypeTokenSessionRevoked, ex.RequestID, event.TokenSessionRevokedData{
		RequestID: ex.RequestID,
		Username:  ex.Username,
		Revoked:   total,
	})
}

// refreshTokenID はX-Refresh-Tokenヘッダーの不透明トークンを返す。JWTの場合は空を返す。
func refreshTokenID(ex *pipeline.Exchange, minJWTLength int) string {
	v := ex.Request.Header.Get(headerRefreshToken)
	if raw, ok := token.BearerToken(v); ok {
		v = raw
	}
	if v == "" || token.IsJWTShaped(v, minJWTLength) {
		return ""
	}
	return v
}
