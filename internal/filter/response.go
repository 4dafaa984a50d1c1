package filter

import (
	"net/http"
	"strings"

	"github.com/nao1215/tollgate/internal/pipeline"
	"github.com/nao1215/tollgate/internal/rewrite"
	"github.com/nao1215/tollgate/internal/token"
	"github.com/nao1215/tollgate/pkg/logging"
)

const (
	// tokenUnavailableMessage は不透明トークンを発行できなかったときのメッセージ。
	tokenUnavailableMessage = "Token service temporarily unavailable"
	// encodedBodyMessage は符号化された本文を検査できなかったときのメッセージ。
	encodedBodyMessage = "Unsupported response encoding from upstream"
)

// encodedBody は本文がContent-Encodingで符号化されていて中身を検査できないかどうかを返す。
// バイナリのContent-Typeはトークンの置き換え対象外なので符号化されていても構わない。
func encodedBody(resp *pipeline.Response) bool {
	enc := strings.TrimSpace(resp.Header.Get("Content-Encoding"))
	if len(resp.Body) == 0 || enc == "" || strings.EqualFold(enc, "identity") {
		return false
	}
	return !rewrite.IsBinary(resp.Header.Get("Content-Type"))
}

// sessionID はこの応答で発行する不透明トークンを束ねるセッションIDを返す。
func sessionID(ex *pipeline.Exchange) string {
	if ex.SessionID == "" {
		ex.SessionID = token.NewSessionID()
	}
	return ex.SessionID
}

// rewrite は応答本文をエンベロープに揃え、本文中のJWTを不透明トークンに置き換える。
// 発行に失敗した場合はJWTを含む本文を返さず503に置き換える。
func (c *Chain) rewrite(ex *pipeline.Exchange) {
	if !ex.RouteMatched || ex.Route.SkipRewrite || ex.FromFallback {
		return
	}
	resp := ex.Response
	if encodedBody(resp) {
		logging.FromContext(ex.Context(), c.logger).Error().
			Str("content_encoding", resp.Header.Get("Content-Encoding")).
			Msg("符号化された応答本文は検査できないため返しません")
		c.abort(ex, http.StatusBadGateway, encodedBodyMessage)
		return
	}
	res, err := c.deps.Rewriter.Rewrite(ex.Context(), resp.Body, resp.Header.Get("Content-Type"), resp.Status,
		rewrite.WithSource(ex.Route.Name), rewrite.WithSessionID(sessionID(ex)))
	if err != nil {
		logging.FromContext(ex.Context(), c.logger).Error().Err(err).Msg("応答本文のトークン置き換えに失敗")
		c.abort(ex, http.StatusServiceUnavailable, tokenUnavailableMessage)
		return
	}
	if !res.Rewritten {
		return
	}
	resp.Body = res.Body
	resp.Header.Set("Content-Type", "application/json")
	ex.EnvelopeStatus = res.Status
}

// statusRemap はエンベロープのstatusがHTTPステータスと異なる場合に置き換える。
func (c *Chain) statusRemap(ex *pipeline.Exchange) {
	if ex.EnvelopeStatus == 0 || ex.EnvelopeStatus == ex.Response.Status {
		return
	}
	logging.FromContext(ex.Context(), c.logger).Debug().
		Int("from", ex.Response.Status).
		Int("to", ex.EnvelopeStatus).
		Msg("エンベロープのstatusでHTTPステータスを置き換えます")
	ex.Response.Status = ex.EnvelopeStatus
}

// translateOutbound はトークン発行ルートの応答ヘッダーに含まれるJWTを不透明トークンに置き換える。
// 本文の書き換えを行わないルートでは、本文中のJWTもここで置き換える。
func (c *Chain) translateOutbound(ex *pipeline.Exchange) {
	if !ex.RouteMatched || ex.FromFallback {
		return
	}
	ctx := ex.Context()
	resp := ex.Response

	if ex.Route.SkipRewrite {
		if encodedBody(resp) {
			logging.FromContext(ctx, c.logger).Error().
				Str("content_encoding", resp.Header.Get("Content-Encoding")).
				Msg("符号化された応答本文は検査できないため返しません")
			c.abort(ex, http.StatusBadGateway, encodedBodyMessage)
			return
		}
		res, err := c.deps.Rewriter.Rewrite(ctx, resp.Body, resp.Header.Get("Content-Type"), resp.Status,
			rewrite.WithoutEnvelope(), rewrite.WithSessionID(sessionID(ex)))
		if err != nil {
			logging.FromContext(ctx, c.logger).Error().Err(err).Msg("応答本文のトークン置き換えに失敗")
			c.abort(ex, http.StatusServiceUnavailable, tokenUnavailableMessage)
			return
		}
		resp.Body = res.Body
	}

	if !ex.Route.IssuesTokens {
		return
	}
	tr := c.deps.Translator
	session := sessionID(ex)
	for _, name := range ex.Route.Headers() {
		value := resp.Header.Get(name)
		if value == "" {
			continue
		}
		raw, bearer := token.BearerToken(value)
		if !bearer {
			raw = value
		}
		if !token.IsJWTShaped(raw, tr.MinJWTLength()) {
			continue
		}
		kind := token.KindAccess
		if strings.Contains(strings.ToLower(name), "refresh") {
			kind = token.KindRefresh
		}
		opaque, err := tr.Mint(ctx, raw, kind, token.WithSession(session))
		if err != nil {
			logging.FromContext(ctx, c.logger).Error().Err(err).Str("header", name).Msg("応答ヘッダーのトークン置き換えに失敗")
			c.abort(ex, http.StatusServiceUnavailable, tokenUnavailableMessage)
			return
		}
		if bearer {
			opaque = "Bearer " + opaque
		}
		resp.Header.Set(name, opaque)
	}
}
