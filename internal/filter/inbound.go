package filter

import (
	"github.com/google/uuid"

	"github.com/nao1215/tollgate/internal/pipeline"
	"github.com/nao1215/tollgate/pkg/httpclient"
)

// maxRequestIDLength は受け入れる相関IDの最大長。
const maxRequestIDLength = 128

// translateInbound はAuthorizationヘッダーの不透明トークンをJWTに置き換える。
func (c *Chain) translateInbound(ex *pipeline.Exchange) {
	header := ex.Request.Header.Get(headerAuthorization)
	if header == "" {
		return
	}
	in := c.deps.Translator.TranslateInbound(ex.Context(), header)
	if !in.Translated {
		return
	}
	ex.Request.Header.Set(headerAuthorization, in.Header)
	ex.OpaqueToken = in.OpaqueID
}

// correlation は相関IDを決定し、下流への転送と応答の両方に設定する。
func (c *Chain) correlation(ex *pipeline.Exchange) {
	id := ex.Request.Header.Get(headerRequestID)
	if !validRequestID(id) {
		id = uuid.NewString()
	}
	ex.RequestID = id
	ex.Request.Header.Set(headerRequestID, id)
	ex.SetContext(httpclient.WithRequestID(ex.Context(), id))
	ex.Defer(func(ex *pipeline.Exchange) {
		ex.Response.Header.Set(headerRequestID, ex.RequestID)
	})
}

// validRequestID はクライアントが指定した相関IDをそのまま使えるかどうかを返す。
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':':
		default:
			return false
		}
	}
	return true
}
