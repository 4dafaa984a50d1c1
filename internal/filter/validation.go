package filter

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"slices"
	"strings"

	"github.com/nao1215/tollgate/internal/pipeline"
	"github.com/nao1215/tollgate/pkg/httpclient"
)

// ValidationConfig はリクエスト検証の設定。
type ValidationConfig struct {
	// MaxBodyBytes はリクエスト本文の上限。応答本文の上限と共有する。
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// AllowedContentTypes は本文を持つリクエストに許可するメディアタイプ。
	AllowedContentTypes []string `yaml:"allowed_content_types"`
	// RequiredHeaders はすべてのリクエストに必須のヘッダー。
	RequiredHeaders []string `yaml:"required_headers"`
}

// DefaultValidationConfig は既定の検証設定を返す。
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxBodyBytes: httpclient.DefaultMaxBodyBytes,
		AllowedContentTypes: []string{
			"application/json",
			"application/x-www-form-urlencoded",
			"multipart/form-data",
			"text/plain",
		},
	}
}

func (v ValidationConfig) withDefaults() ValidationConfig {
	def := DefaultValidationConfig()
	if v.MaxBodyBytes <= 0 {
		v.MaxBodyBytes = def.MaxBodyBytes
	}
	if len(v.AllowedContentTypes) == 0 {
		v.AllowedContentTypes = def.AllowedContentTypes
	}
	return v
}

// allows はメディアタイプが許可されているかどうかを返す。+jsonの構造化構文はapplication/jsonとして扱う。
func (v ValidationConfig) allows(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	if strings.HasSuffix(mediaType, "+json") {
		mediaType = "application/json"
	}
	return slices.ContainsFunc(v.AllowedContentTypes, func(allowed string) bool {
		return strings.EqualFold(allowed, mediaType)
	})
}

// validation は下流やレートリミットに到達する前に不正なリクエストを拒否する。
// 本文は上限まで読み込み、転送用に読み直せる形に置き換える。
func (c *Chain) validation(ex *pipeline.Exchange) {
	cfg := c.cfg.Validation
	r := ex.Request

	for _, h := range cfg.RequiredHeaders {
		if strings.TrimSpace(r.Header.Get(h)) == "" {
			c.abort(ex, http.StatusBadRequest, fmt.Sprintf("Missing required header: %s", h))
			return
		}
	}

	if r.ContentLength > cfg.MaxBodyBytes {
		c.abort(ex, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}

	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(io.LimitReader(r.Body, cfg.MaxBodyBytes+1))
		_ = r.Body.Close()
		if err != nil {
			c.abort(ex, http.StatusBadRequest, "Failed to read request body")
			return
		}
		if int64(len(b)) > cfg.MaxBodyBytes {
			c.abort(ex, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		body = b
	}

	if len(body) > 0 && !cfg.allows(r.Header.Get("Content-Type")) {
		c.abort(ex, http.StatusUnsupportedMediaType, "Unsupported content type")
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
}
