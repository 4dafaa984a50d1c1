package pipeline

import (
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ErrorBody はクライアントに返すエラーのJSON表現。
type ErrorBody struct {
	Status    int    `json:"status"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Path      string `json:"path"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorCode はHTTPステータスからエラーコード（例: TOO_MANY_REQUESTS）を返す。
func ErrorCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "ERROR"
	}
	text = strings.ReplaceAll(text, "-", " ")
	text = strings.ReplaceAll(text, "'", "")
	return strings.ToUpper(strings.Join(strings.Fields(text), "_"))
}

// ErrorResponse はエラーエンベロープの応答を生成する。
func ErrorResponse(status int, message, path string, now time.Time) *Response {
	body, err := json.Marshal(ErrorBody{
		Status:    status,
		Error:     ErrorCode(status),
		Message:   message,
		Path:      path,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		body = []byte(`{"status":500,"error":"INTERNAL_SERVER_ERROR"}`)
	}
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return &Response{Status: status, Header: header, Body: body}
}
