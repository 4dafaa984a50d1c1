package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-cleanhttp"
)

// ErrBodyTooLarge は応答本文が上限を超えたことを表す。
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// DefaultMaxBodyBytes は読み込む応答本文の既定の上限。
const DefaultMaxBodyBytes int64 = 1 << 20

// Client は下流サービスとの通信用のHTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL はPostJSON / GetJSONの接続先のベースURL。
	baseURL string
	// maxBodyBytes は読み込む応答本文の上限。
	maxBodyBytes int64
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithTimeout はリクエスト全体のタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithMaxBodyBytes は読み込む応答本文の上限を設定する。
func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// WithHTTPClient は内部で使用するHTTPクライアントを差し替える。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New は新しいHTTPクライアントを生成する。
// baseURLにはPostJSON / GetJSONの接続先（例: "http://hooks:8080"）を指定する。Forwardでは使用しない。
func New(baseURL string, opts ...Option) *Client {
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = 30 * time.Second
	// リダイレクトは追わずにそのままクライアントへ返す
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	c := &Client{
		httpClient:   hc,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request は転送するリクエスト。
type Request struct {
	// Method はHTTPメソッド。
	Method string
	// URL は転送先の完全なURL。
	URL string
	// Header はリクエストヘッダー。ホップバイホップヘッダーは送信前に取り除く。
	Header http.Header
	// Body はリクエスト本文。
	Body []byte
}

// Response は完全に読み込んだ応答。
type Response struct {
	// Status はHTTPステータス。
	Status int
	// Header はホップバイホップヘッダーを取り除いた応答ヘッダー。
	Header http.Header
	// Body は応答本文。
	Body []byte
}

// Forward はリクエストを転送し、応答本文を上限まで読み込んで返す。
// 応答のステータスに関わらず、通信に成功した場合はエラーを返さない。
// 呼び出し元のAccept-Encodingは転送せず、gzipの応答は展開してから返す。
func (c *Client) Forward(ctx context.Context, r Request) (*Response, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header = r.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	RemoveHopByHop(req.Header)
	// 圧縮はTransportに任せ、応答本文を常に展開済みで受け取る
	req.Header.Del("Accept-Encoding")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み込みに失敗: %w", err)
	}
	if int64(len(respBody)) > c.maxBodyBytes {
		return nil, fmt.Errorf("%w: limit=%d", ErrBodyTooLarge, c.maxBodyBytes)
	}

	header := resp.Header.Clone()
	RemoveHopByHop(header)
	// HEADの応答は本文を持たず、Content-Lengthは下流の実体の長さを表す
	if r.Method != http.MethodHead {
		header.Del("Content-Length")
	}
	return &Response{Status: resp.StatusCode, Header: header, Body: respBody}, nil
}

// hopByHopHeaders はプロキシが転送してはならないヘッダー。
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopByHop はホップバイホップヘッダーと、Connectionヘッダーで指定されたヘッダーを取り除く。
func RemoveHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// PostJSON は指定パスにJSONボディでPOSTリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) PostJSON(ctx context.Context, path string, body any, result any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, result)
}

// GetJSON は指定パスにGETリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) GetJSON(ctx context.Context, path string, result any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, result)
}

// doJSON はJSON形式のHTTPリクエストを実行する共通処理。
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		payload = b
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")
	if id, ok := ctx.Value(contextKeyRequestID).(string); ok && id != "" {
		header.Set("X-Request-Id", id)
	}

	resp, err := c.Forward(ctx, Request{Method: method, URL: c.baseURL + path, Header: header, Body: payload})
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return fmt.Errorf("HTTPエラー: status=%d, body=%s", resp.Status, string(resp.Body))
	}

	if result != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, result); err != nil {
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyRequestID はコンテキストに相関IDを格納するためのキー。
const contextKeyRequestID contextKey = "request_id"

// WithRequestID はコンテキストに相関IDを設定する。
// PostJSON / GetJSONはX-Request-Idヘッダーとして伝播する。
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}
