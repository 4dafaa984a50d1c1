package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/nao1215/tollgate/internal/route"
)

// Response は完全に読み込まれた応答。
type Response struct {
	// Status はHTTPステータス。
	Status int
	// Header は応答ヘッダー。
	Header http.Header
	// Body は応答本文。
	Body []byte
}

// Dispatcher は下流への転送を行い、応答を返す。
type Dispatcher func(ctx context.Context, ex *Exchange) *Response

// Exchange は1つのリクエストの処理状態。ステージ間で共有し、応答後に破棄する。
type Exchange struct {
	// Request は下流へ転送するリクエスト。ステージはヘッダーを書き換えてよい。
	Request *http.Request
	// Response は応答。下流への転送後、または打ち切り時に設定される。
	Response *Response
	// Route は解決したルート。RouteMatchedがfalseの場合はゼロ値。
	Route route.Route
	// RouteMatched はルートが解決できたかどうか。
	RouteMatched bool
	// RequestID は相関ID。
	RequestID string
	// OpaqueToken はリクエストで使われた不透明トークン。JWTに変換した場合のみ設定される。
	OpaqueToken string
	// Username は認証済みのユーザー名。
	Username string
	// Roles は認証済みユーザーのロール。
	Roles []string
	// EnvelopeStatus は書き換え後のエンベロープが持つstatus。0の場合は未設定。
	EnvelopeStatus int
	// SessionID は応答で発行する不透明トークンを束ねるセッションID。最初の発行時に決まる。
	SessionID string
	// FromFallback は応答が代替応答であることを表す。
	FromFallback bool
	// Start はリクエストの受信時刻。
	Start time.Time

	dispatcher Dispatcher
	deferred   []func(*Exchange)
	aborted    bool
	abortedBy  string
}

// NewExchange は新しいExchangeを生成する。
func NewExchange(r *http.Request, start time.Time) *Exchange {
	return &Exchange{Request: r, Start: start}
}

// Context はリクエストのコンテキストを返す。
func (ex *Exchange) Context() context.Context {
	return ex.Request.Context()
}

// SetContext はリクエストのコンテキストを置き換える。
func (ex *Exchange) SetContext(ctx context.Context) {
	ex.Request = ex.Request.WithContext(ctx)
}

// Abort は応答を確定させ、残りのステージを打ち切る。
func (ex *Exchange) Abort(resp *Response) {
	ex.Response = resp
	ex.aborted = true
}

// Aborted は処理が打ち切られたかどうかを返す。
func (ex *Exchange) Aborted() bool {
	return ex.aborted
}

// AbortedBy は処理を打ち切ったステージ名を返す。
func (ex *Exchange) AbortedBy() string {
	return ex.abortedBy
}

// Defer は応答を書き込む直前に実行する後処理を登録する。
// 後処理は登録と逆の順序で実行される。
func (ex *Exchange) Defer(fn func(*Exchange)) {
	ex.deferred = append(ex.deferred, fn)
}

// SetDispatcher は下流への転送処理を設定する。
// 転送はすべてのリクエストフェーズのステージが終わった後に実行される。
func (ex *Exchange) SetDispatcher(d Dispatcher) {
	ex.dispatcher = d
}
