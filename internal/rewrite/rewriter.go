package rewrite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/tollgate/internal/token"
	"github.com/nao1215/tollgate/pkg/logging"
)

// opaqueMarker は本文のトークンを置き換えたことを示す値。
const opaqueMarker = "Opaque"

// mintConcurrency は1つの応答で同時に実行する発行処理の上限。
const mintConcurrency = 8

// Minter は不透明トークンを発行する。
type Minter interface {
	Mint(ctx context.Context, rawJWT string, kind token.Kind, opts ...token.MintOption) (string, error)
}

// Result は書き換えの結果。
type Result struct {
	// Body は書き換え後の本文。書き換えなかった場合は入力と同じバイト列。
	Body []byte
	// Status はクライアントに返すHTTPステータス。
	// エンベロープが100〜599の数値statusを持つ場合はその値になる。
	Status int
	// Rewritten は本文をJSONとして書き換えたかどうか。
	Rewritten bool
	// Minted は不透明トークンに置き換えたフィールドの数。
	Minted int
}

// Rewriter は応答本文を書き換える。
type Rewriter struct {
	minter Minter
	vocab  Vocabulary
	now    func() time.Time
	logger zerolog.Logger
}

// Option はRewriterの設定を変更する。
type Option func(*Rewriter)

// WithVocabulary はトークンを保持するフィールド名の判定規則を変更する。
func WithVocabulary(v Vocabulary) Option {
	return func(r *Rewriter) { r.vocab = v }
}

// WithClock はtimestampに使う時計を差し替える。
func WithClock(now func() time.Time) Option {
	return func(r *Rewriter) { r.now = now }
}

// WithLogger はコンテキストにロガーが無い場合に使うロガーを設定する。
func WithLogger(l zerolog.Logger) Option {
	return func(r *Rewriter) { r.logger = l }
}

// New は新しいRewriterを生成する。minterがnilの場合はトークンを置き換えない。
func New(minter Minter, opts ...Option) *Rewriter {
	r := &Rewriter{
		minter: minter,
		vocab:  DefaultVocabulary(),
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.vocab = r.vocab.normalized()
	return r
}

// rewriteOptions は1回の書き換えのパラメータ。
type rewriteOptions struct {
	source       string
	session      string
	skipMint     bool
	skipEnvelope bool
}

// RewriteOption は1回の書き換えのパラメータを設定する。
type RewriteOption func(*rewriteOptions)

// WithSource はエンベロープのsourceに設定するルート名を指定する。
func WithSource(name string) RewriteOption {
	return func(o *rewriteOptions) { o.source = name }
}

// WithSessionID は発行する不透明トークンを指定したセッションに束ねる。
// 指定しない場合は書き換えごとに新しいセッションを作る。
func WithSessionID(id string) RewriteOption {
	return func(o *rewriteOptions) { o.session = id }
}

// WithoutMinting はトークンの置き換えを行わない。
func WithoutMinting() RewriteOption {
	return func(o *rewriteOptions) { o.skipMint = true }
}

// WithoutEnvelope はエンベロープへの正規化を行わず、トークンの置き換えだけを行う。
func WithoutEnvelope() RewriteOption {
	return func(o *rewriteOptions) { o.skipEnvelope = true }
}

// Rewrite は応答本文を書き換える。
//
// バイナリのContent-Typeや解析できない本文は変更せずに返す。
// トークンの発行に失敗した場合は、JWTを含んだ本文を返さないようにエラーを返す。
func (r *Rewriter) Rewrite(ctx context.Context, body []byte, contentType string, status int, opts ...RewriteOption) (Result, error) {
	var o rewriteOptions
	for _, opt := range opts {
		opt(&o)
	}
	passthrough := Result{Body: body, Status: status}

	if IsBinary(contentType) || len(bytes.TrimSpace(body)) == 0 {
		return passthrough, nil
	}
	doc, err := decode(body)
	if err != nil {
		logging.FromContext(ctx, r.logger).Debug().Err(err).Msg("JSONとして解析できないため本文をそのまま返します")
		return passthrough, nil
	}

	root := doc
	if !o.skipEnvelope {
		root = r.envelope(doc, status, o.source)
	}

	minted := 0
	if !o.skipMint && r.minter != nil {
		minted, err = r.mintAll(ctx, root, o.session)
		if err != nil {
			return passthrough, err
		}
		if obj, ok := root.(map[string]any); ok && minted > 0 {
			obj["tokenType"] = opaqueMarker
		}
	}

	if o.skipEnvelope && minted == 0 {
		return passthrough, nil
	}

	out, err := json.Marshal(root)
	if err != nil {
		return passthrough, fmt.Errorf("応答本文のエンコードに失敗: %w", err)
	}
	return Result{
		Body:      out,
		Status:    envelopeStatus(root, status),
		Rewritten: true,
		Minted:    minted,
	}, nil
}

// envelope は解析済みの本文を共通のエンベロープに揃える。
func (r *Rewriter) envelope(doc any, status int, source string) any {
	now := r.now().UnixMilli()
	obj, isObj := doc.(map[string]any)
	if isObj {
		_, hasStatus := obj["status"]
		_, hasMessage := obj["message"]
		_, hasData := obj["data"]
		switch {
		case hasStatus && hasMessage:
			if source != "" {
				setDefault(obj, "source", source)
			}
			setDefault(obj, "timestamp", now)
			return obj
		case hasData:
			setDefault(obj, "status", status)
			setDefault(obj, "message", defaultMessage(status))
			setDefault(obj, "source", source)
			setDefault(obj, "timestamp", now)
			return obj
		}
	}
	return map[string]any{
		"status":    status,
		"message":   defaultMessage(status),
		"data":      doc,
		"source":    source,
		"timestamp": now,
	}
}

// mintAll は本文に含まれるJWTをすべて不透明トークンに置き換え、置き換えた数を返す。
// 発行は並行して行い、JSONの木への反映は発行がすべて終わってから順に行う。
func (r *Rewriter) mintAll(ctx context.Context, root any, session string) (int, error) {
	jobs := collect(root, r.vocab)
	if len(jobs) == 0 {
		return 0, nil
	}

	if session == "" {
		session = token.NewSessionID()
	}
	minted := make([]string, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mintConcurrency)
	for i, j := range jobs {
		g.Go(func() error {
			id, err := r.minter.Mint(gctx, j.jwt, j.kind, token.WithSession(session))
			if err != nil {
				return fmt.Errorf("フィールド %q のトークン発行に失敗: %w", j.key, err)
			}
			minted[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	for i, j := range jobs {
		j.parent[j.key] = minted[i]
	}
	logging.FromContext(ctx, r.logger).Debug().Int("minted", len(jobs)).Msg("応答本文のトークンを置き換えました")
	return len(jobs), nil
}

// job は置き換え対象の1フィールド。
type job struct {
	parent map[string]any
	key    string
	jwt    string
	kind   token.Kind
}

// collect は深さ優先で置き換え対象のフィールドを集める。
func collect(v any, vocab Vocabulary) []job {
	var jobs []job
	var walk func(v any)
	walk = func(v any) {
		switch node := v.(type) {
		case map[string]any:
			keys := make([]string, 0, len(node))
			for k := range node {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				child := node[k]
				if s, ok := child.(string); ok && vocab.matchKey(k) && vocab.isJWT(s) {
					jobs = append(jobs, job{parent: node, key: k, jwt: s, kind: kindOf(k)})
					continue
				}
				walk(child)
			}
		case []any:
			for _, child := range node {
				walk(child)
			}
		}
	}
	walk(v)
	return jobs
}

// kindOf はフィールド名からトークンの種別を推定する。
func kindOf(key string) token.Kind {
	if strings.Contains(strings.ToLower(key), "refresh") {
		return token.KindRefresh
	}
	return token.KindAccess
}

// decode は本文をJSONとして解析する。数値は精度を保つためjson.Numberのまま保持する。
func decode(body []byte) (any, error) {
	if !json.Valid(body) {
		return nil, errors.New("invalid json")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// envelopeStatus はエンベロープのstatusが有効なHTTPステータスならその値を返す。
func envelopeStatus(root any, fallback int) int {
	obj, ok := root.(map[string]any)
	if !ok {
		return fallback
	}
	var code int64
	switch s := obj["status"].(type) {
	case json.Number:
		n, err := s.Int64()
		if err != nil {
			return fallback
		}
		code = n
	case int:
		code = int64(s)
	default:
		return fallback
	}
	if code < 100 || code > 599 {
		return fallback
	}
	return int(code)
}

// IsBinary はContent-Typeがバイナリまたはストリームの応答を表すかどうかを返す。
func IsBinary(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case strings.HasPrefix(mt, "image/"),
		strings.HasPrefix(mt, "video/"),
		strings.HasPrefix(mt, "audio/"),
		strings.HasPrefix(mt, "font/"):
		return true
	}
	switch mt {
	case "application/pdf",
		"application/octet-stream",
		"application/zip",
		"application/gzip",
		"application/x-ndjson",
		"text/event-stream",
		"multipart/form-data",
		"multipart/mixed":
		return true
	}
	return false
}

func defaultMessage(status int) string {
	if status < http.StatusBadRequest {
		return "Success"
	}
	return "Error"
}

func setDefault(obj map[string]any, key string, value any) {
	if _, ok := obj[key]; !ok {
		obj[key] = value
	}
}
