// Package route はパスの接頭辞から下流サービスのルートを解決する。
package route

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/nao1215/tollgate/internal/breaker"
)

// Fallback はブレーカーがOPENのとき、または下流が失敗したときに返す代替応答。
type Fallback struct {
	// URI は代替応答を取得するURL。空の場合はJSONのエラーエンベロープを返す。
	URI string `yaml:"uri"`
	// Status は組み込みの代替応答のHTTPステータス。既定は503。
	Status int `yaml:"status"`
	// Message は組み込みの代替応答のメッセージ。
	Message string `yaml:"message"`
}

// Route は1つの下流サービスへのルート。
type Route struct {
	// Name はルート名。ブレーカー、メトリクス、エンベロープのsourceに使う。
	Name string `yaml:"name"`
	// PathPrefix はこのルートが受け持つパスの接頭辞。
	PathPrefix string `yaml:"path_prefix"`
	// Upstream は下流サービスのベースURL。
	Upstream string `yaml:"upstream"`
	// StripPrefix がtrueの場合、転送時にPathPrefixを取り除く。
	StripPrefix bool `yaml:"strip_prefix"`
	// SkipRewrite がtrueの場合、応答本文をエンベロープに揃えない。
	SkipRewrite bool `yaml:"skip_rewrite"`
	// IssuesTokens はログインなどトークンを発行するルートであることを表す。
	IssuesTokens bool `yaml:"issues_tokens"`
	// Logout はログアウトのルートであることを表す。成功時に使用した不透明トークンを失効する。
	Logout bool `yaml:"logout"`
	// TokenHeaders はIssuesTokensのルートで不透明トークンに置き換える応答ヘッダー。
	TokenHeaders []string `yaml:"token_headers"`
	// Breaker はこのルートのサーキットブレーカーの設定。未設定の項目は既定値を使う。
	Breaker breaker.Config `yaml:"circuit_breaker"`
	// Fallback は代替応答の設定。nilの場合は失敗の種類に応じたエラー応答を返す。
	Fallback *Fallback `yaml:"fallback"`
}

// DefaultTokenHeaders はトークンを運ぶ応答ヘッダーの既定値。
var DefaultTokenHeaders = []string{"Authorization", "X-Access-Token", "X-Refresh-Token"}

// Headers はトークンを運ぶ応答ヘッダーを返す。
func (r Route) Headers() []string {
	if len(r.TokenHeaders) == 0 {
		return DefaultTokenHeaders
	}
	return r.TokenHeaders
}

// matches はパスがこのルートの接頭辞にセグメント単位で一致するかを返す。
func (r Route) matches(path string) bool {
	p := r.PathPrefix
	if p == "/" || path == p {
		return true
	}
	if strings.HasSuffix(p, "/") {
		return strings.HasPrefix(path, p)
	}
	return strings.HasPrefix(path, p+"/")
}

// TargetURL は転送先のURLを組み立てる。
func (r Route) TargetURL(in *url.URL) (string, error) {
	base, err := url.Parse(r.Upstream)
	if err != nil {
		return "", fmt.Errorf("ルート %q のupstreamが不正です: %w", r.Name, err)
	}
	path := in.Path
	if r.StripPrefix {
		path = strings.TrimPrefix(path, strings.TrimSuffix(r.PathPrefix, "/"))
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + path
	base.RawQuery = in.RawQuery
	return base.String(), nil
}

// Table はパスの接頭辞が長い順に並べたルートの一覧。
type Table struct {
	routes []Route
}

// NewTable はルートを検証して新しいTableを生成する。
func NewTable(routes []Route) (*Table, error) {
	var result *multierror.Error
	names := make(map[string]struct{}, len(routes))
	prefixes := make(map[string]struct{}, len(routes))
	for i, r := range routes {
		if r.Name == "" {
			result = multierror.Append(result, fmt.Errorf("routes[%d]: name is required", i))
		}
		if _, dup := names[r.Name]; dup && r.Name != "" {
			result = multierror.Append(result, fmt.Errorf("route %q: duplicated name", r.Name))
		}
		names[r.Name] = struct{}{}
		if !strings.HasPrefix(r.PathPrefix, "/") {
			result = multierror.Append(result, fmt.Errorf("route %q: path_prefix must start with /", r.Name))
		}
		if _, dup := prefixes[r.PathPrefix]; dup {
			result = multierror.Append(result, fmt.Errorf("route %q: duplicated path_prefix %q", r.Name, r.PathPrefix))
		}
		prefixes[r.PathPrefix] = struct{}{}
		if u, err := url.Parse(r.Upstream); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			result = multierror.Append(result, fmt.Errorf("route %q: upstream must be an absolute http(s) URL", r.Name))
		}
		if r.Breaker != (breaker.Config{}) {
			if err := r.Breaker.WithDefaults().Validate(); err != nil {
				result = multierror.Append(result, fmt.Errorf("route %q: circuit_breaker: %w", r.Name, err))
			}
		}
		if fb := r.Fallback; fb != nil {
			if fb.URI != "" {
				if u, err := url.Parse(fb.URI); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
					result = multierror.Append(result, fmt.Errorf("route %q: fallback uri must be an http(s) URL", r.Name))
				}
			}
			if fb.Status != 0 && (fb.Status < http.StatusBadRequest || fb.Status > 599) {
				result = multierror.Append(result, fmt.Errorf("route %q: fallback status must be 4xx or 5xx", r.Name))
			}
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}

	sorted := make([]Route, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})
	return &Table{routes: sorted}, nil
}

// Match はパスに最も長く一致するルートを返す。
func (t *Table) Match(path string) (Route, bool) {
	if t == nil {
		return Route{}, false
	}
	for _, r := range t.routes {
		if r.matches(path) {
			return r, true
		}
	}
	return Route{}, false
}

// Routes は登録されたルートの一覧を返す。
func (t *Table) Routes() []Route {
	if t == nil {
		return nil
	}
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}
