package filter

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/nao1215/tollgate/internal/breaker"
	"github.com/nao1215/tollgate/internal/pipeline"
	"github.com/nao1215/tollgate/internal/route"
	"github.com/nao1215/tollgate/pkg/httpclient"
	"github.com/nao1215/tollgate/pkg/logging"
)

// defaultFallbackMessage は組み込みの代替応答のメッセージ。
const defaultFallbackMessage = "Service temporarily unavailable"

// routing はルートを解決し、ブレーカー越しに下流へ転送する処理を設定する。
// 転送はリクエストフェーズのすべてのステージが終わった後に実行される。
// ルートが見つからない場合は何もせず、404応答になる。
func (c *Chain) routing(ex *pipeline.Exchange) {
	rt, ok := c.deps.Routes.Match(ex.Request.URL.Path)
	if !ok {
		return
	}
	ex.Route = rt
	ex.RouteMatched = true

	target, err := rt.TargetURL(ex.Request.URL)
	if err != nil {
		logging.FromContext(ex.Context(), c.logger).Error().Err(err).Str("route", rt.Name).Msg("転送先URLの組み立てに失敗")
		c.abort(ex, http.StatusBadGateway, "Invalid downstream configuration")
		return
	}
	setForwardedHeaders(ex.Request)

	ex.SetDispatcher(func(ctx context.Context, ex *pipeline.Exchange) *pipeline.Response {
		return c.dispatch(ctx, ex, target)
	})
}

// dispatch はブレーカーが許可した場合に下流へ転送し、失敗時は代替応答を返す。
func (c *Chain) dispatch(ctx context.Context, ex *pipeline.Exchange, target string) *pipeline.Response {
	rt := ex.Route
	log := logging.FromContext(ctx, c.logger)

	var body []byte
	if ex.Request.Body != nil {
		b, err := io.ReadAll(ex.Request.Body)
		if err != nil {
			return pipeline.ErrorResponse(http.StatusBadRequest, "Failed to read request body", ex.Request.URL.Path, c.now())
		}
		body = b
	}

	var downstream *httpclient.Response
	err := c.deps.Breakers.Execute(ctx, rt.Name, func(callCtx context.Context) (int, error) {
		resp, err := c.deps.Client.Forward(callCtx, httpclient.Request{
			Method: ex.Request.Method,
			URL:    target,
			Header: ex.Request.Header,
			Body:   body,
		})
		if err != nil {
			return 0, err
		}
		downstream = resp
		return resp.Status, nil
	})

	var statusErr *breaker.StatusError
	switch {
	case err == nil:
		return fromClient(downstream)
	case errors.As(err, &statusErr) && downstream != nil:
		if rt.Fallback == nil {
			log.Warn().Str("route", rt.Name).Int("status", statusErr.Code).Msg("下流がエラーを返しました")
			return fromClient(downstream)
		}
	case errors.Is(err, breaker.ErrOpen):
		log.Warn().Str("route", rt.Name).Msg("サーキットブレーカーがOPENのため下流を呼び出しません")
	default:
		log.Warn().Err(err).Str("route", rt.Name).Msg("下流の呼び出しに失敗")
	}

	ex.FromFallback = true
	return c.fallback(ctx, ex, err)
}

// fallback はルートの代替応答を返す。代替応答が無い場合は失敗の種類に応じたエラー応答を返す。
func (c *Chain) fallback(ctx context.Context, ex *pipeline.Exchange, cause error) *pipeline.Response {
	path := ex.Request.URL.Path
	fb := ex.Route.Fallback
	if fb == nil {
		switch {
		case errors.Is(cause, breaker.ErrOpen):
			return pipeline.ErrorResponse(http.StatusServiceUnavailable, defaultFallbackMessage, path, c.now())
		case errors.Is(cause, breaker.ErrTimeout):
			return pipeline.ErrorResponse(http.StatusGatewayTimeout, "Downstream service timed out", path, c.now())
		case errors.Is(cause, httpclient.ErrBodyTooLarge):
			return pipeline.ErrorResponse(http.StatusBadGateway, "Downstream response too large", path, c.now())
		default:
			return pipeline.ErrorResponse(http.StatusBadGateway, "Downstream service unavailable", path, c.now())
		}
	}

	if isHTTPURI(fb.URI) {
		resp, err := c.deps.Client.Forward(ctx, httpclient.Request{
			Method: http.MethodGet,
			URL:    fb.URI,
			Header: http.Header{headerRequestID: []string{ex.RequestID}},
		})
		if err == nil && resp.Status < http.StatusInternalServerError {
			return fromClient(resp)
		}
		logging.FromContext(ctx, c.logger).Warn().Err(err).Str("route", ex.Route.Name).Msg("代替応答の取得に失敗。組み込みの応答を返します")
	}
	return builtinFallback(fb, path, c)
}

// builtinFallback は設定されたステータスとメッセージのエラーエンベロープを返す。
func builtinFallback(fb *route.Fallback, path string, c *Chain) *pipeline.Response {
	status := fb.Status
	if status == 0 {
		status = http.StatusServiceUnavailable
	}
	message := fb.Message
	if message == "" {
		message = defaultFallbackMessage
	}
	return pipeline.ErrorResponse(status, message, path, c.now())
}

func isHTTPURI(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

func fromClient(resp *httpclient.Response) *pipeline.Response {
	return &pipeline.Response{Status: resp.Status, Header: resp.Header, Body: resp.Body}
}

// setForwardedHeaders はX-Forwarded-*ヘッダーを設定する。
func setForwardedHeaders(r *http.Request) {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			r.Header.Set("X-Forwarded-For", prior+", "+host)
		} else {
			r.Header.Set("X-Forwarded-For", host)
		}
	}
	if r.Header.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if r.TLS != nil {
			proto = "https"
		}
		r.Header.Set("X-Forwarded-Proto", proto)
	}
	if r.Header.Get("X-Forwarded-Host") == "" && r.Host != "" {
		r.Header.Set("X-Forwarded-Host", r.Host)
	}
}
