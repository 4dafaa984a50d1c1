package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nao1215/tollgate/internal/breaker"
	"github.com/nao1215/tollgate/internal/filter"
	"github.com/nao1215/tollgate/internal/pipeline"
	"github.com/nao1215/tollgate/internal/ratelimit"
	"github.com/nao1215/tollgate/internal/rewrite"
	"github.com/nao1215/tollgate/internal/route"
	"github.com/nao1215/tollgate/internal/token"
	"github.com/nao1215/tollgate/internal/tokenstore"
	"github.com/nao1215/tollgate/pkg/event"
	"github.com/nao1215/tollgate/pkg/httpclient"
	"github.com/nao1215/tollgate/pkg/metrics"
	"github.com/nao1215/tollgate/pkg/middleware"
)

// devTokenTTL は開発用トークンの有効期間。
const devTokenTTL = time.Hour

// Server はゲートウェイのHTTPサーバー。
type Server struct {
	// cfg は検証済みの設定。
	cfg Config
	// logger はサーバー全体のロガー。
	logger zerolog.Logger
	// router はGinのHTTPルーター。
	router *gin.Engine
	// coord はフィルタチェーンを実行するコーディネーター。
	coord *pipeline.Coordinator
	// metrics はPrometheusのメトリクス。
	metrics *metrics.Metrics
	// translator は不透明トークンの発行と解決を行う。
	translator *token.Translator
	// breakers はルートごとのサーキットブレーカー。
	breakers *breaker.Registry
	// routes はルート表。
	routes *route.Table
	// events はライフサイクルイベントの配信。
	events *event.Dispatcher
	// store は不透明トークンの保存先。
	store tokenstore.Store
	// rdb はRedisバックエンドを使う場合の接続。
	rdb redis.UniversalClient
	// stopJanitors は期限切れデータを掃除するゴルーチンを止める。
	stopJanitors context.CancelFunc
}

// NewServer は設定から各コンポーネントを生成してサーバーを組み立てる。
func NewServer(ctx context.Context, cfg Config, logger zerolog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}
	janitorCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	s := &Server{
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics.New(),
		stopJanitors: stop,
	}

	if cfg.usesRedis() {
		s.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	store, err := s.openTokenStore(ctx, janitorCtx)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.store = store

	sinks := []event.Sink{event.NewLogSink(logger)}
	if cfg.Events.WebhookURL != "" {
		sinks = append(sinks, event.NewWebhookSink(httpclient.New(cfg.Events.WebhookURL), cfg.Events.WebhookPath))
	}
	s.events = event.NewDispatcher(cfg.Events.Buffer, sinks,
		event.WithLogger(logger),
		event.WithMetrics(s.metrics),
	)

	s.translator = token.New(store, cfg.Token, token.WithLogger(logger), token.WithMetrics(s.metrics))

	s.breakers = breaker.NewRegistry(cfg.Breaker, breaker.WithTransitionHook(s.onBreakerTransition))
	for _, rt := range cfg.Routes {
		if err := s.breakers.Configure(rt.Name, rt.Breaker.Inherit(cfg.Breaker)); err != nil {
			_ = s.Close()
			return nil, err
		}
		s.metrics.BreakerState(rt.Name, int(breaker.Closed))
	}
	s.routes, err = route.NewTable(cfg.Routes)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	chain, err := filter.New(filter.Deps{
		Translator: s.translator,
		Limiter:    s.newLimiter(janitorCtx),
		Breakers:   s.breakers,
		Routes:     s.routes,
		Client:     httpclient.New("", httpclient.WithMaxBodyBytes(cfg.Validation.MaxBodyBytes)),
		Rewriter:   rewrite.New(s.translator, rewrite.WithVocabulary(cfg.Vocabulary), rewrite.WithLogger(logger)),
	}, filter.Config{
		JWTSecret:  cfg.JWTSecret,
		Validation: cfg.Validation,
		Security:   cfg.Security,
	}, filter.WithLogger(logger), filter.WithEvents(s.events))
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("フィルタチェーンの生成に失敗: %w", err)
	}

	s.coord, err = pipeline.New(chain.Stages(),
		pipeline.WithLogger(logger),
		pipeline.WithObserver(filter.AccessLog(logger, s.metrics, nil)),
	)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("パイプラインの生成に失敗: %w", err)
	}

	s.router = gin.New()
	s.router.Use(middleware.Recovery(logger))
	s.setupRoutes()

	logger.Info().
		Int("routes", len(cfg.Routes)).
		Str("token_store", cfg.TokenStore.Backend).
		Str("rate_limit", cfg.RateLimit.Backend).
		Bool("dev_mode", cfg.DevMode).
		Msg("ゲートウェイを初期化しました")
	return s, nil
}

// openTokenStore は設定に応じた不透明トークンの保存先を開く。
func (s *Server) openTokenStore(ctx, janitorCtx context.Context) (tokenstore.Store, error) {
	cfg := s.cfg.TokenStore
	switch cfg.Backend {
	case BackendRedis:
		return tokenstore.NewRedisStore(s.rdb, tokenstore.WithKeyPrefix(s.cfg.Redis.KeyPrefix)), nil
	case BackendSQLite:
		db, err := tokenstore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		store, err := tokenstore.NewSQLiteStore(ctx, db, s.logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		store.StartJanitor(janitorCtx, cfg.JanitorInterval)
		return store, nil
	default:
		store, err := tokenstore.NewMemoryStore(cfg.MaxEntries)
		if err != nil {
			return nil, fmt.Errorf("トークンストアの生成に失敗: %w", err)
		}
		store.StartJanitor(janitorCtx, cfg.JanitorInterval)
		return store, nil
	}
}

// newLimiter は設定に応じたバケットの保存先で流量制御を生成する。
func (s *Server) newLimiter(janitorCtx context.Context) *ratelimit.Limiter {
	opts := []ratelimit.Option{
		ratelimit.WithLogger(s.logger),
		ratelimit.WithMetrics(s.metrics),
	}
	var buckets ratelimit.BucketStore
	if s.cfg.RateLimit.Backend == BackendRedis {
		prefix := s.cfg.Redis.KeyPrefix
		buckets = ratelimit.NewRedisStore(s.rdb, ratelimit.WithPrefix(prefix+"ratelimit:"))
		opts = append(opts, ratelimit.WithStats(ratelimit.NewRedisStats(s.rdb, ratelimit.WithStatsPrefix(prefix+"ratelimit:stats:"))))
	} else {
		mem := ratelimit.NewMemoryStore()
		mem.StartJanitor(janitorCtx, s.cfg.TokenStore.JanitorInterval)
		buckets = mem
	}
	return ratelimit.New(buckets, s.cfg.RateLimit.Config, opts...)
}

// onBreakerTransition はブレーカーの状態遷移をメトリクスとイベントに反映する。
func (s *Server) onBreakerTransition(tr breaker.Transition) {
	s.metrics.BreakerState(tr.Name, int(tr.To))
	s.logger.Warn().
		Str("route", tr.Name).
		Str("from", tr.From.String()).
		Str("to", tr.To.String()).
		Msg("サーキットブレーカーの状態が変わりました")
	s.events.Emit(event.TypeCircuitStateChanged, tr.Name, event.CircuitStateChangedData{
		Route: tr.Name,
		From:  tr.From.String(),
		To:    tr.To.String(),
	})
}

// setupRoutes はゲートウェイ自身のエンドポイントを登録し、それ以外をコーディネーターに渡す。
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	// 管理用エンドポイント（adminロール必須）
	admin := s.router.Group("/admin")
	admin.Use(middleware.CORS(s.cfg.Security.CORS))
	admin.Use(s.translateAuthorization())
	admin.Use(middleware.JWTAuth(s.cfg.JWTSecret, "admin"))
	{
		admin.GET("/breakers", s.handleBreakers())
		admin.GET("/routes", s.handleRoutes())
	}

	if s.cfg.DevMode {
		// 開発用トークン発行
		s.router.POST("/auth/dev-token", s.handleDevToken())
	}

	s.router.NoRoute(s.coord.Handler())
}

// translateAuthorization はゲートウェイ自身のエンドポイントで、不透明トークンをJWTに置き換える。
func (s *Server) translateAuthorization() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}
		if in := s.translator.TranslateInbound(c.Request.Context(), header); in.Translated {
			c.Request.Header.Set("Authorization", in.Header)
		}
		c.Next()
	}
}

// handleHealth はヘルスチェックのハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{"status": "ok", "service": "tollgate"}
		if s.rdb != nil {
			if err := s.rdb.Ping(c.Request.Context()).Err(); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body["redis"] = err.Error()
			}
		}
		c.JSON(status, body)
	}
}

// handleBreakers はルートごとのブレーカーの状態を返すハンドラを返す。
func (s *Server) handleBreakers() gin.HandlerFunc {
	return func(c *gin.Context) {
		items := make([]gin.H, 0, len(s.routes.Routes()))
		for _, rt := range s.routes.Routes() {
			b := s.breakers.Get(rt.Name)
			item := gin.H{"route": rt.Name, "state": b.State().String()}
			if at := b.LastTransitionAt(); !at.IsZero() {
				item["last_transition_at"] = at.UTC().Format(time.RFC3339)
			}
			items = append(items, item)
		}
		c.JSON(http.StatusOK, gin.H{"breakers": items, "requested_by": middleware.GetUsername(c)})
	}
}

// handleRoutes はルート表を返すハンドラを返す。
func (s *Server) handleRoutes() gin.HandlerFunc {
	return func(c *gin.Context) {
		items := make([]gin.H, 0, len(s.routes.Routes()))
		for _, rt := range s.routes.Routes() {
			items = append(items, gin.H{
				"name":          rt.Name,
				"path_prefix":   rt.PathPrefix,
				"upstream":      rt.Upstream,
				"issues_tokens": rt.IssuesTokens,
				"logout":        rt.Logout,
				"fallback":      rt.Fallback != nil,
			})
		}
		c.JSON(http.StatusOK, gin.H{"routes": items})
	}
}

// devTokenRequest は開発用トークン発行のリクエスト。
type devTokenRequest struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// handleDevToken は開発用の不透明トークンを発行するハンドラを返す。
// 署名済みJWTはクライアントに返さず、対応する不透明トークンだけを返す。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req devTokenRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				writeError(c, http.StatusBadRequest, "Invalid request body")
				return
			}
		}
		if req.Username == "" {
			req.Username = "dev-user"
		}
		if len(req.Roles) == 0 {
			req.Roles = []string{"user"}
		}

		jwt, err := middleware.GenerateJWT(s.cfg.JWTSecret, req.Username, req.Roles, devTokenTTL)
		if err != nil {
			s.logger.Error().Err(err).Msg("開発用JWTの生成に失敗")
			writeError(c, http.StatusInternalServerError, "Failed to generate token")
			return
		}
		opaque, err := s.translator.Mint(c.Request.Context(), jwt, token.KindAccess)
		if err != nil {
			s.logger.Error().Err(err).Msg("開発用トークンの発行に失敗")
			writeError(c, http.StatusServiceUnavailable, "Token service temporarily unavailable")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"token":      opaque,
			"token_type": "Bearer",
			"expires_in": int(devTokenTTL.Seconds()),
			"username":   req.Username,
		})
	}
}

// writeError はコーディネーターと同じ形のエラーエンベロープを書き込む。
func writeError(c *gin.Context, status int, message string) {
	resp := pipeline.ErrorResponse(status, message, c.Request.URL.Path, time.Now())
	c.Data(resp.Status, resp.Header.Get("Content-Type"), resp.Body)
}

// Handler はサーバーのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Metrics はサーバーのメトリクスを返す。
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Run はHTTPサーバーを起動し、ctxが終了したら処理中のリクエストを待って停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		IdleTimeout:       s.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("ゲートウェイを起動します")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ゲートウェイの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info().Msg("ゲートウェイを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ゲートウェイの停止に失敗: %w", err)
	}
	return nil
}

// Close はサーバーが保持する資源を解放する。配信待ちのイベントは送信してから閉じる。
func (s *Server) Close() error {
	s.stopJanitors()
	s.events.Close()

	var result *multierror.Error
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("トークンストアのクローズに失敗: %w", err))
		}
	}
	// RedisStoreはクローズ時に接続も閉じる
	if s.rdb != nil && s.cfg.TokenStore.Backend != BackendRedis {
		if err := s.rdb.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("Redis接続のクローズに失敗: %w", err))
		}
	}
	return result.ErrorOrNil()
}
