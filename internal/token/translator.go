package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-secure-stdlib/base62"
	"github.com/rs/zerolog"

	"github.com/nao1215/tollgate/internal/tokenstore"
	"github.com/nao1215/tollgate/pkg/logging"
	"github.com/nao1215/tollgate/pkg/metrics"
)

// Kind は不透明トークンの種別。
type Kind string

const (
	// KindAccess はアクセストークン。
	KindAccess Kind = "access"
	// KindRefresh はリフレッシュトークン。
	KindRefresh Kind = "refresh"
)

const (
	// opaqueIDLength は発行する不透明IDの文字数。
	opaqueIDLength = 32
	// minTTL は期限切れのJWTに与える最小TTL。
	minTTL = time.Second
	// DefaultMinJWTLength は受信ヘッダーをJWTとみなす最小長。
	DefaultMinJWTLength = 50
)

// ErrNotFound は不透明トークンが存在しない、または期限切れであることを表す。
var ErrNotFound = tokenstore.ErrNotFound

// Config はTranslatorの設定。
type Config struct {
	// AccessTTLCeiling はアクセストークンのTTLの上限。
	AccessTTLCeiling time.Duration `yaml:"access_ttl_ceiling"`
	// RefreshTTLCeiling はリフレッシュトークンのTTLの上限。
	RefreshTTLCeiling time.Duration `yaml:"refresh_ttl_ceiling"`
	// MinJWTLength は受信ヘッダーをJWTとみなす最小長。
	MinJWTLength int `yaml:"min_jwt_length"`
}

// DefaultConfig は既定のTranslator設定を返す。
func DefaultConfig() Config {
	return Config{
		AccessTTLCeiling:  24 * time.Hour,
		RefreshTTLCeiling: 7 * 24 * time.Hour,
		MinJWTLength:      DefaultMinJWTLength,
	}
}

// Translator は不透明トークンの発行・解決・失効を行う。
type Translator struct {
	store   tokenstore.Store
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() (string, error)
}

// Option はTranslatorの設定を変更する。
type Option func(*Translator)

// WithLogger はコンテキストにロガーが無い場合に使うロガーを設定する。
func WithLogger(l zerolog.Logger) Option {
	return func(t *Translator) { t.logger = l }
}

// WithMetrics は発行・失効件数を記録するメトリクスを設定する。
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Translator) { t.metrics = m }
}

// WithClock はTTL計算に使う時計を差し替える。
func WithClock(now func() time.Time) Option {
	return func(t *Translator) { t.now = now }
}

// New は新しいTranslatorを生成する。
func New(store tokenstore.Store, cfg Config, opts ...Option) *Translator {
	def := DefaultConfig()
	if cfg.AccessTTLCeiling <= 0 {
		cfg.AccessTTLCeiling = def.AccessTTLCeiling
	}
	if cfg.RefreshTTLCeiling <= 0 {
		cfg.RefreshTTLCeiling = def.RefreshTTLCeiling
	}
	if cfg.MinJWTLength <= 0 {
		cfg.MinJWTLength = def.MinJWTLength
	}
	t := &Translator{
		store:  store,
		cfg:    cfg,
		logger: zerolog.Nop(),
		now:    time.Now,
		newID: func() (string, error) {
			return base62.Random(opaqueIDLength)
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MinJWTLength は値をJWTとみなす最小長を返す。
func (t *Translator) MinJWTLength() int {
	return t.cfg.MinJWTLength
}

// Inbound は受信したAuthorizationヘッダーの変換結果。
type Inbound struct {
	// Header は下流へ転送するAuthorizationヘッダーの値。
	Header string
	// OpaqueID は解決に使った不透明トークン。解決しなかった場合は空。
	OpaqueID string
	// Translated は不透明トークンをJWTに置き換えたかどうか。
	Translated bool
}

// TranslateInbound はAuthorizationヘッダーの不透明トークンをJWTに置き換える。
// ヘッダーが無い、既にJWTである、または解決できない場合は元の値をそのまま返す。
func (t *Translator) TranslateInbound(ctx context.Context, header string) Inbound {
	in := Inbound{Header: header}
	credential, ok := BearerToken(header)
	if !ok || IsJWTShaped(credential, t.cfg.MinJWTLength) {
		return in
	}

	log := logging.FromContext(ctx, t.logger)
	m, err := t.store.Get(ctx, credential)
	switch {
	case errors.Is(err, tokenstore.ErrNotFound):
		log.Warn().Str("opaque_id", Redact(credential)).Msg("不透明トークンが見つかりません。ヘッダーをそのまま転送します")
		return in
	case err != nil:
		log.Warn().Err(err).Str("opaque_id", Redact(credential)).Msg("トークンストアの参照に失敗しました。ヘッダーをそのまま転送します")
		return in
	}

	return Inbound{
		Header:     "Bearer " + m.JWT,
		OpaqueID:   credential,
		Translated: true,
	}
}

// mintOptions はMintの追加パラメータ。
type mintOptions struct {
	sessionID string
}

// MintOption はMintの追加パラメータを設定する。
type MintOption func(*mintOptions)

// WithSession は発行するトークンをセッションに所属させる。
// 同じセッションのトークンはRevokeAllでまとめて失効する。
func WithSession(sessionID string) MintOption {
	return func(o *mintOptions) { o.sessionID = sessionID }
}

// Mint はJWTに対応する不透明トークンを発行する。
// 同じJWTに対して複数回呼び出した場合はそれぞれ独立した不透明トークンになる。
// ストアへの書き込みに失敗した場合はエラーを返す。
func (t *Translator) Mint(ctx context.Context, rawJWT string, kind Kind, opts ...MintOption) (string, error) {
	if rawJWT == "" {
		return "", errors.New("jwt is empty")
	}
	var o mintOptions
	for _, opt := range opts {
		opt(&o)
	}

	id, err := t.newID()
	if err != nil {
		return "", fmt.Errorf("不透明IDの生成に失敗: %w", err)
	}

	now := t.now()
	ttl := t.ttlFor(rawJWT, kind, now)
	err = t.store.Put(ctx, tokenstore.Mapping{
		OpaqueID:  id,
		Kind:      string(kind),
		JWT:       rawJWT,
		SessionID: o.sessionID,
		CreatedAt: now,
		TTL:       ttl,
	})
	if err != nil {
		return "", fmt.Errorf("不透明トークンの保存に失敗: %w", err)
	}

	t.metrics.TokenMinted(string(kind))
	logging.FromContext(ctx, t.logger).Debug().
		Str("opaque_id", Redact(id)).
		Str("kind", string(kind)).
		Dur("ttl", ttl).
		Msg("不透明トークンを発行しました")
	return id, nil
}

// Lookup は不透明トークンに対応するJWTを返す。
func (t *Translator) Lookup(ctx context.Context, opaqueID string) (string, error) {
	m, err := t.store.Get(ctx, opaqueID)
	if err != nil {
		return "", err
	}
	return m.JWT, nil
}

// RevokeAll は不透明トークンと同じセッションのトークンをすべて失効させ、失効件数を返す。
// 既に失効済みの場合は0を返す。
func (t *Translator) RevokeAll(ctx context.Context, opaqueID string) (int, error) {
	if opaqueID == "" {
		return 0, nil
	}
	n, err := t.store.RevokeSession(ctx, opaqueID)
	if err != nil {
		return 0, fmt.Errorf("不透明トークンの失効に失敗: %w", err)
	}
	t.metrics.TokensRevoked(n)
	logging.FromContext(ctx, t.logger).Info().
		Str("opaque_id", Redact(opaqueID)).
		Int("revoked", n).
		Msg("不透明トークンを失効しました")
	return n, nil
}

// ttlFor はJWTの残り有効期間を種別ごとの上限で切り詰めたTTLを返す。
func (t *Translator) ttlFor(rawJWT string, kind Kind, now time.Time) time.Duration {
	ceiling := t.cfg.AccessTTLCeiling
	if kind == KindRefresh {
		ceiling = t.cfg.RefreshTTLCeiling
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawJWT, &claims); err != nil || claims.ExpiresAt == nil {
		return ceiling
	}
	remaining := claims.ExpiresAt.Sub(now)
	if remaining < minTTL {
		return minTTL
	}
	if remaining > ceiling {
		return ceiling
	}
	return remaining
}

// NewSessionID は同一レスポンスで発行するトークンを束ねるセッションIDを生成する。
func NewSessionID() string {
	return uuid.NewString()
}

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	credential := strings.TrimSpace(header[len(prefix):])
	return credential, credential != ""
}

// IsJWTShaped は文字列がJWTの形（ドットがちょうど2つで、minLenより長い）かどうかを返す。
func IsJWTShaped(s string, minLen int) bool {
	return len(s) > minLen && strings.Count(s, ".") == 2
}

// Redact はログ出力用に不透明トークンの先頭だけを残す。
func Redact(id string) string {
	const visible = 6
	if len(id) <= visible {
		return id[:len(id)/2] + "…"
	}
	return id[:visible] + "…"
}
