package tokenstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound は対応付けが存在しない、または期限切れであることを表す。
	ErrNotFound = errors.New("opaque token mapping not found")
	// ErrUnavailable はバックエンドのストアに到達できないことを表す。
	ErrUnavailable = errors.New("token store unavailable")
)

// Mapping は不透明トークンIDとJWTの対応付け。
type Mapping struct {
	// OpaqueID はクライアントに渡す推測不可能な識別子。ログには先頭数文字のみ出力する。
	OpaqueID string
	// Kind はトークンの種別（access / refresh）。
	Kind string
	// JWT は対応する署名済みJWT。
	JWT string
	// SessionID は同一レスポンスで発行されたトークンを束ねる識別子。空の場合は単独トークン。
	SessionID string
	// CreatedAt は発行日時。
	CreatedAt time.Time
	// TTL は対応付けの有効期間。
	TTL time.Duration
}

// Store は不透明トークンの保存先。
type Store interface {
	// Put は対応付けをTTL付きで保存し、SessionIDがあればセッションの逆引きに登録する。
	Put(ctx context.Context, m Mapping) error
	// Get は対応付けを取得する。存在しない場合はErrNotFoundを返す。
	Get(ctx context.Context, opaqueID string) (Mapping, error)
	// RevokeSession は対応付けと同一セッションの対応付けをすべて削除し、削除件数を返す。
	// 既に削除済みの場合は0を返し、エラーにはしない。
	RevokeSession(ctx context.Context, opaqueID string) (int, error)
	// Close はストアが保持する資源を解放する。
	Close() error
}

func validate(m Mapping) error {
	if m.OpaqueID == "" {
		return errors.New("opaque id is empty")
	}
	if m.JWT == "" {
		return errors.New("jwt is empty")
	}
	if m.TTL <= 0 {
		return errors.New("ttl must be positive")
	}
	return nil
}
