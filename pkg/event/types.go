package event

import (
	"time"

	"github.com/goccy/go-json"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeCircuitStateChanged はサーキットブレーカーの状態が遷移したことを表す。
	TypeCircuitStateChanged Type = "CircuitStateChanged"
	// TypeTokenSessionRevoked はログアウトにより不透明トークンのセッションが失効したことを表す。
	TypeTokenSessionRevoked Type = "TokenSessionRevoked"
	// TypeRateLimitExceeded はレートリミットによりリクエストが拒否されたことを表す。
	TypeRateLimitExceeded Type = "RateLimitExceeded"
)

// Event はゲートウェイのライフサイクルイベントを表す。
// 発行後に変更されることはない。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Subject はイベントの対象（ルート名、リクエストIDなど）。
	Subject string `json:"subject"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// CircuitStateChangedData はCircuitStateChangedイベントのデータ。
type CircuitStateChangedData struct {
	// Route はブレーカーのルート名。
	Route string `json:"route"`
	// From は遷移前の状態。
	From string `json:"from"`
	// To は遷移後の状態。
	To string `json:"to"`
}

// TokenSessionRevokedData はTokenSessionRevokedイベントのデータ。
type TokenSessionRevokedData struct {
	// RequestID はログアウトリクエストの相関ID。
	RequestID string `json:"request_id"`
	// Username はログアウトしたユーザー。不明な場合は空。
	Username string `json:"username,omitempty"`
	// Revoked は削除したマッピングの数。
	Revoked int `json:"revoked"`
}

// RateLimitExceededData はRateLimitExceededイベントのデータ。
type RateLimitExceededData struct {
	// Identity はバケットの主体（user:... または ip:...）。
	Identity string `json:"identity"`
	// Path はリクエストパス。
	Path string `json:"path"`
	// RetryAfterSeconds は再試行までの秒数。
	RetryAfterSeconds int `json:"retry_after_seconds"`
}
