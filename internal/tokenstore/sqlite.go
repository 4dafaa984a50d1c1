package tokenstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/nao1215/tollgate/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

// SQLiteStore はSQLiteによる永続Store実装。
// 単一ノード構成でゲートウェイ再起動後も不透明トークンを保持したい場合に使う。
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// SQLiteOption はSQLiteStoreの設定を変更する。
type SQLiteOption func(*SQLiteStore)

// WithSQLiteClock は有効期限の判定に使う時計を差し替える。
func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

// OpenSQLite はパスからデータベースを開く。
// ファイルの場合はWALモードとし、書き込みの競合はbusy_timeoutの間待つ。
// トランザクションは最初から書き込みロックを取る。
// ":memory:" の場合は接続ごとに別DBとなるため接続数を1に制限する。
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("SQLiteの接続に失敗: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// NewSQLiteStore はマイグレーションを適用してSQLiteStoreを生成する。
func NewSQLiteStore(ctx context.Context, db *sql.DB, logger zerolog.Logger, opts ...SQLiteOption) (*SQLiteStore, error) {
	if _, err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		return nil, fmt.Errorf("トークンストアのスキーマ適用に失敗: %w", err)
	}
	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Put は対応付けを保存する。同じ不透明IDが既にあれば上書きする。
func (s *SQLiteStore) Put(ctx context.Context, m Mapping) error {
	if err := validate(m); err != nil {
		return err
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	expires := s.now().Add(m.TTL)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO opaque_tokens (id, kind, jwt, session_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			jwt = excluded.jwt,
			session_id = excluded.session_id,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, m.OpaqueID, m.Kind, m.JWT, m.SessionID, created.UnixMilli(), expires.UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: 対応付けの保存に失敗: %v", ErrUnavailable, err)
	}
	return nil
}

// Get は有効期限内の対応付けを取得する。
func (s *SQLiteStore) Get(ctx context.Context, opaqueID string) (Mapping, error) {
	var (
		m         Mapping
		createdMs int64
		expiresMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, jwt, session_id, created_at, expires_at
		FROM opaque_tokens WHERE id = ?
	`, opaqueID).Scan(&m.OpaqueID, &m.Kind, &m.JWT, &m.SessionID, &createdMs, &expiresMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Mapping{}, ErrNotFound
	}
	if err != nil {
		return Mapping{}, fmt.Errorf("%w: 対応付けの取得に失敗: %v", ErrUnavailable, err)
	}

	now := s.now()
	expires := time.UnixMilli(expiresMs)
	if !now.Before(expires) {
		return Mapping{}, ErrNotFound
	}
	m.CreatedAt = time.UnixMilli(createdMs)
	m.TTL = expires.Sub(now)
	return m, nil
}

// RevokeSession は対応付けと同じセッションの対応付けを1つのトランザクションで削除する。
func (s *SQLiteStore) RevokeSession(ctx context.Context, opaqueID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: トランザクション開始に失敗: %v", ErrUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var sessionID string
	err = tx.QueryRowContext(ctx,
		`SELECT session_id FROM opaque_tokens WHERE id = ? AND expires_at > ?`,
		opaqueID, s.now().UnixMilli(),
	).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: 対応付けの取得に失敗: %v", ErrUnavailable, err)
	}

	var res sql.Result
	if sessionID == "" {
		res, err = tx.ExecContext(ctx, `DELETE FROM opaque_tokens WHERE id = ?`, opaqueID)
	} else {
		res, err = tx.ExecContext(ctx,
			`DELETE FROM opaque_tokens WHERE id = ? OR (session_id = ? AND expires_at > ?)`,
			opaqueID, sessionID, s.now().UnixMilli(),
		)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: 対応付けの削除に失敗: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: 削除件数の取得に失敗: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: コミットに失敗: %v", ErrUnavailable, err)
	}
	return int(n), nil
}

// PurgeExpired は有効期限切れの行を削除し、削除件数を返す。
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM opaque_tokens WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("期限切れトークンの削除に失敗: %w", err)
	}
	return res.RowsAffected()
}

// StartJanitor はctxが終了するまでinterval毎に期限切れの行を削除する。
func (s *SQLiteStore) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.PurgeExpired(ctx)
				if err != nil {
					s.logger.Warn().Err(err).Msg("期限切れトークンの削除に失敗しました")
					continue
				}
				if n > 0 {
					s.logger.Debug().Int64("purged", n).Msg("期限切れトークンを削除しました")
				}
			}
		}
	}()
}

// Close はデータベース接続を閉じる。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
