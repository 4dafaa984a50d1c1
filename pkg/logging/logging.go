package logging

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config はロガーの設定。
type Config struct {
	// Level はログレベル（trace, debug, info, warn, error）。
	Level string `yaml:"level"`
	// Format は出力形式。"json" または "console"。
	Format string `yaml:"format"`
	// File はファイル出力の設定。nilの場合は標準出力のみ。
	File *FileConfig `yaml:"file"`
}

// FileConfig はlumberjackによるファイルローテーションの設定。
type FileConfig struct {
	// Path はログファイルのパス。
	Path string `yaml:"path"`
	// MaxSizeMB はローテーションするファイルサイズ（MB）。
	MaxSizeMB int `yaml:"max_size_mb"`
	// MaxBackups は保持する古いファイルの数。
	MaxBackups int `yaml:"max_backups"`
	// MaxAgeDays は古いファイルを保持する日数。
	MaxAgeDays int `yaml:"max_age_days"`
	// Compress はローテーション済みファイルをgzip圧縮するかどうか。
	Compress bool `yaml:"compress"`
}

// New は設定からzerologのロガーを生成する。
// 返されるio.Closerはファイル出力を閉じるために使用する（ファイル出力が無い場合も呼び出してよい）。
func New(cfg Config, stdout io.Writer) (zerolog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}

	var console io.Writer = stdout
	if strings.EqualFold(cfg.Format, "console") {
		console = zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339}
	}

	writers := []io.Writer{console}
	var closer io.Closer = nopCloser{}
	if cfg.File != nil && cfg.File.Path != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    orDefault(cfg.File.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.File.MaxBackups, 10),
			MaxAge:     orDefault(cfg.File.MaxAgeDays, 30),
			Compress:   cfg.File.Compress,
		}
		writers = append(writers, rotator)
		closer = rotator
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Str("service", "tollgate").
		Logger()
	return logger, closer, nil
}

// ParseLevel は文字列のログレベルをzerologのレベルに変換する。空文字列はinfoとして扱う。
func ParseLevel(s string) (zerolog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("ログレベルが不正です: %q: %w", s, err)
	}
	return level, nil
}

// FromContext はコンテキストに格納されたリクエスト単位のロガーを返す。
// 格納されていない場合はfallbackを返す。
func FromContext(ctx context.Context, fallback zerolog.Logger) *zerolog.Logger {
	if ctx != nil {
		if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
			return l
		}
	}
	return &fallback
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
