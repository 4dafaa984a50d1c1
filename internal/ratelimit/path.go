package ratelimit

import (
	"strings"

	"github.com/google/uuid"
)

// idPlaceholder はパスに埋め込まれた識別子を置き換える文字列。
const idPlaceholder = "{id}"

// NormalizePath はパスに含まれる識別子を{id}に置き換え、エンドポイントのテンプレートにする。
// 例: /auth/login/123 → /auth/login/{id}
func NormalizePath(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if isIdentifier(seg) {
			segments[i] = idPlaceholder
		}
	}
	return strings.Join(segments, "/")
}

// isIdentifier はパスのセグメントが識別子とみなせるかを判定する。
func isIdentifier(seg string) bool {
	if seg == "" {
		return false
	}
	if isDigits(seg) {
		return true
	}
	if len(seg) == 24 && isHex(seg) {
		return true
	}
	if len(seg) == 36 || len(seg) == 32 {
		if _, err := uuid.Parse(seg); err == nil {
			return true
		}
	}
	return len(seg) >= 20 && isMixedAlnum(seg)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// isMixedAlnum は英字と数字の両方を含む英数字のみの文字列かどうかを返す。
func isMixedAlnum(s string) bool {
	var letter, digit bool
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digit = true
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			letter = true
		default:
			return false
		}
	}
	return letter && digit
}
