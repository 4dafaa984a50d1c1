package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// ResolveIdentity はバケットの識別子を決定する。
// 認証済みのプリンシパル、X-Forwarded-Forの先頭、X-Real-IP、接続元アドレスの順に採用し、
// いずれも得られない場合は "unknown" を返す。
func ResolveIdentity(r *http.Request, principal string) string {
	if p := strings.TrimSpace(principal); p != "" {
		return "user:" + p
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return "ip:" + ip
		}
	}

	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return "ip:" + ip
	}

	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil && host != "" {
		return "ip:" + host
	}
	if remote != "" {
		return "ip:" + remote
	}
	return "unknown"
}
