package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken はJWTの検証に失敗したことを表す。
var ErrInvalidToken = errors.New("invalid token")

// issuer は開発用トークンに設定する発行者。
const issuer = "tollgate"

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
// ユーザー名とロールを下流サービスへ伝播するために使用する。
type JWTClaims struct {
	jwt.RegisteredClaims
	// Username は認証済みユーザーの名前。
	Username string `json:"username,omitempty"`
	// Roles はユーザーのロール。
	Roles []string `json:"roles,omitempty"`
}

// Name はユーザー名を返す。usernameクレームが無い場合はsubを使う。
func (c *JWTClaims) Name() string {
	if c.Username != "" {
		return c.Username
	}
	return c.Subject
}

// GenerateJWT はユーザー情報からHS256で署名したJWTを生成する。
// 開発用のトークン発行とテストで使用する。
func GenerateJWT(secret, username string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
		Username: username,
		Roles:    roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseClaims はHS256で署名されたJWTを検証し、クレームを返す。
// 署名・有効期限のいずれかが不正な場合はErrInvalidTokenを返す。
func ParseClaims(secret, tokenString string) (*JWTClaims, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: secret is not configured", ErrInvalidToken)
	}
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// コンテキストキー
const (
	contextKeyUsername = "username"
	contextKeyRoles    = "roles"
)

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// requiredRoleが空でない場合、そのロールを持たないトークンは403で拒否する。
// 検証に成功した場合、コンテキストに "username" と "roles" を設定する。
func JWTAuth(secret, requiredRole string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found || tokenString == "" {
			abortJSON(c, http.StatusUnauthorized, "Bearer token is required")
			return
		}

		claims, err := ParseClaims(secret, tokenString)
		if err != nil {
			abortJSON(c, http.StatusUnauthorized, "Token is invalid")
			return
		}
		if requiredRole != "" && !slices.Contains(claims.Roles, requiredRole) {
			abortJSON(c, http.StatusForbidden, "Insufficient role")
			return
		}

		c.Set(contextKeyUsername, claims.Name())
		c.Set(contextKeyRoles, claims.Roles)
		c.Next()
	}
}

// GetUsername はGinコンテキストからユーザー名を取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUsername(c *gin.Context) string {
	return c.GetString(contextKeyUsername)
}
