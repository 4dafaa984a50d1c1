// Package middleware はゲートウェイで共通して使用するHTTPミドルウェアと補助関数を提供する。
//
// JWTの検証とクレームの取り出し、パニックリカバリ、CORSポリシーを含む。
// CORSPolicyとParseClaimsはフィルタチェーンからも直接利用する。
package middleware
