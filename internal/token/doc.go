// Package token は不透明トークンとJWTの相互変換を担う。
//
// ブラウザには推測不可能な短い識別子（不透明トークン）だけを渡し、
// ゲートウェイが下流サービスへ転送する直前にJWTへ戻す。
// 発行（Mint）、解決（Lookup）、セッション単位の失効（RevokeAll）を提供する。
package token
