// Package rewrite は下流サービスの応答本文を書き換える。
//
// JSON本文を共通のエンベロープ {status, message, data, source, timestamp} に揃え、
// 本文のどこかに含まれるJWTを不透明トークンに置き換える。
// バイナリや解析できない本文はバイト列を変更せずにそのまま返す。
package rewrite
