// Package tokenstore は不透明トークンとJWTの対応付け（OpaqueMapping）を保存するストアを提供する。
//
// キーごとのTTL、セッション単位の逆引きインデックス、アトミックな一括失効を備える。
// 複数のゲートウェイインスタンスで共有する本番構成ではRedisを、単一ノード構成では
// SQLiteを、テストや開発ではインメモリ実装を使用する。
package tokenstore
