// Package pipeline は優先度順に並べたステージでリクエストを処理する。
//
// リクエストフェーズのステージを昇順に実行した後に下流へ転送し、
// レスポンスフェーズのステージを昇順に実行する。各ステージが登録した後処理は
// 登録と逆の順序で、途中で打ち切られた応答も含めてすべての応答に対して実行する。
package pipeline
