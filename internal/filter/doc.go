// Package filter はゲートウェイのフィルタチェーンを構成するステージを提供する。
//
// Chain.Stagesは以下の順序で固定された12個のステージを返す。
//
//	-500 translate-inbound   不透明トークンをJWTに置き換える
//	-400 correlation         相関IDを決定する
//	-300 validation          本文サイズ、Content-Type、必須ヘッダーを検証する
//	-200 rate-limit          識別子とルートごとに流量を制御する
//	-100 security            CORSとセキュリティヘッダー
//	   0 routing             ルートを解決し、ブレーカー越しの転送を設定する
//	 100 claims              JWTのクレームから識別ヘッダーを設定する
//	 200 log-context         リクエスト単位のロガーをコンテキストに格納する
//	 300 rewrite             応答本文をエンベロープに揃え、JWTを置き換える
//	 400 status-remap        エンベロープのstatusをHTTPステータスに反映する
//	 500 translate-outbound  トークン発行ルートの応答ヘッダーのJWTを置き換える
//	 600 revoke              ログアウト成功時に不透明トークンを失効する
//
// 0以下はリクエストフェーズ、300以上はレスポンスフェーズで実行する。
package filter
