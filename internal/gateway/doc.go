// Package gateway はゲートウェイのHTTPサーバーを組み立てる。
//
// 設定ファイルと環境変数から各コンポーネント（トークンストア、流量制御、
// サーキットブレーカー、フィルタチェーン）を生成し、Ginのルーターに接続する。
// ゲートウェイ自身のエンドポイント（/health、/metrics、/admin）以外のリクエストは
// すべてフィルタチェーンのコーディネーターが処理する。
package gateway
