// Package httpclient はゲートウェイから下流サービスへのHTTP通信を行うクライアントを提供する。
//
// リクエストの転送（Forward）、代替応答の取得、Webhookへのイベント送信など、
// ゲートウェイが行う外向きの通信パターンを統一する。
// 接続はgo-cleanhttpのプール付きトランスポートで再利用する。
package httpclient
