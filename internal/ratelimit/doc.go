// Package ratelimit は識別子とルートの組ごとのトークンバケットによる流量制御を提供する。
//
// バケットの状態は共有ストア（Redis）またはプロセス内（x/time/rate）に置く。
// 補充はリクエスト時に経過時間から計算し、バックグラウンドのタイマーは使わない。
package ratelimit
