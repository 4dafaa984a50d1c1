// Package breaker はルート単位のサーキットブレーカーを提供する。
//
// 直近N件の呼び出し結果を保持するカウントベースのスライディングウィンドウで
// 失敗率と低速率を計算し、CLOSED / OPEN / HALF_OPEN の状態を遷移する。
package breaker
