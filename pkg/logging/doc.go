// Package logging はzerologベースの構造化ロガーを生成する。
//
// 出力形式（console/json）、ログレベル、lumberjackによるファイルローテーションを
// 設定から組み立てる。リクエスト単位のロガーはcontext.Contextに格納して伝播する。
package logging
