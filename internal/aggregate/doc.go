// Package aggregate はダッシュボード用の集計処理を提供する。
//
// 複数の上流コレクションへのGETを並行に発行し、各コレクションの件数と
// 不正判定の比率を1つのSummaryにまとめる。個々の呼び出しの失敗は
// そのコレクションの件数を0として扱い、他のコレクションの結果には影響しない。
// すべての呼び出しが失敗した場合のみ、全項目を"N/A"として返す。
package aggregate
