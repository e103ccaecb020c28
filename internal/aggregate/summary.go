package aggregate

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Unavailable は値を判定できなかったことを表すセンチネル文字列。
const Unavailable = "N/A"

// Count は件数、または判定不能を表す値。
// JSONでは数値か"N/A"として出力される。
type Count struct {
	value       int
	unavailable bool
}

// Known は判定済みの件数を返す。
func Known(n int) Count {
	return Count{value: n}
}

// UnavailableCount は判定不能を表すCountを返す。
func UnavailableCount() Count {
	return Count{unavailable: true}
}

// Value は件数と、判定済みかどうかを返す。
func (c Count) Value() (int, bool) {
	return c.value, !c.unavailable
}

// String は件数の文字列表現を返す。
func (c Count) String() string {
	if c.unavailable {
		return Unavailable
	}
	return strconv.Itoa(c.value)
}

// MarshalJSON は件数を数値、判定不能を"N/A"として出力する。
func (c Count) MarshalJSON() ([]byte, error) {
	if c.unavailable {
		return json.Marshal(Unavailable)
	}
	return json.Marshal(c.value)
}

// FormatRate はflagged/totalをパーセンテージ（小数点1桁）で整形する。
// totalが0の場合は"0%"を返す。
func FormatRate(flagged, total int) string {
	if total <= 0 {
		return "0%"
	}
	return fmt.Sprintf("%.1f%%", float64(flagged)*100/float64(total))
}

// Summary はダッシュボードに表示する集計結果。リクエストごとに生成し、キャッシュしない。
type Summary struct {
	// Counts はコレクション名ごとの件数。
	Counts map[string]Count
	// FraudRate は不正判定の比率。
	FraudRate string
	// Degraded は1つ以上のコレクション取得が失敗したかどうか。
	Degraded bool
	// Unavailable はすべてのコレクション取得が失敗したかどうか。
	Unavailable bool
	// Failed は取得に失敗したコレクション名（設定順）。
	Failed []string
}

// Count は指定コレクションの件数を返す。未設定のコレクションは0。
func (s *Summary) Count(name string) Count {
	if c, ok := s.Counts[name]; ok {
		return c
	}
	if s.Unavailable {
		return UnavailableCount()
	}
	return Known(0)
}

// View はテンプレートに渡すためのフラットなマップを返す。
// コレクション名がそのままキーになり、fraudRate、degraded、unavailable、failedが加わる。
func (s *Summary) View() map[string]any {
	v := make(map[string]any, len(s.Counts)+4)
	for name, c := range s.Counts {
		v[name] = c
	}
	v["fraudRate"] = s.FraudRate
	v["degraded"] = s.Degraded
	v["unavailable"] = s.Unavailable
	failed := s.Failed
	if failed == nil {
		failed = []string{}
	}
	v["failed"] = failed
	return v
}

// MarshalJSON はViewと同じ形で出力する。
func (s *Summary) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.View())
}
