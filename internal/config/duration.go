package config

import (
	"fmt"
	"time"
)

// Duration は"10s"のような文字列で読み書きする時間間隔。
// YAMLと環境変数の両方で同じ表記を使えるようにする。
type Duration time.Duration

// Std はtime.Durationに変換する。
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String は"1h0m0s"形式の文字列を返す。
func (d Duration) String() string {
	return time.Duration(d).String()
}

// SetValue は環境変数の値を解釈する。
func (d *Duration) SetValue(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("時間間隔の解析に失敗: %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML は文字列として出力する。
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML は文字列を解釈する。
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.SetValue(s)
}
