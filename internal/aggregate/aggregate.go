package aggregate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/frontgate/pkg/logger"
)

const (
	// DefaultTimeout は1回の集計全体に許す時間。
	DefaultTimeout = 5 * time.Second
	// DefaultFraudFlagField は不正判定フラグのフィールド名。
	DefaultFraudFlagField = "isFraud"
)

var (
	collectionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontgate_aggregate_collection_failures_total",
			Help: "Number of failed upstream collection fetches during dashboard aggregation",
		},
		[]string{"collection"},
	)
	aggregationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontgate_aggregations_total",
			Help: "Number of dashboard aggregations by outcome",
		},
		[]string{"outcome"},
	)
)

// ErrNoCollections はコレクションが1つも設定されていないことを表す。
var ErrNoCollections = errors.New("集計対象のコレクションが設定されていません")

//go:generate mockgen -source=aggregate.go -destination=../mocks/fetcher.go -package=mocks

// Fetcher は上流コレクションを取得する。
// 2xx以外のステータスや通信エラーはerrorとして返す。
type Fetcher interface {
	FetchCollection(ctx context.Context, credential, path string) ([]byte, error)
}

// Collection は集計対象の上流コレクション。
type Collection struct {
	// Name はSummary上のキー（例: "users"）。
	Name string `yaml:"name" json:"name"`
	// Path は上流のパス（例: "/users"）。
	Path string `yaml:"path" json:"path"`
}

// Options はAggregatorの設定。
type Options struct {
	// Collections は集計対象。順序はFailedの並びに反映される。
	Collections []Collection
	// FraudCollection は不正比率を計算するコレクション名。空なら比率は"0%"固定。
	FraudCollection string
	// FraudFlagField は不正判定フラグのフィールド名。空ならDefaultFraudFlagField。
	FraudFlagField string
	// Timeout は集計全体の制限時間。0以下ならDefaultTimeout。
	Timeout time.Duration
}

// Outcome は1コレクション分の取得結果。
type Outcome struct {
	// Collection は対象コレクション。
	Collection Collection
	// Reply は正規化した応答。Errがnilの場合のみ有効。
	Reply CollectionReply
	// Err は取得失敗の理由。
	Err error
}

// Failed は取得に失敗したかどうかを返す。
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Aggregator はダッシュボード用の並行集計を行う。
type Aggregator struct {
	fetcher Fetcher
	opts    Options
	logger  logger.Interface
}

// New は新しいAggregatorを生成する。
func New(fetcher Fetcher, opts Options, l logger.Interface) (*Aggregator, error) {
	if len(opts.Collections) == 0 {
		return nil, ErrNoCollections
	}
	seen := make(map[string]struct{}, len(opts.Collections))
	for _, col := range opts.Collections {
		if col.Name == "" || col.Path == "" {
			return nil, fmt.Errorf("コレクション定義が不正です: name=%q path=%q", col.Name, col.Path)
		}
		if _, dup := seen[col.Name]; dup {
			return nil, fmt.Errorf("コレクション名が重複しています: %s", col.Name)
		}
		seen[col.Name] = struct{}{}
	}
	if opts.FraudCollection != "" {
		if _, ok := seen[opts.FraudCollection]; !ok {
			return nil, fmt.Errorf("不正比率の対象コレクションが見つかりません: %s", opts.FraudCollection)
		}
	}
	if opts.FraudFlagField == "" {
		opts.FraudFlagField = DefaultFraudFlagField
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Aggregator{fetcher: fetcher, opts: opts, logger: l}, nil
}

// Collections は集計対象のコレクションを返す。
func (a *Aggregator) Collections() []Collection {
	return append([]Collection(nil), a.opts.Collections...)
}

// Fetch はすべてのコレクションを並行に取得し、設定順のOutcomeを返す。
// 各ゴルーチンは自分の失敗をOutcomeに変換するため、1つの失敗が他の取得を中断することはない。
func (a *Aggregator) Fetch(ctx context.Context, credential string) []Outcome {
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	outcomes := make([]Outcome, len(a.opts.Collections))
	var g errgroup.Group
	for i, col := range a.opts.Collections {
		g.Go(func() error {
			outcomes[i] = a.fetchOne(ctx, credential, col)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (a *Aggregator) fetchOne(ctx context.Context, credential string, col Collection) (out Outcome) {
	out.Collection = col
	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("コレクション取得中にパニック: %v", r)
		}
	}()

	body, err := a.fetcher.FetchCollection(ctx, credential, col.Path)
	if err != nil {
		out.Err = err
		return out
	}
	if len(bytes.TrimSpace(body)) > 0 && !json.Valid(body) {
		out.Err = fmt.Errorf("コレクション応答のJSONが不正です: %s", col.Name)
		return out
	}
	out.Reply = Normalize(body)
	return out
}

// Summarize はコレクションを取得し、件数と不正比率をまとめる。
func (a *Aggregator) Summarize(ctx context.Context, credential string) *Summary {
	return a.Combine(a.Fetch(ctx, credential))
}

// Combine はOutcomeの一覧からSummaryを組み立てる。
func (a *Aggregator) Combine(outcomes []Outcome) *Summary {
	summary := &Summary{Counts: make(map[string]Count, len(outcomes))}

	failed := 0
	for _, o := range outcomes {
		if o.Failed() {
			failed++
			summary.Failed = append(summary.Failed, o.Collection.Name)
			collectionFailures.WithLabelValues(o.Collection.Name).Inc()
			if a.logger != nil {
				a.logger.Warn("コレクションの取得に失敗しました: collection=%s err=%v", o.Collection.Name, o.Err)
			}
		}
	}

	if len(outcomes) > 0 && failed == len(outcomes) {
		for _, o := range outcomes {
			summary.Counts[o.Collection.Name] = UnavailableCount()
		}
		summary.FraudRate = Unavailable
		summary.Degraded = true
		summary.Unavailable = true
		aggregationsTotal.WithLabelValues("unavailable").Inc()
		return summary
	}

	summary.FraudRate = FormatRate(0, 0)
	for _, o := range outcomes {
		if o.Failed() {
			summary.Counts[o.Collection.Name] = Known(0)
			continue
		}
		summary.Counts[o.Collection.Name] = Known(o.Reply.Count())
		if o.Collection.Name == a.opts.FraudCollection {
			summary.FraudRate = FormatRate(countFlagged(o.Reply.Items, a.opts.FraudFlagField), o.Reply.Count())
		}
	}

	summary.Degraded = failed > 0
	if summary.Degraded {
		aggregationsTotal.WithLabelValues("degraded").Inc()
	} else {
		aggregationsTotal.WithLabelValues("ok").Inc()
	}
	return summary
}

// countFlagged はフラグが真の要素数を数える。
func countFlagged(items []json.RawMessage, field string) int {
	n := 0
	for _, item := range items {
		var obj map[string]any
		if err := json.Unmarshal(item, &obj); err != nil {
			continue
		}
		if truthy(obj[field]) {
			n++
		}
	}
	return n
}

// truthy はフラグ値を真偽値として解釈する。
// true、0以外の数値、"true"または"1"を真とみなす。
func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		s := strings.TrimSpace(strings.ToLower(x))
		return s == "true" || s == "1"
	default:
		return false
	}
}
