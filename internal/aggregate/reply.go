package aggregate

import (
	"bytes"
	"encoding/json"
)

// ReplyKind は上流コレクションのレスポンス形状の種類。
type ReplyKind int

const (
	// ReplyUnknown は配列として解釈できない形状。
	ReplyUnknown ReplyKind = iota
	// ReplyArray は素の配列。
	ReplyArray
	// ReplyPaged は {data, page, totalPages} 形式のページング応答。
	ReplyPaged
)

// String は種類の名前を返す。
func (k ReplyKind) String() string {
	switch k {
	case ReplyArray:
		return "array"
	case ReplyPaged:
		return "paged"
	default:
		return "unknown"
	}
}

// CollectionReply は上流コレクション応答を正規化したもの。
// Kindごとに有効なフィールドが異なる。
type CollectionReply struct {
	// Kind は応答の形状。
	Kind ReplyKind
	// Items は要素の一覧。ReplyUnknownの場合はnil。
	Items []json.RawMessage
	// Page は現在のページ番号。ReplyPagedのみ。
	Page int
	// TotalPages は総ページ数。ReplyPagedのみ。
	TotalPages int
}

// Count は要素数を返す。ReplyUnknownは0。
func (r CollectionReply) Count() int {
	return len(r.Items)
}

// pagedReply はページング応答の受け皿。
type pagedReply struct {
	Data       []json.RawMessage `json:"data"`
	Page       json.RawMessage   `json:"page"`
	TotalPages json.RawMessage   `json:"totalPages"`
}

// intField は数値または数字文字列を整数として読む。読めなければ0。
func intField(raw json.RawMessage) int {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	if i, err := n.Int64(); err == nil {
		return int(i)
	}
	if f, err := n.Float64(); err == nil {
		return int(f)
	}
	return 0
}

// Normalize は上流の応答ボディをCollectionReplyに変換する。
// 配列でも {data: [...]} でもない場合はReplyUnknownを返し、エラーにはしない。
func Normalize(body []byte) CollectionReply {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return CollectionReply{Kind: ReplyUnknown}
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return CollectionReply{Kind: ReplyUnknown}
		}
		return CollectionReply{Kind: ReplyArray, Items: items}
	case '{':
		var paged pagedReply
		if err := json.Unmarshal(trimmed, &paged); err != nil || paged.Data == nil {
			return CollectionReply{Kind: ReplyUnknown}
		}
		return CollectionReply{
			Kind:       ReplyPaged,
			Items:      paged.Data,
			Page:       intField(paged.Page),
			TotalPages: intField(paged.TotalPages),
		}
	default:
		return CollectionReply{Kind: ReplyUnknown}
	}
}
