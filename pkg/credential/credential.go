package credential

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// segmentCount はJWTコンパクト形式のセグメント数（header.payload.signature）。
const segmentCount = 3

// ErrInvalidCredential は署名または有効期限の検証に失敗したことを表す。
var ErrInvalidCredential = errors.New("認証情報が無効です")

// Claims はクレデンシャルのペイロードから取り出した表示用の情報。
// 署名を検証していないため、アクセス制御の判断に使ってはならない。
type Claims struct {
	// Subject は "sub" クレーム。
	Subject string `json:"sub,omitempty"`
	// UserID は上流サービスが発行する "id" または "user_id" クレーム。
	UserID string `json:"id,omitempty"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email,omitempty"`
	// Issuer は "iss" クレーム。
	Issuer string `json:"iss,omitempty"`
	// IssuedAt は発行日時。クレームが無い場合はゼロ値。
	IssuedAt time.Time `json:"iat,omitzero"`
	// ExpiresAt は有効期限。クレームが無い場合はゼロ値。
	ExpiresAt time.Time `json:"exp,omitzero"`
	// Raw はペイロード全体。上記以外のクレームを表示に使う場合に参照する。
	Raw map[string]any `json:"claims,omitempty"`
}

// Identity はログインしたユーザーを識別する値を返す。
// sub、id、emailの順に最初に見つかった値を使う。
func (c *Claims) Identity() string {
	switch {
	case c.Subject != "":
		return c.Subject
	case c.UserID != "":
		return c.UserID
	default:
		return c.Email
	}
}

// Expired は有効期限クレームがあり、かつ期限切れであればtrueを返す。
func (c *Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// segmentParser は中央セグメントのbase64urlデコードに使う。パディングの有無を問わない。
var segmentParser = jwt.NewParser(jwt.WithPaddingAllowed())

// Decode はクレデンシャルの中央セグメントをデコードしてClaimsを返す。
// 署名と有効期限は検証しない。構造が不正な場合はnilを返し、パニックしない。
func Decode(token string) *Claims {
	parts := strings.Split(token, ".")
	if len(parts) != segmentCount || parts[1] == "" {
		return nil
	}

	payload, err := segmentParser.DecodeSegment(parts[1])
	if err != nil {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil || raw == nil {
		return nil
	}

	return &Claims{
		Subject:   stringClaim(raw["sub"]),
		UserID:    firstNonEmpty(stringClaim(raw["id"]), stringClaim(raw["user_id"])),
		Email:     stringClaim(raw["email"]),
		Issuer:    stringClaim(raw["iss"]),
		IssuedAt:  timeClaim(raw["iat"]),
		ExpiresAt: timeClaim(raw["exp"]),
		Raw:       raw,
	}
}

// stringClaim は文字列または数値のクレームを文字列に変換する。
func stringClaim(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

// maxNumericDate は9999-12-31T23:59:59Zを表すUnix秒。
// これを超える時刻はJSONにシリアライズできない。
const maxNumericDate = 253402300799

// timeClaim はNumericDate（Unix秒）のクレームを時刻に変換する。
// 0から9999年末までの範囲外の値はゼロ値とする。
func timeClaim(v any) time.Time {
	n, ok := v.(json.Number)
	if !ok {
		return time.Time{}
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > maxNumericDate {
		return time.Time{}
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*float64(time.Second))).UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// issuedClaims はIssueが署名するクレーム。
type issuedClaims struct {
	jwt.RegisteredClaims
	// UserID はユーザーの一意識別子。
	UserID string `json:"id,omitempty"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email,omitempty"`
}

// Issue はHS256で署名したクレデンシャルを発行する。
// 開発用の上流スタブとテストで使用する。
func Issue(secret, subject, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := issuedClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "frontgate",
		},
		UserID: subject,
		Email:  email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("クレデンシャルの署名に失敗: %w", err)
	}
	return signed, nil
}

// Verify はHS256署名と有効期限を検証する。
// ガードで検証を有効にした場合にのみ使われる。
func Verify(secret, token string) error {
	parsed, err := jwt.Parse(token, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	if !parsed.Valid {
		return ErrInvalidCredential
	}
	return nil
}
