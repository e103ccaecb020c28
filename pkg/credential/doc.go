// Package credential は上流サービスが発行するベアラークレデンシャル（JWT）を扱う。
//
// Decodeは署名を検証せずにペイロードを取り出す表示専用のデコーダであり、
// どのような入力に対してもClaimsかnilを返す。署名検証が必要な場合はVerifyを使う。
package credential
