// Package signer implements the HMAC request-signing schemes used by the
// supported venues. All signatures are HMAC-SHA256; venues differ only in the
// message layout and the output encoding.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"time"
)

func mac(secret, message string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return h.Sum(nil)
}

// ExpiresHex signs verb + path + expires + body and hex-encodes the digest.
// Bitmex and Bybit use this layout for both REST and websocket login.
func ExpiresHex(secret, verb, path string, expires int64, body string) string {
	msg := verb + path + strconv.FormatInt(expires, 10) + body
	return hex.EncodeToString(mac(secret, msg))
}

// Expires returns a request expiry for ExpiresHex: the current time rounded
// to seconds, pushed forward by grace.
func Expires(now time.Time, grace time.Duration) int64 {
	return now.Round(time.Second).Add(grace).Unix()
}

// TimestampBase64 signs timestamp + verb + path + body and base64-encodes the
// digest. OKCoin and OKEx use this layout, with the API passphrase carried
// alongside the signature rather than inside it.
func TimestampBase64(secret, timestamp, verb, path, body string) string {
	msg := timestamp + verb + path + body
	return base64.StdEncoding.EncodeToString(mac(secret, msg))
}

// Query signs a canonical query string and hex-encodes the digest. Binance
// signed REST endpoints append the result as the signature parameter.
func Query(secret, query string) string {
	return hex.EncodeToString(mac(secret, query))
}
