package signer

import (
	"testing"
	"time"
)

func TestExpiresHex(t *testing.T) {
	got := ExpiresHex("secret-key", "GET", "/realtime", 1700000000, "")
	want := "dcdf4b42aa56da967d5a093015dd8014c18e00552098aca4ac877d126a563e43"
	if got != want {
		t.Fatalf("ExpiresHex = %s, want %s", got, want)
	}
}

func TestTimestampBase64(t *testing.T) {
	got := TimestampBase64("secret-key", "1700000000.123", "GET", "/users/self/verify", "")
	want := "QFGu3UZb9dSqFXPR5oB6E7cvocJKGNKebvcuP9oaypA="
	if got != want {
		t.Fatalf("TimestampBase64 = %s, want %s", got, want)
	}
}

func TestQuery(t *testing.T) {
	got := Query("secret-key", "symbol=BTCUSDT&recvWindow=10000000&timestamp=1700000000000")
	want := "1439e74e59f2b1f586398fdabd38eda84f69e1abf4461acaa76fdc88a46944b9"
	if got != want {
		t.Fatalf("Query = %s, want %s", got, want)
	}
}

func TestExpiresRoundsAndPushesForward(t *testing.T) {
	now := time.Date(2023, 11, 14, 22, 13, 20, 400_000_000, time.UTC)
	got := Expires(now, 5*time.Second)
	if got != now.Round(time.Second).Unix()+5 {
		t.Fatalf("Expires = %d", got)
	}
	// Sub-second noise must not leak into the signed value.
	if got != Expires(now.Add(50*time.Millisecond), 5*time.Second) {
		t.Fatal("expiry depends on sub-second time")
	}
}
