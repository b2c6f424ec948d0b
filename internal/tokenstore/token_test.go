package tokenstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestStateAt(t *testing.T) {
	now := time.Now()
	nowMs := now.UnixMilli()

	cases := []struct {
		name string
		p    *Payload
		want Status
	}{
		{"empty", &Payload{}, StatusInvalid},
		{"apikey only", &Payload{APIKey: "sk-x"}, StatusValid},
		{"valid", &Payload{AccessToken: "at", RefreshToken: "rt", ExpiresAt: nowMs + 3_600_000}, StatusValid},
		{"expiring", &Payload{AccessToken: "at", RefreshToken: "rt", ExpiresAt: nowMs + 30_000}, StatusExpiring},
		{"expired", &Payload{AccessToken: "at", RefreshToken: "rt", ExpiresAt: nowMs - 1000}, StatusExpired},
		{"expired no refresh", &Payload{AccessToken: "at", ExpiresAt: nowMs - 1000}, StatusNoRefresh},
		{"expiring no refresh", &Payload{AccessToken: "at", ExpiresAt: nowMs + 30_000}, StatusNoRefresh},
		{"no expiry known", &Payload{AccessToken: "opaque-token"}, StatusValid},
	}
	for _, c := range cases {
		if got := c.p.StateAt(now).Status; got != c.want {
			t.Fatalf("%s: got %s, want %s", c.name, got, c.want)
		}
	}
}

func TestStateAt_BufferBoundary(t *testing.T) {
	now := time.Now()
	p := &Payload{AccessToken: "at", RefreshToken: "rt", ExpiresAt: now.UnixMilli() + ExpiryBufferMs}
	if got := p.StateAt(now).Status; got != StatusValid {
		t.Fatalf("exactly at buffer edge: got %s, want valid", got)
	}
	p.ExpiresAt = now.UnixMilli() + ExpiryBufferMs - 1
	if got := p.StateAt(now).Status; got != StatusExpiring {
		t.Fatalf("inside buffer: got %s, want expiring", got)
	}
}

func TestLegacyExpiryDateMigration(t *testing.T) {
	raw := []byte(`{"access_token":"at","refresh_token":"rt","expiry_date":1755000000000}`)
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatal(err)
	}
	if p.ExpiresAt != 1755000000000 {
		t.Fatalf("expires_at = %d", p.ExpiresAt)
	}
	out, err := json.Marshal(&p)
	if err != nil {
		t.Fatal(err)
	}
	var echo map[string]any
	if err := json.Unmarshal(out, &echo); err != nil {
		t.Fatal(err)
	}
	if _, legacy := echo["expiry_date"]; legacy {
		t.Fatal("expiry_date must not survive a rewrite")
	}
	if echo["expires_at"] != float64(1755000000000) {
		t.Fatalf("expires_at = %v", echo["expires_at"])
	}
}

func TestExtraFieldsSurviveRoundTrip(t *testing.T) {
	raw := []byte(`{"access_token":"at","id_token":"idt","vendor_hint":{"x":1}}`)
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatal(err)
	}
	out, err := json.Marshal(&p)
	if err != nil {
		t.Fatal(err)
	}
	var echo map[string]any
	if err := json.Unmarshal(out, &echo); err != nil {
		t.Fatal(err)
	}
	if echo["id_token"] != "idt" {
		t.Fatalf("id_token lost: %v", echo)
	}
	if _, ok := echo["vendor_hint"]; !ok {
		t.Fatal("vendor_hint lost")
	}
}

func TestBearerSecret_APIKeyWins(t *testing.T) {
	p := &Payload{AccessToken: "at", APIKey: "sk-key"}
	if p.BearerSecret() != "sk-key" {
		t.Fatalf("secret = %s", p.BearerSecret())
	}
	p.APIKey = ""
	if p.BearerSecret() != "at" {
		t.Fatalf("secret = %s", p.BearerSecret())
	}
}

func makeJWT(t *testing.T, exp int64) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"exp":%d}`, exp)))
	return header + "." + claims + "."
}

func TestEffectiveExpiresAt_JWTFallback(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour).Unix()
	p := &Payload{AccessToken: makeJWT(t, exp)}
	if got := p.EffectiveExpiresAt(); got != exp*1000 {
		t.Fatalf("got %d, want %d", got, exp*1000)
	}
	// Stored expires_at wins over the claim.
	p.ExpiresAt = 42
	if got := p.EffectiveExpiresAt(); got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestEffectiveExpiresAt_OpaqueToken(t *testing.T) {
	p := &Payload{AccessToken: "not-a-jwt"}
	if got := p.EffectiveExpiresAt(); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}
