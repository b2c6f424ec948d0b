package tokenstore

import (
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token lifecycle statuses.
type Status string

const (
	StatusValid     Status = "valid"
	StatusExpiring  Status = "expiring"
	StatusExpired   Status = "expired"
	StatusInvalid   Status = "invalid"
	StatusNoRefresh Status = "norefresh"
)

// ExpiryBufferMs is the refresh window: a token inside the buffer is
// treated as expiring.
const ExpiryBufferMs = 60_000

// Payload is the on-disk token shape. expires_at is absolute epoch
// milliseconds. Vendor-specific extra fields survive a read/write cycle.
type Payload struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	Scope        string `json:"scope,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	ResourceURL  string `json:"resource_url,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`

	extra map[string]json.RawMessage
}

var knownPayloadKeys = []string{
	"access_token", "refresh_token", "token_type", "expires_at",
	"scope", "apiKey", "resource_url", "project_id",
}

// UnmarshalJSON decodes a token file, migrating the legacy expiry_date
// field (epoch ms) into expires_at and keeping unknown fields aside.
func (p *Payload) UnmarshalJSON(data []byte) error {
	type alias Payload
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = Payload(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	for _, k := range knownPayloadKeys {
		delete(raw, k)
	}
	if v, ok := raw["expiry_date"]; ok {
		if p.ExpiresAt == 0 {
			var ms float64
			if err := json.Unmarshal(v, &ms); err == nil {
				p.ExpiresAt = int64(ms)
			}
		}
		delete(raw, "expiry_date")
	}
	if len(raw) > 0 {
		p.extra = raw
	}
	return nil
}

// MarshalJSON re-serializes the payload including preserved extras.
func (p Payload) MarshalJSON() ([]byte, error) {
	type alias Payload
	base, err := json.Marshal(alias(p))
	if err != nil {
		return nil, err
	}
	if len(p.extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Extra returns a preserved vendor field by key.
func (p *Payload) Extra(key string) (json.RawMessage, bool) {
	v, ok := p.extra[key]
	return v, ok
}

// SetExtra keeps a vendor field for the next write.
func (p *Payload) SetExtra(key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if p.extra == nil {
		p.extra = map[string]json.RawMessage{}
	}
	p.extra[key] = raw
}

// BearerSecret is the credential used for the Authorization header.
// apiKey wins over access_token when both are present.
func (p *Payload) BearerSecret() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	return p.AccessToken
}

// HasRefreshToken reports whether the token can be refreshed.
func (p *Payload) HasRefreshToken() bool { return p.RefreshToken != "" }

// EffectiveExpiresAt resolves the expiry: the stored expires_at, or the
// exp claim when the access token is a JWT, or 0 when unknown.
func (p *Payload) EffectiveExpiresAt() int64 {
	if p.ExpiresAt > 0 {
		return p.ExpiresAt
	}
	if p.AccessToken == "" {
		return 0
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(p.AccessToken, claims); err != nil {
		return 0
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	return exp.UnixMilli()
}

// State is the evaluated lifecycle snapshot of one token.
type State struct {
	Status        Status `json:"status"`
	ExpiresAt     int64  `json:"expiresAt,omitempty"`
	MsUntilExpiry int64  `json:"msUntilExpiry,omitempty"`
}

// StateAt derives the lifecycle state at the given instant.
func (p *Payload) StateAt(now time.Time) State {
	if p == nil || (p.AccessToken == "" && p.APIKey == "") {
		return State{Status: StatusInvalid}
	}
	// A bare apiKey does not expire.
	if p.AccessToken == "" {
		return State{Status: StatusValid}
	}

	expiresAt := p.EffectiveExpiresAt()
	if expiresAt == 0 {
		return State{Status: StatusValid}
	}

	msUntil := expiresAt - now.UnixMilli()
	st := State{ExpiresAt: expiresAt, MsUntilExpiry: msUntil}
	switch {
	case msUntil <= 0:
		st.Status = StatusExpired
	case msUntil < ExpiryBufferMs:
		st.Status = StatusExpiring
	default:
		st.Status = StatusValid
		return st
	}
	if !p.HasRefreshToken() {
		st.Status = StatusNoRefresh
	}
	return st
}
