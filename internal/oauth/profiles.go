package oauth

import (
	"github.com/routecodex/routecodex/internal/config"
)

// Flow kinds a profile may support, tried in order.
const (
	FlowAuthCode = "authcode"
	FlowDevice   = "device"
)

// DeviceEndpoint is one device-code/token URL pair. Profiles with host
// or path variants list several; acquisition walks them in order and
// advances on 404 or a non-JSON body.
type DeviceEndpoint struct {
	DeviceURL string
	TokenURL  string
}

// Profile carries the OAuth wiring of one provider family.
type Profile struct {
	Provider     string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	DeviceFlow   []DeviceEndpoint
	Scopes       []string
	Flows        []string // preference order
	UserInfoURL  string   // optional apiKey attachment endpoint
	UsePKCE      bool
}

// Public OAuth client of the Gemini CLI; Cloud Code Assist accepts it
// for loopback auth-code flows.
const (
	googleClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	googleClientSecret = "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"
	googleAuthURL      = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL     = "https://oauth2.googleapis.com/token"
)

// Qwen portal device-flow client (public, embedded in the Qwen CLI).
const (
	qwenClientID  = "f0304373b74a44d2b584a3fb70ca9e56"
	qwenDeviceURL = "https://chat.qwen.ai/api/v1/oauth2/device/code"
	qwenTokenURL  = "https://chat.qwen.ai/api/v1/oauth2/token"
)

// iFlow OAuth client. The device endpoint has shipped under two paths
// and two hosts; all four combinations stay listed until the portal
// settles.
const (
	iflowClientID     = "10009311001"
	iflowAuthURL      = "https://iflow.cn/oauth"
	iflowTokenURL     = "https://iflow.cn/oauth/token"
	iflowUserInfoURL  = "https://iflow.cn/api/oauth/getUserInfo"
	iflowAltTokenURL  = "https://api.iflow.cn/oauth/token"
	iflowAltUserInfo  = "https://api.iflow.cn/api/oauth/getUserInfo"
)

var builtinProfiles = map[string]Profile{
	"qwen": {
		Provider: "qwen",
		ClientID: qwenClientID,
		TokenURL: qwenTokenURL,
		DeviceFlow: []DeviceEndpoint{
			{DeviceURL: qwenDeviceURL, TokenURL: qwenTokenURL},
		},
		Scopes:  []string{"openid", "profile", "email", "model.completion"},
		Flows:   []string{FlowDevice},
		UsePKCE: true,
	},
	"iflow": {
		Provider: "iflow",
		ClientID: iflowClientID,
		AuthURL:  iflowAuthURL,
		TokenURL: iflowTokenURL,
		DeviceFlow: []DeviceEndpoint{
			{DeviceURL: "https://iflow.cn/oauth/device_code", TokenURL: iflowTokenURL},
			{DeviceURL: "https://iflow.cn/oauth/device/code", TokenURL: iflowTokenURL},
			{DeviceURL: "https://api.iflow.cn/oauth/device_code", TokenURL: iflowAltTokenURL},
			{DeviceURL: "https://api.iflow.cn/oauth/device/code", TokenURL: iflowAltTokenURL},
		},
		Scopes:      []string{"openid", "profile", "api"},
		Flows:       []string{FlowAuthCode, FlowDevice},
		UserInfoURL: iflowUserInfoURL,
		UsePKCE:     true,
	},
	"geminicli": {
		Provider:     "geminicli",
		ClientID:     googleClientID,
		ClientSecret: googleClientSecret,
		AuthURL:      googleAuthURL,
		TokenURL:     googleTokenURL,
		Scopes: []string{
			"https://www.googleapis.com/auth/cloud-platform",
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		},
		Flows:   []string{FlowAuthCode},
		UsePKCE: true,
	},
	"antigravity": {
		Provider:     "antigravity",
		ClientID:     googleClientID,
		ClientSecret: googleClientSecret,
		AuthURL:      googleAuthURL,
		TokenURL:     googleTokenURL,
		Scopes: []string{
			"https://www.googleapis.com/auth/cloud-platform",
			"https://www.googleapis.com/auth/userinfo.email",
		},
		Flows:   []string{FlowAuthCode},
		UsePKCE: true,
	},
}

// ProfileFor resolves the profile of a provider family, applying config
// overrides field by field.
func ProfileFor(provider string, override config.OAuthConfig) (Profile, bool) {
	prof, ok := builtinProfiles[provider]
	if !ok {
		// Unknown family: a fully config-driven profile is allowed when
		// the operator supplies the endpoints.
		if override.TokenURL == "" {
			return Profile{}, false
		}
		prof = Profile{Provider: provider, Flows: []string{FlowDevice}, UsePKCE: true}
		if override.DeviceURL != "" {
			prof.DeviceFlow = []DeviceEndpoint{{DeviceURL: override.DeviceURL, TokenURL: override.TokenURL}}
		}
	}
	if override.ClientID != "" {
		prof.ClientID = override.ClientID
	}
	if override.ClientSecret != "" {
		prof.ClientSecret = override.ClientSecret
	}
	if override.AuthURL != "" {
		prof.AuthURL = override.AuthURL
	}
	if override.TokenURL != "" {
		prof.TokenURL = override.TokenURL
		if len(prof.DeviceFlow) == 1 {
			prof.DeviceFlow[0].TokenURL = override.TokenURL
		}
	}
	if override.DeviceURL != "" && len(prof.DeviceFlow) == 1 {
		prof.DeviceFlow[0].DeviceURL = override.DeviceURL
	}
	if len(override.Scopes) > 0 {
		prof.Scopes = override.Scopes
	}
	return prof, true
}
