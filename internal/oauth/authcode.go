package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

const callbackPath = "/oauth2callback"

// callbackHost returns the loopback interface the redirect listener
// binds. OAUTH_CALLBACK_HOST overrides it for containerized setups
// where "localhost" does not reach the user's browser.
func callbackHost() string {
	if v := os.Getenv("OAUTH_CALLBACK_HOST"); v != "" {
		return v
	}
	return "localhost"
}

type callbackResult struct {
	code string
	err  error
}

// authCodeFlow runs the authorization-code grant against a loopback
// redirect: start a listener on an ephemeral port, send the user to the
// consent page, then trade the returned code for tokens. The state
// parameter must round-trip unchanged.
func (m *Manager) authCodeFlow(ctx context.Context, prof Profile) (*tokenResponse, error) {
	if prof.AuthURL == "" || prof.TokenURL == "" {
		return nil, gwerrors.NewConfigError("oauth: provider " + prof.Provider + " has no authorization endpoints")
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(callbackHost(), "0"))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.TypeConfig, err, "oauth: bind loopback listener")
	}
	defer ln.Close()

	cfg := &oauth2.Config{
		ClientID:     prof.ClientID,
		ClientSecret: prof.ClientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: prof.AuthURL, TokenURL: prof.TokenURL},
		RedirectURL:  fmt.Sprintf("http://%s%s", ln.Addr().String(), callbackPath),
		Scopes:       prof.Scopes,
	}

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	authOpts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	}
	if prof.UsePKCE {
		authOpts = append(authOpts, oauth2.S256ChallengeOption(verifier))
	}
	authURL := cfg.AuthCodeURL(state, authOpts...)

	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errCode := q.Get("error"); errCode != "" {
			http.Error(w, "Authorization failed: "+errCode, http.StatusBadRequest)
			resultCh <- callbackResult{err: gwerrors.NewAuthError("oauth: authorization denied: " + errCode)}
			return
		}
		if q.Get("state") != state {
			http.Error(w, "State mismatch", http.StatusBadRequest)
			resultCh <- callbackResult{err: gwerrors.NewAuthError("oauth: state parameter mismatch")}
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "Missing code", http.StatusBadRequest)
			resultCh <- callbackResult{err: gwerrors.NewAuthError("oauth: callback carried no code")}
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><h3>Authorization complete.</h3>You can close this window.</body></html>")
		resultCh <- callbackResult{code: code}
	})
	srv := &http.Server{Handler: mux}
	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			select {
			case resultCh <- callbackResult{err: gwerrors.Wrap(gwerrors.TypeNetwork, serveErr, "oauth: callback server failed")}:
			default:
			}
		}
	}()
	defer srv.Close()

	m.notify("Open %s to authorize %s", authURL, prof.Provider)
	m.openBrowser(authURL)

	waitCtx, cancel := context.WithTimeout(ctx, m.authTimeout)
	defer cancel()
	var res callbackResult
	select {
	case res = <-resultCh:
	case <-waitCtx.Done():
		return nil, gwerrors.Wrap(gwerrors.TypeTimeout, waitCtx.Err(), "oauth: timed out waiting for authorization callback")
	}
	if res.err != nil {
		return nil, res.err
	}

	exchOpts := []oauth2.AuthCodeOption{}
	if prof.UsePKCE {
		exchOpts = append(exchOpts, oauth2.VerifierOption(verifier))
	}
	tok, err := cfg.Exchange(ctx, res.code, exchOpts...)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			return nil, gwerrors.FromHTTPStatus(rerr.Response.StatusCode, rerr.Body, prof.Provider)
		}
		return nil, gwerrors.Wrap(gwerrors.TypeAuth, err, "oauth: code exchange failed")
	}
	return fromOAuth2Token(tok), nil
}

// defaultAuthTimeout bounds how long the loopback listener waits for
// the user to finish the consent screen.
const defaultAuthTimeout = 5 * time.Minute
