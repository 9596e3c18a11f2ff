package wsfanout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// refreshMargin is how far ahead of a token's expiry the provider forces a
// refresh, per the "refreshed when within 5 min of expiry" requirement.
const refreshMargin = 5 * time.Minute

// TokenSource supplies the bearer token used for the WebSocket
// Authorization header. Implementations must be safe for concurrent use.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// oauth2TokenSource refreshes tokens through a client-credentials grant and
// decodes the JWT `exp` claim (without verifying the signature — the issuer
// is trusted by configuration, not re-validated here) to decide whether the
// cached token is close enough to expiry to warrant a proactive refresh.
type oauth2TokenSource struct {
	cfg clientcredentials.Config

	mu      sync.Mutex
	current string
	expiry  time.Time
}

// NewOAuth2TokenSource builds a TokenSource backed by an OAuth2
// client-credentials flow.
func NewOAuth2TokenSource(cfg clientcredentials.Config) TokenSource {
	return &oauth2TokenSource{cfg: cfg}
}

func (o *oauth2TokenSource) Token(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current != "" && time.Until(o.expiry) > refreshMargin {
		return o.current, nil
	}

	tok, err := o.cfg.Token(ctx)
	if err != nil {
		return "", err
	}

	o.current = tok.AccessToken
	o.expiry = tokenExpiry(tok)
	return o.current, nil
}

// tokenExpiry prefers the OAuth2 token's own Expiry field; if the provider
// left it zero, it falls back to decoding the access token's `exp` claim.
func tokenExpiry(tok *oauth2.Token) time.Time {
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	if exp, err := decodeExpClaim(tok.AccessToken); err == nil {
		return exp
	}
	return time.Now().Add(time.Hour)
}

// decodeExpClaim parses the `exp` claim out of a JWT without verifying its
// signature. The token was already obtained from a trusted token endpoint;
// this only recovers its expiry for refresh scheduling.
func decodeExpClaim(tokenStr string) (time.Time, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenStr, claims); err != nil {
		return time.Time{}, err
	}
	expValue, ok := claims["exp"]
	if !ok {
		return time.Time{}, errors.New("wsfanout: token has no exp claim")
	}
	expFloat, ok := expValue.(float64)
	if !ok {
		return time.Time{}, errors.New("wsfanout: exp claim has unsupported type")
	}
	return time.Unix(int64(expFloat), 0), nil
}

// staticTokenSource serves a fixed token string, decoding its exp claim only
// to satisfy logging/diagnostics — there is no refresh mechanism for a
// static token, so it is handed out unconditionally.
type staticTokenSource struct {
	token string
}

// NewStaticTokenSource wraps an externally supplied, never-refreshed bearer
// token (e.g. a long-lived service token configured directly).
func NewStaticTokenSource(token string) TokenSource {
	return &staticTokenSource{token: token}
}

func (s *staticTokenSource) Token(ctx context.Context) (string, error) {
	return s.token, nil
}
