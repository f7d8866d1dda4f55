package clients

import (
	"context"
	"sync"

	"golang.org/x/oauth2"

	"github.com/ajitpratap0/datavault/pkg/errors"
)

// TokenManager serializes access to an OAuth2 token source so
// concurrent requests within a job share one refresh instead of racing
// the provider's token endpoint.
type TokenManager struct {
	source oauth2.TokenSource

	mu      sync.Mutex
	current *oauth2.Token
}

// NewTokenManager creates a TokenManager over a static token. When
// endpoint is non-nil and the token carries a refresh token, expired
// tokens are refreshed against it.
func NewTokenManager(ctx context.Context, tok *oauth2.Token, endpoint *oauth2.Endpoint, clientID, clientSecret string) *TokenManager {
	tm := &TokenManager{current: tok}
	if endpoint != nil && tok.RefreshToken != "" {
		conf := &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     *endpoint,
		}
		tm.source = conf.TokenSource(ctx, tok)
	} else {
		tm.source = oauth2.StaticTokenSource(tok)
	}
	return tm
}

// AccessToken returns a currently valid access token, refreshing it if
// the provider supports refresh. A refresh rejection means the user
// must re-authorize, surfaced as auth_expired.
func (tm *TokenManager) AccessToken(_ context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.current != nil && tm.current.Valid() {
		return tm.current.AccessToken, nil
	}

	tok, err := tm.source.Token()
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeAuthExpired, "token refresh rejected")
	}
	tm.current = tok
	return tok.AccessToken, nil
}
