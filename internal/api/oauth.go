package api

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/wesm/stalewatch/internal/models"
	"github.com/wesm/stalewatch/internal/resilience"
)

// TokenRefresher exchanges a refresh token for new GitHub credentials
type TokenRefresher struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewTokenRefresher builds a refresher for a GitHub App / OAuth App. An empty
// tokenURL uses github.com's endpoint.
func NewTokenRefresher(clientID, clientSecret, tokenURL string, hc *http.Client) *TokenRefresher {
	endpoint := github.Endpoint
	if tokenURL != "" {
		endpoint.TokenURL = tokenURL
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenRefresher{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
		},
		httpClient: hc,
	}
}

// Refresh performs the refresh-token grant. The old access token is never
// reused, so the exchange always hits the token endpoint.
func (r *TokenRefresher) Refresh(ctx context.Context, creds models.Credentials) (models.Credentials, error) {
	const op = "refresh credentials"
	if creds.RefreshToken == "" {
		return creds, resilience.NewError(resilience.KindAuth, op, "no refresh token available")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	expired := &oauth2.Token{RefreshToken: creds.RefreshToken, Expiry: time.Unix(1, 0)}
	tok, err := r.config.TokenSource(ctx, expired).Token()
	if err != nil {
		return creds, ClassifyError(op, err)
	}

	refreshed := models.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = creds.RefreshToken
	}
	return refreshed, nil
}
