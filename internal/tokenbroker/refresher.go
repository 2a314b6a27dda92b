package tokenbroker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"overlaycaster/internal/corerr"
	"overlaycaster/pkg/clients"
	"overlaycaster/pkg/models"
)

// HTTPRefresher performs the standard OAuth refresh_token grant
// against the upstream token endpoint (§4.1, §6 config keys).
type HTTPRefresher struct {
	tokenURL     string
	clientID     string
	clientSecret string
	client       *http.Client
}

func NewHTTPRefresher(tokenURL, clientID, clientSecret string) *HTTPRefresher {
	return &HTTPRefresher{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Transport: clients.DefaultTransport(), Timeout: refreshTimeout},
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (models.CredentialTuple, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {r.clientID},
		"client_secret": {r.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return models.CredentialTuple{}, corerr.Wrap(corerr.Internal, "build refresh request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := clients.DoWithRetry(ctx, r.client, req, clients.DefaultRetryConfig())
	if err != nil {
		return models.CredentialTuple{}, corerr.Wrap(corerr.UpstreamUnavailable, "token refresh request failed", err)
	}
	defer resp.Body.Close()

	if IsUnauthorized(resp) {
		return models.CredentialTuple{}, corerr.New(corerr.AuthRevoked, "refresh token rejected by upstream")
	}
	if resp.StatusCode != http.StatusOK {
		return models.CredentialTuple{}, corerr.Newf(corerr.UpstreamUnavailable, "token refresh returned status %d", resp.StatusCode)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return models.CredentialTuple{}, corerr.Wrap(corerr.Internal, "decode token response", err)
	}

	return models.CredentialTuple{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}
