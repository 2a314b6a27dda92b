// Package tokenbroker wraps the per-tenant OAuth credential tuple and
// exposes a currently-valid access token on demand (§4.1). It is the
// sole mutator of credential tuples (§3 Ownership summary).
package tokenbroker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"overlaycaster/internal/corerr"
	"overlaycaster/internal/tenant"
	"overlaycaster/pkg/clients"
	"overlaycaster/pkg/logging"
	"overlaycaster/pkg/models"
)

// refreshWindow is how far ahead of expiry a proactive refresh fires.
const refreshWindow = 1 * time.Hour

// refreshTimeout bounds a single refresh attempt (§5).
const refreshTimeout = 10 * time.Second

// Refresher performs the upstream token-endpoint exchange. Production
// wiring supplies the real OAuth client; tests supply a fake.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (models.CredentialTuple, error)
}

// Broker holds one credential tuple per tenant, refreshed proactively
// or reactively, and persisted through internal/tenant.
type Broker struct {
	tenants   *tenant.Service
	refresher Refresher
	logger    logging.Logger

	group singleflight.Group

	mu      sync.Mutex
	circuit map[string]*clients.CircuitBreaker
}

func New(tenants *tenant.Service, refresher Refresher, logger logging.Logger) *Broker {
	return &Broker{
		tenants:   tenants,
		refresher: refresher,
		logger:    logger,
		circuit:   make(map[string]*clients.CircuitBreaker),
	}
}

func (b *Broker) breakerFor(tenantID string) *clients.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.circuit[tenantID]
	if !ok {
		cb = clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
			Name:         "tokenbroker:" + tenantID,
			MinRequests:  5,
			FailureRatio: 0.5,
			Timeout:      30 * time.Second,
			Logger:       b.logger,
		})
		b.circuit[tenantID] = cb
	}
	return cb
}

// GetAccessToken returns a currently-valid access token, refreshing
// proactively when less than refreshWindow from expiry.
func (b *Broker) GetAccessToken(ctx context.Context, tenantID string) (string, error) {
	t, err := b.tenants.Get(ctx, tenantID)
	if err != nil {
		return "", corerr.Wrap(corerr.NotFound, "no credentials for tenant", err)
	}
	if t.Credentials.AccessToken == "" {
		return "", corerr.New(corerr.NotFound, "no credentials bound for tenant")
	}
	if t.Credentials.Revoked {
		return "", corerr.New(corerr.AuthRevoked, "credentials revoked")
	}
	if time.Until(t.Credentials.ExpiresAt) > refreshWindow {
		return t.Credentials.AccessToken, nil
	}
	refreshed, err := b.refresh(ctx, tenantID, t.Credentials.RefreshToken)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// refresh performs a single in-flight-deduplicated refresh for tenantID.
// golang.org/x/sync/singleflight guarantees at most one concurrent
// upstream round trip per tenant; concurrent callers share the result.
func (b *Broker) refresh(ctx context.Context, tenantID, refreshToken string) (models.CredentialTuple, error) {
	v, err, _ := b.group.Do(tenantID, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
		defer cancel()

		var tuple models.CredentialTuple
		cb := b.breakerFor(tenantID)
		cbErr := cb.Call(func() error {
			var refreshErr error
			tuple, refreshErr = b.refresher.Refresh(rctx, refreshToken)
			return refreshErr
		})
		if cbErr != nil {
			b.markRevoked(ctx, tenantID)
			return models.CredentialTuple{}, corerr.Wrap(corerr.Unauthorized, "token refresh failed", cbErr)
		}
		if err := b.tenants.UpdateCredentials(ctx, tenantID, tuple); err != nil {
			return models.CredentialTuple{}, err
		}
		return tuple, nil
	})
	if err != nil {
		return models.CredentialTuple{}, err
	}
	return v.(models.CredentialTuple), nil
}

// OnReactiveUnauthorized triggers a single refresh and returns the new
// access token, or an AuthRevoked error if the refresh fails (§4.1).
// Retrying with the new token, and treating a second 401 as AuthRevoked,
// is left to the caller (see upstream.Session.createCatalog).
func (b *Broker) OnReactiveUnauthorized(ctx context.Context, tenantID string) (string, error) {
	t, err := b.tenants.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	refreshed, err := b.refresh(ctx, tenantID, t.Credentials.RefreshToken)
	if err != nil {
		return "", corerr.Wrap(corerr.AuthRevoked, "credentials revoked after reactive refresh", err)
	}
	return refreshed.AccessToken, nil
}

func (b *Broker) markRevoked(ctx context.Context, tenantID string) {
	t, err := b.tenants.Get(ctx, tenantID)
	if err != nil {
		return
	}
	t.Credentials.Revoked = true
	_ = b.tenants.UpdateCredentials(ctx, tenantID, t.Credentials)
}

// IsUnauthorized reports whether an upstream HTTP response indicates
// the access token was rejected.
func IsUnauthorized(resp *http.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusUnauthorized
}
