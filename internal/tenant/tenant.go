// Package tenant owns Tenant CRUD over the Store and centralizes
// feature-flag interpretation, per §9 Design Notes ("feature flags
// used both for authorization and for session lifecycle should be
// centralized").
package tenant

import (
	"context"
	"time"

	"overlaycaster/internal/corerr"
	"overlaycaster/pkg/cache"
	"overlaycaster/pkg/crypto"
	"overlaycaster/pkg/models"
	"overlaycaster/pkg/store"
)

const partitionUser = "user"

// tenantCacheTTL bounds how stale a tenant record (role, features,
// stream status) can be before the Room Multiplexer or HTTP API would
// observe it; every mutation invalidates its own key immediately so
// this only matters for cross-request reads.
const tenantCacheTTL = 2 * time.Second

// Service is the sole owner of Tenant records. Credential tuples
// embedded in the record are encrypted at rest; Service is the only
// place that talks to the FieldEncryptor. Reads are served through a
// short-TTL cache (every join, counter mutation, and lifecycle
// transition loads the tenant at least once).
type Service struct {
	store   store.Store
	crypter *crypto.FieldEncryptor
	cache   *cache.Cache
}

func New(s store.Store, crypter *crypto.FieldEncryptor) *Service {
	return &Service{
		store:   s,
		crypter: crypter,
		cache:   cache.New(cache.Options{TTL: tenantCacheTTL, MaxEntries: 4096}, cache.MetricsHooks{}),
	}
}

// Get loads a tenant, decrypting its credential tuple.
func (s *Service) Get(ctx context.Context, tenantID string) (models.Tenant, error) {
	val, _, err := s.cache.Get(ctx, tenantID, func(ctx context.Context, key string) (interface{}, bool, error) {
		t, err := s.load(ctx, key)
		if err != nil {
			return nil, false, err
		}
		return t, true, nil
	})
	if err != nil {
		return models.Tenant{}, err
	}
	return val.(models.Tenant), nil
}

func (s *Service) load(ctx context.Context, tenantID string) (models.Tenant, error) {
	var t models.Tenant
	if err := store.GetJSON(ctx, s.store, partitionUser, tenantID, &t); err != nil {
		if err == store.ErrNotFound {
			return models.Tenant{}, corerr.New(corerr.NotFound, "tenant not found")
		}
		return models.Tenant{}, corerr.Wrap(corerr.Internal, "load tenant", err)
	}
	if err := s.decryptInPlace(&t); err != nil {
		return models.Tenant{}, corerr.Wrap(corerr.Internal, "decrypt credentials", err)
	}
	return t, nil
}

// Bind creates (or rebinds) a tenant on first upstream-OAuth bind.
func (s *Service) Bind(ctx context.Context, tenantID, username, displayName string, creds models.CredentialTuple) (models.Tenant, error) {
	existing, err := s.Get(ctx, tenantID)
	now := time.Now()
	if err != nil {
		existing = models.Tenant{
			TenantID:     tenantID,
			Username:     username,
			DisplayName:  displayName,
			Role:         models.RoleStreamer,
			Features:     models.DefaultFeatureSet(),
			StreamStatus: models.StatusOffline,
			CreatedAt:    now,
		}
	}
	existing.Credentials = creds
	existing.UpdatedAt = now
	if err := s.put(ctx, &existing); err != nil {
		return models.Tenant{}, err
	}
	return existing, nil
}

// UpdateStreamStatus is invoked exclusively by the Lifecycle Controller
// and the Room Multiplexer's stale-state correction (§4.6). Returns the
// tenant's post-state, per the HTTP API convention (§6).
func (s *Service) UpdateStreamStatus(ctx context.Context, tenantID string, status models.StreamStatus) (models.Tenant, error) {
	t, err := s.Get(ctx, tenantID)
	if err != nil {
		return models.Tenant{}, err
	}
	t.StreamStatus = status
	t.UpdatedAt = time.Now()
	if err := s.put(ctx, &t); err != nil {
		return models.Tenant{}, err
	}
	return t, nil
}

// UpdateRole is an admin operation changing a tenant's own privilege
// level (§3).
func (s *Service) UpdateRole(ctx context.Context, tenantID string, role models.Role) error {
	t, err := s.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	t.Role = role
	t.UpdatedAt = time.Now()
	return s.put(ctx, &t)
}

// UpdateCredentials is invoked exclusively by the Token Broker.
func (s *Service) UpdateCredentials(ctx context.Context, tenantID string, creds models.CredentialTuple) error {
	t, err := s.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	t.Credentials = creds
	t.UpdatedAt = time.Now()
	return s.put(ctx, &t)
}

// Delete removes a tenant record. Refuses if role=admin (§3).
func (s *Service) Delete(ctx context.Context, tenantID string) error {
	t, err := s.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if t.Role == models.RoleAdmin {
		return corerr.New(corerr.Conflict, "cannot delete an admin tenant")
	}
	if err := s.store.Delete(ctx, partitionUser, tenantID); err != nil {
		return err
	}
	s.cache.Delete(tenantID)
	return nil
}

func (s *Service) put(ctx context.Context, t *models.Tenant) error {
	defer s.cache.Delete(t.TenantID)
	plain := t.Credentials
	if s.crypter != nil && plain.AccessToken != "" {
		enc, err := s.crypter.Encrypt(plain.AccessToken)
		if err != nil {
			return corerr.Wrap(corerr.Internal, "encrypt access token", err)
		}
		refresh, err := s.crypter.Encrypt(plain.RefreshToken)
		if err != nil {
			return corerr.Wrap(corerr.Internal, "encrypt refresh token", err)
		}
		encrypted := *t
		encrypted.Credentials.AccessToken = enc
		encrypted.Credentials.RefreshToken = refresh
		if err := store.PutJSON(ctx, s.store, partitionUser, t.TenantID, &encrypted); err != nil {
			return corerr.Wrap(corerr.Internal, "save tenant", err)
		}
		return nil
	}
	if err := store.PutJSON(ctx, s.store, partitionUser, t.TenantID, t); err != nil {
		return corerr.Wrap(corerr.Internal, "save tenant", err)
	}
	return nil
}

func (s *Service) decryptInPlace(t *models.Tenant) error {
	if s.crypter == nil || t.Credentials.AccessToken == "" {
		return nil
	}
	if crypto.IsEncrypted(t.Credentials.AccessToken) {
		at, err := s.crypter.Decrypt(t.Credentials.AccessToken)
		if err != nil {
			return err
		}
		t.Credentials.AccessToken = at
	}
	if crypto.IsEncrypted(t.Credentials.RefreshToken) {
		rt, err := s.crypter.Decrypt(t.Credentials.RefreshToken)
		if err != nil {
			return err
		}
		t.Credentials.RefreshToken = rt
	}
	return nil
}
