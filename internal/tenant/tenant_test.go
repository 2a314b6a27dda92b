package tenant

import (
	"context"
	"path/filepath"
	"testing"

	"overlaycaster/internal/corerr"
	"overlaycaster/pkg/crypto"
	"overlaycaster/pkg/models"
	"overlaycaster/pkg/store/boltstore"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := boltstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	crypter, err := crypto.DeriveFieldEncryptor([]byte("test-master-secret-32-bytes-long"), "tenant-credentials")
	if err != nil {
		t.Fatalf("DeriveFieldEncryptor: %v", err)
	}
	return New(s, crypter)
}

func TestService_BindCreatesNewTenantWithDefaults(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	creds := models.CredentialTuple{AccessToken: "at-1", RefreshToken: "rt-1"}
	tn, err := s.Bind(ctx, "t1", "streamer1", "Streamer One", creds)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if tn.Role != models.RoleStreamer {
		t.Fatalf("expected streamer role, got %s", tn.Role)
	}
	if tn.StreamStatus != models.StatusOffline {
		t.Fatalf("expected offline status, got %s", tn.StreamStatus)
	}
	if !tn.Features.ChatCommands() {
		t.Fatal("expected default chatCommands feature enabled")
	}
}

func TestService_CredentialsRoundTripEncrypted(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	creds := models.CredentialTuple{AccessToken: "secret-access", RefreshToken: "secret-refresh"}
	if _, err := s.Bind(ctx, "t1", "streamer1", "Streamer One", creds); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	raw, err := s.store.Get(ctx, partitionUser, "t1")
	if err != nil {
		t.Fatalf("Get raw: %v", err)
	}
	if contains(raw, "secret-access") {
		t.Fatal("expected access token to be encrypted at rest")
	}

	loaded, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.Credentials.AccessToken != "secret-access" {
		t.Fatalf("expected decrypted access token, got %q", loaded.Credentials.AccessToken)
	}
}

func contains(haystack []byte, needle string) bool {
	return len(needle) > 0 && string(haystack) != "" && indexOf(haystack, needle) >= 0
}

func indexOf(haystack []byte, needle string) int {
	h := string(haystack)
	for i := 0; i+len(needle) <= len(h); i++ {
		if h[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func TestService_UpdateStreamStatusReturnsPostState(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	_, _ = s.Bind(ctx, "t1", "streamer1", "Streamer One", models.CredentialTuple{})

	tn, err := s.UpdateStreamStatus(ctx, "t1", models.StatusPrepping)
	if err != nil {
		t.Fatalf("UpdateStreamStatus: %v", err)
	}
	if tn.StreamStatus != models.StatusPrepping {
		t.Fatalf("expected prepping, got %s", tn.StreamStatus)
	}
}

func TestService_DeleteRefusesAdmin(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	_, _ = s.Bind(ctx, "t1", "admin1", "Admin One", models.CredentialTuple{})
	_ = s.UpdateRole(ctx, "t1", models.RoleAdmin)

	if err := s.Delete(ctx, "t1"); !corerr.Is(err, corerr.Conflict) {
		t.Fatalf("expected Conflict deleting admin tenant, got %v", err)
	}
}

func TestService_DeleteRemovesNonAdmin(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	_, _ = s.Bind(ctx, "t1", "streamer1", "Streamer One", models.CredentialTuple{})

	if err := s.Delete(ctx, "t1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "t1"); !corerr.Is(err, corerr.NotFound) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}
