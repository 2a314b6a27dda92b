package tokenbroker

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"overlaycaster/internal/corerr"
	"overlaycaster/internal/tenant"
	"overlaycaster/pkg/models"
	"overlaycaster/pkg/store/boltstore"
)

type fakeRefresher struct {
	calls    int64
	fail     bool
	tuple    models.CredentialTuple
	delay    time.Duration
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (models.CredentialTuple, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail {
		return models.CredentialTuple{}, errors.New("upstream rejected refresh")
	}
	return f.tuple, nil
}

func newTestBroker(t *testing.T, refresher Refresher) (*Broker, *tenant.Service) {
	t.Helper()
	s, err := boltstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	tenants := tenant.New(s, nil)
	return New(tenants, refresher, nil), tenants
}

func TestBroker_ReturnsCachedTokenWhenFarFromExpiry(t *testing.T) {
	ctx := context.Background()
	refresher := &fakeRefresher{}
	b, tenants := newTestBroker(t, refresher)

	_, err := tenants.Bind(ctx, "t1", "user1", "User One", models.CredentialTuple{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(6 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	token, err := b.GetAccessToken(ctx, "t1")
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if token != "access-1" {
		t.Fatalf("expected cached token, got %q", token)
	}
	if refresher.calls != 0 {
		t.Fatalf("expected no refresh calls, got %d", refresher.calls)
	}
}

func TestBroker_RefreshesWhenNearExpiry(t *testing.T) {
	ctx := context.Background()
	refresher := &fakeRefresher{tuple: models.CredentialTuple{
		AccessToken:  "access-2",
		RefreshToken: "refresh-2",
		ExpiresAt:    time.Now().Add(6 * time.Hour),
	}}
	b, tenants := newTestBroker(t, refresher)

	_, _ = tenants.Bind(ctx, "t1", "user1", "User One", models.CredentialTuple{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(1 * time.Minute),
	})

	token, err := b.GetAccessToken(ctx, "t1")
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if token != "access-2" {
		t.Fatalf("expected refreshed token, got %q", token)
	}
	if refresher.calls != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", refresher.calls)
	}
}

func TestBroker_ConcurrentRefreshesAreSerializedPerTenant(t *testing.T) {
	ctx := context.Background()
	refresher := &fakeRefresher{
		delay: 20 * time.Millisecond,
		tuple: models.CredentialTuple{
			AccessToken:  "access-3",
			RefreshToken: "refresh-3",
			ExpiresAt:    time.Now().Add(6 * time.Hour),
		},
	}
	b, tenants := newTestBroker(t, refresher)

	_, _ = tenants.Bind(ctx, "t1", "user1", "User One", models.CredentialTuple{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(1 * time.Minute),
	})

	done := make(chan string, 10)
	for i := 0; i < 10; i++ {
		go func() {
			tok, err := b.GetAccessToken(ctx, "t1")
			if err != nil {
				done <- "error"
				return
			}
			done <- tok
		}()
	}
	for i := 0; i < 10; i++ {
		if got := <-done; got != "access-3" {
			t.Fatalf("expected access-3, got %q", got)
		}
	}
	if refresher.calls != 1 {
		t.Fatalf("expected exactly one in-flight refresh, got %d", refresher.calls)
	}
}

func TestBroker_RefreshFailureMarksRevoked(t *testing.T) {
	ctx := context.Background()
	refresher := &fakeRefresher{fail: true}
	b, tenants := newTestBroker(t, refresher)

	_, _ = tenants.Bind(ctx, "t1", "user1", "User One", models.CredentialTuple{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(1 * time.Minute),
	})

	if _, err := b.GetAccessToken(ctx, "t1"); err == nil {
		t.Fatal("expected error from failed refresh")
	}

	got, err := tenants.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Credentials.Revoked {
		t.Fatal("expected credentials to be marked revoked")
	}

	if _, err := b.GetAccessToken(ctx, "t1"); !corerr.Is(err, corerr.AuthRevoked) {
		t.Fatalf("expected AuthRevoked on subsequent call, got %v", err)
	}
}
