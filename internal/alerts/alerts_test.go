package alerts

import (
	"context"
	"path/filepath"
	"testing"

	"overlaycaster/internal/corerr"
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
	return New(s)
}

func TestService_EnsureDefaultsSeedsMappingAndAlerts(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	if err := s.EnsureDefaults(ctx, "t1"); err != nil {
		t.Fatalf("EnsureDefaults: %v", err)
	}

	alertID, err := s.ResolveAlertID(ctx, "t1", "follow")
	if err != nil {
		t.Fatalf("ResolveAlertID: %v", err)
	}
	if alertID != "default-follow" {
		t.Fatalf("expected default-follow, got %q", alertID)
	}

	list, err := s.ListAlerts(ctx, "t1")
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(list) == 0 {
		t.Fatal("expected default alerts to be seeded")
	}
}

func TestService_ResolveAlertIDNoneSkipsOverlay(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	_ = s.EnsureDefaults(ctx, "t1")

	alertID, err := s.ResolveAlertID(ctx, "t1", "stream-online")
	if err != nil {
		t.Fatalf("ResolveAlertID: %v", err)
	}
	if alertID != "" {
		t.Fatalf("expected empty alertID for none mapping, got %q", alertID)
	}
}

func TestService_DeleteDefaultAlertIsConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	_ = s.EnsureDefaults(ctx, "t1")

	if err := s.DeleteAlert(ctx, "t1", "default-follow"); !corerr.Is(err, corerr.Conflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestService_SaveDefaultAlertIsConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	_ = s.EnsureDefaults(ctx, "t1")

	def, _ := s.GetAlert(ctx, "t1", "default-follow")
	def.TextTemplate = "edited"
	if _, err := s.SaveAlert(ctx, def); !corerr.Is(err, corerr.Conflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestService_SaveAlertRejectsInvalidDuration(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	def := models.AlertDefinition{
		TenantID:     "t1",
		AlertID:      "custom-1",
		Type:         models.AlertCustom,
		TextTemplate: "hi {username}",
		DurationMs:   500,
	}
	if _, err := s.SaveAlert(ctx, def); !corerr.Is(err, corerr.InvalidInput) {
		t.Fatalf("expected InvalidInput for too-short duration, got %v", err)
	}

	def.DurationMs = 40000
	if _, err := s.SaveAlert(ctx, def); !corerr.Is(err, corerr.InvalidInput) {
		t.Fatalf("expected InvalidInput for too-long duration, got %v", err)
	}
}

func TestService_SaveAlertRejectsUnknownType(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	def := models.AlertDefinition{
		TenantID:     "t1",
		AlertID:      "custom-1",
		Type:         "not-a-real-type",
		TextTemplate: "hi",
		DurationMs:   5000,
	}
	if _, err := s.SaveAlert(ctx, def); !corerr.Is(err, corerr.InvalidInput) {
		t.Fatalf("expected InvalidInput for unknown type, got %v", err)
	}
}

func TestService_SaveAndDeleteCustomAlert(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	def := models.AlertDefinition{
		TenantID:     "t1",
		AlertID:      "custom-1",
		Type:         models.AlertCustom,
		TextTemplate: "hi {username}",
		DurationMs:   5000,
	}
	saved, err := s.SaveAlert(ctx, def)
	if err != nil {
		t.Fatalf("SaveAlert: %v", err)
	}
	if saved.IsDefault {
		t.Fatal("expected custom alert to not be default")
	}

	if err := s.DeleteAlert(ctx, "t1", "custom-1"); err != nil {
		t.Fatalf("DeleteAlert: %v", err)
	}
	if _, err := s.GetAlert(ctx, "t1", "custom-1"); !corerr.Is(err, corerr.NotFound) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}
