// Package alerts owns per-tenant Alert Definitions and Event Mapping
// records (§3). Defaults are read-only; editing or deleting one is a
// Conflict (§7).
package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	"overlaycaster/internal/corerr"
	"overlaycaster/pkg/models"
	"overlaycaster/pkg/store"
)

const rowEventMappings = "event-mappings"

// Service is the sole mutator of Alert Definitions and Event Mappings.
type Service struct {
	store store.Store
}

func New(s store.Store) *Service {
	return &Service{store: s}
}

func alertRow(alertID string) string { return fmt.Sprintf("alerts:%s", alertID) }

// EnsureDefaults seeds the default alert templates and event mapping
// for a freshly bound tenant, if not already present.
func (s *Service) EnsureDefaults(ctx context.Context, tenantID string) error {
	if _, err := s.GetEventMapping(ctx, tenantID); err == nil {
		return nil
	}
	for _, def := range models.DefaultAlertDefinitions(tenantID) {
		if err := store.PutJSON(ctx, s.store, tenantID, alertRow(def.AlertID), &def); err != nil {
			return corerr.Wrap(corerr.Internal, "seed default alert", err)
		}
	}
	mapping := models.DefaultEventMapping()
	if err := store.PutJSON(ctx, s.store, tenantID, rowEventMappings, &mapping); err != nil {
		return corerr.Wrap(corerr.Internal, "seed event mapping", err)
	}
	return nil
}

// GetAlert loads one alert definition.
func (s *Service) GetAlert(ctx context.Context, tenantID, alertID string) (models.AlertDefinition, error) {
	var def models.AlertDefinition
	if err := store.GetJSON(ctx, s.store, tenantID, alertRow(alertID), &def); err != nil {
		if err == store.ErrNotFound {
			return models.AlertDefinition{}, corerr.New(corerr.NotFound, "alert not found")
		}
		return models.AlertDefinition{}, corerr.Wrap(corerr.Internal, "load alert", err)
	}
	return def, nil
}

// ListAlerts returns every alert definition for a tenant.
func (s *Service) ListAlerts(ctx context.Context, tenantID string) ([]models.AlertDefinition, error) {
	rows, err := s.store.List(ctx, tenantID)
	if err != nil {
		return nil, corerr.Wrap(corerr.Internal, "list alerts", err)
	}
	var out []models.AlertDefinition
	for _, raw := range rows {
		var def models.AlertDefinition
		if err := json.Unmarshal(raw, &def); err == nil && def.AlertID != "" && def.TextTemplate != "" {
			out = append(out, def)
		}
	}
	return out, nil
}

// SaveAlert validates and persists a custom alert definition. Defaults
// cannot be edited (§3, §7).
func (s *Service) SaveAlert(ctx context.Context, def models.AlertDefinition) (models.AlertDefinition, error) {
	if existing, err := s.GetAlert(ctx, def.TenantID, def.AlertID); err == nil && existing.IsDefault {
		return models.AlertDefinition{}, corerr.New(corerr.Conflict, "cannot modify a default alert")
	}
	if def.DurationMs < models.MinAlertDurationMs || def.DurationMs > models.MaxAlertDurationMs {
		return models.AlertDefinition{}, corerr.Newf(corerr.InvalidInput,
			"durationMs must be within [%d, %d]", models.MinAlertDurationMs, models.MaxAlertDurationMs)
	}
	if !validAlertType(def.Type) {
		return models.AlertDefinition{}, corerr.Newf(corerr.InvalidInput, "unknown alert type %q", def.Type)
	}
	def.IsDefault = false
	if err := store.PutJSON(ctx, s.store, def.TenantID, alertRow(def.AlertID), &def); err != nil {
		return models.AlertDefinition{}, corerr.Wrap(corerr.Internal, "save alert", err)
	}
	return def, nil
}

// DeleteAlert removes a custom alert. Deleting a default is a Conflict.
func (s *Service) DeleteAlert(ctx context.Context, tenantID, alertID string) error {
	def, err := s.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return err
	}
	if def.IsDefault {
		return corerr.New(corerr.Conflict, "cannot delete a default alert")
	}
	if err := s.store.Delete(ctx, tenantID, alertRow(alertID)); err != nil {
		return corerr.Wrap(corerr.Internal, "delete alert", err)
	}
	return nil
}

// GetEventMapping loads the tenant's event-to-alert mapping.
func (s *Service) GetEventMapping(ctx context.Context, tenantID string) (models.EventMapping, error) {
	var m models.EventMapping
	if err := store.GetJSON(ctx, s.store, tenantID, rowEventMappings, &m); err != nil {
		if err == store.ErrNotFound {
			return nil, corerr.New(corerr.NotFound, "event mapping not found")
		}
		return nil, corerr.Wrap(corerr.Internal, "load event mapping", err)
	}
	return m, nil
}

// ResolveAlertID resolves the alert bound to an upstream event name, or
// "" if mapped to "none"/absent (§4.5 step 1).
func (s *Service) ResolveAlertID(ctx context.Context, tenantID, eventName string) (string, error) {
	m, err := s.GetEventMapping(ctx, tenantID)
	if err != nil {
		if corerr.Is(err, corerr.NotFound) {
			return "", nil
		}
		return "", err
	}
	alertID, ok := m[eventName]
	if !ok || alertID == models.EventMappingNone {
		return "", nil
	}
	return alertID, nil
}

func validAlertType(t models.AlertType) bool {
	switch t {
	case models.AlertFollow, models.AlertSubscription, models.AlertResub,
		models.AlertGiftSub, models.AlertBits, models.AlertRaid,
		models.AlertHypetrain, models.AlertCustom:
		return true
	default:
		return false
	}
}

// KnownPlaceholders documents the template vocabulary the dispatcher
// must NOT pre-render (§4.5 step 5); resolution happens client-side.
var KnownPlaceholders = []string{"{username}", "{amount}", "{months}", "{tier}"}
