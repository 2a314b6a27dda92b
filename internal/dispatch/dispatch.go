// Package dispatch implements the Event Normalizer & Dispatcher (§4.5):
// consumes events the Upstream Event Session publishes on the event bus,
// resolves alert configuration, drives Counter Engine mutations, and
// fans out to the Room Multiplexer, external webhook, and chat echo.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"overlaycaster/internal/corerr"
	"overlaycaster/internal/counters"
	"overlaycaster/pkg/logging"
	"overlaycaster/pkg/models"
)

const webhookTimeout = 5 * time.Second

// AlertResolver is the subset of internal/alerts.Service used to
// resolve an event to its overlay alert.
type AlertResolver interface {
	ResolveAlertID(ctx context.Context, tenantID, eventName string) (string, error)
	GetAlert(ctx context.Context, tenantID, alertID string) (models.AlertDefinition, error)
}

// CounterMutator is the subset of internal/counters.Engine the
// Dispatcher drives for counter-affecting events.
type CounterMutator interface {
	AddBits(ctx context.Context, tenantID string, amount int) (counters.Mutation, error)
	GetLastNotifiedStreamID(ctx context.Context, tenantID string) (string, error)
	SetLastNotifiedStreamID(ctx context.Context, tenantID, streamID string) error
}

// TenantLookup is the subset of internal/tenant.Service needed to read
// the webhook URL and correct stale stream status.
type TenantLookup interface {
	Get(ctx context.Context, tenantID string) (models.Tenant, error)
}

// Room is the subset of internal/realtime.Hub the Dispatcher fans out
// to; the single egress point to clients (§4.6).
type Room interface {
	BroadcastCounterUpdate(tenantID string, delta models.CounterDelta, counters models.Counters, source string)
	BroadcastMilestone(tenantID string, m models.Milestone)
	BroadcastCustomAlert(tenantID string, alert models.AlertDefinition, data map[string]interface{})
	BroadcastStreamOnline(tenantID string)
	BroadcastStreamOffline(tenantID string)
}

// ChatEcho is the subset of internal/chat.Session used for chat
// confirmations; errors from it never propagate (§4.5).
type ChatEcho interface {
	Send(text string)
}

// Dispatcher normalizes inbound events into counter mutations and sink
// dispatches.
type Dispatcher struct {
	alerts   AlertResolver
	counters CounterMutator
	tenants  TenantLookup
	room     Room
	logger   logging.Logger
	client   *http.Client

	chatEchoFor func(tenantID string) ChatEcho
}

// Config configures a new Dispatcher.
type Config struct {
	Alerts      AlertResolver
	Counters    CounterMutator
	Tenants     TenantLookup
	Room        Room
	Logger      logging.Logger
	ChatEchoFor func(tenantID string) ChatEcho
}

func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		alerts:      cfg.Alerts,
		counters:    cfg.Counters,
		tenants:     cfg.Tenants,
		room:        cfg.Room,
		logger:      cfg.Logger,
		client:      &http.Client{Timeout: webhookTimeout},
		chatEchoFor: cfg.ChatEchoFor,
	}
}

// Handle processes a single normalized event. Events within a tenant's
// stream must be handled in arrival order by the caller (§5); Handle
// itself does not reorder.
func (d *Dispatcher) Handle(ctx context.Context, ev models.Event) error {
	switch ev.Kind {
	case models.EventStreamOnline:
		return d.handleStreamOnline(ctx, ev)
	case models.EventStreamOffline:
		return d.handleStreamOffline(ctx, ev)
	case models.EventCheer:
		return d.handleCheer(ctx, ev)
	default:
		return d.handleAlertableEvent(ctx, ev)
	}
}

// handleStreamOnline applies duplicate suppression keyed on the
// upstream streamId (§4.5's key correctness rule).
func (d *Dispatcher) handleStreamOnline(ctx context.Context, ev models.Event) error {
	streamID := ev.StreamID()
	last, err := d.counters.GetLastNotifiedStreamID(ctx, ev.TenantID)
	if err != nil {
		return err
	}
	if streamID != "" && streamID == last {
		return nil // replay/reconnect, not a new stream
	}

	d.room.BroadcastStreamOnline(ev.TenantID)
	if err := d.dispatchAlertable(ctx, ev); err != nil {
		d.logger.WithFields(logging.Fields{"tenant_id": ev.TenantID, "error": err.Error()}).
			Warn("stream-online alert dispatch failed")
	}

	if streamID != "" {
		return d.counters.SetLastNotifiedStreamID(ctx, ev.TenantID, streamID)
	}
	return nil
}

func (d *Dispatcher) handleStreamOffline(ctx context.Context, ev models.Event) error {
	d.room.BroadcastStreamOffline(ev.TenantID)
	return d.counters.SetLastNotifiedStreamID(ctx, ev.TenantID, "")
}

// handleCheer drives the bits counter before the usual alert path, per
// the "counter-affecting events" rule (§4.5 step 3).
func (d *Dispatcher) handleCheer(ctx context.Context, ev models.Event) error {
	amount := intFromPayload(ev.Payload, "amount")
	if amount > 0 {
		mut, err := d.counters.AddBits(ctx, ev.TenantID, amount)
		if err != nil {
			return err
		}
		d.room.BroadcastCounterUpdate(ev.TenantID, mut.Delta, mut.Counters, "cheer")
		for _, m := range mut.Milestones {
			d.room.BroadcastMilestone(ev.TenantID, m)
		}
	}
	return d.handleAlertableEvent(ctx, ev)
}

// handleAlertableEvent resolves and fans out a customAlert for any
// event carrying an Event Mapping entry (steps 1-2, 5).
func (d *Dispatcher) handleAlertableEvent(ctx context.Context, ev models.Event) error {
	return d.dispatchAlertable(ctx, ev)
}

func (d *Dispatcher) dispatchAlertable(ctx context.Context, ev models.Event) error {
	alertID, err := d.alerts.ResolveAlertID(ctx, ev.TenantID, string(ev.Kind))
	if err != nil {
		return err
	}
	if alertID == "" {
		return nil
	}

	def, err := d.alerts.GetAlert(ctx, ev.TenantID, alertID)
	if err != nil {
		if corerr.Is(err, corerr.NotFound) {
			return nil
		}
		return err
	}
	if !def.Enabled {
		return nil
	}

	d.room.BroadcastCustomAlert(ev.TenantID, def, ev.Payload)
	d.echoToChat(ev.TenantID, def, ev.Payload)
	d.postWebhook(ctx, ev.TenantID, def, ev.Payload)
	return nil
}

func (d *Dispatcher) echoToChat(tenantID string, def models.AlertDefinition, payload map[string]interface{}) {
	if d.chatEchoFor == nil {
		return
	}
	echo := d.chatEchoFor(tenantID)
	if echo == nil {
		return
	}
	echo.Send(def.Name)
}

// postWebhook issues a best-effort POST to the tenant's configured
// externalWebhookUrl; failure is logged and dropped, never retried (§4.5).
func (d *Dispatcher) postWebhook(ctx context.Context, tenantID string, def models.AlertDefinition, payload map[string]interface{}) {
	t, err := d.tenants.Get(ctx, tenantID)
	if err != nil || t.ExternalWebhookURL == "" {
		return
	}

	body, err := json.Marshal(map[string]interface{}{
		"title":       def.Name,
		"description": def.TextTemplate,
		"color":       def.BorderColor,
		"fields":      payload,
	})
	if err != nil {
		return
	}

	wctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(wctx, http.MethodPost, t.ExternalWebhookURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.WithFields(logging.Fields{"tenant_id": tenantID, "error": err.Error()}).
			Warn("webhook dispatch failed")
		return
	}
	defer resp.Body.Close()
}

func intFromPayload(payload map[string]interface{}, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}
