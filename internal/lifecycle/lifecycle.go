// Package lifecycle implements the Lifecycle Controller (§4.7): the
// per-tenant {offline, prepping, live, ending} state machine that
// drives the Session Supervisor and Counter Engine.
package lifecycle

import (
	"context"

	"overlaycaster/internal/corerr"
	"overlaycaster/pkg/models"
)

// Action names a requested transition, issued by the authenticated
// tenant or a mod acting on its behalf.
type Action string

const (
	ActionPrep       Action = "prep"
	ActionGoLive     Action = "go-live"
	ActionEndStream  Action = "end-stream"
	ActionCancelPrep Action = "cancel-prep"
)

// TenantStore is the subset of internal/tenant.Service the Controller
// needs to read and persist stream status.
type TenantStore interface {
	Get(ctx context.Context, tenantID string) (models.Tenant, error)
	UpdateStreamStatus(ctx context.Context, tenantID string, status models.StreamStatus) (models.Tenant, error)
}

// CounterLifecycle is the subset of internal/counters.Engine the
// Controller drives on live/offline transitions.
type CounterLifecycle interface {
	StartStream(ctx context.Context, tenantID string) (models.Counters, error)
	EndStream(ctx context.Context, tenantID string) (models.Counters, error)
}

// SessionSupervisor is the subset of internal/supervisor.Supervisor
// the Controller drives.
type SessionSupervisor interface {
	StartUpstream(ctx context.Context, tenant models.Tenant)
	StopUpstream(tenant models.Tenant)
	StartChat(ctx context.Context, tenant models.Tenant)
	StopChat(tenant models.Tenant)
}

// Broadcaster is the subset of internal/realtime.Hub the Controller
// uses to announce a status change to the tenant's room.
type Broadcaster interface {
	BroadcastStreamStatusChanged(tenantID string, status models.StreamStatus)
}

// Controller owns the stream status state machine.
type Controller struct {
	tenants    TenantStore
	counters   CounterLifecycle
	supervisor SessionSupervisor
	broadcast  Broadcaster
}

func New(tenants TenantStore, counters CounterLifecycle, supervisor SessionSupervisor, broadcast Broadcaster) *Controller {
	return &Controller{tenants: tenants, counters: counters, supervisor: supervisor, broadcast: broadcast}
}

// allowedTransitions maps (current, action) to the resulting status;
// any pair absent from this table is InvalidTransition (§4.7).
var allowedTransitions = map[models.StreamStatus]map[Action]models.StreamStatus{
	models.StatusOffline: {
		ActionPrep: models.StatusPrepping,
	},
	models.StatusPrepping: {
		ActionGoLive:     models.StatusLive,
		ActionEndStream:  models.StatusOffline,
		ActionCancelPrep: models.StatusOffline,
	},
	models.StatusLive: {
		ActionEndStream: models.StatusOffline,
	},
}

// Transition applies a single state machine step for the tenant.
func (c *Controller) Transition(ctx context.Context, tenantID string, action Action) (models.Tenant, error) {
	tenant, err := c.tenants.Get(ctx, tenantID)
	if err != nil {
		return models.Tenant{}, err
	}

	next, ok := allowedTransitions[tenant.StreamStatus][action]
	if !ok {
		return models.Tenant{}, corerr.Newf(corerr.InvalidTransition,
			"cannot %s from %s", action, tenant.StreamStatus)
	}

	wasLive := tenant.StreamStatus == models.StatusLive

	switch action {
	case ActionPrep:
		if tenant.Features.ChatCommands() {
			c.supervisor.StartChat(ctx, tenant)
		}
		// unconditional fresh upstream session, deliberately, to recover
		// from silent failures (§4.7).
		c.supervisor.StartUpstream(ctx, tenant)

	case ActionGoLive:
		if _, err := c.counters.StartStream(ctx, tenantID); err != nil {
			return models.Tenant{}, err
		}

	case ActionEndStream:
		if wasLive {
			if _, err := c.counters.EndStream(ctx, tenantID); err != nil {
				return models.Tenant{}, err
			}
		}
		c.supervisor.StopChat(tenant)
		c.supervisor.StopUpstream(tenant)

	case ActionCancelPrep:
		c.supervisor.StopChat(tenant)
		c.supervisor.StopUpstream(tenant)
	}

	updated, err := c.tenants.UpdateStreamStatus(ctx, tenantID, next)
	if err != nil {
		return models.Tenant{}, err
	}

	if c.broadcast != nil {
		c.broadcast.BroadcastStreamStatusChanged(tenantID, next)
	}
	return updated, nil
}
