package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	ictrs "overlaycaster/internal/counters"
	"overlaycaster/pkg/logging"
	"overlaycaster/pkg/models"
)

type fakeAlerts struct {
	mapping map[string]string
	defs    map[string]models.AlertDefinition
}

func (f *fakeAlerts) ResolveAlertID(ctx context.Context, tenantID, eventName string) (string, error) {
	id, ok := f.mapping[eventName]
	if !ok || id == models.EventMappingNone {
		return "", nil
	}
	return id, nil
}
func (f *fakeAlerts) GetAlert(ctx context.Context, tenantID, alertID string) (models.AlertDefinition, error) {
	return f.defs[alertID], nil
}

type fakeCounterMutator struct {
	mu               sync.Mutex
	lastNotified     string
	addBitsCalls     int
	addedAmount      int
	milestonesToEmit []models.Milestone
}

func (f *fakeCounterMutator) AddBits(ctx context.Context, tenantID string, amount int) (ictrs.Mutation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addBitsCalls++
	f.addedAmount += amount
	return ictrs.Mutation{
		Counters:   models.Counters{Bits: f.addedAmount},
		Delta:      models.CounterDelta{Bits: amount},
		Milestones: f.milestonesToEmit,
	}, nil
}
func (f *fakeCounterMutator) GetLastNotifiedStreamID(ctx context.Context, tenantID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastNotified, nil
}
func (f *fakeCounterMutator) SetLastNotifiedStreamID(ctx context.Context, tenantID, streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastNotified = streamID
	return nil
}

type fakeTenants struct {
	tenant models.Tenant
}

func (f *fakeTenants) Get(ctx context.Context, tenantID string) (models.Tenant, error) {
	return f.tenant, nil
}

type fakeRoom struct {
	mu               sync.Mutex
	onlineCalls      int
	offlineCalls     int
	customAlerts     int
	counterUpdates   int
	milestonesEmitted int
}

func (f *fakeRoom) BroadcastCounterUpdate(tenantID string, delta models.CounterDelta, c models.Counters, source string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counterUpdates++
}
func (f *fakeRoom) BroadcastMilestone(tenantID string, m models.Milestone) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.milestonesEmitted++
}
func (f *fakeRoom) BroadcastCustomAlert(tenantID string, alert models.AlertDefinition, data map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customAlerts++
}
func (f *fakeRoom) BroadcastStreamOnline(tenantID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onlineCalls++
}
func (f *fakeRoom) BroadcastStreamOffline(tenantID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offlineCalls++
}

func newTestDispatcher(alerts *fakeAlerts, ctrs *fakeCounterMutator, tenants *fakeTenants, room *fakeRoom) *Dispatcher {
	return New(Config{
		Alerts:   alerts,
		Counters: ctrs,
		Tenants:  tenants,
		Room:     room,
		Logger:   logging.NewLogger(),
	})
}

func TestDispatcher_StreamOnlineDuplicateSuppressed(t *testing.T) {
	ctx := context.Background()
	alerts := &fakeAlerts{mapping: map[string]string{}}
	ctrs := &fakeCounterMutator{lastNotified: "stream-A"}
	room := &fakeRoom{}
	d := newTestDispatcher(alerts, ctrs, &fakeTenants{}, room)

	err := d.Handle(ctx, models.Event{
		TenantID: "t1", Kind: models.EventStreamOnline,
		Payload: map[string]interface{}{"streamId": "stream-A"},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if room.onlineCalls != 0 {
		t.Fatal("expected duplicate stream-online to be suppressed")
	}
}

func TestDispatcher_StreamOnlineNewStreamNotifies(t *testing.T) {
	ctx := context.Background()
	alerts := &fakeAlerts{mapping: map[string]string{}}
	ctrs := &fakeCounterMutator{lastNotified: "stream-A"}
	room := &fakeRoom{}
	d := newTestDispatcher(alerts, ctrs, &fakeTenants{}, room)

	err := d.Handle(ctx, models.Event{
		TenantID: "t1", Kind: models.EventStreamOnline,
		Payload: map[string]interface{}{"streamId": "stream-B"},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if room.onlineCalls != 1 {
		t.Fatalf("expected one online notification, got %d", room.onlineCalls)
	}
	if ctrs.lastNotified != "stream-B" {
		t.Fatalf("expected lastNotified updated to stream-B, got %q", ctrs.lastNotified)
	}
}

func TestDispatcher_StreamOfflineClearsLastNotified(t *testing.T) {
	ctx := context.Background()
	alerts := &fakeAlerts{mapping: map[string]string{}}
	ctrs := &fakeCounterMutator{lastNotified: "stream-A"}
	room := &fakeRoom{}
	d := newTestDispatcher(alerts, ctrs, &fakeTenants{}, room)

	if err := d.Handle(ctx, models.Event{TenantID: "t1", Kind: models.EventStreamOffline}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if ctrs.lastNotified != "" {
		t.Fatalf("expected lastNotified cleared, got %q", ctrs.lastNotified)
	}
	if room.offlineCalls != 1 {
		t.Fatal("expected stream-offline broadcast")
	}
}

func TestDispatcher_CheerAddsBitsAndEmitsMilestones(t *testing.T) {
	ctx := context.Background()
	alerts := &fakeAlerts{mapping: map[string]string{"cheer": models.EventMappingNone}}
	ctrs := &fakeCounterMutator{milestonesToEmit: []models.Milestone{{Kind: models.KindBits, Threshold: 100}}}
	room := &fakeRoom{}
	d := newTestDispatcher(alerts, ctrs, &fakeTenants{}, room)

	err := d.Handle(ctx, models.Event{
		TenantID: "t1", Kind: models.EventCheer,
		Payload: map[string]interface{}{"amount": float64(150)},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if ctrs.addedAmount != 150 {
		t.Fatalf("expected 150 bits added, got %d", ctrs.addedAmount)
	}
	if room.counterUpdates != 1 {
		t.Fatal("expected one counterUpdate broadcast")
	}
	if room.milestonesEmitted != 1 {
		t.Fatal("expected one milestone broadcast")
	}
}

func TestDispatcher_NoneMappingSkipsAlertButEventMappingNone(t *testing.T) {
	ctx := context.Background()
	alerts := &fakeAlerts{mapping: map[string]string{"follow": models.EventMappingNone}}
	ctrs := &fakeCounterMutator{}
	room := &fakeRoom{}
	d := newTestDispatcher(alerts, ctrs, &fakeTenants{}, room)

	if err := d.Handle(ctx, models.Event{TenantID: "t1", Kind: models.EventFollow}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if room.customAlerts != 0 {
		t.Fatal("expected no custom alert for none mapping")
	}
}

func TestDispatcher_DisabledAlertIsSkipped(t *testing.T) {
	ctx := context.Background()
	alerts := &fakeAlerts{
		mapping: map[string]string{"follow": "a1"},
		defs:    map[string]models.AlertDefinition{"a1": {AlertID: "a1", Enabled: false}},
	}
	ctrs := &fakeCounterMutator{}
	room := &fakeRoom{}
	d := newTestDispatcher(alerts, ctrs, &fakeTenants{}, room)

	if err := d.Handle(ctx, models.Event{TenantID: "t1", Kind: models.EventFollow}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if room.customAlerts != 0 {
		t.Fatal("expected disabled alert to be skipped")
	}
}

func TestDispatcher_EnabledAlertDispatchesAndWebhookFires(t *testing.T) {
	var gotBody bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	alerts := &fakeAlerts{
		mapping: map[string]string{"follow": "a1"},
		defs:    map[string]models.AlertDefinition{"a1": {AlertID: "a1", Enabled: true, Name: "Follow!"}},
	}
	ctrs := &fakeCounterMutator{}
	room := &fakeRoom{}
	tenants := &fakeTenants{tenant: models.Tenant{TenantID: "t1", ExternalWebhookURL: srv.URL}}
	d := newTestDispatcher(alerts, ctrs, tenants, room)

	if err := d.Handle(ctx, models.Event{TenantID: "t1", Kind: models.EventFollow}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if room.customAlerts != 1 {
		t.Fatal("expected custom alert broadcast")
	}
	if !gotBody {
		t.Fatal("expected webhook to be called")
	}
}
