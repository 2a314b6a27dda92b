// Package counters implements the Counter Engine: the sole mutator of
// Counters and Series Snapshots (§4.4). Every mutation is performed
// under a per-tenant lock and ends with a single Store.Upsert issued
// after the lock is released (§5).
package counters

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"overlaycaster/internal/corerr"
	"overlaycaster/pkg/models"
	"overlaycaster/pkg/store"
)

const (
	partitionSeriesSuffix = "" // series rows live in the tenant's own partition
	rowCounters           = "counters"
)

var seriesSanitizer = regexp.MustCompile(`[^A-Za-z0-9]`)

// Mutation is the post-mutation record handed to the Normalizer &
// Dispatcher: the resulting counters plus the delta that produced them.
type Mutation struct {
	Counters   models.Counters
	Delta      models.CounterDelta
	Milestones []models.Milestone
}

// Engine is the per-tenant lock-protected state owner for Counters and
// Series Snapshots.
type Engine struct {
	store      store.Store
	thresholds models.MilestoneThresholds

	mapMu sync.RWMutex
	locks map[string]*sync.Mutex
}

func New(s store.Store, thresholds models.MilestoneThresholds) *Engine {
	if thresholds == nil {
		thresholds = models.DefaultMilestoneThresholds()
	}
	return &Engine{store: s, thresholds: thresholds, locks: make(map[string]*sync.Mutex)}
}

func (e *Engine) lockFor(tenantID string) *sync.Mutex {
	e.mapMu.RLock()
	l, ok := e.locks[tenantID]
	e.mapMu.RUnlock()
	if ok {
		return l
	}
	e.mapMu.Lock()
	defer e.mapMu.Unlock()
	if l, ok = e.locks[tenantID]; ok {
		return l
	}
	l = &sync.Mutex{}
	e.locks[tenantID] = l
	return l
}

// Get loads the current counters, creating a zeroed record if absent.
func (e *Engine) Get(ctx context.Context, tenantID string) (models.Counters, error) {
	var c models.Counters
	err := store.GetJSON(ctx, e.store, tenantID, rowCounters, &c)
	if err == store.ErrNotFound {
		return models.Counters{TenantID: tenantID, LastUpdated: time.Now()}, nil
	}
	if err != nil {
		return models.Counters{}, corerr.Wrap(corerr.Internal, "load counters", err)
	}
	return c, nil
}

func (e *Engine) save(ctx context.Context, c *models.Counters) error {
	c.LastUpdated = time.Now()
	if err := store.PutJSON(ctx, e.store, c.TenantID, rowCounters, c); err != nil {
		return corerr.Wrap(corerr.Internal, "save counters", err)
	}
	return nil
}

// Increment applies a +1 read-modify-write under the tenant lock and
// returns the resulting mutation with any milestones crossed.
func (e *Engine) Increment(ctx context.Context, tenantID string, kind models.CounterKind) (Mutation, error) {
	return e.adjust(ctx, tenantID, kind, 1)
}

// Decrement applies a -1 read-modify-write; decrementing at 0 is a
// no-op, not an error (§3, §8).
func (e *Engine) Decrement(ctx context.Context, tenantID string, kind models.CounterKind) (Mutation, error) {
	return e.adjust(ctx, tenantID, kind, -1)
}

// adjust performs the locked read-modify-write and milestone detection,
// then releases the lock before the Store call (§5).
func (e *Engine) adjust(ctx context.Context, tenantID string, kind models.CounterKind, delta int) (Mutation, error) {
	lock := e.lockFor(tenantID)
	lock.Lock()

	c, err := e.Get(ctx, tenantID)
	if err != nil {
		lock.Unlock()
		return Mutation{}, err
	}

	prev := fieldValue(c, kind)
	next := prev + delta
	if next < 0 {
		next = 0
	}
	applied := next - prev
	setField(&c, kind, next)

	var milestones []models.Milestone
	if applied > 0 {
		milestones = detectMilestones(tenantID, kind, prev, next, e.thresholds[kind])
	}

	lock.Unlock()

	if err := e.save(ctx, &c); err != nil {
		return Mutation{}, err
	}

	d := models.CounterDelta{}
	setDeltaField(&d, kind, applied)
	return Mutation{Counters: c, Delta: d, Milestones: milestones}, nil
}

// AddBits adds a non-negative amount to bits (§4.4).
func (e *Engine) AddBits(ctx context.Context, tenantID string, amount int) (Mutation, error) {
	if amount < 0 {
		return Mutation{}, corerr.New(corerr.InvalidInput, "bits amount must be non-negative")
	}
	lock := e.lockFor(tenantID)
	lock.Lock()
	c, err := e.Get(ctx, tenantID)
	if err != nil {
		lock.Unlock()
		return Mutation{}, err
	}
	prev := c.Bits
	c.Bits += amount
	lock.Unlock()

	if err := e.save(ctx, &c); err != nil {
		return Mutation{}, err
	}
	return Mutation{Counters: c, Delta: models.CounterDelta{Bits: c.Bits - prev}}, nil
}

// Reset zeroes deaths/swears/screams while preserving bits,
// streamStarted, and lastNotifiedStreamId (§3, §4.4).
func (e *Engine) Reset(ctx context.Context, tenantID string) (models.Counters, error) {
	lock := e.lockFor(tenantID)
	lock.Lock()
	c, err := e.Get(ctx, tenantID)
	if err != nil {
		lock.Unlock()
		return models.Counters{}, err
	}
	c.Deaths, c.Swears, c.Screams = 0, 0, 0
	lock.Unlock()

	if err := e.save(ctx, &c); err != nil {
		return models.Counters{}, err
	}
	return c, nil
}

// StartStream zeroes bits and sets streamStarted, preserving
// lastNotifiedStreamId (§4.4).
func (e *Engine) StartStream(ctx context.Context, tenantID string) (models.Counters, error) {
	lock := e.lockFor(tenantID)
	lock.Lock()
	c, err := e.Get(ctx, tenantID)
	if err != nil {
		lock.Unlock()
		return models.Counters{}, err
	}
	now := time.Now()
	c.Bits = 0
	c.StreamStarted = &now
	lock.Unlock()

	if err := e.save(ctx, &c); err != nil {
		return models.Counters{}, err
	}
	return c, nil
}

// EndStream nulls streamStarted and lastNotifiedStreamId (§4.4).
func (e *Engine) EndStream(ctx context.Context, tenantID string) (models.Counters, error) {
	lock := e.lockFor(tenantID)
	lock.Lock()
	c, err := e.Get(ctx, tenantID)
	if err != nil {
		lock.Unlock()
		return models.Counters{}, err
	}
	c.StreamStarted = nil
	c.LastNotifiedStreamID = nil
	lock.Unlock()

	if err := e.save(ctx, &c); err != nil {
		return models.Counters{}, err
	}
	return c, nil
}

// GetLastNotifiedStreamID is used by the Dispatcher for duplicate
// suppression (§4.5).
func (e *Engine) GetLastNotifiedStreamID(ctx context.Context, tenantID string) (string, error) {
	c, err := e.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if c.LastNotifiedStreamID == nil {
		return "", nil
	}
	return *c.LastNotifiedStreamID, nil
}

// SetLastNotifiedStreamID is used by the Dispatcher after a stream-start
// notification is dispatched (§4.5).
func (e *Engine) SetLastNotifiedStreamID(ctx context.Context, tenantID, streamID string) error {
	lock := e.lockFor(tenantID)
	lock.Lock()
	c, err := e.Get(ctx, tenantID)
	if err != nil {
		lock.Unlock()
		return err
	}
	c.LastNotifiedStreamID = &streamID
	lock.Unlock()
	return e.save(ctx, &c)
}

// SaveSeries atomically captures current counters into a named,
// restorable snapshot (§4.4).
func (e *Engine) SaveSeries(ctx context.Context, tenantID, name, description string) (models.SeriesSnapshot, error) {
	lock := e.lockFor(tenantID)
	lock.Lock()
	c, err := e.Get(ctx, tenantID)
	lock.Unlock()
	if err != nil {
		return models.SeriesSnapshot{}, err
	}

	snap := models.SeriesSnapshot{
		SeriesID:    fmt.Sprintf("%d_%s", time.Now().UnixMilli(), sanitizeSeriesName(name)),
		TenantID:    tenantID,
		SeriesName:  name,
		Description: description,
		Deaths:      c.Deaths,
		Swears:      c.Swears,
		Bits:        c.Bits,
		SavedAt:     time.Now(),
	}
	if err := store.PutJSON(ctx, e.store, tenantID, snap.SeriesID, &snap); err != nil {
		return models.SeriesSnapshot{}, corerr.Wrap(corerr.Internal, "save series", err)
	}
	return snap, nil
}

// LoadSeries copies a snapshot's deaths/swears/bits into current
// counters, leaving streamStarted and lastNotifiedStreamId untouched.
func (e *Engine) LoadSeries(ctx context.Context, tenantID, seriesID string) (Mutation, error) {
	var snap models.SeriesSnapshot
	if err := store.GetJSON(ctx, e.store, tenantID, seriesID, &snap); err != nil {
		if err == store.ErrNotFound {
			return Mutation{}, corerr.New(corerr.NotFound, "series not found")
		}
		return Mutation{}, corerr.Wrap(corerr.Internal, "load series", err)
	}

	lock := e.lockFor(tenantID)
	lock.Lock()
	c, err := e.Get(ctx, tenantID)
	if err != nil {
		lock.Unlock()
		return Mutation{}, err
	}
	prevDeaths, prevSwears, prevBits := c.Deaths, c.Swears, c.Bits
	c.Deaths, c.Swears, c.Bits = snap.Deaths, snap.Swears, snap.Bits
	lock.Unlock()

	if err := e.save(ctx, &c); err != nil {
		return Mutation{}, err
	}
	delta := models.CounterDelta{
		Deaths: c.Deaths - prevDeaths,
		Swears: c.Swears - prevSwears,
		Bits:   c.Bits - prevBits,
	}
	return Mutation{Counters: c, Delta: delta}, nil
}

// ListSeries returns every series snapshot saved by a tenant.
func (e *Engine) ListSeries(ctx context.Context, tenantID string) ([]models.SeriesSnapshot, error) {
	rows, err := e.store.List(ctx, tenantID)
	if err != nil {
		return nil, corerr.Wrap(corerr.Internal, "list series", err)
	}
	var out []models.SeriesSnapshot
	for _, raw := range rows {
		var snap models.SeriesSnapshot
		if err := json.Unmarshal(raw, &snap); err == nil && snap.SeriesID != "" {
			out = append(out, snap)
		}
	}
	return out, nil
}

// DeleteSeries removes a single snapshot.
func (e *Engine) DeleteSeries(ctx context.Context, tenantID, seriesID string) error {
	if err := e.store.Delete(ctx, tenantID, seriesID); err != nil {
		return corerr.Wrap(corerr.Internal, "delete series", err)
	}
	return nil
}

func sanitizeSeriesName(name string) string {
	return seriesSanitizer.ReplaceAllString(name, "_")
}

// detectMilestones emits one milestone record per threshold crossed
// between prev (exclusive) and next (inclusive), in ascending order.
func detectMilestones(tenantID string, kind models.CounterKind, prev, next int, thresholds []int) []models.Milestone {
	var out []models.Milestone
	prevMilestone := 0
	for _, t := range thresholds {
		if t > prevMilestone && t <= prev {
			prevMilestone = t
		}
	}
	for _, t := range thresholds {
		if prev < t && t <= next {
			out = append(out, models.Milestone{
				TenantID:          tenantID,
				Kind:              kind,
				Threshold:         t,
				PreviousMilestone: prevMilestone,
			})
			prevMilestone = t
		}
	}
	return out
}

func fieldValue(c models.Counters, kind models.CounterKind) int {
	switch kind {
	case models.KindDeaths:
		return c.Deaths
	case models.KindSwears:
		return c.Swears
	case models.KindScreams:
		return c.Screams
	case models.KindBits:
		return c.Bits
	default:
		return 0
	}
}

func setField(c *models.Counters, kind models.CounterKind, v int) {
	switch kind {
	case models.KindDeaths:
		c.Deaths = v
	case models.KindSwears:
		c.Swears = v
	case models.KindScreams:
		c.Screams = v
	case models.KindBits:
		c.Bits = v
	}
}

func setDeltaField(d *models.CounterDelta, kind models.CounterKind, v int) {
	switch kind {
	case models.KindDeaths:
		d.Deaths = v
	case models.KindSwears:
		d.Swears = v
	case models.KindScreams:
		d.Screams = v
	case models.KindBits:
		d.Bits = v
	}
}
