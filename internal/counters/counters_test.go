package counters

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"overlaycaster/internal/corerr"
	"overlaycaster/pkg/models"
	"overlaycaster/pkg/store/boltstore"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	s, err := boltstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, models.MilestoneThresholds{models.KindDeaths: {10, 25, 50}})
}

func TestEngine_IncrementAndDecrement(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	for i := 0; i < 5; i++ {
		if _, err := e.Increment(ctx, "t1", models.KindDeaths); err != nil {
			t.Fatalf("Increment: %v", err)
		}
	}
	m, err := e.Decrement(ctx, "t1", models.KindDeaths)
	if err != nil {
		t.Fatalf("Decrement: %v", err)
	}
	if m.Counters.Deaths != 4 {
		t.Fatalf("expected deaths=4, got %d", m.Counters.Deaths)
	}
}

func TestEngine_DecrementAtZeroIsNoOp(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	m, err := e.Decrement(ctx, "t1", models.KindDeaths)
	if err != nil {
		t.Fatalf("Decrement: %v", err)
	}
	if m.Counters.Deaths != 0 {
		t.Fatalf("expected deaths to stay at 0, got %d", m.Counters.Deaths)
	}
	if m.Delta.Deaths != 0 {
		t.Fatalf("expected change=0, got %d", m.Delta.Deaths)
	}
}

func TestEngine_NeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	for i := 0; i < 3; i++ {
		_, _ = e.Increment(ctx, "t1", models.KindSwears)
	}
	for i := 0; i < 10; i++ {
		_, _ = e.Decrement(ctx, "t1", models.KindSwears)
	}
	c, _ := e.Get(ctx, "t1")
	if c.Swears != 0 {
		t.Fatalf("expected swears=0, got %d", c.Swears)
	}
}

func TestEngine_NIncrementsMDecrements(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	n, m := 7, 3
	for i := 0; i < n; i++ {
		_, _ = e.Increment(ctx, "t1", models.KindDeaths)
	}
	for i := 0; i < m; i++ {
		_, _ = e.Decrement(ctx, "t1", models.KindDeaths)
	}
	c, _ := e.Get(ctx, "t1")
	want := n - m
	if want < 0 {
		want = 0
	}
	if c.Deaths != want {
		t.Fatalf("expected deaths=%d, got %d", want, c.Deaths)
	}
}

func TestEngine_ResetPreservesBitsAndStreamStarted(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, _ = e.Increment(ctx, "t1", models.KindDeaths)
	_, _ = e.Increment(ctx, "t1", models.KindSwears)
	_, _ = e.AddBits(ctx, "t1", 100)
	started, _ := e.StartStream(ctx, "t1")
	_, _ = e.AddBits(ctx, "t1", 50)

	c, err := e.Reset(ctx, "t1")
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if c.Deaths != 0 || c.Swears != 0 || c.Screams != 0 {
		t.Fatalf("expected deaths/swears/screams zeroed, got %+v", c)
	}
	if c.Bits != 50 {
		t.Fatalf("expected bits preserved at 50, got %d", c.Bits)
	}
	if c.StreamStarted == nil || !c.StreamStarted.Equal(*started.StreamStarted) {
		t.Fatalf("expected streamStarted unchanged")
	}
}

func TestEngine_StartStreamZeroesBitsPreservesLastNotified(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, _ = e.AddBits(ctx, "t1", 40)
	_ = e.SetLastNotifiedStreamID(ctx, "t1", "stream-A")

	c, err := e.StartStream(ctx, "t1")
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if c.Bits != 0 {
		t.Fatalf("expected bits=0, got %d", c.Bits)
	}
	if c.StreamStarted == nil {
		t.Fatal("expected streamStarted to be set")
	}
	id, _ := e.GetLastNotifiedStreamID(ctx, "t1")
	if id != "stream-A" {
		t.Fatalf("expected lastNotifiedStreamId preserved, got %q", id)
	}
}

func TestEngine_EndStreamNullsBothFields(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, _ = e.StartStream(ctx, "t1")
	_ = e.SetLastNotifiedStreamID(ctx, "t1", "stream-A")

	c, err := e.EndStream(ctx, "t1")
	if err != nil {
		t.Fatalf("EndStream: %v", err)
	}
	if c.StreamStarted != nil {
		t.Fatal("expected streamStarted nulled")
	}
	if c.LastNotifiedStreamID != nil {
		t.Fatal("expected lastNotifiedStreamId nulled")
	}
}

func TestEngine_SaveAndLoadSeriesRoundTrips(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	for i := 0; i < 15; i++ {
		_, _ = e.Increment(ctx, "t1", models.KindDeaths)
	}
	for i := 0; i < 22; i++ {
		_, _ = e.Increment(ctx, "t1", models.KindSwears)
	}
	_, _ = e.AddBits(ctx, "t1", 40)
	started, _ := e.StartStream(ctx, "t1")
	_, _ = e.AddBits(ctx, "t1", 40)

	snap, err := e.SaveSeries(ctx, "t1", "Ep1", "first episode")
	if err != nil {
		t.Fatalf("SaveSeries: %v", err)
	}
	if snap.Deaths != 15 || snap.Swears != 22 || snap.Bits != 40 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	for i := 0; i < 15; i++ {
		_, _ = e.Increment(ctx, "t1", models.KindDeaths)
	}
	_, _ = e.AddBits(ctx, "t1", -0) // no-op, keep bits moving below
	_, _ = e.AddBits(ctx, "t1", 100)

	m, err := e.LoadSeries(ctx, "t1", snap.SeriesID)
	if err != nil {
		t.Fatalf("LoadSeries: %v", err)
	}
	if m.Counters.Deaths != 15 || m.Counters.Swears != 22 || m.Counters.Bits != 40 {
		t.Fatalf("expected restored counters, got %+v", m.Counters)
	}
	if m.Counters.StreamStarted == nil || !m.Counters.StreamStarted.Equal(*started.StreamStarted) {
		t.Fatal("expected streamStarted to remain untouched by load")
	}
}

func TestEngine_LoadUnknownSeriesReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	if _, err := e.LoadSeries(ctx, "t1", "nope"); !corerr.Is(err, corerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestEngine_ListAndDeleteSeries(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	s1, _ := e.SaveSeries(ctx, "t1", "Ep1", "")
	s2, _ := e.SaveSeries(ctx, "t1", "Ep2", "")

	list, err := e.ListSeries(ctx, "t1")
	if err != nil {
		t.Fatalf("ListSeries: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 series, got %d", len(list))
	}

	if err := e.DeleteSeries(ctx, "t1", s1.SeriesID); err != nil {
		t.Fatalf("DeleteSeries: %v", err)
	}
	list, _ = e.ListSeries(ctx, "t1")
	if len(list) != 1 || list[0].SeriesID != s2.SeriesID {
		t.Fatalf("expected only s2 remaining, got %+v", list)
	}
}

func TestEngine_MilestoneDetectionSingleCrossing(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	var allMilestones []models.Milestone
	for i := 0; i < 10; i++ {
		m, err := e.Increment(ctx, "t1", models.KindDeaths)
		if err != nil {
			t.Fatalf("Increment: %v", err)
		}
		allMilestones = append(allMilestones, m.Milestones...)
	}
	if len(allMilestones) != 1 {
		t.Fatalf("expected exactly one milestone, got %d", len(allMilestones))
	}
	got := allMilestones[0]
	if got.Threshold != 10 || got.PreviousMilestone != 0 {
		t.Fatalf("unexpected milestone %+v", got)
	}
}

func TestEngine_MilestoneDetectionBulkCrossingAscending(t *testing.T) {
	e := &Engine{}
	milestones := detectMilestones("t1", models.KindDeaths, 5, 30, []int{10, 25, 50})
	if len(milestones) != 2 {
		t.Fatalf("expected 2 milestones, got %d: %+v", len(milestones), milestones)
	}
	if milestones[0].Threshold != 10 || milestones[0].PreviousMilestone != 0 {
		t.Fatalf("unexpected first milestone %+v", milestones[0])
	}
	if milestones[1].Threshold != 25 || milestones[1].PreviousMilestone != 10 {
		t.Fatalf("unexpected second milestone %+v", milestones[1])
	}
	_ = e
}

func TestEngine_EmptyThresholdListEmitsNoMilestones(t *testing.T) {
	ctx := context.Background()
	e := New(nil, models.MilestoneThresholds{})
	s, _ := boltstore.Open(filepath.Join(t.TempDir(), "test.db"))
	t.Cleanup(func() { _ = s.Close() })
	e.store = s

	m, err := e.Increment(ctx, "t1", models.KindDeaths)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if len(m.Milestones) != 0 {
		t.Fatalf("expected no milestones, got %+v", m.Milestones)
	}
}

func TestEngine_CrossTenantOperationsDoNotBlock(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	var wg sync.WaitGroup
	for _, tid := range []string{"t1", "t2", "t3"} {
		wg.Add(1)
		go func(tenantID string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, _ = e.Increment(ctx, tenantID, models.KindDeaths)
			}
		}(tid)
	}
	wg.Wait()

	for _, tid := range []string{"t1", "t2", "t3"} {
		c, _ := e.Get(ctx, tid)
		if c.Deaths != 20 {
			t.Fatalf("tenant %s: expected deaths=20, got %d", tid, c.Deaths)
		}
	}
}
