package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
)

type fakePublisher struct {
	mu   sync.Mutex
	sent []models.LocationReport
	err  error
}

func (f *fakePublisher) PublishLocation(_ context.Context, r models.LocationReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, r)
	return f.err
}

type fakeMirror struct {
	mu      sync.Mutex
	agents  map[string]models.Agent
	removed []string
}

func (f *fakeMirror) Upsert(_ context.Context, a models.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[a.ID] = a
	return nil
}

func (f *fakeMirror) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.agents, id)
	f.removed = append(f.removed, id)
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clk    *clock
	idx    *geo.Index
	reg    *registry.Registry
	pub    *fakePublisher
	mirror *fakeMirror
	svc    *Service
}

func newFixture() *fixture {
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	idx := geo.NewIndex(geo.WithClock(clk.now), geo.WithStaleness(time.Minute))
	reg := registry.New(idx, registry.WithObserver(ObserveStatus))
	pub := &fakePublisher{}
	mirror := &fakeMirror{agents: map[string]models.Agent{}}
	svc := New(idx, reg, pub, mirror, []models.ServiceClass{models.ClassStandard, models.ClassXL}, nil)
	svc.Now = clk.now
	return &fixture{clk: clk, idx: idx, reg: reg, pub: pub, mirror: mirror, svc: svc}
}

func (f *fixture) report(id string, lat, lon float64, at time.Time) models.LocationReport {
	return models.LocationReport{AgentID: id, Lat: lat, Lon: lon, Rating: 4.8, Timestamp: at}
}

func TestReportLocationMakesAgentMatchable(t *testing.T) {
	f := newFixture()
	st, err := f.svc.ReportLocation(context.Background(), f.report("a1", 1, 1, f.clk.now()))
	if err != nil || st != models.AgentAvailable {
		t.Fatalf("expected available, got %s %v", st, err)
	}
	got := f.idx.QueryNearby(models.Coord{Lat: 1, Lon: 1}, 1, models.ClassStandard, 10)
	if len(got) != 1 || got[0].AgentID != "a1" {
		t.Fatalf("agent not searchable: %+v", got)
	}
	if len(f.pub.sent) != 1 {
		t.Fatalf("expected one published report, got %d", len(f.pub.sent))
	}
	if m := f.mirror.agents["a1"]; m.Status != models.AgentAvailable || m.Loc.Lat != 1 {
		t.Fatalf("unexpected mirror entry %+v", m)
	}
}

func TestReportLocationRejectsOutOfOrder(t *testing.T) {
	f := newFixture()
	now := f.clk.now()
	if _, err := f.svc.ReportLocation(context.Background(), f.report("a1", 1, 1, now)); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.ReportLocation(context.Background(), f.report("a1", 2, 2, now.Add(-time.Second)))
	if !errors.Is(err, geo.ErrStaleUpdate) {
		t.Fatalf("expected ErrStaleUpdate, got %v", err)
	}
	if a, _ := f.idx.Position("a1"); a.Loc.Lat != 1 {
		t.Fatalf("older report moved the agent to %+v", a.Loc)
	}
	if len(f.pub.sent) != 1 {
		t.Fatalf("stale report must not be published")
	}
}

func TestReportLocationValidation(t *testing.T) {
	f := newFixture()
	bad := []models.LocationReport{
		{Lat: 1, Lon: 1},
		{AgentID: "a", Lat: 95, Lon: 1},
		{AgentID: "a", Lat: 1, Lon: 1, Rating: 7},
		{AgentID: "a", Lat: 1, Lon: 1, Class: models.ClassPremium},
	}
	for _, r := range bad {
		if _, err := f.svc.ReportLocation(context.Background(), r); !errors.Is(err, ErrInvalidReport) {
			t.Errorf("%+v: expected ErrInvalidReport, got %v", r, err)
		}
	}
}

func TestPublishFailureDoesNotRejectReport(t *testing.T) {
	f := newFixture()
	f.pub.err = errors.New("broker down")
	if _, err := f.svc.ReportLocation(context.Background(), f.report("a1", 1, 1, time.Time{})); err != nil {
		t.Fatalf("publish errors should be logged only, got %v", err)
	}
	if a, ok := f.idx.Position("a1"); !ok || !a.Updated.Equal(f.clk.now()) {
		t.Fatalf("zero timestamp should default to now, got %+v", a)
	}
}

func TestSweepEvictsAndReportRevives(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, _ = f.svc.ReportLocation(ctx, f.report("idle", 1, 1, f.clk.now()))
	_, _ = f.svc.ReportLocation(ctx, f.report("busy", 1, 1.001, f.clk.now()))
	if err := f.reg.TrySetOffered(ctx, "busy"); err != nil {
		t.Fatal(err)
	}

	f.clk.advance(2 * time.Minute)
	f.svc.Evict(ctx, f.idx.Sweep())

	if st, _ := f.reg.Status("idle"); st != models.AgentOffline {
		t.Fatalf("idle agent should be offline, got %s", st)
	}
	if st, _ := f.reg.Status("busy"); st != models.AgentOffered {
		t.Fatalf("offered agent keeps its status, got %s", st)
	}
	if len(f.mirror.removed) != 1 || f.mirror.removed[0] != "idle" {
		t.Fatalf("unexpected mirror removals %v", f.mirror.removed)
	}

	st, err := f.svc.ReportLocation(ctx, f.report("idle", 1, 1, f.clk.now()))
	if err != nil || st != models.AgentAvailable {
		t.Fatalf("fresh report should revive the agent, got %s %v", st, err)
	}
}

func TestReportBetweenSweepAndEvictKeepsAgentSearchable(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, _ = f.svc.ReportLocation(ctx, f.report("a1", 1, 1, f.clk.now()))

	f.clk.advance(2 * time.Minute)
	swept := f.idx.Sweep()
	if len(swept) != 1 {
		t.Fatalf("expected a1 swept, got %v", swept)
	}

	// a fresh report arrives before the eviction reaches the registry
	st, err := f.svc.ReportLocation(ctx, f.report("a1", 1, 1, f.clk.now()))
	if err != nil || st != models.AgentAvailable {
		t.Fatalf("expected available, got %s %v", st, err)
	}
	got := f.idx.QueryNearby(models.Coord{Lat: 1, Lon: 1}, 1, models.ClassStandard, 10)
	if len(got) != 1 || got[0].AgentID != "a1" {
		t.Fatalf("available agent missing from index: %+v", got)
	}

	f.svc.Evict(ctx, swept)
	if st, _ := f.reg.Status("a1"); st != models.AgentAvailable {
		t.Fatalf("late eviction took a fresh agent offline: %s", st)
	}
	if got := f.idx.QueryNearby(models.Coord{Lat: 1, Lon: 1}, 1, models.ClassStandard, 10); len(got) != 1 {
		t.Fatalf("late eviction removed a fresh agent: %+v", got)
	}
}

func TestMarkOfflineAndRelease(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, _ = f.svc.ReportLocation(ctx, f.report("a1", 1, 1, f.clk.now()))
	_, _ = f.svc.ReportLocation(ctx, f.report("a2", 1, 1, f.clk.now()))

	if err := f.svc.MarkOffline(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.idx.Position("a1"); ok {
		t.Fatal("offline agent should be removed from the index")
	}

	if err := f.reg.TrySetOffered(ctx, "a2"); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.ConfirmAssigned(ctx, "a2"); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.MarkOffline(ctx, "a2"); !errors.Is(err, registry.ErrInvalidState) {
		t.Fatalf("assigned agent cannot go offline, got %v", err)
	}
	st, err := f.svc.Release(ctx, "a2")
	if err != nil || st != models.AgentAvailable {
		t.Fatalf("release: %s %v", st, err)
	}
	if _, err := f.svc.Release(ctx, "a2"); !errors.Is(err, registry.ErrInvalidState) {
		t.Fatalf("second release should fail, got %v", err)
	}
}
