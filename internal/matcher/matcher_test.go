package matcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/offer"
	"github.com/example/ride-dispatch/internal/registry"
)

const kmPerDegree = 111.195

func kmEast(d float64) models.Coord { return models.Coord{Lat: 0, Lon: d / kmPerDegree} }

// scriptedAgents answers offers the way each agent is told to.
type scriptedAgents struct {
	mu      sync.Mutex
	book    *offer.Book
	answers map[string]string // accept | reject | ignore | fail
	sent    []string
}

func (s *scriptedAgents) SendOffer(_ context.Context, o models.Offer) error {
	s.mu.Lock()
	s.sent = append(s.sent, o.AgentID)
	ans := s.answers[o.AgentID]
	s.mu.Unlock()
	switch ans {
	case "accept":
		go func() { _, _ = s.book.Accept(o.ID) }()
	case "reject":
		go func() { _, _ = s.book.Reject(o.ID) }()
	case "fail":
		return errors.New("no session")
	}
	return nil
}

func (s *scriptedAgents) contacted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type fixture struct {
	idx    *geo.Index
	reg    *registry.Registry
	book   *offer.Book
	agents *scriptedAgents
	svc    *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	idx := geo.NewIndex()
	reg := registry.New(idx)
	book := offer.NewBook()
	agents := &scriptedAgents{book: book, answers: map[string]string{}}
	return &fixture{idx: idx, reg: reg, book: book, agents: agents, svc: New(idx, reg, book, agents, cfg, nil)}
}

func (f *fixture) add(t *testing.T, id string, loc models.Coord, rating float64) {
	t.Helper()
	if err := f.idx.Upsert(models.Agent{ID: id, Loc: loc, Rating: rating, Class: models.ClassStandard, Updated: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.Online(context.Background(), id); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) request(id string) models.RideRequest {
	f.book.Open(id)
	return models.RideRequest{ID: id, Pickup: models.Coord{}, Class: models.ClassStandard}
}

func ids(cands []models.Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.AgentID
	}
	return out
}

func TestFindCandidatesWithinInitialRadius(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRadiusKm = cfg.InitialRadiusKm
	f := newFixture(t, cfg)
	f.add(t, "far", kmEast(4), 5)
	f.add(t, "near", kmEast(0.5), 4)
	f.add(t, "mid", kmEast(1), 4.9)

	got, err := f.svc.FindCandidates(context.Background(), f.request("r1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(ids(got)) != "[near mid]" {
		t.Fatalf("expected [near mid], got %v", ids(got))
	}
}

func TestFindCandidatesWidensUntilEnough(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.add(t, "a", kmEast(0.5), 4)
	f.add(t, "b", kmEast(1), 4)
	f.add(t, "c", kmEast(3.5), 4)
	f.add(t, "d", kmEast(9), 4)

	w := f.svc.Widen(f.request("r1"), nil)
	var radii []float64
	for {
		a, ok := w.Next()
		if !ok {
			break
		}
		radii = append(radii, a.RadiusKm)
	}
	if fmt.Sprint(radii) != "[2 4]" {
		t.Fatalf("expected radii [2 4], got %v", radii)
	}

	got, err := f.svc.FindCandidates(context.Background(), f.request("r1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(ids(got)) != "[a b c]" {
		t.Fatalf("expected [a b c], got %v", ids(got))
	}
}

func TestWideningTerminatesWithNoCandidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 10
	f := newFixture(t, cfg)

	w := f.svc.Widen(f.request("r1"), nil)
	var radii []float64
	for {
		a, ok := w.Next()
		if !ok {
			break
		}
		radii = append(radii, a.RadiusKm)
		if len(radii) > 100 {
			t.Fatal("widening did not terminate")
		}
	}
	if fmt.Sprint(radii) != "[2 4 8 10]" {
		t.Fatalf("expected radii capped at 10, got %v", radii)
	}
	w.Reset()
	if a, ok := w.Next(); !ok || a.RadiusKm != 2 {
		t.Fatalf("reset should restart at the initial radius, got %+v", a)
	}

	if _, err := f.svc.FindCandidates(context.Background(), f.request("r2"), nil); !errors.Is(err, ErrNoDriverAvailable) {
		t.Fatalf("expected ErrNoDriverAvailable, got %v", err)
	}
}

func TestWideningRespectsAttemptBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.MaxRadiusKm = 100
	f := newFixture(t, cfg)
	w := f.svc.Widen(f.request("r1"), nil)
	n := 0
	for {
		if _, ok := w.Next(); !ok {
			break
		}
		n++
	}
	if n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
}

func TestFindCandidatesSkipsExcluded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinCandidates = 1
	f := newFixture(t, cfg)
	f.add(t, "a", kmEast(0.5), 4)
	f.add(t, "b", kmEast(1), 4)
	got, err := f.svc.FindCandidates(context.Background(), f.request("r1"), map[string]bool{"a": true})
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(ids(got)) != "[b]" {
		t.Fatalf("expected [b], got %v", ids(got))
	}
}

func TestRankIsDistanceFirst(t *testing.T) {
	now := time.Now()
	cands := []models.Candidate{
		{AgentID: "A", DistanceKm: 1.000, Rating: 4.0, Updated: now},
		{AgentID: "B", DistanceKm: 1.004, Rating: 5.0, Updated: now},
		{AgentID: "C", DistanceKm: 0.5, Rating: 3.0, Updated: now},
		{AgentID: "D", DistanceKm: 1.000, Rating: 4.0, Updated: now.Add(time.Second)},
		{AgentID: "E", DistanceKm: 1.000, Rating: 4.5, Updated: now},
	}
	got := Rank(cands)
	if fmt.Sprint(ids(got)) != "[C E D A B]" {
		t.Fatalf("expected [C E D A B], got %v", ids(got))
	}
	if cands[0].AgentID != "A" {
		t.Fatal("rank mutated its input")
	}
}

func TestFindCandidatesNeverPutsFartherHigherRatedFirst(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.add(t, "near", kmEast(1.002), 3)
	f.add(t, "far", kmEast(1.008), 5)
	f.add(t, "x", kmEast(1.5), 4)
	got, err := f.svc.FindCandidates(context.Background(), f.request("r1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(ids(got)) != "[near far x]" {
		t.Fatalf("expected [near far x], got %v", ids(got))
	}
}

func TestSequentialRoundAcceptsFirstWillingAgent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OfferTimeout = time.Second
	f := newFixture(t, cfg)
	f.add(t, "a", kmEast(0.5), 4)
	f.add(t, "b", kmEast(1), 4)
	f.add(t, "c", kmEast(1.5), 4)
	f.agents.answers["a"] = "reject"
	f.agents.answers["b"] = "accept"

	req := f.request("r1")
	cands, err := f.svc.FindCandidates(context.Background(), req, nil)
	if err != nil {
		t.Fatal(err)
	}
	var issued []string
	won, err := f.svc.RunOfferRound(context.Background(), req, cands, func(o models.Offer) { issued = append(issued, o.AgentID) })
	if err != nil {
		t.Fatal(err)
	}
	if won.AgentID != "b" {
		t.Fatalf("expected b to win, got %s", won.AgentID)
	}
	if fmt.Sprint(issued) != "[a b]" {
		t.Fatalf("expected offers to [a b], got %v", issued)
	}
	if st, _ := f.reg.Status("a"); st != models.AgentAvailable {
		t.Fatalf("rejecting agent should be released, got %s", st)
	}
	if st, _ := f.reg.Status("b"); st != models.AgentOffered {
		t.Fatalf("winner stays offered until the coordinator confirms, got %s", st)
	}
	if st, _ := f.reg.Status("c"); st != models.AgentAvailable {
		t.Fatalf("c was never contacted, got %s", st)
	}
}

func TestSequentialRoundExpiresSilentAgents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OfferTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)
	f.add(t, "a", kmEast(0.5), 4)
	f.add(t, "b", kmEast(1), 4)

	req := f.request("r1")
	cands := []models.Candidate{{AgentID: "a", DistanceKm: 0.5}, {AgentID: "b", DistanceKm: 1}}
	_, err := f.svc.RunOfferRound(context.Background(), req, cands, nil)
	if !errors.Is(err, ErrNoDriverAvailable) {
		t.Fatalf("expected ErrNoDriverAvailable, got %v", err)
	}
	for _, o := range f.book.ForRequest("r1") {
		if o.Outcome != models.OfferExpired {
			t.Fatalf("offer to %s should be expired, got %s", o.AgentID, o.Outcome)
		}
	}
	if fmt.Sprint(f.agents.contacted()) != "[a b]" {
		t.Fatalf("expected both agents contacted, got %v", f.agents.contacted())
	}
	for _, id := range []string{"a", "b"} {
		if st, _ := f.reg.Status(id); st != models.AgentAvailable {
			t.Fatalf("%s should be available again, got %s", id, st)
		}
	}
}

func TestRoundSkipsClaimedAndUnreachableAgents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OfferTimeout = time.Second
	f := newFixture(t, cfg)
	f.add(t, "busy", kmEast(0.2), 4)
	f.add(t, "gone", kmEast(0.4), 4)
	f.add(t, "ok", kmEast(0.6), 4)
	f.agents.answers["gone"] = "fail"
	f.agents.answers["ok"] = "accept"
	if err := f.reg.TrySetOffered(context.Background(), "busy"); err != nil {
		t.Fatal(err)
	}

	req := f.request("r1")
	cands := []models.Candidate{{AgentID: "busy"}, {AgentID: "gone"}, {AgentID: "ok"}}
	won, err := f.svc.RunOfferRound(context.Background(), req, cands, nil)
	if err != nil || won.AgentID != "ok" {
		t.Fatalf("expected ok to win, got %+v err=%v", won, err)
	}
	if st, _ := f.reg.Status("gone"); st != models.AgentAvailable {
		t.Fatalf("unreachable agent should be released, got %s", st)
	}
}

func TestParallelRoundFirstAcceptWins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = Parallel
	cfg.FanOut = 3
	cfg.OfferTimeout = time.Second
	f := newFixture(t, cfg)
	f.add(t, "a", kmEast(0.5), 4)
	f.add(t, "b", kmEast(1), 4)
	f.add(t, "c", kmEast(1.5), 4)
	f.agents.answers["b"] = "accept"

	req := f.request("r1")
	cands, _ := f.svc.FindCandidates(context.Background(), req, nil)
	won, err := f.svc.RunOfferRound(context.Background(), req, cands, nil)
	if err != nil || won.AgentID != "b" {
		t.Fatalf("expected b to win, got %+v err=%v", won, err)
	}
	accepted := 0
	for _, o := range f.book.ForRequest("r1") {
		switch o.Outcome {
		case models.OfferAccepted:
			accepted++
		case models.OfferSuperseded:
		default:
			t.Fatalf("offer to %s left as %s", o.AgentID, o.Outcome)
		}
	}
	if accepted != 1 {
		t.Fatalf("expected one accepted offer, got %d", accepted)
	}
	for _, id := range []string{"a", "c"} {
		if st, _ := f.reg.Status(id); st != models.AgentAvailable {
			t.Fatalf("%s should be released after being superseded, got %s", id, st)
		}
	}
}

func TestRoundStopsWhenRequestClosed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OfferTimeout = time.Second
	f := newFixture(t, cfg)
	f.add(t, "a", kmEast(0.5), 4)
	f.add(t, "b", kmEast(1), 4)

	req := f.request("r1")
	cands := []models.Candidate{{AgentID: "a"}, {AgentID: "b"}}
	issued := make(chan models.Offer, 2)
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.RunOfferRound(context.Background(), req, cands, func(o models.Offer) { issued <- o })
		done <- err
	}()
	<-issued
	f.book.Close("r1")

	select {
	case err := <-done:
		if !errors.Is(err, offer.ErrRequestClosed) {
			t.Fatalf("expected ErrRequestClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("round did not stop after close")
	}
	if st, _ := f.reg.Status("a"); st != models.AgentAvailable {
		t.Fatalf("superseded agent should be released, got %s", st)
	}
	if st, _ := f.reg.Status("b"); st != models.AgentAvailable {
		t.Fatalf("b should never have been offered, got %s", st)
	}
}

func TestConcurrentRoundsNeverShareAnAgent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OfferTimeout = time.Second
	f := newFixture(t, cfg)
	f.add(t, "solo", kmEast(0.5), 4)
	f.agents.answers["solo"] = "accept"

	const n = 6
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		req := f.request(fmt.Sprintf("r%d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RunOfferRound(context.Background(), req, []models.Candidate{{AgentID: "solo"}}, nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	won := 0
	for err := range results {
		if err == nil {
			won++
			continue
		}
		if !errors.Is(err, ErrNoDriverAvailable) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one round to win the agent, got %d", won)
	}
}
