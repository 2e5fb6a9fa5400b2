package offer

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func cand(id string) models.Candidate { return models.Candidate{AgentID: id, DistanceKm: 1} }

func issue(t *testing.T, b *Book, req, agent string) models.Offer {
	t.Helper()
	o, err := b.Issue(req, cand(agent), models.Coord{}, 10*time.Second)
	if err != nil {
		t.Fatalf("issue %s/%s: %v", req, agent, err)
	}
	return o
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestIssueRequiresOpenRequest(t *testing.T) {
	b := NewBook()
	if _, err := b.Issue("r1", cand("a"), models.Coord{}, time.Second); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
	b.Open("r1")
	o := issue(t, b, "r1", "a")
	if o.Outcome != models.OfferPending || o.Deadline.Sub(o.IssuedAt) != 10*time.Second {
		t.Fatalf("unexpected offer %+v", o)
	}
	if _, err := b.Issue("r1", cand("a"), models.Coord{}, time.Second); !errors.Is(err, ErrDuplicateOffer) {
		t.Fatalf("expected ErrDuplicateOffer, got %v", err)
	}
}

func TestAcceptSupersedesSiblings(t *testing.T) {
	b := NewBook()
	b.Open("r1")
	a := issue(t, b, "r1", "a")
	c := issue(t, b, "r1", "b")
	d := issue(t, b, "r1", "c")
	if _, err := b.Reject(d.ID); err != nil {
		t.Fatal(err)
	}

	won, err := b.Accept(a.ID)
	if err != nil || won.Outcome != models.OfferAccepted {
		t.Fatalf("accept: %+v %v", won, err)
	}
	got, _ := b.Get(c.ID)
	if got.Outcome != models.OfferSuperseded {
		t.Fatalf("sibling should be superseded, got %s", got.Outcome)
	}
	if !isClosed(b.Done(c.ID)) {
		t.Fatal("superseded offer's done channel not closed")
	}
	rej, _ := b.Get(d.ID)
	if rej.Outcome != models.OfferRejected {
		t.Fatalf("rejected offer changed to %s", rej.Outcome)
	}

	// late acceptance of a superseded offer has no effect
	if _, err := b.Accept(c.ID); !errors.Is(err, ErrOfferClosed) {
		t.Fatalf("expected ErrOfferClosed, got %v", err)
	}
	if w, _ := b.Winner("r1"); w.ID != a.ID {
		t.Fatalf("winner changed to %s", w.ID)
	}
	if _, err := b.Issue("r1", cand("z"), models.Coord{}, time.Second); !errors.Is(err, ErrRequestClosed) {
		t.Fatalf("expected ErrRequestClosed, got %v", err)
	}
}

func TestCloseSupersedesAndIsIdempotent(t *testing.T) {
	b := NewBook()
	b.Open("r1")
	a := issue(t, b, "r1", "a")
	changed, ok := b.Close("r1")
	if !ok || len(changed) != 1 || changed[0].Outcome != models.OfferSuperseded {
		t.Fatalf("close: ok=%v changed=%+v", ok, changed)
	}
	if _, ok := b.Close("r1"); ok {
		t.Fatal("second close should report already closed")
	}
	if _, err := b.Accept(a.ID); !errors.Is(err, ErrOfferClosed) {
		t.Fatalf("late accept after close: %v", err)
	}
	if _, ok := b.Winner("r1"); ok {
		t.Fatal("closed request must not have a winner")
	}
}

func TestExpireThenAcceptIsIgnored(t *testing.T) {
	b := NewBook()
	b.Open("r1")
	a := issue(t, b, "r1", "a")
	if _, err := b.Expire(a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Accept(a.ID); !errors.Is(err, ErrOfferClosed) {
		t.Fatalf("expected ErrOfferClosed, got %v", err)
	}
	// the agent may be offered again in a later round
	issue(t, b, "r1", "a")
	if got := b.Contacted("r1"); !got["a"] || len(got) != 1 {
		t.Fatalf("unexpected contacted set %v", got)
	}
}

func TestConcurrentAcceptSingleWinner(t *testing.T) {
	b := NewBook()
	b.Open("r1")
	const n = 12
	ids := make([]string, n)
	for i := range ids {
		ids[i] = issue(t, b, "r1", fmt.Sprintf("a%d", i)).ID
	}
	var wg sync.WaitGroup
	errs := make(chan error, n+1)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := b.Accept(id)
			errs <- err
		}(id)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, ok := b.Close("r1"); !ok {
			errs <- ErrRequestClosed
			return
		}
		errs <- nil
	}()
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one winner among accepts and close, got %d", success)
	}
	accepted := 0
	for _, o := range b.ForRequest("r1") {
		if o.Outcome == models.OfferPending {
			t.Fatalf("offer %s left pending", o.ID)
		}
		if o.Outcome == models.OfferAccepted {
			accepted++
		}
	}
	if accepted > 1 {
		t.Fatalf("more than one accepted offer: %d", accepted)
	}
}

func TestObserverAndForget(t *testing.T) {
	var mu sync.Mutex
	var seen []models.OfferOutcome
	b := NewBook(WithObserver(func(o models.Offer) {
		mu.Lock()
		seen = append(seen, o.Outcome)
		mu.Unlock()
	}))
	b.Open("r1")
	a := issue(t, b, "r1", "a")
	issue(t, b, "r1", "b")
	if _, err := b.Accept(a.ID); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	if len(seen) != 4 {
		t.Fatalf("expected 4 observations, got %v", seen)
	}
	mu.Unlock()

	b.Forget("r1")
	if _, ok := b.Get(a.ID); ok {
		t.Fatal("forgotten offer still present")
	}
	if !isClosed(b.Done(a.ID)) {
		t.Fatal("done channel for unknown offer should be closed")
	}
}
