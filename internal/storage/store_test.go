package storage

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestMemoryStoreRequests(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := models.RideRequest{ID: "r1", RiderID: "u1", State: models.StateSearching, CreatedAt: time.Now()}

	if err := s.UpdateRequest(ctx, r); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update of unknown request: %v", err)
	}
	if err := s.SaveRequest(ctx, r); err != nil {
		t.Fatal(err)
	}
	r.State, r.AgentID = models.StateAssigned, "a1"
	if err := s.UpdateRequest(ctx, r); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRequest(ctx, "r1")
	if err != nil || got.State != models.StateAssigned || got.AgentID != "a1" {
		t.Fatalf("unexpected request %+v %v", got, err)
	}
	if _, err := s.GetRequest(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreOffersKeepLatestOutcome(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	o := models.Offer{ID: "o1", RequestID: "r1", AgentID: "a1", Outcome: models.OfferPending}
	_ = s.SaveOffer(ctx, o)
	o.Outcome = models.OfferAccepted
	_ = s.SaveOffer(ctx, o)
	// a late pending write does not undo the outcome
	o.Outcome = models.OfferPending
	_ = s.SaveOffer(ctx, o)
	_ = s.SaveOffer(ctx, models.Offer{ID: "o2", RequestID: "r2", AgentID: "a2"})

	got := s.Offers("r1")
	if len(got) != 1 || got[0].Outcome != models.OfferAccepted {
		t.Fatalf("unexpected offers %+v", got)
	}
}

func TestMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		t.Fatal(err)
	}
	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	if ups == 0 || ups != downs {
		t.Fatalf("expected paired migrations, got %d up and %d down", ups, downs)
	}
}
