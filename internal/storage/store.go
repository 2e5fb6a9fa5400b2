package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("storage: not found")

// RequestStore persists ride requests and the offers made for them.
type RequestStore interface {
	SaveRequest(ctx context.Context, r models.RideRequest) error
	UpdateRequest(ctx context.Context, r models.RideRequest) error
	GetRequest(ctx context.Context, id string) (models.RideRequest, error)
	SaveOffer(ctx context.Context, o models.Offer) error
}

type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]models.RideRequest
	offers   map[string]models.Offer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]models.RideRequest),
		offers:   make(map[string]models.Offer),
	}
}

func (m *MemoryStore) SaveRequest(_ context.Context, r models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = r
	return nil
}

func (m *MemoryStore) UpdateRequest(_ context.Context, r models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		return ErrNotFound
	}
	m.requests[r.ID] = r
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.RideRequest{}, ErrNotFound
	}
	return r, nil
}

// SaveOffer keeps the first resolved outcome of an offer.
func (m *MemoryStore) SaveOffer(_ context.Context, o models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.offers[o.ID]; ok && prev.Outcome != models.OfferPending {
		return nil
	}
	m.offers[o.ID] = o
	return nil
}

// Offers returns the stored offers of a request.
func (m *MemoryStore) Offers(requestID string) []models.Offer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Offer
	for _, o := range m.offers {
		if o.RequestID == requestID {
			out = append(out, o)
		}
	}
	return out
}
