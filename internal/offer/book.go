package offer

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrOfferClosed means the offer already left pending; a late answer
	// changes nothing.
	ErrOfferClosed    = errors.New("offer: no longer pending")
	ErrUnknownOffer   = errors.New("offer: unknown offer")
	ErrRequestClosed  = errors.New("offer: request closed")
	ErrUnknownRequest = errors.New("offer: unknown request")
	ErrDuplicateOffer = errors.New("offer: agent already holds a pending offer for this request")
)

// Book is the shared outcome table for offers. Every outcome change for
// every offer goes through its lock, so accepting one offer, superseding its
// siblings and closing the request happen as one step.
type Book struct {
	mu       sync.Mutex
	offers   map[string]*record
	requests map[string]*ledger
	now      func() time.Time
	observe  func(models.Offer)
}

type record struct {
	offer models.Offer
	done  chan struct{}
}

type ledger struct {
	closed  bool
	winner  string
	pending map[string]string // agent id -> offer id
	offers  []string
}

type Option func(*Book)

func WithClock(now func() time.Time) Option { return func(b *Book) { b.now = now } }

// WithObserver is called outside the lock for every offer that is issued or
// changes outcome.
func WithObserver(fn func(models.Offer)) Option { return func(b *Book) { b.observe = fn } }

func NewBook(opts ...Option) *Book {
	b := &Book{offers: make(map[string]*record), requests: make(map[string]*ledger), now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Open starts tracking a request. Opening twice is a no-op.
func (b *Book) Open(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.requests[requestID]; !ok {
		b.requests[requestID] = &ledger{pending: make(map[string]string)}
	}
}

// Issue creates a pending offer for agentID that lapses after ttl.
func (b *Book) Issue(requestID string, c models.Candidate, pickup models.Coord, ttl time.Duration) (models.Offer, error) {
	b.mu.Lock()
	l, ok := b.requests[requestID]
	if !ok {
		b.mu.Unlock()
		return models.Offer{}, ErrUnknownRequest
	}
	if l.closed {
		b.mu.Unlock()
		return models.Offer{}, ErrRequestClosed
	}
	if _, dup := l.pending[c.AgentID]; dup {
		b.mu.Unlock()
		return models.Offer{}, ErrDuplicateOffer
	}
	now := b.now()
	o := models.Offer{
		ID:         uuid.NewString(),
		RequestID:  requestID,
		AgentID:    c.AgentID,
		IssuedAt:   now,
		Deadline:   now.Add(ttl),
		Outcome:    models.OfferPending,
		Pickup:     pickup,
		DistanceKm: c.DistanceKm,
	}
	b.offers[o.ID] = &record{offer: o, done: make(chan struct{})}
	l.pending[c.AgentID] = o.ID
	l.offers = append(l.offers, o.ID)
	b.mu.Unlock()
	b.notify(o)
	return o, nil
}

// Accept makes offerID the winner of its request: the request closes and
// every other pending offer for it is superseded.
func (b *Book) Accept(offerID string) (models.Offer, error) {
	b.mu.Lock()
	r, ok := b.offers[offerID]
	if !ok {
		b.mu.Unlock()
		return models.Offer{}, ErrUnknownOffer
	}
	if r.offer.Outcome != models.OfferPending {
		o := r.offer
		b.mu.Unlock()
		return o, ErrOfferClosed
	}
	l := b.requests[r.offer.RequestID]
	changed := []models.Offer{b.resolve(l, r, models.OfferAccepted)}
	l.closed = true
	l.winner = offerID
	changed = append(changed, b.supersede(l)...)
	b.mu.Unlock()
	b.notify(changed...)
	return changed[0], nil
}

// Reject records a refusal.
func (b *Book) Reject(offerID string) (models.Offer, error) {
	return b.finish(offerID, models.OfferRejected)
}

// Expire records that the response deadline passed.
func (b *Book) Expire(offerID string) (models.Offer, error) {
	return b.finish(offerID, models.OfferExpired)
}

// Close ends a request without a winner and supersedes its pending offers.
// It returns false if the request was already closed.
func (b *Book) Close(requestID string) ([]models.Offer, bool) {
	b.mu.Lock()
	l, ok := b.requests[requestID]
	if !ok {
		l = &ledger{pending: make(map[string]string)}
		b.requests[requestID] = l
	}
	if l.closed {
		b.mu.Unlock()
		return nil, false
	}
	l.closed = true
	changed := b.supersede(l)
	b.mu.Unlock()
	b.notify(changed...)
	return changed, true
}

// Winner returns the accepted offer of a request, if any.
func (b *Book) Winner(requestID string) (models.Offer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.requests[requestID]
	if !ok || l.winner == "" {
		return models.Offer{}, false
	}
	return b.offers[l.winner].offer, true
}

func (b *Book) Get(offerID string) (models.Offer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.offers[offerID]
	if !ok {
		return models.Offer{}, false
	}
	return r.offer, true
}

// Done is closed once the offer leaves pending. Unknown offers get a closed
// channel.
func (b *Book) Done(offerID string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.offers[offerID]; ok {
		return r.done
	}
	c := make(chan struct{})
	close(c)
	return c
}

// ForRequest lists every offer issued for a request in issue order.
func (b *Book) ForRequest(requestID string) []models.Offer {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.requests[requestID]
	if !ok {
		return nil
	}
	out := make([]models.Offer, 0, len(l.offers))
	for _, id := range l.offers {
		out = append(out, b.offers[id].offer)
	}
	return out
}

// Contacted returns the agents that already received an offer for a request.
func (b *Book) Contacted(requestID string) map[string]bool {
	out := make(map[string]bool)
	for _, o := range b.ForRequest(requestID) {
		out[o.AgentID] = true
	}
	return out
}

// Forget drops a closed request and its offers. Open requests are kept.
func (b *Book) Forget(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.requests[requestID]
	if !ok || !l.closed {
		return
	}
	for _, id := range l.offers {
		delete(b.offers, id)
	}
	delete(b.requests, requestID)
}

func (b *Book) finish(offerID string, outcome models.OfferOutcome) (models.Offer, error) {
	b.mu.Lock()
	r, ok := b.offers[offerID]
	if !ok {
		b.mu.Unlock()
		return models.Offer{}, ErrUnknownOffer
	}
	if r.offer.Outcome != models.OfferPending {
		o := r.offer
		b.mu.Unlock()
		return o, ErrOfferClosed
	}
	o := b.resolve(b.requests[r.offer.RequestID], r, outcome)
	b.mu.Unlock()
	b.notify(o)
	return o, nil
}

// resolve must be called with mu held.
func (b *Book) resolve(l *ledger, r *record, outcome models.OfferOutcome) models.Offer {
	r.offer.Outcome = outcome
	delete(l.pending, r.offer.AgentID)
	close(r.done)
	return r.offer
}

// supersede must be called with mu held.
func (b *Book) supersede(l *ledger) []models.Offer {
	var out []models.Offer
	for _, id := range l.offers {
		if r := b.offers[id]; r.offer.Outcome == models.OfferPending {
			out = append(out, b.resolve(l, r, models.OfferSuperseded))
		}
	}
	return out
}

func (b *Book) notify(offers ...models.Offer) {
	if b.observe == nil {
		return
	}
	for _, o := range offers {
		b.observe(o)
	}
}
