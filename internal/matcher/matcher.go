package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/offer"
	"github.com/example/ride-dispatch/internal/registry"
)

// ErrNoDriverAvailable means the search or the offer round ran out of
// candidates without an acceptance.
var ErrNoDriverAvailable = errors.New("matcher: no driver available")

type Geo interface {
	QueryNearby(center models.Coord, radiusKm float64, class models.ServiceClass, limit int) []models.Candidate
}

type Registry interface {
	TrySetOffered(ctx context.Context, id string) error
	Release(ctx context.Context, id string) (models.AgentStatus, error)
}

// Book is the offer table the matcher writes pending offers to.
type Book interface {
	Issue(requestID string, c models.Candidate, pickup models.Coord, ttl time.Duration) (models.Offer, error)
	Expire(offerID string) (models.Offer, error)
	Get(offerID string) (models.Offer, bool)
	Done(offerID string) <-chan struct{}
}

// Sender delivers an offer to the agent's device.
type Sender interface {
	SendOffer(ctx context.Context, o models.Offer) error
}

type Policy string

const (
	Sequential Policy = "sequential"
	Parallel   Policy = "parallel"
)

type Config struct {
	InitialRadiusKm float64
	MaxRadiusKm     float64
	RadiusFactor    float64
	MaxAttempts     int
	MinCandidates   int
	CandidateLimit  int
	Policy          Policy
	FanOut          int
	OfferTimeout    time.Duration
	// ReleaseTimeout bounds registry calls made after the request context
	// is gone.
	ReleaseTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialRadiusKm: 2,
		MaxRadiusKm:     10,
		RadiusFactor:    2,
		MaxAttempts:     4,
		MinCandidates:   3,
		CandidateLimit:  20,
		Policy:          Sequential,
		FanOut:          3,
		OfferTimeout:    10 * time.Second,
		ReleaseTimeout:  time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialRadiusKm <= 0 {
		c.InitialRadiusKm = d.InitialRadiusKm
	}
	if c.MaxRadiusKm < c.InitialRadiusKm {
		c.MaxRadiusKm = c.InitialRadiusKm
	}
	if c.RadiusFactor <= 1 {
		c.RadiusFactor = d.RadiusFactor
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.MinCandidates <= 0 {
		c.MinCandidates = 1
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = d.CandidateLimit
	}
	if c.Policy == "" {
		c.Policy = Sequential
	}
	if c.FanOut <= 0 {
		c.FanOut = 1
	}
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = d.OfferTimeout
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = d.ReleaseTimeout
	}
	return c
}

type Service struct {
	Geo      Geo
	Registry Registry
	Book     Book
	Sender   Sender
	Config   Config
	Logger   *slog.Logger
}

func New(geo Geo, reg Registry, book Book, sender Sender, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Geo: geo, Registry: reg, Book: book, Sender: sender, Config: cfg.withDefaults(), Logger: logger}
}

// Attempt is one step of the widening search.
type Attempt struct {
	N          int
	RadiusKm   float64
	Candidates []models.Candidate
}

// Widening is the bounded sequence of search attempts for one request. Each
// call to Next queries one radius; the sequence ends once enough candidates
// were found, the radius ceiling was searched or the attempt budget is spent.
type Widening struct {
	s       *Service
	req     models.RideRequest
	exclude map[string]bool
	radius  float64
	n       int
	done    bool
}

func (s *Service) Widen(req models.RideRequest, exclude map[string]bool) *Widening {
	w := &Widening{s: s, req: req, exclude: exclude}
	w.Reset()
	return w
}

// Reset restarts the sequence from the initial radius.
func (w *Widening) Reset() {
	w.radius = w.s.Config.InitialRadiusKm
	w.n = 0
	w.done = false
}

func (w *Widening) Next() (Attempt, bool) {
	cfg := w.s.Config
	if w.done {
		return Attempt{}, false
	}
	w.n++
	found := w.s.Geo.QueryNearby(w.req.Pickup, w.radius, w.req.Class, cfg.CandidateLimit+len(w.exclude))
	cands := make([]models.Candidate, 0, len(found))
	for _, c := range found {
		if !w.exclude[c.AgentID] {
			cands = append(cands, c)
		}
	}
	if len(cands) > cfg.CandidateLimit {
		cands = cands[:cfg.CandidateLimit]
	}
	a := Attempt{N: w.n, RadiusKm: w.radius, Candidates: cands}
	if len(cands) >= cfg.MinCandidates || w.radius >= cfg.MaxRadiusKm || w.n >= cfg.MaxAttempts {
		w.done = true
	}
	w.radius *= cfg.RadiusFactor
	if w.radius > cfg.MaxRadiusKm {
		w.radius = cfg.MaxRadiusKm
	}
	return a, true
}

// FindCandidates runs the widening search and returns the ranked candidates
// of the last attempt. Agents in exclude are skipped.
func (s *Service) FindCandidates(ctx context.Context, req models.RideRequest, exclude map[string]bool) ([]models.Candidate, error) {
	w := s.Widen(req, exclude)
	var last Attempt
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a, ok := w.Next()
		if !ok {
			break
		}
		last = a
		s.Logger.Debug("search attempt", "request_id", req.ID, "attempt", a.N, "radius_km", a.RadiusKm, "found", len(a.Candidates))
	}
	observability.SearchAttempts.Observe(float64(last.N))
	if len(last.Candidates) == 0 {
		return nil, ErrNoDriverAvailable
	}
	return Rank(last.Candidates), nil
}

// Rank orders candidates by ascending distance. Rating breaks exact distance
// ties, then the fresher report wins. The input slice is not modified.
func Rank(cands []models.Candidate) []models.Candidate {
	out := append([]models.Candidate(nil), cands...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return out[i].Updated.After(out[j].Updated)
	})
	return out
}

// RunOfferRound offers the request to candidates until one accepts. issued is
// called for every offer that reaches an agent. The accepted offer is
// returned; acceptance itself is committed by whoever calls Book.Accept.
func (s *Service) RunOfferRound(ctx context.Context, req models.RideRequest, cands []models.Candidate, issued func(models.Offer)) (models.Offer, error) {
	if s.Config.Policy == Parallel {
		return s.runParallel(ctx, req, cands, issued)
	}
	return s.runSequential(ctx, req, cands, issued)
}

func (s *Service) runSequential(ctx context.Context, req models.RideRequest, cands []models.Candidate, issued func(models.Offer)) (models.Offer, error) {
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return models.Offer{}, err
		}
		o, err := s.offerTo(ctx, req, c)
		if err != nil {
			if errors.Is(err, offer.ErrRequestClosed) {
				return models.Offer{}, err
			}
			continue
		}
		if issued != nil {
			issued(o)
		}
		final, err := s.await(ctx, o)
		if err != nil {
			return models.Offer{}, err
		}
		if final.Outcome == models.OfferAccepted {
			return final, nil
		}
		if final.Outcome == models.OfferSuperseded {
			return models.Offer{}, offer.ErrRequestClosed
		}
	}
	return models.Offer{}, ErrNoDriverAvailable
}

type awaited struct {
	o   models.Offer
	err error
}

func (s *Service) runParallel(ctx context.Context, req models.RideRequest, cands []models.Candidate, issued func(models.Offer)) (models.Offer, error) {
	next := 0
	for next < len(cands) {
		if err := ctx.Err(); err != nil {
			return models.Offer{}, err
		}
		var batch []models.Offer
		closing := false
		for next < len(cands) && len(batch) < s.Config.FanOut {
			o, err := s.offerTo(ctx, req, cands[next])
			next++
			if err != nil {
				if errors.Is(err, offer.ErrRequestClosed) {
					closing = true
					break
				}
				continue
			}
			if issued != nil {
				issued(o)
			}
			batch = append(batch, o)
		}
		if len(batch) == 0 {
			if closing {
				return models.Offer{}, offer.ErrRequestClosed
			}
			continue
		}

		results := make(chan awaited, len(batch))
		for _, o := range batch {
			go func(o models.Offer) {
				final, err := s.await(ctx, o)
				results <- awaited{final, err}
			}(o)
		}
		var won *models.Offer
		var closed, ctxErr error
		for range batch {
			r := <-results
			switch {
			case r.err != nil:
				ctxErr = r.err
			case r.o.Outcome == models.OfferAccepted:
				w := r.o
				won = &w
			case r.o.Outcome == models.OfferSuperseded:
				closed = offer.ErrRequestClosed
			}
		}
		if won != nil {
			return *won, nil
		}
		if ctxErr != nil {
			return models.Offer{}, ctxErr
		}
		if closed != nil {
			return models.Offer{}, closed
		}
	}
	return models.Offer{}, ErrNoDriverAvailable
}

// offerTo claims the agent, records the offer and sends it. A failed claim
// is the normal outcome of a race with another request and is not an error
// for the round.
func (s *Service) offerTo(ctx context.Context, req models.RideRequest, c models.Candidate) (models.Offer, error) {
	if err := s.Registry.TrySetOffered(ctx, c.AgentID); err != nil {
		s.Logger.Debug("candidate skipped", "request_id", req.ID, "agent_id", c.AgentID, "error", err)
		return models.Offer{}, err
	}
	o, err := s.Book.Issue(req.ID, c, req.Pickup, s.Config.OfferTimeout)
	if err != nil {
		s.release(ctx, c.AgentID)
		return models.Offer{}, err
	}
	if s.Sender != nil {
		if err := s.Sender.SendOffer(ctx, o); err != nil {
			s.Logger.Warn("offer delivery failed", "request_id", req.ID, "agent_id", c.AgentID, "offer_id", o.ID, "error", err)
			s.settle(ctx, o.ID)
			return models.Offer{}, fmt.Errorf("send offer: %w", err)
		}
	}
	return o, nil
}

// await blocks until the offer leaves pending or its deadline passes. If ctx
// ends first the agent is released in the background once the offer is
// closed, which the owner of ctx is expected to do.
func (s *Service) await(ctx context.Context, o models.Offer) (models.Offer, error) {
	t := time.NewTimer(time.Until(o.Deadline))
	defer t.Stop()
	select {
	case <-s.Book.Done(o.ID):
	case <-t.C:
	case <-ctx.Done():
		go s.settleWhenDone(o)
		return models.Offer{}, ctx.Err()
	}
	return s.settle(ctx, o.ID), nil
}

// settle expires the offer if it is still pending and returns the agent to
// the pool unless the offer was accepted.
func (s *Service) settle(ctx context.Context, offerID string) models.Offer {
	final, err := s.Book.Expire(offerID)
	if err != nil && !errors.Is(err, offer.ErrOfferClosed) {
		s.Logger.Warn("expire offer", "offer_id", offerID, "error", err)
	}
	if err != nil {
		if got, ok := s.Book.Get(offerID); ok {
			final = got
		}
	}
	if final.Outcome != models.OfferAccepted && final.AgentID != "" {
		s.release(ctx, final.AgentID)
	}
	return final
}

func (s *Service) settleWhenDone(o models.Offer) {
	t := time.NewTimer(time.Until(o.Deadline))
	defer t.Stop()
	select {
	case <-s.Book.Done(o.ID):
	case <-t.C:
	}
	s.settle(context.Background(), o.ID)
}

func (s *Service) release(ctx context.Context, agentID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Config.ReleaseTimeout)
	defer cancel()
	if _, err := s.Registry.Release(ctx, agentID); err != nil && !errors.Is(err, registry.ErrInvalidState) {
		s.Logger.Warn("release agent", "agent_id", agentID, "error", err)
	}
}
