package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/offer"
)

var (
	ErrInvalidRequest = errors.New("dispatch: invalid request")
	ErrRequestExpired = errors.New("dispatch: request expired")
	ErrNotFound       = errors.New("dispatch: request not found")
	ErrAgentMismatch  = errors.New("dispatch: offer belongs to another agent")
	ErrClosed         = errors.New("dispatch: coordinator closed")
)

// Failure and cancellation reasons reported to collaborators.
const (
	ReasonNoDriver  = "no_driver_available"
	ReasonExpired   = "request_expired"
	ReasonCancelled = "cancelled"
	ReasonShutdown  = "shutdown"
)

type Matcher interface {
	FindCandidates(ctx context.Context, req models.RideRequest, exclude map[string]bool) ([]models.Candidate, error)
	RunOfferRound(ctx context.Context, req models.RideRequest, cands []models.Candidate, issued func(models.Offer)) (models.Offer, error)
}

type Book interface {
	Open(requestID string)
	Accept(offerID string) (models.Offer, error)
	Reject(offerID string) (models.Offer, error)
	Close(requestID string) ([]models.Offer, bool)
	Get(offerID string) (models.Offer, bool)
	Contacted(requestID string) map[string]bool
	ForRequest(requestID string) []models.Offer
	Forget(requestID string)
}

type Registry interface {
	ConfirmAssigned(ctx context.Context, id string) error
}

type Positions interface {
	Position(id string) (models.Agent, bool)
}

type ETA interface {
	Seconds(ctx context.Context, from, to models.Coord) float64
}

type Notifier interface {
	Notify(ctx context.Context, ev models.Event) error
}

type Store interface {
	SaveRequest(ctx context.Context, r models.RideRequest) error
	UpdateRequest(ctx context.Context, r models.RideRequest) error
}

type Config struct {
	Deadline       time.Duration
	MaxRounds      int
	RetryDelay     time.Duration
	Retention      time.Duration
	ConfirmTimeout time.Duration
	NotifyTimeout  time.Duration
	Classes        []models.ServiceClass
}

func DefaultConfig() Config {
	return Config{
		Deadline:       60 * time.Second,
		MaxRounds:      2,
		RetryDelay:     2 * time.Second,
		Retention:      10 * time.Minute,
		ConfirmTimeout: time.Second,
		NotifyTimeout:  3 * time.Second,
		Classes:        []models.ServiceClass{models.ClassStandard, models.ClassPremium, models.ClassXL},
	}
}

type Deps struct {
	Matcher   Matcher
	Book      Book
	Registry  Registry
	Positions Positions
	ETA       ETA
	Notifier  Notifier
	Store     Store
	Logger    *slog.Logger
	Now       func() time.Time
}

// Coordinator owns every ride request from intake to a terminal state. One
// worker goroutine drives each request; the per-request mutex serializes the
// worker, offer responses and cancellation.
type Coordinator struct {
	deps    Deps
	cfg     Config
	classes map[models.ServiceClass]bool
	log     *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	requests map[string]*tracked

	root   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

type tracked struct {
	mu       sync.Mutex
	req      models.RideRequest
	cancel   context.CancelFunc
	terminal chan struct{}
}

func New(deps Deps, cfg Config) *Coordinator {
	d := DefaultConfig()
	if cfg.Deadline <= 0 {
		cfg.Deadline = d.Deadline
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = d.RetryDelay
	}
	if cfg.Retention <= 0 {
		cfg.Retention = d.Retention
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = d.ConfirmTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = d.NotifyTimeout
	}
	if len(cfg.Classes) == 0 {
		cfg.Classes = d.Classes
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	c := &Coordinator{
		deps:     deps,
		cfg:      cfg,
		classes:  make(map[models.ServiceClass]bool, len(cfg.Classes)),
		log:      deps.Logger,
		now:      deps.Now,
		requests: make(map[string]*tracked),
	}
	for _, cl := range cfg.Classes {
		c.classes[cl] = true
	}
	c.root, c.stop = context.WithCancel(context.Background())
	return c
}

type SubmitCommand struct {
	RiderID     string              `json:"rider_id"`
	Pickup      models.Coord        `json:"pickup"`
	Destination models.Coord        `json:"destination"`
	Class       models.ServiceClass `json:"service_class"`
}

// Submit validates a ride request and starts matching it. The returned
// request is in the searching state.
func (c *Coordinator) Submit(ctx context.Context, cmd SubmitCommand) (models.RideRequest, error) {
	if cmd.Class == "" {
		cmd.Class = models.ClassStandard
	}
	if err := c.validate(cmd); err != nil {
		return models.RideRequest{}, err
	}
	now := c.now()
	req := models.RideRequest{
		ID:          uuid.NewString(),
		RiderID:     cmd.RiderID,
		Pickup:      cmd.Pickup,
		Destination: cmd.Destination,
		Class:       cmd.Class,
		State:       models.StateSearching,
		CreatedAt:   now,
		Deadline:    now.Add(c.cfg.Deadline),
		UpdatedAt:   now,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return models.RideRequest{}, ErrClosed
	}
	wctx, cancel := context.WithDeadline(c.root, req.Deadline)
	t := &tracked{req: req, cancel: cancel, terminal: make(chan struct{})}
	c.requests[req.ID] = t
	c.wg.Add(1)
	c.mu.Unlock()

	if c.deps.Store != nil {
		if err := c.deps.Store.SaveRequest(ctx, req); err != nil {
			c.log.Warn("save request", "request_id", req.ID, "error", err)
		}
	}
	c.deps.Book.Open(req.ID)
	observability.RequestsSubmitted.Inc()
	c.log.Info("request submitted", "request_id", req.ID, "rider_id", req.RiderID, "service_class", req.Class)

	go c.run(wctx, t)
	return req, nil
}

func (c *Coordinator) validate(cmd SubmitCommand) error {
	switch {
	case cmd.RiderID == "":
		return fmt.Errorf("%w: rider_id is required", ErrInvalidRequest)
	case !cmd.Pickup.Valid():
		return fmt.Errorf("%w: pickup out of range", ErrInvalidRequest)
	case !cmd.Destination.Valid():
		return fmt.Errorf("%w: destination out of range", ErrInvalidRequest)
	case cmd.Pickup == cmd.Destination:
		return fmt.Errorf("%w: pickup equals destination", ErrInvalidRequest)
	case !c.classes[cmd.Class]:
		return fmt.Errorf("%w: unknown service class %q", ErrInvalidRequest, cmd.Class)
	}
	return nil
}

// run is the worker for one request.
func (c *Coordinator) run(ctx context.Context, t *tracked) {
	defer c.wg.Done()
	defer t.cancel()
	req := t.snapshot()

	for round := 1; ; round++ {
		cands, err := c.deps.Matcher.FindCandidates(ctx, req, c.deps.Book.Contacted(req.ID))
		if err == nil {
			var won models.Offer
			won, err = c.deps.Matcher.RunOfferRound(ctx, req, cands, func(o models.Offer) { c.offerIssued(t, o) })
			if err == nil {
				c.log.Debug("offer round won", "request_id", req.ID, "agent_id", won.AgentID, "round", round)
				return
			}
		}
		switch {
		case errors.Is(err, offer.ErrRequestClosed):
			return
		case ctx.Err() != nil:
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				c.fail(t, ReasonExpired)
			} else {
				c.fail(t, ReasonShutdown)
			}
			return
		case errors.Is(err, matcher.ErrNoDriverAvailable):
			if round >= c.cfg.MaxRounds {
				c.fail(t, ReasonNoDriver)
				return
			}
			if !c.backToSearching(t) {
				return
			}
			c.log.Info("no driver in round, retrying", "request_id", req.ID, "round", round)
			// an expired ctx is picked up by the next search
			sleepCtx(ctx, c.cfg.RetryDelay)
		default:
			c.log.Error("matching failed", "request_id", req.ID, "error", err)
			c.fail(t, ReasonNoDriver)
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-ctx.Done():
	case <-tm.C:
	}
}

func (c *Coordinator) offerIssued(t *tracked, o models.Offer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c.log.Debug("offer issued", "request_id", o.RequestID, "agent_id", o.AgentID, "offer_id", o.ID)
	if t.req.State == models.StateSearching {
		c.transition(t, models.StateOfferPending)
	}
}

func (c *Coordinator) backToSearching(t *tracked) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.req.State.Terminal() {
		return false
	}
	if t.req.State == models.StateOfferPending {
		c.transition(t, models.StateSearching)
	}
	return true
}

// transition must be called with t.mu held.
func (c *Coordinator) transition(t *tracked, to models.RequestState) bool {
	if !models.CanTransition(t.req.State, to) {
		c.log.Warn("illegal transition", "request_id", t.req.ID, "from", t.req.State, "to", to)
		return false
	}
	t.req.State = to
	t.req.UpdatedAt = c.now()
	if to.Terminal() {
		close(t.terminal)
	}
	if c.deps.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.NotifyTimeout)
		defer cancel()
		if err := c.deps.Store.UpdateRequest(ctx, t.req); err != nil {
			c.log.Warn("update request", "request_id", t.req.ID, "error", err)
		}
	}
	return true
}

// fail closes the request without a winner. It does nothing if the request
// already reached a terminal state.
func (c *Coordinator) fail(t *tracked, reason string) {
	t.mu.Lock()
	if t.req.State.Terminal() {
		t.mu.Unlock()
		return
	}
	superseded, ok := c.deps.Book.Close(t.req.ID)
	if !ok {
		t.mu.Unlock()
		return
	}
	t.req.Reason = reason
	c.transition(t, models.StateFailed)
	req := t.req
	t.mu.Unlock()

	observability.RequestsFinished.WithLabelValues(string(models.StateFailed), reason).Inc()
	c.log.Info("request failed", "request_id", req.ID, "reason", reason, "superseded_offers", len(superseded))
	c.emit(models.Event{RequestID: req.ID, State: models.StateFailed, Reason: reason, At: req.UpdatedAt})
}

// Cancel ends a request on behalf of an external collaborator. Cancelling a
// request that already reached a terminal state, including an assigned one,
// changes nothing and returns its current state.
func (c *Coordinator) Cancel(ctx context.Context, id, reason string) (models.RideRequest, error) {
	t, ok := c.lookup(id)
	if !ok {
		return models.RideRequest{}, ErrNotFound
	}
	if reason == "" {
		reason = ReasonCancelled
	}
	t.mu.Lock()
	if t.req.State.Terminal() {
		req := t.req
		t.mu.Unlock()
		return req, nil
	}
	superseded, closed := c.deps.Book.Close(id)
	if !closed {
		req := t.req
		t.mu.Unlock()
		return req, nil
	}
	t.req.Reason = reason
	c.transition(t, models.StateCancelled)
	req := t.req
	t.mu.Unlock()
	t.cancel()

	observability.RequestsFinished.WithLabelValues(string(models.StateCancelled), reason).Inc()
	c.log.Info("request cancelled", "request_id", id, "reason", reason, "superseded_offers", len(superseded))
	c.emit(models.Event{RequestID: id, State: models.StateCancelled, Reason: reason, At: req.UpdatedAt})
	return req, nil
}

// RespondOffer applies an agent's answer. The first acceptance for a request
// assigns it; answers to offers that are no longer pending are ignored and
// reported with offer.ErrOfferClosed.
func (c *Coordinator) RespondOffer(ctx context.Context, resp models.OfferResponse) (models.Offer, error) {
	o, ok := c.deps.Book.Get(resp.OfferID)
	if !ok {
		return models.Offer{}, offer.ErrUnknownOffer
	}
	if resp.AgentID != "" && resp.AgentID != o.AgentID {
		return models.Offer{}, ErrAgentMismatch
	}
	t, ok := c.lookup(o.RequestID)
	if !ok {
		return o, offer.ErrOfferClosed
	}
	if !resp.Accept {
		return c.deps.Book.Reject(o.ID)
	}

	t.mu.Lock()
	if t.req.State.Terminal() {
		req := t.req
		t.mu.Unlock()
		if req.State == models.StateFailed && req.Reason == ReasonExpired {
			return o, ErrRequestExpired
		}
		return o, offer.ErrOfferClosed
	}
	now := c.now()
	if !now.Before(t.req.Deadline) {
		t.mu.Unlock()
		return o, ErrRequestExpired
	}
	if !o.Deadline.IsZero() && !now.Before(o.Deadline) {
		t.mu.Unlock()
		return o, offer.ErrOfferClosed
	}
	won, err := c.deps.Book.Accept(o.ID)
	if err != nil {
		t.mu.Unlock()
		return won, err
	}
	c.confirm(ctx, won.AgentID)
	t.req.AgentID = won.AgentID
	c.transition(t, models.StateAssigned)
	req := t.req
	t.mu.Unlock()

	observability.RequestsFinished.WithLabelValues(string(models.StateAssigned), "").Inc()
	observability.MatchLatency.Observe(req.UpdatedAt.Sub(req.CreatedAt).Seconds())
	c.log.Info("request assigned", "request_id", req.ID, "agent_id", won.AgentID, "offer_id", won.ID)

	ev := models.Event{RequestID: req.ID, State: models.StateAssigned, AgentID: won.AgentID, At: req.UpdatedAt}
	if c.deps.ETA != nil && c.deps.Positions != nil {
		if a, ok := c.deps.Positions.Position(won.AgentID); ok {
			ev.ETASeconds = c.deps.ETA.Seconds(ctx, a.Loc, req.Pickup)
		}
	}
	c.emit(ev)
	return won, nil
}

// confirm flips the winning agent to assigned. The agent is held in offered
// by the accepted offer, so the only failure is lock contention; it retries a
// few times before giving up.
func (c *Coordinator) confirm(ctx context.Context, agentID string) {
	var err error
	for i := 0; i < 3; i++ {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ConfirmTimeout)
		err = c.deps.Registry.ConfirmAssigned(cctx, agentID)
		cancel()
		if err == nil {
			return
		}
	}
	c.log.Error("confirm assignment", "agent_id", agentID, "error", err)
}

// Status is the view returned by GetStatus.
type Status struct {
	models.RideRequest
	AgentPosition *models.Coord  `json:"agent_position,omitempty"`
	PositionAt    *time.Time     `json:"position_at,omitempty"`
	Offers        []models.Offer `json:"offers,omitempty"`
}

// GetStatus returns the current state of a request and, once assigned, the
// agent's last known position.
func (c *Coordinator) GetStatus(id string) (Status, error) {
	t, ok := c.lookup(id)
	if !ok {
		return Status{}, ErrNotFound
	}
	st := Status{RideRequest: t.snapshot(), Offers: c.deps.Book.ForRequest(id)}
	if st.State == models.StateAssigned && c.deps.Positions != nil {
		if a, ok := c.deps.Positions.Position(st.AgentID); ok {
			loc, at := a.Loc, a.Updated
			st.AgentPosition = &loc
			st.PositionAt = &at
		}
	}
	return st, nil
}

// Wait blocks until the request is terminal or ctx ends.
func (c *Coordinator) Wait(ctx context.Context, id string) (models.RideRequest, error) {
	t, ok := c.lookup(id)
	if !ok {
		return models.RideRequest{}, ErrNotFound
	}
	select {
	case <-t.terminal:
		return t.snapshot(), nil
	case <-ctx.Done():
		return t.snapshot(), ctx.Err()
	}
}

// Prune forgets terminal requests last updated before the retention window.
func (c *Coordinator) Prune() int {
	cutoff := c.now().Add(-c.cfg.Retention)
	c.mu.Lock()
	var gone []string
	for id, t := range c.requests {
		r := t.snapshot()
		if r.State.Terminal() && r.UpdatedAt.Before(cutoff) {
			delete(c.requests, id)
			gone = append(gone, id)
		}
	}
	c.mu.Unlock()
	for _, id := range gone {
		c.deps.Book.Forget(id)
	}
	return len(gone)
}

// RunJanitor prunes old requests every interval until ctx is done.
func (c *Coordinator) RunJanitor(ctx context.Context, interval time.Duration) {
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			if n := c.Prune(); n > 0 {
				c.log.Debug("pruned requests", "count", n)
			}
		}
	}
}

// Close stops intake, fails in-flight requests and waits for workers and
// pending notifications.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stop()
	c.wg.Wait()
}

func (c *Coordinator) emit(ev models.Event) {
	if c.deps.Notifier == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.NotifyTimeout)
		defer cancel()
		if err := c.deps.Notifier.Notify(ctx, ev); err != nil {
			c.log.Warn("notify", "request_id", ev.RequestID, "state", ev.State, "error", err)
		}
	}()
}

func (c *Coordinator) lookup(id string) (*tracked, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.requests[id]
	return t, ok
}

func (t *tracked) snapshot() models.RideRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.req
}
