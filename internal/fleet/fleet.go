// Package fleet is the front door for agent state: location reports,
// availability changes and the staleness sweeper.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
)

var ErrInvalidReport = errors.New("fleet: invalid location report")

type Publisher interface {
	PublishLocation(ctx context.Context, r models.LocationReport) error
}

type Mirror interface {
	Upsert(ctx context.Context, a models.Agent) error
	Remove(ctx context.Context, id string) error
}

type Service struct {
	Index     *geo.Index
	Registry  *registry.Registry
	Publisher Publisher
	Mirror    Mirror
	Classes   map[models.ServiceClass]bool
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(idx *geo.Index, reg *registry.Registry, pub Publisher, mirror Mirror, classes []models.ServiceClass, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	set := make(map[models.ServiceClass]bool, len(classes))
	for _, c := range classes {
		set[c] = true
	}
	return &Service{Index: idx, Registry: reg, Publisher: pub, Mirror: mirror, Classes: set, Logger: logger, Now: time.Now}
}

// ReportLocation applies a position report. Reports older than the stored
// one return geo.ErrStaleUpdate and change nothing. An offline agent with a
// fresh report becomes available again.
func (s *Service) ReportLocation(ctx context.Context, r models.LocationReport) (models.AgentStatus, error) {
	if err := s.validate(r); err != nil {
		observability.LocationReports.WithLabelValues("invalid").Inc()
		return "", err
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.Now()
	}
	a := models.Agent{ID: r.AgentID, Loc: r.Coord(), Heading: r.Heading, Class: r.Class, Rating: r.Rating, Updated: r.Timestamp}
	if err := s.Index.Upsert(a); err != nil {
		if errors.Is(err, geo.ErrStaleUpdate) {
			observability.LocationReports.WithLabelValues("stale").Inc()
			s.Logger.Debug("out of order location ignored", "agent_id", r.AgentID, "timestamp", r.Timestamp)
		}
		return "", err
	}
	status, err := s.Registry.Online(ctx, r.AgentID)
	if err != nil {
		// the position is stored; availability is retried on the next report
		s.Logger.Warn("agent online", "agent_id", r.AgentID, "error", err)
	}
	observability.LocationReports.WithLabelValues("accepted").Inc()

	if s.Publisher != nil {
		if perr := s.Publisher.PublishLocation(ctx, r); perr != nil {
			s.Logger.Warn("publish location", "agent_id", r.AgentID, "error", perr)
		}
	}
	if s.Mirror != nil {
		stored, _ := s.Index.Position(r.AgentID)
		stored.Status = status
		if merr := s.Mirror.Upsert(ctx, stored); merr != nil {
			s.Logger.Warn("mirror location", "agent_id", r.AgentID, "error", merr)
		}
	}
	return status, nil
}

func (s *Service) validate(r models.LocationReport) error {
	switch {
	case r.AgentID == "":
		return fmt.Errorf("%w: agent_id is required", ErrInvalidReport)
	case !r.Coord().Valid():
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidReport)
	case r.Rating < 0 || r.Rating > 5:
		return fmt.Errorf("%w: rating must be within 0..5", ErrInvalidReport)
	case r.Class != "" && len(s.Classes) > 0 && !s.Classes[r.Class]:
		return fmt.Errorf("%w: unknown service class %q", ErrInvalidReport, r.Class)
	}
	return nil
}

// MarkOffline takes an available agent out of matching and forgets its
// position.
func (s *Service) MarkOffline(ctx context.Context, id string) error {
	if err := s.Registry.MarkOffline(ctx, id); err != nil {
		return err
	}
	s.Index.Remove(id)
	if s.Mirror != nil {
		if err := s.Mirror.Remove(ctx, id); err != nil {
			s.Logger.Warn("mirror remove", "agent_id", id, "error", err)
		}
	}
	s.Logger.Info("agent offline", "agent_id", id)
	return nil
}

// Release returns an assigned agent to the pool when its trip ends.
func (s *Service) Release(ctx context.Context, id string) (models.AgentStatus, error) {
	st, err := s.Registry.Release(ctx, id)
	if err != nil {
		return st, err
	}
	s.Logger.Info("agent released", "agent_id", id, "status", st)
	return st, nil
}

// Evict marks swept agents offline. Agents holding an offer or an
// assignment keep their status.
func (s *Service) Evict(ctx context.Context, ids []string) {
	observability.SweeperEvictions.Add(float64(len(ids)))
	for _, id := range ids {
		if !s.Index.Evicted(id) {
			continue
		}
		if err := s.Registry.MarkOffline(ctx, id); err != nil {
			if !errors.Is(err, registry.ErrInvalidState) {
				s.Logger.Warn("evict agent", "agent_id", id, "error", err)
			}
			continue
		}
		if s.Mirror != nil {
			if err := s.Mirror.Remove(ctx, id); err != nil {
				s.Logger.Warn("mirror remove", "agent_id", id, "error", err)
			}
		}
	}
	s.Logger.Info("stale agents evicted", "count", len(ids))
}

// RunSweeper evicts stale agents every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	s.Index.RunSweeper(ctx, interval, func(ids []string) { s.Evict(ctx, ids) })
}

// ObserveStatus keeps the agents-by-status gauge current. It is installed as
// the registry observer.
func ObserveStatus(_ string, from, to models.AgentStatus) {
	if from != "" {
		observability.AgentsByStatus.WithLabelValues(string(from)).Dec()
	}
	observability.AgentsByStatus.WithLabelValues(string(to)).Inc()
}
