package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	errInvalidMessage = errors.New("invalid location message")
	errOutOfOrder     = errors.New("location older than last applied")
)

// Mirror stores an agent position in the read model.
type Mirror interface {
	Upsert(ctx context.Context, a models.Agent) error
}

// CellStore keeps one set of agent ids per geohash cell.
type CellStore interface {
	SAdd(ctx context.Context, key string, members ...interface{}) error
	SRem(ctx context.Context, key string, members ...interface{}) error
}

// projector turns location messages into Redis state: the GEO set and
// metadata hash through Mirror, plus per-cell membership sets.
type projector struct {
	mirror Mirror
	cells  CellStore
	log    *slog.Logger

	mu   sync.Mutex
	last map[string]applied
}

type applied struct {
	at   time.Time
	cell string
}

func newProjector(m Mirror, cells CellStore, logger *slog.Logger) *projector {
	return &projector{mirror: m, cells: cells, log: logger, last: make(map[string]applied)}
}

func cellKey(cell string) string { return "agents:cell:" + cell }

func (p *projector) Apply(ctx context.Context, m kafka.Message) error {
	var r models.LocationReport
	if err := json.Unmarshal(m.Value, &r); err != nil {
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	if r.AgentID == "" || !r.Coord().Valid() {
		return fmt.Errorf("%w: missing agent or bad coordinates", errInvalidMessage)
	}
	cell := headerValue(m, ingest.CellHeader)
	if cell == "" {
		cell = geo.Cell(r.Coord(), geo.CellPrecision)
	}

	p.mu.Lock()
	prev, seen := p.last[r.AgentID]
	p.mu.Unlock()
	if seen && r.Timestamp.Before(prev.at) {
		return errOutOfOrder
	}

	a := models.Agent{ID: r.AgentID, Loc: r.Coord(), Heading: r.Heading, Class: r.Class, Rating: r.Rating, Updated: r.Timestamp}
	if err := updateRedisWithRetry(ctx, p.mirror, a, 3, 200*time.Millisecond); err != nil {
		return err
	}
	if p.cells != nil && (!seen || prev.cell != cell) {
		if seen {
			if err := p.cells.SRem(ctx, cellKey(prev.cell), r.AgentID); err != nil {
				p.log.Warn("cell remove", "agent_id", r.AgentID, "cell", prev.cell, "error", err)
			}
		}
		if err := p.cells.SAdd(ctx, cellKey(cell), r.AgentID); err != nil {
			return fmt.Errorf("cell add: %w", err)
		}
	}

	p.mu.Lock()
	p.last[r.AgentID] = applied{at: r.Timestamp, cell: cell}
	p.mu.Unlock()
	return nil
}

func headerValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// updateRedisWithRetry writes the agent to the mirror with retry and
// exponential backoff.
func updateRedisWithRetry(ctx context.Context, m Mirror, a models.Agent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = m.Upsert(ctx, a); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
