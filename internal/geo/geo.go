package geo

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dhconnelly/rtreego"
	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrStaleUpdate is returned when a report is older than the stored one.
var ErrStaleUpdate = errors.New("geo: stale location update")

const (
	DefaultStaleness = 5 * time.Minute
	kmPerDegreeLat   = 111.32
	pointTolerance   = 1e-9
)

// Index keeps the last known position of every agent and an R-tree holding
// only the agents that are available and fresh. Radius queries walk the tree
// with a bounding box and refine with haversine distance.
type Index struct {
	mu        sync.RWMutex
	tree      *rtreego.Rtree
	entries   map[string]*entry
	staleness time.Duration
	now       func() time.Time
}

type entry struct {
	agent     models.Agent
	item      *item // non-nil while the agent is in the tree
	available bool
	evicted   bool
}

type item struct {
	id string
	pt rtreego.Point
}

func (it *item) Bounds() rtreego.Rect { return it.pt.ToRect(pointTolerance) }

type Option func(*Index)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(g *Index) { g.now = now } }

// WithStaleness sets how long a report stays fresh.
func WithStaleness(d time.Duration) Option {
	return func(g *Index) {
		if d > 0 {
			g.staleness = d
		}
	}
}

func NewIndex(opts ...Option) *Index {
	g := &Index{
		tree:      rtreego.NewTree(2, 25, 50),
		entries:   make(map[string]*entry),
		staleness: DefaultStaleness,
		now:       time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Upsert records a position report. Reports older than the stored timestamp
// are rejected with ErrStaleUpdate and leave the entry untouched. A zero
// class or rating keeps the previously stored value.
func (g *Index) Upsert(a models.Agent) error {
	if a.Updated.IsZero() {
		a.Updated = g.now()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[a.ID]
	if !ok {
		if a.Class == "" {
			a.Class = models.ClassStandard
		}
		g.entries[a.ID] = &entry{agent: a}
		return nil
	}
	if a.Updated.Before(e.agent.Updated) {
		return ErrStaleUpdate
	}
	if a.Class == "" {
		a.Class = e.agent.Class
	}
	if a.Rating == 0 {
		a.Rating = e.agent.Rating
	}
	e.agent = a
	e.evicted = false
	if e.available {
		g.place(e)
	}
	return nil
}

// SetAvailable adds the agent to or removes it from the searchable tree. It
// reports whether the agent ends up in the requested state; making a stale
// or unknown agent available fails.
func (g *Index) SetAvailable(id string, available bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[id]
	if !ok {
		return !available
	}
	if !available {
		e.available = false
		g.unplace(e)
		return true
	}
	if g.stale(e.agent.Updated) {
		e.available = false
		g.unplace(e)
		return false
	}
	if e.available && e.item != nil {
		return true
	}
	e.available = true
	g.place(e)
	return true
}

// Evicted reports whether the agent was swept and has not reported since.
func (g *Index) Evicted(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entries[id]
	return ok && e.evicted
}

// Remove forgets an agent entirely.
func (g *Index) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[id]; ok {
		g.unplace(e)
		delete(g.entries, id)
	}
}

// Position returns the last known state of an agent.
func (g *Index) Position(id string) (models.Agent, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entries[id]
	if !ok {
		return models.Agent{}, false
	}
	return e.agent, true
}

// Len is the number of searchable agents.
func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tree.Size()
}

// QueryNearby returns available agents of the given class within radiusKm of
// center, nearest first. Equal distances prefer the fresher report. An empty
// class matches every class; limit <= 0 means no limit.
func (g *Index) QueryNearby(center models.Coord, radiusKm float64, class models.ServiceClass, limit int) []models.Candidate {
	if radiusKm <= 0 {
		return nil
	}
	box, ok := boundingBox(center, radiusKm)
	if !ok {
		return nil
	}
	g.mu.RLock()
	hits := g.tree.SearchIntersect(box)
	out := make([]models.Candidate, 0, len(hits))
	for _, h := range hits {
		it := h.(*item)
		e, ok := g.entries[it.id]
		if !ok || !e.available || e.item != it || g.stale(e.agent.Updated) {
			continue
		}
		if class != "" && e.agent.Class != class {
			continue
		}
		d := Haversine(center.Lat, center.Lon, e.agent.Loc.Lat, e.agent.Loc.Lon) / 1000
		if d > radiusKm {
			continue
		}
		out = append(out, models.Candidate{AgentID: e.agent.ID, DistanceKm: d, Rating: e.agent.Rating, Updated: e.agent.Updated})
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Updated.After(out[j].Updated)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Sweep takes every agent whose last report is older than the staleness
// window out of the tree and returns the ids evicted by this pass.
func (g *Index) Sweep() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var evicted []string
	for id, e := range g.entries {
		if e.evicted || !g.stale(e.agent.Updated) {
			continue
		}
		e.evicted = true
		e.available = false
		g.unplace(e)
		evicted = append(evicted, id)
	}
	sort.Strings(evicted)
	return evicted
}

// RunSweeper calls Sweep every interval until ctx is done and hands each
// non-empty batch to onEvict.
func (g *Index) RunSweeper(ctx context.Context, interval time.Duration, onEvict func([]string)) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ids := g.Sweep(); len(ids) > 0 && onEvict != nil {
				onEvict(ids)
			}
		}
	}
}

func (g *Index) stale(ts time.Time) bool {
	return g.now().Sub(ts) > g.staleness
}

// place must be called with mu held.
func (g *Index) place(e *entry) {
	g.unplace(e)
	e.item = &item{id: e.agent.ID, pt: rtreego.Point{e.agent.Loc.Lat, e.agent.Loc.Lon}}
	g.tree.Insert(e.item)
}

// unplace must be called with mu held.
func (g *Index) unplace(e *entry) {
	if e.item == nil {
		return
	}
	g.tree.Delete(e.item)
	e.item = nil
}

// boundingBox approximates a radius around center as a lat/lon rectangle.
// Queries crossing the antimeridian are clipped at ±180.
func boundingBox(center models.Coord, radiusKm float64) (rtreego.Rect, bool) {
	dLat := radiusKm / kmPerDegreeLat
	cos := math.Cos(center.Lat * math.Pi / 180)
	dLon := 180.0
	if cos > 1e-6 {
		dLon = math.Min(180, radiusKm/(kmPerDegreeLat*cos))
	}
	lo := rtreego.Point{math.Max(-90, center.Lat-dLat), math.Max(-180, center.Lon-dLon)}
	hi := rtreego.Point{math.Min(90, center.Lat+dLat), math.Min(180, center.Lon+dLon)}
	r, err := rtreego.NewRect(lo, []float64{hi[0] - lo[0], hi[1] - lo[1]})
	if err != nil {
		return rtreego.Rect{}, false
	}
	return r, true
}

// Cell returns the geohash of c at the given precision.
func Cell(c models.Coord, precision uint) string {
	return geohash.EncodeWithPrecision(c.Lat, c.Lon, precision)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
