// Package world fuses per-robot observations into a single snapshot of the
// field.
package world

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/basestation/internal/geom"
	"github.com/banshee-data/basestation/internal/timeutil"
)

// ErrInvalidDimensions is returned by New for a non-positive field size.
var ErrInvalidDimensions = errors.New("field dimensions must be positive")

// Observation is what one robot currently contributes to fusion.
type Observation struct {
	RobotID   string
	Connected bool
	// Ball is nil when the robot does not see the ball.
	Ball      *geom.Point
	Obstacles []geom.Point
}

// Source provides an Observation. Implementations must return data that is
// not mutated afterwards.
type Source interface {
	Observation() Observation
}

// Snapshot is the fused world state. A published Snapshot is never modified.
type Snapshot struct {
	Field     geom.Dimensions `json:"field"`
	Ball      geom.Point      `json:"ball"`
	Obstacles []geom.Point    `json:"obstacles"`
	// Contributors lists the robots whose ball estimate went into Ball on
	// the pass that produced this snapshot.
	Contributors []string  `json:"contributors"`
	Seq          uint64    `json:"seq"`
	FusedAt      time.Time `json:"fused_at"`
}

func (s *Snapshot) clone() Snapshot {
	c := *s
	c.Obstacles = slices.Clone(s.Obstacles)
	c.Contributors = slices.Clone(s.Contributors)
	return c
}

// Aggregator owns the published snapshot.
type Aggregator struct {
	clock timeutil.Clock

	// mu serializes fusion passes so publications stay in pass order.
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock sets the clock used to stamp snapshots.
func WithClock(c timeutil.Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

// New creates an aggregator with the ball at the centre of the field and no
// obstacles.
func New(field geom.Dimensions, opts ...Option) (*Aggregator, error) {
	if !field.Valid() {
		return nil, fmt.Errorf("%w: %gx%g", ErrInvalidDimensions, field.Width, field.Height)
	}
	a := &Aggregator{clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(a)
	}
	a.current.Store(&Snapshot{
		Field:        field,
		Ball:         field.Center(),
		Obstacles:    []geom.Point{},
		Contributors: []string{},
		FusedAt:      a.clock.Now(),
	})
	return a, nil
}

// Fuse recomputes the world from the given sources and publishes the result.
//
// The ball is the per-axis mean over connected sources that see it; if none
// do, the previous ball is kept. Obstacles are the union of connected
// sources' lists in encounter order with exact duplicates removed.
func (a *Aggregator) Fuse(sources []Source) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev := a.current.Load()

	var xs, ys []float64
	contributors := []string{}
	obstacles := []geom.Point{}
	seen := make(map[geom.Point]struct{})

	for _, src := range sources {
		obs := src.Observation()
		if !obs.Connected {
			continue
		}
		if obs.Ball != nil {
			xs = append(xs, obs.Ball.X)
			ys = append(ys, obs.Ball.Y)
			contributors = append(contributors, obs.RobotID)
		}
		for _, p := range obs.Obstacles {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			obstacles = append(obstacles, p)
		}
	}

	ball := prev.Ball
	if len(xs) > 0 {
		ball = geom.Point{X: stat.Mean(xs, nil), Y: stat.Mean(ys, nil)}
	}

	next := &Snapshot{
		Field:        prev.Field,
		Ball:         ball,
		Obstacles:    obstacles,
		Contributors: contributors,
		Seq:          prev.Seq + 1,
		FusedAt:      a.clock.Now(),
	}
	a.current.Store(next)
	return next.clone()
}

// Snapshot returns the most recently published world state.
func (a *Aggregator) Snapshot() Snapshot {
	return a.current.Load().clone()
}
