package convoy

import (
	"math"
	"sync"
	"time"

	"holdfast.gg/internal/sim/clock"
	"holdfast.gg/internal/sim/faction"
)

// Activity derives a per-faction engagement signal from recent actions.
// Each action adds one unit; the total halves every half-life and is
// normalised by saturate.
type Activity struct {
	clock    clock.Clock
	halfLife time.Duration
	saturate float64

	mu    sync.Mutex
	level map[faction.ID]float64
	seen  map[faction.ID]time.Time
}

func NewActivity(c clock.Clock, halfLife time.Duration, saturate float64) *Activity {
	if c == nil {
		c = clock.Real{}
	}
	if halfLife <= 0 {
		halfLife = time.Minute
	}
	if saturate <= 0 {
		saturate = 5
	}
	return &Activity{
		clock:    c,
		halfLife: halfLife,
		saturate: saturate,
		level:    map[faction.ID]float64{},
		seen:     map[faction.ID]time.Time{},
	}
}

func (a *Activity) decayedLocked(f faction.ID, now time.Time) float64 {
	v := a.level[f]
	last, ok := a.seen[f]
	if !ok || v == 0 {
		return v
	}
	dt := now.Sub(last)
	if dt <= 0 {
		return v
	}
	return v * math.Pow(0.5, float64(dt)/float64(a.halfLife))
}

func (a *Activity) Touch(f faction.ID) {
	if !f.Valid() {
		return
	}
	now := a.clock.Now()
	a.mu.Lock()
	a.level[f] = a.decayedLocked(f, now) + 1
	a.seen[f] = now
	a.mu.Unlock()
}

// Engagement returns f's activity in [0,1].
func (a *Activity) Engagement(f faction.ID) float64 {
	now := a.clock.Now()
	a.mu.Lock()
	v := a.decayedLocked(f, now)
	a.mu.Unlock()
	return math.Min(1, v/a.saturate)
}

func (a *Activity) Reset() {
	a.mu.Lock()
	a.level = map[faction.ID]float64{}
	a.seen = map[faction.ID]time.Time{}
	a.mu.Unlock()
}
