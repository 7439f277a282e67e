// Package convoy is the built-in convoy economy: a static route table whose
// controllers follow territorial control, plus an integrity index fed by
// convoy job outcomes.
package convoy

import (
	"fmt"
	"sort"
	"sync"

	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/territory"
	"holdfast.gg/internal/sim/tuning"
	"holdfast.gg/internal/sim/victory"
)

// integrityAlpha weights the newest outcome in the integrity EWMA.
const integrityAlpha = 0.2

type Economy struct {
	mu        sync.RWMutex
	routes    map[string]*victory.Route
	order     []string
	integrity float64
	sinks     []func(victory.Outcome)
}

func NewEconomy(specs []tuning.RouteSpec) (*Economy, error) {
	e := &Economy{routes: map[string]*victory.Route{}, integrity: 1}
	for _, s := range specs {
		if s.ID == "" {
			return nil, fmt.Errorf("convoy: route without id")
		}
		if _, dup := e.routes[s.ID]; dup {
			return nil, fmt.Errorf("convoy: duplicate route %q", s.ID)
		}
		e.routes[s.ID] = &victory.Route{
			ID:             s.ID,
			Controller:     s.Controller,
			BaseValue:      s.BaseValue,
			DifficultyMult: s.DifficultyMult,
			Resource:       s.Resource,
			TerritoryID:    s.TerritoryID,
		}
		e.order = append(e.order, s.ID)
	}
	sort.Strings(e.order)
	return e, nil
}

func (e *Economy) Routes() []victory.Route {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]victory.Route, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, *e.routes[id])
	}
	return out
}

func (e *Economy) Route(id string) (victory.Route, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.routes[id]
	if !ok {
		return victory.Route{}, false
	}
	return *r, true
}

func (e *Economy) IntegrityIndex() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.integrity
}

func (e *Economy) SubscribeOutcome(sink func(victory.Outcome)) {
	if sink == nil {
		return
	}
	e.mu.Lock()
	e.sinks = append(e.sinks, sink)
	e.mu.Unlock()
}

// Report records a finished convoy job and fans it out to subscribers. A
// missing controller is filled from the route.
func (e *Economy) Report(o victory.Outcome) error {
	e.mu.Lock()
	r, ok := e.routes[o.RouteID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("convoy: unknown route %q", o.RouteID)
	}
	if o.Controller == faction.None {
		o.Controller = r.Controller
	}
	sample := 0.0
	if o.Success {
		sample = 1
	}
	e.integrity = (1-integrityAlpha)*e.integrity + integrityAlpha*sample
	sinks := append(([]func(victory.Outcome))(nil), e.sinks...)
	e.mu.Unlock()

	for _, s := range sinks {
		s(o)
	}
	return nil
}

func (e *Economy) SetController(routeID string, f faction.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.routes[routeID]
	if !ok {
		return fmt.Errorf("convoy: unknown route %q", routeID)
	}
	r.Controller = f
	return nil
}

// SyncControllers hands every route bound to a territory to that
// territory's dominant faction. It returns the number of routes that changed.
func (e *Economy) SyncControllers(states map[territory.ID]influence.State) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	changed := 0
	for _, id := range e.order {
		r := e.routes[id]
		if r.TerritoryID == 0 {
			continue
		}
		st, ok := states[r.TerritoryID]
		if !ok || st.Dominant == r.Controller {
			continue
		}
		r.Controller = st.Dominant
		changed++
	}
	return changed
}

// OnControlFlip moves the routes of a single territory to its new controller.
func (e *Economy) OnControlFlip(id territory.ID, dominant faction.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.routes {
		if r.TerritoryID == id {
			r.Controller = dominant
		}
	}
}
