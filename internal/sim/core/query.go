package core

import (
	"fmt"
	"sort"

	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/manager"
	"holdfast.gg/internal/sim/procedural"
	"holdfast.gg/internal/sim/territory"
	"holdfast.gg/internal/sim/trust"
	"holdfast.gg/internal/sim/victory"
)

// Queries are safe from any goroutine. After a session ends they report the
// frozen final state.

func (c *Core) GetTerritorialState(id territory.ID, kind territory.Kind) (influence.State, error) {
	c.mu.RLock()
	final := c.final
	c.mu.RUnlock()
	if final != nil {
		if _, ok := c.graph.Get(id, kind); !ok {
			return influence.State{}, fmt.Errorf("%w: %d", manager.ErrUnknownTerritory, id)
		}
		return final[id], nil
	}
	return c.tm.State(id, kind)
}

// Territories returns every territorial state ordered by id.
func (c *Core) Territories() ([]influence.State, error) {
	c.mu.RLock()
	snap := c.final
	c.mu.RUnlock()
	if snap == nil {
		var err error
		if snap, err = c.tm.Snapshot(); err != nil {
			return nil, err
		}
	}
	out := make([]influence.State, 0, len(snap))
	for _, st := range snap {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TerritoryID < out[j].TerritoryID })
	return out, nil
}

// GetVictoryProgress returns f's progress rows, or every row for faction.None.
func (c *Core) GetVictoryProgress(f faction.ID) []victory.Progress {
	return c.eval.Progress(f)
}

func (c *Core) GetMetrics(f faction.ID) (victory.Metrics, error) {
	if !f.Valid() {
		return victory.Metrics{}, fmt.Errorf("%w: %d", manager.ErrInvalidFaction, f)
	}
	return c.eval.Metrics(f), nil
}

func (c *Core) GetTrustModifier(a, b trust.PlayerID, t territory.ID) float64 {
	return c.ledger.TerritorialModifier(a, b, t)
}

func (c *Core) TrustEdges() []trust.EdgeRow { return c.ledger.Edges() }

func (c *Core) GetActiveGenerationRequests() []procedural.Request {
	return c.disp.ActiveRequests()
}

func (c *Core) Modification(id territory.ID) (procedural.Modification, bool) {
	return c.disp.Modification(id)
}

func (c *Core) Achievement() (victory.Achievement, bool) { return c.eval.Achieved() }

// Digest hashes the influence state; it stays readable after the session ends.
func (c *Core) Digest() string { return c.tm.Digest() }

// Routes exposes the convoy economy's current route table.
func (c *Core) Routes() []victory.Route { return c.economy.Routes() }
