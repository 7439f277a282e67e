package objective

import (
	"fmt"

	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/manager"
	"holdfast.gg/internal/sim/territory"
)

const (
	MinImpact = 1
	MaxImpact = 100
)

type Completed struct {
	TerritoryID territory.ID `json:"territory_id"`
	Faction     faction.ID   `json:"faction_id"`
	Impact      int          `json:"impact"`
}

// Outcome is the set of influence actions an objective resolves into, plus
// the faction that lost ground, if any.
type Outcome struct {
	Actions []manager.Action
	Victim  faction.ID
}

// Resolve converts a completed extraction objective into influence actions:
// the full impact for the completing faction, half of it taken from the prior
// dominant faction, a quarter spilled into each neighbour and a fifth into the
// parent territory. Spill-over amounts that round to zero are omitted.
func Resolve(g *territory.Graph, current influence.State, c Completed) (Outcome, error) {
	if !c.Faction.Valid() {
		return Outcome{}, fmt.Errorf("%w: %d", manager.ErrInvalidFaction, c.Faction)
	}
	t, ok := g.Lookup(c.TerritoryID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %d", manager.ErrUnknownTerritory, c.TerritoryID)
	}
	impact := c.Impact
	if impact < MinImpact {
		impact = MinImpact
	}
	if impact > MaxImpact {
		impact = MaxImpact
	}
	cause := fmt.Sprintf("objective:%d", c.TerritoryID)

	out := Outcome{}
	out.Actions = append(out.Actions, manager.Action{
		TerritoryID: t.ID, Kind: t.Kind, Faction: c.Faction, Delta: impact, Cause: cause,
	})
	if prev := current.Dominant; prev != faction.None && prev != c.Faction {
		if loss := impact / 2; loss > 0 {
			out.Actions = append(out.Actions, manager.Action{
				TerritoryID: t.ID, Kind: t.Kind, Faction: prev, Delta: -loss, Cause: cause + ":counter",
			})
		}
		out.Victim = prev
	}
	if spill := impact / 4; spill > 0 {
		for _, n := range g.Adjacency(t.ID) {
			nt, _ := g.Lookup(n)
			out.Actions = append(out.Actions, manager.Action{
				TerritoryID: n, Kind: nt.Kind, Faction: c.Faction, Delta: spill, Cause: cause + ":spill",
			})
		}
	}
	if up := impact / 5; up > 0 {
		if p, ok := g.Parent(t.ID); ok {
			pt, _ := g.Lookup(p)
			out.Actions = append(out.Actions, manager.Action{
				TerritoryID: p, Kind: pt.Kind, Faction: c.Faction, Delta: up, Cause: cause + ":parent",
			})
		}
	}
	return out, nil
}
