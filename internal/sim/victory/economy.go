package victory

import (
	"math"
	"sort"

	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/territory"
)

type Route struct {
	ID             string             `json:"id"`
	Controller     faction.ID         `json:"controller"`
	BaseValue      float64            `json:"base_value"`
	DifficultyMult float64            `json:"difficulty_mult"`
	Resource       territory.Resource `json:"resource"`
	TerritoryID    territory.ID       `json:"territory_id,omitempty"`
}

func (r Route) Value() float64 {
	m := r.DifficultyMult
	if m == 0 {
		m = 1
	}
	return r.BaseValue * m
}

// Outcome is a finished convoy job reported by the economy.
type Outcome struct {
	RouteID    string     `json:"route_id"`
	JobKind    string     `json:"job_kind"`
	Success    bool       `json:"success"`
	Controller faction.ID `json:"controller_faction"`
}

// ConvoyEconomy is the convoy/economy adapter.
type ConvoyEconomy interface {
	Routes() []Route
	IntegrityIndex() float64
	SubscribeOutcome(sink func(Outcome))
}

// Engagement supplies the anti-camping signal in [0,1] per faction.
type Engagement interface {
	Engagement(f faction.ID) float64
}

type Metrics struct {
	Faction              faction.ID                     `json:"faction_id"`
	TotalRouteValue      float64                        `json:"total_route_value"`
	ControlledRouteValue float64                        `json:"controlled_route_value"`
	RouteControlPct      float64                        `json:"route_control_pct"`
	RouteCounts          map[territory.Resource]int     `json:"route_counts"`
	ControlledCounts     map[territory.Resource]int     `json:"controlled_counts"`
	SharedCounts         map[territory.Resource]int     `json:"shared_counts"`
	NetworkConnectivity  float64                        `json:"network_connectivity"`
	ResourceControlPct   map[territory.Resource]float64 `json:"resource_control_pct"`
	EnemyOutput          map[faction.ID]float64         `json:"enemy_output"`
	IntegrityIndex       float64                        `json:"integrity_index"`
}

// routeControlPct is the share of total route value controlled by f.
func routeControlPct(routes []Route, f faction.ID) (controlled, total float64) {
	for _, r := range routes {
		v := r.Value()
		total += v
		if r.Controller == f {
			controlled += v
		}
	}
	return controlled, total
}

// ComputeMetrics derives a faction's economic metrics from the route set and a
// territorial snapshot. enemies lists the factions EnemyOutput is reported for.
func ComputeMetrics(f faction.ID, routes []Route, g *territory.Graph, states map[territory.ID]influence.State, enemies []faction.ID) Metrics {
	m := Metrics{
		Faction:            f,
		RouteCounts:        map[territory.Resource]int{},
		ControlledCounts:   map[territory.Resource]int{},
		SharedCounts:       map[territory.Resource]int{},
		ResourceControlPct: map[territory.Resource]float64{},
		EnemyOutput:        map[faction.ID]float64{},
	}
	m.ControlledRouteValue, m.TotalRouteValue = routeControlPct(routes, f)
	if m.TotalRouteValue > 0 {
		m.RouteControlPct = m.ControlledRouteValue / m.TotalRouteValue
	}
	for _, r := range routes {
		m.RouteCounts[r.Resource]++
		if r.Controller == f {
			m.ControlledCounts[r.Resource]++
		}
		if r.Controller == f || (r.TerritoryID != 0 && states[r.TerritoryID].Of(f) > 0) {
			m.SharedCounts[r.Resource]++
		}
	}
	for res, n := range m.RouteCounts {
		if n > 0 {
			m.ResourceControlPct[res] = float64(m.SharedCounts[res]) / float64(n)
		}
	}
	for _, e := range enemies {
		if e == f {
			continue
		}
		c, total := routeControlPct(routes, e)
		if total > 0 {
			m.EnemyOutput[e] = c / total
		} else {
			m.EnemyOutput[e] = 0
		}
	}
	m.NetworkConnectivity = connectivity(f, g, states)
	return m
}

// connectivity is the size of the largest adjacency-connected group of
// territories f dominates, over the number it dominates.
func connectivity(f faction.ID, g *territory.Graph, states map[territory.ID]influence.State) float64 {
	if g == nil {
		return 0
	}
	owned := map[territory.ID]bool{}
	for id, st := range states {
		if st.Dominant == f {
			owned[id] = true
		}
	}
	if len(owned) == 0 {
		return 0
	}
	ids := make([]territory.ID, 0, len(owned))
	for id := range owned {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	seen := map[territory.ID]bool{}
	largest := 0
	for _, start := range ids {
		if seen[start] {
			continue
		}
		size := 0
		stack := []territory.ID{start}
		seen[start] = true
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			size++
			for _, n := range g.Adjacency(cur) {
				if owned[n] && !seen[n] {
					seen[n] = true
					stack = append(stack, n)
				}
			}
		}
		if size > largest {
			largest = size
		}
	}
	return float64(largest) / float64(len(owned))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func ratio(num, den int) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// bestRatio returns num[r]/den[r] for resource r, or the best over all
// resources when r is empty.
func bestRatio(num, den map[territory.Resource]int, r territory.Resource) float64 {
	if r != "" {
		return ratio(num[r], den[r])
	}
	best := 0.0
	for res, d := range den {
		if v := ratio(num[res], d); v > best {
			best = v
		}
	}
	return best
}

// Evaluate computes progress for one condition. Route-based conditions score
// zero while the economy carries no route value.
func Evaluate(c Condition, m Metrics, active []faction.ID) float64 {
	if m.TotalRouteValue <= 0 && len(m.RouteCounts) == 0 {
		return 0
	}
	switch c.Kind {
	case EconomicDominance:
		return clamp01(m.RouteControlPct)
	case SupplyMonopoly:
		return clamp01(bestRatio(m.ControlledCounts, m.RouteCounts, c.TargetResource))
	case EconomicCollapse:
		if m.TotalRouteValue <= 0 {
			return 0
		}
		targets := c.TargetFactions
		if len(targets) == 0 {
			targets = active
		}
		sum, n := 0.0, 0
		for _, t := range targets {
			if t == m.Faction {
				continue
			}
			sum += 1 - m.EnemyOutput[t]
			n++
		}
		if n == 0 {
			return 0
		}
		return clamp01(sum / float64(n))
	case TradeNetwork:
		return clamp01(math.Sqrt(clamp01(m.RouteControlPct)))
	case ResourceControl:
		return clamp01(bestRatio(m.SharedCounts, m.RouteCounts, c.TargetResource))
	case ConvoySupremacy:
		return clamp01(0.7*m.RouteControlPct + 0.3*m.NetworkConnectivity)
	}
	return 0
}
