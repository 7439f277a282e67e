package strategy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/manager"
	"holdfast.gg/internal/sim/territory"
)

// World is the read-only snapshot strategists reason over.
type World struct {
	Now    time.Time
	Graph  *territory.Graph
	States map[territory.ID]influence.State
}

func (w World) state(id territory.ID) influence.State { return w.States[id] }

type ThreatKind uint8

const (
	ContestOfOwned ThreatKind = iota + 1
	InfluenceDecline
	HostileExpansion
)

func (k ThreatKind) String() string {
	switch k {
	case ContestOfOwned:
		return "CONTEST_OF_OWNED"
	case InfluenceDecline:
		return "INFLUENCE_DECLINE"
	case HostileExpansion:
		return "HOSTILE_EXPANSION"
	}
	return "UNKNOWN"
}

type Threat struct {
	Target      territory.ID `json:"target"`
	Threatening faction.ID   `json:"threatening"`
	Level       int          `json:"level"`
	Kind        ThreatKind   `json:"kind"`
	DetectedAt  time.Time    `json:"detected_at"`
}

type DecisionKind uint8

const (
	Offensive DecisionKind = iota + 1
	Defensive
	Expansion
	Consolidation
)

func (k DecisionKind) String() string {
	switch k {
	case Offensive:
		return "OFFENSIVE"
	case Defensive:
		return "DEFENSIVE"
	case Expansion:
		return "EXPANSION"
	case Consolidation:
		return "CONSOLIDATION"
	}
	return "UNKNOWN"
}

type Decision struct {
	Kind               DecisionKind
	Target             territory.ID
	Priority           int
	ResourcesCommitted int
	ExecutionDelay     time.Duration
	Reasoning          string

	// Actions, when set, replace the default conversion at execution time.
	Actions []manager.Action
}

// Strategist is the capability set every faction behaviour provides.
type Strategist interface {
	Faction() faction.ID
	EvaluateValue(t territory.Territory, w World) float64
	IdentifyThreats(w World) []Threat
	Decide(w World, threats []Threat) *Decision
	CounterActions(t Threat) []manager.Action
	ToActions(d Decision, w World) []manager.Action
	ObserveThreat(t Threat)
}

// Profiled is the data-driven Strategist shared by every variant.
type Profiled struct {
	cfg     faction.Config
	profile Profile

	lastSeen map[territory.ID]uint8
	injected []Threat
}

func NewProfiled(cfg faction.Config) *Profiled {
	return &Profiled{cfg: cfg, profile: ProfileFor(cfg.Variant), lastSeen: map[territory.ID]uint8{}}
}

func (p *Profiled) Faction() faction.ID { return p.cfg.ID }
func (p *Profiled) Profile() Profile    { return p.profile }

func (p *Profiled) EvaluateValue(t territory.Territory, w World) float64 {
	pr := p.profile
	v := pr.StrategicWeight*float64(t.StrategicValue) + pr.TacticalWeight*float64(t.TacticalValue)
	if p.cfg.Prefers(t.Resource) {
		v += pr.ResourceWeight * (1 + p.cfg.EconomicFocus) * 20
	}
	st := w.state(t.ID)
	if st.Contested {
		v *= 1 + pr.ContestWeight*p.cfg.Aggression
	}
	if st.Dominant == p.cfg.ID {
		v *= 1 + 0.25*pr.DefenseWeight
	}
	return v
}

func clampLevel(v int) int {
	if v < 1 {
		return 1
	}
	if v > 100 {
		return 100
	}
	return v
}

func strongestRival(st influence.State, self faction.ID) (faction.ID, uint8) {
	var best faction.ID
	var bestV uint8
	for _, f := range faction.All() {
		if f == self {
			continue
		}
		if v := st.Influence[f]; v > bestV {
			best, bestV = f, v
		}
	}
	return best, bestV
}

// IdentifyThreats reports contests of owned territory, influence drops since
// the previous observation, and any injected threats. Sorted by level then id.
func (p *Profiled) IdentifyThreats(w World) []Threat {
	self := p.cfg.ID
	var out []Threat
	ids := w.Graph.IDs()
	for _, id := range ids {
		st := w.state(id)
		mine := st.Influence[self]
		rival, rivalV := strongestRival(st, self)
		if st.Dominant == self && st.Contested {
			out = append(out, Threat{
				Target: id, Threatening: rival, Kind: ContestOfOwned, DetectedAt: w.Now,
				Level: clampLevel(int(rivalV) - int(mine) + 50),
			})
		} else if prev, ok := p.lastSeen[id]; ok && prev > mine && prev-mine >= 5 {
			out = append(out, Threat{
				Target: id, Threatening: rival, Kind: InfluenceDecline, DetectedAt: w.Now,
				Level: clampLevel(int(prev-mine) * 3),
			})
		}
		if mine > 0 {
			p.lastSeen[id] = mine
		} else {
			delete(p.lastSeen, id)
		}
	}
	for _, t := range p.injected {
		if t.DetectedAt.IsZero() {
			t.DetectedAt = w.Now
		}
		out = append(out, t)
	}
	p.injected = nil
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level > out[j].Level
		}
		return out[i].Target < out[j].Target
	})
	return out
}

func (p *Profiled) ObserveThreat(t Threat) {
	t.Level = clampLevel(t.Level)
	p.injected = append(p.injected, t)
}

func (p *Profiled) commit(scale float64) int {
	c := int(math.Round(float64(p.profile.Commit) * (0.5 + p.cfg.Aggression) * scale))
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

func (p *Profiled) delay() time.Duration {
	return time.Duration(float64(p.profile.BaseDelay) * (1.5 - p.cfg.Aggression))
}

// Decide defends against the worst threat above the profile's bar, otherwise
// picks the most valuable territory it does not hold, otherwise consolidates.
func (p *Profiled) Decide(w World, threats []Threat) *Decision {
	self := p.cfg.ID
	if len(threats) > 0 && threats[0].Level >= p.profile.DefendAt {
		t := threats[0]
		return &Decision{
			Kind:               Defensive,
			Target:             t.Target,
			Priority:           clampLevel(int(float64(t.Level) * p.profile.DefenseWeight * p.cfg.DefensiveBonus)),
			ResourcesCommitted: p.commit(p.profile.DefenseWeight),
			ExecutionDelay:     p.delay() / 2,
			Reasoning:          fmt.Sprintf("%s on %d by faction %d at level %d", t.Kind, t.Target, t.Threatening, t.Level),
		}
	}

	type cand struct {
		id    territory.ID
		value float64
		st    influence.State
	}
	var cands []cand
	var owned []cand
	for _, id := range w.Graph.IDs() {
		t, _ := w.Graph.Lookup(id)
		st := w.state(id)
		c := cand{id: id, value: p.EvaluateValue(t, w), st: st}
		if st.Dominant == self {
			owned = append(owned, c)
			continue
		}
		if st.Influence[self] > 0 || p.bordersOwned(w, id) || st.Dominant == faction.None {
			cands = append(cands, c)
		}
	}
	if len(cands) > 0 {
		sort.SliceStable(cands, func(i, j int) bool {
			if cands[i].value != cands[j].value {
				return cands[i].value > cands[j].value
			}
			return p.tieLess(cands[i].id, cands[i].st, cands[j].id, cands[j].st)
		})
		best := cands[0]
		kind, weight := Expansion, p.profile.ExpansionWeight
		if best.st.Dominant != faction.None {
			kind, weight = Offensive, p.profile.ExpansionWeight*(0.5+p.cfg.Aggression)
		}
		return &Decision{
			Kind:               kind,
			Target:             best.id,
			Priority:           clampLevel(int(best.value * weight / 2)),
			ResourcesCommitted: p.commit(weight),
			ExecutionDelay:     p.delay(),
			Reasoning:          fmt.Sprintf("%s toward %d (value %.1f, held by %d)", kind, best.id, best.value, best.st.Dominant),
		}
	}
	if len(owned) > 0 {
		sort.SliceStable(owned, func(i, j int) bool {
			mi := margin(owned[i].st, self)
			mj := margin(owned[j].st, self)
			if mi != mj {
				return mi < mj
			}
			return p.tieLess(owned[i].id, owned[i].st, owned[j].id, owned[j].st)
		})
		c := owned[0]
		return &Decision{
			Kind:               Consolidation,
			Target:             c.id,
			Priority:           clampLevel(20 - margin(c.st, self)/5),
			ResourcesCommitted: p.commit(0.5),
			ExecutionDelay:     p.delay(),
			Reasoning:          fmt.Sprintf("consolidate %d (margin %d)", c.id, margin(c.st, self)),
		}
	}
	return nil
}

func margin(st influence.State, self faction.ID) int {
	_, rivalV := strongestRival(st, self)
	return int(st.Influence[self]) - int(rivalV)
}

func (p *Profiled) bordersOwned(w World, id territory.ID) bool {
	for _, n := range w.Graph.Adjacency(id) {
		if w.state(n).Dominant == p.cfg.ID {
			return true
		}
	}
	return false
}

func (p *Profiled) tieLess(a territory.ID, sa influence.State, b territory.ID, sb influence.State) bool {
	switch p.profile.TieBreak {
	case HighestID:
		return a > b
	case MostContested:
		if sa.Contested != sb.Contested {
			return sa.Contested
		}
		return a < b
	default:
		return a < b
	}
}

func (p *Profiled) step(committed int) int {
	d := committed / 10
	if d < 1 {
		d = 1
	}
	return d
}

func (p *Profiled) CounterActions(t Threat) []manager.Action {
	self := p.cfg.ID
	d := int(math.Round(float64(t.Level) / 5 * p.cfg.DefensiveBonus))
	if d < 1 {
		d = 1
	}
	out := []manager.Action{{TerritoryID: t.Target, Faction: self, Delta: d, Cause: "ai:defend"}}
	if p.cfg.Aggression > 0.5 && t.Threatening.Valid() && t.Threatening != self {
		if back := d / 2; back > 0 {
			out = append(out, manager.Action{TerritoryID: t.Target, Faction: t.Threatening, Delta: -back, Cause: "ai:counter"})
		}
	}
	return out
}

func (p *Profiled) ToActions(d Decision, w World) []manager.Action {
	if len(d.Actions) > 0 {
		return d.Actions
	}
	self := p.cfg.ID
	step := p.step(d.ResourcesCommitted)
	switch d.Kind {
	case Offensive:
		out := []manager.Action{{TerritoryID: d.Target, Faction: self, Delta: step, Cause: "ai:offensive"}}
		if dom := w.state(d.Target).Dominant; dom.Valid() && dom != self {
			out = append(out, manager.Action{TerritoryID: d.Target, Faction: dom, Delta: -(step + 1) / 2, Cause: "ai:offensive"})
		}
		return out
	case Defensive:
		dd := int(math.Round(float64(step) * p.cfg.DefensiveBonus))
		if dd < 1 {
			dd = 1
		}
		return []manager.Action{{TerritoryID: d.Target, Faction: self, Delta: dd, Cause: "ai:defensive"}}
	case Expansion:
		return []manager.Action{{TerritoryID: d.Target, Faction: self, Delta: step, Cause: "ai:expansion"}}
	case Consolidation:
		return []manager.Action{{TerritoryID: d.Target, Faction: self, Delta: (step + 1) / 2, Cause: "ai:consolidation"}}
	}
	return nil
}
