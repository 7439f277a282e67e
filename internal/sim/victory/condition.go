package victory

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/territory"
	"holdfast.gg/internal/sim/tuning"
)

type Kind uint8

const (
	EconomicDominance Kind = iota + 1
	SupplyMonopoly
	EconomicCollapse
	TradeNetwork
	ResourceControl
	ConvoySupremacy
)

var kindNames = map[Kind]string{
	EconomicDominance: "ECONOMIC_DOMINANCE",
	SupplyMonopoly:    "SUPPLY_MONOPOLY",
	EconomicCollapse:  "ECONOMIC_COLLAPSE",
	TradeNetwork:      "TRADE_NETWORK",
	ResourceControl:   "RESOURCE_CONTROL",
	ConvoySupremacy:   "CONVOY_SUPREMACY",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UNKNOWN"
}

func ParseKind(s string) (Kind, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

type Status uint8

const (
	NotStarted Status = iota
	InProgress
	NearComplete
	Completed
	Failed
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case InProgress:
		return "IN_PROGRESS"
	case NearComplete:
		return "NEAR_COMPLETE"
	case Completed:
		return "COMPLETED"
	case Failed:
		return "FAILED"
	}
	return "UNKNOWN"
}

type Condition struct {
	Kind           Kind
	Threshold      float64
	Dwell          time.Duration
	Priority       int
	TargetResource territory.Resource
	TargetFactions []faction.ID
	Enabled        bool
}

// ConditionsFromSpecs converts configured conditions, at most one per kind,
// ordered by kind.
func ConditionsFromSpecs(specs []tuning.ConditionSpec) ([]Condition, error) {
	seen := map[Kind]bool{}
	out := make([]Condition, 0, len(specs))
	for _, s := range specs {
		k, ok := ParseKind(s.Kind)
		if !ok {
			return nil, fmt.Errorf("%w: unknown victory condition %q", tuning.ErrConfigInvalid, s.Kind)
		}
		if seen[k] {
			return nil, fmt.Errorf("%w: duplicate victory condition %s", tuning.ErrConfigInvalid, k)
		}
		seen[k] = true
		if s.Threshold <= 0 || s.Threshold > 1 {
			return nil, fmt.Errorf("%w: %s threshold must be in (0,1]", tuning.ErrConfigInvalid, k)
		}
		if s.DwellS < 0 {
			return nil, fmt.Errorf("%w: %s dwell must be >= 0", tuning.ErrConfigInvalid, k)
		}
		out = append(out, Condition{
			Kind:           k,
			Threshold:      s.Threshold,
			Dwell:          time.Duration(s.DwellS * float64(time.Second)),
			Priority:       s.Priority,
			TargetResource: territory.Resource(strings.TrimSpace(s.TargetResource)),
			TargetFactions: append([]faction.ID(nil), s.TargetFactions...),
			Enabled:        s.IsEnabled(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

// Progress is one (faction, condition) row.
type Progress struct {
	Faction    faction.ID    `json:"faction_id"`
	Kind       Kind          `json:"-"`
	Condition  string        `json:"condition"`
	Progress   float64       `json:"progress"`
	Status     Status        `json:"-"`
	StatusName string        `json:"status"`
	TimeHeld   time.Duration `json:"-"`
	TimeHeldS  float64       `json:"time_held_s"`
	LastUpdate time.Time     `json:"last_update"`

	threatened bool
}

func (p Progress) export() Progress {
	p.Condition = p.Kind.String()
	p.StatusName = p.Status.String()
	p.TimeHeldS = p.TimeHeld.Seconds()
	return p
}
