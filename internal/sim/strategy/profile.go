package strategy

import (
	"time"

	"holdfast.gg/internal/sim/faction"
)

type TieBreak uint8

const (
	LowestID TieBreak = iota
	HighestID
	MostContested
)

// Profile holds the weights that distinguish one faction behaviour from another.
type Profile struct {
	StrategicWeight float64
	TacticalWeight  float64
	ResourceWeight  float64
	ContestWeight   float64
	DefenseWeight   float64
	ExpansionWeight float64

	// DefendAt is the minimum threat level that preempts expansion.
	DefendAt  int
	Commit    int
	BaseDelay time.Duration
	TieBreak  TieBreak
}

var profiles = map[faction.Variant]Profile{
	faction.VariantCorporate: {
		StrategicWeight: 1.0, TacticalWeight: 0.3, ResourceWeight: 1.5,
		ContestWeight: 0.2, DefenseWeight: 0.8, ExpansionWeight: 1.2,
		DefendAt: 35, Commit: 60, BaseDelay: 20 * time.Second, TieBreak: LowestID,
	},
	faction.VariantGuerrilla: {
		StrategicWeight: 0.4, TacticalWeight: 1.2, ResourceWeight: 0.5,
		ContestWeight: 1.0, DefenseWeight: 0.5, ExpansionWeight: 0.8,
		DefendAt: 60, Commit: 40, BaseDelay: 5 * time.Second, TieBreak: MostContested,
	},
	faction.VariantEnvironmental: {
		StrategicWeight: 0.6, TacticalWeight: 0.4, ResourceWeight: 1.2,
		ContestWeight: 0.1, DefenseWeight: 1.2, ExpansionWeight: 0.6,
		DefendAt: 25, Commit: 50, BaseDelay: 15 * time.Second, TieBreak: HighestID,
	},
	faction.VariantMilitia: {
		StrategicWeight: 0.8, TacticalWeight: 0.9, ResourceWeight: 0.3,
		ContestWeight: 0.6, DefenseWeight: 1.5, ExpansionWeight: 0.7,
		DefendAt: 20, Commit: 70, BaseDelay: 10 * time.Second, TieBreak: LowestID,
	},
}

// ProfileFor returns the weights for a variant, defaulting to CORPORATE.
func ProfileFor(v faction.Variant) Profile {
	if p, ok := profiles[v]; ok {
		return p
	}
	return profiles[faction.VariantCorporate]
}
