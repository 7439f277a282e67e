package tuning

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/territory"
)

var ErrConfigInvalid = errors.New("config invalid")

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	ContestThreshold         uint8              `yaml:"contest_threshold"`
	VictoryCheckIntervalS    float64            `yaml:"victory_check_interval_s"`
	ThreatWarnThreshold      float64            `yaml:"threat_warn_threshold"`
	DwellRequired            map[string]float64 `yaml:"dwell_required"`
	VictoryThresholds        map[string]float64 `yaml:"victory_thresholds"`
	AntiCampingEnabled       bool               `yaml:"anti_camping_enabled"`
	MinEngagement            float64            `yaml:"min_engagement"`
	AssetCooldownS           float64            `yaml:"asset_cooldown_s"`
	MaxConcurrentGenerations int                `yaml:"max_concurrent_generations"`
	StrategicIntervalS       float64            `yaml:"strategic_interval_s"`
	ThreatIntervalS          float64            `yaml:"threat_interval_s"`
	DecayRatePerS            float64            `yaml:"decay_rate_per_s"`
	DecayContested           bool               `yaml:"decay_contested"`
	SessionTimeLimitS        float64            `yaml:"session_time_limit_s"`

	AnnouncementDelayS     float64 `yaml:"announcement_delay_s"`
	AdapterCancelDeadlineS float64 `yaml:"adapter_cancel_deadline_s"`
	GenerationTimeoutS     float64 `yaml:"generation_timeout_s"`
	StructuralMinValue     int     `yaml:"structural_min_value"`
	AssetPlacementMinValue int     `yaml:"asset_placement_min_value"`
	SameFactionBetrayalMul float64 `yaml:"same_faction_betrayal_mult"`
	IntakeCapacity         int     `yaml:"intake_capacity"`
	ConvoyInfluence        int     `yaml:"convoy_influence"`

	Placement Placement `yaml:"placement"`

	Factions          []faction.Config `yaml:"factions"`
	VictoryConditions []ConditionSpec  `yaml:"victory_conditions"`
	Territories       []territory.Spec `yaml:"territories"`
	Routes            []RouteSpec      `yaml:"routes"`
}

type Placement struct {
	MinDistanceFromProtected float64           `yaml:"min_distance_from_protected"`
	MaxSightlineBlockagePct  float64           `yaml:"max_sightline_blockage_pct"`
	ProtectedPoints          []territory.Point `yaml:"protected_points"`
}

// ConditionSpec is the declarative form of a victory condition.
type ConditionSpec struct {
	Kind           string       `yaml:"kind"`
	Threshold      float64      `yaml:"threshold"`
	DwellS         float64      `yaml:"dwell_s"`
	Priority       int          `yaml:"priority"`
	TargetResource string       `yaml:"target_resource"`
	TargetFactions []faction.ID `yaml:"target_factions"`
	Enabled        *bool        `yaml:"enabled"`
}

func (c ConditionSpec) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

type RouteSpec struct {
	ID             string             `yaml:"id"`
	TerritoryID    territory.ID       `yaml:"territory_id"`
	Controller     faction.ID         `yaml:"controller"`
	BaseValue      float64            `yaml:"base_value"`
	DifficultyMult float64            `yaml:"difficulty_mult"`
	Resource       territory.Resource `yaml:"resource"`
}

var ConditionKinds = []string{
	"ECONOMIC_DOMINANCE",
	"SUPPLY_MONOPOLY",
	"ECONOMIC_COLLAPSE",
	"TRADE_NETWORK",
	"RESOURCE_CONTROL",
	"CONVOY_SUPREMACY",
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:          "1.0",
		ContestThreshold:         40,
		VictoryCheckIntervalS:    5,
		ThreatWarnThreshold:      0.8,
		AntiCampingEnabled:       true,
		MinEngagement:            0.1,
		AssetCooldownS:           5,
		MaxConcurrentGenerations: 3,
		StrategicIntervalS:       300,
		ThreatIntervalS:          5,
		DecayRatePerS:            0,
		SessionTimeLimitS:        1800,
		AnnouncementDelayS:       10,
		AdapterCancelDeadlineS:   5,
		GenerationTimeoutS:       60,
		StructuralMinValue:       7,
		AssetPlacementMinValue:   4,
		SameFactionBetrayalMul:   1.5,
		IntakeCapacity:           1024,
		ConvoyInfluence:          3,
		Placement: Placement{
			MinDistanceFromProtected: 8,
			MaxSightlineBlockagePct:  30,
		},
		VictoryConditions: []ConditionSpec{
			{Kind: "ECONOMIC_DOMINANCE", Threshold: 0.75, DwellS: 120, Priority: 1},
			{Kind: "SUPPLY_MONOPOLY", Threshold: 0.8, DwellS: 90, Priority: 2},
			{Kind: "ECONOMIC_COLLAPSE", Threshold: 0.7, DwellS: 120, Priority: 3},
			{Kind: "TRADE_NETWORK", Threshold: 0.85, DwellS: 180, Priority: 4},
			{Kind: "RESOURCE_CONTROL", Threshold: 0.6, DwellS: 120, Priority: 5},
			{Kind: "CONVOY_SUPREMACY", Threshold: 0.75, DwellS: 120, Priority: 6},
		},
	}
}

// Load reads path on top of Defaults. An empty path returns the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, t.Validate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (Tuning, error) {
	t := Defaults()
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Normalize upper-cases kind names and folds the per-kind override maps into
// VictoryConditions.
func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	for i := range t.VictoryConditions {
		c := &t.VictoryConditions[i]
		c.Kind = strings.ToUpper(strings.TrimSpace(c.Kind))
		if v, ok := lookupKind(t.VictoryThresholds, c.Kind); ok {
			c.Threshold = v
		}
		if v, ok := lookupKind(t.DwellRequired, c.Kind); ok {
			c.DwellS = v
		}
	}
	for i := range t.Routes {
		if t.Routes[i].DifficultyMult == 0 {
			t.Routes[i].DifficultyMult = 1
		}
	}
	for i := range t.Factions {
		if v, ok := faction.ParseVariant(string(t.Factions[i].Variant)); ok {
			t.Factions[i].Variant = v
		}
	}
}

func lookupKind(m map[string]float64, kind string) (float64, bool) {
	for k, v := range m {
		if strings.EqualFold(strings.TrimSpace(k), kind) {
			return v, true
		}
	}
	return 0, false
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfigInvalid, fmt.Sprintf(format, args...))
}

func (t Tuning) Validate() error {
	switch {
	case t.ContestThreshold < 1 || t.ContestThreshold > 100:
		return invalid("contest_threshold must be in [1,100]")
	case t.VictoryCheckIntervalS <= 0:
		return invalid("victory_check_interval_s must be > 0")
	case t.ThreatWarnThreshold <= 0 || t.ThreatWarnThreshold > 1:
		return invalid("threat_warn_threshold must be in (0,1]")
	case t.MinEngagement < 0 || t.MinEngagement > 1:
		return invalid("min_engagement must be in [0,1]")
	case t.AssetCooldownS < 0:
		return invalid("asset_cooldown_s must be >= 0")
	case t.MaxConcurrentGenerations < 1:
		return invalid("max_concurrent_generations must be >= 1")
	case t.StrategicIntervalS <= 0:
		return invalid("strategic_interval_s must be > 0")
	case t.ThreatIntervalS <= 0:
		return invalid("threat_interval_s must be > 0")
	case t.DecayRatePerS < 0:
		return invalid("decay_rate_per_s must be >= 0")
	case t.SessionTimeLimitS < 0:
		return invalid("session_time_limit_s must be >= 0")
	case t.AnnouncementDelayS < 0:
		return invalid("announcement_delay_s must be >= 0")
	case t.AdapterCancelDeadlineS <= 0:
		return invalid("adapter_cancel_deadline_s must be > 0")
	case t.GenerationTimeoutS <= 0:
		return invalid("generation_timeout_s must be > 0")
	case t.AssetPlacementMinValue < 1 || t.StructuralMinValue < t.AssetPlacementMinValue:
		return invalid("asset_placement_min_value must be >= 1 and <= structural_min_value")
	case t.SameFactionBetrayalMul < 1:
		return invalid("same_faction_betrayal_mult must be >= 1")
	case t.IntakeCapacity < 1:
		return invalid("intake_capacity must be >= 1")
	case t.ConvoyInfluence < 0 || t.ConvoyInfluence > 100:
		return invalid("convoy_influence must be in [0,100]")
	case t.Placement.MinDistanceFromProtected < 0:
		return invalid("placement.min_distance_from_protected must be >= 0")
	case t.Placement.MaxSightlineBlockagePct < 0 || t.Placement.MaxSightlineBlockagePct > 100:
		return invalid("placement.max_sightline_blockage_pct must be in [0,100]")
	}

	known := map[string]bool{}
	for _, k := range ConditionKinds {
		known[k] = true
	}
	for k := range t.VictoryThresholds {
		if !known[strings.ToUpper(strings.TrimSpace(k))] {
			return invalid("victory_thresholds has unknown kind %q", k)
		}
	}
	for k := range t.DwellRequired {
		if !known[strings.ToUpper(strings.TrimSpace(k))] {
			return invalid("dwell_required has unknown kind %q", k)
		}
	}
	seenKind := map[string]bool{}
	for _, c := range t.VictoryConditions {
		if !known[c.Kind] {
			return invalid("unknown victory condition kind %q", c.Kind)
		}
		if seenKind[c.Kind] {
			return invalid("duplicate victory condition %s", c.Kind)
		}
		seenKind[c.Kind] = true
		if c.Threshold <= 0 || c.Threshold > 1 {
			return invalid("victory condition %s threshold must be in (0,1]", c.Kind)
		}
		if c.DwellS < 0 {
			return invalid("victory condition %s dwell_s must be >= 0", c.Kind)
		}
		for _, f := range c.TargetFactions {
			if !f.Valid() {
				return invalid("victory condition %s target faction %d out of range", c.Kind, f)
			}
		}
	}

	seenFaction := map[faction.ID]bool{}
	for _, f := range t.Factions {
		if err := f.Validate(); err != nil {
			return invalid("%v", err)
		}
		if seenFaction[f.ID] {
			return invalid("duplicate faction id %d", f.ID)
		}
		seenFaction[f.ID] = true
	}

	seenRoute := map[string]bool{}
	for _, r := range t.Routes {
		if strings.TrimSpace(r.ID) == "" {
			return invalid("route id must not be empty")
		}
		if seenRoute[r.ID] {
			return invalid("duplicate route id %s", r.ID)
		}
		seenRoute[r.ID] = true
		if r.BaseValue < 0 || r.DifficultyMult <= 0 {
			return invalid("route %s base_value must be >= 0 and difficulty_mult > 0", r.ID)
		}
		if r.Controller != faction.None && !r.Controller.Valid() {
			return invalid("route %s controller %d out of range", r.ID, r.Controller)
		}
	}
	return nil
}

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

func (t Tuning) VictoryCheckInterval() time.Duration  { return seconds(t.VictoryCheckIntervalS) }
func (t Tuning) StrategicInterval() time.Duration     { return seconds(t.StrategicIntervalS) }
func (t Tuning) ThreatInterval() time.Duration        { return seconds(t.ThreatIntervalS) }
func (t Tuning) AssetCooldown() time.Duration         { return seconds(t.AssetCooldownS) }
func (t Tuning) SessionTimeLimit() time.Duration      { return seconds(t.SessionTimeLimitS) }
func (t Tuning) AnnouncementDelay() time.Duration     { return seconds(t.AnnouncementDelayS) }
func (t Tuning) AdapterCancelDeadline() time.Duration { return seconds(t.AdapterCancelDeadlineS) }
func (t Tuning) GenerationTimeout() time.Duration     { return seconds(t.GenerationTimeoutS) }

// FactionConfigs returns the configured factions, or one CORPORATE faction per
// id that appears in the initial territory influences when none are configured.
func (t Tuning) FactionConfigs() []faction.Config {
	if len(t.Factions) > 0 {
		return append([]faction.Config(nil), t.Factions...)
	}
	seen := map[faction.ID]bool{}
	for _, s := range t.Territories {
		for f := range s.Influence {
			seen[faction.ID(f)] = true
		}
	}
	for _, r := range t.Routes {
		if r.Controller.Valid() {
			seen[r.Controller] = true
		}
	}
	var out []faction.Config
	for _, id := range faction.All() {
		if seen[id] {
			out = append(out, faction.Config{
				ID:             id,
				Name:           fmt.Sprintf("faction-%d", id),
				Variant:        faction.VariantCorporate,
				Aggression:     0.5,
				DefensiveBonus: 1,
				EconomicFocus:  0.5,
				TechFocus:      0.5,
			})
		}
	}
	return out
}
