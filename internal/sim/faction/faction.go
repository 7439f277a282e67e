package faction

import (
	"fmt"
	"strings"

	"holdfast.gg/internal/sim/territory"
)

type ID uint8

const (
	None ID = 0
	Max  ID = 7
)

func (id ID) Valid() bool { return id >= 1 && id <= Max }

// All returns every playable faction id in ascending order.
func All() []ID {
	out := make([]ID, 0, Max)
	for id := ID(1); id <= Max; id++ {
		out = append(out, id)
	}
	return out
}

// Variant selects a strategist weight profile. Variants differ only in data.
type Variant string

const (
	VariantCorporate     Variant = "CORPORATE"
	VariantGuerrilla     Variant = "GUERRILLA"
	VariantEnvironmental Variant = "ENVIRONMENTAL"
	VariantMilitia       Variant = "MILITIA"
)

func ParseVariant(s string) (Variant, bool) {
	switch v := Variant(strings.ToUpper(strings.TrimSpace(s))); v {
	case VariantCorporate, VariantGuerrilla, VariantEnvironmental, VariantMilitia:
		return v, true
	}
	return "", false
}

type Config struct {
	ID                 ID                   `yaml:"id" json:"id"`
	Name               string               `yaml:"name" json:"name"`
	Variant            Variant              `yaml:"variant" json:"variant"`
	Aggression         float64              `yaml:"aggression" json:"aggression"`
	DefensiveBonus     float64              `yaml:"defensive_bonus" json:"defensive_bonus"`
	EconomicFocus      float64              `yaml:"economic_focus" json:"economic_focus"`
	TechFocus          float64              `yaml:"tech_focus" json:"tech_focus"`
	PreferredResources []territory.Resource `yaml:"preferred_resources" json:"preferred_resources,omitempty"`
	Color              string               `yaml:"color" json:"color,omitempty"`
	Style              string               `yaml:"style" json:"style,omitempty"`
}

func (c Config) Validate() error {
	if !c.ID.Valid() {
		return fmt.Errorf("faction id %d must be in [1,%d]", c.ID, Max)
	}
	if _, ok := ParseVariant(string(c.Variant)); !ok {
		return fmt.Errorf("faction %d has unknown variant %q", c.ID, c.Variant)
	}
	if c.Aggression < 0 || c.Aggression > 1 {
		return fmt.Errorf("faction %d aggression must be in [0,1]", c.ID)
	}
	if c.DefensiveBonus <= 0 {
		return fmt.Errorf("faction %d defensive_bonus must be > 0", c.ID)
	}
	if c.EconomicFocus < 0 || c.EconomicFocus > 1 {
		return fmt.Errorf("faction %d economic_focus must be in [0,1]", c.ID)
	}
	if c.TechFocus < 0 || c.TechFocus > 1 {
		return fmt.Errorf("faction %d tech_focus must be in [0,1]", c.ID)
	}
	return nil
}

func (c Config) Prefers(r territory.Resource) bool {
	if r == "" {
		return false
	}
	for _, p := range c.PreferredResources {
		if p == r {
			return true
		}
	}
	return false
}

// StyleOrDefault returns the configured procedural style, falling back to the variant name.
func (c Config) StyleOrDefault() string {
	if s := strings.TrimSpace(c.Style); s != "" {
		return s
	}
	return strings.ToLower(string(c.Variant))
}
