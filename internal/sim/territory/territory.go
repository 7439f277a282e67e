package territory

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

var ErrInvalidGraph = errors.New("invalid territory graph")

type ID uint32

type Kind uint8

const (
	KindRegion Kind = iota + 1
	KindDistrict
	KindControlPoint
)

func (k Kind) String() string {
	switch k {
	case KindRegion:
		return "REGION"
	case KindDistrict:
		return "DISTRICT"
	case KindControlPoint:
		return "CONTROL_POINT"
	default:
		return "UNKNOWN"
	}
}

func ParseKind(s string) (Kind, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "REGION":
		return KindRegion, true
	case "DISTRICT":
		return KindDistrict, true
	case "CONTROL_POINT", "CONTROLPOINT":
		return KindControlPoint, true
	}
	return 0, false
}

// Resource names what a territory produces (FUEL, MEDICAL, ...).
type Resource string

type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

func (p Point) Dist(o Point) float64 {
	dx, dy, dz := p.X-o.X, p.Y-o.Y, p.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

type Territory struct {
	ID             ID       `json:"id"`
	Kind           Kind     `json:"kind"`
	Name           string   `json:"name"`
	Resource       Resource `json:"resource,omitempty"`
	StrategicValue int      `json:"strategic_value"`
	TacticalValue  int      `json:"tactical_value"`
	Center         Point    `json:"center"`
	ControlRadius  float64  `json:"control_radius"`
	ParentID       ID       `json:"parent_id,omitempty"`
	Children       []ID     `json:"children,omitempty"`
	Adjacent       []ID     `json:"adjacent,omitempty"`
}

// Spec is the declarative form a Graph is built from.
type Spec struct {
	ID             ID       `yaml:"id"`
	Kind           string   `yaml:"kind"`
	Name           string   `yaml:"name"`
	Resource       Resource `yaml:"resource"`
	StrategicValue int      `yaml:"strategic_value"`
	TacticalValue  int      `yaml:"tactical_value"`
	Center         Point    `yaml:"center"`
	ControlRadius  float64  `yaml:"control_radius"`
	ParentID       ID       `yaml:"parent_id"`
	Adjacent       []ID     `yaml:"adjacent"`

	// Initial influence per faction id; applied by the manager at session start.
	Influence map[uint8]uint8 `yaml:"influence"`
}

// Graph is immutable after Build and safe for concurrent readers.
type Graph struct {
	byID   map[ID]Territory
	order  []ID
	byKind map[Kind][]ID
}

func Build(specs []Spec) (*Graph, error) {
	g := &Graph{
		byID:   make(map[ID]Territory, len(specs)),
		byKind: map[Kind][]ID{},
	}
	for _, s := range specs {
		if s.ID == 0 {
			return nil, fmt.Errorf("%w: territory id 0 is reserved", ErrInvalidGraph)
		}
		if _, dup := g.byID[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate territory id %d", ErrInvalidGraph, s.ID)
		}
		kind, ok := ParseKind(s.Kind)
		if !ok {
			return nil, fmt.Errorf("%w: territory %d has unknown kind %q", ErrInvalidGraph, s.ID, s.Kind)
		}
		if s.StrategicValue < 1 || s.StrategicValue > 100 {
			return nil, fmt.Errorf("%w: territory %d strategic_value must be in [1,100]", ErrInvalidGraph, s.ID)
		}
		if s.TacticalValue < 1 || s.TacticalValue > 100 {
			return nil, fmt.Errorf("%w: territory %d tactical_value must be in [1,100]", ErrInvalidGraph, s.ID)
		}
		if s.ControlRadius < 0 {
			return nil, fmt.Errorf("%w: territory %d control_radius must be >= 0", ErrInvalidGraph, s.ID)
		}
		name := strings.TrimSpace(s.Name)
		if name == "" {
			name = fmt.Sprintf("%s-%d", strings.ToLower(kind.String()), s.ID)
		}
		g.byID[s.ID] = Territory{
			ID:             s.ID,
			Kind:           kind,
			Name:           name,
			Resource:       s.Resource,
			StrategicValue: s.StrategicValue,
			TacticalValue:  s.TacticalValue,
			Center:         s.Center,
			ControlRadius:  s.ControlRadius,
			ParentID:       s.ParentID,
		}
		g.order = append(g.order, s.ID)
	}

	// Parents must exist and respect Region ⊃ District ⊃ ControlPoint.
	for _, id := range g.order {
		t := g.byID[id]
		switch t.Kind {
		case KindRegion:
			if t.ParentID != 0 {
				return nil, fmt.Errorf("%w: region %d must not have a parent", ErrInvalidGraph, id)
			}
		default:
			if t.ParentID == 0 {
				return nil, fmt.Errorf("%w: %s %d is missing a parent", ErrInvalidGraph, strings.ToLower(t.Kind.String()), id)
			}
			p, ok := g.byID[t.ParentID]
			if !ok {
				return nil, fmt.Errorf("%w: territory %d parent %d not found", ErrInvalidGraph, id, t.ParentID)
			}
			if p.Kind != t.Kind-1 {
				return nil, fmt.Errorf("%w: territory %d (%s) cannot have parent %d (%s)", ErrInvalidGraph, id, t.Kind, p.ID, p.Kind)
			}
		}
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	for _, id := range g.order {
		t := g.byID[id]
		if t.ParentID != 0 {
			p := g.byID[t.ParentID]
			p.Children = append(p.Children, id)
			g.byID[p.ID] = p
		}
	}

	// Adjacency is stored symmetrically.
	adj := map[ID]map[ID]bool{}
	for _, s := range specs {
		for _, n := range s.Adjacent {
			if n == s.ID {
				return nil, fmt.Errorf("%w: territory %d is adjacent to itself", ErrInvalidGraph, s.ID)
			}
			if _, ok := g.byID[n]; !ok {
				return nil, fmt.Errorf("%w: territory %d adjacency %d not found", ErrInvalidGraph, s.ID, n)
			}
			if adj[s.ID] == nil {
				adj[s.ID] = map[ID]bool{}
			}
			if adj[n] == nil {
				adj[n] = map[ID]bool{}
			}
			adj[s.ID][n] = true
			adj[n][s.ID] = true
		}
	}
	for id, set := range adj {
		t := g.byID[id]
		t.Adjacent = sortedIDs(set)
		g.byID[id] = t
	}

	sort.Slice(g.order, func(i, j int) bool { return g.order[i] < g.order[j] })
	for _, id := range g.order {
		k := g.byID[id].Kind
		g.byKind[k] = append(g.byKind[k], id)
	}
	return g, nil
}

func (g *Graph) checkAcyclic() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[ID]int, len(g.byID))
	for _, start := range g.order {
		var path []ID
		cur := start
		for cur != 0 && state[cur] != done {
			if state[cur] == visiting {
				return fmt.Errorf("%w: parent cycle through territory %d", ErrInvalidGraph, cur)
			}
			state[cur] = visiting
			path = append(path, cur)
			cur = g.byID[cur].ParentID
		}
		for _, id := range path {
			state[id] = done
		}
	}
	return nil
}

func sortedIDs(set map[ID]bool) []ID {
	out := make([]ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Get returns the territory with the given id. A zero kind matches any kind.
func (g *Graph) Get(id ID, kind Kind) (Territory, bool) {
	t, ok := g.byID[id]
	if !ok {
		return Territory{}, false
	}
	if kind != 0 && t.Kind != kind {
		return Territory{}, false
	}
	return t, true
}

func (g *Graph) Lookup(id ID) (Territory, bool) { return g.Get(id, 0) }

func (g *Graph) Has(id ID) bool {
	_, ok := g.byID[id]
	return ok
}

func (g *Graph) Children(id ID) []ID {
	return append([]ID(nil), g.byID[id].Children...)
}

func (g *Graph) Parent(id ID) (ID, bool) {
	t, ok := g.byID[id]
	if !ok || t.ParentID == 0 {
		return 0, false
	}
	return t.ParentID, true
}

func (g *Graph) AllOfKind(kind Kind) []ID {
	return append([]ID(nil), g.byKind[kind]...)
}

func (g *Graph) Adjacency(id ID) []ID {
	return append([]ID(nil), g.byID[id].Adjacent...)
}

// IDs returns every territory id in ascending order.
func (g *Graph) IDs() []ID {
	return append([]ID(nil), g.order...)
}

func (g *Graph) Len() int { return len(g.order) }
