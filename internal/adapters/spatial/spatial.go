// Package spatial is the default placement-validation adapter. Candidates
// are ring positions around a territory centre jittered by simplex noise.
package spatial

import (
	"math"

	opensimplex "github.com/ojrac/opensimplex-go"

	"holdfast.gg/internal/sim/procedural"
	"holdfast.gg/internal/sim/territory"
)

type Noise struct {
	graph     *territory.Graph
	jitter    opensimplex.Noise
	terrain   opensimplex.Noise
	protected []territory.Point

	// MaxSlope rejects candidates whose terrain noise exceeds it (0..1).
	MaxSlope float64
}

func New(g *territory.Graph, seed int64, protected []territory.Point) *Noise {
	return &Noise{
		graph:     g,
		jitter:    opensimplex.NewNormalized(seed),
		terrain:   opensimplex.NewNormalized(seed + 1),
		protected: append([]territory.Point(nil), protected...),
		MaxSlope:  0.85,
	}
}

func slots(kind procedural.AssetKind) int {
	switch kind {
	case procedural.KindStructural:
		return 4
	case procedural.KindAssetPlacement:
		return 6
	default:
		return 8
	}
}

func (n *Noise) Candidates(id territory.ID, kind procedural.AssetKind) []territory.Point {
	t, ok := n.graph.Lookup(id)
	if !ok {
		return nil
	}
	r := t.ControlRadius
	if r <= 0 {
		r = 10
	}
	count := slots(kind)
	out := make([]territory.Point, 0, count)
	for i := 0; i < count; i++ {
		angle := 2 * math.Pi * float64(i) / float64(count)
		j := n.jitter.Eval2(float64(id)*0.1+float64(i), float64(kind))
		dist := r * (0.4 + 0.4*j)
		out = append(out, territory.Point{
			X: t.Center.X + dist*math.Cos(angle),
			Y: t.Center.Y,
			Z: t.Center.Z + dist*math.Sin(angle),
		})
	}
	return out
}

func (n *Noise) Validate(p territory.Point, kind procedural.AssetKind) bool {
	if math.IsNaN(p.X) || math.IsNaN(p.Z) {
		return false
	}
	slope := n.terrain.Eval2(p.X*0.05, p.Z*0.05)
	if kind == procedural.KindCosmetic {
		return true
	}
	return slope <= n.MaxSlope
}

func (n *Noise) ProtectedPoints() []territory.Point {
	return append([]territory.Point(nil), n.protected...)
}

// SightlineBlockagePct estimates how much of the territory centre's view a
// placement obstructs: closer to the centre blocks more.
func (n *Noise) SightlineBlockagePct(id territory.ID, p territory.Point) float64 {
	t, ok := n.graph.Lookup(id)
	if !ok || t.ControlRadius <= 0 {
		return 0
	}
	d := t.Center.Dist(p) / t.ControlRadius
	if d >= 1 {
		return 0
	}
	return (1 - d) * 100 * (0.5 + 0.5*n.terrain.Eval2(p.X*0.02, p.Z*0.02))
}
