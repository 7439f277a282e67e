package influence

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/territory"
)

const (
	MaxInfluence            = 100
	DefaultContestThreshold = 40
)

// Influences is indexed by faction id; slot 0 (faction.None) is always zero.
type Influences [faction.Max + 1]uint8

type State struct {
	TerritoryID territory.ID   `json:"territory_id"`
	Kind        territory.Kind `json:"kind"`
	Influence   Influences     `json:"influence"`
	Dominant    faction.ID     `json:"dominant"`
	Contested   bool           `json:"contested"`
	Revision    uint64         `json:"revision"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (s State) Of(f faction.ID) uint8 {
	if !f.Valid() {
		return 0
	}
	return s.Influence[f]
}

// Map returns the positive influences keyed by faction.
func (s State) Map() map[faction.ID]uint8 {
	out := map[faction.ID]uint8{}
	for f := faction.ID(1); f <= faction.Max; f++ {
		if v := s.Influence[f]; v > 0 {
			out[f] = v
		}
	}
	return out
}

// Total is the sum of all faction influences.
func (s State) Total() int {
	sum := 0
	for f := faction.ID(1); f <= faction.Max; f++ {
		sum += int(s.Influence[f])
	}
	return sum
}

// Share is f's fraction of the summed influence in [0,1].
func (s State) Share(f faction.ID) float64 {
	total := s.Total()
	if total == 0 {
		return 0
	}
	return float64(s.Of(f)) / float64(total)
}

// Mutation is a single requested influence delta.
type Mutation struct {
	TerritoryID territory.ID
	Faction     faction.ID
	Delta       int
	At          time.Time
}

type Result struct {
	Previous         State
	State            State
	ControlFlipped   bool
	ContestedFlipped bool
}

// Dominance returns the unique strictly-maximal positive faction (or None) and
// whether at least two factions sit at or above threshold.
func Dominance(inf Influences, threshold uint8) (faction.ID, bool) {
	best := faction.None
	var bestV uint8
	tie := false
	atThreshold := 0
	for f := faction.ID(1); f <= faction.Max; f++ {
		v := inf[f]
		if v >= threshold && v > 0 {
			atThreshold++
		}
		switch {
		case v > bestV:
			best, bestV, tie = f, v, false
		case v == bestV && v > 0:
			tie = true
		}
	}
	if tie || bestV == 0 {
		best = faction.None
	}
	return best, atThreshold >= 2
}

func clampInfluence(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > MaxInfluence {
		return MaxInfluence
	}
	return uint8(v)
}

// Store holds TerritorialState. Writes come from a single owner; readers get copies.
type Store struct {
	mu        sync.RWMutex
	threshold uint8
	states    map[territory.ID]*State
}

func NewStore(g *territory.Graph, threshold uint8) *Store {
	if threshold == 0 {
		threshold = DefaultContestThreshold
	}
	s := &Store{
		threshold: threshold,
		states:    map[territory.ID]*State{},
	}
	if g != nil {
		for _, id := range g.IDs() {
			t, _ := g.Lookup(id)
			s.states[id] = &State{TerritoryID: id, Kind: t.Kind}
		}
	}
	return s
}

func (s *Store) Threshold() uint8 { return s.threshold }

// Seed overwrites influences for a known territory and recomputes derived fields.
// The revision never moves backwards.
func (s *Store) Seed(in State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[in.TerritoryID]
	if !ok {
		return fmt.Errorf("seed: unknown territory %d", in.TerritoryID)
	}
	for f := faction.ID(1); f <= faction.Max; f++ {
		st.Influence[f] = clampInfluence(int(in.Influence[f]))
	}
	st.Influence[faction.None] = 0
	st.Dominant, st.Contested = Dominance(st.Influence, s.threshold)
	if in.Revision > st.Revision {
		st.Revision = in.Revision
	}
	st.UpdatedAt = in.UpdatedAt
	return nil
}

func (s *Store) Read(id territory.ID) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Apply clamps, recomputes dominance/contest and bumps the revision atomically.
func (s *Store) Apply(m Mutation) (Result, error) {
	if !m.Faction.Valid() {
		return Result{}, fmt.Errorf("apply: invalid faction %d", m.Faction)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[m.TerritoryID]
	if !ok {
		return Result{}, fmt.Errorf("apply: unknown territory %d", m.TerritoryID)
	}
	prev := *st
	st.Influence[m.Faction] = clampInfluence(int(st.Influence[m.Faction]) + m.Delta)
	st.Dominant, st.Contested = Dominance(st.Influence, s.threshold)
	st.Revision++
	st.UpdatedAt = m.At
	return Result{
		Previous:         prev,
		State:            *st,
		ControlFlipped:   prev.Dominant != st.Dominant,
		ContestedFlipped: prev.Contested != st.Contested,
	}, nil
}

// Snapshot copies every state under one read lock.
func (s *Store) Snapshot() map[territory.ID]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[territory.ID]State, len(s.states))
	for id, st := range s.states {
		out[id] = *st
	}
	return out
}

// Digest hashes the canonical state; timestamps are excluded.
func (s *Store) Digest() string {
	snap := s.Snapshot()
	ids := make([]territory.ID, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	h := sha256.New()
	var tmp [8]byte
	for _, id := range ids {
		st := snap[id]
		binary.LittleEndian.PutUint64(tmp[:], uint64(id))
		h.Write(tmp[:])
		h.Write([]byte{byte(st.Kind)})
		h.Write(st.Influence[:])
		contested := byte(0)
		if st.Contested {
			contested = 1
		}
		h.Write([]byte{byte(st.Dominant), contested})
		binary.LittleEndian.PutUint64(tmp[:], st.Revision)
		h.Write(tmp[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
