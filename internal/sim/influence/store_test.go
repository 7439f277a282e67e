package influence

import (
	"testing"
	"time"

	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/territory"
)

func testGraph(t *testing.T) *territory.Graph {
	t.Helper()
	g, err := territory.Build([]territory.Spec{
		{ID: 1001, Kind: "REGION", StrategicValue: 50, TacticalValue: 50},
		{ID: 2001, Kind: "DISTRICT", StrategicValue: 10, TacticalValue: 10, ParentID: 1001},
	})
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return g
}

func TestDominance(t *testing.T) {
	cases := []struct {
		name      string
		inf       map[faction.ID]uint8
		dominant  faction.ID
		contested bool
	}{
		{"empty", nil, faction.None, false},
		{"single", map[faction.ID]uint8{2: 10}, 2, false},
		{"tie at 50", map[faction.ID]uint8{1: 50, 2: 50}, faction.None, true},
		{"one above threshold", map[faction.ID]uint8{1: 45, 2: 30}, 1, false},
		{"two at threshold", map[faction.ID]uint8{1: 40, 3: 41}, 3, true},
		{"tie below max", map[faction.ID]uint8{1: 20, 2: 20, 3: 60}, 3, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var inf Influences
			for f, v := range tc.inf {
				inf[f] = v
			}
			d, c := Dominance(inf, DefaultContestThreshold)
			if d != tc.dominant || c != tc.contested {
				t.Fatalf("Dominance=%d,%v want %d,%v", d, c, tc.dominant, tc.contested)
			}
		})
	}
}

func TestApply_ClampsAndBumpsRevision(t *testing.T) {
	s := NewStore(testGraph(t), 0)
	var seed State
	seed.TerritoryID = 1001
	seed.Influence[1] = 50
	if err := s.Seed(seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	res, err := s.Apply(Mutation{TerritoryID: 1001, Faction: 1, Delta: 1000})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.State.Of(1) != 100 {
		t.Fatalf("expected saturation at 100, got %d", res.State.Of(1))
	}
	if res.State.Revision != res.Previous.Revision+1 {
		t.Fatalf("revision %d -> %d", res.Previous.Revision, res.State.Revision)
	}
	res, err = s.Apply(Mutation{TerritoryID: 1001, Faction: 1, Delta: -500})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.State.Of(1) != 0 || res.State.Dominant != faction.None || !res.ControlFlipped {
		t.Fatalf("unexpected state after drain: %+v flipped=%v", res.State, res.ControlFlipped)
	}
}

func TestApply_RoundTrip(t *testing.T) {
	s := NewStore(testGraph(t), 0)
	before, _ := s.Read(2001)
	if _, err := s.Apply(Mutation{TerritoryID: 2001, Faction: 4, Delta: 17}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := s.Apply(Mutation{TerritoryID: 2001, Faction: 4, Delta: -17}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	after, _ := s.Read(2001)
	if after.Influence != before.Influence {
		t.Fatalf("influence not restored: %v vs %v", after.Influence, before.Influence)
	}
	if after.Revision != before.Revision+2 {
		t.Fatalf("revision=%d", after.Revision)
	}
}

func TestApply_Rejects(t *testing.T) {
	s := NewStore(testGraph(t), 0)
	if _, err := s.Apply(Mutation{TerritoryID: 9, Faction: 1, Delta: 1}); err == nil {
		t.Fatalf("expected error for unknown territory")
	}
	if _, err := s.Apply(Mutation{TerritoryID: 1001, Faction: 0, Delta: 1}); err == nil {
		t.Fatalf("expected error for faction none")
	}
	if _, err := s.Apply(Mutation{TerritoryID: 1001, Faction: 8, Delta: 1}); err == nil {
		t.Fatalf("expected error for faction 8")
	}
}

func TestDigest_IgnoresTimestamps(t *testing.T) {
	a := NewStore(testGraph(t), 0)
	b := NewStore(testGraph(t), 0)
	now := time.Unix(1000, 0)
	ms := []Mutation{
		{TerritoryID: 1001, Faction: 1, Delta: 30},
		{TerritoryID: 1001, Faction: 2, Delta: 45},
		{TerritoryID: 2001, Faction: 1, Delta: -5},
	}
	for i, m := range ms {
		m.At = now.Add(time.Duration(i) * time.Second)
		if _, err := a.Apply(m); err != nil {
			t.Fatalf("apply a: %v", err)
		}
		m.At = now.Add(time.Hour)
		if _, err := b.Apply(m); err != nil {
			t.Fatalf("apply b: %v", err)
		}
	}
	if a.Digest() != b.Digest() {
		t.Fatalf("digest mismatch")
	}
	if _, err := b.Apply(Mutation{TerritoryID: 2001, Faction: 3, Delta: 1}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if a.Digest() == b.Digest() {
		t.Fatalf("digest should change after mutation")
	}
}

func TestState_Share(t *testing.T) {
	var st State
	st.Influence[1] = 30
	st.Influence[2] = 10
	if got := st.Share(1); got != 0.75 {
		t.Fatalf("share=%v", got)
	}
	if got := st.Share(3); got != 0 {
		t.Fatalf("share=%v", got)
	}
	if m := st.Map(); len(m) != 2 || m[1] != 30 {
		t.Fatalf("map=%v", m)
	}
}

func TestReplay_ReproducesDigest(t *testing.T) {
	live := NewStore(testGraph(t), 0)
	var log []Change
	ms := []Mutation{
		{TerritoryID: 1001, Faction: 1, Delta: 30},
		{TerritoryID: 1001, Faction: 2, Delta: 50},
		{TerritoryID: 1001, Faction: 1, Delta: 100},
		{TerritoryID: 2001, Faction: 5, Delta: 12},
		{TerritoryID: 1001, Faction: 2, Delta: -80},
	}
	for i, m := range ms {
		m.At = time.Unix(int64(i), 0)
		r, err := live.Apply(m)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		log = append(log, NewChange(uint64(i+1), m, "test", r))
	}

	fresh := NewStore(testGraph(t), 0)
	n, err := Replay(fresh, log)
	if err != nil || n != len(log) {
		t.Fatalf("replay n=%d err=%v", n, err)
	}
	if live.Digest() != fresh.Digest() {
		t.Fatalf("replayed digest differs")
	}
}
