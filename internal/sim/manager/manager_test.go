package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"holdfast.gg/internal/sim/clock"
	"holdfast.gg/internal/sim/events"
	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/territory"
)

type memPersist struct {
	initial []influence.State
	changes []influence.Change
	fail    bool
}

func (p *memPersist) LoadInitialStates(context.Context) ([]influence.State, error) {
	return p.initial, nil
}

func (p *memPersist) AppendChange(c influence.Change) error {
	if p.fail {
		return errors.New("full")
	}
	p.changes = append(p.changes, c)
	return nil
}

func newTestManager(t *testing.T, persist Persistence, cfg Config) (*Manager, *clock.Manual) {
	t.Helper()
	g, err := territory.Build([]territory.Spec{
		{ID: 1001, Kind: "REGION", StrategicValue: 50, TacticalValue: 50, Influence: map[uint8]uint8{1: 30, 2: 30}},
		{ID: 2001, Kind: "DISTRICT", StrategicValue: 8, TacticalValue: 20, ParentID: 1001},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	c := clock.NewManual(time.Unix(1_700_000_000, 0))
	m := New(g, nil, c, persist, nil)
	if cfg.Initial == nil {
		cfg.Initial = SeedsFromSpecs([]territory.Spec{{ID: 1001, Influence: map[uint8]uint8{1: 30, 2: 30}}})
	}
	if err := m.Initialize(context.Background(), cfg); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return m, c
}

func TestUpdateInfluence_ContestFlip(t *testing.T) {
	m, _ := newTestManager(t, nil, Config{})
	var got []events.Event
	m.Subscribe("test", func(ev events.Event) { got = append(got, ev) })

	r, err := m.UpdateInfluence(1001, territory.KindRegion, 1, 15, "objective_A")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if r.NewValue != 45 || r.Dominant != 1 || r.Contested || !r.ControlFlipped {
		t.Fatalf("receipt=%+v", r)
	}
	st, err := m.State(1001, territory.KindRegion)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Of(1) != 45 || st.Of(2) != 30 {
		t.Fatalf("influence=%v", st.Map())
	}

	var changed, flipped int
	for _, ev := range got {
		switch ev.Kind {
		case events.InfluenceChanged:
			changed++
			if !ev.Influence.ControlFlipped || ev.Influence.PreviousDominant != faction.None {
				t.Fatalf("change=%+v", ev.Influence)
			}
		case events.TerritoryControlFlipped:
			flipped++
		case events.TerritoryContested:
			t.Fatalf("unexpected contested event")
		}
	}
	if changed != 1 || flipped != 1 {
		t.Fatalf("changed=%d flipped=%d", changed, flipped)
	}
}

func TestUpdateInfluence_Validation(t *testing.T) {
	m, _ := newTestManager(t, nil, Config{})
	cases := []struct {
		name  string
		id    territory.ID
		kind  territory.Kind
		f     faction.ID
		delta int
		want  error
	}{
		{"unknown territory", 9999, 0, 1, 5, ErrUnknownTerritory},
		{"kind mismatch", 2001, territory.KindRegion, 1, 5, ErrUnknownTerritory},
		{"faction none", 1001, 0, 0, 5, ErrInvalidFaction},
		{"faction eight", 1001, 0, 8, 5, ErrInvalidFaction},
		{"delta beyond int16", 1001, 0, 1, 40000, ErrInvalidDelta},
	}
	before, _ := m.State(1001, 0)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.UpdateInfluence(tc.id, tc.kind, tc.f, tc.delta, "x"); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
		})
	}
	after, _ := m.State(1001, 0)
	if after.Revision != before.Revision {
		t.Fatalf("rejected updates changed revision")
	}
	s := m.Stats()
	if s.RejectedUnknown != 2 || s.RejectedFaction != 2 || s.RejectedDelta != 1 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestUpdateInfluence_SaturatesLargeDelta(t *testing.T) {
	m, _ := newTestManager(t, nil, Config{})
	if _, err := m.UpdateInfluence(1001, 0, 3, 50, "seed"); err != nil {
		t.Fatalf("update: %v", err)
	}
	r, err := m.UpdateInfluence(1001, 0, 3, 1000, "big")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if r.NewValue != 100 || r.Delta != MaxDelta {
		t.Fatalf("receipt=%+v", r)
	}
}

func TestUpdateInfluence_NotInitialized(t *testing.T) {
	m, _ := newTestManager(t, nil, Config{})
	m.Shutdown()
	if _, err := m.UpdateInfluence(1001, 0, 1, 1, "x"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err=%v", err)
	}
	if _, err := m.State(1001, 0); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err=%v", err)
	}
	if _, err := New(nil, nil, nil, nil, nil).UpdateInfluence(1, 0, 1, 1, "x"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err=%v", err)
	}
}

func TestUpdateInfluence_OrderAndInvariants(t *testing.T) {
	p := &memPersist{}
	m, _ := newTestManager(t, p, Config{})
	var seqs []uint64
	m.Subscribe("seq", func(ev events.Event) { seqs = append(seqs, ev.Seq) })

	lastRev := map[territory.ID]uint64{}
	deltas := []int{7, -12, 40, 55, -3, 100, -100, 25, 60, -41}
	for i, d := range deltas {
		id := territory.ID(1001)
		if i%3 == 0 {
			id = 2001
		}
		f := faction.ID(i%4 + 1)
		r, err := m.UpdateInfluence(id, 0, f, d, "mix")
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if r.Revision <= lastRev[id] {
			t.Fatalf("revision did not increase: %d <= %d", r.Revision, lastRev[id])
		}
		lastRev[id] = r.Revision

		st, _ := m.State(id, 0)
		above := 0
		for _, f := range faction.All() {
			if v := st.Of(f); v > 100 {
				t.Fatalf("influence out of range: %d", v)
			} else if v >= 40 {
				above++
			}
		}
		if st.Contested != (above >= 2) {
			t.Fatalf("contested=%v above=%d", st.Contested, above)
		}
		if d, _ := influence.Dominance(st.Influence, 40); d != st.Dominant {
			t.Fatalf("dominant=%d want %d", st.Dominant, d)
		}
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("seqs not monotone: %v", seqs)
		}
	}
	if len(p.changes) != len(deltas) {
		t.Fatalf("persisted=%d", len(p.changes))
	}

	fresh := influence.NewStore(m.Graph(), 40)
	for _, s := range SeedsFromSpecs([]territory.Spec{{ID: 1001, Influence: map[uint8]uint8{1: 30, 2: 30}}}) {
		if err := fresh.Seed(s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if _, err := influence.Replay(fresh, p.changes); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if fresh.Digest() != m.Digest() {
		t.Fatalf("replay digest mismatch")
	}
}

func TestUpdateInfluence_PersistenceDropIsNotFatal(t *testing.T) {
	p := &memPersist{fail: true}
	m, _ := newTestManager(t, p, Config{})
	if _, err := m.UpdateInfluence(1001, 0, 1, 5, "x"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if m.Stats().PersistenceDrops != 1 {
		t.Fatalf("drops=%d", m.Stats().PersistenceDrops)
	}
}

func TestInitialize_LoadsPersistenceSeeds(t *testing.T) {
	var st influence.State
	st.TerritoryID = 2001
	st.Influence[4] = 70
	m, _ := newTestManager(t, &memPersist{initial: []influence.State{st}}, Config{})
	got, _ := m.State(2001, territory.KindDistrict)
	if got.Of(4) != 70 || got.Dominant != 4 {
		t.Fatalf("state=%+v", got)
	}
}

func TestSubscriberPanicDoesNotBreakWrites(t *testing.T) {
	m, _ := newTestManager(t, nil, Config{})
	m.Subscribe("bad", func(events.Event) { panic("bad sink") })
	for i := 0; i < 3; i++ {
		if _, err := m.UpdateInfluence(1001, 0, 1, 1, "x"); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	if m.Stats().SubscriberPanics != 1 {
		t.Fatalf("panics=%d", m.Stats().SubscriberPanics)
	}
}

func TestDecay(t *testing.T) {
	m, _ := newTestManager(t, nil, Config{DecayRatePerS: 0.5})
	if _, err := m.UpdateInfluence(1001, 0, 1, 10, "lead"); err != nil {
		t.Fatalf("update: %v", err)
	}
	// F1=40 dominant, F2=30 decays; 1s at 0.5/s accumulates half a point.
	if n := m.Decay(1); n != 0 {
		t.Fatalf("applied=%d", n)
	}
	if n := m.Decay(1); n != 1 {
		t.Fatalf("applied=%d", n)
	}
	st, _ := m.State(1001, 0)
	if st.Of(1) != 40 || st.Of(2) != 29 {
		t.Fatalf("influence=%v", st.Map())
	}
}

func TestDecay_SkipsContested(t *testing.T) {
	m, _ := newTestManager(t, nil, Config{DecayRatePerS: 5})
	m.UpdateInfluence(1001, 0, 1, 20, "a")
	m.UpdateInfluence(1001, 0, 2, 15, "b")
	st, _ := m.State(1001, 0)
	if !st.Contested {
		t.Fatalf("expected contested: %+v", st)
	}
	if n := m.Decay(1); n != 0 {
		t.Fatalf("decayed contested territory: %d", n)
	}
}

func TestApplyAll_RejectsWholeBatch(t *testing.T) {
	m, _ := newTestManager(t, nil, Config{})
	before, _ := m.State(1001, 0)

	receipts, err := m.ApplyAll([]Action{
		{TerritoryID: 1001, Faction: 1, Delta: 10, Cause: "objective"},
		{TerritoryID: 9999, Faction: 2, Delta: -5, Cause: "objective"},
	})
	if !errors.Is(err, ErrUnknownTerritory) || len(receipts) != 0 {
		t.Fatalf("receipts=%v err=%v", receipts, err)
	}
	after, _ := m.State(1001, 0)
	if after.Revision != before.Revision || after.Of(1) != 30 {
		t.Fatalf("batch partially applied: %+v", after)
	}
	if s := m.Stats(); s.RejectedUnknown != 1 || s.Accepted != 0 {
		t.Fatalf("stats=%+v", s)
	}

	receipts, err = m.ApplyAll([]Action{
		{TerritoryID: 1001, Faction: 1, Delta: 10, Cause: "objective"},
		{TerritoryID: 2001, Faction: 1, Delta: 2, Cause: "objective"},
	})
	if err != nil || len(receipts) != 2 || receipts[0].NewValue != 40 {
		t.Fatalf("receipts=%+v err=%v", receipts, err)
	}

	m.Shutdown()
	if _, err := m.ApplyAll([]Action{{TerritoryID: 1001, Faction: 1, Delta: 1}}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err=%v", err)
	}
}
