package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"holdfast.gg/internal/sim/clock"
	"holdfast.gg/internal/sim/events"
	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/intake"
	"holdfast.gg/internal/sim/manager"
	"holdfast.gg/internal/sim/procedural"
	"holdfast.gg/internal/sim/territory"
	"holdfast.gg/internal/sim/tuning"
	"holdfast.gg/internal/sim/victory"
)

type fakeGen struct {
	mu    sync.Mutex
	n     int
	reqs  []procedural.Request
	sinks []func(procedural.Completion)
}

func (g *fakeGen) Submit(_ context.Context, r procedural.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	r.ID = fmt.Sprintf("g%d", g.n)
	g.reqs = append(g.reqs, r)
	return r.ID, nil
}
func (g *fakeGen) Cancel(string) error { return nil }
func (g *fakeGen) Subscribe(s func(procedural.Completion)) {
	g.mu.Lock()
	g.sinks = append(g.sinks, s)
	g.mu.Unlock()
}
func (g *fakeGen) emit(c procedural.Completion) {
	g.mu.Lock()
	sinks := append(([]func(procedural.Completion))(nil), g.sinks...)
	g.mu.Unlock()
	for _, s := range sinks {
		s(c)
	}
}

type fakeSpatial struct{}

func (fakeSpatial) Candidates(territory.ID, procedural.AssetKind) []territory.Point {
	return []territory.Point{{X: 500, Z: 500}}
}
func (fakeSpatial) Validate(territory.Point, procedural.AssetKind) bool { return true }
func (fakeSpatial) ProtectedPoints() []territory.Point                 { return nil }

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) sink(ev events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) of(k events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.evs {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func testTuning() tuning.Tuning {
	t := tuning.Defaults()
	t.AntiCampingEnabled = false
	t.Factions = []faction.Config{
		{ID: 1, Name: "Harbor", Variant: faction.VariantCorporate, Aggression: 0.5, DefensiveBonus: 1, EconomicFocus: 0.5, TechFocus: 0.5},
		{ID: 2, Name: "Ridge", Variant: faction.VariantMilitia, Aggression: 0.5, DefensiveBonus: 1, EconomicFocus: 0.5, TechFocus: 0.5},
	}
	t.Territories = []territory.Spec{
		{ID: 1, Kind: "REGION", Name: "Coast", StrategicValue: 50, TacticalValue: 40, ControlRadius: 100},
		{ID: 10, Kind: "DISTRICT", Name: "Docks", StrategicValue: 8, TacticalValue: 20, ParentID: 1, ControlRadius: 40, Adjacent: []territory.ID{11}, Resource: "FUEL"},
		{ID: 11, Kind: "DISTRICT", Name: "Yards", StrategicValue: 3, TacticalValue: 20, ParentID: 1, ControlRadius: 40, Resource: "MEDICAL"},
	}
	t.Routes = []tuning.RouteSpec{
		{ID: "fuel-run", TerritoryID: 10, BaseValue: 10, DifficultyMult: 1, Resource: "FUEL"},
		{ID: "med-run", TerritoryID: 11, BaseValue: 10, DifficultyMult: 1, Resource: "MEDICAL"},
	}
	t.VictoryConditions = []tuning.ConditionSpec{
		{Kind: "ECONOMIC_DOMINANCE", Threshold: 0.75, DwellS: 120, Priority: 1},
	}
	return t
}

func newTestCore(t *testing.T, tt tuning.Tuning) (*Core, *clock.Manual, *fakeGen, *recorder) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	gen := &fakeGen{}
	c, err := New(tt, Options{Clock: clk, Generator: gen, Spatial: fakeSpatial{}})
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	rec := &recorder{}
	c.Bus().Subscribe("test", rec.sink)
	return c, clk, gen, rec
}

// do submits cmd, steps the loop once and returns the reply.
func do(t *testing.T, c *Core, cmd intake.Command) (any, error) {
	t.Helper()
	it, err := c.Submit(cmd)
	if err != nil {
		return nil, err
	}
	c.Step()
	select {
	case r := <-it.Reply:
		return r.Value, r.Err
	default:
		t.Fatalf("%s: no reply after step", cmd.Kind)
		return nil, nil
	}
}

func mustDo(t *testing.T, c *Core, cmd intake.Command) any {
	t.Helper()
	v, err := do(t, c, cmd)
	if err != nil {
		t.Fatalf("%s: %v", cmd.Kind, err)
	}
	return v
}

func influenceOf(t *testing.T, c *Core, id territory.ID, f faction.ID) uint8 {
	t.Helper()
	st, err := c.GetTerritorialState(id, 0)
	if err != nil {
		t.Fatalf("state %d: %v", id, err)
	}
	return st.Of(f)
}

func TestEconomicVictoryEndsSession(t *testing.T) {
	c, clk, gen, rec := newTestCore(t, testTuning())
	sess, ok := mustDo(t, c, intake.Command{Kind: intake.StartSession}).(Session)
	if !ok || sess.ID == "" || sess.Phase != PhaseRunning {
		t.Fatalf("session=%+v", sess)
	}
	mustDo(t, c, intake.Command{Kind: intake.UpdateInfluence, TerritoryID: 10, Faction: 1, Delta: 60, Cause: "test"})
	mustDo(t, c, intake.Command{Kind: intake.UpdateInfluence, TerritoryID: 11, Faction: 1, Delta: 60, Cause: "test"})

	if n := len(rec.of(events.TerritoryControlFlipped)); n != 2 {
		t.Fatalf("control flips=%d", n)
	}
	for _, r := range c.Routes() {
		if r.Controller != 1 {
			t.Fatalf("route %s controller=%d", r.ID, r.Controller)
		}
	}
	if len(gen.reqs) != 2 || gen.reqs[0].Kind != procedural.KindStructural || gen.reqs[1].Kind != procedural.KindCosmetic {
		t.Fatalf("generation requests=%+v", gen.reqs)
	}

	for i := 0; i < 28; i++ {
		clk.Advance(5 * time.Second)
		c.Step()
	}
	achieved := rec.of(events.VictoryAchieved)
	if len(achieved) != 1 || achieved[0].Victory.Faction != 1 || achieved[0].Victory.Condition != "ECONOMIC_DOMINANCE" {
		t.Fatalf("achieved=%+v", achieved)
	}
	ended := rec.of(events.SessionEnded)
	if len(ended) != 1 || ended[0].Session.Winner != 1 || ended[0].Session.SessionID != sess.ID {
		t.Fatalf("ended=%+v", ended)
	}
	if want := achieved[0].Time.Add(10 * time.Second); !ended[0].Time.Equal(want) {
		t.Fatalf("session ended at %v, want %v", ended[0].Time, want)
	}
	got := c.Session()
	if got.Phase != PhaseEnded || got.Winner != 1 || got.Condition != "ECONOMIC_DOMINANCE" {
		t.Fatalf("session=%+v", got)
	}

	_, err := c.Submit(intake.Command{Kind: intake.UpdateInfluence, TerritoryID: 10, Faction: 2, Delta: 5, Cause: "late"})
	if !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("late update err=%v", err)
	}
	if v := influenceOf(t, c, 10, 1); v != 60 {
		t.Fatalf("final influence=%d", v)
	}
	if c.Digest() == "" {
		t.Fatalf("digest should survive session end")
	}
}

func TestGenerationCompletionInstallsModification(t *testing.T) {
	c, _, gen, rec := newTestCore(t, testTuning())
	mustDo(t, c, intake.Command{Kind: intake.StartSession})
	mustDo(t, c, intake.Command{Kind: intake.UpdateInfluence, TerritoryID: 10, Faction: 2, Delta: 50, Cause: "test"})

	active := c.GetActiveGenerationRequests()
	if len(active) != 1 || active[0].TerritoryID != 10 {
		t.Fatalf("active=%+v", active)
	}
	gen.emit(procedural.Completion{RequestID: active[0].ID, State: procedural.Completed, AssetIDs: []string{"a1", "a2"}})
	c.Step()

	mod, ok := c.Modification(10)
	if !ok || mod.Controller != 2 || len(mod.PlacedAssetIDs) != 2 {
		t.Fatalf("modification=%+v ok=%v", mod, ok)
	}
	if len(rec.of(events.GenerationCompleted)) != 1 {
		t.Fatalf("expected one GENERATION_COMPLETED")
	}
	if len(c.GetActiveGenerationRequests()) != 0 {
		t.Fatalf("request should be terminal")
	}
}

func TestObjectiveCompletion(t *testing.T) {
	c, clk, _, _ := newTestCore(t, testTuning())
	mustDo(t, c, intake.Command{Kind: intake.StartSession})
	mustDo(t, c, intake.Command{Kind: intake.UpdateInfluence, TerritoryID: 10, Faction: 2, Delta: 30, Cause: "test"})

	v := mustDo(t, c, intake.Command{Kind: intake.ObjectiveCompleted, TerritoryID: 10, Faction: 1, Impact: 20})
	receipts, ok := v.([]manager.Receipt)
	if !ok || len(receipts) != 4 {
		t.Fatalf("receipts=%#v", v)
	}
	cases := []struct {
		id   territory.ID
		f    faction.ID
		want uint8
	}{
		{10, 1, 20},
		{10, 2, 20},
		{11, 1, 5},
		{1, 1, 4},
	}
	for _, tc := range cases {
		if got := influenceOf(t, c, tc.id, tc.f); got != tc.want {
			t.Fatalf("territory %d faction %d = %d, want %d", tc.id, tc.f, got, tc.want)
		}
	}

	// The displaced faction answers on the next threat pass.
	clk.Advance(5 * time.Second)
	c.Step()
	if got := influenceOf(t, c, 10, 2); got != 24 {
		t.Fatalf("defended influence=%d", got)
	}
	if s := c.Stats().Strategy; s.Executed < 1 {
		t.Fatalf("strategy stats=%+v", s)
	}
}

func TestConvoyOutcomeGrantsInfluence(t *testing.T) {
	c, _, _, _ := newTestCore(t, testTuning())
	mustDo(t, c, intake.Command{Kind: intake.StartSession})
	mustDo(t, c, intake.Command{Kind: intake.UpdateInfluence, TerritoryID: 10, Faction: 1, Delta: 10, Cause: "test"})

	mustDo(t, c, intake.Command{Kind: intake.ConvoyOutcome, Outcome: victory.Outcome{RouteID: "fuel-run", JobKind: "haul", Success: true}})
	if got := influenceOf(t, c, 10, 1); got != 13 {
		t.Fatalf("influence after convoy=%d", got)
	}
	mustDo(t, c, intake.Command{Kind: intake.ConvoyOutcome, Outcome: victory.Outcome{RouteID: "fuel-run", Success: false}})
	if got := influenceOf(t, c, 10, 1); got != 13 {
		t.Fatalf("failed convoy changed influence: %d", got)
	}
}

func TestTrustCommands(t *testing.T) {
	c, _, _, _ := newTestCore(t, testTuning())
	if _, err := do(t, c, intake.Command{Kind: intake.RecordCooperation, PlayerA: "p1", PlayerB: "p2", Amount: 0.5}); !errors.Is(err, manager.ErrNotInitialized) {
		t.Fatalf("before session err=%v", err)
	}
	mustDo(t, c, intake.Command{Kind: intake.StartSession})
	mustDo(t, c, intake.Command{Kind: intake.AssignPlayer, PlayerA: "p1", Faction: 1})
	mustDo(t, c, intake.Command{Kind: intake.RecordCooperation, PlayerA: "p1", PlayerB: "p2", TerritoryID: 10, Amount: 0.5})
	mustDo(t, c, intake.Command{Kind: intake.RecordCooperation, PlayerA: "p2", PlayerB: "p1", TerritoryID: 10, Amount: 0.5})
	if m := c.GetTrustModifier("p1", "p2", 10); m <= 1 || m > 1.5 {
		t.Fatalf("modifier=%v", m)
	}
	if _, err := c.Submit(intake.Command{Kind: intake.RecordBetrayal, PlayerA: "p1", PlayerB: "p1"}); err == nil {
		t.Fatalf("self betrayal should be rejected")
	}
}

func TestValidationIsSynchronous(t *testing.T) {
	c, _, _, _ := newTestCore(t, testTuning())
	cases := []struct {
		name string
		cmd  intake.Command
		want error
	}{
		{"unknown territory", intake.Command{Kind: intake.UpdateInfluence, TerritoryID: 99, Faction: 1, Delta: 1}, manager.ErrUnknownTerritory},
		{"invalid faction", intake.Command{Kind: intake.UpdateInfluence, TerritoryID: 10, Faction: 8, Delta: 1}, manager.ErrInvalidFaction},
		{"kind mismatch", intake.Command{Kind: intake.UpdateInfluence, TerritoryID: 10, TerritoryKind: territory.KindRegion, Faction: 1, Delta: 1}, manager.ErrUnknownTerritory},
		{"delta range", intake.Command{Kind: intake.UpdateInfluence, TerritoryID: 10, Faction: 1, Delta: 40000}, manager.ErrInvalidDelta},
		{"unknown command", intake.Command{Kind: 99}, intake.ErrUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.Submit(tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
		})
	}
	if _, err := do(t, c, intake.Command{Kind: intake.UpdateInfluence, TerritoryID: 10, Faction: 1, Delta: 1}); !errors.Is(err, manager.ErrNotInitialized) {
		t.Fatalf("update before session err=%v", err)
	}
	st := c.Stats()
	if st.Rejected["unknown_territory"] != 2 || st.Rejected["not_initialized"] != 1 {
		t.Fatalf("rejected=%v", st.Rejected)
	}
}

func TestTimeLimitWithoutProgressEndsWithoutWinner(t *testing.T) {
	tt := testTuning()
	tt.SessionTimeLimitS = 20
	c, clk, _, rec := newTestCore(t, tt)
	mustDo(t, c, intake.Command{Kind: intake.StartSession})
	clk.Advance(25 * time.Second)
	c.Step()

	s := c.Session()
	if s.Phase != PhaseEnded || s.Winner != faction.None || s.Reason != "time_limit" {
		t.Fatalf("session=%+v", s)
	}
	if len(rec.of(events.VictoryAchieved)) != 0 {
		t.Fatalf("no victory expected")
	}
}

func TestTimerPanicIsContained(t *testing.T) {
	c, _, _, _ := newTestCore(t, testTuning())
	ran := false
	c.sched.After(0, func(time.Time) { panic("boom") })
	c.sched.After(0, func(time.Time) { ran = true })
	c.Step()
	if !ran {
		t.Fatalf("later timer should still run")
	}
	if got := c.Stats().PanicsTotal; got != 1 {
		t.Fatalf("panics=%d", got)
	}
}

func TestRestartResetsState(t *testing.T) {
	c, _, _, rec := newTestCore(t, testTuning())
	first := mustDo(t, c, intake.Command{Kind: intake.StartSession}).(Session)
	mustDo(t, c, intake.Command{Kind: intake.UpdateInfluence, TerritoryID: 10, Faction: 1, Delta: 30, Cause: "test"})
	second := mustDo(t, c, intake.Command{Kind: intake.StartSession}).(Session)
	if first.ID == second.ID {
		t.Fatalf("session ids should differ")
	}
	if got := influenceOf(t, c, 10, 1); got != 0 {
		t.Fatalf("influence after restart=%d", got)
	}
	ended := rec.of(events.SessionEnded)
	if len(ended) != 1 || ended[0].Session.Reason != "restarted" {
		t.Fatalf("ended=%+v", ended)
	}
}

func TestRunLoop(t *testing.T) {
	c, err := New(testTuning(), Options{Generator: &fakeGen{}, Spatial: fakeSpatial{}, TickInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	execCtx, execCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer execCancel()
	if _, err := c.Exec(execCtx, intake.Command{Kind: intake.StartSession}); err != nil {
		t.Fatalf("start: %v", err)
	}
	v, err := c.Exec(execCtx, intake.Command{Kind: intake.UpdateInfluence, TerritoryID: 11, Faction: 2, Delta: 7, Cause: "test"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if r, ok := v.(manager.Receipt); !ok || r.NewValue != 7 {
		t.Fatalf("receipt=%#v", v)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
}
