package victory

import (
	"math"
	"testing"
	"time"

	"holdfast.gg/internal/sim/events"
	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/territory"
	"holdfast.gg/internal/sim/tuning"
)

type staticEconomy struct{ routes []Route }

func (s *staticEconomy) Routes() []Route            { return append([]Route(nil), s.routes...) }
func (s *staticEconomy) IntegrityIndex() float64    { return 1 }
func (s *staticEconomy) SubscribeOutcome(func(Outcome)) {}

func (s *staticEconomy) control(n int, f faction.ID) {
	for i := range s.routes {
		if i < n {
			s.routes[i].Controller = f
		} else {
			s.routes[i].Controller = faction.None
		}
	}
}

type fixedEngagement map[faction.ID]float64

func (e fixedEngagement) Engagement(f faction.ID) float64 { return e[f] }

func equalRoutes(n int) *staticEconomy {
	eco := &staticEconomy{}
	for i := 0; i < n; i++ {
		eco.routes = append(eco.routes, Route{ID: string(rune('a' + i)), BaseValue: 1, DifficultyMult: 1, Resource: "FUEL"})
	}
	return eco
}

type recorder struct{ evs []events.Event }

func (r *recorder) count(k events.Kind) int {
	n := 0
	for _, ev := range r.evs {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

func dominance(dwell time.Duration) []Condition {
	return []Condition{{Kind: EconomicDominance, Threshold: 0.75, Dwell: dwell, Priority: 1, Enabled: true}}
}

func newEval(t *testing.T, eco ConvoyEconomy, factions []faction.ID, conds []Condition, cfg Config, eng Engagement) (*Evaluator, *recorder, *[]Achievement) {
	t.Helper()
	bus := events.NewBus(nil)
	rec := &recorder{}
	bus.Subscribe("rec", func(ev events.Event) { rec.evs = append(rec.evs, ev) })
	var wins []Achievement
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.WarnThreshold == 0 {
		cfg.WarnThreshold = 0.8
	}
	e := NewEvaluator(cfg, factions, conds, Options{
		Economy:    eco,
		Engagement: eng,
		Bus:        bus,
		OnAchieved: func(a Achievement) { wins = append(wins, a) },
	})
	return e, rec, &wins
}

func TestDominanceDwell(t *testing.T) {
	eco := equalRoutes(5)
	eco.control(4, 3)
	e, rec, wins := newEval(t, eco, []faction.ID{3}, dominance(120*time.Second), Config{}, nil)

	now := time.Unix(0, 0)
	for i := 1; i <= 24; i++ {
		now = now.Add(5 * time.Second)
		e.Tick(now)
		if i < 24 && len(*wins) != 0 {
			t.Fatalf("achieved early on tick %d", i)
		}
	}
	if got := rec.count(events.VictoryProgressUpdated); got != 23 {
		t.Fatalf("progress events=%d", got)
	}
	if got := rec.count(events.VictoryThreatened); got != 1 {
		t.Fatalf("threatened events=%d", got)
	}
	if got := rec.count(events.VictoryAchieved); got != 1 {
		t.Fatalf("achieved events=%d", got)
	}
	var lastHeld float64
	for _, ev := range rec.evs {
		if ev.Kind != events.VictoryProgressUpdated {
			continue
		}
		if math.Abs(ev.Victory.Progress-0.8) > 1e-9 || ev.Victory.TimeHeldS <= lastHeld {
			t.Fatalf("progress event %+v after held %v", ev.Victory, lastHeld)
		}
		lastHeld = ev.Victory.TimeHeldS
	}
	if rec.evs[1].Kind != events.VictoryThreatened && rec.evs[0].Kind != events.VictoryThreatened {
		t.Fatalf("threat should fire on the first tick: %v", rec.evs[:2])
	}
	if len(*wins) != 1 || (*wins)[0].Faction != 3 || (*wins)[0].Kind != EconomicDominance || (*wins)[0].Elapsed < 120*time.Second {
		t.Fatalf("wins=%+v", *wins)
	}

	e.Tick(now.Add(5 * time.Second))
	if e.Suppressed() != 1 || rec.count(events.VictoryAchieved) != 1 {
		t.Fatalf("ticks after achievement must be suppressed")
	}
}

func TestDwellReset(t *testing.T) {
	eco := equalRoutes(10)
	eco.control(8, 3)
	e, _, wins := newEval(t, eco, []faction.ID{3}, dominance(120*time.Second), Config{}, nil)
	now := time.Unix(0, 0)
	tick := func() {
		now = now.Add(5 * time.Second)
		e.Tick(now)
	}
	for i := 0; i < 12; i++ {
		tick()
	}
	if held := e.Progress(3)[0].TimeHeld; held != 60*time.Second {
		t.Fatalf("held=%v", held)
	}
	eco.control(7, 3)
	tick()
	row := e.Progress(3)[0]
	if row.TimeHeld != 0 || row.Status != InProgress {
		t.Fatalf("row after dip=%+v", row)
	}
	tick()
	eco.control(8, 3)
	for i := 0; i < 23; i++ {
		tick()
	}
	if len(*wins) != 0 {
		t.Fatalf("achieved before a full uninterrupted dwell")
	}
	tick()
	if len(*wins) != 1 {
		t.Fatalf("expected achievement after 120s uninterrupted")
	}
}

func TestZeroDwellTriggersImmediately(t *testing.T) {
	eco := equalRoutes(4)
	eco.control(4, 2)
	e, rec, wins := newEval(t, eco, []faction.ID{2}, dominance(0), Config{}, nil)
	e.Tick(time.Unix(5, 0))
	if len(*wins) != 1 || rec.count(events.VictoryAchieved) != 1 {
		t.Fatalf("wins=%v", *wins)
	}
	if a, ok := e.Achieved(); !ok || a.Faction != 2 {
		t.Fatalf("achieved=%+v ok=%v", a, ok)
	}
}

func TestAntiCampingHaltsDwell(t *testing.T) {
	eco := equalRoutes(5)
	eco.control(4, 1)
	eng := fixedEngagement{1: 0.05}
	e, _, wins := newEval(t, eco, []faction.ID{1}, dominance(10*time.Second), Config{AntiCamping: true, MinEngagement: 0.1}, eng)
	now := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		now = now.Add(5 * time.Second)
		e.Tick(now)
	}
	row := e.Progress(1)[0]
	if row.TimeHeld != 0 || row.Status != NearComplete || len(*wins) != 0 {
		t.Fatalf("row=%+v wins=%v", row, *wins)
	}
	eng[1] = 0.5
	e.Tick(now.Add(5 * time.Second))
	e.Tick(now.Add(10 * time.Second))
	if len(*wins) != 1 {
		t.Fatalf("expected win once engaged")
	}
}

func TestTimeLimitTiebreak(t *testing.T) {
	eco := &staticEconomy{}
	eco.routes = append(eco.routes,
		Route{ID: "m1", Controller: 1, BaseValue: 72, DifficultyMult: 1, Resource: "MEDICAL"},
		Route{ID: "m2", BaseValue: 10, DifficultyMult: 1, Resource: "MEDICAL"},
	)
	for i := 0; i < 25; i++ {
		r := Route{ID: "f" + string(rune('a'+i)), DifficultyMult: 1, Resource: "FUEL"}
		if i < 18 {
			r.Controller = 2
			r.BaseValue = 1
		}
		eco.routes = append(eco.routes, r)
	}
	conds := []Condition{
		{Kind: EconomicDominance, Threshold: 0.75, Dwell: 120 * time.Second, Priority: 1, Enabled: true},
		{Kind: SupplyMonopoly, Threshold: 0.8, Dwell: 120 * time.Second, Priority: 2, TargetResource: "FUEL", Enabled: true},
	}
	e, rec, _ := newEval(t, eco, []faction.ID{1, 2}, conds, Config{}, nil)
	e.Tick(time.Unix(1795, 0))

	rows := e.Progress(faction.None)
	if rows[0].Progress != 0.72 || rows[3].Progress != 0.72 {
		t.Fatalf("rows=%+v", rows)
	}
	w, ok := e.TimeLimit(time.Unix(1800, 0))
	if !ok || w.Faction != 1 || w.Kind != EconomicDominance || w.Reason != "time_limit" {
		t.Fatalf("winner=%+v ok=%v", w, ok)
	}
	for _, r := range e.Progress(faction.None) {
		want := Failed
		if r.Faction == 1 && r.Kind == EconomicDominance {
			want = Completed
		}
		if r.Status != want {
			t.Fatalf("row %+v status=%s want %s", r, r.Status, want)
		}
	}
	if rec.count(events.VictoryAchieved) != 1 {
		t.Fatalf("expected one achievement event")
	}
	if _, ok := e.TimeLimit(time.Unix(1801, 0)); ok {
		t.Fatalf("second time limit should not declare a winner")
	}
}

func TestTimeLimitWithoutProgress(t *testing.T) {
	e, _, _ := newEval(t, &staticEconomy{}, []faction.ID{1, 2}, dominance(0), Config{}, nil)
	e.Tick(time.Unix(5, 0))
	if _, ok := e.TimeLimit(time.Unix(10, 0)); ok {
		t.Fatalf("no winner expected without progress")
	}
}

func TestEvaluateFormulas(t *testing.T) {
	g, err := territory.Build([]territory.Spec{
		{ID: 1, Kind: "REGION", StrategicValue: 1, TacticalValue: 1, Adjacent: []territory.ID{2}},
		{ID: 2, Kind: "REGION", StrategicValue: 1, TacticalValue: 1},
		{ID: 3, Kind: "REGION", StrategicValue: 1, TacticalValue: 1},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	states := map[territory.ID]influence.State{
		1: {TerritoryID: 1, Dominant: 1},
		2: {TerritoryID: 2, Dominant: 1},
		3: {TerritoryID: 3, Dominant: 1},
	}
	var shared influence.State
	shared.TerritoryID = 3
	shared.Influence[1] = 5
	shared.Influence[2] = 50
	shared.Dominant = 1
	states[3] = shared

	routes := []Route{
		{ID: "a", Controller: 1, BaseValue: 30, DifficultyMult: 2, Resource: "FUEL"},
		{ID: "b", Controller: 2, BaseValue: 20, DifficultyMult: 1, Resource: "FUEL"},
		{ID: "c", Controller: 2, BaseValue: 20, DifficultyMult: 1, Resource: "MEDICAL", TerritoryID: 3},
	}
	m := ComputeMetrics(1, routes, g, states, []faction.ID{1, 2})
	if m.TotalRouteValue != 100 || m.ControlledRouteValue != 60 || m.RouteControlPct != 0.6 {
		t.Fatalf("metrics=%+v", m)
	}
	if math.Abs(m.NetworkConnectivity-2.0/3.0) > 1e-9 {
		t.Fatalf("connectivity=%v", m.NetworkConnectivity)
	}
	if m.EnemyOutput[2] != 0.4 {
		t.Fatalf("enemy output=%v", m.EnemyOutput)
	}

	cases := []struct {
		cond Condition
		want float64
	}{
		{Condition{Kind: EconomicDominance}, 0.6},
		{Condition{Kind: SupplyMonopoly, TargetResource: "FUEL"}, 0.5},
		{Condition{Kind: SupplyMonopoly}, 0.5},
		{Condition{Kind: EconomicCollapse, TargetFactions: []faction.ID{2}}, 0.6},
		{Condition{Kind: TradeNetwork}, math.Sqrt(0.6)},
		{Condition{Kind: ResourceControl, TargetResource: "MEDICAL"}, 1},
		{Condition{Kind: ConvoySupremacy}, 0.7*0.6 + 0.3*(2.0/3.0)},
	}
	for _, tc := range cases {
		if got := Evaluate(tc.cond, m, []faction.ID{1, 2}); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("%s: got %v want %v", tc.cond.Kind, got, tc.want)
		}
	}
}

func TestEvaluate_NoRoutesScoresZero(t *testing.T) {
	m := ComputeMetrics(1, nil, nil, nil, []faction.ID{1, 2})
	for k := EconomicDominance; k <= ConvoySupremacy; k++ {
		if got := Evaluate(Condition{Kind: k}, m, []faction.ID{1, 2}); got != 0 {
			t.Fatalf("%s=%v", k, got)
		}
	}
}

func TestConditionsFromSpecs(t *testing.T) {
	off := false
	conds, err := ConditionsFromSpecs([]tuning.ConditionSpec{
		{Kind: "TRADE_NETWORK", Threshold: 0.5, DwellS: 30, Priority: 4, Enabled: &off},
		{Kind: "economic_dominance", Threshold: 0.75, DwellS: 120, Priority: 1},
	})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(conds) != 2 || conds[0].Kind != EconomicDominance || conds[0].Dwell != 120*time.Second || !conds[0].Enabled || conds[1].Enabled {
		t.Fatalf("conds=%+v", conds)
	}
	if _, err := ConditionsFromSpecs([]tuning.ConditionSpec{{Kind: "X", Threshold: 1}}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestProgressInvariants(t *testing.T) {
	eco := equalRoutes(4)
	e, _, _ := newEval(t, eco, []faction.ID{1, 2}, dominance(60*time.Second), Config{}, nil)
	now := time.Unix(0, 0)
	for i := 0; i < 20; i++ {
		eco.control(i%5, faction.ID(i%2+1))
		now = now.Add(5 * time.Second)
		e.Tick(now)
		for _, r := range e.Progress(faction.None) {
			if r.Progress < 0 || r.Progress > 1 || r.TimeHeld < 0 {
				t.Fatalf("row out of range: %+v", r)
			}
			if r.TimeHeld > 0 && r.Progress < 0.75 {
				t.Fatalf("time held below threshold: %+v", r)
			}
		}
	}
}
