package convoy

import (
	"math"
	"testing"
	"time"

	"holdfast.gg/internal/sim/clock"
	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/territory"
	"holdfast.gg/internal/sim/tuning"
	"holdfast.gg/internal/sim/victory"
)

func sampleRoutes() []tuning.RouteSpec {
	return []tuning.RouteSpec{
		{ID: "b", TerritoryID: 2, Controller: 1, BaseValue: 10, DifficultyMult: 1, Resource: "FUEL"},
		{ID: "a", TerritoryID: 3, Controller: 2, BaseValue: 5, DifficultyMult: 2, Resource: "MEDICAL"},
		{ID: "c", Controller: 3, BaseValue: 1, DifficultyMult: 1, Resource: "FUEL"},
	}
}

func TestEconomyRoutesAndSync(t *testing.T) {
	e, err := NewEconomy(sampleRoutes())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	routes := e.Routes()
	if len(routes) != 3 || routes[0].ID != "a" || routes[2].ID != "c" {
		t.Fatalf("routes=%+v", routes)
	}
	states := map[territory.ID]influence.State{
		2: {TerritoryID: 2, Dominant: 4},
		3: {TerritoryID: 3, Dominant: 2},
	}
	if n := e.SyncControllers(states); n != 1 {
		t.Fatalf("changed=%d", n)
	}
	if r, _ := e.Route("b"); r.Controller != 4 {
		t.Fatalf("route b controller=%d", r.Controller)
	}
	if r, _ := e.Route("c"); r.Controller != 3 {
		t.Fatalf("unbound route should keep its controller, got %d", r.Controller)
	}
	e.OnControlFlip(3, faction.None)
	if r, _ := e.Route("a"); r.Controller != faction.None {
		t.Fatalf("route a controller=%d", r.Controller)
	}
}

func TestEconomyRejectsDuplicates(t *testing.T) {
	if _, err := NewEconomy([]tuning.RouteSpec{{ID: "x"}, {ID: "x"}}); err == nil {
		t.Fatalf("expected duplicate route error")
	}
}

func TestReportUpdatesIntegrity(t *testing.T) {
	e, _ := NewEconomy(sampleRoutes())
	var got []victory.Outcome
	e.SubscribeOutcome(func(o victory.Outcome) { got = append(got, o) })

	if err := e.Report(victory.Outcome{RouteID: "b", JobKind: "haul", Success: false}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if v := e.IntegrityIndex(); math.Abs(v-0.8) > 1e-9 {
		t.Fatalf("integrity=%v", v)
	}
	if len(got) != 1 || got[0].Controller != 1 {
		t.Fatalf("outcomes=%+v", got)
	}
	if err := e.Report(victory.Outcome{RouteID: "missing"}); err == nil {
		t.Fatalf("unknown route should fail")
	}
}

func TestActivityDecays(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	a := NewActivity(c, time.Minute, 2)
	a.Touch(1)
	a.Touch(1)
	a.Touch(faction.None)
	if v := a.Engagement(1); v != 1 {
		t.Fatalf("engagement=%v", v)
	}
	c.Advance(time.Minute)
	if v := a.Engagement(1); math.Abs(v-0.5) > 1e-9 {
		t.Fatalf("engagement after half-life=%v", v)
	}
	if a.Engagement(2) != 0 {
		t.Fatalf("idle faction should be 0")
	}
	a.Reset()
	if a.Engagement(1) != 0 {
		t.Fatalf("reset should clear activity")
	}
}
