package victory

import (
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"holdfast.gg/internal/sim/events"
	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/territory"
)

// StateSource yields a consistent territorial snapshot.
type StateSource interface {
	Snapshot() (map[territory.ID]influence.State, error)
}

type Config struct {
	Interval      time.Duration
	WarnThreshold float64
	AntiCamping   bool
	MinEngagement float64
}

type Achievement struct {
	Faction faction.ID    `json:"faction_id"`
	Kind    Kind          `json:"-"`
	Name    string        `json:"condition"`
	Elapsed time.Duration `json:"-"`
	At      time.Time     `json:"at"`
	Reason  string        `json:"reason"`
}

type rowKey struct {
	f faction.ID
	k Kind
}

// Evaluator owns VictoryProgress. It never writes territorial state.
type Evaluator struct {
	cfg        Config
	graph      *territory.Graph
	states     StateSource
	economy    ConvoyEconomy
	engagement Engagement
	bus        *events.Bus
	logger     *log.Logger
	onAchieved func(Achievement)

	factions []faction.ID
	conds    []Condition

	mu         sync.RWMutex
	rows       map[rowKey]*Progress
	achieved   *Achievement
	suppressed int
}

type Options struct {
	Graph      *territory.Graph
	States     StateSource
	Economy    ConvoyEconomy
	Engagement Engagement
	Bus        *events.Bus
	Logger     *log.Logger
	// OnAchieved runs once, on the tick that completes the first victory.
	OnAchieved func(Achievement)
}

func NewEvaluator(cfg Config, factions []faction.ID, conds []Condition, opts Options) *Evaluator {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	if cfg.WarnThreshold <= 0 {
		cfg.WarnThreshold = 0.8
	}
	fs := append([]faction.ID(nil), factions...)
	sort.Slice(fs, func(i, j int) bool { return fs[i] < fs[j] })
	cs := append([]Condition(nil), conds...)
	sort.Slice(cs, func(i, j int) bool { return cs[i].Kind < cs[j].Kind })
	e := &Evaluator{
		cfg:        cfg,
		graph:      opts.Graph,
		states:     opts.States,
		economy:    opts.Economy,
		engagement: opts.Engagement,
		bus:        opts.Bus,
		logger:     opts.Logger,
		onAchieved: opts.OnAchieved,
		factions:   fs,
		conds:      cs,
	}
	e.Reset()
	return e
}

// Reset clears every progress row for a new session.
func (e *Evaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rows = map[rowKey]*Progress{}
	for _, f := range e.factions {
		for _, c := range e.conds {
			if c.Enabled {
				e.rows[rowKey{f, c.Kind}] = &Progress{Faction: f, Kind: c.Kind}
			}
		}
	}
	e.achieved = nil
	e.suppressed = 0
}

func (e *Evaluator) enemies() []faction.ID {
	set := map[faction.ID]bool{}
	for _, f := range e.factions {
		set[f] = true
	}
	for _, c := range e.conds {
		for _, f := range c.TargetFactions {
			set[f] = true
		}
	}
	out := make([]faction.ID, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *Evaluator) routes() []Route {
	if e.economy == nil {
		return nil
	}
	return e.economy.Routes()
}

func (e *Evaluator) snapshot() map[territory.ID]influence.State {
	if e.states == nil {
		return nil
	}
	snap, err := e.states.Snapshot()
	if err != nil {
		e.logger.Printf("victory snapshot: %v", err)
		return nil
	}
	return snap
}

// Metrics recomputes a faction's economic metrics on demand.
func (e *Evaluator) Metrics(f faction.ID) Metrics {
	m := ComputeMetrics(f, e.routes(), e.graph, e.snapshot(), e.enemies())
	if e.economy != nil {
		m.IntegrityIndex = e.economy.IntegrityIndex()
	}
	return m
}

func (e *Evaluator) engaged(f faction.ID) bool {
	if !e.cfg.AntiCamping || e.engagement == nil {
		return true
	}
	return e.engagement.Engagement(f) >= e.cfg.MinEngagement
}

// Tick runs one evaluation at now. After the first achievement every later
// tick is suppressed.
func (e *Evaluator) Tick(now time.Time) {
	routes := e.routes()
	snap := e.snapshot()
	enemies := e.enemies()

	e.mu.Lock()
	if e.achieved != nil {
		e.suppressed++
		e.mu.Unlock()
		return
	}

	var out []events.Event
	var winners []Achievement
	for _, f := range e.factions {
		m := ComputeMetrics(f, routes, e.graph, snap, enemies)
		engaged := e.engaged(f)
		for _, c := range e.conds {
			if !c.Enabled {
				continue
			}
			row := e.rows[rowKey{f, c.Kind}]
			prev := row.Progress
			p := Evaluate(c, m, e.factions)
			row.Progress = p
			row.LastUpdate = now

			done := false
			switch {
			case p >= c.Threshold && c.Dwell == 0:
				done = true
			case p >= c.Threshold:
				if engaged {
					row.TimeHeld += e.cfg.Interval
				}
				done = row.TimeHeld >= c.Dwell
			default:
				row.TimeHeld = 0
			}

			switch {
			case done:
				row.Status = Completed
			case p >= c.Threshold:
				row.Status = NearComplete
			case p > 0:
				row.Status = InProgress
			default:
				row.Status = NotStarted
			}

			if done {
				winners = append(winners, Achievement{Faction: f, Kind: c.Kind, Name: c.Kind.String(), Elapsed: row.TimeHeld, At: now, Reason: "condition_met"})
				continue
			}
			if p > 0 || prev > 0 {
				out = append(out, e.victoryEvent(events.VictoryProgressUpdated, *row, now, 0))
			}
			if p >= e.cfg.WarnThreshold {
				if !row.threatened {
					row.threatened = true
					eta := c.Dwell - row.TimeHeld
					if eta < 0 {
						eta = 0
					}
					out = append(out, e.victoryEvent(events.VictoryThreatened, *row, now, eta))
				}
			} else {
				row.threatened = false
			}
		}
	}

	var win *Achievement
	if len(winners) > 0 {
		sort.SliceStable(winners, func(i, j int) bool {
			pi, pj := e.priority(winners[i].Kind), e.priority(winners[j].Kind)
			if pi != pj {
				return pi < pj
			}
			return winners[i].Faction < winners[j].Faction
		})
		w := winners[0]
		e.achieved = &w
		win = &w
		for _, other := range winners[1:] {
			// Only one victory per session; later completions fall back.
			r := e.rows[rowKey{other.Faction, other.Kind}]
			r.Status = NearComplete
		}
		row := *e.rows[rowKey{w.Faction, w.Kind}]
		ev := e.victoryEvent(events.VictoryAchieved, row, now, 0)
		ev.Victory.ElapsedS = w.Elapsed.Seconds()
		ev.Victory.Reason = w.Reason
		out = append(out, ev)
	}
	e.mu.Unlock()

	for _, ev := range out {
		e.bus.Publish(ev)
	}
	if win != nil && e.onAchieved != nil {
		e.onAchieved(*win)
	}
}

func (e *Evaluator) priority(k Kind) int {
	for _, c := range e.conds {
		if c.Kind == k {
			return c.Priority
		}
	}
	return 0
}

func (e *Evaluator) victoryEvent(kind events.Kind, p Progress, now time.Time, eta time.Duration) events.Event {
	return events.Event{
		Kind: kind,
		Time: now,
		Victory: &events.Victory{
			Faction:   p.Faction,
			Condition: p.Kind.String(),
			Progress:  p.Progress,
			Status:    p.Status.String(),
			TimeHeldS: p.TimeHeld.Seconds(),
			ETAS:      eta.Seconds(),
		},
	}
}

// TimeLimit declares the session winner once time runs out: highest progress
// across enabled conditions, ties to the lower condition priority and then the
// lower faction id. Every other row is marked Failed. No winner is declared
// while every row is at zero or a victory was already achieved.
func (e *Evaluator) TimeLimit(now time.Time) (Achievement, bool) {
	e.mu.Lock()
	if e.achieved != nil {
		e.mu.Unlock()
		return Achievement{}, false
	}
	var best *Progress
	for _, f := range e.factions {
		for _, c := range e.conds {
			r, ok := e.rows[rowKey{f, c.Kind}]
			if !ok {
				continue
			}
			if best == nil || r.Progress > best.Progress ||
				(r.Progress == best.Progress && c.Priority < e.priority(best.Kind)) ||
				(r.Progress == best.Progress && c.Priority == e.priority(best.Kind) && r.Faction < best.Faction) {
				best = r
			}
		}
	}
	if best == nil || best.Progress <= 0 {
		for _, r := range e.rows {
			r.Status = Failed
		}
		e.achieved = &Achievement{Reason: "time_limit", At: now}
		e.mu.Unlock()
		return Achievement{}, false
	}
	for _, r := range e.rows {
		if r != best {
			r.Status = Failed
		}
	}
	best.Status = Completed
	w := Achievement{Faction: best.Faction, Kind: best.Kind, Name: best.Kind.String(), Elapsed: best.TimeHeld, At: now, Reason: "time_limit"}
	e.achieved = &w
	ev := e.victoryEvent(events.VictoryAchieved, *best, now, 0)
	ev.Victory.ElapsedS = w.Elapsed.Seconds()
	ev.Victory.Reason = w.Reason
	e.mu.Unlock()

	e.bus.Publish(ev)
	return w, true
}

// Achieved reports the session's victory, if any.
func (e *Evaluator) Achieved() (Achievement, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.achieved == nil || !e.achieved.Faction.Valid() {
		return Achievement{}, false
	}
	return *e.achieved, true
}

func (e *Evaluator) Suppressed() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.suppressed
}

// Progress returns the rows for one faction, or every row for faction.None,
// ordered by faction then kind.
func (e *Evaluator) Progress(f faction.ID) []Progress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Progress
	for _, r := range e.rows {
		if f == faction.None || r.Faction == f {
			out = append(out, r.export())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Faction != out[j].Faction {
			return out[i].Faction < out[j].Faction
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

func (e *Evaluator) Conditions() []Condition { return append([]Condition(nil), e.conds...) }
func (e *Evaluator) Factions() []faction.ID   { return append([]faction.ID(nil), e.factions...) }
