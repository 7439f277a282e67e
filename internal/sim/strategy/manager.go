package strategy

import (
	"io"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/manager"
	"holdfast.gg/internal/sim/territory"
)

// Applier is the write surface the AI needs from the territorial manager.
// ApplyAll must reject the whole batch when any action is invalid.
type Applier interface {
	ApplyAll(actions []manager.Action) ([]manager.Receipt, error)
}

type queued struct {
	d   Decision
	due time.Time
	seq uint64
}

type slot struct {
	s     Strategist
	queue []queued
	seq   uint64
}

// push keeps the queue ordered by priority, then arrival.
func (sl *slot) push(d Decision, now time.Time) {
	sl.seq++
	sl.queue = append(sl.queue, queued{d: d, due: now.Add(d.ExecutionDelay), seq: sl.seq})
	sort.SliceStable(sl.queue, func(i, j int) bool {
		if sl.queue[i].d.Priority != sl.queue[j].d.Priority {
			return sl.queue[i].d.Priority > sl.queue[j].d.Priority
		}
		return sl.queue[i].seq < sl.queue[j].seq
	})
}

func (sl *slot) popDue(now time.Time) (Decision, bool) {
	for i, q := range sl.queue {
		if !q.due.After(now) {
			sl.queue = append(sl.queue[:i:i], sl.queue[i+1:]...)
			return q.d, true
		}
	}
	return Decision{}, false
}

func (sl *slot) hasDefense(target territory.ID) bool {
	for _, q := range sl.queue {
		if q.d.Kind == Defensive && q.d.Target == target {
			return true
		}
	}
	return false
}

type Stats struct {
	Queued    uint64
	Executed  uint64
	Discarded uint64
}

// Manager drives every strategist on the cooperative scheduler.
type Manager struct {
	tm     Applier
	logger *log.Logger
	slots  []*slot

	queued    atomic.Uint64
	executed  atomic.Uint64
	discarded atomic.Uint64
}

func NewManager(tm Applier, logger *log.Logger, strategists ...Strategist) *Manager {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	m := &Manager{tm: tm, logger: logger}
	for _, s := range strategists {
		m.slots = append(m.slots, &slot{s: s})
	}
	sort.Slice(m.slots, func(i, j int) bool { return m.slots[i].s.Faction() < m.slots[j].s.Faction() })
	return m
}

// FromConfigs builds one Profiled strategist per faction config.
func FromConfigs(cfgs []faction.Config) []Strategist {
	out := make([]Strategist, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, NewProfiled(c))
	}
	return out
}

func (m *Manager) Strategist(f faction.ID) (Strategist, bool) {
	for _, sl := range m.slots {
		if sl.s.Faction() == f {
			return sl.s, true
		}
	}
	return nil, false
}

// Update runs the strategic cadence: each strategist may enqueue one decision.
func (m *Manager) Update(w World) {
	for _, sl := range m.slots {
		threats := sl.s.IdentifyThreats(w)
		if d := sl.s.Decide(w, threats); d != nil {
			sl.push(*d, w.Now)
			m.queued.Add(1)
		}
	}
	m.Execute(w)
}

// RespondToThreats runs the threat cadence: the worst threat per strategist
// becomes an immediate defensive decision unless one is already queued.
func (m *Manager) RespondToThreats(w World) {
	for _, sl := range m.slots {
		threats := sl.s.IdentifyThreats(w)
		if len(threats) == 0 {
			continue
		}
		t := threats[0]
		if sl.hasDefense(t.Target) {
			continue
		}
		sl.push(Decision{
			Kind:      Defensive,
			Target:    t.Target,
			Priority:  t.Level,
			Reasoning: "respond to " + t.Kind.String(),
			Actions:   sl.s.CounterActions(t),
		}, w.Now)
		m.queued.Add(1)
	}
	m.Execute(w)
}

// Execute converts due decisions into actions, one per strategist per pass,
// until no strategist has anything due. Rejected decisions are dropped.
func (m *Manager) Execute(w World) int {
	n := 0
	for {
		progressed := false
		for _, sl := range m.slots {
			d, ok := sl.popDue(w.Now)
			if !ok {
				continue
			}
			progressed = true
			n++
			if err := m.apply(sl.s, d, w); err != nil {
				m.discarded.Add(1)
				m.logger.Printf("faction %d: discard %s decision on %d: %v", sl.s.Faction(), d.Kind, d.Target, err)
				continue
			}
			m.executed.Add(1)
		}
		if !progressed {
			return n
		}
	}
}

func (m *Manager) apply(s Strategist, d Decision, w World) error {
	_, err := m.tm.ApplyAll(s.ToActions(d, w))
	return err
}

// NotifyThreat hands an externally detected threat to the victim's strategist.
func (m *Manager) NotifyThreat(victim faction.ID, t Threat) bool {
	s, ok := m.Strategist(victim)
	if !ok {
		return false
	}
	s.ObserveThreat(t)
	return true
}

// Pending returns queued decision counts per faction.
func (m *Manager) Pending() map[faction.ID]int {
	out := make(map[faction.ID]int, len(m.slots))
	for _, sl := range m.slots {
		out[sl.s.Faction()] = len(sl.queue)
	}
	return out
}

func (m *Manager) Clear() {
	for _, sl := range m.slots {
		sl.queue = nil
	}
}

func (m *Manager) Stats() Stats {
	return Stats{Queued: m.queued.Load(), Executed: m.executed.Load(), Discarded: m.discarded.Load()}
}
