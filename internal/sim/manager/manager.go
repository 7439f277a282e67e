package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"holdfast.gg/internal/sim/clock"
	"holdfast.gg/internal/sim/events"
	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/territory"
)

var (
	ErrNotInitialized   = errors.New("territorial manager not initialized")
	ErrUnknownTerritory = errors.New("unknown territory")
	ErrInvalidFaction   = errors.New("invalid faction")
	ErrInvalidDelta     = errors.New("invalid delta")
)

// MaxDelta is the largest magnitude applied in one update; larger values saturate.
const MaxDelta = 100

// Persistence is the territorial persistence adapter. AppendChange is best
// effort: an error means the record was dropped, never that the change failed.
type Persistence interface {
	LoadInitialStates(ctx context.Context) ([]influence.State, error)
	AppendChange(c influence.Change) error
}

// Receipt is returned for every accepted update.
type Receipt = influence.Change

type Config struct {
	ContestThreshold uint8
	DecayRatePerS    float64
	DecayContested   bool
	// Initial states are seeded before persistence states; later seeds win.
	Initial []influence.State
}

type Stats struct {
	Accepted          uint64
	RejectedUnknown   uint64
	RejectedFaction   uint64
	RejectedDelta     uint64
	RejectedNotInit   uint64
	PersistenceDrops  uint64
	DecayUpdates      uint64
	SubscriberPanics  uint64
	LastSeq           uint64
	TerritoriesLoaded int
}

type decayKey struct {
	id territory.ID
	f  faction.ID
}

type Manager struct {
	graph   *territory.Graph
	bus     *events.Bus
	clock   clock.Clock
	persist Persistence
	logger  *log.Logger

	mu          sync.RWMutex
	store       *influence.Store
	initialized bool
	cfg         Config
	decayAcc    map[decayKey]float64

	accepted        atomic.Uint64
	rejectedUnknown atomic.Uint64
	rejectedFaction atomic.Uint64
	rejectedDelta   atomic.Uint64
	rejectedNotInit atomic.Uint64
	persistDrops    atomic.Uint64
	decayUpdates    atomic.Uint64
}

func New(g *territory.Graph, bus *events.Bus, c clock.Clock, persist Persistence, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Manager{graph: g, bus: bus, clock: c, persist: persist, logger: logger}
}

func (m *Manager) Graph() *territory.Graph { return m.graph }
func (m *Manager) Bus() *events.Bus        { return m.bus }

// Initialize builds a fresh store, seeds it and opens the write window.
func (m *Manager) Initialize(ctx context.Context, cfg Config) error {
	if m.graph == nil {
		return fmt.Errorf("initialize: %w", territory.ErrInvalidGraph)
	}
	store := influence.NewStore(m.graph, cfg.ContestThreshold)
	seeds := append([]influence.State(nil), cfg.Initial...)
	if m.persist != nil {
		loaded, err := m.persist.LoadInitialStates(ctx)
		if err != nil {
			m.logger.Printf("load initial states: %v (continuing with config seeds)", err)
		}
		seeds = append(seeds, loaded...)
	}
	now := m.clock.Now()
	for _, st := range seeds {
		if st.UpdatedAt.IsZero() {
			st.UpdatedAt = now
		}
		if err := store.Seed(st); err != nil {
			m.logger.Printf("skip initial state: %v", err)
		}
	}

	m.mu.Lock()
	m.store = store
	m.cfg = cfg
	m.decayAcc = map[decayKey]float64{}
	m.initialized = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
}

func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// Validate runs the stateless checks UpdateInfluence performs.
func (m *Manager) Validate(id territory.ID, kind territory.Kind, f faction.ID, delta int) error {
	if !f.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidFaction, f)
	}
	if m.graph == nil {
		return fmt.Errorf("%w: %d", ErrUnknownTerritory, id)
	}
	if _, ok := m.graph.Get(id, kind); !ok {
		return fmt.Errorf("%w: %d (%s)", ErrUnknownTerritory, id, kind)
	}
	if delta < math.MinInt16 || delta > math.MaxInt16 {
		return fmt.Errorf("%w: %d", ErrInvalidDelta, delta)
	}
	return nil
}

// UpdateInfluence is the single write path into the influence store. Deltas
// beyond ±MaxDelta saturate. A zero kind matches the territory's own kind.
func (m *Manager) UpdateInfluence(id territory.ID, kind territory.Kind, f faction.ID, delta int, cause string) (Receipt, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		m.rejectedNotInit.Add(1)
		return Receipt{}, ErrNotInitialized
	}
	if err := m.Validate(id, kind, f, delta); err != nil {
		m.mu.Unlock()
		m.countRejected(err)
		return Receipt{}, err
	}
	if delta > MaxDelta {
		delta = MaxDelta
	} else if delta < -MaxDelta {
		delta = -MaxDelta
	}

	mut := influence.Mutation{TerritoryID: id, Faction: f, Delta: delta, At: m.clock.Now()}
	res, err := m.store.Apply(mut)
	if err != nil {
		m.mu.Unlock()
		return Receipt{}, fmt.Errorf("%w: %v", ErrUnknownTerritory, err)
	}
	seq := m.bus.NextSeq()
	change := influence.NewChange(seq, mut, cause, res)
	if m.persist != nil {
		if err := m.persist.AppendChange(change); err != nil {
			m.persistDrops.Add(1)
		}
	}
	m.mu.Unlock()
	m.accepted.Add(1)

	m.publish(change)
	return change, nil
}

func (m *Manager) publish(c influence.Change) {
	m.bus.Publish(events.Event{Seq: c.Seq, Kind: events.InfluenceChanged, Time: c.Timestamp, Influence: &c})
	if c.ContestedFlipped {
		cc := c
		m.bus.Publish(events.Event{Kind: events.TerritoryContested, Time: c.Timestamp, Influence: &cc})
	}
	if c.ControlFlipped {
		cc := c
		m.bus.Publish(events.Event{Kind: events.TerritoryControlFlipped, Time: c.Timestamp, Influence: &cc})
	}
}

func (m *Manager) countRejected(err error) {
	switch {
	case errors.Is(err, ErrInvalidFaction):
		m.rejectedFaction.Add(1)
	case errors.Is(err, ErrUnknownTerritory):
		m.rejectedUnknown.Add(1)
	case errors.Is(err, ErrInvalidDelta):
		m.rejectedDelta.Add(1)
	}
}

// State returns a consistent snapshot of one territory. A zero kind matches any.
func (m *Manager) State(id territory.ID, kind territory.Kind) (influence.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return influence.State{}, ErrNotInitialized
	}
	if _, ok := m.graph.Get(id, kind); !ok {
		return influence.State{}, fmt.Errorf("%w: %d", ErrUnknownTerritory, id)
	}
	st, _ := m.store.Read(id)
	return st, nil
}

// Snapshot copies every territorial state at once.
func (m *Manager) Snapshot() (map[territory.ID]influence.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil, ErrNotInitialized
	}
	return m.store.Snapshot(), nil
}

// Digest hashes the current influence state; empty when not initialized.
func (m *Manager) Digest() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.store == nil {
		return ""
	}
	return m.store.Digest()
}

func (m *Manager) Subscribe(name string, sink events.Sink, kinds ...events.Kind) events.Handle {
	return m.bus.Subscribe(name, sink, kinds...)
}

func (m *Manager) Unsubscribe(h events.Handle) bool { return m.bus.Unsubscribe(h) }

// Decay drifts non-dominant influence toward zero at the configured rate.
// Fractional amounts accumulate until they reach a whole point.
func (m *Manager) Decay(dtSeconds float64) int {
	m.mu.Lock()
	if !m.initialized || m.cfg.DecayRatePerS <= 0 || dtSeconds <= 0 {
		m.mu.Unlock()
		return 0
	}
	type pending struct {
		key   decayKey
		kind  territory.Kind
		delta int
	}
	var todo []pending
	snap := m.store.Snapshot()
	ids := make([]territory.ID, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		st := snap[id]
		if st.Contested && !m.cfg.DecayContested {
			continue
		}
		for _, f := range faction.All() {
			k := decayKey{id: id, f: f}
			if f == st.Dominant || st.Influence[f] == 0 {
				delete(m.decayAcc, k)
				continue
			}
			acc := m.decayAcc[k] + m.cfg.DecayRatePerS*dtSeconds
			whole := math.Floor(acc)
			if whole >= 1 {
				todo = append(todo, pending{key: k, kind: st.Kind, delta: -int(whole)})
				acc -= whole
			}
			m.decayAcc[k] = acc
		}
	}
	m.mu.Unlock()

	applied := 0
	for _, p := range todo {
		if _, err := m.UpdateInfluence(p.key.id, p.kind, p.key.f, p.delta, "decay"); err != nil {
			m.logger.Printf("decay %d/%d: %v", p.key.id, p.key.f, err)
			continue
		}
		applied++
	}
	m.decayUpdates.Add(uint64(applied))
	return applied
}

func (m *Manager) Stats() Stats {
	s := Stats{
		Accepted:         m.accepted.Load(),
		RejectedUnknown:  m.rejectedUnknown.Load(),
		RejectedFaction:  m.rejectedFaction.Load(),
		RejectedDelta:    m.rejectedDelta.Load(),
		RejectedNotInit:  m.rejectedNotInit.Load(),
		PersistenceDrops: m.persistDrops.Load(),
		DecayUpdates:     m.decayUpdates.Load(),
		SubscriberPanics: m.bus.Panics(),
		LastSeq:          m.bus.LastSeq(),
	}
	if m.graph != nil {
		s.TerritoriesLoaded = m.graph.Len()
	}
	return s
}

// SeedsFromSpecs turns the initial influences declared on territory specs into seed states.
func SeedsFromSpecs(specs []territory.Spec) []influence.State {
	var out []influence.State
	for _, s := range specs {
		if len(s.Influence) == 0 {
			continue
		}
		st := influence.State{TerritoryID: s.ID}
		for f, v := range s.Influence {
			if id := faction.ID(f); id.Valid() {
				st.Influence[id] = v
			}
		}
		out = append(out, st)
	}
	return out
}

// Action is a requested influence update; strategists and objective
// resolution reduce to these.
type Action struct {
	TerritoryID territory.ID   `json:"territory_id"`
	Kind        territory.Kind `json:"kind"`
	Faction     faction.ID     `json:"faction_id"`
	Delta       int            `json:"delta"`
	Cause       string         `json:"cause"`
}

// ApplyAll validates every action before applying any, then applies them in
// order. A batch with one invalid action leaves the store untouched.
func (m *Manager) ApplyAll(actions []Action) ([]Receipt, error) {
	if !m.Initialized() {
		m.rejectedNotInit.Add(1)
		return nil, ErrNotInitialized
	}
	for _, a := range actions {
		if err := m.Validate(a.TerritoryID, a.Kind, a.Faction, a.Delta); err != nil {
			m.countRejected(err)
			return nil, fmt.Errorf("%s %d/%d: %w", a.Cause, a.TerritoryID, a.Faction, err)
		}
	}
	out := make([]Receipt, 0, len(actions))
	for _, a := range actions {
		r, err := m.UpdateInfluence(a.TerritoryID, a.Kind, a.Faction, a.Delta, a.Cause)
		if err != nil {
			return out, fmt.Errorf("%s %d/%d: %w", a.Cause, a.TerritoryID, a.Faction, err)
		}
		out = append(out, r)
	}
	return out, nil
}
