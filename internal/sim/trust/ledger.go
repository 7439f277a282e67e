package trust

import (
	"errors"
	"sort"
	"sync"
	"time"

	"holdfast.gg/internal/sim/clock"
	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/territory"
)

var ErrInvalidPlayer = errors.New("invalid player pair")

type PlayerID string

type Edge struct {
	Trust            float64   `json:"trust"`
	CooperationScore int32     `json:"cooperation_score"`
	BetrayalCount    uint32    `json:"betrayal_count"`
	LastEvent        time.Time `json:"last_event"`
}

// History is the per-territory record for an ordered player pair.
type History struct {
	Cooperations int `json:"cooperations"`
	Betrayals    int `json:"betrayals"`
	Assists      int `json:"assists"`
}

type pair struct{ a, b PlayerID }

type siteKey struct {
	a, b PlayerID
	t    territory.ID
}

const (
	MinModifier = 0.5
	MaxModifier = 1.5

	historyStep = 0.05
	historyCap  = 0.25
)

// Ledger is the directed player trust graph. Writes come from the core loop;
// reads are safe from any goroutine.
type Ledger struct {
	clock         clock.Clock
	sameFactionMx float64

	mu      sync.RWMutex
	edges   map[pair]*Edge
	history map[siteKey]*History
	players map[PlayerID]faction.ID
}

func NewLedger(c clock.Clock, sameFactionBetrayalMult float64) *Ledger {
	if c == nil {
		c = clock.Real{}
	}
	if sameFactionBetrayalMult < 1 {
		sameFactionBetrayalMult = 1
	}
	return &Ledger{
		clock:         c,
		sameFactionMx: sameFactionBetrayalMult,
		edges:         map[pair]*Edge{},
		history:       map[siteKey]*History{},
		players:       map[PlayerID]faction.ID{},
	}
}

func clampTrust(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

func valid(a, b PlayerID) error {
	if a == "" || b == "" || a == b {
		return ErrInvalidPlayer
	}
	return nil
}

func (l *Ledger) edgeLocked(a, b PlayerID) *Edge {
	k := pair{a, b}
	e, ok := l.edges[k]
	if !ok {
		e = &Edge{}
		l.edges[k] = e
	}
	return e
}

func (l *Ledger) historyLocked(a, b PlayerID, t territory.ID) *History {
	k := siteKey{a, b, t}
	h, ok := l.history[k]
	if !ok {
		h = &History{}
		l.history[k] = h
	}
	return h
}

// AssignPlayer records a player's faction for same-faction betrayal checks.
func (l *Ledger) AssignPlayer(p PlayerID, f faction.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f == faction.None {
		delete(l.players, p)
		return
	}
	l.players[p] = f
}

func (l *Ledger) PlayerFaction(p PlayerID) faction.ID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.players[p]
}

// Seed sets trust(a,b) directly; used for restoring fixtures.
func (l *Ledger) Seed(a, b PlayerID, trust float64) error {
	if err := valid(a, b); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.edgeLocked(a, b).Trust = clampTrust(trust)
	return nil
}

func (l *Ledger) RecordCooperation(a, b PlayerID, t territory.ID, gain float64) (Edge, error) {
	if err := valid(a, b); err != nil {
		return Edge{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.edgeLocked(a, b)
	e.Trust = clampTrust(e.Trust + gain)
	e.CooperationScore++
	e.LastEvent = l.clock.Now()
	l.historyLocked(a, b, t).Cooperations++
	return *e, nil
}

// RecordBetrayal lowers trust(a,b). Betraying a player of one's own faction
// costs loss multiplied by the configured same-faction factor.
func (l *Ledger) RecordBetrayal(a, b PlayerID, t territory.ID, loss float64) (Edge, error) {
	if err := valid(a, b); err != nil {
		return Edge{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if fa, ok := l.players[a]; ok && fa == l.players[b] {
		loss *= l.sameFactionMx
	}
	e := l.edgeLocked(a, b)
	e.Trust = clampTrust(e.Trust - loss)
	e.BetrayalCount++
	e.LastEvent = l.clock.Now()
	l.historyLocked(a, b, t).Betrayals++
	return *e, nil
}

func (l *Ledger) RecordExtractionAssist(helper, assisted PlayerID, t territory.ID, bonus float64) (Edge, error) {
	if err := valid(helper, assisted); err != nil {
		return Edge{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.edgeLocked(helper, assisted)
	e.Trust = clampTrust(e.Trust + bonus)
	e.LastEvent = l.clock.Now()
	l.historyLocked(helper, assisted, t).Assists++
	return *e, nil
}

func (l *Ledger) Edge(a, b PlayerID) Edge {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if e, ok := l.edges[pair{a, b}]; ok {
		return *e
	}
	return Edge{}
}

func (l *Ledger) History(a, b PlayerID, t territory.ID) History {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if h, ok := l.history[siteKey{a, b, t}]; ok {
		return *h
	}
	return History{}
}

// TerritorialModifier is 1 + half the weaker direction of trust between a
// and b, adjusted by their shared history at the territory, in [0.5,1.5].
func (l *Ledger) TerritorialModifier(a, b PlayerID, t territory.ID) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ab, ba := 0.0, 0.0
	if e, ok := l.edges[pair{a, b}]; ok {
		ab = e.Trust
	}
	if e, ok := l.edges[pair{b, a}]; ok {
		ba = e.Trust
	}
	mod := 1 + 0.5*minf(ab, ba)

	score := 0
	for _, k := range []siteKey{{a, b, t}, {b, a, t}} {
		if h, ok := l.history[k]; ok {
			score += h.Cooperations + h.Assists - 2*h.Betrayals
		}
	}
	adj := float64(score) * historyStep
	if adj > historyCap {
		adj = historyCap
	} else if adj < -historyCap {
		adj = -historyCap
	}
	mod += adj

	if mod < MinModifier {
		return MinModifier
	}
	if mod > MaxModifier {
		return MaxModifier
	}
	return mod
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

type EdgeRow struct {
	From PlayerID `json:"from"`
	To   PlayerID `json:"to"`
	Edge
}

// Edges lists every non-default edge ordered by (from, to).
func (l *Ledger) Edges() []EdgeRow {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]EdgeRow, 0, len(l.edges))
	for k, e := range l.edges {
		out = append(out, EdgeRow{From: k.a, To: k.b, Edge: *e})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.edges = map[pair]*Edge{}
	l.history = map[siteKey]*History{}
}
