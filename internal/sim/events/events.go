package events

import (
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/territory"
)

type Kind string

const (
	InfluenceChanged        Kind = "INFLUENCE_CHANGED"
	TerritoryContested      Kind = "TERRITORY_CONTESTED"
	TerritoryControlFlipped Kind = "TERRITORY_CONTROL_FLIPPED"
	VictoryProgressUpdated  Kind = "VICTORY_PROGRESS_UPDATED"
	VictoryThreatened       Kind = "VICTORY_THREATENED"
	VictoryAchieved         Kind = "VICTORY_ACHIEVED"
	GenerationRequested     Kind = "GENERATION_REQUESTED"
	GenerationCompleted     Kind = "GENERATION_COMPLETED"
	SessionStarted          Kind = "SESSION_STARTED"
	SessionEnded            Kind = "SESSION_ENDED"
)

// AllKinds lists every event kind in a stable order.
func AllKinds() []Kind {
	return []Kind{
		InfluenceChanged, TerritoryContested, TerritoryControlFlipped,
		VictoryProgressUpdated, VictoryThreatened, VictoryAchieved,
		GenerationRequested, GenerationCompleted,
		SessionStarted, SessionEnded,
	}
}

type Victory struct {
	Faction   faction.ID `json:"faction_id"`
	Condition string     `json:"condition"`
	Progress  float64    `json:"progress"`
	Status    string     `json:"status"`
	TimeHeldS float64    `json:"time_held_s"`
	ETAS      float64    `json:"eta_s,omitempty"`
	ElapsedS  float64    `json:"elapsed_s,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

type Generation struct {
	RequestID   string       `json:"request_id,omitempty"`
	TerritoryID territory.ID `json:"territory_id"`
	Faction     faction.ID   `json:"faction_id"`
	AssetKind   string       `json:"asset_kind"`
	Style       string       `json:"style,omitempty"`
	State       string       `json:"state,omitempty"`
	Failed      bool         `json:"failed"`
	Reason      string       `json:"reason,omitempty"`
	AssetIDs    []string     `json:"asset_ids,omitempty"`
}

type Session struct {
	SessionID string     `json:"session_id"`
	Winner    faction.ID `json:"winner,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Event is one fan-out record. Exactly one payload pointer is set.
type Event struct {
	Seq  uint64    `json:"seq"`
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`

	Influence  *influence.Change `json:"influence,omitempty"`
	Victory    *Victory          `json:"victory,omitempty"`
	Generation *Generation       `json:"generation,omitempty"`
	Session    *Session          `json:"session,omitempty"`
}

// Sink receives events on the publishing goroutine; it must not block.
type Sink func(Event)

type Handle uint64

type subscription struct {
	id    Handle
	name  string
	kinds map[Kind]bool
	sink  Sink
}

// Bus is the subscription registry. Publish delivers in sequence order; a
// publish issued from inside a sink is queued until the current fan-out ends.
type Bus struct {
	logger *log.Logger

	mu     sync.Mutex
	subs   []*subscription
	nextID Handle

	seq uint64

	dispatching bool
	pending     []Event

	panics atomic.Uint64
}

func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Bus{logger: logger}
}

// Subscribe registers sink for kinds; no kinds means every kind.
func (b *Bus) Subscribe(name string, sink Sink, kinds ...Kind) Handle {
	if sink == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &subscription{id: b.nextID, name: name, sink: sink}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	b.subs = append(b.subs, s)
	return s.id
}

func (b *Bus) Unsubscribe(h Handle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == h {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// NextSeq reserves the next global sequence number.
func (b *Bus) NextSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return b.seq
}

// LastSeq is the most recently reserved sequence number.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Publish stamps ev with a sequence number if it has none and fans it out.
func (b *Bus) Publish(ev Event) uint64 {
	b.mu.Lock()
	if ev.Seq == 0 {
		b.seq++
		ev.Seq = b.seq
	}
	seq := ev.Seq
	if b.dispatching {
		b.pending = append(b.pending, ev)
		b.mu.Unlock()
		return seq
	}
	b.dispatching = true
	b.mu.Unlock()

	for {
		b.deliver(ev)
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.dispatching = false
			b.mu.Unlock()
			return seq
		}
		ev = b.pending[0]
		b.pending = b.pending[1:]
		b.mu.Unlock()
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.Lock()
	subs := append([]*subscription(nil), b.subs...)
	b.mu.Unlock()
	for _, s := range subs {
		if s.kinds != nil && !s.kinds[ev.Kind] {
			continue
		}
		b.call(s, ev)
	}
}

func (b *Bus) call(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Printf("subscriber %q (#%d) panicked on %s seq=%d: %v; unsubscribing", s.name, s.id, ev.Kind, ev.Seq, r)
			b.Unsubscribe(s.id)
		}
	}()
	s.sink(ev)
}

// Panics reports how many subscriber panics were isolated.
func (b *Bus) Panics() uint64 { return b.panics.Load() }

func (e Event) String() string {
	return fmt.Sprintf("%s#%d", e.Kind, e.Seq)
}
