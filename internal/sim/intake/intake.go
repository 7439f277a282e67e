package intake

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/territory"
	"holdfast.gg/internal/sim/trust"
	"holdfast.gg/internal/sim/victory"
)

var (
	ErrQueueFull = errors.New("command queue full")
	ErrCoalesced = errors.New("superseded by a newer update")
	ErrUnknown   = errors.New("unknown command kind")
)

type Kind uint8

const (
	UpdateInfluence Kind = iota + 1
	RecordCooperation
	RecordBetrayal
	RecordExtractionAssist
	ObjectiveCompleted
	AssignPlayer
	StartSession
	EndSession
	ConvoyOutcome
)

var kindNames = map[Kind]string{
	UpdateInfluence:        "UPDATE_INFLUENCE",
	RecordCooperation:      "RECORD_COOPERATION",
	RecordBetrayal:         "RECORD_BETRAYAL",
	RecordExtractionAssist: "RECORD_EXTRACTION_ASSIST",
	ObjectiveCompleted:     "OBJECTIVE_COMPLETED",
	AssignPlayer:           "ASSIGN_PLAYER",
	StartSession:           "START_SESSION",
	EndSession:             "END_SESSION",
	ConvoyOutcome:          "CONVOY_OUTCOME",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UNKNOWN"
}

func ParseKind(s string) (Kind, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Command is one inbound request to the core. Fields are used per Kind.
type Command struct {
	Kind Kind

	TerritoryID   territory.ID
	TerritoryKind territory.Kind
	Faction       faction.ID
	Delta         int
	Cause         string
	Impact        int

	PlayerA trust.PlayerID
	PlayerB trust.PlayerID
	Amount  float64

	Outcome victory.Outcome
}

type coalesceKey struct {
	id    territory.ID
	f     faction.ID
	cause string
}

func (c Command) key() coalesceKey {
	return coalesceKey{id: c.TerritoryID, f: c.Faction, cause: c.Cause}
}

type Result struct {
	Value any
	Err   error
}

// Item carries a command and an optional reply channel (buffered, size 1).
type Item struct {
	Cmd   Command
	Reply chan Result
}

func NewItem(cmd Command) *Item {
	return &Item{Cmd: cmd, Reply: make(chan Result, 1)}
}

func (it *Item) Respond(v any, err error) {
	if it == nil || it.Reply == nil {
		return
	}
	select {
	case it.Reply <- Result{Value: v, Err: err}:
	default:
	}
}

type Stats struct {
	Depth     int
	Accepted  uint64
	Coalesced uint64
	Rejected  uint64
}

// Queue is the bounded multi-producer queue feeding the core loop. When full,
// an influence update replaces the oldest queued update with the same
// (territory, faction, cause); other influence updates are rejected. Other
// command kinds may use an overflow lane of the same size so they are not
// lost behind influence traffic.
type Queue struct {
	capacity int
	notify   chan struct{}

	mu    sync.Mutex
	items []*Item

	accepted  atomic.Uint64
	coalesced atomic.Uint64
	rejected  atomic.Uint64
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{capacity: capacity, notify: make(chan struct{}, 1)}
}

func (q *Queue) Notify() <-chan struct{} { return q.notify }

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) Push(it *Item) error {
	q.mu.Lock()
	influenceLen := 0
	for _, x := range q.items {
		if x.Cmd.Kind == UpdateInfluence {
			influenceLen++
		}
	}
	if it.Cmd.Kind != UpdateInfluence {
		if len(q.items)-influenceLen >= q.capacity {
			q.mu.Unlock()
			q.rejected.Add(1)
			return ErrQueueFull
		}
		q.items = append(q.items, it)
		q.mu.Unlock()
		q.accepted.Add(1)
		q.signal()
		return nil
	}
	if influenceLen < q.capacity {
		q.items = append(q.items, it)
		q.mu.Unlock()
		q.accepted.Add(1)
		q.signal()
		return nil
	}
	k := it.Cmd.key()
	for i, x := range q.items {
		if x.Cmd.Kind == UpdateInfluence && x.Cmd.key() == k {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			q.items = append(q.items, it)
			q.mu.Unlock()
			x.Respond(nil, ErrCoalesced)
			q.coalesced.Add(1)
			q.accepted.Add(1)
			q.signal()
			return nil
		}
	}
	q.mu.Unlock()
	q.rejected.Add(1)
	return ErrQueueFull
}

// Drain removes up to max items in FIFO order; max <= 0 drains everything.
func (q *Queue) Drain(max int) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	out := make([]*Item, n)
	copy(out, q.items[:n])
	q.items = append(q.items[:0:0], q.items[n:]...)
	if len(q.items) > 0 {
		q.signal()
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Stats() Stats {
	return Stats{
		Depth:     q.Len(),
		Accepted:  q.accepted.Load(),
		Coalesced: q.coalesced.Load(),
		Rejected:  q.rejected.Load(),
	}
}
