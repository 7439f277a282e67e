package ws

import (
	"sync"
	"sync/atomic"

	"holdfast.gg/internal/protocol"
	"holdfast.gg/internal/sim/events"
)

type frame struct {
	data   []byte
	binary bool
}

type client struct {
	id       string
	encoding string
	kinds    map[events.Kind]bool
	out      chan frame
}

func (c *client) wants(k events.Kind) bool {
	return len(c.kinds) == 0 || c.kinds[k]
}

// hub fans bus events out to connected clients and keeps a bounded history
// for EVENT_BATCH_REQ. publish runs on the core loop and never blocks.
type hub struct {
	mu      sync.Mutex
	clients map[string]*client
	history []events.Event
	max     int

	dropped atomic.Uint64
}

func newHub(history int) *hub {
	if history <= 0 {
		history = 4096
	}
	return &hub{clients: map[string]*client{}, max: history}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) publish(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, ev)
	if over := len(h.history) - h.max; over > 0 {
		h.history = append(h.history[:0:0], h.history[over:]...)
	}

	msg := protocol.EventMsg{Type: protocol.TypeEvent, ProtocolVersion: protocol.Version, Event: ev}
	encoded := map[string]frame{}
	for _, c := range h.clients {
		if !c.wants(ev.Kind) {
			continue
		}
		f, ok := encoded[c.encoding]
		if !ok {
			data, binary, err := protocol.Marshal(c.encoding, msg)
			if err != nil {
				continue
			}
			f = frame{data: data, binary: binary}
			encoded[c.encoding] = f
		}
		select {
		case c.out <- f:
		default:
			h.dropped.Add(1)
		}
	}
}

// since returns up to limit events with Seq > cursor, the cursor to resume
// from, and whether older events were already evicted.
func (h *hub) since(cursor uint64, limit int) ([]events.Event, uint64, bool) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	truncated := len(h.history) > 0 && h.history[0].Seq > cursor+1
	var out []events.Event
	next := cursor
	for _, ev := range h.history {
		if ev.Seq <= cursor {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, ev)
		next = ev.Seq
	}
	return out, next, truncated
}

func (h *hub) lastSeq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.history) == 0 {
		return 0
	}
	return h.history[len(h.history)-1].Seq
}
