package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"holdfast.gg/internal/protocol"
	"holdfast.gg/internal/sim/core"
	"holdfast.gg/internal/sim/events"
	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/intake"
	"holdfast.gg/internal/sim/manager"
	"holdfast.gg/internal/sim/territory"
)

type fakeCore struct {
	bus   *events.Bus
	graph *territory.Graph
	cmds  chan intake.Command
}

func newFakeCore(t *testing.T) *fakeCore {
	t.Helper()
	g, err := territory.Build([]territory.Spec{
		{ID: 1, Kind: "REGION", StrategicValue: 5, TacticalValue: 5},
		{ID: 10, Kind: "DISTRICT", ParentID: 1, StrategicValue: 5, TacticalValue: 5},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return &fakeCore{bus: events.NewBus(nil), graph: g, cmds: make(chan intake.Command, 16)}
}

func (f *fakeCore) Submit(cmd intake.Command) (*intake.Item, error) {
	if cmd.Kind == intake.UpdateInfluence && !f.graph.Has(cmd.TerritoryID) {
		return nil, manager.ErrUnknownTerritory
	}
	f.cmds <- cmd
	it := intake.NewItem(cmd)
	it.Respond(influence.Change{Seq: 9, Revision: 3}, nil)
	return it, nil
}

func (f *fakeCore) Session() core.Session {
	return core.Session{ID: "sess-1", Phase: core.PhaseRunning}
}

func (f *fakeCore) Factions() []faction.Config {
	return []faction.Config{{ID: 1, Name: "Orbital", Variant: faction.VariantCorporate}}
}

func (f *fakeCore) Graph() *territory.Graph { return f.graph }
func (f *fakeCore) Bus() *events.Bus        { return f.bus }

func dial(t *testing.T, srv *httptest.Server, hello string) (*websocket.Conn, protocol.WelcomeMsg) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.WriteMessage(websocket.TextMessage, []byte(hello)); err != nil {
		t.Fatalf("hello: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &w); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	return conn, w
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(msg, v); err != nil {
		t.Fatalf("unmarshal %s: %v", msg, err)
	}
}

const helloJSON = `{"type":"HELLO","protocol_version":"1.0","client_name":"t"}`

func TestServer_HandshakeAndCommandAck(t *testing.T) {
	fc := newFakeCore(t)
	s := NewServer(fc, Options{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, w := dial(t, srv, helloJSON)
	if w.Type != protocol.TypeWelcome || w.SessionID != "sess-1" || w.SessionPhase != "RUNNING" || w.Territories != 2 || w.ConnID == "" {
		t.Fatalf("welcome=%+v", w)
	}
	if len(w.Factions) != 1 || w.Factions[0].Name != "Orbital" || w.Encoding != protocol.EncodingJSON {
		t.Fatalf("welcome=%+v", w)
	}

	cmd := `{"type":"COMMAND","protocol_version":"1.0","command_id":"c1","kind":"UPDATE_INFLUENCE","territory_id":10,"faction_id":1,"delta":5}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ack protocol.AckMsg
	readJSON(t, conn, &ack)
	if !ack.Accepted || ack.AckFor != "c1" || ack.Seq != 9 || ack.Revision != 3 {
		t.Fatalf("ack=%+v", ack)
	}
	got := <-fc.cmds
	if got.Kind != intake.UpdateInfluence || got.TerritoryID != 10 || got.Faction != 1 || got.Delta != 5 {
		t.Fatalf("submitted=%+v", got)
	}

	bad := `{"type":"COMMAND","protocol_version":"1.0","command_id":"c2","kind":"UPDATE_INFLUENCE","territory_id":99,"faction_id":1,"delta":5}`
	_ = conn.WriteMessage(websocket.TextMessage, []byte(bad))
	readJSON(t, conn, &ack)
	if ack.Accepted || ack.AckFor != "c2" || ack.Code != protocol.ErrUnknownTerritory {
		t.Fatalf("ack=%+v", ack)
	}

	schemaBad := `{"type":"COMMAND","protocol_version":"1.0","command_id":"c3","kind":"UPDATE_INFLUENCE"}`
	_ = conn.WriteMessage(websocket.TextMessage, []byte(schemaBad))
	readJSON(t, conn, &ack)
	if ack.Accepted || ack.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("ack=%+v", ack)
	}
}

func TestServer_StreamsEventsAndBatches(t *testing.T) {
	fc := newFakeCore(t)
	s := NewServer(fc, Options{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	fc.bus.Publish(events.Event{Kind: events.SessionStarted, Session: &events.Session{SessionID: "sess-1"}})

	conn, w := dial(t, srv, `{"type":"HELLO","protocol_version":"1.0","subscribe":["TERRITORY_CONTROL_FLIPPED"]}`)
	if w.Cursor != 1 {
		t.Fatalf("cursor=%d", w.Cursor)
	}
	waitClients(t, s, 1)

	fc.bus.Publish(events.Event{Kind: events.InfluenceChanged, Influence: &influence.Change{TerritoryID: 10}})
	fc.bus.Publish(events.Event{Kind: events.TerritoryControlFlipped, Influence: &influence.Change{TerritoryID: 10, Dominant: 1}})

	var ev protocol.EventMsg
	readJSON(t, conn, &ev)
	if ev.Event.Kind != events.TerritoryControlFlipped || ev.Event.Seq != 3 {
		t.Fatalf("event=%+v", ev.Event)
	}

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"EVENT_BATCH_REQ","protocol_version":"1.0","req_id":"r1","since_cursor":1,"limit":10}`))
	var batch protocol.EventBatchMsg
	readJSON(t, conn, &batch)
	if batch.ReqID != "r1" || len(batch.Events) != 2 || batch.NextCursor != 3 || batch.Truncated {
		t.Fatalf("batch=%+v", batch)
	}
}

func TestServer_MsgpackEncoding(t *testing.T) {
	fc := newFakeCore(t)
	s := NewServer(fc, Options{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, w := dial(t, srv, `{"type":"HELLO","protocol_version":"1.0","encoding":"msgpack"}`)
	if w.Encoding != protocol.EncodingMsgpack {
		t.Fatalf("encoding=%q", w.Encoding)
	}
	waitClients(t, s, 1)
	fc.bus.Publish(events.Event{Kind: events.VictoryAchieved, Victory: &events.Victory{Faction: 2, Condition: "ECONOMIC_DOMINANCE"}})

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("message type=%d", mt)
	}
	var ev protocol.EventMsg
	if err := protocol.UnmarshalMsgpack(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Event.Victory == nil || ev.Event.Victory.Faction != 2 || ev.Event.Victory.Condition != "ECONOMIC_DOMINANCE" {
		t.Fatalf("event=%+v", ev.Event)
	}
}

func TestServer_RateLimit(t *testing.T) {
	fc := newFakeCore(t)
	s := NewServer(fc, Options{CommandsPerSecond: 0.001, Burst: 1}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _ := dial(t, srv, helloJSON)
	cmd := `{"type":"COMMAND","protocol_version":"1.0","command_id":"x","kind":"START_SESSION"}`
	_ = conn.WriteMessage(websocket.TextMessage, []byte(cmd))
	_ = conn.WriteMessage(websocket.TextMessage, []byte(cmd))

	var first, second protocol.AckMsg
	readJSON(t, conn, &first)
	readJSON(t, conn, &second)
	limited := 0
	for _, a := range []protocol.AckMsg{first, second} {
		if a.Code == protocol.ErrRateLimit {
			limited++
		}
	}
	if limited != 1 {
		t.Fatalf("acks=%+v %+v", first, second)
	}
	if st := s.Stats(); st.RateLimited != 1 || st.CommandsRelayed != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestServer_RejectsBadVersion(t *testing.T) {
	fc := newFakeCore(t)
	s := NewServer(fc, Options{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"HELLO","protocol_version":"0.1"}`))
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestHub_SinceReportsTruncation(t *testing.T) {
	h := newHub(2)
	for i := uint64(1); i <= 4; i++ {
		h.publish(events.Event{Seq: i, Kind: events.InfluenceChanged})
	}
	evs, next, truncated := h.since(0, 10)
	if len(evs) != 2 || evs[0].Seq != 3 || next != 4 || !truncated {
		t.Fatalf("evs=%v next=%d truncated=%v", evs, next, truncated)
	}
	evs, next, truncated = h.since(3, 10)
	if len(evs) != 1 || next != 4 || truncated {
		t.Fatalf("evs=%v next=%d truncated=%v", evs, next, truncated)
	}
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.hub.len() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("clients=%d want %d", s.hub.len(), n)
}
