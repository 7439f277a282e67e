package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"holdfast.gg/internal/protocol"
	"holdfast.gg/internal/sim/events"
	"holdfast.gg/internal/sim/territory"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		api      = flag.String("api", "http://localhost:8080", "http api base url (territory list)")
		name     = flag.String("name", "bot", "client name")
		encoding = flag.String("encoding", protocol.EncodingJSON, "frame encoding (json or msgpack)")
		every    = flag.Duration("every", 2*time.Second, "objective interval")
		impact   = flag.Int("impact", 10, "objective impact")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	ids, err := fetchTerritories(*api)
	if err != nil {
		logger.Fatalf("territories: %v", err)
	}
	if len(ids) == 0 {
		logger.Fatalf("no territories (is a session running?)")
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
		Encoding:        *encoding,
		Subscribe:       []string{string(events.TerritoryControlFlipped), string(events.VictoryAchieved), string(events.SessionEnded)},
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	var w protocol.WelcomeMsg
	if err := conn.ReadJSON(&w); err != nil {
		logger.Fatalf("read WELCOME: %v", err)
	}
	if w.Type != protocol.TypeWelcome {
		logger.Fatalf("expected WELCOME, got %s", w.Type)
	}
	if len(w.Factions) == 0 {
		logger.Fatalf("server has no factions")
	}
	logger.Printf("WELCOME conn_id=%s session=%s phase=%s factions=%d territories=%d", w.ConnID, w.SessionID, w.SessionPhase, len(w.Factions), w.Territories)

	go readLoop(conn, logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	ticker := time.NewTicker(*every)
	defer ticker.Stop()

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for n := 0; ; n++ {
		select {
		case <-stop:
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			return
		case <-ticker.C:
		}
		f := w.Factions[r.Intn(len(w.Factions))]
		cmd := protocol.CommandMsg{
			Type:            protocol.TypeCommand,
			ProtocolVersion: protocol.Version,
			CommandID:       fmt.Sprintf("%s_%d", *name, n),
			Kind:            "OBJECTIVE_COMPLETED",
			TerritoryID:     uint32(ids[r.Intn(len(ids))]),
			FactionID:       f.ID,
			Impact:          *impact,
		}
		if err := send(conn, w.Encoding, cmd); err != nil {
			logger.Printf("send: %v", err)
			return
		}
	}
}

func send(conn *websocket.Conn, encoding string, v any) error {
	data, binary, err := protocol.Marshal(encoding, v)
	if err != nil {
		return err
	}
	mt := websocket.TextMessage
	if binary {
		mt = websocket.BinaryMessage
	}
	return conn.WriteMessage(mt, data)
}

func readLoop(conn *websocket.Conn, logger *log.Logger) {
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Printf("read: %v", err)
			os.Exit(0)
		}
		if mt == websocket.BinaryMessage {
			var m map[string]any
			if err := protocol.UnmarshalMsgpack(msg, &m); err != nil {
				continue
			}
			if msg, err = json.Marshal(m); err != nil {
				continue
			}
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeAck:
			var a protocol.AckMsg
			if err := json.Unmarshal(msg, &a); err == nil && !a.Accepted {
				logger.Printf("ACK %s rejected code=%s %s", a.AckFor, a.Code, a.Message)
			}
		case protocol.TypeEvent:
			var e protocol.EventMsg
			if err := json.Unmarshal(msg, &e); err != nil {
				continue
			}
			logger.Printf("EVENT seq=%d kind=%s", e.Event.Seq, e.Event.Kind)
		}
	}
}

func fetchTerritories(base string) ([]territory.ID, error) {
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(strings.TrimRight(base, "/") + "/v1/territories")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var body struct {
		Territories []struct {
			TerritoryID territory.ID `json:"territory_id"`
		} `json:"territories"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	out := make([]territory.ID, 0, len(body.Territories))
	for _, t := range body.Territories {
		out = append(out, t.TerritoryID)
	}
	return out, nil
}
