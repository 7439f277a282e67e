package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"holdfast.gg/internal/protocol"
	"holdfast.gg/internal/sim/core"
	"holdfast.gg/internal/sim/events"
	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/intake"
	"holdfast.gg/internal/sim/territory"
)

// Core is the part of the territorial core the socket layer drives.
type Core interface {
	Submit(cmd intake.Command) (*intake.Item, error)
	Session() core.Session
	Factions() []faction.Config
	Graph() *territory.Graph
	Bus() *events.Bus
}

type Options struct {
	// CommandsPerSecond and Burst bound each connection's command rate.
	CommandsPerSecond float64
	Burst             int
	// History is how many events are kept for EVENT_BATCH_REQ.
	History      int
	TuningDigest string
	// ReplyTimeout bounds how long an ACK waits for the core loop.
	ReplyTimeout time.Duration
}

type Stats struct {
	Connections     int    `json:"connections"`
	FramesDropped   uint64 `json:"frames_dropped"`
	RateLimited     uint64 `json:"rate_limited"`
	CommandsRelayed uint64 `json:"commands_relayed"`
	BadMessages     uint64 `json:"bad_messages"`
}

type Server struct {
	core Core
	log  *log.Logger
	opts Options
	hub  *hub

	upgrader websocket.Upgrader

	rateLimited atomic.Uint64
	relayed     atomic.Uint64
	badMessages atomic.Uint64
}

func NewServer(c Core, opts Options, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.CommandsPerSecond <= 0 {
		opts.CommandsPerSecond = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 40
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = 5 * time.Second
	}
	s := &Server{
		core: c,
		log:  logger,
		opts: opts,
		hub:  newHub(opts.History),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	c.Bus().Subscribe("ws", s.hub.publish)
	return s
}

func (s *Server) Stats() Stats {
	return Stats{
		Connections:     s.hub.len(),
		FramesDropped:   s.hub.dropped.Load(),
		RateLimited:     s.rateLimited.Load(),
		CommandsRelayed: s.relayed.Load(),
		BadMessages:     s.badMessages.Load(),
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		cl := s.handshake(conn)
		if cl == nil {
			return
		}
		s.hub.add(cl)
		defer s.hub.remove(cl.id)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case f := <-cl.out:
					mt := websocket.TextMessage
					if f.binary {
						mt = websocket.BinaryMessage
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(mt, f.data); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		limiter := rate.NewLimiter(rate.Limit(s.opts.CommandsPerSecond), s.opts.Burst)

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				s.badMessages.Add(1)
				continue
			}
			switch base.Type {
			case protocol.TypeCommand:
				s.handleCommand(ctx, cl, limiter, msg)
			case protocol.TypeEventBatchReq:
				s.handleBatch(cl, msg)
			default:
				s.badMessages.Add(1)
			}
		}
		s.log.Printf("conn %s closed", cl.id)
	}
}

func (s *Server) handshake(conn *websocket.Conn) *client {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, "expected HELLO")
		return nil
	}
	if err := protocol.ValidateHello(msg); err != nil {
		closeWith(conn, "bad HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if !supportsVersion(hello) {
		closeWith(conn, "bad protocol_version")
		return nil
	}
	if hello.ClientName == "" {
		hello.ClientName = "client"
	}

	cl := &client{
		id:       uuid.NewString(),
		encoding: protocol.NormalizeEncoding(hello.Encoding),
		out:      make(chan frame, 256),
	}
	for _, k := range hello.Subscribe {
		if cl.kinds == nil {
			cl.kinds = map[events.Kind]bool{}
		}
		cl.kinds[events.Kind(k)] = true
	}

	sess := s.core.Session()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SelectedVersion: protocol.Version,
		ServerCapabilities: protocol.ServerCapabilities{
			Ack:        true,
			EventBatch: true,
			Msgpack:    true,
		},
		ConnID:       cl.id,
		SessionID:    sess.ID,
		SessionPhase: sess.Phase.String(),
		Encoding:     cl.encoding,
		Factions:     protocol.FactionRefs(s.core.Factions()),
		Territories:  s.core.Graph().Len(),
		TuningDigest: s.opts.TuningDigest,
		Cursor:       s.hub.lastSeq(),
	}
	// WELCOME is always JSON so clients can read it before switching.
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}
	s.log.Printf("conn %s: %s joined (encoding=%s)", cl.id, hello.ClientName, cl.encoding)
	return cl
}

func supportsVersion(h protocol.HelloMsg) bool {
	if h.ProtocolVersion == protocol.Version {
		return true
	}
	for _, v := range h.SupportedVersions {
		if v == protocol.Version {
			return true
		}
	}
	return false
}

func (s *Server) handleCommand(ctx context.Context, cl *client, limiter *rate.Limiter, raw []byte) {
	var msg protocol.CommandMsg
	_ = json.Unmarshal(raw, &msg)
	ack := protocol.AckMsg{Type: protocol.TypeAck, ProtocolVersion: protocol.Version, AckFor: msg.CommandID}

	if !limiter.Allow() {
		s.rateLimited.Add(1)
		ack.Code = protocol.ErrRateLimit
		ack.Message = "rate limited"
		s.send(cl, ack)
		return
	}
	if err := protocol.ValidateCommand(raw); err != nil {
		s.badMessages.Add(1)
		ack.Code = protocol.CodeFor(err)
		ack.Message = err.Error()
		s.send(cl, ack)
		return
	}
	cmd, err := msg.ToCommand()
	if err != nil {
		ack.Code = protocol.CodeFor(err)
		ack.Message = err.Error()
		s.send(cl, ack)
		return
	}
	it, err := s.core.Submit(cmd)
	if err != nil {
		ack.Code = protocol.CodeFor(err)
		ack.Message = err.Error()
		s.send(cl, ack)
		return
	}
	s.relayed.Add(1)

	go func() {
		t := time.NewTimer(s.opts.ReplyTimeout)
		defer t.Stop()
		select {
		case res := <-it.Reply:
			s.send(cl, protocol.AckFor(ack, res.Value, res.Err))
		case <-t.C:
			ack.Code = protocol.ErrInternal
			ack.Message = "timed out waiting for core"
			s.send(cl, ack)
		case <-ctx.Done():
		}
	}()
}

func (s *Server) handleBatch(cl *client, raw []byte) {
	var req protocol.EventBatchReqMsg
	if err := json.Unmarshal(raw, &req); err != nil {
		s.badMessages.Add(1)
		return
	}
	evs, next, truncated := s.hub.since(req.SinceCursor, req.Limit)
	if evs == nil {
		evs = []events.Event{}
	}
	s.send(cl, protocol.EventBatchMsg{
		Type:            protocol.TypeEventBatch,
		ProtocolVersion: protocol.Version,
		ReqID:           req.ReqID,
		Events:          evs,
		NextCursor:      next,
		Truncated:       truncated,
	})
}

func (s *Server) send(cl *client, v any) {
	data, binary, err := protocol.Marshal(cl.encoding, v)
	if err != nil {
		return
	}
	select {
	case cl.out <- frame{data: data, binary: binary}:
	default:
		s.hub.dropped.Add(1)
	}
}

func closeWith(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
