// Package httpapi serves the territorial core's read-only query API, the
// Prometheus metrics page and the admin command endpoint.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"holdfast.gg/internal/protocol"
	"holdfast.gg/internal/sim/core"
	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/territory"
	"holdfast.gg/internal/sim/trust"
)

type Options struct {
	// AdminKey, when set, is required in X-Admin-Key for admin routes.
	// Without it admin routes only answer loopback callers.
	AdminKey string
	// EnableAdmin mounts /admin/v1.
	EnableAdmin bool
	// AdminRate bounds admin commands per second across all callers.
	AdminRate  float64
	AdminBurst int
	// Metrics are appended to /metrics after the core's own series.
	Metrics []MetricsFunc
	// ExecTimeout bounds how long an admin command waits for the core loop.
	ExecTimeout time.Duration
}

type Server struct {
	core    *core.Core
	opts    Options
	log     *log.Logger
	limiter *rate.Limiter
}

func New(c *core.Core, opts Options, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.AdminRate <= 0 {
		opts.AdminRate = 50
	}
	if opts.AdminBurst <= 0 {
		opts.AdminBurst = 100
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 5 * time.Second
	}
	return &Server{
		core:    c,
		opts:    opts,
		log:     logger,
		limiter: rate.NewLimiter(rate.Limit(opts.AdminRate), opts.AdminBurst),
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	r.Get("/metrics", s.handleMetrics)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/session", s.handleSession)
		r.Get("/territories", s.handleTerritories)
		r.Get("/territories/{id}", s.handleTerritory)
		r.Get("/victory", s.handleVictory)
		r.Get("/metrics/{faction}", s.handleFactionMetrics)
		r.Get("/trust", s.handleTrustEdges)
		r.Get("/trust/modifier", s.handleTrustModifier)
		r.Get("/generation", s.handleGeneration)
		r.Get("/routes", s.handleRoutes)
		r.Get("/digest", s.handleDigest)
	})

	if s.opts.EnableAdmin {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/state", s.handleAdminState)
			r.Post("/commands", s.handleCommand)
		})
	}
	return r
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(rw http.ResponseWriter, err error) {
	code := protocol.CodeFor(err)
	writeJSON(rw, statusFor(code), errorBody{Code: code, Message: err.Error()})
}

func statusFor(code string) int {
	switch code {
	case protocol.ErrUnknownTerritory:
		return http.StatusNotFound
	case protocol.ErrInvalidFaction, protocol.ErrInvalidDelta, protocol.ErrInvalidPlayer,
		protocol.ErrBadRequest, protocol.ErrProtoBadRequest, protocol.ErrUnknownCommand:
		return http.StatusBadRequest
	case protocol.ErrNotInitialized, protocol.ErrSessionEnded, protocol.ErrCoalesced:
		return http.StatusConflict
	case protocol.ErrQueueFull, protocol.ErrCapacity, protocol.ErrCooldown:
		return http.StatusServiceUnavailable
	case protocol.ErrRateLimit:
		return http.StatusTooManyRequests
	case protocol.ErrNoPermission:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func badRequest(rw http.ResponseWriter, msg string) {
	writeJSON(rw, http.StatusBadRequest, errorBody{Code: protocol.ErrBadRequest, Message: msg})
}

func parseKind(r *http.Request) (territory.Kind, bool) {
	q := strings.TrimSpace(r.URL.Query().Get("kind"))
	if q == "" {
		return 0, true
	}
	return territory.ParseKind(q)
}

func parseFaction(s string) (faction.ID, bool) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
	if err != nil {
		return 0, false
	}
	return faction.ID(n), true
}

func (s *Server) handleSession(rw http.ResponseWriter, r *http.Request) {
	resp := struct {
		Session     core.Session `json:"session"`
		Achievement any          `json:"achievement,omitempty"`
	}{Session: s.core.Session()}
	if a, ok := s.core.Achievement(); ok {
		resp.Achievement = a
	}
	writeJSON(rw, http.StatusOK, resp)
}

type territoryView struct {
	Territory    territory.Territory `json:"territory"`
	State        influence.State     `json:"state"`
	Modification any                 `json:"modification,omitempty"`
}

func (s *Server) handleTerritories(rw http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(r)
	if !ok {
		badRequest(rw, "unknown kind")
		return
	}
	states, err := s.core.Territories()
	if err != nil {
		writeError(rw, err)
		return
	}
	out := make([]influence.State, 0, len(states))
	for _, st := range states {
		if kind == 0 || st.Kind == kind {
			out = append(out, st)
		}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"territories": out})
}

func (s *Server) handleTerritory(rw http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		badRequest(rw, "bad territory id")
		return
	}
	kind, ok := parseKind(r)
	if !ok {
		badRequest(rw, "unknown kind")
		return
	}
	st, err := s.core.GetTerritorialState(territory.ID(id), kind)
	if err != nil {
		writeError(rw, err)
		return
	}
	t, _ := s.core.Graph().Lookup(territory.ID(id))
	view := territoryView{Territory: t, State: st}
	if m, ok := s.core.Modification(territory.ID(id)); ok {
		view.Modification = m
	}
	writeJSON(rw, http.StatusOK, view)
}

func (s *Server) handleVictory(rw http.ResponseWriter, r *http.Request) {
	f := faction.None
	if q := r.URL.Query().Get("faction"); q != "" {
		id, ok := parseFaction(q)
		if !ok || !id.Valid() {
			badRequest(rw, "bad faction")
			return
		}
		f = id
	}
	resp := map[string]any{"progress": s.core.GetVictoryProgress(f)}
	if a, ok := s.core.Achievement(); ok {
		resp["achievement"] = a
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (s *Server) handleFactionMetrics(rw http.ResponseWriter, r *http.Request) {
	f, ok := parseFaction(chi.URLParam(r, "faction"))
	if !ok {
		badRequest(rw, "bad faction")
		return
	}
	m, err := s.core.GetMetrics(f)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, m)
}

func (s *Server) handleTrustEdges(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"edges": s.core.TrustEdges()})
}

func (s *Server) handleTrustModifier(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	a, b := strings.TrimSpace(q.Get("a")), strings.TrimSpace(q.Get("b"))
	if a == "" || b == "" {
		badRequest(rw, "a and b are required")
		return
	}
	var tid territory.ID
	if v := q.Get("territory"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			badRequest(rw, "bad territory id")
			return
		}
		tid = territory.ID(n)
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"a":         a,
		"b":         b,
		"territory": tid,
		"modifier":  s.core.GetTrustModifier(trust.PlayerID(a), trust.PlayerID(b), tid),
	})
}

func (s *Server) handleGeneration(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"requests": s.core.GetActiveGenerationRequests()})
}

func (s *Server) handleRoutes(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"routes": s.core.Routes()})
}

func (s *Server) handleDigest(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"session_id": s.core.Session().ID, "digest": s.core.Digest()})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeJSON(rw, http.StatusForbidden, errorBody{Code: protocol.ErrNoPermission, Message: "forbidden"})
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.AdminKey != "" {
		got := r.Header.Get("X-Admin-Key")
		return subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.AdminKey)) == 1
	}
	return IsLoopbackRemote(r.RemoteAddr)
}

// IsLoopbackRemote reports whether remoteAddr is a loopback address.
func IsLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) handleAdminState(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.core.Stats())
}

func (s *Server) handleCommand(rw http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeJSON(rw, http.StatusTooManyRequests, errorBody{Code: protocol.ErrRateLimit, Message: "rate limited"})
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		badRequest(rw, err.Error())
		return
	}
	if err := protocol.ValidateCommand(raw); err != nil {
		writeError(rw, err)
		return
	}
	var msg protocol.CommandMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		badRequest(rw, err.Error())
		return
	}
	cmd, err := msg.ToCommand()
	if err != nil {
		writeError(rw, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.ExecTimeout)
	defer cancel()
	v, err := s.core.Exec(ctx, cmd)
	ack := protocol.AckFor(protocol.AckMsg{Type: protocol.TypeAck, ProtocolVersion: protocol.Version, AckFor: msg.CommandID}, v, err)
	status := http.StatusOK
	if err != nil {
		status = statusFor(ack.Code)
		s.log.Printf("admin command %s rejected: %v", msg.Kind, err)
	}
	writeJSON(rw, status, ack)
}
