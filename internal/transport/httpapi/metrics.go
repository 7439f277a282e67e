package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"sort"

	"holdfast.gg/internal/sim/core"
)

// MetricsFunc writes extra Prometheus series.
type MetricsFunc func(w io.Writer)

func (s *Server) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	WriteCoreMetrics(rw, s.core.Stats())
	for _, m := range s.opts.Metrics {
		m(rw)
	}
}

// WriteCoreMetrics renders core stats in the Prometheus text format.
func WriteCoreMetrics(w io.Writer, st core.Stats) {
	gauge := func(name, help string) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	}
	counter := func(name, help string) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
	}

	gauge("holdfast_session_phase", "Current session phase (1 for the active phase).")
	for _, p := range []core.Phase{core.PhaseIdle, core.PhaseRunning, core.PhaseEnding, core.PhaseEnded} {
		v := 0
		if st.Session.Phase == p {
			v = 1
		}
		fmt.Fprintf(w, "holdfast_session_phase{phase=%q} %d\n", p.String(), v)
	}

	counter("holdfast_commands_accepted_total", "Commands applied by the core loop.")
	fmt.Fprintf(w, "holdfast_commands_accepted_total %d\n", st.CommandsAccepted)

	counter("holdfast_commands_rejected_total", "Commands rejected, by reason.")
	reasons := make([]string, 0, len(st.Rejected))
	for k := range st.Rejected {
		reasons = append(reasons, k)
	}
	sort.Strings(reasons)
	for _, k := range reasons {
		fmt.Fprintf(w, "holdfast_commands_rejected_total{reason=%q} %d\n", k, st.Rejected[k])
	}

	counter("holdfast_panics_total", "Recovered panics in the run loop and event sinks.")
	fmt.Fprintf(w, "holdfast_panics_total %d\n", st.PanicsTotal)
	counter("holdfast_callbacks_dropped_total", "Adapter callbacks dropped on a full buffer.")
	fmt.Fprintf(w, "holdfast_callbacks_dropped_total %d\n", st.CallbacksDropped)
	gauge("holdfast_pending_timers", "Scheduled timers.")
	fmt.Fprintf(w, "holdfast_pending_timers %d\n", st.PendingTimers)

	gauge("holdfast_intake_depth", "Queued commands.")
	fmt.Fprintf(w, "holdfast_intake_depth %d\n", st.Queue.Depth)
	counter("holdfast_intake_total", "Command intake outcomes.")
	fmt.Fprintf(w, "holdfast_intake_total{outcome=%q} %d\n", "accepted", st.Queue.Accepted)
	fmt.Fprintf(w, "holdfast_intake_total{outcome=%q} %d\n", "coalesced", st.Queue.Coalesced)
	fmt.Fprintf(w, "holdfast_intake_total{outcome=%q} %d\n", "rejected", st.Queue.Rejected)

	counter("holdfast_influence_updates_total", "Influence updates, by outcome.")
	m := st.Manager
	fmt.Fprintf(w, "holdfast_influence_updates_total{outcome=%q} %d\n", "accepted", m.Accepted)
	fmt.Fprintf(w, "holdfast_influence_updates_total{outcome=%q} %d\n", "unknown_territory", m.RejectedUnknown)
	fmt.Fprintf(w, "holdfast_influence_updates_total{outcome=%q} %d\n", "invalid_faction", m.RejectedFaction)
	fmt.Fprintf(w, "holdfast_influence_updates_total{outcome=%q} %d\n", "invalid_delta", m.RejectedDelta)
	fmt.Fprintf(w, "holdfast_influence_updates_total{outcome=%q} %d\n", "not_initialized", m.RejectedNotInit)
	counter("holdfast_influence_decay_total", "Decay updates applied.")
	fmt.Fprintf(w, "holdfast_influence_decay_total %d\n", m.DecayUpdates)
	counter("holdfast_persistence_drops_total", "Influence changes the persistence adapter dropped.")
	fmt.Fprintf(w, "holdfast_persistence_drops_total %d\n", m.PersistenceDrops)
	gauge("holdfast_last_seq", "Last event sequence number.")
	fmt.Fprintf(w, "holdfast_last_seq %d\n", m.LastSeq)

	counter("holdfast_ai_decisions_total", "Strategist decisions, by outcome.")
	fmt.Fprintf(w, "holdfast_ai_decisions_total{outcome=%q} %d\n", "queued", st.Strategy.Queued)
	fmt.Fprintf(w, "holdfast_ai_decisions_total{outcome=%q} %d\n", "executed", st.Strategy.Executed)
	fmt.Fprintf(w, "holdfast_ai_decisions_total{outcome=%q} %d\n", "discarded", st.Strategy.Discarded)

	p := st.Procedural
	counter("holdfast_generation_total", "Generation requests, by outcome.")
	fmt.Fprintf(w, "holdfast_generation_total{outcome=%q} %d\n", "submitted", p.Submitted)
	fmt.Fprintf(w, "holdfast_generation_total{outcome=%q} %d\n", "completed", p.Completed)
	fmt.Fprintf(w, "holdfast_generation_total{outcome=%q} %d\n", "failed", p.Failed)
	fmt.Fprintf(w, "holdfast_generation_total{outcome=%q} %d\n", "cancelled", p.Cancelled)
	fmt.Fprintf(w, "holdfast_generation_total{outcome=%q} %d\n", "refused_cooldown", p.RefusedCooldown)
	fmt.Fprintf(w, "holdfast_generation_total{outcome=%q} %d\n", "refused_capacity", p.RefusedCapacity)
	fmt.Fprintf(w, "holdfast_generation_total{outcome=%q} %d\n", "no_placement", p.NoPlacement)
	gauge("holdfast_generation_in_flight", "Generation requests in Pending or Generating.")
	fmt.Fprintf(w, "holdfast_generation_in_flight %d\n", p.InFlight)

	counter("holdfast_victory_suppressed_total", "Achievements suppressed after the first.")
	fmt.Fprintf(w, "holdfast_victory_suppressed_total %d\n", st.Victory.Suppressed)
	gauge("holdfast_trust_edges", "Non-default trust edges.")
	fmt.Fprintf(w, "holdfast_trust_edges %d\n", st.Trust.Edges)
}
