package core

import (
	"time"

	"github.com/google/uuid"

	"holdfast.gg/internal/sim/events"
	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/manager"
	"holdfast.gg/internal/sim/strategy"
	"holdfast.gg/internal/sim/victory"
)

type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseRunning
	// PhaseEnding is the announcement window after a victory.
	PhaseEnding
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "RUNNING"
	case PhaseEnding:
		return "ENDING"
	case PhaseEnded:
		return "ENDED"
	}
	return "IDLE"
}

type Session struct {
	ID        string     `json:"session_id,omitempty"`
	Phase     Phase      `json:"-"`
	PhaseName string     `json:"phase"`
	StartedAt time.Time  `json:"started_at,omitempty"`
	EndedAt   time.Time  `json:"ended_at,omitempty"`
	Winner    faction.ID `json:"winner,omitempty"`
	Condition string     `json:"condition,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

func (c *Core) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.session
	s.PhaseName = s.Phase.String()
	return s
}

func (c *Core) phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.Phase
}

// writable reports whether game commands may mutate state right now.
func (c *Core) writable() error {
	switch c.phase() {
	case PhaseRunning, PhaseEnding:
		return nil
	case PhaseEnded:
		return ErrSessionEnded
	default:
		return manager.ErrNotInitialized
	}
}

// startSession resets every subsystem, seeds influence and arms the timers.
// A running session is ended first.
func (c *Core) startSession() (Session, error) {
	if p := c.phase(); p == PhaseRunning || p == PhaseEnding {
		c.endSession("restarted", faction.None, "")
	}
	c.sched.CancelAll()
	c.disp.Reset()
	c.ai.Clear()
	c.eval.Reset()
	if r, ok := c.engage.(resettable); ok {
		r.Reset()
	}

	err := c.tm.Initialize(c.runCtx, manager.Config{
		ContestThreshold: c.cfg.ContestThreshold,
		DecayRatePerS:    c.cfg.DecayRatePerS,
		DecayContested:   c.cfg.DecayContested,
		Initial:          manager.SeedsFromSpecs(c.cfg.Territories),
	})
	if err != nil {
		return Session{}, err
	}
	if s, ok := c.economy.(controlSyncer); ok {
		if states, err := c.tm.Snapshot(); err == nil {
			s.SyncControllers(states)
		}
	}

	now := c.clock.Now()
	c.mu.Lock()
	c.session = Session{ID: uuid.NewString(), Phase: PhaseRunning, StartedAt: now}
	c.final = nil
	sess := c.session
	c.mu.Unlock()

	c.sched.Schedule(c.cfg.VictoryCheckInterval(), func(now time.Time) { c.eval.Tick(now) })
	c.sched.Schedule(c.cfg.StrategicInterval(), func(now time.Time) { c.ai.Update(c.world(now)) })
	c.sched.Schedule(c.cfg.ThreatInterval(), func(now time.Time) {
		w := c.world(now)
		c.ai.RespondToThreats(w)
		c.ai.Execute(w)
	})
	if c.cfg.DecayRatePerS > 0 {
		c.sched.Schedule(time.Second, func(time.Time) { c.tm.Decay(1) })
	}
	c.sched.Schedule(time.Second, func(now time.Time) { c.disp.Sweep(now) })
	if limit := c.cfg.SessionTimeLimit(); limit > 0 {
		c.sched.After(limit, c.onTimeLimit)
	}

	c.logger.Printf("session %s started (%d territories, %d factions)", sess.ID, c.graph.Len(), len(c.factions))
	c.bus.Publish(events.Event{Kind: events.SessionStarted, Time: now, Session: &events.Session{SessionID: sess.ID}})
	sess.PhaseName = sess.Phase.String()
	return sess, nil
}

func (c *Core) world(now time.Time) strategy.World {
	states, _ := c.tm.Snapshot()
	return strategy.World{Now: now, Graph: c.graph, States: states}
}

// onAchieved opens the announcement window; the session ends when it closes.
func (c *Core) onAchieved(a victory.Achievement) {
	c.mu.Lock()
	if c.session.Phase != PhaseRunning {
		c.mu.Unlock()
		return
	}
	c.session.Phase = PhaseEnding
	c.session.Winner = a.Faction
	c.session.Condition = a.Name
	c.session.Reason = a.Reason
	id := c.session.ID
	c.mu.Unlock()

	c.logger.Printf("session %s: faction %d achieved %s (%s)", id, a.Faction, a.Name, a.Reason)
	c.sched.After(c.cfg.AnnouncementDelay(), func(time.Time) {
		c.endSession(a.Reason, a.Faction, a.Name)
	})
}

func (c *Core) onTimeLimit(now time.Time) {
	if c.phase() != PhaseRunning {
		return
	}
	if a, ok := c.eval.TimeLimit(now); ok {
		c.onAchieved(a)
		return
	}
	c.endSession("time_limit", faction.None, "")
}

// endSession stops timers and in-flight generation, freezes the final
// territorial state and closes the write window.
func (c *Core) endSession(reason string, winner faction.ID, condition string) (Session, error) {
	switch c.phase() {
	case PhaseIdle:
		return Session{}, manager.ErrNotInitialized
	case PhaseEnded:
		return Session{}, ErrSessionEnded
	}
	c.sched.CancelAll()
	c.disp.CancelAll()
	c.ai.Clear()
	final, _ := c.tm.Snapshot()
	c.tm.Shutdown()

	now := c.clock.Now()
	c.mu.Lock()
	c.session.Phase = PhaseEnded
	c.session.EndedAt = now
	if winner.Valid() {
		c.session.Winner = winner
		c.session.Condition = condition
	}
	c.session.Reason = reason
	c.final = final
	sess := c.session
	c.mu.Unlock()

	c.logger.Printf("session %s ended: %s winner=%d", sess.ID, reason, sess.Winner)
	c.bus.Publish(events.Event{Kind: events.SessionEnded, Time: now, Session: &events.Session{
		SessionID: sess.ID,
		Winner:    sess.Winner,
		Reason:    reason,
	}})
	sess.PhaseName = sess.Phase.String()
	return sess, nil
}
