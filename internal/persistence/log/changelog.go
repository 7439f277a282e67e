// Package log is the append-only territorial change log: every accepted
// influence change plus session boundaries, as zstd-compressed JSON lines.
package log

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"holdfast.gg/internal/sim/events"
	"holdfast.gg/internal/sim/influence"
)

const Prefix = "changes"

type EntryType string

const (
	EntrySessionStarted EntryType = "SESSION_STARTED"
	EntryChange         EntryType = "CHANGE"
	EntrySessionEnded   EntryType = "SESSION_ENDED"
)

type Entry struct {
	Type      EntryType         `json:"type"`
	At        time.Time         `json:"at"`
	SessionID string            `json:"session_id,omitempty"`
	Change    *influence.Change `json:"change,omitempty"`
	// Seeds holds the post-initialisation state of every territory.
	Seeds  []influence.State `json:"seeds,omitempty"`
	Digest string            `json:"digest,omitempty"`
	Winner uint8             `json:"winner,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

// ChangeLog satisfies the manager's persistence contract as a write-only
// audit log; it never supplies initial states. Appends only enqueue, so the
// caller never waits on the file.
type ChangeLog struct {
	w       *Writer
	session atomic.Value
}

// Dir is where a ChangeLog rooted at dataDir writes its files.
func Dir(dataDir string) string { return filepath.Join(dataDir, "changes") }

func NewChangeLog(dataDir string) *ChangeLog {
	l := &ChangeLog{w: NewWriter(Dir(dataDir), Prefix, 0)}
	l.session.Store("")
	return l
}

// LoadInitialStates always returns nothing; seeds come from tuning.
func (l *ChangeLog) LoadInitialStates(context.Context) ([]influence.State, error) { return nil, nil }

// AppendChange queues c. It fails only with ErrQueueFull.
func (l *ChangeLog) AppendChange(c influence.Change) error {
	cc := c
	return l.w.Append(Entry{Type: EntryChange, At: c.Timestamp, SessionID: l.session.Load().(string), Change: &cc})
}

// Close flushes queued entries.
func (l *ChangeLog) Close() error { return l.w.Close() }

func (l *ChangeLog) Stats() WriterStats { return l.w.Stats() }

// StateSource is what the recorder reads at session boundaries.
type StateSource interface {
	Territories() ([]influence.State, error)
	Digest() string
}

// Record subscribes the log to session boundaries on bus. The returned
// handle unsubscribes it.
func (l *ChangeLog) Record(bus *events.Bus, src StateSource) events.Handle {
	return bus.Subscribe("changelog", func(ev events.Event) {
		if ev.Session == nil {
			return
		}
		e := Entry{At: ev.Time, SessionID: ev.Session.SessionID}
		switch ev.Kind {
		case events.SessionStarted:
			l.session.Store(ev.Session.SessionID)
			e.Type = EntrySessionStarted
			e.Seeds, _ = src.Territories()
			e.Digest = src.Digest()
		case events.SessionEnded:
			e.Type = EntrySessionEnded
			e.Digest = src.Digest()
			e.Winner = uint8(ev.Session.Winner)
			e.Reason = ev.Session.Reason
		default:
			return
		}
		_ = l.w.Append(e)
	}, events.SessionStarted, events.SessionEnded)
}
