package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"holdfast.gg/internal/sim/events"
	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/territory"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.session.Store("")
	s.ch <- req{kind: reqChange}

	_ = s.AppendChange(influence.Change{Seq: 2})
	_ = s.AppendChange(influence.Change{Seq: 3})

	st := s.Stats()
	if st.DropChangeTotal != 2 {
		t.Fatalf("DropChangeTotal=%d want=2", st.DropChangeTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

type fixedSource struct {
	states []influence.State
	digest string
}

func (f fixedSource) Territories() ([]influence.State, error) { return f.states, nil }
func (f fixedSource) Digest() string                          { return f.digest }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSQLiteIndex_IndexesSessionAndChanges(t *testing.T) {
	ctx := context.Background()
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"), Options{CarryOver: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = idx.Close() }()

	final := influence.State{TerritoryID: 10, Revision: 3}
	final.Influence[1] = 42
	final.Influence[2] = 7
	src := fixedSource{states: []influence.State{final}, digest: "d0"}

	bus := events.NewBus(nil)
	idx.Record(bus, src)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus.Publish(events.Event{Kind: events.SessionStarted, Time: now, Session: &events.Session{SessionID: "s1"}})
	for i := 1; i <= 3; i++ {
		_ = idx.AppendChange(influence.Change{
			Seq:         uint64(i),
			TerritoryID: territory.ID(10 + i%2),
			Kind:        territory.KindDistrict,
			Faction:     1,
			Delta:       5,
			Cause:       "test",
			NewValue:    uint8(5 * i),
			Dominant:    1,
			Revision:    uint64(i),
			Timestamp:   now.Add(time.Duration(i) * time.Second),
		})
	}
	bus.Publish(events.Event{Kind: events.SessionEnded, Time: now.Add(time.Minute), Session: &events.Session{SessionID: "s1", Winner: 1, Reason: "time_limit"}})

	var rows []ChangeRow
	waitFor(t, "changes", func() bool {
		rows, err = idx.RecentChanges(ctx, 10)
		return err == nil && len(rows) == 3
	})
	if rows[0].Seq != 3 || rows[0].SessionID != "s1" || rows[0].Kind != "DISTRICT" {
		t.Fatalf("latest row=%+v", rows[0])
	}
	hist, err := idx.TerritoryHistory(ctx, 11, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[0].Seq != 3 || hist[1].Seq != 1 {
		t.Fatalf("history=%+v", hist)
	}

	var sess SessionRow
	waitFor(t, "session end", func() bool {
		sess, err = idx.Session(ctx, "s1")
		return err == nil && sess.EndedAt != ""
	})
	if sess.Winner != 1 || sess.Reason != "time_limit" || sess.StartDigest != "d0" || sess.EndDigest != "d0" {
		t.Fatalf("session=%+v", sess)
	}

	var seeds []influence.State
	waitFor(t, "carried seeds", func() bool {
		seeds, err = idx.LoadInitialStates(ctx)
		return err == nil && len(seeds) == 1
	})
	if seeds[0].TerritoryID != 10 || seeds[0].Influence[1] != 42 || seeds[0].Influence[2] != 7 {
		t.Fatalf("seeds=%+v", seeds[0])
	}

	if err := idx.ClearInitialStates(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if seeds, err := idx.LoadInitialStates(ctx); err != nil || len(seeds) != 0 {
		t.Fatalf("after clear seeds=%v err=%v", seeds, err)
	}
	if st := idx.Stats(); st.DropChangeTotal != 0 || st.WriteErrorTotal != 0 || st.WrittenTotal < 6 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestSQLiteIndex_SaveInitialStatesReplaces(t *testing.T) {
	ctx := context.Background()
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = idx.Close() }()

	a := influence.State{TerritoryID: 1}
	a.Influence[3] = 9
	b := influence.State{TerritoryID: 2}
	b.Influence[1] = 1
	if err := idx.SaveInitialStates(ctx, []influence.State{a, b}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := idx.SaveInitialStates(ctx, []influence.State{b}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := idx.LoadInitialStates(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0].TerritoryID != 2 || got[0].Influence[1] != 1 {
		t.Fatalf("got=%+v", got)
	}
}
