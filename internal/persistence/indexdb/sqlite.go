// Package indexdb is a queryable SQLite index over the change log. Writes
// are asynchronous and dropped when the writer falls behind; the zstd change
// log stays the source of truth.
package indexdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"holdfast.gg/internal/sim/events"
	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/territory"
)

const defaultQueue = 65536

type Options struct {
	// QueueSize bounds buffered writes; zero means 65536.
	QueueSize int
	// CarryOver stores each session's final state as the next session's seeds.
	CarryOver bool
}

type SQLiteIndex struct {
	db   *sqlx.DB
	opts Options

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	session atomic.Value

	dropChangeTotal  atomic.Uint64
	dropSessionTotal atomic.Uint64
	dropSeedsTotal   atomic.Uint64
	writeErrorTotal  atomic.Uint64
	writtenTotal     atomic.Uint64
}

type reqKind int

const (
	reqChange reqKind = iota + 1
	reqSessionStart
	reqSessionEnd
	reqSeeds
)

type req struct {
	kind reqKind

	change  ChangeRow
	session SessionRow
	seeds   []influence.State
}

type ChangeRow struct {
	SessionID   string `db:"session_id" json:"session_id"`
	Seq         uint64 `db:"seq" json:"seq"`
	TerritoryID uint32 `db:"territory_id" json:"territory_id"`
	Kind        string `db:"kind" json:"kind"`
	Faction     uint8  `db:"faction" json:"faction_id"`
	Delta       int    `db:"delta" json:"delta"`
	Cause       string `db:"cause" json:"cause"`
	NewValue    uint8  `db:"new_value" json:"new_value"`
	Dominant    uint8  `db:"dominant" json:"dominant"`
	Contested   bool   `db:"contested" json:"contested"`
	Revision    uint64 `db:"revision" json:"revision"`
	TS          string `db:"ts" json:"ts"`
	RawJSON     string `db:"raw_json" json:"-"`
}

type SessionRow struct {
	SessionID   string `db:"session_id" json:"session_id"`
	StartedAt   string `db:"started_at" json:"started_at"`
	EndedAt     string `db:"ended_at" json:"ended_at,omitempty"`
	Winner      uint8  `db:"winner" json:"winner"`
	Reason      string `db:"reason" json:"reason,omitempty"`
	StartDigest string `db:"start_digest" json:"start_digest"`
	EndDigest   string `db:"end_digest" json:"end_digest,omitempty"`
}

type seedRow struct {
	TerritoryID uint32 `db:"territory_id"`
	Influence   string `db:"influence_json"`
	Revision    uint64 `db:"revision"`
	UpdatedAt   string `db:"updated_at"`
}

func OpenSQLite(path string, opts Options) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueue
	}
	s := &SQLiteIndex{db: db, opts: opts, ch: make(chan req, opts.QueueSize)}
	s.session.Store("")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL DEFAULT '',
			winner INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			start_digest TEXT NOT NULL DEFAULT '',
			end_digest TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS changes (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			territory_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			faction INTEGER NOT NULL,
			delta INTEGER NOT NULL,
			cause TEXT NOT NULL,
			new_value INTEGER NOT NULL,
			dominant INTEGER NOT NULL,
			contested INTEGER NOT NULL,
			revision INTEGER NOT NULL,
			ts TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_changes_territory ON changes(territory_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_changes_faction ON changes(faction, seq);`,
		`CREATE TABLE IF NOT EXISTS initial_states (
			territory_id INTEGER PRIMARY KEY,
			influence_json TEXT NOT NULL,
			revision INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains queued writes and closes the database.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

// AppendChange queues c for indexing. It never blocks and never fails; a full
// queue is counted in Stats.
func (s *SQLiteIndex) AppendChange(c influence.Change) error {
	raw, _ := json.Marshal(c)
	s.enqueue(req{kind: reqChange, change: ChangeRow{
		SessionID:   s.session.Load().(string),
		Seq:         c.Seq,
		TerritoryID: uint32(c.TerritoryID),
		Kind:        c.Kind.String(),
		Faction:     uint8(c.Faction),
		Delta:       int(c.Delta),
		Cause:       c.Cause,
		NewValue:    c.NewValue,
		Dominant:    uint8(c.Dominant),
		Contested:   c.Contested,
		Revision:    c.Revision,
		TS:          c.Timestamp.UTC().Format(time.RFC3339Nano),
		RawJSON:     string(raw),
	}}, &s.dropChangeTotal)
	return nil
}

// StateSource supplies territorial state at session boundaries.
type StateSource interface {
	Territories() ([]influence.State, error)
	Digest() string
}

// Record indexes session boundaries published on bus.
func (s *SQLiteIndex) Record(bus *events.Bus, src StateSource) events.Handle {
	return bus.Subscribe("indexdb", func(ev events.Event) {
		if ev.Session == nil {
			return
		}
		at := ev.Time.UTC().Format(time.RFC3339Nano)
		switch ev.Kind {
		case events.SessionStarted:
			s.session.Store(ev.Session.SessionID)
			s.enqueue(req{kind: reqSessionStart, session: SessionRow{
				SessionID:   ev.Session.SessionID,
				StartedAt:   at,
				StartDigest: src.Digest(),
			}}, &s.dropSessionTotal)
		case events.SessionEnded:
			s.enqueue(req{kind: reqSessionEnd, session: SessionRow{
				SessionID: ev.Session.SessionID,
				EndedAt:   at,
				Winner:    uint8(ev.Session.Winner),
				Reason:    ev.Session.Reason,
				EndDigest: src.Digest(),
			}}, &s.dropSessionTotal)
			if s.opts.CarryOver {
				if states, err := src.Territories(); err == nil {
					s.enqueue(req{kind: reqSeeds, seeds: states}, &s.dropSeedsTotal)
				}
			}
		}
	}, events.SessionStarted, events.SessionEnded)
}

// LoadInitialStates returns the carried-over seeds, if any.
func (s *SQLiteIndex) LoadInitialStates(ctx context.Context) ([]influence.State, error) {
	var rows []seedRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT territory_id, influence_json, revision, updated_at FROM initial_states ORDER BY territory_id`); err != nil {
		return nil, err
	}
	out := make([]influence.State, 0, len(rows))
	for _, r := range rows {
		st := influence.State{TerritoryID: territory.ID(r.TerritoryID), Revision: r.Revision}
		var m map[faction.ID]uint8
		if err := json.Unmarshal([]byte(r.Influence), &m); err != nil {
			return nil, fmt.Errorf("initial state %d: %w", r.TerritoryID, err)
		}
		for f, v := range m {
			if f.Valid() {
				st.Influence[f] = v
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, r.UpdatedAt); err == nil {
			st.UpdatedAt = t
		}
		out = append(out, st)
	}
	return out, nil
}

// SaveInitialStates replaces the stored seeds synchronously.
func (s *SQLiteIndex) SaveInitialStates(ctx context.Context, states []influence.State) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := writeSeeds(tx, states); err != nil {
		return err
	}
	return tx.Commit()
}

// ClearInitialStates drops carried-over seeds so the next session starts from tuning.
func (s *SQLiteIndex) ClearInitialStates(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM initial_states`)
	return err
}

func writeSeeds(tx *sqlx.Tx, states []influence.State) error {
	if _, err := tx.Exec(`DELETE FROM initial_states`); err != nil {
		return err
	}
	for _, st := range states {
		b, err := json.Marshal(st.Map())
		if err != nil {
			return err
		}
		at := st.UpdatedAt.UTC().Format(time.RFC3339Nano)
		if _, err := tx.Exec(`INSERT INTO initial_states(territory_id,influence_json,revision,updated_at) VALUES(?,?,?,?)`,
			uint32(st.TerritoryID), string(b), st.Revision, at); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) loop() {
	var (
		tx            *sqlx.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.Beginx()
		if err != nil {
			s.writeErrorTotal.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrorTotal.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	fail := func() {
		s.writeErrorTotal.Add(1)
		if tx != nil {
			_ = tx.Rollback()
			tx = nil
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		var err error
		switch r.kind {
		case reqChange:
			_, err = tx.NamedExec(`INSERT OR REPLACE INTO changes
				(session_id,seq,territory_id,kind,faction,delta,cause,new_value,dominant,contested,revision,ts,raw_json)
				VALUES(:session_id,:seq,:territory_id,:kind,:faction,:delta,:cause,:new_value,:dominant,:contested,:revision,:ts,:raw_json)`, r.change)
		case reqSessionStart:
			_, err = tx.NamedExec(`INSERT OR REPLACE INTO sessions(session_id,started_at,start_digest)
				VALUES(:session_id,:started_at,:start_digest)`, r.session)
		case reqSessionEnd:
			_, err = tx.NamedExec(`UPDATE sessions SET ended_at=:ended_at, winner=:winner, reason=:reason, end_digest=:end_digest
				WHERE session_id=:session_id`, r.session)
		case reqSeeds:
			err = writeSeeds(tx, r.seeds)
		}
		if err != nil {
			fail()
			continue
		}
		s.writtenTotal.Add(1)
		opCount++
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}
	commit()
}

func (s *SQLiteIndex) RecentChanges(ctx context.Context, limit int) ([]ChangeRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []ChangeRow
	err := s.db.SelectContext(ctx, &rows, `SELECT session_id,seq,territory_id,kind,faction,delta,cause,new_value,dominant,contested,revision,ts,raw_json
		FROM changes ORDER BY rowid DESC LIMIT ?`, limit)
	return rows, err
}

func (s *SQLiteIndex) TerritoryHistory(ctx context.Context, id territory.ID, limit int) ([]ChangeRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []ChangeRow
	err := s.db.SelectContext(ctx, &rows, `SELECT session_id,seq,territory_id,kind,faction,delta,cause,new_value,dominant,contested,revision,ts,raw_json
		FROM changes WHERE territory_id = ? ORDER BY rowid DESC LIMIT ?`, uint32(id), limit)
	return rows, err
}

func (s *SQLiteIndex) Sessions(ctx context.Context) ([]SessionRow, error) {
	var rows []SessionRow
	err := s.db.SelectContext(ctx, &rows, `SELECT session_id,started_at,ended_at,winner,reason,start_digest,end_digest
		FROM sessions ORDER BY rowid`)
	return rows, err
}

func (s *SQLiteIndex) Session(ctx context.Context, id string) (SessionRow, error) {
	var row SessionRow
	err := s.db.GetContext(ctx, &row, `SELECT session_id,started_at,ended_at,winner,reason,start_digest,end_digest
		FROM sessions WHERE session_id = ?`, id)
	return row, err
}

type Stats struct {
	QueueDepth       int    `json:"queue_depth"`
	QueueCapacity    int    `json:"queue_capacity"`
	WrittenTotal     uint64 `json:"written_total"`
	WriteErrorTotal  uint64 `json:"write_error_total"`
	DropChangeTotal  uint64 `json:"drop_change_total"`
	DropSessionTotal uint64 `json:"drop_session_total"`
	DropSeedsTotal   uint64 `json:"drop_seeds_total"`
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:       len(s.ch),
		QueueCapacity:    cap(s.ch),
		WrittenTotal:     s.writtenTotal.Load(),
		WriteErrorTotal:  s.writeErrorTotal.Load(),
		DropChangeTotal:  s.dropChangeTotal.Load(),
		DropSessionTotal: s.dropSessionTotal.Load(),
		DropSeedsTotal:   s.dropSeedsTotal.Load(),
	}
}
