// Package snapshot writes the final territorial state of each session to a
// zstd-compressed file: one JSON header line followed by a gob body.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"holdfast.gg/internal/sim/events"
	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/procedural"
	"holdfast.gg/internal/sim/territory"
	"holdfast.gg/internal/sim/trust"
)

const (
	Version = 1
	suffix  = ".snap.zst"
)

var ErrNotFound = errors.New("snapshot not found")

type Header struct {
	Version   int       `json:"version"`
	SessionID string    `json:"session_id"`
	EndedAt   time.Time `json:"ended_at"`
	Digest    string    `json:"digest"`
}

type SessionV1 struct {
	Header Header `json:"header"`

	Winner faction.ID `json:"winner,omitempty"`
	Reason string     `json:"reason,omitempty"`

	Territories   []influence.State         `json:"territories"`
	Trust         []trust.EdgeRow           `json:"trust,omitempty"`
	Modifications []procedural.Modification `json:"modifications,omitempty"`
}

// Source is read when a session ends.
type Source interface {
	Territories() ([]influence.State, error)
	Digest() string
	TrustEdges() []trust.EdgeRow
	Modification(id territory.ID) (procedural.Modification, bool)
}

// Capture builds a snapshot of src for the session that just ended.
func Capture(src Source, s events.Session, endedAt time.Time) (SessionV1, error) {
	states, err := src.Territories()
	if err != nil {
		return SessionV1{}, err
	}
	snap := SessionV1{
		Header: Header{
			Version:   Version,
			SessionID: s.SessionID,
			EndedAt:   endedAt.UTC(),
			Digest:    src.Digest(),
		},
		Winner:      s.Winner,
		Reason:      s.Reason,
		Territories: states,
		Trust:       src.TrustEdges(),
	}
	for _, st := range states {
		if m, ok := src.Modification(st.TerritoryID); ok {
			snap.Modifications = append(snap.Modifications, m)
		}
	}
	return snap, nil
}

// FileName sorts by end time.
func FileName(h Header) string {
	return h.EndedAt.UTC().Format("20060102T150405Z") + "-" + h.SessionID + suffix
}

// Record writes a snapshot into dir whenever a session ends. Writes happen
// off the publishing goroutine.
func Record(bus *events.Bus, src Source, dir string, logger *log.Logger) events.Handle {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return bus.Subscribe("snapshot", func(ev events.Event) {
		if ev.Session == nil {
			return
		}
		snap, err := Capture(src, *ev.Session, ev.Time)
		if err != nil {
			logger.Printf("snapshot capture: %v", err)
			return
		}
		go func() {
			path := filepath.Join(dir, FileName(snap.Header))
			if err := Write(path, snap); err != nil {
				logger.Printf("snapshot write: %v", err)
				return
			}
			logger.Printf("snapshot session=%s territories=%d -> %s", snap.Header.SessionID, len(snap.Territories), filepath.Base(path))
		}()
	}, events.SessionEnded)
}

func Write(path string, snap SessionV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func Read(path string) (SessionV1, error) {
	var snap SessionV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, err
	}
	err = json.Unmarshal(line, &h)
	return h, err
}

// List returns snapshot paths in dir, oldest first.
func List(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// Find returns the snapshot for sessionID, or the latest when sessionID is empty.
func Find(dir, sessionID string) (string, error) {
	paths, err := List(dir)
	if err != nil {
		return "", err
	}
	for i := len(paths) - 1; i >= 0; i-- {
		if sessionID == "" || strings.HasSuffix(paths[i], "-"+sessionID+suffix) {
			return paths[i], nil
		}
	}
	return "", ErrNotFound
}
