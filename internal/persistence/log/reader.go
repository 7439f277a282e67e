package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/territory"
)

var ErrNoSession = errors.New("session not found in change log")

// ListFiles returns the change-log files in dir in chronological order.
func ListFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, Prefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	var out []Entry
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

func ReadDir(dir string) ([]Entry, error) {
	files, err := ListFiles(dir)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, p := range files {
		es, err := ReadFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, es...)
	}
	return out, nil
}

// Sessions lists session ids in the order they started.
func Sessions(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		if e.Type == EntrySessionStarted {
			out = append(out, e.SessionID)
		}
	}
	return out
}

type ReplayResult struct {
	SessionID string
	Applied   int
	Digest    string
	// Want is the digest recorded at session end; empty if the session never ended.
	Want string
}

func (r ReplayResult) OK() bool { return r.Want == "" || r.Want == r.Digest }

// Replay rebuilds a session's influence state from its seeds and recorded
// changes. An empty sessionID selects the last session.
func Replay(g *territory.Graph, threshold uint8, entries []Entry, sessionID string) (ReplayResult, error) {
	if sessionID == "" {
		ids := Sessions(entries)
		if len(ids) == 0 {
			return ReplayResult{}, ErrNoSession
		}
		sessionID = ids[len(ids)-1]
	}
	res := ReplayResult{SessionID: sessionID}
	store := influence.NewStore(g, threshold)
	started := false
	var changes []influence.Change
	for _, e := range entries {
		if e.SessionID != sessionID {
			continue
		}
		switch e.Type {
		case EntrySessionStarted:
			started = true
			for _, st := range e.Seeds {
				if err := store.Seed(st); err != nil {
					return res, err
				}
			}
			if e.Digest != "" && store.Digest() != e.Digest {
				return res, fmt.Errorf("seed digest mismatch: got=%s want=%s", store.Digest(), e.Digest)
			}
		case EntryChange:
			if e.Change != nil {
				changes = append(changes, *e.Change)
			}
		case EntrySessionEnded:
			res.Want = e.Digest
		}
	}
	if !started {
		return res, fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	n, err := influence.Replay(store, changes)
	res.Applied = n
	res.Digest = store.Digest()
	return res, err
}
