package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"holdfast.gg/internal/persistence/indexdb"
	"holdfast.gg/internal/sim/territory"
)

// dbCmd queries the sqlite index: sessions, session, changes, history, seeds.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/index/holdfast.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	sessionID := fs.String("session", "", "session id (session)")
	territoryID := fs.Uint("territory", 0, "territory id (history)")
	_ = fs.Parse(args)

	q := "sessions"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "holdfast.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}

	idx, err := indexdb.OpenSQLite(path, indexdb.Options{QueueSize: 1})
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out any
	switch q {
	case "sessions":
		out, err = idx.Sessions(ctx)
	case "session":
		if strings.TrimSpace(*sessionID) == "" {
			fmt.Fprintln(os.Stderr, "missing -session")
			os.Exit(2)
		}
		out, err = idx.Session(ctx, *sessionID)
	case "changes":
		out, err = idx.RecentChanges(ctx, *limit)
	case "history":
		if *territoryID == 0 {
			fmt.Fprintln(os.Stderr, "missing -territory")
			os.Exit(2)
		}
		out, err = idx.TerritoryHistory(ctx, territory.ID(*territoryID), *limit)
	case "seeds":
		out, err = idx.LoadInitialStates(ctx)
	case "clear-seeds":
		err = idx.ClearInitialStates(ctx)
		out = map[string]bool{"ok": err == nil}
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, q+":", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}
