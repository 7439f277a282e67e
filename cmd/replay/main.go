package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	persistlog "holdfast.gg/internal/persistence/log"
	"holdfast.gg/internal/persistence/snapshot"
	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/territory"
	"holdfast.gg/internal/sim/tuning"
)

func main() {
	var (
		dataDir    = flag.String("data", "./data", "runtime data directory")
		changesDir = flag.String("changes", "", "directory containing changes-*.jsonl.zst (default: <data>/changes)")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		sessionID  = flag.String("session", "", "session id to verify (default: last session)")
		all        = flag.Bool("all", false, "verify every session in the log")
		list       = flag.Bool("list", false, "list sessions and exit")
		checkSnap  = flag.Bool("check_snapshot", false, "also compare against the session's end snapshot in <data>/snapshots")
	)
	flag.Parse()

	dir := strings.TrimSpace(*changesDir)
	if dir == "" {
		dir = persistlog.Dir(*dataDir)
	}
	entries, err := persistlog.ReadDir(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read change log:", err)
		os.Exit(1)
	}
	sessions := persistlog.Sessions(entries)
	if *list {
		for _, id := range sessions {
			fmt.Println(id)
		}
		return
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load tuning:", err)
		os.Exit(1)
	}
	g, err := territory.Build(tune.Territories)
	if err != nil {
		fmt.Fprintln(os.Stderr, "territory graph:", err)
		os.Exit(1)
	}

	targets := []string{strings.TrimSpace(*sessionID)}
	if *all {
		targets = sessions
	}
	failed := 0
	for _, id := range targets {
		res, err := persistlog.Replay(g, tune.ContestThreshold, entries, id)
		var mm *influence.ReplayMismatch
		switch {
		case errors.As(err, &mm):
			fmt.Printf("session=%s applied=%d MISMATCH seq=%d revision got=%d want=%d\n", res.SessionID, res.Applied, mm.Seq, mm.GotRevision, mm.WantRevision)
			failed++
			continue
		case err != nil:
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
		switch {
		case res.Want == "":
			fmt.Printf("session=%s applied=%d digest=%s (session did not end; nothing to compare)\n", res.SessionID, res.Applied, res.Digest)
		case res.OK():
			fmt.Printf("session=%s applied=%d digest=%s OK\n", res.SessionID, res.Applied, res.Digest)
		default:
			fmt.Printf("session=%s applied=%d DIGEST MISMATCH got=%s want=%s\n", res.SessionID, res.Applied, res.Digest, res.Want)
			failed++
		}
		if *checkSnap && !snapshotMatches(filepath.Join(*dataDir, "snapshots"), res) {
			failed++
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func snapshotMatches(dir string, res persistlog.ReplayResult) bool {
	path, err := snapshot.Find(dir, res.SessionID)
	if err != nil {
		fmt.Printf("session=%s snapshot: %v\n", res.SessionID, err)
		return false
	}
	h, err := snapshot.ReadHeader(path)
	if err != nil {
		fmt.Printf("session=%s snapshot header: %v\n", res.SessionID, err)
		return false
	}
	if h.Digest != res.Digest {
		fmt.Printf("session=%s SNAPSHOT MISMATCH got=%s want=%s (%s)\n", res.SessionID, res.Digest, h.Digest, filepath.Base(path))
		return false
	}
	fmt.Printf("session=%s snapshot %s OK\n", res.SessionID, filepath.Base(path))
	return true
}
