package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	persistlog "holdfast.gg/internal/persistence/log"
	"holdfast.gg/internal/persistence/snapshot"
	"holdfast.gg/internal/protocol"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "command":
			commandCmd(os.Args[2:])
			return
		case "schema":
			schemaCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints the change log files and the sessions they hold.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	sessions := fs.Bool("sessions", false, "decode files and list session ids")
	_ = fs.Parse(args)

	dir := persistlog.Dir(*dataDir)
	files, err := persistlog.ListFiles(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, f := range files {
		fmt.Println(filepath.Base(f))
	}
	if !*sessions {
		return
	}
	entries, err := persistlog.ReadDir(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "decode:", err)
		os.Exit(1)
	}
	for _, id := range persistlog.Sessions(entries) {
		fmt.Println("session", id)
	}
}

func schemaCmd(args []string) {
	fs := flag.NewFlagSet("schema", flag.ExitOnError)
	source := fs.Bool("source", false, "print the embedded validation schema instead of the reflected one")
	_ = fs.Parse(args)

	name := "command"
	if fs.NArg() > 0 {
		name = strings.ToLower(strings.TrimSpace(fs.Arg(0)))
	}
	if *source {
		raw, err := protocol.SchemaSource(name + ".schema.json")
		if err != nil {
			fmt.Fprintln(os.Stderr, "schema:", err)
			os.Exit(1)
		}
		fmt.Println(string(raw))
		return
	}

	var v any
	switch name {
	case "command":
		v = protocol.ReflectCommandSchema()
	case "event":
		v = protocol.ReflectEventSchema()
	default:
		fmt.Fprintln(os.Stderr, "unknown schema:", name)
		os.Exit(2)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// snapshotCmd prints a session's end snapshot as JSON.
func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	sessionID := fs.String("session", "", "session id (default: latest)")
	headerOnly := fs.Bool("header", false, "print only the header")
	_ = fs.Parse(args)

	path, err := snapshot.Find(filepath.Join(*dataDir, "snapshots"), strings.TrimSpace(*sessionID))
	if err != nil {
		fmt.Fprintln(os.Stderr, "find:", err)
		os.Exit(1)
	}
	var v any
	if *headerOnly {
		v, err = snapshot.ReadHeader(path)
	} else {
		v, err = snapshot.Read(path)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
