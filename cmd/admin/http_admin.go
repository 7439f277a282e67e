package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"holdfast.gg/internal/protocol"
)

func adminRequest(method, url, key string, body io.Reader) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key = strings.TrimSpace(key); key != "" {
		req.Header.Set("X-Admin-Key", key)
	}
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	key := fs.String("key", os.Getenv("HF_ADMIN_KEY"), "admin api key")
	_ = fs.Parse(args)

	adminRequest(http.MethodGet, strings.TrimRight(strings.TrimSpace(*baseURL), "/")+"/admin/v1/state", *key, nil)
}

// commandCmd posts one COMMAND, e.g.
//
//	admin command -kind UPDATE_INFLUENCE -territory 10 -faction 1 -delta 5
func commandCmd(args []string) {
	fs := flag.NewFlagSet("command", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	key := fs.String("key", os.Getenv("HF_ADMIN_KEY"), "admin api key")
	kind := fs.String("kind", "", "command kind (START_SESSION, UPDATE_INFLUENCE, ...)")
	territoryID := fs.Uint("territory", 0, "territory id")
	territoryKind := fs.String("territory_kind", "", "territory kind filter")
	factionID := fs.Uint("faction", 0, "faction id")
	delta := fs.Int("delta", 0, "influence delta")
	cause := fs.String("cause", "admin", "change cause")
	impact := fs.Int("impact", 0, "objective impact")
	playerA := fs.String("a", "", "player a")
	playerB := fs.String("b", "", "player b")
	amount := fs.Float64("amount", 0, "trust amount")
	routeID := fs.String("route", "", "convoy route id")
	jobKind := fs.String("job", "", "convoy job kind")
	success := fs.Bool("success", false, "convoy outcome success")
	_ = fs.Parse(args)

	msg := protocol.CommandMsg{
		Type:            protocol.TypeCommand,
		ProtocolVersion: protocol.Version,
		CommandID:       "admin_" + uuid.NewString(),
		Kind:            strings.ToUpper(strings.TrimSpace(*kind)),
		TerritoryID:     uint32(*territoryID),
		TerritoryKind:   strings.ToUpper(strings.TrimSpace(*territoryKind)),
		FactionID:       uint8(*factionID),
		Delta:           *delta,
		Cause:           *cause,
		Impact:          *impact,
		PlayerA:         *playerA,
		PlayerB:         *playerB,
		Amount:          *amount,
		RouteID:         *routeID,
		JobKind:         *jobKind,
		Success:         *success,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode:", err)
		os.Exit(1)
	}
	if err := protocol.ValidateCommand(raw); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	adminRequest(http.MethodPost, strings.TrimRight(strings.TrimSpace(*baseURL), "/")+"/admin/v1/commands", *key, bytes.NewReader(raw))
}
