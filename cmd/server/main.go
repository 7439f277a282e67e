package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"holdfast.gg/internal/persistence"
	"holdfast.gg/internal/persistence/indexdb"
	persistlog "holdfast.gg/internal/persistence/log"
	"holdfast.gg/internal/persistence/snapshot"
	"holdfast.gg/internal/sim/core"
	"holdfast.gg/internal/sim/intake"
	"holdfast.gg/internal/sim/tuning"
	"holdfast.gg/internal/transport/httpapi"
	"holdfast.gg/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index")
		carryOver  = flag.Bool("carry_over", false, "seed each session from the previous session's final state (requires the index)")
		seed       = flag.Int64("seed", 1337, "seed for the built-in placement adapter")
		adminKey   = flag.String("admin_key", "", "admin api key (or set HF_ADMIN_KEY); empty restricts admin to loopback")
		autoStart  = flag.Bool("auto_start", false, "start a session once the core is running")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}
	digest := tuningDigest(tp)

	_ = os.MkdirAll(*dataDir, 0o755)
	idx, err := openIndex(*dataDir, *disableDB, *carryOver)
	if err != nil {
		logger.Fatalf("open index: %v", err)
	}
	if idx != nil {
		defer idx.Close()
	} else if *carryOver {
		logger.Printf("carry_over ignored: index disabled")
	}
	changeLog := persistlog.NewChangeLog(*dataDir)
	defer changeLog.Close()

	backends := persistence.Tee{changeLog}
	if idx != nil {
		backends = append(backends, idx)
	}

	c, err := core.New(tune, core.Options{
		Logger:      log.New(os.Stdout, "[core] ", log.LstdFlags|log.Lmicroseconds),
		Persistence: backends,
		Seed:        *seed,
	})
	if err != nil {
		logger.Fatalf("core: %v", err)
	}
	changeLog.Record(c.Bus(), c)
	if idx != nil {
		idx.Record(c.Bus(), c)
	}
	snapshot.Record(c.Bus(), c, filepath.Join(*dataDir, "snapshots"), logger)

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := c.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("core stopped: %v", err)
		}
	}()
	if *autoStart {
		go startSession(ctx, c, logger)
	}

	wsSrv := ws.NewServer(c, ws.Options{
		CommandsPerSecond: float64(envInt("HF_WS_RATE", 20)),
		Burst:             envInt("HF_WS_BURST", 40),
		History:           envInt("HF_WS_HISTORY", 4096),
		TuningDigest:      digest,
	}, log.New(os.Stdout, "[ws] ", log.LstdFlags))

	key := strings.TrimSpace(*adminKey)
	if key == "" {
		key = strings.TrimSpace(os.Getenv("HF_ADMIN_KEY"))
	}
	enableAdmin := envBool("HF_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	if !enableAdmin {
		logger.Printf("admin endpoints disabled (HF_ENABLE_ADMIN_HTTP=false)")
	}
	api := httpapi.New(c, httpapi.Options{
		AdminKey:    key,
		EnableAdmin: enableAdmin,
		Metrics: []httpapi.MetricsFunc{
			func(w io.Writer) { writeWSMetrics(w, wsSrv.Stats()) },
			func(w io.Writer) { writeLogMetrics(w, changeLog) },
			func(w io.Writer) { writeIndexMetrics(w, idx) },
		},
	}, logger)

	r := api.Router()
	r.Get("/v1/ws", wsSrv.Handler())
	if envBool("HF_ENABLE_PPROF_HTTP", false) {
		r.Mount("/debug", middleware.Profiler())
	} else {
		logger.Printf("pprof endpoints disabled (HF_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s territories=%d factions=%d", *addr, c.Graph().Len(), len(c.Factions()))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func startSession(ctx context.Context, c *core.Core, logger *log.Logger) {
	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	v, err := c.Exec(ctx2, intake.Command{Kind: intake.StartSession})
	if err != nil {
		logger.Printf("auto start: %v", err)
		return
	}
	if s, ok := v.(core.Session); ok {
		logger.Printf("session %s started", s.ID)
	}
}

func tuningDigest(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func writeWSMetrics(w io.Writer, s ws.Stats) {
	fmt.Fprintf(w, "# HELP holdfast_ws_connections Connected websocket clients.\n")
	fmt.Fprintf(w, "# TYPE holdfast_ws_connections gauge\n")
	fmt.Fprintf(w, "holdfast_ws_connections %d\n", s.Connections)

	fmt.Fprintf(w, "# HELP holdfast_ws_frames_dropped_total Event frames dropped on slow clients.\n")
	fmt.Fprintf(w, "# TYPE holdfast_ws_frames_dropped_total counter\n")
	fmt.Fprintf(w, "holdfast_ws_frames_dropped_total %d\n", s.FramesDropped)

	fmt.Fprintf(w, "# HELP holdfast_ws_messages_total Inbound websocket messages, by outcome.\n")
	fmt.Fprintf(w, "# TYPE holdfast_ws_messages_total counter\n")
	fmt.Fprintf(w, "holdfast_ws_messages_total{outcome=%q} %d\n", "relayed", s.CommandsRelayed)
	fmt.Fprintf(w, "holdfast_ws_messages_total{outcome=%q} %d\n", "rate_limited", s.RateLimited)
	fmt.Fprintf(w, "holdfast_ws_messages_total{outcome=%q} %d\n", "bad", s.BadMessages)
}

func writeLogMetrics(w io.Writer, l *persistlog.ChangeLog) {
	s := l.Stats()
	fmt.Fprintf(w, "# HELP holdfast_changelog_entries_total Change log entries, by outcome.\n")
	fmt.Fprintf(w, "# TYPE holdfast_changelog_entries_total counter\n")
	fmt.Fprintf(w, "holdfast_changelog_entries_total{outcome=%q} %d\n", "written", s.Written)
	fmt.Fprintf(w, "holdfast_changelog_entries_total{outcome=%q} %d\n", "dropped", s.Dropped)
	fmt.Fprintf(w, "holdfast_changelog_entries_total{outcome=%q} %d\n", "failed", s.Failed)
	fmt.Fprintf(w, "# HELP holdfast_changelog_queue_depth Entries waiting for the change log writer.\n")
	fmt.Fprintf(w, "# TYPE holdfast_changelog_queue_depth gauge\n")
	fmt.Fprintf(w, "holdfast_changelog_queue_depth %d\n", s.Queued)
}

func writeIndexMetrics(w io.Writer, idx *indexdb.SQLiteIndex) {
	if idx == nil {
		return
	}
	s := idx.Stats()
	fmt.Fprintf(w, "# HELP holdfast_index_queue_depth Index writer queue depth.\n")
	fmt.Fprintf(w, "# TYPE holdfast_index_queue_depth gauge\n")
	fmt.Fprintf(w, "holdfast_index_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(w, "# HELP holdfast_index_queue_capacity Index writer queue capacity.\n")
	fmt.Fprintf(w, "# TYPE holdfast_index_queue_capacity gauge\n")
	fmt.Fprintf(w, "holdfast_index_queue_capacity %d\n", s.QueueCapacity)

	fmt.Fprintf(w, "# HELP holdfast_index_written_total Index rows written.\n")
	fmt.Fprintf(w, "# TYPE holdfast_index_written_total counter\n")
	fmt.Fprintf(w, "holdfast_index_written_total %d\n", s.WrittenTotal)

	fmt.Fprintf(w, "# HELP holdfast_index_write_errors_total Index write errors.\n")
	fmt.Fprintf(w, "# TYPE holdfast_index_write_errors_total counter\n")
	fmt.Fprintf(w, "holdfast_index_write_errors_total %d\n", s.WriteErrorTotal)

	fmt.Fprintf(w, "# HELP holdfast_index_dropped_total Index writes dropped on a full queue, by kind.\n")
	fmt.Fprintf(w, "# TYPE holdfast_index_dropped_total counter\n")
	fmt.Fprintf(w, "holdfast_index_dropped_total{kind=%q} %d\n", "change", s.DropChangeTotal)
	fmt.Fprintf(w, "holdfast_index_dropped_total{kind=%q} %d\n", "session", s.DropSessionTotal)
	fmt.Fprintf(w, "holdfast_index_dropped_total{kind=%q} %d\n", "seeds", s.DropSeedsTotal)
}
