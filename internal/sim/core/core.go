// Package core owns one territorial-control instance: the graph, the
// influence manager, the faction AI, the victory evaluator, procedural
// dispatch and the trust ledger. Every mutation runs on the loop goroutine.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"holdfast.gg/internal/adapters/assets"
	"holdfast.gg/internal/adapters/convoy"
	"holdfast.gg/internal/adapters/generation"
	"holdfast.gg/internal/adapters/spatial"
	"holdfast.gg/internal/sim/clock"
	"holdfast.gg/internal/sim/events"
	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/intake"
	"holdfast.gg/internal/sim/manager"
	"holdfast.gg/internal/sim/procedural"
	"holdfast.gg/internal/sim/strategy"
	"holdfast.gg/internal/sim/territory"
	"holdfast.gg/internal/sim/trust"
	"holdfast.gg/internal/sim/tuning"
	"holdfast.gg/internal/sim/victory"
)

var (
	ErrSessionEnded  = errors.New("session ended")
	ErrSessionActive = errors.New("session already running")
	ErrInternal      = errors.New("internal error")
)

const callbackBuffer = 256

type Options struct {
	Clock       clock.Clock
	Logger      *log.Logger
	Persistence manager.Persistence

	// Adapters. Nil selects the built-in implementation.
	Generator  procedural.Generator
	Assets     procedural.Assets
	Spatial    procedural.Spatial
	Economy    victory.ConvoyEconomy
	Engagement victory.Engagement

	// Seed drives the built-in spatial adapter.
	Seed int64
	// TickInterval is how often Run fires due timers (default 100ms).
	TickInterval time.Duration
	// GenerationLatency is the built-in generator's turnaround (default 2s).
	GenerationLatency time.Duration
}

// Optional adapter capabilities the core uses when present.
type (
	controlFollower interface {
		OnControlFlip(id territory.ID, dominant faction.ID)
	}
	controlSyncer interface {
		SyncControllers(states map[territory.ID]influence.State) int
	}
	activityToucher interface {
		Touch(f faction.ID)
	}
	resettable interface {
		Reset()
	}
)

type Stats struct {
	Session          Session           `json:"session"`
	CommandsAccepted uint64            `json:"commands_accepted"`
	Rejected         map[string]uint64 `json:"rejected"`
	PanicsTotal      uint64            `json:"panics_total"`
	CallbacksDropped uint64            `json:"callbacks_dropped"`
	PendingTimers    int               `json:"pending_timers"`
	Queue            intake.Stats      `json:"queue"`
	Manager          manager.Stats     `json:"manager"`
	Strategy         strategy.Stats    `json:"strategy"`
	Procedural       procedural.Stats  `json:"procedural"`
	Victory          VictoryStats      `json:"victory"`
	Trust            TrustStats        `json:"trust"`
}

type VictoryStats struct {
	Suppressed int `json:"suppressed"`
}

type TrustStats struct {
	Edges int `json:"edges"`
}

type Core struct {
	cfg    tuning.Tuning
	graph  *territory.Graph
	clock  clock.Clock
	sched  *clock.Scheduler
	bus    *events.Bus
	logger *log.Logger
	tick   time.Duration

	tm      *manager.Manager
	ai      *strategy.Manager
	eval    *victory.Evaluator
	disp    *procedural.Dispatcher
	ledger  *trust.Ledger
	queue   *intake.Queue
	economy victory.ConvoyEconomy
	engage  victory.Engagement

	factions  []faction.Config
	callbacks chan func()
	stop      chan struct{}
	stopOnce  sync.Once
	runCtx    context.Context

	mu      sync.RWMutex
	session Session
	final   map[territory.ID]influence.State

	accepted         atomic.Uint64
	panics           atomic.Uint64
	callbacksDropped atomic.Uint64
	rejectMu         sync.Mutex
	rejected         map[string]uint64
}

// New wires a core from validated tuning. No session is running until
// StartSession is submitted.
func New(t tuning.Tuning, opts Options) (*Core, error) {
	t.Normalize()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	g, err := territory.Build(t.Territories)
	if err != nil {
		return nil, err
	}
	conds, err := victory.ConditionsFromSpecs(t.VictoryConditions)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 100 * time.Millisecond
	}
	if opts.GenerationLatency <= 0 {
		opts.GenerationLatency = 2 * time.Second
	}

	c := &Core{
		cfg:       t,
		graph:     g,
		clock:     opts.Clock,
		sched:     clock.NewScheduler(opts.Clock),
		bus:       events.NewBus(opts.Logger),
		logger:    opts.Logger,
		tick:      opts.TickInterval,
		queue:     intake.NewQueue(t.IntakeCapacity),
		factions:  t.FactionConfigs(),
		callbacks: make(chan func(), callbackBuffer),
		stop:      make(chan struct{}),
		runCtx:    context.Background(),
		rejected:  map[string]uint64{},
	}
	c.tm = manager.New(g, c.bus, c.clock, opts.Persistence, c.logger)

	if opts.Assets == nil {
		opts.Assets = assets.NewRegistry()
	}
	if opts.Generator == nil {
		reg, ok := opts.Assets.(*assets.Registry)
		if !ok {
			reg = assets.NewRegistry()
		}
		opts.Generator = generation.NewLoopback(reg, opts.GenerationLatency, c.logger)
	}
	if opts.Spatial == nil {
		opts.Spatial = spatial.New(g, opts.Seed, t.Placement.ProtectedPoints)
	}
	if opts.Economy == nil {
		eco, err := convoy.NewEconomy(t.Routes)
		if err != nil {
			return nil, err
		}
		opts.Economy = eco
	}
	if opts.Engagement == nil {
		opts.Engagement = convoy.NewActivity(c.clock, time.Minute, 5)
	}
	c.economy = opts.Economy
	c.engage = opts.Engagement

	styles := map[faction.ID]string{}
	ids := make([]faction.ID, 0, len(c.factions))
	for _, f := range c.factions {
		styles[f.ID] = f.StyleOrDefault()
		ids = append(ids, f.ID)
	}
	c.disp = procedural.NewDispatcher(procedural.Config{
		Cooldown:                 t.AssetCooldown(),
		MaxConcurrent:            t.MaxConcurrentGenerations,
		CancelDeadline:           t.AdapterCancelDeadline(),
		GenerationTimeout:        t.GenerationTimeout(),
		StructuralMinValue:       t.StructuralMinValue,
		AssetPlacementMinValue:   t.AssetPlacementMinValue,
		MinDistanceFromProtected: t.Placement.MinDistanceFromProtected,
		MaxSightlineBlockagePct:  t.Placement.MaxSightlineBlockagePct,
	}, procedural.Options{
		Graph:     g,
		Generator: opts.Generator,
		Assets:    opts.Assets,
		Spatial:   opts.Spatial,
		Bus:       c.bus,
		Clock:     c.clock,
		Logger:    c.logger,
		Styles:    styles,
	})
	c.ledger = trust.NewLedger(c.clock, t.SameFactionBetrayalMul)
	c.ai = strategy.NewManager(c.tm, c.logger, strategy.FromConfigs(c.factions)...)
	c.eval = victory.NewEvaluator(victory.Config{
		Interval:      t.VictoryCheckInterval(),
		WarnThreshold: t.ThreatWarnThreshold,
		AntiCamping:   t.AntiCampingEnabled,
		MinEngagement: t.MinEngagement,
	}, ids, conds, victory.Options{
		Graph:      g,
		States:     c.tm,
		Economy:    c.economy,
		Engagement: c.engage,
		Bus:        c.bus,
		Logger:     c.logger,
		OnAchieved: c.onAchieved,
	})

	// Adapter callbacks arrive on foreign goroutines and are replayed on the loop.
	opts.Generator.Subscribe(func(comp procedural.Completion) {
		c.deliver(func() { c.disp.OnCompletion(comp) })
	})
	c.economy.SubscribeOutcome(func(o victory.Outcome) {
		c.deliver(func() { c.applyConvoyOutcome(o) })
	})

	c.bus.Subscribe("procedural", c.onControlFlip, events.TerritoryControlFlipped)
	c.bus.Subscribe("engagement", c.onInfluenceChanged, events.InfluenceChanged)
	return c, nil
}

func (c *Core) Graph() *territory.Graph    { return c.graph }
func (c *Core) Bus() *events.Bus           { return c.bus }
func (c *Core) Tuning() tuning.Tuning      { return c.cfg }
func (c *Core) Factions() []faction.Config { return append([]faction.Config(nil), c.factions...) }

func (c *Core) onControlFlip(ev events.Event) {
	if ev.Influence == nil {
		return
	}
	ch := *ev.Influence
	if f, ok := c.economy.(controlFollower); ok {
		f.OnControlFlip(ch.TerritoryID, ch.Dominant)
	}
	if err := c.disp.HandleChange(c.runCtx, ch); err != nil {
		switch {
		case errors.Is(err, procedural.ErrAssetCooldown), errors.Is(err, procedural.ErrCapacity):
		default:
			c.logger.Printf("territory %d: procedural dispatch: %v", ch.TerritoryID, err)
		}
	}
}

func (c *Core) onInfluenceChanged(ev events.Event) {
	if ev.Influence == nil || ev.Influence.Delta <= 0 || ev.Influence.Cause == "decay" {
		return
	}
	if t, ok := c.engage.(activityToucher); ok {
		t.Touch(ev.Influence.Faction)
	}
}

// deliver queues an adapter callback for the loop. A full buffer drops it;
// the generation timeout sweep recovers lost completions.
func (c *Core) deliver(fn func()) {
	select {
	case c.callbacks <- fn:
	default:
		c.callbacksDropped.Add(1)
		c.logger.Printf("adapter callback dropped: buffer full")
	}
}

// guard runs one unit of loop work; a panic ends only that unit.
func (c *Core) guard(what string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			c.logger.Printf("%s panic: %v", what, r)
			ok = false
		}
	}()
	fn()
	return true
}

func (c *Core) countReject(err error) {
	c.rejectMu.Lock()
	c.rejected[rejectReason(err)]++
	c.rejectMu.Unlock()
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, manager.ErrUnknownTerritory):
		return "unknown_territory"
	case errors.Is(err, manager.ErrInvalidFaction):
		return "invalid_faction"
	case errors.Is(err, manager.ErrInvalidDelta):
		return "invalid_delta"
	case errors.Is(err, manager.ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, ErrSessionEnded):
		return "session_ended"
	case errors.Is(err, ErrSessionActive):
		return "session_active"
	case errors.Is(err, intake.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, intake.ErrCoalesced):
		return "coalesced"
	case errors.Is(err, trust.ErrInvalidPlayer):
		return "invalid_player"
	case errors.Is(err, intake.ErrUnknown):
		return "unknown_command"
	default:
		return "other"
	}
}

func (c *Core) Stats() Stats {
	c.rejectMu.Lock()
	rej := make(map[string]uint64, len(c.rejected))
	for k, v := range c.rejected {
		rej[k] = v
	}
	c.rejectMu.Unlock()
	return Stats{
		Session:          c.Session(),
		CommandsAccepted: c.accepted.Load(),
		Rejected:         rej,
		PanicsTotal:      c.panics.Load() + c.bus.Panics(),
		CallbacksDropped: c.callbacksDropped.Load(),
		PendingTimers:    c.sched.Pending(),
		Queue:            c.queue.Stats(),
		Manager:          c.tm.Stats(),
		Strategy:         c.ai.Stats(),
		Procedural:       c.disp.Stats(),
		Victory:          VictoryStats{Suppressed: c.eval.Suppressed()},
		Trust:            TrustStats{Edges: len(c.ledger.Edges())},
	}
}

func (c *Core) String() string {
	s := c.Session()
	return fmt.Sprintf("core(session=%s phase=%s territories=%d factions=%d)", s.ID, s.Phase, c.graph.Len(), len(c.factions))
}
