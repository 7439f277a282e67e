package procedural

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"holdfast.gg/internal/sim/clock"
	"holdfast.gg/internal/sim/events"
	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/territory"
)

type Config struct {
	Cooldown                 time.Duration
	MaxConcurrent            int
	CancelDeadline           time.Duration
	GenerationTimeout        time.Duration
	StructuralMinValue       int
	AssetPlacementMinValue   int
	MinDistanceFromProtected float64
	MaxSightlineBlockagePct  float64
}

func (c *Config) normalize() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.CancelDeadline <= 0 {
		c.CancelDeadline = 5 * time.Second
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = time.Minute
	}
	if c.StructuralMinValue <= 0 {
		c.StructuralMinValue = 7
	}
	if c.AssetPlacementMinValue <= 0 {
		c.AssetPlacementMinValue = 4
	}
	if c.MaxSightlineBlockagePct <= 0 {
		c.MaxSightlineBlockagePct = 100
	}
}

type Stats struct {
	Submitted       uint64
	Completed       uint64
	Failed          uint64
	Cancelled       uint64
	RefusedCooldown uint64
	RefusedCapacity uint64
	NoPlacement     uint64
	InFlight        int
}

type Options struct {
	Graph     *territory.Graph
	Generator Generator
	Assets    Assets
	Spatial   Spatial
	Bus       *events.Bus
	Clock     clock.Clock
	Logger    *log.Logger
	// Styles maps a controlling faction to its visual style.
	Styles map[faction.ID]string
}

// Dispatcher turns control flips into generation requests and owns the
// request table and the per-territory modification index.
type Dispatcher struct {
	cfg    Config
	graph  *territory.Graph
	gen    Generator
	assets Assets
	space  Spatial
	bus    *events.Bus
	clock  clock.Clock
	logger *log.Logger
	styles map[faction.ID]string

	mu           sync.RWMutex
	requests     map[string]*Request
	active       map[territory.ID]string
	mods         map[territory.ID]*Modification
	lastActivity map[territory.ID]time.Time
	disabled     map[territory.ID]bool
	cancelBy     map[string]time.Time

	submitted       atomic.Uint64
	completed       atomic.Uint64
	failed          atomic.Uint64
	cancelled       atomic.Uint64
	refusedCooldown atomic.Uint64
	refusedCapacity atomic.Uint64
	noPlacement     atomic.Uint64
}

func NewDispatcher(cfg Config, opts Options) *Dispatcher {
	cfg.normalize()
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	d := &Dispatcher{
		cfg:    cfg,
		graph:  opts.Graph,
		gen:    opts.Generator,
		assets: opts.Assets,
		space:  opts.Spatial,
		bus:    opts.Bus,
		clock:  opts.Clock,
		logger: opts.Logger,
		styles: opts.Styles,
	}
	d.resetLocked()
	return d
}

func (d *Dispatcher) resetLocked() {
	d.requests = map[string]*Request{}
	d.active = map[territory.ID]string{}
	d.mods = map[territory.ID]*Modification{}
	d.lastActivity = map[territory.ID]time.Time{}
	d.disabled = map[territory.ID]bool{}
	d.cancelBy = map[string]time.Time{}
}

// Reset starts a new session: tables are cleared and disabled territories
// are re-enabled. In-flight requests are cancelled first.
func (d *Dispatcher) Reset() {
	d.CancelAll()
	d.mu.Lock()
	d.resetLocked()
	d.mu.Unlock()
}

// KindFor maps a strategic value to a modification kind.
func (d *Dispatcher) KindFor(strategicValue int) AssetKind {
	switch {
	case strategicValue >= d.cfg.StructuralMinValue:
		return KindStructural
	case strategicValue >= d.cfg.AssetPlacementMinValue:
		return KindAssetPlacement
	default:
		return KindCosmetic
	}
}

func (d *Dispatcher) style(f faction.ID) string {
	if s, ok := d.styles[f]; ok && s != "" {
		return s
	}
	return fmt.Sprintf("faction-%d", f)
}

func (d *Dispatcher) inFlightLocked() int {
	n := 0
	for _, r := range d.requests {
		if !r.State.Terminal() {
			n++
		}
	}
	return n
}

// HandleChange reacts to an influence change; only control flips matter.
func (d *Dispatcher) HandleChange(ctx context.Context, c influence.Change) error {
	if !c.ControlFlipped {
		return nil
	}
	now := d.clock.Now()
	var out []events.Event
	err := d.handleFlip(ctx, c, now, &out)
	for _, ev := range out {
		d.bus.Publish(ev)
	}
	return err
}

func (d *Dispatcher) handleFlip(ctx context.Context, c influence.Change, now time.Time, out *[]events.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := c.TerritoryID
	if reqID, ok := d.active[id]; ok {
		delete(d.active, id)
		if ev := d.cancelLocked(reqID, now, "superseded"); ev != nil {
			*out = append(*out, *ev)
		}
	}
	if c.Dominant == faction.None {
		d.clearModLocked(id)
		return nil
	}

	t, ok := d.graph.Lookup(id)
	if !ok {
		return fmt.Errorf("procedural: unknown territory %d", id)
	}
	kind := d.KindFor(t.StrategicValue)
	gen := &events.Generation{TerritoryID: id, Faction: c.Dominant, AssetKind: kind.String(), Style: d.style(c.Dominant)}
	refuse := func(err error, reason string) error {
		gen.Failed = true
		gen.Reason = reason
		*out = append(*out, events.Event{Kind: events.GenerationRequested, Time: now, Generation: gen})
		return err
	}

	if d.disabled[id] {
		return refuse(ErrDisabled, "Disabled")
	}
	if last, ok := d.lastActivity[id]; ok && now.Sub(last) < d.cfg.Cooldown {
		d.refusedCooldown.Add(1)
		return refuse(ErrAssetCooldown, "Cooldown")
	}
	if d.inFlightLocked() >= d.cfg.MaxConcurrent {
		d.refusedCapacity.Add(1)
		return refuse(ErrCapacity, "Capacity")
	}
	points := d.placementsLocked(id, kind)
	if len(points) == 0 {
		d.noPlacement.Add(1)
		d.clearModLocked(id)
		return refuse(ErrNoValidPlacement, "NoValidPlacement")
	}
	if d.gen == nil {
		return refuse(ErrAdapterFatal, "NoGenerator")
	}

	req := &Request{
		TerritoryID: id,
		Faction:     c.Dominant,
		Kind:        kind,
		Style:       gen.Style,
		Placements:  points,
		SubmittedAt: now,
		UpdatedAt:   now,
		State:       Pending,
	}
	reqID, err := d.gen.Submit(ctx, req.export())
	if err != nil {
		d.failed.Add(1)
		if errors.Is(err, ErrAdapterFatal) {
			d.disabled[id] = true
			d.logger.Printf("territory %d: generation disabled: %v", id, err)
			return refuse(fmt.Errorf("%w: %v", ErrAdapterFatal, err), "AdapterFatal")
		}
		d.logger.Printf("territory %d: generation submit failed: %v", id, err)
		return refuse(fmt.Errorf("%w: %v", ErrAdapterTransient, err), "AdapterTransient")
	}
	req.ID = reqID
	d.requests[reqID] = req
	d.active[id] = reqID
	d.lastActivity[id] = now
	d.submitted.Add(1)

	gen.RequestID = reqID
	gen.State = Pending.String()
	*out = append(*out, events.Event{Kind: events.GenerationRequested, Time: now, Generation: gen})
	return nil
}

// placementsLocked filters spatial candidates through validation, distance
// from protected points and the optional sightline estimate.
func (d *Dispatcher) placementsLocked(id territory.ID, kind AssetKind) []territory.Point {
	if d.space == nil {
		return nil
	}
	protected := d.space.ProtectedPoints()
	est, _ := d.space.(SightlineEstimator)
	var out []territory.Point
	for _, p := range d.space.Candidates(id, kind) {
		if !d.space.Validate(p, kind) {
			continue
		}
		near := false
		for _, q := range protected {
			if p.Dist(q) < d.cfg.MinDistanceFromProtected {
				near = true
				break
			}
		}
		if near {
			continue
		}
		if est != nil && est.SightlineBlockagePct(id, p) > d.cfg.MaxSightlineBlockagePct {
			continue
		}
		out = append(out, p)
	}
	return out
}

// cancelLocked returns the terminal event when the adapter accepted the
// cancellation; otherwise the request waits for its cancel deadline.
func (d *Dispatcher) cancelLocked(reqID string, now time.Time, reason string) *events.Event {
	r, ok := d.requests[reqID]
	if !ok {
		return nil
	}
	if d.active[r.TerritoryID] == reqID {
		delete(d.active, r.TerritoryID)
	}
	if r.State.Terminal() {
		return nil
	}
	if d.gen != nil {
		if err := d.gen.Cancel(reqID); err != nil {
			d.logger.Printf("cancel %s: %v (failing after %s)", reqID, err, d.cfg.CancelDeadline)
			d.cancelBy[reqID] = now.Add(d.cfg.CancelDeadline)
			r.Reason = reason
			return nil
		}
	}
	r.State = Cancelled
	r.UpdatedAt = now
	r.Reason = reason
	d.cancelled.Add(1)
	return d.completionEvent(r, nil, now)
}

func (d *Dispatcher) clearModLocked(id territory.ID) {
	m, ok := d.mods[id]
	if !ok {
		return
	}
	delete(d.mods, id)
	d.destroyLocked(m.PlacedAssetIDs)
}

func (d *Dispatcher) destroyLocked(ids []string) {
	if len(ids) == 0 || d.assets == nil {
		return
	}
	if err := d.assets.BulkDestroy(ids); err != nil {
		d.logger.Printf("destroy %d assets: %v", len(ids), err)
	}
}

// OnCompletion applies a generation adapter callback.
func (d *Dispatcher) OnCompletion(c Completion) {
	now := d.clock.Now()
	var ev *events.Event

	d.mu.Lock()
	r, ok := d.requests[c.RequestID]
	switch {
	case !ok:
		d.logger.Printf("completion for unknown request %s", c.RequestID)
		d.destroyLocked(c.AssetIDs)
	case r.State.Terminal():
		// Late result for a cancelled or timed out request.
		d.destroyLocked(c.AssetIDs)
	case isCancelling(d.cancelBy, r.ID):
		if !c.State.Terminal() {
			break
		}
		r.State = Cancelled
		r.UpdatedAt = now
		delete(d.cancelBy, r.ID)
		d.cancelled.Add(1)
		d.destroyLocked(c.AssetIDs)
		ev = d.completionEvent(r, nil, now)
	case c.State == Generating:
		r.State = Generating
		r.UpdatedAt = now
	case c.State == Completed:
		r.State = Completed
		r.UpdatedAt = now
		delete(d.cancelBy, r.ID)
		if d.active[r.TerritoryID] == r.ID {
			delete(d.active, r.TerritoryID)
		}
		if old, ok := d.mods[r.TerritoryID]; ok {
			d.destroyLocked(old.PlacedAssetIDs)
		}
		d.mods[r.TerritoryID] = &Modification{
			TerritoryID:    r.TerritoryID,
			Controller:     r.Faction,
			Kind:           r.Kind,
			Style:          r.Style,
			PlacedAssetIDs: append([]string(nil), c.AssetIDs...),
			LastModified:   now,
		}
		d.lastActivity[r.TerritoryID] = now
		d.completed.Add(1)
		ev = d.completionEvent(r, c.AssetIDs, now)
	default:
		r.State = Failed
		if c.State == Cancelled {
			r.State = Cancelled
			d.cancelled.Add(1)
		} else {
			d.failed.Add(1)
		}
		r.UpdatedAt = now
		if c.Err != nil {
			r.Reason = c.Err.Error()
		}
		if r.State == Failed && errors.Is(c.Err, ErrAdapterFatal) {
			d.disabled[r.TerritoryID] = true
			d.logger.Printf("territory %d: generation disabled: %v", r.TerritoryID, c.Err)
		}
		delete(d.cancelBy, r.ID)
		if d.active[r.TerritoryID] == r.ID {
			delete(d.active, r.TerritoryID)
		}
		d.destroyLocked(c.AssetIDs)
		ev = d.completionEvent(r, nil, now)
	}
	d.mu.Unlock()

	if ev != nil {
		d.bus.Publish(*ev)
	}
}

func isCancelling(m map[string]time.Time, id string) bool {
	_, ok := m[id]
	return ok
}

func (d *Dispatcher) completionEvent(r *Request, assets []string, now time.Time) *events.Event {
	return &events.Event{
		Kind: events.GenerationCompleted,
		Time: now,
		Generation: &events.Generation{
			RequestID:   r.ID,
			TerritoryID: r.TerritoryID,
			Faction:     r.Faction,
			AssetKind:   r.Kind.String(),
			Style:       r.Style,
			State:       r.State.String(),
			Failed:      r.State != Completed,
			Reason:      r.Reason,
			AssetIDs:    append([]string(nil), assets...),
		},
	}
}

// Sweep fails requests whose cancellation deadline passed or that exceeded
// the generation timeout.
func (d *Dispatcher) Sweep(now time.Time) int {
	var out []events.Event
	d.mu.Lock()
	for id, r := range d.requests {
		if r.State.Terminal() {
			continue
		}
		reason := ""
		if by, ok := d.cancelBy[id]; ok && !now.Before(by) {
			reason = "CancelDeadline"
		} else if now.Sub(r.SubmittedAt) >= d.cfg.GenerationTimeout {
			reason = "AdapterTransient"
			if d.gen != nil {
				_ = d.gen.Cancel(id)
			}
		}
		if reason == "" {
			continue
		}
		r.State = Failed
		r.Reason = reason
		r.UpdatedAt = now
		delete(d.cancelBy, id)
		if d.active[r.TerritoryID] == id {
			delete(d.active, r.TerritoryID)
		}
		d.failed.Add(1)
		out = append(out, *d.completionEvent(r, nil, now))
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Generation.RequestID < out[j].Generation.RequestID })
	for _, ev := range out {
		d.bus.Publish(ev)
	}
	return len(out)
}

// CancelAll cancels every in-flight request, used at session end.
func (d *Dispatcher) CancelAll() {
	now := d.clock.Now()
	var out []events.Event
	d.mu.Lock()
	for id, r := range d.requests {
		if r.State.Terminal() {
			continue
		}
		if ev := d.cancelLocked(id, now, "session_end"); ev != nil {
			out = append(out, *ev)
		}
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Generation.RequestID < out[j].Generation.RequestID })
	for _, ev := range out {
		d.bus.Publish(ev)
	}
}

// ActiveRequests returns Pending and Generating requests ordered by submission.
func (d *Dispatcher) ActiveRequests() []Request {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Request
	for _, r := range d.requests {
		if !r.State.Terminal() {
			out = append(out, r.export())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *Dispatcher) Request(id string) (Request, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.requests[id]
	if !ok {
		return Request{}, false
	}
	return r.export(), true
}

func (d *Dispatcher) Modification(id territory.ID) (Modification, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.mods[id]
	if !ok {
		return Modification{}, false
	}
	out := *m
	out.KindName = m.Kind.String()
	out.PlacedAssetIDs = append([]string(nil), m.PlacedAssetIDs...)
	return out, true
}

func (d *Dispatcher) Disabled(id territory.ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.disabled[id]
}

func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	inflight := d.inFlightLocked()
	d.mu.RUnlock()
	return Stats{
		Submitted:       d.submitted.Load(),
		Completed:       d.completed.Load(),
		Failed:          d.failed.Load(),
		Cancelled:       d.cancelled.Load(),
		RefusedCooldown: d.refusedCooldown.Load(),
		RefusedCapacity: d.refusedCapacity.Load(),
		NoPlacement:     d.noPlacement.Load(),
		InFlight:        inflight,
	}
}
