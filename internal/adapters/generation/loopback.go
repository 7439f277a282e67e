// Package generation holds the built-in generation adapter. It fulfils
// requests locally after a fixed latency by placing one asset per placement.
package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"holdfast.gg/internal/adapters/assets"
	"holdfast.gg/internal/sim/procedural"
)

var ErrNotCancellable = errors.New("generation job already finished")

type job struct {
	req   procedural.Request
	timer *time.Timer
}

type Loopback struct {
	registry *assets.Registry
	latency  time.Duration
	logger   *log.Logger

	mu    sync.Mutex
	sinks []func(procedural.Completion)
	jobs  map[string]*job
}

func NewLoopback(registry *assets.Registry, latency time.Duration, logger *log.Logger) *Loopback {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if registry == nil {
		registry = assets.NewRegistry()
	}
	return &Loopback{
		registry: registry,
		latency:  latency,
		logger:   logger,
		jobs:     map[string]*job{},
	}
}

func (l *Loopback) Subscribe(sink func(procedural.Completion)) {
	if sink == nil {
		return
	}
	l.mu.Lock()
	l.sinks = append(l.sinks, sink)
	l.mu.Unlock()
}

func (l *Loopback) emit(c procedural.Completion) {
	l.mu.Lock()
	sinks := append(([]func(procedural.Completion))(nil), l.sinks...)
	l.mu.Unlock()
	for _, s := range sinks {
		s(c)
	}
}

// Submit schedules the job. The request id is the dispatcher's when set.
func (l *Loopback) Submit(ctx context.Context, req procedural.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", procedural.ErrAdapterTransient, err)
	}
	if len(req.Placements) == 0 {
		return "", fmt.Errorf("%w: request has no placements", procedural.ErrAdapterFatal)
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	j := &job{req: req}
	l.mu.Lock()
	l.jobs[id] = j
	j.timer = time.AfterFunc(l.latency, func() { l.finish(id) })
	l.mu.Unlock()
	return id, nil
}

func (l *Loopback) finish(id string) {
	l.mu.Lock()
	j, ok := l.jobs[id]
	delete(l.jobs, id)
	l.mu.Unlock()
	if !ok {
		return
	}
	l.emit(procedural.Completion{RequestID: id, State: procedural.Generating})
	ids := make([]string, 0, len(j.req.Placements))
	for _, p := range j.req.Placements {
		ids = append(ids, l.registry.Create(j.req.TerritoryID, j.req.Style, p))
	}
	l.emit(procedural.Completion{RequestID: id, State: procedural.Completed, AssetIDs: ids})
}

// Cancel stops a job that has not fired yet.
func (l *Loopback) Cancel(requestID string) error {
	l.mu.Lock()
	j, ok := l.jobs[requestID]
	if ok && j.timer.Stop() {
		delete(l.jobs, requestID)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return fmt.Errorf("%w: %s", ErrNotCancellable, requestID)
}

// Pending is the number of scheduled jobs.
func (l *Loopback) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.jobs)
}
