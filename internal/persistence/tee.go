// Package persistence fans the territorial persistence contract out to
// several backends.
package persistence

import (
	"context"
	"errors"

	"holdfast.gg/internal/sim/influence"
)

type Backend interface {
	LoadInitialStates(ctx context.Context) ([]influence.State, error)
	AppendChange(c influence.Change) error
}

// Tee appends every change to all backends. Initial states are concatenated
// in backend order, so later backends override earlier ones.
type Tee []Backend

func (t Tee) LoadInitialStates(ctx context.Context) ([]influence.State, error) {
	var (
		out  []influence.State
		errs []error
	)
	for _, b := range t {
		states, err := b.LoadInitialStates(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, states...)
	}
	return out, errors.Join(errs...)
}

func (t Tee) AppendChange(c influence.Change) error {
	var errs []error
	for _, b := range t {
		if err := b.AppendChange(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
