package core

import (
	"context"
	"fmt"

	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/intake"
	"holdfast.gg/internal/sim/manager"
	"holdfast.gg/internal/sim/objective"
	"holdfast.gg/internal/sim/strategy"
	"holdfast.gg/internal/sim/trust"
	"holdfast.gg/internal/sim/victory"
)

// Submit validates a command and enqueues it for the loop. Stateless
// validation failures are returned here; the rest arrive on the item's Reply.
func (c *Core) Submit(cmd intake.Command) (*intake.Item, error) {
	if err := c.precheck(cmd); err != nil {
		c.countReject(err)
		return nil, err
	}
	it := intake.NewItem(cmd)
	if err := c.queue.Push(it); err != nil {
		c.countReject(err)
		return nil, err
	}
	return it, nil
}

// Exec submits a command and waits for the loop to apply it.
func (c *Core) Exec(ctx context.Context, cmd intake.Command) (any, error) {
	it, err := c.Submit(cmd)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-it.Reply:
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Core) precheck(cmd intake.Command) error {
	switch cmd.Kind {
	case intake.UpdateInfluence:
		if c.phase() == PhaseEnded {
			return ErrSessionEnded
		}
		return c.tm.Validate(cmd.TerritoryID, cmd.TerritoryKind, cmd.Faction, cmd.Delta)
	case intake.ObjectiveCompleted:
		if c.phase() == PhaseEnded {
			return ErrSessionEnded
		}
		if !cmd.Faction.Valid() {
			return fmt.Errorf("%w: %d", manager.ErrInvalidFaction, cmd.Faction)
		}
		if !c.graph.Has(cmd.TerritoryID) {
			return fmt.Errorf("%w: %d", manager.ErrUnknownTerritory, cmd.TerritoryID)
		}
	case intake.RecordCooperation, intake.RecordBetrayal, intake.RecordExtractionAssist:
		if cmd.PlayerA == "" || cmd.PlayerB == "" || cmd.PlayerA == cmd.PlayerB {
			return trust.ErrInvalidPlayer
		}
	case intake.AssignPlayer:
		if cmd.PlayerA == "" {
			return trust.ErrInvalidPlayer
		}
		if cmd.Faction != faction.None && !cmd.Faction.Valid() {
			return fmt.Errorf("%w: %d", manager.ErrInvalidFaction, cmd.Faction)
		}
	case intake.StartSession, intake.EndSession, intake.ConvoyOutcome:
	default:
		return fmt.Errorf("%w: %d", intake.ErrUnknown, cmd.Kind)
	}
	return nil
}

func (c *Core) handle(it *intake.Item) {
	var (
		v   any
		err error
	)
	ok := c.guard("command "+it.Cmd.Kind.String(), func() { v, err = c.apply(it.Cmd) })
	if !ok {
		err = ErrInternal
	}
	if err != nil {
		c.countReject(err)
	} else {
		c.accepted.Add(1)
	}
	it.Respond(v, err)
}

func (c *Core) apply(cmd intake.Command) (any, error) {
	switch cmd.Kind {
	case intake.UpdateInfluence:
		if err := c.writable(); err != nil {
			return nil, err
		}
		return c.tm.UpdateInfluence(cmd.TerritoryID, cmd.TerritoryKind, cmd.Faction, cmd.Delta, cmd.Cause)
	case intake.ObjectiveCompleted:
		return c.completeObjective(cmd)
	case intake.RecordCooperation:
		if err := c.writable(); err != nil {
			return nil, err
		}
		return c.ledger.RecordCooperation(cmd.PlayerA, cmd.PlayerB, cmd.TerritoryID, cmd.Amount)
	case intake.RecordBetrayal:
		if err := c.writable(); err != nil {
			return nil, err
		}
		return c.ledger.RecordBetrayal(cmd.PlayerA, cmd.PlayerB, cmd.TerritoryID, cmd.Amount)
	case intake.RecordExtractionAssist:
		if err := c.writable(); err != nil {
			return nil, err
		}
		return c.ledger.RecordExtractionAssist(cmd.PlayerA, cmd.PlayerB, cmd.TerritoryID, cmd.Amount)
	case intake.AssignPlayer:
		c.ledger.AssignPlayer(cmd.PlayerA, cmd.Faction)
		return nil, nil
	case intake.StartSession:
		return c.startSession()
	case intake.EndSession:
		return c.endSession("ended_by_command", faction.None, "")
	case intake.ConvoyOutcome:
		if err := c.writable(); err != nil {
			return nil, err
		}
		if r, ok := c.economy.(interface{ Report(victory.Outcome) error }); ok {
			// The economy fans the outcome back through SubscribeOutcome.
			return nil, r.Report(cmd.Outcome)
		}
		return c.applyConvoyOutcome(cmd.Outcome)
	}
	return nil, fmt.Errorf("%w: %d", intake.ErrUnknown, cmd.Kind)
}

// completeObjective resolves an objective into influence actions and warns
// the faction that lost ground.
func (c *Core) completeObjective(cmd intake.Command) ([]manager.Receipt, error) {
	if err := c.writable(); err != nil {
		return nil, err
	}
	st, err := c.tm.State(cmd.TerritoryID, cmd.TerritoryKind)
	if err != nil {
		return nil, err
	}
	out, err := objective.Resolve(c.graph, st, objective.Completed{
		TerritoryID: cmd.TerritoryID,
		Faction:     cmd.Faction,
		Impact:      cmd.Impact,
	})
	if err != nil {
		return nil, err
	}
	receipts, err := c.tm.ApplyAll(out.Actions)
	if err != nil {
		return receipts, err
	}
	if out.Victim.Valid() {
		c.ai.NotifyThreat(out.Victim, strategy.Threat{
			Target:      cmd.TerritoryID,
			Threatening: cmd.Faction,
			Level:       cmd.Impact,
			Kind:        strategy.HostileExpansion,
			DetectedAt:  c.clock.Now(),
		})
	}
	return receipts, nil
}

// applyConvoyOutcome grants convoy influence to a successful route's
// controller at the route's territory.
func (c *Core) applyConvoyOutcome(o victory.Outcome) (any, error) {
	if !o.Success || c.cfg.ConvoyInfluence == 0 || c.writable() != nil {
		return nil, nil
	}
	var route *victory.Route
	for _, r := range c.economy.Routes() {
		if r.ID == o.RouteID {
			rr := r
			route = &rr
			break
		}
	}
	if route == nil || route.TerritoryID == 0 {
		return nil, nil
	}
	controller := o.Controller
	if controller == faction.None {
		controller = route.Controller
	}
	if !controller.Valid() {
		return nil, nil
	}
	return c.tm.UpdateInfluence(route.TerritoryID, 0, controller, c.cfg.ConvoyInfluence, "convoy:"+route.ID)
}
