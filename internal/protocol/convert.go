package protocol

import (
	"errors"
	"fmt"

	"holdfast.gg/internal/sim/core"
	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/influence"
	"holdfast.gg/internal/sim/intake"
	"holdfast.gg/internal/sim/territory"
	"holdfast.gg/internal/sim/trust"
	"holdfast.gg/internal/sim/victory"
)

var ErrBadCommand = errors.New("bad command")

// ToCommand converts a decoded COMMAND into a core command.
func (m CommandMsg) ToCommand() (intake.Command, error) {
	kind, ok := intake.ParseKind(m.Kind)
	if !ok {
		return intake.Command{}, fmt.Errorf("%w: %q", intake.ErrUnknown, m.Kind)
	}
	cmd := intake.Command{
		Kind:        kind,
		TerritoryID: territory.ID(m.TerritoryID),
		Faction:     faction.ID(m.FactionID),
		Delta:       m.Delta,
		Cause:       m.Cause,
		Impact:      m.Impact,
		PlayerA:     trust.PlayerID(m.PlayerA),
		PlayerB:     trust.PlayerID(m.PlayerB),
		Amount:      m.Amount,
	}
	if m.TerritoryKind != "" {
		tk, ok := territory.ParseKind(m.TerritoryKind)
		if !ok {
			return intake.Command{}, fmt.Errorf("%w: territory kind %q", ErrBadCommand, m.TerritoryKind)
		}
		cmd.TerritoryKind = tk
	}
	switch kind {
	case intake.UpdateInfluence:
		if cmd.Cause == "" {
			cmd.Cause = "external"
		}
	case intake.ConvoyOutcome:
		if m.RouteID == "" {
			return intake.Command{}, fmt.Errorf("%w: convoy outcome without route_id", ErrBadCommand)
		}
		cmd.Outcome = victory.Outcome{RouteID: m.RouteID, JobKind: m.JobKind, Success: m.Success}
	}
	return cmd, nil
}

// FactionRefs lists factions for WELCOME.
func FactionRefs(cfgs []faction.Config) []FactionRef {
	out := make([]FactionRef, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, FactionRef{ID: uint8(c.ID), Name: c.Name, Variant: string(c.Variant), Color: c.Color})
	}
	return out
}

// AckFor fills ack from a core reply.
func AckFor(ack AckMsg, v any, err error) AckMsg {
	if err != nil {
		ack.Accepted = false
		ack.Code = CodeFor(err)
		ack.Message = err.Error()
		return ack
	}
	ack.Accepted = true
	switch r := v.(type) {
	case influence.Change:
		ack.Seq = r.Seq
		ack.Revision = r.Revision
	case []influence.Change:
		if n := len(r); n > 0 {
			ack.Seq = r[n-1].Seq
			ack.Revision = r[n-1].Revision
		}
	case core.Session:
		ack.SessionID = r.ID
	}
	return ack
}
