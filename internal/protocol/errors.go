package protocol

import (
	"errors"

	"holdfast.gg/internal/sim/core"
	"holdfast.gg/internal/sim/intake"
	"holdfast.gg/internal/sim/manager"
	"holdfast.gg/internal/sim/procedural"
	"holdfast.gg/internal/sim/trust"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Command layer.
	ErrBadRequest       = "E_BAD_REQUEST"
	ErrUnknownCommand   = "E_UNKNOWN_COMMAND"
	ErrUnknownTerritory = "E_UNKNOWN_TERRITORY"
	ErrInvalidFaction   = "E_INVALID_FACTION"
	ErrInvalidDelta     = "E_INVALID_DELTA"
	ErrInvalidPlayer    = "E_INVALID_PLAYER"
	ErrNotInitialized   = "E_NOT_INITIALIZED"
	ErrSessionEnded     = "E_SESSION_ENDED"
	ErrQueueFull        = "E_QUEUE_FULL"
	ErrCoalesced        = "E_COALESCED"
	ErrCooldown         = "E_COOLDOWN"
	ErrCapacity         = "E_CAPACITY"
	ErrNoPermission     = "E_NO_PERMISSION"
	ErrRateLimit        = "E_RATE_LIMIT"
	ErrInternal         = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:  {},
	ErrProtoVersion:     {},
	ErrBadRequest:       {},
	ErrUnknownCommand:   {},
	ErrUnknownTerritory: {},
	ErrInvalidFaction:   {},
	ErrInvalidDelta:     {},
	ErrInvalidPlayer:    {},
	ErrNotInitialized:   {},
	ErrSessionEnded:     {},
	ErrQueueFull:        {},
	ErrCoalesced:        {},
	ErrCooldown:         {},
	ErrCapacity:         {},
	ErrNoPermission:     {},
	ErrRateLimit:        {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

var codeTable = []struct {
	err  error
	code string
}{
	{manager.ErrUnknownTerritory, ErrUnknownTerritory},
	{manager.ErrInvalidFaction, ErrInvalidFaction},
	{manager.ErrInvalidDelta, ErrInvalidDelta},
	{manager.ErrNotInitialized, ErrNotInitialized},
	{core.ErrSessionEnded, ErrSessionEnded},
	{intake.ErrQueueFull, ErrQueueFull},
	{intake.ErrCoalesced, ErrCoalesced},
	{intake.ErrUnknown, ErrUnknownCommand},
	{trust.ErrInvalidPlayer, ErrInvalidPlayer},
	{procedural.ErrAssetCooldown, ErrCooldown},
	{procedural.ErrCapacity, ErrCapacity},
	{ErrBadCommand, ErrBadRequest},
	{ErrSchema, ErrProtoBadRequest},
}

// CodeFor maps an error returned by the core to its wire code. Unrecognised
// errors are E_INTERNAL; nil is the empty code.
func CodeFor(err error) string {
	if err == nil {
		return ""
	}
	for _, e := range codeTable {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return ErrInternal
}
