package influence

import (
	"fmt"
	"time"

	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/territory"
)

// Change is the append-only record of one accepted influence mutation.
type Change struct {
	Seq              uint64         `json:"seq"`
	TerritoryID      territory.ID   `json:"territory_id"`
	Kind             territory.Kind `json:"kind"`
	Faction          faction.ID     `json:"faction_id"`
	Delta            int16          `json:"delta"`
	Cause            string         `json:"cause"`
	NewValue         uint8          `json:"new_value"`
	PreviousDominant faction.ID     `json:"previous_dominant"`
	Dominant         faction.ID     `json:"dominant"`
	ControlFlipped   bool           `json:"control_flipped"`
	Contested        bool           `json:"contested"`
	ContestedFlipped bool           `json:"contested_flipped"`
	Revision         uint64         `json:"revision"`
	Timestamp        time.Time      `json:"timestamp"`
}

// NewChange builds the change record for an applied mutation.
func NewChange(seq uint64, m Mutation, cause string, r Result) Change {
	return Change{
		Seq:              seq,
		TerritoryID:      r.State.TerritoryID,
		Kind:             r.State.Kind,
		Faction:          m.Faction,
		Delta:            int16(m.Delta),
		Cause:            cause,
		NewValue:         r.State.Of(m.Faction),
		PreviousDominant: r.Previous.Dominant,
		Dominant:         r.State.Dominant,
		ControlFlipped:   r.ControlFlipped,
		Contested:        r.State.Contested,
		ContestedFlipped: r.ContestedFlipped,
		Revision:         r.State.Revision,
		Timestamp:        m.At,
	}
}

// Replay applies recorded changes in order to s and reports the first change
// whose resulting revision does not match the recording.
func Replay(s *Store, changes []Change) (int, error) {
	for i, c := range changes {
		r, err := s.Apply(Mutation{TerritoryID: c.TerritoryID, Faction: c.Faction, Delta: int(c.Delta), At: c.Timestamp})
		if err != nil {
			return i, err
		}
		if r.State.Revision != c.Revision || r.State.Of(c.Faction) != c.NewValue {
			return i, &ReplayMismatch{Seq: c.Seq, WantRevision: c.Revision, GotRevision: r.State.Revision}
		}
	}
	return len(changes), nil
}

type ReplayMismatch struct {
	Seq          uint64
	WantRevision uint64
	GotRevision  uint64
}

func (e *ReplayMismatch) Error() string {
	return fmt.Sprintf("replay mismatch at seq %d: revision %d != %d", e.Seq, e.GotRevision, e.WantRevision)
}
