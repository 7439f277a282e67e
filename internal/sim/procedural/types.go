package procedural

import (
	"context"
	"errors"
	"time"

	"holdfast.gg/internal/sim/faction"
	"holdfast.gg/internal/sim/territory"
)

var (
	ErrNoValidPlacement = errors.New("no valid placement")
	ErrAssetCooldown    = errors.New("asset cooldown")
	ErrCapacity         = errors.New("generation capacity reached")
	ErrAdapterTransient = errors.New("generation adapter transient failure")
	ErrAdapterFatal     = errors.New("generation adapter fatal failure")
	ErrDisabled         = errors.New("procedural dispatch disabled for territory")
)

type AssetKind uint8

const (
	KindNone AssetKind = iota
	KindCosmetic
	KindAssetPlacement
	KindStructural
)

func (k AssetKind) String() string {
	switch k {
	case KindCosmetic:
		return "COSMETIC"
	case KindAssetPlacement:
		return "ASSET_PLACEMENT"
	case KindStructural:
		return "STRUCTURAL"
	}
	return "NONE"
}

type State uint8

const (
	Pending State = iota
	Generating
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Generating:
		return "GENERATING"
	case Completed:
		return "COMPLETED"
	case Failed:
		return "FAILED"
	case Cancelled:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

func (s State) Terminal() bool { return s == Completed || s == Failed || s == Cancelled }

type Request struct {
	ID          string            `json:"request_id"`
	TerritoryID territory.ID      `json:"territory_id"`
	Faction     faction.ID        `json:"faction_id"`
	Kind        AssetKind         `json:"-"`
	KindName    string            `json:"asset_kind"`
	Style       string            `json:"style"`
	Placements  []territory.Point `json:"placements,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
	State       State             `json:"-"`
	StateName   string            `json:"state"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Reason      string            `json:"reason,omitempty"`
}

func (r Request) export() Request {
	r.KindName = r.Kind.String()
	r.StateName = r.State.String()
	r.Placements = append([]territory.Point(nil), r.Placements...)
	return r
}

type Modification struct {
	TerritoryID    territory.ID `json:"territory_id"`
	Controller     faction.ID   `json:"controlling_faction"`
	Kind           AssetKind    `json:"-"`
	KindName       string       `json:"kind"`
	Style          string       `json:"style"`
	PlacedAssetIDs []string     `json:"placed_asset_ids"`
	LastModified   time.Time    `json:"last_modified"`
}

// Completion is the generation adapter's callback. State is Generating while
// work is underway, then one terminal state.
type Completion struct {
	RequestID string
	State     State
	AssetIDs  []string
	Err       error
}

// Generator is the external generation adapter. Submit errors wrapping
// ErrAdapterFatal disable the territory; any other error is transient.
type Generator interface {
	Submit(ctx context.Context, req Request) (string, error)
	Cancel(requestID string) error
	Subscribe(sink func(Completion))
}

// Assets destroys placed assets; both calls must be idempotent.
type Assets interface {
	Destroy(assetID string) error
	BulkDestroy(assetIDs []string) error
}

type Spatial interface {
	Candidates(id territory.ID, kind AssetKind) []territory.Point
	Validate(p territory.Point, kind AssetKind) bool
	ProtectedPoints() []territory.Point
}

// SightlineEstimator is optionally implemented by a Spatial adapter.
type SightlineEstimator interface {
	SightlineBlockagePct(id territory.ID, p territory.Point) float64
}
