// Package assets is an in-memory registry of placed world assets.
package assets

import (
	"fmt"
	"sync"
	"sync/atomic"

	"holdfast.gg/internal/sim/territory"
)

type Asset struct {
	ID          string          `json:"id"`
	TerritoryID territory.ID    `json:"territory_id"`
	Style       string          `json:"style"`
	Position    territory.Point `json:"position"`
}

type Registry struct {
	mu     sync.Mutex
	assets map[string]Asset
	seq    atomic.Uint64

	destroyed atomic.Uint64
}

func NewRegistry() *Registry {
	return &Registry{assets: map[string]Asset{}}
}

// Create places an asset and returns its id.
func (r *Registry) Create(id territory.ID, style string, p territory.Point) string {
	assetID := fmt.Sprintf("A%06d", r.seq.Add(1))
	r.mu.Lock()
	r.assets[assetID] = Asset{ID: assetID, TerritoryID: id, Style: style, Position: p}
	r.mu.Unlock()
	return assetID
}

// Destroy removes an asset. Unknown ids are ignored.
func (r *Registry) Destroy(assetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.assets[assetID]; ok {
		delete(r.assets, assetID)
		r.destroyed.Add(1)
	}
	return nil
}

func (r *Registry) BulkDestroy(assetIDs []string) error {
	for _, id := range assetIDs {
		if err := r.Destroy(id); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Get(assetID string) (Asset, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assets[assetID]
	return a, ok
}

// InTerritory lists the live asset ids placed in a territory.
func (r *Registry) InTerritory(id territory.ID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for aid, a := range r.assets {
		if a.TerritoryID == id {
			out = append(out, aid)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assets)
}

func (r *Registry) Destroyed() uint64 { return r.destroyed.Load() }
