package coordinator

import (
	"sync"

	"github.com/dgnsrekt/tabvolume/internal/types"
)

// VolumeRegistry records the last volume requested for each tab. It is
// what new relays and the control surface read; the applied gain lives in
// the relay and the engine and may briefly disagree.
type VolumeRegistry struct {
	mu      sync.RWMutex
	volumes map[int]float64
}

// NewVolumeRegistry returns an empty registry.
func NewVolumeRegistry() *VolumeRegistry {
	return &VolumeRegistry{volumes: make(map[int]float64)}
}

// Get returns the recorded volume, or types.DefaultVolume.
func (v *VolumeRegistry) Get(tabID int) float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if vol, ok := v.volumes[tabID]; ok {
		return vol
	}
	return types.DefaultVolume
}

// Set records volume for tabID.
func (v *VolumeRegistry) Set(tabID int, volume float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.volumes[tabID] = volume
}

// Evict forgets tabID.
func (v *VolumeRegistry) Evict(tabID int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.volumes, tabID)
}

// All returns a copy of every recorded volume.
func (v *VolumeRegistry) All() map[int]float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[int]float64, len(v.volumes))
	for id, vol := range v.volumes {
		out[id] = vol
	}
	return out
}
