package media

import (
	"fmt"
	"sync"
)

// PortRange describes one allocatable port span. Min should be even;
// ports are handed out in even pairs (RTP port, implicit RTCP port+1).
type PortRange struct {
	Min int
	Max int
}

// PortManagerConfig carries the per-kind port ranges.
type PortManagerConfig struct {
	Audio PortRange
	Video PortRange
	Text  PortRange
	MSRP  PortRange
}

// DefaultPortManagerConfig returns the default port layout.
func DefaultPortManagerConfig() PortManagerConfig {
	return PortManagerConfig{
		Audio: PortRange{Min: 20000, Max: 24999},
		Video: PortRange{Min: 25000, Max: 29999},
		Text:  PortRange{Min: 30000, Max: 34999},
		MSRP:  PortRange{Min: 35000, Max: 39999},
	}
}

// PortManager hands out local media ports per media kind. Each recording
// leg owns its port until the leg is torn down and releases it.
type PortManager struct {
	mu    sync.Mutex
	pools map[Kind]*pool
}

type pool struct {
	rng       PortRange
	available map[int]bool
	allocated map[int]bool
}

func newPool(rng PortRange) *pool {
	// Ensure an even lower bound so RTP/RTCP pairing holds.
	if rng.Min%2 != 0 {
		rng.Min++
	}
	available := make(map[int]bool)
	for port := rng.Min; port < rng.Max; port += 2 {
		available[port] = true
	}
	return &pool{
		rng:       rng,
		available: available,
		allocated: make(map[int]bool),
	}
}

// NewPortManager creates a port manager with the given ranges.
func NewPortManager(cfg PortManagerConfig) *PortManager {
	return &PortManager{
		pools: map[Kind]*pool{
			KindAudio:   newPool(cfg.Audio),
			KindVideo:   newPool(cfg.Video),
			KindText:    newPool(cfg.Text),
			KindMessage: newPool(cfg.MSRP),
		},
	}
}

// Next allocates the next free port for a media kind.
func (m *PortManager) Next(kind Kind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[kind]
	if !ok {
		return 0, fmt.Errorf("no port pool for media kind %q", kind)
	}
	for port := range p.available {
		delete(p.available, port)
		p.allocated[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("no ports available for %s (range %d-%d)", kind, p.rng.Min, p.rng.Max)
}

// Release returns a port to its pool. Releasing an unallocated port is a
// no-op.
func (m *PortManager) Release(kind Kind, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[kind]
	if !ok {
		return
	}
	if _, allocated := p.allocated[port]; allocated {
		delete(p.allocated, port)
		p.available[port] = true
	}
}

// Allocated returns the number of allocated ports for a kind.
func (m *PortManager) Allocated(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[kind]; ok {
		return len(p.allocated)
	}
	return 0
}

// AllocatedTotal returns the number of allocated ports across all kinds.
func (m *PortManager) AllocatedTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, p := range m.pools {
		total += len(p.allocated)
	}
	return total
}
