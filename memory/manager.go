package memory

import (
	"fmt"
	"sync"
)

// BufferPool holds idle buffers of one capacity tier.
type BufferPool struct {
	buffers  [][]float64
	maxSize  int
	capacity int
}

// NewBufferPool creates a pool for buffers of the given element capacity.
func NewBufferPool(capacity int, maxSize int) *BufferPool {
	return &BufferPool{
		capacity: capacity,
		maxSize:  maxSize,
	}
}

func (bp *BufferPool) get() ([]float64, bool) {
	n := len(bp.buffers)
	if n == 0 {
		return nil, false
	}
	buf := bp.buffers[n-1]
	bp.buffers[n-1] = nil
	bp.buffers = bp.buffers[:n-1]
	return buf, true
}

func (bp *BufferPool) put(buf []float64) bool {
	if len(bp.buffers) >= bp.maxSize {
		return false
	}
	bp.buffers = append(bp.buffers, buf[:cap(buf)])
	return true
}

// Manager pools activation buffers so repeated forward passes do not
// reallocate. Cached buffers stay resident until EmptyCache is called.
type Manager struct {
	mu       sync.Mutex
	pools    map[int]*BufferPool
	tiers    []int
	poolSize int

	hits   int64
	misses int64
}

// Tier capacities in float64 elements: 1K, 4K, 16K, 64K, 256K, 1M, 4M, 16M.
var defaultTiers = []int{
	1 << 10, 1 << 12, 1 << 14, 1 << 16, 1 << 18, 1 << 20, 1 << 22, 1 << 24,
}

// NewManager creates a manager keeping at most poolSize idle buffers per tier.
func NewManager(poolSize int) *Manager {
	if poolSize <= 0 {
		poolSize = 32
	}
	return &Manager{
		pools:    make(map[int]*BufferPool),
		tiers:    defaultTiers,
		poolSize: poolSize,
	}
}

// Get returns a zeroed buffer of length n.
func (m *Manager) Get(n int) []float64 {
	if n <= 0 {
		return nil
	}
	tier := m.findTier(n)

	m.mu.Lock()
	pool := m.pools[tier]
	var buf []float64
	ok := false
	if pool != nil {
		buf, ok = pool.get()
	}
	if ok {
		m.hits++
	} else {
		m.misses++
	}
	m.mu.Unlock()

	if !ok {
		return make([]float64, n, tier)
	}
	buf = buf[:n]
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// Put hands a buffer back for reuse. Buffers not obtained from Get are
// accepted as long as their capacity matches a tier exactly.
func (m *Manager) Put(buf []float64) {
	if buf == nil {
		return
	}
	tier := cap(buf)
	if m.findTier(tier) != tier {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pool := m.pools[tier]
	if pool == nil {
		pool = NewBufferPool(tier, m.poolSize)
		m.pools[tier] = pool
	}
	pool.put(buf)
}

// EmptyCache releases every idle buffer and reports how many were dropped.
func (m *Manager) EmptyCache() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	for tier, pool := range m.pools {
		released += len(pool.buffers)
		delete(m.pools, tier)
	}
	return released
}

func (m *Manager) findTier(n int) int {
	for _, tier := range m.tiers {
		if tier >= n {
			return tier
		}
	}
	return n
}

// Stats summarises pool occupancy.
type Stats struct {
	CachedBuffers int
	CachedBytes   int64
	Hits          int64
	Misses        int64
}

func (s Stats) String() string {
	return fmt.Sprintf("cached=%d (%.1f MB), hits=%d, misses=%d",
		s.CachedBuffers, float64(s.CachedBytes)/1024/1024, s.Hits, s.Misses)
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Hits: m.hits, Misses: m.misses}
	for tier, pool := range m.pools {
		n := len(pool.buffers)
		s.CachedBuffers += n
		s.CachedBytes += int64(n) * int64(tier) * 8
	}
	return s
}
