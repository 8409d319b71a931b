package supervisor

import (
	"sync"
	"time"
)

// rotationDedup suppresses the duplicate events that arrive while an old
// and a replacement connection overlap during proactive rotation. The set
// is bounded and only consulted inside the overlap window.
type rotationDedup struct {
	mu          sync.Mutex
	maxSize     int
	index       map[string]struct{}
	order       []string
	activeUntil time.Time

	now func() time.Time
}

func newRotationDedup(maxSize int) *rotationDedup {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &rotationDedup{
		maxSize: maxSize,
		index:   make(map[string]struct{}, maxSize),
		now:     time.Now,
	}
}

// activate opens the dedup window for the given overlap duration.
func (d *rotationDedup) activate(overlap time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activeUntil = d.now().Add(overlap)
	d.index = make(map[string]struct{}, d.maxSize)
	d.order = d.order[:0]
}

// seen records key and reports whether it was already delivered inside the
// current overlap window. Outside a window it is a no-op returning false.
func (d *rotationDedup) seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.now().After(d.activeUntil) {
		return false
	}
	if _, ok := d.index[key]; ok {
		return true
	}

	if len(d.order) >= d.maxSize {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.index, oldest)
	}
	d.index[key] = struct{}{}
	d.order = append(d.order, key)
	return false
}
