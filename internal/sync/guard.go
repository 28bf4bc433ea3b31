package sync

import (
	stdsync "sync"

	"github.com/tonimelisma/indexsync/internal/index"
)

// flightGuard admits one full, incremental, or cleanup pass at a time. The
// mutex covers only the check-and-set; it is never held while a pass runs.
type flightGuard struct {
	mu      stdsync.Mutex
	running bool
	current index.SyncType
}

// tryAcquire claims the guard for t. It returns false without blocking when
// another pass holds it.
func (g *flightGuard) tryAcquire(t index.SyncType) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return false
	}

	g.running = true
	g.current = t

	return true
}

func (g *flightGuard) release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.running = false
	g.current = ""
}

// snapshot reports whether a pass is running and which type it is.
func (g *flightGuard) snapshot() (bool, index.SyncType) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.running, g.current
}
