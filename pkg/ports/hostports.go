// Package ports allocates host TCP ports for spawned inference server
// processes: scan a range for a port nobody is listening on, guarding
// against races with a bind-release-rebind double check.
package ports

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/modelctl/pkg/ctlerr"
)

const (
	defaultScanWidth = 100
	maxScans         = 3
	recheckDelay     = 20 * time.Millisecond
	minPort          = 1024
)

// Allocator tracks in-memory port reservations alongside the operating
// system's own socket table, so two concurrent spawns never race each
// other onto the same port even though the OS check alone would allow it
// (the window between release and the caller's own bind).
type Allocator struct {
	mu   sync.RWMutex
	used map[int]bool
}

// NewAllocator constructs an empty Allocator.
func NewAllocator() *Allocator {
	return &Allocator{used: make(map[int]bool)}
}

// Allocate scans [base, base+99] for a free port, rejecting base < 1024.
// Up to three full scans are attempted; a ctlerr Fatal error is returned if
// none is found. The returned port is marked used in-process; call Release when
// the owning process exits.
func (a *Allocator) Allocate(base int) (int, error) {
	if base < minPort {
		return 0, ctlerr.InvalidInputf("base port %d is below 1024", base)
	}

	for scan := 0; scan < maxScans; scan++ {
		for port := base; port < base+defaultScanWidth; port++ {
			if a.tryReserve(port) {
				return port, nil
			}
		}
	}
	return 0, ctlerr.Fatalf("no free port in [%d, %d) after %d scans", base, base+defaultScanWidth, maxScans)
}

// tryReserve performs the double-bound check: bind, release, sleep briefly,
// rebind. If both binds succeed and the in-memory set doesn't already claim
// the port, it is reserved and true is returned.
func (a *Allocator) tryReserve(port int) bool {
	a.mu.Lock()
	if a.used[port] {
		a.mu.Unlock()
		return false
	}
	a.mu.Unlock()

	if !probeBind(port) {
		return false
	}
	time.Sleep(recheckDelay)
	if !probeBind(port) {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.used[port] {
		return false
	}
	a.used[port] = true
	return true
}

// probeBind binds to port, immediately releases it, and reports success.
func probeBind(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Release frees a port from the in-memory used set.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, port)
}

// InUse reports whether port is currently reserved by this allocator.
func (a *Allocator) InUse(port int) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.used[port]
}
