// Package catalog defines the Catalog and Registrar ports (§9: "the core
// depends only on the traits"). The catalog resolves a model name to a
// launch spec for the proxy and supervisor; the registrar records a
// completed download so it becomes resolvable. The real SQL-backed
// implementation is explicitly out of scope; only an in-memory reference
// adapter lives here, sufficient for the supervisor and proxy tests.
package catalog

import (
	"sync"
	"time"

	"github.com/cuemby/modelctl/pkg/ctlerr"
	"github.com/cuemby/modelctl/pkg/types"
)

// ModelEntry is one registered, resolvable model.
type ModelEntry struct {
	ModelID     string
	ModelName   string
	CreatedAt   time.Time
	LaunchSpec  types.LaunchSpec
}

// Catalog resolves a model name to its launch spec and lists registered
// models for the /v1/models surface.
type Catalog interface {
	Resolve(modelName string) (types.LaunchSpec, error)
	List() []ModelEntry
}

// Registrar records a completed download's artifact as a catalog entry.
type Registrar interface {
	Register(entry ModelEntry) error
}

// MemCatalog is an in-memory Catalog + Registrar, guarded by a mutex since
// registrations arrive from the download manager's worker goroutines while
// the proxy resolves concurrently from request-handling goroutines.
type MemCatalog struct {
	mu      sync.RWMutex
	entries map[string]ModelEntry // keyed by model name
}

// NewMemCatalog constructs an empty catalog.
func NewMemCatalog() *MemCatalog {
	return &MemCatalog{entries: map[string]ModelEntry{}}
}

func (c *MemCatalog) Resolve(modelName string) (types.LaunchSpec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[modelName]
	if !ok {
		return types.LaunchSpec{}, ctlerr.NotFoundf("model %q not found", modelName)
	}
	return entry.LaunchSpec, nil
}

func (c *MemCatalog) List() []ModelEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ModelEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry)
	}
	return out
}

func (c *MemCatalog) Register(entry ModelEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	c.entries[entry.ModelName] = entry
	return nil
}
