package systems

import (
	"sort"
	"sync"

	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

/**
 * @brief Name to live resource lookups the linker resolves links against.
 * The directory belongs to whoever owns the buffers and images; the pipeline
 * machinery only reads it.
 */
type ResourceDirectory interface {
	Lookup(name string) (metadata.Resource, bool)
}

/** @brief A ResourceDirectory backed by a map, safe for concurrent use. */
type ResourceTable struct {
	mu      sync.RWMutex
	entries map[string]metadata.Resource
}

func NewResourceTable() *ResourceTable {
	return &ResourceTable{entries: make(map[string]metadata.Resource)}
}

// Register adds or replaces a named resource.
func (t *ResourceTable) Register(name string, res metadata.Resource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[name] = res
}

func (t *ResourceTable) Unregister(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, name)
}

func (t *ResourceTable) Lookup(name string) (metadata.Resource, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	res, ok := t.entries[name]
	return res, ok
}

func (t *ResourceTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.entries))
	for n := range t.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
