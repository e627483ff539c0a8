package shader

import "sync"

/**
 * @brief Hands out binding numbers for the auto-binding token. One allocator
 * is shared by every stage of a pipeline so that the same name declared in two
 * stages of the same set ends up at the same binding. Counters are per set and
 * skip bindings that some stage declared explicitly.
 */
type BindingAllocator struct {
	mu       sync.Mutex
	next     map[uint32]uint32
	named    map[uint32]map[string]uint32
	reserved map[uint32]map[uint32]string
}

func NewBindingAllocator() *BindingAllocator {
	return &BindingAllocator{
		next:     make(map[uint32]uint32),
		named:    make(map[uint32]map[string]uint32),
		reserved: make(map[uint32]map[uint32]string),
	}
}

// Assign returns the binding for name in set, allocating the next free one on first use.
func (a *BindingAllocator) Assign(set uint32, name string) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if b, ok := a.named[set][name]; ok {
		return b
	}
	b := a.next[set]
	for {
		if _, taken := a.reserved[set][b]; !taken {
			break
		}
		b++
	}
	a.next[set] = b + 1
	a.record(set, b, name)
	return b
}

// Reserve records an explicit binding so automatic assignment skips it.
// The first name recorded for a binding is kept; whether two declarations of
// one binding agree is decided when the stages are merged.
func (a *BindingAllocator) Reserve(set, binding uint32, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.reserved[set][binding]; ok {
		return
	}
	if _, ok := a.named[set][name]; ok {
		// keep the first binding for name lookups, still block the slot
		a.reserved[set][binding] = name
		return
	}
	a.record(set, binding, name)
}

// Bindings returns a copy of every recorded name to binding pair of set.
func (a *BindingAllocator) Bindings(set uint32) map[string]uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]uint32, len(a.named[set]))
	for k, v := range a.named[set] {
		out[k] = v
	}
	return out
}

func (a *BindingAllocator) record(set, binding uint32, name string) {
	if a.named[set] == nil {
		a.named[set] = make(map[string]uint32)
		a.reserved[set] = make(map[uint32]string)
	}
	a.named[set][name] = binding
	a.reserved[set][binding] = name
}

// Lookup finds a previously assigned or reserved binding.
func (a *BindingAllocator) Lookup(set uint32, name string) (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.named[set][name]
	return b, ok
}
