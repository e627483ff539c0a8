package systems

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/pipeforge/engine/core"
	"github.com/spaghettifunk/pipeforge/engine/renderer"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

/**
 * @brief A device descriptor set allocated from one set layout. It remembers
 * the last write per slot so writing the same resource again costs nothing.
 */
type DescriptorSet struct {
	Handle metadata.Handle
	Layout *DescriptorSetLayout
	Set    uint32

	mu   sync.Mutex
	last map[metadata.WriteSlot]metadata.DescriptorWrite
}

func newDescriptorSet(handle metadata.Handle, layout *DescriptorSetLayout, set uint32) *DescriptorSet {
	return &DescriptorSet{
		Handle: handle,
		Layout: layout,
		Set:    set,
		last:   make(map[metadata.WriteSlot]metadata.DescriptorWrite),
	}
}

// Write flushes the writes that differ from what the set already holds in one
// device update and returns how many were sent.
func (s *DescriptorSet) Write(device renderer.Device, writes []metadata.DescriptorWrite) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []metadata.DescriptorWrite
	staged := make(map[metadata.WriteSlot]int)
	for _, w := range writes {
		if prev, ok := s.last[w.Slot()]; ok && prev == w {
			continue
		}
		// a later write to the same slot in one batch wins
		if i, ok := staged[w.Slot()]; ok {
			changed[i] = w
			continue
		}
		staged[w.Slot()] = len(changed)
		changed = append(changed, w)
	}
	if len(changed) == 0 {
		return 0, nil
	}
	if err := device.UpdateDescriptorSet(s.Handle, changed); err != nil {
		return 0, err
	}
	for _, w := range changed {
		s.last[w.Slot()] = w
	}
	return len(changed), nil
}

// Current returns the resource written to slot, if any.
func (s *DescriptorSet) Current(slot metadata.WriteSlot) (metadata.DescriptorWrite, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.last[slot]
	return w, ok
}

/**
 * @brief A link after assembly resolved its descriptor name against the merged
 * binding tables. Resolved is false when the name or binding was not found,
 * Reason then says why.
 */
type ResolvedLink struct {
	metadata.LinkDescription
	Set      uint32
	Slot     uint32
	Kind     metadata.DescriptorKind
	Count    uint32
	Resolved bool
	Reason   string
}

func (l ResolvedLink) warning(pipeline, reason string) core.UnresolvedLinkWarning {
	return core.UnresolvedLinkWarning{
		Pipeline:       pipeline,
		ResourceName:   l.ResourceName,
		DescriptorName: l.DescriptorName,
		Binding:        l.Binding,
		Reason:         reason,
	}
}

/** @brief The outcome of one Link call. */
type LinkResult struct {
	// Applied counts links whose write was staged.
	Applied int
	// Updated counts writes actually sent to the device.
	Updated    int
	Unresolved []core.UnresolvedLinkWarning
}

/** @brief Writes named resources into descriptor sets. */
type Linker struct {
	device renderer.Device
}

func NewLinker(device renderer.Device) *Linker {
	return &Linker{device: device}
}

// Link resolves every link against dir and flushes the resulting writes into
// set in one batch. Links that cannot be satisfied are skipped, each one
// reported once in the result and logged at warn level.
func (l *Linker) Link(pipeline string, set *DescriptorSet, links []ResolvedLink, dir ResourceDirectory) (LinkResult, error) {
	var result LinkResult
	var writes []metadata.DescriptorWrite

	miss := func(link ResolvedLink, reason string) {
		w := link.warning(pipeline, reason)
		core.LogWarn("%s", w)
		result.Unresolved = append(result.Unresolved, w)
	}

	for _, link := range links {
		if !link.Resolved {
			miss(link, link.Reason)
			continue
		}
		if link.Set != set.Set {
			miss(link, fmt.Sprintf("binding is in set %d, the linked descriptor set is set %d", link.Set, set.Set))
			continue
		}
		if link.ArrayElement >= link.Count {
			miss(link, fmt.Sprintf("array element %d out of range, binding has %d", link.ArrayElement, link.Count))
			continue
		}
		if dir == nil {
			miss(link, "no resource directory")
			continue
		}
		res, ok := dir.Lookup(link.ResourceName)
		if !ok {
			miss(link, "resource not found")
			continue
		}
		if res.Kind() != link.Kind {
			miss(link, fmt.Sprintf("resource is a %s, binding expects a %s", res.Kind(), link.Kind))
			continue
		}
		switch r := res.(type) {
		case metadata.BufferResource:
			writes = append(writes, metadata.BufferWrite{Binding: link.Slot, ArrayElement: link.ArrayElement, Buffer: r})
		case metadata.ImageResource:
			writes = append(writes, metadata.ImageWrite{Binding: link.Slot, ArrayElement: link.ArrayElement, Image: r, Sampler: link.Sampler.Canonical()})
		default:
			miss(link, fmt.Sprintf("unsupported resource type %T", res))
			continue
		}
		result.Applied++
	}

	n, err := set.Write(l.device, writes)
	if err != nil {
		return result, fmt.Errorf("pipeline '%s': descriptor update failed: %w", pipeline, err)
	}
	result.Updated = n
	return result, nil
}
