package systems

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/spaghettifunk/pipeforge/engine/containers"
	"github.com/spaghettifunk/pipeforge/engine/core"
	"github.com/spaghettifunk/pipeforge/engine/renderer"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

/** @brief A device descriptor-set layout and the bindings it was created from. */
type DescriptorSetLayout struct {
	Handle   metadata.Handle
	Bindings []metadata.LayoutBinding
}

/**
 * @brief A device pipeline layout. It owns a reference on each of its set
 * layouts for as long as it lives.
 */
type PipelineLayout struct {
	Handle        metadata.Handle
	SetLayouts    []*DescriptorSetLayout
	PushConstants []metadata.PushConstantRange
}

func (l *PipelineLayout) matches(sets []*DescriptorSetLayout, ranges []metadata.PushConstantRange) bool {
	return slices.Equal(l.SetLayouts, sets) && metadata.EqualPushConstantRanges(l.PushConstants, ranges)
}

/**
 * @brief Structural-equality caches for descriptor-set layouts and pipeline
 * layouts. Entries are compared by value with a linear scan, the way
 * descriptor layouts are usually deduplicated: there are few of them and they
 * are compared rarely.
 *
 * Released entries are not destroyed straight away. Up to maxUnowned of them
 * stay around so a pipeline rebuilt right after its predecessor went away
 * reuses the same native objects. Prune destroys all of them.
 */
type LayoutCache struct {
	mu              sync.Mutex
	device          renderer.Device
	maxUnowned      int
	setLayouts      []*containers.RefCounted[*DescriptorSetLayout]
	pipelineLayouts []*containers.RefCounted[*PipelineLayout]
	setStats        CacheStats
	pipelineStats   CacheStats
}

func NewLayoutCache(device renderer.Device, maxUnowned int) *LayoutCache {
	return &LayoutCache{device: device, maxUnowned: maxUnowned}
}

// AcquireDescriptorSetLayout returns the layout for bindings, creating it on a
// miss. bindings must be sorted by binding number.
func (c *LayoutCache) AcquireDescriptorSetLayout(bindings []metadata.LayoutBinding) (*DescriptorSetLayout, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquireSetLayout(bindings)
}

func (c *LayoutCache) acquireSetLayout(bindings []metadata.LayoutBinding) (*DescriptorSetLayout, error) {
	var found *containers.RefCounted[*DescriptorSetLayout]
	for _, e := range c.setLayouts {
		if !metadata.EqualLayoutBindings(e.Value.Bindings, bindings) {
			continue
		}
		if found != nil {
			return nil, &core.CacheConsistencyError{Cache: "descriptor set layout", Key: fmt.Sprint(bindings)}
		}
		found = e
	}
	if found != nil {
		found.Retain()
		c.setStats.Hits++
		return found.Value, nil
	}

	handle, err := c.device.CreateDescriptorSetLayout(bindings)
	if err != nil {
		return nil, fmt.Errorf("cannot create descriptor set layout: %w", err)
	}
	l := &DescriptorSetLayout{Handle: handle, Bindings: slices.Clone(bindings)}
	c.setLayouts = append(c.setLayouts, containers.NewRefCounted(l))
	c.setStats.Misses++
	return l, nil
}

func (c *LayoutCache) ReleaseDescriptorSetLayout(l *DescriptorSetLayout) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.releaseSetLayout(l); err != nil {
		return err
	}
	c.trim()
	return nil
}

func (c *LayoutCache) releaseSetLayout(l *DescriptorSetLayout) error {
	i := c.indexOfSetLayout(l)
	if i < 0 {
		return &core.CacheConsistencyError{Cache: "descriptor set layout", Key: fmt.Sprint(l.Bindings)}
	}
	_, err := c.setLayouts[i].Release()
	return err
}

// AcquirePipelineLayout returns the layout combining sets and ranges. The set
// layouts must have been acquired from this cache.
func (c *LayoutCache) AcquirePipelineLayout(sets []*DescriptorSetLayout, ranges []metadata.PushConstantRange) (*PipelineLayout, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.pipelineLayouts {
		if e.Value.matches(sets, ranges) {
			e.Retain()
			c.pipelineStats.Hits++
			return e.Value, nil
		}
	}

	handles := make([]metadata.Handle, len(sets))
	for i, s := range sets {
		if c.indexOfSetLayout(s) < 0 {
			return nil, fmt.Errorf("set layout %d was not acquired from this cache", i)
		}
		handles[i] = s.Handle
	}
	handle, err := c.device.CreatePipelineLayout(handles, ranges)
	if err != nil {
		return nil, fmt.Errorf("cannot create pipeline layout: %w", err)
	}
	for _, s := range sets {
		c.setLayouts[c.indexOfSetLayout(s)].Retain()
	}
	l := &PipelineLayout{Handle: handle, SetLayouts: slices.Clone(sets), PushConstants: slices.Clone(ranges)}
	c.pipelineLayouts = append(c.pipelineLayouts, containers.NewRefCounted(l))
	c.pipelineStats.Misses++
	return l, nil
}

func (c *LayoutCache) ReleasePipelineLayout(l *PipelineLayout) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.IndexFunc(c.pipelineLayouts, func(e *containers.RefCounted[*PipelineLayout]) bool { return e.Value == l })
	if i < 0 {
		return &core.CacheConsistencyError{Cache: "pipeline layout", Key: fmt.Sprint(l.Handle)}
	}
	if _, err := c.pipelineLayouts[i].Release(); err != nil {
		return err
	}
	c.trim()
	return nil
}

// SetLayoutRefs reports the owners of l, 0 once it is unowned or gone.
func (c *LayoutCache) SetLayoutRefs(l *DescriptorSetLayout) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexOfSetLayout(l); i >= 0 {
		return c.setLayouts[i].Refs()
	}
	return 0
}

func (c *LayoutCache) PipelineLayoutRefs(l *PipelineLayout) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.pipelineLayouts {
		if e.Value == l {
			return e.Refs()
		}
	}
	return 0
}

func (c *LayoutCache) indexOfSetLayout(l *DescriptorSetLayout) int {
	return slices.IndexFunc(c.setLayouts, func(e *containers.RefCounted[*DescriptorSetLayout]) bool { return e.Value == l })
}

// Prune destroys every unowned entry and returns how many it destroyed.
func (c *LayoutCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prune(0)
}

func (c *LayoutCache) trim() {
	if n := c.prune(c.maxUnowned); n > 0 {
		core.LogDebug("layout cache: pruned %d unowned layouts", n)
	}
}

// prune destroys unowned entries, oldest first, until at most keep of each
// kind are left. Pipeline layouts go first since they own set layout refs.
func (c *LayoutCache) prune(keep int) int {
	destroyed := 0

	unowned := 0
	for _, e := range c.pipelineLayouts {
		if e.Refs() == 0 {
			unowned++
		}
	}
	c.pipelineLayouts = slices.DeleteFunc(c.pipelineLayouts, func(e *containers.RefCounted[*PipelineLayout]) bool {
		if e.Refs() > 0 || unowned <= keep {
			return false
		}
		unowned--
		c.device.DestroyPipelineLayout(e.Value.Handle)
		for _, s := range e.Value.SetLayouts {
			if err := c.releaseSetLayout(s); err != nil {
				core.LogError("layout cache: %s", err)
			}
		}
		destroyed++
		return true
	})

	unowned = 0
	for _, e := range c.setLayouts {
		if e.Refs() == 0 {
			unowned++
		}
	}
	c.setLayouts = slices.DeleteFunc(c.setLayouts, func(e *containers.RefCounted[*DescriptorSetLayout]) bool {
		if e.Refs() > 0 || unowned <= keep {
			return false
		}
		unowned--
		c.device.DestroyDescriptorSetLayout(e.Value.Handle)
		destroyed++
		return true
	})
	return destroyed
}

// Stats returns the set layout counters followed by the pipeline layout ones.
func (c *LayoutCache) Stats() (CacheStats, CacheStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sets, pipelines := c.setStats, c.pipelineStats
	for _, e := range c.setLayouts {
		if e.Refs() > 0 {
			sets.Entries++
		} else {
			sets.Unowned++
		}
	}
	for _, e := range c.pipelineLayouts {
		if e.Refs() > 0 {
			pipelines.Entries++
		} else {
			pipelines.Unowned++
		}
	}
	return sets, pipelines
}

// Shutdown destroys everything and reports entries still owned by a pipeline.
func (c *LayoutCache) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, e := range c.pipelineLayouts {
		if e.Refs() > 0 {
			errs = append(errs, fmt.Errorf("pipeline layout %d still has %d owners", e.Value.Handle, e.Refs()))
		}
		c.device.DestroyPipelineLayout(e.Value.Handle)
	}
	for _, e := range c.setLayouts {
		// the refs pipeline layouts held were not released above
		owners := e.Refs()
		for _, p := range c.pipelineLayouts {
			owners -= countOf(p.Value.SetLayouts, e.Value)
		}
		if owners > 0 {
			errs = append(errs, fmt.Errorf("descriptor set layout %d still has %d owners", e.Value.Handle, owners))
		}
		c.device.DestroyDescriptorSetLayout(e.Value.Handle)
	}
	c.pipelineLayouts = nil
	c.setLayouts = nil
	return errors.Join(errs...)
}

func countOf[T comparable](s []T, v T) int {
	n := 0
	for _, x := range s {
		if x == v {
			n++
		}
	}
	return n
}
