package systems

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spaghettifunk/pipeforge/engine/containers"
	"github.com/spaghettifunk/pipeforge/engine/core"
	"github.com/spaghettifunk/pipeforge/engine/renderer"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

/** @brief A device render pass shared by every pipeline built against its shape. */
type RenderPass struct {
	Handle metadata.Handle
	Shape  metadata.RenderPassShape
	key    string
}

/** @brief A framebuffer for one render pass and one set of attachment views. */
type Framebuffer struct {
	Handle metadata.Handle
	Pass   *RenderPass
	Config metadata.FramebufferConfig
	key    string
}

func framebufferKey(pass *RenderPass, config metadata.FramebufferConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d:%dx%d", pass.Handle, config.Width, config.Height)
	for _, v := range config.Views {
		fmt.Fprintf(&b, ":%d", v)
	}
	return b.String()
}

/**
 * @brief Refcounted render passes keyed by shape, and framebuffers keyed by
 * pass plus views. A framebuffer holds a reference on its pass.
 */
type RenderPassCache struct {
	mu           sync.Mutex
	device       renderer.Device
	passes       map[string]*containers.RefCounted[*RenderPass]
	framebuffers map[string]*containers.RefCounted[*Framebuffer]
	passStats    CacheStats
	fbStats      CacheStats
}

func NewRenderPassCache(device renderer.Device) *RenderPassCache {
	return &RenderPassCache{
		device:       device,
		passes:       make(map[string]*containers.RefCounted[*RenderPass]),
		framebuffers: make(map[string]*containers.RefCounted[*Framebuffer]),
	}
}

func (c *RenderPassCache) AcquireRenderPass(shape metadata.RenderPassShape) (*RenderPass, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := shape.Key()
	if e, ok := c.passes[key]; ok {
		if !e.Value.Shape.Equal(shape) {
			return nil, &core.CacheConsistencyError{Cache: "render pass", Key: key}
		}
		e.Retain()
		c.passStats.Hits++
		return e.Value, nil
	}
	handle, err := c.device.CreateRenderPass(shape)
	if err != nil {
		return nil, fmt.Errorf("cannot create render pass: %w", err)
	}
	p := &RenderPass{Handle: handle, Shape: shape, key: key}
	c.passes[key] = containers.NewRefCounted(p)
	c.passStats.Misses++
	return p, nil
}

func (c *RenderPassCache) ReleaseRenderPass(p *RenderPass) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releasePass(p)
}

func (c *RenderPassCache) releasePass(p *RenderPass) error {
	e, ok := c.passes[p.key]
	if !ok || e.Value != p {
		return &core.CacheConsistencyError{Cache: "render pass", Key: p.key}
	}
	refs, err := e.Release()
	if err != nil {
		return err
	}
	if refs == 0 {
		c.device.DestroyRenderPass(p.Handle)
		delete(c.passes, p.key)
	}
	return nil
}

// AcquireFramebuffer returns a framebuffer for pass. The pass must be held by
// the caller for the duration of the call.
func (c *RenderPassCache) AcquireFramebuffer(pass *RenderPass, config metadata.FramebufferConfig) (*Framebuffer, error) {
	if len(config.Views) != len(pass.Shape.Attachments) {
		return nil, fmt.Errorf("framebuffer has %d views, render pass has %d attachments", len(config.Views), len(pass.Shape.Attachments))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	pe, ok := c.passes[pass.key]
	if !ok || pe.Value != pass {
		return nil, &core.CacheConsistencyError{Cache: "render pass", Key: pass.key}
	}
	key := framebufferKey(pass, config)
	if e, ok := c.framebuffers[key]; ok {
		e.Retain()
		c.fbStats.Hits++
		return e.Value, nil
	}
	handle, err := c.device.CreateFramebuffer(pass.Handle, config)
	if err != nil {
		return nil, fmt.Errorf("cannot create framebuffer: %w", err)
	}
	pe.Retain()
	fb := &Framebuffer{Handle: handle, Pass: pass, Config: config, key: key}
	c.framebuffers[key] = containers.NewRefCounted(fb)
	c.fbStats.Misses++
	return fb, nil
}

func (c *RenderPassCache) ReleaseFramebuffer(fb *Framebuffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.framebuffers[fb.key]
	if !ok || e.Value != fb {
		return &core.CacheConsistencyError{Cache: "framebuffer", Key: fb.key}
	}
	refs, err := e.Release()
	if err != nil {
		return err
	}
	if refs == 0 {
		c.device.DestroyFramebuffer(fb.Handle)
		delete(c.framebuffers, fb.key)
		return c.releasePass(fb.Pass)
	}
	return nil
}

func (c *RenderPassCache) PassRefs(p *RenderPass) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.passes[p.key]; ok && e.Value == p {
		return e.Refs()
	}
	return 0
}

// Stats returns the render pass counters followed by the framebuffer ones.
func (c *RenderPassCache) Stats() (CacheStats, CacheStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	passes, fbs := c.passStats, c.fbStats
	passes.Entries = len(c.passes)
	fbs.Entries = len(c.framebuffers)
	return passes, fbs
}

// Shutdown destroys everything. Framebuffers still alive are leaks; a pass
// is a leak when something other than a framebuffer still owns it.
func (c *RenderPassCache) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	fbOwners := make(map[string]int)
	for key, e := range c.framebuffers {
		errs = append(errs, fmt.Errorf("framebuffer %s still has %d owners", key, e.Refs()))
		fbOwners[e.Value.Pass.key]++
		c.device.DestroyFramebuffer(e.Value.Handle)
	}
	for key, e := range c.passes {
		if n := e.Refs() - fbOwners[key]; n > 0 {
			errs = append(errs, fmt.Errorf("render pass %d still has %d owners", e.Value.Handle, n))
		}
		c.device.DestroyRenderPass(e.Value.Handle)
	}
	c.framebuffers = make(map[string]*containers.RefCounted[*Framebuffer])
	c.passes = make(map[string]*containers.RefCounted[*RenderPass])
	return errors.Join(errs...)
}
