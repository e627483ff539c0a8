// Package headless implements renderer.Device in memory. Objects are plain
// records, so the caches and the assembler can be exercised without a GPU and
// a test can inspect exactly what was created, destroyed and written.
package headless

import (
	"fmt"
	"slices"
	"sync"

	"github.com/spaghettifunk/pipeforge/engine/core"
	"github.com/spaghettifunk/pipeforge/engine/renderer"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

type ObjectKind uint8

const (
	ObjectShaderModule ObjectKind = iota
	ObjectDescriptorSetLayout
	ObjectPipelineLayout
	ObjectRenderPass
	ObjectFramebuffer
	ObjectPipeline
	ObjectDescriptorSet
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectShaderModule:
		return "shader module"
	case ObjectDescriptorSetLayout:
		return "descriptor set layout"
	case ObjectPipelineLayout:
		return "pipeline layout"
	case ObjectRenderPass:
		return "render pass"
	case ObjectFramebuffer:
		return "framebuffer"
	case ObjectPipeline:
		return "pipeline"
	case ObjectDescriptorSet:
		return "descriptor set"
	}
	return fmt.Sprintf("ObjectKind(%d)", uint8(k))
}

type object struct {
	kind ObjectKind
	// what the object was created from, kept for inspection
	bindings []metadata.LayoutBinding
	pipeline *renderer.GraphicsPipelineInfo
	layout   metadata.Handle
	writes   map[metadata.WriteSlot]metadata.DescriptorWrite
}

/**
 * @brief The in-memory device.
 */
type Device struct {
	mu       sync.Mutex
	ids      *core.IdentifierPool
	objects  map[metadata.Handle]*object
	created  map[ObjectKind]int
	updates  int
	failures map[ObjectKind]error
}

var _ renderer.Device = (*Device)(nil)

func New() *Device {
	return &Device{
		ids:      core.NewIdentifierPool(64),
		objects:  make(map[metadata.Handle]*object),
		created:  make(map[ObjectKind]int),
		failures: make(map[ObjectKind]error),
	}
}

// FailCreate makes every following creation of kind fail with err. A nil err clears it.
func (d *Device) FailCreate(kind ObjectKind, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, kind)
		return
	}
	d.failures[kind] = err
}

func (d *Device) create(o *object) (metadata.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failures[o.kind]; err != nil {
		return metadata.NullHandle, fmt.Errorf("create %s: %w", o.kind, err)
	}
	h := metadata.Handle(d.ids.Acquire(o))
	d.objects[h] = o
	d.created[o.kind]++
	return h, nil
}

func (d *Device) destroy(kind ObjectKind, h metadata.Handle) {
	if h.IsNull() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects[h]
	if !ok || o.kind != kind {
		core.LogError("headless: destroy of unknown %s %d", kind, h)
		return
	}
	delete(d.objects, h)
	if err := d.ids.Release(uint64(h)); err != nil {
		core.LogError("headless: %s", err)
	}
}

func (d *Device) CreateShaderModule(stage metadata.ShaderStage, code []uint32) (metadata.Handle, error) {
	if len(code) == 0 {
		return metadata.NullHandle, fmt.Errorf("empty %s shader module", stage)
	}
	return d.create(&object{kind: ObjectShaderModule})
}

func (d *Device) DestroyShaderModule(module metadata.Handle) {
	d.destroy(ObjectShaderModule, module)
}

func (d *Device) CreateDescriptorSetLayout(bindings []metadata.LayoutBinding) (metadata.Handle, error) {
	return d.create(&object{kind: ObjectDescriptorSetLayout, bindings: slices.Clone(bindings)})
}

func (d *Device) DestroyDescriptorSetLayout(layout metadata.Handle) {
	d.destroy(ObjectDescriptorSetLayout, layout)
}

func (d *Device) CreatePipelineLayout(setLayouts []metadata.Handle, ranges []metadata.PushConstantRange) (metadata.Handle, error) {
	for _, l := range setLayouts {
		if !d.alive(ObjectDescriptorSetLayout, l) {
			return metadata.NullHandle, fmt.Errorf("pipeline layout references dead set layout %d", l)
		}
	}
	return d.create(&object{kind: ObjectPipelineLayout})
}

func (d *Device) DestroyPipelineLayout(layout metadata.Handle) {
	d.destroy(ObjectPipelineLayout, layout)
}

func (d *Device) CreateRenderPass(shape metadata.RenderPassShape) (metadata.Handle, error) {
	if err := shape.Validate(); err != nil {
		return metadata.NullHandle, err
	}
	return d.create(&object{kind: ObjectRenderPass})
}

func (d *Device) DestroyRenderPass(pass metadata.Handle) {
	d.destroy(ObjectRenderPass, pass)
}

func (d *Device) CreateFramebuffer(pass metadata.Handle, config metadata.FramebufferConfig) (metadata.Handle, error) {
	if !d.alive(ObjectRenderPass, pass) {
		return metadata.NullHandle, fmt.Errorf("framebuffer references dead render pass %d", pass)
	}
	if len(config.Views) != len(config.Shape.Attachments) {
		return metadata.NullHandle, fmt.Errorf("framebuffer has %d views for %d attachments", len(config.Views), len(config.Shape.Attachments))
	}
	return d.create(&object{kind: ObjectFramebuffer})
}

func (d *Device) DestroyFramebuffer(framebuffer metadata.Handle) {
	d.destroy(ObjectFramebuffer, framebuffer)
}

func (d *Device) CreateGraphicsPipeline(info *renderer.GraphicsPipelineInfo) (metadata.Handle, error) {
	if !d.alive(ObjectPipelineLayout, info.Layout) {
		return metadata.NullHandle, fmt.Errorf("pipeline '%s' references dead layout %d", info.Name, info.Layout)
	}
	if !d.alive(ObjectRenderPass, info.RenderPass) {
		return metadata.NullHandle, fmt.Errorf("pipeline '%s' references dead render pass %d", info.Name, info.RenderPass)
	}
	for _, s := range info.Stages {
		if !d.alive(ObjectShaderModule, s.Module) {
			return metadata.NullHandle, fmt.Errorf("pipeline '%s' references dead %s module %d", info.Name, s.Stage, s.Module)
		}
	}
	cp := *info
	cp.Stages = slices.Clone(info.Stages)
	cp.BlendAttachments = slices.Clone(info.BlendAttachments)
	return d.create(&object{kind: ObjectPipeline, pipeline: &cp})
}

func (d *Device) DestroyPipeline(pipeline metadata.Handle) {
	d.destroy(ObjectPipeline, pipeline)
}

func (d *Device) AllocateDescriptorSet(layout metadata.Handle) (metadata.Handle, error) {
	if !d.alive(ObjectDescriptorSetLayout, layout) {
		return metadata.NullHandle, fmt.Errorf("descriptor set references dead layout %d", layout)
	}
	return d.create(&object{kind: ObjectDescriptorSet, layout: layout, writes: make(map[metadata.WriteSlot]metadata.DescriptorWrite)})
}

func (d *Device) FreeDescriptorSet(set metadata.Handle) {
	d.destroy(ObjectDescriptorSet, set)
}

func (d *Device) UpdateDescriptorSet(set metadata.Handle, writes []metadata.DescriptorWrite) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects[set]
	if !ok || o.kind != ObjectDescriptorSet {
		return fmt.Errorf("update of unknown descriptor set %d", set)
	}
	layout := d.objects[o.layout]
	for _, w := range writes {
		slot := w.Slot()
		idx := slices.IndexFunc(layout.bindings, func(b metadata.LayoutBinding) bool { return b.Binding == slot.Binding })
		if idx < 0 {
			return fmt.Errorf("descriptor set %d has no binding %d", set, slot.Binding)
		}
		b := layout.bindings[idx]
		if b.Kind != w.Kind() {
			return fmt.Errorf("binding %d is %s, write is %s", slot.Binding, b.Kind, w.Kind())
		}
		if slot.ArrayElement >= b.Count {
			return fmt.Errorf("binding %d has %d elements, write targets %d", slot.Binding, b.Count, slot.ArrayElement)
		}
	}
	for _, w := range writes {
		o.writes[w.Slot()] = w
	}
	d.updates++
	return nil
}

func (d *Device) WaitIdle() error { return nil }

func (d *Device) alive(kind ObjectKind, h metadata.Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects[h]
	return ok && o.kind == kind
}

// Live counts objects of kind that have not been destroyed.
func (d *Device) Live(kind ObjectKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, o := range d.objects {
		if o.kind == kind {
			n++
		}
	}
	return n
}

// Created counts every object of kind ever created.
func (d *Device) Created(kind ObjectKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created[kind]
}

// Updates counts UpdateDescriptorSet calls that succeeded.
func (d *Device) Updates() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updates
}

// Write returns the current content of one slot of a descriptor set.
func (d *Device) Write(set metadata.Handle, slot metadata.WriteSlot) (metadata.DescriptorWrite, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects[set]
	if !ok || o.kind != ObjectDescriptorSet {
		return nil, false
	}
	w, ok := o.writes[slot]
	return w, ok
}

// LayoutBindings returns what a descriptor set layout was created from.
func (d *Device) LayoutBindings(layout metadata.Handle) []metadata.LayoutBinding {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o, ok := d.objects[layout]; ok && o.kind == ObjectDescriptorSetLayout {
		return slices.Clone(o.bindings)
	}
	return nil
}

// PipelineInfo returns what a pipeline was created from.
func (d *Device) PipelineInfo(pipeline metadata.Handle) *renderer.GraphicsPipelineInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o, ok := d.objects[pipeline]; ok && o.kind == ObjectPipeline {
		return o.pipeline
	}
	return nil
}
