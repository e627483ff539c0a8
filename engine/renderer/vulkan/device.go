package vulkan

import (
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/pipeforge/engine/core"
	"github.com/spaghettifunk/pipeforge/engine/renderer"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

type objectKind uint8

const (
	objectShaderModule objectKind = iota
	objectDescriptorSetLayout
	objectPipelineLayout
	objectRenderPass
	objectFramebuffer
	objectPipeline
	objectDescriptorSet
	// imported objects are owned by the caller and never destroyed here
	objectBuffer
	objectImageView
)

// destruction order used by Close
var teardownOrder = []objectKind{
	objectPipeline,
	objectFramebuffer,
	objectDescriptorSet,
	objectPipelineLayout,
	objectDescriptorSetLayout,
	objectRenderPass,
	objectShaderModule,
}

type object struct {
	kind   objectKind
	native any
}

/**
 * @brief A renderer.Device backed by a Vulkan logical device. Native objects
 * are handed out as metadata.Handle values indexing a handle table, so the
 * caches never see a vk type.
 */
type Device struct {
	opts  Options
	locks *VulkanLockPool

	instance      vk.Instance
	debugCallback vk.DebugReportCallback
	physical      vk.PhysicalDevice
	properties    vk.PhysicalDeviceProperties
	features      vk.PhysicalDeviceFeatures
	logical       vk.Device
	queueFamily   uint32
	queue         vk.Queue

	descriptorPool vk.DescriptorPool
	samplers       map[metadata.SamplerKind]vk.Sampler

	mu      sync.Mutex
	ids     *core.IdentifierPool
	objects map[metadata.Handle]object
}

var _ renderer.Device = (*Device)(nil)

func newDevice(opts Options) *Device {
	return &Device{
		opts:    opts,
		locks:   NewVulkanLockPool(),
		ids:     core.NewIdentifierPool(256),
		objects: make(map[metadata.Handle]object),
	}
}

func (d *Device) register(kind objectKind, native any) metadata.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := metadata.Handle(d.ids.Acquire(native))
	d.objects[h] = object{kind: kind, native: native}
	return h
}

// forget drops h from the table and returns what it referred to.
func (d *Device) forget(kind objectKind, h metadata.Handle) (any, bool) {
	if h.IsNull() {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects[h]
	if !ok || o.kind != kind {
		core.LogError("vulkan: release of unknown handle %d", h)
		return nil, false
	}
	delete(d.objects, h)
	if err := d.ids.Release(uint64(h)); err != nil {
		core.LogError("vulkan: %s", err)
	}
	return o.native, true
}

func lookup[T any](d *Device, kind objectKind, h metadata.Handle) (T, error) {
	var zero T
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects[h]
	if !ok || o.kind != kind {
		return zero, fmt.Errorf("vulkan: handle %d does not name a live object of the expected kind", h)
	}
	v, ok := o.native.(T)
	if !ok {
		return zero, fmt.Errorf("vulkan: handle %d holds %T", h, o.native)
	}
	return v, nil
}

func lookupAll[T any](d *Device, kind objectKind, hs []metadata.Handle) ([]T, error) {
	out := make([]T, len(hs))
	for i, h := range hs {
		v, err := lookup[T](d, kind, h)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// ImportBuffer makes a buffer created elsewhere usable as a BufferResource.
func (d *Device) ImportBuffer(buffer vk.Buffer) metadata.Handle {
	return d.register(objectBuffer, buffer)
}

// ImportImageView makes an image view usable as an ImageResource or a
// framebuffer attachment.
func (d *Device) ImportImageView(view vk.ImageView) metadata.Handle {
	return d.register(objectImageView, view)
}

// Unimport forgets an imported buffer or image view without destroying it.
func (d *Device) Unimport(h metadata.Handle) {
	d.mu.Lock()
	kind := d.objects[h].kind
	d.mu.Unlock()
	if kind == objectBuffer || kind == objectImageView {
		d.forget(kind, h)
	}
}

// Limits the caller may want to check shapes against.
func (d *Device) Limits() vk.PhysicalDeviceLimits {
	return d.properties.Limits
}

func (d *Device) destroyAll() {
	d.mu.Lock()
	byKind := make(map[objectKind][]metadata.Handle)
	for h, o := range d.objects {
		byKind[o.kind] = append(byKind[o.kind], h)
	}
	d.mu.Unlock()

	for _, kind := range teardownOrder {
		if n := len(byKind[kind]); n > 0 {
			core.LogWarn("vulkan: destroying %d leaked objects of kind %d", n, kind)
		}
		for _, h := range byKind[kind] {
			switch kind {
			case objectPipeline:
				d.DestroyPipeline(h)
			case objectFramebuffer:
				d.DestroyFramebuffer(h)
			case objectDescriptorSet:
				// returned with the pool
				d.forget(kind, h)
			case objectPipelineLayout:
				d.DestroyPipelineLayout(h)
			case objectDescriptorSetLayout:
				d.DestroyDescriptorSetLayout(h)
			case objectRenderPass:
				d.DestroyRenderPass(h)
			case objectShaderModule:
				d.DestroyShaderModule(h)
			}
		}
	}
}

func (d *Device) selectPhysicalDevice() error {
	var count uint32
	if err := check("vkEnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(d.instance, &count, nil)); err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: no devices which support Vulkan were found", ErrVulkanUnavailable)
	}
	devices := make([]vk.PhysicalDevice, count)
	if err := check("vkEnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(d.instance, &count, devices)); err != nil {
		return err
	}

	best, bestScore := -1, -1
	var bestFamily uint32
	for i, pd := range devices {
		var props vk.PhysicalDeviceProperties
		vk.GetPhysicalDeviceProperties(pd, &props)
		props.Deref()
		family, ok := graphicsQueueFamily(pd)
		if !ok {
			core.LogDebug("Device '%s' has no graphics queue, skipping.", vk.ToString(props.DeviceName[:]))
			continue
		}
		score := deviceTypeScore(props.DeviceType)
		if score > bestScore {
			best, bestScore, bestFamily = i, score, family
		}
	}
	if best < 0 {
		return fmt.Errorf("%w: no physical device with a graphics queue", ErrVulkanUnavailable)
	}

	d.physical = devices[best]
	d.queueFamily = bestFamily
	vk.GetPhysicalDeviceProperties(d.physical, &d.properties)
	d.properties.Deref()
	d.properties.Limits.Deref()
	vk.GetPhysicalDeviceFeatures(d.physical, &d.features)
	d.features.Deref()

	core.LogInfo("Selected device: '%s'.", vk.ToString(d.properties.DeviceName[:]))
	core.LogInfo(
		"Vulkan API version: %d.%d.%d",
		vk.Version(d.properties.ApiVersion).Major(),
		vk.Version(d.properties.ApiVersion).Minor(),
		vk.Version(d.properties.ApiVersion).Patch(),
	)
	return nil
}

// discrete GPUs first, CPU implementations last
func deviceTypeScore(t vk.PhysicalDeviceType) int {
	switch t {
	case vk.PhysicalDeviceTypeDiscreteGpu:
		return 4
	case vk.PhysicalDeviceTypeIntegratedGpu:
		return 3
	case vk.PhysicalDeviceTypeVirtualGpu:
		return 2
	case vk.PhysicalDeviceTypeCpu:
		return 1
	}
	return 0
}

func graphicsQueueFamily(pd vk.PhysicalDevice) (uint32, bool) {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, nil)
	families := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, families)
	for i := range families {
		families[i].Deref()
		if vk.QueueFlagBits(families[i].QueueFlags)&vk.QueueGraphicsBit != 0 {
			return uint32(i), true
		}
	}
	return 0, false
}

func (d *Device) createLogicalDevice() error {
	core.LogInfo("Creating logical device...")

	var extensions []string
	if d.hasDeviceExtension("VK_KHR_portability_subset") {
		core.LogInfo("Adding required extension 'VK_KHR_portability_subset'.")
		extensions = append(extensions, "VK_KHR_portability_subset")
	}

	queueInfo := vk.DeviceQueueCreateInfo{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: d.queueFamily,
		QueueCount:       1,
		PQueuePriorities: []float32{1.0},
	}
	// only what pipeline creation can ask for
	features := vk.PhysicalDeviceFeatures{
		GeometryShader:     d.features.GeometryShader,
		TessellationShader: d.features.TessellationShader,
		FillModeNonSolid:   d.features.FillModeNonSolid,
		DepthClamp:         d.features.DepthClamp,
	}
	createInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    1,
		PQueueCreateInfos:       []vk.DeviceQueueCreateInfo{queueInfo},
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{features},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: VulkanSafeStrings(extensions),
	}
	var logical vk.Device
	if err := check("vkCreateDevice", vk.CreateDevice(d.physical, &createInfo, nil, &logical)); err != nil {
		return err
	}
	d.logical = logical

	var queue vk.Queue
	vk.GetDeviceQueue(d.logical, d.queueFamily, 0, &queue)
	d.queue = queue
	d.locks.SetQueueFamily(d.queueFamily)
	core.LogInfo("Logical device created.")
	return nil
}

func (d *Device) hasDeviceExtension(name string) bool {
	var count uint32
	if vk.EnumerateDeviceExtensionProperties(d.physical, "", &count, nil) != vk.Success || count == 0 {
		return false
	}
	available := make([]vk.ExtensionProperties, count)
	if vk.EnumerateDeviceExtensionProperties(d.physical, "", &count, available) != vk.Success {
		return false
	}
	for i := range available {
		available[i].Deref()
		if vk.ToString(available[i].ExtensionName[:]) == name {
			return true
		}
	}
	return false
}

// supportsAttachment reports whether format can back an attachment of the
// given usage with optimal tiling.
func (d *Device) supportsAttachment(format vk.Format, depth bool) bool {
	var props vk.FormatProperties
	vk.GetPhysicalDeviceFormatProperties(d.physical, format, &props)
	props.Deref()
	want := vk.FormatFeatureColorAttachmentBit
	if depth {
		want = vk.FormatFeatureDepthStencilAttachmentBit
	}
	return vk.FormatFeatureFlagBits(props.OptimalTilingFeatures)&want == want
}
