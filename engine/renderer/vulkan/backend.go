package vulkan

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/pipeforge/engine/core"
)

const validationLayer = "VK_LAYER_KHRONOS_validation"

// ErrVulkanUnavailable is returned by Open when no Vulkan loader can be found.
var ErrVulkanUnavailable = errors.New("vulkan is not available on this system")

type Options struct {
	AppName string
	/** @brief Enables the validation layer and routes its reports to the logger. */
	Validation bool
	/** @brief Capacity of the descriptor pool. */
	MaxDescriptorSets uint32
}

func OptionsFromConfig(appName string, cfg core.VulkanConfig) Options {
	return Options{
		AppName:           appName,
		Validation:        cfg.Validation,
		MaxDescriptorSets: cfg.MaxDescriptorSets,
	}
}

/**
 * @brief Brings up a Vulkan instance and logical device without any surface.
 * Pipelines can be created but nothing is presented. glfw only provides the
 * loader entry point, so Open must run on the main thread.
 * @param opts The device options.
 * @return The device, or an error when no usable physical device exists.
 */
func Open(opts Options) (*Device, error) {
	if opts.MaxDescriptorSets == 0 {
		opts.MaxDescriptorSets = 1024
	}
	if err := glfw.Init(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrVulkanUnavailable, err)
	}
	if !glfw.VulkanSupported() {
		glfw.Terminate()
		return nil, ErrVulkanUnavailable
	}
	procAddr := glfw.GetVulkanGetInstanceProcAddress()
	if procAddr == nil {
		glfw.Terminate()
		return nil, fmt.Errorf("%w: GetInstanceProcAddress is nil", ErrVulkanUnavailable)
	}
	vk.SetGetInstanceProcAddr(procAddr)
	if err := vk.Init(); err != nil {
		glfw.Terminate()
		return nil, fmt.Errorf("vk.Init: %w", err)
	}

	d := newDevice(opts)
	if err := d.createInstance(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.selectPhysicalDevice(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.createLogicalDevice(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.createDescriptorPool(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.createSamplers(); err != nil {
		d.Close()
		return nil, err
	}
	core.LogInfo("Vulkan device ready.")
	return d, nil
}

func (d *Device) createInstance() error {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(d.opts.AppName),
		PEngineName:        VulkanSafeString("pipeforge"),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	var extensions []string
	if runtime.GOOS == "darwin" {
		extensions = append(extensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		// VK_INSTANCE_CREATE_ENUMERATE_PORTABILITY_BIT_KHR
		createInfo.Flags |= 1
	}

	var layers []string
	if d.opts.Validation {
		extensions = append(extensions, vk.ExtDebugReportExtensionName)
		if !instanceLayerAvailable(validationLayer) {
			return fmt.Errorf("required validation layer is missing: %s", validationLayer)
		}
		layers = append(layers, validationLayer)
		core.LogInfo("Validation layers enabled.")
	}

	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(extensions)
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(layers)

	var instance vk.Instance
	if err := check("vkCreateInstance", vk.CreateInstance(&createInfo, nil, &instance)); err != nil {
		return err
	}
	d.instance = instance
	if err := vk.InitInstance(instance); err != nil {
		return err
	}
	core.LogDebug("Vulkan instance created.")

	if d.opts.Validation {
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		var dbg vk.DebugReportCallback
		if err := check("vkCreateDebugReportCallback", vk.CreateDebugReportCallback(instance, &debugCreateInfo, nil, &dbg)); err != nil {
			return err
		}
		d.debugCallback = dbg
	}
	return nil
}

func instanceLayerAvailable(name string) bool {
	var count uint32
	if vk.EnumerateInstanceLayerProperties(&count, nil) != vk.Success {
		return false
	}
	layers := make([]vk.LayerProperties, count)
	if vk.EnumerateInstanceLayerProperties(&count, layers) != vk.Success {
		return false
	}
	for i := range layers {
		layers[i].Deref()
		if vk.ToString(layers[i].LayerName[:]) == name {
			return true
		}
	}
	return false
}

/**
 * @brief Destroys every object still in the handle table, then the device and
 * instance. Safe to call on a partially opened device.
 */
func (d *Device) Close() {
	if d.logical != nil {
		vk.DeviceWaitIdle(d.logical)
		d.destroyAll()
		for _, s := range d.samplers {
			vk.DestroySampler(d.logical, s, nil)
		}
		d.samplers = nil
		if d.descriptorPool != nil {
			vk.DestroyDescriptorPool(d.logical, d.descriptorPool, nil)
			d.descriptorPool = nil
		}
		vk.DestroyDevice(d.logical, nil)
		d.logical = nil
	}
	if d.instance != nil {
		if d.debugCallback != nil {
			vk.DestroyDebugReportCallback(d.instance, d.debugCallback, nil)
			d.debugCallback = nil
		}
		vk.DestroyInstance(d.instance, nil)
		d.instance = nil
	}
	glfw.Terminate()
}

// WaitIdle blocks until the queue drains.
func (d *Device) WaitIdle() error {
	return d.locks.SafeQueueCall(d.queueFamily, func() error {
		return check("vkDeviceWaitIdle", vk.DeviceWaitIdle(d.logical))
	})
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("PERFORMANCE [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogDebug("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
