package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/pipeforge/engine/core"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

func descriptorType(kind metadata.DescriptorKind) (vk.DescriptorType, error) {
	switch kind {
	case metadata.DescriptorKindUniformBuffer:
		return vk.DescriptorTypeUniformBuffer, nil
	case metadata.DescriptorKindCombinedImageSampler:
		return vk.DescriptorTypeCombinedImageSampler, nil
	}
	return 0, fmt.Errorf("unsupported descriptor kind %s", kind)
}

func layoutBindings(bindings []metadata.LayoutBinding) ([]vk.DescriptorSetLayoutBinding, error) {
	out := make([]vk.DescriptorSetLayoutBinding, len(bindings))
	for i, b := range bindings {
		t, err := descriptorType(b.Kind)
		if err != nil {
			return nil, fmt.Errorf("binding %d: %w", b.Binding, err)
		}
		out[i] = vk.DescriptorSetLayoutBinding{
			Binding:         b.Binding,
			DescriptorType:  t,
			DescriptorCount: max(b.Count, 1),
			StageFlags:      shaderStageFlags(b.Stages),
		}
	}
	return out, nil
}

func (d *Device) CreateDescriptorSetLayout(bindings []metadata.LayoutBinding) (metadata.Handle, error) {
	vkBindings, err := layoutBindings(bindings)
	if err != nil {
		return metadata.NullHandle, err
	}
	createInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(vkBindings)),
		PBindings:    vkBindings,
	}
	var layout vk.DescriptorSetLayout
	if err := check("vkCreateDescriptorSetLayout", vk.CreateDescriptorSetLayout(d.logical, &createInfo, nil, &layout)); err != nil {
		return metadata.NullHandle, err
	}
	return d.register(objectDescriptorSetLayout, layout), nil
}

func (d *Device) DestroyDescriptorSetLayout(layout metadata.Handle) {
	if v, ok := d.forget(objectDescriptorSetLayout, layout); ok {
		vk.DestroyDescriptorSetLayout(d.logical, v.(vk.DescriptorSetLayout), nil)
	}
}

// poolSizes splits the set budget between the two descriptor kinds, assuming
// a handful of each per set.
func poolSizes(maxSets uint32) []vk.DescriptorPoolSize {
	return []vk.DescriptorPoolSize{
		{Type: vk.DescriptorTypeUniformBuffer, DescriptorCount: maxSets * 4},
		{Type: vk.DescriptorTypeCombinedImageSampler, DescriptorCount: maxSets * 8},
	}
}

func (d *Device) createDescriptorPool() error {
	sizes := poolSizes(d.opts.MaxDescriptorSets)
	createInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		Flags:         vk.DescriptorPoolCreateFlags(vk.DescriptorPoolCreateFreeDescriptorSetBit),
		MaxSets:       d.opts.MaxDescriptorSets,
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}
	var pool vk.DescriptorPool
	if err := check("vkCreateDescriptorPool", vk.CreateDescriptorPool(d.logical, &createInfo, nil, &pool)); err != nil {
		return err
	}
	d.descriptorPool = pool
	return nil
}

func (d *Device) AllocateDescriptorSet(layout metadata.Handle) (metadata.Handle, error) {
	vkLayout, err := lookup[vk.DescriptorSetLayout](d, objectDescriptorSetLayout, layout)
	if err != nil {
		return metadata.NullHandle, err
	}
	allocInfo := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     d.descriptorPool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{vkLayout},
	}
	var set vk.DescriptorSet
	if err := d.locks.SafeCall(DescriptorPoolManagement, func() error {
		return check("vkAllocateDescriptorSets", vk.AllocateDescriptorSets(d.logical, &allocInfo, &set))
	}); err != nil {
		return metadata.NullHandle, err
	}
	return d.register(objectDescriptorSet, set), nil
}

func (d *Device) FreeDescriptorSet(set metadata.Handle) {
	v, ok := d.forget(objectDescriptorSet, set)
	if !ok {
		return
	}
	vkSet := v.(vk.DescriptorSet)
	if err := d.locks.SafeCall(DescriptorPoolManagement, func() error {
		return check("vkFreeDescriptorSets", vk.FreeDescriptorSets(d.logical, d.descriptorPool, 1, &vkSet))
	}); err != nil {
		core.LogError("vulkan: %s", err)
	}
}

/**
 * @brief Translates every write and applies them in a single
 * vkUpdateDescriptorSets call.
 */
func (d *Device) UpdateDescriptorSet(set metadata.Handle, writes []metadata.DescriptorWrite) error {
	if len(writes) == 0 {
		return nil
	}
	vkSet, err := lookup[vk.DescriptorSet](d, objectDescriptorSet, set)
	if err != nil {
		return err
	}
	vkWrites := make([]vk.WriteDescriptorSet, 0, len(writes))
	for _, w := range writes {
		write := vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          vkSet,
			DstBinding:      w.Slot().Binding,
			DstArrayElement: w.Slot().ArrayElement,
			DescriptorCount: 1,
		}
		switch w := w.(type) {
		case metadata.BufferWrite:
			buffer, err := lookup[vk.Buffer](d, objectBuffer, w.Buffer.Buffer)
			if err != nil {
				return fmt.Errorf("binding %d: %w", w.Binding, err)
			}
			size := vk.DeviceSize(vk.WholeSize)
			if w.Buffer.Range != 0 {
				size = vk.DeviceSize(w.Buffer.Range)
			}
			write.DescriptorType = vk.DescriptorTypeUniformBuffer
			write.PBufferInfo = []vk.DescriptorBufferInfo{{
				Buffer: buffer,
				Offset: vk.DeviceSize(w.Buffer.Offset),
				Range:  size,
			}}
		case metadata.ImageWrite:
			view, err := lookup[vk.ImageView](d, objectImageView, w.Image.View)
			if err != nil {
				return fmt.Errorf("binding %d: %w", w.Binding, err)
			}
			sampler, ok := d.samplers[w.Sampler.Canonical()]
			if !ok {
				return fmt.Errorf("binding %d: no %s sampler", w.Binding, w.Sampler)
			}
			write.DescriptorType = vk.DescriptorTypeCombinedImageSampler
			write.PImageInfo = []vk.DescriptorImageInfo{{
				Sampler:     sampler,
				ImageView:   view,
				ImageLayout: vk.ImageLayoutShaderReadOnlyOptimal,
			}}
		default:
			return fmt.Errorf("unsupported descriptor write %T", w)
		}
		vkWrites = append(vkWrites, write)
	}
	return d.locks.SafeCall(DescriptorPoolManagement, func() error {
		vk.UpdateDescriptorSets(d.logical, uint32(len(vkWrites)), vkWrites, 0, nil)
		return nil
	})
}

// samplerInfo describes one canonical sampler.
func samplerInfo(kind metadata.SamplerKind) vk.SamplerCreateInfo {
	info := vk.SamplerCreateInfo{
		SType:        vk.StructureTypeSamplerCreateInfo,
		MagFilter:    vk.FilterLinear,
		MinFilter:    vk.FilterLinear,
		MipmapMode:   vk.SamplerMipmapModeLinear,
		AddressModeU: vk.SamplerAddressModeRepeat,
		AddressModeV: vk.SamplerAddressModeRepeat,
		AddressModeW: vk.SamplerAddressModeRepeat,
		MaxLod:       1000,
		BorderColor:  vk.BorderColorIntOpaqueBlack,
	}
	switch kind.Canonical() {
	case metadata.SamplerLinearClamp:
		info.AddressModeU = vk.SamplerAddressModeClampToEdge
		info.AddressModeV = vk.SamplerAddressModeClampToEdge
		info.AddressModeW = vk.SamplerAddressModeClampToEdge
	case metadata.SamplerNearestRepeat:
		info.MagFilter, info.MinFilter = vk.FilterNearest, vk.FilterNearest
		info.MipmapMode = vk.SamplerMipmapModeNearest
	case metadata.SamplerNearestClamp:
		info.MagFilter, info.MinFilter = vk.FilterNearest, vk.FilterNearest
		info.MipmapMode = vk.SamplerMipmapModeNearest
		info.AddressModeU = vk.SamplerAddressModeClampToEdge
		info.AddressModeV = vk.SamplerAddressModeClampToEdge
		info.AddressModeW = vk.SamplerAddressModeClampToEdge
	case metadata.SamplerShadow:
		info.AddressModeU = vk.SamplerAddressModeClampToBorder
		info.AddressModeV = vk.SamplerAddressModeClampToBorder
		info.AddressModeW = vk.SamplerAddressModeClampToBorder
		info.BorderColor = vk.BorderColorFloatOpaqueWhite
		info.CompareEnable = vk.True
		info.CompareOp = vk.CompareOpLessOrEqual
	}
	return info
}

func (d *Device) createSamplers() error {
	d.samplers = make(map[metadata.SamplerKind]vk.Sampler, len(metadata.SamplerKinds))
	return d.locks.SafeCall(SamplerManagement, func() error {
		for _, kind := range metadata.SamplerKinds {
			info := samplerInfo(kind)
			var sampler vk.Sampler
			if err := check("vkCreateSampler", vk.CreateSampler(d.logical, &info, nil, &sampler)); err != nil {
				return fmt.Errorf("%s sampler: %w", kind, err)
			}
			d.samplers[kind] = sampler
		}
		return nil
	})
}
