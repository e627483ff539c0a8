package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

func attachmentFormat(f metadata.AttachmentFormat) (vk.Format, error) {
	switch f {
	case metadata.FormatSwapchain:
		return vk.FormatB8g8r8a8Srgb, nil
	case metadata.FormatRGBA8:
		return vk.FormatR8g8b8a8Unorm, nil
	case metadata.FormatRGBA16F:
		return vk.FormatR16g16b16a16Sfloat, nil
	case metadata.FormatDepth32F:
		return vk.FormatD32Sfloat, nil
	case metadata.FormatDepth24Stencil8:
		return vk.FormatD24UnormS8Uint, nil
	}
	return vk.FormatUndefined, fmt.Errorf("unsupported attachment format %s", f)
}

func sampleCount(n uint32) vk.SampleCountFlagBits {
	switch n {
	case 2:
		return vk.SampleCount2Bit
	case 4:
		return vk.SampleCount4Bit
	case 8:
		return vk.SampleCount8Bit
	case 16:
		return vk.SampleCount16Bit
	}
	return vk.SampleCount1Bit
}

func loadOp(op metadata.RenderTargetAttachmentLoadOperation) vk.AttachmentLoadOp {
	switch op {
	case metadata.RENDER_TARGET_ATTACHMENT_LOAD_OPERATION_LOAD:
		return vk.AttachmentLoadOpLoad
	case metadata.RENDER_TARGET_ATTACHMENT_LOAD_OPERATION_CLEAR:
		return vk.AttachmentLoadOpClear
	}
	return vk.AttachmentLoadOpDontCare
}

func storeOp(op metadata.RenderTargetAttachmentStoreOperation) vk.AttachmentStoreOp {
	if op == metadata.RENDER_TARGET_ATTACHMENT_STORE_OPERATION_STORE {
		return vk.AttachmentStoreOpStore
	}
	return vk.AttachmentStoreOpDontCare
}

func isDepth(a metadata.RenderTargetAttachmentConfig) bool {
	return a.RenderTargetAttachmentType&(metadata.RENDER_TARGET_ATTACHMENT_TYPE_DEPTH|metadata.RENDER_TARGET_ATTACHMENT_TYPE_STENCIL) != 0
}

func attachmentDescription(a metadata.RenderTargetAttachmentConfig) (vk.AttachmentDescription, error) {
	format, err := attachmentFormat(a.Format)
	if err != nil {
		return vk.AttachmentDescription{}, err
	}
	desc := vk.AttachmentDescription{
		Format:         format,
		Samples:        sampleCount(a.Samples),
		LoadOp:         loadOp(a.LoadOperation),
		StoreOp:        storeOp(a.StoreOperation),
		StencilLoadOp:  vk.AttachmentLoadOpDontCare,
		StencilStoreOp: vk.AttachmentStoreOpDontCare,
		// Do not expect any particular layout before render pass starts.
		InitialLayout: vk.ImageLayoutUndefined,
		FinalLayout:   vk.ImageLayoutColorAttachmentOptimal,
	}
	if a.LoadOperation == metadata.RENDER_TARGET_ATTACHMENT_LOAD_OPERATION_LOAD {
		desc.InitialLayout = vk.ImageLayoutColorAttachmentOptimal
	}
	switch {
	case isDepth(a):
		desc.FinalLayout = vk.ImageLayoutDepthStencilAttachmentOptimal
		if a.LoadOperation == metadata.RENDER_TARGET_ATTACHMENT_LOAD_OPERATION_LOAD {
			desc.InitialLayout = vk.ImageLayoutDepthStencilAttachmentOptimal
		}
		if a.RenderTargetAttachmentType&metadata.RENDER_TARGET_ATTACHMENT_TYPE_STENCIL != 0 {
			desc.StencilLoadOp, desc.StencilStoreOp = desc.LoadOp, desc.StoreOp
		}
	case a.PresentAfter:
		// Transitioned to after the render pass
		desc.FinalLayout = vk.ImageLayoutPresentSrc
	}
	return desc, nil
}

func subpassDescription(sp metadata.SubpassConfig) vk.SubpassDescription {
	colour := make([]vk.AttachmentReference, len(sp.ColourAttachments))
	for i, idx := range sp.ColourAttachments {
		colour[i] = vk.AttachmentReference{Attachment: idx, Layout: vk.ImageLayoutColorAttachmentOptimal}
	}
	input := make([]vk.AttachmentReference, len(sp.InputAttachments))
	for i, idx := range sp.InputAttachments {
		input[i] = vk.AttachmentReference{Attachment: idx, Layout: vk.ImageLayoutShaderReadOnlyOptimal}
	}
	desc := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: uint32(len(colour)),
		PColorAttachments:    colour,
		InputAttachmentCount: uint32(len(input)),
		PInputAttachments:    input,
	}
	if sp.DepthAttachment >= 0 {
		desc.PDepthStencilAttachment = &vk.AttachmentReference{
			Attachment: uint32(sp.DepthAttachment),
			Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
		}
	}
	return desc
}

// subpassDependencies chains every subpass after the previous one, the first
// one after whatever wrote the attachments before the pass.
func subpassDependencies(count int) []vk.SubpassDependency {
	stages := vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit) | vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit)
	access := vk.AccessFlags(vk.AccessColorAttachmentReadBit) | vk.AccessFlags(vk.AccessColorAttachmentWriteBit) |
		vk.AccessFlags(vk.AccessDepthStencilAttachmentWriteBit)
	deps := []vk.SubpassDependency{{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  stages,
		DstStageMask:  stages,
		DstAccessMask: access,
	}}
	for i := 1; i < count; i++ {
		deps = append(deps, vk.SubpassDependency{
			SrcSubpass:      uint32(i - 1),
			DstSubpass:      uint32(i),
			SrcStageMask:    stages,
			DstStageMask:    vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit),
			SrcAccessMask:   access,
			DstAccessMask:   vk.AccessFlags(vk.AccessInputAttachmentReadBit),
			DependencyFlags: vk.DependencyFlags(vk.DependencyByRegionBit),
		})
	}
	return deps
}

func (d *Device) CreateRenderPass(shape metadata.RenderPassShape) (metadata.Handle, error) {
	if err := shape.Validate(); err != nil {
		return metadata.NullHandle, err
	}
	attachments := make([]vk.AttachmentDescription, len(shape.Attachments))
	for i, a := range shape.Attachments {
		desc, err := attachmentDescription(a)
		if err != nil {
			return metadata.NullHandle, fmt.Errorf("attachment %d: %w", i, err)
		}
		if !d.supportsAttachment(desc.Format, isDepth(a)) {
			return metadata.NullHandle, fmt.Errorf("attachment %d: format %s is not renderable on this device", i, a.Format)
		}
		attachments[i] = desc
	}
	subpasses := make([]vk.SubpassDescription, len(shape.Subpasses))
	for i, sp := range shape.Subpasses {
		subpasses[i] = subpassDescription(sp)
	}
	deps := subpassDependencies(len(subpasses))

	createInfo := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    uint32(len(subpasses)),
		PSubpasses:      subpasses,
		DependencyCount: uint32(len(deps)),
		PDependencies:   deps,
	}
	var pass vk.RenderPass
	if err := check("vkCreateRenderPass", vk.CreateRenderPass(d.logical, &createInfo, nil, &pass)); err != nil {
		return metadata.NullHandle, err
	}
	return d.register(objectRenderPass, pass), nil
}

func (d *Device) DestroyRenderPass(pass metadata.Handle) {
	if v, ok := d.forget(objectRenderPass, pass); ok {
		vk.DestroyRenderPass(d.logical, v.(vk.RenderPass), nil)
	}
}
