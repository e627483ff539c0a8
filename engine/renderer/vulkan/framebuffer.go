package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

// CreateFramebuffer binds imported image views, one per attachment of the
// pass, at the requested size.
func (d *Device) CreateFramebuffer(pass metadata.Handle, config metadata.FramebufferConfig) (metadata.Handle, error) {
	vkPass, err := lookup[vk.RenderPass](d, objectRenderPass, pass)
	if err != nil {
		return metadata.NullHandle, err
	}
	if config.Width == 0 || config.Height == 0 {
		return metadata.NullHandle, fmt.Errorf("framebuffer size %dx%d is empty", config.Width, config.Height)
	}
	views, err := lookupAll[vk.ImageView](d, objectImageView, config.Views)
	if err != nil {
		return metadata.NullHandle, fmt.Errorf("framebuffer attachment: %w", err)
	}
	createInfo := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      vkPass,
		AttachmentCount: uint32(len(views)),
		PAttachments:    views,
		Width:           config.Width,
		Height:          config.Height,
		Layers:          1,
	}
	var framebuffer vk.Framebuffer
	if err := check("vkCreateFramebuffer", vk.CreateFramebuffer(d.logical, &createInfo, nil, &framebuffer)); err != nil {
		return metadata.NullHandle, err
	}
	return d.register(objectFramebuffer, framebuffer), nil
}

func (d *Device) DestroyFramebuffer(framebuffer metadata.Handle) {
	if v, ok := d.forget(objectFramebuffer, framebuffer); ok {
		vk.DestroyFramebuffer(d.logical, v.(vk.Framebuffer), nil)
	}
}
