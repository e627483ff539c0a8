package renderer

import "github.com/spaghettifunk/pipeforge/engine/renderer/metadata"

/**
 * @brief A native object factory. Every object the pipeline machinery creates
 * goes through a Device, so a cache can be exercised against the in-memory
 * headless implementation and run unchanged on Vulkan.
 *
 * Destroy calls on metadata.NullHandle are no-ops.
 */
type Device interface {
	CreateShaderModule(stage metadata.ShaderStage, code []uint32) (metadata.Handle, error)
	DestroyShaderModule(module metadata.Handle)

	CreateDescriptorSetLayout(bindings []metadata.LayoutBinding) (metadata.Handle, error)
	DestroyDescriptorSetLayout(layout metadata.Handle)

	CreatePipelineLayout(setLayouts []metadata.Handle, ranges []metadata.PushConstantRange) (metadata.Handle, error)
	DestroyPipelineLayout(layout metadata.Handle)

	CreateRenderPass(shape metadata.RenderPassShape) (metadata.Handle, error)
	DestroyRenderPass(pass metadata.Handle)

	CreateFramebuffer(pass metadata.Handle, config metadata.FramebufferConfig) (metadata.Handle, error)
	DestroyFramebuffer(framebuffer metadata.Handle)

	CreateGraphicsPipeline(info *GraphicsPipelineInfo) (metadata.Handle, error)
	DestroyPipeline(pipeline metadata.Handle)

	AllocateDescriptorSet(layout metadata.Handle) (metadata.Handle, error)
	FreeDescriptorSet(set metadata.Handle)
	// UpdateDescriptorSet applies every write in one batched update.
	UpdateDescriptorSet(set metadata.Handle, writes []metadata.DescriptorWrite) error

	// WaitIdle blocks until the device has no work in flight.
	WaitIdle() error
}

/** @brief One programmable stage handed to CreateGraphicsPipeline. */
type PipelineStage struct {
	Stage      metadata.ShaderStage
	Module     metadata.Handle
	EntryPoint string
}

/**
 * @brief Everything a native graphics pipeline is built from.
 */
type GraphicsPipelineInfo struct {
	Name               string
	Stages             []PipelineStage
	Layout             metadata.Handle
	RenderPass         metadata.Handle
	Subpass            uint32
	ColourAttachments  int
	Size               metadata.TargetSize
	VertexInput        metadata.VertexInputKind
	Topology           metadata.PrimitiveTopology
	PolygonMode        metadata.PolygonMode
	CullMode           metadata.CullMode
	DepthTest          bool
	DepthWrite         bool
	DepthClamp         bool
	PatchControlPoints uint32
	BlendAttachments   []metadata.BlendAttachment
	DynamicStates      metadata.DynamicState
}

// BlendStates returns one blend state per colour attachment, padding with
// the last declared state (or the opaque default).
func (info *GraphicsPipelineInfo) BlendStates() []metadata.BlendAttachment {
	out := make([]metadata.BlendAttachment, info.ColourAttachments)
	fill := metadata.DefaultBlendAttachment()
	for i := range out {
		if i < len(info.BlendAttachments) {
			fill = info.BlendAttachments[i]
		}
		out[i] = fill
	}
	return out
}
