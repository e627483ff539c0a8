package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/pipeforge/engine/core"
	"github.com/spaghettifunk/pipeforge/engine/renderer"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

// NOTE: 32 is the max number of ranges we can ever have, since only 128 bytes
// with 4-byte alignment are guaranteed.
const maxPushConstantRanges = 32

func (d *Device) CreatePipelineLayout(setLayouts []metadata.Handle, ranges []metadata.PushConstantRange) (metadata.Handle, error) {
	if len(ranges) > maxPushConstantRanges {
		return metadata.NullHandle, fmt.Errorf("cannot have more than %d push constant ranges, got %d", maxPushConstantRanges, len(ranges))
	}
	layouts, err := lookupAll[vk.DescriptorSetLayout](d, objectDescriptorSetLayout, setLayouts)
	if err != nil {
		return metadata.NullHandle, err
	}
	vkRanges := make([]vk.PushConstantRange, len(ranges))
	for i, r := range ranges {
		vkRanges[i] = vk.PushConstantRange{
			StageFlags: shaderStageFlags(r.Stages),
			Offset:     r.Offset,
			Size:       r.Size,
		}
	}
	createInfo := vk.PipelineLayoutCreateInfo{
		SType:                  vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount:         uint32(len(layouts)),
		PSetLayouts:            layouts,
		PushConstantRangeCount: uint32(len(vkRanges)),
		PPushConstantRanges:    vkRanges,
	}
	var layout vk.PipelineLayout
	if err := check("vkCreatePipelineLayout", vk.CreatePipelineLayout(d.logical, &createInfo, nil, &layout)); err != nil {
		return metadata.NullHandle, err
	}
	return d.register(objectPipelineLayout, layout), nil
}

func (d *Device) DestroyPipelineLayout(layout metadata.Handle) {
	if v, ok := d.forget(objectPipelineLayout, layout); ok {
		vk.DestroyPipelineLayout(d.logical, v.(vk.PipelineLayout), nil)
	}
}

func topology(t metadata.PrimitiveTopology) vk.PrimitiveTopology {
	switch t {
	case metadata.TopologyTriangleStrip:
		return vk.PrimitiveTopologyTriangleStrip
	case metadata.TopologyTriangleFan:
		return vk.PrimitiveTopologyTriangleFan
	case metadata.TopologyLineList:
		return vk.PrimitiveTopologyLineList
	case metadata.TopologyLineStrip:
		return vk.PrimitiveTopologyLineStrip
	case metadata.TopologyPointList:
		return vk.PrimitiveTopologyPointList
	case metadata.TopologyPatchList:
		return vk.PrimitiveTopologyPatchList
	}
	return vk.PrimitiveTopologyTriangleList
}

func polygonMode(m metadata.PolygonMode) vk.PolygonMode {
	switch m {
	case metadata.PolygonModeLine:
		return vk.PolygonModeLine
	case metadata.PolygonModePoint:
		return vk.PolygonModePoint
	}
	return vk.PolygonModeFill
}

func cullMode(c metadata.CullMode) vk.CullModeFlags {
	var flags vk.CullModeFlags
	if c&metadata.CullModeFront != 0 {
		flags |= vk.CullModeFlags(vk.CullModeFrontBit)
	}
	if c&metadata.CullModeBack != 0 {
		flags |= vk.CullModeFlags(vk.CullModeBackBit)
	}
	return flags
}

var blendFactors = map[metadata.BlendFactor]vk.BlendFactor{
	metadata.BlendFactorZero:             vk.BlendFactorZero,
	metadata.BlendFactorOne:              vk.BlendFactorOne,
	metadata.BlendFactorSrcColor:         vk.BlendFactorSrcColor,
	metadata.BlendFactorOneMinusSrcColor: vk.BlendFactorOneMinusSrcColor,
	metadata.BlendFactorDstColor:         vk.BlendFactorDstColor,
	metadata.BlendFactorOneMinusDstColor: vk.BlendFactorOneMinusDstColor,
	metadata.BlendFactorSrcAlpha:         vk.BlendFactorSrcAlpha,
	metadata.BlendFactorOneMinusSrcAlpha: vk.BlendFactorOneMinusSrcAlpha,
	metadata.BlendFactorDstAlpha:         vk.BlendFactorDstAlpha,
	metadata.BlendFactorOneMinusDstAlpha: vk.BlendFactorOneMinusDstAlpha,
}

const colorWriteAll = vk.ColorComponentFlags(vk.ColorComponentRBit) | vk.ColorComponentFlags(vk.ColorComponentGBit) |
	vk.ColorComponentFlags(vk.ColorComponentBBit) | vk.ColorComponentFlags(vk.ColorComponentABit)

func blendState(b metadata.BlendAttachment) vk.PipelineColorBlendAttachmentState {
	state := vk.PipelineColorBlendAttachmentState{
		BlendEnable:         vk.False,
		SrcColorBlendFactor: blendFactors[b.SrcColor],
		DstColorBlendFactor: blendFactors[b.DstColor],
		ColorBlendOp:        vk.BlendOpAdd,
		SrcAlphaBlendFactor: blendFactors[b.SrcAlpha],
		DstAlphaBlendFactor: blendFactors[b.DstAlpha],
		AlphaBlendOp:        vk.BlendOpAdd,
		ColorWriteMask:      colorWriteAll,
	}
	if b.Enable {
		state.BlendEnable = vk.True
	}
	return state
}

func vertexFormat(components uint32) vk.Format {
	switch components {
	case 1:
		return vk.FormatR32Sfloat
	case 2:
		return vk.FormatR32g32Sfloat
	case 3:
		return vk.FormatR32g32b32Sfloat
	}
	return vk.FormatR32g32b32a32Sfloat
}

func vertexInput(kind metadata.VertexInputKind) ([]vk.VertexInputBindingDescription, []vk.VertexInputAttributeDescription) {
	attrs, stride := kind.Attributes()
	if len(attrs) == 0 {
		return nil, nil
	}
	binding := []vk.VertexInputBindingDescription{{
		Binding:   0,
		Stride:    stride,
		InputRate: vk.VertexInputRateVertex,
	}}
	out := make([]vk.VertexInputAttributeDescription, len(attrs))
	for i, a := range attrs {
		out[i] = vk.VertexInputAttributeDescription{
			Location: a.Location,
			Binding:  0,
			Format:   vertexFormat(a.Components),
			Offset:   a.Offset,
		}
	}
	return binding, out
}

// dynamicStates always includes viewport and scissor when the size follows
// the swapchain, since no fixed extent exists at build time.
func dynamicStates(info *renderer.GraphicsPipelineInfo) []vk.DynamicState {
	mask := info.DynamicStates
	if info.Size.TrackSwapchain {
		mask |= metadata.DynamicStateViewport | metadata.DynamicStateScissor
	}
	var out []vk.DynamicState
	if mask&metadata.DynamicStateViewport != 0 {
		out = append(out, vk.DynamicStateViewport)
	}
	if mask&metadata.DynamicStateScissor != 0 {
		out = append(out, vk.DynamicStateScissor)
	}
	return out
}

func boolean(b bool) vk.Bool32 {
	if b {
		return vk.True
	}
	return vk.False
}

/**
 * @brief Translates the pipeline info into one vkCreateGraphicsPipelines call.
 * Stage modules, the layout and the render pass must be live handles of this
 * device.
 */
func (d *Device) CreateGraphicsPipeline(info *renderer.GraphicsPipelineInfo) (metadata.Handle, error) {
	layout, err := lookup[vk.PipelineLayout](d, objectPipelineLayout, info.Layout)
	if err != nil {
		return metadata.NullHandle, fmt.Errorf("pipeline '%s' layout: %w", info.Name, err)
	}
	pass, err := lookup[vk.RenderPass](d, objectRenderPass, info.RenderPass)
	if err != nil {
		return metadata.NullHandle, fmt.Errorf("pipeline '%s' render pass: %w", info.Name, err)
	}

	stages := make([]vk.PipelineShaderStageCreateInfo, len(info.Stages))
	for i, s := range info.Stages {
		module, err := lookup[vk.ShaderModule](d, objectShaderModule, s.Module)
		if err != nil {
			return metadata.NullHandle, fmt.Errorf("pipeline '%s' %s stage: %w", info.Name, s.Stage, err)
		}
		bit, err := shaderStageBit(s.Stage)
		if err != nil {
			return metadata.NullHandle, err
		}
		entry := s.EntryPoint
		if entry == "" {
			entry = "main"
		}
		stages[i] = vk.PipelineShaderStageCreateInfo{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  bit,
			Module: module,
			PName:  VulkanSafeString(entry),
		}
	}

	width, height := max(info.Size.Width, 1), max(info.Size.Height, 1)
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		PViewports: []vk.Viewport{{
			Width:    float32(width),
			Height:   float32(height),
			MinDepth: 0,
			MaxDepth: 1,
		}},
		ScissorCount: 1,
		PScissors:    []vk.Rect2D{{Extent: vk.Extent2D{Width: width, Height: height}}},
	}

	rasterizer := vk.PipelineRasterizationStateCreateInfo{
		SType:                   vk.StructureTypePipelineRasterizationStateCreateInfo,
		DepthClampEnable:        boolean(info.DepthClamp),
		RasterizerDiscardEnable: vk.False,
		PolygonMode:             polygonMode(info.PolygonMode),
		CullMode:                cullMode(info.CullMode),
		FrontFace:               vk.FrontFaceCounterClockwise,
		LineWidth:               1.0,
	}

	multisampling := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: vk.SampleCount1Bit,
		MinSampleShading:     1.0,
	}

	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType:            vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthTestEnable:  boolean(info.DepthTest),
		DepthWriteEnable: boolean(info.DepthWrite),
		DepthCompareOp:   vk.CompareOpLess,
	}

	blends := info.BlendStates()
	attachments := make([]vk.PipelineColorBlendAttachmentState, len(blends))
	for i, b := range blends {
		attachments[i] = blendState(b)
	}
	colorBlend := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		LogicOpEnable:   vk.False,
		LogicOp:         vk.LogicOpCopy,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
	}

	dynamic := dynamicStates(info)
	dynamicState := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamic)),
		PDynamicStates:    dynamic,
	}

	bindings, attrs := vertexInput(info.VertexInput)
	vertexInputInfo := vk.PipelineVertexInputStateCreateInfo{
		SType:                           vk.StructureTypePipelineVertexInputStateCreateInfo,
		VertexBindingDescriptionCount:   uint32(len(bindings)),
		PVertexBindingDescriptions:      bindings,
		VertexAttributeDescriptionCount: uint32(len(attrs)),
		PVertexAttributeDescriptions:    attrs,
	}

	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:                  vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology:               topology(info.Topology),
		PrimitiveRestartEnable: vk.False,
	}

	pipelineCreateInfo := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   &vertexInputInfo,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizer,
		PMultisampleState:   &multisampling,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlend,
		PDynamicState:       &dynamicState,
		Layout:              layout,
		RenderPass:          pass,
		Subpass:             info.Subpass,
		BasePipelineIndex:   -1,
	}
	if info.Topology == metadata.TopologyPatchList {
		pipelineCreateInfo.PTessellationState = &vk.PipelineTessellationStateCreateInfo{
			SType:              vk.StructureTypePipelineTessellationStateCreateInfo,
			PatchControlPoints: max(info.PatchControlPoints, 1),
		}
	}

	pipelines := make([]vk.Pipeline, 1)
	if err := check("vkCreateGraphicsPipelines", vk.CreateGraphicsPipelines(
		d.logical,
		vk.NullPipelineCache,
		1,
		[]vk.GraphicsPipelineCreateInfo{pipelineCreateInfo},
		nil,
		pipelines)); err != nil {
		return metadata.NullHandle, fmt.Errorf("pipeline '%s': %w", info.Name, err)
	}
	core.LogDebug("Graphics pipeline '%s' created.", info.Name)
	return d.register(objectPipeline, pipelines[0]), nil
}

func (d *Device) DestroyPipeline(pipeline metadata.Handle) {
	if v, ok := d.forget(objectPipeline, pipeline); ok {
		vk.DestroyPipeline(d.logical, v.(vk.Pipeline), nil)
	}
}
