package vulkan

import (
	"os"
	"testing"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/pipeforge/engine/renderer"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

func TestShaderStageFlags(t *testing.T) {
	got := shaderStageFlags(metadata.ShaderStageVertex | metadata.ShaderStageFragment)
	want := vk.ShaderStageFlags(vk.ShaderStageVertexBit) | vk.ShaderStageFlags(vk.ShaderStageFragmentBit)
	if got != want {
		t.Errorf("got %x, want %x", got, want)
	}
	if _, err := shaderStageBit(metadata.ShaderStageVertex | metadata.ShaderStageFragment); err == nil {
		t.Error("a stage mask is not a single stage")
	}
	if bit, err := shaderStageBit(metadata.ShaderStageTessEvaluation); err != nil || bit != vk.ShaderStageTessellationEvaluationBit {
		t.Errorf("tese: %v %v", bit, err)
	}
}

func TestLayoutBindings(t *testing.T) {
	out, err := layoutBindings([]metadata.LayoutBinding{
		{Binding: 0, Kind: metadata.DescriptorKindUniformBuffer, Count: 0, Stages: metadata.ShaderStageVertex},
		{Binding: 3, Kind: metadata.DescriptorKindCombinedImageSampler, Count: 4, Stages: metadata.ShaderStageFragment},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out[0].DescriptorCount != 1 || out[0].DescriptorType != vk.DescriptorTypeUniformBuffer {
		t.Errorf("binding 0: %+v", out[0])
	}
	if out[1].Binding != 3 || out[1].DescriptorCount != 4 || out[1].DescriptorType != vk.DescriptorTypeCombinedImageSampler {
		t.Errorf("binding 3: %+v", out[1])
	}
}

func TestAttachmentDescriptions(t *testing.T) {
	shape := metadata.DefaultRenderPassShape(true)
	colour, err := attachmentDescription(shape.Attachments[0])
	if err != nil {
		t.Fatal(err)
	}
	if colour.FinalLayout != vk.ImageLayoutPresentSrc || colour.LoadOp != vk.AttachmentLoadOpClear {
		t.Errorf("colour: %+v", colour)
	}
	depth, err := attachmentDescription(shape.Attachments[1])
	if err != nil {
		t.Fatal(err)
	}
	if depth.Format != vk.FormatD32Sfloat || depth.FinalLayout != vk.ImageLayoutDepthStencilAttachmentOptimal {
		t.Errorf("depth: %+v", depth)
	}
	sp := subpassDescription(shape.Subpasses[0])
	if sp.ColorAttachmentCount != 1 || sp.PDepthStencilAttachment == nil || sp.PDepthStencilAttachment.Attachment != 1 {
		t.Errorf("subpass: %+v", sp)
	}
	if deps := subpassDependencies(3); len(deps) != 3 || deps[2].SrcSubpass != 1 {
		t.Errorf("dependencies: %+v", deps)
	}
}

func TestFixedFunctionState(t *testing.T) {
	if cullMode(metadata.CullModeFront|metadata.CullModeBack) != vk.CullModeFlags(vk.CullModeFrontBit)|vk.CullModeFlags(vk.CullModeBackBit) {
		t.Error("front and back")
	}
	if cullMode(metadata.CullModeNone) != 0 {
		t.Error("none")
	}
	bindings, attrs := vertexInput(metadata.VertexInput3D)
	if len(bindings) != 1 || bindings[0].Stride != 60 || len(attrs) != 5 || attrs[3].Format != vk.FormatR32g32b32a32Sfloat {
		t.Errorf("3d vertex input: %+v %+v", bindings, attrs)
	}
	if b, a := vertexInput(metadata.VertexInputNone); b != nil || a != nil {
		t.Error("no vertex input")
	}

	info := &renderer.GraphicsPipelineInfo{Size: metadata.TargetSize{TrackSwapchain: true}}
	if got := dynamicStates(info); len(got) != 2 {
		t.Errorf("a swapchain sized pipeline needs dynamic viewport and scissor, got %v", got)
	}
	info.Size = metadata.TargetSize{Width: 64, Height: 64}
	if got := dynamicStates(info); len(got) != 0 {
		t.Errorf("fixed size: %v", got)
	}

	blend := blendState(metadata.BlendAttachment{Enable: true, SrcColor: metadata.BlendFactorSrcAlpha, DstColor: metadata.BlendFactorOneMinusSrcAlpha})
	if blend.BlendEnable != vk.True || blend.DstColorBlendFactor != vk.BlendFactorOneMinusSrcAlpha {
		t.Errorf("blend: %+v", blend)
	}
}

func TestSamplerInfos(t *testing.T) {
	if samplerInfo(metadata.SamplerDefault).MagFilter != vk.FilterLinear {
		t.Error("the default sampler is linear")
	}
	if s := samplerInfo(metadata.SamplerShadow); s.CompareEnable != vk.True {
		t.Error("the shadow sampler compares")
	}
	if s := samplerInfo(metadata.SamplerNearestClamp); s.MinFilter != vk.FilterNearest || s.AddressModeU != vk.SamplerAddressModeClampToEdge {
		t.Errorf("nearest clamp: %+v", s)
	}
}

func TestResultStrings(t *testing.T) {
	if err := check("vkCreateDevice", vk.ErrorDeviceLost); err == nil || err.Error() != "vkCreateDevice failed with VK_ERROR_DEVICE_LOST" {
		t.Errorf("got %v", err)
	}
	if check("vkWaitForFences", vk.Timeout) != nil {
		t.Error("positive results are not errors")
	}
	if VulkanSafeString("main") != "main\x00" || VulkanSafeString("main\x00") != "main\x00" {
		t.Error("strings are NUL terminated once")
	}
}

// TestDevice needs a Vulkan driver and runs only when PIPEFORGE_VULKAN is set.
func TestDevice(t *testing.T) {
	if os.Getenv("PIPEFORGE_VULKAN") == "" {
		t.Skip("PIPEFORGE_VULKAN not set")
	}
	d, err := Open(Options{AppName: "pipeforge-test", MaxDescriptorSets: 8})
	if err != nil {
		t.Skipf("no vulkan device: %v", err)
	}
	defer d.Close()

	layout, err := d.CreateDescriptorSetLayout([]metadata.LayoutBinding{
		{Binding: 0, Kind: metadata.DescriptorKindUniformBuffer, Count: 1, Stages: metadata.ShaderStageVertex},
	})
	if err != nil {
		t.Fatal(err)
	}
	pl, err := d.CreatePipelineLayout([]metadata.Handle{layout}, []metadata.PushConstantRange{{Offset: 0, Size: 64, Stages: metadata.ShaderStageVertex}})
	if err != nil {
		t.Fatal(err)
	}
	pass, err := d.CreateRenderPass(metadata.DefaultRenderPassShape(true))
	if err != nil {
		t.Fatal(err)
	}
	set, err := d.AllocateDescriptorSet(layout)
	if err != nil {
		t.Fatal(err)
	}
	d.FreeDescriptorSet(set)
	d.DestroyRenderPass(pass)
	d.DestroyPipelineLayout(pl)
	d.DestroyDescriptorSetLayout(layout)
	if err := d.WaitIdle(); err != nil {
		t.Fatal(err)
	}
}
