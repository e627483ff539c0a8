package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

var stageBits = []struct {
	stage metadata.ShaderStage
	bit   vk.ShaderStageFlagBits
}{
	{metadata.ShaderStageVertex, vk.ShaderStageVertexBit},
	{metadata.ShaderStageTessControl, vk.ShaderStageTessellationControlBit},
	{metadata.ShaderStageTessEvaluation, vk.ShaderStageTessellationEvaluationBit},
	{metadata.ShaderStageGeometry, vk.ShaderStageGeometryBit},
	{metadata.ShaderStageFragment, vk.ShaderStageFragmentBit},
}

// shaderStageFlags converts a visibility mask.
func shaderStageFlags(stages metadata.ShaderStage) vk.ShaderStageFlags {
	var flags vk.ShaderStageFlags
	for _, s := range stageBits {
		if stages&s.stage != 0 {
			flags |= vk.ShaderStageFlags(s.bit)
		}
	}
	return flags
}

func shaderStageBit(stage metadata.ShaderStage) (vk.ShaderStageFlagBits, error) {
	for _, s := range stageBits {
		if s.stage == stage {
			return s.bit, nil
		}
	}
	return 0, fmt.Errorf("'%s' is not a single shader stage", stage)
}

func (d *Device) CreateShaderModule(stage metadata.ShaderStage, code []uint32) (metadata.Handle, error) {
	if len(code) == 0 {
		return metadata.NullHandle, fmt.Errorf("empty %s shader module", stage)
	}
	createInfo := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code) * 4),
		PCode:    code,
	}
	var module vk.ShaderModule
	if err := check("vkCreateShaderModule", vk.CreateShaderModule(d.logical, &createInfo, nil, &module)); err != nil {
		return metadata.NullHandle, fmt.Errorf("%s module: %w", stage, err)
	}
	return d.register(objectShaderModule, module), nil
}

func (d *Device) DestroyShaderModule(module metadata.Handle) {
	if v, ok := d.forget(objectShaderModule, module); ok {
		vk.DestroyShaderModule(d.logical, v.(vk.ShaderModule), nil)
	}
}
