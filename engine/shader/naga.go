package shader

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/spirv"

	"github.com/spaghettifunk/pipeforge/engine/core"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

var nagaLineRe = regexp.MustCompile(`(?:line\s+|:)(\d+)(?::\d+)?`)

/**
 * @brief Compiles WGSL in process and reflects bindings from the naga IR.
 * Groups map to descriptor sets. Uniform buffers, textures (as combined image
 * samplers) and push constants are reflected; standalone samplers are folded
 * into the texture they are used with.
 */
type NagaCompiler struct {
	Version spirv.Version
}

func NewNagaCompiler() *NagaCompiler {
	return &NagaCompiler{Version: spirv.Version1_3}
}

func (n *NagaCompiler) Compile(ctx context.Context, src *FlattenedSource) (*CompiledShader, error) {
	stage := src.Stage.String()
	if err := ctx.Err(); err != nil {
		return nil, &core.ShaderCompileError{Stage: stage, File: src.Path, Message: "compile cancelled", Err: err}
	}

	ast, err := naga.Parse(src.Text)
	if err != nil {
		return nil, n.compileError(src, err)
	}
	module, err := naga.LowerWithSource(ast, src.Text)
	if err != nil {
		return nil, n.compileError(src, err)
	}
	entry, err := entryPointFor(module, src.Stage)
	if err != nil {
		return nil, &core.ShaderCompileError{Stage: stage, File: src.Path, Message: err.Error()}
	}
	bytes, err := naga.GenerateSPIRV(module, spirv.Options{Version: n.Version})
	if err != nil {
		return nil, n.compileError(src, err)
	}
	code, err := BytesToBytecode(bytes)
	if err != nil {
		return nil, &core.ShaderCompileError{Stage: stage, File: src.Path, Message: "invalid SPIR-V", Err: err}
	}
	refl, err := reflectModule(module, src.Stage)
	if err != nil {
		return nil, &core.ShaderCompileError{Stage: stage, File: src.Path, Message: err.Error()}
	}
	return &CompiledShader{
		Stage:        src.Stage,
		Code:         code,
		EntryPoint:   entry,
		Reflection:   refl,
		Dependencies: slices.Clone(src.Dependencies),
	}, nil
}

func (n *NagaCompiler) compileError(src *FlattenedSource, err error) error {
	ce := &core.ShaderCompileError{Stage: src.Stage.String(), File: src.Path, Message: err.Error(), Err: err}
	if m := nagaLineRe.FindStringSubmatch(err.Error()); m != nil {
		if line, convErr := strconv.Atoi(m[1]); convErr == nil {
			loc := src.Remap(line)
			ce.File, ce.Line = loc.File, loc.Line
		}
	}
	return ce
}

func entryPointFor(module *ir.Module, stage metadata.ShaderStage) (string, error) {
	var want ir.ShaderStage
	switch stage {
	case metadata.ShaderStageVertex:
		want = ir.StageVertex
	case metadata.ShaderStageFragment:
		want = ir.StageFragment
	default:
		return "", fmt.Errorf("WGSL has no %s stage", stage)
	}
	for _, ep := range module.EntryPoints {
		if ep.Stage == want {
			return ep.Name, nil
		}
	}
	return "", fmt.Errorf("no @%s entry point", map[ir.ShaderStage]string{ir.StageVertex: "vertex", ir.StageFragment: "fragment"}[want])
}

func reflectModule(module *ir.Module, stage metadata.ShaderStage) (*metadata.ShaderReflection, error) {
	refl := metadata.NewShaderReflection()
	for _, gv := range module.GlobalVariables {
		inner, count := unwrapArray(module, gv.Type)
		switch gv.Space {
		case ir.SpaceUniform:
			if gv.Binding == nil {
				return nil, fmt.Errorf("uniform '%s' has no @group/@binding", gv.Name)
			}
			refl.Descriptors[gv.Binding.Group] = append(refl.Descriptors[gv.Binding.Group], metadata.DescriptorBinding{
				Name:    globalName(module, gv),
				Kind:    metadata.DescriptorKindUniformBuffer,
				Binding: gv.Binding.Binding,
				Count:   count,
			})
		case ir.SpaceHandle:
			if _, ok := inner.(ir.ImageType); !ok {
				continue
			}
			if gv.Binding == nil {
				return nil, fmt.Errorf("texture '%s' has no @group/@binding", gv.Name)
			}
			refl.Descriptors[gv.Binding.Group] = append(refl.Descriptors[gv.Binding.Group], metadata.DescriptorBinding{
				Name:    gv.Name,
				Kind:    metadata.DescriptorKindCombinedImageSampler,
				Binding: gv.Binding.Binding,
				Count:   count,
			})
		case ir.SpacePushConstant, ir.SpaceImmediate:
			var size uint32
			if st, ok := inner.(ir.StructType); ok {
				size = st.Span
			}
			refl.PushConstants = append(refl.PushConstants, metadata.PushConstantRange{
				Offset: 0,
				Size:   metadata.GetAligned(size, 4),
				Stages: stage,
			})
		}
	}
	return refl, nil
}

// globalName prefers the struct type name, the equivalent of a GLSL block name.
func globalName(module *ir.Module, gv ir.GlobalVariable) string {
	if int(gv.Type) < len(module.Types) {
		if t := module.Types[gv.Type]; t.Name != "" {
			if _, ok := t.Inner.(ir.StructType); ok {
				return t.Name
			}
		}
	}
	return gv.Name
}

func unwrapArray(module *ir.Module, h ir.TypeHandle) (ir.TypeInner, uint32) {
	if int(h) >= len(module.Types) {
		return nil, 1
	}
	inner := module.Types[h].Inner
	switch a := inner.(type) {
	case ir.ArrayType:
		count := uint32(1)
		if a.Size.Constant != nil {
			count = *a.Size.Constant
		}
		if int(a.Base) < len(module.Types) {
			return module.Types[a.Base].Inner, count
		}
	case ir.BindingArrayType:
		count := uint32(1)
		if a.Size != nil {
			count = *a.Size
		}
		if int(a.Base) < len(module.Types) {
			return module.Types[a.Base].Inner, count
		}
	}
	return inner, 1
}
