package metadata

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

/** @brief Shader stages available in the system. Values are bits so they double as visibility masks. */
type ShaderStage uint32

const (
	ShaderStageVertex ShaderStage = 1 << iota
	ShaderStageTessControl
	ShaderStageTessEvaluation
	ShaderStageGeometry
	ShaderStageFragment

	ShaderStageNone ShaderStage = 0
	ShaderStageAll              = ShaderStageVertex | ShaderStageTessControl | ShaderStageTessEvaluation | ShaderStageGeometry | ShaderStageFragment
)

// ShaderStageOrder is the fixed order stages are compiled and merged in.
var ShaderStageOrder = []ShaderStage{
	ShaderStageVertex,
	ShaderStageTessControl,
	ShaderStageTessEvaluation,
	ShaderStageGeometry,
	ShaderStageFragment,
}

var shaderStageNames = map[string]ShaderStage{
	"vert": ShaderStageVertex,
	"tesc": ShaderStageTessControl,
	"tese": ShaderStageTessEvaluation,
	"geom": ShaderStageGeometry,
	"frag": ShaderStageFragment,
}

func (s ShaderStage) String() string {
	if s == ShaderStageNone {
		return "none"
	}
	var parts []string
	for _, stage := range ShaderStageOrder {
		if s&stage == 0 {
			continue
		}
		for name, v := range shaderStageNames {
			if v == stage {
				parts = append(parts, name)
			}
		}
	}
	return strings.Join(parts, "|")
}

// Single reports whether s names exactly one stage.
func (s ShaderStage) Single() bool {
	return s != 0 && s&(s-1) == 0 && s&ShaderStageAll == s
}

// ShaderStageFromName parses one of vert, tesc, tese, geom, frag.
func ShaderStageFromName(name string) (ShaderStage, error) {
	if s, ok := shaderStageNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return s, nil
	}
	return ShaderStageNone, fmt.Errorf("string %s is not a valid ShaderStage", name)
}

// ShaderStageFromPath derives the stage from a file name. For the in-process
// WGSL path the stage sits before the last extension (sky.frag.wgsl).
func ShaderStageFromPath(path string) (ShaderStage, error) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	if ext == ".wgsl" {
		ext = filepath.Ext(strings.TrimSuffix(base, ext))
	}
	if ext == "" {
		return ShaderStageNone, fmt.Errorf("cannot derive shader stage from '%s'", path)
	}
	return ShaderStageFromName(ext[1:])
}

// ParseShaderStageMask parses whitespace separated stage names.
func ParseShaderStageMask(s string) (ShaderStage, error) {
	return parseMask(s, shaderStageNames, "ShaderStage")
}

/** @brief The kinds of descriptor a binding slot can hold. */
type DescriptorKind uint8

const (
	DescriptorKindUnknown DescriptorKind = iota
	DescriptorKindUniformBuffer
	DescriptorKindCombinedImageSampler
)

func (k DescriptorKind) String() string {
	switch k {
	case DescriptorKindUniformBuffer:
		return "uniform-buffer"
	case DescriptorKindCombinedImageSampler:
		return "combined-image-sampler"
	default:
		return "unknown"
	}
}

/**
 * @brief A descriptor one stage declares, as discovered from reflection.
 */
type DescriptorBinding struct {
	/** @brief Uniform block name or sampler variable name. */
	Name    string
	Kind    DescriptorKind
	Binding uint32
	/** @brief Array element count, 1 for non-arrays. */
	Count uint32
}

/**
 * @brief A binding slot of a descriptor-set layout after all stages were merged.
 */
type LayoutBinding struct {
	Binding uint32
	Kind    DescriptorKind
	Count   uint32
	/** @brief OR of every stage declaring the binding. */
	Stages ShaderStage
}

// EqualLayoutBindings compares two binding arrays in order, field by field.
func EqualLayoutBindings(a, b []LayoutBinding) bool {
	return slices.Equal(a, b)
}

/** @brief A push-constant block, in bytes. */
type PushConstantRange struct {
	Offset uint32
	Size   uint32
	Stages ShaderStage
}

func EqualPushConstantRanges(a, b []PushConstantRange) bool {
	return slices.Equal(a, b)
}

/**
 * @brief Represents a single shader vertex attribute found by reflection.
 */
type ShaderAttribute struct {
	Name     string
	Location int
	/** @brief GL type enum as reported by the compiler. */
	Type uint32
}

/**
 * @brief Everything one compiled stage declares. Descriptors are keyed by set index.
 */
type ShaderReflection struct {
	Descriptors   map[uint32][]DescriptorBinding
	PushConstants []PushConstantRange
	Attributes    []ShaderAttribute
}

func NewShaderReflection() *ShaderReflection {
	return &ShaderReflection{Descriptors: make(map[uint32][]DescriptorBinding)}
}

// Sets returns the set indices in ascending order.
func (r *ShaderReflection) Sets() []uint32 {
	sets := make([]uint32, 0, len(r.Descriptors))
	for set := range r.Descriptors {
		sets = append(sets, set)
	}
	slices.Sort(sets)
	return sets
}

// Find returns the first descriptor named name, scanning sets in ascending order.
func (r *ShaderReflection) Find(name string) (uint32, DescriptorBinding, bool) {
	for _, set := range r.Sets() {
		for _, d := range r.Descriptors[set] {
			if d.Name == name {
				return set, d, true
			}
		}
	}
	return 0, DescriptorBinding{}, false
}

/** @brief A macro definition scoped to a set of stages. */
type ShaderMacro struct {
	Stages ShaderStage
	Name   string
	/** @brief Optional value, empty for a bare define. */
	Value string
}

// ParseShaderMacro accepts NAME or NAME=VALUE.
func ParseShaderMacro(stages ShaderStage, s string) (ShaderMacro, error) {
	s = strings.TrimSpace(s)
	name, value, _ := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, " \t()") {
		return ShaderMacro{}, fmt.Errorf("invalid macro '%s'", s)
	}
	return ShaderMacro{Stages: stages, Name: name, Value: strings.TrimSpace(value)}, nil
}

func (m ShaderMacro) String() string {
	if m.Value == "" {
		return m.Name
	}
	return m.Name + "=" + m.Value
}

// Define renders the macro as a preprocessor line.
func (m ShaderMacro) Define() string {
	if m.Value == "" {
		return "#define " + m.Name
	}
	return "#define " + m.Name + " " + m.Value
}
