package metadata

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

/** @brief Fixed vertex layouts a pipeline can consume. */
type VertexInputKind uint8

const (
	VertexInputNone VertexInputKind = iota
	VertexInput2D
	VertexInput3D
	VertexInputAnimated
	VertexInputLine
)

var vertexInputNames = map[string]VertexInputKind{
	"none":     VertexInputNone,
	"2d":       VertexInput2D,
	"3d":       VertexInput3D,
	"animated": VertexInputAnimated,
	"line":     VertexInputLine,
}

func ParseVertexInputKind(s string) (VertexInputKind, error) {
	return parseEnum(s, vertexInputNames, "VertexInputKind")
}

func (k VertexInputKind) String() string { return enumName(k, vertexInputNames) }

/**
 * @brief A vertex attribute of a fixed vertex layout.
 */
type VertexAttribute struct {
	Location uint32
	/** @brief Component count of a float vector (1..4). */
	Components uint32
	Offset     uint32
}

// Attributes returns the fixed attribute layout and the vertex stride in bytes.
func (k VertexInputKind) Attributes() ([]VertexAttribute, uint32) {
	var comps []uint32
	switch k {
	case VertexInput2D:
		// position, texcoord
		comps = []uint32{2, 2}
	case VertexInput3D:
		// position, normal, texcoord, colour, tangent
		comps = []uint32{3, 3, 2, 4, 3}
	case VertexInputAnimated:
		// 3d layout plus joint indices and weights
		comps = []uint32{3, 3, 2, 4, 3, 4, 4}
	case VertexInputLine:
		// position, colour
		comps = []uint32{3, 4}
	default:
		return nil, 0
	}
	attrs := make([]VertexAttribute, len(comps))
	var offset uint32
	for i, c := range comps {
		attrs[i] = VertexAttribute{Location: uint32(i), Components: c, Offset: offset}
		offset += c * 4
	}
	return attrs, offset
}

type PrimitiveTopology uint8

const (
	TopologyTriangleList PrimitiveTopology = iota
	TopologyTriangleStrip
	TopologyTriangleFan
	TopologyLineList
	TopologyLineStrip
	TopologyPointList
	TopologyPatchList
)

var topologyNames = map[string]PrimitiveTopology{
	"triangle_list":  TopologyTriangleList,
	"triangle_strip": TopologyTriangleStrip,
	"triangle_fan":   TopologyTriangleFan,
	"line_list":      TopologyLineList,
	"line_strip":     TopologyLineStrip,
	"point_list":     TopologyPointList,
	"patch_list":     TopologyPatchList,
}

func ParsePrimitiveTopology(s string) (PrimitiveTopology, error) {
	return parseEnum(s, topologyNames, "PrimitiveTopology")
}

func (t PrimitiveTopology) String() string { return enumName(t, topologyNames) }

type PolygonMode uint8

const (
	PolygonModeFill PolygonMode = iota
	PolygonModeLine
	PolygonModePoint
)

var polygonModeNames = map[string]PolygonMode{
	"fill":  PolygonModeFill,
	"line":  PolygonModeLine,
	"point": PolygonModePoint,
}

func ParsePolygonMode(s string) (PolygonMode, error) {
	return parseEnum(s, polygonModeNames, "PolygonMode")
}

func (m PolygonMode) String() string { return enumName(m, polygonModeNames) }

/** @brief Cull mode bitmask. "front back" culls everything. */
type CullMode uint8

const (
	CullModeNone  CullMode = 0
	CullModeFront CullMode = 0x1
	CullModeBack  CullMode = 0x2
)

var cullModeNames = map[string]CullMode{
	"none":  CullModeNone,
	"front": CullModeFront,
	"back":  CullModeBack,
}

func ParseCullMode(s string) (CullMode, error) {
	return parseMask(s, cullModeNames, "CullMode")
}

func (c CullMode) String() string {
	if c == CullModeNone {
		return "none"
	}
	return maskNames(c, cullModeNames)
}

type BlendFactor uint8

const (
	BlendFactorZero BlendFactor = iota
	BlendFactorOne
	BlendFactorSrcColor
	BlendFactorOneMinusSrcColor
	BlendFactorDstColor
	BlendFactorOneMinusDstColor
	BlendFactorSrcAlpha
	BlendFactorOneMinusSrcAlpha
	BlendFactorDstAlpha
	BlendFactorOneMinusDstAlpha
)

var blendFactorNames = map[string]BlendFactor{
	"zero":                BlendFactorZero,
	"one":                 BlendFactorOne,
	"src_color":           BlendFactorSrcColor,
	"one_minus_src_color": BlendFactorOneMinusSrcColor,
	"dst_color":           BlendFactorDstColor,
	"one_minus_dst_color": BlendFactorOneMinusDstColor,
	"src_alpha":           BlendFactorSrcAlpha,
	"one_minus_src_alpha": BlendFactorOneMinusSrcAlpha,
	"dst_alpha":           BlendFactorDstAlpha,
	"one_minus_dst_alpha": BlendFactorOneMinusDstAlpha,
}

func ParseBlendFactor(s string) (BlendFactor, error) {
	return parseEnum(s, blendFactorNames, "BlendFactor")
}

func (f BlendFactor) String() string { return enumName(f, blendFactorNames) }

/** @brief Dynamic state bitmask. */
type DynamicState uint8

const (
	DynamicStateNone     DynamicState = 0
	DynamicStateViewport DynamicState = 0x1
	DynamicStateScissor  DynamicState = 0x2
)

var dynamicStateNames = map[string]DynamicState{
	"viewport": DynamicStateViewport,
	"scissor":  DynamicStateScissor,
}

func ParseDynamicState(s string) (DynamicState, error) {
	return parseMask(s, dynamicStateNames, "DynamicState")
}

func (d DynamicState) String() string { return maskNames(d, dynamicStateNames) }

/** @brief Colour blend state of one colour attachment. */
type BlendAttachment struct {
	Enable   bool
	SrcColor BlendFactor
	DstColor BlendFactor
	SrcAlpha BlendFactor
	DstAlpha BlendFactor
}

// DefaultBlendAttachment is the opaque, blending disabled state.
func DefaultBlendAttachment() BlendAttachment {
	return BlendAttachment{
		SrcColor: BlendFactorOne,
		DstColor: BlendFactorZero,
		SrcAlpha: BlendFactorOne,
		DstAlpha: BlendFactorZero,
	}
}

/**
 * @brief The size of a pipeline's target. When TrackSwapchain is set the
 * width and height follow the swapchain and the explicit values are ignored.
 */
type TargetSize struct {
	Width          uint32
	Height         uint32
	TrackSwapchain bool
}

const swapchainSizeName = "swapchain"

// ParseTargetSize accepts "swapchain" or "W H".
func ParseTargetSize(s string) (TargetSize, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, swapchainSizeName) {
		return TargetSize{TrackSwapchain: true}, nil
	}
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return TargetSize{}, fmt.Errorf("size '%s' must be 'swapchain' or 'width height'", s)
	}
	w, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return TargetSize{}, fmt.Errorf("size width: %w", err)
	}
	h, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return TargetSize{}, fmt.Errorf("size height: %w", err)
	}
	if w == 0 || h == 0 {
		return TargetSize{}, fmt.Errorf("size '%s' must be non-zero", s)
	}
	return TargetSize{Width: uint32(w), Height: uint32(h)}, nil
}

func (t TargetSize) String() string {
	if t.TrackSwapchain {
		return swapchainSizeName
	}
	return fmt.Sprintf("%d %d", t.Width, t.Height)
}

/**
 * @brief One stage of a pipeline description.
 */
type ShaderStageDescription struct {
	/** @brief Source path, relative to the description's directory or absolute. */
	Path  string
	Stage ShaderStage
	/** @brief The description this stage belongs to. */
	Owner *PipelineDescription
}

// ResolvedPath is the absolute path of the stage source.
func (s *ShaderStageDescription) ResolvedPath() string {
	if filepath.IsAbs(s.Path) || s.Owner == nil {
		return filepath.Clean(s.Path)
	}
	return filepath.Join(s.Owner.Dir, s.Path)
}

// Siblings returns the other stages of the owning description in compile order.
func (s *ShaderStageDescription) Siblings() []*ShaderStageDescription {
	if s.Owner == nil {
		return nil
	}
	var out []*ShaderStageDescription
	for _, other := range s.Owner.Stages {
		if other != s {
			out = append(out, other)
		}
	}
	return out
}

// Macros returns the owning description's macros scoped to this stage.
func (s *ShaderStageDescription) Macros() []ShaderMacro {
	if s.Owner == nil {
		return nil
	}
	return s.Owner.MacrosFor(s.Stage)
}

// LinkDiscoverBinding asks the assembler to find the binding by descriptor name.
const LinkDiscoverBinding = -1

/**
 * @brief Connects a logical resource name to a binding slot of a pipeline.
 */
type LinkDescription struct {
	/** @brief Explicit binding, or LinkDiscoverBinding. */
	Binding      int
	ArrayElement uint32
	/** @brief Only used to discover Binding when it is LinkDiscoverBinding. */
	DescriptorName string
	ResourceName   string
	/** @brief Zero means the canonical default sampler. */
	Sampler SamplerKind
}

/**
 * @brief The parsed form of a pipeline description file. Immutable once built;
 * any change requires building a new pipeline.
 */
type PipelineDescription struct {
	Name string
	/** @brief File the description was read from, empty for in-memory descriptions. */
	Path string
	/** @brief Directory stage paths and includes are resolved against. */
	Dir                string
	Size               TargetSize
	VertexInput        VertexInputKind
	Topology           PrimitiveTopology
	PolygonMode        PolygonMode
	CullMode           CullMode
	DepthTest          bool
	DepthWrite         bool
	DepthClamp         bool
	PatchControlPoints uint32
	BlendAttachments   []BlendAttachment
	DynamicStates      DynamicState
	/** @brief At most one per kind, kept in compile order. */
	Stages []*ShaderStageDescription
	Links  []LinkDescription
	Macros []ShaderMacro
}

func NewPipelineDescription(name, dir string) *PipelineDescription {
	return &PipelineDescription{
		Name:       name,
		Dir:        dir,
		Size:       TargetSize{TrackSwapchain: true},
		CullMode:   CullModeBack,
		DepthTest:  true,
		DepthWrite: true,
	}
}

// AddStage attaches a stage, deriving its kind from the path when stage is ShaderStageNone.
func (d *PipelineDescription) AddStage(path string, stage ShaderStage) (*ShaderStageDescription, error) {
	if stage == ShaderStageNone {
		s, err := ShaderStageFromPath(path)
		if err != nil {
			return nil, err
		}
		stage = s
	}
	if !stage.Single() {
		return nil, fmt.Errorf("stage '%s' must name exactly one stage kind", path)
	}
	if existing := d.Stage(stage); existing != nil {
		return nil, fmt.Errorf("pipeline '%s' declares the %s stage twice ('%s' and '%s')", d.Name, stage, existing.Path, path)
	}
	sd := &ShaderStageDescription{Path: path, Stage: stage, Owner: d}
	// keep compile order
	idx := len(d.Stages)
	for i, s := range d.Stages {
		if s.Stage > stage {
			idx = i
			break
		}
	}
	d.Stages = append(d.Stages, nil)
	copy(d.Stages[idx+1:], d.Stages[idx:])
	d.Stages[idx] = sd
	return sd, nil
}

func (d *PipelineDescription) Stage(stage ShaderStage) *ShaderStageDescription {
	for _, s := range d.Stages {
		if s.Stage == stage {
			return s
		}
	}
	return nil
}

// MacrosFor returns the macros whose stage mask includes stage, in declaration order.
func (d *PipelineDescription) MacrosFor(stage ShaderStage) []ShaderMacro {
	var out []ShaderMacro
	for _, m := range d.Macros {
		if m.Stages&stage != 0 {
			out = append(out, m)
		}
	}
	return out
}

// StageMask is the OR of every declared stage.
func (d *PipelineDescription) StageMask() ShaderStage {
	var mask ShaderStage
	for _, s := range d.Stages {
		mask |= s.Stage
	}
	return mask
}

func (d *PipelineDescription) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("pipeline description without a name")
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("pipeline '%s' declares no stages", d.Name)
	}
	seen := ShaderStageNone
	for _, s := range d.Stages {
		if seen&s.Stage != 0 {
			return fmt.Errorf("pipeline '%s' declares the %s stage twice", d.Name, s.Stage)
		}
		seen |= s.Stage
	}
	if seen&ShaderStageVertex == 0 {
		return fmt.Errorf("pipeline '%s' has no vertex stage", d.Name)
	}
	tess := seen & (ShaderStageTessControl | ShaderStageTessEvaluation)
	if tess != 0 && tess != ShaderStageTessControl|ShaderStageTessEvaluation {
		return fmt.Errorf("pipeline '%s' must declare both tessellation stages or neither", d.Name)
	}
	if tess != 0 {
		if d.Topology != TopologyPatchList {
			return fmt.Errorf("pipeline '%s' uses tessellation and needs the patch_list topology", d.Name)
		}
		if d.PatchControlPoints == 0 {
			return fmt.Errorf("pipeline '%s' uses tessellation and needs patch_control_points > 0", d.Name)
		}
	} else if d.Topology == TopologyPatchList {
		return fmt.Errorf("pipeline '%s' uses patch_list without tessellation stages", d.Name)
	}
	for i, l := range d.Links {
		if l.ResourceName == "" {
			return fmt.Errorf("pipeline '%s' link %d has no resource_name", d.Name, i)
		}
		if l.Binding < LinkDiscoverBinding {
			return fmt.Errorf("pipeline '%s' link '%s' has invalid binding %d", d.Name, l.ResourceName, l.Binding)
		}
		if l.Binding == LinkDiscoverBinding && l.DescriptorName == "" {
			return fmt.Errorf("pipeline '%s' link '%s' needs either a binding or a descriptor_name", d.Name, l.ResourceName)
		}
	}
	return nil
}

// Files lists the description file and every stage source.
func (d *PipelineDescription) Files() []string {
	var files []string
	if d.Path != "" {
		files = append(files, d.Path)
	}
	for _, s := range d.Stages {
		files = append(files, s.ResolvedPath())
	}
	return files
}
