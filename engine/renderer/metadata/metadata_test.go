package metadata

import "testing"

func TestParseMasks(t *testing.T) {
	cull, err := ParseCullMode("front  back")
	if err != nil || cull != CullModeFront|CullModeBack {
		t.Fatalf("ParseCullMode: %v %v", cull, err)
	}
	if cull.String() != "back front" {
		t.Errorf("unexpected cull string %q", cull.String())
	}
	dyn, err := ParseDynamicState("viewport scissor")
	if err != nil || dyn != DynamicStateViewport|DynamicStateScissor {
		t.Fatalf("ParseDynamicState: %v %v", dyn, err)
	}
	stages, err := ParseShaderStageMask("vert frag")
	if err != nil || stages != ShaderStageVertex|ShaderStageFragment {
		t.Fatalf("ParseShaderStageMask: %v %v", stages, err)
	}
	if stages.String() != "vert|frag" {
		t.Errorf("unexpected stage string %q", stages.String())
	}
	if _, err := ParseCullMode("sideways"); err == nil {
		t.Error("expected an error for an unknown cull token")
	}
}

func TestShaderStageFromPath(t *testing.T) {
	cases := map[string]ShaderStage{
		"shaders/sky.vert":      ShaderStageVertex,
		"terrain.tesc":          ShaderStageTessControl,
		"terrain.tese":          ShaderStageTessEvaluation,
		"/abs/fur.geom":         ShaderStageGeometry,
		"lighting.frag":         ShaderStageFragment,
		"shaders/sky.frag.wgsl": ShaderStageFragment,
	}
	for path, want := range cases {
		got, err := ShaderStageFromPath(path)
		if err != nil || got != want {
			t.Errorf("%s: got %v (%v), want %v", path, got, err, want)
		}
	}
	if _, err := ShaderStageFromPath("shader.glsl"); err == nil {
		t.Error("expected an error for an unknown extension")
	}
}

func TestTargetSize(t *testing.T) {
	s, err := ParseTargetSize("swapchain")
	if err != nil || !s.TrackSwapchain {
		t.Fatalf("swapchain: %+v %v", s, err)
	}
	s, err = ParseTargetSize("1024 512")
	if err != nil || s.Width != 1024 || s.Height != 512 || s.TrackSwapchain {
		t.Fatalf("explicit: %+v %v", s, err)
	}
	for _, bad := range []string{"1024", "0 5", "a b"} {
		if _, err := ParseTargetSize(bad); err == nil {
			t.Errorf("%q: expected an error", bad)
		}
	}
}

func TestAddStageKeepsOrderAndRejectsDuplicates(t *testing.T) {
	d := NewPipelineDescription("lit", "/assets")
	for _, p := range []string{"lit.frag", "lit.vert", "lit.geom"} {
		if _, err := d.AddStage(p, ShaderStageNone); err != nil {
			t.Fatalf("AddStage(%s): %v", p, err)
		}
	}
	want := []ShaderStage{ShaderStageVertex, ShaderStageGeometry, ShaderStageFragment}
	for i, s := range d.Stages {
		if s.Stage != want[i] {
			t.Errorf("stage %d: got %v, want %v", i, s.Stage, want[i])
		}
		if s.Owner != d {
			t.Errorf("stage %d has no back-reference", i)
		}
	}
	if _, err := d.AddStage("other.frag", ShaderStageNone); err == nil {
		t.Error("expected a duplicate stage error")
	}
	if got := d.Stage(ShaderStageFragment).ResolvedPath(); got != "/assets/lit.frag" {
		t.Errorf("ResolvedPath: %s", got)
	}
	if len(d.Stage(ShaderStageVertex).Siblings()) != 2 {
		t.Error("expected two siblings")
	}
}

func TestValidateTessellation(t *testing.T) {
	d := NewPipelineDescription("terrain", "")
	d.AddStage("t.vert", ShaderStageNone)
	d.AddStage("t.tesc", ShaderStageNone)
	d.AddStage("t.frag", ShaderStageNone)
	if err := d.Validate(); err == nil {
		t.Error("expected an error for a lone tessellation control stage")
	}
	d.AddStage("t.tese", ShaderStageNone)
	if err := d.Validate(); err == nil {
		t.Error("expected an error for a missing patch_list topology")
	}
	d.Topology = TopologyPatchList
	d.PatchControlPoints = 3
	if err := d.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMacrosFor(t *testing.T) {
	d := NewPipelineDescription("m", "")
	a, _ := ParseShaderMacro(ShaderStageVertex|ShaderStageFragment, "SHADOWS")
	b, _ := ParseShaderMacro(ShaderStageFragment, "LIGHTS=4")
	d.Macros = []ShaderMacro{a, b}
	if got := d.MacrosFor(ShaderStageVertex); len(got) != 1 || got[0].Name != "SHADOWS" {
		t.Errorf("vertex macros: %v", got)
	}
	frag := d.MacrosFor(ShaderStageFragment)
	if len(frag) != 2 || frag[1].Define() != "#define LIGHTS 4" || frag[1].String() != "LIGHTS=4" {
		t.Errorf("fragment macros: %v", frag)
	}
	if _, err := ParseShaderMacro(ShaderStageVertex, "=1"); err == nil {
		t.Error("expected an error for an empty macro name")
	}
}

func TestVertexInputAttributes(t *testing.T) {
	attrs, stride := VertexInput3D.Attributes()
	if len(attrs) != 5 || stride != 60 {
		t.Fatalf("3d layout: %d attributes, stride %d", len(attrs), stride)
	}
	if attrs[2].Offset != 24 {
		t.Errorf("texcoord offset %d", attrs[2].Offset)
	}
	if a, s := VertexInputNone.Attributes(); a != nil || s != 0 {
		t.Error("none must have no attributes")
	}
}

func TestRenderPassShapeEquality(t *testing.T) {
	a := DefaultRenderPassShape(true)
	b := DefaultRenderPassShape(true)
	if !a.Equal(b) || a.Key() != b.Key() {
		t.Error("identical shapes must compare equal")
	}
	c := DefaultRenderPassShape(false)
	if a.Equal(c) || a.Key() == c.Key() {
		t.Error("shapes differing in depth must differ")
	}
	if GetAligned[uint32](13, 4) != 16 || GetAligned[uint64](16, 16) != 16 {
		t.Error("GetAligned")
	}
}
