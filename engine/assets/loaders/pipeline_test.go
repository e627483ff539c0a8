package loaders

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spaghettifunk/pipeforge/engine/core"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

const litDescription = `<?xml version="1.0" encoding="UTF-8"?>
<pipeline name="lit" size="1280 720" vertex_input="3d" topology="triangle_list"
          polygon_mode="fill" cull_mode="front back" depth_test="true" depth_write="false">
  <stage file="lit.frag"/>
  <stage file="lit.vert"/>
  <macro stages="vert frag" value="USE_SHADOWS"/>
  <macro stages="frag" value="LIGHTS=4"/>
  <blend_attachment enable="true" src_color="src_alpha" dst_color="one_minus_src_alpha"/>
  <dynamic states="viewport scissor"/>
  <link binding="0" resource_name="camera"/>
  <link descriptor_name="albedo" resource_name="brick" array_element="2" sampler="nearest_clamp"/>
</pipeline>
`

func TestParseDescription(t *testing.T) {
	path := filepath.Join("/assets", "lit.xml")
	desc, err := Parse(path, []byte(litDescription))
	if err != nil {
		t.Fatal(err)
	}
	if desc.Name != "lit" || desc.Path != path || desc.Dir != "/assets" {
		t.Errorf("identity: %q %q %q", desc.Name, desc.Path, desc.Dir)
	}
	if desc.Size != (metadata.TargetSize{Width: 1280, Height: 720}) {
		t.Errorf("size: %v", desc.Size)
	}
	if desc.VertexInput != metadata.VertexInput3D || desc.CullMode != metadata.CullModeFront|metadata.CullModeBack {
		t.Errorf("fixed function: %v %v", desc.VertexInput, desc.CullMode)
	}
	if !desc.DepthTest || desc.DepthWrite {
		t.Error("depth flags")
	}
	if len(desc.Stages) != 2 || desc.Stages[0].Stage != metadata.ShaderStageVertex {
		t.Fatalf("stages must be kept in compile order: %+v", desc.Stages)
	}
	if got := desc.Stages[0].ResolvedPath(); got != filepath.Join("/assets", "lit.vert") {
		t.Errorf("stage path: %s", got)
	}
	if m := desc.MacrosFor(metadata.ShaderStageFragment); len(m) != 2 || m[1].Value != "4" {
		t.Errorf("fragment macros: %+v", m)
	}
	if m := desc.MacrosFor(metadata.ShaderStageVertex); len(m) != 1 || m[0].Name != "USE_SHADOWS" {
		t.Errorf("vertex macros: %+v", m)
	}
	if len(desc.BlendAttachments) != 1 || !desc.BlendAttachments[0].Enable || desc.BlendAttachments[0].SrcAlpha != metadata.BlendFactorOne {
		t.Errorf("blend: %+v", desc.BlendAttachments)
	}
	if desc.DynamicStates != metadata.DynamicStateViewport|metadata.DynamicStateScissor {
		t.Errorf("dynamic: %v", desc.DynamicStates)
	}
	if len(desc.Links) != 2 {
		t.Fatalf("links: %+v", desc.Links)
	}
	if desc.Links[0].Binding != 0 || desc.Links[0].ResourceName != "camera" {
		t.Errorf("explicit link: %+v", desc.Links[0])
	}
	discover := desc.Links[1]
	if discover.Binding != metadata.LinkDiscoverBinding || discover.ArrayElement != 2 || discover.Sampler != metadata.SamplerNearestClamp {
		t.Errorf("discovered link: %+v", discover)
	}
}

func TestWGSLStageKind(t *testing.T) {
	doc := `<pipeline name="sky">
  <stage file="sky.vert"/>
  <stage file="sky.wgsl" kind="frag"/>
</pipeline>`
	desc, err := Parse("/a/sky.xml", []byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if s := desc.Stage(metadata.ShaderStageFragment); s == nil || s.Path != "sky.wgsl" {
		t.Errorf("fragment stage: %+v", s)
	}
	if !desc.Size.TrackSwapchain || !desc.DepthTest {
		t.Error("unset attributes keep their defaults")
	}
}

func TestSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"unknown element":  `<pipeline name="x"><stage file="a.vert"/><shader file="b"/></pipeline>`,
		"missing name":     `<pipeline><stage file="a.vert"/></pipeline>`,
		"bad enum":         `<pipeline name="x" topology="hexagons"><stage file="a.vert"/></pipeline>`,
		"bad boolean":      `<pipeline name="x" depth_test="maybe"><stage file="a.vert"/></pipeline>`,
		"negative binding": `<pipeline name="x"><stage file="a.vert"/><link binding="-1" resource_name="r"/></pipeline>`,
		"no children":      `<pipeline name="x"></pipeline>`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse("/a/x.xml", []byte(doc))
			if !errors.Is(err, core.ErrInvalidDescription) {
				t.Fatalf("expected an invalid description error, got %v", err)
			}
			var de *DescriptionError
			if !errors.As(err, &de) || de.File != "/a/x.xml" {
				t.Errorf("error must name the file: %v", err)
			}
		})
	}
}

func TestSemanticErrorsCarryTheLine(t *testing.T) {
	doc := `<pipeline name="x">
  <stage file="a.vert"/>
  <stage file="b.vert"/>
</pipeline>`
	_, err := Parse("/a/x.xml", []byte(doc))
	var de *DescriptionError
	if !errors.As(err, &de) {
		t.Fatalf("got %v", err)
	}
	if de.Line != 3 {
		t.Errorf("a duplicate stage is reported at its own element, got line %d", de.Line)
	}

	// the description parses but describes no vertex stage
	_, err = Parse("/a/x.xml", []byte(`<pipeline name="x"><stage file="a.frag"/></pipeline>`))
	if !errors.Is(err, core.ErrInvalidDescription) {
		t.Errorf("got %v", err)
	}
}

func TestLoadFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lit.xml")
	if err := os.WriteFile(path, []byte(litDescription), 0o644); err != nil {
		t.Fatal(err)
	}
	desc, err := PipelineLoader{}.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if desc.Dir != dir {
		t.Errorf("dir: %s", desc.Dir)
	}
	if _, err := (PipelineLoader{}).Load(filepath.Join(dir, "missing.xml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: %v", err)
	}
}
