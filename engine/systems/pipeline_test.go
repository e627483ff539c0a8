package systems

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/spaghettifunk/pipeforge/engine/core"
	"github.com/spaghettifunk/pipeforge/engine/renderer/headless"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
	"github.com/spaghettifunk/pipeforge/engine/shader"
)

const matrixVert = `layout(set = 0, binding = 0) uniform MATRIX { mat4 mvp; } matrix;
void main() {}
`

const plainFrag = "void main() {}\n"

const litVert = `layout(set = 0, binding = 0) uniform MATRIX { mat4 mvp; } matrix;
layout(set = 1, binding = AUTO_BINDING) uniform sampler2D albedo;
void main() {}
`

const litFrag = `layout(set = 1, binding = AUTO_BINDING) uniform sampler2D albedo;
layout(set = 1, binding = AUTO_BINDING) uniform sampler2D normals;
layout(push_constant) uniform Push { vec4 tint; } push;
void main() {}
`

// binding 0 of set 0 is a uniform block in matrix.vert
const conflictFrag = `layout(set = 0, binding = 0) uniform sampler2D notAMatrix;
void main() {}
`

const linkedFrag = `layout(set = 0, binding = 1) uniform sampler2D albedo;
void main() {}
`

// ten lines, line 9 does not compile
const commonGLSL = `// common.glsl
const float PI = 3.14159;
float sq(float x) {
    return x * x;
}
vec3 tint(vec3 c) {
    return c * 0.5;
}
float broken() { return undefined_symbol; }
// end of common
`

const includingFrag = `#version 450
void helper();
#include "common.glsl"
void main() { helper(); }
`

// set 1 binding 0 is taken by shadow.frag, declared after this stage
const autoAlbedoVert = `layout(set = 1, binding = AUTO_BINDING) uniform sampler2D albedo;
void main() {}
`

const shadowFrag = `layout(set = 1, binding = 0) uniform sampler2D shadowMap;
void main() {}
`

const shadeVert = `layout(set = 0, binding = 0) uniform sampler2D shade;
void main() {}
`

const shadeFrag = `layout(set = 1, binding = 0) uniform sampler2D shade;
void main() {}
`

func testFiles() fstest.MapFS {
	return fstest.MapFS{
		"shaders/matrix.vert":   {Data: []byte(matrixVert)},
		"shaders/other.vert":    {Data: []byte("// another file with the same interface\n" + matrixVert)},
		"shaders/plain.frag":    {Data: []byte(plainFrag)},
		"shaders/lit.vert":      {Data: []byte(litVert)},
		"shaders/lit.frag":      {Data: []byte(litFrag)},
		"shaders/conflict.frag": {Data: []byte(conflictFrag)},
		"shaders/linked.frag":   {Data: []byte(linkedFrag)},
		"shaders/main.frag":     {Data: []byte(includingFrag)},
		"shaders/common.glsl":   {Data: []byte(commonGLSL)},
		"shaders/auto.vert":     {Data: []byte(autoAlbedoVert)},
		"shaders/shadow.frag":   {Data: []byte(shadowFrag)},
		"shaders/shade.vert":    {Data: []byte(shadeVert)},
		"shaders/shade.frag":    {Data: []byte(shadeFrag)},
	}
}

// fakeCompiler reflects what the preprocessor recorded instead of running a
// real compiler. Opaque uniforms whose type starts with "sampler" become
// combined image samplers, everything else a uniform buffer.
type fakeCompiler struct {
	mu       sync.Mutex
	compiles map[string]int
}

func (f *fakeCompiler) Compile(ctx context.Context, src *shader.FlattenedSource) (*shader.CompiledShader, error) {
	if err := ctx.Err(); err != nil {
		return nil, &core.ShaderCompileError{Stage: src.Stage.String(), File: src.Path, Message: "compile cancelled", Err: err}
	}
	f.mu.Lock()
	f.compiles[src.Path]++
	f.mu.Unlock()

	for i, line := range strings.Split(src.Text, "\n") {
		if strings.Contains(line, "undefined_symbol") {
			loc := src.Remap(i + 1)
			return nil, &core.ShaderCompileError{Stage: src.Stage.String(), File: loc.File, Line: loc.Line, Message: "'undefined_symbol' : undeclared identifier"}
		}
	}

	refl := metadata.NewShaderReflection()
	for _, b := range src.Bindings {
		kind := metadata.DescriptorKindUniformBuffer
		if strings.HasPrefix(b.Type, "sampler") {
			kind = metadata.DescriptorKindCombinedImageSampler
		}
		refl.Descriptors[b.Set] = append(refl.Descriptors[b.Set], metadata.DescriptorBinding{Name: b.Name, Kind: kind, Binding: b.Binding, Count: b.Count})
	}
	for range src.PushConstants {
		refl.PushConstants = append(refl.PushConstants, metadata.PushConstantRange{Offset: 0, Size: 16, Stages: src.Stage})
	}
	return &shader.CompiledShader{
		Stage:        src.Stage,
		Code:         []uint32{shader.SPIRVMagic},
		EntryPoint:   "main",
		Reflection:   refl,
		Dependencies: src.Dependencies,
	}, nil
}

func (f *fakeCompiler) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.compiles[path]
}

func newTestCompiler(t *testing.T) (*PipelineCompiler, *headless.Device, *fakeCompiler) {
	t.Helper()
	return newTestCompilerFS(t, testFiles())
}

// newTestCompilerFS reads sources from fsys, which the caller may edit
// between builds.
func newTestCompilerFS(t *testing.T, fsys fstest.MapFS) (*PipelineCompiler, *headless.Device, *fakeCompiler) {
	t.Helper()
	cfg := core.DefaultConfig()
	tc := shader.NewToolchain(cfg.Compiler, fsys)
	fake := &fakeCompiler{compiles: make(map[string]int)}
	tc.GLSL = fake
	dev := headless.New()
	pc, err := NewPipelineCompiler(cfg, dev, tc)
	if err != nil {
		t.Fatalf("NewPipelineCompiler: %v", err)
	}
	t.Cleanup(func() { _ = pc.Shutdown() })
	return pc, dev, fake
}

func describe(t *testing.T, name string, stages ...string) *metadata.PipelineDescription {
	t.Helper()
	d := metadata.NewPipelineDescription(name, "shaders")
	for _, s := range stages {
		if _, err := d.AddStage(s, metadata.ShaderStageNone); err != nil {
			t.Fatal(err)
		}
	}
	return d
}

func build(t *testing.T, pc *PipelineCompiler, d *metadata.PipelineDescription, opts BuildOptions) *Pipeline {
	t.Helper()
	p, err := pc.Build(context.Background(), d, opts)
	if err != nil {
		t.Fatalf("Build(%s): %v", d.Name, err)
	}
	return p
}

func TestIdempotentBuild(t *testing.T) {
	pc, dev, fake := newTestCompiler(t)
	d := describe(t, "lit", "lit.vert", "lit.frag")

	p1 := build(t, pc, d, BuildOptions{})
	p2 := build(t, pc, d, BuildOptions{})

	if len(p1.Modules()) != 2 {
		t.Fatalf("expected 2 modules, got %d", len(p1.Modules()))
	}
	for i := range p1.Modules() {
		if p1.Modules()[i] != p2.Modules()[i] {
			t.Errorf("module %d not shared", i)
		}
		if refs := pc.Modules().Refs(p1.Modules()[i].Key); refs != 2 {
			t.Errorf("module %d: expected refcount 2, got %d", i, refs)
		}
	}
	if p1.Layout() != p2.Layout() || pc.Layouts().PipelineLayoutRefs(p1.Layout()) != 2 {
		t.Errorf("pipeline layout not shared with refcount 2")
	}
	if fake.count("shaders/lit.vert") != 1 || fake.count("shaders/lit.frag") != 1 {
		t.Errorf("each stage must compile once, got %v", fake.compiles)
	}
	if dev.Live(headless.ObjectShaderModule) != 2 || dev.Live(headless.ObjectPipeline) != 2 {
		t.Errorf("expected 2 modules and 2 pipelines on the device")
	}
	if p1.Handle() == p2.Handle() {
		t.Error("each pipeline owns its native pipeline")
	}

	if err := p1.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	for _, m := range p2.Modules() {
		if refs := pc.Modules().Refs(m.Key); refs != 1 {
			t.Errorf("expected refcount 1 after destroy, got %d", refs)
		}
	}
	if pc.Layouts().PipelineLayoutRefs(p2.Layout()) != 1 {
		t.Error("pipeline layout refcount must drop to 1")
	}
	if dev.Live(headless.ObjectShaderModule) != 2 || dev.Live(headless.ObjectPipeline) != 1 {
		t.Error("shared objects must survive, the destroyed pipeline must not")
	}
	if p1.State() != PipelineStateUnbuilt {
		t.Errorf("destroyed pipeline is %s", p1.State())
	}
	if err := p1.Destroy(); !errors.Is(err, core.ErrPipelineNotBuilt) {
		t.Errorf("second destroy: %v", err)
	}
}

func TestBindingConflictDoesNotLeak(t *testing.T) {
	pc, dev, _ := newTestCompiler(t)
	p0 := build(t, pc, describe(t, "base", "matrix.vert", "plain.frag"), BuildOptions{})
	key := p0.Modules()[0].Key
	layouts := dev.Live(headless.ObjectDescriptorSetLayout)

	_, err := pc.Build(context.Background(), describe(t, "broken", "matrix.vert", "conflict.frag"), BuildOptions{})
	var conflict *core.BindingConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected a BindingConflictError, got %v", err)
	}
	if conflict.Set != 0 || conflict.Binding != 0 || conflict.FirstKind != "uniform-buffer" || conflict.SecondKind != "combined-image-sampler" {
		t.Errorf("conflict: %+v", conflict)
	}
	if refs := pc.Modules().Refs(key); refs != 1 {
		t.Errorf("matrix.vert refcount must return to 1, got %d", refs)
	}
	if dev.Live(headless.ObjectShaderModule) != 2 {
		t.Errorf("the failed build's own module must be destroyed, %d live", dev.Live(headless.ObjectShaderModule))
	}
	if dev.Live(headless.ObjectDescriptorSetLayout) != layouts || dev.Live(headless.ObjectPipeline) != 1 {
		t.Error("a failed build must not leave device objects behind")
	}
}

func TestUnresolvedLinkIsTolerated(t *testing.T) {
	pc, dev, _ := newTestCompiler(t)
	d := describe(t, "linked", "matrix.vert", "linked.frag")
	d.Links = []metadata.LinkDescription{
		{Binding: metadata.LinkDiscoverBinding, DescriptorName: "MATRIX", ResourceName: "camera"},
		{Binding: 1, ResourceName: "missing_texture"},
	}
	table := NewResourceTable()
	camera := metadata.BufferResource{Buffer: 42, Range: 64}
	table.Register("camera", camera)

	p := build(t, pc, d, BuildOptions{Resources: table})
	if p.State() != PipelineStateBuilt || p.Handle().IsNull() {
		t.Fatal("pipeline must be built and bindable")
	}
	if len(p.Warnings()) != 1 || p.Warnings()[0].ResourceName != "missing_texture" {
		t.Fatalf("expected exactly one warning for missing_texture, got %v", p.Warnings())
	}
	set := p.DescriptorSet()
	if set == nil {
		t.Fatal("expected a default descriptor set")
	}
	w, ok := dev.Write(set.Handle, metadata.WriteSlot{Binding: 0})
	if !ok || w != (metadata.BufferWrite{Binding: 0, Buffer: camera}) {
		t.Errorf("camera write: %v %v", w, ok)
	}
	if _, ok := dev.Write(set.Handle, metadata.WriteSlot{Binding: 1}); ok {
		t.Error("the unresolved slot must not be written")
	}
	if dev.Updates() != 1 {
		t.Errorf("expected one batched update, got %d", dev.Updates())
	}

	// linking the same resources again is a no-op
	res, err := p.Relink(table)
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 0 || dev.Updates() != 1 || len(res.Unresolved) != 1 {
		t.Errorf("relink: %+v, %d updates", res, dev.Updates())
	}

	table.Register("missing_texture", metadata.ImageResource{View: 7})
	res, err = p.Relink(table)
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied != 2 || res.Updated != 1 || len(res.Unresolved) != 0 {
		t.Errorf("relink after registering: %+v", res)
	}
	w, ok = dev.Write(set.Handle, metadata.WriteSlot{Binding: 1})
	if img, isImage := w.(metadata.ImageWrite); !ok || !isImage || img.Sampler != metadata.SamplerLinearRepeat {
		t.Errorf("albedo write: %v", w)
	}

	if s, ok := p.Slot("camera"); !ok || s.Set != 0 || s.Binding != 0 || s.Kind != metadata.DescriptorKindUniformBuffer {
		t.Errorf("Slot(camera) = %+v %v", s, ok)
	}
	if s, ok := p.Slot("albedo"); !ok || s.Binding != 1 || s.Stages != metadata.ShaderStageFragment {
		t.Errorf("Slot(albedo) = %+v %v", s, ok)
	}
}

func TestLinkWithoutDescriptorIsReported(t *testing.T) {
	pc, _, _ := newTestCompiler(t)
	d := describe(t, "nameless", "matrix.vert", "plain.frag")
	d.Links = []metadata.LinkDescription{{Binding: metadata.LinkDiscoverBinding, DescriptorName: "nothing", ResourceName: "x"}}

	p := build(t, pc, d, BuildOptions{})
	if len(p.Warnings()) != 1 || !strings.Contains(p.Warnings()[0].Reason, "no stage declares") {
		t.Errorf("warnings: %v", p.Warnings())
	}
}

func TestSharedAlbedoBinding(t *testing.T) {
	pc, _, _ := newTestCompiler(t)
	p := build(t, pc, describe(t, "lit", "lit.vert", "lit.frag"), BuildOptions{})

	set1 := p.Bindings(1)
	want := []metadata.LayoutBinding{
		{Binding: 0, Kind: metadata.DescriptorKindCombinedImageSampler, Count: 1, Stages: metadata.ShaderStageVertex | metadata.ShaderStageFragment},
		{Binding: 1, Kind: metadata.DescriptorKindCombinedImageSampler, Count: 1, Stages: metadata.ShaderStageFragment},
	}
	if !metadata.EqualLayoutBindings(set1, want) {
		t.Errorf("set 1: %+v", set1)
	}
	if len(p.SetLayouts()) != 2 {
		t.Errorf("expected 2 set layouts, got %d", len(p.SetLayouts()))
	}
	if pcs := p.PushConstants(); len(pcs) != 1 || pcs[0].Stages != metadata.ShaderStageFragment {
		t.Errorf("push constants: %+v", pcs)
	}
}

func TestCrossPipelineSharing(t *testing.T) {
	pc, dev, _ := newTestCompiler(t)
	p1 := build(t, pc, describe(t, "one", "matrix.vert", "plain.frag"), BuildOptions{})
	p2 := build(t, pc, describe(t, "two", "other.vert", "plain.frag"), BuildOptions{})

	if p1.Modules()[0] == p2.Modules()[0] {
		t.Fatal("different sources must not share a module")
	}
	if p1.SetLayouts()[0] != p2.SetLayouts()[0] || p1.Layout() != p2.Layout() {
		t.Error("identical binding shapes must share layouts")
	}
	if dev.Created(headless.ObjectDescriptorSetLayout) != 1 || dev.Created(headless.ObjectPipelineLayout) != 1 {
		t.Errorf("expected one set layout and one pipeline layout, got %d and %d",
			dev.Created(headless.ObjectDescriptorSetLayout), dev.Created(headless.ObjectPipelineLayout))
	}
	if dev.Created(headless.ObjectRenderPass) != 1 {
		t.Error("pipelines built against one shape must share a render pass")
	}
}

func TestIncludeErrorIsRemapped(t *testing.T) {
	pc, dev, _ := newTestCompiler(t)
	_, err := pc.Build(context.Background(), describe(t, "include", "matrix.vert", "main.frag"), BuildOptions{})
	var ce *core.ShaderCompileError
	if !errors.As(err, &ce) {
		t.Fatalf("expected a ShaderCompileError, got %v", err)
	}
	if ce.File != "shaders/common.glsl" || ce.Line != 9 {
		t.Errorf("error anchored at %s:%d", ce.File, ce.Line)
	}
	if dev.Live(headless.ObjectShaderModule) != 0 {
		t.Error("the vertex module must be released after the fragment stage failed")
	}
}

func TestCancelledBuild(t *testing.T) {
	pc, dev, _ := newTestCompiler(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pc.Build(ctx, describe(t, "lit", "lit.vert", "lit.frag"), BuildOptions{})
	if !core.IsShaderCompileError(err) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected a cancelled compile error, got %v", err)
	}
	if dev.Live(headless.ObjectShaderModule) != 0 {
		t.Error("no module may survive a cancelled build")
	}
}

func TestFailedPipelineCreationReleasesLayouts(t *testing.T) {
	pc, dev, _ := newTestCompiler(t)
	dev.FailCreate(headless.ObjectPipeline, errors.New("out of memory"))
	if _, err := pc.Build(context.Background(), describe(t, "lit", "lit.vert", "lit.frag"), BuildOptions{}); err == nil {
		t.Fatal("expected the build to fail")
	}
	if dev.Live(headless.ObjectShaderModule) != 0 || dev.Live(headless.ObjectRenderPass) != 0 {
		t.Error("modules and render passes are released straight away")
	}
	// the unowned pipeline layout still holds its set layouts
	_, pipelines := pc.Layouts().Stats()
	if pipelines.Entries != 0 || pipelines.Unowned != 1 {
		t.Errorf("the pipeline layout must be unowned, got %+v", pipelines)
	}
	if n := pc.Prune(); n == 0 {
		t.Error("Prune destroyed nothing")
	}
	if dev.Live(headless.ObjectDescriptorSetLayout) != 0 || dev.Live(headless.ObjectPipelineLayout) != 0 {
		t.Error("Prune must destroy unowned layouts")
	}
}

func TestUnownedLayoutsAreReused(t *testing.T) {
	pc, dev, _ := newTestCompiler(t)
	d := describe(t, "lit", "lit.vert", "lit.frag")
	p := build(t, pc, d, BuildOptions{})
	if err := p.Destroy(); err != nil {
		t.Fatal(err)
	}
	build(t, pc, d, BuildOptions{})
	if dev.Created(headless.ObjectPipelineLayout) != 1 || dev.Created(headless.ObjectDescriptorSetLayout) != 2 {
		t.Error("a rebuild after the last owner left must reuse the released layouts")
	}
	if dev.Created(headless.ObjectShaderModule) != 4 {
		t.Errorf("modules are not kept once unowned, %d created", dev.Created(headless.ObjectShaderModule))
	}
}

func TestRebuildKeepsSharedObjects(t *testing.T) {
	pc, dev, _ := newTestCompiler(t)
	d := describe(t, "lit", "lit.vert", "lit.frag")
	old := build(t, pc, d, BuildOptions{})

	p, err := pc.Rebuild(context.Background(), old, d, BuildOptions{})
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if old.State() != PipelineStateUnbuilt || p.State() != PipelineStateBuilt {
		t.Error("the old pipeline must be destroyed once the new one is built")
	}
	if dev.Created(headless.ObjectShaderModule) != 2 {
		t.Errorf("unchanged sources must carry their modules over, %d created", dev.Created(headless.ObjectShaderModule))
	}

	// a failing rebuild leaves the old pipeline alone
	broken := describe(t, "lit", "matrix.vert", "conflict.frag")
	if _, err := pc.Rebuild(context.Background(), p, broken, BuildOptions{}); err == nil {
		t.Fatal("expected the rebuild to fail")
	}
	if p.State() != PipelineStateBuilt {
		t.Error("the previous pipeline must survive a failed rebuild")
	}
}

func TestRebuildRecompilesEditedSource(t *testing.T) {
	fsys := testFiles()
	fsys["shaders/edit.vert"] = &fstest.MapFile{Data: []byte(matrixVert)}
	pc, dev, fake := newTestCompilerFS(t, fsys)
	d := describe(t, "edit", "edit.vert", "plain.frag")
	old := build(t, pc, d, BuildOptions{})
	if n := len(old.Bindings(0)); n != 1 {
		t.Fatalf("expected 1 binding before the edit, got %d", n)
	}

	fsys["shaders/edit.vert"] = &fstest.MapFile{Data: []byte(`layout(set = 0, binding = 0) uniform MATRIX { mat4 mvp; } matrix;
layout(set = 0, binding = 1) uniform sampler2D tex;
void main() {}
`)}
	p, err := pc.Rebuild(context.Background(), old, d, BuildOptions{})
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if n := len(p.Bindings(0)); n != 2 {
		t.Errorf("expected 2 bindings after the edit, got %d", n)
	}
	if n := fake.count("shaders/edit.vert"); n != 2 {
		t.Errorf("edit.vert compiled %d times", n)
	}
	if n := fake.count("shaders/plain.frag"); n != 1 {
		t.Errorf("plain.frag compiled %d times", n)
	}
	if live := dev.Live(headless.ObjectShaderModule); live != 2 {
		t.Errorf("the stale module must be released, %d live", live)
	}

	fsys["shaders/edit.vert"] = &fstest.MapFile{Data: []byte("float f() { return undefined_symbol; }\nvoid main() {}\n")}
	_, err = pc.Rebuild(context.Background(), p, d, BuildOptions{})
	if !core.IsShaderCompileError(err) {
		t.Fatalf("expected a compile error, got %v", err)
	}
	if p.State() != PipelineStateBuilt || len(p.Bindings(0)) != 2 {
		t.Error("the previous pipeline must survive a failed rebuild")
	}
}

func TestExplicitBindingInLaterStageWinsOverAuto(t *testing.T) {
	pc, _, _ := newTestCompiler(t)
	p := build(t, pc, describe(t, "shadowed", "auto.vert", "shadow.frag"), BuildOptions{})

	set1 := p.Bindings(1)
	want := []metadata.LayoutBinding{
		{Binding: 0, Kind: metadata.DescriptorKindCombinedImageSampler, Count: 1, Stages: metadata.ShaderStageFragment},
		{Binding: 1, Kind: metadata.DescriptorKindCombinedImageSampler, Count: 1, Stages: metadata.ShaderStageVertex},
	}
	if !metadata.EqualLayoutBindings(set1, want) {
		t.Errorf("set 1: %+v", set1)
	}
	if s, ok := p.Slot("albedo"); !ok || s.Set != 1 || s.Binding != 1 {
		t.Errorf("Slot(albedo) = %+v %v", s, ok)
	}
	if s, ok := p.Slot("shadowMap"); !ok || s.Set != 1 || s.Binding != 0 {
		t.Errorf("Slot(shadowMap) = %+v %v", s, ok)
	}
}

func TestSlotPrefersLowestSet(t *testing.T) {
	pc, _, _ := newTestCompiler(t)
	p := build(t, pc, describe(t, "shade", "shade.vert", "shade.frag"), BuildOptions{})

	for i := 0; i < 20; i++ {
		s, ok := p.Slot("shade")
		if !ok || s.Set != 0 || s.Binding != 0 || s.Stages != metadata.ShaderStageVertex {
			t.Fatalf("Slot(shade) = %+v %v", s, ok)
		}
	}
}

func TestBuildAllLogsFailureOnce(t *testing.T) {
	var sb strings.Builder
	if err := core.ConfigureLogger(core.LogConfig{Level: "error"}, &sb); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = core.ConfigureLogger(core.LogConfig{Level: "info"}, os.Stderr) })

	pc, _, _ := newTestCompiler(t)
	descs := []*metadata.PipelineDescription{
		describe(t, "lit", "lit.vert", "lit.frag"),
		describe(t, "broken", "matrix.vert", "conflict.frag"),
	}
	_, errs := pc.BuildAll(context.Background(), descs, BuildOptions{})
	if errs[0] != nil || !core.IsBindingConflict(errs[1]) {
		t.Fatalf("errs: %v", errs)
	}
	if n := strings.Count(sb.String(), "binding conflict at set"); n != 1 {
		t.Errorf("failure logged %d times:\n%s", n, sb.String())
	}
}

func TestBuildAllCompilesSharedStagesOnce(t *testing.T) {
	pc, _, fake := newTestCompiler(t)
	var descs []*metadata.PipelineDescription
	for i := 0; i < 8; i++ {
		descs = append(descs, describe(t, fmt.Sprintf("lit-%d", i), "lit.vert", "lit.frag"))
	}
	descs = append(descs, describe(t, "broken", "matrix.vert", "conflict.frag"))

	pipelines, errs := pc.BuildAll(context.Background(), descs, BuildOptions{})
	for i := 0; i < 8; i++ {
		if errs[i] != nil || pipelines[i] == nil {
			t.Errorf("%s: %v", descs[i].Name, errs[i])
		}
	}
	if !core.IsBindingConflict(errs[8]) || pipelines[8] != nil {
		t.Errorf("broken: %v", errs[8])
	}
	if n := fake.count("shaders/lit.vert"); n != 1 {
		t.Errorf("lit.vert compiled %d times", n)
	}
	stats := pc.Stats()
	if stats.Pipelines != 8 || stats.Builds != 8 {
		t.Errorf("stats: %+v", stats)
	}
	if refs := pc.Modules().Refs(pipelines[0].Modules()[0].Key); refs != 8 {
		t.Errorf("expected 8 owners, got %d", refs)
	}
}

func TestTargetCompatibility(t *testing.T) {
	pc, dev, _ := newTestCompiler(t)
	shape := metadata.DefaultRenderPassShape(false)
	shape.Attachments = append(shape.Attachments, shape.Attachments[0])
	shape.Attachments[1].PresentAfter = false
	shape.Subpasses = append(shape.Subpasses, metadata.SubpassConfig{ColourAttachments: []uint32{1}, InputAttachments: []uint32{0}, DepthAttachment: -1})
	target := metadata.RenderTarget{Shape: shape, Subpass: 1}

	p := build(t, pc, describe(t, "post", "matrix.vert", "plain.frag"), BuildOptions{Target: &target})
	if !p.CompatibleWith(shape, 1) || p.CompatibleWith(shape, 0) || p.CompatibleWith(metadata.DefaultRenderPassShape(false), 1) {
		t.Error("a pipeline is only compatible with the shape and subpass it was built against")
	}
	if info := dev.PipelineInfo(p.Handle()); info == nil || info.Subpass != 1 || info.ColourAttachments != 1 {
		t.Errorf("pipeline info: %+v", info)
	}

	bad := metadata.RenderTarget{Shape: shape, Subpass: 5}
	if _, err := pc.Build(context.Background(), describe(t, "bad", "matrix.vert"), BuildOptions{Target: &bad}); !errors.Is(err, core.ErrInvalidDescription) {
		t.Errorf("expected an invalid description, got %v", err)
	}
}

func TestShutdownDestroysEverything(t *testing.T) {
	pc, dev, _ := newTestCompiler(t)
	build(t, pc, describe(t, "lit", "lit.vert", "lit.frag"), BuildOptions{})
	build(t, pc, describe(t, "one", "matrix.vert", "plain.frag"), BuildOptions{})

	if err := pc.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, kind := range []headless.ObjectKind{
		headless.ObjectShaderModule, headless.ObjectDescriptorSetLayout, headless.ObjectPipelineLayout,
		headless.ObjectRenderPass, headless.ObjectPipeline, headless.ObjectDescriptorSet,
	} {
		if n := dev.Live(kind); n != 0 {
			t.Errorf("%d %s left after shutdown", n, kind)
		}
	}
	if _, err := pc.Build(context.Background(), describe(t, "late", "matrix.vert"), BuildOptions{}); !errors.Is(err, core.ErrCacheShutdown) {
		t.Errorf("build after shutdown: %v", err)
	}
}

func TestPipelineDependencies(t *testing.T) {
	pc, _, _ := newTestCompiler(t)
	d := describe(t, "deps", "matrix.vert")
	d.Path = "shaders/deps.xml"
	p := build(t, pc, d, BuildOptions{})
	deps := p.Dependencies()
	if len(deps) != 2 || deps[0] != "shaders/deps.xml" || deps[1] != "shaders/matrix.vert" {
		t.Errorf("dependencies: %v", deps)
	}
}
