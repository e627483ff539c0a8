package shader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/spaghettifunk/pipeforge/engine/core"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

const reflectionFixture = `
Uniform reflection:
matrix.mvp: offset 0, type 8b5c, size 1, index 0, binding -1, stages 1
albedo: offset -1, type 8b5e, size 1, index -1, binding 1, stages 17
shadows: offset -1, type 8b62, size 4, index -1, binding 5, stages 16

Uniform block reflection:
MATRIX: offset -1, type ffffffff, size 64, index 0, binding 0, stages 1
Lights[0]: offset -1, type ffffffff, size 32, index 1, binding 2, stages 16
Lights[1]: offset -1, type ffffffff, size 32, index 2, binding 2, stages 16
Lights[2]: offset -1, type ffffffff, size 32, index 3, binding 2, stages 16
Push: offset -1, type ffffffff, size 16, index 4, binding -1, stages 16

Buffer variable reflection:
ignored: offset 0, type 1406, size 1, index 0, binding 9

Vertex attribute reflection:
inPosition: offset 0, type 8b51, size 1, index 0, binding -1, stages 1
`

func TestParseReflection(t *testing.T) {
	sets := map[string]uint32{"albedo": 1, "shadows": 1, "Lights": 2}
	refl, err := ParseReflection(metadata.ShaderStageFragment, reflectionFixture, func(name string) uint32 { return sets[name] })
	if err != nil {
		t.Fatalf("ParseReflection: %v", err)
	}

	set0 := refl.Descriptors[0]
	if len(set0) != 1 || set0[0] != (metadata.DescriptorBinding{Name: "MATRIX", Kind: metadata.DescriptorKindUniformBuffer, Binding: 0, Count: 1}) {
		t.Errorf("set 0: %+v", set0)
	}
	set1 := refl.Descriptors[1]
	if len(set1) != 2 {
		t.Fatalf("set 1: %+v", set1)
	}
	if set1[0].Name != "albedo" || set1[0].Kind != metadata.DescriptorKindCombinedImageSampler || set1[0].Binding != 1 {
		t.Errorf("albedo: %+v", set1[0])
	}
	if set1[1].Name != "shadows" || set1[1].Count != 4 {
		t.Errorf("shadows: %+v", set1[1])
	}
	lights := refl.Descriptors[2]
	if len(lights) != 1 || lights[0].Count != 3 || lights[0].Name != "Lights" {
		t.Errorf("block array must coalesce: %+v", lights)
	}
	if len(refl.PushConstants) != 1 || refl.PushConstants[0] != (metadata.PushConstantRange{Offset: 0, Size: 16, Stages: metadata.ShaderStageFragment}) {
		t.Errorf("push constants: %+v", refl.PushConstants)
	}
	if len(refl.Attributes) != 1 || refl.Attributes[0].Name != "inPosition" {
		t.Errorf("attributes: %+v", refl.Attributes)
	}
	if _, ok := refl.Descriptors[9]; ok {
		t.Error("sections other than the three known ones must be ignored")
	}
}

// writeFakeCompiler drops a shell script standing in for glslangValidator.
func writeFakeCompiler(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake compiler is a shell script")
	}
	path := filepath.Join(t.TempDir(), "fake-glslang")
	script := "#!/bin/sh\nout=\"\"\nin=\"\"\nwhile [ $# -gt 0 ]; do\n  if [ \"$1\" = \"-o\" ]; then out=\"$2\"; shift; fi\n  in=\"$1\"\n  shift\ndone\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testCompilerConfig(exe string) core.CompilerConfig {
	cfg := core.DefaultConfig().Compiler
	cfg.Executable = exe
	cfg.Timeout = core.Duration{Duration: 5 * time.Second}
	return cfg
}

func TestGlslangCompile(t *testing.T) {
	exe := writeFakeCompiler(t, `printf '\003\002\043\007\000\000\001\000' > "$out"
cat <<'EOF'
Uniform reflection:
albedo: offset -1, type 8b5e, size 1, index -1, binding 0, stages 16

Uniform block reflection:
MATRIX: offset -1, type ffffffff, size 64, index 0, binding 0, stages 1
EOF
`)
	cfg := testCompilerConfig(exe)
	cfg.TempDir = t.TempDir()
	tc := NewToolchain(cfg, fstest.MapFS{
		"sky.frag": {Data: []byte("layout(set = 0, binding = 0) uniform MATRIX { mat4 m; } matrix;\nlayout(set = 1, binding = AUTO_BINDING) uniform sampler2D albedo;\nvoid main() {}\n")},
	})

	src, err := tc.Prepare("sky.frag", metadata.ShaderStageFragment, "", nil, nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	out, err := tc.Compile(context.Background(), src)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(out.Code) != 2 || out.Code[0] != SPIRVMagic || out.EntryPoint != "main" {
		t.Errorf("unexpected bytecode %x entry %q", out.Code, out.EntryPoint)
	}
	if d := out.Reflection.Descriptors[1]; len(d) != 1 || d[0].Name != "albedo" {
		t.Errorf("albedo must land in set 1: %+v", out.Reflection.Descriptors)
	}
	if d := out.Reflection.Descriptors[0]; len(d) != 1 || d[0].Name != "MATRIX" {
		t.Errorf("MATRIX must land in set 0: %+v", out.Reflection.Descriptors)
	}
	left, _ := os.ReadDir(cfg.TempDir)
	if len(left) != 0 {
		t.Errorf("temporary files left behind: %v", left)
	}
}

func TestGlslangErrorRemap(t *testing.T) {
	// flattened line 12 is common.glsl:9, see TestIncludeLineRemap
	exe := writeFakeCompiler(t, `echo "ERROR: $in:12: 'undefined_symbol' : undeclared identifier"
echo "ERROR: 1 compilation errors.  No code generated."
exit 2
`)
	cfg := testCompilerConfig(exe)
	tc := NewToolchain(cfg, fstest.MapFS{
		"shaders/main.frag":   {Data: []byte(includeFixture)},
		"shaders/common.glsl": {Data: []byte(commonFixture)},
	})
	src, err := tc.Prepare("shaders/main.frag", metadata.ShaderStageFragment, "shaders", macros("FOO"), nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	_, err = tc.Compile(context.Background(), src)
	var ce *core.ShaderCompileError
	if !errors.As(err, &ce) {
		t.Fatalf("expected a ShaderCompileError, got %v", err)
	}
	if ce.File != "shaders/common.glsl" || ce.Line != 9 || ce.Stage != "frag" {
		t.Errorf("error anchored at %s:%d (%s)", ce.File, ce.Line, ce.Stage)
	}
	if !strings.Contains(ce.Message, "undeclared identifier") {
		t.Errorf("message: %q", ce.Message)
	}
}

func TestGlslangTimeoutAndCancel(t *testing.T) {
	exe := writeFakeCompiler(t, "exec sleep 5\n")
	cfg := testCompilerConfig(exe)
	cfg.Timeout = core.Duration{Duration: 100 * time.Millisecond}
	tc := NewToolchain(cfg, fstest.MapFS{"a.vert": {Data: []byte("void main() {}\n")}})
	src, err := tc.Prepare("a.vert", metadata.ShaderStageVertex, "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err = tc.Compile(context.Background(), src)
	if !core.IsShaderCompileError(err) || !errors.Is(err, core.ErrCompilerTimeout) {
		t.Fatalf("expected a timeout compile error, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("timeout took %s", time.Since(start))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tc.Compile(ctx, src)
	if !core.IsShaderCompileError(err) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected a cancelled compile error, got %v", err)
	}
}

const wgslFixture = `struct Camera {
    view_proj: mat4x4<f32>,
}

@group(0) @binding(0) var<uniform> camera: Camera;

@vertex
fn vs_main(@location(0) pos: vec3<f32>) -> @builtin(position) vec4<f32> {
    return camera.view_proj * vec4<f32>(pos, 1.0);
}
`

func TestNagaCompile(t *testing.T) {
	tc := NewToolchain(core.DefaultConfig().Compiler, fstest.MapFS{
		"sky.vert.wgsl": {Data: []byte(wgslFixture)},
		"bad.vert.wgsl": {Data: []byte("@vertex fn main( -> {\n")},
	})

	src, err := tc.Prepare("sky.vert.wgsl", metadata.ShaderStageVertex, "", nil, nil)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if src.Language != LanguageWGSL {
		t.Fatalf("expected a WGSL source, got %s", src.Language)
	}
	out, err := tc.Compile(context.Background(), src)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(out.Code) == 0 || out.Code[0] != SPIRVMagic {
		t.Error("missing SPIR-V magic")
	}
	if out.EntryPoint != "vs_main" {
		t.Errorf("entry point %q", out.EntryPoint)
	}
	d := out.Reflection.Descriptors[0]
	if len(d) != 1 || d[0].Kind != metadata.DescriptorKindUniformBuffer || d[0].Binding != 0 || d[0].Name != "Camera" {
		t.Errorf("reflection: %+v", out.Reflection.Descriptors)
	}

	bad, err := tc.Prepare("bad.vert.wgsl", metadata.ShaderStageVertex, "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tc.Compile(context.Background(), bad); !core.IsShaderCompileError(err) {
		t.Errorf("expected a ShaderCompileError, got %v", err)
	}
}

func TestLanguageOf(t *testing.T) {
	if LanguageOf("a.frag") != LanguageGLSL || LanguageOf("a.frag.WGSL") != LanguageWGSL {
		t.Error("LanguageOf")
	}
	if _, err := BytesToBytecode([]byte{1, 2, 3}); err == nil {
		t.Error("expected an error for a truncated module")
	}
}
