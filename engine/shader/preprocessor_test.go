package shader

import (
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/spaghettifunk/pipeforge/engine/core"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

const conditionalFixture = `void main() {
#if defined(A) && !defined(B)
    branch_a_only();
#else
    branch_other();
#endif
#if defined(A)
#  if defined(B)
    nested_ab();
#  else
    nested_a();
#  endif
#elif !defined(B)
    neither();
#endif
}
`

// ten lines, every one distinct
const commonFixture = `// common.glsl
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

const includeFixture = `#version 450
void helper();
#include "common.glsl"
void main() { helper(); }
`

func newTestPreprocessor(files fstest.MapFS) *Preprocessor {
	return &Preprocessor{Header: core.DefaultHeader, AutoBindingToken: core.DefaultAutoBindingToken, FS: files}
}

func macros(names ...string) []metadata.ShaderMacro {
	var out []metadata.ShaderMacro
	for _, n := range names {
		m, _ := metadata.ParseShaderMacro(metadata.ShaderStageFragment, n)
		out = append(out, m)
	}
	return out
}

func TestConditionalCombinations(t *testing.T) {
	pre := newTestPreprocessor(fstest.MapFS{"cond.frag": {Data: []byte(conditionalFixture)}})

	cases := []struct {
		defines []string
		want    []string
		absent  []string
	}{
		{nil, []string{"branch_other", "neither"}, []string{"branch_a_only", "nested_ab", "nested_a()"}},
		{[]string{"A"}, []string{"branch_a_only", "nested_a()"}, []string{"branch_other", "nested_ab", "neither"}},
		{[]string{"B"}, []string{"branch_other"}, []string{"branch_a_only", "nested_ab", "nested_a()", "neither"}},
		{[]string{"A", "B"}, []string{"branch_other", "nested_ab"}, []string{"branch_a_only", "nested_a()", "neither"}},
	}
	for _, tc := range cases {
		out, err := pre.Flatten("cond.frag", metadata.ShaderStageFragment, "", macros(tc.defines...), nil)
		if err != nil {
			t.Fatalf("%v: %v", tc.defines, err)
		}
		for _, w := range tc.want {
			if !strings.Contains(out.Text, w) {
				t.Errorf("%v: expected %q in\n%s", tc.defines, w, out.Text)
			}
		}
		for _, a := range tc.absent {
			if strings.Contains(out.Text, a) {
				t.Errorf("%v: did not expect %q in\n%s", tc.defines, a, out.Text)
			}
		}
		if strings.Contains(out.Text, "#if") || strings.Contains(out.Text, "#endif") {
			t.Errorf("%v: conditionals must be resolved", tc.defines)
		}
	}
}

func TestIncludeLineRemap(t *testing.T) {
	pre := newTestPreprocessor(fstest.MapFS{
		"shaders/main.frag":   {Data: []byte(includeFixture)},
		"shaders/common.glsl": {Data: []byte(commonFixture)},
	})
	out, err := pre.Flatten("shaders/main.frag", metadata.ShaderStageFragment, "shaders", macros("FOO"), nil)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}

	// header (1) + macro (1) + main.frag:2, the #version line is dropped
	// and the #include line is replaced by the ten lines of common.glsl
	lines := strings.Split(strings.TrimSuffix(out.Text, "\n"), "\n")
	if len(lines) != 1+1+1+10+1 || out.Lines.Len() != len(lines) {
		t.Fatalf("unexpected flattened size %d (map %d):\n%s", len(lines), out.Lines.Len(), out.Text)
	}
	expect := map[int]SourceLocation{
		1:  {HeaderFile, 1},
		2:  {MacroFile, 1},
		3:  {"shaders/main.frag", 2},
		14: {"shaders/main.frag", 4},
	}
	for k := 1; k <= 10; k++ {
		expect[3+k] = SourceLocation{"shaders/common.glsl", k}
	}
	for line, want := range expect {
		got, ok := out.Lines.Resolve(line)
		if !ok || got != want {
			t.Errorf("flattened line %d: got %v, want %v", line, got, want)
		}
	}
	// the content agrees with the map
	if lines[12-1] != "float broken() { return undefined_symbol; }" {
		t.Errorf("flattened line 12 is %q", lines[11])
	}
	if got := out.Remap(12); got != (SourceLocation{"shaders/common.glsl", 9}) {
		t.Errorf("Remap(12) = %v", got)
	}
	if len(out.Dependencies) != 2 || out.Dependencies[1] != "shaders/common.glsl" {
		t.Errorf("dependencies: %v", out.Dependencies)
	}
}

func TestIncludeFailures(t *testing.T) {
	pre := newTestPreprocessor(fstest.MapFS{
		"a.glsl":    {Data: []byte("#include \"b.glsl\"\n")},
		"b.glsl":    {Data: []byte("#include \"a.glsl\"\n")},
		"cyc.vert":  {Data: []byte("#include \"a.glsl\"\n")},
		"miss.vert": {Data: []byte("void f();\n#include \"nowhere.glsl\"\n")},
		"open.vert": {Data: []byte("#ifdef X\nvoid f();\n")},
	})

	_, err := pre.Flatten("cyc.vert", metadata.ShaderStageVertex, "", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "include cycle") {
		t.Errorf("expected an include cycle, got %v", err)
	}

	_, err = pre.Flatten("miss.vert", metadata.ShaderStageVertex, "", nil, nil)
	var ce *core.ShaderCompileError
	if !errors.As(err, &ce) || ce.File != "miss.vert" || ce.Line != 2 {
		t.Errorf("expected a missing include at miss.vert:2, got %v", err)
	}

	_, err = pre.Flatten("open.vert", metadata.ShaderStageVertex, "", nil, nil)
	if !errors.As(err, &ce) || ce.Line != 1 {
		t.Errorf("expected an unterminated conditional at line 1, got %v", err)
	}

	_, err = pre.Flatten("none.vert", metadata.ShaderStageVertex, "", nil, nil)
	if !core.IsShaderCompileError(err) {
		t.Errorf("expected a compile error for a missing source, got %v", err)
	}
}

func TestAutoBindingSharedAcrossStages(t *testing.T) {
	pre := newTestPreprocessor(fstest.MapFS{
		"lit.vert": {Data: []byte(`layout(set = 0, binding = 0) uniform MATRIX { mat4 mvp; } matrix;
layout(set = 1, binding = AUTO_BINDING) uniform sampler2D albedo;
`)},
		"lit.frag": {Data: []byte(`layout(set = 1, binding = AUTO_BINDING) uniform sampler2D normals;
layout(set = 1, binding = AUTO_BINDING) uniform sampler2D albedo;
layout(set = 1, binding = 5) uniform sampler2D shadows[4];
layout(push_constant) uniform Push { vec4 tint; } push;
`)},
	})
	alloc := NewBindingAllocator()
	vert, err := pre.Flatten("lit.vert", metadata.ShaderStageVertex, "", nil, alloc)
	if err != nil {
		t.Fatalf("vert: %v", err)
	}
	frag, err := pre.Flatten("lit.frag", metadata.ShaderStageFragment, "", nil, alloc)
	if err != nil {
		t.Fatalf("frag: %v", err)
	}

	if !strings.Contains(vert.Text, "layout(set = 1, binding = 0) uniform sampler2D albedo;") {
		t.Errorf("vert albedo not assigned binding 0:\n%s", vert.Text)
	}
	if !strings.Contains(frag.Text, "layout(set = 1, binding = 0) uniform sampler2D albedo;") {
		t.Errorf("frag albedo must reuse binding 0:\n%s", frag.Text)
	}
	if !strings.Contains(frag.Text, "layout(set = 1, binding = 1) uniform sampler2D normals;") {
		t.Errorf("frag normals must get binding 1:\n%s", frag.Text)
	}
	if strings.Contains(frag.Text, core.DefaultAutoBindingToken) {
		t.Error("auto-binding token left in the output")
	}
	if frag.SetOf("albedo") != 1 || vert.SetOf("MATRIX") != 0 {
		t.Error("sets not recorded")
	}
	var shadows DeclaredBinding
	for _, b := range frag.Bindings {
		if b.Name == "shadows" {
			shadows = b
		}
	}
	if shadows.Binding != 5 || shadows.Count != 4 || shadows.Type != "sampler2D" || shadows.Auto {
		t.Errorf("shadows: %+v", shadows)
	}
	if len(frag.PushConstants) != 1 || frag.PushConstants[0] != "Push" {
		t.Errorf("push constants: %v", frag.PushConstants)
	}
}

func TestBindingAllocatorSkipsReserved(t *testing.T) {
	a := NewBindingAllocator()
	a.Reserve(2, 0, "explicit")
	a.Reserve(2, 1, "other")
	if b := a.Assign(2, "auto"); b != 2 {
		t.Errorf("expected binding 2, got %d", b)
	}
	if b := a.Assign(3, "auto"); b != 0 {
		t.Errorf("sets count independently, got %d", b)
	}
	if b, ok := a.Lookup(2, "explicit"); !ok || b != 0 {
		t.Errorf("lookup of reserved binding: %d %v", b, ok)
	}
}

func TestEvalCondition(t *testing.T) {
	defines := map[string]string{"A": "", "LIGHTS": "4"}
	cases := map[string]bool{
		"defined(A)":                      true,
		"defined A":                       true,
		"!defined(A)":                     false,
		"defined(A) && !defined(B)":       true,
		"defined(B) || defined(A)":        true,
		"(defined(A) && defined(B)) || 0": false,
		"LIGHTS > 2":                      true,
		"LIGHTS == 4 && defined(A)":       true,
		"UNDEFINED":                       false,
		"1":                               true,
	}
	for expr, want := range cases {
		got, err := evalCondition(expr, defines)
		if err != nil {
			t.Errorf("%s: %v", expr, err)
			continue
		}
		if got != want {
			t.Errorf("%s: got %v, want %v", expr, got, want)
		}
	}
	for _, bad := range []string{"", "defined(", "A &&", "(A", "A $ B"} {
		if _, err := evalCondition(bad, defines); err == nil {
			t.Errorf("%q: expected an error", bad)
		}
	}
}
