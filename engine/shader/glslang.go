package shader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spaghettifunk/pipeforge/engine/core"
)

var (
	glslangLocatedErrorRe = regexp.MustCompile(`^ERROR:\s*(.*?):(\d+):\s*(.*)$`)
	glslangErrorRe        = regexp.MustCompile(`^ERROR:\s*(.*)$`)
)

/**
 * @brief Compiles flattened GLSL by running glslangValidator with reflection
 * output enabled. Flattened text and bytecode live in uniquely named
 * temporary files removed after every call.
 */
type GlslangCompiler struct {
	Executable string
	Args       []string
	Timeout    time.Duration
	TempDir    string
}

func NewGlslangCompiler(cfg core.CompilerConfig) *GlslangCompiler {
	return &GlslangCompiler{
		Executable: cfg.Executable,
		Args:       slices.Clone(cfg.Args),
		Timeout:    cfg.Timeout.Duration,
		TempDir:    cfg.TempDir,
	}
}

func (g *GlslangCompiler) Compile(ctx context.Context, src *FlattenedSource) (*CompiledShader, error) {
	stage := src.Stage.String()
	if err := ctx.Err(); err != nil {
		return nil, &core.ShaderCompileError{Stage: stage, File: src.Path, Message: "compile cancelled", Err: err}
	}

	dir := g.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	base := filepath.Join(dir, "pipeforge-"+uuid.New().String())
	in := base + "." + stage
	out := base + ".spv"
	if err := os.WriteFile(in, []byte(src.Text), 0o600); err != nil {
		return nil, &core.ShaderCompileError{Stage: stage, File: src.Path, Message: "cannot write flattened source", Err: err}
	}
	defer os.Remove(in)
	defer os.Remove(out)

	args := append(slices.Clone(g.Args), "-V", "-q", "-S", stage, "-o", out, in)
	output, err := core.ExecuteCmd(ctx, g.Executable, core.WithArgs(args...), core.WithTimeout(g.Timeout))

	// glslang exits non-zero on errors, but some versions exit 0 with ERROR lines
	if compileErr := g.diagnose(src, output); compileErr != nil {
		compileErr.Err = err
		return nil, compileErr
	}
	if err != nil {
		compileErr := &core.ShaderCompileError{Stage: stage, File: src.Path, Err: err}
		var exitErr *core.ExitError
		switch {
		case errors.Is(err, core.ErrCompilerTimeout):
			compileErr.Message = fmt.Sprintf("%s timed out after %s", g.Executable, g.Timeout)
		case ctx.Err() != nil:
			compileErr.Message = "compile cancelled"
		case errors.As(err, &exitErr):
			compileErr.Message = firstLine(exitErr.Output, exitErr.Error())
		default:
			compileErr.Message = err.Error()
		}
		return nil, compileErr
	}

	for _, l := range strings.Split(output, "\n") {
		if strings.HasPrefix(l, "WARNING:") {
			core.LogWarn("%s: %s", src.Path, strings.TrimSpace(strings.TrimPrefix(l, "WARNING:")))
		}
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, &core.ShaderCompileError{Stage: stage, File: src.Path, Message: "compiler produced no bytecode", Err: err}
	}
	code, err := BytesToBytecode(data)
	if err != nil || len(code) == 0 || code[0] != SPIRVMagic {
		return nil, &core.ShaderCompileError{Stage: stage, File: src.Path, Message: "compiler produced invalid SPIR-V", Err: err}
	}

	refl, err := ParseReflection(src.Stage, output, src.SetOf)
	if err != nil {
		return nil, &core.ShaderCompileError{Stage: stage, File: src.Path, Message: "cannot parse reflection", Err: err}
	}
	return &CompiledShader{
		Stage:        src.Stage,
		Code:         code,
		EntryPoint:   "main",
		Reflection:   refl,
		Dependencies: slices.Clone(src.Dependencies),
	}, nil
}

// diagnose returns the first ERROR line, anchored at the original file and line.
func (g *GlslangCompiler) diagnose(src *FlattenedSource, output string) *core.ShaderCompileError {
	for _, l := range strings.Split(output, "\n") {
		l = strings.TrimSpace(l)
		if m := glslangLocatedErrorRe.FindStringSubmatch(l); m != nil {
			line, _ := strconv.Atoi(m[2])
			loc := src.Remap(line)
			return &core.ShaderCompileError{
				Stage:   src.Stage.String(),
				File:    loc.File,
				Line:    loc.Line,
				Message: strings.TrimSpace(m[3]),
			}
		}
	}
	for _, l := range strings.Split(output, "\n") {
		l = strings.TrimSpace(l)
		if m := glslangErrorRe.FindStringSubmatch(l); m != nil {
			return &core.ShaderCompileError{Stage: src.Stage.String(), File: src.Path, Message: strings.TrimSpace(m[1])}
		}
	}
	return nil
}

func firstLine(s, fallback string) string {
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			return l
		}
	}
	return fallback
}
