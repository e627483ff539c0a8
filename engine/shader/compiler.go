package shader

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spaghettifunk/pipeforge/engine/core"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

type SourceLanguage uint8

const (
	LanguageGLSL SourceLanguage = iota
	LanguageWGSL
)

func (l SourceLanguage) String() string {
	if l == LanguageWGSL {
		return "wgsl"
	}
	return "glsl"
}

// LanguageOf picks the source language from the file extension.
func LanguageOf(file string) SourceLanguage {
	if strings.EqualFold(filepath.Ext(file), ".wgsl") {
		return LanguageWGSL
	}
	return LanguageGLSL
}

/**
 * @brief A compiled stage: SPIR-V words plus the tables discovered by reflection.
 */
type CompiledShader struct {
	Stage      metadata.ShaderStage
	Code       []uint32
	EntryPoint string
	Reflection *metadata.ShaderReflection
	/** @brief Files the stage was built from, for hot reload. */
	Dependencies []string
}

/**
 * @brief Turns one flattened stage into bytecode and reflection. The glslang
 * subprocess and the in-process WGSL compiler both implement it, and tests
 * substitute a fake.
 */
type ShaderCompiler interface {
	Compile(ctx context.Context, src *FlattenedSource) (*CompiledShader, error)
}

/**
 * @brief Prepares stage sources and routes them to the compiler for their language.
 */
type Toolchain struct {
	Preprocessor *Preprocessor
	GLSL         ShaderCompiler
	WGSL         ShaderCompiler
}

func NewToolchain(cfg core.CompilerConfig, fsys fs.FS) *Toolchain {
	return &Toolchain{
		Preprocessor: NewPreprocessor(cfg, fsys),
		GLSL:         NewGlslangCompiler(cfg),
		WGSL:         NewNagaCompiler(),
	}
}

// Prepare flattens a GLSL stage or loads a WGSL stage as is. Preparation of
// all stages of a pipeline has to run in stage order on one goroutine so
// automatic bindings come out the same on every build.
func (t *Toolchain) Prepare(file string, stage metadata.ShaderStage, pipelineDir string, macros []metadata.ShaderMacro, alloc *BindingAllocator) (*FlattenedSource, error) {
	if lang := LanguageOf(file); lang != LanguageGLSL {
		if len(macros) > 0 {
			core.LogDebug("%s: macros are ignored for %s sources", file, lang)
		}
		return t.Preprocessor.Raw(file, stage, lang)
	}
	return t.Preprocessor.Flatten(file, stage, pipelineDir, macros, alloc)
}

func (t *Toolchain) Compile(ctx context.Context, src *FlattenedSource) (*CompiledShader, error) {
	var c ShaderCompiler
	switch src.Language {
	case LanguageWGSL:
		c = t.WGSL
	default:
		c = t.GLSL
	}
	if c == nil {
		return nil, &core.ShaderCompileError{
			Stage:   src.Stage.String(),
			File:    src.Path,
			Message: fmt.Sprintf("no compiler configured for %s sources", src.Language),
		}
	}
	return c.Compile(ctx, src)
}

// Canonical is the path a stage is cached under.
func (t *Toolchain) Canonical(file string) string {
	return t.Preprocessor.Canonical(file)
}

// BytesToBytecode reinterprets little endian SPIR-V bytes as words.
func BytesToBytecode(b []byte) ([]uint32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("bytecode size %d is not a multiple of 4", len(b))
	}
	byteCode := make([]uint32, len(b)/4)
	for i := 0; i < len(byteCode); i++ {
		byteIndex := i * 4
		byteCode[i] = uint32(b[byteIndex]) |
			uint32(b[byteIndex+1])<<8 |
			uint32(b[byteIndex+2])<<16 |
			uint32(b[byteIndex+3])<<24
	}
	return byteCode, nil
}

// SPIRVMagic is the first word of every SPIR-V module.
const SPIRVMagic uint32 = 0x07230203
