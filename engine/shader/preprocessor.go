package shader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/spaghettifunk/pipeforge/engine/core"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

var layoutUniformRe = regexp.MustCompile(`^\s*layout\s*\(([^)]*)\)\s*uniform\s+(?:(?:highp|mediump|lowp)\s+)?(\w+)\s*(\w+)?\s*(?:\[\s*(\w+)\s*\])?`)

/** @brief A uniform declaration found while flattening. */
type DeclaredBinding struct {
	/** @brief Block name for uniform blocks, variable name otherwise. */
	Name string
	/** @brief GLSL type of opaque uniforms (sampler2D...), empty for blocks. */
	Type    string
	Set     uint32
	Binding uint32
	/** @brief Declared array size, 1 when not an array or the size is not a literal. */
	Count uint32
	/** @brief True when the binding came from the auto-binding token. */
	Auto     bool
	Location SourceLocation
}

/**
 * @brief The output of Flatten: one self-contained stage source plus
 * everything needed to map compiler output back to the original files.
 */
type FlattenedSource struct {
	/** @brief Canonical path of the stage source. */
	Path     string
	Stage    metadata.ShaderStage
	Language SourceLanguage
	Text     string
	Lines    *LineMap
	/** @brief Every file read, the stage source first. */
	Dependencies []string
	Bindings     []DeclaredBinding
	/** @brief Names of blocks declared with layout(push_constant). */
	PushConstants []string
}

// SetOf returns the set a uniform was declared in, 0 when it was not declared with a layout.
func (f *FlattenedSource) SetOf(name string) uint32 {
	for _, b := range f.Bindings {
		if b.Name == name {
			return b.Set
		}
	}
	return 0
}

// Remap resolves a flattened line, falling back to the stage file itself.
func (f *FlattenedSource) Remap(line int) SourceLocation {
	if loc, ok := f.Lines.Resolve(line); ok {
		return loc
	}
	return SourceLocation{File: f.Path, Line: 0}
}

/**
 * @brief Flattens GLSL stage sources: inlines #include, resolves conditionals
 * against the stage's macros, replaces the auto-binding token and records the
 * line origin of every emitted line.
 */
type Preprocessor struct {
	Header           string
	AutoBindingToken string
	// FS is read instead of the OS file system when set. Paths are then
	// slash separated and relative to the root of FS.
	FS fs.FS
}

func NewPreprocessor(cfg core.CompilerConfig, fsys fs.FS) *Preprocessor {
	return &Preprocessor{
		Header:           cfg.Header,
		AutoBindingToken: cfg.AutoBindingToken,
		FS:               fsys,
	}
}

// Canonical returns the path the preprocessor and the module cache key files by.
func (p *Preprocessor) Canonical(file string) string {
	if p.FS != nil {
		return path.Clean(filepath.ToSlash(file))
	}
	if abs, err := filepath.Abs(file); err == nil {
		return abs
	}
	return filepath.Clean(file)
}

func (p *Preprocessor) join(dir, rel string) string {
	if p.FS != nil {
		if path.IsAbs(rel) {
			return path.Clean(rel)
		}
		return path.Join(filepath.ToSlash(dir), filepath.ToSlash(rel))
	}
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(dir, rel)
}

func (p *Preprocessor) dir(file string) string {
	if p.FS != nil {
		return path.Dir(file)
	}
	return filepath.Dir(file)
}

func (p *Preprocessor) read(file string) ([]byte, error) {
	if p.FS != nil {
		return fs.ReadFile(p.FS, file)
	}
	return os.ReadFile(file)
}

func (p *Preprocessor) exists(file string) bool {
	var err error
	if p.FS != nil {
		_, err = fs.Stat(p.FS, file)
	} else {
		_, err = os.Stat(file)
	}
	return err == nil
}

type condFrame struct {
	parentActive bool
	active       bool
	taken        bool
	sawElse      bool
	line         int
}

type flattenState struct {
	pre      *Preprocessor
	out      *FlattenedSource
	lines    []string
	defines  map[string]string
	alloc    *BindingAllocator
	stack    []string
	stageDir string
}

// Flatten produces the compilable text of one stage. alloc is shared by all
// stages of a pipeline; a nil alloc gives the stage its own.
func (p *Preprocessor) Flatten(file string, stage metadata.ShaderStage, pipelineDir string, macros []metadata.ShaderMacro, alloc *BindingAllocator) (*FlattenedSource, error) {
	if alloc == nil {
		alloc = NewBindingAllocator()
	}
	canonical := p.Canonical(file)
	st := &flattenState{
		pre:      p,
		out:      &FlattenedSource{Path: canonical, Stage: stage, Lines: &LineMap{}},
		defines:  make(map[string]string),
		alloc:    alloc,
		stageDir: pipelineDir,
	}

	for i, l := range strings.Split(strings.TrimRight(p.Header, "\n"), "\n") {
		if strings.TrimSpace(l) == "" {
			continue
		}
		st.emit(l, HeaderFile, i+1)
	}
	for i, m := range macros {
		st.defines[m.Name] = m.Value
		st.emit(m.Define(), MacroFile, i+1)
	}

	if err := st.flattenFile(canonical); err != nil {
		return nil, err
	}
	st.out.Text = strings.Join(st.lines, "\n") + "\n"
	return st.out, nil
}

// Raw loads a source that is compiled as is, mapping every line to itself.
func (p *Preprocessor) Raw(file string, stage metadata.ShaderStage, lang SourceLanguage) (*FlattenedSource, error) {
	canonical := p.Canonical(file)
	data, err := p.read(canonical)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, fs.ErrNotExist) {
			msg = "source not found"
		}
		return nil, &core.ShaderCompileError{Stage: stage.String(), File: canonical, Message: msg}
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	out := &FlattenedSource{
		Path:         canonical,
		Stage:        stage,
		Language:     lang,
		Text:         text,
		Lines:        &LineMap{},
		Dependencies: []string{canonical},
	}
	for i := range strings.Split(strings.TrimSuffix(text, "\n"), "\n") {
		out.Lines.add(canonical, i+1)
	}
	return out, nil
}

func (st *flattenState) emit(line, file string, n int) {
	st.lines = append(st.lines, line)
	st.out.Lines.add(file, n)
}

func (st *flattenState) fail(file string, line int, format string, args ...interface{}) error {
	return &core.ShaderCompileError{
		Stage:   st.out.Stage.String(),
		File:    file,
		Line:    line,
		Message: fmt.Sprintf(format, args...),
	}
}

func (st *flattenState) flattenFile(file string) error {
	if idx := slices.Index(st.stack, file); idx >= 0 {
		chain := append(slices.Clone(st.stack[idx:]), file)
		return st.fail(file, 0, "include cycle: %s", strings.Join(chain, " -> "))
	}
	data, err := st.pre.read(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return st.fail(file, 0, "source not found")
		}
		return st.fail(file, 0, "%s", err)
	}
	if !slices.Contains(st.out.Dependencies, file) {
		st.out.Dependencies = append(st.out.Dependencies, file)
	}
	st.stack = append(st.stack, file)
	defer func() { st.stack = st.stack[:len(st.stack)-1] }()

	var conds []condFrame
	active := func() bool {
		return len(conds) == 0 || conds[len(conds)-1].active
	}

	src := strings.ReplaceAll(string(data), "\r\n", "\n")
	src = strings.TrimSuffix(src, "\n")
	for i, line := range strings.Split(src, "\n") {
		n := i + 1
		trimmed := strings.TrimSpace(line)

		if !strings.HasPrefix(trimmed, "#") {
			if !active() {
				continue
			}
			rewritten, err := st.layout(line, file, n)
			if err != nil {
				return err
			}
			st.emit(rewritten, file, n)
			continue
		}

		directive, rest := splitDirective(trimmed)
		switch directive {
		case "if", "ifdef", "ifndef":
			parent := active()
			val := false
			if parent {
				var err error
				if val, err = st.condition(directive, rest); err != nil {
					return st.fail(file, n, "%s", err)
				}
			}
			conds = append(conds, condFrame{parentActive: parent, active: parent && val, taken: val, line: n})
			continue
		case "elif":
			if len(conds) == 0 {
				return st.fail(file, n, "#elif without #if")
			}
			top := &conds[len(conds)-1]
			if top.sawElse {
				return st.fail(file, n, "#elif after #else")
			}
			if !top.parentActive || top.taken {
				top.active = false
				continue
			}
			val, err := st.condition("if", rest)
			if err != nil {
				return st.fail(file, n, "%s", err)
			}
			top.active, top.taken = val, val
			continue
		case "else":
			if len(conds) == 0 {
				return st.fail(file, n, "#else without #if")
			}
			top := &conds[len(conds)-1]
			if top.sawElse {
				return st.fail(file, n, "duplicate #else")
			}
			top.sawElse = true
			top.active = top.parentActive && !top.taken
			top.taken = true
			continue
		case "endif":
			if len(conds) == 0 {
				return st.fail(file, n, "#endif without #if")
			}
			conds = conds[:len(conds)-1]
			continue
		}

		if !active() {
			continue
		}

		switch directive {
		case "include":
			rel, err := includeTarget(rest)
			if err != nil {
				return st.fail(file, n, "%s", err)
			}
			target, ok := st.resolveInclude(file, rel)
			if !ok {
				return st.fail(file, n, "cannot find include '%s'", rel)
			}
			if err := st.flattenFile(target); err != nil {
				return err
			}
		case "version":
			// the header carries the version
		case "define":
			name, value := defineParts(rest)
			if !isIdentifier(name) {
				return st.fail(file, n, "invalid #define '%s'", rest)
			}
			st.defines[name] = value
			st.emit(line, file, n)
		case "undef":
			delete(st.defines, strings.TrimSpace(rest))
			st.emit(line, file, n)
		default:
			st.emit(line, file, n)
		}
	}
	if len(conds) > 0 {
		return st.fail(file, conds[len(conds)-1].line, "unterminated conditional")
	}
	return nil
}

func (st *flattenState) condition(directive, rest string) (bool, error) {
	switch directive {
	case "ifdef", "ifndef":
		name := strings.TrimSpace(rest)
		if !isIdentifier(name) {
			return false, fmt.Errorf("#%s needs an identifier, found '%s'", directive, rest)
		}
		_, ok := st.defines[name]
		return ok == (directive == "ifdef"), nil
	}
	return evalCondition(rest, st.defines)
}

// resolveInclude looks next to the including file first, then in the pipeline directory.
func (st *flattenState) resolveInclude(from, rel string) (string, bool) {
	candidates := []string{st.pre.join(st.pre.dir(from), rel)}
	if st.stageDir != "" {
		candidates = append(candidates, st.pre.join(st.stageDir, rel))
	}
	for _, c := range candidates {
		if st.pre.exists(c) {
			return st.pre.Canonical(c), true
		}
	}
	return "", false
}

// layout records uniform declarations and replaces the auto-binding token.
func (st *flattenState) layout(line, file string, n int) (string, error) {
	m := layoutUniformRe.FindStringSubmatch(line)
	if m == nil {
		return line, nil
	}
	name, typ := m[3], m[2]
	if name == "" {
		name, typ = m[2], ""
	}
	var (
		set        uint32
		bindingTok string
		hasBinding bool
	)
	for _, q := range strings.Split(m[1], ",") {
		key, value, _ := strings.Cut(q, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "push_constant":
			st.out.PushConstants = append(st.out.PushConstants, name)
			return line, nil
		case "set":
			v, err := st.integer(value)
			if err != nil {
				return "", st.fail(file, n, "set of '%s': %s", name, err)
			}
			set = uint32(v)
		case "binding":
			bindingTok, hasBinding = value, true
		}
	}
	if !hasBinding {
		return line, nil
	}

	decl := DeclaredBinding{Name: name, Type: typ, Set: set, Count: 1, Location: SourceLocation{File: file, Line: n}}
	if m[4] != "" {
		if c, err := st.integer(m[4]); err == nil && c > 0 {
			decl.Count = uint32(c)
		}
	}
	if bindingTok == st.pre.AutoBindingToken {
		decl.Binding = st.alloc.Assign(set, name)
		decl.Auto = true
		line = strings.Replace(line, bindingTok, strconv.FormatUint(uint64(decl.Binding), 10), 1)
	} else {
		v, err := st.integer(bindingTok)
		if err != nil {
			return "", st.fail(file, n, "binding of '%s': %s", name, err)
		}
		decl.Binding = uint32(v)
		st.alloc.Reserve(set, decl.Binding, name)
	}
	st.out.Bindings = append(st.out.Bindings, decl)
	return line, nil
}

// integer parses a literal or a macro with an integer value.
func (st *flattenState) integer(s string) (uint64, error) {
	if v, ok := st.defines[s]; ok {
		s = v
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("'%s' is not an integer", s)
	}
	return v, nil
}

func splitDirective(trimmed string) (string, string) {
	body := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
	if i := strings.Index(body, "//"); i >= 0 {
		body = strings.TrimSpace(body[:i])
	}
	directive, rest := body, ""
	if i := strings.IndexAny(body, " \t"); i >= 0 {
		directive, rest = body[:i], body[i+1:]
	}
	if d, r, ok := strings.Cut(directive, "("); ok {
		// "#if(defined(A))"
		return d, "(" + r + " " + rest
	}
	return directive, strings.TrimSpace(rest)
}

func includeTarget(rest string) (string, error) {
	rest = strings.TrimSpace(rest)
	if len(rest) >= 2 && ((rest[0] == '"' && rest[len(rest)-1] == '"') || (rest[0] == '<' && rest[len(rest)-1] == '>')) {
		return rest[1 : len(rest)-1], nil
	}
	return "", fmt.Errorf("malformed #include %s", rest)
}

// defineParts splits "NAME VALUE". Function-like macros are tracked as defined with no value.
func defineParts(rest string) (string, string) {
	end := strings.IndexFunc(rest, func(r rune) bool {
		return r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if end < 0 {
		return rest, ""
	}
	name := rest[:end]
	if rest[end] == '(' {
		return name, ""
	}
	return name, strings.TrimSpace(rest[end:])
}
