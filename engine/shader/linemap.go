package shader

import "fmt"

// Pseudo file names for lines the preprocessor generates itself.
const (
	HeaderFile = "<header>"
	MacroFile  = "<macros>"
)

/** @brief A position in an original source file, 1-based. */
type SourceLocation struct {
	File string
	Line int
}

func (l SourceLocation) String() string {
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

/**
 * @brief Maps every line of a flattened source back to where it came from.
 * Entry i describes flattened line i+1.
 */
type LineMap struct {
	entries []SourceLocation
}

func (m *LineMap) add(file string, line int) {
	m.entries = append(m.entries, SourceLocation{File: file, Line: line})
}

// Resolve maps a 1-based flattened line to its origin.
func (m *LineMap) Resolve(line int) (SourceLocation, bool) {
	if m == nil || line < 1 || line > len(m.entries) {
		return SourceLocation{}, false
	}
	return m.entries[line-1], true
}

// Len is the number of flattened lines.
func (m *LineMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// FirstLineOf returns the flattened line where the given original line was
// emitted, or 0 if it was not emitted (inactive branch or directive).
func (m *LineMap) FirstLineOf(file string, line int) int {
	for i, e := range m.entries {
		if e.File == file && e.Line == line {
			return i + 1
		}
	}
	return 0
}
