package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidDescription = errors.New("invalid pipeline description")
	ErrPipelineNotBuilt   = errors.New("pipeline is not built")
	ErrCompilerTimeout    = errors.New("shader compiler timed out")
	ErrCacheShutdown      = errors.New("cache has been shut down")
	ErrUnknown            = errors.New("unknown")
)

/**
 * @brief A failure while flattening or compiling one shader stage. File and Line
 * point at the original source, not the flattened temporary file. Line is 0
 * when the compiler did not report a position.
 */
type ShaderCompileError struct {
	Stage   string
	File    string
	Line    int
	Message string
	Err     error
}

func (e *ShaderCompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s stage: %s:%d: %s", e.Stage, e.File, e.Line, e.Message)
	}
	if e.File != "" {
		return fmt.Sprintf("%s stage: %s: %s", e.Stage, e.File, e.Message)
	}
	return fmt.Sprintf("%s stage: %s", e.Stage, e.Message)
}

func (e *ShaderCompileError) Unwrap() error {
	return e.Err
}

/**
 * @brief Two stages declare the same (set, binding) with a different
 * descriptor kind or array count.
 */
type BindingConflictError struct {
	Set     uint32
	Binding uint32
	Name    string
	// First is what the earlier stage declared, Second what the later one did.
	FirstStage, SecondStage string
	FirstKind, SecondKind   string
	FirstCount, SecondCount uint32
}

func (e *BindingConflictError) Error() string {
	return fmt.Sprintf("binding conflict at set %d binding %d (%s): %s declares %s[%d], %s declares %s[%d]",
		e.Set, e.Binding, e.Name,
		e.FirstStage, e.FirstKind, e.FirstCount,
		e.SecondStage, e.SecondKind, e.SecondCount)
}

/**
 * @brief A link that could not be satisfied. Never fatal: the slot's write is
 * skipped and the warning is reported to the caller.
 */
type UnresolvedLinkWarning struct {
	Pipeline       string
	ResourceName   string
	DescriptorName string
	Binding        int
	Reason         string
}

func (w UnresolvedLinkWarning) String() string {
	target := w.DescriptorName
	if target == "" {
		target = fmt.Sprintf("binding %d", w.Binding)
	}
	return fmt.Sprintf("pipeline '%s': link '%s' -> %s unresolved: %s", w.Pipeline, w.ResourceName, target, w.Reason)
}

// CacheConsistencyError means one key ended up mapped to two native objects.
// It always indicates a bug in a cache's equality or locking.
type CacheConsistencyError struct {
	Cache string
	Key   string
}

func (e *CacheConsistencyError) Error() string {
	return fmt.Sprintf("%s cache: key %q maps to more than one native object", e.Cache, e.Key)
}

func IsShaderCompileError(err error) bool {
	var target *ShaderCompileError
	return errors.As(err, &target)
}

func IsBindingConflict(err error) bool {
	var target *BindingConflictError
	return errors.As(err, &target)
}
