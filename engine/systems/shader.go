package systems

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/spaghettifunk/pipeforge/engine/containers"
	"github.com/spaghettifunk/pipeforge/engine/core"
	"github.com/spaghettifunk/pipeforge/engine/renderer"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
	"github.com/spaghettifunk/pipeforge/engine/shader"
)

/** @brief Counters every cache reports. */
type CacheStats struct {
	/** @brief Entries with at least one owner. */
	Entries int
	/** @brief Entries kept for reuse after their last owner released them. */
	Unowned int
	Hits    uint64
	Misses  uint64
}

/**
 * @brief Identifies a compiled module: the canonical source path, the ordered
 * macro list, the automatic bindings the preprocessor assigned and a digest of
 * the flattened text. Automatic bindings differ when the same file is paired
 * with different sibling stages; the digest changes whenever the file or one
 * of its includes is edited.
 */
type ShaderModuleKey struct {
	Path   string
	Macros string
	Auto   string
	Digest string
}

func NewShaderModuleKey(src *shader.FlattenedSource, macros []metadata.ShaderMacro) ShaderModuleKey {
	names := make([]string, len(macros))
	for i, m := range macros {
		names[i] = m.String()
	}
	var auto []string
	for _, b := range src.Bindings {
		if b.Auto {
			auto = append(auto, fmt.Sprintf("%s@%d.%d", b.Name, b.Set, b.Binding))
		}
	}
	sort.Strings(auto)
	sum := sha256.Sum256([]byte(src.Text))
	return ShaderModuleKey{
		Path:   src.Path,
		Macros: strings.Join(names, ";"),
		Auto:   strings.Join(auto, ";"),
		Digest: hex.EncodeToString(sum[:]),
	}
}

func (k ShaderModuleKey) String() string {
	return k.Path + "|" + k.Macros + "|" + k.Auto + "|" + k.Digest
}

/**
 * @brief A compiled, device-resident shader stage shared by every pipeline
 * that requests the same key.
 */
type ShaderModule struct {
	Key          ShaderModuleKey
	Stage        metadata.ShaderStage
	Handle       metadata.Handle
	EntryPoint   string
	Reflection   *metadata.ShaderReflection
	Dependencies []string
}

/**
 * @brief Refcounted cache of compiled shader modules. Concurrent requests for
 * the same key compile once.
 */
type ShaderModuleCache struct {
	mu       sync.Mutex
	device   renderer.Device
	compiler shader.ShaderCompiler
	entries  map[ShaderModuleKey]*containers.RefCounted[*ShaderModule]
	group    singleflight.Group
	retains  uint64
	misses   uint64
	closed   bool
	compiles *core.Metrics
}

func NewShaderModuleCache(device renderer.Device, compiler shader.ShaderCompiler) *ShaderModuleCache {
	return &ShaderModuleCache{
		device:   device,
		compiler: compiler,
		entries:  make(map[ShaderModuleKey]*containers.RefCounted[*ShaderModule]),
		compiles: core.NewMetrics(),
	}
}

// Acquire returns the module for src, compiling it on a miss. Every
// successful call must be paired with a Release.
func (c *ShaderModuleCache) Acquire(ctx context.Context, src *shader.FlattenedSource, macros []metadata.ShaderMacro) (*ShaderModule, error) {
	key := NewShaderModuleKey(src, macros)
	for {
		if m, ok, err := c.retain(key); ok || err != nil {
			return m, err
		}
		// the entry is inserted unowned inside the flight, every caller
		// sharing it then takes its own reference
		if _, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
			return nil, c.compile(ctx, key, src)
		}); err != nil {
			return nil, err
		}
	}
}

func (c *ShaderModuleCache) retain(key ShaderModuleKey) (*ShaderModule, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, core.ErrCacheShutdown
	}
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	e.Retain()
	c.retains++
	return e.Value, true, nil
}

func (c *ShaderModuleCache) compile(ctx context.Context, key ShaderModuleKey, src *shader.FlattenedSource) error {
	c.mu.Lock()
	_, exists := c.entries[key]
	c.mu.Unlock()
	if exists {
		return nil
	}

	start := time.Now()
	compiled, err := c.compiler.Compile(ctx, src)
	if err != nil {
		return err
	}
	c.compiles.Record(time.Since(start))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrCacheShutdown
	}
	handle, err := c.device.CreateShaderModule(compiled.Stage, compiled.Code)
	if err != nil {
		return &core.ShaderCompileError{Stage: src.Stage.String(), File: src.Path, Message: "cannot create shader module", Err: err}
	}
	e := containers.NewRefCounted(&ShaderModule{
		Key:          key,
		Stage:        compiled.Stage,
		Handle:       handle,
		EntryPoint:   compiled.EntryPoint,
		Reflection:   compiled.Reflection,
		Dependencies: compiled.Dependencies,
	})
	// unowned until the callers sharing the flight retain it
	_, _ = e.Release()
	c.entries[key] = e
	c.misses++
	core.LogDebug("shader module %s compiled (%s)", src.Path, src.Stage)
	return nil
}

// Release drops one owner and destroys the module with the last one.
func (c *ShaderModuleCache) Release(m *ShaderModule) error {
	if m == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[m.Key]
	if !ok || e.Value != m {
		return &core.CacheConsistencyError{Cache: "shader module", Key: m.Key.String()}
	}
	refs, err := e.Release()
	if err != nil {
		return err
	}
	if refs == 0 {
		c.device.DestroyShaderModule(m.Handle)
		delete(c.entries, m.Key)
	}
	return nil
}

// Refs reports the owners of key, 0 when it is not cached.
func (c *ShaderModuleCache) Refs(key ShaderModuleKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.Refs()
	}
	return 0
}

func (c *ShaderModuleCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: len(c.entries), Hits: c.retains - c.misses, Misses: c.misses}
}

// AverageCompile is the rolling mean duration of recent compiles.
func (c *ShaderModuleCache) AverageCompile() time.Duration {
	return c.compiles.Average()
}

// Shutdown destroys every module and reports the ones still owned.
func (c *ShaderModuleCache) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	var leaked []string
	for key, e := range c.entries {
		if e.Refs() > 0 {
			leaked = append(leaked, fmt.Sprintf("%s (%d refs)", key.Path, e.Refs()))
		}
		c.device.DestroyShaderModule(e.Value.Handle)
	}
	c.entries = make(map[ShaderModuleKey]*containers.RefCounted[*ShaderModule])
	if len(leaked) > 0 {
		sort.Strings(leaked)
		return fmt.Errorf("shader module cache: %d modules still referenced at shutdown: %s", len(leaked), strings.Join(leaked, ", "))
	}
	return nil
}
