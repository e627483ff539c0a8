package systems

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/spaghettifunk/pipeforge/engine/core"
	"github.com/spaghettifunk/pipeforge/engine/renderer"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
	"github.com/spaghettifunk/pipeforge/engine/shader"
)

/**
 * @brief Turns stage source files into compiled modules: flatten first, in
 * stage order with a shared allocator, then compile. shader.Toolchain is the
 * production implementation.
 */
type StageCompiler interface {
	Prepare(file string, stage metadata.ShaderStage, pipelineDir string, macros []metadata.ShaderMacro, alloc *shader.BindingAllocator) (*shader.FlattenedSource, error)
	shader.ShaderCompiler
}

/** @brief Per-build options. */
type BuildOptions struct {
	/** @brief The render pass shape and subpass to build against. Nil means a
	 * single swapchain subpass, with depth when the description tests or writes depth. */
	Target *metadata.RenderTarget
	/** @brief Resolves the description's links into the default descriptor set.
	 * Nil skips linking; Pipeline.Relink can run it later. */
	Resources ResourceDirectory
}

/** @brief A snapshot of every cache and build counter. */
type CompilerStats struct {
	Modules         CacheStats
	SetLayouts      CacheStats
	PipelineLayouts CacheStats
	RenderPasses    CacheStats
	Framebuffers    CacheStats
	Pipelines       int
	Builds          uint64
	AverageBuild    time.Duration
	AverageCompile  time.Duration
}

/**
 * @brief Owns every cache a pipeline build consults. All builds against one
 * device share one PipelineCompiler; tests create a fresh one each.
 */
type PipelineCompiler struct {
	config   *core.Config
	device   renderer.Device
	compiler StageCompiler

	modules *ShaderModuleCache
	layouts *LayoutCache
	passes  *RenderPassCache
	linker  *Linker
	jobs    *JobSystem
	builds  *core.Metrics

	mu        sync.Mutex
	pipelines map[uuid.UUID]*Pipeline
	closed    bool
}

func NewPipelineCompiler(cfg *core.Config, device renderer.Device, compiler StageCompiler) (*PipelineCompiler, error) {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if device == nil || compiler == nil {
		return nil, fmt.Errorf("pipeline compiler needs a device and a stage compiler")
	}
	js, err := NewJobSystem(cfg.Build.Workers, cfg.Build.Workers*2)
	if err != nil {
		return nil, err
	}
	pc := &PipelineCompiler{
		config:    cfg,
		device:    device,
		compiler:  compiler,
		modules:   NewShaderModuleCache(device, compiler),
		layouts:   NewLayoutCache(device, cfg.Cache.MaxUnownedLayouts),
		passes:    NewRenderPassCache(device),
		linker:    NewLinker(device),
		jobs:      js,
		builds:    core.NewMetrics(),
		pipelines: make(map[uuid.UUID]*Pipeline),
	}
	core.LogDebug("pipeline compiler initialized with %d workers.", cfg.Build.Workers)
	return pc, nil
}

func (pc *PipelineCompiler) Modules() *ShaderModuleCache { return pc.modules }

func (pc *PipelineCompiler) Layouts() *LayoutCache { return pc.layouts }

func (pc *PipelineCompiler) RenderPasses() *RenderPassCache { return pc.passes }

// acquired tracks what a build holds so a failure can hand all of it back.
type acquired struct {
	pc         *PipelineCompiler
	modules    []*ShaderModule
	setLayouts []*DescriptorSetLayout
	layout     *PipelineLayout
	pass       *RenderPass
	handle     metadata.Handle
	set        *DescriptorSet
}

func (a *acquired) release() error {
	var errs []error
	if a.set != nil {
		a.pc.device.FreeDescriptorSet(a.set.Handle)
	}
	if !a.handle.IsNull() {
		a.pc.device.DestroyPipeline(a.handle)
	}
	if a.pass != nil {
		errs = append(errs, a.pc.passes.ReleaseRenderPass(a.pass))
	}
	if a.layout != nil {
		errs = append(errs, a.pc.layouts.ReleasePipelineLayout(a.layout))
	}
	for _, l := range a.setLayouts {
		errs = append(errs, a.pc.layouts.ReleaseDescriptorSetLayout(l))
	}
	for _, m := range a.modules {
		if m != nil {
			errs = append(errs, a.pc.modules.Release(m))
		}
	}
	return errors.Join(errs...)
}

// Build compiles and assembles desc into a pipeline. Compile and merge errors
// fail the build with nothing left acquired; unresolved links only produce
// warnings on the returned pipeline.
func (pc *PipelineCompiler) Build(ctx context.Context, desc *metadata.PipelineDescription, opts BuildOptions) (*Pipeline, error) {
	pc.mu.Lock()
	closed := pc.closed
	pc.mu.Unlock()
	if closed {
		return nil, core.ErrCacheShutdown
	}
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrInvalidDescription, err)
	}
	target := defaultTarget(desc)
	if opts.Target != nil {
		target = *opts.Target
	}
	if int(target.Subpass) >= len(target.Shape.Subpasses) {
		return nil, fmt.Errorf("%w: subpass %d of a %d-subpass render pass", core.ErrInvalidDescription, target.Subpass, len(target.Shape.Subpasses))
	}

	start := time.Now()
	a := &acquired{pc: pc}
	p, err := pc.assemble(ctx, desc, opts, target, a)
	if err != nil {
		if relErr := a.release(); relErr != nil {
			core.LogError("pipeline '%s': releasing after a failed build: %s", desc.Name, relErr)
		}
		core.LogError("pipeline '%s' failed to build: %s", desc.Name, err)
		return nil, err
	}
	pc.builds.Record(time.Since(start))

	pc.mu.Lock()
	pc.pipelines[p.ID] = p
	pc.mu.Unlock()
	core.Logger().Info("pipeline built", "name", desc.Name, "stages", desc.StageMask().String(), "warnings", len(p.warnings))
	return p, nil
}

func defaultTarget(desc *metadata.PipelineDescription) metadata.RenderTarget {
	return metadata.RenderTarget{Shape: metadata.DefaultRenderPassShape(desc.DepthTest || desc.DepthWrite)}
}

func (pc *PipelineCompiler) assemble(ctx context.Context, desc *metadata.PipelineDescription, opts BuildOptions, target metadata.RenderTarget, a *acquired) (*Pipeline, error) {
	sources, err := pc.flatten(desc)
	if err != nil {
		return nil, err
	}

	a.modules = make([]*ShaderModule, len(sources))
	if err := pc.compileStages(ctx, desc, sources, a.modules); err != nil {
		return nil, err
	}

	merged, err := mergeReflection(a.modules)
	if err != nil {
		return nil, err
	}
	primary := pc.config.Build.PrimarySet
	links := resolveLinks(desc, a.modules, merged, primary)

	for set := uint32(0); set < merged.setCount(); set++ {
		l, err := pc.layouts.AcquireDescriptorSetLayout(merged.layoutBindings(set))
		if err != nil {
			return nil, err
		}
		a.setLayouts = append(a.setLayouts, l)
	}
	if a.layout, err = pc.layouts.AcquirePipelineLayout(a.setLayouts, merged.pushConstants); err != nil {
		return nil, err
	}
	if a.pass, err = pc.passes.AcquireRenderPass(target.Shape); err != nil {
		return nil, err
	}

	info := &renderer.GraphicsPipelineInfo{
		Name:               desc.Name,
		Layout:             a.layout.Handle,
		RenderPass:         a.pass.Handle,
		Subpass:            target.Subpass,
		ColourAttachments:  target.Shape.ColourAttachmentCount(target.Subpass),
		Size:               desc.Size,
		VertexInput:        desc.VertexInput,
		Topology:           desc.Topology,
		PolygonMode:        desc.PolygonMode,
		CullMode:           desc.CullMode,
		DepthTest:          desc.DepthTest,
		DepthWrite:         desc.DepthWrite,
		DepthClamp:         desc.DepthClamp,
		PatchControlPoints: desc.PatchControlPoints,
		BlendAttachments:   desc.BlendAttachments,
		DynamicStates:      desc.DynamicStates,
	}
	for _, m := range a.modules {
		info.Stages = append(info.Stages, renderer.PipelineStage{Stage: m.Stage, Module: m.Handle, EntryPoint: m.EntryPoint})
	}
	if a.handle, err = pc.device.CreateGraphicsPipeline(info); err != nil {
		return nil, fmt.Errorf("pipeline '%s': %w", desc.Name, err)
	}

	var warnings []core.UnresolvedLinkWarning
	if primary < uint32(len(a.setLayouts)) && len(a.setLayouts[primary].Bindings) > 0 {
		handle, err := pc.device.AllocateDescriptorSet(a.setLayouts[primary].Handle)
		if err != nil {
			return nil, fmt.Errorf("pipeline '%s': cannot allocate the default descriptor set: %w", desc.Name, err)
		}
		a.set = newDescriptorSet(handle, a.setLayouts[primary], primary)
	}
	if a.set != nil && opts.Resources != nil {
		res, err := pc.linker.Link(desc.Name, a.set, links, opts.Resources)
		if err != nil {
			return nil, err
		}
		warnings = res.Unresolved
	} else {
		// without a directory only the name resolution can be reported
		for _, l := range links {
			reason := l.Reason
			if l.Resolved {
				if opts.Resources == nil {
					continue
				}
				reason = fmt.Sprintf("set %d declares no bindings, no default descriptor set to write", primary)
			}
			w := l.warning(desc.Name, reason)
			core.LogWarn("%s", w)
			warnings = append(warnings, w)
		}
	}

	bindings := make(map[uint32][]metadata.LayoutBinding)
	for set := range merged.sets {
		bindings[set] = merged.layoutBindings(set)
	}
	return &Pipeline{
		ID:            uuid.New(),
		Name:          desc.Name,
		Description:   desc,
		state:         PipelineStateBuilt,
		owner:         pc,
		handle:        a.handle,
		modules:       a.modules,
		setLayouts:    a.setLayouts,
		layout:        a.layout,
		renderPass:    a.pass,
		target:        target,
		defaultSet:    a.set,
		bindings:      bindings,
		pushConstants: merged.pushConstants,
		slots:         merged.slots(),
		links:         links,
		warnings:      warnings,
	}, nil
}

// flatten prepares every stage. A first pass collects the bindings each stage
// declares explicitly and reserves them all, so an automatic binding in an
// early stage cannot take a number a later stage asks for. The second pass
// runs in stage order so automatic bindings are deterministic; stages without
// automatic bindings keep their first-pass source.
func (pc *PipelineCompiler) flatten(desc *metadata.PipelineDescription) ([]*shader.FlattenedSource, error) {
	scratch := shader.NewBindingAllocator()
	alloc := shader.NewBindingAllocator()
	sources := make([]*shader.FlattenedSource, len(desc.Stages))
	for i, s := range desc.Stages {
		src, err := pc.compiler.Prepare(s.ResolvedPath(), s.Stage, desc.Dir, s.Macros(), scratch)
		if err != nil {
			return nil, err
		}
		for _, b := range src.Bindings {
			if !b.Auto {
				alloc.Reserve(b.Set, b.Binding, b.Name)
			}
		}
		sources[i] = src
	}
	for i, s := range desc.Stages {
		if !hasAutoBindings(sources[i]) {
			continue
		}
		src, err := pc.compiler.Prepare(s.ResolvedPath(), s.Stage, desc.Dir, s.Macros(), alloc)
		if err != nil {
			return nil, err
		}
		sources[i] = src
	}
	return sources, nil
}

func hasAutoBindings(src *shader.FlattenedSource) bool {
	for _, b := range src.Bindings {
		if b.Auto {
			return true
		}
	}
	return false
}

// compileStages acquires one module per source. Every stage must finish
// before merging starts; a failing stage cancels the others.
func (pc *PipelineCompiler) compileStages(ctx context.Context, desc *metadata.PipelineDescription, sources []*shader.FlattenedSource, out []*ShaderModule) error {
	if !pc.config.Build.ParallelStages {
		for i, src := range sources {
			m, err := pc.modules.Acquire(ctx, src, desc.MacrosFor(src.Stage))
			if err != nil {
				return err
			}
			out[i] = m
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			m, err := pc.modules.Acquire(gctx, src, desc.MacrosFor(src.Stage))
			if err != nil {
				return err
			}
			out[i] = m
			return nil
		})
	}
	return g.Wait()
}

// release hands back everything p holds. Called by Pipeline.Destroy.
func (pc *PipelineCompiler) release(p *Pipeline) error {
	pc.mu.Lock()
	delete(pc.pipelines, p.ID)
	pc.mu.Unlock()
	a := &acquired{
		pc:         pc,
		modules:    p.modules,
		setLayouts: p.setLayouts,
		layout:     p.layout,
		pass:       p.renderPass,
		handle:     p.handle,
		set:        p.defaultSet,
	}
	return a.release()
}

// Rebuild builds desc and, only once that succeeded, destroys old. Objects the
// two pipelines share are never torn down in between.
func (pc *PipelineCompiler) Rebuild(ctx context.Context, old *Pipeline, desc *metadata.PipelineDescription, opts BuildOptions) (*Pipeline, error) {
	p, err := pc.Build(ctx, desc, opts)
	if err != nil {
		return nil, err
	}
	if old != nil {
		if err := old.Destroy(); err != nil && !errors.Is(err, core.ErrPipelineNotBuilt) {
			return p, err
		}
	}
	return p, nil
}

// BuildAll builds every description on the worker pool. The results line up
// with descs; a failed build leaves a nil pipeline and its error.
func (pc *PipelineCompiler) BuildAll(ctx context.Context, descs []*metadata.PipelineDescription, opts BuildOptions) ([]*Pipeline, []error) {
	pipelines := make([]*Pipeline, len(descs))
	errs := make([]error, len(descs))
	var wg sync.WaitGroup
	for i, desc := range descs {
		wg.Add(1)
		err := pc.jobs.Submit(JobTask{
			Name: desc.Name,
			Run: func() error {
				// Build logs its own failures
				pipelines[i], errs[i] = pc.Build(ctx, desc, opts)
				return nil
			},
			OnCompletionCallback: wg.Done,
		})
		if err != nil {
			errs[i] = err
			wg.Done()
		}
	}
	wg.Wait()
	return pipelines, errs
}

// Prune destroys every layout nobody owns any more.
func (pc *PipelineCompiler) Prune() int {
	return pc.layouts.Prune()
}

func (pc *PipelineCompiler) Stats() CompilerStats {
	s := CompilerStats{
		Modules:        pc.modules.Stats(),
		Builds:         pc.builds.Count(),
		AverageBuild:   pc.builds.Average(),
		AverageCompile: pc.modules.AverageCompile(),
	}
	s.SetLayouts, s.PipelineLayouts = pc.layouts.Stats()
	s.RenderPasses, s.Framebuffers = pc.passes.Stats()
	pc.mu.Lock()
	s.Pipelines = len(pc.pipelines)
	pc.mu.Unlock()
	return s
}

// Shutdown destroys every pipeline still alive, then every cache. Pipelines
// that were never destroyed are reported, as are cache entries something
// outside a pipeline still owns.
func (pc *PipelineCompiler) Shutdown() error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil
	}
	pc.closed = true
	live := make([]*Pipeline, 0, len(pc.pipelines))
	for _, p := range pc.pipelines {
		live = append(live, p)
	}
	pc.mu.Unlock()

	var errs []error
	errs = append(errs, pc.jobs.Shutdown())
	if err := pc.device.WaitIdle(); err != nil {
		errs = append(errs, err)
	}
	if len(live) > 0 {
		names := make([]string, len(live))
		for i, p := range live {
			names[i] = p.Name
		}
		sort.Strings(names)
		core.LogWarn("pipeline compiler shutting down with %d live pipelines: %v", len(live), names)
		for _, p := range live {
			if err := p.Destroy(); err != nil && !errors.Is(err, core.ErrPipelineNotBuilt) {
				errs = append(errs, err)
			}
		}
	}
	errs = append(errs, pc.modules.Shutdown(), pc.layouts.Shutdown(), pc.passes.Shutdown())
	return errors.Join(errs...)
}
