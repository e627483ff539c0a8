/*
pipeforge validates and builds graphics pipeline descriptions.

	pipeforge [-config pipeforge.toml] [-backend headless|vulkan] [-watch] [-testbed] desc.xml...

Every description is loaded, validated against the description schema and
built. Compile errors point at the original source file and line. With
-watch the descriptions and every file their stages include are watched and
rebuilt on change until interrupted. -testbed adds the sample pipelines and
links them against placeholder resources.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spaghettifunk/pipeforge/engine/assets"
	"github.com/spaghettifunk/pipeforge/engine/core"
	"github.com/spaghettifunk/pipeforge/engine/renderer"
	"github.com/spaghettifunk/pipeforge/engine/renderer/headless"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
	"github.com/spaghettifunk/pipeforge/engine/renderer/vulkan"
	"github.com/spaghettifunk/pipeforge/engine/shader"
	"github.com/spaghettifunk/pipeforge/engine/systems"
	"github.com/spaghettifunk/pipeforge/testbed"
)

const (
	exitOK = iota
	exitFailed
	exitUsage
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	configPath string
	backend    string
	watch      bool
	verbose    bool
	testbed    bool
	files      []string
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("pipeforge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := &options{}
	fs.StringVar(&opts.configPath, "config", "", "path to a TOML configuration file")
	fs.StringVar(&opts.backend, "backend", "headless", "device to build against: headless or vulkan")
	fs.BoolVar(&opts.watch, "watch", false, "rebuild descriptions when they or their sources change")
	fs.BoolVar(&opts.verbose, "v", false, "log at debug level")
	fs.BoolVar(&opts.testbed, "testbed", false, "also build the sample pipelines, linked against sample resources (headless only)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: pipeforge [options] <description.xml>...\n\n")
		fmt.Fprintf(stderr, "Validates and builds graphics pipeline descriptions.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.files = fs.Args()
	if len(opts.files) == 0 && !opts.testbed {
		fs.Usage()
		return nil, errors.New("at least one description is required")
	}
	if opts.backend != "headless" && opts.backend != "vulkan" {
		return nil, fmt.Errorf("unknown backend '%s'", opts.backend)
	}
	if opts.testbed && opts.backend != "headless" {
		return nil, errors.New("-testbed resources only exist on the headless backend")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "error: %s\n", err)
		}
		return exitUsage
	}

	cfg := core.DefaultConfig()
	if opts.configPath != "" {
		if cfg, err = core.LoadConfig(opts.configPath); err != nil {
			fmt.Fprintf(stderr, "error: %s\n", err)
			return exitUsage
		}
	}
	if opts.verbose {
		cfg.Log.Level = "debug"
	}
	if err := core.ConfigureLogger(cfg.Log, stderr); err != nil {
		fmt.Fprintf(stderr, "error: %s\n", err)
		return exitUsage
	}

	device, closeDevice, err := openDevice(opts.backend, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "error: %s\n", err)
		return exitFailed
	}
	defer closeDevice()

	pc, err := systems.NewPipelineCompiler(cfg, device, shader.NewToolchain(cfg.Compiler, nil))
	if err != nil {
		fmt.Fprintf(stderr, "error: %s\n", err)
		return exitFailed
	}
	defer func() {
		if err := pc.Shutdown(); err != nil {
			core.LogError("shutdown: %s", err)
		}
	}()

	f := &forge{
		compiler:  pc,
		assets:    assets.NewAssetManager(),
		pipelines: make(map[string]*systems.Pipeline),
		out:       stdout,
	}
	if opts.testbed {
		dir, err := os.MkdirTemp("", "pipeforge-testbed-")
		if err != nil {
			fmt.Fprintf(stderr, "error: %s\n", err)
			return exitFailed
		}
		defer os.RemoveAll(dir)
		samples, err := testbed.Extract(dir)
		if err != nil {
			fmt.Fprintf(stderr, "error: %s\n", err)
			return exitFailed
		}
		opts.files = append(opts.files, samples...)
		f.build.Resources = testbed.Resources()
	}
	failed := f.buildAll(ctx, opts.files)
	s := pc.Stats()
	core.Logger().Debug("cache stats",
		"modules", s.Modules.Entries, "module_hits", s.Modules.Hits,
		"set_layouts", s.SetLayouts.Entries, "pipeline_layouts", s.PipelineLayouts.Entries,
		"render_passes", s.RenderPasses.Entries, "average_build", s.AverageBuild)

	if !opts.watch {
		if failed > 0 {
			return exitFailed
		}
		return exitOK
	}
	if err := f.watch(ctx, opts.files, cfg.Watch.Debounce.Duration); err != nil {
		fmt.Fprintf(stderr, "error: %s\n", err)
		return exitFailed
	}
	return exitOK
}

func openDevice(backend string, cfg *core.Config) (renderer.Device, func(), error) {
	if backend == "vulkan" {
		d, err := vulkan.Open(vulkan.OptionsFromConfig("pipeforge", cfg.Vulkan))
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	}
	return headless.New(), func() {}, nil
}

// forge holds the latest pipeline built from each description file.
type forge struct {
	compiler  *systems.PipelineCompiler
	assets    *assets.AssetManager
	pipelines map[string]*systems.Pipeline
	build     systems.BuildOptions
	out       io.Writer
}

// buildAll loads and builds every file and returns how many failed.
func (f *forge) buildAll(ctx context.Context, files []string) int {
	failed := 0
	var descs []*metadata.PipelineDescription
	for _, file := range files {
		desc, err := f.assets.Load(file)
		if err != nil {
			fmt.Fprintf(f.out, "FAIL %s\n    %s\n", file, err)
			failed++
			continue
		}
		descs = append(descs, desc)
	}
	pipelines, errs := f.compiler.BuildAll(ctx, descs, f.build)
	for i, desc := range descs {
		if errs[i] != nil {
			f.report(desc, nil, errs[i])
			failed++
			continue
		}
		f.pipelines[desc.Path] = pipelines[i]
		f.report(desc, pipelines[i], nil)
	}
	return failed
}

func (f *forge) report(desc *metadata.PipelineDescription, p *systems.Pipeline, err error) {
	if err != nil {
		fmt.Fprintf(f.out, "FAIL %s (%s)\n    %s\n", desc.Name, desc.Path, err)
		return
	}
	fmt.Fprintf(f.out, "ok   %s (%s, %d bindings)\n", desc.Name, desc.StageMask(), countBindings(p))
	for _, w := range p.Warnings() {
		fmt.Fprintf(f.out, "    warning: %s\n", w)
	}
}

func countBindings(p *systems.Pipeline) int {
	n := 0
	for set := range p.SetLayouts() {
		n += len(p.Bindings(uint32(set)))
	}
	return n
}

// dependencies lists what to watch for a description: everything the last
// good build read, or the stage sources when it never built.
func (f *forge) dependencies(path string) []string {
	if p, ok := f.pipelines[path]; ok {
		return p.Dependencies()
	}
	info, ok := f.assets.Get(path)
	if !ok {
		return nil
	}
	deps := make([]string, 0, len(info.Description.Stages))
	for _, s := range info.Description.Stages {
		deps = append(deps, s.ResolvedPath())
	}
	return deps
}

func (f *forge) watch(ctx context.Context, files []string, debounce time.Duration) error {
	w, err := assets.NewWatcher(debounce)
	if err != nil {
		return err
	}
	defer w.Close()

	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			return err
		}
		if err := w.Track(abs, f.dependencies(abs)); err != nil {
			return err
		}
	}
	fmt.Fprintf(f.out, "watching %d description(s)\n", len(files))

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-w.Errors():
			core.LogWarn("watch: %s", err)
		case req := <-w.Reloads():
			f.reload(ctx, req)
			if err := w.Track(req.Description, f.dependencies(req.Description)); err != nil {
				core.LogError("watch %s: %s", req.Description, err)
			}
		}
	}
}

func (f *forge) reload(ctx context.Context, req assets.ReloadRequest) {
	core.Logger().Info("reloading", "description", req.Description, "changed", req.Changed)
	desc, err := f.assets.Load(req.Description)
	if err != nil {
		fmt.Fprintf(f.out, "FAIL %s\n    %s\n", req.Description, err)
		return
	}
	p, err := f.compiler.Rebuild(ctx, f.pipelines[req.Description], desc, f.build)
	if p != nil {
		f.pipelines[req.Description] = p
	}
	f.report(desc, p, err)
	if removed := f.compiler.Prune(); removed > 0 {
		core.LogDebug("pruned %d unowned layouts", removed)
	}
}
