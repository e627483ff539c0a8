package core

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration decodes TOML strings such as "10s" or "150ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type LogConfig struct {
	/** @brief One of debug, info, warn, error. */
	Level string `toml:"level"`
}

type CompilerConfig struct {
	/** @brief The external GLSL compiler, looked up on PATH when not absolute. */
	Executable string `toml:"executable"`
	/** @brief Extra arguments placed before the generated ones. */
	Args []string `toml:"args"`
	/** @brief Upper bound for one compiler invocation. */
	Timeout Duration `toml:"timeout"`
	/** @brief Directory for flattened sources and bytecode. Empty means os.TempDir(). */
	TempDir string `toml:"temp_dir"`
	/** @brief Lines placed before every flattened stage. */
	Header string `toml:"header"`
	/** @brief The binding value that requests automatic assignment. */
	AutoBindingToken string `toml:"auto_binding_token"`
}

type CacheConfig struct {
	/** @brief How many released layouts are kept around for reuse before pruning. */
	MaxUnownedLayouts int `toml:"max_unowned_layouts"`
}

type BuildConfig struct {
	ParallelStages bool `toml:"parallel_stages"`
	Workers        int  `toml:"workers"`
	/** @brief The set index the default descriptor set is allocated from. */
	PrimarySet uint32 `toml:"primary_set"`
}

type WatchConfig struct {
	Debounce Duration `toml:"debounce"`
}

type VulkanConfig struct {
	/** @brief Enables VK_LAYER_KHRONOS_validation and the debug report callback. */
	Validation bool `toml:"validation"`
	/** @brief Capacity of the descriptor pool default sets are allocated from. */
	MaxDescriptorSets uint32 `toml:"max_descriptor_sets"`
}

type Config struct {
	Log      LogConfig      `toml:"log"`
	Compiler CompilerConfig `toml:"compiler"`
	Cache    CacheConfig    `toml:"cache"`
	Build    BuildConfig    `toml:"build"`
	Watch    WatchConfig    `toml:"watch"`
	Vulkan   VulkanConfig   `toml:"vulkan"`
}

const (
	DefaultCompilerExecutable = "glslangValidator"
	DefaultHeader             = "#version 450"
	DefaultAutoBindingToken   = "AUTO_BINDING"
)

func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Compiler: CompilerConfig{
			Executable:       DefaultCompilerExecutable,
			Timeout:          Duration{10 * time.Second},
			Header:           DefaultHeader,
			AutoBindingToken: DefaultAutoBindingToken,
		},
		Cache: CacheConfig{MaxUnownedLayouts: 64},
		Build: BuildConfig{
			ParallelStages: true,
			Workers:        4,
		},
		Watch:  WatchConfig{Debounce: Duration{150 * time.Millisecond}},
		Vulkan: VulkanConfig{MaxDescriptorSets: 1024},
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Compiler.Executable == "" {
		return fmt.Errorf("compiler.executable must not be empty")
	}
	if c.Compiler.AutoBindingToken == "" {
		return fmt.Errorf("compiler.auto_binding_token must not be empty")
	}
	if c.Compiler.Timeout.Duration <= 0 {
		return fmt.Errorf("compiler.timeout must be positive")
	}
	if c.Build.Workers <= 0 {
		return fmt.Errorf("build.workers must be at least 1")
	}
	if c.Vulkan.MaxDescriptorSets == 0 {
		return fmt.Errorf("vulkan.max_descriptor_sets must be at least 1")
	}
	if c.Cache.MaxUnownedLayouts < 0 {
		return fmt.Errorf("cache.max_unowned_layouts must not be negative")
	}
	return nil
}
