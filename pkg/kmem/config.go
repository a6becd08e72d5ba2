package kmem

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/joshuapare/kernmem/mem"
	"github.com/joshuapare/kernmem/mem/smt"
)

// Config controls the shape of a manager's arena and its tables.
// Zero fields take the value from DefaultConfig.
type Config struct {
	// ArenaPages is the arena size in 4 KiB pages, RAT included.
	ArenaPages int `yaml:"arena_pages"`

	// Base is the address of the first arena byte. Must be page aligned
	// and non-zero.
	Base uint64 `yaml:"base"`

	// ReservedPages at the start of the arena are never handed out.
	ReservedPages int `yaml:"reserved_pages"`

	// SizeClasses names a size class preset: FineGrained, Balanced or Coarse.
	SizeClasses string `yaml:"size_classes"`

	// CustomSizeClasses overrides SizeClasses when set.
	CustomSizeClasses *smt.SizeClassConfig `yaml:"custom_size_classes,omitempty"`

	// HandleCapacity is the fixed number of handle table entries.
	HandleCapacity int `yaml:"handle_capacity"`

	// MaxRoots caps the number of root slots.
	MaxRoots int `yaml:"max_roots"`

	// CollectOnOOM runs a collection and retries once when an allocation
	// runs out of pages. Off by default: the caller owns the retry policy.
	CollectOnOOM bool `yaml:"collect_on_oom"`
}

// DefaultConfig returns a 16 MiB arena with the Balanced size classes.
func DefaultConfig() Config {
	return Config{
		ArenaPages:     4096,
		Base:           uint64(mem.DefaultBase),
		ReservedPages:  16,
		SizeClasses:    smt.ConfigBalanced.Name,
		HandleCapacity: 1024,
		MaxRoots:       4096,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ArenaPages == 0 {
		c.ArenaPages = d.ArenaPages
	}
	if c.Base == 0 {
		c.Base = d.Base
	}
	if c.SizeClasses == "" {
		c.SizeClasses = d.SizeClasses
	}
	if c.HandleCapacity == 0 {
		c.HandleCapacity = d.HandleCapacity
	}
	if c.MaxRoots == 0 {
		c.MaxRoots = d.MaxRoots
	}
	return c
}

// sizeClassConfig resolves the size class ladder.
func (c Config) sizeClassConfig() (smt.SizeClassConfig, error) {
	if c.CustomSizeClasses != nil {
		return *c.CustomSizeClasses, nil
	}
	cfg, ok := smt.Presets()[c.SizeClasses]
	if !ok {
		return smt.SizeClassConfig{}, fmt.Errorf("%w: unknown size class preset %q", ErrBadConfig, c.SizeClasses)
	}
	return cfg, nil
}

// LoadConfig reads a YAML config file. Fields missing from the file keep
// their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("kmem: read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrBadConfig, path, err)
	}
	return cfg, nil
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
