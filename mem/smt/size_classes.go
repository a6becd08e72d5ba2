package smt

import (
	"fmt"
	"math"
	"sort"

	"github.com/joshuapare/kernmem/internal/format"
)

// SizeClassConfig defines the size class ladder of the small-object heap.
// Different configurations trade internal fragmentation against the number
// of partially filled pages.
type SizeClassConfig struct {
	// Name for this configuration (for benchmarking and stats output)
	Name string `yaml:"name"`

	// Linear phase: SmallMin, SmallMin+SmallIncrement, ... up to SmallMax
	SmallMin       int `yaml:"small_min"`
	SmallMax       int `yaml:"small_max"`
	SmallIncrement int `yaml:"small_increment"`

	// Geometric phase from SmallMax up to format.MaxSmallSize
	GrowthFactor float64 `yaml:"growth_factor"`
}

// Predefined configurations.
var (
	// FineGrained: many small classes, least waste for varied workloads.
	// 8-128 step 8 (16 classes) + 1.25 growth up to 1020 (~10 classes).
	ConfigFineGrained = SizeClassConfig{
		Name:           "FineGrained",
		SmallMin:       8,
		SmallMax:       128,
		SmallIncrement: 8,
		GrowthFactor:   1.25,
	}

	// Balanced: good balance between class count and slack.
	// 16-256 step 16 (16 classes) + 1.5 growth up to 1020 (~4 classes).
	ConfigBalanced = SizeClassConfig{
		Name:           "Balanced",
		SmallMin:       16,
		SmallMax:       256,
		SmallIncrement: 16,
		GrowthFactor:   1.5,
	}

	// Coarse: few classes, fewer partially filled pages, more slack per object.
	ConfigCoarse = SizeClassConfig{
		Name:           "Coarse",
		SmallMin:       16,
		SmallMax:       256,
		SmallIncrement: 48,
		GrowthFactor:   2.0,
	}

	// DefaultConfig is used when none is specified.
	DefaultConfig = ConfigBalanced
)

// Presets returns the predefined configurations by name.
func Presets() map[string]SizeClassConfig {
	return map[string]SizeClassConfig{
		ConfigFineGrained.Name: ConfigFineGrained,
		ConfigBalanced.Name:    ConfigBalanced,
		ConfigCoarse.Name:      ConfigCoarse,
	}
}

// Validate checks that the configuration produces a usable ladder.
func (c SizeClassConfig) Validate() error {
	switch {
	case c.SmallMin <= 0 || c.SmallMin%4 != 0:
		return fmt.Errorf("%w: SmallMin %d must be a positive multiple of 4", ErrBadConfig, c.SmallMin)
	case c.SmallIncrement <= 0 || c.SmallIncrement%4 != 0:
		return fmt.Errorf("%w: SmallIncrement %d must be a positive multiple of 4", ErrBadConfig, c.SmallIncrement)
	case c.SmallMax < c.SmallMin || c.SmallMax > format.MaxSmallSize:
		return fmt.Errorf("%w: SmallMax %d outside [%d, %d]", ErrBadConfig, c.SmallMax, c.SmallMin, format.MaxSmallSize)
	case c.GrowthFactor <= 1:
		return fmt.Errorf("%w: GrowthFactor %.2f must be > 1", ErrBadConfig, c.GrowthFactor)
	}
	return nil
}

// sizeClassTable holds the computed class sizes (body bytes per slot).
type sizeClassTable struct {
	config  SizeClassConfig
	classes []int // ascending; last is always format.MaxSmallSize
}

// newSizeClassTable computes the ladder from config. The config must be valid.
func newSizeClassTable(config SizeClassConfig) *sizeClassTable {
	table := &sizeClassTable{
		config:  config,
		classes: make([]int, 0, 32),
	}

	// Phase 1: linear increments
	for size := config.SmallMin; size <= config.SmallMax; size += config.SmallIncrement {
		table.classes = append(table.classes, size)
	}

	// Phase 2: geometric growth, rounded to 4 bytes
	size := table.classes[len(table.classes)-1]
	for size < format.MaxSmallSize {
		next := format.Align4(int(math.Ceil(float64(size) * config.GrowthFactor)))
		if next <= size {
			next = size + 4 // Ensure progress
		}
		if next > format.MaxSmallSize {
			next = format.MaxSmallSize
		}
		table.classes = append(table.classes, next)
		size = next
	}

	return table
}

// classFor returns the index of the smallest class that holds size bytes.
// Returns len(classes) for sizes above the small-object threshold.
func (t *sizeClassTable) classFor(size int) int {
	return sort.SearchInts(t.classes, size)
}

// NumClasses returns the number of size classes.
func (t *sizeClassTable) NumClasses() int {
	return len(t.classes)
}

// String returns a human-readable description of the size class table.
func (t *sizeClassTable) String() string {
	return fmt.Sprintf("%s (%d classes, %d..%d)", t.config.Name, len(t.classes), t.classes[0], t.classes[len(t.classes)-1])
}
