package sstable

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/canopydb/canopy/pkg/logging"
)

// Options configures table building and reading
type Options struct {
	// BlockSize is the soft cap for a data block's payload in bytes.
	// A block is cut once its size estimate reaches this value.
	BlockSize int `yaml:"block_size" validate:"gt=0"`

	// RestartInterval is the number of entries between restart points
	// inside a block
	RestartInterval int `yaml:"restart_interval" validate:"gt=0"`

	// Compression selects the per-block compression codec
	Compression CompressionType `yaml:"compression" validate:"lte=1"`

	// RingSize is the number of block slots in the parallel builder's
	// ring. Must be at least 2: the final-block rule inspects the slot
	// after the one being finished.
	RingSize int `yaml:"ring_size" validate:"gte=2"`

	// WorkerCount is the number of compression/write worker goroutines
	WorkerCount int `yaml:"worker_count" validate:"gt=0"`

	// WriteBufferSize is a hint for the writable file's initial buffer
	WriteBufferSize int `yaml:"write_buffer_size" validate:"gte=0"`

	// PriorityLevel is the level of the file being built. Informational;
	// reserved for cross-builder prioritization.
	PriorityLevel int `yaml:"priority_level" validate:"gte=0"`

	// VerifyChecksums enables CRC verification on the read path
	VerifyChecksums bool `yaml:"verify_checksums"`

	// Comparator orders user keys. Defaults to bytewise ordering.
	Comparator Comparator `yaml:"-"`

	// FilterPolicy, when non-nil, triggers filter block emission
	FilterPolicy FilterPolicy `yaml:"-"`

	// Logger receives build diagnostics. Defaults to a no-op logger.
	Logger logging.Logger `yaml:"-"`
}

// DefaultOptions returns the standard build configuration
func DefaultOptions() Options {
	return Options{
		BlockSize:       4 * 1024,
		RestartInterval: 16,
		Compression:     SnappyCompression,
		RingSize:        4,
		WorkerCount:     2,
		WriteBufferSize: 2 * 1024 * 1024,
		Comparator:      NewBytewiseComparator(),
	}
}

var optionsValidator = validator.New()

// Validate checks option values and fills zero fields with defaults
func (o *Options) Validate() error {
	def := DefaultOptions()
	if o.BlockSize == 0 {
		o.BlockSize = def.BlockSize
	}
	if o.RestartInterval == 0 {
		o.RestartInterval = def.RestartInterval
	}
	if o.RingSize == 0 {
		o.RingSize = def.RingSize
	}
	if o.WorkerCount == 0 {
		o.WorkerCount = def.WorkerCount
	}
	if o.Comparator == nil {
		o.Comparator = def.Comparator
	}
	if o.Logger == nil {
		o.Logger = logging.NewNopLogger()
	}

	if err := optionsValidator.Struct(o); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

// LoadOptions reads options from a YAML file, applying defaults for
// fields the file omits
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read options file: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse options file: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}
