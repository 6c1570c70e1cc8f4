package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/aradilov/commitring"
)

var ErrInvalidConfig = errors.New("invalid pipeline config")

// Config configures a Processor and its demo workload
type Config struct {
	// CapacityExp sets the queue capacity to 1<<CapacityExp
	CapacityExp uint `mapstructure:"capacity_exp"`

	// Producers is the number of producer goroutines started by RunDemo
	Producers int `mapstructure:"producers"`

	// SequenceLimit stops a demo producer once it reserved a sequence number at or above it
	SequenceLimit int64 `mapstructure:"sequence_limit"`

	// MaxBatch bounds reservation sizes: producer i reserves i%MaxBatch+1 slots at a time
	MaxBatch int `mapstructure:"max_batch"`

	// ProcessTimeout bounds a single Event.Process call, 0 means no limit
	ProcessTimeout time.Duration `mapstructure:"process_timeout"`
}

// DefaultConfig returns the settings of the reference workload.
func DefaultConfig() Config {
	return Config{
		CapacityExp:   16,
		Producers:     16,
		SequenceLimit: 1 << 20,
		MaxBatch:      5,
	}
}

// Validate checks the config
func (c Config) Validate() error {
	if c.CapacityExp > commitring.MaxCapacityExp {
		return fmt.Errorf("%w: capacity_exp %d above %d", ErrInvalidConfig, c.CapacityExp, commitring.MaxCapacityExp)
	}
	if c.Producers <= 0 {
		return fmt.Errorf("%w: producers must be positive, got %d", ErrInvalidConfig, c.Producers)
	}
	if c.SequenceLimit < 0 {
		return fmt.Errorf("%w: sequence_limit must not be negative, got %d", ErrInvalidConfig, c.SequenceLimit)
	}
	if c.MaxBatch <= 0 {
		return fmt.Errorf("%w: max_batch must be positive, got %d", ErrInvalidConfig, c.MaxBatch)
	}
	if uint64(c.MaxBatch) > uint64(1)<<c.CapacityExp {
		return fmt.Errorf("%w: max_batch %d exceeds queue capacity %d", ErrInvalidConfig, c.MaxBatch, uint64(1)<<c.CapacityExp)
	}
	if c.ProcessTimeout < 0 {
		return fmt.Errorf("%w: process_timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}
