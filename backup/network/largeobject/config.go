package largeobject

import (
	"fmt"
	"runtime"
	"time"
)

const (
	// DefaultMinimumLargeObjectSize is the protocol floor below which multi-part upload is not attempted.
	DefaultMinimumLargeObjectSize int64 = 5 * 1024 * 1024
	// DefaultRecommendedPartSize is the part size suggested by the remote.
	DefaultRecommendedPartSize = 100 * 1024 * 1024
	// DefaultMinimumPartSize is the smallest part the remote accepts (except the last one).
	DefaultMinimumPartSize = 5 * 1024 * 1024
)

// Config holds configuration for the large object uploader.
type Config struct {
	// MinimumLargeObjectSize is the smallest file accepted for multi-part upload.
	// Default: 5 MiB
	MinimumLargeObjectSize int64

	// RecommendedPartSize is the part size used when the file is large enough for every worker.
	// Default: 100 MiB
	RecommendedPartSize int

	// MinimumPartSize is the protocol minimum part size.
	// Default: 5 MiB
	MinimumPartSize int

	// MinWorkers and MaxWorkers bound the number of concurrent workers.
	// Default: 1 and min(NumCPU * 3, 20), minimum 2
	MinWorkers int
	MaxWorkers int

	// InitialWorkers is the active worker count before the first adjustment.
	// Default: MaxWorkers
	InitialWorkers int

	// MaxConsecutiveErrors is the number of failures in a row after which a worker gives up.
	// Default: 5
	MaxConsecutiveErrors int

	// LaunchStagger is the delay between starting two workers.
	// Default: 100 milliseconds
	LaunchStagger time.Duration

	// PollInterval is how often the coordinator checks whether the workers are done.
	// Default: 1 second
	PollInterval time.Duration

	// SleepUnit is the length of one backoff step. Backoff waits are counted in these units.
	// Default: 1 second
	SleepUnit time.Duration

	// AssessmentWindow is the minimum time between two concurrency adjustments.
	// Default: 3 minutes
	AssessmentWindow time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	maxWorkers := DefaultConcurrency()
	return Config{
		MinimumLargeObjectSize: DefaultMinimumLargeObjectSize,
		RecommendedPartSize:    DefaultRecommendedPartSize,
		MinimumPartSize:        DefaultMinimumPartSize,
		MinWorkers:             1,
		MaxWorkers:             maxWorkers,
		InitialWorkers:         maxWorkers,
		MaxConsecutiveErrors:   5,
		LaunchStagger:          100 * time.Millisecond,
		PollInterval:           time.Second,
		SleepUnit:              time.Second,
		AssessmentWindow:       3 * time.Minute,
	}
}

// DefaultConcurrency calculates the default worker count based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.MinimumPartSize <= 0 {
		return fmt.Errorf("minimum part size must be positive, got %d", c.MinimumPartSize)
	}
	if c.RecommendedPartSize < c.MinimumPartSize {
		return fmt.Errorf("recommended part size (%d) is smaller than the minimum part size (%d)", c.RecommendedPartSize, c.MinimumPartSize)
	}
	if c.MinimumLargeObjectSize <= 0 {
		return fmt.Errorf("minimum large object size must be positive, got %d", c.MinimumLargeObjectSize)
	}
	if c.MinWorkers < 1 {
		return fmt.Errorf("min workers must be at least 1, got %d", c.MinWorkers)
	}
	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("max workers (%d) is smaller than min workers (%d)", c.MaxWorkers, c.MinWorkers)
	}
	if c.InitialWorkers < c.MinWorkers || c.InitialWorkers > c.MaxWorkers {
		return fmt.Errorf("initial workers (%d) outside [%d, %d]", c.InitialWorkers, c.MinWorkers, c.MaxWorkers)
	}
	if c.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("max consecutive errors must be at least 1, got %d", c.MaxConsecutiveErrors)
	}
	if c.PollInterval <= 0 || c.SleepUnit <= 0 {
		return fmt.Errorf("poll interval and sleep unit must be positive")
	}
	return nil
}
