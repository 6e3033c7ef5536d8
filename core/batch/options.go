package batch

import "time"

// Options configures the accumulator.
type Options struct {
	// Enabled toggles batching. When false, Process calls inner directly.
	Enabled bool

	// MaxBatchSize flushes the queue as soon as this many items are
	// pending. Must be positive.
	MaxBatchSize int

	// MinBatchSize is the smallest drain processed as a batch; smaller
	// drains are processed item-by-item. At least 1.
	MinBatchSize int

	// BatchTimeout flushes whatever is queued when no size flush happened.
	BatchTimeout time.Duration

	// MaxDegreeOfParallelism bounds concurrent item processing within a
	// batch. 1 means sequential.
	MaxDegreeOfParallelism int

	// ContinueOnFailure keeps processing a sequential batch after an item
	// fails. When false, remaining items complete with a halt failure.
	ContinueOnFailure bool

	// FallbackToIndividualProcessing re-processes items one-by-one when
	// batch processing panics.
	FallbackToIndividualProcessing bool
}

// DefaultOptions returns the accumulator configuration used when none is
// given.
func DefaultOptions() Options {
	return Options{
		Enabled:                        true,
		MaxBatchSize:                   100,
		MinBatchSize:                   1,
		BatchTimeout:                   100 * time.Millisecond,
		MaxDegreeOfParallelism:         1,
		ContinueOnFailure:              true,
		FallbackToIndividualProcessing: true,
	}
}

func (o *Options) normalize() {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = DefaultOptions().MaxBatchSize
	}
	if o.MinBatchSize < 1 {
		o.MinBatchSize = 1
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = DefaultOptions().BatchTimeout
	}
	if o.MaxDegreeOfParallelism < 1 {
		o.MaxDegreeOfParallelism = 1
	}
}
