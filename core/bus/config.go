package bus

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/dmitrymomot/heromessaging/core/batch"
	"github.com/dmitrymomot/heromessaging/core/circuitbreaker"
	"github.com/dmitrymomot/heromessaging/core/retry"
)

// Config carries the environment-tunable pipeline knobs. Load it with
// LoadConfig and turn it into constructor options with Options; stages that
// need runtime collaborators (stores, publishers, validators) are still
// wired in code.
type Config struct {
	RetryEnabled    bool          `env:"BUS_RETRY_ENABLED" envDefault:"true"`
	RetryMaxRetries int           `env:"BUS_RETRY_MAX_RETRIES" envDefault:"3"`
	RetryBaseDelay  time.Duration `env:"BUS_RETRY_BASE_DELAY" envDefault:"100ms"`
	RetryMaxDelay   time.Duration `env:"BUS_RETRY_MAX_DELAY" envDefault:"30s"`
	RetryJitter     float64       `env:"BUS_RETRY_JITTER" envDefault:"0.2"`

	BreakerEnabled              bool          `env:"BUS_BREAKER_ENABLED" envDefault:"false"`
	BreakerFailureThreshold     int           `env:"BUS_BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerFailureRateThreshold float64       `env:"BUS_BREAKER_FAILURE_RATE_THRESHOLD" envDefault:"0.5"`
	BreakerMinimumThroughput    int           `env:"BUS_BREAKER_MINIMUM_THROUGHPUT" envDefault:"10"`
	BreakerSamplingDuration     time.Duration `env:"BUS_BREAKER_SAMPLING_DURATION" envDefault:"1m"`
	BreakerBreakDuration        time.Duration `env:"BUS_BREAKER_BREAK_DURATION" envDefault:"30s"`

	BatchEnabled           bool          `env:"BUS_BATCH_ENABLED" envDefault:"false"`
	BatchMaxSize           int           `env:"BUS_BATCH_MAX_SIZE" envDefault:"100"`
	BatchMinSize           int           `env:"BUS_BATCH_MIN_SIZE" envDefault:"1"`
	BatchTimeout           time.Duration `env:"BUS_BATCH_TIMEOUT" envDefault:"100ms"`
	BatchParallelism       int           `env:"BUS_BATCH_PARALLELISM" envDefault:"1"`
	BatchContinueOnFailure bool          `env:"BUS_BATCH_CONTINUE_ON_FAILURE" envDefault:"true"`
	BatchFallback          bool          `env:"BUS_BATCH_FALLBACK_INDIVIDUAL" envDefault:"true"`

	IdempotencyTTL time.Duration `env:"BUS_IDEMPOTENCY_TTL" envDefault:"24h"`
}

// LoadConfig parses the configuration from environment variables.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse bus config: %w", err)
	}
	return cfg, nil
}

// Options translates the parsed configuration into constructor options for
// the stages it covers.
func (c Config) Options() []Option {
	var opts []Option
	if c.RetryEnabled {
		opts = append(opts, WithRetry(retry.Policy{
			MaxRetries:   c.RetryMaxRetries,
			BaseDelay:    c.RetryBaseDelay,
			MaxDelay:     c.RetryMaxDelay,
			JitterFactor: c.RetryJitter,
		}))
	}
	if c.BreakerEnabled {
		opts = append(opts, WithCircuitBreaker(circuitbreaker.Config{
			FailureThreshold:     c.BreakerFailureThreshold,
			FailureRateThreshold: c.BreakerFailureRateThreshold,
			MinimumThroughput:    c.BreakerMinimumThroughput,
			SamplingDuration:     c.BreakerSamplingDuration,
			BreakDuration:        c.BreakerBreakDuration,
		}))
	}
	if c.BatchEnabled {
		opts = append(opts, WithBatching(batch.Options{
			Enabled:                        true,
			MaxBatchSize:                   c.BatchMaxSize,
			MinBatchSize:                   c.BatchMinSize,
			BatchTimeout:                   c.BatchTimeout,
			MaxDegreeOfParallelism:         c.BatchParallelism,
			ContinueOnFailure:              c.BatchContinueOnFailure,
			FallbackToIndividualProcessing: c.BatchFallback,
		}))
	}
	return opts
}
