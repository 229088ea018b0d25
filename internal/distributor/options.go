package distributor

import (
	"time"

	"github.com/dhalvorsen/drover/internal/clock"
	"github.com/dhalvorsen/drover/internal/planner"
	"github.com/dhalvorsen/drover/internal/progress"
)

// Option configures a Distributor. Use With* functions to create Options.
type Option func(*distributorOptions)

// distributorOptions holds all optional configuration.
type distributorOptions struct {
	runID          string
	clk            clock.Clock
	logger         *DebugLogger
	eventBuffer    int
	estimates      map[string]planner.ResourceEstimate
	maxRetries     int
	retryDelay     time.Duration
	maxRetryDelay  time.Duration
	featureTimeout time.Duration
	store          progress.Store
	progressConfig progress.Config
}

// WithRunID pins the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(o *distributorOptions) { o.runID = id }
}

// WithClock sets the clock driving retry backoff and timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *distributorOptions) { o.clk = c }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *distributorOptions) { o.logger = l }
}

// WithEventBuffer sets the event channel buffer size.
func WithEventBuffer(n int) Option {
	return func(o *distributorOptions) { o.eventBuffer = n }
}

// WithEstimates sets per-capability cost estimates used for planning.
func WithEstimates(est map[string]planner.ResourceEstimate) Option {
	return func(o *distributorOptions) { o.estimates = est }
}

// WithMaxFeatureRetries sets how many times a failed feature is
// re-dispatched before its dependents are skipped.
func WithMaxFeatureRetries(n int) Option {
	return func(o *distributorOptions) { o.maxRetries = n }
}

// WithRetryDelay sets the base delay between feature retries.
func WithRetryDelay(d time.Duration) Option {
	return func(o *distributorOptions) { o.retryDelay = d }
}

// WithMaxRetryDelay caps the exponential retry backoff.
func WithMaxRetryDelay(d time.Duration) Option {
	return func(o *distributorOptions) { o.maxRetryDelay = d }
}

// WithFeatureTimeout bounds a single feature execution on a worker.
func WithFeatureTimeout(d time.Duration) Option {
	return func(o *distributorOptions) { o.featureTimeout = d }
}

// WithStore sets the snapshot store for progress persistence.
func WithStore(s progress.Store) Option {
	return func(o *distributorOptions) { o.store = s }
}

// WithProgressConfig sets snapshot auto-save behavior.
func WithProgressConfig(cfg progress.Config) Option {
	return func(o *distributorOptions) { o.progressConfig = cfg }
}

func defaultOptions() *distributorOptions {
	return &distributorOptions{
		clk:            clock.Real(),
		logger:         NopLogger(),
		eventBuffer:    256,
		maxRetries:     2,
		retryDelay:     2 * time.Second,
		maxRetryDelay:  time.Minute,
		featureTimeout: 15 * time.Minute,
	}
}
