package microthread

import "time"

import "github.com/prometheus/client_golang/prometheus"

// config collects every constructor knob, set via functional options —
// the pattern the rest of the retrieval pack uses (logiface/stumpy's
// Option types) rather than a config file or flag package, since this
// core has no CLI/service surface of its own (§1: the agent and
// monitor are external collaborators).
type config struct {
	stackBytes   int
	maxFD        int
	tick         time.Duration
	wheelWidth   int
	readTimeout  int64
	writeTimeout int64
	idleWaitMS   int
	logger       Logger
	registry     prometheus.Registerer
}

func defaultConfig() config {
	return config{
		stackBytes:   DefaultStackBytes,
		maxFD:        DefaultMaxFD,
		tick:         DefaultTick,
		wheelWidth:   DefaultWheelWidth,
		readTimeout:  DefaultTimeoutMS,
		writeTimeout: DefaultTimeoutMS,
		idleWaitMS:   1000,
	}
}

// Option configures a Scheduler at construction time.
type Option func(*config)

// WithStackBytes sets the stack-size hint Scheduler.Spawn gives new
// coroutines.
func WithStackBytes(n int) Option {
	return func(c *config) { c.stackBytes = n }
}

// WithMaxFD sets the size of the Multiplexer's fd-reference table (§3).
// A HookTable's own table is always MaxHookFD entries.
func WithMaxFD(n int) Option {
	return func(c *config) { c.maxFD = n }
}

// WithTick sets the time wheel's tick granularity (§4.B default: 1ms).
func WithTick(d time.Duration) Option {
	return func(c *config) { c.tick = d }
}

// WithWheelWidth sets the number of buckets in the time wheel.
func WithWheelWidth(n int) Option {
	return func(c *config) { c.wheelWidth = n }
}

// WithDefaultTimeouts sets the read/write timeouts (ms) newly created
// hook-fd records start with (§3 default: 500ms/500ms).
func WithDefaultTimeouts(readMS, writeMS int64) Option {
	return func(c *config) { c.readTimeout, c.writeTimeout = readMS, writeMS }
}

// WithLogger overrides the default stderr stumpy logger.
func WithLogger(l Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithRegistry registers the scheduler's Metrics against reg instead
// of leaving them unregistered (still incremented, just not exported).
func WithRegistry(reg prometheus.Registerer) Option {
	return func(c *config) { c.registry = reg }
}

// WithIdleWaitMS bounds how long the dispatch loop may block in the
// kernel wait when nothing is runnable and no deadline is pending —
// the only way Shutdown is noticed promptly in that state.
func WithIdleWaitMS(ms int) Option {
	return func(c *config) { c.idleWaitMS = ms }
}
