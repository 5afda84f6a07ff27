package overdrive

import (
	"io"
	"log/slog"
	"os"

	"github.com/hupe1980/overdrive/vm"
)

type options struct {
	provider         vm.Provider
	metricsCollector MetricsCollector
	logger           *Logger
	telemetryOutput  io.Writer
}

// Option configures New.
type Option func(*options)

// WithProvider sets the virtual memory provider. By default the allocator
// uses the operating system through vm.NewOS.
//
// Example with a simulated 32-bit address space:
//
//	a, _ := overdrive.New(nil, overdrive.WithProvider(vm.NewSimulated()))
func WithProvider(p vm.Provider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// allocations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &overdrive.BasicMetricsCollector{}
//	a, _ := overdrive.New(nil, overdrive.WithMetricsCollector(metrics))
//	// ... use a ...
//	stats := metrics.GetStats()
//	fmt.Printf("pool allocs: %d\n", stats.Allocs[overdrive.TierPool])
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging. Pass nil to disable logging.
// Without this option a text logger at the configured level is used.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel logs text to stderr at level, overriding the configured
// LogLevel.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(os.Stderr, level)
	}
}

// WithTelemetryOutput sends the metrics journal to w instead of the
// configured file. It has no effect unless telemetry is enabled.
func WithTelemetryOutput(w io.Writer) Option {
	return func(o *options) {
		o.telemetryOutput = w
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
