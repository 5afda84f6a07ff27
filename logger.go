package overdrive

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/hupe1980/overdrive/vm"
)

// Logger is the allocator's structured logger. Every record carries a
// component=overdrive attribute.
type Logger struct {
	*slog.Logger
}

func newLogger(h slog.Handler) *Logger {
	return &Logger{Logger: slog.New(h).With("component", "overdrive")}
}

// NewLogger wraps handler. A nil handler logs text to stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		return NewTextLogger(os.Stderr, slog.LevelInfo)
	}
	return newLogger(handler)
}

// NewJSONLogger logs JSON records at or above level to w.
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	return newLogger(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger logs key=value records at or above level to w.
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	return newLogger(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// NoopLogger discards everything.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithTier scopes the logger to one tier.
func (l *Logger) WithTier(tier Tier) *Logger {
	return &Logger{Logger: l.With("tier", tier.String())}
}

// parseLevel maps a configured level name to a slog level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogTierInit logs the outcome of setting up one tier or pool.
func (l *Logger) LogTierInit(ctx context.Context, name string, base vm.Addr, size uintptr, err error) {
	if err != nil {
		l.WarnContext(ctx, "tier unavailable",
			"name", name,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "tier ready",
			"name", name,
			"base", uintptr(base),
			"size", size,
		)
	}
}

// LogFallback logs a request a tier could not serve.
func (l *Logger) LogFallback(ctx context.Context, from Tier, size int) {
	l.DebugContext(ctx, "allocation fell through",
		"from", from.String(),
		"size", size,
	)
}

// LogAllocFailure logs a request no tier could serve.
func (l *Logger) LogAllocFailure(ctx context.Context, size int, err error) {
	l.ErrorContext(ctx, "allocation failed",
		"size", size,
		"error", err,
	)
}

// LogForeignFree logs a release of a pointer no tier owns.
func (l *Logger) LogForeignFree(ctx context.Context, addr vm.Addr) {
	l.WarnContext(ctx, "free of foreign pointer ignored",
		"addr", uintptr(addr),
	)
}

// LogCorruption logs a pointer inside a tier whose header did not validate.
func (l *Logger) LogCorruption(ctx context.Context, tier Tier, addr vm.Addr) {
	l.WithTier(tier).WarnContext(ctx, "invalid block header", "addr", uintptr(addr))
}

// LogShutdown logs the final counters.
func (l *Logger) LogShutdown(ctx context.Context, st Stats, err error) {
	if err != nil {
		l.ErrorContext(ctx, "shutdown incomplete",
			"allocs", st.Allocs,
			"frees", st.Frees,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "shutdown complete",
			"allocs", st.Allocs,
			"frees", st.Frees,
			"foreign_frees", st.ForeignFrees,
		)
	}
}
