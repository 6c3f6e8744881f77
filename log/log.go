package log

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
)

// Level is read once from SHIPYARD_LOG_LEVEL; unknown values fall back to info.
var Level = parseLevel(os.Getenv("SHIPYARD_LOG_LEVEL"))

func parseLevel(s string) log.Level {
	l, err := log.ParseLevel(s)
	if err != nil || s == "" {
		return log.InfoLevel
	}
	return l
}

func NewHandler(name string) slog.Handler {
	return newHandler(os.Stderr, name)
}

func newHandler(w io.Writer, name string) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          name,
		Level:           Level,
	})
}

func New(name string) *slog.Logger {
	return slog.New(NewHandler(name))
}

// NewWriter is New with an explicit destination, used by the run logger
// to mirror engine output into a file.
func NewWriter(w io.Writer, name string) *slog.Logger {
	return slog.New(newHandler(w, name))
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type ctxKey struct{}

// IntoContext adds a logger to a context. Use FromContext to
// pull the logger out.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns a logger from a context.Context;
// if the passed context is nil, we return the default slog
// logger.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		v := ctx.Value(ctxKey{})
		if v == nil {
			return slog.Default()
		}
		return v.(*slog.Logger)
	}

	return slog.Default()
}

// SubLogger derives a new logger from an existing one by appending a suffix to its prefix.
func SubLogger(base *slog.Logger, suffix string) *slog.Logger {
	if cl, ok := base.Handler().(*log.Logger); ok {
		prefix := cl.GetPrefix()
		if prefix != "" {
			prefix = prefix + "/" + suffix
		} else {
			prefix = suffix
		}
		return slog.New(NewHandler(prefix))
	}

	// not a charm handler (tests, discard); keep the base and tag it instead
	return base.With("component", suffix)
}
