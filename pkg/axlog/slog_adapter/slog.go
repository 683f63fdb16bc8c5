package slogadapter

import (
	"context"
	"log/slog"

	"github.com/QYUbit/snapnet/pkg/axlog"
)

// Adapter forwards to a slog.Logger. Debug returns early when the handler
// drops debug records.
type Adapter struct {
	logger *slog.Logger
}

// New wraps logger, or slog.Default when logger is nil.
func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{logger: logger}
}

// With returns a logger that adds keysAndValues to every record.
func (a *Adapter) With(keysAndValues ...any) axlog.Logger {
	return &Adapter{logger: a.logger.With(keysAndValues...)}
}

func (a *Adapter) Info(msg string, keysAndValues ...any) {
	a.logger.Info(msg, keysAndValues...)
}

func (a *Adapter) Error(msg string, keysAndValues ...any) {
	a.logger.Error(msg, keysAndValues...)
}

func (a *Adapter) Debug(msg string, keysAndValues ...any) {
	if !a.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	a.logger.Debug(msg, keysAndValues...)
}

func (a *Adapter) Warn(msg string, keysAndValues ...any) {
	a.logger.Warn(msg, keysAndValues...)
}
