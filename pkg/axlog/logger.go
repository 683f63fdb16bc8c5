// Package axlog defines the logging interface used across snapnet. Adapters
// for slog and logrus live in sub packages.
package axlog

type Logger interface {
	Info(s string, keyValues ...any)
	Error(s string, keyValues ...any)
	Debug(s string, keyValues ...any)
	Warn(s string, keyValues ...any)
}

type nop struct{}

func (nop) Info(string, ...any)  {}
func (nop) Error(string, ...any) {}
func (nop) Debug(string, ...any) {}
func (nop) Warn(string, ...any)  {}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nop{} }
