// Package dlog defines the logging interface the networking components log through.
package dlog

type Logger interface {
	Info(s string, keyValues ...any)
	Error(s string, keyValues ...any)
	Debug(s string, keyValues ...any)
	Warn(s string, keyValues ...any)
}

// Nop discards everything. Useful as a default and in tests.
type Nop struct{}

func (Nop) Info(string, ...any)  {}
func (Nop) Error(string, ...any) {}
func (Nop) Debug(string, ...any) {}
func (Nop) Warn(string, ...any)  {}
