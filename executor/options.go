package executor

import (
	"log/slog"
	"time"
)

const (
	DefaultTimeout = 5 * time.Second
	DefaultGrace   = 250 * time.Millisecond
)

// Option configures one invocation.
type Option func(*runConfig)

type runConfig struct {
	timeout time.Duration
	grace   time.Duration
}

// WithTimeout sets the maximum execution time. Zero means no limit beyond
// the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(c *runConfig) {
		c.timeout = d
	}
}

// WithGrace sets how long to wait for a unit to stop after its deadline
// before reporting it as runaway.
func WithGrace(d time.Duration) Option {
	return func(c *runConfig) {
		c.grace = d
	}
}

// SandboxOption configures the Sandbox at creation time.
type SandboxOption func(*Sandbox)

func WithDefaultTimeout(d time.Duration) SandboxOption {
	return func(s *Sandbox) {
		s.timeout = d
	}
}

func WithDefaultGrace(d time.Duration) SandboxOption {
	return func(s *Sandbox) {
		s.grace = d
	}
}

func WithLogger(l *slog.Logger) SandboxOption {
	return func(s *Sandbox) {
		if l != nil {
			s.logger = l
		}
	}
}
