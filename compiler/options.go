package compiler

import "log/slog"

// Option configures a Compiler.
type Option func(*config)

type config struct {
	cacheSize int
	queueSize int
	logger    *slog.Logger
	languages []Language
}

func defaultConfig() config {
	return config{
		cacheSize: 256,
		queueSize: 64,
		logger:    slog.Default(),
	}
}

// WithCacheSize bounds the number of cached executables. Zero disables
// caching. The oldest entry is evicted first.
func WithCacheSize(n int) Option {
	return func(c *config) {
		c.cacheSize = n
	}
}

// WithQueueSize sets how many compiles may wait before callers block.
func WithQueueSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithLanguages registers languages at construction.
func WithLanguages(langs ...Language) Option {
	return func(c *config) {
		c.languages = append(c.languages, langs...)
	}
}
