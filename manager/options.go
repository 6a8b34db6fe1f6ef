package manager

import (
	"log/slog"
	"time"

	"github.com/codename/focuscript/api"
	"github.com/codename/focuscript/executor"
	"github.com/codename/focuscript/hostfunc"
	"github.com/codename/focuscript/language/focuscript"
)

// DefaultMaxTimeouts is how many consecutive timeouts force a unit out.
const DefaultMaxTimeouts = 3

// Option configures a Manager.
type Option func(*config)

type config struct {
	logger      *slog.Logger
	sandbox     *executor.Sandbox
	server      api.Server
	storageDir  string
	storage     hostfunc.StorageConfig
	maxTimeouts int
	maxTasks    int
	defaults    []string
	now         func() time.Time
	language    string
}

func defaultConfig() config {
	return config{
		logger:      slog.Default(),
		storage:     hostfunc.DefaultStorageConfig(),
		maxTimeouts: DefaultMaxTimeouts,
		maxTasks:    hostfunc.DefaultMaxTasks,
		defaults:    api.DefaultCapabilities,
		language:    focuscript.Name,
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSandbox sets the sandbox invocations run in. By default one is
// created with the manager's logger.
func WithSandbox(s *executor.Sandbox) Option {
	return func(c *config) {
		c.sandbox = s
	}
}

// WithServer backs the server namespace. Scripts asking for the server
// permission fail to load without it.
func WithServer(srv api.Server) Option {
	return func(c *config) {
		c.server = srv
	}
}

// WithStorageDir persists script storage as one YAML file per identity
// under dir. Without it storage lives in memory for the manager's lifetime.
func WithStorageDir(dir string) Option {
	return func(c *config) {
		c.storageDir = dir
	}
}

// WithStorageConfig sets the storage limits. Path is ignored.
func WithStorageConfig(cfg hostfunc.StorageConfig) Option {
	return func(c *config) {
		c.storage = cfg
	}
}

// WithMaxTimeouts sets how many consecutive timeouts force-unload a unit.
// Zero disables the check.
func WithMaxTimeouts(n int) Option {
	return func(c *config) {
		c.maxTimeouts = n
	}
}

// WithMaxTasks bounds the scheduled tasks each unit may hold.
func WithMaxTasks(n int) Option {
	return func(c *config) {
		c.maxTasks = n
	}
}

// WithDefaultPermissions replaces the capabilities granted to every script.
func WithDefaultPermissions(caps ...string) Option {
	return func(c *config) {
		c.defaults = caps
	}
}

// WithClock sets the time source behind clock.now.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// WithDefaultLanguage sets the language used when a load names none.
func WithDefaultLanguage(name string) Option {
	return func(c *config) {
		if name != "" {
			c.language = name
		}
	}
}

// LoadOption configures one load request.
type LoadOption func(*loadConfig)

type loadConfig struct {
	language    string
	file        string
	apiVersion  int
	permissions []string
	values      map[string]any
	events      []string
	commands    []string
}

func WithLanguage(name string) LoadOption {
	return func(c *loadConfig) {
		c.language = name
	}
}

// WithFile names the source in diagnostics.
func WithFile(name string) LoadOption {
	return func(c *loadConfig) {
		c.file = name
	}
}

func WithAPIVersion(v int) LoadOption {
	return func(c *loadConfig) {
		c.apiVersion = v
	}
}

// WithPermissions grants capabilities on top of the defaults.
func WithPermissions(caps ...string) LoadOption {
	return func(c *loadConfig) {
		c.permissions = append(c.permissions, caps...)
	}
}

// WithConfig sets the values behind the config namespace.
func WithConfig(values map[string]any) LoadOption {
	return func(c *loadConfig) {
		c.values = values
	}
}

// WithEvents subscribes the loaded unit to host events. The subscription
// ends when the unit is disposed.
func WithEvents(names ...string) LoadOption {
	return func(c *loadConfig) {
		c.events = append(c.events, names...)
	}
}

// WithCommands claims console commands for the loaded unit. The load fails
// when another script holds one of them.
func WithCommands(names ...string) LoadOption {
	return func(c *loadConfig) {
		c.commands = append(c.commands, names...)
	}
}
