// Package api declares the capability surface that scripts may call into.
//
// Nothing here executes. The symbol table returned by [Surface] is bundled
// into the API artifact (see the artifact package), and the host interfaces
// are what an embedding application implements to back those symbols.
package api

import "context"

// Version is the API surface version scripts compile against.
const Version = 1

// WasmModule is the import module name wasm units link their host calls from.
const WasmModule = "focuscript"

// Capabilities gate namespaces. A script may only reference a namespace
// whose capability was granted when it was loaded.
const (
	CapLog       = "log"
	CapClock     = "clock"
	CapConfig    = "config"
	CapServer    = "server"
	CapStorage   = "storage"
	CapScheduler = "scheduler"
	CapEvents    = "events"
	CapCommands  = "commands"
)

// DefaultCapabilities are granted to every script without a permission entry.
var DefaultCapabilities = []string{CapLog, CapClock, CapConfig}

// Player describes an online player as scripts see it.
type Player struct {
	Name  string `json:"name" yaml:"name"`
	UUID  string `json:"uuid" yaml:"uuid"`
	World string `json:"world" yaml:"world"`
}

// Server is the host side of the server namespace.
type Server interface {
	OnlinePlayers(ctx context.Context) []Player
	PlayerCount(ctx context.Context) int
	Worlds(ctx context.Context) []string
	Broadcast(ctx context.Context, message string) error
	DispatchCommand(ctx context.Context, command string) (bool, error)
}

// CommandFunc handles one console command. It reports whether the command
// was handled.
type CommandFunc func(ctx context.Context, args []string) (bool, error)

// CommandHost is implemented by servers whose console commands scripts may
// take over. A server without it still tracks script commands but never
// routes them.
type CommandHost interface {
	HandleCommand(name string, fn CommandFunc)
	RemoveCommand(name string)
}
