package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/codename/focuscript/api"
)

var ErrCommandTaken = errors.New("command owned by another script")

// Owner identifies the unit that registered event subscriptions or
// commands. Every loaded unit gets its own Owner, so disposing a
// superseded version never drops what its successor registered.
type Owner struct {
	Identity string
}

// Handlers tracks the host events and console commands scripts have
// claimed. Delivery is the caller's business: Subscribers and Command name
// the identity to invoke.
type Handlers struct {
	host  api.CommandHost
	route func(name string) api.CommandFunc

	mu       sync.RWMutex
	events   map[string]map[*Owner]bool
	commands map[string]*command
}

type command struct {
	owner *Owner
	usage string
}

// NewHandlers creates an empty registry. When host is set, commands are
// installed on it with the handler route returns for their name.
func NewHandlers(host api.CommandHost, route func(name string) api.CommandFunc) *Handlers {
	return &Handlers{
		host:     host,
		route:    route,
		events:   make(map[string]map[*Owner]bool),
		commands: make(map[string]*command),
	}
}

// Subscribe adds o to the subscribers of event.
func (h *Handlers) Subscribe(o *Owner, event string) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return fmt.Errorf("%w: event name required", ErrBadArgument)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.events[event]
	if !ok {
		subs = make(map[*Owner]bool)
		h.events[event] = subs
	}
	subs[o] = true
	return nil
}

// Unsubscribe reports whether o was subscribed to event.
func (h *Handlers) Unsubscribe(o *Owner, event string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unsubscribe(o, strings.TrimSpace(event))
}

func (h *Handlers) unsubscribe(o *Owner, event string) bool {
	subs := h.events[event]
	if !subs[o] {
		return false
	}
	delete(subs, o)
	if len(subs) == 0 {
		delete(h.events, event)
	}
	return true
}

// Subscriptions returns the events o subscribed to.
func (h *Handlers) Subscriptions(o *Owner) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := []string{}
	for event, subs := range h.events {
		if subs[o] {
			out = append(out, event)
		}
	}
	sort.Strings(out)
	return out
}

// Subscribers returns the identities subscribed to event. An identity
// whose old and new versions are both subscribed appears once.
func (h *Handlers) Subscribers(event string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for o := range h.events[event] {
		if !seen[o.Identity] {
			seen[o.Identity] = true
			out = append(out, o.Identity)
		}
	}
	sort.Strings(out)
	return out
}

// Register claims a command for o. A command held by a different identity
// fails with ErrCommandTaken; one held by an earlier version of the same
// identity passes to o.
func (h *Handlers) Register(o *Owner, name, usage string) error {
	name, err := commandName(name)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.commands[name]; ok {
		if c.owner.Identity != o.Identity {
			return fmt.Errorf("%w: /%s belongs to %s", ErrCommandTaken, name, c.owner.Identity)
		}
		c.owner, c.usage = o, usage
		return nil
	}
	h.commands[name] = &command{owner: o, usage: usage}
	if h.host != nil && h.route != nil {
		h.host.HandleCommand(name, h.route(name))
	}
	return nil
}

// Available reports whether identity could register name.
func (h *Handlers) Available(identity, name string) bool {
	name, err := commandName(name)
	if err != nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.commands[name]
	return !ok || c.owner.Identity == identity
}

// Unregister releases a command held by o.
func (h *Handlers) Unregister(o *Owner, name string) bool {
	name, err := commandName(name)
	if err != nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unregister(o, name)
}

func (h *Handlers) unregister(o *Owner, name string) bool {
	c, ok := h.commands[name]
	if !ok || c.owner != o {
		return false
	}
	delete(h.commands, name)
	if h.host != nil {
		h.host.RemoveCommand(name)
	}
	return true
}

// Command returns the identity that handles name.
func (h *Handlers) Command(name string) (identity, usage string, ok bool) {
	name, err := commandName(name)
	if err != nil {
		return "", "", false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.commands[name]
	if !ok {
		return "", "", false
	}
	return c.owner.Identity, c.usage, true
}

// Commands returns the commands o holds.
func (h *Handlers) Commands(o *Owner) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := []string{}
	for name, c := range h.commands {
		if c.owner == o {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Drop releases everything o registered.
func (h *Handlers) Drop(o *Owner) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for event, subs := range h.events {
		if subs[o] {
			h.unsubscribe(o, event)
		}
	}
	for name, c := range h.commands {
		if c.owner == o {
			h.unregister(o, name)
		}
	}
}

func commandName(name string) (string, error) {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "/"))
	if name == "" || strings.ContainsAny(name, " \t\n/") {
		return "", fmt.Errorf("%w: invalid command name %q", ErrBadArgument, name)
	}
	return name, nil
}

// RegisterEvents binds the events namespace for o.
func RegisterEvents(r *Registry, h *Handlers, o *Owner) {
	r.Register("events.subscribe", func(ctx context.Context, args []any) (any, error) {
		event, err := argString(args, 0, "name")
		if err != nil {
			return nil, err
		}
		return true, h.Subscribe(o, event)
	})
	r.Register("events.unsubscribe", func(ctx context.Context, args []any) (any, error) {
		event, err := argString(args, 0, "name")
		if err != nil {
			return nil, err
		}
		return h.Unsubscribe(o, event), nil
	})
	r.Register("events.subscriptions", func(ctx context.Context, args []any) (any, error) {
		return stringsToAny(h.Subscriptions(o)), nil
	})
}

// RegisterCommands binds the commands namespace for o.
func RegisterCommands(r *Registry, h *Handlers, o *Owner) {
	r.Register("commands.register", func(ctx context.Context, args []any) (any, error) {
		name, err := argString(args, 0, "name")
		if err != nil {
			return nil, err
		}
		var usage string
		if v := argOptional(args, 1); v != nil {
			usage = fmt.Sprint(v)
		}
		if err := h.Register(o, name, usage); err != nil {
			if errors.Is(err, ErrCommandTaken) {
				return false, nil
			}
			return nil, err
		}
		return true, nil
	})
	r.Register("commands.unregister", func(ctx context.Context, args []any) (any, error) {
		name, err := argString(args, 0, "name")
		if err != nil {
			return nil, err
		}
		return h.Unregister(o, name), nil
	})
	r.Register("commands.registered", func(ctx context.Context, args []any) (any, error) {
		return stringsToAny(h.Commands(o)), nil
	})
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
