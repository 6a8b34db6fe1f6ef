// Package hostsim is an in-memory game server for the CLI and tests.
package hostsim

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/codename/focuscript/api"
)

var _ api.CommandHost = (*Server)(nil)

// Server implements api.Server over in-memory state. Broadcasts and
// dispatched commands are recorded and logged.
type Server struct {
	logger *slog.Logger

	mu         sync.RWMutex
	players    map[string]api.Player
	worlds     []string
	broadcasts []string
	commands   []string
	handlers   map[string]api.CommandFunc
}

func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:   logger,
		players:  make(map[string]api.Player),
		worlds:   []string{"world", "world_nether", "world_the_end"},
		handlers: make(map[string]api.CommandFunc),
	}
}

// Join adds an online player with a name-derived UUID.
func (s *Server) Join(name, world string) api.Player {
	p := api.Player{
		Name:  name,
		UUID:  uuid.NewSHA1(uuid.NameSpaceOID, []byte("player:"+name)).String(),
		World: world,
	}
	s.mu.Lock()
	s.players[name] = p
	s.mu.Unlock()
	return p
}

func (s *Server) Leave(name string) {
	s.mu.Lock()
	delete(s.players, name)
	s.mu.Unlock()
}

// HandleCommand installs a console command. The handler reports whether
// it handled the command.
func (s *Server) HandleCommand(name string, fn api.CommandFunc) {
	s.mu.Lock()
	s.handlers[name] = fn
	s.mu.Unlock()
}

func (s *Server) RemoveCommand(name string) {
	s.mu.Lock()
	delete(s.handlers, name)
	s.mu.Unlock()
}

func (s *Server) OnlinePlayers(ctx context.Context) []api.Player {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]api.Player, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Server) PlayerCount(ctx context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.players)
}

func (s *Server) Worlds(ctx context.Context) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.worlds...)
}

func (s *Server) Broadcast(ctx context.Context, message string) error {
	s.mu.Lock()
	s.broadcasts = append(s.broadcasts, message)
	s.mu.Unlock()
	s.logger.Info("broadcast", slog.String("message", message))
	return nil
}

func (s *Server) DispatchCommand(ctx context.Context, command string) (bool, error) {
	fields := strings.Fields(strings.TrimPrefix(command, "/"))
	if len(fields) == 0 {
		return false, fmt.Errorf("empty command")
	}
	s.mu.Lock()
	s.commands = append(s.commands, command)
	fn, ok := s.handlers[strings.ToLower(fields[0])]
	s.mu.Unlock()

	s.logger.Info("command", slog.String("command", command))
	if !ok {
		return false, nil
	}
	return fn(ctx, fields[1:])
}

// Broadcasts returns every message broadcast so far.
func (s *Server) Broadcasts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.broadcasts...)
}

func (s *Server) Commands() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.commands...)
}
