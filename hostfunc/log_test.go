package hostfunc

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/codename/focuscript/api"
)

func TestRegisterLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	r := NewRegistry()
	RegisterLog(r, logger)

	if _, err := r.Call(context.Background(), "log.warn", []any{"low health", 3}); err != nil {
		t.Fatalf("log.warn failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, `msg="low health"`) {
		t.Errorf("unexpected log output %q", out)
	}
	if !strings.Contains(out, "arg0=3") {
		t.Errorf("expected extra arg attribute in %q", out)
	}
}

func TestRegisterLogScopedAttrs(t *testing.T) {
	var buf bytes.Buffer
	r := NewRegistry()
	RegisterLog(r, slog.New(slog.NewTextHandler(&buf, nil)))

	ctx := WithAttrs(context.Background(), slog.Uint64("version", 3))
	ctx = WithAttrs(ctx, slog.String("invocation", "abc"))
	if _, err := r.Call(ctx, "log.info", []any{"hi"}); err != nil {
		t.Fatalf("log.info failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "version=3") || !strings.Contains(out, "invocation=abc") {
		t.Errorf("expected scoped attributes in %q", out)
	}
}

func TestRegisterLogRequiresMessage(t *testing.T) {
	r := NewRegistry()
	RegisterLog(r, slog.Default())

	_, err := r.Call(context.Background(), "log.info", nil)
	if !errors.Is(err, ErrBadArgument) {
		t.Errorf("expected ErrBadArgument, got %v", err)
	}
}

func TestRegisterClock(t *testing.T) {
	fixed := time.UnixMilli(1700000000123)
	r := NewRegistry()
	RegisterClock(r, func() time.Time { return fixed })

	got, _ := r.Call(context.Background(), "clock.now", nil)
	if got != int64(1700000000123) {
		t.Errorf("expected fixed millis, got %v", got)
	}
}

type recordingServer struct {
	broadcasts []string
}

func (s *recordingServer) OnlinePlayers(ctx context.Context) []api.Player {
	return []api.Player{{Name: "alex", UUID: "u-1", World: "world"}}
}
func (s *recordingServer) PlayerCount(ctx context.Context) int { return 1 }
func (s *recordingServer) Worlds(ctx context.Context) []string { return []string{"world"} }
func (s *recordingServer) Broadcast(ctx context.Context, message string) error {
	s.broadcasts = append(s.broadcasts, message)
	return nil
}
func (s *recordingServer) DispatchCommand(ctx context.Context, command string) (bool, error) {
	return command == "ok", nil
}

func TestRegisterServer(t *testing.T) {
	srv := &recordingServer{}
	r := NewRegistry()
	RegisterServer(r, srv)
	ctx := context.Background()

	if _, err := r.Call(ctx, "server.broadcast", []any{"hello"}); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	if len(srv.broadcasts) != 1 || srv.broadcasts[0] != "hello" {
		t.Errorf("unexpected broadcasts %v", srv.broadcasts)
	}

	players, _ := r.Call(ctx, "server.players", nil)
	list := players.([]any)
	if len(list) != 1 || list[0].(map[string]any)["name"] != "alex" {
		t.Errorf("unexpected players %v", players)
	}

	ok, _ := r.Call(ctx, "server.dispatchCommand", []any{"ok"})
	if ok != true {
		t.Error("expected dispatch to report true")
	}

	if _, err := r.Call(ctx, "server.broadcast", []any{1}); !errors.Is(err, ErrBadArgument) {
		t.Errorf("expected ErrBadArgument, got %v", err)
	}
}
