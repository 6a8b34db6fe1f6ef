package hostfunc

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/codename/focuscript/api"
)

type commandHost struct {
	handlers map[string]api.CommandFunc
}

func (h *commandHost) HandleCommand(name string, fn api.CommandFunc) {
	if h.handlers == nil {
		h.handlers = make(map[string]api.CommandFunc)
	}
	h.handlers[name] = fn
}

func (h *commandHost) RemoveCommand(name string) {
	delete(h.handlers, name)
}

func routeTo(name string) api.CommandFunc {
	return func(ctx context.Context, args []string) (bool, error) { return true, nil }
}

func TestHandlersSubscribe(t *testing.T) {
	h := NewHandlers(nil, nil)
	v1 := &Owner{Identity: "greeter"}
	v2 := &Owner{Identity: "greeter"}
	other := &Owner{Identity: "other"}

	for _, o := range []*Owner{v1, v2, other} {
		if err := h.Subscribe(o, "playerJoin"); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}
	if got := h.Subscribers("playerJoin"); !reflect.DeepEqual(got, []string{"greeter", "other"}) {
		t.Errorf("expected deduplicated subscribers, got %v", got)
	}

	h.Drop(v1)
	if got := h.Subscribers("playerJoin"); !reflect.DeepEqual(got, []string{"greeter", "other"}) {
		t.Errorf("dropping one version removed its successor: %v", got)
	}

	if !h.Unsubscribe(v2, "playerJoin") {
		t.Error("expected unsubscribe to find v2")
	}
	if h.Unsubscribe(v2, "playerJoin") {
		t.Error("second unsubscribe should report false")
	}
	if got := h.Subscriptions(v2); len(got) != 0 {
		t.Errorf("expected no subscriptions, got %v", got)
	}

	if err := h.Subscribe(other, "  "); !errors.Is(err, ErrBadArgument) {
		t.Errorf("expected ErrBadArgument, got %v", err)
	}
}

func TestHandlersCommandOwnership(t *testing.T) {
	host := &commandHost{}
	h := NewHandlers(host, routeTo)
	v1 := &Owner{Identity: "warp"}
	v2 := &Owner{Identity: "warp"}
	rival := &Owner{Identity: "rival"}

	if err := h.Register(v1, "/Warp", "/warp <place>"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, ok := host.handlers["warp"]; !ok {
		t.Fatal("command not installed on host")
	}
	if err := h.Register(rival, "warp", ""); !errors.Is(err, ErrCommandTaken) {
		t.Errorf("expected ErrCommandTaken, got %v", err)
	}
	if h.Available("rival", "warp") || !h.Available("warp", "warp") {
		t.Error("availability does not follow ownership")
	}

	if err := h.Register(v2, "warp", "/warp"); err != nil {
		t.Fatalf("re-register by the same identity failed: %v", err)
	}
	h.Drop(v1)
	if _, ok := host.handlers["warp"]; !ok {
		t.Error("dropping the old version removed the command")
	}
	id, usage, ok := h.Command("WARP")
	if !ok || id != "warp" || usage != "/warp" {
		t.Errorf("unexpected command %q %q %v", id, usage, ok)
	}
	if got := h.Commands(v2); !reflect.DeepEqual(got, []string{"warp"}) {
		t.Errorf("expected [warp], got %v", got)
	}

	if h.Unregister(rival, "warp") {
		t.Error("rival unregistered a command it does not own")
	}
	h.Drop(v2)
	if _, ok := host.handlers["warp"]; ok {
		t.Error("command still installed after its owner was dropped")
	}
	if err := h.Register(rival, "warp", ""); err != nil {
		t.Errorf("released command not claimable: %v", err)
	}
}

func TestHandlersCommandNames(t *testing.T) {
	h := NewHandlers(nil, nil)
	o := &Owner{Identity: "x"}
	for _, name := range []string{"", "/", "two words", "a/b"} {
		if err := h.Register(o, name, ""); !errors.Is(err, ErrBadArgument) {
			t.Errorf("%q: expected ErrBadArgument, got %v", name, err)
		}
	}
}

func TestRegisterCommands(t *testing.T) {
	h := NewHandlers(&commandHost{}, routeTo)
	ctx := context.Background()
	a, b := NewRegistry(), NewRegistry()
	RegisterCommands(a, h, &Owner{Identity: "a"})
	RegisterCommands(b, h, &Owner{Identity: "b"})

	if ok, err := a.Call(ctx, "commands.register", []any{"home"}); err != nil || ok != true {
		t.Fatalf("expected register to succeed, got %v %v", ok, err)
	}
	if ok, err := b.Call(ctx, "commands.register", []any{"home"}); err != nil || ok != false {
		t.Errorf("expected a taken command to return false, got %v %v", ok, err)
	}
	got, _ := a.Call(ctx, "commands.registered", nil)
	if !reflect.DeepEqual(got, []any{"home"}) {
		t.Errorf("expected [home], got %v", got)
	}
	if ok, _ := a.Call(ctx, "commands.unregister", []any{"home"}); ok != true {
		t.Errorf("expected unregister to succeed, got %v", ok)
	}
}

func TestRegisterEvents(t *testing.T) {
	h := NewHandlers(nil, nil)
	r := NewRegistry()
	RegisterEvents(r, h, &Owner{Identity: "a"})
	ctx := context.Background()

	if _, err := r.Call(ctx, "events.subscribe", []any{"tick"}); err != nil {
		t.Fatalf("events.subscribe failed: %v", err)
	}
	got, _ := r.Call(ctx, "events.subscriptions", nil)
	if !reflect.DeepEqual(got, []any{"tick"}) {
		t.Errorf("expected [tick], got %v", got)
	}
	if _, err := r.Call(ctx, "events.subscribe", nil); !errors.Is(err, ErrBadArgument) {
		t.Errorf("expected ErrBadArgument, got %v", err)
	}
}
