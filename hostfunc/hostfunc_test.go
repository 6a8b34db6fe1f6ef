package hostfunc

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRegistryRegisterGrantsNamespace(t *testing.T) {
	r := NewRegistry()
	r.Register("server.broadcast", func(ctx context.Context, args []any) (any, error) {
		return nil, nil
	})

	if !r.Granted("server") {
		t.Error("expected server to be granted")
	}
	if r.Granted("storage") {
		t.Error("storage should not be granted")
	}
}

func TestRegistryGrantWithoutFunctions(t *testing.T) {
	r := NewRegistry()
	r.Grant("clock")

	caps := r.Capabilities()
	if len(caps) != 1 || caps[0] != "clock" {
		t.Errorf("expected [clock], got %v", caps)
	}
}

func TestRegistryMembers(t *testing.T) {
	r := NewRegistry()
	nop := func(ctx context.Context, args []any) (any, error) { return nil, nil }
	r.Register("log.info", nop)
	r.Register("log.warn", nop)
	r.Register("logger.x", nop)

	members := r.Members("log")
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if _, ok := members["info"]; !ok {
		t.Error("missing info")
	}
}

func TestRegistryCallDenied(t *testing.T) {
	r := NewRegistry()
	_, err := r.Call(context.Background(), "server.broadcast", nil)
	if !errors.Is(err, ErrCapabilityDenied) {
		t.Errorf("expected ErrCapabilityDenied, got %v", err)
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	nop := func(ctx context.Context, args []any) (any, error) { return nil, nil }
	r.Register("b.x", nop)
	r.Register("a.y", nop)

	names := r.List()
	if len(names) != 2 || names[0] != "a.y" || names[1] != "b.x" {
		t.Errorf("expected sorted names, got %v", names)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	nop := func(ctx context.Context, args []any) (any, error) { return nil, nil }

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("log.info", nop)
		}()
		go func() {
			defer wg.Done()
			r.Get("log.info")
			r.Granted("log")
		}()
	}
	wg.Wait()
}

func TestSprint(t *testing.T) {
	if got := Sprint("a", 1, nil, true); got != "a 1 null true" {
		t.Errorf("unexpected %q", got)
	}
}

func TestCallersChain(t *testing.T) {
	ctx := WithCaller(context.Background(), "a")
	left := WithCaller(ctx, "b")
	right := WithCaller(ctx, "c")

	if got := Callers(left); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected chain %v", got)
	}
	if got := Callers(right); len(got) != 2 || got[1] != "c" {
		t.Errorf("sibling chains share storage: %v", got)
	}
	if got := Callers(context.Background()); got != nil {
		t.Errorf("expected empty chain, got %v", got)
	}
}
