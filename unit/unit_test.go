package unit_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/codename/focuscript/compiler"
	"github.com/codename/focuscript/hostfunc"
	"github.com/codename/focuscript/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInstance struct {
	closed atomic.Int32
}

func (f *fakeInstance) Call(ctx context.Context, inv *unit.Invocation) (any, error) {
	inv.Print("called")
	return inv.Args["x"], nil
}

func (f *fakeInstance) Close(ctx context.Context) error {
	f.closed.Add(1)
	return nil
}

type fakeBackend struct {
	err       error
	panicMsg  string
	instances []*fakeInstance
	mu        sync.Mutex
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Load(ctx context.Context, exe *compiler.Executable, caps *hostfunc.Registry) (unit.Instance, error) {
	if b.panicMsg != "" {
		panic(b.panicMsg)
	}
	if b.err != nil {
		return nil, b.err
	}
	inst := &fakeInstance{}
	b.mu.Lock()
	b.instances = append(b.instances, inst)
	b.mu.Unlock()
	return inst, nil
}

func exe(id string, caps ...string) *compiler.Executable {
	return &compiler.Executable{Identity: id, Language: "fake", Entry: "main", Capabilities: caps}
}

func TestLoadAssignsIncreasingVersions(t *testing.T) {
	l := unit.NewLoader(unit.WithBackends(&fakeBackend{}))
	ctx := context.Background()

	u1, err := l.Load(ctx, exe("a"), nil)
	require.NoError(t, err)
	u2, err := l.Load(ctx, exe("a"), nil)
	require.NoError(t, err)
	other, err := l.Load(ctx, exe("b"), nil)
	require.NoError(t, err)

	assert.EqualValues(t, 1, u1.Version())
	assert.EqualValues(t, 2, u2.Version())
	assert.EqualValues(t, 1, other.Version())
}

func TestLoadDeniesUngrantedCapability(t *testing.T) {
	l := unit.NewLoader(unit.WithBackends(&fakeBackend{}))
	caps := hostfunc.NewRegistry()
	caps.Grant("log")

	_, err := l.Load(context.Background(), exe("a", "log", "server"), caps)

	var le *unit.LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "a", le.Identity)
	assert.ErrorIs(t, err, hostfunc.ErrCapabilityDenied)
	assert.Contains(t, err.Error(), "server")
}

func TestLoadUnknownBackend(t *testing.T) {
	l := unit.NewLoader()
	_, err := l.Load(context.Background(), exe("a"), nil)

	var le *unit.LoadError
	require.True(t, errors.As(err, &le))
	assert.Contains(t, le.Reason, "no backend")
}

func TestLoadBackendFailure(t *testing.T) {
	l := unit.NewLoader(unit.WithBackends(&fakeBackend{err: errors.New("missing entry")}))
	_, err := l.Load(context.Background(), exe("a"), nil)

	var le *unit.LoadError
	require.True(t, errors.As(err, &le))
	assert.Contains(t, err.Error(), "missing entry")
}

func TestLoadBackendPanic(t *testing.T) {
	l := unit.NewLoader(unit.WithBackends(&fakeBackend{panicMsg: "kaboom"}))
	u, err := l.Load(context.Background(), exe("a"), nil)

	assert.Nil(t, u)
	var le *unit.LoadError
	require.True(t, errors.As(err, &le))
	assert.Contains(t, err.Error(), "kaboom")
}

func TestLoadNilExecutable(t *testing.T) {
	l := unit.NewLoader()
	_, err := l.Load(context.Background(), nil, nil)
	assert.Error(t, err)
}

// =============================================================================
// REFERENCE COUNTING
// =============================================================================

func loadOne(t *testing.T) (*unit.Unit, *fakeBackend) {
	t.Helper()
	b := &fakeBackend{}
	u, err := unit.NewLoader(unit.WithBackends(b)).Load(context.Background(), exe("a"), nil)
	require.NoError(t, err)
	return u, b
}

func TestRetireIdleDisposesImmediately(t *testing.T) {
	u, b := loadOne(t)

	u.Retire()

	select {
	case <-u.Disposed():
	default:
		t.Fatal("expected immediate disposal")
	}
	assert.EqualValues(t, 1, b.instances[0].closed.Load())
	assert.False(t, u.Acquire(), "retired unit must not be acquirable")
}

func TestRetireWaitsForReferences(t *testing.T) {
	u, b := loadOne(t)

	require.True(t, u.Acquire())
	require.True(t, u.Acquire())
	u.Retire()

	assert.Zero(t, b.instances[0].closed.Load(), "disposed with references outstanding")
	u.Release()
	assert.Zero(t, b.instances[0].closed.Load())
	u.Release()

	<-u.Disposed()
	assert.EqualValues(t, 1, b.instances[0].closed.Load())
}

func TestDisposeRunsOnce(t *testing.T) {
	u, b := loadOne(t)
	var hooks atomic.Int32
	u.OnDispose(func() error {
		hooks.Add(1)
		return errors.New("logged, not fatal")
	})

	u.Retire()
	u.Retire()

	assert.EqualValues(t, 1, b.instances[0].closed.Load())
	assert.EqualValues(t, 1, hooks.Load())
}

func TestConcurrentAcquireRelease(t *testing.T) {
	u, b := loadOne(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if u.Acquire() {
				inv := unit.NewInvocation("a", u.Version(), nil)
				u.Call(context.Background(), inv)
				u.Release()
			}
		}()
	}
	u.Retire()
	wg.Wait()

	<-u.Disposed()
	assert.Zero(t, u.Refs())
	assert.EqualValues(t, 1, b.instances[0].closed.Load())
}

func TestReleaseWithoutAcquirePanics(t *testing.T) {
	u, _ := loadOne(t)
	assert.Panics(t, u.Release)
}

func TestTimeoutCounter(t *testing.T) {
	u, _ := loadOne(t)

	assert.Equal(t, 1, u.RecordTimeout())
	assert.Equal(t, 2, u.RecordTimeout())
	u.ResetTimeouts()
	assert.Zero(t, u.Timeouts())

	assert.False(t, u.Runaway())
	u.MarkRunaway()
	assert.True(t, u.Runaway())
}

// =============================================================================
// INVOCATION
// =============================================================================

func TestInvocationCopiesArgs(t *testing.T) {
	args := map[string]any{"x": 1}
	inv := unit.NewInvocation("a", 1, args)
	inv.Args["x"] = 2

	assert.Equal(t, 1, args["x"])
	assert.NotEqual(t, inv.ID.String(), unit.NewInvocation("a", 1, nil).ID.String())
}

func TestInvocationCopiesNestedArgs(t *testing.T) {
	player := map[string]any{"name": "steve"}
	tags := []string{"op"}
	scores := map[string]int{"kills": 1}
	args := map[string]any{
		"player": player,
		"items":  []any{map[string]any{"id": "sword"}},
		"tags":   tags,
		"scores": scores,
	}
	inv := unit.NewInvocation("a", 1, args)

	inv.Args["player"].(map[string]any)["name"] = "hacked"
	inv.Args["items"].([]any)[0].(map[string]any)["id"] = "air"
	inv.Args["tags"].([]string)[0] = "none"
	inv.Args["scores"].(map[string]int)["kills"] = 99

	assert.Equal(t, "steve", player["name"])
	assert.Equal(t, "sword", args["items"].([]any)[0].(map[string]any)["id"])
	assert.Equal(t, []string{"op"}, tags)
	assert.Equal(t, 1, scores["kills"])
}

func TestCopyValueKeepsHandles(t *testing.T) {
	type handle struct{ n int }
	h := &handle{n: 1}
	assert.Same(t, h, unit.CopyValue(h))
	assert.Nil(t, unit.CopyValue(nil))

	var nilMap map[string]any
	assert.Nil(t, unit.CopyValue(nilMap))
}

func TestInvocationOutputTruncates(t *testing.T) {
	inv := unit.NewInvocation("a", 1, nil)
	line := strings.Repeat("x", 1024)
	for i := 0; i < 2000; i++ {
		inv.Print(line)
	}

	out := inv.Output()
	assert.LessOrEqual(t, len(out), unit.MaxOutput+64)
	assert.True(t, strings.HasSuffix(out, "... (output truncated)\n"))
}

func TestScriptErrorUnwrap(t *testing.T) {
	err := &unit.ScriptError{Name: "Error", Message: "denied", Cause: hostfunc.ErrCapabilityDenied}
	assert.ErrorIs(t, err, hostfunc.ErrCapabilityDenied)
	assert.Equal(t, "Error: denied", err.Error())
}
