package focuscript_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/codename/focuscript/artifact"
	"github.com/codename/focuscript/compiler"
	"github.com/codename/focuscript/hostfunc"
	"github.com/codename/focuscript/language/focuscript"
	"github.com/codename/focuscript/unit"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compile(t *testing.T, text string) (*compiler.Executable, compiler.Diagnostics) {
	t.Helper()
	a, err := artifact.Embedded()
	require.NoError(t, err)
	lang := focuscript.New()
	src := compiler.Source{Identity: "test", File: "test.fs", Text: text}
	return lang.Compile(context.Background(), src, compiler.NewClasspath(a, lang.Stdlib()))
}

func mustCompile(t *testing.T, text string) *compiler.Executable {
	t.Helper()
	exe, diags := compile(t, text)
	require.False(t, diags.HasErrors(), diags.Summary(0))
	require.NotNil(t, exe)
	return exe
}

func load(t *testing.T, exe *compiler.Executable, caps *hostfunc.Registry) unit.Instance {
	t.Helper()
	if caps == nil {
		caps = hostfunc.NewRegistry()
	}
	inst, err := focuscript.New().Load(context.Background(), exe, caps)
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close(context.Background()) })
	return inst
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func call(t *testing.T, inst unit.Instance, args map[string]any) (any, *unit.Invocation, error) {
	t.Helper()
	inv := unit.NewInvocation("test", 1, args)
	v, err := inst.Call(context.Background(), inv)
	return v, inv, err
}

// =============================================================================
// Compile
// =============================================================================

func TestWrapGolden(t *testing.T) {
	g := goldie.New(t)
	g.Assert(t, "wrap", []byte(focuscript.Wrap("return 1 + 1")))
}

func TestCompileSimple(t *testing.T) {
	exe, diags := compile(t, "return 1 + 1")
	require.Empty(t, diags)
	assert.Equal(t, "test", exe.Identity)
	assert.Equal(t, focuscript.Name, exe.Language)
	assert.Equal(t, focuscript.EntryName, exe.Entry)
	assert.Empty(t, exe.Capabilities)
	assert.NotEmpty(t, exe.Hash)
}

func TestCompileIncompleteExpression(t *testing.T) {
	exe, diags := compile(t, "return 1 +")
	assert.Nil(t, exe)
	require.Len(t, diags, 1)
	d := diags[0]
	assert.Equal(t, compiler.SeverityError, d.Severity)
	assert.Equal(t, compiler.Location{File: "test.fs", Line: 1, Column: 10}, d.Location)
	assert.Contains(t, d.Message, `"+"`)
}

func TestCompileUnresolvedMember(t *testing.T) {
	exe, diags := compile(t, "server.shutdown()")
	assert.Nil(t, exe)
	require.Len(t, diags, 1)
	assert.Equal(t, `unresolved symbol "server.shutdown"`, diags[0].Message)
	assert.Equal(t, compiler.Location{File: "test.fs", Line: 1, Column: 8}, diags[0].Location)
}

func TestCompileUnresolvedName(t *testing.T) {
	_, diags := compile(t, "let a = 1;\nreturn a + b;")
	require.Len(t, diags, 1)
	assert.Equal(t, `unresolved symbol "b"`, diags[0].Message)
	assert.Equal(t, 2, diags[0].Location.Line)
	assert.Equal(t, 12, diags[0].Location.Column)
}

func TestCompileRejectsRemovedGlobals(t *testing.T) {
	for _, name := range []string{"eval", "Function", "globalThis", "require", "process"} {
		t.Run(name, func(t *testing.T) {
			_, diags := compile(t, "return typeof "+name)
			require.True(t, diags.HasErrors())
			assert.Equal(t, `unresolved symbol "`+name+`"`, diags[0].Message)
		})
	}
}

func TestCompileLocalsShadowNamespaces(t *testing.T) {
	exe := mustCompile(t, "const server = {shutdown() { return 1 }};\nreturn server.shutdown()")
	assert.Empty(t, exe.Capabilities)
}

func TestCompileDeclarationsResolve(t *testing.T) {
	mustCompile(t, `
function add(a, b) { return a + b }
const [x, {y}] = [1, {y: 2}];
let total = 0;
for (const n of [x, y]) { total = add(total, n) }
try { JSON.parse("{") } catch (err) { total += err.message.length > 0 ? 1 : 0 }
class Box { constructor(v) { this.v = v } get value() { return this.v } }
outer: for (let i = 0; i < 3; i++) { if (i === 1) continue outer }
const sq = (...vals) => vals.map(v => v * v);
return sq(total, new Box(event.n).value);
`)
}

func TestCompileCapabilities(t *testing.T) {
	exe := mustCompile(t, "log.info('hi');\nconst n = server.playerCount();\nreturn clock.now() + n")
	assert.Equal(t, []string{"clock", "log", "server"}, exe.Capabilities)
}

func TestCompileDeprecatedWarning(t *testing.T) {
	exe, diags := compile(t, "server.dispatchCommand('stop')")
	require.NotNil(t, exe)
	require.Len(t, diags, 1)
	assert.Equal(t, compiler.SeverityWarning, diags[0].Severity)
	assert.Contains(t, diags[0].Message, "server.dispatchCommand is deprecated")
}

func TestCompileDebuggerWarning(t *testing.T) {
	exe, diags := compile(t, "debugger;\nreturn 1")
	require.NotNil(t, exe)
	require.Len(t, diags, 1)
	assert.Equal(t, compiler.SeverityWarning, diags[0].Severity)
	assert.Equal(t, 1, diags[0].Location.Line)
}

func TestCompileRejectsModuleSyntax(t *testing.T) {
	_, diags := compile(t, "let a = 1;\n  import x from 'y'")
	require.Len(t, diags, 1)
	assert.Equal(t, compiler.Location{File: "test.fs", Line: 2, Column: 3}, diags[0].Location)
	assert.Contains(t, diags[0].Message, "import statements are not supported")
}

func TestCompileRedeclaration(t *testing.T) {
	_, diags := compile(t, "let a = 1;\nlet a = 2;")
	require.True(t, diags.HasErrors())
	assert.Equal(t, 2, diags[0].Location.Line)
}

func TestCompileWasmModuleNotVisible(t *testing.T) {
	_, diags := compile(t, "focuscript.log_info(0, 0)")
	require.True(t, diags.HasErrors())
	assert.Equal(t, `unresolved symbol "focuscript"`, diags[0].Message)
}

// =============================================================================
// Runtime
// =============================================================================

func TestCallReturnsValue(t *testing.T) {
	inst := load(t, mustCompile(t, "return 1 + 1"), nil)
	v, _, err := call(t, inst, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)
}

func TestCallReceivesEvent(t *testing.T) {
	inst := load(t, mustCompile(t, "return event.name + ':' + event.count * 2"), nil)
	v, _, err := call(t, inst, map[string]any{"name": "steve", "count": 21})
	require.NoError(t, err)
	assert.Equal(t, "steve:42", v)
}

func TestCallUndefinedIsNil(t *testing.T) {
	inst := load(t, mustCompile(t, "let x = 1"), nil)
	v, _, err := call(t, inst, nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestPrintWritesOutput(t *testing.T) {
	inst := load(t, mustCompile(t, "print('a', 1, null);\nprint(apiVersion)"), nil)
	_, inv, err := call(t, inst, nil)
	require.NoError(t, err)
	assert.Equal(t, "a 1 null\n1\n", inv.Output())
}

func TestUnitsAreIsolated(t *testing.T) {
	exe := mustCompile(t, "Math.hits = (Math.hits || 0) + 1;\nreturn Math.hits")
	a := load(t, exe, nil)
	b := load(t, exe, nil)

	for i := 1; i <= 2; i++ {
		v, _, err := call(t, a, nil)
		require.NoError(t, err)
		assert.EqualValues(t, i, v)
	}
	v, _, err := call(t, b, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
}

func TestHostNamespacesBound(t *testing.T) {
	caps := hostfunc.NewRegistry()
	hostfunc.RegisterConfig(caps, hostfunc.NewConfig(map[string]any{"greeting": "hello"}))
	inst := load(t, mustCompile(t, "return config.get('greeting') + ' ' + config.get('missing', 'world')"), caps)

	v, _, err := call(t, inst, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello world", v)
}

func TestHostErrorKeepsCause(t *testing.T) {
	caps := hostfunc.NewRegistry()
	hostfunc.RegisterConfig(caps, hostfunc.NewConfig(nil))
	inst := load(t, mustCompile(t, "return config.get()"), caps)

	_, _, err := call(t, inst, nil)
	var se *unit.ScriptError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Runtime)
	assert.Contains(t, se.Message, "config.get")
	assert.ErrorIs(t, err, hostfunc.ErrBadArgument)
}

func TestUngrantedNamespaceIsUnbound(t *testing.T) {
	// The loader refuses this pairing; the backend alone leaves the name unbound.
	inst := load(t, mustCompile(t, "return server.playerCount()"), nil)
	_, _, err := call(t, inst, nil)
	var se *unit.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "ReferenceError", se.Name)
	assert.True(t, se.Runtime)
}

func TestFunctionConstructorUnreachable(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"function", "return (function () {}).constructor('return 1')()"},
		{"arrow", "return (() => 1).constructor('return 1')()"},
		{"generator", "return (function* () {}).constructor('yield 1')().next().value"},
		{"async", "return (async function () {}).constructor('return 1')"},
		{"prototype", "return Object.getPrototypeOf(function () {}).constructor('return 1')()"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := load(t, mustCompile(t, tt.code), nil)
			_, _, err := call(t, inst, nil)
			var se *unit.ScriptError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, "TypeError", se.Name)
			assert.True(t, se.Runtime)
		})
	}
}

func TestFunctionConstructorCannotBeRestored(t *testing.T) {
	code := "const proto = Object.getPrototypeOf(function () {});\n" +
		"try { Object.defineProperty(proto, 'constructor', {value: 1}); } catch (e) { return e.name }\nreturn 'redefined'"
	inst := load(t, mustCompile(t, code), nil)
	v, _, err := call(t, inst, nil)
	require.NoError(t, err)
	assert.Equal(t, "TypeError", v)
}

func TestThrownErrors(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		errName string
		message string
		runtime bool
	}{
		{"error", "throw new Error('boom')", "Error", "boom", false},
		{"string", "throw 'plain'", "", "plain", false},
		{"type", "return null.x", "TypeError", "", true},
		{"range", "return new Array(-1)", "RangeError", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := load(t, mustCompile(t, tt.code), nil)
			_, _, err := call(t, inst, nil)
			var se *unit.ScriptError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.errName, se.Name)
			assert.Equal(t, tt.runtime, se.Runtime)
			if tt.message != "" {
				assert.Equal(t, tt.message, se.Message)
			}
		})
	}
}

func TestCallInterruptedByDeadline(t *testing.T) {
	inst := load(t, mustCompile(t, "if (event.spin) { while (true) {} }\nreturn 'done'"), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := inst.Call(ctx, unit.NewInvocation("test", 1, map[string]any{"spin": true}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, unit.ErrInterrupted), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The runtime stays usable once the interrupt is cleared.
	v, _, err := call(t, inst, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestCallAfterClose(t *testing.T) {
	inst, err := focuscript.New().Load(context.Background(), mustCompile(t, "return 1"), hostfunc.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, inst.Close(context.Background()))

	_, err = inst.Call(context.Background(), unit.NewInvocation("test", 1, nil))
	assert.ErrorIs(t, err, unit.ErrDisposed)
}

func TestLoadRejectsForeignExecutable(t *testing.T) {
	exe := &compiler.Executable{Identity: "x", Language: "wasm", Entry: "run", Compiled: []byte{0}}
	_, err := focuscript.New().Load(context.Background(), exe, hostfunc.NewRegistry())
	var le *unit.LoadError
	require.ErrorAs(t, err, &le)
}

func TestThroughCompilerAndLoader(t *testing.T) {
	a, err := artifact.Embedded()
	require.NoError(t, err)
	lang := focuscript.New()
	c := compiler.New(a, compiler.WithLanguages(lang))
	defer c.Close()

	res := c.Compile(context.Background(), compiler.Source{Identity: "greet", Language: focuscript.Name, Text: "log.info('hi');\nreturn 'ok'"})
	require.True(t, res.OK(), res.Diagnostics.Summary(0))

	caps := hostfunc.NewRegistry()
	hostfunc.RegisterLog(caps, discardLogger())
	l := unit.NewLoader(unit.WithBackends(lang))
	u, err := l.Load(context.Background(), res.Executable, caps)
	require.NoError(t, err)
	require.True(t, u.Acquire())
	defer u.Release()

	v, err := u.Call(context.Background(), unit.NewInvocation("greet", u.Version(), nil))
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
