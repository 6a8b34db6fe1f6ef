package focuscript

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/codename/focuscript/api"
	"github.com/codename/focuscript/compiler"
	"github.com/codename/focuscript/hostfunc"
	"github.com/codename/focuscript/unit"
	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
)

// Name is the language identifier used in sources and manifests.
const Name = "focuscript"

// Globals the runtime removes before any script runs.
var removedGlobals = []string{"eval", "Function", "globalThis"}

var stdlib = []string{
	"Array", "ArrayBuffer", "BigInt", "BigInt64Array", "BigUint64Array",
	"Boolean", "DataView", "Date", "Error", "EvalError",
	"Float32Array", "Float64Array", "Infinity", "Int16Array", "Int32Array",
	"Int8Array", "JSON", "Map", "Math", "NaN", "Number", "Object",
	"Promise", "Proxy", "RangeError", "ReferenceError", "Reflect", "RegExp",
	"Set", "String", "Symbol", "SyntaxError", "TypeError", "URIError",
	"Uint16Array", "Uint32Array", "Uint8Array", "Uint8ClampedArray",
	"WeakMap", "WeakRef", "WeakSet", "arguments", "decodeURI",
	"decodeURIComponent", "encodeURI", "encodeURIComponent", "escape",
	"isFinite", "isNaN", "parseFloat", "parseInt", "undefined", "unescape",
}

// Errors of these classes come from the runtime rather than from a throw
// of the script's own making.
var runtimeErrors = map[string]bool{
	"TypeError":      true,
	"RangeError":     true,
	"ReferenceError": true,
	"SyntaxError":    true,
	"URIError":       true,
	"EvalError":      true,
}

// sealConstructors replaces the constructor of every function prototype
// with a throwing accessor. Deleting the Function global alone leaves it
// reachable as (function(){}).constructor.
const sealConstructors = `(function () {
	var denied = {
		get: function () { throw new TypeError("dynamic code evaluation is not available"); },
		enumerable: false,
		configurable: false
	};
	[function () {}, function* () {}, async function () {}].forEach(function (fn) {
		Object.defineProperty(Object.getPrototypeOf(fn), "constructor", denied);
	});
})();`

var moduleSyntax = regexp.MustCompile(`(?m)^[ \t]*(import|export)[\s{*]`)

// Focuscript compiles scripts with goja's parser and runs each unit in its
// own goja runtime.
type Focuscript struct{}

// New returns the focuscript language. It serves as both the compiler
// frontend and the unit backend.
func New() *Focuscript {
	return &Focuscript{}
}

// Name returns "focuscript".
func (f *Focuscript) Name() string {
	return Name
}

// Stdlib returns the ECMAScript globals scripts may reference.
func (f *Focuscript) Stdlib() []string {
	return append([]string(nil), stdlib...)
}

// Compile parses the wrapped script, resolves every free name against the
// classpath and compiles the program.
func (f *Focuscript) Compile(ctx context.Context, src compiler.Source, cp *compiler.Classpath) (*compiler.Executable, compiler.Diagnostics) {
	file := src.File
	if file == "" {
		file = src.Identity
	}
	sm := newSourceMap(file, src.Text)

	if loc := moduleSyntax.FindStringSubmatchIndex(src.Text); loc != nil {
		return nil, compiler.Diagnostics{
			compiler.Errorf(sm.bodyOffset(loc[2]), "%s statements are not supported; a script is a function body", src.Text[loc[2]:loc[3]]),
		}
	}

	wrapped := Wrap(src.Text)
	prg, err := parser.ParseFile(nil, file, wrapped, 0)
	if err != nil {
		return nil, syntaxDiagnostics(sm, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, compiler.Diagnostics{compiler.Errorf(compiler.Location{File: file}, "compile cancelled: %v", err)}
	}

	diags, caps := check(scanProgram(prg), sm, cp)
	if diags.HasErrors() {
		return nil, diags
	}

	program, err := goja.CompileAST(prg, true)
	if err != nil {
		loc := compiler.Location{File: file, Line: 1, Column: 1}
		var se *goja.CompilerSyntaxError
		if errors.As(err, &se) {
			loc = sm.offset(se.Offset)
			err = errors.New(se.Message)
		}
		return nil, append(diags, compiler.Errorf(loc, "%s", lowerFirst(err.Error())))
	}

	return &compiler.Executable{
		Identity:     src.Identity,
		Language:     Name,
		Hash:         src.Hash(),
		Code:         []byte(wrapped),
		Entry:        EntryName,
		Capabilities: caps,
		Compiled:     program,
	}, diags
}

// check resolves references and member accesses. It returns the
// diagnostics and the capabilities the program needs.
func check(s *scan, sm *sourceMap, cp *compiler.Classpath) (compiler.Diagnostics, []string) {
	a := cp.Artifact()
	var diags compiler.Diagnostics

	topLevel := func(name string) (api.Symbol, bool) {
		if name == api.WasmModule {
			return api.Symbol{}, false
		}
		return a.Lookup(name)
	}
	known := func(name string) bool {
		if name == EntryName || name == "event" || cp.IsStdlib(name) {
			return true
		}
		_, ok := topLevel(name)
		return ok
	}

	for _, r := range s.unresolved(known) {
		diags = append(diags, compiler.Errorf(sm.offset(r.off), "unresolved symbol %q", r.name))
	}

	needed := make(map[string]bool)
	for _, r := range s.refs {
		if s.declared[r.name] {
			continue
		}
		if sym, ok := topLevel(r.name); ok && sym.Capability != "" {
			needed[sym.Capability] = true
		}
	}

	for _, m := range s.members {
		if s.declared[m.namespace] {
			continue
		}
		ns, ok := topLevel(m.namespace)
		if !ok || ns.Kind != api.KindNamespace {
			continue
		}
		path := m.namespace + "." + m.member
		sym, ok := cp.Resolve(path)
		if !ok {
			diags = append(diags, compiler.Errorf(sm.offset(m.off), "unresolved symbol %q", path))
			continue
		}
		if sym.Deprecated != "" {
			diags = append(diags, compiler.Warnf(sm.offset(m.off), "%s is deprecated: %s", path, sym.Deprecated))
		}
	}

	for _, off := range s.debuggers {
		diags = append(diags, compiler.Warnf(sm.offset(off), "debugger statement has no effect"))
	}

	sort.SliceStable(diags, func(i, j int) bool {
		if diags[i].Location.Line != diags[j].Location.Line {
			return diags[i].Location.Line < diags[j].Location.Line
		}
		return diags[i].Location.Column < diags[j].Location.Column
	})

	caps := make([]string, 0, len(needed))
	for c := range needed {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return diags, caps
}

// syntaxDiagnostics reports the first parse error. Later errors are
// usually fallout from the first.
func syntaxDiagnostics(sm *sourceMap, err error) compiler.Diagnostics {
	var pe *parser.Error
	switch e := err.(type) {
	case parser.ErrorList:
		if len(e) > 0 {
			pe = e[0]
		}
	case *parser.Error:
		pe = e
	}
	if pe == nil {
		return compiler.Diagnostics{compiler.Errorf(sm.end(), "%s", lowerFirst(err.Error()))}
	}
	if sm.pastEnd(pe.Position.Line) {
		return compiler.Diagnostics{compiler.Errorf(sm.end(), "unexpected end of input after %q", sm.lastToken())}
	}
	return compiler.Diagnostics{compiler.Errorf(sm.position(pe.Position.Line, pe.Position.Column), "%s", lowerFirst(pe.Message))}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// Load creates a fresh goja runtime for the executable and binds the
// granted host namespaces into it.
func (f *Focuscript) Load(ctx context.Context, exe *compiler.Executable, caps *hostfunc.Registry) (unit.Instance, error) {
	program, ok := exe.Compiled.(*goja.Program)
	if !ok {
		return nil, &unit.LoadError{Identity: exe.Identity, Reason: "executable was not compiled for " + Name}
	}

	inst := &instance{
		vm:   goja.New(),
		caps: caps,
		sem:  make(chan struct{}, 1),
	}
	vm := inst.vm
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if _, err := vm.RunString(sealConstructors); err != nil {
		return nil, &unit.LoadError{Identity: exe.Identity, Reason: "seal constructors", Err: err}
	}
	global := vm.GlobalObject()
	for _, name := range removedGlobals {
		_ = global.Delete(name)
	}

	if err := vm.Set("print", inst.print); err != nil {
		return nil, &unit.LoadError{Identity: exe.Identity, Reason: "bind print", Err: err}
	}
	if err := vm.Set("apiVersion", api.Version); err != nil {
		return nil, &unit.LoadError{Identity: exe.Identity, Reason: "bind apiVersion", Err: err}
	}
	for _, ns := range caps.Capabilities() {
		if err := inst.bind(ns); err != nil {
			return nil, &unit.LoadError{Identity: exe.Identity, Reason: "bind " + ns, Err: err}
		}
	}

	if _, err := vm.RunProgram(program); err != nil {
		return nil, &unit.LoadError{Identity: exe.Identity, Reason: "initialize", Err: err}
	}

	entry, ok := goja.AssertFunction(vm.Get(exe.Entry))
	if !ok {
		return nil, &unit.LoadError{Identity: exe.Identity, Reason: fmt.Sprintf("entry point %q is not a function", exe.Entry)}
	}
	inst.entry = entry
	return inst, nil
}

// instance is one unit's runtime. goja runtimes are not goroutine safe, so
// calls hold sem for their whole duration.
type instance struct {
	vm     *goja.Runtime
	caps   *hostfunc.Registry
	entry  goja.Callable
	sem    chan struct{}
	closed atomic.Bool

	// Set while a call holds sem.
	ctx context.Context
	inv *unit.Invocation
}

func (inst *instance) print(call goja.FunctionCall) goja.Value {
	if inst.inv == nil {
		return goja.Undefined()
	}
	values := make([]any, len(call.Arguments))
	for i, arg := range call.Arguments {
		values[i] = arg.Export()
	}
	inst.inv.Print(hostfunc.Sprint(values...))
	return goja.Undefined()
}

func (inst *instance) bind(ns string) error {
	members := inst.caps.Members(ns)
	if len(members) == 0 {
		return nil
	}
	obj := inst.vm.NewObject()
	for name, fn := range members {
		if err := obj.Set(name, inst.hostCall(ns+"."+name, fn)); err != nil {
			return err
		}
	}
	return inst.vm.Set(ns, obj)
}

func (inst *instance) hostCall(name string, fn hostfunc.Func) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		ctx := inst.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		res, err := fn(ctx, args)
		if err != nil {
			panic(inst.vm.NewGoError(fmt.Errorf("%s: %w", name, err)))
		}
		if res == nil {
			return goja.Null()
		}
		return inst.vm.ToValue(res)
	}
}

// Call runs the entry point with the invocation arguments as its event.
// Cancelling ctx interrupts the running script.
func (inst *instance) Call(ctx context.Context, inv *unit.Invocation) (any, error) {
	select {
	case inst.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-inst.sem }()

	if inst.closed.Load() {
		return nil, unit.ErrDisposed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inst.ctx, inst.inv = ctx, inv
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		inst.vm.Interrupt(ctx.Err())
		close(fired)
	})
	defer func() {
		if !stop() {
			<-fired
		}
		inst.vm.ClearInterrupt()
		inst.ctx, inst.inv = nil, nil
	}()

	v, err := inst.entry(goja.Undefined(), inst.vm.ToValue(inv.Args))
	if err != nil {
		return nil, convertError(err)
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return v.Export(), nil
}

func (inst *instance) Close(ctx context.Context) error {
	if inst.closed.Swap(true) {
		return nil
	}
	inst.vm.Interrupt(unit.ErrDisposed)
	return nil
}

func convertError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("%w: %v", unit.ErrInterrupted, interrupted.Value())
	}

	var ex *goja.Exception
	if !errors.As(err, &ex) {
		return err
	}

	se := &unit.ScriptError{Message: ex.Error(), Stack: ex.String()}
	obj, ok := ex.Value().(*goja.Object)
	if !ok {
		if v := ex.Value(); v != nil && !goja.IsUndefined(v) {
			se.Message = v.String()
		}
		return se
	}

	if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
		se.Name = name.String()
	}
	if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
		se.Message = msg.String()
	}
	if value := obj.Get("value"); value != nil {
		if cause, ok := value.Export().(error); ok {
			se.Cause = cause
		}
	}
	se.Runtime = runtimeErrors[se.Name]
	return se
}
