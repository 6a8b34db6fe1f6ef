package focuscript

import (
	"reflect"
	"sort"

	"github.com/dop251/goja/ast"
)

var astPkg = reflect.TypeOf(ast.Identifier{}).PkgPath()

type mode int

const (
	modeRef mode = iota
	modeDecl
)

type reference struct {
	name string
	off  int
}

type memberAccess struct {
	namespace string
	member    string
	off       int
}

// scan collects every name a program declares and every free reference it
// makes. Scoping is flattened: a name declared anywhere counts as declared
// everywhere, which can only hide unresolved names, never invent them.
type scan struct {
	declared  map[string]bool
	refs      []reference
	members   []memberAccess
	debuggers []int
	seen      map[reference]bool
}

func scanProgram(prg *ast.Program) *scan {
	s := &scan{declared: make(map[string]bool), seen: make(map[reference]bool)}
	for _, stmt := range prg.Body {
		s.walk(reflect.ValueOf(stmt), modeRef)
	}
	return s
}

// unresolved returns free references not satisfied by declared names,
// ordered by position.
func (s *scan) unresolved(known func(string) bool) []reference {
	var out []reference
	for _, r := range s.refs {
		if s.declared[r.name] || known(r.name) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].off < out[j].off })
	return out
}

func (s *scan) ref(name string, idx int64) {
	r := reference{name: name, off: int(idx) - 1}
	if s.seen[r] {
		return
	}
	s.seen[r] = true
	s.refs = append(s.refs, r)
}

func (s *scan) walk(v reflect.Value, m mode) {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return
		}
		s.walk(v.Elem(), m)
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			s.walk(v.Index(i), m)
		}
	case reflect.Struct:
		if v.Type().PkgPath() == astPkg {
			s.node(v, m)
		}
	}
}

func (s *scan) field(v reflect.Value, name string, m mode) {
	if f := v.FieldByName(name); f.IsValid() {
		s.walk(f, m)
	}
}

func computed(v reflect.Value) bool {
	f := v.FieldByName("Computed")
	return f.IsValid() && f.Kind() == reflect.Bool && f.Bool()
}

func identName(v reflect.Value) (string, int64, bool) {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return "", 0, false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct || v.Type() != reflect.TypeOf(ast.Identifier{}) {
		return "", 0, false
	}
	return v.FieldByName("Name").String(), v.FieldByName("Idx").Int(), true
}

func (s *scan) node(v reflect.Value, m mode) {
	switch v.Type().Name() {
	case "Identifier":
		name, idx, _ := identName(v)
		if m == modeDecl {
			s.declared[name] = true
		} else {
			s.ref(name, idx)
		}

	case "DotExpression":
		left := v.FieldByName("Left")
		s.walk(left, modeRef)
		if ns, _, ok := identName(left); ok {
			member, idx, _ := identName(v.FieldByName("Identifier"))
			s.members = append(s.members, memberAccess{namespace: ns, member: member, off: int(idx) - 1})
		}

	case "PrivateDotExpression":
		s.field(v, "Left", modeRef)

	case "Binding":
		s.field(v, "Target", modeDecl)
		s.field(v, "Initializer", modeRef)

	case "FunctionLiteral":
		s.field(v, "Name", modeDecl)
		s.field(v, "ParameterList", modeRef)
		s.field(v, "Body", modeRef)

	case "ParameterList":
		s.field(v, "List", modeRef)
		s.field(v, "Rest", modeDecl)

	case "ArrowFunctionLiteral":
		s.field(v, "ParameterList", modeRef)
		s.field(v, "Body", modeRef)

	case "ClassLiteral":
		s.field(v, "Name", modeDecl)
		s.field(v, "SuperClass", modeRef)
		s.field(v, "Body", modeRef)

	case "CatchStatement":
		s.field(v, "Parameter", modeDecl)
		s.field(v, "Body", modeRef)

	case "ForDeclaration":
		s.field(v, "Target", modeDecl)

	case "LabelledStatement":
		s.field(v, "Statement", modeRef)

	case "BranchStatement", "MetaProperty":

	case "DebuggerStatement":
		if f := v.FieldByName("Debugger"); f.IsValid() && f.CanInt() {
			s.debuggers = append(s.debuggers, int(f.Int())-1)
		}

	case "PropertyKeyed":
		if computed(v) {
			s.field(v, "Key", modeRef)
		}
		s.field(v, "Value", m)

	case "PropertyShort":
		s.field(v, "Name", m)
		s.field(v, "Initializer", modeRef)

	case "MethodDefinition", "FieldDefinition":
		if computed(v) {
			s.field(v, "Key", modeRef)
		}
		s.field(v, "Body", modeRef)
		s.field(v, "Initializer", modeRef)

	case "ArrayPattern":
		s.field(v, "Elements", m)
		s.field(v, "Rest", m)

	case "ObjectPattern":
		s.field(v, "Properties", m)
		s.field(v, "Rest", m)

	case "AssignExpression":
		s.field(v, "Left", m)
		s.field(v, "Right", modeRef)

	default:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() || f.Name == "DeclarationList" {
				continue
			}
			s.walk(v.Field(i), modeRef)
		}
	}
}
