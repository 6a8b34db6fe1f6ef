package unit

import (
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxOutput caps the bytes an invocation may print.
const MaxOutput = 1 << 20

// Invocation is the per-call context handed to a unit. It lives only for
// the duration of one call.
type Invocation struct {
	ID       uuid.UUID
	Identity string
	Version  uint64
	Args     map[string]any
	Started  time.Time

	mu        sync.Mutex
	out       strings.Builder
	truncated bool
}

// NewInvocation deep-copies args. Runtimes hand maps and slices to scripts
// by reference, so without the copy a script could write into host data or
// race another script invoked with the same event.
func NewInvocation(identity string, version uint64, args map[string]any) *Invocation {
	copied, _ := CopyValue(args).(map[string]any)
	if copied == nil {
		copied = map[string]any{}
	}
	return &Invocation{
		ID:       uuid.New(),
		Identity: identity,
		Version:  version,
		Args:     copied,
		Started:  time.Now(),
	}
}

// CopyValue returns v with every map, slice and array copied recursively.
// Pointers, channels and functions are host handles and are kept as is.
func CopyValue(v any) any {
	switch t := v.(type) {
	case nil, bool, string, int, int64, float64:
		return v
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = CopyValue(e)
		}
		return out
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CopyValue(e)
		}
		return out
	}
	return copyReflect(reflect.ValueOf(v)).Interface()
}

func copyReflect(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(copyReflect(v.Elem()))
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), copyReflect(iter.Value()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(copyReflect(v.Index(i)))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(copyReflect(v.Index(i)))
		}
		return out
	default:
		return v
	}
}

// Print appends one line to the output.
func (inv *Invocation) Print(line string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.truncated {
		return
	}
	if inv.out.Len()+len(line)+1 > MaxOutput {
		inv.out.WriteString("... (output truncated)\n")
		inv.truncated = true
		return
	}
	inv.out.WriteString(line)
	inv.out.WriteByte('\n')
}

func (inv *Invocation) Output() string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.out.String()
}
