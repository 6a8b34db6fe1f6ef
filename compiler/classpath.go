package compiler

import (
	"sort"

	"github.com/codename/focuscript/api"
	"github.com/codename/focuscript/artifact"
)

// Classpath is everything a script may name: the API artifact plus the
// language stdlib. Host internals are never on it.
type Classpath struct {
	artifact *artifact.Artifact
	stdlib   map[string]bool
}

func NewClasspath(a *artifact.Artifact, stdlib []string) *Classpath {
	cp := &Classpath{artifact: a, stdlib: make(map[string]bool, len(stdlib))}
	for _, name := range stdlib {
		cp.stdlib[name] = true
	}
	return cp
}

func (cp *Classpath) Artifact() *artifact.Artifact {
	return cp.artifact
}

func (cp *Classpath) IsStdlib(name string) bool {
	return cp.stdlib[name]
}

// Resolve looks up an artifact symbol by "name" or "namespace.member".
func (cp *Classpath) Resolve(path string) (api.Symbol, bool) {
	return cp.artifact.Resolve(path)
}

// Stdlib returns the stdlib names, sorted.
func (cp *Classpath) Stdlib() []string {
	names := make([]string, 0, len(cp.stdlib))
	for name := range cp.stdlib {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
