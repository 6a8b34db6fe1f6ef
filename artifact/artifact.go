// Package artifact bundles the API surface into a versioned resource and
// answers symbol queries against it at compile time.
//
// The artifact is the only thing the compiler sees of the host: a symbol
// missing here cannot be referenced by script code.
package artifact

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/codename/focuscript/api"
	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// Name identifies the bundled artifact.
const Name = "focuscript-api"

// Header prefixes every bundled artifact file.
const Header = "# Code generated by internal/tools/bundle. DO NOT EDIT.\n"

//go:generate go run ../internal/tools/bundle focuscript-api.yaml

//go:embed focuscript-api.yaml
var embeddedYAML []byte

var validate = validator.New()

// Artifact is a parsed, read-only API artifact.
type Artifact struct {
	Name       string       `json:"name" yaml:"name" validate:"required"`
	APIVersion int          `json:"api_version" yaml:"api_version" validate:"min=1"`
	Symbols    []api.Symbol `json:"symbols" yaml:"symbols" validate:"required,dive"`

	digest string
	index  map[string]api.Symbol
}

// Bundle serializes the given surface into artifact bytes.
func Bundle(version int, symbols []api.Symbol) ([]byte, error) {
	a := &Artifact{Name: Name, APIVersion: version, Symbols: symbols}
	if err := validate.Struct(a); err != nil {
		return nil, fmt.Errorf("invalid surface: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(Header)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(a); err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load parses and validates an artifact.
func Load(r io.Reader) (*Artifact, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return parse(data)
}

var embedded = sync.OnceValues(func() (*Artifact, error) {
	return parse(embeddedYAML)
})

// Embedded returns the artifact compiled into this binary. It is parsed on
// first use and shared afterwards.
func Embedded() (*Artifact, error) {
	return embedded()
}

// Raw returns the embedded artifact bytes.
func Raw() []byte {
	return bytes.Clone(embeddedYAML)
}

func parse(data []byte) (*Artifact, error) {
	var a Artifact
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse artifact: %w", err)
	}
	if err := validate.Struct(&a); err != nil {
		return nil, fmt.Errorf("invalid artifact: %w", err)
	}

	a.index = make(map[string]api.Symbol, len(a.Symbols))
	for _, sym := range a.Symbols {
		if _, dup := a.index[sym.Name]; dup {
			return nil, fmt.Errorf("invalid artifact: duplicate symbol %q", sym.Name)
		}
		a.index[sym.Name] = sym
	}

	canonical, err := yaml.Marshal(&a)
	if err != nil {
		return nil, fmt.Errorf("canonicalize artifact: %w", err)
	}
	sum := sha256.Sum256(canonical)
	a.digest = hex.EncodeToString(sum[:])

	return &a, nil
}

// Digest is a sha256 over the canonical encoding.
func (a *Artifact) Digest() string {
	return a.digest
}

// Lookup returns a top-level symbol.
func (a *Artifact) Lookup(name string) (api.Symbol, bool) {
	sym, ok := a.index[name]
	return sym, ok
}

// Resolve looks up "name" or "namespace.member".
func (a *Artifact) Resolve(path string) (api.Symbol, bool) {
	ns, member, nested := strings.Cut(path, ".")
	sym, ok := a.index[ns]
	if !ok || !nested {
		return sym, ok
	}
	if sym.Kind != api.KindNamespace {
		return api.Symbol{}, false
	}
	for _, m := range sym.Members {
		if m.Name == member {
			if m.Capability == "" {
				m.Capability = sym.Capability
			}
			return m, true
		}
	}
	return api.Symbol{}, false
}

// Namespace returns the namespace symbol called name.
func (a *Artifact) Namespace(name string) (api.Symbol, bool) {
	sym, ok := a.index[name]
	if !ok || sym.Kind != api.KindNamespace {
		return api.Symbol{}, false
	}
	return sym, true
}

// Namespaces returns the names of script-visible namespaces, sorted.
func (a *Artifact) Namespaces() []string {
	var names []string
	for _, sym := range a.Symbols {
		if sym.Kind == api.KindNamespace && sym.Name != api.WasmModule {
			names = append(names, sym.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Imports returns the wasm import symbols keyed by function name.
func (a *Artifact) Imports() map[string]api.Symbol {
	out := make(map[string]api.Symbol)
	if mod, ok := a.index[api.WasmModule]; ok {
		for _, m := range mod.Members {
			if m.Kind == api.KindImport {
				out[m.Name] = m
			}
		}
	}
	return out
}

// Schema returns the JSON schema describing the artifact format.
func Schema() ([]byte, error) {
	s := jsonschema.Reflect(&Artifact{})
	return json.MarshalIndent(s, "", "  ")
}
