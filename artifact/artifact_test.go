package artifact

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/codename/focuscript/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMatchesSurface(t *testing.T) {
	embedded, err := Embedded()
	require.NoError(t, err)

	data, err := Bundle(api.Version, api.Surface())
	require.NoError(t, err)
	fresh, err := Load(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, fresh.APIVersion, embedded.APIVersion)
	assert.Equal(t, fresh.Symbols, embedded.Symbols,
		"embedded artifact is stale: run go run ./internal/tools/bundle artifact/focuscript-api.yaml")
	assert.Equal(t, fresh.Digest(), embedded.Digest())
}

func TestBundleHeader(t *testing.T) {
	data, err := Bundle(api.Version, api.Surface())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), Header))
}

func TestEmbeddedIsShared(t *testing.T) {
	a, err := Embedded()
	require.NoError(t, err)
	b, err := Embedded()
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestResolve(t *testing.T) {
	a, err := Embedded()
	require.NoError(t, err)

	tests := []struct {
		path string
		ok   bool
		kind api.Kind
		cap  string
	}{
		{"print", true, api.KindFunction, ""},
		{"log", true, api.KindNamespace, api.CapLog},
		{"log.info", true, api.KindFunction, api.CapLog},
		{"server.broadcast", true, api.KindFunction, api.CapServer},
		{"server.shutdown", false, "", ""},
		{"print.x", false, "", ""},
		{"world", false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			sym, ok := a.Resolve(tt.path)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.kind, sym.Kind)
			assert.Equal(t, tt.cap, sym.Capability)
		})
	}
}

func TestNamespacesExcludeWasmModule(t *testing.T) {
	a, err := Embedded()
	require.NoError(t, err)
	assert.Equal(t, []string{"clock", "commands", "config", "events", "log", "scheduler", "server", "storage"}, a.Namespaces())
}

func TestNamespace(t *testing.T) {
	a, err := Embedded()
	require.NoError(t, err)

	ns, ok := a.Namespace("storage")
	require.True(t, ok)
	assert.Equal(t, api.CapStorage, ns.Capability)
	assert.NotEmpty(t, ns.Members)

	_, ok = a.Namespace("print")
	assert.False(t, ok, "functions are not namespaces")
	_, ok = a.Namespace("world")
	assert.False(t, ok)
}

func TestImports(t *testing.T) {
	a, err := Embedded()
	require.NoError(t, err)

	imports := a.Imports()
	require.Contains(t, imports, "log_info")
	assert.Equal(t, api.CapServer, imports["player_count"].Capability)
	assert.NotContains(t, imports, "print")
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(strings.NewReader("name: x\napi_version: 0\nsymbols: []\n"))
	assert.Error(t, err)

	_, err = Load(strings.NewReader("name: x\napi_version: 1\nsymbols:\n  - name: a\n    kind: bogus\n"))
	assert.Error(t, err)

	dup := "name: x\napi_version: 1\nsymbols:\n  - name: a\n    kind: value\n  - name: a\n    kind: value\n"
	_, err = Load(strings.NewReader(dup))
	assert.ErrorContains(t, err, "duplicate symbol")
}

func TestDigestChangesWithSurface(t *testing.T) {
	a, err := Embedded()
	require.NoError(t, err)

	symbols := append([]api.Symbol{{Name: "extra", Kind: api.KindValue}}, api.Surface()...)
	data, err := Bundle(api.Version, symbols)
	require.NoError(t, err)
	b, err := Load(bytes.NewReader(data))
	require.NoError(t, err)

	assert.NotEqual(t, a.Digest(), b.Digest())
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, string(data), "api_version")
}
