package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/codename/focuscript/api"
)

// ManifestFile is the manifest name inside a workspace directory.
const ManifestFile = "script.yml"

const (
	LoadEnable  = "enable"
	LoadDisable = "disable"
)

var validate = validator.New()

// Manifest is a parsed script.yml.
type Manifest struct {
	ID          string         `yaml:"id" json:"id" validate:"required,max=64"`
	Name        string         `yaml:"name" json:"name"`
	Version     string         `yaml:"version" json:"version" validate:"required"`
	API         int            `yaml:"api" json:"api" validate:"min=1"`
	Entry       string         `yaml:"entry" json:"entry" validate:"required"`
	Language    string         `yaml:"language,omitempty" json:"language,omitempty"`
	Load        string         `yaml:"load" json:"load" validate:"oneof=enable disable"`
	Debug       bool           `yaml:"debug,omitempty" json:"debug,omitempty"`
	Depends     []string       `yaml:"depends,omitempty" json:"depends,omitempty" validate:"dive,required"`
	Permissions []string       `yaml:"permissions,omitempty" json:"permissions,omitempty" validate:"dive,oneof=log clock config server storage scheduler events commands"`
	Config      map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	// Events and Commands are routed to the script from the moment it
	// loads, without a permission.
	Events   []string `yaml:"events,omitempty" json:"events,omitempty" validate:"dive,required"`
	Commands []string `yaml:"commands,omitempty" json:"commands,omitempty" validate:"dive,required"`
}

// manifestFile mirrors the accepted YAML layout. Older manifests nest the
// debug flag under options.
type manifestFile struct {
	Manifest `yaml:",inline"`
	Options  struct {
		Debug bool `yaml:"debug"`
	} `yaml:"options"`
}

// ParseManifest decodes and validates a manifest, filling defaults.
func ParseManifest(r io.Reader) (*Manifest, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var f manifestFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	m := f.Manifest
	m.Debug = m.Debug || f.Options.Debug
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		return nil, errors.New("manifest missing required field: id")
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	if m.Version == "" {
		m.Version = "1.0.0"
	}
	if m.API == 0 {
		m.API = api.Version
	}
	if m.Entry == "" {
		m.Entry = "src/main.fs"
	}
	if m.Load == "" {
		m.Load = LoadEnable
	}
	m.Depends = normalizeList(m.Depends)
	m.Permissions = normalizeList(m.Permissions)
	m.Events = normalizeList(m.Events)
	m.Commands = normalizeList(m.Commands)
	for i, c := range m.Commands {
		m.Commands[i] = strings.ToLower(strings.TrimPrefix(c, "/"))
	}

	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", m.ID, err)
	}
	if p := path.Clean(m.Entry); path.IsAbs(p) || p == ".." || strings.HasPrefix(p, "../") {
		return nil, fmt.Errorf("invalid manifest %s: entry %q escapes the workspace", m.ID, m.Entry)
	}
	for _, c := range m.Commands {
		if strings.ContainsAny(c, " \t/") {
			return nil, fmt.Errorf("invalid manifest %s: command %q", m.ID, c)
		}
	}
	for _, dep := range m.Depends {
		if dep == m.ID {
			return nil, fmt.Errorf("invalid manifest %s: depends on itself", m.ID)
		}
	}
	return &m, nil
}

// Enabled reports whether the workspace loads on startup.
func (m *Manifest) Enabled() bool {
	return m.Load == LoadEnable
}

func normalizeList(in []string) []string {
	var out []string
	seen := make(map[string]bool, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
