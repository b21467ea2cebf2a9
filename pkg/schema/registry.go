package schema

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultVersion is the field mapping used for the July 2018 WFLA migration
const DefaultVersion = "wfla-2018"

// Registry holds every known schema version
type Registry struct {
	versions map[string]*Schema
}

type registryFile struct {
	Versions []*Schema `yaml:"versions"`
}

// NewRegistry builds a registry from schemas, validating each one
func NewRegistry(schemas ...*Schema) (*Registry, error) {
	r := &Registry{versions: make(map[string]*Schema, len(schemas))}
	for _, s := range schemas {
		if s.TagKey == "" {
			s.TagKey = "site_id"
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.versions[s.Version]; dup {
			return nil, fmt.Errorf("schema: duplicate version %q", s.Version)
		}
		r.versions[s.Version] = s
	}
	return r, nil
}

// Load reads a YAML registry document
func Load(rd io.Reader) (*Registry, error) {
	var doc registryFile
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse schema registry: %w", err)
	}
	return NewRegistry(doc.Versions...)
}

// LoadFile reads a YAML registry from disk
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open schema registry: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Get returns the schema for a version
func (r *Registry) Get(version string) (*Schema, error) {
	s, ok := r.versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownVersion, version, strings.Join(r.Versions(), ", "))
	}
	return s, nil
}

// Versions lists the registered versions, sorted
func (r *Registry) Versions() []string {
	out := make([]string, 0, len(r.versions))
	for v := range r.versions {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Default returns the built-in registry
func Default() *Registry {
	r, err := NewRegistry(wfla2018())
	if err != nil {
		panic(err)
	}
	return r
}

func wfla2018() *Schema {
	cirrus := func(m string) Target {
		return Target{Database: "cirrus", RetentionPolicy: "autogen", Measurement: m}
	}

	return &Schema{
		Version:     DefaultVersion,
		TagKey:      "site_id",
		Destination: Target{Database: "cwp", RetentionPolicy: "autogen", Measurement: "summary"},
		OffsetField: "building.offset.kW",
		SOCField:    "rb.state_of_charge.fraction",
		Groups: []Group{
			{
				Name:   "rbimage",
				Source: cirrus("rbimage"),
				Fields: []Field{
					{Name: "rbCur", Source: "rbCur", Aggregation: Mode},
					{Name: "react.target_kw", Source: "react.target_kw", Aggregation: Mean, Correction: 29},
				},
			},
			{
				Name:   "perfest",
				Source: cirrus("perfest"),
				Fields: []Field{
					{Name: "rbCur_num", Source: "rbCur_num", Aggregation: Mean},
					{Name: "building.actual.power.kW", Source: "building.actual.power.kW", Aggregation: Mean},
					{Name: "building.baseline.power.kW", Source: "building.baseline.power.kW", Aggregation: Mean},
					{Name: "building.offset.kW", Source: "building.offset.kW", Aggregation: Mean},
					{Name: "rb.state_of_charge.fraction", Source: "rb.state_of_charge.fraction", Aggregation: Mean},
				},
			},
		},
	}
}
