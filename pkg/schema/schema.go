package schema

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Aggregation is the bucket reducer applied to a source field
type Aggregation string

const (
	Mean Aggregation = "mean" // continuous signals
	Mode Aggregation = "mode" // categorical signals such as a controller mode code
)

// ErrUnknownVersion is returned when a registry has no schema for a version
var ErrUnknownVersion = errors.New("schema: unknown version")

// Field maps one source field onto one destination column
type Field struct {
	// Name is the destination column
	Name string `yaml:"name"`

	// Source is the field read from the source measurement
	Source string `yaml:"source"`

	Aggregation Aggregation `yaml:"aggregation"`

	// Correction is added to the aggregate inside the query expression,
	// used to counter a known calibration offset
	Correction float64 `yaml:"correction,omitempty"`
}

// Expression renders the field as an InfluxQL select expression, e.g.
// MEAN("react.target_kw") + 29 AS "react.target_kw"
func (f Field) Expression() string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(string(f.Aggregation)))
	b.WriteString("(")
	b.WriteString(QuoteIdent(f.Source))
	b.WriteString(")")

	if f.Correction != 0 {
		op := "+"
		if f.Correction < 0 {
			op = "-"
		}
		b.WriteString(" " + op + " ")
		b.WriteString(strconv.FormatFloat(math.Abs(f.Correction), 'f', -1, 64))
	}

	b.WriteString(" AS ")
	b.WriteString(QuoteIdent(f.Name))
	return b.String()
}

// Numeric reports whether the field aggregates to a number
func (f Field) Numeric() bool {
	return f.Aggregation != Mode
}

// Target names a measurement inside a database and retention policy
type Target struct {
	Database        string `yaml:"database"`
	RetentionPolicy string `yaml:"retention_policy"`
	Measurement     string `yaml:"measurement"`
}

// String renders the fully qualified, quoted measurement
func (t Target) String() string {
	rp := t.RetentionPolicy
	if rp == "" {
		rp = "autogen"
	}
	return QuoteIdent(t.Database) + "." + QuoteIdent(rp) + "." + QuoteIdent(t.Measurement)
}

// WithMeasurement returns a copy pointing at another measurement
func (t Target) WithMeasurement(m string) Target {
	t.Measurement = m
	return t
}

// Group is one logical field group queried together from one source measurement
type Group struct {
	Name   string  `yaml:"name"`
	Source Target  `yaml:"source"`
	Fields []Field `yaml:"fields"`
}

// Columns returns the destination column names in declaration order
func (g Group) Columns() []string {
	cols := make([]string, len(g.Fields))
	for i, f := range g.Fields {
		cols[i] = f.Name
	}
	return cols
}

// NumericColumns returns the destination columns that resample to numbers
func (g Group) NumericColumns() []string {
	var cols []string
	for _, f := range g.Fields {
		if f.Numeric() {
			cols = append(cols, f.Name)
		}
	}
	return cols
}

// Expressions returns the comma-joined select list for the group
func (g Group) Expressions() string {
	exprs := make([]string, len(g.Fields))
	for i, f := range g.Fields {
		exprs[i] = f.Expression()
	}
	return strings.Join(exprs, ", ")
}

// Field looks up a field by destination name
func (g Group) Field(name string) (Field, bool) {
	for _, f := range g.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Schema is one version of the field mapping for a migration
type Schema struct {
	Version     string  `yaml:"version"`
	TagKey      string  `yaml:"tag_key"`
	Destination Target  `yaml:"destination"`
	Groups      []Group `yaml:"groups"`

	// OffsetField and SOCField name the recurrence input and output columns
	OffsetField string `yaml:"offset_field"`
	SOCField    string `yaml:"soc_field"`
}

// Group looks up a field group by name
func (s *Schema) Group(name string) (Group, bool) {
	for _, g := range s.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return Group{}, false
}

// OffsetGroup returns the group that carries the offset signal
func (s *Schema) OffsetGroup() (Group, bool) {
	for _, g := range s.Groups {
		if _, ok := g.Field(s.OffsetField); ok {
			return g, true
		}
	}
	return Group{}, false
}

// Validate checks the schema for internal consistency
func (s *Schema) Validate() error {
	if s.Version == "" {
		return fmt.Errorf("schema: version is required")
	}
	if s.Destination.Database == "" || s.Destination.Measurement == "" {
		return fmt.Errorf("schema %s: destination database and measurement are required", s.Version)
	}
	if len(s.Groups) == 0 {
		return fmt.Errorf("schema %s: at least one group is required", s.Version)
	}

	groupNames := make(map[string]bool)
	for _, g := range s.Groups {
		if g.Name == "" {
			return fmt.Errorf("schema %s: group name is required", s.Version)
		}
		if groupNames[g.Name] {
			return fmt.Errorf("schema %s: duplicate group %q", s.Version, g.Name)
		}
		groupNames[g.Name] = true

		if g.Source.Database == "" || g.Source.Measurement == "" {
			return fmt.Errorf("schema %s: group %q needs a source database and measurement", s.Version, g.Name)
		}
		if len(g.Fields) == 0 {
			return fmt.Errorf("schema %s: group %q has no fields", s.Version, g.Name)
		}

		names := make(map[string]bool)
		for _, f := range g.Fields {
			if f.Name == "" || f.Source == "" {
				return fmt.Errorf("schema %s: group %q has a field without name or source", s.Version, g.Name)
			}
			if names[f.Name] {
				return fmt.Errorf("schema %s: group %q repeats field %q", s.Version, g.Name, f.Name)
			}
			names[f.Name] = true

			switch f.Aggregation {
			case Mean:
			case Mode:
				if f.Correction != 0 {
					return fmt.Errorf("schema %s: field %q: correction is not valid on a mode aggregate", s.Version, f.Name)
				}
			default:
				return fmt.Errorf("schema %s: field %q: unknown aggregation %q", s.Version, f.Name, f.Aggregation)
			}
		}
	}

	if s.OffsetField != "" {
		if _, ok := s.OffsetGroup(); !ok {
			return fmt.Errorf("schema %s: offset field %q is not in any group", s.Version, s.OffsetField)
		}
		if s.SOCField == "" {
			return fmt.Errorf("schema %s: soc_field is required with offset_field", s.Version)
		}
	}
	return nil
}

// QuoteIdent double-quotes an InfluxQL identifier
func QuoteIdent(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
