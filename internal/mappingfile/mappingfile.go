// Package mappingfile reads form group, form and mapping definitions from YAML.
package mappingfile

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vitebski/survey-loader/pkg/models"
)

// File is the root of a mapping file
type File struct {
	Version    string      `yaml:"version,omitempty"`
	FormGroups []FormGroup `yaml:"form_groups"`
}

// FormGroup declares a form group, its forms and its mappings
type FormGroup struct {
	Name       string    `yaml:"name"`
	OrderIndex int       `yaml:"order_index,omitempty"`
	Comments   string    `yaml:"comments,omitempty"`
	Forms      []Form    `yaml:"forms,omitempty"`
	Mappings   []Mapping `yaml:"mappings"`
}

// Form registers a collection server form under its group
type Form struct {
	FormID     int64  `yaml:"form_id"`
	Name       string `yaml:"name"`
	FullFormID string `yaml:"full_form_id,omitempty"`
}

// Mapping binds a source field to a destination column
type Mapping struct {
	Source           string    `yaml:"source"`
	Target           ColumnRef `yaml:"target"`
	QuestionType     string    `yaml:"question_type,omitempty"`
	DBType           string    `yaml:"db_type,omitempty"`
	References       ColumnRef `yaml:"references,omitempty"`
	Pattern          string    `yaml:"pattern,omitempty"`
	RecordIdentifier bool      `yaml:"record_identifier,omitempty"`
	Lookup           bool      `yaml:"lookup,omitempty"`
	Nullable         *bool     `yaml:"nullable,omitempty"`
}

// ColumnRef names a table column. It is written either as "table.column"
// or as a mapping with table and column keys.
type ColumnRef struct {
	Table  string `yaml:"table"`
	Column string `yaml:"column"`
}

// IsZero reports whether the reference is empty
func (c ColumnRef) IsZero() bool {
	return c.Table == "" && c.Column == ""
}

func (c ColumnRef) String() string {
	return c.Table + "." + c.Column
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *ColumnRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		table, column, ok := strings.Cut(node.Value, ".")
		if !ok || table == "" || column == "" {
			return fmt.Errorf("line %d: column reference %q must be table.column", node.Line, node.Value)
		}
		c.Table, c.Column = table, column
		return nil
	}
	type plain ColumnRef
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = ColumnRef(p)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (c ColumnRef) MarshalYAML() (any, error) {
	if c.IsZero() {
		return nil, nil
	}
	return c.String(), nil
}

// LoadFile loads and parses a YAML mapping file from the given path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses YAML data into a File and checks it.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse mapping YAML: %w", err)
	}
	if f.Version == "" {
		f.Version = "1"
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Marshal serializes a File to YAML.
func Marshal(f *File) ([]byte, error) {
	return yaml.Marshal(f)
}

// Validate reports the first malformed entry
func (f *File) Validate() error {
	seen := make(map[string]bool)
	for _, g := range f.FormGroups {
		if g.Name == "" {
			return fmt.Errorf("%w: form group without a name", models.ErrInvalidMapping)
		}
		if seen[g.Name] {
			return fmt.Errorf("%w: form group %s declared twice", models.ErrInvalidMapping, g.Name)
		}
		seen[g.Name] = true
		for _, form := range g.Forms {
			if form.FormID == 0 {
				return fmt.Errorf("%w: form %q of %s has no form_id", models.ErrInvalidMapping, form.Name, g.Name)
			}
		}
		for i, m := range g.Mappings {
			if m.Source == "" || m.Target.Table == "" || m.Target.Column == "" {
				return fmt.Errorf("%w: %s mapping %d needs source and target", models.ErrInvalidMapping, g.Name, i+1)
			}
			if m.Lookup && m.References.IsZero() {
				return fmt.Errorf("%w: lookup %s -> %s has no references", models.ErrInvalidMapping, m.Source, m.Target)
			}
			if m.Pattern != "" {
				if _, err := regexp.Compile(m.Pattern); err != nil {
					return fmt.Errorf("%w: %s pattern: %v", models.ErrInvalidMapping, m.Source, err)
				}
			}
		}
	}
	return nil
}

// Definitions converts the mappings of one group to their stored form
func (g FormGroup) Definitions() []models.MappingDefinition {
	defs := make([]models.MappingDefinition, 0, len(g.Mappings))
	for _, m := range g.Mappings {
		defs = append(defs, models.MappingDefinition{
			FormGroup:          g.Name,
			SourceField:        m.Source,
			DestTable:          m.Target.Table,
			DestColumn:         m.Target.Column,
			QuestionType:       m.QuestionType,
			DBQuestionType:     m.DBType,
			RefTable:           m.References.Table,
			RefColumn:          m.References.Column,
			ValidationRegex:    m.Pattern,
			Nullable:           m.Nullable,
			IsRecordIdentifier: m.RecordIdentifier,
			IsLookup:           m.Lookup,
		})
	}
	return defs
}

// Target is where imported definitions are saved
type Target interface {
	SaveFormGroup(ctx context.Context, g models.FormGroup) (int64, error)
	SaveForm(ctx context.Context, f models.Form) error
	SaveMapping(ctx context.Context, m models.MappingDefinition) (int64, error)
	DeleteMappings(ctx context.Context, formGroup string) (int64, error)
}

// Summary counts what an import wrote
type Summary struct {
	FormGroups int
	Forms      int
	Mappings   int
	Replaced   int64
}

// Import saves every group of f. With replace, a group's existing mappings
// are deleted before its new ones are saved.
func Import(ctx context.Context, target Target, f *File, replace bool) (Summary, error) {
	var sum Summary
	for _, g := range f.FormGroups {
		if _, err := target.SaveFormGroup(ctx, models.FormGroup{Name: g.Name, OrderIndex: g.OrderIndex, Comments: g.Comments}); err != nil {
			return sum, err
		}
		sum.FormGroups++
		for _, form := range g.Forms {
			err := target.SaveForm(ctx, models.Form{FormID: form.FormID, FormGroup: g.Name, Name: form.Name, FullFormID: form.FullFormID})
			if err != nil {
				return sum, err
			}
			sum.Forms++
		}
		if replace {
			n, err := target.DeleteMappings(ctx, g.Name)
			if err != nil {
				return sum, err
			}
			sum.Replaced += n
		}
		for _, def := range g.Definitions() {
			if _, err := target.SaveMapping(ctx, def); err != nil {
				return sum, err
			}
			sum.Mappings++
		}
	}
	return sum, nil
}
