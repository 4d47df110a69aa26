// Package validator cross-checks planned mappings against the destination schema.
package validator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/vitebski/survey-loader/internal/analyzer"
	"github.com/vitebski/survey-loader/internal/planner"
	"github.com/vitebski/survey-loader/pkg/models"
)

// Schema describes destination tables
type Schema interface {
	Describe(ctx context.Context, table string) ([]models.Column, error)
	ForeignKeys(ctx context.Context, table string) ([]models.ForeignKey, error)
}

// Corrector persists automatic corrections of mapping definitions
type Corrector interface {
	MarkNullable(ctx context.Context, mappingID int64) error
}

// Options tune the advisory comments
type Options struct {
	// QuietPatterns suppresses the advice on mapped columns without a
	// validation pattern
	QuietPatterns bool
}

// Result is the outcome of validating one form group
type Result struct {
	FormGroup    string
	FullyMapped  bool
	MappingValid bool
	Comments     []models.Comment
	Tables       map[string]bool
	// Blocked holds the reason each planned table cannot be loaded
	Blocked map[string]error
}

func (r *Result) add(level models.CommentLevel, format string, args ...any) {
	r.Comments = append(r.Comments, models.Comment{Level: level, Message: fmt.Sprintf(format, args...)})
}

// Count returns the number of comments at a level
func (r *Result) Count(level models.CommentLevel) int {
	n := 0
	for _, c := range r.Comments {
		if c.Level == level {
			n++
		}
	}
	return n
}

// Validator checks mapping completeness
type Validator struct {
	schema    Schema
	corrector Corrector
	opts      Options
	logger    *logrus.Logger
}

// New creates a Validator. corrector may be nil, in which case corrections
// are only reported.
func New(schema Schema, corrector Corrector, opts Options, logger *logrus.Logger) *Validator {
	return &Validator{schema: schema, corrector: corrector, opts: opts, logger: logger}
}

// Validate checks every table of a plan
func (v *Validator) Validate(ctx context.Context, plan *planner.Plan) (*Result, error) {
	res := &Result{
		FormGroup:    plan.FormGroup,
		FullyMapped:  true,
		MappingValid: true,
		Tables:       make(map[string]bool),
		Blocked:      make(map[string]error),
	}

	failed := make([]string, 0, len(plan.Failed))
	for table := range plan.Failed {
		failed = append(failed, table)
	}
	sort.Strings(failed)
	for _, table := range failed {
		res.add(models.LevelDanger, "%s: %v", table, plan.Failed[table])
		res.Tables[table] = false
		res.FullyMapped = false
		res.MappingValid = false
	}

	run := &validation{
		v:        v,
		ctx:      ctx,
		plan:     plan,
		res:      res,
		done:     make(map[string]bool),
		visiting: make(map[string]bool),
		log:      v.logger.WithField("form_group", plan.FormGroup),
	}
	for _, table := range plan.Order {
		if _, err := run.table(table); err != nil {
			return nil, err
		}
	}
	run.log.Infof("Validated %d tables: fully mapped=%t, valid=%t", len(plan.Order), res.FullyMapped, res.MappingValid)
	return res, nil
}

// ValidateAll validates several plans, keyed by form group
func (v *Validator) ValidateAll(ctx context.Context, plans []*planner.Plan) (map[string]*Result, error) {
	out := make(map[string]*Result, len(plans))
	for _, plan := range plans {
		res, err := v.Validate(ctx, plan)
		if err != nil {
			return nil, fmt.Errorf("validate %s: %w", plan.FormGroup, err)
		}
		out[plan.FormGroup] = res
	}
	return out, nil
}

type validation struct {
	v        *Validator
	ctx      context.Context
	plan     *planner.Plan
	res      *Result
	done     map[string]bool
	visiting map[string]bool
	log      *logrus.Entry
}

// table validates one planned table and reports whether it is fully mapped.
// A table already being validated is assumed mapped to break reference cycles.
func (s *validation) table(name string) (bool, error) {
	if ok, done := s.done[name]; done {
		return ok, nil
	}
	if s.visiting[name] {
		return true, nil
	}
	s.visiting[name] = true
	defer delete(s.visiting, name)

	qp := s.plan.Tables[name]
	log := s.log.WithField("table", name)

	cols, err := s.v.schema.Describe(s.ctx, name)
	if err != nil {
		s.res.add(models.LevelDanger, "%s: cannot describe table: %v", name, err)
		s.res.MappingValid = false
		s.block(name, models.InvalidMapping, err, "cannot describe table: %v", err)
		return s.finish(name, false), nil
	}
	fully := true
	if analyzer.PrimaryKey(cols) == "" {
		s.res.add(models.LevelDanger, "%s has no primary key", name)
		s.res.MappingValid = false
		s.block(name, models.NoPrimaryKey, models.ErrNoPrimaryKey, "no single-column primary key")
		fully = false
	}

	fks, err := s.v.schema.ForeignKeys(s.ctx, name)
	if err != nil {
		s.res.add(models.LevelDanger, "%s: cannot read foreign keys: %v", name, err)
		s.res.MappingValid = false
		s.block(name, models.InvalidMapping, err, "cannot read foreign keys: %v", err)
		return s.finish(name, false), nil
	}
	var missing []string
	refs := make(map[string]string)
	for _, fk := range fks {
		if fk.ReferencedTable != name {
			refs[fk.Column] = fk.ReferencedTable
		}
	}

	for _, col := range cols {
		b := qp.Column(col.Name)
		if b != nil && b.Kind == planner.BindLookup {
			continue
		}

		if ref, ok := refs[col.Name]; ok {
			if _, planned := s.plan.Tables[ref]; planned {
				refOK, err := s.table(ref)
				if err != nil {
					return false, err
				}
				if !refOK {
					if col.IsNullable {
						s.res.add(models.LevelWarning, "%s.%s references %s, which is not fully mapped", name, col.Name, ref)
					} else {
						s.res.add(models.LevelDanger, "%s.%s is mandatory and references %s, which is not fully mapped", name, col.Name, ref)
						s.block(name, models.KindOf(s.res.Blocked[ref]), s.res.Blocked[ref], "%s references %s, which is not fully mapped", col.Name, ref)
						fully = false
					}
				}
			}
		}

		if b == nil {
			if col.IsNullable || col.IsAutoIncrement() {
				continue
			}
			if col.HasDefault() {
				s.res.add(models.LevelWarning, "%s.%s is not mapped, the database default will be used", name, col.Name)
				continue
			}
			s.res.add(models.LevelDanger, "%s: %s.%s is mandatory but not mapped", models.MissingMandatoryColumn, name, col.Name)
			missing = append(missing, col.Name)
			fully = false
			continue
		}

		if col.IsNullable && !b.DeclaredNullable && len(b.MappingIDs) > 0 {
			if err := s.correctNullable(b); err != nil {
				return false, err
			}
			s.res.add(models.LevelInfo, "%s.%s is nullable, mapping corrected", name, col.Name)
			log.Infof("Marked mapping of %s nullable", col.Name)
		}

		if b.Kind == planner.BindData && len(b.Patterns) == 0 && !s.v.opts.QuietPatterns {
			s.res.add(models.LevelWarning, "%s.%s has no validation pattern", name, col.Name)
		}
	}

	if len(missing) > 0 {
		s.block(name, models.MissingMandatoryColumn, models.ErrMissingMandatoryColumn, "mandatory columns not mapped: %s", strings.Join(missing, ", "))
	}
	return s.finish(name, fully), nil
}

// block keeps the first reason a table cannot be loaded
func (s *validation) block(name string, kind models.ErrorKind, err error, format string, args ...any) {
	if _, ok := s.res.Blocked[name]; ok {
		return
	}
	s.res.Blocked[name] = &models.PlanError{Kind: kind, Table: name, Message: fmt.Sprintf(format, args...), Err: err}
}

func (s *validation) finish(name string, fully bool) bool {
	s.done[name] = fully
	s.res.Tables[name] = fully
	if !fully {
		s.res.FullyMapped = false
	}
	return fully
}

func (s *validation) correctNullable(b *planner.ColumnBinding) error {
	if s.v.corrector != nil {
		for _, id := range b.MappingIDs {
			if err := s.v.corrector.MarkNullable(s.ctx, id); err != nil {
				return fmt.Errorf("mark mapping %d nullable: %w", id, err)
			}
		}
	}
	b.DeclaredNullable = true
	b.Nullable = true
	return nil
}
