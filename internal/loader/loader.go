// Package loader writes normalized submissions into the destination
// database following a resolved plan.
package loader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vitebski/survey-loader/internal/connector"
	"github.com/vitebski/survey-loader/internal/normalizer"
	"github.com/vitebski/survey-loader/internal/planner"
	"github.com/vitebski/survey-loader/internal/sqlbuilder"
	"github.com/vitebski/survey-loader/pkg/models"
)

// Destination opens instance transactions
type Destination interface {
	BeginTx(ctx context.Context) (*sql.Tx, error)
	SQLDialect() sqlbuilder.Dialect
}

// ErrorLog stores processing errors
type ErrorLog interface {
	Record(ctx context.Context, e models.ProcessingError) error
}

// Recorder receives load counters
type Recorder interface {
	InstanceLoaded(formGroup, outcome string)
	RowWritten(table, outcome string)
	ErrorRecorded(kind models.ErrorKind)
}

type nopRecorder struct{}

func (nopRecorder) InstanceLoaded(string, string)  {}
func (nopRecorder) RowWritten(string, string)      {}
func (nopRecorder) ErrorRecorded(models.ErrorKind) {}

// Options configure value resolution
type Options struct {
	Joiner string
}

// DefaultOptions returns the loader defaults
func DefaultOptions() Options {
	return Options{Joiner: ", "}
}

// Instance outcomes reported to the Recorder
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeDryRun     = "dry_run"
	OutcomePartial    = "partial"
)

// Row outcomes reported to the Recorder
const (
	RowInserted  = "inserted"
	RowDuplicate = "duplicate"
	RowFailed    = "failed"
)

// InstanceResult reports the load of one submission instance
type InstanceResult struct {
	InstanceID string
	IsError    bool
	Committed  bool
	Comments   []string
	Inserted   map[string]int
	Duplicates int
}

// Loader writes submission instances
type Loader struct {
	dest     Destination
	errorLog ErrorLog
	recorder Recorder
	opts     Options
	logger   *logrus.Logger
}

// NewLoader creates a Loader. errorLog and recorder may be nil.
func NewLoader(dest Destination, errorLog ErrorLog, recorder Recorder, opts Options, logger *logrus.Logger) *Loader {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if opts.Joiner == "" {
		opts.Joiner = DefaultOptions().Joiner
	}
	return &Loader{dest: dest, errorLog: errorLog, recorder: recorder, opts: opts, logger: logger}
}

// LoadInstance writes one normalized submission inside a single
// transaction. Row level failures are recorded and reported in the result;
// the returned error is reserved for transaction failures.
func (l *Loader) LoadInstance(ctx context.Context, doc models.SubmissionDocument, res *normalizer.Result, plan *planner.Plan, dryRun bool) (*InstanceResult, error) {
	out := &InstanceResult{InstanceID: doc.InstanceID, Inserted: make(map[string]int)}
	log := l.logger.WithFields(logrus.Fields{"form_group": plan.FormGroup, "instance": doc.InstanceID})

	tx, err := l.dest.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin instance %s: %w", doc.InstanceID, err)
	}

	run := &instanceRun{
		l:        l,
		ctx:      ctx,
		tx:       tx,
		dialect:  l.dest.SQLDialect(),
		plan:     plan,
		instance: doc.InstanceID,
		reg:      newRegistry(),
		out:      out,
		log:      log,
	}

	for _, table := range plan.Order {
		if err := run.loadTable(plan.Tables[table], res); err != nil {
			run.fail(err)
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Errorf("Rollback failed: %v", rbErr)
			}
			out.Inserted = make(map[string]int)
			l.recorder.InstanceLoaded(plan.FormGroup, OutcomeRolledBack)
			log.Errorf("Instance aborted: %v", err)
			return out, nil
		}
	}

	if dryRun {
		if err := tx.Rollback(); err != nil {
			return nil, fmt.Errorf("roll back dry run of %s: %w", doc.InstanceID, err)
		}
		l.recorder.InstanceLoaded(plan.FormGroup, OutcomeDryRun)
		log.Debug("Dry run rolled back")
		return out, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit instance %s: %w", doc.InstanceID, err)
	}
	out.Committed = true
	if out.IsError {
		l.recorder.InstanceLoaded(plan.FormGroup, OutcomePartial)
	} else {
		l.recorder.InstanceLoaded(plan.FormGroup, OutcomeCommitted)
	}
	log.Infof("Instance saved: %d tables written", len(out.Inserted))
	return out, nil
}

// RecordFailure logs an error that kept an instance from loading
func (l *Loader) RecordFailure(ctx context.Context, instanceID string, err error) {
	kind := models.KindOf(err)
	pe := models.ProcessingError{
		ID:         uuid.NewString(),
		Kind:       kind,
		Message:    err.Error(),
		InstanceID: instanceID,
		CreatedAt:  time.Now().UTC(),
	}
	var le *models.LoadError
	if errors.As(err, &le) {
		pe.Context = le.Context()
	}
	l.recorder.ErrorRecorded(kind)
	if l.errorLog == nil {
		return
	}
	if recErr := l.errorLog.Record(ctx, pe); recErr != nil {
		l.logger.Errorf("Failed to record processing error for %s: %v", instanceID, recErr)
	}
}

// instanceRun is the state of one LoadInstance call
type instanceRun struct {
	l        *Loader
	ctx      context.Context
	tx       *sql.Tx
	dialect  sqlbuilder.Dialect
	plan     *planner.Plan
	instance string
	reg      *registry
	out      *InstanceResult
	log      *logrus.Entry
}

func (r *instanceRun) fail(err error) {
	r.out.IsError = true
	r.out.Comments = append(r.out.Comments, err.Error())
	r.l.RecordFailure(r.ctx, r.instance, err)
}

// loadTable writes the rows of one table. A row-fatal failure stops the
// remaining rows of the table; any other failure is returned.
func (r *instanceRun) loadTable(qp *planner.QueryPlan, res *normalizer.Result) error {
	log := r.log.WithField("table", qp.Table)
	rows := extractRows(res, qp.SourceFields)
	if len(rows) == 0 {
		log.Debug("No data for table")
		return nil
	}

	for _, src := range rows {
		values, err := r.resolve(qp, src)
		for i := 0; err == nil && i < len(values); i++ {
			err = r.write(qp, src, values[i])
		}
		if err == nil {
			continue
		}
		if !models.KindOf(err).IsRowFatal() {
			return err
		}
		log.Errorf("Row skipped: %v", err)
		r.l.recorder.RowWritten(qp.Table, RowFailed)
		r.fail(err)
		return nil
	}
	return nil
}

// fanOption is one resolved value of a lookup column with several lookups
type fanOption struct {
	value     any
	companion string
	raw       string
}

type fanColumn struct {
	column  string
	options []fanOption
}

// resolve computes the column values of one row. A lookup column with
// several matching lookups fans the row out, one row per lookup.
func (r *instanceRun) resolve(qp *planner.QueryPlan, src row) ([]map[string]any, error) {
	base := make(map[string]any, len(qp.Columns))
	var fans []fanColumn

	for _, b := range qp.Columns {
		switch b.Kind {
		case planner.BindForeignKey:
			id, err := r.reg.resolve(b.RefTable, src.lineage)
			if err != nil {
				var le *models.LoadError
				if errors.As(err, &le) {
					le.Table = qp.Table
					le.Message = fmt.Sprintf("column %s: %s", b.Column, le.Message)
				}
				return nil, err
			}
			base[b.Column] = id

		case planner.BindLinkage:
			v, err := r.linkage(qp, b, src)
			if err != nil {
				return nil, err
			}
			base[b.Column] = v

		case planner.BindLookup:
			opts, err := r.lookups(qp, b, src)
			if err != nil {
				return nil, err
			}
			switch len(opts) {
			case 0:
				if !b.Nullable {
					return nil, models.NewLoadError(models.MissingDataPoint, qp.Table, "no lookup value for mandatory column %s", b.Column)
				}
				base[b.Column] = nil
			case 1:
				base[b.Column] = opts[0].value
				if opts[0].companion != "" {
					base[opts[0].companion] = opts[0].raw
				}
			default:
				fans = append(fans, fanColumn{column: b.Column, options: opts})
			}

		default:
			if _, set := base[b.Column]; set && b.Companion {
				continue
			}
			v, ok, err := r.data(qp, b, src)
			if err != nil {
				return nil, err
			}
			if !ok {
				if !b.Nullable {
					return nil, models.NewLoadError(models.MissingDataPoint, qp.Table, "no data for mandatory column %s from %s", b.Column, strings.Join(b.Sources, ", "))
				}
				base[b.Column] = nil
				continue
			}
			base[b.Column] = v
		}
	}

	out := []map[string]any{base}
	for _, fan := range fans {
		next := make([]map[string]any, 0, len(out)*len(fan.options))
		for _, values := range out {
			for _, opt := range fan.options {
				v := make(map[string]any, len(values)+2)
				for k, val := range values {
					v[k] = val
				}
				v[fan.column] = opt.value
				if opt.companion != "" {
					v[opt.companion] = opt.raw
				}
				next = append(next, v)
			}
		}
		out = next
	}
	return out, nil
}

// data joins the present source values of a column, validating each
// against its pattern
func (r *instanceRun) data(qp *planner.QueryPlan, b *planner.ColumnBinding, src row) (string, bool, error) {
	var parts []string
	for _, field := range b.Sources {
		v, ok := src.values[field]
		if !ok {
			continue
		}
		if re := b.Patterns[field]; re != nil {
			m := re.FindStringSubmatch(v)
			if m == nil {
				return "", false, models.NewLoadError(models.InvalidRegexValidation, qp.Table,
					"column %s: %q from %s does not match %s", b.Column, v, field, re)
			}
			if !b.MultiSource() {
				v = m[0]
				if len(m) > 1 {
					v = m[1]
				}
			}
		}
		parts = append(parts, v)
	}
	if len(parts) == 0 {
		return "", false, nil
	}
	return strings.Join(parts, r.l.opts.Joiner), true, nil
}

func (r *instanceRun) linkage(qp *planner.QueryPlan, b *planner.ColumnBinding, src row) (any, error) {
	v, ok, err := r.data(qp, b, src)
	if err != nil {
		return nil, err
	}
	if !ok {
		if b.Nullable {
			return nil, nil
		}
		return nil, models.NewLoadError(models.MissingDataPoint, qp.Table, "no data for linked column %s", b.Column)
	}

	args := make([]any, len(b.Linkage.KeyColumns))
	for i := range args {
		args[i] = v
	}
	ids, err := r.query(b.Linkage.Query.SQL, args)
	if err != nil {
		return nil, &models.LoadError{Kind: models.UnknownDatabaseError, Table: qp.Table, Message: "linkage query failed", Query: b.Linkage.Query.SQL, Values: args, Err: err}
	}
	switch len(ids) {
	case 0:
		return nil, &models.LoadError{Kind: models.MissingForeignKey, Table: qp.Table,
			Message: fmt.Sprintf("column %s: no %s row matches %q", b.Column, b.Linkage.Table, v), Query: b.Linkage.Query.SQL, Values: args}
	case 1:
		return ids[0], nil
	default:
		return nil, &models.LoadError{Kind: models.AmbiguousForeignKey, Table: qp.Table,
			Message: fmt.Sprintf("column %s: %d %s rows match %q", b.Column, len(ids), b.Linkage.Table, v), Query: b.Linkage.Query.SQL, Values: args}
	}
}

func (r *instanceRun) lookups(qp *planner.QueryPlan, b *planner.ColumnBinding, src row) ([]fanOption, error) {
	var out []fanOption
	for _, lk := range b.Lookups {
		v, ok := src.values[lk.SourceField]
		if !ok {
			r.log.WithField("table", qp.Table).Debugf("Lookup source %s missing for column %s", lk.SourceField, b.Column)
			continue
		}

		var args []any
		switch {
		case lk.Dictionary && lk.IsSelect:
			args = []any{r.plan.FormGroup, lk.SourceField, v}
		case lk.Dictionary:
			args = []any{r.plan.FormGroup, lk.SourceField}
		default:
			args = make([]any, len(lk.KeyColumns))
			for i := range args {
				args[i] = v
			}
		}

		ids, err := r.query(lk.Query.SQL, args)
		if err != nil {
			return nil, &models.LoadError{Kind: models.UnknownDatabaseError, Table: qp.Table, Message: "lookup query failed", Query: lk.Query.SQL, Values: args, Err: err}
		}
		if len(ids) == 0 {
			return nil, &models.LoadError{Kind: models.MissingLookupMatch, Table: qp.Table,
				Message: fmt.Sprintf("column %s: no %s entry for %s=%q", b.Column, lk.Table, lk.SourceField, v), Query: lk.Query.SQL, Values: args}
		}
		if len(ids) > 1 {
			r.log.WithField("table", qp.Table).Warnf("Lookup for %s=%q matched %d rows in %s, using the first", lk.SourceField, v, len(ids), lk.Table)
		}
		out = append(out, fanOption{value: ids[0], companion: lk.CompanionColumn, raw: v})
	}
	return out, nil
}

// query returns the first column of every row
func (r *instanceRun) query(query string, args []any) ([]any, error) {
	rows, err := r.tx.QueryContext(r.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []any
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// write runs the dedup probe and inserts the row when it is new
func (r *instanceRun) write(qp *planner.QueryPlan, src row, values map[string]any) error {
	log := r.log.WithField("table", qp.Table)
	probeArgs := qp.DedupProbe.Bind(values)

	id, found, err := r.probe(qp, probeArgs)
	if err != nil {
		return err
	}
	if found {
		r.duplicate(qp, src, id, probeArgs, nil)
		return nil
	}

	args := qp.Insert.Bind(values)
	id, err = r.insert(qp, args, values)
	if err != nil {
		if !connector.IsUniqueViolation(err) {
			return &models.LoadError{Kind: models.UnknownDatabaseError, Table: qp.Table, Message: "insert failed", Query: qp.Insert.SQL, Values: args, Err: err}
		}
		id, found, perr := r.probe(qp, probeArgs)
		if perr != nil {
			return perr
		}
		if !found {
			return &models.LoadError{Kind: models.UnknownDatabaseError, Table: qp.Table,
				Message: "uniqueness violation not matched by the record identifiers", Query: qp.Insert.SQL, Values: args, Err: err}
		}
		r.duplicate(qp, src, id, probeArgs, err)
		return nil
	}

	r.reg.add(qp.Table, src.record(), id)
	r.out.Inserted[qp.Table]++
	r.l.recorder.RowWritten(qp.Table, RowInserted)
	log.Debugf("Inserted row %v", id)
	return nil
}

func (r *instanceRun) probe(qp *planner.QueryPlan, args []any) (any, bool, error) {
	ids, err := r.query(qp.DedupProbe.SQL, args)
	if err != nil {
		return nil, false, &models.LoadError{Kind: models.UnknownDatabaseError, Table: qp.Table, Message: "dedup probe failed", Query: qp.DedupProbe.SQL, Values: args, Err: err}
	}
	if len(ids) == 0 {
		return nil, false, nil
	}
	return ids[0], true, nil
}

// duplicate records an existing row so dependent tables can still link to it
func (r *instanceRun) duplicate(qp *planner.QueryPlan, src row, id any, args []any, cause error) {
	r.reg.add(qp.Table, src.record(), id)
	r.out.Duplicates++
	r.l.recorder.RowWritten(qp.Table, RowDuplicate)
	r.log.WithField("table", qp.Table).Infof("Duplicate data, row %v already saved", id)
	r.l.RecordFailure(r.ctx, r.instance, &models.LoadError{
		Kind:    models.DuplicateData,
		Table:   qp.Table,
		Message: fmt.Sprintf("row already saved as %v", id),
		Query:   qp.DedupProbe.SQL,
		Values:  args,
		Err:     cause,
	})
}

// insert writes one row and returns its primary key. Postgres rows are
// written inside a savepoint so a failed insert leaves the transaction usable.
func (r *instanceRun) insert(qp *planner.QueryPlan, args []any, values map[string]any) (any, error) {
	if r.dialect.UsesReturning() {
		if _, err := r.tx.ExecContext(r.ctx, "SAVEPOINT survey_row"); err != nil {
			return nil, err
		}
		var id any
		if err := r.tx.QueryRowContext(r.ctx, qp.Insert.SQL, args...).Scan(&id); err != nil {
			if _, rbErr := r.tx.ExecContext(r.ctx, "ROLLBACK TO SAVEPOINT survey_row"); rbErr != nil {
				return nil, fmt.Errorf("%w (rollback to savepoint: %v)", err, rbErr)
			}
			return nil, err
		}
		if _, err := r.tx.ExecContext(r.ctx, "RELEASE SAVEPOINT survey_row"); err != nil {
			return nil, err
		}
		return id, nil
	}

	result, err := r.tx.ExecContext(r.ctx, qp.Insert.SQL, args...)
	if err != nil {
		return nil, err
	}
	if v, ok := values[qp.PrimaryKey]; ok && v != nil {
		return v, nil
	}
	return result.LastInsertId()
}
