package loader

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/vitebski/survey-loader/internal/normalizer"
	"github.com/vitebski/survey-loader/internal/planner"
	"github.com/vitebski/survey-loader/internal/sqlbuilder"
	"github.com/vitebski/survey-loader/internal/validator"
	"github.com/vitebski/survey-loader/pkg/models"
)

// Store is the control store surface the processor needs
type Store interface {
	FormGroups(ctx context.Context) ([]models.FormGroup, error)
	Submissions(ctx context.Context, formGroup string, uuids []string) ([]models.SubmissionDocument, error)
	MarkProcessed(ctx context.Context, instanceID string) error
	ResetProcessed(ctx context.Context) error
	ClearErrors(ctx context.Context) error
}

// Executor runs statements outside instance transactions
type Executor interface {
	ExecuteStatement(ctx context.Context, query string, params ...any) (int64, error)
	SQLDialect() sqlbuilder.Dialect
}

// RunOptions select what a processing pass does
type RunOptions struct {
	DryRun    bool
	FormGroup string
	UUIDs     []string
}

// Processor runs load passes over form groups
type Processor struct {
	store       Store
	resolver    *planner.Resolver
	validator   *validator.Validator
	normalizer  *normalizer.Normalizer
	loader      *Loader
	dest        Executor
	dryRunLimit int
	logger      *logrus.Logger
}

// NewProcessor creates a Processor. dryRunLimit caps the instances a dry run
// processes per form group; zero means no cap. Tables the validator cannot
// fully map, and their dependents, are left out of each pass.
func NewProcessor(store Store, resolver *planner.Resolver, check *validator.Validator, norm *normalizer.Normalizer, loader *Loader, dest Executor, dryRunLimit int, logger *logrus.Logger) *Processor {
	return &Processor{
		store:       store,
		resolver:    resolver,
		validator:   check,
		normalizer:  norm,
		loader:      loader,
		dest:        dest,
		dryRunLimit: dryRunLimit,
		logger:      logger,
	}
}

// ProcessAll processes every form group, or only opts.FormGroup, in order.
// Plans are built once per pass.
func (p *Processor) ProcessAll(ctx context.Context, opts RunOptions) ([]*models.LoadResult, error) {
	groups, err := p.groups(ctx, opts.FormGroup)
	if err != nil {
		return nil, err
	}
	cache := planner.NewCache(p.resolver)
	var results []*models.LoadResult
	for _, g := range groups {
		res, err := p.ProcessFormGroup(ctx, cache, g.Name, opts)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (p *Processor) groups(ctx context.Context, only string) ([]models.FormGroup, error) {
	groups, err := p.store.FormGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list form groups: %w", err)
	}
	if only == "" {
		return groups, nil
	}
	for _, g := range groups {
		if g.Name == only {
			return []models.FormGroup{g}, nil
		}
	}
	return nil, fmt.Errorf("form group %q not found", only)
}

// ProcessFormGroup loads the submissions of one form group sequentially
func (p *Processor) ProcessFormGroup(ctx context.Context, cache *planner.Cache, group string, opts RunOptions) (*models.LoadResult, error) {
	log := p.logger.WithField("form_group", group)
	result := &models.LoadResult{FormGroup: group}

	plan, err := cache.Plan(ctx, group)
	if err != nil {
		return nil, err
	}
	if len(plan.Tables) == 0 && len(plan.Failed) == 0 {
		msg := fmt.Sprintf("The form group %q has no defined mappings.", group)
		log.Info(msg)
		result.Comments = append(result.Comments, msg)
		return result, nil
	}
	if err := p.validate(ctx, plan); err != nil {
		return nil, err
	}
	for _, table := range sortedKeys(plan.Failed) {
		result.IsError = true
		result.Comments = append(result.Comments, fmt.Sprintf("Table %s will not be loaded: %v", table, plan.Failed[table]))
	}
	if len(plan.Order) == 0 {
		return result, nil
	}

	docs, err := p.store.Submissions(ctx, group, opts.UUIDs)
	if err != nil {
		return nil, &models.LoadError{Kind: models.TransportError, Message: "fetch submissions of " + group, Err: err}
	}
	log.Infof("Total submissions fetched %d", len(docs))

	pass := p.normalizer.NewPass()
	filter := normalizer.NewFilter(plan.SourceFields()...)

	for _, doc := range docs {
		if opts.DryRun && p.dryRunLimit > 0 && result.Instances >= p.dryRunLimit {
			log.Infof("Dry run cap of %d instances reached", p.dryRunLimit)
			break
		}
		result.Instances++

		norm, err := pass.Normalize(doc.Root, filter)
		if err != nil {
			p.loader.RecordFailure(ctx, doc.InstanceID, err)
			result.Failed++
			result.IsError = true
			result.Comments = append(result.Comments, fmt.Sprintf("%s: %v", doc.InstanceID, err))
			continue
		}

		ir, err := p.loader.LoadInstance(ctx, doc, norm, plan, opts.DryRun)
		if err != nil {
			log.WithField("instance", doc.InstanceID).Errorf("Instance failed: %v", err)
			p.loader.RecordFailure(ctx, doc.InstanceID, err)
			result.Failed++
			result.IsError = true
			result.Comments = append(result.Comments, fmt.Sprintf("%s: %v", doc.InstanceID, err))
			continue
		}
		for _, c := range ir.Comments {
			result.Comments = append(result.Comments, fmt.Sprintf("%s: %s", doc.InstanceID, c))
		}
		if ir.IsError {
			result.Failed++
			result.IsError = true
			continue
		}
		if ir.Committed {
			if err := p.store.MarkProcessed(ctx, doc.InstanceID); err != nil {
				return nil, fmt.Errorf("mark %s processed: %w", doc.InstanceID, err)
			}
			result.Committed++
		}
	}

	log.Infof("Processed %d instances: %d committed, %d failed", result.Instances, result.Committed, result.Failed)
	return result, nil
}

// validate blocks the planned tables that cannot be fully mapped before any
// row is written
func (p *Processor) validate(ctx context.Context, plan *planner.Plan) error {
	if p.validator == nil {
		return nil
	}
	res, err := p.validator.Validate(ctx, plan)
	if err != nil {
		return fmt.Errorf("validate %s: %w", plan.FormGroup, err)
	}
	for _, table := range sortedKeys(res.Blocked) {
		for _, t := range plan.Block(table, res.Blocked[table]) {
			p.logger.WithFields(logrus.Fields{"form_group": plan.FormGroup, "table": t}).
				Errorf("Table blocked: %v", plan.Failed[t])
		}
	}
	return nil
}

// Reset deletes every loaded row of the mapped tables in reverse dependency
// order, clears the error log and marks all submissions unprocessed
func (p *Processor) Reset(ctx context.Context) ([]string, error) {
	groups, err := p.groups(ctx, "")
	if err != nil {
		return nil, err
	}
	cache := planner.NewCache(p.resolver)
	var tables []string
	seen := make(map[string]bool)
	for _, g := range groups {
		plan, err := cache.Plan(ctx, g.Name)
		if err != nil {
			return nil, err
		}
		for _, t := range plan.Order {
			if !seen[t] {
				seen[t] = true
				tables = append(tables, t)
			}
		}
	}

	var cleared []string
	for i := len(tables) - 1; i >= 0; i-- {
		stmt := sqlbuilder.DeleteAll(p.dest.SQLDialect(), tables[i])
		n, err := p.dest.ExecuteStatement(ctx, stmt.SQL)
		if err != nil {
			return cleared, fmt.Errorf("clear %s: %w", tables[i], err)
		}
		p.logger.Infof("Deleted %d rows from %s", n, tables[i])
		cleared = append(cleared, tables[i])
	}
	if err := p.store.ClearErrors(ctx); err != nil {
		return cleared, err
	}
	if err := p.store.ResetProcessed(ctx); err != nil {
		return cleared, err
	}
	return cleared, nil
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
