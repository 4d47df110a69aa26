package loader

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitebski/survey-loader/internal/analyzer"
	"github.com/vitebski/survey-loader/internal/planner"
	"github.com/vitebski/survey-loader/internal/validator"
	"github.com/vitebski/survey-loader/pkg/models"
)

func (e *env) processor(limit int) *Processor {
	schema := analyzer.NewSchemaAnalyzer(e.dc, testLogger())
	resolver := planner.NewResolver(e.store, schema, e.dc.SQLDialect(), planner.DefaultOptions(), testLogger())
	check := validator.New(schema, nil, validator.Options{QuietPatterns: true}, testLogger())
	return NewProcessor(e.store, resolver, check, e.norm, e.loader, e.dc, limit, testLogger())
}

func (e *env) submit(docs ...string) {
	e.t.Helper()
	for _, d := range docs {
		sub, err := models.ParseSubmission(1, []byte(d))
		require.NoError(e.t, err)
		e.store.docs["hh"] = append(e.store.docs["hh"], sub)
	}
}

func householdDoc(i int) string {
	return fmt.Sprintf(`{"instanceID":"uuid:%d","hh_id":"H%d","members":[{"name":"X"},{"name":"Y"}]}`, i, i)
}

func TestProcessFormGroup(t *testing.T) {
	e := setup(t, familySchema, familyMappings...)
	e.submit(householdDoc(1), householdDoc(2), `{"instanceID":"uuid:3","hh_id":"bad"}`)

	results, err := e.processor(0).ProcessAll(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	res := results[0]

	assert.Equal(t, "hh", res.FormGroup)
	assert.Equal(t, 3, res.Instances)
	assert.Equal(t, 2, res.Committed)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, res.IsError)
	require.Len(t, res.Comments, 1)
	assert.Contains(t, res.Comments[0], "uuid:3")

	assert.True(t, e.store.processed["uuid:1"])
	assert.True(t, e.store.processed["uuid:2"])
	assert.False(t, e.store.processed["uuid:3"])
	assert.Equal(t, int64(2), e.count("household"))
	assert.Equal(t, int64(4), e.count("member"))
}

func TestProcessDryRunCap(t *testing.T) {
	e := setup(t, familySchema, familyMappings...)
	e.submit(householdDoc(1), householdDoc(2), householdDoc(3))

	results, err := e.processor(2).ProcessAll(context.Background(), RunOptions{DryRun: true})
	require.NoError(t, err)
	res := results[0]
	assert.Equal(t, 2, res.Instances)
	assert.Zero(t, res.Committed)
	assert.False(t, res.IsError)
	assert.Empty(t, e.store.processed)
	assert.Equal(t, int64(0), e.count("household"))
}

func TestProcessUnknownFormGroup(t *testing.T) {
	e := setup(t, familySchema, familyMappings...)
	_, err := e.processor(0).ProcessAll(context.Background(), RunOptions{FormGroup: "nope"})
	assert.Error(t, err)
}

func TestProcessGroupWithoutMappings(t *testing.T) {
	e := setup(t, familySchema, familyMappings...)
	e.store.groups = append(e.store.groups, models.FormGroup{ID: 2, Name: "empty"})

	results, err := e.processor(0).ProcessAll(context.Background(), RunOptions{FormGroup: "empty"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].IsError)
	assert.Contains(t, results[0].Comments[0], "no defined mappings")
}

func TestReset(t *testing.T) {
	e := setup(t, familySchema, familyMappings...)
	e.submit(familyDoc)
	p := e.processor(0)

	_, err := p.ProcessAll(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(3), e.count("visit"))
	e.store.errors = append(e.store.errors, models.ProcessingError{Kind: models.DuplicateData})

	cleared, err := p.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"visit", "member", "household"}, cleared)
	assert.Equal(t, int64(0), e.count("household"))
	assert.Empty(t, e.store.errors)
	assert.Empty(t, e.store.processed)
	assert.Equal(t, 1, e.store.resets)

	// reloading after a reset writes the rows again
	results, err := p.ProcessAll(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, results[0].Committed)
	assert.Equal(t, int64(3), e.count("visit"))
}

func TestProcessBlocksUnmappedMandatoryColumn(t *testing.T) {
	schema := []string{
		householdTable,
		`CREATE TABLE member (
			id INTEGER PRIMARY KEY,
			household_id INTEGER NOT NULL REFERENCES household(id),
			name TEXT NOT NULL,
			age INTEGER NOT NULL,
			UNIQUE (household_id, name)
		)`,
		familySchema[2],
	}
	e := setup(t, schema, familyMappings...)
	e.submit(householdDoc(1))

	results, err := e.processor(0).ProcessAll(context.Background(), RunOptions{})
	require.NoError(t, err)
	res := results[0]

	assert.True(t, res.IsError)
	assert.Equal(t, 1, res.Committed)
	assert.Zero(t, res.Failed)
	require.Len(t, res.Comments, 2)
	assert.Contains(t, res.Comments[0], "Table member will not be loaded")
	assert.Contains(t, res.Comments[0], string(models.MissingMandatoryColumn))
	assert.Contains(t, res.Comments[0], "age")
	assert.Contains(t, res.Comments[1], "Table visit will not be loaded")

	// the independent table still loads
	assert.Equal(t, int64(1), e.count("household"))
	assert.Equal(t, int64(0), e.count("member"))
	assert.Empty(t, e.store.errors)
}
