package generator

import (
	"strconv"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitebski/survey-loader/pkg/models"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

var defs = []models.MappingDefinition{
	{SourceField: "hh_id", QuestionType: "text", IsRecordIdentifier: true},
	{SourceField: "respondent_name", QuestionType: "text"},
	{SourceField: "hh_size", QuestionType: "integer"},
	{SourceField: "visit_date", QuestionType: "date"},
	{SourceField: "crops", QuestionType: "select multiple"},
	// a second binding of the same field adds nothing new
	{SourceField: "respondent_name", QuestionType: "text"},
}

func TestGenerate(t *testing.T) {
	g := NewSampleGenerator(testLogger())
	docs, err := g.Generate(defs, 5)
	require.NoError(t, err)
	require.Len(t, docs, 5)

	ids := make(map[string]bool)
	instances := make(map[string]bool)
	for _, raw := range docs {
		doc, err := models.ParseSubmission(1, raw)
		require.NoError(t, err)
		assert.Regexp(t, `^uuid:[0-9a-f-]{36}$`, doc.InstanceID)
		instances[doc.InstanceID] = true

		obj := doc.Root.Object
		assert.Len(t, obj.Keys, 7)

		id, ok := obj.Get("hh_id")
		require.True(t, ok)
		ids[id.Text] = true

		size, ok := obj.Get("hh_size")
		require.True(t, ok)
		_, err = strconv.Atoi(size.Text)
		assert.NoError(t, err)

		date, ok := obj.Get("visit_date")
		require.True(t, ok)
		assert.Regexp(t, `^\d{4}-\d{2}-\d{2}$`, date.Text)
	}
	assert.Len(t, ids, 5, "record identifiers are unique")
	assert.Len(t, instances, 5)
}

func TestGenerateWithoutFields(t *testing.T) {
	_, err := NewSampleGenerator(testLogger()).Generate(nil, 3)
	assert.Error(t, err)
}

func TestGenerateValueByName(t *testing.T) {
	g := NewSampleGenerator(testLogger())
	assert.Contains(t, g.GenerateValue("contact_email", "text"), "@")
	assert.NotEmpty(t, g.GenerateValue("village", "text"))
	assert.IsType(t, 0, g.GenerateValue("count", "integer"))
}
