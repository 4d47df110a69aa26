// Package generator produces fake survey submissions for rehearsing a load
// against a mapping configuration.
package generator

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jaswdr/faker"
	"github.com/sirupsen/logrus"

	"github.com/vitebski/survey-loader/pkg/models"
)

// SampleGenerator generates fake submissions for the source fields of a
// form group's mappings
type SampleGenerator struct {
	Faker  faker.Faker
	Logger *logrus.Logger
	seq    int
}

// NewSampleGenerator creates a new sample generator
func NewSampleGenerator(logger *logrus.Logger) *SampleGenerator {
	return &SampleGenerator{
		Faker:  faker.New(),
		Logger: logger,
	}
}

type field struct {
	name       string
	qType      string
	identifier bool
}

// fields returns the distinct source fields in mapping order
func fields(defs []models.MappingDefinition) []field {
	var out []field
	index := make(map[string]int)
	for _, d := range defs {
		if i, ok := index[d.SourceField]; ok {
			out[i].identifier = out[i].identifier || d.IsRecordIdentifier
			continue
		}
		index[d.SourceField] = len(out)
		out = append(out, field{name: d.SourceField, qType: strings.ToLower(d.QuestionType), identifier: d.IsRecordIdentifier})
	}
	return out
}

// Generate returns n flat submission documents. Each carries a fresh
// instanceID; record identifier fields get values unique across the batch.
func (sg *SampleGenerator) Generate(defs []models.MappingDefinition, n int) ([][]byte, error) {
	fs := fields(defs)
	if len(fs) == 0 {
		return nil, fmt.Errorf("no source fields to generate")
	}

	docs := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		doc := map[string]any{
			"instanceID":       "uuid:" + uuid.NewString(),
			"_submission_time": time.Now().UTC().Format(time.RFC3339),
		}
		for _, f := range fs {
			key := f.name
			if f.identifier {
				sg.seq++
				doc[key] = fmt.Sprintf("%s-%d-%04d", strings.ToUpper(initials(key)), time.Now().Unix()%100000, sg.seq)
				continue
			}
			doc[key] = sg.GenerateValue(f.name, f.qType)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		docs = append(docs, raw)
	}
	sg.Logger.Infof("Generated %d sample submissions over %d fields", len(docs), len(fs))
	return docs, nil
}

// GenerateValue produces a value for one field from its question type,
// falling back to the field name
func (sg *SampleGenerator) GenerateValue(name, questionType string) any {
	switch questionType {
	case "integer", "int":
		return rand.Intn(100)
	case "decimal":
		return float64(int64(rand.Float64()*100000)) / 100
	case "date":
		return sg.generateDate().Format("2006-01-02")
	case "datetime", "start", "end":
		return sg.generateDate().Add(time.Duration(rand.Intn(86400)) * time.Second).Format(time.RFC3339)
	case "time":
		return fmt.Sprintf("%02d:%02d:%02d", rand.Intn(24), rand.Intn(60), rand.Intn(60))
	case "geopoint":
		return fmt.Sprintf("%f %f 0 0", sg.Faker.Address().Latitude(), sg.Faker.Address().Longitude())
	case "select one", "select_one":
		return sg.Faker.Lorem().Word()
	case "select multiple", "select_multiple":
		words := make([]string, 1+rand.Intn(3))
		for i := range words {
			words[i] = sg.Faker.Lorem().Word()
		}
		return strings.Join(words, " ")
	}
	return sg.byName(strings.ToLower(name))
}

func (sg *SampleGenerator) byName(name string) string {
	switch {
	case strings.Contains(name, "email"):
		return sg.Faker.Internet().Email()
	case strings.Contains(name, "name"):
		if strings.Contains(name, "first") {
			return sg.Faker.Person().FirstName()
		} else if strings.Contains(name, "last") || strings.Contains(name, "sur") {
			return sg.Faker.Person().LastName()
		}
		return sg.Faker.Person().Name()
	case strings.Contains(name, "phone") || strings.Contains(name, "tel"):
		return sg.Faker.Phone().Number()
	case strings.Contains(name, "address") || strings.Contains(name, "street"):
		return sg.Faker.Address().Address()
	case strings.Contains(name, "village") || strings.Contains(name, "city") || strings.Contains(name, "town"):
		return sg.Faker.Address().City()
	case strings.Contains(name, "country"):
		return sg.Faker.Address().Country()
	case strings.Contains(name, "comment") || strings.Contains(name, "note") || strings.Contains(name, "description"):
		return sg.Faker.Lorem().Sentence(6)
	}
	return sg.Faker.Lorem().Word()
}

// generateDate returns a date within the last year
func (sg *SampleGenerator) generateDate() time.Time {
	return time.Now().AddDate(0, 0, -rand.Intn(365)).Truncate(24 * time.Hour)
}

func initials(key string) string {
	var b strings.Builder
	for _, part := range strings.Split(key, "_") {
		if part != "" {
			b.WriteByte(part[0])
		}
	}
	if b.Len() == 0 {
		return "id"
	}
	return b.String()
}
