package utils

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/vitebski/survey-loader/internal/analyzer"
	"github.com/vitebski/survey-loader/internal/planner"
	"github.com/vitebski/survey-loader/internal/validator"
	"github.com/vitebski/survey-loader/pkg/models"
)

// SetupLogging configures the logging system
func SetupLogging(logLevel string) *logrus.Logger {
	// Create a new logger
	logger := logrus.New()

	// Get log level from environment variable or parameter
	levelStr := logLevel
	if levelStr == "" {
		levelStr = os.Getenv("LOG_LEVEL")
		if levelStr == "" {
			levelStr = "info"
		}
	}

	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}

	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetOutput(os.Stdout)

	logger.Debugf("Logging configured with level: %s", level)
	return logger
}

// LoadEnvironmentVariables loads environment variables from .env file. It
// reports whether the destination database is named.
func LoadEnvironmentVariables(envFile string, logger *logrus.Logger) bool {
	// Check if a sample .env file exists but not the actual .env file
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		sampleEnvFile := envFile + ".sample"
		if _, err := os.Stat(sampleEnvFile); err == nil {
			logger.Infof("No %s file found, but %s exists. Consider copying %s to %s and updating it.",
				envFile, sampleEnvFile, sampleEnvFile, envFile)
		}
	}

	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.Warningf("Error loading %s file: %v", envFile, err)
		} else {
			logger.Infof("Loaded environment variables from %s", envFile)
		}
	} else {
		logger.Debugf("No %s file found, using existing environment variables", envFile)
	}

	if os.Getenv("DEST_DATABASE") == "" && os.Getenv("DEST_DSN") == "" {
		logger.Debug("DEST_DATABASE is not set; it can be provided in the config file, the environment or a .env file")
		return false
	}

	if logger.Level == logrus.DebugLevel {
		for _, env := range os.Environ() {
			if strings.HasPrefix(env, "DEST_") {
				parts := strings.SplitN(env, "=", 2)
				if len(parts) == 2 {
					// Mask password
					if parts[0] == "DEST_PASSWORD" {
						logger.Debugf("%s=********", parts[0])
					} else {
						logger.Debugf("%s=%s", parts[0], parts[1])
					}
				}
			}
		}
	}
	return true
}

// PrintLoadSummary prints the outcome of a processing pass
func PrintLoadSummary(w io.Writer, results []*models.LoadResult, dryRun bool) {
	title := "SUBMISSION LOAD SUMMARY"
	if dryRun {
		title += " (DRY RUN)"
	}
	fmt.Fprintln(w, "\n"+strings.Repeat("=", 50))
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, strings.Repeat("=", 50))

	var instances, committed, failed int
	for _, r := range results {
		instances += r.Instances
		committed += r.Committed
		failed += r.Failed
	}
	fmt.Fprintf(w, "Form groups processed: %d\n", len(results))
	fmt.Fprintf(w, "Instances processed: %d\n", instances)
	fmt.Fprintf(w, "Instances committed: %d\n", committed)
	fmt.Fprintf(w, "Instances with errors: %d\n", failed)

	for _, r := range results {
		status := "ok"
		if r.IsError {
			status = "errors"
		}
		fmt.Fprintf(w, "\n%s: %d/%d committed (%s)\n", r.FormGroup, r.Committed, r.Instances, status)
		for _, c := range r.Comments {
			fmt.Fprintf(w, "  - %s\n", c)
		}
	}
	fmt.Fprintln(w, strings.Repeat("=", 50))
}

// PrintValidation prints the comments of each validated form group
func PrintValidation(w io.Writer, results map[string]*validator.Result) {
	groups := make([]string, 0, len(results))
	for g := range results {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
	fmt.Fprintln(w, "MAPPING VALIDATION REPORT")
	fmt.Fprintln(w, strings.Repeat("=", 80))
	for _, g := range groups {
		r := results[g]
		fmt.Fprintf(w, "\n%s: fully mapped=%t, valid=%t (%d danger, %d warning, %d info)\n", g,
			r.FullyMapped, r.MappingValid,
			r.Count(models.LevelDanger), r.Count(models.LevelWarning), r.Count(models.LevelInfo))
		for _, c := range r.Comments {
			fmt.Fprintf(w, "   [%-7s] %s\n", c.Level, c.Message)
		}
	}
	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
}

// PrintSchemaAnalysis prints the destination tables and their load order
func PrintSchemaAnalysis(w io.Writer, schemaAnalyzer *analyzer.SchemaAnalyzer) {
	orderedTables, circularTables := schemaAnalyzer.GetTableInsertionOrder()

	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
	fmt.Fprintln(w, "DESTINATION SCHEMA ANALYSIS REPORT")
	fmt.Fprintln(w, strings.Repeat("=", 80))

	withFKs := 0
	for _, table := range schemaAnalyzer.Tables {
		if len(schemaAnalyzer.TableForeignKeys[table]) > 0 {
			withFKs++
		}
	}
	fmt.Fprintln(w, "\n1. BASIC STATISTICS")
	fmt.Fprintf(w, "   Total tables: %d\n", len(schemaAnalyzer.Tables))
	fmt.Fprintf(w, "   Tables with foreign keys: %d\n", withFKs)
	fmt.Fprintf(w, "   Tables in circular dependencies: %d\n", len(circularTables))

	if len(schemaAnalyzer.CircularGroups) > 0 {
		fmt.Fprintln(w, "\n2. CIRCULAR DEPENDENCIES")
		for _, group := range schemaAnalyzer.CircularGroups {
			fmt.Fprintf(w, "   %s\n", strings.Join(group, " <-> "))
		}
	}

	fmt.Fprintln(w, "\n3. TABLE INSERTION ORDER")
	for i, table := range orderedTables {
		category := "Standalone"
		if circularTables[table] {
			category = "Circular"
		} else if len(schemaAnalyzer.TableForeignKeys[table]) > 0 {
			category = "Dependent"
		}
		fmt.Fprintf(w, "   %3d. %s (%s)\n", i+1, table, category)
	}
	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
}

// PrintStatus prints processed and unprocessed counts per form
func PrintStatus(w io.Writer, status []models.FormStatus) {
	fmt.Fprintf(w, "%-8s %-30s %-20s %10s %12s\n", "FORM", "NAME", "GROUP", "PROCESSED", "UNPROCESSED")
	for _, st := range status {
		fmt.Fprintf(w, "%-8d %-30s %-20s %10d %12d\n", st.FormID, st.FormName, st.FormGroup, st.Processed, st.Unprocessed)
	}
}

// PrintErrors prints the processing error log
func PrintErrors(w io.Writer, errs []models.ProcessingError) {
	if len(errs) == 0 {
		fmt.Fprintln(w, "No processing errors")
		return
	}
	for _, e := range errs {
		fmt.Fprintf(w, "%s %d %-24s %s: %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Kind.Code(), e.Kind, e.InstanceID, e.Message)
		if e.Context != "" {
			fmt.Fprintf(w, "    %s\n", e.Context)
		}
	}
}

// PrintPlan prints the load order and column bindings of a form group plan
func PrintPlan(w io.Writer, plan *planner.Plan) {
	fmt.Fprintf(w, "\nForm group %s\n", plan.FormGroup)
	for i, table := range plan.Order {
		qp := plan.Tables[table]
		fmt.Fprintf(w, "  %d. %s (dedup on %s)\n", i+1, table, strings.Join(qp.DedupColumns, ", "))
		for _, b := range qp.Columns {
			detail := strings.Join(b.Sources, " + ")
			switch b.Kind {
			case planner.BindForeignKey:
				detail = "id of " + b.RefTable
			case planner.BindLinkage:
				detail = fmt.Sprintf("%s via %s", b.Linkage.Table, strings.Join(b.Linkage.KeyColumns, ", "))
			case planner.BindLookup:
				var targets []string
				for _, lk := range b.Lookups {
					targets = append(targets, lk.SourceField+" -> "+lk.Table+"."+lk.Column)
				}
				detail = strings.Join(targets, ", ")
			}
			fmt.Fprintf(w, "       %-24s %-11s %s\n", b.Column, b.Kind, detail)
		}
	}
	failed := make([]string, 0, len(plan.Failed))
	for t := range plan.Failed {
		failed = append(failed, t)
	}
	sort.Strings(failed)
	for _, t := range failed {
		fmt.Fprintf(w, "  x  %s: %v\n", t, plan.Failed[t])
	}
}
