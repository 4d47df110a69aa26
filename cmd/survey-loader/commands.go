package main

import (
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vitebski/survey-loader/internal/generator"
	"github.com/vitebski/survey-loader/internal/loader"
	"github.com/vitebski/survey-loader/internal/mappingfile"
	"github.com/vitebski/survey-loader/internal/metrics"
	"github.com/vitebski/survey-loader/internal/normalizer"
	"github.com/vitebski/survey-loader/internal/planner"
	"github.com/vitebski/survey-loader/internal/sink"
	"github.com/vitebski/survey-loader/internal/utils"
	"github.com/vitebski/survey-loader/internal/validator"
	"github.com/vitebski/survey-loader/pkg/models"
)

func importMappingsCmd(a *app) *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "import-mappings FILE",
		Short: "Import form groups, forms and mapping definitions from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := mappingfile.LoadFile(args[0])
			if err != nil {
				return err
			}
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			sum, err := mappingfile.Import(cmd.Context(), s, f, replace)
			if err != nil {
				return err
			}
			a.logger.Infof("Imported %d form groups, %d forms and %d mappings (%d replaced)",
				sum.FormGroups, sum.Forms, sum.Mappings, sum.Replaced)
			return nil
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "Delete the existing mappings of each imported form group first")
	return cmd
}

func importSubmissionsCmd(a *app) *cobra.Command {
	var formID int64
	cmd := &cobra.Command{
		Use:   "import-submissions FILE",
		Short: "Store raw submissions (a JSON array or object) for a registered form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			inserted, skipped, err := s.ImportSubmissions(cmd.Context(), formID, data)
			if err != nil {
				return err
			}
			fmt.Printf("Stored %d new submissions, %d already present\n", inserted, skipped)
			return nil
		},
	}
	cmd.Flags().Int64Var(&formID, "form-id", 0, "Collection server form id")
	_ = cmd.MarkFlagRequired("form-id")
	return cmd
}

func analyzeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Analyze the destination schema and print the table insertion order",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.schema.AnalyzeSchema(cmd.Context()); err != nil {
				return fmt.Errorf("failed to analyze schema: %w", err)
			}
			utils.PrintSchemaAnalysis(os.Stdout, e.schema)
			return nil
		},
	}
}

func planCmd(a *app) *cobra.Command {
	var (
		formGroup string
		dump      bool
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Resolve and print the load plan of each form group",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer e.Close()

			plans, err := a.plans(cmd, e, formGroup)
			if err != nil {
				return err
			}
			for _, p := range plans {
				if dump {
					spew.Fdump(os.Stdout, p)
					continue
				}
				utils.PrintPlan(os.Stdout, p)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&formGroup, "form-group", "g", "", "Only this form group")
	cmd.Flags().BoolVar(&dump, "dump", false, "Dump the full plan structures")
	return cmd
}

// plans resolves the plan of every form group, or of only one
func (a *app) plans(cmd *cobra.Command, e *engine, only string) ([]*planner.Plan, error) {
	groups, err := e.store.FormGroups(cmd.Context())
	if err != nil {
		return nil, err
	}
	cache := planner.NewCache(e.resolver)
	var plans []*planner.Plan
	for _, g := range groups {
		if only != "" && g.Name != only {
			continue
		}
		p, err := cache.Plan(cmd.Context(), g.Name)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	if only != "" && len(plans) == 0 {
		return nil, fmt.Errorf("form group %q not found", only)
	}
	return plans, nil
}

func validateCmd(a *app) *cobra.Command {
	var (
		formGroup string
		quiet     bool
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check mappings against the destination schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer e.Close()

			plans, err := a.plans(cmd, e, formGroup)
			if err != nil {
				return err
			}
			v := validator.New(e.schema, e.store, validator.Options{QuietPatterns: quiet}, a.logger)
			results, err := v.ValidateAll(cmd.Context(), plans)
			if err != nil {
				return err
			}
			utils.PrintValidation(os.Stdout, results)
			for _, r := range results {
				if !r.MappingValid {
					return fmt.Errorf("mappings of %s are not valid", r.FormGroup)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&formGroup, "form-group", "g", "", "Only this form group")
	cmd.Flags().BoolVar(&quiet, "quiet-patterns", false, "Do not warn about data columns without a validation pattern")
	return cmd
}

func processCmd(a *app) *cobra.Command {
	var (
		opts        loader.RunOptions
		metricsFile string
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Load unprocessed submissions into the destination database",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := metrics.New()
			e, err := a.openEngine(cmd.Context(), m)
			if err != nil {
				return err
			}
			defer e.Close()

			runID := uuid.NewString()
			log := a.logger.WithFields(logrus.Fields{"run_id": runID, "dry_run": opts.DryRun})
			log.Info("Starting submission processing")

			results, err := e.processor.ProcessAll(cmd.Context(), opts)
			if err != nil {
				log.Errorf("Processing stopped: %v", err)
			}
			utils.PrintLoadSummary(os.Stdout, results, opts.DryRun)

			if metricsFile != "" {
				if status, serr := e.store.Status(cmd.Context()); serr == nil {
					m.ObserveStatus(status)
				}
				if werr := m.WriteFile(metricsFile); werr != nil {
					log.Warnf("Failed to write metrics to %s: %v", metricsFile, werr)
				}
			}
			if err != nil {
				return err
			}
			for _, r := range results {
				if r.IsError {
					return fmt.Errorf("run %s finished with errors", runID)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Roll back every instance instead of committing")
	cmd.Flags().StringVarP(&opts.FormGroup, "form-group", "g", "", "Only this form group")
	cmd.Flags().StringSliceVar(&opts.UUIDs, "uuid", nil, "Only these instance ids, processed or not (repeatable)")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this file")
	return cmd
}

func exportCmd(a *app) *cobra.Command {
	var (
		formID int64
		outDir string
		toS3   bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the normalized sheets of a form's submissions as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			docs, err := s.SubmissionsForForm(cmd.Context(), formID)
			if err != nil {
				return err
			}
			pass := normalizer.New(a.cfg.NormalizerOptions(), a.logger).NewPass()
			book := sink.NewBook()
			for _, doc := range docs {
				res, err := pass.Normalize(doc.Root, nil)
				if err != nil {
					a.logger.WithField("instance", doc.InstanceID).Warnf("Skipping submission: %v", err)
					continue
				}
				book.Add(res)
			}
			_, fields := pass.Draft()
			book.SetDraft(fields)

			var out sink.Sink = &sink.CSVSink{Dir: outDir, Logger: a.logger}
			if toS3 {
				s3Sink, err := sink.NewS3Sink(cmd.Context(), a.cfg.S3Config(), a.logger)
				if err != nil {
					return err
				}
				out = s3Sink
			}
			written, err := sink.Write(cmd.Context(), book, out)
			if err != nil {
				return err
			}
			fmt.Printf("Exported %d submissions into %d sheets\n", len(docs), len(written))
			return nil
		},
	}
	cmd.Flags().Int64Var(&formID, "form-id", 0, "Collection server form id")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Output directory (default: export.dir from config)")
	cmd.Flags().BoolVar(&toS3, "s3", false, "Upload the sheets to the configured S3 bucket")
	_ = cmd.MarkFlagRequired("form-id")
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		if outDir == "" {
			outDir = a.cfg.Export.Dir
		}
	}
	return cmd
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show processed and unprocessed submission counts per form",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			status, err := s.Status(cmd.Context())
			if err != nil {
				return err
			}
			utils.PrintStatus(os.Stdout, status)
			return nil
		},
	}
}

func errorsCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "List the processing error log",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			errs, err := s.Errors(cmd.Context(), all)
			if err != nil {
				return err
			}
			utils.PrintErrors(os.Stdout, errs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include resolved errors")
	return cmd
}

func resetCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all loaded rows, clear the error log and mark submissions unprocessed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("reset deletes every row of the mapped tables; pass --yes to confirm")
			}
			e, err := a.openEngine(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer e.Close()

			cleared, err := e.processor.Reset(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Cleared %d tables\n", len(cleared))
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the reset")
	return cmd
}

func sampleCmd(a *app) *cobra.Command {
	var (
		formID int64
		count  int
	)
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Generate fake submissions for a form from its group's mappings and store them",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			form, err := s.Form(cmd.Context(), formID)
			if err != nil {
				return err
			}
			defs, err := s.MappingsFor(cmd.Context(), form.FormGroup)
			if err != nil {
				return err
			}
			docs, err := generator.NewSampleGenerator(a.logger).Generate(defs, count)
			if err != nil {
				return err
			}
			stored := 0
			for _, raw := range docs {
				doc, err := models.ParseSubmission(formID, raw)
				if err != nil {
					return err
				}
				ok, err := s.SaveSubmission(cmd.Context(), doc)
				if err != nil {
					return err
				}
				if ok {
					stored++
				}
			}
			fmt.Printf("Stored %d sample submissions for form %d (%s)\n", stored, formID, form.FormGroup)
			return nil
		},
	}
	cmd.Flags().Int64Var(&formID, "form-id", 0, "Collection server form id")
	cmd.Flags().IntVarP(&count, "count", "n", 10, "Number of submissions to generate")
	_ = cmd.MarkFlagRequired("form-id")
	return cmd
}
