package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vitebski/survey-loader/internal/analyzer"
	"github.com/vitebski/survey-loader/internal/config"
	"github.com/vitebski/survey-loader/internal/connector"
	"github.com/vitebski/survey-loader/internal/loader"
	"github.com/vitebski/survey-loader/internal/normalizer"
	"github.com/vitebski/survey-loader/internal/planner"
	"github.com/vitebski/survey-loader/internal/store"
	"github.com/vitebski/survey-loader/internal/utils"
	"github.com/vitebski/survey-loader/internal/validator"
)

// app carries what every subcommand needs once flags are parsed
type app struct {
	configFile string
	envFile    string
	logLevel   string

	cfg    *config.Config
	logger *logrus.Logger
}

func (a *app) setup() error {
	bootstrap := utils.SetupLogging(a.logLevel)
	utils.LoadEnvironmentVariables(a.envFile, bootstrap)

	path := a.configFile
	required := path != ""
	if path == "" {
		path = config.DefaultFile
	}
	cfg, err := config.Load(path, required)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := a.logLevel
	if level == "" {
		level = cfg.LogLevel
	}
	a.logger = utils.SetupLogging(level)
	return nil
}

func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	return store.Open(ctx, a.cfg.Store.Path, a.logger)
}

func (a *app) openDestination(ctx context.Context) (*connector.DatabaseConnector, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid destination configuration: %w", err)
	}
	dc, err := connector.NewDatabaseConnector(a.cfg.ConnectorConfig(), a.logger)
	if err != nil {
		return nil, err
	}
	if err := dc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to destination: %w", err)
	}
	return dc, nil
}

// engine is the wired load path over one store and one destination
type engine struct {
	store     *store.Store
	dest      *connector.DatabaseConnector
	schema    *analyzer.SchemaAnalyzer
	resolver  *planner.Resolver
	processor *loader.Processor
}

func (a *app) openEngine(ctx context.Context, recorder loader.Recorder) (*engine, error) {
	s, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	dc, err := a.openDestination(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	schema := analyzer.NewSchemaAnalyzer(dc, a.logger)
	resolver := planner.NewResolver(s, schema, dc.SQLDialect(), a.cfg.PlannerOptions(), a.logger)
	norm := normalizer.New(a.cfg.NormalizerOptions(), a.logger)
	ld := loader.NewLoader(dc, s, recorder, a.cfg.LoaderOptions(), a.logger)
	check := validator.New(schema, s, validator.Options{QuietPatterns: true}, a.logger)
	return &engine{
		store:     s,
		dest:      dc,
		schema:    schema,
		resolver:  resolver,
		processor: loader.NewProcessor(s, resolver, check, norm, ld, dc, a.cfg.Loader.DryRunLimit, a.logger),
	}, nil
}

func (e *engine) Close() {
	e.dest.Disconnect()
	e.store.Close()
}

func main() {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "survey-loader",
		Short: "Normalize survey submissions and load them into a relational database",
		Long: `Survey Loader

Flattens nested survey submissions into sheets and loads them into a
relational database according to per form group mapping definitions,
resolving foreign keys, dictionary lookups and duplicates on the way.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "Path to the YAML config file (default: "+config.DefaultFile+" if present)")
	rootCmd.PersistentFlags().StringVarP(&a.envFile, "env-file", "e", ".env", "Path to .env file")
	rootCmd.PersistentFlags().StringVarP(&a.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		importMappingsCmd(a),
		importSubmissionsCmd(a),
		analyzeCmd(a),
		planCmd(a),
		validateCmd(a),
		processCmd(a),
		exportCmd(a),
		statusCmd(a),
		errorsCmd(a),
		resetCmd(a),
		sampleCmd(a),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
