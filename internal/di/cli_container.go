package di

import (
	"flag"
	"io"
	"time"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/phishguard/internal/config"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/factory"
	"github.com/mikey/phishguard/internal/logging"
	"github.com/mikey/phishguard/internal/pipeline"
)

// CLIFlags contains all command line flags for the scanner
type CLIFlags struct {
	// Input flags
	InputFile string
	MboxFile  string

	// Output flags
	Format     string
	OutputFile string

	// Detection flags
	RulesFile string
	Resolve   bool
	Timeout   time.Duration

	// Logging and configuration flags
	Verbose    bool
	JSONLog    bool
	ConfigFile string
}

// ParseFlags parses command line flags and returns a CLIFlags struct
func ParseFlags(args []string, output io.Writer) (*CLIFlags, error) {
	flags := &CLIFlags{}
	fs := flag.NewFlagSet("phish-scan", flag.ContinueOnError)
	fs.SetOutput(output)

	// Input flags
	fs.StringVar(&flags.InputFile, "file", "", "Input email file (use stdin if neither -file nor -mbox is given)")
	fs.StringVar(&flags.MboxFile, "mbox", "", "Mailbox file analysed as batches")

	// Output flags
	fs.StringVar(&flags.Format, "format", "text", "Report format (text, json, csv)")
	fs.StringVar(&flags.OutputFile, "output", "", "Write the report to a file instead of stdout")

	// Detection flags
	fs.StringVar(&flags.RulesFile, "rules", "", "YAML rule pack overriding the built-in rules")
	fs.BoolVar(&flags.Resolve, "resolve", false, "Resolve link domains through DNS")
	fs.DurationVar(&flags.Timeout, "timeout", 2*time.Minute, "Maximum time to wait for all results")

	// Logging and configuration flags
	fs.BoolVar(&flags.Verbose, "verbose", false, "Enable verbose logging")
	fs.BoolVar(&flags.JSONLog, "json-log", false, "Output logs in JSON format")
	fs.StringVar(&flags.ConfigFile, "config", "", "Path to config file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return flags, nil
}

// BuildCLIContainer creates and configures a dependency injection container for the scanner
func BuildCLIContainer(flags *CLIFlags) (*dig.Container, error) {
	container := dig.New()

	// Register flags
	if err := container.Provide(func() *CLIFlags { return flags }); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(func(flags *CLIFlags) (*zap.Logger, error) {
		return logging.InitConsoleLogger(flags.Verbose, flags.JSONLog)
	}); err != nil {
		return nil, err
	}

	// Register configuration
	if err := container.Provide(func(flags *CLIFlags, logger *zap.Logger) (*config.Config, error) {
		cfg := config.NewFromViper(config.NewEmptyViper())
		if flags.ConfigFile != "" {
			var err error
			cfg, err = config.Load(flags.ConfigFile)
			if err != nil {
				return nil, err
			}
			logger.Info("Loaded configuration from file", zap.String("file", cfg.GetViper().ConfigFileUsed()))
		}
		applyFlags(cfg, flags)
		return cfg, nil
	}); err != nil {
		return nil, err
	}

	if err := provideAnalysis(container); err != nil {
		return nil, err
	}

	// Register an in-memory store; scans are not persisted
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) (core.Store, error) {
		return factory.NewStoreFactory(cfg, logger).CreateStore()
	}); err != nil {
		return nil, err
	}

	// Register pipeline
	if err := container.Provide(func(
		cfg *config.Config,
		store core.Store,
		parser core.EmailParser,
		detectors []core.Detector,
		scorer *core.Scorer,
		logger *zap.Logger,
	) (*pipeline.Service, error) {
		pipelineCfg, err := cfg.GetOrchestratorConfig()
		if err != nil {
			return nil, err
		}
		return pipeline.NewService(pipelineCfg, store, parser, detectors, scorer, nil, logger)
	}); err != nil {
		return nil, err
	}

	return container, nil
}

// applyFlags overlays command line flags onto the configuration
func applyFlags(cfg *config.Config, flags *CLIFlags) {
	cfg.Set("store.type", "memory")
	if flags.RulesFile != "" {
		cfg.Set("detection.rules_file", flags.RulesFile)
	}
	if flags.Resolve {
		cfg.Set("detection.resolve_domains", true)
	}
}
