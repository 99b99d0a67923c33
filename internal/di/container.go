package di

import (
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/phishguard/internal/adapters/events"
	"github.com/mikey/phishguard/internal/aggregator"
	"github.com/mikey/phishguard/internal/config"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/factory"
	"github.com/mikey/phishguard/internal/logging"
	"github.com/mikey/phishguard/internal/pipeline"
	"github.com/mikey/phishguard/internal/ports"
	"github.com/mikey/phishguard/internal/utils"
)

// BuildContainer creates and configures a dependency injection container
func BuildContainer() (*dig.Container, error) {
	return BuildContainerWith(config.New)
}

// BuildContainerWith builds the daemon container around a config provider
func BuildContainerWith(loadConfig func() (*config.Config, error)) (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(loadConfig); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
		return nil, err
	}

	if err := provideAnalysis(container); err != nil {
		return nil, err
	}

	// Register factories
	if err := container.Provide(factory.NewStoreFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewEventsFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewIntakeFactory); err != nil {
		return nil, err
	}

	// Register store
	if err := container.Provide(func(f *factory.StoreFactory) (core.Store, error) {
		return f.CreateStore()
	}); err != nil {
		return nil, err
	}

	// Register aggregator
	if err := container.Provide(func(cfg *config.Config, store core.Store, logger *zap.Logger) (*aggregator.Aggregator, error) {
		aggCfg, err := cfg.GetAggregatorConfig()
		if err != nil {
			return nil, err
		}
		return aggregator.New(aggCfg, store, logger), nil
	}); err != nil {
		return nil, err
	}

	// Register event publisher; nil when events are disabled
	if err := container.Provide(func(f *factory.EventsFactory) (*events.AMQPPublisher, error) {
		return f.CreatePublisher()
	}); err != nil {
		return nil, err
	}

	// Register pipeline with its observers
	if err := container.Provide(func(
		cfg *config.Config,
		store core.Store,
		parser core.EmailParser,
		detectors []core.Detector,
		scorer *core.Scorer,
		agg *aggregator.Aggregator,
		publisher *events.AMQPPublisher,
		logger *zap.Logger,
	) (*pipeline.Service, error) {
		pipelineCfg, err := cfg.GetOrchestratorConfig()
		if err != nil {
			return nil, err
		}
		svc, err := pipeline.NewService(pipelineCfg, store, parser, detectors, scorer, agg, logger)
		if err != nil {
			return nil, err
		}
		svc.AddObserver(agg)
		if publisher != nil {
			svc.AddObserver(publisher)
		}
		return svc, nil
	}); err != nil {
		return nil, err
	}

	// Register submitter
	if err := container.Provide(func(svc *pipeline.Service) ports.Submitter {
		return svc
	}); err != nil {
		return nil, err
	}

	// Register intakes
	if err := container.Provide(func(f *factory.IntakeFactory) ([]ports.Intake, error) {
		return f.CreateIntakes()
	}); err != nil {
		return nil, err
	}

	return container, nil
}

// provideAnalysis registers the parser, detectors and scorer
func provideAnalysis(container *dig.Container) error {
	if err := container.Provide(factory.NewAnalysisFactory); err != nil {
		return err
	}

	// Register text processor
	if err := container.Provide(func(f *factory.AnalysisFactory) *utils.TextProcessor {
		return f.CreateTextProcessor()
	}); err != nil {
		return err
	}
	if err := container.Provide(func(f *factory.AnalysisFactory, text *utils.TextProcessor) core.EmailParser {
		return f.CreateParser(text)
	}); err != nil {
		return err
	}
	if err := container.Provide(func(f *factory.AnalysisFactory) ([]core.Detector, error) {
		return f.CreateDetectors()
	}); err != nil {
		return err
	}
	return container.Provide(func(f *factory.AnalysisFactory) (*core.Scorer, error) {
		return f.CreateScorer()
	})
}
