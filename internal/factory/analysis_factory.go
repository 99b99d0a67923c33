package factory

import (
	"fmt"
	"net"

	"github.com/mikey/phishguard/internal/config"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/detect"
	"github.com/mikey/phishguard/internal/parser"
	"github.com/mikey/phishguard/internal/utils"
	"go.uber.org/zap"
)

// AnalysisFactory creates the parser, detectors and scorer
type AnalysisFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewAnalysisFactory creates a new analysis factory
func NewAnalysisFactory(cfg *config.Config, logger *zap.Logger) *AnalysisFactory {
	return &AnalysisFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateTextProcessor creates a new TextProcessor
func (f *AnalysisFactory) CreateTextProcessor() *utils.TextProcessor {
	return utils.NewTextProcessor(f.logger)
}

// CreateParser creates the email parser
func (f *AnalysisFactory) CreateParser(text *utils.TextProcessor) core.EmailParser {
	return parser.NewParser(f.cfg.GetParserConfig(), text, f.logger)
}

// CreateDetectors loads the rule pack and builds one detector per category
func (f *AnalysisFactory) CreateDetectors() ([]core.Detector, error) {
	detectionCfg, err := f.cfg.GetDetectionConfig()
	if err != nil {
		return nil, err
	}

	rules, err := detect.LoadRules(detectionCfg.RulesFile)
	if err != nil {
		return nil, err
	}
	if detectionCfg.RulesFile != "" {
		f.logger.Info("Loaded detection rules", zap.String("file", detectionCfg.RulesFile))
	}

	detectors, err := detect.NewSuite(rules, detectionCfg.Options, net.DefaultResolver, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create detectors: %w", err)
	}
	return detectors, nil
}

// CreateScorer creates the scorer from the scoring section
func (f *AnalysisFactory) CreateScorer() (*core.Scorer, error) {
	scoringCfg, err := f.cfg.GetScoringConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid scoring configuration: %w", err)
	}
	return core.NewScorer(scoringCfg)
}
