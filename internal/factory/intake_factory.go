package factory

import (
	"github.com/mikey/phishguard/internal/adapters/intake"
	"github.com/mikey/phishguard/internal/config"
	"github.com/mikey/phishguard/internal/ports"
	"go.uber.org/zap"
)

// IntakeFactory creates the enabled intakes
type IntakeFactory struct {
	cfg       *config.Config
	logger    *zap.Logger
	submitter ports.Submitter
}

// NewIntakeFactory creates a new intake factory
func NewIntakeFactory(cfg *config.Config, logger *zap.Logger, submitter ports.Submitter) *IntakeFactory {
	return &IntakeFactory{
		cfg:       cfg,
		logger:    logger,
		submitter: submitter,
	}
}

// CreateIntakes creates every intake enabled in the configuration
func (f *IntakeFactory) CreateIntakes() ([]ports.Intake, error) {
	var intakes []ports.Intake

	if f.cfg.SMTPIntakeEnabled() {
		smtpCfg, err := f.cfg.GetSMTPConfig()
		if err != nil {
			return nil, err
		}
		intakes = append(intakes, intake.NewSMTPIntake(f.submitter, f.logger, smtpCfg))
	}

	return intakes, nil
}
