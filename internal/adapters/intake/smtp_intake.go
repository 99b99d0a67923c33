package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/ports"
	"go.uber.org/zap"
)

// SMTPConfig holds the listener settings of the SMTP intake
type SMTPConfig struct {
	ListenAddr      string
	Domain          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	MaxRecipients   int
	SubmitTimeout   time.Duration
}

// DefaultSMTPConfig returns settings matching the pipeline's file limit
func DefaultSMTPConfig() SMTPConfig {
	return SMTPConfig{
		ListenAddr:      "127.0.0.1:10025",
		Domain:          "localhost",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		MaxMessageBytes: 16 << 20,
		MaxRecipients:   50,
		SubmitTimeout:   10 * time.Second,
	}
}

var (
	errRejected    = &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 6, 0}, Message: "Message rejected"}
	errUnavailable = &smtp.SMTPError{Code: 421, EnhancedCode: smtp.EnhancedCode{4, 3, 2}, Message: "Service shutting down"}
	errTemporary   = &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "Temporary failure, try again later"}
)

// SMTPIntake accepts mail over SMTP and submits each message for analysis
// as a file submission. The message is accepted once its task is queued;
// analysis results are not reported back to the client.
type SMTPIntake struct {
	submitter ports.Submitter
	logger    *zap.Logger
	cfg       SMTPConfig

	mu       sync.Mutex
	server   *smtp.Server
	listener net.Listener
}

// NewSMTPIntake creates a new SMTP intake
func NewSMTPIntake(submitter ports.Submitter, logger *zap.Logger, cfg SMTPConfig) *SMTPIntake {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSMTPConfig().SubmitTimeout
	}
	return &SMTPIntake{
		submitter: submitter,
		logger:    logger,
		cfg:       cfg,
	}
}

// Start binds the listener and serves in the background
func (i *SMTPIntake) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.server != nil {
		return errors.New("smtp intake already started")
	}

	ln, err := net.Listen("tcp", i.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", i.cfg.ListenAddr, err)
	}

	server := smtp.NewServer(&smtpBackend{intake: i})
	server.Addr = ln.Addr().String()
	server.Domain = i.cfg.Domain
	server.ReadTimeout = i.cfg.ReadTimeout
	server.WriteTimeout = i.cfg.WriteTimeout
	server.MaxMessageBytes = i.cfg.MaxMessageBytes
	server.MaxRecipients = i.cfg.MaxRecipients
	i.server = server
	i.listener = ln

	i.logger.Info("SMTP intake started", zap.String("address", server.Addr))

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			i.logger.Error("SMTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or empty before Start
func (i *SMTPIntake) Addr() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.listener == nil {
		return ""
	}
	return i.listener.Addr().String()
}

// Stop closes the listener and all open sessions
func (i *SMTPIntake) Stop() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.server == nil {
		return nil
	}
	err := i.server.Close()
	i.server = nil
	i.listener = nil
	if err != nil && !errors.Is(err, smtp.ErrServerClosed) {
		return fmt.Errorf("failed to stop smtp intake: %w", err)
	}
	return nil
}

// submit queues one message and maps pipeline errors to SMTP replies
func (i *SMTPIntake) submit(data []byte, sender string, recipients int) error {
	ctx, cancel := context.WithTimeout(context.Background(), i.cfg.SubmitTimeout)
	defer cancel()

	id, err := i.submitter.Submit(ctx, core.SourceFile, data)
	if err != nil {
		i.logger.Warn("Rejected SMTP message",
			zap.String("sender", sender),
			zap.Int("size", len(data)),
			zap.Error(err))
		return replyFor(err)
	}

	i.logger.Info("Queued SMTP message",
		zap.String("task_id", id),
		zap.String("sender", sender),
		zap.Int("recipients", recipients),
		zap.Int("size", len(data)))
	return nil
}

func replyFor(err error) *smtp.SMTPError {
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		return errRejected
	case errors.Is(err, core.ErrCancelled):
		return errUnavailable
	default:
		return errTemporary
	}
}

// smtpBackend implements the go-smtp Backend interface
type smtpBackend struct {
	intake *SMTPIntake
}

// NewSession creates a new SMTP session
func (b *smtpBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &smtpSession{intake: b.intake}, nil
}

// smtpSession implements the go-smtp Session interface
type smtpSession struct {
	intake     *SMTPIntake
	sender     string
	recipients []string
}

// Reset resets the session state
func (s *smtpSession) Reset() {
	s.sender = ""
	s.recipients = nil
}

// Mail sets the sender address
func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	s.sender = from
	return nil
}

// Rcpt adds a recipient
func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.recipients = append(s.recipients, to)
	return nil
}

// Data reads the message and submits it. Oversized messages are refused
// by the server with 552 before they reach the pipeline.
func (s *smtpSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		s.intake.logger.Warn("Failed to read message data",
			zap.String("sender", s.sender),
			zap.Error(err))
		return err
	}
	return s.intake.submit(data, s.sender, len(s.recipients))
}

// Logout handles SMTP logout
func (s *smtpSession) Logout() error {
	return nil
}
