// Package events publishes task completion events to a message broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/metrics"
	"github.com/streadway/amqp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultRoutingKey is used for completion events when none is configured
const DefaultRoutingKey = "phishguard.task.completed"

// CompletionEvent is the message body published for each completed task
type CompletionEvent struct {
	TaskID        string                `json:"task_id"`
	ParentID      string                `json:"parent_id,omitempty"`
	SourceKind    core.SourceKind       `json:"source_kind"`
	ThreatScore   float64               `json:"threat_score"`
	RiskLevel     core.RiskLevel        `json:"risk_level"`
	Subject       string                `json:"subject"`
	Sender        string                `json:"sender"`
	FindingCounts map[core.Category]int `json:"finding_counts"`
	SubmittedAt   time.Time             `json:"submitted_at"`
	CompletedAt   time.Time             `json:"completed_at"`
}

// NewCompletionEvent summarizes a completed task. Findings are reduced to
// counts; consumers fetch the full result by id.
func NewCompletionEvent(task *core.Task) CompletionEvent {
	ev := CompletionEvent{
		TaskID:        task.ID,
		ParentID:      task.ParentID,
		SourceKind:    task.Kind,
		SubmittedAt:   task.SubmittedAt,
		FindingCounts: make(map[core.Category]int, len(core.Categories)),
	}
	if task.CompletedAt != nil {
		ev.CompletedAt = *task.CompletedAt
	}
	if r := task.Result; r != nil {
		ev.ThreatScore = r.ThreatScore
		ev.RiskLevel = r.RiskLevel
		ev.Subject = r.Subject
		ev.Sender = r.Sender
	}
	for _, cat := range core.Categories {
		ev.FindingCounts[cat] = task.Result.FindingCount(cat)
	}
	return ev
}

// channel is the part of *amqp.Channel the publisher uses
type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes completion events to a topic exchange. It
// implements core.TaskObserver; publish failures are logged and counted but
// never fail the task.
type AMQPPublisher struct {
	conn       *amqp.Connection
	channel    channel
	exchange   string
	routingKey string
	logger     *zap.Logger
	mu         sync.Mutex
}

// NewAMQPPublisher connects to the broker and declares the exchange
func NewAMQPPublisher(amqpURL, exchange, routingKey string, logger *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	p := newPublisher(ch, exchange, routingKey, logger)
	p.conn = conn
	p.logger.Info("AMQP publisher connected",
		zap.String("exchange", exchange),
		zap.String("routing_key", p.routingKey))
	return p, nil
}

func newPublisher(ch channel, exchange, routingKey string, logger *zap.Logger) *AMQPPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if routingKey == "" {
		routingKey = DefaultRoutingKey
	}
	return &AMQPPublisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}
}

// Publish sends one completion event
func (p *AMQPPublisher) Publish(ev CompletionEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    ev.TaskID,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.Publish(p.exchange, p.routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// OnTaskCompleted implements core.TaskObserver
func (p *AMQPPublisher) OnTaskCompleted(ctx context.Context, task *core.Task) {
	if task == nil || task.Result == nil {
		return
	}
	if err := p.Publish(NewCompletionEvent(task)); err != nil {
		metrics.EventPublishErrorsTotal.Inc()
		p.logger.Warn("Failed to publish completion event",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return
	}
	p.logger.Debug("Published completion event", zap.String("task_id", task.ID))
}

// Close closes the channel and the connection
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.channel != nil {
		err = multierr.Append(err, p.channel.Close())
	}
	if p.conn != nil {
		err = multierr.Append(err, p.conn.Close())
	}
	if err != nil {
		return fmt.Errorf("failed to close publisher: %w", err)
	}
	return nil
}
