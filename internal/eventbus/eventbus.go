// Package eventbus publishes workflow/step lifecycle events to an
// external collaborator over RabbitMQ's dial/channel/declare idiom,
// generalized from a single step-execution publish path into a small
// set of lifecycle events published to the single exchange named in
// configuration. This sits outside the critical path of replay: the
// Engine calls it after a state transition has already been persisted
// through the Store.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Publisher is the lifecycle-event collaborator the Engine calls after
// each execution state transition.
type Publisher interface {
	PublishExecutionStarted(ctx context.Context, executionID, workflowName string)
	PublishExecutionCompleted(ctx context.Context, executionID, workflowName string)
	PublishExecutionFailed(ctx context.Context, executionID, workflowName string, err error)
	PublishStepCompleted(ctx context.Context, executionID, stepName string)
	Close() error
}

// Event mirrors the shape marshaled onto the result queue, generalized
// from a single step-execution payload to any lifecycle event.
type Event struct {
	Type         string    `json:"type"`
	ExecutionID  string    `json:"executionId"`
	WorkflowName string    `json:"workflowName"`
	StepName     string    `json:"stepName,omitempty"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

// AMQPPublisher publishes Events to RabbitMQ via the standard
// amqp.Dial/Channel/ExchangeDeclare/Publish sequence.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewAMQPPublisher dials url and declares the durable topic exchange
// named by exchange (the configured MessageQueue.Exchange,
// "workflow.events" by default); every event is published there, with
// its type as the routing key.
func NewAMQPPublisher(url, exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("eventbus: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("eventbus: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("eventbus: declare exchange: %w", err)
	}
	return &AMQPPublisher{conn: conn, channel: ch, exchange: exchange, logger: logger}, nil
}

func (p *AMQPPublisher) publish(ctx context.Context, routingKey string, evt Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		p.logger.Warn("eventbus: marshal event failed", zap.Error(err))
		return
	}
	err = p.channel.Publish(p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   evt.At,
	})
	if err != nil {
		p.logger.Warn("eventbus: publish failed", zap.Error(err), zap.String("routing_key", routingKey))
	}
}

func (p *AMQPPublisher) PublishExecutionStarted(ctx context.Context, executionID, workflowName string) {
	p.publish(ctx, "execution.started", Event{Type: "execution.started", ExecutionID: executionID, WorkflowName: workflowName, At: time.Now()})
}

func (p *AMQPPublisher) PublishExecutionCompleted(ctx context.Context, executionID, workflowName string) {
	p.publish(ctx, "execution.completed", Event{Type: "execution.completed", ExecutionID: executionID, WorkflowName: workflowName, At: time.Now()})
}

func (p *AMQPPublisher) PublishExecutionFailed(ctx context.Context, executionID, workflowName string, err error) {
	p.publish(ctx, "execution.failed", Event{Type: "execution.failed", ExecutionID: executionID, WorkflowName: workflowName, Error: err.Error(), At: time.Now()})
}

func (p *AMQPPublisher) PublishStepCompleted(ctx context.Context, executionID, stepName string) {
	p.publish(ctx, "execution.step", Event{Type: "execution.step", ExecutionID: executionID, StepName: stepName, At: time.Now()})
}

func (p *AMQPPublisher) Close() error {
	chErr := p.channel.Close()
	connErr := p.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}
