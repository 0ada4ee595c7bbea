package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/spbu-ds-practicum-2025/example-project/services/transfer-service/internal/domain"
	"github.com/spbu-ds-practicum-2025/example-project/services/transfer-service/internal/money"
)

// EventTypeTransferCompleted is the eventType of events emitted after a committed transfer.
const EventTypeTransferCompleted = "transfer.completed"

// Amount is a decimal value with its currency.
type Amount struct {
	Value        string `json:"value"`
	CurrencyCode string `json:"currencyCode"`
}

// TransferCompletedEvent is the payload published for a committed transfer.
// Amount repeats SourceAmount for consumers that only know single-currency transfers.
type TransferCompletedEvent struct {
	EventID        string  `json:"eventId"`
	EventType      string  `json:"eventType"`
	EventTimestamp string  `json:"eventTimestamp"`
	OperationID    string  `json:"operationId"`
	SenderID       string  `json:"senderId"`
	RecipientID    string  `json:"recipientId"`
	Amount         Amount  `json:"amount"`
	SourceAmount   Amount  `json:"sourceAmount"`
	TargetAmount   Amount  `json:"targetAmount"`
	FXRate         string  `json:"fxRate"`
	IdempotencyKey string  `json:"idempotencyKey,omitempty"`
	Status         string  `json:"status"`
	Timestamp      string  `json:"timestamp"`
	Message        *string `json:"message,omitempty"`
}

// NewTransferCompletedEvent builds the event for a committed transfer.
func NewTransferCompletedEvent(result *domain.TransferResult, now time.Time) TransferCompletedEvent {
	txn := result.Transaction
	source := Amount{Value: money.Format(txn.SourceAmount.Decimal), CurrencyCode: txn.SourceCurrency}
	return TransferCompletedEvent{
		EventID:        uuid.New().String(),
		EventType:      EventTypeTransferCompleted,
		EventTimestamp: now.UTC().Format(time.RFC3339),
		OperationID:    txn.ID.String(),
		SenderID:       result.Source.ID.String(),
		RecipientID:    result.Target.ID.String(),
		Amount:         source,
		SourceAmount:   source,
		TargetAmount:   Amount{Value: money.Format(txn.TargetAmount.Decimal), CurrencyCode: txn.TargetCurrency},
		FXRate:         money.FormatRate(txn.FXRate.Decimal),
		IdempotencyKey: result.IdempotencyKey,
		Status:         "SUCCESS",
		Timestamp:      txn.CreatedAt.UTC().Format(time.RFC3339),
		Message:        txn.Description,
	}
}

// RabbitMQPublisher implements domain.EventPublisher on a RabbitMQ topic exchange.
type RabbitMQPublisher struct {
	conn       *amqp.Connection
	mu         sync.Mutex
	channel    *amqp.Channel
	exchange   string
	routingKey string
}

// NewRabbitMQPublisher connects to RabbitMQ and declares the exchange.
func NewRabbitMQPublisher(url, exchange, routingKey string) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &RabbitMQPublisher{
		conn:       conn,
		channel:    channel,
		exchange:   exchange,
		routingKey: routingKey,
	}, nil
}

// PublishTransferCompleted publishes a persistent JSON event for a committed transfer.
func (p *RabbitMQPublisher) PublishTransferCompleted(ctx context.Context, result *domain.TransferResult) error {
	event := NewTransferCompletedEvent(result, time.Now())
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx,
		p.exchange,   // exchange
		p.routingKey, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.EventID,
			Timestamp:    time.Now().UTC(),
			Type:         EventTypeTransferCompleted,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close closes the RabbitMQ channel and connection
func (p *RabbitMQPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
