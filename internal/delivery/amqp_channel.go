package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

type publisher interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publish outcomes the broker reports after accepting the frame.
var (
	ErrNacked     = errors.New("delivery: broker nacked publish")
	ErrUnroutable = errors.New("delivery: message returned as unroutable")
	ErrNoConfirm  = errors.New("delivery: channel closed before confirm")
)

const defaultConfirmTimeout = 10 * time.Second

// Update is the message body published for each delivery.
type Update struct {
	UserID string            `json:"user_id"`
	Fields map[string]string `json:"fields"`
	SentAt time.Time         `json:"sent_at"`
}

// AMQPChannel publishes field updates to a topic exchange. The review id is
// used as the AMQP message id so consumers can drop redeliveries.
type AMQPChannel struct {
	exchange   string
	routingKey string
	open       func() (publisher, error)
	close      func() error

	confirmTimeout time.Duration
}

// DialAMQP connects to url and declares a durable topic exchange.
func DialAMQP(url, exchange, routingKey string) (*AMQPChannel, error) {
	if exchange == "" {
		return nil, errors.New("delivery: amqp exchange is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQPChannel{
		exchange:   exchange,
		routingKey: routingKey,
		open:       func() (publisher, error) { return conn.Channel() },
		close:      conn.Close,
	}, nil
}

// UpdateExternalFields publishes one persistent, mandatory message per call
// and returns only once the broker has confirmed it.
func (c *AMQPChannel) UpdateExternalFields(ctx context.Context, userID string, fields map[string]string) error {
	body, err := json.Marshal(Update{UserID: userID, Fields: fields, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	ch, err := c.open()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("confirm mode: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	returns := ch.NotifyReturn(make(chan amqp.Return, 1))

	msgID := fields[FieldReviewID]
	if msgID == "" {
		msgID = uuid.NewString()
	}
	err = ch.PublishWithContext(ctx, c.exchange, c.routingKey, true, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msgID,
		CorrelationId: userID,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		return err
	}
	return c.awaitConfirm(ctx, msgID, confirms, returns)
}

// awaitConfirm waits for the broker's ack. A basic.return always arrives
// before the ack for the same message.
func (c *AMQPChannel) awaitConfirm(ctx context.Context, msgID string, confirms <-chan amqp.Confirmation, returns <-chan amqp.Return) error {
	timeout := c.confirmTimeout
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var returned *amqp.Return
	for {
		select {
		case r, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			returned = &r
		case conf, ok := <-confirms:
			if !ok {
				return ErrNoConfirm
			}
			if !conf.Ack {
				return fmt.Errorf("%w: message %s", ErrNacked, msgID)
			}
			if returned == nil {
				select {
				case r, ok := <-returns:
					if ok {
						returned = &r
					}
				default:
				}
			}
			if returned != nil {
				return fmt.Errorf("%w: %d %s", ErrUnroutable, returned.ReplyCode, returned.ReplyText)
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("awaiting confirm for %s: %w", msgID, ctx.Err())
		}
	}
}

// Close closes the broker connection.
func (c *AMQPChannel) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}
