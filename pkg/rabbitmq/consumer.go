/**
 * @description
 * This package provides the RabbitMQ transport for the CDC pipeline. The
 * Consumer declares the exchange/queue/binding topology for a subscription
 * and hands the raw delivery stream to the dispatcher, which owns all
 * acknowledgement decisions. The DeadLetterPublisher re-publishes exhausted
 * events to the failure exchange.
 *
 * @dependencies
 * - context, fmt, net/url, strings: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */

package rabbitmq

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer holds the RabbitMQ connection and channel for CDC subscriptions.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	tags []string
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

// NewConsumer dials the broker and opens a channel. A bounded dial timeout
// keeps startup from hanging indefinitely.
func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// Subscribe declares the topology for one subscription and starts consuming.
// The returned channel closes when the subscription is canceled or the
// connection drops.
func (c *Consumer) Subscribe(exchange, queueName string, routingKeys []string, autoAck bool, prefetch int) (<-chan amqp.Delivery, error) {
	if len(routingKeys) == 0 {
		return nil, fmt.Errorf("no routing keys provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return nil, err
	}

	for _, routingKey := range routingKeys {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return nil, err
		}
	}

	if !autoAck && prefetch > 0 {
		if err := c.ch.Qos(prefetch, 0, false); err != nil {
			return nil, err
		}
	}

	tag := q.Name + "-consumer"
	msgs, err := c.ch.Consume(q.Name, tag, autoAck, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	c.tags = append(c.tags, tag)

	return msgs, nil
}

// CancelSubscriptions stops delivery on every open subscription. In-flight
// messages stay unacknowledged until the dispatcher settles them.
func (c *Consumer) CancelSubscriptions() error {
	for _, tag := range c.tags {
		if err := c.ch.Cancel(tag, false); err != nil {
			return err
		}
	}
	c.tags = nil
	return nil
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// DeadLetterPublisher re-publishes exhausted events to the failure exchange.
type DeadLetterPublisher struct {
	ch       *amqp.Channel
	exchange string
}

// NewDeadLetterPublisher declares the failure exchange and returns a publisher for it.
func (c *Consumer) NewDeadLetterPublisher(exchange string) (*DeadLetterPublisher, error) {
	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, err
	}
	return &DeadLetterPublisher{ch: c.ch, exchange: exchange}, nil
}

// PublishDeadLetter publishes the original payload under its original routing
// key, with the failure reason carried in headers for reconciliation tooling.
func (p *DeadLetterPublisher) PublishDeadLetter(ctx context.Context, routingKey string, body []byte, reason string) error {
	return p.ch.PublishWithContext(ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Headers: amqp.Table{
				"x-dead-letter-reason": reason,
			},
			Body: body,
		},
	)
}
