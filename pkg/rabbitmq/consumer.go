package rabbitmq

import (
	"fmt"
	"net/url"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Consumer binds a durable queue to routing keys on a topic exchange and dispatches
// deliveries to handlers.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger
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

func NewConsumer(amqpURL string, logger *zap.Logger) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(10, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, logger: logger}, nil
}

// deadLetterSuffix names the exchange and queue that hold deliveries a handler
// failed on twice.
const deadLetterSuffix = ".dead"

// maxLoggedBody bounds how much of a dead-lettered body is written to the log.
const maxLoggedBody = 512

// ConsumeWithBindings declares exchange, a durable queue bound to each routing key
// and a dead-letter queue behind it, then dispatches deliveries in a goroutine.
// A handler returning false gets one redelivery; a second failure dead-letters the
// message so an operator can replay it.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	deadExchange, err := c.declareDeadLetter(exchange, queueName)
	if err != nil {
		return fmt.Errorf("declare dead-letter route: %w", err)
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": deadExchange,
	})
	if err != nil {
		return err
	}

	handlers := make(map[string]func([]byte) bool)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			c.dispatch(d, d.RoutingKey, d.Redelivered, d.Body, handlers)
		}
		c.logger.Warn("delivery channel closed", zap.String("queue", q.Name))
	}()

	return nil
}

// declareDeadLetter creates the fanout exchange and durable queue that catch
// rejected deliveries for queueName.
func (c *Consumer) declareDeadLetter(exchange, queueName string) (string, error) {
	deadExchange := exchange + deadLetterSuffix
	deadQueue := queueName + deadLetterSuffix
	if err := c.ch.ExchangeDeclare(deadExchange, "fanout", true, false, false, false, nil); err != nil {
		return "", err
	}
	if _, err := c.ch.QueueDeclare(deadQueue, true, false, false, false, nil); err != nil {
		return "", err
	}
	if err := c.ch.QueueBind(deadQueue, "", deadExchange, false, nil); err != nil {
		return "", err
	}
	return deadExchange, nil
}

// acknowledger is the part of amqp.Delivery dispatch settles.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (c *Consumer) dispatch(d acknowledger, routingKey string, redelivered bool, body []byte, handlers map[string]func([]byte) bool) {
	handler, ok := handlers[routingKey]
	if !ok {
		c.logger.Warn("no handler for routing key; dropping", zap.String("routing_key", routingKey))
		c.settle(d.Ack(false), routingKey)
		return
	}
	if handler(body) {
		c.settle(d.Ack(false), routingKey)
		return
	}
	if !redelivered {
		c.logger.Warn("handler failed; re-queuing", zap.String("routing_key", routingKey))
		c.settle(d.Nack(false, true), routingKey)
		return
	}

	logged := body
	if len(logged) > maxLoggedBody {
		logged = logged[:maxLoggedBody]
	}
	c.logger.Error("handler failed after redelivery; dead-lettering",
		zap.String("routing_key", routingKey),
		zap.ByteString("body", logged),
	)
	c.settle(d.Nack(false, false), routingKey)
}

func (c *Consumer) settle(err error, routingKey string) {
	if err != nil {
		c.logger.Error("failed to settle delivery", zap.String("routing_key", routingKey), zap.Error(err))
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
