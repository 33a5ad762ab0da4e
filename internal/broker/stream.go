package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ticket-queue/internal/status"
	"ticket-queue/models"
	"ticket-queue/utils"

	"github.com/redis/go-redis/v9"
)

const (
	payloadField = "payload"
	reasonField  = "reason"

	// ConsumerGroup is shared by every worker process; one worker drains one topic.
	ConsumerGroup = "position-workers"
)

// TopicName is the stream carrying admissions for one event.
func TopicName(eventID string) string {
	return "queue_event_" + eventID
}

// DeadLetterTopic receives messages that can never be processed.
func DeadLetterTopic(topic string) string {
	return topic + ":dead"
}

// Publisher appends admission messages to event topics.
type Publisher struct {
	conn    *Connection
	breaker *utils.CircuitBreaker
}

func NewPublisher(conn *Connection, breaker *utils.CircuitBreaker) *Publisher {
	if breaker == nil {
		breaker = utils.NewCircuitBreaker("publisher")
	}
	return &Publisher{conn: conn, breaker: breaker}
}

// Publish durably appends msg to the topic of its event and returns the
// stream id. Every failure wraps status.ErrPublishFailed.
func (p *Publisher) Publish(ctx context.Context, msg models.AdmissionMessage) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	var id string
	err = p.breaker.Execute(ctx, func() error {
		client, err := p.conn.Client(ctx)
		if err != nil {
			return err
		}
		id, err = client.XAdd(ctx, &redis.XAddArgs{
			Stream: TopicName(msg.EventID),
			Values: []string{payloadField, string(body)},
		}).Result()
		if IsConnectionError(err) {
			p.conn.Invalidate(client, err)
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", status.ErrPublishFailed, err)
	}
	return id, nil
}

// Delivery is one message read from a topic. Malformed is set when the
// payload could not be decoded into a valid AdmissionMessage.
type Delivery struct {
	ID        string
	Message   models.AdmissionMessage
	Raw       string
	Malformed error
}

// Consumer reads one topic as a member of ConsumerGroup. It starts by
// replaying its own pending (delivered but unacknowledged) messages before
// asking for new ones.
type Consumer struct {
	conn     *Connection
	topic    string
	group    string
	name     string
	block    time.Duration
	logger   *slog.Logger
	declared bool
	pending  bool
}

func NewConsumer(conn *Connection, topic, name string, block time.Duration, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		conn:    conn,
		topic:   topic,
		group:   ConsumerGroup,
		name:    name,
		block:   block,
		logger:  logger.With("topic", topic),
		pending: true,
	}
}

func (c *Consumer) Topic() string { return c.topic }

// Declare creates the topic and the consumer group if they do not exist.
func (c *Consumer) Declare(ctx context.Context) error {
	client, err := c.conn.Client(ctx)
	if err != nil {
		return err
	}
	err = client.XGroupCreateMkStream(ctx, c.topic, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		c.check(client, err)
		return fmt.Errorf("declare topic %s: %w", c.topic, err)
	}
	c.declared = true
	return nil
}

// Next returns the next delivery, or nil when nothing arrived within the
// block duration.
func (c *Consumer) Next(ctx context.Context) (*Delivery, error) {
	if !c.declared {
		if err := c.Declare(ctx); err != nil {
			return nil, err
		}
	}
	client, err := c.conn.Client(ctx)
	if err != nil {
		return nil, err
	}

	for {
		args := &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.topic, ">"},
			Count:    1,
			Block:    c.block,
		}
		if c.pending {
			args.Streams[1] = "0"
			args.Block = -1
		}

		streams, err := client.XReadGroup(ctx, args).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			c.check(client, err)
			return nil, fmt.Errorf("read topic %s: %w", c.topic, err)
		}

		if len(streams) == 0 || len(streams[0].Messages) == 0 {
			if c.pending {
				c.pending = false
				continue
			}
			return nil, nil
		}
		return decode(streams[0].Messages[0]), nil
	}
}

// Ack removes a delivery from the pending list for good.
func (c *Consumer) Ack(ctx context.Context, d *Delivery) error {
	client, err := c.conn.Client(ctx)
	if err != nil {
		return err
	}
	if err := client.XAck(ctx, c.topic, c.group, d.ID).Err(); err != nil {
		c.check(client, err)
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}
	return nil
}

// Reject moves a delivery to the dead-letter topic and acknowledges it.
func (c *Consumer) Reject(ctx context.Context, d *Delivery, reason error) error {
	client, err := c.conn.Client(ctx)
	if err != nil {
		return err
	}
	err = client.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterTopic(c.topic),
		Values: []string{payloadField, d.Raw, reasonField, reason.Error()},
	}).Err()
	if err != nil {
		c.check(client, err)
		return fmt.Errorf("dead-letter %s: %w", d.ID, err)
	}
	c.logger.Warn("Message rejected", "id", d.ID, "reason", reason)
	return c.Ack(ctx, d)
}

// Reset makes the next read start from the pending list again, so a
// delivery that was not acknowledged is retried.
func (c *Consumer) Reset() {
	c.pending = true
}

// Pending returns how many deliveries of the topic await acknowledgement.
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	client, err := c.conn.Client(ctx)
	if err != nil {
		return 0, err
	}
	info, err := client.XPending(ctx, c.topic, c.group).Result()
	if err != nil {
		c.check(client, err)
		return 0, err
	}
	return info.Count, nil
}

func (c *Consumer) check(client redis.UniversalClient, err error) {
	if strings.HasPrefix(err.Error(), "NOGROUP") {
		c.declared = false
		c.pending = true
		return
	}
	if IsConnectionError(err) {
		c.conn.Invalidate(client, err)
		c.declared = false
		c.pending = true
	}
}

func decode(msg redis.XMessage) *Delivery {
	d := &Delivery{ID: msg.ID}

	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		d.Malformed = fmt.Errorf("message %s has no %s field", msg.ID, payloadField)
		return d
	}
	d.Raw = raw

	if err := json.Unmarshal([]byte(raw), &d.Message); err != nil {
		d.Malformed = fmt.Errorf("decode message %s: %w", msg.ID, err)
		return d
	}
	if err := d.Message.Validate(); err != nil {
		d.Malformed = err
	}
	return d
}
