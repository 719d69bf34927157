// Package queue dispatches index sync jobs over RabbitMQ.
//
// The API creates a SyncJob row in Postgres and publishes its id to the
// "index_sync_jobs" queue; the worker consumes the id, loads the job and runs
// it. The queue is durable, messages are persistent, and the consumer acks
// manually once the job has reached a terminal state.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

const SyncQueueName = "index_sync_jobs"

// SyncRequest is the message body. The job itself lives in Postgres.
type SyncRequest struct {
	JobID string `json:"jobId"`
}

// Publisher owns the AMQP connection for the API side (publish only).
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue
}

// NewPublisher dials RabbitMQ and declares the shared queue.
func NewPublisher(url string) (*Publisher, error) {
	conn, ch, err := open(url)
	if err != nil {
		return nil, err
	}

	q, err := declareQueue(ch)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Publisher{conn: conn, channel: ch, queue: q}, nil
}

// PublishSyncJob enqueues a job id. The message is persistent so a broker
// restart does not lose a queued sync.
func (p *Publisher) PublishSyncJob(ctx context.Context, jobID string) error {
	body, err := json.Marshal(SyncRequest{JobID: jobID})
	if err != nil {
		return err
	}

	err = p.channel.PublishWithContext(ctx,
		"",           // default exchange
		p.queue.Name, // routing key == queue name for default exchange
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    jobID,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	return nil
}

// Close releases the AMQP channel and connection.
func (p *Publisher) Close() {
	p.channel.Close()
	p.conn.Close()
}

// Consumer owns the AMQP connection for the worker side (consume only).
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue
}

// NewConsumer dials RabbitMQ and sets QoS to one job at a time. A sync
// holds the index for minutes, so prefetching a second job gains nothing.
func NewConsumer(url string) (*Consumer, error) {
	conn, ch, err := open(url)
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("queue: set qos: %w", err)
	}

	q, err := declareQueue(ch)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, channel: ch, queue: q}, nil
}

// Delivery wraps amqp.Delivery with the decoded job id and ack helpers.
type Delivery struct {
	JobID string
	raw   amqp.Delivery
}

// Ack removes the message after the job finished (successfully or not).
func (d *Delivery) Ack() error { return d.raw.Ack(false) }

// Nack requeues the message so another worker can pick the job up.
func (d *Delivery) Nack() error { return d.raw.Nack(false, true) }

// Discard permanently rejects the message.
func (d *Delivery) Discard() error { return d.raw.Nack(false, false) }

// Consume returns a channel of deliveries. Each must be acked or nacked.
func (c *Consumer) Consume() (<-chan Delivery, error) {
	rawMsgs, err := c.channel.Consume(
		c.queue.Name,
		"",    // consumer tag, auto-generated
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: consume: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range rawMsgs {
			req, err := decode(d.Body)
			if err != nil {
				slog.Warn("discarding malformed sync request", "component", "queue", "error", err)
				d.Nack(false, false)
				continue
			}
			out <- Delivery{JobID: req.JobID, raw: d}
		}
	}()

	return out, nil
}

// Close releases the AMQP channel and connection.
func (c *Consumer) Close() {
	c.channel.Close()
	c.conn.Close()
}

func decode(body []byte) (SyncRequest, error) {
	var req SyncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("queue: decode: %w", err)
	}
	if req.JobID == "" {
		return req, fmt.Errorf("queue: decode: missing jobId")
	}
	return req, nil
}

func open(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("queue: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("queue: open channel: %w", err)
	}
	return conn, ch, nil
}

// declareQueue is shared by both sides so they always agree on the queue.
func declareQueue(ch *amqp.Channel) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		SyncQueueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("queue: declare: %w", err)
	}
	return q, nil
}
