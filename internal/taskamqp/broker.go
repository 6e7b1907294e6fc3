// Package taskamqp moves accepted tasks from the server to the workers
// over RabbitMQ.
package taskamqp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rabbitmq/amqp091-go"

	"github.com/mgrif/pageforge/internal/task"
)

// queueName holds submitted tasks awaiting a worker.
const queueName = "task.submitted"

type Broker struct {
	conn *amqp091.Connection // required
}

func Dial(connectionString string) (*Broker, error) {
	conn, err := amqp091.Dial(connectionString)
	if err != nil {
		return nil, fmt.Errorf("taskamqp.Broker: %w", err)
	}
	return &Broker{conn: conn}, nil
}

func (b *Broker) Close() error {
	return b.conn.Close()
}

// SendTask publishes the full task to the submission queue. The message
// carries everything a worker needs so redeliveries stay self-contained.
func (b *Broker) SendTask(ctx context.Context, t *task.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("taskamqp.Broker: %w", err)
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("taskamqp.Broker: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("taskamqp.Broker: %w", err)
	}

	m := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         body,
	}
	err = ch.PublishWithContext(ctx, "", q.Name, false, false, m)
	if err != nil {
		return fmt.Errorf("taskamqp.Broker: %w", err)
	}

	return nil
}

// ConsumeTasks opens a consuming channel with the given prefetch count.
// Deliveries must be acked or nacked by the caller; the returned channel
// closes when the connection drops.
func (b *Broker) ConsumeTasks(prefetch int) (<-chan amqp091.Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("taskamqp.Broker: %w", err)
	}

	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("taskamqp.Broker: %w", err)
	}

	if err = ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("taskamqp.Broker: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("taskamqp.Broker: %w", err)
	}

	return deliveries, nil
}

// DecodeTask parses a delivery body back into a task.
func DecodeTask(body []byte) (*task.Task, error) {
	var t task.Task
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("taskamqp.DecodeTask: %w", err)
	}
	if dec.More() {
		err := errors.New("multiple top-level values")
		return nil, fmt.Errorf("taskamqp.DecodeTask: %w", err)
	}
	return &t, nil
}
