package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// LaunchJob asks the worker to materialize a campaign into pending initial
// messages for the listed contacts.
type LaunchJob struct {
	CampaignID int64   `json:"campaign_id"`
	ContactIDs []int64 `json:"contact_ids"`
}

// Publisher enqueues launch jobs on a durable queue.
type Publisher struct {
	conn      *Connection
	queueName string
}

func NewPublisher(conn *Connection, queueName string) (*Publisher, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}
	if queueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	if _, err := declareQueue(ch, queueName); err != nil {
		return nil, err
	}

	return &Publisher{conn: conn, queueName: queueName}, nil
}

func (p *Publisher) PublishLaunch(ctx context.Context, job *LaunchJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal launch job: %w", err)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to get channel: %w", err)
	}

	err = ch.PublishWithContext(ctx,
		"",          // default exchange
		p.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish launch job: %w", err)
	}
	return nil
}

func declareQueue(ch *amqp.Channel, queueName string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare queue: %w", err)
	}
	return q, nil
}
