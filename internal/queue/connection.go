package queue

import (
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Connection wraps an AMQP connection and channel, reconnecting lazily when
// the broker drops us.
type Connection struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	url     string
	logger  *logrus.Logger
	mu      sync.Mutex
}

func NewConnection(url string, logger *logrus.Logger) (*Connection, error) {
	if url == "" {
		return nil, errors.New("amqp url cannot be empty")
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	logger.Info("Connected to AMQP broker")
	return &Connection{
		conn:    conn,
		channel: channel,
		url:     url,
		logger:  logger,
	}, nil
}

// Channel returns the live channel, reconnecting first if the connection
// closed underneath us.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel == nil || c.conn == nil || c.conn.IsClosed() {
		c.logger.Warn("AMQP channel closed, reconnecting")
		if err := c.reconnect(); err != nil {
			return nil, fmt.Errorf("failed to reconnect: %w", err)
		}
	}
	return c.channel, nil
}

func (c *Connection) reconnect() error {
	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("failed to redial amqp broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to recreate channel: %w", err)
	}

	c.conn = conn
	c.channel = channel
	c.logger.Info("Reconnected to AMQP broker")
	return nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
		c.channel = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
		c.conn = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed() && c.channel != nil
}
