package rabbitmq

import (
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/marminbh/webhook-ingest/internal/config"
)

// Connection manages the RabbitMQ connection and channel with automatic
// recovery. The ingestion service only publishes: accepted events go out,
// nothing is consumed here.
type Connection struct {
	conn         *amqp.Connection
	channel      *amqp.Channel
	config       *config.RabbitMQConfig
	logger       *zap.Logger
	stopChan     chan struct{}
	mu           sync.RWMutex
	reconnecting bool
	reconnectMu  sync.Mutex
}

// NewConnection creates a new Connection instance
func NewConnection(rabbitMQConfig *config.RabbitMQConfig, logger *zap.Logger) *Connection {
	return &Connection{
		config:   rabbitMQConfig,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Connect establishes a connection to RabbitMQ and starts monitoring for reconnection
func (c *Connection) Connect() error {
	backoff := time.Second
	maxBackoff := 30 * time.Second
	maxInitialAttempts := 10

	for attempt := 1; attempt <= maxInitialAttempts; attempt++ {
		c.logger.Info("Attempting initial connection to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxInitialAttempts),
		)

		err := c.connect()
		if err == nil {
			c.logger.Info("Initial connection to RabbitMQ established",
				zap.Int("attempt", attempt),
			)
			break
		}

		if attempt == maxInitialAttempts {
			return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxInitialAttempts, err)
		}

		c.logger.Warn("Initial connection to RabbitMQ failed, retrying...",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
		)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	go c.monitorConnection()

	return nil
}

// connect performs the actual connection logic
func (c *Connection) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error

	if c.conn != nil && !c.conn.IsClosed() {
		c.conn.Close()
	}
	if c.channel != nil && !c.channel.IsClosed() {
		c.channel.Close()
	}

	// Heartbeat of 10 seconds detects dead connections quickly
	amqpConfig := amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Vhost:     c.config.VHost,
		Properties: amqp.Table{
			"connection_name": "webhook-ingest",
		},
	}

	c.conn, err = amqp.DialConfig(c.config.ConnectionURL(), amqpConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	c.logger.Info("Successfully connected to RabbitMQ",
		zap.String("host", c.config.Host),
		zap.String("port", c.config.Port),
		zap.String("vhost", c.config.VHost),
	)
	return nil
}

// monitorConnection monitors the connection and automatically reconnects on failure
func (c *Connection) monitorConnection() {
	for {
		c.mu.RLock()
		if c.conn == nil || c.channel == nil {
			c.mu.RUnlock()
			c.logger.Error("Connection or channel not initialized, cannot monitor connection")
			return
		}

		connClose := c.conn.NotifyClose(make(chan *amqp.Error, 1))
		channelClose := c.channel.NotifyClose(make(chan *amqp.Error, 1))
		c.mu.RUnlock()

		select {
		case <-c.stopChan:
			return
		case err := <-connClose:
			if err != nil {
				c.logger.Error("RabbitMQ connection closed, attempting to reconnect",
					zap.Error(err),
					zap.String("reason", err.Reason),
				)
				c.reconnect()
				continue
			}
		case err := <-channelClose:
			if err != nil {
				c.logger.Error("RabbitMQ channel closed, attempting to reconnect",
					zap.Error(err),
					zap.String("reason", err.Reason),
				)
				c.reconnect()
				continue
			}
		}
	}
}

// reconnect attempts to reconnect with exponential backoff
func (c *Connection) reconnect() {
	c.reconnectMu.Lock()
	if c.reconnecting {
		c.reconnectMu.Unlock()
		return
	}
	c.reconnecting = true
	c.reconnectMu.Unlock()

	defer func() {
		c.reconnectMu.Lock()
		c.reconnecting = false
		c.reconnectMu.Unlock()
	}()

	backoff := time.Second
	maxBackoff := 30 * time.Second
	attempt := 0

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		attempt++
		c.logger.Info("Attempting to reconnect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
		)

		if err := c.connect(); err != nil {
			c.logger.Warn("Failed to reconnect to RabbitMQ, retrying...",
				zap.Error(err),
				zap.Int("attempt", attempt),
			)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Successfully reconnected to RabbitMQ",
			zap.Int("attempt", attempt),
		)
		return
	}
}

// Close closes the RabbitMQ connection and channel and stops reconnection monitoring
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.stopChan:
		// Already closed
	default:
		close(c.stopChan)
	}

	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.logger.Info("RabbitMQ connection closed")
	}
}

// PublishMessage publishes a persistent message with retry on connection loss
func (c *Connection) PublishMessage(exchange, routingKey string, body []byte) error {
	maxRetries := 3
	retryDelay := 100 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		c.mu.RLock()
		ch := c.channel
		conn := c.conn
		c.mu.RUnlock()

		if ch == nil || ch.IsClosed() || conn == nil || conn.IsClosed() {
			if attempt < maxRetries-1 {
				c.logger.Warn("RabbitMQ channel not available for publish, retrying...",
					zap.Int("attempt", attempt+1),
					zap.Int("max_retries", maxRetries),
				)
				time.Sleep(retryDelay)
				retryDelay *= 2
				continue
			}
			return fmt.Errorf("RabbitMQ channel is not initialized or closed after %d attempts", maxRetries)
		}

		err := ch.Publish(
			exchange,
			routingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				Body:         body,
			},
		)
		if err != nil {
			isConnectionError := ch.IsClosed() || conn == nil || conn.IsClosed()
			if attempt < maxRetries-1 && isConnectionError {
				c.logger.Warn("Publish failed due to connection issue, retrying...",
					zap.Error(err),
					zap.Int("attempt", attempt+1),
				)
				time.Sleep(retryDelay)
				retryDelay *= 2
				continue
			}
			return fmt.Errorf("failed to publish message: %w", err)
		}

		return nil
	}

	return fmt.Errorf("failed to publish message after %d attempts", maxRetries)
}

// IsHealthy reports whether both the connection and channel are open
func (c *Connection) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed() && c.channel != nil && !c.channel.IsClosed()
}
