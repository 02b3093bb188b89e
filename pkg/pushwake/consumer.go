package pushwake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"callbridge/pkg/metrics"
)

// AMQPConfig holds the wake queue client configuration. Every participant
// owns one queue named <QueuePrefix>.<participantID>; a node consumes its own
// participant's queue and publishes to the callee's.
type AMQPConfig struct {
	URL string

	// QueuePrefix is the shared wake queue namespace, e.g. "callbridge.wake".
	QueuePrefix string

	// ParticipantID selects the queue this client consumes. Required when a
	// handler is set; publish-only clients may leave it empty.
	ParticipantID string

	// ReconnectInterval is the base backoff between reconnect attempts.
	ReconnectInterval time.Duration
}

// consumeQueue is the queue this client's own participant is woken on.
func (c AMQPConfig) consumeQueue() string {
	return c.QueuePrefix + "." + c.ParticipantID
}

// queueFor is the queue a wake for the given participant must be published to.
func (c AMQPConfig) queueFor(participantID string) string {
	return c.QueuePrefix + "." + participantID
}

// Client publishes and consumes wake events over AMQP. The queue is declared
// durable; events are published persistent so a briefly offline callee node
// still sees the wake when it comes back.
type Client struct {
	logger  *logrus.Logger
	config  AMQPConfig
	handler Handler

	connMutex sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewClient creates a wake queue client. The handler receives every consumed
// event; pass nil for a publish-only client.
func NewClient(logger *logrus.Logger, config AMQPConfig, handler Handler) *Client {
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = time.Second
	}
	return &Client{
		logger:   logger,
		config:   config,
		handler:  handler,
		stopChan: make(chan struct{}),
	}
}

// Connect establishes the connection, declares the queue, and starts the
// consumer and the reconnect monitor.
func (c *Client) Connect() error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.connected {
		return nil
	}
	if c.config.URL == "" || c.config.QueuePrefix == "" {
		return fmt.Errorf("AMQP URL or queue prefix not configured")
	}
	if c.handler != nil && c.config.ParticipantID == "" {
		return fmt.Errorf("consuming wake client needs a participant ID")
	}

	conn, err := dialWithTimeout(c.config.URL, 5*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP server: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if c.handler != nil {
		if _, err := channel.QueueDeclare(
			c.config.consumeQueue(),
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,
		); err != nil {
			channel.Close()
			conn.Close()
			return fmt.Errorf("failed to declare wake queue: %w", err)
		}
	}

	c.conn = conn
	c.channel = channel
	c.connected = true
	metrics.SetAMQPConnectionStatus(true)

	queueField := c.config.QueuePrefix
	if c.handler != nil {
		queueField = c.config.consumeQueue()
	}
	c.logger.WithField("queue", queueField).Info("Connected to wake queue")

	if c.handler != nil {
		deliveries, err := channel.Consume(
			c.config.consumeQueue(),
			"",    // consumer tag
			true,  // autoAck; wake delivery is best effort
			false, // exclusive
			false, // noLocal
			false, // noWait
			nil,
		)
		if err != nil {
			c.teardownLocked()
			return fmt.Errorf("failed to start wake consumer: %w", err)
		}
		go c.consume(deliveries)
	}

	go c.monitorConnection(conn)
	return nil
}

// dialWithTimeout dials AMQP but refuses to hang past the deadline.
func dialWithTimeout(url string, timeout time.Duration) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := amqp.Dial(url)
		select {
		case ch <- result{conn, err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("connection to AMQP server timed out after %s", timeout)
	}
}

// Publish sends one wake event to the callee's queue.
func (c *Client) Publish(ctx context.Context, event WakeEvent) error {
	if event.CalleeID == "" {
		return fmt.Errorf("wake event has no callee to route to")
	}

	c.connMutex.RLock()
	channel := c.channel
	connected := c.connected
	c.connMutex.RUnlock()

	if !connected || channel == nil {
		return fmt.Errorf("wake queue not connected")
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode wake event: %w", err)
	}

	// Declare the callee's queue so the wake is parked durably even when the
	// callee node has never connected yet.
	queue := c.config.queueFor(event.CalleeID)
	if _, err := channel.QueueDeclare(
		queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare callee wake queue: %w", err)
	}

	if err := channel.Publish(
		"", // default exchange
		queue,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.Timestamp,
		},
	); err != nil {
		return fmt.Errorf("failed to publish wake event: %w", err)
	}

	metrics.RecordWakeEvent("published")
	c.logger.WithFields(logrus.Fields{
		"session_id": event.SessionID,
		"callee_id":  event.CalleeID,
		"queue":      queue,
		"type":       string(event.Type),
	}).Debug("Published wake event")
	return nil
}

// consume pumps deliveries into the handler. Malformed events are dropped.
func (c *Client) consume(deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-c.stopChan:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			var event WakeEvent
			if err := json.Unmarshal(d.Body, &event); err != nil {
				c.logger.WithError(err).Warn("Dropping malformed wake event")
				metrics.RecordWakeEvent("malformed")
				continue
			}
			if event.SessionID == "" || event.CallerID == "" {
				c.logger.Warn("Dropping wake event without session or caller")
				metrics.RecordWakeEvent("malformed")
				continue
			}
			c.handler(event)
		}
	}
}

// monitorConnection reconnects with backoff when the broker drops us.
func (c *Client) monitorConnection(conn *amqp.Connection) {
	closeChan := make(chan *amqp.Error, 1)
	conn.NotifyClose(closeChan)

	select {
	case <-c.stopChan:
		return
	case closeErr := <-closeChan:
		if closeErr == nil {
			// Graceful close.
			return
		}
		c.connMutex.Lock()
		c.connected = false
		c.connMutex.Unlock()
		metrics.SetAMQPConnectionStatus(false)
		c.logger.WithError(closeErr).Warn("Wake queue connection lost, reconnecting")
	}

	backoff := c.config.ReconnectInterval
	for attempt := 1; ; attempt++ {
		select {
		case <-c.stopChan:
			return
		case <-time.After(backoff):
		}

		if err := c.Connect(); err == nil {
			c.logger.WithField("attempt", attempt).Info("Reconnected to wake queue")
			return
		} else {
			c.logger.WithError(err).WithField("attempt", attempt).
				Error("Failed to reconnect to wake queue")
		}

		if backoff *= 2; backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

// IsConnected reports the connection status.
func (c *Client) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.connected
}

// Close shuts the client down.
func (c *Client) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})

	c.connMutex.Lock()
	defer c.connMutex.Unlock()
	c.teardownLocked()
	return nil
}

func (c *Client) teardownLocked() {
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.connected {
		c.connected = false
		metrics.SetAMQPConnectionStatus(false)
	}
}
