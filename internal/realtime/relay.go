package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/garnizeh/servicemarket/internal/metrics"
)

const (
	routingPrefix = "notification."
	maxDialDelay  = 60 * time.Second
)

// RelayConfig configures the cross-instance relay.
type RelayConfig struct {
	URL           string
	Exchange      string
	RetryAttempts int
	Delay         time.Duration
}

// relayMeta mirrors the event metadata carried by every relayed message.
type relayMeta struct {
	ID     string    `json:"id"`
	Origin string    `json:"origin"`
	Time   time.Time `json:"time"`
	Type   string    `json:"type"`
}

type relayEnvelope struct {
	Meta   relayMeta       `json:"meta"`
	UserID int64           `json:"user_id"`
	Data   json.RawMessage `json:"data"`
}

// Relay forwards pushes between server instances through a RabbitMQ topic
// exchange, so a user connected to another instance still receives events
// dispatched here. Events this instance published are not pushed twice.
// A lost broker connection is re-dialed until the relay is closed.
type Relay struct {
	cfg      RelayConfig
	mu       sync.Mutex
	conn     *amqp091.Connection
	pubCh    *amqp091.Channel
	exchange string
	instance string
	hub      *Hub
	logger   *slog.Logger

	// reconnect returns a fresh delivery channel after the current one closed.
	reconnect func(ctx context.Context) (<-chan amqp091.Delivery, error)
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// DialRelay connects to the broker, declares the exchange and an exclusive
// queue for this instance, and starts forwarding remote events to hub.
func DialRelay(ctx context.Context, cfg RelayConfig, hub *Hub, logger *slog.Logger) (*Relay, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "servicemarket.realtime"
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := dialWithRetry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	r := &Relay{
		cfg:      cfg,
		exchange: cfg.Exchange,
		instance: uuid.NewString(),
		hub:      hub,
		logger:   logger,
	}
	r.reconnect = r.redial
	r.ctx, r.cancel = context.WithCancel(context.Background())

	msgs, err := r.attach(conn)
	if err != nil {
		r.cancel()
		conn.Close()
		return nil, err
	}

	r.wg.Add(1)
	go r.consume(msgs)

	logger.Info("realtime relay started", slog.String("exchange", cfg.Exchange), slog.String("instance", r.instance))
	return r, nil
}

// attach declares the topology on conn, starts consuming and makes conn the
// relay's current connection.
func (r *Relay) attach(conn *amqp091.Connection) (<-chan amqp091.Delivery, error) {
	pub, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := pub.ExchangeDeclare(r.exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	sub, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	q, err := sub.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := sub.QueueBind(q.Name, routingPrefix+"*", r.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	msgs, err := sub.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}

	r.mu.Lock()
	old := r.conn
	r.conn = conn
	r.pubCh = pub
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	return msgs, nil
}

// redial dials and attaches until it succeeds or ctx is done.
func (r *Relay) redial(ctx context.Context) (<-chan amqp091.Delivery, error) {
	for {
		conn, err := dialWithRetry(ctx, r.cfg, r.logger)
		if err == nil {
			msgs, attachErr := r.attach(conn)
			if attachErr == nil {
				return msgs, nil
			}
			_ = conn.Close()
			err = attachErr
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Error("relay reconnect failed", slog.Any("error", err))

		timer := time.NewTimer(maxDialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Relay) consume(msgs <-chan amqp091.Delivery) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-msgs:
			if ok {
				r.handleDelivery(msg.Body)
				continue
			}
			if r.ctx.Err() != nil {
				return
			}

			metrics.RelayMessages.WithLabelValues("in", "disconnected").Inc()
			r.logger.Warn("relay delivery channel closed, reconnecting")
			next, err := r.reconnect(r.ctx)
			if err != nil {
				if r.ctx.Err() == nil {
					r.logger.Error("relay stopped", slog.Any("error", err))
				}
				return
			}
			metrics.RelayMessages.WithLabelValues("in", "reconnected").Inc()
			r.logger.Info("relay reconnected")
			msgs = next
		}
	}
}

// handleDelivery pushes a remote event to local connections.
func (r *Relay) handleDelivery(body []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		metrics.RelayMessages.WithLabelValues("in", "invalid").Inc()
		r.logger.Warn("relay message decode failed", slog.Any("err", err))
		return
	}
	if env.Meta.Origin == r.instance {
		metrics.RelayMessages.WithLabelValues("in", "own").Inc()
		return
	}

	if err := r.hub.Push(context.Background(), env.UserID, env.Meta.Type, env.Data); err != nil {
		metrics.RelayMessages.WithLabelValues("in", "error").Inc()
		r.logger.Warn("relay push failed", slog.Any("err", err))
		return
	}
	metrics.RelayMessages.WithLabelValues("in", "pushed").Inc()
}

// Push publishes the event for the other instances.
func (r *Relay) Push(ctx context.Context, userID int64, event string, data any) error {
	body, err := r.encode(userID, event, data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err = r.pubCh.PublishWithContext(ctx, r.exchange, routingPrefix+strconv.FormatInt(userID, 10), false, false, amqp091.Publishing{
		ContentType: "application/json",
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now(),
		Body:        body,
	})
	if err != nil {
		metrics.RelayMessages.WithLabelValues("out", "error").Inc()
		return fmt.Errorf("relay publish: %w", err)
	}
	metrics.RelayMessages.WithLabelValues("out", "published").Inc()

	return nil
}

func (r *Relay) encode(userID int64, event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode relay data: %w", err)
	}

	return json.Marshal(relayEnvelope{
		Meta: relayMeta{
			ID:     uuid.NewString(),
			Origin: r.instance,
			Time:   time.Now().UTC(),
			Type:   event,
		},
		UserID: userID,
		Data:   raw,
	})
}

// Close stops the consumer and closes the broker connection.
func (r *Relay) Close() error {
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn.Close()
}

// dialWithRetry tries to connect to RabbitMQ with exponential backoff and
// gives up early when ctx is cancelled.
func dialWithRetry(ctx context.Context, cfg RelayConfig, logger *slog.Logger) (*amqp091.Connection, error) {
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := cfg.Delay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp091.Dial(cfg.URL)
		if err == nil {
			if i > 1 {
				logger.Info("rabbit connected", slog.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := delay << (i - 1)
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		logger.Warn("rabbit dial failed", slog.Int("attempt", i), slog.Duration("sleep", sleep), slog.Any("error", err))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(errors.New("dial cancelled"), ctx.Err())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, lastErr)
}
