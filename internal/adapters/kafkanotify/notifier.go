// Package kafkanotify publishes operator alerts to a Kafka topic.
package kafkanotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradeEngine/internal/ports"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of kafka.Writer the notifier uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds configuration for the Kafka notifier.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	Logger       ports.Logger
}

// Notifier implements ports.Notifier on top of a Kafka writer. Every alert is
// also logged, so nothing is lost when the broker is down.
type Notifier struct {
	w       MessageWriter
	topic   string
	timeout time.Duration
	logger  ports.Logger
}

// New creates a notifier writing to cfg.Topic.
func New(cfg Config) (*Notifier, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for kafka notifier")
	}
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("%w: kafka brokers and topic are required", ports.ErrConfigurationError)
	}
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		Dialer:       dialer,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: int(kafka.RequireOne),
	})
	cfg.Logger.Info(context.Background(), "Kafka alert sink configured", map[string]interface{}{
		"brokers": cfg.Brokers, "topic": cfg.Topic,
	})
	return NewWithWriter(w, cfg.Topic, cfg.WriteTimeout, cfg.Logger), nil
}

// NewWithWriter wraps an existing writer.
func NewWithWriter(w MessageWriter, topic string, timeout time.Duration, logger ports.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{w: w, topic: topic, timeout: timeout, logger: logger}
}

// Notify logs the alert and publishes it as JSON, keyed by kind and pair.
func (n *Notifier) Notify(ctx context.Context, a ports.Alert) error {
	logAlert(ctx, n.logger, a)

	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	msg := kafka.Message{Key: []byte(fmt.Sprintf("%s|%s", a.Kind, a.Pair)), Value: b, Time: a.Time}

	wctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.w.WriteMessages(wctx, msg); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ports.ErrTimeout, err)
		}
		return fmt.Errorf("publish alert to %s: %w", n.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (n *Notifier) Close() error {
	return n.w.Close()
}

// LogNotifier only logs alerts. It is used when no broker is configured.
type LogNotifier struct {
	Logger ports.Logger
}

func (l LogNotifier) Notify(ctx context.Context, a ports.Alert) error {
	logAlert(ctx, l.Logger, a)
	return nil
}

func logAlert(ctx context.Context, logger ports.Logger, a ports.Alert) {
	fields := map[string]interface{}{"kind": a.Kind, "message": a.Message}
	if a.TradeID != 0 {
		fields["tradeID"] = a.TradeID
	}
	if a.Pair != "" {
		fields["pair"] = a.Pair
	}
	for k, v := range a.Fields {
		fields[k] = v
	}
	logger.Warn(ctx, "ALERT", fields)
}
