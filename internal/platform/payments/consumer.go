package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// EventPaymentCompleted is the only event type the consumer acts on.
const EventPaymentCompleted = "payment.completed"

// Event is the JSON payload published by the billing system.
type Event struct {
	EventType     string    `json:"event_type"`
	ReservationID uuid.UUID `json:"reservation_id"`
	PaymentID     string    `json:"payment_id"`
	PaidAt        time.Time `json:"paid_at"`
}

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Settler clears a reservation's outstanding payment.
type Settler interface {
	SettlePayment(ctx context.Context, reservationID uuid.UUID) error
}

// SettlerFunc adapts a function to Settler.
type SettlerFunc func(ctx context.Context, reservationID uuid.UUID) error

func (f SettlerFunc) SettlePayment(ctx context.Context, id uuid.UUID) error { return f(ctx, id) }

// Recorder receives one result label per consumed message.
type Recorder interface {
	PaymentEvent(result string)
}

type ConsumerConfig struct {
	// IsPermanent reports settlement errors that will never succeed on
	// redelivery (unknown reservation, wrong status). Such messages are
	// logged and committed.
	IsPermanent func(error) bool
	MaxTries    uint
	Recorder    Recorder
}

// Consumer reads payment-completed events and settles the matching
// reservations. Offsets are committed only after a message is settled or
// classified as permanently unprocessable.
type Consumer struct {
	reader  MessageReader
	settler Settler
	cfg     ConsumerConfig
	logger  zerolog.Logger
}

// NewReader builds the kafka-go group reader for the payments topic.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		MaxWait:        time.Second,
		CommitInterval: 0,
	})
}

func NewConsumer(reader MessageReader, settler Settler, cfg ConsumerConfig, logger zerolog.Logger) *Consumer {
	if cfg.IsPermanent == nil {
		cfg.IsPermanent = func(error) bool { return false }
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 5
	}
	return &Consumer{reader: reader, settler: settler, cfg: cfg, logger: logger}
}

// Run consumes until ctx is cancelled or the reader fails. A nil error is
// returned on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch payment event: %w", err)
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Leave the offset uncommitted so the message is redelivered.
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

func (c *Consumer) record(result string) {
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.PaymentEvent(result)
	}
}

// handle returns an error only for failures that should stop the consumer
// without committing.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	log := c.logger.With().
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	var evt Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		log.Warn().Err(err).Msg("skipping malformed payment event")
		c.record("malformed")
		return nil
	}
	if evt.EventType != EventPaymentCompleted {
		c.record("ignored")
		return nil
	}
	if evt.ReservationID == uuid.Nil {
		log.Warn().Str("payment_id", evt.PaymentID).Msg("payment event without reservation_id")
		c.record("malformed")
		return nil
	}

	log = log.With().
		Str("reservation_id", evt.ReservationID.String()).
		Str("payment_id", evt.PaymentID).
		Logger()

	op := func() (struct{}, error) {
		err := c.settler.SettlePayment(ctx, evt.ReservationID)
		if err != nil && c.cfg.IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.cfg.MaxTries),
	)

	switch {
	case err == nil:
		log.Info().Msg("reservation payment settled")
		c.record("settled")
		return nil
	case c.cfg.IsPermanent(err):
		log.Warn().Err(err).Msg("payment event rejected")
		c.record("rejected")
		return nil
	case errors.Is(err, context.Canceled):
		return err
	default:
		c.record("failed")
		return fmt.Errorf("settle reservation %s: %w", evt.ReservationID, err)
	}
}

// Supervisor keeps payment events flowing. When a consumer stops on an
// error its reader is closed and a fresh reader and consumer are started
// after a backoff, so the uncommitted message is fetched again.
type Supervisor struct {
	NewReader func() MessageReader
	Settler   Settler
	Config    ConsumerConfig
	Logger    zerolog.Logger

	// RestartBackOff builds the delay policy between restarts. Defaults to
	// an exponential backoff capped at one minute.
	RestartBackOff func() backoff.BackOff
}

func (s *Supervisor) restartBackOff() backoff.BackOff {
	if s.RestartBackOff != nil {
		return s.RestartBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	return b
}

// Run consumes until ctx is cancelled, restarting the consumer as needed.
func (s *Supervisor) Run(ctx context.Context) error {
	b := s.restartBackOff()
	for restarts := 0; ; restarts++ {
		reader := s.NewReader()
		err := NewConsumer(reader, s.Settler, s.Config, s.Logger).Run(ctx)
		if cerr := reader.Close(); cerr != nil {
			s.Logger.Warn().Err(cerr).Msg("closing payment reader")
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("payment consumer gave up after %d restarts: %w", restarts, err)
		}
		s.Logger.Error().Err(err).
			Int("restarts", restarts).
			Dur("retry_in", delay).
			Msg("payment consumer stopped, restarting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
