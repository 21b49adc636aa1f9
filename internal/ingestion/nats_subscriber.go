package ingestion

import (
	"context"
	"fmt"
	"time"

	"FlashLever/internal/guarantee"
	"FlashLever/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes JetStream subjects and hands each message to the
// Router through eventChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is an undecoded inbound message. Exactly one of the ack functions
// should be called once the Router is done with it.
type RawEvent struct {
	Subject   string
	Kind      string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed or duplicate
	NakFunc   func() // transient failure, redeliver
	TermFunc  func() // malformed or rejected, never redeliver
}

// SubjectConfig binds a subject filter to a message kind and durable consumer
type SubjectConfig struct {
	Subject      string
	Kind         string
	ConsumerName string
	StreamName   string
}

const (
	StreamWallet    = "FLASH_WALLET"
	StreamGuarantee = "FLASH_GUARANTEE"
	StreamEvents    = "FLASH_EVENTS"
)

// DefaultSubjects returns the inbound subject configuration
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "flashlever.wallet.deposits.>", Kind: KindWalletDeposit, ConsumerName: "flashlever-deposits", StreamName: StreamWallet},
		{Subject: "flashlever.wallet.withdrawals.>", Kind: KindWalletWithdrawal, ConsumerName: "flashlever-withdrawals", StreamName: StreamWallet},
		{Subject: guarantee.SubjectResults, Kind: KindGuaranteeResult, ConsumerName: "flashlever-guarantee-results", StreamName: StreamGuarantee},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    observability.NewLogger("nats-subscriber"),
	}
}

// Subscribe creates durable consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		kind := cfg.Kind
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Kind:      kind,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
				TermFunc:  func() { _ = msg.Term() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h. The guarantee
// stream carries both directions so requests and results share retention.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      StreamWallet,
			Subjects:  []string{"flashlever.wallet.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:       StreamGuarantee,
			Subjects:   []string{guarantee.SubjectRequestPrefix + ".>", guarantee.SubjectResults},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
		{
			Name:      StreamEvents,
			Subjects:  []string{SubjectEventsPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop stops all consumers. Messages already queued stay unacknowledged and
// are redelivered after ack_wait.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
// health, when non-nil, tracks the "nats" dependency across reconnects.
func ConnectNATS(url string, health *observability.HealthChecker, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	setUp := func(up bool) {
		if health != nil {
			health.SetDependency("nats", up)
		}
	}
	nc, err := nats.Connect(url,
		nats.Name("flashlever"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
			setUp(false)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
			setUp(true)
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	setUp(true)
	return nc, js, nil
}
