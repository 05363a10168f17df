package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes command subjects from JetStream and forwards each
// message on eventChan. One durable consumer per subject.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is an inbound message tagged with the command type of its
// subject. Exactly one of AckFunc or NakFunc should be called.
type RawEvent struct {
	Subject    string
	EventType  string
	Data       []byte
	ReceivedAt time.Time
	AckFunc    func()
	NakFunc    func()
}

// SubjectConfig maps a subject filter to a command type.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

const (
	CommandStream = "ISO_COMMANDS"
	EventsStream  = "ISO_LEDGER_EVENTS"
)

func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "iso.commands.vault.create", EventType: "VaultCreate", ConsumerName: "ledger-vault-create", StreamName: CommandStream},
		{Subject: "iso.commands.vault.deposit", EventType: "VaultDeposit", ConsumerName: "ledger-vault-deposit", StreamName: CommandStream},
		{Subject: "iso.commands.vault.withdraw", EventType: "VaultWithdrawal", ConsumerName: "ledger-vault-withdraw", StreamName: CommandStream},
		{Subject: "iso.commands.vault.op", EventType: "VaultOperation", ConsumerName: "ledger-vault-op", StreamName: CommandStream},
		{Subject: "iso.commands.staking.op", EventType: "StakingOperation", ConsumerName: "ledger-staking-op", StreamName: CommandStream},
		{Subject: "iso.commands.pool.op", EventType: "PoolOperation", ConsumerName: "ledger-pool-op", StreamName: CommandStream},
		{Subject: "iso.commands.converter.trust", EventType: "ConverterTrustUpdate", ConsumerName: "ledger-converter-trust", StreamName: CommandStream},
		{Subject: "iso.commands.prices.>", EventType: "PriceUpdate", ConsumerName: "ledger-prices", StreamName: CommandStream},
		{Subject: "iso.commands.expiry.set", EventType: "ExpirySet", ConsumerName: "ledger-expiry-set", StreamName: CommandStream},
		{Subject: "iso.commands.liquidation.>", EventType: "Liquidation", ConsumerName: "ledger-liquidation", StreamName: CommandStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates a durable consumer per subject. Consumers use explicit
// ACK, max_deliver=5, ack_wait=30s.
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

		eventType := cfg.EventType
		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:    msg.Subject(),
				EventType:  eventType,
				Data:       msg.Data(),
				ReceivedAt: time.Now(),
				AckFunc:    func() { _ = msg.Ack() },
				NakFunc:    func() { _ = msg.Nak() },
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

		ns.consumers = append(ns.consumers, cc)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the command and ledger event streams if missing.
// Both use file storage with 72h retention.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{"iso.commands.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      EventsStream,
			Subjects:  []string{"iso.ledger.events.>"},
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

// Stop stops every consumer.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("isoledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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

	return nc, js, nil
}
