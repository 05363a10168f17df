package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"IsoLedger/internal/core"
	"IsoLedger/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher is the subset of jetstream.JetStream the outbound publisher
// needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes applied commands to
// iso.ledger.events.{event_type} for downstream consumers. Publication is
// best-effort; the event log stays authoritative.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

// PublishableEvent is the outbound message body.
type PublishableEvent struct {
	Sequence       int64                    `json:"sequence"`
	EventType      string                   `json:"event_type"`
	IdempotencyKey string                   `json:"idempotency_key"`
	Payload        json.RawMessage          `json:"payload"`
	StateHash      string                   `json:"state_hash"`
	Timestamp      time.Time                `json:"timestamp"`
	Vaults         []event.VaultRecord      `json:"vaults,omitempty"`
	Settlements    []event.SettlementRecord `json:"settlements,omitempty"`
}

func NewOutboundPublisher(js Publisher, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// NewPublishableEvent builds the outbound message for one core output.
func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
		Vaults:         out.Vaults,
		Settlements:    out.Settlements,
	}
}

// Subject returns iso.ledger.events.{event_type}.
func (p PublishableEvent) Subject() string {
	return "iso.ledger.events." + p.EventType
}

func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, NewPublishableEvent(out)); err != nil {
				op.logger.Warn().
					Err(err).
					Int64("sequence", out.Envelope.Sequence).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// The message id lets JetStream drop republished sequences.
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(fmt.Sprintf("iso-%d", evt.Sequence)))
	return err
}
