package ingestion

import (
	"context"
	"errors"
	"time"

	"IsoLedger/internal/core"
	"IsoLedger/internal/event"
	"IsoLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Processor applies one typed command. *core.Engine satisfies it.
type Processor interface {
	ProcessEvent(ctx context.Context, evt event.Event) (*core.CoreOutput, error)
}

// Router drains inbound messages into the core in arrival order.
//
// A message is acked once the core has decided it: applied, duplicate or
// rejected. Commands are deterministic, so redelivering a rejected one
// would be rejected again. Only a shutdown mid-flight naks.
type Router struct {
	core    Processor
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewRouter(core Processor, metrics *observability.Metrics, logger zerolog.Logger) *Router {
	return &Router{core: core, metrics: metrics, logger: logger}
}

// Run consumes in until it closes or ctx is cancelled.
func (r *Router) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			if r.metrics != nil {
				r.metrics.ChannelSize.WithLabelValues("ingest").Set(float64(len(in)))
			}
			r.handle(ctx, raw)
		}
	}
}

func (r *Router) handle(ctx context.Context, raw RawEvent) {
	evt, err := ParseRawEvent(raw)
	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("subject", raw.Subject).
			Msg("dropping unparseable command")
		r.count(raw.EventType, "invalid")
		ack(raw)
		return
	}

	_, err = r.core.ProcessEvent(ctx, evt)
	switch {
	case err == nil:
		r.count(raw.EventType, "applied")
		if r.metrics != nil && !raw.ReceivedAt.IsZero() {
			r.metrics.IngestToApply.WithLabelValues(raw.EventType).Observe(time.Since(raw.ReceivedAt).Seconds())
		}
		ack(raw)
	case errors.Is(err, core.ErrDuplicate):
		r.count(raw.EventType, "duplicate")
		ack(raw)
	case ctx.Err() != nil:
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
	default:
		// The core already logged the rejection.
		r.count(raw.EventType, "rejected")
		ack(raw)
	}
}

func (r *Router) count(eventType, outcome string) {
	if r.metrics != nil {
		r.metrics.IngestMessages.WithLabelValues(eventType, outcome).Inc()
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}
