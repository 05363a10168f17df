package persistence

import (
	"context"
	"database/sql"
	"time"

	"IsoLedger/internal/core"
	"IsoLedger/internal/observability"

	"github.com/rs/zerolog"
)

// BatchWriter persists one batch atomically.
type BatchWriter interface {
	WriteBatch(ctx context.Context, b *Batch) error
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on the persist channel with a blocking send, so if this
// worker falls behind the engine stalls and nothing is lost.
type PersistenceWorker struct {
	writer       BatchWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	// onFlush runs after every committed batch.
	onFlush func(b *Batch)
}

type WorkerOption func(*PersistenceWorker)

func WithMetrics(m *observability.Metrics) WorkerOption {
	return func(pw *PersistenceWorker) { pw.metrics = m }
}

func WithLogger(l zerolog.Logger) WorkerOption {
	return func(pw *PersistenceWorker) { pw.logger = l }
}

// WithMaxBackoff caps the delay between retries of a failed flush.
func WithMaxBackoff(d time.Duration) WorkerOption {
	return func(pw *PersistenceWorker) { pw.maxBackoff = d }
}

// WithFlushHook registers fn to run after each committed batch, for example
// to prime a cache with new vault rows.
func WithFlushHook(fn func(b *Batch)) WorkerOption {
	return func(pw *PersistenceWorker) { pw.onFlush = fn }
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	opts ...WorkerOption,
) *PersistenceWorker {
	return NewPersistenceWorkerWith(NewEventLogWriter(db), inputChan, batchSize, flushTimeout, opts...)
}

// NewPersistenceWorkerWith builds a worker around any BatchWriter.
func NewPersistenceWorkerWith(
	writer BatchWriter,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	opts ...WorkerOption,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	pw := &PersistenceWorker{
		writer:       writer,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(pw)
	}
	return pw
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. It returns when ctx is cancelled or the input
// channel is closed, flushing what it holds first.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &Batch{}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if batch.Len() > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("events", batch.Len()).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if batch.Len() > 0 {
					if err := pw.flushWithRetry(ctx, batch); err != nil {
						pw.logger.Error().Err(err).Int("events", batch.Len()).Msg("final flush failed")
					}
				}
				return nil
			}

			batch.Add(output)
			if batch.Len() >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch.Reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if batch.Len() > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch.Reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled; on cancellation it makes one last attempt.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, b *Batch) error {
	backoff := 100 * time.Millisecond
	if backoff > pw.maxBackoff {
		backoff = pw.maxBackoff
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", b.Len()).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), b)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Int64("last_sequence", b.LastSequence()).Msg("persistence flush failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_batch").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, b *Batch) error {
	start := time.Now()
	if err := pw.writer.WriteBatch(ctx, b); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(b.Len()))
		pw.metrics.PersistEventsWritten.Add(float64(b.Len()))
		pw.metrics.PersistLastSequence.Set(float64(b.LastSequence()))
		if !b.opened.IsZero() {
			pw.metrics.ApplyToPersist.Observe(time.Since(b.opened).Seconds())
		}
	}
	if pw.onFlush != nil {
		pw.onFlush(b)
	}
	return nil
}
