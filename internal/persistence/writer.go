package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"IsoLedger/internal/core"
	"IsoLedger/internal/event"

	"github.com/lib/pq"
)

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Payload        []byte // JSON-encoded command
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// VaultRow represents a row in registry.vaults
type VaultRow struct {
	Factory          string
	Owner            string
	Vault            string
	AcceptedTransfer bool
	Sequence         int64
	CreatedAt        time.Time
}

// ConverterRow is a trust change for registry.trusted_converters
type ConverterRow struct {
	Factory   string
	Converter string
	Trusted   bool
	Sequence  int64
	UpdatedAt time.Time
}

// SettlementRow represents a row in settlements.log. Amounts are decimal
// wei strings.
type SettlementRow struct {
	SettlementID string
	RequestID    string
	Sequence     int64
	Kind         string
	SolidOwner   string
	SolidNumber  uint64
	LiquidOwner  string
	LiquidNumber uint64
	OwedMarketID uint32
	HeldMarketID uint32
	OwedRepaid   string
	HeldSeized   string
	QuotedOutput string
	SolidProfit  string
	Converter    string
	Expiry       *time.Time
	Timestamp    time.Time
}

// Batch accumulates the rows of several core outputs for one transaction.
type Batch struct {
	Events      []EventRow
	Vaults      []VaultRow
	Converters  []ConverterRow
	Settlements []SettlementRow

	// opened is when the first output entered the batch.
	opened time.Time
}

// Add converts one core output into rows.
func (b *Batch) Add(out core.CoreOutput) {
	if len(b.Events) == 0 {
		b.opened = time.Now()
	}
	env := out.Envelope
	b.Events = append(b.Events, EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	})
	for _, v := range out.Vaults {
		b.Vaults = append(b.Vaults, VaultRow{
			Factory:          v.Factory.Hex(),
			Owner:            v.Owner.Hex(),
			Vault:            v.Vault.Hex(),
			AcceptedTransfer: v.AcceptedTransfer,
			Sequence:         env.Sequence,
			CreatedAt:        env.Timestamp,
		})
	}
	for _, c := range out.Converters {
		b.Converters = append(b.Converters, ConverterRow{
			Factory:   c.Factory.Hex(),
			Converter: c.Converter.Hex(),
			Trusted:   c.Trusted,
			Sequence:  env.Sequence,
			UpdatedAt: env.Timestamp,
		})
	}
	for _, s := range out.Settlements {
		b.Settlements = append(b.Settlements, settlementRow(env.Sequence, s))
	}
}

func settlementRow(seq int64, s event.SettlementRecord) SettlementRow {
	row := SettlementRow{
		SettlementID: s.ID.String(),
		RequestID:    s.RequestID.String(),
		Sequence:     seq,
		Kind:         string(s.Kind),
		SolidOwner:   s.Solid.Owner.Hex(),
		SolidNumber:  s.Solid.Number,
		LiquidOwner:  s.Liquid.Owner.Hex(),
		LiquidNumber: s.Liquid.Number,
		OwedMarketID: s.OwedMarketID,
		HeldMarketID: s.HeldMarketID,
		OwedRepaid:   s.OwedRepaid.Dec(),
		HeldSeized:   s.HeldSeized.Dec(),
		QuotedOutput: s.QuotedOutput.Dec(),
		SolidProfit:  s.SolidProfit.Dec(),
		Converter:    s.Converter.Hex(),
		Timestamp:    s.Timestamp,
	}
	if !s.Expiry.IsZero() {
		expiry := s.Expiry
		row.Expiry = &expiry
	}
	return row
}

func (b *Batch) Len() int { return len(b.Events) }

// LastSequence is the sequence of the newest event in the batch.
func (b *Batch) LastSequence() int64 {
	if len(b.Events) == 0 {
		return -1
	}
	return b.Events[len(b.Events)-1].Sequence
}

func (b *Batch) Reset() {
	b.Events = b.Events[:0]
	b.Vaults = b.Vaults[:0]
	b.Converters = b.Converters[:0]
	b.Settlements = b.Settlements[:0]
	b.opened = time.Time{}
}

// EventLogWriter writes batches to Postgres using multi-row inserts. Every
// insert is idempotent on its primary key, so a retried batch is harmless.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteBatch writes all rows of b in one transaction.
func (w *EventLogWriter) WriteBatch(ctx context.Context, b *Batch) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := writeEvents(ctx, tx, b.Events); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	if err := writeVaults(ctx, tx, b.Vaults); err != nil {
		return fmt.Errorf("write vaults: %w", err)
	}
	if err := writeConverters(ctx, tx, b.Converters); err != nil {
		return fmt.Errorf("write converters: %w", err)
	}
	if err := writeSettlements(ctx, tx, b.Settlements); err != nil {
		return fmt.Errorf("write settlements: %w", err)
	}
	return tx.Commit()
}

// placeholders renders rows groups of cols positional parameters:
// ($1, $2), ($3, $4), ...
func placeholders(rows, cols int) string {
	groups := make([]string, rows)
	params := make([]string, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			params[c] = fmt.Sprintf("$%d", r*cols+c+1)
		}
		groups[r] = "(" + strings.Join(params, ", ") + ")"
	}
	return strings.Join(groups, ", ")
}

func writeEvents(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(events)*8)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, string(e.Payload), // jsonb wants text, not bytea
			e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}
	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES ` + placeholders(len(events), 8) + `
		ON CONFLICT (sequence) DO NOTHING`
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func writeVaults(ctx context.Context, tx *sql.Tx, vaults []VaultRow) error {
	if len(vaults) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(vaults)*6)
	for _, v := range vaults {
		args = append(args, v.Factory, v.Owner, v.Vault, v.AcceptedTransfer, v.Sequence, v.CreatedAt)
	}
	query := `INSERT INTO registry.vaults
		(factory, owner, vault, accepted_transfer, sequence, created_at)
		VALUES ` + placeholders(len(vaults), 6) + `
		ON CONFLICT (factory, owner) DO UPDATE
		SET accepted_transfer = registry.vaults.accepted_transfer OR EXCLUDED.accepted_transfer`
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// writeConverters applies trust changes in sequence order, one statement
// per row, since a batch may trust and untrust the same converter.
func writeConverters(ctx context.Context, tx *sql.Tx, converters []ConverterRow) error {
	for _, c := range converters {
		var err error
		if c.Trusted {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO registry.trusted_converters (factory, converter, sequence, updated_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (factory, converter) DO UPDATE
				SET sequence = EXCLUDED.sequence, updated_at = EXCLUDED.updated_at`,
				c.Factory, c.Converter, c.Sequence, c.UpdatedAt)
		} else {
			_, err = tx.ExecContext(ctx, `
				DELETE FROM registry.trusted_converters
				WHERE factory = $1 AND converter = $2 AND sequence < $3`,
				c.Factory, c.Converter, c.Sequence)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func writeSettlements(ctx context.Context, tx *sql.Tx, rows []SettlementRow) error {
	if len(rows) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(rows)*17)
	for _, s := range rows {
		args = append(args,
			s.SettlementID, s.RequestID, s.Sequence, s.Kind,
			s.SolidOwner, s.SolidNumber, s.LiquidOwner, s.LiquidNumber,
			s.OwedMarketID, s.HeldMarketID,
			s.OwedRepaid, s.HeldSeized, s.QuotedOutput, s.SolidProfit,
			s.Converter, pq.NullTime{Time: derefTime(s.Expiry), Valid: s.Expiry != nil}, s.Timestamp,
		)
	}
	query := `INSERT INTO settlements.log
		(settlement_id, request_id, sequence, kind,
		 solid_owner, solid_number, liquid_owner, liquid_number,
		 owed_market_id, held_market_id,
		 owed_repaid, held_seized, quoted_output, solid_profit,
		 converter, expiry, timestamp)
		VALUES ` + placeholders(len(rows), 17) + `
		ON CONFLICT (settlement_id) DO NOTHING`
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
