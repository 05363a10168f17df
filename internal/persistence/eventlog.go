package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"IsoLedger/internal/event"
)

// EventLogReader reads the persisted event log back for recovery.
//
// There are no state snapshots: the world is rebuilt from its
// configuration and every logged command is replayed through the engine,
// which checks each state hash against the log.
type EventLogReader struct {
	db *sql.DB
}

func NewEventLogReader(db *sql.DB) *EventLogReader {
	return &EventLogReader{db: db}
}

// LoadEventsFrom loads up to limit envelopes starting at fromSequence.
func (r *EventLogReader) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.EventEnvelope, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envelopes []*event.EventEnvelope
	for rows.Next() {
		var (
			env                 event.EventEnvelope
			eventType           string
			stateHash, prevHash []byte
		)
		if err := rows.Scan(
			&env.Sequence, &eventType, &env.IdempotencyKey, &env.Payload,
			&stateHash, &prevHash, &env.Timestamp, &env.SourceSequence,
		); err != nil {
			return nil, err
		}
		env.EventType = event.ParseEventType(eventType)
		if env.EventType == event.EventTypeUnknown {
			return nil, fmt.Errorf("sequence %d type %q: %w", env.Sequence, eventType, event.ErrUnknownEventType)
		}
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prevHash)
		env.Timestamp = env.Timestamp.UTC()
		envelopes = append(envelopes, &env)
	}
	return envelopes, rows.Err()
}

// ReplayAll feeds the whole log to apply in sequence order, limit rows at a
// time, and returns how many envelopes were replayed.
func (r *EventLogReader) ReplayAll(ctx context.Context, limit int, apply func(*event.EventEnvelope) error) (int64, error) {
	var (
		next  int64
		count int64
	)
	for {
		envelopes, err := r.LoadEventsFrom(ctx, next, limit)
		if err != nil {
			return count, fmt.Errorf("load events from %d: %w", next, err)
		}
		if len(envelopes) == 0 {
			return count, nil
		}
		for _, env := range envelopes {
			if err := apply(env); err != nil {
				return count, err
			}
			count++
		}
		next = envelopes[len(envelopes)-1].Sequence + 1
	}
}

// LatestSequence returns the newest logged sequence, or -1 for an empty log.
func (r *EventLogReader) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// RecentKeys returns the composite idempotency keys of the newest limit
// commands, for warming the engine's LRU.
func (r *EventLogReader) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_type || ':' || idempotency_key
		FROM event_log.events
		ORDER BY sequence DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
