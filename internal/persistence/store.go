package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"IsoLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/lib/pq"
)

var ErrNotFound = errors.New("not found")

// Store answers read queries against the persisted registry and
// settlement log. Trust lists are served from the live world instead, since
// converters trusted by configuration are never logged.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// VaultByOwner returns owner's vault at factory.
func (s *Store) VaultByOwner(ctx context.Context, factory, owner common.Address) (common.Address, error) {
	var vault string
	err := s.db.QueryRowContext(ctx, `
		SELECT vault FROM registry.vaults
		WHERE factory = $1 AND owner = $2`, factory.Hex(), owner.Hex()).Scan(&vault)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Address{}, fmt.Errorf("vault of %s at %s: %w", owner.Hex(), factory.Hex(), ErrNotFound)
	}
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(vault), nil
}

// Settlements lists the settlements against liquidOwner's accounts, newest
// first.
func (s *Store) Settlements(ctx context.Context, liquidOwner common.Address, limit int) ([]event.SettlementRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT settlement_id, request_id, kind,
		       solid_owner, solid_number, liquid_owner, liquid_number,
		       owed_market_id, held_market_id,
		       owed_repaid::text, held_seized::text, quoted_output::text, solid_profit::text,
		       converter, expiry, timestamp
		FROM settlements.log
		WHERE liquid_owner = $1
		ORDER BY sequence DESC
		LIMIT $2`, liquidOwner.Hex(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.SettlementRecord
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// HashChainBreaks returns up to limit sequences whose prev_hash does not
// match the state_hash of the event before them.
func (s *Store) HashChainBreaks(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0
		  AND (e2.sequence IS NULL OR e1.prev_hash <> e2.state_hash)
		ORDER BY e1.sequence
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var breaks []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		breaks = append(breaks, seq)
	}
	return breaks, rows.Err()
}

func scanSettlement(rows *sql.Rows) (event.SettlementRecord, error) {
	var (
		rec                            event.SettlementRecord
		id, requestID, kind            string
		solid, liquid, conv            string
		repaid, seized, quoted, profit string
		expiry                         pq.NullTime
		timestamp                      time.Time
	)
	if err := rows.Scan(
		&id, &requestID, &kind,
		&solid, &rec.Solid.Number, &liquid, &rec.Liquid.Number,
		&rec.OwedMarketID, &rec.HeldMarketID,
		&repaid, &seized, &quoted, &profit,
		&conv, &expiry, &timestamp,
	); err != nil {
		return rec, err
	}

	var err error
	if rec.ID, err = uuid.Parse(id); err != nil {
		return rec, fmt.Errorf("settlement id: %w", err)
	}
	if rec.RequestID, err = uuid.Parse(requestID); err != nil {
		return rec, fmt.Errorf("request id: %w", err)
	}
	for _, f := range []struct {
		dst **uint256.Int
		src string
	}{{&rec.OwedRepaid, repaid}, {&rec.HeldSeized, seized}, {&rec.QuotedOutput, quoted}, {&rec.SolidProfit, profit}} {
		if *f.dst, err = uint256.FromDecimal(f.src); err != nil {
			return rec, fmt.Errorf("settlement %s amount %q: %w", id, f.src, err)
		}
	}
	rec.Kind = event.SettlementKind(kind)
	rec.Solid.Owner = common.HexToAddress(solid)
	rec.Liquid.Owner = common.HexToAddress(liquid)
	rec.Converter = common.HexToAddress(conv)
	if expiry.Valid {
		rec.Expiry = expiry.Time.UTC()
	}
	rec.Timestamp = timestamp.UTC()
	return rec, nil
}
