package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"IsoLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrUnknownCommand = errors.New("unknown command type")
	ErrInvalidAddress = errors.New("invalid address")
	ErrInvalidAmount  = errors.New("invalid amount")
)

// ParseCommand converts a JSON command into a typed event.Event.
func ParseCommand(eventType string, data []byte) (event.Event, error) {
	switch eventType {
	case "VaultCreate":
		return parseVaultCreate(data)
	case "VaultDeposit":
		return parseVaultDeposit(data)
	case "VaultWithdrawal":
		return parseVaultWithdrawal(data)
	case "VaultOperation":
		return parseVaultOperation(data)
	case "StakingOperation":
		return parseStakingOperation(data)
	case "PoolOperation":
		return parsePoolOperation(data)
	case "ConverterTrustUpdate":
		return parseConverterTrust(data)
	case "PriceUpdate":
		return parsePriceUpdate(data)
	case "ExpirySet":
		return parseExpirySet(data)
	case "Liquidation":
		return parseLiquidation(data)
	default:
		return nil, fmt.Errorf("%q: %w", eventType, ErrUnknownCommand)
	}
}

// ParseRawEvent parses a message received on a configured subject.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	return ParseCommand(raw.EventType, raw.Data)
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Addresses are
// hex strings, amounts are decimal wei strings and timestamps are Unix
// microseconds.

type accountJSON struct {
	Owner  string `json:"owner"`
	Number uint64 `json:"number"`
}

type vaultCreateJSON struct {
	RequestID    string `json:"request_id"`
	Factory      string `json:"factory"`
	Owner        string `json:"owner"`
	TransferFrom string `json:"transfer_from,omitempty"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseVaultCreate(data []byte) (*event.VaultCreate, error) {
	var j vaultCreateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse VaultCreate: %w", err)
	}
	var p parser
	evt := &event.VaultCreate{
		RequestID: p.uuid("request_id", j.RequestID),
		Factory:   p.address("factory", j.Factory),
		Owner:     p.address("owner", j.Owner),
		Timestamp: timestamp(j.TimestampUs),
	}
	if j.TransferFrom != "" {
		evt.TransferFrom = p.address("transfer_from", j.TransferFrom)
	}
	return evt, p.err
}

type vaultAmountJSON struct {
	RequestID     string `json:"request_id"`
	Factory       string `json:"factory"`
	Owner         string `json:"owner"`
	AccountNumber uint64 `json:"account_number"`
	Amount        string `json:"amount"`
	Forfeit       bool   `json:"forfeit,omitempty"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseVaultDeposit(data []byte) (*event.VaultDeposit, error) {
	var j vaultAmountJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse VaultDeposit: %w", err)
	}
	var p parser
	evt := &event.VaultDeposit{
		RequestID:     p.uuid("request_id", j.RequestID),
		Factory:       p.address("factory", j.Factory),
		Owner:         p.address("owner", j.Owner),
		AccountNumber: j.AccountNumber,
		Amount:        p.amount("amount", j.Amount),
		Timestamp:     timestamp(j.TimestampUs),
	}
	return evt, p.err
}

func parseVaultWithdrawal(data []byte) (*event.VaultWithdrawal, error) {
	var j vaultAmountJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse VaultWithdrawal: %w", err)
	}
	var p parser
	evt := &event.VaultWithdrawal{
		RequestID:     p.uuid("request_id", j.RequestID),
		Factory:       p.address("factory", j.Factory),
		Owner:         p.address("owner", j.Owner),
		AccountNumber: j.AccountNumber,
		Amount:        p.amount("amount", j.Amount),
		Forfeit:       j.Forfeit,
		Timestamp:     timestamp(j.TimestampUs),
	}
	return evt, p.err
}

type vaultOperationJSON struct {
	RequestID      string `json:"request_id"`
	Factory        string `json:"factory"`
	Owner          string `json:"owner"`
	Kind           string `json:"kind"`
	AccountNumber  uint64 `json:"account_number"`
	MarketID       uint32 `json:"market_id"`
	OutputMarketID uint32 `json:"output_market_id"`
	Amount         string `json:"amount,omitempty"`
	MinOutput      string `json:"min_output,omitempty"`
	Forfeit        bool   `json:"forfeit,omitempty"`
	TimestampUs    int64  `json:"timestamp_us"`
}

func parseVaultOperation(data []byte) (*event.VaultOperation, error) {
	var j vaultOperationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse VaultOperation: %w", err)
	}
	var p parser
	evt := &event.VaultOperation{
		RequestID:      p.uuid("request_id", j.RequestID),
		Factory:        p.address("factory", j.Factory),
		Owner:          p.address("owner", j.Owner),
		Kind:           event.VaultOpKind(j.Kind),
		AccountNumber:  j.AccountNumber,
		MarketID:       j.MarketID,
		OutputMarketID: j.OutputMarketID,
		Forfeit:        j.Forfeit,
		Timestamp:      timestamp(j.TimestampUs),
	}
	if j.Amount != "" {
		evt.Amount = p.amount("amount", j.Amount)
	}
	if j.MinOutput != "" {
		evt.MinOutput = p.amount("min_output", j.MinOutput)
	}
	return evt, p.err
}

type stakingOperationJSON struct {
	RequestID   string `json:"request_id"`
	Staking     string `json:"staking"`
	Kind        string `json:"kind"`
	Caller      string `json:"caller,omitempty"`
	Account     string `json:"account"`
	Receiver    string `json:"receiver,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Vesting     bool   `json:"vesting,omitempty"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseStakingOperation(data []byte) (*event.StakingOperation, error) {
	var j stakingOperationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse StakingOperation: %w", err)
	}
	var p parser
	evt := &event.StakingOperation{
		RequestID: p.uuid("request_id", j.RequestID),
		Staking:   p.address("staking", j.Staking),
		Kind:      event.StakingOpKind(j.Kind),
		Account:   p.address("account", j.Account),
		Vesting:   j.Vesting,
		Timestamp: timestamp(j.TimestampUs),
	}
	if j.Caller != "" {
		evt.Caller = p.address("caller", j.Caller)
	}
	if j.Receiver != "" {
		evt.Receiver = p.address("receiver", j.Receiver)
	}
	if j.Amount != "" {
		evt.Amount = p.amount("amount", j.Amount)
	}
	return evt, p.err
}

type poolOperationJSON struct {
	RequestID   string `json:"request_id"`
	Pool        string `json:"pool"`
	Kind        string `json:"kind"`
	Account     string `json:"account"`
	Receiver    string `json:"receiver,omitempty"`
	Amount      string `json:"amount"`
	MinOutput   string `json:"min_output,omitempty"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePoolOperation(data []byte) (*event.PoolOperation, error) {
	var j poolOperationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PoolOperation: %w", err)
	}
	var p parser
	evt := &event.PoolOperation{
		RequestID: p.uuid("request_id", j.RequestID),
		Pool:      p.address("pool", j.Pool),
		Kind:      event.PoolOpKind(j.Kind),
		Account:   p.address("account", j.Account),
		Amount:    p.amount("amount", j.Amount),
		Timestamp: timestamp(j.TimestampUs),
	}
	if j.Receiver != "" {
		evt.Receiver = p.address("receiver", j.Receiver)
	}
	if j.MinOutput != "" {
		evt.MinOutput = p.amount("min_output", j.MinOutput)
	}
	return evt, p.err
}

type converterTrustJSON struct {
	RequestID   string `json:"request_id"`
	Factory     string `json:"factory"`
	Caller      string `json:"caller"`
	Converter   string `json:"converter"`
	Trusted     bool   `json:"trusted"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseConverterTrust(data []byte) (*event.ConverterTrustUpdate, error) {
	var j converterTrustJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ConverterTrustUpdate: %w", err)
	}
	var p parser
	evt := &event.ConverterTrustUpdate{
		RequestID: p.uuid("request_id", j.RequestID),
		Factory:   p.address("factory", j.Factory),
		Caller:    p.address("caller", j.Caller),
		Converter: p.address("converter", j.Converter),
		Trusted:   j.Trusted,
		Timestamp: timestamp(j.TimestampUs),
	}
	return evt, p.err
}

type priceUpdateJSON struct {
	Token         string `json:"token"`
	Price         string `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	var p parser
	evt := &event.PriceUpdate{
		Token:         p.address("token", j.Token),
		Price:         p.amount("price", j.Price),
		PriceSequence: j.PriceSequence,
		Timestamp:     timestamp(j.TimestampUs),
	}
	return evt, p.err
}

type expirySetJSON struct {
	RequestID   string      `json:"request_id"`
	Caller      string      `json:"caller"`
	Account     accountJSON `json:"account"`
	MarketID    uint32      `json:"market_id"`
	ExpiryUs    int64       `json:"expiry_us"`
	TimestampUs int64       `json:"timestamp_us"`
}

func parseExpirySet(data []byte) (*event.ExpirySet, error) {
	var j expirySetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ExpirySet: %w", err)
	}
	var p parser
	evt := &event.ExpirySet{
		RequestID: p.uuid("request_id", j.RequestID),
		Caller:    p.address("caller", j.Caller),
		Account:   p.account("account", j.Account),
		MarketID:  j.MarketID,
		Expiry:    timestamp(j.ExpiryUs),
		Timestamp: timestamp(j.TimestampUs),
	}
	return evt, p.err
}

type liquidationJSON struct {
	RequestID    string      `json:"request_id"`
	Caller       string      `json:"caller"`
	Solid        accountJSON `json:"solid"`
	Liquid       accountJSON `json:"liquid"`
	OwedMarketID uint32      `json:"owed_market_id"`
	HeldMarketID uint32      `json:"held_market_id"`
	ExpiryUs     int64       `json:"expiry_us,omitempty"`
	ExtraData    string      `json:"extra_data,omitempty"` // hex
	TimestampUs  int64       `json:"timestamp_us"`
}

func parseLiquidation(data []byte) (*event.LiquidationRequest, error) {
	var j liquidationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Liquidation: %w", err)
	}
	var p parser
	evt := &event.LiquidationRequest{
		RequestID:    p.uuid("request_id", j.RequestID),
		Caller:       p.address("caller", j.Caller),
		Solid:        p.account("solid", j.Solid),
		Liquid:       p.account("liquid", j.Liquid),
		OwedMarketID: j.OwedMarketID,
		HeldMarketID: j.HeldMarketID,
		Expiry:       timestamp(j.ExpiryUs),
		Timestamp:    timestamp(j.TimestampUs),
	}
	if j.ExtraData != "" {
		evt.ExtraData = common.FromHex(j.ExtraData)
	}
	return evt, p.err
}

// parser keeps the first field error so the parse functions read as one
// struct literal.
type parser struct {
	err error
}

func (p *parser) fail(field string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("parse %s: %w", field, err)
	}
}

func (p *parser) uuid(field, s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		p.fail(field, err)
	}
	return id
}

func (p *parser) address(field, s string) common.Address {
	if !common.IsHexAddress(s) {
		p.fail(field, fmt.Errorf("%q: %w", s, ErrInvalidAddress))
		return common.Address{}
	}
	return common.HexToAddress(s)
}

func (p *parser) amount(field, s string) *uint256.Int {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		p.fail(field, fmt.Errorf("%q: %w", s, ErrInvalidAmount))
		return nil
	}
	return v
}

func (p *parser) account(field string, a accountJSON) event.Account {
	return event.Account{Owner: p.address(field+".owner", a.Owner), Number: a.Number}
}

// timestamp converts Unix microseconds; zero stays the zero time.
func timestamp(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}
