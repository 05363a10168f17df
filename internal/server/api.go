package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"

	"IsoLedger/internal/core"
	"IsoLedger/internal/event"
	"IsoLedger/internal/ingestion"
	"IsoLedger/internal/ledger"
	"IsoLedger/internal/liquidation"
	"IsoLedger/internal/persistence"
	"IsoLedger/internal/query"
	"IsoLedger/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// --- Requests and responses ---

type Empty struct{}

type VaultRequest struct {
	Factory string `json:"factory"`
	Owner   string `json:"owner"`
}

type AccountRequest struct {
	Owner  string `json:"owner"`
	Number uint64 `json:"number"`
}

type QuoteRequest struct {
	Converter string `json:"converter"`
	Amount    string `json:"amount"` // wei
}

type FactoryRequest struct {
	Factory string `json:"factory"`
}

type SettlementsRequest struct {
	Owner string `json:"owner"`
	Limit int    `json:"limit"`
}

type MarketsResponse struct {
	Markets []query.MarketResponse `json:"markets"`
}

type SettlementsResponse struct {
	Settlements []query.SettlementResponse `json:"settlements"`
}

// SubmitRequest carries one command in the NATS wire format.
type SubmitRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type SubmitResponse struct {
	Sequence    int64                    `json:"sequence"`
	StateHash   string                   `json:"state_hash"`
	Vaults      []event.VaultRecord      `json:"vaults,omitempty"`
	Settlements []event.SettlementRecord `json:"settlements,omitempty"`
}

// LedgerServer is the ledger's gRPC service.
type LedgerServer interface {
	GetState(context.Context, *Empty) (*query.StateResponse, error)
	ListMarkets(context.Context, *Empty) (*MarketsResponse, error)
	GetVault(context.Context, *VaultRequest) (*query.VaultResponse, error)
	GetAccount(context.Context, *AccountRequest) (*query.AccountResponse, error)
	GetQuote(context.Context, *QuoteRequest) (*query.QuoteResponse, error)
	GetTrustedConverters(context.Context, *FactoryRequest) (*query.ConvertersResponse, error)
	ListSettlements(context.Context, *SettlementsRequest) (*SettlementsResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	SubmitCommand(context.Context, *SubmitRequest) (*SubmitResponse, error)
}

// API implements LedgerServer over the query service and the core. Every
// error it returns is a gRPC status.
type API struct {
	query  *query.Service
	core   ingestion.Processor
	logger zerolog.Logger
}

func NewAPI(qs *query.Service, core ingestion.Processor, logger zerolog.Logger) *API {
	return &API{query: qs, core: core, logger: logger}
}

var _ LedgerServer = (*API)(nil)

func (a *API) GetState(ctx context.Context, _ *Empty) (*query.StateResponse, error) {
	resp, err := a.query.GetState(ctx)
	return resp, toStatus(err, codes.Internal)
}

func (a *API) ListMarkets(ctx context.Context, _ *Empty) (*MarketsResponse, error) {
	markets, err := a.query.GetMarkets(ctx)
	if err != nil {
		return nil, toStatus(err, codes.Internal)
	}
	return &MarketsResponse{Markets: markets}, nil
}

func (a *API) GetVault(ctx context.Context, req *VaultRequest) (*query.VaultResponse, error) {
	factory, err := parseAddress("factory", req.Factory)
	if err != nil {
		return nil, err
	}
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	resp, err := a.query.GetVault(ctx, factory, owner)
	return resp, toStatus(err, codes.Internal)
}

func (a *API) GetAccount(ctx context.Context, req *AccountRequest) (*query.AccountResponse, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	resp, err := a.query.GetAccount(ctx, owner, req.Number)
	return resp, toStatus(err, codes.Internal)
}

func (a *API) GetQuote(ctx context.Context, req *QuoteRequest) (*query.QuoteResponse, error) {
	conv, err := parseAddress("converter", req.Converter)
	if err != nil {
		return nil, err
	}
	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid amount %q", req.Amount)
	}
	resp, err := a.query.GetQuote(ctx, conv, amount)
	return resp, toStatus(err, codes.FailedPrecondition)
}

func (a *API) GetTrustedConverters(ctx context.Context, req *FactoryRequest) (*query.ConvertersResponse, error) {
	factory, err := parseAddress("factory", req.Factory)
	if err != nil {
		return nil, err
	}
	resp, err := a.query.GetTrustedConverters(ctx, factory)
	return resp, toStatus(err, codes.Internal)
}

func (a *API) ListSettlements(ctx context.Context, req *SettlementsRequest) (*SettlementsResponse, error) {
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	settlements, err := a.query.GetSettlements(ctx, owner, req.Limit)
	if err != nil {
		return nil, toStatus(err, codes.Internal)
	}
	return &SettlementsResponse{Settlements: settlements}, nil
}

func (a *API) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	resp, err := a.query.VerifyIntegrity(ctx)
	return resp, toStatus(err, codes.Internal)
}

// SubmitCommand applies one command synchronously. It is the admin path
// next to NATS and shares its idempotency keys.
func (a *API) SubmitCommand(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	evt, err := ingestion.ParseCommand(req.EventType, req.Payload)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	out, err := a.core.ProcessEvent(ctx, evt)
	if err != nil {
		return nil, toStatus(err, codes.FailedPrecondition)
	}
	a.logger.Info().
		Str("event_type", req.EventType).
		Int64("sequence", out.Envelope.Sequence).
		Msg("command submitted")
	return &SubmitResponse{
		Sequence:    out.Envelope.Sequence,
		StateHash:   hex.EncodeToString(out.Envelope.StateHash[:]),
		Vaults:      out.Vaults,
		Settlements: out.Settlements,
	}, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "invalid %s %q", field, s)
	}
	return common.HexToAddress(s), nil
}

var permissionErrors = []error{
	vault.ErrOnlyOwner,
	vault.ErrOnlyFactory,
	vault.ErrOnlyOwnerOrFactory,
	vault.ErrOnlyFactoryOwner,
	ledger.ErrOnlyGovernance,
	ledger.ErrNotOperator,
	liquidation.ErrNotSolidOperator,
}

var invalidErrors = []error{
	query.ErrInvalidArgument,
	core.ErrMissingAmount,
	core.ErrUnknownVaultOp,
	core.ErrUnknownYieldOp,
	core.ErrVaultAccount,
	vault.ErrZeroAmount,
	ingestion.ErrUnknownCommand,
}

// toStatus maps domain errors onto gRPC codes. Errors no rule matches get
// fallback: commands use FailedPrecondition since the command was
// well-formed but the state rejected it.
func toStatus(err error, fallback codes.Code) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := fallback
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, core.ErrDuplicate):
		code = codes.AlreadyExists
	case errors.Is(err, core.ErrStalePrice):
		code = codes.Aborted
	case errors.Is(err, core.ErrInvariantBroken):
		code = codes.Internal
	case errors.Is(err, query.ErrUnavailable):
		code = codes.Unavailable
	case errors.Is(err, query.ErrNotFound),
		errors.Is(err, persistence.ErrNotFound),
		errors.Is(err, core.ErrNoVault),
		errors.Is(err, core.ErrUnknownFactory),
		errors.Is(err, core.ErrUnknownPool),
		errors.Is(err, core.ErrUnknownStaking):
		code = codes.NotFound
	case matchesAny(err, permissionErrors):
		code = codes.PermissionDenied
	case matchesAny(err, invalidErrors):
		code = codes.InvalidArgument
	}
	return status.Error(code, err.Error())
}

func matchesAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
