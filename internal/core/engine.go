package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"IsoLedger/internal/event"
	"IsoLedger/internal/ledger"
	"IsoLedger/internal/liquidation"
	"IsoLedger/internal/observability"
	"IsoLedger/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrDuplicate        = errors.New("duplicate event")
	ErrReplayMismatch   = errors.New("replayed state hash does not match the log")
	ErrReplayOutOfOrder = errors.New("replayed envelope out of sequence")
	ErrUnknownVaultOp   = errors.New("unknown vault operation")
	ErrUnknownYieldOp   = errors.New("unknown staking or pool operation")
	ErrMissingAmount    = errors.New("operation requires an amount")
)

// CoreOutput is everything one applied event produced, in the order the
// persistence worker writes it.
type CoreOutput struct {
	Envelope    *event.EventEnvelope
	Vaults      []event.VaultRecord
	Converters  []event.ConverterRecord
	Settlements []event.SettlementRecord
	StateDelta  []byte
}

type EngineConfig struct {
	StartSequence int64
	// PersistChan receives every output with a blocking send. Nil disables
	// persistence.
	PersistChan chan<- CoreOutput
	// PublishChan receives outputs best-effort; a full channel drops them.
	PublishChan chan<- CoreOutput
	DBChecker   DBIdempotencyChecker
	LRUCapacity int
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
}

// Engine applies commands to the world one at a time. Every command runs
// in a single journal scope together with the global invariant checks, so
// a failing command leaves no trace. Timestamps come from the commands.
type Engine struct {
	mu          sync.Mutex
	world       *World
	sequence    int64
	hasher      *StateHasher
	idempotency *IdempotencyChecker
	prices      *PriceSequenceValidator
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput
}

func NewEngine(world *World, cfg EngineConfig) *Engine {
	capacity := cfg.LRUCapacity
	if capacity == 0 {
		capacity = 100_000
	}
	return &Engine{
		world:       world,
		sequence:    cfg.StartSequence,
		hasher:      NewStateHasher(),
		idempotency: NewIdempotencyChecker(capacity, cfg.DBChecker, cfg.Metrics, cfg.Logger),
		prices:      NewPriceSequenceValidator(),
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		persistChan: cfg.PersistChan,
		publishChan: cfg.PublishChan,
	}
}

// ProcessEvent applies evt and emits its output. A command already applied
// returns ErrDuplicate; a rejected command returns its domain error and
// changes nothing.
func (c *Engine) ProcessEvent(ctx context.Context, evt event.Event) (*CoreOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	eventType := evt.EventType().String()

	if c.idempotency.IsDuplicate(eventType, evt.IdempotencyKey()) {
		c.reject(eventType, "duplicate")
		return nil, ErrDuplicate
	}

	output, err := c.apply(ctx, evt)
	if err != nil {
		c.reject(eventType, rejectReason(err))
		c.logger.Warn().
			Err(err).
			Str("event_type", eventType).
			Str("key", evt.IdempotencyKey()).
			Msg("event rejected")
		return nil, err
	}

	c.emit(*output)
	c.idempotency.MarkProcessed(eventType, evt.IdempotencyKey())

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}
	return output, nil
}

// Replay re-applies a logged envelope during startup and checks the state
// hash it reproduces. Nothing is emitted.
func (c *Engine) Replay(env *event.EventEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if env.Sequence != c.sequence {
		return fmt.Errorf("envelope %d, expected %d: %w", env.Sequence, c.sequence, ErrReplayOutOfOrder)
	}
	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return err
	}
	output, err := c.apply(context.Background(), evt)
	if err != nil {
		return fmt.Errorf("replay %d: %w", env.Sequence, err)
	}
	if output.Envelope.StateHash != env.StateHash {
		return fmt.Errorf("sequence %d: %w", env.Sequence, ErrReplayMismatch)
	}
	c.idempotency.MarkProcessed(env.EventType.String(), env.IdempotencyKey)
	return nil
}

// apply runs the command and the invariant checks atomically, then seals
// the result into an envelope.
func (c *Engine) apply(ctx context.Context, evt event.Event) (*CoreOutput, error) {
	if p, ok := evt.(*event.PriceUpdate); ok {
		gap, err := c.prices.Validate(p.Token, p.PriceSequence)
		if err != nil {
			return nil, err
		}
		if gap && c.metrics != nil {
			c.metrics.EventSequenceGap.WithLabelValues("price:" + p.Token.Hex()).Inc()
		}
	}

	prevNow := c.world.Clock.Now()
	c.world.Clock.Advance(evt.OccurredAt())

	output := &CoreOutput{}
	err := c.world.Journal.Atomic(func() error {
		if err := c.dispatch(ctx, evt, output); err != nil {
			return err
		}
		return c.world.CheckInvariants()
	})
	if err != nil {
		c.world.Clock.rewind(prevNow)
		return nil, err
	}

	if p, ok := evt.(*event.PriceUpdate); ok {
		c.prices.Advance(p.Token, p.PriceSequence)
	}

	payload, err := event.Encode(evt)
	if err != nil {
		return nil, err
	}

	hashStart := time.Now()
	digest := computeStateDigest(c.world)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, digest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	output.Envelope = &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Timestamp:      evt.OccurredAt(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output.StateDelta = digest
	c.sequence++
	return output, nil
}

func (c *Engine) dispatch(ctx context.Context, evt event.Event, out *CoreOutput) error {
	switch e := evt.(type) {
	case *event.VaultCreate:
		return c.handleVaultCreate(e, out)
	case *event.VaultDeposit:
		v, err := c.world.Vault(e.Factory, e.Owner)
		if err != nil {
			return err
		}
		return v.DepositIntoVaultForLedger(e.Owner, e.AccountNumber, e.Amount)
	case *event.VaultWithdrawal:
		v, err := c.world.Vault(e.Factory, e.Owner)
		if err != nil {
			return err
		}
		policy := vault.UnwindComplete
		if e.Forfeit {
			policy = vault.UnwindForfeit
		}
		return v.WithdrawFromVaultForLedger(e.Owner, e.AccountNumber, e.Amount, policy)
	case *event.ConverterTrustUpdate:
		f, err := c.world.Factory(e.Factory)
		if err != nil {
			return err
		}
		if err := f.OwnerSetIsTokenConverterTrusted(e.Caller, e.Converter, e.Trusted); err != nil {
			return err
		}
		out.Converters = append(out.Converters, event.ConverterRecord{
			Factory: e.Factory, Converter: e.Converter, Trusted: e.Trusted,
		})
		return nil
	case *event.PriceUpdate:
		return c.world.SetPrice(e.Token, e.Price)
	case *event.ExpirySet:
		return c.world.Ledger.SetExpiry(e.Caller, toAccountInfo(e.Account), ledger.MarketID(e.MarketID), e.Expiry)
	case *event.LiquidationRequest:
		return c.handleLiquidation(ctx, e, out)
	case *event.VaultOperation:
		return c.handleVaultOperation(e)
	case *event.StakingOperation:
		return c.handleStakingOperation(e)
	case *event.PoolOperation:
		return c.handlePoolOperation(e)
	default:
		return fmt.Errorf("%T: %w", evt, event.ErrUnknownEventType)
	}
}

func (c *Engine) handleVaultCreate(e *event.VaultCreate, out *CoreOutput) error {
	f, err := c.world.Factory(e.Factory)
	if err != nil {
		return err
	}
	var v *vault.Vault
	if e.WithTransfer() {
		v, err = f.CreateVaultAndAcceptFullAccountTransfer(e.Owner, e.TransferFrom)
	} else {
		v, err = f.CreateVault(e.Owner)
	}
	if err != nil {
		return err
	}
	out.Vaults = append(out.Vaults, event.VaultRecord{
		Factory:          e.Factory,
		Owner:            e.Owner,
		Vault:            v.Address(),
		AcceptedTransfer: v.HasAcceptedFullAccountTransfer(),
	})
	if c.metrics != nil {
		c.metrics.VaultsCreated.WithLabelValues(e.Factory.Hex()).Inc()
	}
	return nil
}

func (c *Engine) handleVaultOperation(e *event.VaultOperation) error {
	v, err := c.world.Vault(e.Factory, e.Owner)
	if err != nil {
		return err
	}
	needsAmount := e.Kind != event.VaultOpUnvest && e.Kind != event.VaultOpClaimRewards
	if needsAmount && e.Amount == nil {
		return fmt.Errorf("%s: %w", e.Kind, ErrMissingAmount)
	}

	switch e.Kind {
	case event.VaultOpStake:
		return v.Stake(e.Owner, e.Amount)
	case event.VaultOpUnstake:
		return v.Unstake(e.Owner, e.Amount)
	case event.VaultOpVest:
		return v.Vest(e.Owner, e.Amount)
	case event.VaultOpUnvest:
		policy := vault.UnwindComplete
		if e.Forfeit {
			policy = vault.UnwindForfeit
		}
		return v.Unvest(e.Owner, policy)
	case event.VaultOpClaimRewards:
		_, err := v.ClaimRewards(e.Owner)
		return err
	case event.VaultOpDepositOther:
		return v.DepositOtherToken(e.Owner, e.AccountNumber, ledger.MarketID(e.MarketID), e.Amount)
	case event.VaultOpWithdrawOther:
		return v.WithdrawOtherToken(e.Owner, e.AccountNumber, ledger.MarketID(e.MarketID), e.Amount)
	case event.VaultOpSwap:
		_, err := v.SwapExactInputForOutput(e.Owner, c.world.Liquidator, e.AccountNumber,
			ledger.MarketID(e.MarketID), ledger.MarketID(e.OutputMarketID), e.Amount, e.MinOutput)
		return err
	default:
		return fmt.Errorf("%q: %w", e.Kind, ErrUnknownVaultOp)
	}
}

// handleStakingOperation serves accounts whose pool shares sit outside any
// vault. Staking and signalling a transfer here is what lets a later
// VaultCreate with TransferFrom take the position over.
func (c *Engine) handleStakingOperation(e *event.StakingOperation) error {
	s, err := c.world.StakingAt(e.Staking)
	if err != nil {
		return err
	}
	if e.Kind != event.StakingOpSignalTransfer && e.Amount == nil {
		return fmt.Errorf("%s: %w", e.Kind, ErrMissingAmount)
	}
	if e.Kind != event.StakingOpAccrueRewards && c.world.IsVault(e.Account) {
		return fmt.Errorf("%s %s: %w", e.Kind, e.Account.Hex(), ErrVaultAccount)
	}

	switch e.Kind {
	case event.StakingOpStake:
		return s.Stake(e.Account, e.Amount)
	case event.StakingOpUnstake:
		receiver := e.Receiver
		if receiver == (common.Address{}) {
			receiver = e.Account
		}
		return s.Unstake(e.Account, e.Amount, receiver)
	case event.StakingOpSignalTransfer:
		return s.SignalTransfer(e.Account, e.Receiver)
	case event.StakingOpAccrueRewards:
		if e.Caller != c.world.Governance {
			return fmt.Errorf("accrue rewards by %s: %w", e.Caller.Hex(), ledger.ErrOnlyGovernance)
		}
		return s.AccrueRewards(e.Account, e.Amount, e.Vesting)
	default:
		return fmt.Errorf("staking %q: %w", e.Kind, ErrUnknownYieldOp)
	}
}

func (c *Engine) handlePoolOperation(e *event.PoolOperation) error {
	p, err := c.world.PoolAt(e.Pool)
	if err != nil {
		return err
	}
	if e.Amount == nil {
		return fmt.Errorf("%s: %w", e.Kind, ErrMissingAmount)
	}
	if c.world.IsVault(e.Account) {
		return fmt.Errorf("%s %s: %w", e.Kind, e.Account.Hex(), ErrVaultAccount)
	}
	receiver := e.Receiver
	if receiver == (common.Address{}) {
		receiver = e.Account
	}
	minOut := e.MinOutput
	if minOut == nil {
		minOut = new(uint256.Int)
	}

	switch e.Kind {
	case event.PoolOpMint:
		_, err := p.Mint(e.Account, e.Amount, minOut, receiver)
		return err
	case event.PoolOpRedeem:
		_, err := p.Redeem(e.Account, e.Amount, minOut, receiver)
		return err
	case event.PoolOpSetReserved:
		if e.Account != c.world.Governance {
			return fmt.Errorf("set reserved by %s: %w", e.Account.Hex(), ledger.ErrOnlyGovernance)
		}
		p.SetReserved(e.Amount)
		return nil
	default:
		return fmt.Errorf("pool %q: %w", e.Kind, ErrUnknownYieldOp)
	}
}

func (c *Engine) handleLiquidation(ctx context.Context, e *event.LiquidationRequest, out *CoreOutput) error {
	res, err := c.world.Liquidator.Liquidate(ctx, e.Caller, liquidation.Request{
		Solid:        toAccountInfo(e.Solid),
		Liquid:       toAccountInfo(e.Liquid),
		OwedMarketID: ledger.MarketID(e.OwedMarketID),
		HeldMarketID: ledger.MarketID(e.HeldMarketID),
		Expiry:       e.Expiry,
		ExtraData:    e.ExtraData,
	})
	if err != nil {
		return err
	}
	kind := event.SettlementLiquidation
	if res.Settlement.Type == ledger.ActionExpire {
		kind = event.SettlementExpiration
	}
	out.Settlements = append(out.Settlements, event.SettlementRecord{
		ID:           event.SettlementID(e.RequestID),
		RequestID:    e.RequestID,
		Kind:         kind,
		Solid:        e.Solid,
		Liquid:       e.Liquid,
		OwedMarketID: e.OwedMarketID,
		HeldMarketID: e.HeldMarketID,
		OwedRepaid:   res.OwedRepaid,
		HeldSeized:   res.HeldSeized,
		QuotedOutput: res.QuotedOutput,
		SolidProfit:  res.SolidProfit,
		Converter:    res.Converter,
		Expiry:       res.Settlement.Expiry,
		Timestamp:    e.Timestamp,
	})
	if c.metrics != nil {
		c.metrics.SettlementsCompleted.WithLabelValues(string(kind)).Inc()
	}
	return nil
}

// emit hands the output to persistence (blocking) and publication
// (non-blocking, dropped when full).
func (c *Engine) emit(output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}
	if c.publishChan != nil {
		select {
		case c.publishChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (c *Engine) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrStalePrice):
		return "stale"
	case errors.Is(err, ErrInvariantBroken):
		return "invariant"
	default:
		return "validation"
	}
}

func toAccountInfo(a event.Account) ledger.AccountInfo {
	return ledger.AccountInfo{Owner: a.Owner, Number: a.Number}
}

// View runs fn against the world between commands.
func (c *Engine) View(fn func(w *World) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(c.world)
}

// WarmLRU loads composite idempotency keys recovered from the event log.
func (c *Engine) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.Warm(keys)
}

func (c *Engine) GetSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

func (c *Engine) GetStateHash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasher.GetPrevHash()
}
