package vault

import (
	"errors"
	"fmt"

	"IsoLedger/internal/ledger"
	"IsoLedger/internal/state"
	"IsoLedger/internal/token"
	"IsoLedger/internal/yield"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrOnlyFactoryOwner       = errors.New("only factory owner can call")
	ErrInvalidOwner           = errors.New("invalid vault owner")
	ErrVaultAlreadyExists     = errors.New("vault already exists")
	ErrNotVault               = errors.New("address is not a vault")
	ErrUntrustedConverter     = errors.New("token converter not trusted")
	ErrTransferAlreadyQueued  = errors.New("transfer already queued for converter")
	ErrNoQueuedTransfer       = errors.New("no transfer queued for converter")
	ErrQueuedTransferMismatch = errors.New("queued transfer does not match")
	ErrInvalidTokenTransfer   = errors.New("isolated token can only move to or from the ledger")
	ErrInvalidMarketList      = errors.New("invalid market id list")
	ErrUnderBacked            = errors.New("isolated token supply exceeds vault underlying")
)

// Direction of a queued converter transfer.
type Direction uint8

const (
	FromLedger Direction = iota
	IntoLedger
)

func (d Direction) String() string {
	if d == IntoLedger {
		return "into_ledger"
	}
	return "from_ledger"
}

// QueuedTransfer is the handshake state between a converter's Call action
// and its Sell action within one ledger operation.
type QueuedTransfer struct {
	Vault     common.Address
	Amount    *uint256.Int
	Direction Direction
	Policy    UnwindPolicy
}

type FactoryConfig struct {
	// Address of the factory, which is also the isolated token listed on
	// the ledger.
	Address        common.Address
	Symbol         string
	Governance     common.Address
	Underlying     common.Address
	Implementation []byte
	Ledger         *ledger.Ledger
	Staking        *yield.Staking
	Oracle         ledger.PriceOracle
	Logger         zerolog.Logger
}

// Factory owns the owner<->vault mapping and the converter trust list for
// one underlying token, and is the ledger's isolated market for it.
type Factory struct {
	address        common.Address
	governance     common.Address
	underlying     common.Address
	implementation []byte

	ledger  *ledger.Ledger
	bank    *token.Bank
	staking *yield.Staking
	journal *state.Journal

	marketID ledger.MarketID

	vaultByOwner map[common.Address]*Vault
	ownerByVault map[common.Address]common.Address
	trusted      map[common.Address]bool
	queued       map[common.Address]QueuedTransfer

	allowableCollateral []ledger.MarketID
	allowableDebt       []ledger.MarketID

	logger zerolog.Logger
}

// NewFactory registers the isolated token, lists it on the ledger and makes
// the factory a global operator.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	l := cfg.Ledger
	info, ok := l.Bank().Info(cfg.Underlying)
	if !ok {
		return nil, fmt.Errorf("factory underlying %s: %w", cfg.Underlying.Hex(), token.ErrUnknownToken)
	}
	f := &Factory{
		address:        cfg.Address,
		governance:     cfg.Governance,
		underlying:     cfg.Underlying,
		implementation: cfg.Implementation,
		ledger:         l,
		bank:           l.Bank(),
		staking:        cfg.Staking,
		journal:        l.Journal(),
		vaultByOwner:   make(map[common.Address]*Vault),
		ownerByVault:   make(map[common.Address]common.Address),
		trusted:        make(map[common.Address]bool),
		queued:         make(map[common.Address]QueuedTransfer),
		logger:         cfg.Logger.With().Str("factory", cfg.Symbol).Logger(),
	}

	err := f.journal.Atomic(func() error {
		if err := f.bank.Register(cfg.Address, cfg.Symbol, info.Decimals); err != nil {
			return err
		}
		id, err := l.AddMarket(cfg.Governance, cfg.Address, cfg.Oracle, f)
		if err != nil {
			return err
		}
		f.marketID = id
		return l.SetGlobalOperator(cfg.Governance, cfg.Address, true)
	})
	if err != nil {
		return nil, fmt.Errorf("new factory %s: %w", cfg.Symbol, err)
	}
	f.bank.OnTransfer(f.onTokenTransfer)
	return f, nil
}

func (f *Factory) Address() common.Address    { return f.address }
func (f *Factory) Underlying() common.Address { return f.underlying }
func (f *Factory) MarketID() ledger.MarketID  { return f.marketID }
func (f *Factory) Ledger() *ledger.Ledger     { return f.ledger }
func (f *Factory) Staking() *yield.Staking    { return f.staking }

// === Vault registry ===

// CalculateVaultByAccount derives the vault address for owner without
// creating it.
func (f *Factory) CalculateVaultByAccount(owner common.Address) common.Address {
	salt := crypto.Keccak256Hash(owner.Bytes())
	return crypto.CreateAddress2(f.address, salt, crypto.Keccak256(f.implementation))
}

// GetVaultByAccount returns the vault address for owner, or the zero address.
func (f *Factory) GetVaultByAccount(owner common.Address) common.Address {
	if v, ok := f.vaultByOwner[owner]; ok {
		return v.address
	}
	return common.Address{}
}

// GetAccountByVault returns the owner of vault, or the zero address.
func (f *Factory) GetAccountByVault(vault common.Address) common.Address {
	return f.ownerByVault[vault]
}

// Vault returns owner's vault, or nil.
func (f *Factory) Vault(owner common.Address) *Vault {
	return f.vaultByOwner[owner]
}

func (f *Factory) VaultAt(addr common.Address) *Vault {
	owner, ok := f.ownerByVault[addr]
	if !ok {
		return nil
	}
	return f.vaultByOwner[owner]
}

// Vaults returns every vault in creation-independent address order.
func (f *Factory) Vaults() []*Vault {
	out := make([]*Vault, 0, len(f.vaultByOwner))
	for _, v := range f.vaultByOwner {
		out = append(out, v)
	}
	sortVaults(out)
	return out
}

func (f *Factory) IsVault(addr common.Address) bool {
	_, ok := f.ownerByVault[addr]
	return ok
}

func (f *Factory) CreateVault(owner common.Address) (*Vault, error) {
	var v *Vault
	err := f.journal.Atomic(func() error {
		var err error
		v, err = f.createVault(owner)
		return err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// CreateVaultAndAcceptFullAccountTransfer creates owner's vault and moves
// sender's staking position into it in one step.
func (f *Factory) CreateVaultAndAcceptFullAccountTransfer(owner, sender common.Address) (*Vault, error) {
	var v *Vault
	err := f.journal.Atomic(func() error {
		var err error
		if v, err = f.createVault(owner); err != nil {
			return err
		}
		return v.AcceptFullAccountTransfer(f.address, sender)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (f *Factory) createVault(owner common.Address) (*Vault, error) {
	if owner == (common.Address{}) {
		return nil, ErrInvalidOwner
	}
	if _, ok := f.vaultByOwner[owner]; ok {
		return nil, fmt.Errorf("owner %s: %w", owner.Hex(), ErrVaultAlreadyExists)
	}
	addr := f.CalculateVaultByAccount(owner)
	v := &Vault{address: addr, owner: owner, factory: f}

	f.vaultByOwner[owner] = v
	f.ownerByVault[addr] = owner
	f.journal.Record(func() {
		delete(f.vaultByOwner, owner)
		delete(f.ownerByVault, addr)
	})

	f.logger.Info().
		Str("owner", owner.Hex()).
		Str("vault", addr.Hex()).
		Msg("vault created")
	return v, nil
}

// === Governance ===

func (f *Factory) OwnerSetIsTokenConverterTrusted(caller, converter common.Address, trusted bool) error {
	if caller != f.governance {
		return fmt.Errorf("set converter %s trusted: %w", converter.Hex(), ErrOnlyFactoryOwner)
	}
	prev := f.trusted[converter]
	f.trusted[converter] = trusted
	f.journal.Record(func() { f.trusted[converter] = prev })

	f.logger.Info().
		Str("converter", converter.Hex()).
		Bool("trusted", trusted).
		Msg("converter trust updated")
	return nil
}

func (f *Factory) IsTokenConverterTrusted(converter common.Address) bool {
	return f.trusted[converter]
}

// TrustedConverters returns the currently trusted converters.
func (f *Factory) TrustedConverters() []common.Address {
	out := make([]common.Address, 0, len(f.trusted))
	for c, ok := range f.trusted {
		if ok {
			out = append(out, c)
		}
	}
	sortAddresses(out)
	return out
}

func (f *Factory) OwnerSetAllowableCollateralMarketIDs(caller common.Address, ids []ledger.MarketID) error {
	if caller != f.governance {
		return fmt.Errorf("set allowable collateral: %w", ErrOnlyFactoryOwner)
	}
	if err := f.checkMarkets(ids); err != nil {
		return err
	}
	prev := f.allowableCollateral
	f.allowableCollateral = append([]ledger.MarketID(nil), ids...)
	f.journal.Record(func() { f.allowableCollateral = prev })
	return nil
}

func (f *Factory) OwnerSetAllowableDebtMarketIDs(caller common.Address, ids []ledger.MarketID) error {
	if caller != f.governance {
		return fmt.Errorf("set allowable debt: %w", ErrOnlyFactoryOwner)
	}
	if err := f.checkMarkets(ids); err != nil {
		return err
	}
	for _, id := range ids {
		if id == f.marketID {
			return fmt.Errorf("debt market %d is the isolated market: %w", id, ErrInvalidMarketList)
		}
	}
	prev := f.allowableDebt
	f.allowableDebt = append([]ledger.MarketID(nil), ids...)
	f.journal.Record(func() { f.allowableDebt = prev })
	return nil
}

func (f *Factory) AllowableCollateralMarketIDs() []ledger.MarketID {
	return append([]ledger.MarketID(nil), f.allowableCollateral...)
}

func (f *Factory) AllowableDebtMarketIDs() []ledger.MarketID {
	return append([]ledger.MarketID(nil), f.allowableDebt...)
}

func (f *Factory) checkMarkets(ids []ledger.MarketID) error {
	seen := make(map[ledger.MarketID]bool, len(ids))
	for _, id := range ids {
		if _, err := f.ledger.Market(id); err != nil {
			return err
		}
		if seen[id] {
			return fmt.Errorf("market %d listed twice: %w", id, ErrInvalidMarketList)
		}
		seen[id] = true
	}
	return nil
}

// === Ledger movements ===

func (f *Factory) depositIntoLedger(v *Vault, accountNumber uint64, amount *uint256.Int) error {
	if err := v.ExecuteDepositIntoVault(f.address, v.owner, amount); err != nil {
		return err
	}
	return f.depositIntoLedgerFromVault(v, accountNumber, amount)
}

// depositIntoLedgerFromVault credits underlying already inside the vault.
func (f *Factory) depositIntoLedgerFromVault(v *Vault, accountNumber uint64, amount *uint256.Int) error {
	if err := f.bank.Mint(f.address, f.address, amount); err != nil {
		return err
	}
	_, err := f.ledger.Operate(f.address, []ledger.AccountInfo{v.Account(accountNumber)}, []ledger.Action{{
		Type: ledger.ActionDeposit, PrimaryMarketID: f.marketID, Amount: amount, OtherAddress: f.address,
	}})
	if err != nil {
		return err
	}
	f.logger.Debug().
		Str("vault", v.address.Hex()).
		Uint64("account", accountNumber).
		Str("amount", amount.Dec()).
		Msg("deposited into ledger")
	return nil
}

func (f *Factory) withdrawFromLedger(v *Vault, accountNumber uint64, amount *uint256.Int, policy UnwindPolicy) error {
	_, err := f.ledger.Operate(f.address, []ledger.AccountInfo{v.Account(accountNumber)}, []ledger.Action{{
		Type: ledger.ActionWithdraw, PrimaryMarketID: f.marketID, Amount: amount, OtherAddress: f.address,
	}})
	if err != nil {
		return err
	}
	if err := f.bank.Burn(f.address, f.address, amount); err != nil {
		return err
	}
	if err := v.ExecuteWithdrawalFromVault(f.address, v.owner, amount, policy); err != nil {
		return err
	}
	f.logger.Debug().
		Str("vault", v.address.Hex()).
		Uint64("account", accountNumber).
		Str("amount", amount.Dec()).
		Str("policy", policy.String()).
		Msg("withdrew from ledger")
	return nil
}

// === Converter handshake ===

func (f *Factory) requireTrusted(caller common.Address) error {
	if !f.trusted[caller] {
		return fmt.Errorf("%s: %w", caller.Hex(), ErrUntrustedConverter)
	}
	return nil
}

func (f *Factory) setQueued(converter common.Address, q *QueuedTransfer) {
	prev, existed := f.queued[converter]
	if q == nil {
		delete(f.queued, converter)
	} else {
		f.queued[converter] = *q
	}
	f.journal.Record(func() {
		if existed {
			f.queued[converter] = prev
		} else {
			delete(f.queued, converter)
		}
	})
}

func (f *Factory) enqueue(caller common.Address, q QueuedTransfer) error {
	if err := f.requireTrusted(caller); err != nil {
		return err
	}
	if !f.IsVault(q.Vault) {
		return fmt.Errorf("%s: %w", q.Vault.Hex(), ErrNotVault)
	}
	if _, ok := f.queued[caller]; ok {
		return fmt.Errorf("%s: %w", caller.Hex(), ErrTransferAlreadyQueued)
	}
	f.setQueued(caller, &q)
	return nil
}

// EnqueueTransferFromLedger records that the converter's next exchange
// redeems amount of vault's underlying.
func (f *Factory) EnqueueTransferFromLedger(caller, vault common.Address, amount *uint256.Int, policy UnwindPolicy) error {
	return f.enqueue(caller, QueuedTransfer{Vault: vault, Amount: amount.Clone(), Direction: FromLedger, Policy: policy})
}

// EnqueueTransferIntoLedger records that the converter's next exchange
// deposits newly acquired underlying into vault.
func (f *Factory) EnqueueTransferIntoLedger(caller, vault common.Address) error {
	return f.enqueue(caller, QueuedTransfer{Vault: vault, Direction: IntoLedger})
}

func (f *Factory) consume(caller common.Address, dir Direction) (QueuedTransfer, *Vault, error) {
	if err := f.requireTrusted(caller); err != nil {
		return QueuedTransfer{}, nil, err
	}
	q, ok := f.queued[caller]
	if !ok {
		return QueuedTransfer{}, nil, fmt.Errorf("%s: %w", caller.Hex(), ErrNoQueuedTransfer)
	}
	if q.Direction != dir {
		return QueuedTransfer{}, nil, fmt.Errorf("queued %s, consumed %s: %w", q.Direction, dir, ErrQueuedTransferMismatch)
	}
	f.setQueued(caller, nil)
	return q, f.VaultAt(q.Vault), nil
}

// ConsumeTransferFromLedger burns the isolated tokens the ledger sent to the
// converter and has the queued vault release the underlying to it.
func (f *Factory) ConsumeTransferFromLedger(caller common.Address, amount *uint256.Int) error {
	q, v, err := f.consume(caller, FromLedger)
	if err != nil {
		return err
	}
	if q.Amount.Cmp(amount) != 0 {
		return fmt.Errorf("queued %s, consumed %s: %w", q.Amount.Dec(), amount.Dec(), ErrQueuedTransferMismatch)
	}
	if err := f.bank.Burn(f.address, caller, amount); err != nil {
		return err
	}
	return v.ExecuteWithdrawalFromVault(f.address, caller, amount, q.Policy)
}

// ConsumeTransferIntoLedger moves amount of the underlying from the converter
// into the queued vault and mints the converter isolated tokens for the
// ledger to collect.
func (f *Factory) ConsumeTransferIntoLedger(caller common.Address, amount *uint256.Int) error {
	_, v, err := f.consume(caller, IntoLedger)
	if err != nil {
		return err
	}
	if err := v.ExecuteDepositIntoVault(f.address, caller, amount); err != nil {
		return err
	}
	return f.bank.Mint(f.address, caller, amount)
}

// PendingTransfer returns the handshake state queued for converter.
func (f *Factory) PendingTransfer(converter common.Address) (QueuedTransfer, bool) {
	q, ok := f.queued[converter]
	return q, ok
}

// onTokenTransfer keeps the isolated token inside the ledger, the factory and
// trusted converters.
func (f *Factory) onTokenTransfer(tok, from, to common.Address, _ *uint256.Int) error {
	if tok != f.address {
		return nil
	}
	l := f.ledger.Address()
	switch {
	case to == l && (from == f.address || f.trusted[from]):
		return nil
	case from == l && (to == f.address || f.trusted[to]):
		return nil
	case from == l:
		return fmt.Errorf("%s: %w", to.Hex(), ErrUntrustedConverter)
	default:
		return fmt.Errorf("%s -> %s: %w", from.Hex(), to.Hex(), ErrInvalidTokenTransfer)
	}
}

// ValidateBacking checks that every isolated token in circulation is backed
// by underlying held across the vaults. Underlying sent to a vault outside
// the ledger only over-collateralizes it.
func (f *Factory) ValidateBacking() error {
	total := new(uint256.Int)
	for _, v := range f.vaultByOwner {
		total.Add(total, v.UnderlyingBalanceOf())
	}
	supply := f.bank.TotalSupply(f.address)
	if total.Lt(supply) {
		return fmt.Errorf("factory %s supply %s, vault underlying %s: %w",
			f.address.Hex(), supply.Dec(), total.Dec(), ErrUnderBacked)
	}
	return nil
}
