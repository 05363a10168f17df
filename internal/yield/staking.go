package yield

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"IsoLedger/internal/state"
	"IsoLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientStaked  = errors.New("insufficient staked balance")
	ErrNothingVesting      = errors.New("nothing vesting")
	ErrTransferNotSignaled = errors.New("transfer not signaled")
	ErrReceiverHasPosition = errors.New("receiver already has a position")
	ErrZeroAmount          = errors.New("zero amount")
	ErrZeroAddress         = errors.New("zero address")
)

// Position is one account's standing with the staking router.
type Position struct {
	Staked         uint256.Int
	Vesting        uint256.Int // staked shares reserved as vesting pair
	Rewards        uint256.Int // claimable reward tokens
	VestingRewards uint256.Int // paid out on completion, burnt on forfeit
}

func (p Position) IsEmpty() bool {
	return p.Staked.IsZero() && p.Vesting.IsZero() && p.Rewards.IsZero() && p.VestingRewards.IsZero()
}

// Staking custodies staked pool shares, tracks vesting pairs and reward
// accrual, and supports moving an account's entire position to a new owner.
type Staking struct {
	address common.Address
	share   common.Address
	reward  common.Address
	bank    *token.Bank
	journal *state.Journal

	positions map[common.Address]Position
	pending   map[common.Address]common.Address // sender -> receiver
}

func NewStaking(address, share, reward common.Address, bank *token.Bank, journal *state.Journal) *Staking {
	return &Staking{
		address:   address,
		share:     share,
		reward:    reward,
		bank:      bank,
		journal:   journal,
		positions: make(map[common.Address]Position),
		pending:   make(map[common.Address]common.Address),
	}
}

func (s *Staking) Address() common.Address     { return s.address }
func (s *Staking) RewardToken() common.Address { return s.reward }

// Position returns a copy of the account's position.
func (s *Staking) Position(account common.Address) Position {
	return s.positions[account]
}

func (s *Staking) StakedBalance(account common.Address) *uint256.Int {
	p := s.positions[account]
	return p.Staked.Clone()
}

func (s *Staking) VestingBalance(account common.Address) *uint256.Int {
	p := s.positions[account]
	return p.Vesting.Clone()
}

// Stake moves shares from account into the router.
func (s *Staking) Stake(account common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return fmt.Errorf("stake: %w", ErrZeroAmount)
	}
	return s.journal.Atomic(func() error {
		if err := s.bank.Transfer(s.share, account, s.address, amount); err != nil {
			return fmt.Errorf("stake %s for %s: %w", amount.Dec(), account.Hex(), err)
		}
		p := s.positions[account]
		p.Staked.Add(&p.Staked, amount)
		s.setPosition(account, p)
		return nil
	})
}

// Unstake returns staked shares to receiver. Shares reserved for vesting
// cannot be unstaked until the vesting is cancelled.
func (s *Staking) Unstake(account common.Address, amount *uint256.Int, receiver common.Address) error {
	if amount.IsZero() {
		return fmt.Errorf("unstake: %w", ErrZeroAmount)
	}
	return s.journal.Atomic(func() error {
		p := s.positions[account]
		if p.Staked.Lt(amount) {
			return fmt.Errorf("unstake %s for %s (staked %s): %w",
				amount.Dec(), account.Hex(), p.Staked.Dec(), ErrInsufficientStaked)
		}
		p.Staked.Sub(&p.Staked, amount)
		s.setPosition(account, p)
		return s.bank.Transfer(s.share, s.address, receiver, amount)
	})
}

// Vest reserves staked shares as the pair amount of a vesting schedule.
func (s *Staking) Vest(account common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return fmt.Errorf("vest: %w", ErrZeroAmount)
	}
	return s.journal.Atomic(func() error {
		p := s.positions[account]
		if p.Staked.Lt(amount) {
			return fmt.Errorf("vest %s for %s (staked %s): %w",
				amount.Dec(), account.Hex(), p.Staked.Dec(), ErrInsufficientStaked)
		}
		p.Staked.Sub(&p.Staked, amount)
		p.Vesting.Add(&p.Vesting, amount)
		s.setPosition(account, p)
		return nil
	})
}

// Unvest cancels the account's vesting schedule and returns the pair amount
// to staked. With forfeit the accrued vesting rewards are burnt, otherwise
// they become claimable.
func (s *Staking) Unvest(account common.Address, forfeit bool) error {
	return s.journal.Atomic(func() error {
		p := s.positions[account]
		if p.Vesting.IsZero() {
			return fmt.Errorf("unvest for %s: %w", account.Hex(), ErrNothingVesting)
		}
		p.Staked.Add(&p.Staked, &p.Vesting)
		p.Vesting.Clear()

		if !p.VestingRewards.IsZero() {
			if forfeit {
				if err := s.bank.Burn(s.reward, s.address, &p.VestingRewards); err != nil {
					return err
				}
			} else {
				p.Rewards.Add(&p.Rewards, &p.VestingRewards)
			}
			p.VestingRewards.Clear()
		}
		s.setPosition(account, p)
		return nil
	})
}

// AccrueRewards mints reward tokens into the router on behalf of account.
// Vesting rewards only become claimable once the vesting completes.
func (s *Staking) AccrueRewards(account common.Address, amount *uint256.Int, vesting bool) error {
	return s.journal.Atomic(func() error {
		if err := s.bank.Mint(s.reward, s.address, amount); err != nil {
			return err
		}
		p := s.positions[account]
		if vesting {
			p.VestingRewards.Add(&p.VestingRewards, amount)
		} else {
			p.Rewards.Add(&p.Rewards, amount)
		}
		s.setPosition(account, p)
		return nil
	})
}

// Claim pays the account's claimable rewards to receiver.
func (s *Staking) Claim(account, receiver common.Address) (*uint256.Int, error) {
	var claimed *uint256.Int
	err := s.journal.Atomic(func() error {
		p := s.positions[account]
		claimed = p.Rewards.Clone()
		if claimed.IsZero() {
			return nil
		}
		p.Rewards.Clear()
		s.setPosition(account, p)
		return s.bank.Transfer(s.reward, s.address, receiver, claimed)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// SignalTransfer records that sender wants to hand its whole position to
// receiver. The receiver completes it with AcceptTransfer.
func (s *Staking) SignalTransfer(sender, receiver common.Address) error {
	if receiver == (common.Address{}) {
		return fmt.Errorf("signal transfer from %s: %w", sender.Hex(), ErrZeroAddress)
	}
	prev, existed := s.pending[sender]
	s.journal.Record(func() {
		if existed {
			s.pending[sender] = prev
		} else {
			delete(s.pending, sender)
		}
	})
	s.pending[sender] = receiver
	return nil
}

// AcceptTransfer moves sender's staked, vesting and reward balances to
// receiver and returns what was moved.
func (s *Staking) AcceptTransfer(receiver, sender common.Address) (Position, error) {
	var moved Position
	err := s.journal.Atomic(func() error {
		if target, ok := s.pending[sender]; !ok || target != receiver {
			return fmt.Errorf("accept transfer from %s to %s: %w", sender.Hex(), receiver.Hex(), ErrTransferNotSignaled)
		}
		if !s.positions[receiver].IsEmpty() {
			return fmt.Errorf("accept transfer into %s: %w", receiver.Hex(), ErrReceiverHasPosition)
		}

		moved = s.positions[sender]
		s.setPosition(receiver, moved)
		s.setPosition(sender, Position{})

		delete(s.pending, sender)
		s.journal.Record(func() { s.pending[sender] = receiver })
		return nil
	})
	if err != nil {
		return Position{}, err
	}
	return moved, nil
}

// StakeEntry is one account's position in a Snapshot.
type StakeEntry struct {
	Account         common.Address
	Position        Position
	PendingReceiver common.Address // signalled transfer target, zero when none
}

// Snapshot lists every account with a position or a pending transfer,
// ordered by address.
func (s *Staking) Snapshot() []StakeEntry {
	seen := make(map[common.Address]bool, len(s.positions)+len(s.pending))
	out := make([]StakeEntry, 0, len(s.positions)+len(s.pending))
	add := func(a common.Address) {
		if seen[a] {
			return
		}
		seen[a] = true
		out = append(out, StakeEntry{Account: a, Position: s.positions[a], PendingReceiver: s.pending[a]})
	}
	for a := range s.positions {
		add(a)
	}
	for a := range s.pending {
		add(a)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Account[:], out[j].Account[:]) < 0 })
	return out
}

func (s *Staking) setPosition(account common.Address, p Position) {
	prev, existed := s.positions[account]
	s.journal.Record(func() {
		if existed {
			s.positions[account] = prev
		} else {
			delete(s.positions, account)
		}
	})
	if p.IsEmpty() {
		delete(s.positions, account)
		return
	}
	s.positions[account] = p
}
