package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"FlashLever/internal/ledger"
	fpmath "FlashLever/internal/math"

	"github.com/google/uuid"
)

var (
	ErrZeroAmount            = errors.New("amount must be positive")
	ErrZeroShares            = errors.New("deposit too small to mint shares")
	ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")
	ErrAdvanceUnderpaid      = errors.New("advance repayment short")
	ErrReentrantAdvance      = errors.New("advance already in progress")
)

// AdvanceCallback runs while the recipient holds the advanced funds.
// It must leave amount+premium approved and available for the pull.
type AdvanceCallback func(ctx context.Context, amount, premium int64) error

// Stats is a read-only view of pool accounting
type Stats struct {
	TotalLiquidity int64 `json:"total_liquidity"`
	TotalFees      int64 `json:"total_fees"`
	ShareSupply    int64 `json:"share_supply"`
	Reserve        int64 `json:"reserve"`
	ShareValue     int64 `json:"share_value"` // assets per 1.0 share, AmountConfig scale
}

// State is the persisted form of the pool
type State struct {
	TotalLiquidity int64               `json:"total_liquidity"`
	TotalFees      int64               `json:"total_fees"`
	Shares         map[uuid.UUID]int64 `json:"shares"`
}

// Pool is the flash-settlement pool: LP capital with share accounting and
// same-operation advances repaid with a fixed premium.
type Pool struct {
	mu     sync.Mutex
	ledger *ledger.Ledger
	asset  ledger.AssetID
	shares *ShareToken
	feeBps int64

	totalLiquidity int64
	totalFees      int64
	allowances     map[ledger.AccountKey]int64

	locked          bool
	rewardsInFlight int64
}

func NewPool(l *ledger.Ledger, asset ledger.AssetID, feeBps int64) *Pool {
	return &Pool{
		ledger:     l,
		asset:      asset,
		shares:     NewShareToken(),
		feeBps:     feeBps,
		allowances: make(map[ledger.AccountKey]int64),
	}
}

func (p *Pool) Asset() ledger.AssetID { return p.asset }

func (p *Pool) Shares() *ShareToken { return p.shares }

func (p *Pool) reserveKey() ledger.AccountKey {
	return ledger.PoolReserveKey(p.asset)
}

// Premium returns the fee charged on an advance of amount
func (p *Pool) Premium(amount int64) int64 {
	return fpmath.ApplyBps(amount, p.feeBps)
}

// ProvideLiquidity pulls amount from the provider's wallet and mints shares
func (p *Pool) ProvideLiquidity(provider uuid.UUID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrZeroAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.locked {
		return 0, ErrReentrantAdvance
	}

	minted := amount
	supply := p.shares.TotalSupply()
	value := p.totalLiquidity + p.totalFees
	if supply > 0 && value > 0 {
		var err error
		if minted, err = fpmath.MulDivChecked(amount, supply, value, fpmath.RoundDown); err != nil {
			return 0, fmt.Errorf("mint shares: %w", err)
		}
	}
	if minted == 0 {
		return 0, ErrZeroShares
	}

	wallet := ledger.WalletKey(provider, p.asset)
	if err := p.ledger.Transfer(wallet, p.reserveKey(), amount, ledger.JournalTypeLiquidityProvide, provider.String()); err != nil {
		return 0, fmt.Errorf("provide liquidity: %w", err)
	}

	p.shares.mint(provider, minted)
	p.totalLiquidity += amount
	return minted, nil
}

// WithdrawLiquidity burns shares and pays their value, from fees first
func (p *Pool) WithdrawLiquidity(provider uuid.UUID, shares int64) (int64, error) {
	if shares <= 0 {
		return 0, ErrZeroAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.locked {
		return 0, ErrReentrantAdvance
	}

	held := p.shares.BalanceOf(provider)
	if shares > held {
		return 0, fmt.Errorf("%w: have=%d, need=%d", ErrInsufficientShares, held, shares)
	}

	supply := p.shares.TotalSupply()
	payout, err := fpmath.MulDivChecked(shares, p.totalLiquidity+p.totalFees, supply, fpmath.RoundDown)
	if err != nil {
		return 0, fmt.Errorf("share payout: %w", err)
	}

	if reserve := p.ledger.Balance(p.reserveKey()); reserve < payout {
		return 0, fmt.Errorf("%w: reserve=%d, payout=%d", ErrInsufficientLiquidity, reserve, payout)
	}

	if payout > 0 {
		wallet := ledger.WalletKey(provider, p.asset)
		if err := p.ledger.Transfer(p.reserveKey(), wallet, payout, ledger.JournalTypeLiquidityWithdraw, provider.String()); err != nil {
			return 0, fmt.Errorf("withdraw liquidity: %w", err)
		}
	}
	if err := p.shares.burn(provider, shares); err != nil {
		return 0, err
	}

	fromFees := min(payout, p.totalFees)
	p.totalFees -= fromFees
	p.totalLiquidity -= payout - fromFees
	return payout, nil
}

// Approve sets how much the pool may pull from owner when an advance settles
func (p *Pool) Approve(owner ledger.AccountKey, amount int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if amount <= 0 {
		delete(p.allowances, owner)
		return
	}
	p.allowances[owner] = amount
}

// Allowance returns the approved pull amount for owner
func (p *Pool) Allowance(owner ledger.AccountKey) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allowances[owner]
}

// ReceiveExternalRewards moves amount from an account into the reserve and
// credits it to fees, raising the value of every share.
func (p *Pool) ReceiveExternalRewards(from ledger.AccountKey, amount int64) error {
	if amount <= 0 {
		return ErrZeroAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ledger.Transfer(from, p.reserveKey(), amount, ledger.JournalTypeRewards, "rewards"); err != nil {
		return fmt.Errorf("receive rewards: %w", err)
	}
	p.totalFees += amount
	if p.locked {
		p.rewardsInFlight += amount
	}
	return nil
}

// Advance lends amount to recipient for the duration of callback, then pulls
// back amount+premium. The pull always runs once funds have left the reserve.
// Any shortfall returns ErrAdvanceUnderpaid; the caller is expected to run
// Advance inside a settlement that rolls back on error.
func (p *Pool) Advance(ctx context.Context, recipient ledger.AccountKey, amount int64, callback AdvanceCallback) error {
	if amount <= 0 {
		return ErrZeroAmount
	}

	p.mu.Lock()
	if p.locked {
		p.mu.Unlock()
		return ErrReentrantAdvance
	}
	pre := p.ledger.Balance(p.reserveKey())
	if pre < amount {
		p.mu.Unlock()
		return fmt.Errorf("%w: reserve=%d, requested=%d", ErrInsufficientLiquidity, pre, amount)
	}
	p.locked = true
	p.rewardsInFlight = 0
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.locked = false
		p.rewardsInFlight = 0
		p.mu.Unlock()
	}()

	premium := p.Premium(amount)

	if err := p.ledger.Transfer(p.reserveKey(), recipient, amount, ledger.JournalTypeAdvance, "advance"); err != nil {
		return fmt.Errorf("advance transfer: %w", err)
	}

	cbErr := callback(ctx, amount, premium)

	pullErr := p.pull(recipient, amount+premium)

	if cbErr != nil {
		return cbErr
	}
	if pullErr != nil {
		return pullErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	post := p.ledger.Balance(p.reserveKey())
	if want := pre + premium + p.rewardsInFlight; post < want {
		return fmt.Errorf("%w: reserve=%d, want>=%d", ErrAdvanceUnderpaid, post, want)
	}
	p.totalFees += premium
	return nil
}

// pull collects up to owed from recipient, bounded by its allowance and balance
func (p *Pool) pull(recipient ledger.AccountKey, owed int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	amount := min(owed, p.allowances[recipient], p.ledger.Balance(recipient))
	if amount <= 0 {
		return nil
	}
	if err := p.ledger.Transfer(recipient, p.reserveKey(), amount, ledger.JournalTypeAdvanceRepay, "advance"); err != nil {
		return fmt.Errorf("advance pull: %w", err)
	}
	p.allowances[recipient] -= amount
	if p.allowances[recipient] == 0 {
		delete(p.allowances, recipient)
	}
	return nil
}

// Stats returns current pool accounting
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		TotalLiquidity: p.totalLiquidity,
		TotalFees:      p.totalFees,
		ShareSupply:    p.shares.TotalSupply(),
		Reserve:        p.ledger.Balance(p.reserveKey()),
	}
	if s.ShareSupply > 0 {
		s.ShareValue = fpmath.MulDiv(s.TotalLiquidity+s.TotalFees, fpmath.AmountConfig.Scale, s.ShareSupply, fpmath.RoundDown)
	}
	return s
}

// Checkpoint captures accounting, allowances and share balances
func (p *Pool) Checkpoint() func() {
	p.mu.Lock()
	liquidity, fees := p.totalLiquidity, p.totalFees
	allowances := make(map[ledger.AccountKey]int64, len(p.allowances))
	for k, v := range p.allowances {
		allowances[k] = v
	}
	p.mu.Unlock()
	holdings := p.shares.Holdings()

	return func() {
		p.mu.Lock()
		p.totalLiquidity = liquidity
		p.totalFees = fees
		p.allowances = allowances
		p.mu.Unlock()
		p.shares.restore(holdings)
	}
}

// Snapshot returns the persisted form of the pool
func (p *Pool) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		TotalLiquidity: p.totalLiquidity,
		TotalFees:      p.totalFees,
		Shares:         p.shares.Holdings(),
	}
}

// Restore loads a persisted pool state
func (p *Pool) Restore(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalLiquidity = s.TotalLiquidity
	p.totalFees = s.TotalFees
	p.allowances = make(map[ledger.AccountKey]int64)
	p.shares.restore(s.Shares)
}
