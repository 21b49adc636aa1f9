package market

import (
	"context"
	"errors"
	"fmt"
	stdmath "math"
	"sync"

	"FlashLever/internal/ledger"
	fpmath "FlashLever/internal/math"
)

var (
	ErrUnhealthy         = errors.New("operation would leave the account below its liquidation threshold")
	ErrNoMarketLiquidity = errors.New("lending market has insufficient liquidity")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// LendingMarket is the supply/borrow contract the orchestrator drives
type LendingMarket interface {
	Supply(ctx context.Context, asset ledger.AssetID, amount int64) error
	Borrow(ctx context.Context, asset ledger.AssetID, amount int64) error
	Repay(ctx context.Context, asset ledger.AssetID, amount int64) error
	Withdraw(ctx context.Context, asset ledger.AssetID, amount int64) (int64, error)
	AccountData(ctx context.Context) (AccountData, error)
}

// AccountData is the health of the holder's sub-account, valued in quote units
type AccountData struct {
	CollateralValue         int64 `json:"collateral_value"`
	DebtValue               int64 `json:"debt_value"`
	AvailableToBorrow       int64 `json:"available_to_borrow"`
	LiquidationThresholdBps int64 `json:"liquidation_threshold_bps"`
	LTVBps                  int64 `json:"ltv_bps"`
	HealthFactor            int64 `json:"health_factor"` // RatioConfig scale, MaxInt64 without debt
}

// LendingShim is an in-memory lending market holding a single sub-account
// owned by the orchestrator. Collateral and debt are valued at the oracle.
type LendingShim struct {
	mu      sync.Mutex
	ledger  *ledger.Ledger
	oracle  Oracle
	account func(ledger.AssetID) ledger.AccountKey

	liquidationThresholdBps int64
	collateral              map[ledger.AssetID]int64
	debt                    map[ledger.AssetID]int64
}

func NewLendingShim(l *ledger.Ledger, oracle Oracle, account func(ledger.AssetID) ledger.AccountKey, liquidationThresholdBps int64) *LendingShim {
	return &LendingShim{
		ledger:                  l,
		oracle:                  oracle,
		account:                 account,
		liquidationThresholdBps: liquidationThresholdBps,
		collateral:              make(map[ledger.AssetID]int64),
		debt:                    make(map[ledger.AssetID]int64),
	}
}

func (m *LendingShim) LiquidationThresholdBps() int64 {
	return m.liquidationThresholdBps
}

func (m *LendingShim) Supply(_ context.Context, asset ledger.AssetID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ledger.Transfer(m.account(asset), ledger.LendingMarketKey(asset), amount, ledger.JournalTypeLendingSupply, "supply"); err != nil {
		return fmt.Errorf("supply: %w", err)
	}
	m.collateral[asset] += amount
	return nil
}

func (m *LendingShim) Borrow(ctx context.Context, asset ledger.AssetID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if have := m.ledger.Balance(ledger.LendingMarketKey(asset)) - m.collateral[asset]; have < amount {
		return fmt.Errorf("%w: available=%d, requested=%d", ErrNoMarketLiquidity, have, amount)
	}

	m.debt[asset] += amount
	data, err := m.accountData(ctx)
	if err != nil {
		m.debt[asset] -= amount
		return err
	}
	if data.HealthFactor < fpmath.RatioConfig.Scale {
		m.debt[asset] -= amount
		return fmt.Errorf("%w: health factor %d", ErrUnhealthy, data.HealthFactor)
	}

	if err := m.ledger.Transfer(ledger.LendingMarketKey(asset), m.account(asset), amount, ledger.JournalTypeLendingBorrow, "borrow"); err != nil {
		m.debt[asset] -= amount
		return fmt.Errorf("borrow: %w", err)
	}
	return nil
}

// Repay reduces debt; amounts above the outstanding debt are capped
func (m *LendingShim) Repay(_ context.Context, asset ledger.AssetID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	amount = min(amount, m.debt[asset])
	if amount == 0 {
		return nil
	}
	if err := m.ledger.Transfer(m.account(asset), ledger.LendingMarketKey(asset), amount, ledger.JournalTypeLendingRepay, "repay"); err != nil {
		return fmt.Errorf("repay: %w", err)
	}
	m.debt[asset] -= amount
	return nil
}

// Withdraw returns up to amount of supplied collateral and reports the actual amount
func (m *LendingShim) Withdraw(ctx context.Context, asset ledger.AssetID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	amount = min(amount, m.collateral[asset])
	if amount == 0 {
		return 0, nil
	}

	m.collateral[asset] -= amount
	data, err := m.accountData(ctx)
	if err != nil {
		m.collateral[asset] += amount
		return 0, err
	}
	if data.DebtValue > 0 && data.HealthFactor < fpmath.RatioConfig.Scale {
		m.collateral[asset] += amount
		return 0, fmt.Errorf("%w: health factor %d", ErrUnhealthy, data.HealthFactor)
	}

	if err := m.ledger.Transfer(ledger.LendingMarketKey(asset), m.account(asset), amount, ledger.JournalTypeLendingWithdraw, "withdraw"); err != nil {
		m.collateral[asset] += amount
		return 0, fmt.Errorf("withdraw: %w", err)
	}
	return amount, nil
}

func (m *LendingShim) AccountData(ctx context.Context) (AccountData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accountData(ctx)
}

func (m *LendingShim) accountData(ctx context.Context) (AccountData, error) {
	data := AccountData{LiquidationThresholdBps: m.liquidationThresholdBps}

	for asset, amount := range m.collateral {
		if amount == 0 {
			continue
		}
		price, err := m.oracle.Price(ctx, asset)
		if err != nil {
			return AccountData{}, err
		}
		data.CollateralValue += fpmath.ComputeQuoteValue(amount, price, fpmath.RoundDown)
	}
	for asset, amount := range m.debt {
		if amount == 0 {
			continue
		}
		price, err := m.oracle.Price(ctx, asset)
		if err != nil {
			return AccountData{}, err
		}
		data.DebtValue += fpmath.ComputeQuoteValue(amount, price, fpmath.RoundUp)
	}

	limit := fpmath.ApplyBps(data.CollateralValue, m.liquidationThresholdBps)
	data.AvailableToBorrow = max(limit-data.DebtValue, 0)
	data.LTVBps = fpmath.ComputeRatioBps(data.DebtValue, data.CollateralValue)
	if data.DebtValue == 0 {
		data.HealthFactor = stdmath.MaxInt64
	} else {
		data.HealthFactor = fpmath.MulDiv(limit, fpmath.RatioConfig.Scale, data.DebtValue, fpmath.RoundDown)
	}
	return data, nil
}

// Balances returns supplied collateral and debt of an asset
func (m *LendingShim) Balances(asset ledger.AssetID) (collateral, debt int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collateral[asset], m.debt[asset]
}

// Checkpoint captures the sub-account; ledger balances are checkpointed by the ledger
func (m *LendingShim) Checkpoint() func() {
	m.mu.Lock()
	collateral := copyAmounts(m.collateral)
	debt := copyAmounts(m.debt)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.collateral = collateral
		m.debt = debt
	}
}

// LendingState is the persisted form of the sub-account
type LendingState struct {
	Collateral map[ledger.AssetID]int64 `json:"collateral"`
	Debt       map[ledger.AssetID]int64 `json:"debt"`
}

func (m *LendingShim) Snapshot() LendingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return LendingState{Collateral: copyAmounts(m.collateral), Debt: copyAmounts(m.debt)}
}

func (m *LendingShim) Restore(s LendingState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collateral = copyAmounts(s.Collateral)
	m.debt = copyAmounts(s.Debt)
}

func copyAmounts(in map[ledger.AssetID]int64) map[ledger.AssetID]int64 {
	out := make(map[ledger.AssetID]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
