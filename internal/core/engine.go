package core

import (
	"context"
	"encoding/json"
	"fmt"
	stdmath "math"
	"sort"
	"sync"
	"time"

	"FlashLever/internal/event"
	"FlashLever/internal/guarantee"
	"FlashLever/internal/ledger"
	"FlashLever/internal/market"
	fpmath "FlashLever/internal/math"
	"FlashLever/internal/observability"
	"FlashLever/internal/pool"
	"FlashLever/internal/settlement"
	"FlashLever/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds the engine's fixed parameters
type Config struct {
	Params              state.RiskParams
	QuoteAsset          ledger.AssetID
	PositionAsset       ledger.AssetID
	SwapDeadline        time.Duration
	IdempotencyCapacity int
}

// Deps are the collaborators the engine settles against. Lending and Venue
// take part in rollback when they implement settlement.Participant.
type Deps struct {
	Ledger    *ledger.Ledger
	Lending   market.LendingMarket
	Venue     market.SwapVenue
	Oracle    market.Oracle
	Provider  guarantee.Provider
	DBChecker DBIdempotencyChecker
	Metrics   *observability.Metrics
	Logger    *zerolog.Logger

	// PersistChan receives every committed event with a blocking send.
	// PublishChan is best effort and drops when full.
	PersistChan chan<- CoreOutput
	PublishChan chan<- CoreOutput
}

// CoreOutput is one committed event with the journals of its settlement
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
}

// Engine orchestrates leveraged positions against the flash-settlement pool.
// Every state-changing operation runs as one settlement: a unit of work over
// the ledger, pool, position store and market adapters that either commits
// as a whole or is restored as a whole.
type Engine struct {
	cfg    Config
	params state.RiskParams
	quote  ledger.AssetID
	asset  ledger.AssetID

	ledger      *ledger.Ledger
	validator   *ledger.InvariantValidator
	positions   *state.PositionStore
	pool        *pool.Pool
	lending     market.LendingMarket
	venue       market.SwapVenue
	oracle      market.Oracle
	guarantees  *guarantee.Lifecycle
	uow         *settlement.UnitOfWork
	idempotency *IdempotencyChecker

	settleMu sync.Mutex

	busyMu sync.Mutex
	busy   map[uuid.UUID]struct{}

	outMu    sync.Mutex
	sequence int64
	hasher   *StateHasher

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput
	metrics     *observability.Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	liqBps := fpmath.BasisPoints
	if l, ok := deps.Lending.(interface{ LiquidationThresholdBps() int64 }); ok {
		liqBps = l.LiquidationThresholdBps()
	}
	if err := state.ValidateRiskParams(cfg.Params, liqBps); err != nil {
		return nil, fmt.Errorf("risk params: %w", err)
	}
	if cfg.QuoteAsset == cfg.PositionAsset {
		return nil, fmt.Errorf("quote and position asset must differ")
	}
	if cfg.SwapDeadline <= 0 {
		cfg.SwapDeadline = time.Minute
	}
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = 100_000
	}

	logger := observability.NewLogger("engine")
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	e := &Engine{
		cfg:         cfg,
		params:      cfg.Params,
		quote:       cfg.QuoteAsset,
		asset:       cfg.PositionAsset,
		ledger:      deps.Ledger,
		validator:   ledger.NewInvariantValidator(deps.Ledger),
		positions:   state.NewPositionStore(),
		pool:        pool.NewPool(deps.Ledger, cfg.QuoteAsset, cfg.Params.FeeBps),
		lending:     deps.Lending,
		venue:       deps.Venue,
		oracle:      deps.Oracle,
		idempotency: NewIdempotencyChecker(cfg.IdempotencyCapacity, deps.DBChecker, deps.Metrics),
		busy:        make(map[uuid.UUID]struct{}),
		hasher:      NewStateHasher(),
		persistChan: deps.PersistChan,
		publishChan: deps.PublishChan,
		metrics:     deps.Metrics,
		logger:      logger,
		now:         time.Now,
	}

	participants := []settlement.Participant{e.ledger, e.pool, e.positions}
	if p, ok := deps.Lending.(settlement.Participant); ok {
		participants = append(participants, p)
	}
	if p, ok := deps.Venue.(settlement.Participant); ok {
		participants = append(participants, p)
	}
	e.uow = settlement.NewUnitOfWork(participants...)

	e.guarantees = guarantee.NewLifecycle(e.positions, deps.Provider, e, cfg.Params.ScanBatchSize, deps.Metrics).
		WithLogger(logger.With().Str("component", "guarantee").Logger())
	return e, nil
}

// WithClock overrides the wall clock used for expiry checks and timestamps
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// --- Accessors ---

func (e *Engine) Guarantees() *guarantee.Lifecycle { return e.guarantees }
func (e *Engine) Pool() *pool.Pool                 { return e.pool }
func (e *Engine) Params() state.RiskParams         { return e.params }
func (e *Engine) QuoteAsset() ledger.AssetID       { return e.quote }
func (e *Engine) PositionAsset() ledger.AssetID    { return e.asset }

// Position returns the record for identity
func (e *Engine) Position(id uuid.UUID) (state.Position, bool) {
	return e.positions.Get(id)
}

// ActivePositions returns the number of registered identities
func (e *Engine) ActivePositions() int {
	return e.positions.ActiveCount()
}

// WalletBalance returns a user's spendable balance of asset
func (e *Engine) WalletBalance(userID uuid.UUID, asset ledger.AssetID) int64 {
	return e.ledger.Balance(ledger.WalletKey(userID, asset))
}

// PoolStats returns pool accounting
func (e *Engine) PoolStats() pool.Stats {
	return e.pool.Stats()
}

// SharesOf returns the pool shares held by provider
func (e *Engine) SharesOf(provider uuid.UUID) int64 {
	return e.pool.Shares().BalanceOf(provider)
}

// AccountData reports the orchestrator's lending sub-account
func (e *Engine) AccountData(ctx context.Context) (market.AccountData, error) {
	return e.lending.AccountData(ctx)
}

// Sequence returns the next event sequence
func (e *Engine) Sequence() int64 {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	return e.sequence
}

// StateHash returns the hash chain tip
func (e *Engine) StateHash() [32]byte {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	return e.hasher.Tip()
}

// --- Positions ---

// OpenRequest carries the parameters of a leveraged open
type OpenRequest struct {
	LeverageRatio      int64 // RatioConfig scale
	CollateralAmount   int64 // position asset
	GuaranteeReference string
	GuaranteeExpiry    time.Time
}

// Open locks collateral from the user's wallet and builds a leveraged
// position in one settlement funded by a pool advance.
func (e *Engine) Open(ctx context.Context, id uuid.UUID, req OpenRequest) (*event.PositionOpened, error) {
	release, err := e.enter(ctx, id)
	if err != nil {
		return nil, e.reject("open", err)
	}
	defer release()

	e.settleMu.Lock()
	defer e.settleMu.Unlock()

	now := e.now()
	if err := e.params.ValidateLeverage(req.LeverageRatio); err != nil {
		return nil, e.reject("open", fmt.Errorf("%w: %v", ErrInvalidLeverage, err))
	}
	if req.CollateralAmount <= 0 {
		return nil, e.reject("open", fmt.Errorf("%w: collateral", ErrZeroAmount))
	}
	if req.GuaranteeReference == "" {
		return nil, e.reject("open", ErrMissingReference)
	}
	if !req.GuaranteeExpiry.After(now) {
		return nil, e.reject("open", fmt.Errorf("%w: %s", ErrExpiryInPast, req.GuaranteeExpiry.Format(time.RFC3339)))
	}
	if pos, ok := e.positions.Get(id); ok && pos.IsActive {
		return nil, e.reject("open", fmt.Errorf("%w: %s", ErrPositionExists, id))
	}
	wallet := ledger.WalletKey(id, e.asset)
	if have := e.ledger.Balance(wallet); have < req.CollateralAmount {
		return nil, e.reject("open", fmt.Errorf("%w: wallet=%d, collateral=%d", ErrInsufficientBalance, have, req.CollateralAmount))
	}

	price, err := e.oracle.Price(ctx, e.asset)
	if err != nil {
		return nil, e.reject("open", fmt.Errorf("entry price: %w", err))
	}
	borrowAsset, err := fpmath.ApplyRatioChecked(req.CollateralAmount, req.LeverageRatio-fpmath.RatioConfig.Scale, fpmath.RoundDown)
	if err != nil {
		return nil, e.reject("open", fmt.Errorf("borrow amount: %w", err))
	}
	borrowValue, err := fpmath.ComputeQuoteValueChecked(borrowAsset, price, fpmath.RoundDown)
	if err != nil {
		return nil, e.reject("open", fmt.Errorf("borrow value: %w", err))
	}
	if borrowValue <= 0 {
		return nil, e.reject("open", fmt.Errorf("%w: borrow value rounds to zero", ErrZeroAmount))
	}
	guaranteeAmount, err := fpmath.MulDivChecked(borrowValue, e.params.PreauthMultiplierBps, fpmath.BasisPoints, fpmath.RoundUp)
	if err != nil {
		return nil, e.reject("open", fmt.Errorf("guarantee amount: %w", err))
	}

	sid := uuid.New()
	opened := &event.PositionOpened{
		SettlementID:       sid,
		UserID:             id,
		Leverage:           req.LeverageRatio,
		Collateral:         req.CollateralAmount,
		BorrowValue:        borrowValue,
		EntryPrice:         price,
		GuaranteeReference: req.GuaranteeReference,
		GuaranteeAmount:    guaranteeAmount,
		GuaranteeExpiry:    req.GuaranteeExpiry,
	}

	err = e.settle(ctx, "open", sid, func(ctx context.Context) error {
		err := e.positions.Create(state.Position{
			Identity:           id,
			Status:             state.PositionStatusOpening,
			CollateralAmount:   req.CollateralAmount,
			LeverageRatio:      req.LeverageRatio,
			EntryPrice:         price,
			GuaranteeAmount:    guaranteeAmount,
			GuaranteeReference: req.GuaranteeReference,
			GuaranteeExpiry:    req.GuaranteeExpiry,
			OpenedAt:           now,
		})
		if err != nil {
			return err
		}
		if err := e.ledger.Transfer(wallet, ledger.CustodyKey(e.asset), req.CollateralAmount, ledger.JournalTypeCollateralLock, sid.String()); err != nil {
			return fmt.Errorf("lock collateral: %w", err)
		}
		return e.pool.Advance(ctx, ledger.CustodyKey(e.quote), borrowValue, func(ctx context.Context, advance, premium int64) error {
			return e.onOpen(ctx, id, req.CollateralAmount, price, advance, premium, opened)
		})
	}, opened)
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("identity", id.String()).
		Int64("leverage", req.LeverageRatio).
		Int64("collateral", req.CollateralAmount).
		Int64("exposure", opened.TotalExposure).
		Int64("debt", opened.BorrowedDebt).
		Msg("position opened")
	return opened, nil
}

// onOpen runs while custody holds the advance: buy the position asset, supply
// everything as collateral and borrow enough to repay the pool.
func (e *Engine) onOpen(ctx context.Context, id uuid.UUID, collateral, price, advance, premium int64, out *event.PositionOpened) error {
	deadline := e.now().Add(e.cfg.SwapDeadline)

	expected := fpmath.ComputeAssetAmount(advance, price, fpmath.RoundDown)
	amounts, err := e.venue.SwapExact(ctx, advance, []ledger.AssetID{e.quote, e.asset}, e.minOut(expected), deadline)
	if err != nil {
		return fmt.Errorf("swap advance: %w", err)
	}
	swapped := amounts[len(amounts)-1]
	supplied := collateral + swapped

	if err := e.lending.Supply(ctx, e.asset, supplied); err != nil {
		return fmt.Errorf("supply collateral: %w", err)
	}

	repayTarget := advance + premium
	if err := e.lending.Borrow(ctx, e.quote, repayTarget); err != nil {
		if isUnhealthy(err) {
			return fmt.Errorf("%w: %v", ErrUnsafeLTV, err)
		}
		return fmt.Errorf("borrow: %w", err)
	}

	data, err := e.lending.AccountData(ctx)
	if err != nil {
		return fmt.Errorf("account data: %w", err)
	}
	positionLTV := fpmath.ComputeRatioBps(repayTarget, fpmath.ComputeQuoteValue(supplied, price, fpmath.RoundDown))
	if data.LTVBps > e.params.SafeLTVBps || positionLTV > e.params.SafeLTVBps {
		return fmt.Errorf("%w: position=%dbps, account=%dbps, limit=%dbps",
			ErrUnsafeLTV, positionLTV, data.LTVBps, e.params.SafeLTVBps)
	}

	err = e.positions.Update(id, func(p *state.Position) error {
		if !p.Status.CanTransitionTo(state.PositionStatusActive) {
			return fmt.Errorf("invalid position transition %s -> %s", p.Status, state.PositionStatusActive)
		}
		p.Status = state.PositionStatusActive
		p.BorrowedDebt = repayTarget
		p.TotalSupplied = supplied
		return nil
	})
	if err != nil {
		return err
	}

	e.pool.Approve(ledger.CustodyKey(e.quote), repayTarget)

	out.TotalExposure = supplied
	out.BorrowedDebt = repayTarget
	out.Premium = premium
	return nil
}

// Close unwinds the position of identity in one settlement and pays the user.
// Release of an uncharged guarantee is requested after commit; its failure is
// reported and never reverts the close.
func (e *Engine) Close(ctx context.Context, id uuid.UUID) (*event.PositionClosed, error) {
	release, err := e.enter(ctx, id)
	if err != nil {
		return nil, e.reject("close", err)
	}
	defer release()

	closed, releaseRef, err := e.close(ctx, id)
	if err != nil {
		return nil, err
	}

	if releaseRef != "" {
		// Errors are logged and emitted by the lifecycle.
		_, _ = e.guarantees.Release(context.WithoutCancel(ctx), id, releaseRef)
	}

	e.logger.Info().
		Str("identity", id.String()).
		Int64("gross", closed.GrossReturn).
		Int64("profit", closed.Profit).
		Int64("lp_share", closed.LPShare).
		Int64("payout", closed.UserPayout).
		Msg("position closed")
	return closed, nil
}

func (e *Engine) close(ctx context.Context, id uuid.UUID) (*event.PositionClosed, string, error) {
	e.settleMu.Lock()
	defer e.settleMu.Unlock()

	pos, ok := e.positions.Get(id)
	if !ok || !pos.IsActive {
		return nil, "", e.reject("close", fmt.Errorf("%w: %s", ErrNoActivePosition, id))
	}
	if pos.Status != state.PositionStatusActive {
		return nil, "", e.reject("close", fmt.Errorf("%w: %s is %s", ErrNoActivePosition, id, pos.Status))
	}

	price, err := e.oracle.Price(ctx, e.asset)
	if err != nil {
		return nil, "", e.reject("close", fmt.Errorf("exit price: %w", err))
	}

	sid := uuid.New()
	closed := &event.PositionClosed{
		SettlementID: sid,
		UserID:       id,
		ExitPrice:    price,
		RepaidDebt:   pos.BorrowedDebt,
	}

	var releaseRef string
	err = e.settle(ctx, "close", sid, func(ctx context.Context) error {
		if err := e.positions.Transition(id, state.PositionStatusClosing); err != nil {
			return err
		}
		err := e.pool.Advance(ctx, ledger.CustodyKey(e.quote), pos.BorrowedDebt, func(ctx context.Context, advance, premium int64) error {
			return e.onClose(ctx, pos, price, advance, premium, closed)
		})
		if err != nil {
			return err
		}
		if final, ok := e.positions.Get(id); ok && !final.GuaranteeCharged {
			releaseRef = final.GuaranteeReference
		}
		e.positions.Delete(id)
		return nil
	}, closed)
	if err != nil {
		return nil, "", err
	}
	return closed, releaseRef, nil
}

// onClose runs while custody holds the advance: clear the debt, take the
// collateral back, sell enough to repay the pool and split what remains.
func (e *Engine) onClose(ctx context.Context, pos state.Position, price, advance, premium int64, out *event.PositionClosed) error {
	custodyQuote := ledger.CustodyKey(e.quote)
	custodyAsset := ledger.CustodyKey(e.asset)
	sellPath := []ledger.AssetID{e.asset, e.quote}
	deadline := e.now().Add(e.cfg.SwapDeadline)
	ref := out.SettlementID.String()

	if err := e.lending.Repay(ctx, e.quote, pos.BorrowedDebt); err != nil {
		return fmt.Errorf("repay debt: %w", err)
	}

	var withdrawn int64
	if want := pos.TotalSupplied - e.params.WithdrawDust; want > 0 {
		got, err := e.lending.Withdraw(ctx, e.asset, want)
		if err != nil {
			return fmt.Errorf("withdraw collateral: %w", err)
		}
		withdrawn = got
	}

	owed := advance + premium
	in, err := e.venue.QuoteAmountIn(ctx, owed, sellPath)
	if err != nil {
		return fmt.Errorf("quote repayment: %w", err)
	}
	need := in[0]
	if need > withdrawn {
		return fmt.Errorf("%w: need=%d, withdrawn=%d, owed=%d", ErrUnderwater, need, withdrawn, owed)
	}
	if _, err := e.venue.SwapExact(ctx, need, sellPath, owed, deadline); err != nil {
		return fmt.Errorf("swap for repayment: %w", err)
	}
	gross := withdrawn - need

	var profit, lpShare, lpRewards int64
	if gross > pos.CollateralAmount {
		profit = gross - pos.CollateralAmount
		lpShare = fpmath.ApplyBps(profit, e.params.LPProfitShareBps)
		minOut := e.minOut(fpmath.ComputeQuoteValue(lpShare, price, fpmath.RoundDown))
		if lpShare > 0 && minOut > 0 {
			amounts, err := e.venue.SwapExact(ctx, lpShare, sellPath, minOut, deadline)
			if err != nil {
				return fmt.Errorf("swap lp share: %w", err)
			}
			lpRewards = amounts[len(amounts)-1]
			if err := e.pool.ReceiveExternalRewards(custodyQuote, lpRewards); err != nil {
				return fmt.Errorf("route lp share: %w", err)
			}
		} else {
			// Too small to convert; it stays with the user.
			lpShare = 0
		}
	}

	payout := gross - lpShare
	if payout > 0 {
		if err := e.ledger.Transfer(custodyAsset, ledger.WalletKey(pos.Identity, e.asset), payout, ledger.JournalTypePayout, ref); err != nil {
			return fmt.Errorf("pay out: %w", err)
		}
	}
	refund := e.ledger.Balance(custodyQuote) - owed
	if refund > 0 {
		if err := e.ledger.Transfer(custodyQuote, ledger.WalletKey(pos.Identity, e.quote), refund, ledger.JournalTypePayout, ref); err != nil {
			return fmt.Errorf("refund swap excess: %w", err)
		}
	}

	e.pool.Approve(custodyQuote, owed)

	out.Premium = premium
	out.Withdrawn = withdrawn
	out.SoldForDebt = need
	out.GrossReturn = gross
	out.Profit = profit
	out.LPShare = lpShare
	out.LPRewards = lpRewards
	out.UserPayout = payout
	out.QuoteRefund = max(refund, 0)
	return nil
}

func (e *Engine) minOut(expected int64) int64 {
	return fpmath.MulDiv(expected, fpmath.BasisPoints-e.params.MaxSlippageBps, fpmath.BasisPoints, fpmath.RoundDown)
}

// --- Wallets ---

// WalletOp moves funds between the outside world and a user wallet. ID is
// the caller's idempotency key.
type WalletOp struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Asset  string
	Amount int64
}

// Deposit credits a wallet. A repeated ID returns ErrDuplicate.
func (e *Engine) Deposit(ctx context.Context, op WalletOp) (*event.WalletDeposited, error) {
	asset, err := e.walletPrecheck(ctx, &op, event.EventTypeWalletDeposited)
	if err != nil {
		return nil, e.reject("deposit", err)
	}

	e.settleMu.Lock()
	defer e.settleMu.Unlock()

	evt := &event.WalletDeposited{DepositID: op.ID, UserID: op.UserID, Asset: op.Asset, Amount: op.Amount}
	err = e.settle(ctx, "deposit", op.ID, func(context.Context) error {
		ext := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, asset)
		return e.ledger.Transfer(ext, ledger.WalletKey(op.UserID, asset), op.Amount, ledger.JournalTypeWalletDeposit, op.ID.String())
	}, evt)
	if err != nil {
		return nil, err
	}
	e.idempotency.MarkProcessed(event.EventTypeWalletDeposited.String(), op.ID.String())
	return evt, nil
}

// Withdraw debits a wallet. A repeated ID returns ErrDuplicate.
func (e *Engine) Withdraw(ctx context.Context, op WalletOp) (*event.WalletWithdrawn, error) {
	asset, err := e.walletPrecheck(ctx, &op, event.EventTypeWalletWithdrawn)
	if err != nil {
		return nil, e.reject("withdraw", err)
	}

	e.settleMu.Lock()
	defer e.settleMu.Unlock()

	wallet := ledger.WalletKey(op.UserID, asset)
	if have := e.ledger.Balance(wallet); have < op.Amount {
		return nil, e.reject("withdraw", fmt.Errorf("%w: wallet=%d, amount=%d", ErrInsufficientBalance, have, op.Amount))
	}

	evt := &event.WalletWithdrawn{WithdrawalID: op.ID, UserID: op.UserID, Asset: op.Asset, Amount: op.Amount}
	err = e.settle(ctx, "withdraw", op.ID, func(context.Context) error {
		ext := ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, asset)
		return e.ledger.Transfer(wallet, ext, op.Amount, ledger.JournalTypeWalletWithdrawal, op.ID.String())
	}, evt)
	if err != nil {
		return nil, err
	}
	e.idempotency.MarkProcessed(event.EventTypeWalletWithdrawn.String(), op.ID.String())
	return evt, nil
}

func (e *Engine) walletPrecheck(ctx context.Context, op *WalletOp, et event.EventType) (ledger.AssetID, error) {
	if err := rejectNested(ctx); err != nil {
		return 0, err
	}
	asset, err := e.assetOf(op.Asset)
	if err != nil {
		return 0, err
	}
	if op.Amount <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrZeroAmount, op.Amount)
	}
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	} else if e.idempotency.IsDuplicate(et.String(), op.ID.String()) {
		return 0, fmt.Errorf("%w: %s %s", ErrDuplicate, et, op.ID)
	}
	return asset, nil
}

func (e *Engine) assetOf(name string) (ledger.AssetID, error) {
	id, ok := ledger.GetAssetID(name)
	if !ok || (id != e.quote && id != e.asset) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAsset, name)
	}
	return id, nil
}

// --- Liquidity ---

// ProvideLiquidity moves quote asset from the provider's wallet into the pool
func (e *Engine) ProvideLiquidity(ctx context.Context, provider uuid.UUID, amount int64) (*event.LiquidityProvided, error) {
	if err := rejectNested(ctx); err != nil {
		return nil, e.reject("provide_liquidity", err)
	}

	e.settleMu.Lock()
	defer e.settleMu.Unlock()

	if amount <= 0 {
		return nil, e.reject("provide_liquidity", fmt.Errorf("%w: %d", ErrZeroAmount, amount))
	}
	if have := e.ledger.Balance(ledger.WalletKey(provider, e.quote)); have < amount {
		return nil, e.reject("provide_liquidity", fmt.Errorf("%w: wallet=%d, amount=%d", ErrInsufficientBalance, have, amount))
	}

	opID := uuid.New()
	evt := &event.LiquidityProvided{OperationID: opID, Provider: provider, Amount: amount}
	err := e.settle(ctx, "provide_liquidity", opID, func(context.Context) error {
		minted, err := e.pool.ProvideLiquidity(provider, amount)
		evt.Shares = minted
		return err
	}, evt)
	if err != nil {
		return nil, err
	}
	return evt, nil
}

// WithdrawLiquidity burns shares and pays their value to the provider's wallet
func (e *Engine) WithdrawLiquidity(ctx context.Context, provider uuid.UUID, shares int64) (*event.LiquidityWithdrawn, error) {
	if err := rejectNested(ctx); err != nil {
		return nil, e.reject("withdraw_liquidity", err)
	}

	e.settleMu.Lock()
	defer e.settleMu.Unlock()

	if shares <= 0 {
		return nil, e.reject("withdraw_liquidity", fmt.Errorf("%w: %d", ErrZeroAmount, shares))
	}
	if held := e.pool.Shares().BalanceOf(provider); held < shares {
		return nil, e.reject("withdraw_liquidity", fmt.Errorf("%w: have=%d, need=%d", ErrInsufficientShares, held, shares))
	}

	opID := uuid.New()
	evt := &event.LiquidityWithdrawn{OperationID: opID, Provider: provider, Shares: shares}
	err := e.settle(ctx, "withdraw_liquidity", opID, func(context.Context) error {
		payout, err := e.pool.WithdrawLiquidity(provider, shares)
		evt.Payout = payout
		return err
	}, evt)
	if err != nil {
		return nil, err
	}
	return evt, nil
}

// FundSystem seeds a system account (lending liquidity, venue inventory)
// from the external deposit boundary.
func (e *Engine) FundSystem(ctx context.Context, account ledger.AccountKey, amount int64) error {
	if err := rejectNested(ctx); err != nil {
		return err
	}
	if account.Scope != ledger.AccountScopeSystem {
		return fmt.Errorf("fund %s: not a system account", account.AccountPath())
	}
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrZeroAmount, amount)
	}

	e.settleMu.Lock()
	defer e.settleMu.Unlock()

	assetName, _ := ledger.GetAssetName(account.AssetID)
	opID := uuid.New()
	evt := &event.SystemFunded{OperationID: opID, Account: account.AccountPath(), Asset: assetName, Amount: amount}
	return e.settle(ctx, "fund", opID, func(context.Context) error {
		ext := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, account.AssetID)
		return e.ledger.Transfer(ext, account, amount, ledger.JournalTypeSeed, opID.String())
	}, evt)
}

// --- Settlement plumbing ---

// enter rejects nested calls and marks identity busy until the returned
// function runs.
func (e *Engine) enter(ctx context.Context, id uuid.UUID) (func(), error) {
	if err := rejectNested(ctx); err != nil {
		return nil, err
	}
	e.busyMu.Lock()
	defer e.busyMu.Unlock()
	if _, busy := e.busy[id]; busy {
		return nil, fmt.Errorf("%w: %s", ErrReentrant, id)
	}
	e.busy[id] = struct{}{}
	return func() {
		e.busyMu.Lock()
		delete(e.busy, id)
		e.busyMu.Unlock()
	}, nil
}

func rejectNested(ctx context.Context) error {
	if info, ok := settlement.FromContext(ctx); ok {
		return fmt.Errorf("%w: inside %s settlement %s", ErrReentrant, info.Kind, info.Ref)
	}
	return nil
}

// settle runs fn as one unit of work and commits its journals with evt.
// Callers hold settleMu.
func (e *Engine) settle(ctx context.Context, kind string, ref uuid.UUID, fn func(ctx context.Context) error, evt event.Event) error {
	start := time.Now()
	err := e.uow.Run(ctx, settlement.Info{Kind: kind, Ref: ref.String()}, fn)
	if e.metrics != nil {
		e.metrics.SettlementDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.SettlementsTotal.WithLabelValues(kind, "rolled_back").Inc()
		}
		e.logger.Warn().Err(err).Str("kind", kind).Str("ref", ref.String()).Msg("settlement rolled back")
		return err
	}

	ts := e.now()
	batch := e.ledger.Drain(ref.String(), ts.UnixMicro())
	if err := e.postCheck(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s %s: %v", kind, ref, err))
	}
	e.commit(ts, batch, e.computeStateDigest(batch, evt.Identity()), evt)

	if e.metrics != nil {
		e.metrics.SettlementsTotal.WithLabelValues(kind, "committed").Inc()
	}
	e.updateGauges(ctx)
	return nil
}

func (e *Engine) reject(kind string, err error) error {
	if e.metrics != nil {
		e.metrics.SettlementsTotal.WithLabelValues(kind, "rejected").Inc()
	}
	e.logger.Debug().Err(err).Str("kind", kind).Msg("request rejected")
	return err
}

func (e *Engine) postCheck() error {
	if err := e.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	if err := e.validator.ValidateInternalNonNegative(); err != nil {
		return err
	}
	for _, a := range []ledger.AssetID{e.quote, e.asset} {
		key := ledger.CustodyKey(a)
		if bal := e.ledger.Balance(key); bal != 0 {
			return fmt.Errorf("%s holds %d after settlement", key.AccountPath(), bal)
		}
	}
	return nil
}

// Emit commits an event that carries no journals, such as guarantee
// requests and results. It runs outside the settlement mutex, so the digest
// covers the payload only.
func (e *Engine) Emit(evt event.Event) {
	e.commit(e.now(), nil, nil, evt)
}

// commit chains evt onto the state hash and hands it to persistence and the
// outbound publisher.
func (e *Engine) commit(ts time.Time, batch *ledger.Batch, digest []byte, evt event.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		e.logger.Error().Err(err).Str("event_type", evt.EventType().String()).Msg("marshal payload")
		payload = []byte("{}")
	}
	if digest == nil {
		digest = payload
	}

	e.outMu.Lock()
	defer e.outMu.Unlock()

	prev := e.hasher.Tip()
	hash := e.hasher.ComputeHash(e.sequence, digest)

	out := CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       e.sequence,
			IdempotencyKey: evt.IdempotencyKey(),
			EventType:      evt.EventType(),
			Identity:       evt.Identity(),
			Timestamp:      ts,
			Payload:        payload,
			StateHash:      hash,
			PrevHash:       prev,
		},
		Batch:      batch,
		StateDelta: digest,
	}
	e.sequence++

	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}

	if e.metrics != nil {
		e.metrics.EventsCommitted.WithLabelValues(evt.EventType().String()).Inc()
		e.metrics.CoreSequence.Set(float64(e.sequence))
		if batch != nil {
			for _, j := range batch.Journals {
				e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}
}

// computeStateDigest covers every account the batch touched, the owning
// identity's position and pool accounting.
func (e *Engine) computeStateDigest(batch *ledger.Batch, identity *uuid.UUID) []byte {
	affected := make(map[ledger.AccountKey]struct{})
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = struct{}{}
			affected[j.CreditAccount] = struct{}{}
		}
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+128)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, e.ledger.Balance(key))
	}

	if identity != nil {
		if pos, ok := e.positions.Get(*identity); ok {
			digest = append(digest, pos.CanonicalBytes()...)
		}
	}

	stats := e.pool.Stats()
	digest = appendInt64LE(digest, stats.TotalLiquidity)
	digest = appendInt64LE(digest, stats.TotalFees)
	digest = appendInt64LE(digest, stats.ShareSupply)
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func (e *Engine) updateGauges(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	stats := e.pool.Stats()
	e.metrics.PoolLiquidity.Set(float64(stats.TotalLiquidity))
	e.metrics.PoolFees.Set(float64(stats.TotalFees))
	e.metrics.PoolShareSupply.Set(float64(stats.ShareSupply))
	e.metrics.PoolShareValue.Set(float64(stats.ShareValue))
	e.metrics.ActivePositions.Set(float64(e.positions.ActiveCount()))

	data, err := e.lending.AccountData(ctx)
	if err != nil {
		return
	}
	e.metrics.LendingLTVBps.Set(float64(data.LTVBps))
	if data.HealthFactor == stdmath.MaxInt64 {
		e.metrics.LendingHealthFactor.Set(stdmath.Inf(1))
	} else {
		e.metrics.LendingHealthFactor.Set(float64(data.HealthFactor) / float64(fpmath.RatioConfig.Scale))
	}
}

func isUnhealthy(err error) bool {
	return matchAny(err, []error{market.ErrUnhealthy})
}
