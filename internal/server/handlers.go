package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"FlashLever/internal/core"
	"FlashLever/internal/ingestion"
	"FlashLever/internal/ledger"
	fpmath "FlashLever/internal/math"
	"FlashLever/internal/projection"
	"FlashLever/internal/scheduler"
	"FlashLever/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 20

// --- envelopes ---

type successBody struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, successBody{Success: true, Data: data})
}

// badRequest marks errors in the request itself
type badRequest struct{ err error }

func (b badRequest) Error() string { return b.err.Error() }
func (b badRequest) Unwrap() error { return b.err }

func badRequestf(format string, args ...interface{}) error {
	return badRequest{fmt.Errorf(format, args...)}
}

var errUnavailable = errors.New("not available: no database configured")

// writeError maps an error to its status: 400 for malformed or rejected
// requests, 409 for conflicts, 422 for settlements that rolled back.
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	var br badRequest
	switch {
	case errors.As(err, &br):
		status, code = http.StatusBadRequest, "bad_request"
	case errors.Is(err, errUnavailable):
		status, code = http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, core.ErrDuplicate), errors.Is(err, core.ErrPositionExists), errors.Is(err, core.ErrReentrant):
		status, code = http.StatusConflict, "conflict"
	case core.IsValidation(err):
		status, code = http.StatusBadRequest, "validation"
	case core.IsSettlement(err):
		status, code = http.StatusUnprocessableEntity, "settlement_failed"
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequestf("decode body: %v", err)
	}
	return nil
}

func pathUUID(params map[string]string, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(params[name])
	if err != nil {
		return uuid.Nil, badRequestf("invalid %s: %v", name, err)
	}
	return id, nil
}

func parseAmount(field, s string) (int64, error) {
	v, err := fpmath.AmountConfig.ParseFixed(s)
	if err != nil {
		return 0, badRequestf("%s: %v", field, err)
	}
	return v, nil
}

func amount(v int64) decimal.Decimal { return fpmath.AmountConfig.FromFixed(v) }

// --- wallets ---

type walletRequest struct {
	OperationID string `json:"operation_id"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

func walletOp(r *http.Request, params map[string]string) (core.WalletOp, error) {
	userID, err := pathUUID(params, "user_id")
	if err != nil {
		return core.WalletOp{}, err
	}
	var req walletRequest
	if err := decodeBody(r, &req); err != nil {
		return core.WalletOp{}, err
	}
	opID := uuid.New()
	if req.OperationID != "" {
		if opID, err = uuid.Parse(req.OperationID); err != nil {
			return core.WalletOp{}, badRequestf("invalid operation_id: %v", err)
		}
	}
	amt, err := parseAmount("amount", req.Amount)
	if err != nil {
		return core.WalletOp{}, err
	}
	return core.WalletOp{ID: opID, UserID: userID, Asset: req.Asset, Amount: amt}, nil
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	op, err := walletOp(r, params)
	if err != nil {
		writeError(w, err)
		return
	}
	evt, err := s.deps.Engine.Deposit(r.Context(), op)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]interface{}{
		"operation_id": evt.DepositID,
		"asset":        evt.Asset,
		"amount":       amount(evt.Amount),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, params map[string]string) {
	op, err := walletOp(r, params)
	if err != nil {
		writeError(w, err)
		return
	}
	evt, err := s.deps.Engine.Withdraw(r.Context(), op)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]interface{}{
		"operation_id": evt.WithdrawalID,
		"asset":        evt.Asset,
		"amount":       amount(evt.Amount),
	})
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request, params map[string]string) {
	userID, err := pathUUID(params, "user_id")
	if err != nil {
		writeError(w, err)
		return
	}
	balances := make(map[string]decimal.Decimal, 2)
	for _, asset := range []ledger.AssetID{s.deps.Engine.QuoteAsset(), s.deps.Engine.PositionAsset()} {
		name, _ := ledger.GetAssetName(asset)
		balances[name] = amount(s.deps.Engine.WalletBalance(userID, asset))
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"user_id":  userID,
		"balances": balances,
	})
}

// --- positions ---

type openRequest struct {
	Leverage           string    `json:"leverage"`
	Collateral         string    `json:"collateral"`
	GuaranteeReference string    `json:"guarantee_reference"`
	GuaranteeExpiry    time.Time `json:"guarantee_expiry"`
}

type positionView struct {
	UserID             uuid.UUID       `json:"user_id"`
	Status             string          `json:"status"`
	IsActive           bool            `json:"is_active"`
	Collateral         decimal.Decimal `json:"collateral"`
	Leverage           decimal.Decimal `json:"leverage"`
	BorrowedDebt       decimal.Decimal `json:"borrowed_debt"`
	TotalSupplied      decimal.Decimal `json:"total_supplied"`
	EntryPrice         decimal.Decimal `json:"entry_price"`
	GuaranteeAmount    decimal.Decimal `json:"guarantee_amount"`
	GuaranteeReference string          `json:"guarantee_reference"`
	GuaranteeExpiry    time.Time       `json:"guarantee_expiry"`
	GuaranteeCharged   bool            `json:"guarantee_charged"`
	OpenedAt           time.Time       `json:"opened_at"`
}

func toPositionView(p state.Position) positionView {
	return positionView{
		UserID:             p.Identity,
		Status:             p.Status.String(),
		IsActive:           p.IsActive,
		Collateral:         amount(p.CollateralAmount),
		Leverage:           fpmath.RatioConfig.FromFixed(p.LeverageRatio),
		BorrowedDebt:       amount(p.BorrowedDebt),
		TotalSupplied:      amount(p.TotalSupplied),
		EntryPrice:         fpmath.PriceConfig.FromFixed(p.EntryPrice),
		GuaranteeAmount:    amount(p.GuaranteeAmount),
		GuaranteeReference: p.GuaranteeReference,
		GuaranteeExpiry:    p.GuaranteeExpiry,
		GuaranteeCharged:   p.GuaranteeCharged,
		OpenedAt:           p.OpenedAt,
	}
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request, params map[string]string) {
	userID, err := pathUUID(params, "user_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req openRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	leverage, err := fpmath.RatioConfig.ParseFixed(req.Leverage)
	if err != nil {
		writeError(w, badRequestf("leverage: %v", err))
		return
	}
	collateral, err := parseAmount("collateral", req.Collateral)
	if err != nil {
		writeError(w, err)
		return
	}

	opened, err := s.deps.Engine.Open(r.Context(), userID, core.OpenRequest{
		LeverageRatio:      leverage,
		CollateralAmount:   collateral,
		GuaranteeReference: req.GuaranteeReference,
		GuaranteeExpiry:    req.GuaranteeExpiry,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]interface{}{
		"settlement_id":    opened.SettlementID,
		"user_id":          opened.UserID,
		"leverage":         fpmath.RatioConfig.FromFixed(opened.Leverage),
		"collateral":       amount(opened.Collateral),
		"total_exposure":   amount(opened.TotalExposure),
		"borrow_value":     amount(opened.BorrowValue),
		"borrowed_debt":    amount(opened.BorrowedDebt),
		"premium":          amount(opened.Premium),
		"entry_price":      fpmath.PriceConfig.FromFixed(opened.EntryPrice),
		"guarantee_amount": amount(opened.GuaranteeAmount),
	})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request, params map[string]string) {
	userID, err := pathUUID(params, "user_id")
	if err != nil {
		writeError(w, err)
		return
	}
	closed, err := s.deps.Engine.Close(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"settlement_id": closed.SettlementID,
		"user_id":       closed.UserID,
		"exit_price":    fpmath.PriceConfig.FromFixed(closed.ExitPrice),
		"repaid_debt":   amount(closed.RepaidDebt),
		"premium":       amount(closed.Premium),
		"gross_return":  amount(closed.GrossReturn),
		"profit":        amount(closed.Profit),
		"lp_share":      amount(closed.LPShare),
		"lp_rewards":    amount(closed.LPRewards),
		"user_payout":   amount(closed.UserPayout),
		"quote_refund":  amount(closed.QuoteRefund),
	})
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	userID, err := pathUUID(params, "user_id")
	if err != nil {
		writeError(w, err)
		return
	}
	pos, ok := s.deps.Engine.Position(userID)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: core.ErrNoActivePosition.Error(), Code: "not_found"})
		return
	}
	writeData(w, http.StatusOK, toPositionView(pos))
}

func (s *Server) handlePositionHistory(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if s.deps.Query == nil {
		writeError(w, errUnavailable)
		return
	}
	userID, err := pathUUID(params, "user_id")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, before, err := paging(r)
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := s.deps.Query.GetPositionHistory(r.Context(), userID, limit, before)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, history)
}

// paging reads ?limit= (default 50, max 500) and the ?before= sequence
func paging(r *http.Request) (int, *int64, error) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, nil, badRequestf("invalid limit %q", v)
		}
		limit = min(n, 500)
	}
	before, err := sequenceParam(r, "before")
	if err != nil {
		return 0, nil, err
	}
	return limit, before, nil
}

func sequenceParam(r *http.Request, name string) (*int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, badRequestf("invalid %s %q", name, v)
	}
	return &n, nil
}

// --- pool ---

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	st := s.deps.Engine.PoolStats()
	resp := map[string]interface{}{
		"total_liquidity":  amount(st.TotalLiquidity),
		"total_fees":       amount(st.TotalFees),
		"share_supply":     amount(st.ShareSupply),
		"reserve":          amount(st.Reserve),
		"share_value":      amount(st.ShareValue),
		"active_positions": s.deps.Engine.ActivePositions(),
	}
	if acct, err := s.deps.Engine.AccountData(r.Context()); err == nil {
		resp["lending_account"] = acct
	}
	writeData(w, http.StatusOK, resp)
}

type provideRequest struct {
	Amount string `json:"amount"`
}

type withdrawLiquidityRequest struct {
	Shares string `json:"shares"`
}

func (s *Server) handleProvide(w http.ResponseWriter, r *http.Request, params map[string]string) {
	provider, err := pathUUID(params, "provider_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req provideRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	amt, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	evt, err := s.deps.Engine.ProvideLiquidity(r.Context(), provider, amt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]interface{}{
		"operation_id": evt.OperationID,
		"amount":       amount(evt.Amount),
		"shares":       amount(evt.Shares),
	})
}

func (s *Server) handleWithdrawLiquidity(w http.ResponseWriter, r *http.Request, params map[string]string) {
	provider, err := pathUUID(params, "provider_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req withdrawLiquidityRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	shares, err := parseAmount("shares", req.Shares)
	if err != nil {
		writeError(w, err)
		return
	}
	evt, err := s.deps.Engine.WithdrawLiquidity(r.Context(), provider, shares)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"operation_id": evt.OperationID,
		"shares":       amount(evt.Shares),
		"payout":       amount(evt.Payout),
	})
}

func (s *Server) handleGetShares(w http.ResponseWriter, r *http.Request, params map[string]string) {
	provider, err := pathUUID(params, "provider_id")
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"provider_id": provider,
		"shares":      amount(s.deps.Engine.SharesOf(provider)),
	})
}

// --- guarantees & trigger ---

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	// Read-only: the scheduler's scan cursor stays where it is.
	ids := s.deps.Guarantees.Peek(s.deps.Now())
	if ids == nil {
		ids = []uuid.UUID{}
	}
	writeData(w, http.StatusOK, map[string]interface{}{"identities": ids})
}

// handleGuaranteeResult is the provider callback; the body matches the
// result messages consumed from NATS.
func (s *Server) handleGuaranteeResult(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, badRequestf("read body: %v", err))
		return
	}
	res, err := ingestion.ParseGuaranteeResult(body)
	if err != nil {
		writeError(w, badRequest{err})
		return
	}
	s.deps.Guarantees.HandleResult(res.RequestID, res)
	writeData(w, http.StatusAccepted, map[string]string{"request_id": res.RequestID})
}

func (s *Server) handleCheckTrigger(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	needed, payload := s.deps.Trigger.CheckTrigger(s.deps.Now())
	resp := map[string]interface{}{"needed": needed}
	if needed {
		resp["payload"] = json.RawMessage(payload)
	}
	writeData(w, http.StatusOK, resp)
}

func (s *Server) handlePerformTrigger(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, badRequestf("read body: %v", err))
		return
	}
	res, err := s.deps.Trigger.PerformTrigger(r.Context(), payload)
	if errors.Is(err, scheduler.ErrBadPayload) {
		writeError(w, badRequest{err})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// --- projections & admin ---

func (s *Server) handleProjectedBalances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if s.deps.Query == nil {
		writeError(w, errUnavailable)
		return
	}
	userID, err := pathUUID(params, "user_id")
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.deps.Query.GetBalances(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, resp)
}

func (s *Server) handleJournals(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if s.deps.Query == nil {
		writeError(w, errUnavailable)
		return
	}
	userID, err := pathUUID(params, "user_id")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, _, err := paging(r)
	if err != nil {
		writeError(w, err)
		return
	}
	after, err := sequenceParam(r, "after")
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.deps.Query.GetJournalHistory(r.Context(), userID, limit, after)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, entries)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp := map[string]interface{}{
		"sequence":         s.deps.Engine.Sequence(),
		"active_positions": s.deps.Engine.ActivePositions(),
		"persistence":      s.deps.DB != nil,
	}
	if s.deps.Health != nil {
		resp["ready"] = s.deps.Health.IsReady()
	}
	writeData(w, http.StatusOK, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.Snapshot == nil {
		writeError(w, errUnavailable)
		return
	}
	seq, err := s.deps.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]int64{"sequence": seq})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.DB == nil {
		writeError(w, errUnavailable)
		return
	}
	if err := projection.RebuildProjections(r.Context(), s.deps.DB); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"rebuilt": true})
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.Query == nil {
		writeError(w, errUnavailable)
		return
	}
	report, err := s.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, report)
}
