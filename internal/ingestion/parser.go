package ingestion

import (
	"encoding/json"
	"fmt"

	"FlashLever/internal/core"
	"FlashLever/internal/guarantee"
	fpmath "FlashLever/internal/math"

	"github.com/google/uuid"
)

// Message kinds carried by RawEvent.Kind
const (
	KindWalletDeposit    = "WalletDeposit"
	KindWalletWithdrawal = "WalletWithdrawal"
	KindGuaranteeResult  = "GuaranteeResult"
)

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are decimal
// strings in whole asset units ("1.25"), converted to fixed point here.

type walletOpJSON struct {
	OperationID string `json:"operation_id"`
	UserID      string `json:"user_id"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

// ParseWalletOp decodes a deposit or withdrawal message. operation_id is the
// idempotency key and is required on the wire.
func ParseWalletOp(data []byte) (core.WalletOp, error) {
	var j walletOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return core.WalletOp{}, fmt.Errorf("parse wallet op: %w", err)
	}
	opID, err := uuid.Parse(j.OperationID)
	if err != nil {
		return core.WalletOp{}, fmt.Errorf("parse operation_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return core.WalletOp{}, fmt.Errorf("parse user_id: %w", err)
	}
	if j.Asset == "" {
		return core.WalletOp{}, fmt.Errorf("parse wallet op: asset is required")
	}
	amount, err := fpmath.AmountConfig.ParseFixed(j.Amount)
	if err != nil {
		return core.WalletOp{}, fmt.Errorf("parse amount: %w", err)
	}
	return core.WalletOp{ID: opID, UserID: userID, Asset: j.Asset, Amount: amount}, nil
}

type guaranteeResultJSON struct {
	RequestID      string  `json:"request_id"`
	Success        bool    `json:"success"`
	Reference      string  `json:"reference"`
	Status         string  `json:"status"`
	CapturedAmount *string `json:"captured_amount,omitempty"`
}

// ParseGuaranteeResult decodes a provider result. captured_amount is optional
// and, when present, a decimal string in quote units.
func ParseGuaranteeResult(data []byte) (guarantee.Result, error) {
	var j guaranteeResultJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return guarantee.Result{}, fmt.Errorf("parse guarantee result: %w", err)
	}
	if j.RequestID == "" {
		return guarantee.Result{}, fmt.Errorf("parse guarantee result: request_id is required")
	}
	res := guarantee.Result{
		RequestID: j.RequestID,
		Success:   j.Success,
		Reference: j.Reference,
		Status:    j.Status,
	}
	if j.CapturedAmount != nil {
		amount, err := fpmath.AmountConfig.ParseFixed(*j.CapturedAmount)
		if err != nil {
			return guarantee.Result{}, fmt.Errorf("parse captured_amount: %w", err)
		}
		res.CapturedAmount = &amount
	}
	return res, nil
}
