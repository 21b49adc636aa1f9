package query

import (
	"time"

	"github.com/google/uuid"
)

// BalanceEntry is one projected account balance
type BalanceEntry struct {
	AccountPath  string `json:"account_path"`
	AssetID      uint16 `json:"asset_id"`
	Balance      int64  `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
}

// BalancesResponse lists a user's projected balances
type BalancesResponse struct {
	UserID       uuid.UUID      `json:"user_id"`
	Balances     []BalanceEntry `json:"balances"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// PositionHistoryEntry is one open/close cycle from the position projection.
// Close fields are nil while the position is active.
type PositionHistoryEntry struct {
	SettlementID       uuid.UUID  `json:"settlement_id"`
	UserID             uuid.UUID  `json:"user_id"`
	Status             string     `json:"status"`
	Leverage           int64      `json:"leverage"`
	Collateral         int64      `json:"collateral"`
	TotalExposure      int64      `json:"total_exposure"`
	BorrowedDebt       int64      `json:"borrowed_debt"`
	OpenPremium        int64      `json:"open_premium"`
	EntryPrice         int64      `json:"entry_price"`
	GuaranteeReference string     `json:"guarantee_reference"`
	GuaranteeAmount    int64      `json:"guarantee_amount"`
	GuaranteeExpiry    time.Time  `json:"guarantee_expiry"`
	GuaranteeCharged   bool       `json:"guarantee_charged"`
	ExitPrice          *int64     `json:"exit_price,omitempty"`
	ClosePremium       *int64     `json:"close_premium,omitempty"`
	Profit             *int64     `json:"profit,omitempty"`
	LPShare            *int64     `json:"lp_share,omitempty"`
	UserPayout         *int64     `json:"user_payout,omitempty"`
	OpenedSequence     int64      `json:"opened_sequence"`
	ClosedSequence     *int64     `json:"closed_sequence,omitempty"`
	OpenedAt           time.Time  `json:"opened_at"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
	AsOfSequence       int64      `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	SequenceGaps     []int64           `json:"sequence_gaps,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
