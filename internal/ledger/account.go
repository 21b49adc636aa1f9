package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypePoolReserve
	SubTypeOrchestratorCustody
	SubTypeLendingMarket
	SubTypeSwapVenue

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDT": 1,
		"USDC": 2,
		"BTC":  3,
		"ETH":  4,
	}
	idToAsset = map[AssetID]string{
		1: "USDT",
		2: "USDC",
		3: "BTC",
		4: "ETH",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// MustAssetID panics on unknown symbols; for wiring constants only.
func MustAssetID(asset string) AssetID {
	id, ok := assetToID[asset]
	if !ok {
		panic(fmt.Sprintf("ledger: unknown asset %q", asset))
	}
	return id
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, name bytes for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// WalletKey is the spendable balance of a user.
func WalletKey(userID uuid.UUID, assetID AssetID) AccountKey {
	return NewUserAccountKey(userID, SubTypeWallet, assetID)
}

// PoolReserveKey holds the flash-settlement pool's capital.
func PoolReserveKey(assetID AssetID) AccountKey {
	return NewSystemAccountKey("pool", SubTypePoolReserve, assetID)
}

// CustodyKey holds funds in transit through the orchestrator during a settlement.
func CustodyKey(assetID AssetID) AccountKey {
	return NewSystemAccountKey("orchestrator", SubTypeOrchestratorCustody, assetID)
}

// LendingMarketKey holds collateral supplied to, and liquidity of, the lending market.
func LendingMarketKey(assetID AssetID) AccountKey {
	return NewSystemAccountKey("lending", SubTypeLendingMarket, assetID)
}

// SwapVenueKey holds the swap venue inventory.
func SwapVenueKey(assetID AssetID) AccountKey {
	return NewSystemAccountKey("swap", SubTypeSwapVenue, assetID)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypePoolReserve:
		return "pool_reserve"
	case SubTypeOrchestratorCustody:
		return "custody"
	case SubTypeLendingMarket:
		return "lending_market"
	case SubTypeSwapVenue:
		return "swap_venue"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
