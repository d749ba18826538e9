// Package store defines the durable contracts shared by every node: account
// balances with their audit log, item price records, price history and
// one-time purchase markers.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable wraps any failure of the backing database.
	ErrUnavailable       = errors.New("store unavailable")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

type EntryKind string

const (
	KindDeposit  EntryKind = "DEPOSIT"
	KindWithdraw EntryKind = "WITHDRAW"
	KindPurchase EntryKind = "PURCHASE"
	KindSale     EntryKind = "SALE"
	KindTransfer EntryKind = "TRANSFER"
)

type Account struct {
	ID        uuid.UUID       `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type LedgerEntry struct {
	ID          int64           `json:"id"`
	AccountID   uuid.UUID       `json:"account_id"`
	Kind        EntryKind       `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	// Credit is true when the entry added to the balance. TRANSFER entries
	// exist on both sides, so the kind alone does not carry the direction.
	Credit      bool            `json:"credit"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Signed returns the amount with the sign it applied to the balance.
func (e LedgerEntry) Signed() decimal.Decimal {
	if e.Credit {
		return e.Amount
	}
	return e.Amount.Neg()
}

type PriceRecord struct {
	ItemID    string          `json:"item_id"`
	BasePrice decimal.Decimal `json:"base_price"`
	BuyPrice  decimal.Decimal `json:"buy_price"`
	SellPrice decimal.Decimal `json:"sell_price"`
	UpdatedAt time.Time       `json:"updated_at"`

	// TransactionCount counts writes to this row (1 on insert, +1 per upsert),
	// not units traded. Decay and sync writes bump it as well.
	TransactionCount int64 `json:"transaction_count"`
}

type PriceHistoryEntry struct {
	ID        int64           `json:"id"`
	ItemID    string          `json:"item_id"`
	Price     decimal.Decimal `json:"price"`
	ChangedBy string          `json:"changed_by,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type Popularity struct {
	ItemID     string `json:"item_id"`
	WriteCount int64  `json:"write_count"`
}

type LedgerStore interface {
	// EnsureAccount returns the account, creating it with a zero balance if absent.
	EnsureAccount(ctx context.Context, id uuid.UUID) (Account, error)
	// Debit subtracts amount and appends one entry in the same transaction.
	// It returns ErrInsufficientFunds with the unchanged account when the
	// balance does not cover amount.
	Debit(ctx context.Context, id uuid.UUID, amount decimal.Decimal, kind EntryKind, description string) (Account, error)
	// Credit adds amount and appends one entry in the same transaction.
	Credit(ctx context.Context, id uuid.UUID, amount decimal.Decimal, kind EntryKind, description string) (Account, error)
	Entries(ctx context.Context, id uuid.UUID, limit int) ([]LedgerEntry, error)
	TopAccounts(ctx context.Context, limit, offset int) ([]Account, error)
}

type PriceStore interface {
	LoadPrice(ctx context.Context, itemID string) (PriceRecord, bool, error)
	UpsertPrice(ctx context.Context, itemID string, base, buy, sell decimal.Decimal) error
	AppendHistory(ctx context.Context, entry PriceHistoryEntry) error
	History(ctx context.Context, itemID string, limit int) ([]PriceHistoryEntry, error)
	Popular(ctx context.Context, limit int) ([]Popularity, error)
}

type PurchaseStore interface {
	HasPurchased(ctx context.Context, account uuid.UUID, itemID string) (bool, error)
	// ClaimPurchase records the purchase and reports false when the account
	// already holds one for the item.
	ClaimPurchase(ctx context.Context, account uuid.UUID, itemID string) (bool, error)
	ReleasePurchase(ctx context.Context, account uuid.UUID, itemID string) error
}

type Store interface {
	LedgerStore
	PriceStore
	PurchaseStore
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// Unavailable marks err as a backend failure for operation op.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 500
)

// ClampLimit bounds caller supplied list limits.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
