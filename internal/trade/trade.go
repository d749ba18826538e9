// Package trade runs buy and sell intents: money moves through the ledger
// first and the item price moves only after the money step succeeded.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"shopsys/internal/ledger"
	"shopsys/internal/metrics"
	"shopsys/internal/pricing"
	"shopsys/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrAlreadyPurchased = errors.New("one-time item already purchased")
	ErrNotForSale       = errors.New("item not offered on this side")
	ErrInvalidUnits     = errors.New("invalid units")
	ErrInventory        = errors.New("inventory transfer failed")
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Inventory hands items to and takes items from an account holder.
type Inventory interface {
	Give(ctx context.Context, account uuid.UUID, itemID string, units int) error
	Take(ctx context.Context, account uuid.UUID, itemID string, units int) error
}

// NoInventory accepts every transfer. Nodes without an item store use it.
type NoInventory struct{}

func (NoInventory) Give(context.Context, uuid.UUID, string, int) error { return nil }
func (NoInventory) Take(context.Context, uuid.UUID, string, int) error { return nil }

type Ledger interface {
	Withdraw(ctx context.Context, account uuid.UUID, amount decimal.Decimal, kind store.EntryKind, description string) (ledger.Result, error)
	Deposit(ctx context.Context, account uuid.UUID, amount decimal.Decimal, kind store.EntryKind, description string) (ledger.Result, error)
}

type Prices interface {
	Quote(itemID string) (pricing.Quote, bool)
	Adjust(ctx context.Context, itemID string, isBuy bool, units int) (pricing.Quote, error)
}

type Intent struct {
	Account uuid.UUID `json:"account"`
	ItemID  string    `json:"item_id"`
	Side    Side      `json:"side"`
	Units   int       `json:"units"`
}

type Receipt struct {
	Account   uuid.UUID       `json:"account"`
	ItemID    string          `json:"item_id"`
	Side      Side            `json:"side"`
	Units     int             `json:"units"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Total     decimal.Decimal `json:"total"`
	Balance   decimal.Decimal `json:"balance"`
	// Price is the item quote after the trade moved it.
	Price pricing.Quote `json:"price"`
}

type Service struct {
	ledger    Ledger
	prices    Prices
	purchases store.PurchaseStore
	inventory Inventory
	log       *slog.Logger
	metrics   *metrics.Metrics
}

func NewService(l Ledger, p Prices, purchases store.PurchaseStore, inv Inventory, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if inv == nil {
		inv = NoInventory{}
	}
	return &Service{ledger: l, prices: p, purchases: purchases, inventory: inv, log: logger, metrics: m}
}

func (s *Service) Execute(ctx context.Context, in Intent) (Receipt, error) {
	switch in.Side {
	case SideBuy:
		return s.Buy(ctx, in.Account, in.ItemID, in.Units)
	case SideSell:
		return s.Sell(ctx, in.Account, in.ItemID, in.Units)
	default:
		return Receipt{}, fmt.Errorf("unknown side %q", in.Side)
	}
}

func (s *Service) quote(itemID string, units int) (pricing.Quote, error) {
	if units < 1 || units > pricing.MaxUnits {
		return pricing.Quote{}, fmt.Errorf("%w: %d", ErrInvalidUnits, units)
	}
	q, ok := s.prices.Quote(itemID)
	if !ok {
		return pricing.Quote{}, fmt.Errorf("%w: %s", pricing.ErrUnknownItem, itemID)
	}
	return q, nil
}

func (s *Service) Buy(ctx context.Context, account uuid.UUID, itemID string, units int) (Receipt, error) {
	r, err := s.buy(ctx, account, itemID, units)
	s.metrics.Trade(string(SideBuy), err)
	return r, err
}

func (s *Service) buy(ctx context.Context, account uuid.UUID, itemID string, units int) (Receipt, error) {
	q, err := s.quote(itemID, units)
	if err != nil {
		return Receipt{}, err
	}
	if !q.Buy.IsPositive() {
		return Receipt{}, fmt.Errorf("%w: %s cannot be bought", ErrNotForSale, itemID)
	}
	if q.OneTime {
		if units != 1 {
			return Receipt{}, fmt.Errorf("%w: one-time item %s is sold singly", ErrInvalidUnits, itemID)
		}
		// Claimed before any money moves; released again if the buy fails.
		claimed, err := s.purchases.ClaimPurchase(ctx, account, itemID)
		if err != nil {
			return Receipt{}, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
		}
		if !claimed {
			return Receipt{}, ErrAlreadyPurchased
		}
	}

	total := q.Buy.Mul(decimal.NewFromInt(int64(units))).Round(ledger.MoneyScale)
	res, err := s.ledger.Withdraw(ctx, account, total, store.KindPurchase, fmt.Sprintf("purchase of %d x %s", units, itemID))
	if err != nil {
		if q.OneTime {
			s.release(ctx, account, itemID)
		}
		return Receipt{Account: account, ItemID: itemID, Side: SideBuy, Units: units, UnitPrice: q.Buy, Total: total, Balance: res.Balance}, err
	}

	if err := s.inventory.Give(ctx, account, itemID, units); err != nil {
		err = s.refund(ctx, account, itemID, res.Amount, err)
		if q.OneTime {
			s.release(ctx, account, itemID)
		}
		return Receipt{}, err
	}

	after, err := s.prices.Adjust(ctx, itemID, true, units)
	if err != nil {
		s.log.Warn("price not adjusted after purchase", "item_id", itemID, "err", err)
		after = q
	}
	s.log.Info("purchase complete", "account_id", account, "item_id", itemID, "units", units, "amount", res.Amount.String())
	return Receipt{
		Account:   account,
		ItemID:    itemID,
		Side:      SideBuy,
		Units:     units,
		UnitPrice: q.Buy,
		Total:     res.Amount,
		Balance:   res.Balance,
		Price:     after,
	}, nil
}

func (s *Service) release(ctx context.Context, account uuid.UUID, itemID string) {
	if err := s.purchases.ReleasePurchase(context.WithoutCancel(ctx), account, itemID); err != nil {
		s.log.Error("one-time purchase claim not released", "account_id", account, "item_id", itemID, "err", err)
	}
}

func (s *Service) refund(ctx context.Context, account uuid.UUID, itemID string, amount decimal.Decimal, cause error) error {
	_, err := s.ledger.Deposit(context.WithoutCancel(ctx), account, amount, store.KindDeposit, "refund of failed purchase of "+itemID)
	if err != nil {
		s.log.Error("purchase refund failed", "account_id", account, "item_id", itemID, "amount", amount.String(), "inventory_err", cause, "refund_err", err)
		return fmt.Errorf("%w: %w: refund: %v", ErrInventory, ledger.ErrCompensationFailed, err)
	}
	return fmt.Errorf("%w: %v", ErrInventory, cause)
}

func (s *Service) Sell(ctx context.Context, account uuid.UUID, itemID string, units int) (Receipt, error) {
	r, err := s.sell(ctx, account, itemID, units)
	s.metrics.Trade(string(SideSell), err)
	return r, err
}

func (s *Service) sell(ctx context.Context, account uuid.UUID, itemID string, units int) (Receipt, error) {
	q, err := s.quote(itemID, units)
	if err != nil {
		return Receipt{}, err
	}
	if !q.Sell.IsPositive() {
		return Receipt{}, fmt.Errorf("%w: %s cannot be sold", ErrNotForSale, itemID)
	}

	if err := s.inventory.Take(ctx, account, itemID, units); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInventory, err)
	}

	total := q.Sell.Mul(decimal.NewFromInt(int64(units))).Round(ledger.MoneyScale)
	res, err := s.ledger.Deposit(ctx, account, total, store.KindSale, fmt.Sprintf("sale of %d x %s", units, itemID))
	if err != nil {
		if giveErr := s.inventory.Give(context.WithoutCancel(ctx), account, itemID, units); giveErr != nil {
			s.log.Error("items lost after failed sale", "account_id", account, "item_id", itemID, "units", units, "err", giveErr)
		}
		return Receipt{}, err
	}

	after, err := s.prices.Adjust(ctx, itemID, false, units)
	if err != nil {
		s.log.Warn("price not adjusted after sale", "item_id", itemID, "err", err)
		after = q
	}

	s.log.Info("sale complete", "account_id", account, "item_id", itemID, "units", units, "amount", res.Amount.String())
	return Receipt{
		Account:   account,
		ItemID:    itemID,
		Side:      SideSell,
		Units:     units,
		UnitPrice: q.Sell,
		Total:     res.Amount,
		Balance:   res.Balance,
		Price:     after,
	}, nil
}
