package trade

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shopsys/internal/catalog"
	"shopsys/internal/db"
	"shopsys/internal/ledger"
	"shopsys/internal/pricing"
	"shopsys/internal/store"
	"shopsys/internal/store/sqlstore"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type flakyInventory struct {
	giveErr error
	takeErr error
	given   int
	taken   int
}

func (f *flakyInventory) Give(_ context.Context, _ uuid.UUID, _ string, units int) error {
	if f.giveErr != nil {
		return f.giveErr
	}
	f.given += units
	return nil
}

func (f *flakyInventory) Take(_ context.Context, _ uuid.UUID, _ string, units int) error {
	if f.takeErr != nil {
		return f.takeErr
	}
	f.taken += units
	return nil
}

type slowInventory struct {
	delay time.Duration
	given atomic.Int64
}

func (s *slowInventory) Give(_ context.Context, _ uuid.UUID, _ string, units int) error {
	time.Sleep(s.delay)
	s.given.Add(int64(units))
	return nil
}

func (s *slowInventory) Take(context.Context, uuid.UUID, string, int) error { return nil }

type fixture struct {
	svc    *Service
	ledger *ledger.Service
	prices *pricing.Engine
	inv    *flakyInventory
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	handle, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "shop.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := sqlstore.New(handle, sqlstore.SQLite, nil)
	t.Cleanup(st.Close)
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := pricing.Config{
		BuyIncreaseRate:  dec("0.05"),
		SellDecreaseRate: dec("0.03"),
		MaxMultiplier:    dec("5"),
		MinMultiplier:    dec("0.2"),
		DecayRate:        dec("0.01"),
	}
	prices := pricing.New(cfg, st, nil, nil, nil)
	prices.Reload(ctx, []catalog.Item{
		{ID: "diamond", BuyPrice: dec("100"), SellPrice: dec("25"), Dynamic: true},
		{ID: "beacon", BuyPrice: dec("900"), OneTime: true},
	})

	l := ledger.NewService(st, ledger.Currency{Singular: "coin", Plural: "coins"}, nil, nil)
	inv := &flakyInventory{}
	return &fixture{
		svc:    NewService(l, prices, st, inv, nil, nil),
		ledger: l,
		prices: prices,
		inv:    inv,
	}
}

func (f *fixture) fund(t *testing.T, account uuid.UUID, amount string) {
	t.Helper()
	if _, err := f.ledger.Deposit(context.Background(), account, dec(amount), store.KindDeposit, "test funds"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, account uuid.UUID) decimal.Decimal {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), account)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return b
}

func TestBuyMovesMoneyThenPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := uuid.New()
	f.fund(t, acct, "1000")

	r, err := f.svc.Buy(ctx, acct, "diamond", 2)
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if !r.Total.Equal(dec("200")) || !r.Balance.Equal(dec("800")) {
		t.Fatalf("receipt total=%s balance=%s, want 200/800", r.Total, r.Balance)
	}
	if !r.Price.Buy.Equal(dec("110.25")) {
		t.Fatalf("price after buy = %s, want 110.25", r.Price.Buy)
	}
	if f.inv.given != 2 {
		t.Fatalf("items given = %d, want 2", f.inv.given)
	}

	entries, err := f.ledger.Entries(ctx, acct, 10)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if entries[0].Kind != store.KindPurchase || !entries[0].Amount.Equal(dec("200")) {
		t.Fatalf("latest entry = %+v", entries[0])
	}
}

func TestBuyInsufficientFundsLeavesPrice(t *testing.T) {
	f := newFixture(t)
	acct := uuid.New()
	f.fund(t, acct, "50")

	_, err := f.svc.Buy(context.Background(), acct, "diamond", 1)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	q, _ := f.prices.Quote("diamond")
	if !q.Buy.Equal(dec("100")) {
		t.Fatalf("price moved to %s on failed trade", q.Buy)
	}
	if f.inv.given != 0 {
		t.Fatal("items given on failed trade")
	}
}

func TestBuyRefundsWhenInventoryFails(t *testing.T) {
	f := newFixture(t)
	acct := uuid.New()
	f.fund(t, acct, "500")
	f.inv.giveErr = errors.New("inventory full")

	_, err := f.svc.Buy(context.Background(), acct, "diamond", 1)
	if !errors.Is(err, ErrInventory) {
		t.Fatalf("err = %v, want ErrInventory", err)
	}
	if b := f.balance(t, acct); !b.Equal(dec("500")) {
		t.Fatalf("balance = %s, want 500 after refund", b)
	}
	q, _ := f.prices.Quote("diamond")
	if !q.Buy.Equal(dec("100")) {
		t.Fatalf("price moved to %s", q.Buy)
	}
}

func TestOneTimePurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := uuid.New()
	f.fund(t, acct, "5000")

	if _, err := f.svc.Buy(ctx, acct, "beacon", 2); !errors.Is(err, ErrInvalidUnits) {
		t.Fatalf("multi-unit one-time err = %v", err)
	}
	if _, err := f.svc.Buy(ctx, acct, "beacon", 1); err != nil {
		t.Fatalf("first Buy: %v", err)
	}
	if _, err := f.svc.Buy(ctx, acct, "beacon", 1); !errors.Is(err, ErrAlreadyPurchased) {
		t.Fatalf("second Buy err = %v, want ErrAlreadyPurchased", err)
	}
	if b := f.balance(t, acct); !b.Equal(dec("4100")) {
		t.Fatalf("balance = %s, want 4100", b)
	}
}

func TestOneTimePurchaseConcurrent(t *testing.T) {
	f := newFixture(t)
	inv := &slowInventory{delay: 20 * time.Millisecond}
	f.svc.inventory = inv
	acct := uuid.New()
	f.fund(t, acct, "9000")

	const buyers = 4
	errs := make([]error, buyers)
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.Buy(context.Background(), acct, "beacon", 1)
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, ErrAlreadyPurchased):
			t.Fatalf("unexpected err: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("successful buys = %d, want 1", ok)
	}
	if n := inv.given.Load(); n != 1 {
		t.Fatalf("items given = %d, want 1", n)
	}
	if b := f.balance(t, acct); !b.Equal(dec("8100")) {
		t.Fatalf("balance = %s, want 8100", b)
	}
}

func TestOneTimeClaimReleasedOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := uuid.New()
	f.fund(t, acct, "100")

	if _, err := f.svc.Buy(ctx, acct, "beacon", 1); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("underfunded Buy err = %v", err)
	}
	f.fund(t, acct, "900")
	f.inv.giveErr = errors.New("inventory full")
	if _, err := f.svc.Buy(ctx, acct, "beacon", 1); !errors.Is(err, ErrInventory) {
		t.Fatalf("inventory failure err = %v", err)
	}
	f.inv.giveErr = nil
	if _, err := f.svc.Buy(ctx, acct, "beacon", 1); err != nil {
		t.Fatalf("Buy after failures: %v", err)
	}
	if b := f.balance(t, acct); !b.Equal(dec("100")) {
		t.Fatalf("balance = %s, want 100", b)
	}
}

func TestSell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := uuid.New()

	r, err := f.svc.Execute(ctx, Intent{Account: acct, ItemID: "diamond", Side: SideSell, Units: 4})
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}
	if !r.Balance.Equal(dec("100")) {
		t.Fatalf("balance = %s, want 100", r.Balance)
	}
	if !r.Price.Sell.LessThan(dec("25")) || !r.Price.Buy.LessThan(dec("100")) {
		t.Fatalf("prices after sell = %s/%s, want both below base", r.Price.Buy, r.Price.Sell)
	}
	if f.inv.taken != 4 {
		t.Fatalf("taken = %d, want 4", f.inv.taken)
	}
}

func TestSellRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := uuid.New()

	tests := []struct {
		name   string
		itemID string
		units  int
		want   error
	}{
		{"zero sell price", "beacon", 1, ErrNotForSale},
		{"unknown item", "nope", 1, pricing.ErrUnknownItem},
		{"zero units", "diamond", 0, ErrInvalidUnits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Sell(ctx, acct, tt.itemID, tt.units); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	f.inv.takeErr = errors.New("not enough items")
	if _, err := f.svc.Sell(ctx, acct, "diamond", 1); !errors.Is(err, ErrInventory) {
		t.Fatalf("take failure err = %v", err)
	}
	if b := f.balance(t, acct); !b.IsZero() {
		t.Fatalf("balance = %s after failed sale", b)
	}
}
