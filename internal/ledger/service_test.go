package ledger

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"shopsys/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type memStore struct {
	mu         sync.Mutex
	balances   map[uuid.UUID]decimal.Decimal
	entries    []store.LedgerEntry
	failCredit map[uuid.UUID]bool
	failDebit  bool
}

func newMemStore() *memStore {
	return &memStore{
		balances:   make(map[uuid.UUID]decimal.Decimal),
		failCredit: make(map[uuid.UUID]bool),
	}
}

var errDown = errors.New("connection refused")

func (m *memStore) EnsureAccount(_ context.Context, id uuid.UUID) (store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[id]; !ok {
		m.balances[id] = decimal.Zero
	}
	return store.Account{ID: id, Balance: m.balances[id]}, nil
}

func (m *memStore) Debit(_ context.Context, id uuid.UUID, amount decimal.Decimal, kind store.EntryKind, desc string) (store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDebit {
		return store.Account{}, store.Unavailable("debit", errDown)
	}
	bal := m.balances[id]
	if bal.LessThan(amount) {
		return store.Account{ID: id, Balance: bal}, store.ErrInsufficientFunds
	}
	bal = bal.Sub(amount)
	m.balances[id] = bal
	m.entries = append(m.entries, store.LedgerEntry{ID: int64(len(m.entries) + 1), AccountID: id, Kind: kind, Amount: amount, Description: desc, CreatedAt: time.Now()})
	return store.Account{ID: id, Balance: bal}, nil
}

func (m *memStore) Credit(_ context.Context, id uuid.UUID, amount decimal.Decimal, kind store.EntryKind, desc string) (store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCredit[id] {
		return store.Account{}, store.Unavailable("credit", errDown)
	}
	bal := m.balances[id].Add(amount)
	m.balances[id] = bal
	m.entries = append(m.entries, store.LedgerEntry{ID: int64(len(m.entries) + 1), AccountID: id, Kind: kind, Amount: amount, Credit: true, Description: desc, CreatedAt: time.Now()})
	return store.Account{ID: id, Balance: bal}, nil
}

func (m *memStore) Entries(_ context.Context, id uuid.UUID, limit int) ([]store.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.LedgerEntry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].AccountID == id {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func (m *memStore) TopAccounts(context.Context, int, int) ([]store.Account, error) {
	return nil, nil
}

func (m *memStore) entriesFor(id uuid.UUID) []store.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.LedgerEntry
	for _, e := range m.entries {
		if e.AccountID == id {
			out = append(out, e)
		}
	}
	return out
}

func newTestService(st store.LedgerStore) *Service {
	return NewService(st, Currency{Singular: "coin", Plural: "coins"}, nil, nil)
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestWithdrawScenario(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newMemStore())
	acct := uuid.New()

	if _, err := svc.Deposit(ctx, acct, d("50"), store.KindDeposit, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	res, err := svc.Withdraw(ctx, acct, d("30"), store.KindWithdraw, "")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if !res.Balance.Equal(d("20")) {
		t.Fatalf("balance = %s, want 20", res.Balance)
	}

	res, err = svc.Withdraw(ctx, acct, d("30"), store.KindWithdraw, "")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("second Withdraw err = %v, want ErrInsufficientFunds", err)
	}
	if !res.Balance.Equal(d("20")) {
		t.Fatalf("reported balance = %s, want 20", res.Balance)
	}
	bal, err := svc.GetBalance(ctx, acct)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.Equal(d("20")) {
		t.Fatalf("balance = %s, want 20", bal)
	}
}

func TestInvalidAmountsHaveNoSideEffects(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	svc := newTestService(st)
	acct := uuid.New()

	for _, amount := range []decimal.Decimal{d("-1"), decimal.Zero, d("0.001")} {
		if _, err := svc.Deposit(ctx, acct, amount, store.KindDeposit, ""); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Deposit(%s) err = %v, want ErrInvalidAmount", amount, err)
		}
		if _, err := svc.Withdraw(ctx, acct, amount, store.KindWithdraw, ""); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Withdraw(%s) err = %v, want ErrInvalidAmount", amount, err)
		}
	}
	if n := len(st.entriesFor(acct)); n != 0 {
		t.Fatalf("got %d entries after rejected calls, want 0", n)
	}

	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := AmountFromFloat(f); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("AmountFromFloat(%v) err = %v, want ErrInvalidAmount", f, err)
		}
	}
	if _, err := ParseAmount("ten"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("ParseAmount(ten) err = %v, want ErrInvalidAmount", err)
	}
}

func TestStoreUnavailableLeavesBalance(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	svc := newTestService(st)
	acct := uuid.New()

	if _, err := svc.Deposit(ctx, acct, d("10"), store.KindDeposit, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	st.failDebit = true
	_, err := svc.Withdraw(ctx, acct, d("5"), store.KindWithdraw, "")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Withdraw err = %v, want ErrStoreUnavailable", err)
	}
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("Withdraw err = %v, should wrap store.ErrUnavailable", err)
	}
	bal, _ := svc.GetBalance(ctx, acct)
	if !bal.Equal(d("10")) {
		t.Fatalf("balance = %s, want 10", bal)
	}
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newMemStore())
	a, b := uuid.New(), uuid.New()

	if _, err := svc.Deposit(ctx, a, d("100"), store.KindDeposit, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	res, err := svc.Transfer(ctx, a, b, d("40"))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !res.From.Balance.Equal(d("60")) || !res.To.Balance.Equal(d("40")) {
		t.Fatalf("balances = %s/%s, want 60/40", res.From.Balance, res.To.Balance)
	}
	if _, err := svc.Transfer(ctx, a, a, d("1")); !errors.Is(err, ErrSameAccount) {
		t.Fatalf("self transfer err = %v, want ErrSameAccount", err)
	}
	if _, err := svc.Transfer(ctx, a, b, d("1000")); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overdraw transfer err = %v, want ErrInsufficientFunds", err)
	}
}

func TestTransferCompensatesFailedDeposit(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	svc := newTestService(st)
	a, b := uuid.New(), uuid.New()

	if _, err := svc.Deposit(ctx, a, d("100"), store.KindDeposit, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	st.failCredit[b] = true

	_, err := svc.Transfer(ctx, a, b, d("40"))
	if err == nil {
		t.Fatal("Transfer succeeded, want failure")
	}
	if errors.Is(err, ErrCompensationFailed) {
		t.Fatalf("Transfer err = %v, compensation should have succeeded", err)
	}

	bal, _ := svc.GetBalance(ctx, a)
	if !bal.Equal(d("100")) {
		t.Fatalf("balance of sender = %s, want 100", bal)
	}

	entries := st.entriesFor(a)
	if len(entries) != 3 {
		t.Fatalf("got %d entries for sender, want 3", len(entries))
	}
	if entries[1].Kind != store.KindTransfer || entries[1].Credit {
		t.Fatalf("entry 2 = %+v, want TRANSFER debit", entries[1])
	}
	if entries[2].Kind != store.KindDeposit || !entries[2].Credit || !entries[2].Amount.Equal(d("40")) {
		t.Fatalf("entry 3 = %+v, want 40 DEPOSIT refund", entries[2])
	}
}

func TestTransferCompensationFailure(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	svc := newTestService(st)
	a, b := uuid.New(), uuid.New()

	if _, err := svc.Deposit(ctx, a, d("100"), store.KindDeposit, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	st.failCredit[a] = true
	st.failCredit[b] = true

	_, err := svc.Transfer(ctx, a, b, d("40"))
	if !errors.Is(err, ErrCompensationFailed) {
		t.Fatalf("Transfer err = %v, want ErrCompensationFailed", err)
	}
}

func TestConcurrentWithdrawsFitBalance(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newMemStore())
	acct := uuid.New()
	if _, err := svc.Deposit(ctx, acct, d("100"), store.KindDeposit, ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, rejected := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Withdraw(ctx, acct, d("15"), store.KindPurchase, "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, ErrInsufficientFunds) {
				rejected++
			}
		}()
	}
	wg.Wait()

	if ok != 6 || rejected != 4 {
		t.Fatalf("ok=%d rejected=%d, want 6 and 4", ok, rejected)
	}
	bal, _ := svc.GetBalance(ctx, acct)
	if !bal.Equal(d("10")) {
		t.Fatalf("balance = %s, want 10", bal)
	}
}

func TestBalanceEqualsSumOfEntries(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	svc := newTestService(st)
	acct := uuid.New()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		amount := decimal.New(int64(rng.Intn(5000)+1), -2)
		if rng.Intn(2) == 0 {
			_, _ = svc.Deposit(ctx, acct, amount, store.KindSale, "")
		} else {
			_, _ = svc.Withdraw(ctx, acct, amount, store.KindPurchase, "")
		}
	}

	sum := decimal.Zero
	for _, e := range st.entriesFor(acct) {
		sum = sum.Add(e.Signed())
	}
	bal, _ := svc.GetBalance(ctx, acct)
	if !sum.Equal(bal) {
		t.Fatalf("sum of entries %s != balance %s", sum, bal)
	}
	if bal.IsNegative() {
		t.Fatalf("balance went negative: %s", bal)
	}
}

func TestSetBalance(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	svc := newTestService(st)
	acct := uuid.New()

	tests := []struct {
		target string
		kind   store.EntryKind
	}{
		{"250", store.KindDeposit},
		{"75.5", store.KindWithdraw},
		{"75.5", ""},
	}
	for _, tt := range tests {
		res, err := svc.SetBalance(ctx, acct, d(tt.target))
		if err != nil {
			t.Fatalf("SetBalance(%s): %v", tt.target, err)
		}
		if !res.Balance.Equal(d(tt.target)) {
			t.Fatalf("balance = %s, want %s", res.Balance, tt.target)
		}
		if res.Kind != tt.kind {
			t.Fatalf("kind = %q, want %q", res.Kind, tt.kind)
		}
	}
	if n := len(st.entriesFor(acct)); n != 2 {
		t.Fatalf("got %d entries want 2", n)
	}
	if _, err := svc.SetBalance(ctx, acct, d("-1")); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative target err = %v, want ErrInvalidAmount", err)
	}
}

func TestFormat(t *testing.T) {
	c := Currency{Singular: "coin", Plural: "coins"}
	tests := []struct {
		in   string
		want string
	}{
		{"1", "1.00 coin"},
		{"0", "0.00 coins"},
		{"1234.5", "1,234.50 coins"},
		{"1234567.891", "1,234,567.89 coins"},
	}
	for _, tt := range tests {
		if got := c.Format(d(tt.in)); got != tt.want {
			t.Errorf("Format(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
