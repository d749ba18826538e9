package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"shopsys/internal/metrics"
	"shopsys/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrStoreUnavailable   = errors.New("ledger store unavailable")
	ErrCompensationFailed = errors.New("transfer compensation failed")
	ErrSameAccount        = errors.New("cannot transfer to the same account")
)

const TopPageSize = 10

type Result struct {
	Account uuid.UUID       `json:"account"`
	Kind    store.EntryKind `json:"kind,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	Balance decimal.Decimal `json:"balance"`
}

type TransferResult struct {
	From Result `json:"from"`
	To   Result `json:"to"`
}

type Service struct {
	store    store.LedgerStore
	currency Currency
	log      *slog.Logger
	metrics  *metrics.Metrics
	locks    *accountLocks
}

func NewService(st store.LedgerStore, currency Currency, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		currency: currency,
		log:      logger,
		metrics:  m,
		locks:    newAccountLocks(),
	}
}

func (s *Service) Currency() Currency {
	return s.currency
}

func (s *Service) Format(amount decimal.Decimal) string {
	return s.currency.Format(amount)
}

// GetBalance returns the committed balance, creating a zero-balance account
// on first use.
func (s *Service) GetBalance(ctx context.Context, account uuid.UUID) (decimal.Decimal, error) {
	acct, err := s.store.EnsureAccount(ctx, account)
	if err != nil {
		s.log.Error("balance lookup failed", "account_id", account, "err", err)
		return decimal.Zero, unavailable(err)
	}
	return acct.Balance, nil
}

func (s *Service) Withdraw(ctx context.Context, account uuid.UUID, amount decimal.Decimal, kind store.EntryKind, description string) (Result, error) {
	amount, err := normalize(amount)
	if err != nil {
		s.metrics.LedgerOp(string(kind), "invalid")
		return Result{Account: account, Kind: kind}, err
	}
	unlock := s.locks.lock(account)
	defer unlock()
	return s.withdrawLocked(ctx, account, amount, kind, description)
}

func (s *Service) Deposit(ctx context.Context, account uuid.UUID, amount decimal.Decimal, kind store.EntryKind, description string) (Result, error) {
	amount, err := normalize(amount)
	if err != nil {
		s.metrics.LedgerOp(string(kind), "invalid")
		return Result{Account: account, Kind: kind}, err
	}
	unlock := s.locks.lock(account)
	defer unlock()
	return s.depositLocked(ctx, account, amount, kind, description)
}

func (s *Service) withdrawLocked(ctx context.Context, account uuid.UUID, amount decimal.Decimal, kind store.EntryKind, description string) (Result, error) {
	res := Result{Account: account, Kind: kind, Amount: amount}
	acct, err := s.store.Debit(ctx, account, amount, kind, description)
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		s.metrics.LedgerOp(string(kind), "insufficient")
		res.Balance = acct.Balance
		return res, ErrInsufficientFunds
	case err != nil:
		s.metrics.LedgerOp(string(kind), "error")
		s.log.Error("withdraw failed", "account_id", account, "amount", amount.String(), "kind", kind, "err", err)
		return res, unavailable(err)
	}
	s.metrics.LedgerOp(string(kind), "ok")
	s.log.Debug("withdraw committed", "account_id", account, "amount", amount.String(), "kind", kind, "balance", acct.Balance.String())
	res.Balance = acct.Balance
	return res, nil
}

func (s *Service) depositLocked(ctx context.Context, account uuid.UUID, amount decimal.Decimal, kind store.EntryKind, description string) (Result, error) {
	res := Result{Account: account, Kind: kind, Amount: amount}
	acct, err := s.store.Credit(ctx, account, amount, kind, description)
	if err != nil {
		s.metrics.LedgerOp(string(kind), "error")
		s.log.Error("deposit failed", "account_id", account, "amount", amount.String(), "kind", kind, "err", err)
		return res, unavailable(err)
	}
	s.metrics.LedgerOp(string(kind), "ok")
	s.log.Debug("deposit committed", "account_id", account, "amount", amount.String(), "kind", kind, "balance", acct.Balance.String())
	res.Balance = acct.Balance
	return res, nil
}

// Transfer moves amount from one account to another as a withdraw followed
// by a deposit. A failed deposit is compensated by re-depositing to from.
// The two steps are not atomic against a crash between them.
func (s *Service) Transfer(ctx context.Context, from, to uuid.UUID, amount decimal.Decimal) (TransferResult, error) {
	if from == to {
		return TransferResult{}, ErrSameAccount
	}
	out, err := s.Withdraw(ctx, from, amount, store.KindTransfer, "transfer to "+to.String())
	if err != nil {
		return TransferResult{From: out}, err
	}
	in, err := s.Deposit(ctx, to, out.Amount, store.KindTransfer, "transfer from "+from.String())
	if err == nil {
		s.log.Info("transfer complete", "from", from, "to", to, "amount", out.Amount.String())
		return TransferResult{From: out, To: in}, nil
	}
	return s.compensate(ctx, from, to, out, err)
}

// compensate refunds a withdrawn transfer amount. It ignores caller
// cancellation: once money has left from, the refund must be attempted.
func (s *Service) compensate(ctx context.Context, from, to uuid.UUID, out Result, depositErr error) (TransferResult, error) {
	refund, err := s.Deposit(context.WithoutCancel(ctx), from, out.Amount, store.KindDeposit, "refund of failed transfer to "+to.String())
	if err != nil {
		s.metrics.LedgerOp(string(store.KindTransfer), "compensation_failed")
		s.log.Error("transfer compensation failed, funds missing from circulation",
			"from", from,
			"to", to,
			"amount", out.Amount.String(),
			"deposit_err", depositErr,
			"refund_err", err,
		)
		return TransferResult{From: out}, fmt.Errorf("%w: %s withdrawn from %s: deposit: %v: refund: %v",
			ErrCompensationFailed, out.Amount, from, depositErr, err)
	}
	s.log.Warn("transfer reversed", "from", from, "to", to, "amount", out.Amount.String(), "err", depositErr)
	return TransferResult{From: refund}, fmt.Errorf("transfer deposit failed and was refunded: %w", depositErr)
}

// SetBalance moves an account to target by depositing or withdrawing the
// difference, recording a single entry.
func (s *Service) SetBalance(ctx context.Context, account uuid.UUID, target decimal.Decimal) (Result, error) {
	if target.IsNegative() {
		return Result{Account: account}, fmt.Errorf("%w: %s is negative", ErrInvalidAmount, target)
	}
	target = target.Round(MoneyScale)

	unlock := s.locks.lock(account)
	defer unlock()

	acct, err := s.store.EnsureAccount(ctx, account)
	if err != nil {
		return Result{Account: account}, unavailable(err)
	}
	diff := target.Sub(acct.Balance)
	switch {
	case diff.IsPositive():
		return s.depositLocked(ctx, account, diff, store.KindDeposit, "balance set by admin")
	case diff.IsNegative():
		return s.withdrawLocked(ctx, account, diff.Neg(), store.KindWithdraw, "balance set by admin")
	default:
		return Result{Account: account, Balance: acct.Balance}, nil
	}
}

func (s *Service) Entries(ctx context.Context, account uuid.UUID, limit int) ([]store.LedgerEntry, error) {
	entries, err := s.store.Entries(ctx, account, limit)
	if err != nil {
		return nil, unavailable(err)
	}
	return entries, nil
}

// Top returns one page of the balance leaderboard; pages start at 1.
func (s *Service) Top(ctx context.Context, page int) ([]store.Account, error) {
	if page < 1 {
		page = 1
	}
	rows, err := s.store.TopAccounts(ctx, TopPageSize, (page-1)*TopPageSize)
	if err != nil {
		return nil, unavailable(err)
	}
	return rows, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
