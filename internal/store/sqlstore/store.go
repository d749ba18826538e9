package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"shopsys/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store implements store.Store over database/sql for MySQL and SQLite.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     *slog.Logger
	now     func() time.Time
}

var _ store.Store = (*Store)(nil)

func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:      db,
		dialect: dialect,
		log:     logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return store.Unavailable("migrate", err)
		}
	}
	s.log.Info("schema ready", "backend", s.dialect.Name)
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return store.Unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() {
	_ = s.db.Close()
}

func (s *Store) EnsureAccount(ctx context.Context, id uuid.UUID) (store.Account, error) {
	if _, err := s.db.ExecContext(ctx, s.dialect.InsertAccount, id.String(), s.now()); err != nil {
		return store.Account{}, store.Unavailable("ensure account", err)
	}
	acct := store.Account{ID: id}
	if err := s.db.QueryRowContext(ctx, `
		SELECT balance, updated_at FROM accounts WHERE id = ?
	`, id.String()).Scan(&acct.Balance, &acct.UpdatedAt); err != nil {
		return store.Account{}, store.Unavailable("load account", err)
	}
	acct.Balance = acct.Balance.Round(2)
	return acct, nil
}

func (s *Store) Debit(ctx context.Context, id uuid.UUID, amount decimal.Decimal, kind store.EntryKind, description string) (store.Account, error) {
	return s.mutate(ctx, id, amount, kind, description, false)
}

func (s *Store) Credit(ctx context.Context, id uuid.UUID, amount decimal.Decimal, kind store.EntryKind, description string) (store.Account, error) {
	return s.mutate(ctx, id, amount, kind, description, true)
}

func (s *Store) mutate(ctx context.Context, id uuid.UUID, amount decimal.Decimal, kind store.EntryKind, description string, credit bool) (store.Account, error) {
	op := "debit"
	if credit {
		op = "credit"
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Account{}, store.Unavailable(op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.dialect.InsertAccount, id.String(), now); err != nil {
		return store.Account{}, store.Unavailable(op, err)
	}

	acct := store.Account{ID: id}
	if err := tx.QueryRowContext(ctx,
		`SELECT balance, updated_at FROM accounts WHERE id = ?`+s.dialect.ForUpdate,
		id.String(),
	).Scan(&acct.Balance, &acct.UpdatedAt); err != nil {
		return store.Account{}, store.Unavailable(op, err)
	}
	acct.Balance = acct.Balance.Round(2)

	next := acct.Balance.Add(amount)
	if !credit {
		if acct.Balance.LessThan(amount) {
			return acct, store.ErrInsufficientFunds
		}
		next = acct.Balance.Sub(amount)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ?
	`, next.StringFixed(2), now, id.String()); err != nil {
		return store.Account{}, store.Unavailable(op, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (account_id, kind, amount, credit, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.String(), string(kind), amount.StringFixed(2), credit, description, now); err != nil {
		return store.Account{}, store.Unavailable(op, err)
	}
	if err := tx.Commit(); err != nil {
		return store.Account{}, store.Unavailable(op, err)
	}

	acct.Balance = next
	acct.UpdatedAt = now
	return acct, nil
}

func (s *Store) Entries(ctx context.Context, id uuid.UUID, limit int) ([]store.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, kind, amount, credit, description, created_at
		FROM ledger_entries
		WHERE account_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, id.String(), store.ClampLimit(limit))
	if err != nil {
		return nil, store.Unavailable("list entries", err)
	}
	defer rows.Close()

	out := make([]store.LedgerEntry, 0, 16)
	for rows.Next() {
		var e store.LedgerEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.AccountID, &kind, &e.Amount, &e.Credit, &e.Description, &e.CreatedAt); err != nil {
			return nil, store.Unavailable("scan entry", err)
		}
		e.Kind = store.EntryKind(kind)
		e.Amount = e.Amount.Round(2)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("list entries", err)
	}
	return out, nil
}

func (s *Store) TopAccounts(ctx context.Context, limit, offset int) ([]store.Account, error) {
	if offset < 0 {
		offset = 0
	}
	limit = store.ClampLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, balance, updated_at
		FROM accounts
		ORDER BY balance DESC, id ASC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, store.Unavailable("top accounts", err)
	}
	defer rows.Close()

	out := make([]store.Account, 0, limit)
	for rows.Next() {
		var a store.Account
		if err := rows.Scan(&a.ID, &a.Balance, &a.UpdatedAt); err != nil {
			return nil, store.Unavailable("scan account", err)
		}
		a.Balance = a.Balance.Round(2)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("top accounts", err)
	}
	return out, nil
}

func (s *Store) LoadPrice(ctx context.Context, itemID string) (store.PriceRecord, bool, error) {
	rec := store.PriceRecord{ItemID: itemID}
	err := s.db.QueryRowContext(ctx, `
		SELECT base_price, buy_price, sell_price, transaction_count, updated_at
		FROM price_records
		WHERE item_id = ?
	`, itemID).Scan(&rec.BasePrice, &rec.BuyPrice, &rec.SellPrice, &rec.TransactionCount, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.PriceRecord{}, false, nil
		}
		return store.PriceRecord{}, false, store.Unavailable("load price", err)
	}
	rec.BasePrice = rec.BasePrice.Round(4)
	rec.BuyPrice = rec.BuyPrice.Round(4)
	rec.SellPrice = rec.SellPrice.Round(4)
	return rec, true, nil
}

func (s *Store) UpsertPrice(ctx context.Context, itemID string, base, buy, sell decimal.Decimal) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.UpsertPrice,
		itemID, base.String(), buy.String(), sell.String(), s.now(),
	); err != nil {
		return store.Unavailable(fmt.Sprintf("upsert price %s", itemID), err)
	}
	return nil
}

func (s *Store) AppendHistory(ctx context.Context, entry store.PriceHistoryEntry) error {
	created := entry.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO price_history (item_id, price, changed_by, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.ItemID, entry.Price.String(), entry.ChangedBy, entry.Reason, created); err != nil {
		return store.Unavailable("append history", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, itemID string, limit int) ([]store.PriceHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, price, changed_by, reason, created_at
		FROM price_history
		WHERE item_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, itemID, store.ClampLimit(limit))
	if err != nil {
		return nil, store.Unavailable("price history", err)
	}
	defer rows.Close()

	out := make([]store.PriceHistoryEntry, 0, 16)
	for rows.Next() {
		var h store.PriceHistoryEntry
		if err := rows.Scan(&h.ID, &h.ItemID, &h.Price, &h.ChangedBy, &h.Reason, &h.CreatedAt); err != nil {
			return nil, store.Unavailable("scan history", err)
		}
		h.Price = h.Price.Round(4)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("price history", err)
	}
	return out, nil
}

func (s *Store) Popular(ctx context.Context, limit int) ([]store.Popularity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, transaction_count
		FROM price_records
		ORDER BY transaction_count DESC, item_id ASC
		LIMIT ?
	`, store.ClampLimit(limit))
	if err != nil {
		return nil, store.Unavailable("popular items", err)
	}
	defer rows.Close()

	out := make([]store.Popularity, 0, 16)
	for rows.Next() {
		var p store.Popularity
		if err := rows.Scan(&p.ItemID, &p.WriteCount); err != nil {
			return nil, store.Unavailable("scan popularity", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("popular items", err)
	}
	return out, nil
}

func (s *Store) HasPurchased(ctx context.Context, account uuid.UUID, itemID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM one_time_purchases WHERE account_id = ? AND item_id = ?
	`, account.String(), itemID).Scan(&n); err != nil {
		return false, store.Unavailable("has purchased", err)
	}
	return n > 0, nil
}

func (s *Store) ClaimPurchase(ctx context.Context, account uuid.UUID, itemID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.InsertPurchase, account.String(), itemID, s.now())
	if err != nil {
		return false, store.Unavailable("claim purchase", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, store.Unavailable("claim purchase", err)
	}
	return n == 1, nil
}

func (s *Store) ReleasePurchase(ctx context.Context, account uuid.UUID, itemID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM one_time_purchases WHERE account_id = ? AND item_id = ?
	`, account.String(), itemID); err != nil {
		return store.Unavailable("release purchase", err)
	}
	return nil
}
