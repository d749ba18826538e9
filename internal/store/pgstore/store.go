package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"shopsys/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type Store struct {
	db  *pgxpool.Pool
	log *slog.Logger
}

var _ store.Store = (*Store)(nil)

func New(db *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, log: logger}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id UUID PRIMARY KEY,
		balance NUMERIC(15,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id BIGSERIAL PRIMARY KEY,
		account_id UUID NOT NULL REFERENCES accounts(id),
		kind TEXT NOT NULL CHECK (kind IN ('DEPOSIT','WITHDRAW','PURCHASE','SALE','TRANSFER')),
		amount NUMERIC(15,2) NOT NULL CHECK (amount > 0),
		credit BOOLEAN NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_entries_account_idx ON ledger_entries (account_id, id DESC)`,
	`CREATE TABLE IF NOT EXISTS price_records (
		item_id TEXT PRIMARY KEY,
		base_price NUMERIC(18,4) NOT NULL,
		buy_price NUMERIC(18,4) NOT NULL,
		sell_price NUMERIC(18,4) NOT NULL,
		transaction_count BIGINT NOT NULL DEFAULT 1,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS price_records_count_idx ON price_records (transaction_count DESC)`,
	`CREATE TABLE IF NOT EXISTS price_history (
		id BIGSERIAL PRIMARY KEY,
		item_id TEXT NOT NULL,
		price NUMERIC(18,4) NOT NULL,
		changed_by TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS price_history_item_idx ON price_history (item_id, id DESC)`,
	`CREATE TABLE IF NOT EXISTS one_time_purchases (
		account_id UUID NOT NULL,
		item_id TEXT NOT NULL,
		purchased_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (account_id, item_id)
	)`,
}

func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return store.Unavailable("migrate", err)
		}
	}
	s.log.Info("schema ready", "backend", "postgres")
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return store.Unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() {
	s.db.Close()
}

func (s *Store) EnsureAccount(ctx context.Context, id uuid.UUID) (store.Account, error) {
	if _, err := s.db.Exec(ctx, `
		INSERT INTO accounts (id, balance) VALUES ($1, 0)
		ON CONFLICT (id) DO NOTHING
	`, id); err != nil {
		return store.Account{}, store.Unavailable("ensure account", err)
	}
	acct := store.Account{ID: id}
	if err := s.db.QueryRow(ctx, `
		SELECT balance, updated_at FROM accounts WHERE id = $1
	`, id).Scan(&acct.Balance, &acct.UpdatedAt); err != nil {
		return store.Account{}, store.Unavailable("load account", err)
	}
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
	delta := amount.Neg()
	if credit {
		op = "credit"
		delta = amount
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.Account{}, store.Unavailable(op, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO accounts (id, balance) VALUES ($1, 0)
		ON CONFLICT (id) DO NOTHING
	`, id); err != nil {
		return store.Account{}, store.Unavailable(op, err)
	}

	acct := store.Account{ID: id}
	if err := tx.QueryRow(ctx, `
		SELECT balance, updated_at FROM accounts WHERE id = $1 FOR UPDATE
	`, id).Scan(&acct.Balance, &acct.UpdatedAt); err != nil {
		return store.Account{}, store.Unavailable(op, err)
	}
	if !credit && acct.Balance.LessThan(amount) {
		return acct, store.ErrInsufficientFunds
	}

	if err := tx.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $2::numeric, updated_at = now()
		WHERE id = $1
		RETURNING balance, updated_at
	`, id, delta.String()).Scan(&acct.Balance, &acct.UpdatedAt); err != nil {
		return store.Account{}, store.Unavailable(op, err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (account_id, kind, amount, credit, description)
		VALUES ($1, $2, $3::numeric, $4, $5)
	`, id, string(kind), amount.String(), credit, description); err != nil {
		return store.Account{}, store.Unavailable(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return store.Account{}, store.Unavailable(op, err)
	}
	return acct, nil
}

func (s *Store) Entries(ctx context.Context, id uuid.UUID, limit int) ([]store.LedgerEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, account_id, kind, amount, credit, description, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, id, store.ClampLimit(limit))
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
	rows, err := s.db.Query(ctx, `
		SELECT id, balance, updated_at
		FROM accounts
		ORDER BY balance DESC, id ASC
		LIMIT $1 OFFSET $2
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
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("top accounts", err)
	}
	return out, nil
}

func (s *Store) LoadPrice(ctx context.Context, itemID string) (store.PriceRecord, bool, error) {
	rec := store.PriceRecord{ItemID: itemID}
	err := s.db.QueryRow(ctx, `
		SELECT base_price, buy_price, sell_price, transaction_count, updated_at
		FROM price_records
		WHERE item_id = $1
	`, itemID).Scan(&rec.BasePrice, &rec.BuyPrice, &rec.SellPrice, &rec.TransactionCount, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.PriceRecord{}, false, nil
		}
		return store.PriceRecord{}, false, store.Unavailable("load price", err)
	}
	return rec, true, nil
}

func (s *Store) UpsertPrice(ctx context.Context, itemID string, base, buy, sell decimal.Decimal) error {
	if _, err := s.db.Exec(ctx, `
		INSERT INTO price_records (item_id, base_price, buy_price, sell_price, transaction_count, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, 1, now())
		ON CONFLICT (item_id) DO UPDATE
		SET buy_price = EXCLUDED.buy_price,
			sell_price = EXCLUDED.sell_price,
			transaction_count = price_records.transaction_count + 1,
			updated_at = now()
	`, itemID, base.String(), buy.String(), sell.String()); err != nil {
		return store.Unavailable(fmt.Sprintf("upsert price %s", itemID), err)
	}
	return nil
}

func (s *Store) AppendHistory(ctx context.Context, entry store.PriceHistoryEntry) error {
	if _, err := s.db.Exec(ctx, `
		INSERT INTO price_history (item_id, price, changed_by, reason)
		VALUES ($1, $2::numeric, $3, $4)
	`, entry.ItemID, entry.Price.String(), entry.ChangedBy, entry.Reason); err != nil {
		return store.Unavailable("append history", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, itemID string, limit int) ([]store.PriceHistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, item_id, price, changed_by, reason, created_at
		FROM price_history
		WHERE item_id = $1
		ORDER BY id DESC
		LIMIT $2
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
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("price history", err)
	}
	return out, nil
}

func (s *Store) Popular(ctx context.Context, limit int) ([]store.Popularity, error) {
	rows, err := s.db.Query(ctx, `
		SELECT item_id, transaction_count
		FROM price_records
		ORDER BY transaction_count DESC, item_id ASC
		LIMIT $1
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
	var exists bool
	if err := s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM one_time_purchases WHERE account_id = $1 AND item_id = $2)
	`, account, itemID).Scan(&exists); err != nil {
		return false, store.Unavailable("has purchased", err)
	}
	return exists, nil
}

func (s *Store) ClaimPurchase(ctx context.Context, account uuid.UUID, itemID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO one_time_purchases (account_id, item_id)
		VALUES ($1, $2)
		ON CONFLICT (account_id, item_id) DO NOTHING
	`, account, itemID)
	if err != nil {
		return false, store.Unavailable("claim purchase", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleasePurchase(ctx context.Context, account uuid.UUID, itemID string) error {
	if _, err := s.db.Exec(ctx, `
		DELETE FROM one_time_purchases WHERE account_id = $1 AND item_id = $2
	`, account, itemID); err != nil {
		return store.Unavailable("release purchase", err)
	}
	return nil
}
