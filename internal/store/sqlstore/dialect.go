package sqlstore

// Dialect carries the statements that differ between MySQL and SQLite.
type Dialect struct {
	Name           string
	Schema         []string
	ForUpdate      string
	InsertAccount  string
	UpsertPrice    string
	InsertPurchase string
}

var MySQL = Dialect{
	Name: "mysql",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id CHAR(36) NOT NULL PRIMARY KEY,
			balance DECIMAL(15,2) NOT NULL DEFAULT 0,
			updated_at DATETIME(6) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			account_id CHAR(36) NOT NULL,
			kind ENUM('DEPOSIT','WITHDRAW','PURCHASE','SALE','TRANSFER') NOT NULL,
			amount DECIMAL(15,2) NOT NULL,
			credit BOOLEAN NOT NULL,
			description VARCHAR(255) NOT NULL DEFAULT '',
			created_at DATETIME(6) NOT NULL,
			INDEX ledger_entries_account_idx (account_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS price_records (
			item_id VARCHAR(128) NOT NULL PRIMARY KEY,
			base_price DECIMAL(18,4) NOT NULL,
			buy_price DECIMAL(18,4) NOT NULL,
			sell_price DECIMAL(18,4) NOT NULL,
			transaction_count BIGINT NOT NULL DEFAULT 1,
			updated_at DATETIME(6) NOT NULL,
			INDEX price_records_count_idx (transaction_count)
		)`,
		`CREATE TABLE IF NOT EXISTS price_history (
			id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			item_id VARCHAR(128) NOT NULL,
			price DECIMAL(18,4) NOT NULL,
			changed_by VARCHAR(64) NOT NULL DEFAULT '',
			reason VARCHAR(255) NOT NULL DEFAULT '',
			created_at DATETIME(6) NOT NULL,
			INDEX price_history_item_idx (item_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS one_time_purchases (
			account_id CHAR(36) NOT NULL,
			item_id VARCHAR(128) NOT NULL,
			purchased_at DATETIME(6) NOT NULL,
			PRIMARY KEY (account_id, item_id)
		)`,
	},
	ForUpdate:     " FOR UPDATE",
	InsertAccount: `INSERT IGNORE INTO accounts (id, balance, updated_at) VALUES (?, 0, ?)`,
	UpsertPrice: `
		INSERT INTO price_records (item_id, base_price, buy_price, sell_price, transaction_count, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON DUPLICATE KEY UPDATE
			buy_price = VALUES(buy_price),
			sell_price = VALUES(sell_price),
			transaction_count = transaction_count + 1,
			updated_at = VALUES(updated_at)`,
	InsertPurchase: `INSERT IGNORE INTO one_time_purchases (account_id, item_id, purchased_at) VALUES (?, ?, ?)`,
}

var SQLite = Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT NOT NULL PRIMARY KEY,
			balance NUMERIC NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			kind TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			credit BOOLEAN NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ledger_entries_account_idx ON ledger_entries (account_id, id)`,
		`CREATE TABLE IF NOT EXISTS price_records (
			item_id TEXT NOT NULL PRIMARY KEY,
			base_price NUMERIC NOT NULL,
			buy_price NUMERIC NOT NULL,
			sell_price NUMERIC NOT NULL,
			transaction_count INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS price_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			item_id TEXT NOT NULL,
			price NUMERIC NOT NULL,
			changed_by TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS price_history_item_idx ON price_history (item_id, id)`,
		`CREATE TABLE IF NOT EXISTS one_time_purchases (
			account_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			purchased_at TIMESTAMP NOT NULL,
			PRIMARY KEY (account_id, item_id)
		)`,
	},
	ForUpdate:     "",
	InsertAccount: `INSERT INTO accounts (id, balance, updated_at) VALUES (?, 0, ?) ON CONFLICT (id) DO NOTHING`,
	UpsertPrice: `
		INSERT INTO price_records (item_id, base_price, buy_price, sell_price, transaction_count, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT (item_id) DO UPDATE SET
			buy_price = excluded.buy_price,
			sell_price = excluded.sell_price,
			transaction_count = price_records.transaction_count + 1,
			updated_at = excluded.updated_at`,
	InsertPurchase: `INSERT INTO one_time_purchases (account_id, item_id, purchased_at) VALUES (?, ?, ?) ON CONFLICT (account_id, item_id) DO NOTHING`,
}

func DialectFor(driver string) (Dialect, bool) {
	switch driver {
	case "mysql":
		return MySQL, true
	case "sqlite":
		return SQLite, true
	default:
		return Dialect{}, false
	}
}
