package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"presale-engine-go/internal/models"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
	"github.com/shopspring/decimal"
)

// Settlement is one settled operation as accepted by the recorder.
type Settlement struct {
	Reference    string
	Address      string
	Network      string
	Kind         models.TxKind
	RewardAmount decimal.Decimal
	PaidAmount   decimal.Decimal
	Currency     models.Currency
	USDValue     decimal.Decimal
	CreatedAt    time.Time
}

// Store is the sqlite-backed settlement recorder and user-state source.
type Store struct {
	db *sql.DB
}

// InitDB opens the database and creates the necessary tables.
func InitDB(dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	// Settlements are append-only and keyed by the signer's reference.
	createSettlementsSQL := `
	CREATE TABLE IF NOT EXISTS settlements (
		reference TEXT PRIMARY KEY,
		address TEXT NOT NULL,
		network TEXT NOT NULL,
		kind TEXT NOT NULL,
		reward_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		usd_value TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createSettlementsSQL); err != nil {
		return err
	}

	createUserRecordsSQL := `
	CREATE TABLE IF NOT EXISTS user_records (
		address TEXT PRIMARY KEY,
		contribution_usd TEXT NOT NULL,
		purchased_units TEXT NOT NULL DEFAULT '0',
		has_claimed BOOLEAN NOT NULL DEFAULT 0
	);`
	if _, err := db.Exec(createUserRecordsSQL); err != nil {
		return err
	}
	// Databases created before purchased_units existed get the column added.
	if _, err := db.Exec(`ALTER TABLE user_records ADD COLUMN purchased_units TEXT NOT NULL DEFAULT '0'`); err != nil &&
		!strings.Contains(err.Error(), "duplicate column name") {
		return err
	}

	createIndexSQL := `CREATE INDEX IF NOT EXISTS idx_settlements_address ON settlements (address);`
	if _, err := db.Exec(createIndexSQL); err != nil {
		return err
	}

	return nil
}

// RecordSettlement persists s. A reference that already exists is rejected
// with ErrDuplicateReference and the stored row is left untouched.
func (s *Store) RecordSettlement(ctx context.Context, st Settlement) error {
	if st.Reference == "" || st.Address == "" {
		return fmt.Errorf("%w: reference and address are required", ErrInvalidInput)
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}

	query := `
	INSERT OR IGNORE INTO settlements (reference, address, network, kind, reward_amount, paid_amount, currency, usd_value, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, query,
		st.Reference, normalize(st.Address), st.Network, string(st.Kind),
		st.RewardAmount.String(), st.PaidAmount.String(), string(st.Currency), st.USDValue.String(),
		st.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert settlement %s: %w", st.Reference, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected for %s: %w", st.Reference, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, st.Reference)
	}
	return nil
}

// GetSettlement loads a settlement by reference.
func (s *Store) GetSettlement(ctx context.Context, reference string) (*Settlement, error) {
	query := `
	SELECT reference, address, network, kind, reward_amount, paid_amount, currency, usd_value, created_at
	FROM settlements WHERE reference = ?`

	var st Settlement
	var kind, currency, reward, paid, usd string
	var created int64
	err := s.db.QueryRowContext(ctx, query, reference).Scan(
		&st.Reference, &st.Address, &st.Network, &kind, &reward, &paid, &currency, &usd, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settlement %s: %w", reference, err)
	}

	st.Kind = models.TxKind(kind)
	st.Currency = models.Currency(currency)
	st.CreatedAt = time.Unix(created, 0)
	if st.RewardAmount, err = decimal.NewFromString(reward); err != nil {
		return nil, fmt.Errorf("corrupt reward_amount for %s: %w", reference, err)
	}
	if st.PaidAmount, err = decimal.NewFromString(paid); err != nil {
		return nil, fmt.Errorf("corrupt paid_amount for %s: %w", reference, err)
	}
	if st.USDValue, err = decimal.NewFromString(usd); err != nil {
		return nil, fmt.Errorf("corrupt usd_value for %s: %w", reference, err)
	}
	return &st, nil
}

// UserRecord returns the sale record for address. Unknown addresses yield a
// zero record, not an error.
func (s *Store) UserRecord(ctx context.Context, address string) (models.UserSaleRecord, error) {
	rec := models.UserSaleRecord{Address: address}

	var contribution, units string
	err := s.db.QueryRowContext(ctx,
		`SELECT contribution_usd, purchased_units, has_claimed FROM user_records WHERE address = ?`, normalize(address),
	).Scan(&contribution, &units, &rec.HasClaimed)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("failed to load user record %s: %w", address, err)
	}
	if rec.CumulativeUSDContribution, err = decimal.NewFromString(contribution); err != nil {
		return rec, fmt.Errorf("corrupt contribution for %s: %w", address, err)
	}
	if rec.PurchasedUnits, err = decimal.NewFromString(units); err != nil {
		return rec, fmt.Errorf("corrupt purchased_units for %s: %w", address, err)
	}
	return rec, nil
}

// AddContribution increments the cumulative USD contribution and the
// purchased reward units of address.
func (s *Store) AddContribution(ctx context.Context, address string, usd, units decimal.Decimal) (models.UserSaleRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.UserSaleRecord{}, fmt.Errorf("failed to begin contribution update: %w", err)
	}
	defer tx.Rollback() // Rollback on any error

	rec := models.UserSaleRecord{Address: address}
	var current, stored string
	err = tx.QueryRowContext(ctx,
		`SELECT contribution_usd, purchased_units, has_claimed FROM user_records WHERE address = ?`, normalize(address),
	).Scan(&current, &stored, &rec.HasClaimed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		rec.CumulativeUSDContribution = decimal.Zero
		rec.PurchasedUnits = decimal.Zero
	case err != nil:
		return rec, fmt.Errorf("failed to read contribution: %w", err)
	default:
		if rec.CumulativeUSDContribution, err = decimal.NewFromString(current); err != nil {
			return rec, fmt.Errorf("corrupt contribution for %s: %w", address, err)
		}
		if rec.PurchasedUnits, err = decimal.NewFromString(stored); err != nil {
			return rec, fmt.Errorf("corrupt purchased_units for %s: %w", address, err)
		}
	}

	rec.CumulativeUSDContribution = rec.CumulativeUSDContribution.Add(usd)
	rec.PurchasedUnits = rec.PurchasedUnits.Add(units)
	_, err = tx.ExecContext(ctx, `
	INSERT INTO user_records (address, contribution_usd, purchased_units, has_claimed) VALUES (?, ?, ?, ?)
	ON CONFLICT(address) DO UPDATE SET contribution_usd = excluded.contribution_usd, purchased_units = excluded.purchased_units`,
		normalize(address), rec.CumulativeUSDContribution.String(), rec.PurchasedUnits.String(), rec.HasClaimed,
	)
	if err != nil {
		return rec, fmt.Errorf("failed to update contribution: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return rec, fmt.Errorf("failed to commit contribution: %w", err)
	}
	return rec, nil
}

// MarkClaimed sets has_claimed for address. It is irreversible.
func (s *Store) MarkClaimed(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO user_records (address, contribution_usd, has_claimed) VALUES (?, '0', 1)
	ON CONFLICT(address) DO UPDATE SET has_claimed = 1`, normalize(address))
	if err != nil {
		return fmt.Errorf("failed to mark %s claimed: %w", address, err)
	}
	return nil
}

// Totals returns the reward units sold in the presale and the number of
// distinct contributors.
func (s *Store) Totals(ctx context.Context) (decimal.Decimal, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, reward_amount FROM settlements WHERE kind = ?`, string(models.KindPresaleBuy))
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("failed to query totals: %w", err)
	}
	defer rows.Close()

	sold := decimal.Zero
	contributors := make(map[string]struct{})
	for rows.Next() {
		var address, reward string
		if err := rows.Scan(&address, &reward); err != nil {
			return decimal.Zero, 0, fmt.Errorf("failed to scan settlement row: %w", err)
		}
		amount, err := decimal.NewFromString(reward)
		if err != nil {
			return decimal.Zero, 0, fmt.Errorf("corrupt reward_amount: %w", err)
		}
		sold = sold.Add(amount)
		contributors[address] = struct{}{}
	}
	return sold, int64(len(contributors)), rows.Err()
}

// HolderCount counts addresses that have received the reward asset.
func (s *Store) HolderCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT address) FROM settlements WHERE kind IN (?, ?)`,
		string(models.KindClaim), string(models.KindMarketBuy),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count holders: %w", err)
	}
	return n, nil
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
