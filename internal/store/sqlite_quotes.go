package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"trading-venue/internal/models"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ QuoteStore = (*SQLiteQuoteStore)(nil)

const quoteSchema = `
CREATE TABLE IF NOT EXISTS quote_snapshots (
	symbol TEXT PRIMARY KEY,
	price  TEXT NOT NULL,
	bid    TEXT,
	ask    TEXT,
	ts     INTEGER NOT NULL
)`

// SQLiteQuoteStore 把最近报价镜像到本地 sqlite 文件，重启后作为取价降级的一环。
type SQLiteQuoteStore struct {
	db *sql.DB
}

// NewSQLiteQuoteStore opens (or creates) the database at path and ensures the schema.
func NewSQLiteQuoteStore(path string) (*SQLiteQuoteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create quote mirror dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// 单连接避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(quoteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create quote schema: %w", err)
	}
	return &SQLiteQuoteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteQuoteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteQuoteStore) LoadQuote(ctx context.Context, symbol string) (models.Quote, bool, error) {
	var (
		price    string
		bid, ask sql.NullString
		ts       int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT price, bid, ask, ts FROM quote_snapshots WHERE symbol = ?`, symbol,
	).Scan(&price, &bid, &ask, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Quote{}, false, nil
	}
	if err != nil {
		return models.Quote{}, false, fmt.Errorf("load quote %s: %w", symbol, err)
	}

	snap := models.QuoteSnapshot{Symbol: symbol, Timestamp: time.Unix(0, ts).UTC()}
	if snap.Price, err = decimal.NewFromString(price); err != nil {
		return models.Quote{}, false, fmt.Errorf("load quote %s: price: %w", symbol, err)
	}
	if snap.Bid, err = nullDecimal(bid); err != nil {
		return models.Quote{}, false, fmt.Errorf("load quote %s: bid: %w", symbol, err)
	}
	if snap.Ask, err = nullDecimal(ask); err != nil {
		return models.Quote{}, false, fmt.Errorf("load quote %s: ask: %w", symbol, err)
	}
	return snap.Quote(), true, nil
}

// SaveQuote 覆盖写入，较旧的报价不会覆盖较新的。
func (s *SQLiteQuoteStore) SaveQuote(ctx context.Context, q models.Quote) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO quote_snapshots (symbol, price, bid, ask, ts) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(symbol) DO UPDATE SET
	price = excluded.price, bid = excluded.bid, ask = excluded.ask, ts = excluded.ts
WHERE excluded.ts >= quote_snapshots.ts`,
		q.Symbol, q.Price.String(), decimalString(q.Bid), decimalString(q.Ask), q.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save quote %s: %w", q.Symbol, err)
	}
	return nil
}

func decimalString(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
