package tradelog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"binance-grid-engine-go/internal/models"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/shopspring/decimal"
)

// Log 是只追加的成交日志，落在SQLite里，仅用于本地统计，
// 恢复流程从不读它。
type Log struct {
	db *sql.DB
}

// Open 打开成交日志库并建表。
func Open(dataSourceName string) (*Log, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open trade log database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to trade log database: %w", err)
	}
	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create trade log tables: %w", err)
	}
	return &Log{db: db}, nil
}

func createTables(db *sql.DB) error {
	createTradesTableSQL := `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		order_id INTEGER NOT NULL,
		side TEXT NOT NULL,
		price TEXT NOT NULL,
		quantity TEXT NOT NULL,
		realized_pnl TEXT NOT NULL,
		commission TEXT NOT NULL,
		position_after TEXT NOT NULL,
		traded_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createTradesTableSQL); err != nil {
		return err
	}

	createIndexSQL := `CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades (symbol, traded_at);`
	_, err := db.Exec(createIndexSQL)
	return err
}

// Append 追加一笔成交记录。价格类字段存十进制字符串，避免浮点失真。
func (l *Log) Append(ctx context.Context, record *models.TradeRecord) error {
	query := `
	INSERT INTO trades (symbol, order_id, side, price, quantity, realized_pnl, commission, position_after, traded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := l.db.ExecContext(ctx, query,
		record.Symbol,
		record.OrderID,
		string(record.Side),
		record.Price.String(),
		record.Quantity.String(),
		record.RealizedPnL.String(),
		record.Commission.String(),
		record.PositionAfter.String(),
		record.Time.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade for order %d: %w", record.OrderID, err)
	}
	return nil
}

// RecentTrades 返回交易对最近的limit笔成交，新的在前。
func (l *Log) RecentTrades(ctx context.Context, symbol string, limit int) ([]models.TradeRecord, error) {
	query := `
	SELECT id, symbol, order_id, side, price, quantity, realized_pnl, commission, position_after, traded_at
	FROM trades
	WHERE symbol = ?
	ORDER BY traded_at DESC
	LIMIT ?`

	rows, err := l.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var records []models.TradeRecord
	for rows.Next() {
		var (
			r                                             models.TradeRecord
			side                                          string
			price, quantity, pnl, commission, positionStr string
			tradedAt                                      int64
		)
		if err := rows.Scan(&r.ID, &r.Symbol, &r.OrderID, &side,
			&price, &quantity, &pnl, &commission, &positionStr, &tradedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		r.Side = models.Side(side)
		if r.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("failed to parse trade price %q: %w", price, err)
		}
		if r.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, fmt.Errorf("failed to parse trade quantity %q: %w", quantity, err)
		}
		if r.RealizedPnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("failed to parse realized pnl %q: %w", pnl, err)
		}
		if r.Commission, err = decimal.NewFromString(commission); err != nil {
			return nil, fmt.Errorf("failed to parse commission %q: %w", commission, err)
		}
		if r.PositionAfter, err = decimal.NewFromString(positionStr); err != nil {
			return nil, fmt.Errorf("failed to parse position %q: %w", positionStr, err)
		}
		r.Time = time.UnixMilli(tradedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Summary 汇总交易对的累计已实现盈亏、手续费和成交笔数。
func (l *Log) Summary(ctx context.Context, symbol string) (realized, fees decimal.Decimal, count int64, err error) {
	query := `SELECT price, realized_pnl, commission FROM trades WHERE symbol = ?`
	rows, err := l.db.QueryContext(ctx, query, symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, 0, fmt.Errorf("failed to query trade summary: %w", err)
	}
	defer rows.Close()

	realized = decimal.Zero
	fees = decimal.Zero
	for rows.Next() {
		var priceStr, pnlStr, feeStr string
		if err := rows.Scan(&priceStr, &pnlStr, &feeStr); err != nil {
			return decimal.Zero, decimal.Zero, 0, fmt.Errorf("failed to scan summary row: %w", err)
		}
		pnl, perr := decimal.NewFromString(pnlStr)
		fee, ferr := decimal.NewFromString(feeStr)
		if perr != nil || ferr != nil {
			continue
		}
		realized = realized.Add(pnl)
		fees = fees.Add(fee)
		count++
	}
	return realized, fees, count, rows.Err()
}

// Close 关闭数据库连接。
func (l *Log) Close() error {
	return l.db.Close()
}
