package position

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Position 表示一个持有中的纸面仓位，每个市场至多一个。
type Position struct {
	Market     string    `json:"market"`
	EntryPrice float64   `json:"entry_price"`
	Volume     float64   `json:"volume"`
	Amount     float64   `json:"amount"`
	OpenedAt   time.Time `json:"opened_at"`
}

// Book 维护持仓账本，落地到 sqlite 以便进程重启后恢复。
type Book struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewBook 创建持仓账本并初始化表结构。
func NewBook(db *sql.DB, logger *zap.Logger) (*Book, error) {
	if db == nil {
		return nil, errors.New("position: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	book := &Book{db: db, logger: logger}
	if err := book.initSchema(); err != nil {
		return nil, err
	}

	return book, nil
}

func (b *Book) initSchema() error {
	schema := `CREATE TABLE IF NOT EXISTS open_positions (
		market TEXT PRIMARY KEY,
		entry_price REAL NOT NULL,
		volume REAL NOT NULL,
		amount REAL NOT NULL,
		opened_at TEXT NOT NULL
	);`

	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("position: 初始化表结构失败: %w", err)
	}

	return nil
}

// Open 开仓登记。同一市场已有持仓时报错，避免重复建仓。
func (b *Book) Open(ctx context.Context, pos Position) error {
	if pos.Market == "" {
		return errors.New("position: 市场代码不能为空")
	}
	if pos.EntryPrice <= 0 || pos.Volume <= 0 {
		return fmt.Errorf("position: 开仓参数非法: market=%s price=%v volume=%v", pos.Market, pos.EntryPrice, pos.Volume)
	}

	openedAt := pos.OpenedAt
	if openedAt.IsZero() {
		openedAt = time.Now().UTC()
	}

	_, err := b.db.ExecContext(ctx,
		`INSERT INTO open_positions (market, entry_price, volume, amount, opened_at)
		 VALUES (?, ?, ?, ?, ?)`,
		pos.Market, pos.EntryPrice, pos.Volume, pos.Amount, openedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("position: 开仓登记失败: %w", err)
	}

	b.logger.Info("持仓已登记",
		zap.String("market", pos.Market),
		zap.Float64("entry_price", pos.EntryPrice),
		zap.Float64("volume", pos.Volume),
	)

	return nil
}

// Close 平仓注销，返回被移除的仓位。仓位不存在时返回 sql.ErrNoRows。
func (b *Book) Close(ctx context.Context, market string) (Position, error) {
	pos, err := b.Get(ctx, market)
	if err != nil {
		return Position{}, err
	}

	if _, err := b.db.ExecContext(ctx, `DELETE FROM open_positions WHERE market = ?`, market); err != nil {
		return Position{}, fmt.Errorf("position: 平仓注销失败: %w", err)
	}

	b.logger.Info("持仓已注销", zap.String("market", market))
	return pos, nil
}

// Get 查询单个市场的持仓。不存在时返回 sql.ErrNoRows。
func (b *Book) Get(ctx context.Context, market string) (Position, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT market, entry_price, volume, amount, opened_at FROM open_positions WHERE market = ?`, market)

	pos, err := scanPosition(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Position{}, err
		}
		return Position{}, fmt.Errorf("position: 查询持仓失败: %w", err)
	}

	return pos, nil
}

// Has 判断市场是否已有持仓。
func (b *Book) Has(ctx context.Context, market string) (bool, error) {
	_, err := b.Get(ctx, market)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List 返回全部持仓，按开仓时间升序。
func (b *Book) List(ctx context.Context) ([]Position, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT market, entry_price, volume, amount, opened_at FROM open_positions ORDER BY opened_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("position: 查询持仓列表失败: %w", err)
	}
	defer rows.Close()

	positions := make([]Position, 0, 8)
	for rows.Next() {
		pos, scanErr := scanPosition(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("position: 读取持仓失败: %w", scanErr)
		}
		positions = append(positions, pos)
	}

	return positions, rows.Err()
}

func scanPosition(scan func(dest ...any) error) (Position, error) {
	var (
		pos Position
		ts  string
	)
	if err := scan(&pos.Market, &pos.EntryPrice, &pos.Volume, &pos.Amount, &ts); err != nil {
		return Position{}, err
	}

	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return Position{}, fmt.Errorf("开仓时间格式非法: %w", err)
	}
	pos.OpenedAt = parsed

	return pos, nil
}
