package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"trading-venue/internal/apperr"
	"trading-venue/internal/models"
)

// Compile-time interface checks.
var _ Store = (*GormStore)(nil)
var _ QuoteStore = (*GormStore)(nil)

// GormStore 关系库实现，支持 postgres 与 mysql。
type GormStore struct {
	db *gorm.DB
}

// OpenGorm 按驱动名打开数据库。
func OpenGorm(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	return NewGormStore(db), nil
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate 建表或补齐字段。
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&models.Account{},
		&models.Order{},
		&models.Position{},
		&models.Transaction{},
		&models.QuoteSnapshot{},
	)
}

// Close 关闭底层连接池。
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(kind, id)
	}
	return fmt.Errorf("%s %s: %w", kind, id, err)
}

// update 整行更新；影响行数为 0 时区分“不存在”与“无变化”（mysql 默认只计变化的行）。
func (s *GormStore) update(ctx context.Context, model interface{}, kind, id string) error {
	return updateRow(s.db.WithContext(ctx), model, kind, id)
}

func updateRow(db *gorm.DB, model interface{}, kind, id string) error {
	res := db.Model(model).Where("id = ?", id).Select("*").Omit("created_at").Updates(model)
	if res.Error != nil {
		return fmt.Errorf("update %s %s: %w", kind, id, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var n int64
	if err := db.Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return apperr.NotFound(kind, id)
	}
	return nil
}

func (s *GormStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var o models.Order
	if err := s.db.WithContext(ctx).First(&o, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "order", id)
	}
	return &o, nil
}

func (s *GormStore) ListOrders(ctx context.Context, f OrderFilter) ([]models.Order, error) {
	q := s.db.WithContext(ctx).Model(&models.Order{})
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var out []models.Order
	if err := q.Order("created_at, id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return out, nil
}

func (s *GormStore) CreateOrder(ctx context.Context, o *models.Order) error {
	return s.db.WithContext(ctx).Create(o).Error
}

func (s *GormStore) UpdateOrder(ctx context.Context, o *models.Order) error {
	return s.update(ctx, o, "order", o.ID)
}

func (s *GormStore) GetPosition(ctx context.Context, id string) (*models.Position, error) {
	var p models.Position
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "position", id)
	}
	return &p, nil
}

func (s *GormStore) ListPositions(ctx context.Context, f PositionFilter) ([]models.Position, error) {
	q := s.db.WithContext(ctx).Model(&models.Position{})
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var out []models.Position
	if err := q.Order("opened_at, id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	return out, nil
}

func (s *GormStore) CreatePosition(ctx context.Context, p *models.Position) error {
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *GormStore) UpdatePosition(ctx context.Context, p *models.Position) error {
	return s.update(ctx, p, "position", p.ID)
}

func (s *GormStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var a models.Account
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "account", id)
	}
	return &a, nil
}

func (s *GormStore) UpdateAccount(ctx context.Context, a *models.Account) error {
	return s.update(ctx, a, "account", a.ID)
}

func (s *GormStore) SeedAccount(ctx context.Context, a *models.Account) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(a)
	if res.Error != nil {
		return false, fmt.Errorf("seed account %s: %w", a.ID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	return s.db.WithContext(ctx).Create(tx).Error
}

func (s *GormStore) ListTransactions(ctx context.Context, accountID string) ([]models.Transaction, error) {
	q := s.db.WithContext(ctx).Model(&models.Transaction{})
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}
	var out []models.Transaction
	if err := q.Order("created_at, id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return out, nil
}

// SettleClose 在同一个数据库事务里写仓位、流水和账户。
func (s *GormStore) SettleClose(ctx context.Context, p *models.Position, tx *models.Transaction, a *models.Account) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if err := updateRow(db, p, "position", p.ID); err != nil {
			return err
		}
		if err := db.Create(tx).Error; err != nil {
			return fmt.Errorf("create transaction %s: %w", tx.ID, err)
		}
		return updateRow(db, a, "account", a.ID)
	})
}

func (s *GormStore) LoadQuote(ctx context.Context, symbol string) (models.Quote, bool, error) {
	var snap models.QuoteSnapshot
	err := s.db.WithContext(ctx).First(&snap, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Quote{}, false, nil
	}
	if err != nil {
		return models.Quote{}, false, fmt.Errorf("load quote %s: %w", symbol, err)
	}
	return snap.Quote(), true, nil
}

func (s *GormStore) SaveQuote(ctx context.Context, q models.Quote) error {
	snap := models.SnapshotOf(q)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		UpdateAll: true,
	}).Create(&snap).Error
}
