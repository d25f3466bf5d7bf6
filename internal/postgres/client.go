package postgres

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"storefront/models"
)

type Client struct {
	db *gorm.DB
}

type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	TimeZone string
}

func NewClient(cfg PostgresConfig) (*Client, error) {
	timeZone := cfg.TimeZone
	if timeZone == "" {
		timeZone = "UTC"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=%s",
		cfg.Host, cfg.Username, cfg.Password, cfg.Database, cfg.Port, timeZone)

	return Open(dsn)
}

// Open connects with a ready-made DSN.
func Open(dsn string) (*Client, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc:                                  func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// Set connection pool settings
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &Client{db: db}, nil
}

func (c *Client) DB() *gorm.DB {
	return c.db
}

// Migrate creates or updates every table, index and check constraint the
// store relies on.
func (c *Client) Migrate() error {
	err := c.db.AutoMigrate(
		&models.InventoryRecord{},
		&models.Order{},
		&models.OrderItem{},
		&models.LedgerEntry{},
		&models.LedgerAggregate{},
		&models.Wallet{},
		&models.WalletTransaction{},
		&models.Notification{},
		&models.Review{},
		&models.OutboxMessage{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
