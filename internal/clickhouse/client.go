package clickhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"storefront/config"
)

type Client struct {
	conn     driver.Conn
	database string
}

// RevenueDelta is one row of Fact_Revenue_Delta: the signed change a ledger
// status transition makes to the daily revenue facts.
type RevenueDelta struct {
	EventID        uuid.UUID
	OrderID        uuid.UUID
	UserID         uuid.UUID
	DateKey        uint32
	FromStatus     string
	ToStatus       string
	DeltaRevenue   decimal.Decimal
	DeltaPending   decimal.Decimal
	DeltaCompleted decimal.Decimal
	DeltaCancelled decimal.Decimal
	DeltaRefunded  decimal.Decimal
	DeltaOrders    int32
	EventTime      time.Time
}

func NewClient(cfg config.ClickHouseConfig) (*Client, error) {
	opts := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		DialTimeout:  30 * time.Second,
	}

	// 8443 is the TLS native port on managed deployments.
	if cfg.Port == 8443 {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &Client{
		conn:     conn,
		database: cfg.Database,
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// EnsureSchema creates the delta fact table. ReplacingMergeTree on event_id
// collapses redelivered events.
func (c *Client) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.Fact_Revenue_Delta (
			event_id        UUID,
			order_id        UUID,
			user_id         UUID,
			date_key        UInt32,
			from_status     LowCardinality(String),
			to_status       LowCardinality(String),
			delta_revenue   Decimal(16, 2),
			delta_pending   Decimal(16, 2),
			delta_completed Decimal(16, 2),
			delta_cancelled Decimal(16, 2),
			delta_refunded  Decimal(16, 2),
			delta_orders    Int32,
			event_time      DateTime64(3, 'UTC')
		) ENGINE = ReplacingMergeTree
		ORDER BY (date_key, event_id)
	`, c.database)
	return c.conn.Exec(ctx, query)
}

// InsertRevenueDelta inserts one revenue delta into ClickHouse.
func (c *Client) InsertRevenueDelta(ctx context.Context, d RevenueDelta) error {
	query := fmt.Sprintf(`
		INSERT INTO %s.Fact_Revenue_Delta (
			event_id, order_id, user_id, date_key, from_status, to_status,
			delta_revenue, delta_pending, delta_completed, delta_cancelled, delta_refunded,
			delta_orders, event_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.database)

	return c.conn.Exec(ctx, query,
		d.EventID,
		d.OrderID,
		d.UserID,
		d.DateKey,
		d.FromStatus,
		d.ToStatus,
		d.DeltaRevenue,
		d.DeltaPending,
		d.DeltaCompleted,
		d.DeltaCancelled,
		d.DeltaRefunded,
		d.DeltaOrders,
		d.EventTime,
	)
}
