// Package analytics streams marketplace events into ClickHouse for offline
// reporting. The sink is advisory: Postgres remains the system of record for
// billing, so a sink failure is logged and surfaced but never rolls back a
// debit.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/brokeratlas/marketplace/internal/models"
)

// ErrUnavailable is returned when the analytics DB is not configured.
var ErrUnavailable = fmt.Errorf("analytics unavailable")

// Sink receives marketplace events. Implementations must tolerate partial
// event context; only campaign, broker and placement are always present.
type Sink interface {
	RecordImpression(ctx context.Context, ev models.ImpressionEvent) error
	RecordClick(ctx context.Context, ev models.ClickEvent) error
}

// Analytics wraps a ClickHouse connection.
type Analytics struct {
	DB *sql.DB
}

var _ Sink = (*Analytics)(nil)

// InitClickHouse connects to ClickHouse and ensures the events table exists.
func InitClickHouse(dsn string, maxOpenConns int) (*Analytics, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if maxOpenConns <= 0 {
		maxOpenConns = 25
	}
	db.SetMaxOpenConns(maxOpenConns)
	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	create := `CREATE TABLE IF NOT EXISTS events (
       timestamp    DateTime,
       event_type   String,
       campaign_id  Int32,
       broker_slug  String,
       rate_cents   Int64,
       billed       UInt8,
       page         Nullable(String),
       placement    Nullable(String),
       device_type  Nullable(String),
       country      Nullable(String),
       session_id   Nullable(String)
   ) ENGINE=MergeTree() ORDER BY (event_type, timestamp)`
	if _, err := db.ExecContext(context.Background(), create); err != nil {
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}

	zap.L().Info("Connected to ClickHouse")
	return &Analytics{DB: db}, nil
}

const insertStmt = `INSERT INTO events (timestamp, event_type, campaign_id, broker_slug, rate_cents, billed, page, placement, device_type, country, session_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// RecordImpression inserts one impression row.
func (a *Analytics) RecordImpression(ctx context.Context, ev models.ImpressionEvent) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := a.DB.ExecContext(ctx, insertStmt,
		ts, "impression", int32(ev.CampaignID), ev.BrokerSlug, int64(0), uint8(0),
		nullable(ev.Page), nullable(ev.Placement), nullable(ev.DeviceType), nullable(ev.Country), sql.NullString{})
	if err != nil {
		zap.L().Error("clickhouse insert failed", zap.Error(err), zap.String("event_type", "impression"))
		return fmt.Errorf("insert impression event: %w", err)
	}
	return nil
}

// RecordClick inserts one click row, billed or not.
func (a *Analytics) RecordClick(ctx context.Context, ev models.ClickEvent) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	ts := ev.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	var billed uint8
	if ev.Billed {
		billed = 1
	}
	_, err := a.DB.ExecContext(ctx, insertStmt,
		ts, "click", int32(ev.CampaignID), ev.BrokerSlug, ev.RateCents, billed,
		nullable(ev.Page), nullable(ev.Placement), nullable(ev.DeviceType), nullable(ev.Country), nullable(ev.SessionID))
	if err != nil {
		zap.L().Error("clickhouse insert failed", zap.Error(err), zap.String("event_type", "click"))
		return fmt.Errorf("insert click event: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (a *Analytics) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
