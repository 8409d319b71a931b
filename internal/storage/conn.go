// Package storage owns the ClickHouse tiers: native connections, table
// DDL and the bus-fed hot writer.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ConnOptions identifies one ClickHouse endpoint and database.
type ConnOptions struct {
	Addr        string
	Database    string
	Username    string
	Password    string
	DialTimeout time.Duration
}

// Open dials a native-protocol connection and verifies it with a ping.
func Open(ctx context.Context, opts ConnOptions) (driver.Conn, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: opts.DialTimeout,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		Settings: clickhouse.Settings{
			"insert_deduplicate": 1,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse %s: %w", opts.Addr, err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse %s: %w", opts.Addr, err)
	}
	return conn, nil
}
