package storage

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/quantfeed/quantfeed/internal/models"
)

// Tables maps each data type to its table name. Both tiers share the same
// layout; only database and TTL differ.
var Tables = map[models.DataType]string{
	models.DataTypeTrade:           "trades",
	models.DataTypeOrderBook:       "orderbooks",
	models.DataTypeFundingRate:     "funding_rates",
	models.DataTypeOpenInterest:    "open_interest",
	models.DataTypeLiquidation:     "liquidations",
	models.DataTypeLongShortRatio:  "long_short_ratio",
	models.DataTypeVolatilityIndex: "volatility_index",
}

// TableNames returns every table name, for replication iteration.
func TableNames() []string {
	names := make([]string, 0, len(Tables))
	for _, t := range Tables {
		names = append(names, t)
	}
	return names
}

// common column prefix shared by every table. ReplacingMergeTree keyed on
// collected_at makes re-inserted rows (bus redelivery, replication re-runs)
// collapse instead of duplicating.
const tableSuffix = `
) ENGINE = ReplacingMergeTree(collected_at)
PARTITION BY (toYYYYMM(timestamp), exchange)
ORDER BY (%s)
TTL toDateTime(timestamp) + INTERVAL %d DAY
SETTINGS index_granularity = 8192`

type tableSpec struct {
	name    string
	columns string
	orderBy string
}

var tableSpecs = []tableSpec{
	{
		name: "trades",
		columns: `
    exchange      LowCardinality(String),
    market_type   LowCardinality(String),
    symbol        String CODEC(ZSTD(1)),
    trade_id      String CODEC(ZSTD(1)),
    price         String CODEC(ZSTD(1)),
    quantity      String CODEC(ZSTD(1)),
    side          LowCardinality(String),
    is_maker      Nullable(Bool),
    timestamp     DateTime64(3, 'UTC') CODEC(Delta, ZSTD(1)),
    collected_at  DateTime64(3, 'UTC') CODEC(Delta, ZSTD(1))`,
		orderBy: "exchange, symbol, timestamp, trade_id",
	},
	{
		name: "orderbooks",
		columns: `
    exchange        LowCardinality(String),
    market_type     LowCardinality(String),
    symbol          String CODEC(ZSTD(1)),
    last_update_id  Int64 CODEC(Delta, ZSTD(1)),
    best_bid        String CODEC(ZSTD(1)),
    best_ask        String CODEC(ZSTD(1)),
    bids            String CODEC(ZSTD(3)),
    asks            String CODEC(ZSTD(3)),
    timestamp       DateTime64(3, 'UTC') CODEC(Delta, ZSTD(1)),
    collected_at    DateTime64(3, 'UTC') CODEC(Delta, ZSTD(1))`,
		orderBy: "exchange, symbol, timestamp, last_update_id",
	},
	{
		name: "funding_rates",
		columns: `
    exchange           LowCardinality(String),
    market_type        LowCardinality(String),
    symbol             String CODEC(ZSTD(1)),
    rate               String CODEC(ZSTD(1)),
    funding_time       DateTime64(3, 'UTC') CODEC(Delta, ZSTD(1)),
    next_funding_time  Nullable(DateTime64(3, 'UTC')) CODEC(Delta, ZSTD(1)),
    timestamp          DateTime64(3, 'UTC') CODEC(Delta, ZSTD(1)),
    collected_at       DateTime64(3, 'UTC') CODEC(Delta, ZSTD(1))`,
		orderBy: "exchange, symbol, timestamp",
	},
	{
		name: "open_interest",
		columns: `
    exchange      LowCardinality(String),
    market_type   LowCardinality(String),
    symbol        String CODEC(ZSTD(1)),
    contracts     String CODEC(ZSTD(1)),
    notional_usd  String CODEC(ZSTD(1)),
    timestamp     DateTime64(3, 'UTC') CODEC(Delta, ZSTD(1)),
    collected_at  DateTime64(3, 'UTC') CODEC(Delta, ZSTD(1))`,
		orderBy: "exchange, symbol, timestamp",
	},
	{
		name: "liquidations",
		columns: `
    exchange        LowCardinality(String),
    market_type     LowCardinality(String),
    symbol          String CODEC(ZSTD(1)),
    side            LowCardinality(String),
    price           String CODEC(ZSTD(1)),
    quantity        String CODEC(ZSTD(1)),
    liquidation_id  String CODEC(ZSTD(1)),
    timestamp       DateTime64(3, 'UTC') CODEC(Delta, ZSTD(1)),
    collected_at    DateTime64(3, 'UTC') CODEC(Delta, ZSTD(1))`,
		orderBy: "exchange, symbol, timestamp",
	},
	{
		name: "long_short_ratio",
		columns: `
    exchange      LowCardinality(String),
    market_type   LowCardinality(String),
    symbol        String CODEC(ZSTD(1)),
    variant       LowCardinality(String),
    ratio         String CODEC(ZSTD(1)),
    period        LowCardinality(String),
    timestamp     DateTime64(3, 'UTC') CODEC(Delta, ZSTD(1)),
    collected_at  DateTime64(3, 'UTC') CODEC(Delta, ZSTD(1))`,
		orderBy: "exchange, symbol, variant, timestamp",
	},
	{
		name: "volatility_index",
		columns: `
    exchange      LowCardinality(String),
    currency      LowCardinality(String),
    value         String CODEC(ZSTD(1)),
    resolution    LowCardinality(String),
    timestamp     DateTime64(3, 'UTC') CODEC(Delta, ZSTD(1)),
    collected_at  DateTime64(3, 'UTC') CODEC(Delta, ZSTD(1))`,
		orderBy: "exchange, currency, timestamp",
	},
}

// DDL renders the CREATE statements for one tier.
func DDL(database string, ttlDays int) []string {
	stmts := make([]string, 0, len(tableSpecs)+1)
	stmts = append(stmts, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database))
	for _, spec := range tableSpecs {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s.%s (%s"+tableSuffix,
			database, spec.name, spec.columns, spec.orderBy, ttlDays))
	}
	return stmts
}

// EnsureSchema creates the database and tables of one tier if missing.
func EnsureSchema(ctx context.Context, conn driver.Conn, database string, ttlDays int) error {
	for _, stmt := range DDL(database, ttlDays) {
		if err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema to %s: %w", database, err)
		}
	}
	return nil
}
