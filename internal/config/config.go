// Package config loads and validates the pipeline's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the quantfeed pipeline.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Venues     map[string]Venue `yaml:"venues"`
	OrderBook  OrderBook        `yaml:"orderbook"`
	Poller     Poller           `yaml:"poller"`
	Supervisor Supervisor       `yaml:"supervisor"`
	Publisher  Publisher        `yaml:"publisher"`
	Bus        Bus              `yaml:"bus"`
	Storage    Storage          `yaml:"storage"`
	Replicator Replicator       `yaml:"replicator"`
	Health     Health           `yaml:"health"`
}

// Venue configures one exchange connection set.
type Venue struct {
	Enabled    bool     `yaml:"enabled"`
	WSURL      string   `yaml:"ws_url"`
	RESTURL    string   `yaml:"rest_url"`
	MarketType string   `yaml:"market_type"`
	Symbols    []string `yaml:"symbols"`
	DataTypes  []string `yaml:"data_types"`

	// Weight budget for the venue's REST token bucket.
	WeightPerMinute int `yaml:"weight_per_minute"`
	WeightBurst     int `yaml:"weight_burst"`
}

// OrderBook configures the per-symbol book managers.
type OrderBook struct {
	SnapshotInterval   time.Duration `yaml:"snapshot_interval"`
	PublishDepth       int           `yaml:"publish_depth"`
	CollectDepth       int           `yaml:"collect_depth"`
	InboxSize          int           `yaml:"inbox_size"`
	ChecksumFailLimit  int           `yaml:"checksum_fail_limit"`
	MaxResyncsDegraded int           `yaml:"max_resyncs_degraded"`
	ResyncBackoffCap   time.Duration `yaml:"resync_backoff_cap"`
	InactiveEviction   time.Duration `yaml:"inactive_eviction"`
	MaxLiveSymbols     int           `yaml:"max_live_symbols"`
}

// Poller configures the weight-budgeted REST poll scheduler.
type Poller struct {
	FundingInterval  time.Duration `yaml:"funding_interval"`
	OIInterval       time.Duration `yaml:"oi_interval"`
	LSRInterval      time.Duration `yaml:"lsr_interval"`
	VolIndexInterval time.Duration `yaml:"vol_index_interval"`
	LSRPeriod        string        `yaml:"lsr_period"`
	MaxRetries       int           `yaml:"max_retries"`
}

// Supervisor configures connection lifecycle management.
type Supervisor struct {
	ReconnectInitial  time.Duration `yaml:"reconnect_initial"`
	ReconnectCap      time.Duration `yaml:"reconnect_cap"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	HealthInterval    time.Duration `yaml:"health_interval"`
	RotationAfter     time.Duration `yaml:"rotation_after"`
	RotationOverlap   time.Duration `yaml:"rotation_overlap"`
	RotationDedupSize int           `yaml:"rotation_dedup_size"`
}

// Publisher configures batching and dedup for the bus publisher.
type Publisher struct {
	BatchSize    int           `yaml:"batch_size"`
	BatchLinger  time.Duration `yaml:"batch_linger"`
	QueueSize    int           `yaml:"queue_size"`
	DedupTTL     time.Duration `yaml:"dedup_ttl"`
	DedupMaxSize int           `yaml:"dedup_max_size"`
	AckTimeout   time.Duration `yaml:"ack_timeout"`
}

// Bus configures the JetStream connection and stream provisioning.
type Bus struct {
	URL             string        `yaml:"url"`
	StreamName      string        `yaml:"stream_name"`
	MaxMsgs         int64         `yaml:"max_msgs"`
	MaxBytes        int64         `yaml:"max_bytes"`
	MaxAge          time.Duration `yaml:"max_age"`
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
}

// Storage configures the ClickHouse hot tier and the hot writer.
type Storage struct {
	HotAddr     string        `yaml:"hot_addr"`
	HotDatabase string        `yaml:"hot_database"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ErrorLog    string        `yaml:"error_log"`
}

// Replicator configures the hot→cold window replicator.
type Replicator struct {
	ColdAddr      string        `yaml:"cold_addr"`
	ColdDatabase  string        `yaml:"cold_database"`
	HotRemoteAddr string        `yaml:"hot_remote_addr"`
	Interval      time.Duration `yaml:"interval"`
	BatchWindow   time.Duration `yaml:"batch_window"`
	SafetyMargin  time.Duration `yaml:"safety_margin"`
	ColdRetention time.Duration `yaml:"cold_retention"`
	WatermarkPath string        `yaml:"watermark_path"`
	Cleanup       bool          `yaml:"cleanup"`
	CleanupGrace  time.Duration `yaml:"cleanup_grace"`
	Tables        []string      `yaml:"tables"`
}

// Health configures the health/stats HTTP server.
type Health struct {
	Addr string `yaml:"addr"`
}

// Load reads the YAML file at path, applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with all tunables at their documented defaults.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		OrderBook: OrderBook{
			SnapshotInterval:   time.Second,
			PublishDepth:       20,
			CollectDepth:       50,
			InboxSize:          1000,
			ChecksumFailLimit:  3,
			MaxResyncsDegraded: 5,
			ResyncBackoffCap:   60 * time.Second,
			InactiveEviction:   time.Hour,
			MaxLiveSymbols:     1000,
		},
		Poller: Poller{
			FundingInterval:  time.Minute,
			OIInterval:       time.Minute,
			LSRInterval:      5 * time.Minute,
			VolIndexInterval: time.Minute,
			LSRPeriod:        "5m",
			MaxRetries:       3,
		},
		Supervisor: Supervisor{
			ReconnectInitial:  time.Second,
			ReconnectCap:      300 * time.Second,
			ConnectTimeout:    30 * time.Second,
			HealthInterval:    30 * time.Second,
			RotationAfter:     23*time.Hour + 55*time.Minute,
			RotationOverlap:   5 * time.Minute,
			RotationDedupSize: 1000,
		},
		Publisher: Publisher{
			BatchSize:    100,
			BatchLinger:  5 * time.Second,
			QueueSize:    10000,
			DedupTTL:     2 * time.Minute,
			DedupMaxSize: 100000,
			AckTimeout:   5 * time.Second,
		},
		Bus: Bus{
			URL:             "nats://127.0.0.1:4222",
			StreamName:      "MARKET_DATA",
			MaxMsgs:         5_000_000,
			MaxBytes:        2 << 30,
			MaxAge:          48 * time.Hour,
			DuplicateWindow: 2 * time.Minute,
		},
		Storage: Storage{
			HotAddr:     "127.0.0.1:9000",
			HotDatabase: "market_hot",
			DialTimeout: 10 * time.Second,
			ErrorLog:    "data/hotwriter_errors.ndjson",
		},
		Replicator: Replicator{
			ColdDatabase:  "market_cold",
			Interval:      6 * time.Hour,
			BatchWindow:   24 * time.Hour,
			SafetyMargin:  time.Hour,
			ColdRetention: 365 * 24 * time.Hour,
			WatermarkPath: "data/replication_watermarks.json",
			CleanupGrace:  48 * time.Hour,
		},
		Health: Health{Addr: ":8090"},
	}
}

// Validate checks cross-field constraints that YAML decoding cannot express.
func (c *Config) Validate() error {
	if c.OrderBook.PublishDepth <= 0 {
		return fmt.Errorf("orderbook.publish_depth must be positive")
	}
	if c.OrderBook.CollectDepth < c.OrderBook.PublishDepth {
		return fmt.Errorf("orderbook.collect_depth (%d) must be >= publish_depth (%d)",
			c.OrderBook.CollectDepth, c.OrderBook.PublishDepth)
	}
	if c.Publisher.BatchSize <= 0 {
		return fmt.Errorf("publisher.batch_size must be positive")
	}
	if c.Replicator.BatchWindow <= 0 {
		return fmt.Errorf("replicator.batch_window must be positive")
	}
	if c.Supervisor.RotationOverlap <= 0 {
		return fmt.Errorf("supervisor.rotation_overlap must be positive")
	}
	for name, v := range c.Venues {
		if !v.Enabled {
			continue
		}
		if v.WSURL == "" && v.RESTURL == "" {
			return fmt.Errorf("venue %s: at least one of ws_url or rest_url is required", name)
		}
		if len(v.Symbols) == 0 && name != "deribit" {
			return fmt.Errorf("venue %s: symbol list is empty", name)
		}
	}
	return nil
}
