package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantfeed/quantfeed/internal/bus"
	"github.com/quantfeed/quantfeed/internal/config"
	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/exchange/binance"
	"github.com/quantfeed/quantfeed/internal/exchange/deribit"
	"github.com/quantfeed/quantfeed/internal/exchange/okx"
	"github.com/quantfeed/quantfeed/internal/metrics"
	"github.com/quantfeed/quantfeed/internal/models"
	"github.com/quantfeed/quantfeed/internal/normalize"
	"github.com/quantfeed/quantfeed/internal/orderbook"
	"github.com/quantfeed/quantfeed/internal/poller"
	"github.com/quantfeed/quantfeed/internal/publish"
	"github.com/quantfeed/quantfeed/internal/replicate"
	"github.com/quantfeed/quantfeed/internal/storage"
	"github.com/quantfeed/quantfeed/internal/supervisor"
)

const (
	// shutdownGrace bounds how long in-flight flushes may run after SIGTERM.
	shutdownGrace = 10 * time.Second

	hotTTLDays = 3

	// degradedAlertThreshold flips /health when this many symbols are
	// degraded at once.
	degradedAlertThreshold = 5
)

// app bundles what every subcommand needs.
type app struct {
	cfg *config.Config
	reg *metrics.Registry
	bus *bus.Bus
}

// loadApp reads configuration and prepares logging and metrics.
func loadApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	override, _ := cmd.Flags().GetString("log-level")
	setupLogging(cfg.LogLevel, override)

	return &app{cfg: cfg, reg: metrics.NewRegistry()}, nil
}

func (a *app) connectBus() error {
	b, err := bus.Connect(bus.Config{
		URL:             a.cfg.Bus.URL,
		StreamName:      a.cfg.Bus.StreamName,
		Subjects:        publish.AllSubjectFilters(),
		MaxMsgs:         a.cfg.Bus.MaxMsgs,
		MaxBytes:        a.cfg.Bus.MaxBytes,
		MaxAge:          a.cfg.Bus.MaxAge,
		DuplicateWindow: a.cfg.Bus.DuplicateWindow,
		AckTimeout:      a.cfg.Publisher.AckTimeout,
	})
	if err != nil {
		return err
	}
	a.bus = b
	return nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// awaitShutdown waits for the workers to finish, bounded by the grace
// period.
func awaitShutdown(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("Shutdown complete")
	case <-time.After(shutdownGrace):
		log.Warn().Dur("grace", shutdownGrace).Msg("Shutdown grace period elapsed, exiting")
	}
}

// collectStack is everything the collect path wires up.
type collectStack struct {
	pub   *publish.Publisher
	books *orderbook.Registry
	sup   *supervisor.Supervisor
	pol   *poller.Poller
}

// buildCollect assembles the venue collectors over the connected bus.
func (a *app) buildCollect() (*collectStack, error) {
	pub := publish.New(a.bus, publish.Config{
		BatchSize:    a.cfg.Publisher.BatchSize,
		BatchLinger:  a.cfg.Publisher.BatchLinger,
		QueueSize:    a.cfg.Publisher.QueueSize,
		DedupTTL:     a.cfg.Publisher.DedupTTL,
		DedupMaxSize: a.cfg.Publisher.DedupMaxSize,
	}, a.reg)

	books := orderbook.NewRegistry(a.cfg.OrderBook.MaxLiveSymbols, a.cfg.OrderBook.InactiveEviction, a.reg)
	bookCfg := orderbook.Config{
		SnapshotInterval:   a.cfg.OrderBook.SnapshotInterval,
		PublishDepth:       a.cfg.OrderBook.PublishDepth,
		CollectDepth:       a.cfg.OrderBook.CollectDepth,
		InboxSize:          a.cfg.OrderBook.InboxSize,
		ChecksumFailLimit:  a.cfg.OrderBook.ChecksumFailLimit,
		MaxResyncsDegraded: a.cfg.OrderBook.MaxResyncsDegraded,
		ResyncBackoffCap:   a.cfg.OrderBook.ResyncBackoffCap,
	}

	sup := supervisor.New(a.cfg.Supervisor, bookCfg, normalize.New(), pub, books, a.reg)
	pol := poller.New(a.cfg.Poller, sup.IngestPolled, a.reg)

	registered := 0
	for name, vc := range a.cfg.Venues {
		if !vc.Enabled {
			continue
		}
		adapter, desc, family, err := buildVenue(name, vc)
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", name, err)
		}
		sup.AddVenue(adapter, desc, family)
		pol.AddVenue(adapter)
		registered++
		log.Info().
			Str("venue", name).
			Str("exchange", desc.Exchange).
			Str("market", string(desc.MarketType)).
			Int("symbols", len(desc.Symbols)).
			Msg("Venue registered")
	}
	if registered == 0 {
		return nil, fmt.Errorf("no venues enabled")
	}

	return &collectStack{pub: pub, books: books, sup: sup, pol: pol}, nil
}

func (c *collectStack) start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(3)
	go func() {
		defer wg.Done()
		c.pub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		c.sup.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		c.pol.Run(ctx)
	}()
}

// buildVenue maps one config entry (binance_spot, binance_futures, okx,
// deribit) to its adapter, descriptor and book family.
func buildVenue(name string, vc config.Venue) (exchange.Adapter, exchange.Descriptor, orderbook.Family, error) {
	exchangeID := strings.SplitN(name, "_", 2)[0]

	market := models.MarketPerpetual
	if vc.MarketType == string(models.MarketSpot) {
		market = models.MarketSpot
	}

	dataTypes := make([]models.DataType, 0, len(vc.DataTypes))
	for _, dt := range vc.DataTypes {
		dataTypes = append(dataTypes, models.DataType(dt))
	}

	desc := exchange.Descriptor{
		Exchange:   exchangeID,
		MarketType: market,
		WSURL:      vc.WSURL,
		RESTURL:    vc.RESTURL,
		Symbols:    vc.Symbols,
		DataTypes:  dataTypes,
		Budget:     exchange.NewRateBudget(exchangeID, vc.WeightPerMinute, vc.WeightBurst),
	}

	switch exchangeID {
	case "binance":
		return binance.New(desc), desc, orderbook.FamilyBinance, nil
	case "okx":
		return okx.New(desc), desc, orderbook.FamilyOKX, nil
	case "deribit":
		return deribit.New(desc), desc, orderbook.FamilyBinance, nil
	default:
		return nil, exchange.Descriptor{}, 0, fmt.Errorf("unknown exchange %q", exchangeID)
	}
}

// buildWriter opens the hot tier and returns a started-on-demand writer.
func (a *app) buildWriter(ctx context.Context) (*storage.HotWriter, error) {
	conn, err := storage.Open(ctx, storage.ConnOptions{
		Addr:        a.cfg.Storage.HotAddr,
		Database:    a.cfg.Storage.HotDatabase,
		Username:    a.cfg.Storage.Username,
		Password:    a.cfg.Storage.Password,
		DialTimeout: a.cfg.Storage.DialTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := storage.EnsureSchema(ctx, conn, a.cfg.Storage.HotDatabase, hotTTLDays); err != nil {
		return nil, err
	}
	return storage.NewHotWriter(conn, a.cfg.Storage.HotDatabase, a.cfg.Storage.ErrorLog, a.reg), nil
}

// buildReplicator opens the cold tier (and hot, when cleanup is enabled)
// and returns a ready replicator.
func (a *app) buildReplicator(ctx context.Context) (*replicate.Replicator, error) {
	rc := a.cfg.Replicator
	cold, err := storage.Open(ctx, storage.ConnOptions{
		Addr:        rc.ColdAddr,
		Database:    rc.ColdDatabase,
		Username:    a.cfg.Storage.Username,
		Password:    a.cfg.Storage.Password,
		DialTimeout: a.cfg.Storage.DialTimeout,
	})
	if err != nil {
		return nil, err
	}

	coldTTLDays := int(rc.ColdRetention.Hours() / 24)
	if coldTTLDays <= 0 {
		coldTTLDays = 365
	}
	if err := storage.EnsureSchema(ctx, cold, rc.ColdDatabase, coldTTLDays); err != nil {
		return nil, err
	}

	marks, err := replicate.OpenWatermarks(rc.WatermarkPath)
	if err != nil {
		return nil, err
	}

	tables := rc.Tables
	if len(tables) == 0 {
		tables = storage.TableNames()
	}

	if rc.Cleanup {
		hotCH, err := storage.Open(ctx, storage.ConnOptions{
			Addr:        a.cfg.Storage.HotAddr,
			Database:    a.cfg.Storage.HotDatabase,
			Username:    a.cfg.Storage.Username,
			Password:    a.cfg.Storage.Password,
			DialTimeout: a.cfg.Storage.DialTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open hot tier for cleanup: %w", err)
		}
		return replicate.New(rc, a.cfg.Storage, cold, hotCH, marks, tables, a.reg), nil
	}
	return replicate.New(rc, a.cfg.Storage, cold, nil, marks, tables, a.reg), nil
}
