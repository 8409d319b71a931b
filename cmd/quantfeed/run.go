package main

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantfeed/quantfeed/internal/health"
)

func runCollect(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	if err := a.connectBus(); err != nil {
		return err
	}
	defer a.bus.Close()

	stack, err := a.buildCollect()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	var wg sync.WaitGroup
	stack.start(ctx, &wg)

	hs := health.NewServer(a.cfg.Health.Addr, a.reg, health.Options{
		Books:           stack.books,
		QueueDepth:      stack.pub.QueueDepth,
		DegradedAlertAt: degradedAlertThreshold,
	})
	hs.AddCheck("bus", a.busCheck())
	startHealth(ctx, &wg, hs)

	log.Info().Msg("Collector running")
	<-ctx.Done()
	log.Info().Msg("Signal received, draining")
	awaitShutdown(&wg)
	return nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	if err := a.connectBus(); err != nil {
		return err
	}
	defer a.bus.Close()

	ctx, cancel := signalContext()
	defer cancel()

	writer, err := a.buildWriter(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	hs := health.NewServer(a.cfg.Health.Addr, a.reg, health.Options{})
	hs.AddCheck("bus", a.busCheck())
	startHealth(ctx, &wg, hs)

	log.Info().Msg("Hot writer running")
	err = writer.Start(ctx, a.bus)
	awaitShutdown(&wg)
	return err
}

func runReplicate(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	rep, err := a.buildReplicator(ctx)
	if err != nil {
		return err
	}

	if once, _ := cmd.Flags().GetBool("once"); once {
		rep.RunOnce(ctx)
		return nil
	}

	var wg sync.WaitGroup
	hs := health.NewServer(a.cfg.Health.Addr, a.reg, health.Options{
		WatermarkStallAt: 2 * a.cfg.Replicator.Interval,
	})
	startHealth(ctx, &wg, hs)

	log.Info().Msg("Replicator running")
	rep.Run(ctx)
	awaitShutdown(&wg)
	return nil
}

// runAll hosts collectors, hot writer and replicator in one process with a
// single monitoring surface. Meant for small deployments and local runs.
func runAll(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	if err := a.connectBus(); err != nil {
		return err
	}
	defer a.bus.Close()

	ctx, cancel := signalContext()
	defer cancel()

	stack, err := a.buildCollect()
	if err != nil {
		return err
	}
	writer, err := a.buildWriter(ctx)
	if err != nil {
		return err
	}
	rep, err := a.buildReplicator(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	stack.start(ctx, &wg)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := writer.Start(ctx, a.bus); err != nil {
			log.Error().Err(err).Msg("Hot writer stopped")
		}
	}()
	go func() {
		defer wg.Done()
		rep.Run(ctx)
	}()

	hs := health.NewServer(a.cfg.Health.Addr, a.reg, health.Options{
		Books:            stack.books,
		QueueDepth:       stack.pub.QueueDepth,
		DegradedAlertAt:  degradedAlertThreshold,
		WatermarkStallAt: 2 * a.cfg.Replicator.Interval,
	})
	hs.AddCheck("bus", a.busCheck())
	startHealth(ctx, &wg, hs)

	log.Info().Msg("Full pipeline running")
	<-ctx.Done()
	log.Info().Msg("Signal received, draining")
	awaitShutdown(&wg)
	return nil
}

func (a *app) busCheck() health.Check {
	return func() string {
		if a.bus == nil || !a.bus.Healthy() {
			return "bus connection down"
		}
		return ""
	}
}

func startHealth(ctx context.Context, wg *sync.WaitGroup, hs *health.Server) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hs.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Health server stopped")
		}
	}()
}
