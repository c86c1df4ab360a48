// Package main provides the entry point for winsyncd, the Windows Sync
// replication agreement engine. It loads the agreements file, starts one
// Driver per agreement, and serves the read-only status server until a
// shutdown signal arrives.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/winsync-agreement/internal/options"
	"github.com/netresearch/winsync-agreement/internal/retry"
	"github.com/netresearch/winsync-agreement/internal/status"
	"github.com/netresearch/winsync-agreement/internal/version"
	"github.com/netresearch/winsync-agreement/internal/winsync"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().Msgf("winsyncd %s starting...", version.FormatVersion())

	opts, err := options.Parse()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse configuration")
	}
	log.Logger = log.Logger.Level(opts.LogLevel)

	agreements, err := options.LoadAgreements(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load agreements")
	}
	if len(agreements) == 0 {
		log.Fatal().Str("path", opts.AgreementsPath).Msg("agreements file declares no agreements")
	}

	drivers := make([]*winsync.Driver, 0, len(agreements))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, agmt := range agreements {
		d := buildDriver(agmt)
		drivers = append(drivers, d)

		go d.Run(ctx)

		log.Info().Str("agreement", agmt.Name).Str("endpoint", agmt.Endpoint).Msg("agreement driver started")
	}

	statusSrv := status.NewServer(drivers, log.Logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	serverErr := make(chan error, 1)

	go func() {
		// Binding the status listener can race a just-restarted process
		// still holding the port; a short retry smooths that over without
		// touching the Driver's own spec-mandated backoff state machine.
		err := retry.DoWithConfig(ctx, retry.Config{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
		}, func() error {
			return statusSrv.Listen(opts.StatusAddr)
		})
		if err != nil {
			serverErr <- err
		}
	}()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serverErr:
		log.Error().Err(err).Msg("status server error")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	for _, d := range drivers {
		d.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := statusSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error shutting down status server")
	}

	log.Info().Msg("graceful shutdown complete")
}

// buildDriver wires one agreement's Connection, Mapper, and Driver
// together. The replica-coordination and changelog collaborators are the
// local storage engine's responsibility (out of scope per spec.md); the
// in-memory stand-ins here let the engine run end to end against whatever
// LocalDirectory is configured, and are the seam a real deployment
// replaces with its directory backend.
func buildDriver(agmt *winsync.Agreement) *winsync.Driver {
	l := log.Logger.With().Str("agreement", agmt.Name).Logger()

	conn := winsync.NewConnection(agmt, l)
	local := winsync.NewMemoryDirectory(nil)
	mapper := winsync.NewMapper(agmt, local)

	ruv := newInMemoryRUV()
	coord := newSoloCoordinator()

	iters := func(_ context.Context, _ winsync.ReplicaUpdateVector) (winsync.ChangelogIterator, error) {
		return newDrainedIterator(), nil
	}

	return winsync.NewDriver(agmt, conn, mapper, local, ruv, coord, iters, l)
}
