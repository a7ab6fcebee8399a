package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/gatekeeper/pkg/api"
	"github.com/ethpandaops/gatekeeper/pkg/auth"
	"github.com/ethpandaops/gatekeeper/pkg/cluster"
	"github.com/ethpandaops/gatekeeper/pkg/credstore"
	"github.com/ethpandaops/gatekeeper/pkg/storage"
	"github.com/ethpandaops/gatekeeper/pkg/sweeper"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the gatekeeper API server. Storage is opened, config users and
roles are seeded, then the cluster registry, the session sweeper and the
HTTP server start. SIGINT or SIGTERM shuts everything down.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st, err := storage.NewStorage(log, &cfg.Storage)
	if err != nil {
		return fmt.Errorf("creating storage: %w", err)
	}

	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting storage: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop storage")
		}
	}()

	store := credstore.NewStore(log, st)
	hasher := auth.NewBcryptHasher()

	// Roles first so seeded users never reference a missing role.
	if err := store.SeedRoles(ctx, cfg.Auth.Roles); err != nil {
		return fmt.Errorf("seeding roles: %w", err)
	}

	if err := store.SeedUsers(ctx, cfg.Auth.Users, hasher); err != nil {
		return fmt.Errorf("seeding users: %w", err)
	}

	registry := cluster.NewRegistry(log, &cfg.Cluster, st)
	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("starting cluster registry: %w", err)
	}

	defer func() {
		if err := registry.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop cluster registry")
		}
	}()

	sw := sweeper.NewSweeper(log, store, cfg.Auth.SweepIntervalDuration())
	if err := sw.Start(ctx); err != nil {
		return fmt.Errorf("starting session sweeper: %w", err)
	}

	defer func() {
		if err := sw.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop session sweeper")
		}
	}()

	srv := api.NewServer(log, cfg, api.Deps{
		Storage:  st,
		Store:    store,
		Cluster:  registry,
		Registry: cfg.Auth.Registry(),
		Hasher:   hasher,
	})

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
