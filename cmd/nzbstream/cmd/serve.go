package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/javi11/nzbstream/internal/api"
	"github.com/javi11/nzbstream/internal/config"
	"github.com/javi11/nzbstream/internal/coordinator"
	"github.com/javi11/nzbstream/internal/database"
	"github.com/javi11/nzbstream/internal/downloader"
	"github.com/javi11/nzbstream/internal/extractcache"
	"github.com/javi11/nzbstream/internal/manifest"
	"github.com/javi11/nzbstream/internal/nntp"
	"github.com/javi11/nzbstream/internal/rarindex"
	"github.com/javi11/nzbstream/internal/streamcheck"
	"github.com/javi11/nzbstream/internal/streamer"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the streaming server",
		RunE:  runServe,
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}
	log := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(db); err != nil {
		return err
	}
	repo := database.NewRepository(db)

	poolManager := nntp.NewManager(ctx)
	if providers := cfg.NNTPProviders(); len(providers) > 0 {
		if err := poolManager.SetProviders(providers); err != nil {
			return fmt.Errorf("failed to configure NNTP providers: %w", err)
		}
	} else {
		log.Warn("No NNTP providers configured, article fetches will fail until providers are set")
	}
	defer func() { _ = poolManager.ClearPool() }()
	fetcher := nntp.NewFetcher(poolManager)

	cacheManager, err := extractcache.New(repo, repo, extractcache.Config{
		CacheDir:      cfg.Cache.Dir,
		Retention:     cfg.Cache.Retention(),
		MaxCacheSize:  cfg.Cache.MaxCacheSizeBytes(),
		SweepInterval: cfg.Cache.SweepInterval(),
	})
	if err != nil {
		return err
	}
	if err := cacheManager.Start(ctx); err != nil {
		return err
	}
	defer cacheManager.Stop()

	manifests := manifest.NewCache(time.Duration(cfg.Stream.ManifestTTLMinutes) * time.Minute)
	manifests.Start(ctx)
	defer manifests.Stop()

	assembler := rarindex.NewAssembler(fetcher, cfg.Stream.HeaderPrefixSize())
	archives := streamcheck.NewArchiveCache(time.Duration(cfg.Stream.ArchiveTTLMinutes) * time.Minute)
	checker := streamcheck.NewChecker(assembler, archives)

	dl := downloader.New(fetcher, repo, downloader.Options{
		MaxWorkers: cfg.Download.MaxWorkers,
	})
	coord := coordinator.New(repo, manifests, dl, cacheManager)
	streams := streamer.NewService(repo, manifests, checker, fetcher, cacheManager, streamer.Options{
		ReadAhead:    cfg.Stream.ReadAhead(),
		CleanupDelay: cfg.Stream.CleanupDelay(),
	})

	server := api.NewServer(api.Deps{
		Store:       repo,
		Manifests:   manifests,
		Checker:     checker,
		Streams:     streams,
		Coordinator: coord,
		Cache:       cacheManager,
		Pool:        poolManager,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(cfg.Server.Addr())
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown did not complete cleanly", "error", err)
	}
	return nil
}
