package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lysyi3m/webscraper/internal/api"
	"github.com/lysyi3m/webscraper/internal/bus"
	"github.com/lysyi3m/webscraper/internal/cache"
	"github.com/lysyi3m/webscraper/internal/cfg"
	"github.com/lysyi3m/webscraper/internal/filehost"
	"github.com/lysyi3m/webscraper/internal/manager"
	"github.com/lysyi3m/webscraper/internal/scraper"
	"github.com/lysyi3m/webscraper/internal/signing"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if appCfg == nil {
		// Help was shown
		return
	}

	level := slog.LevelInfo
	if appCfg.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(appCfg); err != nil {
		slog.Error("Web scraper stopped", "error", err)
		os.Exit(1)
	}
}

func run(appCfg *cfg.Cfg) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting web scraper", "version", appCfg.Version)

	identity, err := signing.LoadIdentity(appCfg.CertFile, appCfg.KeyFile, appCfg.CAFile)
	if err != nil {
		return err
	}
	slog.Info("Identity loaded", "idmg", identity.IDMG, "subject", identity.Certificate.Subject.CommonName)
	signer := signing.NewSigner(identity)

	if err := os.MkdirAll(appCfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	busClient := &http.Client{Transport: &http.Transport{
		TLSClientConfig:       identity.TLSConfig(),
		ResponseHeaderTimeout: 30 * time.Second,
	}}
	producer := bus.NewHTTPProducer(appCfg.BusURL, signer, busClient)

	session := filehost.NewSession(producer, signer, filehost.Options{
		DataDir:           appCfg.DataDir,
		CAPEM:             identity.CAPEM,
		FallbackURL:       appCfg.FilehostURL,
		TLSConfig:         identity.TLSConfig(),
		UploadConcurrency: appCfg.UploadConcurrency,
	})

	var (
		index       scraper.AttachmentIndex = scraper.NewBusIndex(producer)
		cacheHealth api.HealthInterface
	)
	if appCfg.RedisAddr != "" {
		redisCache, err := cache.NewCache(ctx, appCfg.RedisAddr, appCfg.RedisTTL)
		if err != nil {
			return err
		}
		defer redisCache.Close()
		index = scraper.NewCachedIndex(redisCache, index)
		cacheHealth = redisCache
	}

	fetcher := scraper.NewFetcher(&http.Client{Timeout: appCfg.FetchTimeout}, appCfg.UserAgent, appCfg.DataDir, appCfg.MaxFetchSize)
	factory := scraper.NewFactory(scraper.Deps{
		Producer:  producer,
		Signer:    signer,
		IDMG:      identity.IDMG,
		Uploader:  session,
		Index:     index,
		Fetcher:   fetcher,
		Semaphore: semaphore.NewWeighted(appCfg.ScrapeConcurrency),
		Throttle:  appCfg.ScrapeThrottle,
	})
	newWorker := func(params scraper.FeedParameters) (manager.Worker, error) {
		w, err := factory.New(params)
		if err != nil {
			return nil, err
		}
		return w, nil
	}

	g, ctx := errgroup.WithContext(ctx)

	var mgr *manager.Manager
	if appCfg.FeedsFile != "" {
		source := manager.NewStaticSource(appCfg.FeedsFile)
		mgr = manager.New(source, newWorker)
		g.Go(func() error { return source.Watch(ctx, mgr.Refresh) })
		slog.Info("Using static feed list", "file", appCfg.FeedsFile)
	} else {
		mgr = manager.New(manager.NewBusSource(producer, identity.PrivateKey), newWorker)
	}

	g.Go(func() error { return session.Run(ctx) })
	g.Go(func() error { return mgr.Run(ctx) })

	if appCfg.StatusPort != "" {
		handler := api.NewHandler(mgr, session, cacheHealth, appCfg.Version)
		httpServer := &http.Server{
			Addr:         ":" + appCfg.StatusPort,
			Handler:      api.NewServer(handler, appCfg.APIAccessKey),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		g.Go(func() error {
			slog.Info("Starting status server", "port", appCfg.StatusPort)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("Status server shutdown error", "error", err)
			}
			return nil
		})
	}

	slog.Info("Web scraper started")
	err = g.Wait()
	slog.Info("Web scraper shutdown complete")
	return err
}
