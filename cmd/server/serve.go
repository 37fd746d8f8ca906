package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"invoicewatch/internal/api"
	"invoicewatch/internal/config"
	"invoicewatch/internal/logging"
	"invoicewatch/internal/payments"
	"invoicewatch/internal/rates"
	"invoicewatch/internal/reports"
	"invoicewatch/internal/store"
	"invoicewatch/internal/tracker"
)

const cleanupInterval = time.Hour

func serveCmd(configPath *string) *cobra.Command {
	var (
		addr        string
		dbPath      string
		devMode     bool
		corsOrigins []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the invoice tracker and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Addr = addr
			}
			if flags.Changed("db") {
				cfg.DBPath = dbPath
			}
			if flags.Changed("dev") {
				cfg.Dev = devMode
			}
			if flags.Changed("cors-origins") {
				cfg.CORSOrigins = corsOrigins
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&dbPath, "db", "invoicewatch.db", "SQLite outcome journal path")
	cmd.Flags().BoolVar(&devMode, "dev", false, "Development mode: disables CORS restrictions and rate limiting")
	cmd.Flags().StringSliceVar(&corsOrigins, "cors-origins", nil, "Comma-separated list of allowed CORS origins")

	return cmd
}

func newLedger(ctx context.Context, cfg config.AlbyConfig) (payments.Ledger, *payments.AlbyHTTPClient, error) {
	if cfg.Token == "" {
		logging.Internal.Println("using mock ledger (set ALBY_TOKEN for real payments)")
		return payments.NewMockLedger(false), nil, nil
	}

	client, err := payments.NewAlbyHTTPClient(ctx, payments.AlbyConfig{
		AccessToken:   cfg.Token,
		WebhookSecret: cfg.WebhookSecret,
		BaseURL:       cfg.BaseURL,
		Timeout:       cfg.Timeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to Alby wallet: %w", err)
	}
	if cfg.WebhookSecret == "" {
		logging.Internal.Println("connected to Alby; ALBY_WEBHOOK_SECRET not set, relying on polling only")
	} else {
		logging.Internal.Println("connected to Alby with webhook push updates")
	}
	return client, client, nil
}

func newConverter(ctx context.Context, cfg config.RatesConfig) (*rates.CachedConverter, func(), error) {
	var cache rates.Cache
	closeCache := func() {}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
		}
		cache = rates.NewRedisCache(rdb, "")
		closeCache = func() { rdb.Close() }
		logging.Internal.Printf("rate cache: redis (%s)", cfg.RedisAddr)
	} else {
		cache = rates.NewMemoryCache()
		logging.Internal.Println("rate cache: in-memory")
	}

	conv, err := rates.NewCachedConverter(rates.ConverterConfig{
		Primary:  rates.NewAlbyProvider(cfg.AlbyURL, cfg.Timeout),
		Fallback: rates.NewCoinGeckoProvider(cfg.CoinGeckoURL, cfg.Timeout),
		Cache:    cache,
		TTL:      cfg.TTL,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		closeCache()
		return nil, nil, err
	}
	return conv, closeCache, nil
}

func newReportStorage(cfg config.ReportsConfig) (reports.Storage, error) {
	if cfg.B2.Bucket != "" {
		st, err := reports.NewB2Storage(reports.B2Config{
			KeyID:     cfg.B2.KeyID,
			AppKey:    cfg.B2.AppKey,
			Bucket:    cfg.B2.Bucket,
			Prefix:    cfg.B2.Prefix,
			PublicURL: cfg.B2.PublicURL,
			Endpoint:  cfg.B2.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize B2 report storage: %w", err)
		}
		logging.Internal.Printf("review reports go to Backblaze B2 (bucket: %s)", cfg.B2.Bucket)
		return st, nil
	}

	st, err := reports.NewFSStorage(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("initialize report directory: %w", err)
	}
	logging.Internal.Printf("review reports go to %s", cfg.Dir)
	return st, nil
}

func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	journal, err := store.NewSQLiteJournal(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	ledger, albyClient, err := newLedger(ctx, cfg.Alby)
	if err != nil {
		return err
	}
	defer ledger.Close()

	converter, closeCache, err := newConverter(ctx, cfg.Rates)
	if err != nil {
		return err
	}
	defer closeCache()

	tr, err := tracker.New(tracker.Deps{
		Ledger:    ledger,
		Converter: converter,
		Journal:   journal,
	}, cfg.TrackerConfig())
	if err != nil {
		return err
	}

	// Zero disables the per-IP cap.
	var pendingLimiter *api.PendingInvoiceLimiter
	if cfg.MaxPendingPerIP > 0 {
		pendingLimiter = api.NewPendingInvoiceLimiter(cfg.MaxPendingPerIP)
		tr.SetResolutionCallback(pendingLimiter.OnResolved)
	}

	tr.Start(ctx)

	reportStorage, err := newReportStorage(cfg.Reports)
	if err != nil {
		return err
	}
	reporter := reports.NewReporter(journal, reportStorage, cfg.Reports.Interval)
	go reporter.Run(ctx)

	// Journal and report retention, and limiter entries the tracker never
	// resolved.
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pruned, err := journal.PruneBefore(ctx, time.Now().Add(-cfg.JournalRetention))
				if err != nil {
					logging.Internal.Printf("journal cleanup error: %v", err)
				} else if pruned > 0 {
					logging.Internal.Printf("pruned %d journal outcomes", pruned)
				}

				if n, err := reporter.Prune(ctx, time.Now().Add(-cfg.Reports.Retention)); err != nil {
					logging.Internal.Printf("report cleanup error: %v", err)
				} else if n > 0 {
					logging.Internal.Printf("deleted %d old review report(s)", n)
				}

				if pendingLimiter != nil {
					if n := pendingLimiter.CleanupExpired(cfg.Tracker.Retention); n > 0 {
						logging.Internal.Printf("cleaned up %d stale pending invoice entries", n)
					}
				}
			}
		}
	}()

	var corsConfig api.CORSConfig
	var wsOrigins []string
	if cfg.Dev {
		logging.Internal.Println("development mode: CORS allowing all origins")
	} else {
		corsConfig.AllowedOrigins = cfg.CORSOrigins
		wsOrigins = cfg.CORSOrigins
		logging.Internal.Printf("CORS restricted to origins: %v", cfg.CORSOrigins)
	}

	handler := api.NewHandler(tr, pendingLimiter, wsOrigins)
	handler.SetOutcomeLookup(journal)
	if albyClient != nil && cfg.Alby.WebhookSecret != "" {
		handler.SetWebhookHandler(albyClient)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", handler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	var rateLimiter *api.RateLimiterMiddleware
	if !cfg.Dev {
		rateLimiter = api.NewRateLimiter(api.DefaultRateLimitConfig())
		logging.Internal.Println("rate limiting enabled")
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Chain(rateLimiter, corsConfig).Then(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Internal.Println("shutting down...")
		cancel()

		// Wakes long-poll and websocket consumers.
		tr.Close()

		if rateLimiter != nil {
			rateLimiter.Stop()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Internal.Printf("shutdown error: %v", err)
		}
	}()

	logging.Internal.Printf("starting server on %s", cfg.Addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	tr.Wait()
	if stats := tr.Stats(); stats.QueuedEvents > 0 {
		logging.Internal.Printf("WARNING: %d paid event(s) were not consumed before shutdown; they are recorded in the journal", stats.QueuedEvents)
	}
	return nil
}
