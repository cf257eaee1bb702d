package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lzA6/doubao2api-go/internal/api"
	"github.com/lzA6/doubao2api-go/internal/browser"
	"github.com/lzA6/doubao2api-go/internal/config"
	"github.com/lzA6/doubao2api-go/internal/credentials"
	"github.com/lzA6/doubao2api-go/internal/dispatch"
	"github.com/lzA6/doubao2api-go/internal/driver"
	"github.com/lzA6/doubao2api-go/internal/health"
	"github.com/lzA6/doubao2api-go/internal/proxy"
	"github.com/lzA6/doubao2api-go/internal/ratelimit"
	"github.com/lzA6/doubao2api-go/internal/statestore"
)

func main() {
	// Load .env file; absence means the process environment is used as-is
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Info("configuration loaded",
		zap.String("addr", cfg.Addr),
		zap.Int("pool_capacity", cfg.PoolCapacity),
		zap.Int("max_inflight", cfg.MaxInflight),
		zap.Int("credentials", len(cfg.Cookies)))

	creds, err := credentials.NewManager(cfg.Cookies, logger)
	if err != nil {
		return err
	}

	states, err := statestore.New(cfg.StateDir, logger)
	if err != nil {
		return err
	}

	selectors := driver.DefaultSelectors()

	launcher, err := browser.NewPlaywrightLauncher(browser.LaunchConfig{
		ChatURL:       cfg.ChatURL,
		CookieDomain:  cfg.CookieDomain,
		Headless:      cfg.Headless,
		Fingerprint:   cfg.Fingerprint,
		ReadySelector: selectors.Composer,
	}, creds, states, logger)
	if err != nil {
		return err
	}
	defer launcher.Close()

	pool := browser.NewPool(cfg.PoolCapacity, launcher, logger)
	defer pool.Close()

	conversations := dispatch.NewConversations(cfg.ConversationTTL)

	drv := driver.New(driver.Config{
		StallTimeout: cfg.StallTimeout,
		ChatURL:      cfg.ChatURL,
	}, conversations, logger)

	dispatcher := dispatch.New(
		dispatch.NewBrowserPool(pool),
		drv,
		int64(cfg.MaxInflight),
		dispatch.Config{
			AcquireTimeout: cfg.AcquireTimeout,
			RequestTimeout: cfg.RequestTimeout,
		},
		logger,
	)

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	monitor := health.New(pool, driver.SessionProbe(selectors), health.Config{
		Interval:   cfg.ProbeInterval,
		StaleAfter: cfg.StaleAfter,
	}, logger)
	go monitor.Run(monitorCtx)

	catalog := cfg.Catalog()
	proxyServer := proxy.NewServer(dispatcher, catalog, logger)
	rateLimiter := ratelimit.NewLimiter(cfg.RequestsPerHour, cfg.Burst)

	handler := api.NewHandler(dispatcher, pool, catalog, logger)
	router := handler.SetupRoutes(proxyServer, rateLimiter, cfg.MasterKey, cfg.RequestsPerHour)

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// no write timeout: streaming responses stay open for the whole request
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	stopMonitor()
	monitor.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("server stopped")
	return nil
}
