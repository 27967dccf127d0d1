package settlementd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"vaultdist/native/claims"
	"vaultdist/native/distribution"
	"vaultdist/native/reconcile"
	"vaultdist/observability"
	"vaultdist/observability/logging"
	"vaultdist/services/settlementd/storage"
)

// Main initialises and runs the settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settlementd/config.yaml", "path to settlementd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("VAULTDIST_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup("settlementd", env, cfg.LogLevel)

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	store, err := storage.New(db)
	if err != nil {
		return err
	}

	params := distribution.Params{UnitScale: cfg.UnitScale}

	engine := claims.NewEngine(params)
	engine.SetState(store)
	engine.SetAssetUpdater(store)
	engine.SetEmitter(newLedgerEmitter(logger))

	reconciler := reconcile.NewEngine(store, params)

	gateway := NewGatewayClient(cfg.Gateway)
	processor := NewProcessor(store, engine,
		WithBuilder(gateway),
		WithSubmitter(gateway),
		WithBackingChecker(gateway),
		WithSettleConfig(cfg.Settlement),
		WithHolder(cfg.Sweep.Holder),
		WithLeaseTTL(cfg.Sweep.LeaseTTL.Duration),
		WithLogger(logger),
	)

	server := NewServer(store, reconciler, processor, cfg, logger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := processor.Run(ctx, cfg.Sweep.Interval.Duration); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("sweep loop: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return runErr
}

func openDatabase(cfg DatabaseConfig) (*gorm.DB, error) {
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	}
	dsn, err := storage.FileDSN(cfg.Path)
	if err != nil {
		return nil, err
	}
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{})
}

// ledgerEmitter bridges claim ledger events into structured logs and the
// ledger metrics registry.
type ledgerEmitter struct {
	logger  *slog.Logger
	metrics *observability.LedgerMetrics
}

func newLedgerEmitter(logger *slog.Logger) *ledgerEmitter {
	return &ledgerEmitter{logger: logger, metrics: observability.Ledger()}
}

// Emit implements claims.Emitter.
func (e *ledgerEmitter) Emit(event claims.Event) {
	attrs := make([]any, 0, 2+2*len(event.Attributes))
	attrs = append(attrs, "event", event.Type)
	for key, value := range event.Attributes {
		attrs = append(attrs, key, value)
	}
	e.logger.Info("ledger event", attrs...)

	switch event.Type {
	case claims.EventClaimTransitioned:
		e.metrics.RecordTransition(event.Attributes["from"], event.Attributes["to"])
	case claims.EventClaimReplaced:
		e.metrics.RecordReplaced(event.Attributes["vault"])
	}
}
