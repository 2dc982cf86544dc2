package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/saasforge/credit-ledger/internal/config"
	"github.com/saasforge/credit-ledger/internal/credits"
	"github.com/saasforge/credit-ledger/internal/health"
	"github.com/saasforge/credit-ledger/internal/httpserver"
	"github.com/saasforge/credit-ledger/internal/ledger"
	ledgerpg "github.com/saasforge/credit-ledger/internal/ledger/postgres"
	ledgersql "github.com/saasforge/credit-ledger/internal/ledger/sqlite"
	"github.com/saasforge/credit-ledger/internal/logging"
	"github.com/saasforge/credit-ledger/internal/metrics"
	"github.com/saasforge/credit-ledger/internal/usage"
	"github.com/saasforge/credit-ledger/internal/version"
)

// pinger is satisfied by both ledger store implementations.
type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to creditd config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if target := strings.TrimSpace(cfg.LogFile); target != "" {
		fw, err := logging.NewFileWriter(target, logging.DefaultMaxBytes)
		if err != nil {
			log.Fatalf("init log file: %v", err)
		}
		defer fw.Close()
		log.SetOutput(io.MultiWriter(os.Stdout, fw))
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[creditd] ")

	log.Printf("creditd %s starting", version.Version)

	store, err := openStore(cfg.Store)
	if err != nil {
		log.Fatalf("open ledger store: %v", err)
	}
	defer store.Close()
	log.Printf("ledger store ready driver=%s", cfg.Store.Driver)

	collector := metrics.NewCollector()

	service := credits.NewService(store)
	service.SetLogger(logging.NewComponentLogger(log.Writer(), "credits"))
	service.SetMetrics(collector)

	calculator := credits.NewCalculator(cfg.Pricing)

	recorder := usage.NewRecorder(service, calculator, usage.Config{
		QueueSize: cfg.Usage.QueueSize,
		Workers:   cfg.Usage.Workers,
		Logger:    logging.NewComponentLogger(log.Writer(), "usage"),
		Metrics:   collector,
	})
	defer recorder.Close()

	var checker *health.Checker
	if p, ok := store.(pinger); ok {
		checker = health.NewChecker(p)
	}

	httpSrv := httpserver.New(httpserver.Options{
		Service:    service,
		Store:      store,
		Recorder:   recorder,
		Checker:    checker,
		Metrics:    collector,
		AdminToken: cfg.AdminToken,
		Logger:     logging.NewComponentLogger(log.Writer(), "http"),
	})

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      httpSrv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	// Recorder drains queued usage events in its deferred Close before the
	// store closes.
}

func openStore(cfg config.StoreConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return ledgerpg.New(cfg.DSN, ledgerpg.PoolConfig{
			MaxOpen:         cfg.MaxOpenConns,
			MaxIdle:         cfg.MaxIdleConns,
			LifetimeMinutes: cfg.ConnMaxLifetime,
			IdleTimeMinutes: cfg.ConnMaxIdleTime,
		})
	default:
		return ledgersql.New(cfg.Path)
	}
}
