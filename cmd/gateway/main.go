// Command gateway runs the market-data fan-out gateway: the upstream vortex
// driver, both client websocket transports and the REST control surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"

	"github.com/vayulabs/vayu-gateway/internal/audit"
	"github.com/vayulabs/vayu-gateway/internal/cluster"
	"github.com/vayulabs/vayu-gateway/internal/gateway"
	"github.com/vayulabs/vayu-gateway/internal/infra/adapters/vortex"
	"github.com/vayulabs/vayu-gateway/internal/infra/config"
	"github.com/vayulabs/vayu-gateway/internal/infra/kv"
	"github.com/vayulabs/vayu-gateway/internal/infra/persistence/migrations"
	"github.com/vayulabs/vayu-gateway/internal/infra/persistence/postgres"
	httpserver "github.com/vayulabs/vayu-gateway/internal/infra/server/http"
	"github.com/vayulabs/vayu-gateway/internal/infra/telemetry"
	"github.com/vayulabs/vayu-gateway/internal/metrics"
	"github.com/vayulabs/vayu-gateway/internal/mux"
	"github.com/vayulabs/vayu-gateway/internal/observability"
	"github.com/vayulabs/vayu-gateway/internal/policy"
	"github.com/vayulabs/vayu-gateway/internal/registry"
	"github.com/vayulabs/vayu-gateway/internal/snapshot"
)

const (
	defaultConfigPath = "config/app.yaml"

	httpShutdownTimeout      = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	auditShutdownTimeout     = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	httpReadHeaderTimeout    = 10 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to the application config file")
	flag.Parse()

	logger := log.New(os.Stdout, "gateway ", log.LstdFlags|log.Lmicroseconds)
	if err := run(*configPath, logger); err != nil {
		logger.Fatalf("gateway failed: %v", err)
	}
}

func run(configPath string, logger *log.Logger) error {
	// .env is a dev convenience; absence is not an error.
	_ = godotenv.Load()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, fromFile, err := config.LoadOrDefault(rootCtx, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	observability.SetLogger(observability.NewZerolog("vayu-gateway", cfg.Log.Level, cfg.Log.Pretty))
	if fromFile {
		logger.Printf("config loaded from %s", configPath)
	}

	provider, err := telemetry.NewProvider(rootCtx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  string(cfg.Environment),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	store := openKV(cfg.Redis)
	defer store.Close()

	if err := migrations.Apply(rootCtx, cfg.Database.DSN, logger); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	db, err := postgres.Connect(rootCtx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	instance := uuid.NewString()
	metricSet := metrics.New()

	engine := policy.New(db.APIKeys, store, policy.Defaults{
		HTTPPerMinute:  cfg.Gateway.DefaultHTTPRPM,
		ConnectionCap:  cfg.Gateway.DefaultConnLimit,
		SubscribeRPS:   cfg.Gateway.SubscribeRPS,
		UnsubscribeRPS: cfg.Gateway.UnsubscribeRPS,
		ModeRPS:        cfg.Gateway.ModeRPS,
	})

	var (
		driver      *vortex.Driver
		coordinator *cluster.Coordinator
	)
	driver = vortex.NewDriver(
		cfg.Vortex.ApplicationID, cfg.Vortex.APIKey,
		cfg.Vortex.BaseURL, cfg.Vortex.WSURL,
		db.Sessions, store,
		func(connected bool) {
			if connected {
				metricSet.UpstreamReconnects.Inc()
			}
			if coordinator != nil {
				coordinator.PublishStatus(driver.Status())
			}
		},
	)
	driver.Bootstrap(rootCtx)

	instruments := registry.New(db.Instruments, driver, store)
	defer instruments.Close()

	runCtx, cancelRun := context.WithCancel(rootCtx)
	defer cancelRun()

	multiplexer := mux.New(runCtx, driver, mux.WithFlushInterval(cfg.Gateway.MuxFlushInterval()))
	driver.OnResync(multiplexer.Resync)

	batcher := snapshot.New(driver, cfg.Gateway.BatchWindow())
	auditWriter := audit.New(db.Audit)

	gw := gateway.New(gateway.Config{
		ProtocolVersion:  cfg.Gateway.ProtocolVersion,
		Provider:         vortex.ProviderName,
		Instance:         instance,
		WriteBufferLimit: cfg.Gateway.WriteBufferLimit,
		SessionSendDepth: cfg.Gateway.SessionSendDepth,
	}, gateway.Deps{
		Policy:        engine,
		Resolver:      instruments,
		Subscriptions: multiplexer,
		Quotes:        batcher,
		Upstream:      driver,
		KV:            store,
		Audit:         auditWriter,
		Metrics:       metricSet,
	})

	coordinator = cluster.New(store, instance, func() cluster.InstanceStats {
		status := driver.Status()
		return cluster.InstanceStats{
			Sessions:           gw.SessionCount(),
			Rooms:              gw.Rooms().RoomCount(),
			Subscriptions:      len(multiplexer.Snapshot()),
			DroppedTicks:       driver.DroppedTicks(),
			UpstreamReconnects: driver.Reconnects(),
			Streaming:          status.IsStreaming,
			UpstreamConnected:  status.UpstreamConnected,
		}
	})

	if err := provider.ObserveGateway(driver, gw); err != nil {
		observability.Log().Warn("telemetry instruments unavailable",
			observability.F("error", err.Error()))
	}

	handler := httpserver.NewHandler(httpserver.Config{
		AdminToken:      cfg.Admin.Token,
		CORSOrigin:      cfg.Server.CORSOrigin,
		Environment:     string(cfg.Environment),
		ProtocolVersion: cfg.Gateway.ProtocolVersion,
	}, httpserver.Deps{
		Policy:      engine,
		Keys:        db.APIKeys,
		Instruments: instruments,
		Upstream:    driver,
		Quotes:      batcher,
		Cluster:     coordinator,
		KV:          store,
		DB:          db.Pool(),
		Metrics:     metricSet,
		Audit:       auditWriter,
		Sessions:    gw,
		FramedWS:    gw.FramedHandler(),
		RawWS:       gw.RawHandler(),
		RunCtx:      runCtx,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: httpReadHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { gw.Run(runCtx) })
	lifecycle.Go(func() { coordinator.Run(runCtx) })

	serverErr := make(chan error, 1)
	lifecycle.Go(func() {
		logger.Printf("listening on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	})

	// Streaming resumes automatically when a valid session survived the
	// restart; otherwise the operator re-runs the OAuth login.
	if driver.Authenticated() {
		if err := driver.StartStreaming(runCtx); err != nil {
			observability.Log().Warn("streaming not started",
				observability.F("error", err.Error()))
		} else {
			coordinator.PublishStatus(driver.Status())
		}
	}

	select {
	case <-rootCtx.Done():
		logger.Print("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	performGracefulShutdown(logger, shutdownConfig{
		server:    server,
		driver:    driver,
		mux:       multiplexer,
		audit:     auditWriter,
		telemetry: provider,
		lifecycle: &lifecycle,
		cancelRun: cancelRun,
	})
	return nil
}

func openKV(cfg config.RedisConfig) kv.Store {
	if cfg.Addr == "" {
		observability.Log().Warn("no redis configured, running on the in-process store")
		return kv.NewMemory()
	}
	return kv.NewRedis(cfg.Addr, cfg.Password, cfg.DB)
}

type shutdownConfig struct {
	server    *http.Server
	driver    *vortex.Driver
	mux       *mux.Mux
	audit     *audit.Writer
	telemetry *telemetry.Provider
	lifecycle *conc.WaitGroup
	cancelRun context.CancelFunc
}

// performGracefulShutdown drains in order: stop accepting clients, close the
// upstream socket, flush the audit queue, then stop everything else.
func performGracefulShutdown(logger *log.Logger, cfg shutdownConfig) {
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	step("stopping http server", httpShutdownTimeout, func(stepCtx context.Context) error {
		return cfg.server.Shutdown(stepCtx)
	})

	logger.Print("shutdown: stopping upstream streaming")
	cfg.driver.StopStreaming()
	cfg.mux.Close()

	logger.Print("shutdown: cancelling run context")
	cfg.cancelRun()

	step("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			cfg.lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	})

	step("flushing audit queue", auditShutdownTimeout, func(context.Context) error {
		cfg.audit.Close()
		return nil
	})

	step("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
		return cfg.telemetry.Shutdown(stepCtx)
	})

	logger.Print("shutdown complete")
}
