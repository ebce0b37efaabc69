package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/order-tracking/internal/backend"
	"github.com/example/order-tracking/internal/config"
	"github.com/example/order-tracking/internal/credentials"
	"github.com/example/order-tracking/internal/dispatch"
	"github.com/example/order-tracking/internal/eta"
	httpapi "github.com/example/order-tracking/internal/http"
	"github.com/example/order-tracking/internal/ingest"
	"github.com/example/order-tracking/internal/location"
	"github.com/example/order-tracking/internal/logging"
	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/realtime"
	"github.com/example/order-tracking/internal/storage"
	"github.com/example/order-tracking/internal/tracking"
	"github.com/example/order-tracking/internal/wire"
)

func main() {
	cfg, err := config.LoadClientConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds := credentials.NewFileStore(cfg.CredentialsPath)
	session := realtime.NewSession(realtime.Options{
		URL:            cfg.SocketURL,
		Role:           cfg.Role,
		ConnectTimeout: cfg.ConnectTimeout,
	}, creds, realtime.NewWSDialer(cfg.PingInterval), logging.ForSession(logger, cfg.Role, "realtime"))

	deps := httpapi.Deps{Conn: session, Events: session, Logger: logger}
	var closers []func()

	switch cfg.Role {
	case models.RoleDriver:
		closers = wireDriver(cfg, session, &deps, logger)
	default:
		closers = wireCustomer(ctx, cfg, session, creds, &deps, logger)
	}

	api := httpapi.NewServer(deps)
	srv := &http.Server{Addr: cfg.StatusAddr, Handler: api, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("status api listening", "addr", cfg.StatusAddr, "role", string(cfg.Role))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status api stopped", "error", err)
			stop()
		}
	}()

	if err := session.AutoConnect(ctx); err != nil {
		logger.Warn("initial connect failed", "error", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	api.Close()
	session.Disconnect()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

func wireCustomer(ctx context.Context, cfg config.ClientConfig, session *realtime.Session, creds credentials.Store,
	deps *httpapi.Deps, logger *slog.Logger) []func() {
	var closers []func()
	store, storeClosers := buildStore(ctx, cfg, logger)
	closers = append(closers, storeClosers...)

	tracker := tracking.New(session, backend.NewClient(cfg.APIBaseURL, creds),
		tracking.WithStore(store),
		tracking.WithLocationFilter(cfg.LocationFilter),
		tracking.WithTerminalGrace(cfg.TerminalGrace),
		tracking.WithLogger(logging.ForSession(logger, cfg.Role, "tracking")),
	)
	deps.Tracker = tracker
	// the tracker flushes into the stores, so it closes first
	return append(closers, tracker.Close)
}

// buildStore layers Redis over Postgres, whichever are configured, and falls
// back to memory.
func buildStore(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger) (storage.SnapshotStore, []func()) {
	var tiers storage.Tiered
	var closers []func()
	if cfg.RedisAddr != "" {
		rs := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.SnapshotTTL)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rs.Ping(pingCtx); err != nil {
			logger.Warn("redis unavailable, snapshots not cached", "error", err)
			_ = rs.Close()
		} else {
			tiers = append(tiers, rs)
			closers = append(closers, func() { _ = rs.Close() })
		}
		cancel()
	}
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Warn("postgres unavailable, snapshots not persisted", "error", err)
		} else {
			if cfg.RunMigrations {
				applied, err := pg.Migrate(ctx)
				if err != nil {
					logger.Error("migration failed", "error", err)
				} else {
					logger.Info("migrations applied", "files", applied)
				}
			}
			tiers = append(tiers, pg)
			closers = append(closers, func() { _ = pg.Close() })
		}
	}
	if len(tiers) == 0 {
		return storage.NewMemoryStore(), nil
	}
	return tiers, closers
}

func wireDriver(cfg config.ClientConfig, session *realtime.Session, deps *httpapi.Deps, logger *slog.Logger) []func() {
	var closers []func()
	src, closeSrc := positionSource(cfg.PositionSource, logger)
	if closeSrc != nil {
		closers = append(closers, closeSrc)
	}

	opts := []location.Option{
		location.WithThresholds(cfg.LocationMinInterval, cfg.LocationMinDistance),
		location.WithLogger(logging.ForSession(logger, cfg.Role, "location")),
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		opts = append(opts, location.WithSink(producer, session.UserID))
		closers = append(closers, func() { _ = producer.Close() })
	}
	pub := location.New(location.NewStreamPositioner(src, logger), session, opts...)

	offers := dispatch.New(session,
		dispatch.WithTimeout(cfg.OfferTimeout),
		dispatch.WithLocationSource(pub),
		dispatch.WithDefaults(wire.OfferDefaults{
			Currency:  cfg.DefaultCurrency,
			Estimator: eta.Estimator{SpeedMps: cfg.DefaultSpeedMps},
		}),
		dispatch.WithLogger(logging.ForSession(logger, cfg.Role, "dispatch")),
	)
	deps.Offers = offers
	deps.Location = pub
	// going offline stops the stream before the sink closes
	return append(closers, func() { _ = pub.SetOnline(context.Background(), false) })
}

// positionSource resolves POSITION_SOURCE: "stdin", a file path, or "none".
func positionSource(name string, logger *slog.Logger) (io.Reader, func()) {
	switch name {
	case "", "none":
		return nil, nil
	case "stdin", "-":
		return os.Stdin, nil
	}
	f, err := os.Open(name)
	if err != nil {
		logger.Warn("position source unavailable, driver cannot go online", "source", name, "error", err)
		return nil, nil
	}
	return f, func() { _ = f.Close() }
}
