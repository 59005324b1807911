package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/resultrelay/internal/bus"
	"github.com/vovakirdan/resultrelay/internal/config"
	"github.com/vovakirdan/resultrelay/internal/core"
	"github.com/vovakirdan/resultrelay/internal/metrics"
	"github.com/vovakirdan/resultrelay/internal/service/relay"
	"github.com/vovakirdan/resultrelay/internal/store"
	"github.com/vovakirdan/resultrelay/internal/store/redis"
	"github.com/vovakirdan/resultrelay/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/resultrelay/internal/transport/http"
	"github.com/vovakirdan/resultrelay/internal/utils"
)

// App wires together store, core and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	store           store.ConnectionStore
	instanceID      string
	bus             *bus.RedisBus
	broadcaster     *core.Broadcaster
	stopBus         context.CancelFunc
	busDone         <-chan struct{}
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	instanceID := utils.NewInstanceID()

	st, relayBus, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("driver", cfg.Store.Driver).Str("instance_id", instanceID).Msg("connection store initialized")

	var opts []core.RegistryOption
	if relayBus != nil {
		opts = append(opts, core.WithCluster(instanceID, relayBus))
	}

	policy := core.AdmissionPolicy{MaxConnections: cfg.MaxConnections}
	registry := core.NewRegistry(st, policy, logger, opts...)
	gateway := transporthttp.NewGateway(cfg.WriteTimeout)
	broadcaster := core.NewBroadcaster(st, registry, gateway, cfg.BroadcastParallel, logger)
	svc := relay.New(registry, broadcaster, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	server := transporthttp.NewServer(svc, gateway, reg, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		store:           st,
		instanceID:      instanceID,
		bus:             relayBus,
		broadcaster:     broadcaster,
		log:             logger,
	}, nil
}

// openStore opens the configured store. A shared redis store also yields the
// bus linking the instances that use it.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zerolog.Logger) (store.ConnectionStore, *bus.RedisBus, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		st, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		// the database belongs to this process alone; earlier rows have no socket
		removed, err := st.Reset(ctx)
		if err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("reset sqlite store: %w", err)
		}
		if removed > 0 {
			logger.Warn().Int("removed", removed).Msg("dropped connection records left by a previous run")
		}
		return st, nil, nil
	case config.DriverRedis:
		st, err := redis.New(ctx, redis.Options{
			Addr:   cfg.RedisAddr,
			DB:     cfg.RedisDB,
			Prefix: cfg.RedisPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return st, bus.NewRedisBus(st.Client(), st.Prefix(), logger), nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	if err := a.listen(); err != nil {
		a.cleanup()
		return err
	}

	serverErr := make(chan error, 1)

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// listen subscribes to results forwarded by other instances. It outlives the
// run context so forwarded results still reach sockets while the server drains.
func (a *App) listen() error {
	if a.bus == nil {
		return nil
	}
	busCtx, cancel := context.WithCancel(context.Background())
	done, err := a.bus.Subscribe(busCtx, a.instanceID, func(ctx context.Context, env bus.Envelope) {
		d := a.broadcaster.DeliverLocal(ctx, env.ConnectionIDs, env.Message())
		a.log.Debug().
			Str("room_id", env.RoomID).
			Int("delivered", d.Delivered).
			Int("reaped", d.Reaped).
			Int("failed", d.Failed).
			Msg("forwarded result delivered")
	})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe relay bus: %w", err)
	}
	a.stopBus = cancel
	a.busDone = done
	a.log.Info().Str("instance_id", a.instanceID).Msg("relay bus subscribed")
	return nil
}

// cleanup stops the bus listener and closes the store.
func (a *App) cleanup() {
	if a.stopBus != nil {
		a.stopBus()
		<-a.busDone
		a.stopBus = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
