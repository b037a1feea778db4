// Command partysyncd serves the event log, the poll fallback and scope
// snapshots, and runs the ZeroMQ relay broker clients subscribe to.
//
// @title       Party Sync API
// @version     1.0
// @description Event log, polling fallback and scope snapshots for real-time party sessions.
// @BasePath    /api/v1
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-party-sync/internal/config"
	httpapi "github.com/tbourn/go-party-sync/internal/http"
	"github.com/tbourn/go-party-sync/internal/observability"
	"github.com/tbourn/go-party-sync/internal/ratelimit"
	"github.com/tbourn/go-party-sync/internal/relay/zmqrelay"
	"github.com/tbourn/go-party-sync/internal/repo"
	"github.com/tbourn/go-party-sync/internal/services"
	"github.com/tbourn/go-party-sync/internal/sysutil"
)

// Version is set via ldflags during build.
var Version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	sysutil.SetupLogging(cfg.LogLevel, cfg.LogPretty, "partysyncd", nil)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("partysyncd stopped")
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, cfg.OTEL, observability.Build{Role: "server", Version: Version})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}

	deps := httpapi.Deps{DB: db}
	if cfg.Relay.Enabled {
		broker, err := zmqrelay.NewBroker(cfg.Relay.Broker)
		if err != nil {
			return err
		}
		go func() {
			if err := broker.Run(ctx); err != nil {
				log.Error().Err(err).Msg("relay broker stopped")
				stop()
			}
		}()

		client, err := zmqrelay.NewClient(cfg.Relay.Client)
		if err != nil {
			return err
		}
		defer client.Close()
		deps.Relay = client
	} else {
		log.Warn().Msg("relay disabled; events are served by polling only")
	}

	gate := ratelimit.New(cfg.Sync.RateLimit)
	gate.Start(ctx)
	defer gate.Destroy()
	deps.Gate = gate

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, deps, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go pruneLoop(ctx, db, cfg.PruneInterval, cfg.EventRetention)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", Version).Bool("relay", cfg.Relay.Enabled).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		return err
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// pruneLoop trims the event log and expired idempotency keys until ctx ends.
func pruneLoop(ctx context.Context, db *gorm.DB, every, retention time.Duration) {
	svc := &services.EventService{DB: db}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := svc.Prune(ctx, retention); err != nil {
				log.Warn().Err(err).Msg("prune failed")
			}
		}
	}
}
