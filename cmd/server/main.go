// Command server runs the support chat HTTP API.
//
// Configuration comes from the environment (and a .env file when present);
// see internal/config for the keys. The process shuts down gracefully on
// SIGINT/SIGTERM: the HTTP server stops accepting requests, in-flight
// requests finish, then queued room events are drained to subscribers.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/support-chat/internal/config"
	"github.com/tbourn/support-chat/internal/domain"
	httpapi "github.com/tbourn/support-chat/internal/http"
	"github.com/tbourn/support-chat/internal/notify"
	"github.com/tbourn/support-chat/internal/observability"
	"github.com/tbourn/support-chat/internal/presence"
	"github.com/tbourn/support-chat/internal/repo"
	"github.com/tbourn/support-chat/internal/services"
	"github.com/tbourn/support-chat/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const idempotencyPurgeInterval = 10 * time.Minute

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	sysutil.ConfigureLogging(os.Stderr, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	ver := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTEL, ver)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	db, err := openDB(cfg.DB)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	tracker, closeTracker, err := newTracker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTracker()

	bus := notify.NewDispatcher()
	bus.Retries = cfg.Dispatch.Retries
	bus.Backoff = cfg.Dispatch.RetryBackoff
	bus.HandlerTimeout = cfg.Dispatch.HandlerTimeout
	bus.MaxPending = cfg.Dispatch.MaxPending

	var sink *notify.KafkaSink
	if cfg.Kafka.Enabled {
		sink, err = notify.NewKafkaSink(notify.KafkaConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
			Username: cfg.Kafka.Username,
			Password: cfg.Kafka.Password,
		})
		if err != nil {
			return err
		}
		// Deferred before the drain so the producer outlives it.
		defer sink.Close()
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.DrainTimeout)
		defer cancel()
		if err := bus.Close(dctx); err != nil {
			log.Warn().Err(err).Msg("event drain incomplete")
		}
	}()

	if _, err := bus.Subscribe("event-log", nil, logEvent); err != nil {
		return err
	}
	if sink != nil {
		if _, err := bus.Subscribe("kafka", nil, sink.Handle); err != nil {
			return err
		}
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka event sink enabled")
	}

	svc := services.NewChatService(db, tracker, bus)
	svc.QueryTimeout = cfg.QueryTimeout
	svc.IdempotencyTTL = cfg.IdempotencyTTL
	svc.Messages.MaxContentRunes = cfg.MaxContentRunes
	svc.Rooms.MaxContentRunes = cfg.MaxContentRunes

	go purgeIdempotency(ctx, db, idempotencyPurgeInterval)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, svc, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", ver).Str("db", cfg.DB.Driver).
			Str("presence", cfg.Presence.Backend).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.WriteTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func openDB(c config.DBConfig) (*gorm.DB, error) {
	target := c.Path
	if c.Driver == "postgres" {
		target = c.DSN
	}
	db, err := repo.Open(c.Driver, target)
	if err != nil {
		return nil, err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// newTracker builds the configured presence backend. The memory tracker
// gets a background sweeper bound to ctx.
func newTracker(ctx context.Context, cfg config.Config) (presence.Tracker, func(), error) {
	if cfg.Presence.Backend == "redis" {
		client, err := presence.NewRedisClient(ctx, presence.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, nil, err
		}
		return presence.NewRedis(client, cfg.Presence.TypingTimeout), func() { _ = client.Close() }, nil
	}
	m := presence.NewMemory(cfg.Presence.TypingTimeout)
	go m.RunSweeper(ctx, cfg.Presence.SweepInterval)
	return m, func() {}, nil
}

func logEvent(_ context.Context, ev domain.Event) error {
	log.Debug().Str("event", string(ev.Type)).Str("room_id", ev.RoomID).Str("event_id", ev.ID).Msg("room event")
	return nil
}

func purgeIdempotency(ctx context.Context, db *gorm.DB, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db, now.UTC())
			if err != nil {
				log.Warn().Err(err).Msg("idempotency purge")
				continue
			}
			if n > 0 {
				log.Debug().Int64("removed", n).Msg("idempotency purge")
			}
		}
	}
}
