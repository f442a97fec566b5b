// Package app wires configuration to concrete backends for the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/immxrtalbeast/meshconf/internal/config"
	"github.com/immxrtalbeast/meshconf/internal/repository"
	"github.com/immxrtalbeast/meshconf/internal/repository/model"
	"github.com/immxrtalbeast/meshconf/internal/signaling"
	"github.com/immxrtalbeast/meshconf/lib/logger/slogpretty"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverWS       = "ws"
)

var ErrUnknownDriver = errors.New("unknown driver")

func SetupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = setupPrettySlog()
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = setupPrettySlog()
	}

	return log
}

func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}

	handler := opts.NewPrettyHandler(os.Stdout)

	return slog.New(handler)
}

// Resources are the backends selected by configuration.
type Resources struct {
	Rooms  repository.RoomRepository
	PubSub signaling.PubSub

	redis   *redis.Client
	closers []func() error
}

// Open connects the room store and the signaling backend.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Resources, error) {
	r := &Resources{}

	rooms, err := r.openRooms(ctx, cfg)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("room store: %w", err)
	}
	r.Rooms = rooms

	ps, err := r.openPubSub(ctx, cfg, log)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("signaling: %w", err)
	}
	r.PubSub = ps

	log.Info("backends ready",
		slog.String("rooms", cfg.Database.Driver),
		slog.String("signaling", cfg.Signaling.Driver),
	)
	return r, nil
}

// Close releases the backends in reverse order of opening.
func (r *Resources) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i]()
	}
	r.closers = nil
}

func (r *Resources) redisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if r.redis != nil {
		return r.redis, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect redis at %s: %w", cfg.Addr, err)
	}
	r.redis = client
	r.closers = append(r.closers, client.Close)
	return client, nil
}

func (r *Resources) openRooms(ctx context.Context, cfg *config.Config) (repository.RoomRepository, error) {
	switch cfg.Database.Driver {
	case DriverMemory, "":
		return repository.NewInMemoryRoomRepository(), nil
	case DriverRedis:
		client, err := r.redisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return repository.NewRedisRoomRepository(client), nil
	case DriverPostgres:
		db, err := ConnectDatabase(cfg.Database)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			r.closers = append(r.closers, sqlDB.Close)
		}
		return repository.NewPostgresRoomRepository(db), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Database.Driver)
}

func (r *Resources) openPubSub(ctx context.Context, cfg *config.Config, log *slog.Logger) (signaling.PubSub, error) {
	switch cfg.Signaling.Driver {
	case DriverMemory, "":
		hub := signaling.NewHub(log)
		r.closers = append(r.closers, func() error {
			hub.Close()
			return nil
		})
		return hub, nil
	case DriverRedis:
		client, err := r.redisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return signaling.NewRedisPubSub(client, log), nil
	case DriverWS:
		if cfg.Signaling.RelayURL == "" {
			return nil, errors.New("signaling.relay_url is required for the ws driver")
		}
		return signaling.NewWSPubSub(cfg.Signaling.RelayURL, log), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Signaling.Driver)
}

func ConnectDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database dsn is empty")
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&model.Room{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return db, nil
}
