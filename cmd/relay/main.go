package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "github.com/immxrtalbeast/meshconf/internal/api/http"
	"github.com/immxrtalbeast/meshconf/internal/app"
	"github.com/immxrtalbeast/meshconf/internal/config"
	"github.com/immxrtalbeast/meshconf/internal/service"
	"github.com/immxrtalbeast/meshconf/lib/logger/sl"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env")

	cfg := config.MustLoad()
	log := app.SetupLogger(cfg.Env)

	if err := cfg.ValidateRelay(); err != nil {
		log.Error("invalid relay config", sl.Err(err))
		os.Exit(1)
	}
	if cfg.Auth.JWTSecret == "" {
		log.Warn("JWT_SECRET is empty, room creation and ending will reject every token")
	}
	if cfg.Signaling.Driver == app.DriverWS {
		log.Error("the relay cannot use the ws signaling driver, use memory or redis")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open backends", sl.Err(err))
		os.Exit(1)
	}
	defer res.Close()

	roomService := service.NewRoomService(res.Rooms, log)
	router := httpapi.SetupRouter(
		httpapi.RouterConfig{
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			JWTSecret:      cfg.Auth.JWTSecret,
		},
		httpapi.NewRoomController(roomService, log),
		httpapi.NewRelayController(res.PubSub, cfg.HTTP.AllowedOrigins, log),
	)

	srv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("starting relay", slog.String("addr", cfg.HTTP.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", sl.Err(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", sl.Err(err))
	}
	log.Info("relay stopped")
}
