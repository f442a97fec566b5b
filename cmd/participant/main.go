package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/immxrtalbeast/meshconf/internal/app"
	"github.com/immxrtalbeast/meshconf/internal/config"
	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/immxrtalbeast/meshconf/internal/media"
	"github.com/immxrtalbeast/meshconf/internal/peer"
	"github.com/immxrtalbeast/meshconf/internal/room"
	"github.com/immxrtalbeast/meshconf/lib/logger/sl"
	"github.com/joho/godotenv"
)

var (
	roomCode = flag.String("room", "", "room code to join")
	name     = flag.String("name", "", "display name")
	share    = flag.Bool("share", false, "share the screen right after joining")
	noCamera = flag.Bool("no-camera", false, "join audio only")
)

func main() {
	_ = godotenv.Load(".env")

	cfg := config.MustLoad()
	log := app.SetupLogger(cfg.Env)

	if *roomCode == "" || *name == "" {
		log.Error("both -room and -name are required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open backends", sl.Err(err))
		os.Exit(1)
	}
	defer res.Close()

	if cfg.Database.Driver == app.DriverMemory {
		// Nothing else can see an in-process store, so the room is made up locally.
		r := domain.NewRoom("local", "participant", time.Time{})
		r.Code = domain.NormalizeRoomCode(*roomCode)
		if err := res.Rooms.Create(ctx, r); err != nil {
			log.Error("failed to seed local room", sl.Err(err))
			os.Exit(1)
		}
	}

	factory, err := peer.NewPionFactory(cfg.WebRTC)
	if err != nil {
		log.Error("failed to set up webrtc", sl.Err(err))
		os.Exit(1)
	}

	devices := media.SyntheticDevices{
		Microphone: true,
		Camera:     !*noCamera,
		Screen:     true,
		StreamID:   *name,
	}
	ctrl := room.NewController(res.PubSub, res.Rooms, devices, factory, room.Options{
		Negotiation:  cfg.Negotiation,
		EndWhenEmpty: cfg.Room.EndWhenEmpty,
	}, log)

	if err := ctrl.Join(ctx, *roomCode, *name); err != nil {
		log.Error("failed to join", sl.Err(err))
		os.Exit(1)
	}
	log.Info("joined", slog.String("room", *roomCode), slog.String("peer", ctrl.LocalID()))

	if *share {
		if err := ctrl.StartScreenShare(ctx); err != nil {
			log.Warn("screen share not started", sl.Err(err))
		}
	}

	go logEvents(ctrl.Events(), log)

	select {
	case <-ctx.Done():
	case err := <-ctrl.Errors():
		log.Error("left the room", sl.Err(err))
		res.Close()
		os.Exit(1)
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.Leave(leaveCtx); err != nil {
		log.Warn("leave finished with errors", sl.Err(err))
	}
}

func logEvents(events <-chan domain.PeerEvent, log *slog.Logger) {
	for ev := range events {
		log.Info("participant "+string(ev.Type),
			slog.String("peer", ev.Peer.ID),
			slog.String("display_name", ev.Peer.DisplayName),
			slog.String("state", string(ev.Peer.State)),
			slog.String("audio", ev.Peer.AudioTrack),
			slog.String("video", ev.Peer.VideoTrack),
		)
	}
}
