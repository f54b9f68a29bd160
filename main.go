package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/n0remac/facecam/camera"
	"github.com/n0remac/facecam/compositor"
	"github.com/n0remac/facecam/config"
	"github.com/n0remac/facecam/detect"
	"github.com/n0remac/facecam/loop"
	"github.com/n0remac/facecam/preview"
	"github.com/n0remac/facecam/record"
	"github.com/n0remac/facecam/session"
	"github.com/n0remac/facecam/websocket"
)

func main() {
	_ = godotenv.Load()

	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	cascade := detect.NewCascade(
		cfg.Detection.Cascade,
		cfg.Detection.Scale,
		cfg.Detection.MinSize,
		logger.Named("detect"),
	)
	surface := compositor.NewSurface()
	defer surface.Close()

	device := &camera.Webcam{
		VideoDevice: cfg.Video.Device,
		AudioDriver: cfg.Audio.Driver,
		AudioDevice: cfg.Audio.Device,
	}
	if !cfg.Audio.Enabled {
		device.AudioDevice = ""
	}
	source := camera.NewSource(device, camera.Constraints{
		Width:  cfg.Video.Width,
		Height: cfg.Video.Height,
		FPS:    cfg.Video.FPS,
		Audio:  cfg.Audio.Enabled,
	}, logger.Named("camera"))

	detLoop := loop.New(source, cascade, surface,
		time.Duration(cfg.Detection.IntervalMs)*time.Millisecond,
		logger.Named("loop"))

	recorder := record.NewSession(&record.FFmpegEncoder{
		FPS:     cfg.Video.FPS,
		Bitrate: cfg.Recording.Bitrate,
		Log:     logger.Named("encoder"),
	}, logger.Named("record"))

	controller := session.NewController(cascade, source, detLoop, surface, recorder, logger.Named("session"))

	publisher, err := preview.New(surface, cfg.Video.FPS, cfg.Preview.RTPPort, logger.Named("preview"))
	if err != nil {
		logger.Fatal("create preview publisher", zap.Error(err))
	}

	registry := websocket.NewRegistry()
	hub := websocket.NewHub(registry, logger.Named("ws"))
	app := newApp(controller, publisher, hub, logger.Named("app"))
	app.registerCommands(registry)

	controller.OnChange = app.onStateChange
	controller.Start()

	done := make(chan struct{})
	go hub.Run(done)

	mux := http.NewServeMux()
	app.routes(mux)
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	// Teardown order matters: seal any active recording and release the
	// camera before the process exits, leaving no dangling timers.
	logger.Info("shutting down")
	controller.Shutdown()
	publisher.Stop()
	close(done)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(ctx)
}

func newLogger() *zap.Logger {
	var logger *zap.Logger
	var err error
	if os.Getenv("ENVIRONMENT") == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	return logger
}
