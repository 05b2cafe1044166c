package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jcharest/foscam-gateway/internal/config"
	"github.com/jcharest/foscam-gateway/internal/ferrors"
	"github.com/jcharest/foscam-gateway/internal/foscam/session"
	"github.com/jcharest/foscam-gateway/internal/foscam/stream"
	"github.com/jcharest/foscam-gateway/internal/httpserver"
	"github.com/jcharest/foscam-gateway/internal/logger"
	"github.com/jcharest/foscam-gateway/internal/metrics"
	"github.com/jcharest/foscam-gateway/internal/pipe"
	"github.com/jcharest/foscam-gateway/internal/remux"
)

// reconnectBackoff bounds how long the supervising loop waits after a lost
// camera session before redialing.
const reconnectBackoff = 5 * time.Second

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		// flag package already printed usage/error
		os.Exit(2)
	}

	logger.Init()
	log := logger.Logger().With("component", "cli")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	buildWorker := workerFactory(cfg.ProbeSize)

	attempt := 0
	for ctx.Err() == nil {
		if attempt > 0 {
			metrics.SessionReconnects.Inc()
			log.Warn("reconnecting to camera", "attempt", attempt)
		}
		attempt++

		if err := runSession(ctx, cfg, buildWorker, log); err != nil {
			log.Error("camera session attempt failed",
				"error", err,
				"timeout", ferrors.IsTimeout(err),
				"protocol", ferrors.IsProtocolError(err),
			)
		}

		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(reconnectBackoff):
		}
	}

	log.Info("foscam-gateway stopped")
}

// runSession dials the camera, serves HTTP for the session's lifetime, and
// returns when the session is lost, the context is canceled, or setup
// fails. It returns a non-nil error only when setup fails; once serving has
// started it returns nil, after stopping the HTTP server and disconnecting
// from the camera or after the 5s shutdown timeout elapses.
func runSession(ctx context.Context, cfg *config.Config, buildWorker stream.WorkerFactory, log *slog.Logger) error {
	connectCtx, cancelConnect := context.WithTimeout(ctx, 15*time.Second)
	sess, err := session.New(connectCtx, cfg.Host, uint16(cfg.Port), uint32(cfg.UID), cfg.User, cfg.Password)
	cancelConnect()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	sess.Connect()

	if err := enableStreams(ctx, sess, log); err != nil {
		_ = sess.Disconnect()
		return fmt.Errorf("enable streams: %w", err)
	}

	srv := httpserver.New(httpserver.Config{
		ListenAddr:   cfg.DownstreamAddr,
		Session:      sess,
		PipeCapacity: cfg.PipeCapacity,
		BuildWorker:  buildWorker,
	})
	if err := srv.Start(); err != nil {
		_ = sess.Disconnect()
		return fmt.Errorf("start http server: %w", err)
	}

	log.Info("foscam-gateway serving", "camera_host", cfg.Host, "camera_port", cfg.Port, "listen", cfg.DownstreamAddr)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case <-sess.Done():
		log.Warn("camera session lost")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Error("http server stop error", "error", err)
		}
		if err := sess.Disconnect(); err != nil {
			log.Error("camera disconnect error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Error("forced exit after shutdown timeout")
	}
	return nil
}

// enableStreams requests both VIDEO_DATA and AUDIO_DATA before the
// downstream HTTP server starts accepting viewers, so the first subscriber
// never races the handshake.
func enableStreams(ctx context.Context, sess *session.Session, log *slog.Logger) error {
	if err := sess.VideoOn(ctx); err != nil {
		return fmt.Errorf("video_on: %w", err)
	}
	if err := sess.AudioOn(ctx); err != nil {
		log.Warn("audio_on failed, continuing with video only", "error", err)
	}
	return nil
}

// workerFactory closes over the configured probe threshold to produce a
// stream.WorkerFactory backed by internal/remux.
func workerFactory(probeSize int) stream.WorkerFactory {
	return func(videoIn, audioIn, remuxedOut *pipe.Pipe, framerate int, log *slog.Logger) stream.RemuxWorker {
		return remux.NewWithProbeSize(videoIn, audioIn, remuxedOut, framerate, log, probeSize)
	}
}
