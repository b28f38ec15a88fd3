// Command videoroom joins a room on a signaling relay and runs one two-party
// call from the terminal. Lines typed on stdin are sent as chat; lines
// starting with a slash are commands (see /help).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/videoroom/internal/call"
	"github.com/wilsonzlin/videoroom/internal/config"
	"github.com/wilsonzlin/videoroom/internal/media"
	"github.com/wilsonzlin/videoroom/internal/media/devices"
	"github.com/wilsonzlin/videoroom/internal/metrics"
	"github.com/wilsonzlin/videoroom/internal/negotiator"
	"github.com/wilsonzlin/videoroom/internal/signaling"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := cfg.ValidateAgent(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	capturer, codecs := newCapturer(cfg, logger)

	// Build the pion API up front so codec or ICE misconfiguration fails
	// before anything is captured.
	api, err := negotiator.NewAPI(cfg, negotiator.APIOptions{Codecs: codecs, Logger: logger})
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	pcCfg := cfg.PeerConnectionConfiguration()
	logger.Info("starting videoroom",
		"signaling_url", cfg.SignalingURL,
		"room", cfg.RoomID,
		"user", cfg.UserID,
		"video", cfg.Video,
		"synthetic_media", cfg.SyntheticMedia,
		"glare_policy", cfg.GlarePolicy,
		"ice_servers", config.DescribeICEServers(pcCfg.ICEServers),
		"negotiation_timeout", cfg.NegotiationTimeout,
	)
	logStartupWarnings(logger, cfg, pcCfg.ICEServers)

	m := metrics.New()
	o, err := call.New(call.Options{
		Config:     cfg,
		Capturer:   capturer,
		Preview:    logPreview{log: logger},
		Transports: &negotiator.PionFactory{API: api, Configuration: pcCfg},
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to create call", "err", err)
		os.Exit(2)
	}

	out := os.Stdout
	o.OnStatus(func(c call.StatusChange) {
		if c.Detail != "" {
			fmt.Fprintf(out, "* %s: %s\n", c.Status, c.Detail)
			return
		}
		fmt.Fprintf(out, "* %s\n", c.Status)
	})
	o.OnMessage(func(msg signaling.ChatMessage) {
		fmt.Fprintf(out, "<%s> %s\n", msg.Sender, msg.Text)
	})
	o.OnRemoteTrack(func(tr *webrtc.TrackRemote) {
		go drainRemoteTrack(tr, logger)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := o.Start(ctx); err != nil {
		logger.Error("call start failed", "err", err, "detail", o.Detail())
		o.End()
		os.Exit(1)
	}

	cmdDone := make(chan error, 1)
	go func() {
		cmdDone <- runCommands(ctx, os.Stdin, out, o)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-cmdDone:
		if err != nil {
			logger.Warn("command input failed", "err", err)
		}
	}

	o.End()
	<-o.Done()
	logger.Info("call finished", "metrics", m.Snapshot())
}

// newCapturer picks device capture, or synthetic media when configured or
// when devices are unavailable on this platform.
func newCapturer(cfg config.Config, logger *slog.Logger) (media.Capturer, media.CodecRegistrar) {
	if cfg.SyntheticMedia {
		return &media.SyntheticCapturer{}, nil
	}
	c, err := devices.New(cfg.VideoBitRate, logger)
	if err != nil {
		logger.Warn("device capture unavailable, using synthetic media", "err", err)
		return &media.SyntheticCapturer{}, nil
	}
	return c, c
}

func drainRemoteTrack(tr *webrtc.TrackRemote, logger *slog.Logger) {
	log := logger.With("remote_track", tr.ID(), "kind", tr.Kind().String(), "codec", tr.Codec().MimeType)
	log.Info("receiving remote track")
	var packets int
	for {
		if _, _, err := tr.ReadRTP(); err != nil {
			log.Info("remote track ended", "packets", packets, "err", err)
			return
		}
		packets++
	}
}

type logPreview struct {
	log *slog.Logger
}

func (p logPreview) Attach(tracks []media.Track) {
	kinds := make([]string, 0, len(tracks))
	for _, t := range tracks {
		kinds = append(kinds, t.Kind().String())
	}
	p.log.Debug("local preview attached", "tracks", kinds)
}

func (p logPreview) Detach() {
	p.log.Debug("local preview detached")
}
