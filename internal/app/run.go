// Package app wires a duocall client or hub from its config.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"

	"github.com/petervdpas/duocall/internal/call"
	"github.com/petervdpas/duocall/internal/chat"
	"github.com/petervdpas/duocall/internal/config"
	"github.com/petervdpas/duocall/internal/media"
	"github.com/petervdpas/duocall/internal/peer"
	"github.com/petervdpas/duocall/internal/presence"
	"github.com/petervdpas/duocall/internal/signaling"
	"github.com/petervdpas/duocall/internal/util"
	"github.com/petervdpas/duocall/internal/viewer"
	"github.com/petervdpas/duocall/internal/viewer/logs"
	"github.com/petervdpas/duocall/internal/viewer/routes"
)

var log = logging.Logger("app")

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// SetupLogging sets every subsystem to info, or debug when asked.
func SetupLogging(debug bool) {
	level := logging.LevelInfo
	if debug {
		level = logging.LevelDebug
	}
	logging.SetAllLoggers(level)
}

// Run runs a client until ctx ends.
func Run(ctx context.Context, o Options) error {
	cfg := o.Cfg
	SetupLogging(cfg.Viewer.Debug)

	logBuf := logs.NewBuffer(800)
	stopCapture := logBuf.Capture()
	defer stopCapture()

	logBanner(o.Dir, o.CfgPath, cfg)

	// ── Shared store
	store, err := openStore(ctx, o.Dir, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	// ── Media + WebRTC
	capturer, err := media.NewDeviceCapturer()
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}
	disconnected, failed, keepAlive := cfg.ICE.Timeouts()
	api, err := peer.NewAPI(peer.Options{
		Codecs:              capturer.ConfigureMediaEngine,
		DisconnectedTimeout: disconnected,
		FailedTimeout:       failed,
		KeepAlive:           keepAlive,
	})
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}
	rtcConfig := webrtc.Configuration{ICEServers: cfg.ICE.WebRTCServers()}
	quality := resolveQuality(cfg)
	log.Infof("media quality: %s", quality)

	// ── Identity, signaling, chat
	self := presence.Static{ID: cfg.Identity.ID, Name: cfg.Identity.Name, Avatar: cfg.Identity.Avatar}
	clk := clock.New()
	staleAfter := time.Duration(cfg.Call.StaleAfterSec) * time.Second
	sig := signaling.New(store, signaling.Options{StaleAfter: staleAfter, Clock: clk})
	chatStore := chat.NewStore(store, cfg.Chat.BufferSize)

	var recorder call.Recorder
	if cfg.Chat.CallEvents {
		recorder = chat.NewCallRecorder(chatStore, self)
	}

	mgr, err := call.New(call.Options{
		Identity: self,
		Signaler: sig,
		NewPeer: func(id string, h peer.Handlers) (call.Peer, error) {
			s, err := peer.New(api, rtcConfig, id, h)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Media:       media.NewAcquirer(capturer),
		Quality:     quality,
		Clock:       clk,
		RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		StaleAfter:  staleAfter,
		HistorySize: cfg.Call.HistorySize,
		Recorder:    recorder,
	})
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}

	// ── Presence
	var hb *presence.Heartbeat
	if cfg.Presence.Enabled {
		hb = presence.NewHeartbeat(store, self, time.Duration(cfg.Presence.HeartbeatSec)*time.Second, clk)
		if err := hb.Start(ctx); err != nil {
			_ = mgr.Close(context.Background())
			return err
		}
		defer hb.Stop()
	}

	// ── UI API
	var srv *viewer.Server
	serveErr := make(chan error, 1)
	if cfg.Viewer.HTTPAddr != "" {
		addr, _ := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		srv, err = viewer.Listen(addr, routes.Deps{
			Self:         self,
			Calls:        mgr,
			Chat:         chatStore,
			Store:        store,
			Logs:         logBuf,
			OnlineWindow: 3 * time.Duration(cfg.Presence.HeartbeatSec) * time.Second,
			Debug:        cfg.Viewer.Debug,
		})
		if err != nil {
			_ = mgr.Close(context.Background())
			return fmt.Errorf("viewer: %w", err)
		}
		go func() { serveErr <- srv.Serve() }()
	}

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), util.CleanupTimeout)
	defer cancel()
	// Closing the controller hangs up and ends the streaming handlers.
	shutdownErr := mgr.Close(shutdownCtx)
	if srv != nil {
		shutdownErr = multierr.Append(shutdownErr, srv.Shutdown(shutdownCtx))
	}
	if shutdownErr != nil {
		log.Warnf("shutdown: %v", shutdownErr)
	}
	return err
}
