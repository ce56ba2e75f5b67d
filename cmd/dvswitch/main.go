package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/dvswitch/internal/certs"
	"github.com/zsiec/dvswitch/internal/config"
	"github.com/zsiec/dvswitch/internal/control"
	"github.com/zsiec/dvswitch/internal/ingest"
	srtingest "github.com/zsiec/dvswitch/internal/ingest/srt"
	"github.com/zsiec/dvswitch/internal/mixer"
	"github.com/zsiec/dvswitch/internal/monitor"
	"github.com/zsiec/dvswitch/internal/server"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := slog.Default()

	cert, err := certs.Generate(cfg.CertValidity, cfg.CertHosts...)
	if err != nil {
		return err
	}
	log.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	mix := mixer.New(nil, log)
	sys, err := cfg.System()
	if err != nil {
		return err
	}
	if sys != nil {
		mix.SetFormat(mixer.FormatSettings{System: sys})
	}
	mix.SetPresets(sourcePresets(cfg))

	registry := ingest.NewRegistry()
	hub := monitor.NewHub(nil, log)
	mix.SetMonitor(hub)

	tcpSrv, err := server.New(cfg.ListenAddr, mix, registry, log)
	if err != nil {
		return err
	}

	var puller control.Puller
	var srtSrv *srtingest.Server
	if cfg.SRTAddr != "" {
		srtSrv = srtingest.NewServer(cfg.SRTAddr, mix, registry, log)
		puller = srtingest.NewCaller(mix, registry, log)
	}

	api, err := control.NewServer(control.Config{
		Addr:     cfg.APIAddr,
		H3Addr:   cfg.H3Addr,
		Cert:     cert,
		Auth:     cfg.Auth,
		Version:  version,
		Mixer:    mix,
		Registry: registry,
		Puller:   puller,
		Monitor:  hub,
	}, log)
	if err != nil {
		return err
	}

	log.Info("dvswitch starting",
		"version", version,
		"listen", tcpSrv.Addr().String(),
		"srt", cfg.SRTAddr,
		"api", cfg.APIAddr,
		"h3", cfg.H3Addr,
		"format", cfg.Format,
		"cert_hash", cert.FingerprintBase64(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mix.Run(ctx)
	})
	mix.Start()
	g.Go(func() error {
		return tcpSrv.Run(ctx)
	})
	if srtSrv != nil {
		g.Go(func() error {
			return srtSrv.Run(ctx)
		})
	}
	g.Go(func() error {
		return hub.Run(ctx, mix.ProgressEvents())
	})
	g.Go(func() error {
		return api.Run(ctx)
	})
	return g.Wait()
}
