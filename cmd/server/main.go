package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"officegrid.io/internal/logging"
	"officegrid.io/internal/persistence/authdb"
	persistlog "officegrid.io/internal/persistence/log"
	"officegrid.io/internal/protocol"
	"officegrid.io/internal/relay"
	"officegrid.io/internal/space"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := newLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func newLogger(cfg serverConfig) zerolog.Logger {
	return logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Pretty:  cfg.Pretty,
		Service: "officegrid-server",
	})
}

func run(cfg serverConfig, logger zerolog.Logger) error {
	layout, err := space.Load(cfg.SpacePath)
	if err != nil {
		return fmt.Errorf("load space: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	store, err := authdb.OpenSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open authdb: %w", err)
	}
	defer store.Close()

	codecs, err := protocol.NewCodecs()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	hub := relay.NewHub(relay.Config{
		SpaceID:            layout.ID,
		MaxChannelsPerConn: cfg.MaxChannels,
		OutQueue:           cfg.OutQueue,
		Logger:             logger,
	}, codecs)
	go func() {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("hub stopped")
		}
	}()

	trafficLog := persistlog.NewTrafficLogger(cfg.DataDir)
	auditLog := persistlog.NewAuditLogger(cfg.DataDir)
	defer trafficLog.Close()
	defer auditLog.Close()
	go hub.RunTrafficLog(ctx, trafficLog, cfg.TrafficInterval)
	go purgeLoop(ctx, store, cfg.AuthRetention, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	api := &relay.API{
		Layout: layout,
		Store:  store,
		Audit:  auditLog,
		Hub:    hub,
		Logger: logger.With().Str("component", "api").Logger(),
	}
	if cfg.EnableAdmin {
		api.AdminAllowed = func(r *http.Request) bool { return isLoopbackRemote(r.RemoteAddr) }
	} else {
		logger.Info().Msg("admin endpoints disabled")
	}
	api.Register(mux)
	if cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", relay.NewServer(hub, relay.ServerOptions{
		PublishRate:  cfg.PublishRate,
		PublishBurst: cfg.PublishBurst,
	}).Handler())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info().Str("addr", cfg.Addr).Str("space", layout.ID).Int("zones", len(layout.Zones)).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// purgeLoop drops authorizations that expired more than retention ago.
func purgeLoop(ctx context.Context, store *authdb.Store, retention time.Duration, logger zerolog.Logger) {
	if retention <= 0 {
		return
	}
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		n, err := store.PurgeExpired(ctx, time.Now().Add(-retention))
		if err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("purge authorizations")
		} else if n > 0 {
			logger.Info().Int64("purged", n).Msg("purged expired authorizations")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
