package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"orderwatch/internal/api"
	"orderwatch/internal/config"
	"orderwatch/internal/history"
	"orderwatch/internal/monitor"
)

func main() {
	var (
		cfgPath = flag.String("config", "orderwatch.yaml", "task-configuration document (YAML or JSON)")
		addr    = flag.String("addr", ":8080", "HTTP bind address for the diagnostics API")
		watch   = flag.Bool("watch", false, "reload the configuration document on change")
		debug   = flag.Bool("debug", false, "expose pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	doc, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *cfgPath).Msg("load config")
	}
	if lvl, err := zerolog.ParseLevel(doc.Global.LogLevel); err == nil && doc.Global.LogLevel != "" {
		logger = logger.Level(lvl)
	}

	// History is memory-resident on purpose: state rebuilds from the first
	// observation after a restart.
	db, err := sql.Open("sqlite", "file:orderwatch?mode=memory&cache=shared")
	if err != nil {
		logger.Fatal().Err(err).Msg("open history db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := history.EnsureSchema(db); err != nil {
		logger.Fatal().Err(err).Msg("ensure schema")
	}

	svc, err := monitor.New(doc, db, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build monitor")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Start(ctx)

	if *watch {
		go func() {
			if err := config.Watch(ctx, *cfgPath, logger, svc.ApplyConfig); err != nil && err != context.Canceled {
				logger.Error().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	srv := &http.Server{Addr: *addr, Handler: api.NewServerWithDebug(svc, *debug)}
	go func() {
		logger.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logger.Info().Msg("shutting down")
	cancel()
	svc.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
