// Command urlcached serves a persistent URL cache over HTTP.
//
// SIGUSR1 and SIGUSR2 report that the host became active or resigned
// active, which triggers a trim under the activity trim policy.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/jmgilman/go/urlcache"
	"github.com/jmgilman/go/urlcache/internal/logging"
	"github.com/jmgilman/go/urlcache/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "urlcached: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("urlcached", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	listen := fs.String("listen", "", "address to listen on (overrides config)")
	root := fs.String("root", "", "cache directory (overrides config)")
	logLevel := fs.String("log-level", "", "debug, info, warn or error (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *root != "" {
		cfg.Storage.Root = *root
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger, err := cfg.logger()
	if err != nil {
		return err
	}
	opts, err := cfg.options(logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache, err := urlcache.New(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Error(context.Background(), "failed to close cache", "error", err.Error())
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.New(cache, server.WithLogger(logger.With("component", "http"))).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info(gctx, "listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		watchActivity(gctx, cache, logger)
		return nil
	})

	return g.Wait()
}

// watchActivity maps SIGUSR1 and SIGUSR2 to activity transitions until ctx ends.
func watchActivity(ctx context.Context, cache *urlcache.Cache, logger *logging.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			t := urlcache.BecameActive
			if sig == syscall.SIGUSR2 {
				t = urlcache.ResignedActive
			}
			trimmed := cache.NotifyActivity(ctx, t)
			logger.Info(ctx, "activity transition", "transition", t.String(), "trimmed", trimmed)
		}
	}
}
