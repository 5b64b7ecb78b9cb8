package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/fleetmon/internal/aggregator"
	"github.com/loykin/fleetmon/internal/config"
	"github.com/loykin/fleetmon/internal/logger"
	"github.com/loykin/fleetmon/internal/metrics"
	"github.com/loykin/fleetmon/internal/monitor"
	"github.com/loykin/fleetmon/internal/server"
	fltls "github.com/loykin/fleetmon/internal/tls"
)

const shutdownTimeout = 5 * time.Second

// runServe loads the config and runs the monitor with its HTTP API until ctx is done.
// ready, when set, receives the API address once the listener is bound.
func runServe(ctx context.Context, f ServeFlags, ready func(addr string)) error {
	if f.ConfigPath == "" {
		return errors.New("config file required for serve command. Use --config=fleetmon.toml or provide as argument")
	}
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return err
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}

	log, closer, err := logger.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
	}

	mon, err := monitor.FromConfig(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = mon.Close() }()

	router := server.NewRouter(mon, cfg.Server.BasePath,
		server.WithJWTSecret(cfg.Server.JWTSecret),
		server.WithMetrics(cfg.Metrics.Enabled && cfg.Metrics.Listen == ""),
		server.WithObserverBuffer(cfg.Broadcast.Buffer),
		server.WithLogger(log.With("component", "http")),
	)

	tlsCfg, err := fltls.Setup(cfg.Server.TLS)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	api := server.NewServer(ln.Addr().String(), router.Handler())
	log.Info("starting fleetmon", "listen", ln.Addr().String(), "base_path", cfg.Server.BasePath,
		"tls", tlsCfg != nil, "services", len(cfg.Services))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(gctx, api, ln) })
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		ms := server.NewServer(cfg.Metrics.Listen, mux)
		g.Go(func() error { return serveHTTP(gctx, ms, nil) })
	}
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case id := <-mon.Recovery():
				log.Warn("service needs recovery", "service", id)
			}
		}
	})
	if ready != nil {
		ready(ln.Addr().String())
	}

	err = g.Wait()
	log.Info("fleetmon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runAggregator runs a standalone aggregation node until ctx is done.
func runAggregator(ctx context.Context, f AggregatorFlags, w io.Writer, ready func(addr string)) error {
	log := slog.Default()
	agg := aggregator.New(f.Capacity, log.With("component", "aggregator"))
	ln, err := net.Listen("tcp", f.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", f.Listen, err)
	}
	srv := aggregator.NewServer(ln.Addr().String(), agg)
	_, _ = fmt.Fprintf(w, "aggregator listening on %s\n", ln.Addr())
	if ready != nil {
		ready(ln.Addr().String())
	}
	if err := serveHTTP(ctx, srv, ln); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serveHTTP serves until ctx is done, then shuts srv down gracefully.
// A nil ln makes the server listen on its own Addr.
func serveHTTP(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if ln != nil {
			err = srv.Serve(ln)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_ = srv.Close()
	}
	<-errCh
	return nil
}
