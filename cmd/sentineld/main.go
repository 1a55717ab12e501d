// Command sentineld runs the discovery-and-correlation engine: scheduled
// connector discoveries into the asset graph, vulnerability enrichment
// sweeps, and the event stream, with Prometheus metrics on the side.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quay/zlog"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sentinelsec/sentinel/connector/defaults"
	"github.com/sentinelsec/sentinel/datastore/postgres"
	"github.com/sentinelsec/sentinel/engram"
	"github.com/sentinelsec/sentinel/enricher/cpe"
	"github.com/sentinelsec/sentinel/enricher/epss"
	"github.com/sentinelsec/sentinel/enricher/kev"
	"github.com/sentinelsec/sentinel/enricher/nvd"
	"github.com/sentinelsec/sentinel/event"
	"github.com/sentinelsec/sentinel/internal/distlock"
	"github.com/sentinelsec/sentinel/internal/secrets"
	"github.com/sentinelsec/sentinel/libdiscover"
	"github.com/sentinelsec/sentinel/libenrich"
)

func main() {
	var confPath string
	flag.StringVar(&confPath, "config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := loadConfig(confPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sentineld:", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	l := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	zlog.Set(&l)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		zlog.Error(ctx).Err(err).Msg("sentineld exiting")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config) error {
	ctx = zlog.ContextWithValues(ctx, "component", "main")

	bus := event.NewBus()
	if cfg.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rc.Close()
		bus.Forward(event.NewStream(rc, cfg.Redis.StreamPrefix, cfg.Redis.MaxLen))
		zlog.Info(ctx).Str("addr", cfg.Redis.Addr).Msg("forwarding events to redis streams")
	}

	pool, err := postgres.Connect(ctx, cfg.Database.DSN, "sentineld")
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := postgres.InitDB(ctx, pool); err != nil {
		return err
	}
	store := postgres.NewStore(pool, bus)

	engrams, err := engram.NewFS(cfg.EngramDir)
	if err != nil {
		return err
	}
	defer engrams.Close()

	var sec secrets.Multi
	if cfg.Secrets.Dir != "" {
		sec = append(sec, &secrets.Dir{Root: cfg.Secrets.Dir})
	}
	sec = append(sec, &secrets.Env{Prefix: cfg.Secrets.EnvPrefix})

	manager, err := libdiscover.New(libdiscover.Options{
		Store:    store,
		Registry: defaults.Registry(),
		Secrets:  sec,
		Engrams:  engrams,
		Locks:    distlock.PoolSource(pool),
		Notify:   bus.Publish,
		Interval: time.Duration(cfg.Discovery.Interval),
	})
	if err != nil {
		return err
	}

	orch, err := enrichment(ctx, cfg, store, engrams, bus, sec)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Start(gctx) })
	g.Go(func() error { return enrichLoop(gctx, store, orch, time.Duration(cfg.Enrichment.Interval)) })
	g.Go(func() error {
		zlog.Info(gctx).Str("addr", cfg.ListenAddr).Msg("serving metrics")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()

	// In-flight runs get a drain budget before the process exits.
	dctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := manager.Shutdown(dctx); serr != nil {
		zlog.Warn(ctx).Err(serr).Msg("shutdown drain incomplete")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// enrichment assembles the intel clients and the orchestrator.
func enrichment(ctx context.Context, cfg *Config, store *postgres.Store, engrams engram.Store, bus *event.Bus, sec secrets.Store) (*libenrich.Orchestrator, error) {
	mapper := cpe.Default()
	if cfg.Enrichment.CPETable != "" {
		m, err := cpe.LoadFile(cfg.Enrichment.CPETable)
		if err != nil {
			return nil, err
		}
		mapper = m
	}
	var nvdOpts []nvd.Option
	if key, err := sec.Get(ctx, "nvd/api_key"); err == nil {
		nvdOpts = append(nvdOpts, nvd.WithAPIKey(key))
	} else {
		zlog.Info(ctx).Msg("no NVD API key, using the keyless rate regime")
	}
	return libenrich.New(libenrich.Options{
		Graph:    store,
		Engrams:  engrams,
		Notify:   bus.Publish,
		Mapper:   mapper,
		KEV:      kev.NewClient(nil),
		NVD:      nvd.NewClient(nil, nvdOpts...),
		EPSS:     epss.NewClient(nil),
		PageSize: cfg.Enrichment.PageSize,
	})
}

// enrichLoop sweeps every tenant on the enrichment interval.
func enrichLoop(ctx context.Context, store *postgres.Store, orch *libenrich.Orchestrator, interval time.Duration) error {
	ctx = zlog.ContextWithValues(ctx, "component", "main/enrichLoop")
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		tenants, err := store.Tenants(ctx)
		if err != nil {
			zlog.Warn(ctx).Err(err).Msg("listing tenants failed, skipping sweep")
			continue
		}
		for _, tn := range tenants {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := orch.Sweep(ctx, tn.ID); err != nil {
				zlog.Warn(ctx).Str("tenant", tn.ID.String()).Err(err).Msg("enrichment sweep aborted")
			}
		}
	}
}
