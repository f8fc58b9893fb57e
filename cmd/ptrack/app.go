package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/BearBump/ptrack/config"
	"github.com/BearBump/ptrack/internal/broker/kafka"
	"github.com/BearBump/ptrack/internal/broker/messages"
	"github.com/BearBump/ptrack/internal/cache"
	"github.com/BearBump/ptrack/internal/cache/rediscache"
	"github.com/BearBump/ptrack/internal/integrations/carrier"
	"github.com/BearBump/ptrack/internal/integrations/carrier/asendia"
	"github.com/BearBump/ptrack/internal/integrations/carrier/dhl"
	"github.com/BearBump/ptrack/internal/integrations/carrier/fake"
	"github.com/BearBump/ptrack/internal/integrations/carrier/globalpost"
	"github.com/BearBump/ptrack/internal/integrations/carrier/gls"
	"github.com/BearBump/ptrack/internal/metrics"
	"github.com/BearBump/ptrack/internal/render"
	"github.com/BearBump/ptrack/internal/services/changeset"
	"github.com/BearBump/ptrack/internal/services/poller"
	"github.com/BearBump/ptrack/internal/services/publish"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

var errUsage = errors.New("bad usage")

type changeConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
	Close() error
}

type appFactories struct {
	newCarriers func(cfg *config.Config, logger *slog.Logger) *carrier.Registry
	// newRedis returns nil when no Redis is configured.
	newRedis    func(cfg *config.Config) *rediscache.RedisCache
	newProducer func(cfg *config.Config) (publish.Producer, func())
	newConsumer func(cfg *config.Config) changeConsumer
	newMetrics  func() (metrics.MetricsCollector, prometheus.Gatherer)
}

func defaultAppFactories() appFactories {
	return appFactories{
		newCarriers: buildCarriers,
		newRedis: func(cfg *config.Config) *rediscache.RedisCache {
			if !cfg.Redis.Enabled() {
				return nil
			}
			return rediscache.New(rediscache.Options{
				Addr:     cfg.Redis.Addr(),
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
		},
		newProducer: func(cfg *config.Config) (publish.Producer, func()) {
			if !cfg.Kafka.Enabled() {
				return nil, func() {}
			}
			p := kafka.NewProducer([]string{cfg.Kafka.Addr()})
			return p, func() { _ = p.Close() }
		},
		newConsumer: func(cfg *config.Config) changeConsumer {
			return kafka.NewConsumer([]string{cfg.Kafka.Addr()}, cfg.Kafka.ShipmentChangedTopicName, cfg.Kafka.FollowConsumerGroup)
		},
		newMetrics: func() (metrics.MetricsCollector, prometheus.Gatherer) {
			reg := prometheus.NewRegistry()
			return metrics.NewCollector(reg), reg
		},
	}
}

// buildCarriers registers every carrier the configuration allows.
func buildCarriers(cfg *config.Config, logger *slog.Logger) *carrier.Registry {
	cc := cfg.Carriers
	httpc := carrier.NewHTTPClient(carrier.HTTPOptions{
		Timeout:           cc.Timeout(),
		RequestsPerSecond: cc.RequestsPerSecond,
		Logger:            logger,
	})

	reg := carrier.NewRegistry().
		WithCallTimeout(cc.Timeout()).
		WithLogger(logger).
		Register("dhl", dhl.New(cc.DHL.BaseURL, cc.UserAgent, httpc)).
		Register("globalpost", globalpost.New(cc.GlobalPost.BaseURL, cc.UserAgent, httpc)).
		Register("gls", gls.New(cc.GLS.BaseURL, cc.GLS.Lang, httpc))
	if cc.Asendia.APIKey != "" {
		reg.Register("asendia", asendia.New(cc.Asendia.BaseURL, asendia.Credentials{
			APIKey:      cc.Asendia.APIKey,
			TrackingKey: cc.Asendia.TrackingKey,
			AuthHeader:  cc.Asendia.AuthHeader,
		}, httpc))
	} else {
		logger.Info("asendia disabled: no api key configured")
	}
	if cc.Fake.Enabled {
		reg.Register("fake", fake.New())
	}
	return reg
}

func runCommand(ctx context.Context, cfg *config.Config, f appFactories, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.Wrap(errUsage, "missing command")
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "view":
		fs := flag.NewFlagSet("view", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		mode := fs.String("m", cfg.PTrack.ViewMode, "view mode")
		if err := fs.Parse(rest); err != nil {
			return errors.Wrap(errUsage, err.Error())
		}
		path, err := sourcePath(cfg, fs.Args())
		if err != nil {
			return err
		}
		return runWatch(ctx, cfg, f, path, render.New(render.ParseMode(*mode), isTerminal(out)), out)
	case "i3bar":
		fs := flag.NewFlagSet("i3bar", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		fromSnapshot := fs.Bool("snapshot", false, "read the snapshot a running serve stored in Redis")
		if err := fs.Parse(rest); err != nil {
			return errors.Wrap(errUsage, err.Error())
		}
		if *fromSnapshot {
			return runI3BarFromSnapshot(ctx, cfg, f, out)
		}
		path, err := sourcePath(cfg, fs.Args())
		if err != nil {
			return err
		}
		return runWatch(ctx, cfg, f, path, render.New(render.ModeI3Bar, false), out)
	case "serve":
		path, err := sourcePath(cfg, rest)
		if err != nil {
			return err
		}
		return runServe(ctx, cfg, f, path, nil)
	case "follow":
		return runFollow(ctx, cfg, f, out)
	default:
		return errors.Wrapf(errUsage, "unknown command %q", cmd)
	}
}

func sourcePath(cfg *config.Config, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if cfg.PTrack.SourceFile != "" {
		return cfg.PTrack.SourceFile, nil
	}
	return "", errors.Wrap(errUsage, "missing registry file")
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func newPoller(cfg *config.Config, f appFactories, path string, logger *slog.Logger) *poller.Poller {
	return poller.New(path, f.newCarriers(cfg, logger)).
		WithPlanner(poller.PlannerConfig{
			RescanInterval: cfg.PTrack.RescanInterval(),
			RescanJitter:   cfg.PTrack.RescanJitter(),
		}).
		WithConcurrency(cfg.PTrack.Concurrency).
		WithLogger(logger)
}

// runWatch polls in the foreground and renders every tick to out.
func runWatch(ctx context.Context, cfg *config.Config, f appFactories, path string, r *render.Renderer, out io.Writer) error {
	logger := slog.Default().With("component", "poller")
	p := newPoller(cfg, f, path, logger)
	if err := p.Initialize(ctx); err != nil {
		return err
	}
	if res := p.Latest(); res != nil {
		if err := r.Render(out, *res); err != nil {
			return errors.Wrap(err, "render")
		}
	}
	var renderErr error
	err := p.Run(ctx, cfg.PTrack.Refresh(), func(res changeset.Result) {
		for _, w := range res.Warnings {
			logger.Warn("tick", "warning", w.Error())
		}
		if err := r.Render(out, res); err != nil && renderErr == nil {
			renderErr = err
		}
	})
	if renderErr != nil {
		return errors.Wrap(renderErr, "render")
	}
	return err
}

func runI3BarFromSnapshot(ctx context.Context, cfg *config.Config, f appFactories, out io.Writer) error {
	rc := f.newRedis(cfg)
	if rc == nil {
		return errors.Wrap(errUsage, "-snapshot needs a redis section in the config")
	}
	defer rc.Close()

	t := time.NewTicker(cfg.PTrack.Refresh())
	defer t.Stop()
	for {
		snap, ok, err := publish.LoadSnapshot(ctx, rc, cfg.Redis.SnapshotKey)
		switch {
		case err != nil:
			slog.Warn("load snapshot", "error", err.Error())
			fmt.Fprintln(out, "ptrack: snapshot unavailable")
		case !ok:
			fmt.Fprintln(out, "ptrack: no snapshot")
		default:
			fmt.Fprintln(out, render.I3Bar(changeset.Result{Entries: snap.Entries, At: snap.At}))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// runServe is the long running mode: poll, publish changes to Kafka and the
// snapshot to Redis, and expose the status over HTTP.
func runServe(ctx context.Context, cfg *config.Config, f appFactories, path string, onListen func(addr string)) error {
	logger := slog.Default().With("component", "poller")
	collector, gatherer := f.newMetrics()
	p := newPoller(cfg, f, path, logger).WithMetrics(collector)

	rc := f.newRedis(cfg)
	var (
		ping      func(ctx context.Context) error
		snapshots cache.BytesCache
	)
	if rc != nil {
		defer rc.Close()
		p.WithRateLimiter(rc.RateLimiter(), int64(cfg.Carriers.RateLimitPerMinute))
		ping = rc.Ping
		snapshots = rc
	}

	producer, closeProducer := f.newProducer(cfg)
	defer closeProducer()
	pub := publish.New(producer, snapshots, cfg.Kafka.ShipmentChangedTopicName).
		WithSnapshot(cfg.Redis.SnapshotKey, cfg.PTrack.RescanInterval()).
		WithLogger(slog.Default().With("component", "publish"))

	if err := p.Initialize(ctx); err != nil {
		return err
	}
	if res := p.Latest(); res != nil {
		_ = pub.Publish(ctx, *res)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runHTTPServer(gctx, httpOpts{
			httpAddr:    cfg.PTrack.HTTPAddr,
			swaggerPath: cfg.PTrack.SwaggerPath,
			onListen:    onListen,
			poller:      p,
			gatherer:    gatherer,
			ping:        ping,
			cfg:         cfg,
		})
	})
	g.Go(func() error {
		return p.Run(gctx, cfg.PTrack.Refresh(), func(res changeset.Result) {
			if len(res.Changed()) == 0 && len(res.Warnings) == 0 {
				return
			}
			logger.Info("shipments changed",
				"added", len(res.Added()), "removed", len(res.Removed()),
				"changed", len(res.Changed()), "warnings", len(res.Warnings))
			_ = pub.Publish(gctx, res)
		})
	})
	return g.Wait()
}

// runFollow prints every ShipmentChanged event until ctx ends.
func runFollow(ctx context.Context, cfg *config.Config, f appFactories, out io.Writer) error {
	if !cfg.Kafka.Enabled() {
		return errors.Wrap(errUsage, "follow needs a kafka section in the config")
	}
	c := f.newConsumer(cfg)
	defer c.Close()

	return c.Consume(ctx, func(key, value []byte) error {
		var m messages.ShipmentChanged
		if err := json.Unmarshal(value, &m); err != nil {
			slog.Warn("skip malformed event", "key", string(key), "error", err.Error())
			return nil
		}
		fmt.Fprintln(out, formatChange(m))
		return nil
	})
}

func formatChange(m messages.ShipmentChanged) string {
	name := m.Name
	if name == "" {
		name = m.Number
	}
	if !m.Found {
		return fmt.Sprintf("%s %-7s %s (%s): not found", m.ObservedAt.Local().Format("15:04:05"), m.Change, name, m.Carrier)
	}
	return fmt.Sprintf("%s %-7s %s (%s): %s %s %s",
		m.ObservedAt.Local().Format("15:04:05"), m.Change, name, m.Carrier,
		render.ProgressBar(m.Progress), render.Icon(m.State), m.ShortDescription)
}
