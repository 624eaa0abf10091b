package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/wmrd/internal/logger"
	"github.com/shaunagostinho/wmrd/internal/logging"
	"github.com/shaunagostinho/wmrd/internal/metrics"
	"github.com/shaunagostinho/wmrd/internal/publish"
	"github.com/shaunagostinho/wmrd/internal/server"
	"github.com/shaunagostinho/wmrd/internal/transport"
	"github.com/shaunagostinho/wmrd/internal/wmr"
	"github.com/shaunagostinho/wmrd/web"
)

func main() {
	configPath := flag.String("config", "/etc/wmrd/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated console")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	// Bootstrap logger until the config says otherwise
	boot, _ := logging.New(logging.Config{Level: "info", Format: "console"})
	cfg := server.LoadConfig(*configPath, boot)

	if *demo {
		cfg.Device.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		boot.Fatal("cannot build logger", zap.Error(err))
	}
	defer log.Sync()
	log.Info("wmrd starting", zap.String("device", cfg.Device.Type))

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", zap.Stringer("signal", sig))
		cancel()
	}()

	// Store and handlers outlive individual console sessions
	store := wmr.NewStore()
	handlers := wmr.NewRegistry()

	reg := metrics.NewRegistry()
	weather := metrics.NewWeatherMetrics(reg)
	handlers.Register(weather)

	recorder := logger.New(cfg.Recorder, log)
	defer recorder.Close()
	handlers.Register(recorder)

	srv := server.New(cfg, store, recorder, web.FS, metrics.Handler(reg), log)
	handlers.Register(srv)

	if cfg.NATS.Enabled {
		pub, err := publish.Connect(cfg.NATS, log)
		if err != nil {
			log.Error("nats disabled", zap.Error(err))
		} else {
			defer pub.Close()
			handlers.Register(pub)
		}
	}

	st := &station{
		cfg:        cfg,
		store:      store,
		handlers:   handlers,
		reconnects: weather.Reconnects,
		log:        log,
	}

	// Server works immediately even while the console is still connecting
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return st.run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("exited", zap.Error(err))
	}
}

type counter interface{ Inc() }

// station keeps one console session alive, reopening the device after a
// fatal session error.
type station struct {
	cfg        *server.Config
	store      *wmr.Store
	handlers   *wmr.Registry
	reconnects counter
	log        *zap.Logger

	open func(transport.Config, *zap.Logger) (wmr.Transport, error)
}

func (st *station) run(ctx context.Context) error {
	open := st.open
	if open == nil {
		open = transport.Open
	}
	opts, err := st.cfg.SessionOptions()
	if err != nil {
		return err
	}
	opts.Store = st.store
	opts.Handlers = st.handlers
	opts.Log = st.log

	for sessions := 0; ; sessions++ {
		var sess *wmr.Session
		err := connectWithRetry(ctx, st.log.Named("console"), func() error {
			t, err := open(st.cfg.DeviceConfig(), st.log)
			if err != nil {
				return err
			}
			sess, err = wmr.Open(t, opts)
			if err != nil {
				t.Close()
			}
			return err
		}, 10)
		if err != nil {
			return err
		}
		if sessions > 0 && st.reconnects != nil {
			st.reconnects.Inc()
		}

		runErr := sess.Run(ctx)
		if err := sess.Close(); err != nil {
			st.log.Debug("session close", zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}
		st.log.Warn("session ended, reconnecting", zap.String("session", sess.ID()), zap.Error(runErr))
	}
}

var (
	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 60 * time.Second
)

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. Returns ctx.Err() once ctx
// is done.
func connectWithRetry(ctx context.Context, log *zap.Logger, connect func() error, maxAttempts int) error {
	delay := retryBaseDelay
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := connect()
		if err == nil {
			log.Info("connected", zap.Int("attempt", attempt+1))
			return nil
		}

		attempt++
		if attempt <= maxAttempts {
			log.Warn("connect attempt failed", zap.Int("attempt", attempt), zap.Int("max", maxAttempts),
				zap.Duration("retry_in", delay), zap.Error(err))
		} else {
			log.Warn("connect attempt failed", zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}
