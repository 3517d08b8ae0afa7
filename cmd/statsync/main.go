package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/park285/scorekeeper-sync/internal/api"
	appcfg "github.com/park285/scorekeeper-sync/internal/config"
	"github.com/park285/scorekeeper-sync/internal/feed"
	"github.com/park285/scorekeeper-sync/internal/netmon"
	"github.com/park285/scorekeeper-sync/internal/obslog"
	"github.com/park285/scorekeeper-sync/internal/reconcile"
	"github.com/park285/scorekeeper-sync/internal/remote"
	"github.com/park285/scorekeeper-sync/internal/statqueue"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := obslog.L().With(zap.String("device_id", cfg.DeviceID))
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("statsync_exit", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *appcfg.AppConfig, logger *zap.Logger) error {
	headers := func() map[string]string {
		h := map[string]string{}
		if cfg.DeviceID != "" {
			h["X-Device-Id"] = cfg.DeviceID
		}
		return h
	}

	client := remote.NewClient(cfg.RemoteBaseURL,
		remote.WithHeaderProvider(headers),
		remote.WithTimeout(cfg.RemoteTimeout()),
	)
	mon := netmon.New(true, logger)
	go mon.Watch(ctx, client, cfg.ProbeInterval())

	var fc *feed.Client
	if cfg.FeedWSURL != "" {
		fc = feed.NewClient(cfg.FeedWSURL, feed.WithLogger(logger), feed.WithHeaderProvider(feed.HeaderProvider(headers)))
		fc.OnStateChange(func(state feed.State) {
			logger.Info("feed_state", zap.String("state", state.String()))
			if state == feed.StateConnected {
				mon.Set(true)
			}
		})
	}

	var (
		handler  http.Handler
		shutdown []func(context.Context)
		rec      *reconcile.Reconciler
		tracker  *matchTracker
		sub      subscriber
	)
	if fc != nil {
		sub = fc
	}

	if cfg.ReadOnly {
		rt := reconcile.NewReadThrough(nil)
		rec = reconcile.New(rt, reconcile.WithLogger(logger), reconcile.WithFetcher(client))
		fc.OnEvent(rec.Handle)
		tracker = newMatchTracker(sub, logger, cfg.MatchIDs...)
		tracker.release = func(matchID string) bool {
			rt.Drop(matchID)
			return true
		}
		tracker.first = func(matchID string) { rec.Resync(matchID) }
		handler = api.NewServer(api.Config{Scores: readThroughScores{rt: rt, tracker: tracker}, Online: mon.Online, Logger: logger})
		shutdown = append(shutdown, func(context.Context) { rec.Close() })
		logger.Info("statsync_read_only", zap.Strings("match_ids", cfg.MatchIDs))
	} else {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		sink, closeSink, err := openSink(cfg, logger)
		if err != nil {
			_ = store.Close()
			return err
		}
		mgr := statqueue.NewManager(store, client, mon,
			statqueue.WithLogger(logger),
			statqueue.WithMaxRetries(cfg.MaxRetries),
			statqueue.WithDispatchDelay(cfg.DispatchDelay()),
			statqueue.WithRetryBackoff(cfg.RetryBackoff()),
			statqueue.WithCallTimeout(cfg.RemoteTimeout()),
			statqueue.WithDeadLetter(sink),
			statqueue.WithDeviceID(cfg.DeviceID),
			statqueue.WithSnapshotFetcher(client),
		)
		shutdown = append(shutdown, func(ctx context.Context) {
			if err := mgr.Close(ctx); err != nil {
				logger.Warn("queue_close_failed", zap.Error(err))
			}
			_ = store.Close()
			closeSink()
		})

		tracker = newMatchTracker(sub, logger, cfg.MatchIDs...)
		tracker.release = releaseSession(mgr)
		if fc != nil {
			rec = reconcile.New(mgr, reconcile.WithLogger(logger), reconcile.WithFetcher(client))
			mgr.OnDrained(rec.OnDrained)
			fc.OnEvent(rec.Handle)
			tracker.forget = rec.Forget
			shutdown = append([]func(context.Context){func(context.Context) { rec.Close() }}, shutdown...)
		}

		restored, err := mgr.Restore(ctx)
		if err != nil {
			return err
		}
		if len(restored) > 0 {
			logger.Info("queue_restored", zap.Strings("match_ids", restored))
		}
		for _, id := range restored {
			tracker.touch(ctx, id)
		}
		for _, id := range cfg.MatchIDs {
			if err := mgr.Open(ctx, id); err != nil {
				return err
			}
		}
		handler = api.NewServer(api.Config{Queue: &trackedQueue{Manager: mgr, tracker: tracker, logger: logger}, Online: mon.Online, Logger: logger})
	}

	for _, id := range cfg.MatchIDs {
		tracker.touch(ctx, id)
	}
	go tracker.run(ctx, cfg.SessionIdle())

	if fc != nil {
		// pushes missed while disconnected are caught up from a fresh snapshot
		fc.OnStateChange(func(state feed.State) {
			if state == feed.StateConnected {
				rec.Resync(tracker.observed()...)
			}
		})
		if err := fc.Connect(ctx); err != nil {
			logger.Warn("feed_connect_failed", zap.String("url", cfg.FeedWSURL), zap.Error(err))
		}
		shutdown = append([]func(context.Context){func(ctx context.Context) { _ = fc.Close(ctx) }}, shutdown...)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listen", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	for _, fn := range shutdown {
		fn(sctx)
	}
	logger.Info("statsync_stopped")
	return runErr
}
