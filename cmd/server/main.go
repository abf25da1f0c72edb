package main

import (
	"context"
	"errors"
	"flag"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"chodenet.ai/internal/api"
	"chodenet.ai/internal/auth"
	"chodenet.ai/internal/catalogs"
	"chodenet.ai/internal/config"
	"chodenet.ai/internal/lore"
	"chodenet.ai/internal/oracle"
	"chodenet.ai/internal/persistence/backend"
	persistlog "chodenet.ai/internal/persistence/log"
	"chodenet.ai/internal/persistence/r2s3"
	"chodenet.ai/internal/protocol"
	"chodenet.ai/internal/ritual"
	"chodenet.ai/internal/transport/feed"
)

const defaultConfigPath = "./configs/oracle.yaml"

func main() {
	var (
		configPath = flag.String("config", defaultConfigPath, "path to oracle.yaml")
		addr       = flag.String("addr", "", "http listen address (overrides server.addr)")
		scheduler  = flag.Bool("scheduler", false, "run the ritual batch and lore cycle jobs in-process")
		debug      = flag.Bool("debug", false, "log at debug level")
	)
	flag.Parse()

	path := strings.TrimSpace(*configPath)
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		// The logger depends on the config; fall back to a bare one.
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	root, err := config.NewLogger(cfg.LogLevel, *debug)
	if err != nil {
		zap.NewExample().Fatal("logger", zap.Error(err))
	}
	defer func() { _ = root.Sync() }()
	logger := root.With(zap.String("component", "server"))

	ctx, cancel := signalContext()
	defer cancel()

	if err := run(ctx, cfg, *scheduler, root); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
	logger.Info("bye")
}

func run(ctx context.Context, cfg config.Config, withScheduler bool, root *zap.Logger) error {
	logger := root.With(zap.String("component", "server"))

	cat, err := catalogs.Load(cfg.Rituals.CatalogPath)
	if err != nil {
		return err
	}

	st, err := backend.Open(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.UpsertCatalog(ctx, cat); err != nil {
		return err
	}
	logger.Info("catalog loaded",
		zap.Int("bases", len(cat.Bases)),
		zap.Int("ingredients", len(cat.Ingredients)),
		zap.String("digest", cat.Digest))

	var (
		outcomes ritual.OutcomeLoggers
		inputs   []api.InputSink
	)
	if cfg.Audit.Enabled {
		mirror, err := newArchiveMirror(cfg, root)
		if err != nil {
			return err
		}
		if mirror != nil {
			// Registered first so it runs after the loggers flush their last file.
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer scancel()
				mirror.Close(sctx)
			}()
		}
		outLog := persistlog.NewOutcomeLogger(cfg.Audit.Dir)
		inLog := persistlog.NewInputLogger(cfg.Audit.Dir)
		if mirror != nil {
			outLog.Writer().OnClose(mirror.Enqueue)
			inLog.Writer().OnClose(mirror.Enqueue)
		}
		defer outLog.Close()
		defer inLog.Close()
		outcomes = append(outcomes, outLog)
		inputs = append(inputs, inLog)
	}

	resolver := lore.Resolver{Store: st}
	var hub *feed.Hub
	if cfg.Feed.Enabled {
		hub = feed.NewHub(feed.Config{
			QueueSize: cfg.Feed.QueueSize,
			Logger:    root.With(zap.String("component", "feed")),
			Welcome: func(ctx context.Context) protocol.WelcomeMsg {
				w := protocol.WelcomeMsg{CatalogDigest: cat.Digest}
				now := time.Now().UTC()
				if c, err := resolver.Resolve(ctx, now); err == nil {
					info := protocol.NewCycleInfo(c, now)
					w.Cycle = &info
				}
				return w
			},
		})
		defer hub.Close()
		outcomes = append(outcomes, hub)
		inputs = append(inputs, hub)
	}

	seed := uint64(time.Now().UnixNano())
	proc, err := ritual.NewProcessor(ritual.ProcessorConfig{
		Store:     st,
		Rand:      rand.New(rand.NewPCG(seed, seed>>1|1)),
		BatchSize: cfg.Rituals.BatchSize,
		ClaimTTL:  cfg.Rituals.ClaimTTL,
		Outcomes:  outcomes,
		Logger:    root.With(zap.String("component", "processor")),
	})
	if err != nil {
		return err
	}

	apiCfg := api.Config{
		Store:          st,
		Processor:      proc,
		SessionSecret:  []byte(cfg.Secrets.Session),
		Scheduler:      auth.NewVerifier([]byte(cfg.Secrets.Scheduler)),
		MaxInputLength: cfg.Lore.MaxInputLength,
		StarterGirth:   cfg.Economy.StarterGirth,
		StarterShards:  cfg.Economy.StarterShards,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RateLimit:      rate.Limit(cfg.Server.RateLimit.RPS),
		RateBurst:      cfg.Server.RateLimit.Burst,
		Inputs:         inputs,
		Logger:         root.With(zap.String("component", "api")),
	}
	if hub != nil {
		apiCfg.Feed = hub.Handler()
	}
	srv, err := api.New(apiCfg)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if hub != nil {
			hub.Close()
		}
		return httpSrv.Shutdown(sctx)
	})

	if withScheduler {
		closer, err := newCycleCloser(ctx, cfg, st, root)
		if err != nil {
			return err
		}
		sched := &ritual.Scheduler{
			Interval: cfg.Rituals.Interval,
			Jobs:     []ritual.Job{ritual.BatchJob(proc), closeCyclesJob(closer, hub)},
			Logger:   root.With(zap.String("component", "scheduler")),
		}
		g.Go(func() error {
			logger.Info("scheduler started", zap.Duration("interval", cfg.Rituals.Interval))
			if err := sched.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	} else {
		logger.Info("in-process scheduler disabled; expecting signed POST /process-ritual")
	}

	return g.Wait()
}

// newArchiveMirror returns nil when archiving is off.
func newArchiveMirror(cfg config.Config, root *zap.Logger) (*r2s3.Mirror, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	client, err := r2s3.New(r2s3.ClientConfig{
		Endpoint:        cfg.Archive.Endpoint,
		Bucket:          cfg.Archive.Bucket,
		Region:          cfg.Archive.Region,
		AccessKeyID:     cfg.Secrets.ArchiveAccessKeyID,
		SecretAccessKey: cfg.Secrets.ArchiveSecretAccessKey,
	})
	if err != nil {
		return nil, err
	}
	return r2s3.NewMirror(client, r2s3.MirrorConfig{
		DataDir:   cfg.Audit.Dir,
		Prefix:    cfg.Archive.Prefix,
		Workers:   cfg.Archive.Workers,
		QueueSize: cfg.Archive.QueueSize,
		Logger:    root.With(zap.String("component", "archive")),
	}), nil
}

func newCycleCloser(ctx context.Context, cfg config.Config, st oracle.CycleStore, root *zap.Logger) (*oracle.Closer, error) {
	c := &oracle.Closer{Store: st, Logger: root.With(zap.String("component", "oracle"))}
	if cfg.Secrets.GenAIKey == "" {
		root.Info("prophecy disabled (ORACLE_GENAI_API_KEY unset)")
		return c, nil
	}
	p, err := oracle.NewGenAIProphet(ctx, cfg.Secrets.GenAIKey, cfg.Lore.ProphecyModel)
	if err != nil {
		return nil, err
	}
	c.Prophet = p
	return c, nil
}

// closeCyclesJob closes finished lore cycles and announces them on the feed.
func closeCyclesJob(c *oracle.Closer, hub *feed.Hub) ritual.Job {
	return ritual.Job{
		Name: "close-lore-cycles",
		Run: func(ctx context.Context) error {
			closed, err := c.Close(ctx)
			if err != nil {
				return err
			}
			if hub != nil {
				for _, cy := range closed {
					hub.PublishCycleClosed(cy)
				}
			}
			return nil
		},
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
