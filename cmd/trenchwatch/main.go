package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/adapters"
	"github.com/nexus-trading/trenchwatch/internal/adapters/community"
	"github.com/nexus-trading/trenchwatch/internal/adapters/dexpaprika"
	"github.com/nexus-trading/trenchwatch/internal/adapters/dexscreener"
	"github.com/nexus-trading/trenchwatch/internal/adapters/jupiter"
	"github.com/nexus-trading/trenchwatch/internal/admins"
	"github.com/nexus-trading/trenchwatch/internal/api"
	"github.com/nexus-trading/trenchwatch/internal/audit"
	"github.com/nexus-trading/trenchwatch/internal/bus"
	"github.com/nexus-trading/trenchwatch/internal/clickhouse"
	"github.com/nexus-trading/trenchwatch/internal/config"
	"github.com/nexus-trading/trenchwatch/internal/enrich"
	"github.com/nexus-trading/trenchwatch/internal/intake"
	"github.com/nexus-trading/trenchwatch/internal/notify"
	"github.com/nexus-trading/trenchwatch/internal/observability"
	"github.com/nexus-trading/trenchwatch/internal/schedule"
	"github.com/nexus-trading/trenchwatch/internal/sniper"
	"github.com/nexus-trading/trenchwatch/internal/store"
	"github.com/nexus-trading/trenchwatch/internal/store/memory"
	"github.com/nexus-trading/trenchwatch/internal/store/postgres"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// 1. Flags and configuration.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	stubMode := flag.Bool("stub", false, "Use stub upstream clients (no external API calls)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	setupLogging(cfg.General)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration validation failed")
	}

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Str("store", cfg.Store.Backend).
		Str("sniper_cache", cfg.Sniper.CacheBackend).
		Bool("kafka", cfg.Notify.KafkaEnabled).
		Bool("clickhouse", cfg.Notify.ClickHouseEnabled).
		Bool("feed", cfg.Intake.FeedEnabled).
		Bool("stub_mode", *stubMode).
		Msg("trenchwatch starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	health := observability.NewHealthMonitor(cfg.HTTP.HealthInterval)
	var wg sync.WaitGroup

	// 2. Store.
	st, snapshotStop := openStore(ctx, cfg, metrics, health)
	defer st.Close()

	if n, err := store.DeleteOrphans(ctx, st); err != nil {
		log.Warn().Err(err).Msg("Orphan cleanup failed")
	} else if n > 0 {
		log.Info().Int("deleted", n).Msg("Removed coins without an admin")
	}

	// 3. Upstream clients.
	up := newUpstreams(cfg.Upstream, *stubMode)
	for name, open := range up.breakers {
		health.Register("upstream_"+name, observability.BreakerCheck(open))
	}

	// 4. Notification fan-out.
	hub := notify.NewHub(cfg.Notify.QueueSize)
	ws := notify.NewWSHub()
	hub.Register(ctx, ws)

	var producer bus.Producer
	if cfg.Notify.KafkaEnabled {
		kp, err := bus.NewProducer(cfg.Notify.KafkaBrokers, bus.WithInstanceID(cfg.General.InstanceID))
		if err != nil {
			log.Fatal().Err(err).Msg("Kafka producer")
		}
		producer = kp
		hub.Register(ctx, notify.NewBusSurface(kp, cfg.Notify.KafkaTopic, cfg.General.InstanceID))
	}

	trail := audit.NewTrail(producer, 1000)

	var events *clickhouse.EventWriter
	if cfg.Notify.ClickHouseEnabled {
		ch, err := clickhouse.NewClient(cfg.Notify.ClickHouseDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("ClickHouse client")
		}
		defer ch.Close()
		if err := ch.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("ClickHouse schema")
		}
		events = clickhouse.NewEventWriter(ch, ch.Database(), cfg.Notify.ClickHouseBatch, cfg.Notify.ClickHouseFlush)
		events.Start(ctx)
		hub.Register(ctx, events)
		health.Register("clickhouse", observability.PingCheck(ch.Ping))
	}
	hub.Start(ctx)
	health.Register("notify", observability.BacklogCheck(func() int {
		worst := 0
		for _, s := range hub.Stats().Surfaces {
			worst = max(worst, s.Queued)
		}
		return worst
	}, cfg.Notify.QueueSize))

	// 5. Pipeline components.
	sched := schedule.New()
	agg := admins.New(st, hub)

	dex := enrich.NewDexChecker(st, up.orders, sched, agg, enrich.DexConfig{
		Offsets:       cfg.Enrich.DexOffsets(),
		FinalizeAfter: cfg.Enrich.DexFinalizeAfter,
	})
	ath := enrich.NewATHProcessor(st, up.pools, agg, enrich.ATHConfig{
		BatchSize:     cfg.Enrich.ATHBatchSize,
		Spacing:       cfg.Enrich.ATHSpacing,
		MinAge:        cfg.Enrich.ATHMinAge,
		MaxCaptureAge: cfg.Enrich.ATHMaxCaptureAge,
		Venue:         cfg.Enrich.LaunchVenue,
		Limits:        cfg.Enrich.Limits(),
	})

	cache, storeCache := openSnipeCache(ctx, cfg.Sniper, st, health)
	snp := sniper.NewEngine(st, agg, cache, hub)
	snp.SetTrail(trail)
	if err := snp.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("Sniper rules not loaded, using defaults")
	}

	in := intake.New(intake.Deps{
		Store:      st,
		Community:  up.community,
		Metadata:   up.metadata,
		Dex:        dex,
		Sniper:     snp,
		Aggregator: agg,
		Scheduler:  sched,
	}, intake.Config{
		MaxCommunityAge: cfg.Intake.MaxCommunityAge,
		MetaRetryDelay:  cfg.Intake.MetaRetryDelay,
	})

	// 6. Periodic jobs.
	job := func(name string, fn func(context.Context) error) schedule.Job {
		return func(ctx context.Context) {
			start := time.Now()
			err := fn(ctx)
			metrics.TrackJob(start, err)
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("job", name).Msg("Periodic job failed")
			}
		}
	}
	every := func(name, spec string, fn func(context.Context) error) {
		if err := sched.Every(name, spec, job(name, fn)); err != nil {
			log.Fatal().Err(err).Str("job", name).Str("spec", spec).Msg("Invalid schedule")
		}
	}
	every("dex_sweep", cfg.Enrich.DexSweepSpec, func(ctx context.Context) error {
		_, err := dex.Sweep(ctx)
		return err
	})
	every("ath_run", cfg.Enrich.ATHSpec, func(ctx context.Context) error {
		_, err := ath.Run(ctx)
		if errors.Is(err, enrich.ErrRunInProgress) {
			return nil
		}
		return err
	})
	every("ath_refresh", cfg.Enrich.ATHRefreshSpec, func(ctx context.Context) error {
		_, err := ath.Refresh(ctx)
		if errors.Is(err, enrich.ErrRunInProgress) {
			return nil
		}
		return err
	})
	every("admin_stats", cfg.Enrich.StatsSpec, func(ctx context.Context) error {
		_, err := agg.RecomputeAll(ctx)
		return err
	})
	if storeCache != nil {
		every("snipe_prune", cfg.Sniper.PruneSpec, func(ctx context.Context) error {
			_, err := storeCache.Prune(ctx, time.Now())
			return err
		})
	}
	sched.Start()

	if n, err := dex.Reschedule(ctx); err != nil {
		log.Warn().Err(err).Msg("DEX reschedule failed")
	} else {
		log.Info().Int("jobs", n).Msg("DEX checks rescheduled")
	}

	// 7. Optional Kafka discovery feed.
	if cfg.Intake.FeedEnabled {
		consumer, err := bus.NewConsumer(cfg.Notify.KafkaBrokers, cfg.Intake.FeedGroup, []string{cfg.Intake.FeedTopic})
		if err != nil {
			log.Fatal().Err(err).Msg("Kafka discovery feed")
		}
		feed := intake.NewFeed(in, consumer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer feed.Close()
			if err := feed.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Discovery feed stopped")
			}
		}()
	}

	// 8. Metrics, health and HTTP.
	registerCollectors(metrics.Registry, collectors{
		intake: in, dex: dex, ath: ath, sniper: snp, hub: hub, ws: ws,
		events: events, upstreams: up.stats,
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		health.Start(ctx)
	}()

	srv := api.New(ctx, api.Deps{
		Store:   st,
		Intake:  in,
		Dex:     dex,
		ATH:     ath,
		Admins:  agg,
		Sniper:  snp,
		Hub:     hub,
		WS:      ws,
		Health:  health,
		Metrics: metrics,
		Audit:   trail,
		ExtraStats: func() map[string]any {
			out := map[string]any{
				"upstreams": up.stats(),
				"pending":   len(sched.Pending()),
			}
			if events != nil {
				flushes, errs, pending := events.Stats()
				out["clickhouse"] = map[string]any{"flushes": flushes, "errors": errs, "pending": pending}
			}
			return out
		},
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(ctx, cfg.HTTP.Addr); err != nil {
			log.Error().Err(err).Msg("HTTP server error")
			stop()
		}
	}()

	// Periodic stats logging.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				is, as, ss := in.Stats(), ath.Stats(), snp.Stats()
				log.Info().
					Int64("submitted", is.Submitted).
					Int64("accepted", is.Accepted).
					Int64("ath_updated", as.Updated).
					Int("ath_error_count", as.ErrorCount).
					Int64("snipes", ss.Fired).
					Int("ws_clients", ws.ClientCount()).
					Int("pending_jobs", len(sched.Pending())).
					Msg("[STATS]")
			}
		}
	}()

	log.Info().Str("addr", cfg.HTTP.Addr).Msg("trenchwatch running")

	// 9. Block until shutdown.
	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	ath.Cancel()
	sched.Stop()
	health.Stop()
	wg.Wait()

	hub.Close()
	ws.CloseAll()
	if events != nil {
		if err := events.Close(); err != nil {
			log.Warn().Err(err).Msg("ClickHouse final flush failed")
		}
	}
	if producer != nil {
		producer.Close()
	}
	if snapshotStop != nil {
		snapshotStop()
	}

	is := in.Stats()
	log.Info().
		Int64("submitted", is.Submitted).
		Int64("accepted", is.Accepted).
		Int64("snipes", snp.Stats().Fired).
		Msg("trenchwatch - Final Statistics")
	log.Info().Msg("trenchwatch - Shutdown complete")
}

// openStore returns the configured store. For the memory backend it loads
// the snapshot and starts the save loop; the returned func stops the loop
// and waits for the final save.
func openStore(ctx context.Context, cfg *config.Config, m *observability.Metrics, health *observability.HealthMonitor) (store.Store, func()) {
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Store.PostgresDSN, cfg.Store.PostgresMaxConns)
		if err != nil {
			log.Fatal().Err(err).Msg("Postgres connection")
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("Postgres migrations")
		}
		health.Register("store", observability.PingCheck(pool.Ping))
		log.Info().Msg("Store: postgres")
		return postgres.NewStore(pool), nil
	default:
		ms := memory.New()
		path := cfg.Store.SnapshotPath
		info := memory.GetSnapshotInfo(path)
		if info.Exists {
			if err := ms.LoadSnapshot(path); err != nil {
				log.Error().Err(err).Str("path", path).Msg("Snapshot load failed, starting empty")
			}
		}
		stopCh := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			ms.SnapshotLoop(path, cfg.Store.SnapshotInterval, stopCh)
		}()
		m.Registry.GaugeFunc("trenchwatch_snapshot_age_seconds", "Seconds since the last store snapshot", func() float64 {
			si := memory.GetSnapshotInfo(path)
			if !si.Exists {
				return -1
			}
			return time.Since(si.ModTime).Seconds()
		})
		log.Info().Str("snapshot", path).Dur("interval", cfg.Store.SnapshotInterval).Msg("Store: memory")
		return ms, func() {
			close(stopCh)
			<-done
		}
	}
}

// openSnipeCache returns the sniper cache and, for the store backend, the
// concrete cache so its entries can be pruned.
func openSnipeCache(ctx context.Context, cfg config.SniperConfig, st store.Store, health *observability.HealthMonitor) (sniper.Cache, *sniper.StoreCache) {
	if cfg.CacheBackend == "redis" {
		rc := sniper.NewRedisCache(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB}, cfg.KeyPrefix, cfg.CacheTTL)
		if err := rc.Ping(ctx); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis snipe cache")
		}
		health.Register("redis", observability.PingCheck(rc.Ping))
		log.Info().Str("addr", cfg.RedisAddr).Msg("Snipe cache: redis")
		return rc, nil
	}
	sc := sniper.NewStoreCache(st, cfg.CacheTTL)
	log.Info().Msg("Snipe cache: store")
	return sc, sc
}

// upstreams bundles the four external API clients.
type upstreams struct {
	metadata  jupiter.MetadataClient
	community community.Client
	orders    dexscreener.OrderClient
	pools     dexpaprika.PoolClient
	breakers  map[string]func() bool
	stats     func() []adapters.ClientStats
}

func newUpstreams(cfg config.UpstreamConfig, stub bool) upstreams {
	if stub {
		log.Warn().Msg("Upstream clients: STUB mode")
		return upstreams{
			metadata:  jupiter.NewStubClient(),
			community: community.NewStubClient(),
			orders:    dexscreener.NewStubClient(),
			pools:     dexpaprika.NewStubClient(),
			breakers:  map[string]func() bool{},
			stats:     func() []adapters.ClientStats { return nil },
		}
	}

	cc := func(name string) adapters.ClientConfig {
		c := adapters.DefaultClientConfig(name)
		c.Timeout = cfg.Timeout
		c.MaxRetries = cfg.MaxRetries
		c.RetryBackoff = cfg.RetryBackoff
		return c
	}
	jup := jupiter.NewAPIClient(cfg.JupiterURL, cc("jupiter"))
	com := community.NewAPIClient(cfg.CommunityURL, cfg.CommunityHost, cfg.RapidAPIKey, cc("community"))
	dxs := dexscreener.NewAPIClient(cfg.DexscreenerURL, cc("dexscreener"))
	dxp := dexpaprika.NewAPIClient(cfg.DexpaprikaURL, cc("dexpaprika"))

	all := []interface{ Stats() adapters.ClientStats }{jup, com, dxs, dxp}
	breakers := make(map[string]func() bool, len(all))
	for _, c := range all {
		c := c
		breakers[c.Stats().Name] = func() bool { return c.Stats().CircuitOpen }
	}
	return upstreams{
		metadata:  jup,
		community: com,
		orders:    dxs,
		pools:     dxp,
		breakers:  breakers,
		stats: func() []adapters.ClientStats {
			out := make([]adapters.ClientStats, 0, len(all))
			for _, c := range all {
				out = append(out, c.Stats())
			}
			return out
		},
	}
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "trenchwatch").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "trenchwatch").
			Str("instance", general.InstanceID).Logger()
	}
}
