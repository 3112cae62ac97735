package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v3"

	"github.com/fusionradar/fusionradar/internal/bus"
	"github.com/fusionradar/fusionradar/internal/config"
	"github.com/fusionradar/fusionradar/internal/dlq"
	"github.com/fusionradar/fusionradar/internal/fusion"
	"github.com/fusionradar/fusionradar/internal/gateway"
	"github.com/fusionradar/fusionradar/internal/history"
	"github.com/fusionradar/fusionradar/internal/hotview"
	"github.com/fusionradar/fusionradar/internal/ingest"
	"github.com/fusionradar/fusionradar/internal/monitoring"
	"github.com/fusionradar/fusionradar/internal/normalize"
	"github.com/fusionradar/fusionradar/internal/orchestrator"
)

func main() {
	cmd := &cli.Command{
		Name:  "fusionradar",
		Usage: "Fuse multi-source AIS/ADS-B feeds into a single realtime tracking view",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Category: "server",
				Name:     "server.listen",
				Aliases:  []string{"listen", "l"},
				Value:    ":8080",
				Usage:    "`ADDRESS` for the gateway WebSocket/status/metrics server",
			},
			&cli.StringFlag{
				Category: "server",
				Name:     "config",
				Aliases:  []string{"c"},
				Sources:  cli.EnvVars("CONFIG_FILE"),
				Usage:    "Optional YAML `FILE` overlaying the flag/env defaults",
			},
			&cli.StringFlag{
				Category: "monitoring",
				Name:     "tracing.endpoint",
				Aliases:  []string{"tracing", "t"},
				Usage:    "OpenTelemetry collector `ENDPOINT` for traces",
			},
			&cli.BoolFlag{
				Category: "monitoring",
				Name:     "debug",
				Aliases:  []string{"d"},
				Usage:    "Enable debug logging",
			},

			&cli.StringFlag{
				Category: "feeds",
				Name:     "feeds.ais_ws.url",
				Sources:  cli.EnvVars("AIS_WS_URL"),
				Usage:    "AIS WebSocket feed URL (disabled if empty)",
			},
			&cli.StringFlag{
				Category: "feeds",
				Name:     "feeds.ais_ws.subscribe",
				Sources:  cli.EnvVars("AIS_WS_SUBSCRIBE"),
				Usage:    "Optional JSON subscription payload sent after connect",
			},
			&cli.StringFlag{
				Category: "feeds",
				Name:     "feeds.ais_signalr.url",
				Sources:  cli.EnvVars("AIS_SIGNALR_URL"),
				Usage:    "AIS SignalR hub URL (disabled if empty)",
			},
			&cli.StringFlag{
				Category: "feeds",
				Name:     "feeds.adsb.endpoint",
				Sources:  cli.EnvVars("ADSB_ENDPOINT"),
				Usage:    "ADS-B states HTTP endpoint (disabled if empty)",
			},
			&cli.StringFlag{
				Category: "feeds",
				Name:     "feeds.adsb.user",
				Sources:  cli.EnvVars("ADSB_USER"),
				Usage:    "ADS-B endpoint Basic Auth username (optional)",
			},
			&cli.StringFlag{
				Category: "feeds",
				Name:     "feeds.adsb.pass",
				Sources:  cli.EnvVars("ADSB_PASS"),
				Usage:    "ADS-B endpoint Basic Auth password (optional)",
			},
			&cli.DurationFlag{
				Category: "feeds",
				Name:     "feeds.adsb.interval",
				Sources:  cli.EnvVars("ADSB_INTERVAL"),
				Value:    10 * time.Second,
				Usage:    "ADS-B polling interval",
			},

			&cli.StringFlag{
				Category: "storage",
				Name:     "storage.hotview_path",
				Sources:  cli.EnvVars("HOTVIEW_PATH"),
				Value:    ":memory:",
				Usage:    "BuntDB hot-view path (':memory:' for in-process only)",
			},
			&cli.StringFlag{
				Category: "storage",
				Name:     "storage.postgres_dsn",
				Sources:  cli.EnvVars("POSTGRES_DSN"),
				Usage:    "Postgres DSN for the history store (disabled if empty)",
			},
			&cli.StringFlag{
				Category: "bus",
				Name:     "bus.nats_url",
				Sources:  cli.EnvVars("NATS_URL"),
				Usage:    "NATS server URL for cross-process bus delivery (disabled if empty)",
			},

			&cli.IntFlag{Category: "fusion", Name: "fusion.window_ms", Sources: cli.EnvVars("WINDOW_MS"), Value: 60000, Usage: "Sliding window size in milliseconds"},
			&cli.IntFlag{Category: "fusion", Name: "fusion.allowed_lateness_ms", Sources: cli.EnvVars("ALLOWED_LATENESS_MS"), Value: 30000, Usage: "Max age for an entry to be a publish candidate"},
			&cli.StringFlag{Category: "fusion", Name: "fusion.min_move_meters", Sources: cli.EnvVars("MIN_MOVE_METERS"), Value: "5", Usage: "Minimum movement in meters to bypass the rate gate"},
			&cli.IntFlag{Category: "fusion", Name: "fusion.publish_min_interval_ms", Sources: cli.EnvVars("PUBLISH_MIN_INTERVAL_MS"), Value: 5000, Usage: "Minimum interval between publishes per entity"},
			&cli.IntFlag{Category: "fusion", Name: "fusion.max_age_ms", Sources: cli.EnvVars("MAX_AGE_MS"), Value: 0, Usage: "Hard ingest-time staleness reject (0 = disabled, fall back to lateness rule)"},
			&cli.BoolFlag{Category: "fusion", Name: "fusion.accept_all", Sources: cli.EnvVars("ACCEPT_ALL"), Usage: "Disable window trimming (backfill/replay mode)"},

			&cli.IntFlag{Category: "persistence", Name: "persistence.hot_view_ttl_s", Sources: cli.EnvVars("HOT_VIEW_TTL_S"), Value: 1800, Usage: "Hot-view record TTL in seconds"},
			&cli.IntFlag{Category: "persistence", Name: "persistence.retention_ms", Sources: cli.EnvVars("RETENTION_MS"), Value: 32_400_000, Usage: "Active-set retention window in milliseconds"},
			&cli.IntFlag{Category: "persistence", Name: "persistence.dlq_max_retries", Sources: cli.EnvVars("DLQ_MAX_RETRIES"), Value: 5, Usage: "Retries before a DLQ entry is escalated to the dead queue"},
			&cli.IntFlag{Category: "persistence", Name: "persistence.batch_size", Sources: cli.EnvVars("BATCH_SIZE"), Value: 50, Usage: "History writer batch size"},
			&cli.IntFlag{Category: "persistence", Name: "persistence.batch_timeout_ms", Sources: cli.EnvVars("BATCH_TIMEOUT_MS"), Value: 2000, Usage: "History writer flush timeout in milliseconds"},

			&cli.IntFlag{Category: "broadcast", Name: "broadcast.interval_ms", Sources: cli.EnvVars("BROADCAST_INTERVAL_MS"), Value: 5000, Usage: "Gateway periodic push interval"},
			&cli.IntFlag{Category: "concurrency", Name: "concurrency.max_parallel_fusion", Sources: cli.EnvVars("MAX_PARALLEL_FUSION"), Value: 10, Usage: "Normalizer/fusion worker pool size"},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	if cmd.Bool("debug") {
		monitoring.SetLogLevel("debug")
	}
	shutdownTracer := monitoring.InitTracer(cmd.String("tracing.endpoint"), "fusionradar")
	defer shutdownTracer()

	settings := config.Default()
	settings.Fusion.WindowMs = cmd.Int("fusion.window_ms")
	settings.Fusion.AllowedLatenessMs = cmd.Int("fusion.allowed_lateness_ms")
	if v, err := strconv.ParseFloat(cmd.String("fusion.min_move_meters"), 64); err == nil {
		settings.Fusion.MinMoveMeters = v
	}
	settings.Fusion.PublishMinInterval = cmd.Int("fusion.publish_min_interval_ms")
	settings.Fusion.MaxAgeMs = cmd.Int("fusion.max_age_ms")
	settings.Fusion.AcceptAll = cmd.Bool("fusion.accept_all")
	settings.Persistence.HotViewTTL = time.Duration(cmd.Int("persistence.hot_view_ttl_s")) * time.Second
	settings.Persistence.RetentionMs = cmd.Int("persistence.retention_ms")
	settings.Persistence.DLQMaxRetries = int(cmd.Int("persistence.dlq_max_retries"))
	settings.Persistence.BatchSize = int(cmd.Int("persistence.batch_size"))
	settings.Persistence.BatchTimeout = time.Duration(cmd.Int("persistence.batch_timeout_ms")) * time.Millisecond
	settings.Broadcast.IntervalMs = cmd.Int("broadcast.interval_ms")
	settings.Concurrency.MaxParallelFusion = int(cmd.Int("concurrency.max_parallel_fusion"))
	if path := cmd.String("config"); path != "" {
		overlaid, err := config.LoadFileOverlay(path, settings)
		if err != nil {
			return err
		}
		settings = overlaid
	}
	cfg := config.NewHolder(settings)

	b := bus.New()
	if url := cmd.String("bus.nats_url"); url != "" {
		if err := b.Connect(url, bus.ChannelPositionUpdate, bus.ChannelNewEntity, bus.ChannelConfigUpdate); err != nil {
			monitoring.Errorf("nats connect failed, continuing local-only: %v", err)
		}
	}

	hot, err := hotview.Open(cmd.String("storage.hotview_path"), settings.Persistence.HotViewTTL, time.Duration(settings.Persistence.RetentionMs)*time.Millisecond)
	if err != nil {
		return err
	}
	defer hot.Close()

	var pool *pgxpool.Pool
	if dsn := cmd.String("storage.postgres_dsn"); dsn != "" {
		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			return err
		}
		defer pool.Close()
	}
	hist := history.NewWriter(pool,
		history.WithBatchSize(settings.Persistence.BatchSize),
		history.WithBatchTimeout(settings.Persistence.BatchTimeout),
		history.WithMinMoveFilter(settings.Persistence.MinPositionDistance, settings.Persistence.MaxPositionAge),
	)
	if pool != nil {
		if err := hist.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	dead := dlq.New(settings.Persistence.DLQMaxRetries)
	sampler := normalize.NewRejectSampler(30 * time.Second)
	norm := normalize.New(sampler, normalize.WithMaxAge(time.Duration(settings.Fusion.MaxAgeMs)*time.Millisecond))
	engine := fusion.New(cfg)

	var adapters []ingest.Adapter
	if u := cmd.String("feeds.ais_ws.url"); u != "" {
		adapters = append(adapters, ingest.NewAISWebSocketAdapter(u, []byte(cmd.String("feeds.ais_ws.subscribe"))))
	}
	if u := cmd.String("feeds.ais_signalr.url"); u != "" {
		adapters = append(adapters, ingest.NewAISSignalRAdapter(u, nil))
	}
	if u := cmd.String("feeds.adsb.endpoint"); u != "" {
		adapters = append(adapters, ingest.NewADSBAdapter(u, cmd.String("feeds.adsb.user"), cmd.String("feeds.adsb.pass"), cmd.Duration("feeds.adsb.interval")))
	}

	orch := orchestrator.New(cfg, adapters, norm, engine, hot, hist, dead, b)
	go orch.Run(ctx)

	gw := gateway.New(hot, b, time.Duration(settings.Broadcast.IntervalMs)*time.Millisecond, settings.Broadcast.GeohashPrecision,
		settings.Broadcast.MinClientMove, time.Duration(settings.Broadcast.ClientKeepalive)*time.Millisecond)
	gw.SetPipelineStatus(func() any { return orch.Status() })
	srv := &http.Server{Addr: cmd.String("server.listen"), Handler: gw.Router()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	monitoring.Debugf("fusionradar listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
