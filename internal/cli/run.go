package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/klppl/modbot/internal/atproto"
	"github.com/klppl/modbot/internal/cache"
	"github.com/klppl/modbot/internal/config"
	"github.com/klppl/modbot/internal/creds"
	"github.com/klppl/modbot/internal/daemon"
	"github.com/klppl/modbot/internal/firehose"
	"github.com/klppl/modbot/internal/pipeline"
	"github.com/klppl/modbot/internal/queue"
	"github.com/klppl/modbot/internal/registry"
	"github.com/klppl/modbot/internal/rules"
)

const runUsage = `Start the daemon: connect to the firehose, resolve profiles, and
reconcile moderation list memberships against the configured rules.`

type runOptions struct {
	useCache bool
	noExpire bool
	verbose  bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:          "run",
		Short:        "Run the daemon",
		Long:         runUsage,
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			return runDaemon(c.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.useCache, "cache", true, "seed a post-bootstrap rescan of every cached DID")
	flags.BoolVar(&opts.noExpire, "no-expire-cache", false, "treat every cached profile as fresh, ignoring cache_life")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	return cmd
}

func runDaemon(ctx context.Context, opts *runOptions) error {
	cfg := config.Load()
	if opts.noExpire {
		cfg.CacheExpire = false
	}
	if opts.verbose {
		cfg.Verbose = true
	}
	if cfg.Verbose {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}
	if err := cfg.RequireCredentialsPath(); err != nil {
		return err
	}

	cred, err := creds.Load(cfg.CredentialsPath)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	ruleSet, err := rules.Load(cfg.ListConfigPath)
	if err != nil {
		return fmt.Errorf("load list config: %w", err)
	}

	cacheStore, err := cache.Open(cfg.CacheDBPath)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	if err := cacheStore.Migrate(); err != nil {
		return fmt.Errorf("migrate cache: %w", err)
	}
	if cfg.CacheBootstrapPath != "" {
		if _, err := cacheStore.LoadBootstrap(cfg.CacheBootstrapPath, time.Now()); err != nil {
			return fmt.Errorf("load cache bootstrap: %w", err)
		}
	}

	client := atproto.NewClient(cfg.PDSHost, cred.ID, cred.Pass)
	if err := client.Authenticate(ctx); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	client.PublicAPIHost = cfg.PublicAPIHost

	reg := registry.New(client)

	scheduleQ := queue.New[string]()
	queryQ := queue.New[string]()
	listaddQ := queue.New[cache.Profile]()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := daemon.Bootstrap(ctx, client, reg, ruleSet, scheduleQ, cacheStore, opts.useCache); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	metrics := daemon.NewMetrics()

	scheduler := &pipeline.Scheduler{
		Cache:       cacheStore,
		CacheLife:   cfg.CacheLife,
		CacheExpire: cfg.CacheExpire,
		Schedule:    scheduleQ,
		QueryQ:      queryQ,
		Listadd:     listaddQ,
	}
	resolver := &pipeline.Resolver{
		Client:      client,
		Cache:       cacheStore,
		Registry:    reg,
		QueryQ:      queryQ,
		Listadd:     listaddQ,
		CacheLife:   cfg.CacheLife,
		CacheExpire: cfg.CacheExpire,
	}
	reconciler := &pipeline.Reconciler{
		Registry: reg,
		Rules:    ruleSet,
		Metrics:  metrics,
		Listadd:  listaddQ,
	}

	scheduler.Run(ctx, cfg.NumSchedulers)
	resolver.Run(ctx, cfg.NumResolvers)
	reconciler.Run(ctx, cfg.NumReconcilers)

	ingestor := firehose.New(cfg.FirehoseHost, cfg.HeartbeatTimeout, cfg.HeartbeatProbe, scheduleSink{scheduleQ})
	go ingestor.Run(ctx)

	health := daemon.NewHealthServer(cfg.MetricsAddr)
	go health.Start(ctx)

	supervisor := &daemon.Supervisor{
		Cache:               cacheStore,
		Metrics:             metrics,
		Schedule:            scheduleQ,
		QueryQ:              queryQ,
		Listadd:             listaddQ,
		Pools:               []*pipeline.Pool{scheduler.Pool(), resolver.Pool(), reconciler.Pool()},
		CompactionWatermark: cfg.CompactionWatermark,
	}
	supervisor.Run(ctx)

	return nil
}

// scheduleSink adapts *queue.Queue[string] to firehose.Sink.
type scheduleSink struct {
	q *queue.Queue[string]
}

func (s scheduleSink) Push(did string) { s.q.Push(did) }
