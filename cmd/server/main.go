// Command server runs the capacity-aware reverse proxy.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riftrelay/capacity-proxy/internal/broadcast"
	"github.com/riftrelay/capacity-proxy/internal/capacity"
	"github.com/riftrelay/capacity-proxy/internal/config"
	"github.com/riftrelay/capacity-proxy/internal/executor"
	"github.com/riftrelay/capacity-proxy/internal/httpapi"
	"github.com/riftrelay/capacity-proxy/internal/keypool"
	"github.com/riftrelay/capacity-proxy/internal/models"
	"github.com/riftrelay/capacity-proxy/internal/obslog"
	"github.com/riftrelay/capacity-proxy/internal/router"
	"github.com/riftrelay/capacity-proxy/internal/stats"
	pxredis "github.com/riftrelay/capacity-proxy/pkg/redis"
)

const version = "1.0.0"

func main() {
	var (
		configPath string
		debug      bool
		port       int
		host       string
	)
	flag.StringVar(&configPath, "config", "", "Path to JSON config file")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.IntVar(&port, "port", 0, "Listen port (overrides config and GLM_PORT)")
	flag.StringVar(&host, "host", "", "Bind address (overrides config and GLM_HOST)")
	flag.Parse()

	cfg := config.Load(configPath)
	if debug {
		cfg.Debug = true
	}
	if port != 0 {
		cfg.Port = port
	}
	if host != "" {
		cfg.Host = host
	}

	logger := obslog.Global()
	logger.SetDebug(cfg.Debug)
	logger.Info("capacity-proxy v%s starting", version)

	store, err := newKeyStore(cfg)
	if err != nil {
		logger.Error("failed to load key store: %v", err)
		os.Exit(1)
	}
	if len(store.List()) == 0 {
		logger.Warn("key store is empty; every request will fail until keys are loaded and /reload is called")
	} else {
		logger.Success("loaded %d keys (%s)", len(store.List()), cfg.KeyStoreDriver)
	}

	runtime := config.NewRuntime(cfg)
	catalog := models.NewDiscovery(cfg.Models)
	tierModels := map[string][]string{}
	for name, tc := range cfg.Router.Tiers {
		tierModels[name] = tc.Models
	}
	if err := catalog.Validate(tierModels); err != nil {
		logger.Error("invalid model catalog: %v", err)
		os.Exit(1)
	}

	account := capacity.NewAccount429Detector(cfg.Account429)
	scheduler := keypool.NewKeyScheduler(store, cfg.Scheduler, cfg.CircuitBreaker, cfg.Router.Cooldown, account.IsCooled)
	pool := capacity.NewPoolCooldown(cfg.PoolCooldown)
	aimd := capacity.NewAdaptiveConcurrency(cfg.AIMD)
	aimd.Start()
	defer aimd.Stop()

	overrides := router.NewOverrideStore(cfg.OverridesFile, cfg.Router.Executor.MaxOverrides)
	rt := router.New(runtime, catalog, aimd, overrides)

	agg := stats.NewAggregator()
	events := broadcast.New(broadcast.DefaultStatusInterval, rt.PoolStatus, agg.Recent)

	upClient := executor.NewUpstreamClient(cfg.Upstream)
	exec := executor.New(runtime, rt, scheduler, store, catalog, upClient, pool, account, aimd, agg, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.RedisAddr != "" {
		wireRedis(ctx, cfg, logger, pool, account, events)
	}

	srv := httpapi.New(runtime, exec, rt, scheduler, store, pool, account, agg, events, logger)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Warn("shutting down")
		cancel()
		os.Exit(0)
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	if err := srv.Run(addr); err != nil {
		logger.Error("server exited: %v", err)
		os.Exit(1)
	}
}

// newKeyStore picks the configured backing: a JSON key file or a sqlite
// table.
func newKeyStore(cfg *config.Config) (*keypool.KeyStore, error) {
	if cfg.KeyStoreDriver == "sqlite" && cfg.SqliteDSN != "" {
		return keypool.NewSQLiteStore(cfg.SqliteDSN)
	}
	return keypool.NewFileStore(cfg.KeysFile)
}

// wireRedis attaches the optional distributed substrate: cooldown
// mirroring across replicas and cross-replica dashboard event fan-out.
func wireRedis(ctx context.Context, cfg *config.Config, logger *obslog.Logger, pool *capacity.PoolCooldown, account *capacity.Account429Detector, events *broadcast.Broadcaster) {
	client, err := pxredis.NewClient(pxredis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logger.Warn("redis unavailable, running standalone: %v", err)
		return
	}
	logger.Success("redis connected: %s", cfg.RedisAddr)

	pool.SetMirror(func(until time.Time) {
		mctx, mcancel := context.WithTimeout(ctx, 2*time.Second)
		defer mcancel()
		if err := client.SetPoolCooldown(mctx, until); err != nil {
			logger.Debug("redis pool-cooldown mirror failed: %v", err)
		}
	})
	account.SetMirror(func(until time.Time) {
		mctx, mcancel := context.WithTimeout(ctx, 2*time.Second)
		defer mcancel()
		if err := client.SetAccountCooldown(mctx, until); err != nil {
			logger.Debug("redis account-cooldown mirror failed: %v", err)
		}
	})

	// Adopt any cooldown a peer already established.
	if until, err := client.GetPoolCooldown(ctx); err == nil && !until.IsZero() {
		pool.ObserveRemote(until)
	}
	if until, err := client.GetAccountCooldown(ctx); err == nil && !until.IsZero() {
		account.ObserveRemote(until)
	}

	events.SetRelay(client)
	go client.SubscribeEvents(ctx, func(name string, data json.RawMessage) {
		var payload map[string]interface{}
		if err := json.Unmarshal(data, &payload); err != nil {
			return
		}
		events.DeliverRemote(name, payload)
	})
}
