// Command coordinatord runs the federated-learning coordinator: the
// HTTP API, the Model Store, the round lifecycle, and the optional
// async round controller, wired from environment configuration and an
// optional YAML bootstrap file.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openfl/coordinator/pkg/aggregator"
	"github.com/openfl/coordinator/pkg/api"
	"github.com/openfl/coordinator/pkg/asynccontroller"
	"github.com/openfl/coordinator/pkg/authregistry"
	"github.com/openfl/coordinator/pkg/config"
	"github.com/openfl/coordinator/pkg/coordinator"
	"github.com/openfl/coordinator/pkg/incentive"
	"github.com/openfl/coordinator/pkg/metrics"
	"github.com/openfl/coordinator/pkg/modelstore"
	"github.com/openfl/coordinator/pkg/privacyguard"
	"github.com/openfl/coordinator/pkg/ratelimit"
	"github.com/openfl/coordinator/pkg/reputation"
	"github.com/openfl/coordinator/pkg/roundmanager"
)

func main() {
	bootstrapPath := flag.String("bootstrap", "", "Path to a YAML bootstrap file naming the initial model shapes and algorithm hyperparameters")
	listenAddr := flag.String("listen", "", "Override LISTEN_ADDR")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("coordinatord: load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	path := *bootstrapPath
	if path == "" {
		path = cfg.ConfigFilePath
	}
	var bootstrap *config.Bootstrap
	if path != "" {
		bootstrap, err = config.LoadBootstrap(path)
		if err != nil {
			log.Fatalf("coordinatord: load bootstrap: %v", err)
		}
	}

	store, err := modelstore.New(cfg.ModelDir)
	if err != nil {
		log.Fatalf("coordinatord: model store: %v", err)
	}
	shapes := [][]int{{1}}
	if bootstrap != nil {
		shapes = bootstrap.InitialShapes
	}
	if err := store.Bootstrap(shapes); err != nil {
		log.Fatalf("coordinatord: bootstrap model store: %v", err)
	}

	algo, err := aggregator.CreateAggregationAlgorithm(cfg.AggregationAlgorithm)
	if err != nil {
		log.Fatalf("coordinatord: create aggregation algorithm: %v", err)
	}
	algoConfig := aggregator.AlgorithmConfig{}
	if bootstrap != nil {
		algoConfig.Hyperparameters = bootstrap.Hyperparameters
	}
	if err := algo.Initialize(algoConfig); err != nil {
		log.Fatalf("coordinatord: initialize %s: %v", algo.GetName(), err)
	}

	backend, err := metrics.NewBackend(metrics.BackendConfig{
		Kind:        cfg.MetricsBackendKind,
		RedisAddr:   cfg.MetricsRedisAddr,
		RedisDB:     cfg.MetricsRedisDB,
		PostgresDSN: cfg.MetricsPostgresDSN,
	})
	if err != nil {
		log.Fatalf("coordinatord: create metrics backend: %v", err)
	}
	defer backend.Close()

	rounds := roundmanager.New("v1")

	coord := coordinator.New(coordinator.Deps{
		Auth:   authregistry.New(),
		Rounds: rounds,
		Limiter: ratelimit.New(ratelimit.Config{
			Window:       cfg.RateLimitWindow,
			RequestLimit: cfg.RateLimitRequests,
			UpdateLimit:  cfg.RateLimitUpdates,
		}),
		Guard:      privacyguard.New(cfg.PrivacyMaxMagnitude),
		Store:      store,
		Reputation: reputation.New(),
		Incentive: incentive.New(incentive.Config{
			BaseReward:           cfg.IncentiveBaseReward,
			SpeedThreshold:       cfg.IncentiveSpeedThreshold,
			SpeedBonus:           cfg.IncentiveSpeedBonus,
			ConsistencyThreshold: cfg.IncentiveConsistencyThreshold,
			ConsistencyBonus:     cfg.IncentiveConsistencyBonus,
			DropoutPenalty:       cfg.IncentiveDropoutPenalty,
		}),
		Metrics:   metrics.New(cfg.MetricsDir, backend),
		Algorithm: algo,
	})

	asyncCtrl := asynccontroller.New(asynccontroller.Config{
		Enabled:      cfg.EnableAsyncRounds,
		MinUpdates:   cfg.AsyncMinUpdates,
		MaxDuration:  cfg.AsyncMaxDuration,
		PollInterval: cfg.AsyncPollInterval,
	}, rounds, coord.AggregateRoundTrigger)
	coord.SetAsync(asyncCtrl)

	admin := api.AdminConfig{
		Enabled: cfg.AdminJWTSecret != "",
		Secret:  cfg.AdminJWTSecret,
	}
	server := api.NewServer(coord, admin)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("coordinatord: shutting down")
		cancel()
	}()

	go asyncCtrl.Start(ctx)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Handler(),
	}
	go func() {
		log.Printf("coordinatord: listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("coordinatord: http server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("coordinatord: graceful shutdown failed: %v", err)
	}
	log.Println("coordinatord: stopped")
}
