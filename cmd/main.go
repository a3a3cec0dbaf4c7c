package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/MISHHF93/allora-forge-builder-kit-sub000/config"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/cache"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/chain"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/forecast"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/ledger"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/metrics"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/orchestrator"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/query"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/topic"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/transport"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/utils"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/windowing"
)

func main() {
	utils.InitLogger()
	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.SettingsObj

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := cache.New(cfg.RedisURL, cache.NewKeyBuilder(cfg.ChainID, cfg.Wallet), cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer store.Close()

	client := chain.New(chain.Config{
		APIBaseURL:  cfg.APIBaseURL,
		CLIBinary:   cfg.CLIBinary,
		NodeRPC:     cfg.NodeRPC,
		ChainID:     cfg.ChainID,
		HTTPTimeout: cfg.ProbeTimeout,
		CLITimeout:  cfg.CLITimeout,
	}, store)

	evaluator := topic.NewEvaluator(client, topic.EvaluatorConfig{
		MinStakeOverride:  cfg.MinStakeOverride,
		ReputerPolicy:     topic.ReputerEstimatePolicy(cfg.ReputerPolicy),
		DegradedThreshold: cfg.DegradedThreshold,
		ProbeTimeout:      cfg.ProbeTimeout,
	})

	windowParams := chain.NewWindowParamsFetcher(client, cfg.ProbeTimeout, cfg.WindowParamsTTL)

	led := ledger.New(cfg.LedgerPath, ledger.WithLockTimeout(cfg.LockTimeout))
	if err := led.EnsureSchema(); err != nil {
		log.Fatalf("Failed to prepare ledger: %v", err)
	}

	var lossFilter *orchestrator.LossFilter
	if cfg.LossFilterEnabled {
		lossFilter = orchestrator.NewLossFilter(cfg.LossFilterQuantile, cfg.LossFilterWindow, cfg.LossFilterMinSamples)
	}

	orch := orchestrator.New(orchestrator.Config{
		Cadence:          cfg.Cadence,
		CompetitionStart: cfg.CompetitionStart,
		CompetitionEnd:   cfg.CompetitionEnd,
		Wallet:           cfg.Wallet,
		MaxAttempts:      cfg.MaxAttempts,
		BackoffBase:      cfg.BackoffBase,
		BackoffMax:       cfg.BackoffMax,
		Cooldown:         cfg.Cooldown,
		ForceSubmit:      cfg.ForceSubmit,
		LossFilter:       lossFilter,
	}, led, buildTransports(cfg), store)

	model := forecast.NewRunner(cfg.ForecastCommand, cfg.ForecastArgs, cfg.ForecastTimeout)

	var wg sync.WaitGroup

	for _, topicID := range cfg.TopicIDs {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			runTopicLoop(ctx, id, cfg, evaluator, windowParams, orch, model, store)
		}(topicID)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runHeartbeat(ctx, store, cfg.HeartbeatEvery)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runMaintenance(ctx, cfg, led)
	}()

	if cfg.MetricsEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metrics.Serve(ctx, cfg.MetricsPort)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down forecast submitter...")

	cancel()
	wg.Wait()
}

// buildTransports assembles the delivery chain in priority order: SDK
// sidecar, network CLI, helper script. Only configured surfaces appear.
func buildTransports(cfg *config.Settings) []transport.Transport {
	var transports []transport.Transport
	if cfg.SDKEndpoint != "" {
		transports = append(transports, transport.NewSDKTransport(cfg.SDKEndpoint, cfg.SDKTimeout))
	}
	if cfg.CLIBinary != "" {
		transports = append(transports, &transport.CLITransport{
			Binary:  cfg.CLIBinary,
			KeyName: cfg.KeyName,
			ChainID: cfg.ChainID,
			NodeRPC: cfg.NodeRPC,
			Timeout: cfg.CLITimeout,
		})
	}
	if cfg.HelperCommand != "" {
		transports = append(transports, &transport.HelperTransport{
			Command: cfg.HelperCommand,
			Args:    cfg.HelperArgs,
			Timeout: cfg.HelperTimeout,
		})
	}
	return transports
}

// runTopicLoop drives one topic: wake at each window boundary, evaluate
// the topic, produce a forecast and hand it to the orchestrator.
func runTopicLoop(ctx context.Context, topicID uint64, cfg *config.Settings,
	evaluator *topic.Evaluator, windowParams *chain.WindowParamsFetcher,
	orch *orchestrator.Orchestrator, model *forecast.Runner, store *cache.Cache) {

	logger := log.WithField("topic_id", topicID)
	logger.Info("Starting topic submission loop")

	if params, err := windowParams.Fetch(ctx, topicID); err == nil {
		logger.WithFields(log.Fields{
			"epoch_length":      params.EpochLength,
			"submission_window": params.SubmissionWindow,
		}).Info("Topic epoch geometry loaded")
	} else {
		logger.Warnf("Epoch geometry unavailable, proceeding on cadence alone: %v", err)
	}

	var prev *topic.State
	for {
		state := evaluator.Evaluate(ctx, topicID, prev)
		prev = state
		store.StoreTopicState(ctx, state)
		metrics.RecordEvaluation(state.IsActive, state.Degraded)

		if fc, err := model.Produce(ctx, topicID); err != nil {
			logger.Errorf("Forecast generation failed, skipping window: %v", err)
		} else {
			res, err := orch.SubmitForecast(ctx, orchestrator.Forecast{
				TopicID:   fc.TopicID,
				Value:     fc.Value,
				Log10Loss: fc.Log10Loss,
			}, state)
			if err != nil && ctx.Err() == nil {
				logger.Errorf("Submission attempt errored: %v", err)
			}
			if ctx.Err() != nil {
				return
			}
			logger.WithFields(log.Fields{
				"state":           res.State,
				"transport_calls": res.TransportCalls,
			}).Info("Window cycle complete")
		}

		// Sleep until just after the next window boundary.
		now := time.Now().UTC()
		next := windowing.NextWindow(windowing.WindowStart(now, cfg.Cadence), cfg.Cadence).Add(2 * time.Second)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("Topic loop stopped")
			return
		case <-timer.C:
		}
	}
}

// runHeartbeat writes a liveness beacon until shutdown.
func runHeartbeat(ctx context.Context, store *cache.Cache, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		store.Beat(ctx, "submitter", 3*every)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runMaintenance periodically dedupes the ledger and backfills pending
// score cells from the network's score endpoint.
func runMaintenance(ctx context.Context, cfg *config.Settings, led *ledger.Ledger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := led.Dedupe(ctx); err != nil {
			log.Errorf("Ledger dedupe failed: %v", err)
		}
		if cfg.BackfillEnabled && cfg.APIBaseURL != "" {
			if err := led.Backfill(ctx, scoreResolver(ctx, cfg)); err != nil {
				log.Errorf("Ledger backfill failed: %v", err)
			}
		}
	}
}

// scoreResolver looks up the worker's recorded score for a row's topic.
// Rewards settle later than scores and stay pending until they appear.
func scoreResolver(ctx context.Context, cfg *config.Settings) func(ledger.Record) (string, string, bool) {
	client := query.NewHTTPClient(cfg.ProbeTimeout)
	return func(rec ledger.Record) (string, string, bool) {
		probe := query.RESTProbe{
			ProbeName: "rest:score",
			URL: fmt.Sprintf("%s/emissions/v9/inferer_score_ema/%d/%s",
				cfg.APIBaseURL, rec.TopicID, cfg.Wallet),
			Client: client,
		}
		tree, err := probe.Fetch(ctx)
		if err != nil {
			return "", "", false
		}
		score, found := query.Extract(tree, []string{"score", "ema_score"})
		if !found {
			return "", "", false
		}
		number, ok := query.NormalizeAmount(score)
		if !ok {
			return "", "", false
		}
		return strconv.FormatFloat(number, 'f', 8, 64), ledger.PendingCell, true
	}
}
