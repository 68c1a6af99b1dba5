// Command orchestrator wires the Action Orchestration Core into a single
// runnable process: the event plane, priority queue and worker pool, the
// per-platform resilience pipelines, the fallback dispatcher, the
// idempotency guard, the approval coordinator, the workflow engine, and the
// append-only recovery journal all come together here, grounded on the
// teacher's examples/orchestrator/main.go (build dependencies from env vars
// top-down, fail fast with log.Fatalf, register HTTP handlers, run until a
// signal). There is deliberately no ambient global state: every dependency
// is constructed here and threaded in explicitly (spec §9: "no ambient
// globals").
package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/actionplane/orchestrator/approval"
	"github.com/actionplane/orchestrator/core"
	"github.com/actionplane/orchestrator/eventplane"
	"github.com/actionplane/orchestrator/journal"
	"github.com/actionplane/orchestrator/metrics"
	"github.com/actionplane/orchestrator/orchestration"
	"github.com/actionplane/orchestrator/platform"
	"github.com/actionplane/orchestrator/resilience"
	"github.com/actionplane/orchestrator/telemetry"
	"github.com/actionplane/orchestrator/workflow"
)

func main() {
	cfg, err := core.NewConfig()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger := cfg.Logger()

	metricsRegistry := metrics.Install(cfg.ServiceName)
	defer metricsRegistry.Shutdown()

	if cfg.Telemetry.Enabled {
		provider, err := telemetry.EnableTelemetry(cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint, logger)
		if err != nil {
			logger.Error("telemetry disabled: failed to start", map[string]interface{}{"error": err.Error()})
		} else {
			defer provider.Shutdown(context.Background())
		}
	}

	j, closeJournal := openJournal(cfg.Journal, logger)
	defer closeJournal()

	bus := eventplane.NewBus()
	bus.SetLogger(logger)

	registry := platform.NewRegistry()
	registry.SetLogger(logger)
	registerPlatforms(registry, cfg, logger)

	pipelines := buildPipelines(cfg, logger, bus)
	if stopWatch := watchConfigFile(cfg, logger, pipelines); stopWatch != nil {
		defer stopWatch()
	}
	breakerLookup := func(tag string) (*resilience.CircuitBreaker, bool) {
		p, ok := pipelines[tag]
		if !ok {
			return nil, false
		}
		return p.Breaker, true
	}
	fallback := resilience.NewFallbackDispatcher(breakerLookup, nil)
	fallback.SetLogger(logger)

	idempotency := orchestration.NewIdempotencyGuard(cfg.Idempotency.TTL, core.NewMemoryStore())
	idempotency.SetJournal(j)
	defer idempotency.Stop()

	queue := orchestration.NewPriorityQueue(cfg.Queue.MaxSize, cfg.Queue.StarvationGuardK)

	router := orchestration.NewRouter(queue, bus)
	router.SetLogger(logger)
	router.SetJournal(j)

	timeoutAction := approval.TimeoutReject
	if cfg.Approval.DefaultTimeoutAction == "approve" {
		timeoutAction = approval.TimeoutApprove
	}
	coordinator := approval.NewCoordinator(router, bus, cfg.Approval.DefaultTimeout, timeoutAction)
	coordinator.SetLogger(logger)
	coordinator.SetJournal(j)

	executor := orchestration.NewPipelineExecutor(registry, pipelines, fallback, idempotency, coordinator,
		bus, cfg.Deadlines.DefaultAction, cfg.Approval.DefaultTimeout)
	executor.SetLogger(logger)
	executor.SetJournal(j)

	workers := orchestration.NewWorkerPool(queue, executor, orchestration.WorkerPoolConfig{
		WorkerCount:     cfg.Workers.Count,
		ShutdownTimeout: 30 * time.Second,
	})
	workers.SetLogger(logger)

	engine := workflow.NewEngine(submitVia(router, bus), bus, cfg.Workflow.ConcurrencyPerRun)
	engine.SetLogger(logger)
	engine.SetJournal(j)
	engine.SetPlatforms(registry, pipelines)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := workers.Start(ctx); err != nil {
		log.Fatalf("starting worker pool: %v", err)
	}

	mux := buildMux(router, engine, coordinator, pipelines)
	handler := telemetry.TracingMiddleware(cfg.ServiceName, &telemetry.TracingMiddlewareConfig{
		ExcludedPaths: []string{"/health"},
	})(mux)

	srv := &http.Server{
		Addr:    ":" + serverPort(),
		Handler: handler,
	}

	go func() {
		logger.Info("orchestrator listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	waitForShutdown()

	logger.Info("shutting down", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = workers.Stop(shutdownCtx)
	cancel()
}

func serverPort() string {
	if p := os.Getenv("PORT"); p != "" {
		return p
	}
	return "8080"
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

// openJournal selects the journal implementation per core.JournalConfig
// (spec §6: journal.enabled/path/flushEveryMs/useRedis), returning a close
// func that is always safe to defer regardless of which branch ran.
func openJournal(cfg core.JournalConfig, logger core.Logger) (journal.Journal, func()) {
	if !cfg.Enabled {
		return journal.NewNoOp(), func() {}
	}
	if cfg.UseRedis {
		client, err := core.NewRedisClient(core.RedisClientOptions{
			RedisURL:  cfg.RedisURL,
			DB:        core.RedisDBJournal,
			Namespace: "orchestrator:journal",
			Logger:    logger,
		})
		if err != nil {
			logger.Error("journal disabled: redis connect failed", map[string]interface{}{"error": err.Error()})
			return journal.NewNoOp(), func() {}
		}
		j := journal.NewRedisJournal(client)
		return j, func() { _ = j.Close() }
	}
	j, err := journal.OpenFileJournal(cfg.Path, cfg.FlushEvery)
	if err != nil {
		logger.Error("journal disabled: file open failed", map[string]interface{}{"error": err.Error()})
		return journal.NewNoOp(), func() {}
	}
	return j, func() { _ = j.Close() }
}

// registerPlatforms wires every platform tag in cfg.Breakers to a Client:
// Slack gets the real slack-go adapter when SLACK_BOT_TOKEN is set, every
// other configured tag gets platform.MockClient when
// cfg.Development.MockPlatforms is on (spec's adapters are "pluggable
// PlatformClient implementations; only their contract is specified" -
// concrete Notion/Trello/Drive/Sheets adapters are left to the deployer).
func registerPlatforms(registry *platform.Registry, cfg *core.Config, logger core.Logger) {
	for tag := range cfg.Breakers {
		if tag == "slack" {
			if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
				client := platform.NewSlackClient(token)
				client.SetLogger(logger)
				registry.Register(client)
				continue
			}
		}
		if cfg.Development.MockPlatforms {
			registry.Register(platform.NewMockClient(tag))
			continue
		}
		logger.Warn("no adapter registered for platform; actions will fail until one is wired", map[string]interface{}{
			"platform": tag,
		})
	}
}

// buildPipelines constructs the per-platform reliability stack (C2-C4) from
// the config's three parallel maps, one Pipeline per platform tag. Every
// breaker's state transitions are relayed onto bus as circuit:opened|
// closed|half-open events (spec: "Observability: emits circuit:opened|
// closed|half-open on every transition").
func buildPipelines(cfg *core.Config, logger core.Logger, bus *eventplane.Bus) map[string]*resilience.Pipeline {
	pipelines := make(map[string]*resilience.Pipeline, len(cfg.Breakers))
	for tag, breakerCfg := range cfg.Breakers {
		limiterCfg := cfg.RateLimiters[tag]
		retryCfg := cfg.Retries[tag]
		p, err := resilience.NewPipeline(tag, breakerCfg, limiterCfg, retryCfg,
			resilience.WithLogger(logger), resilience.WithMetrics(true),
			resilience.WithStateChangeHook(publishCircuitTransition(bus)))
		if err != nil {
			log.Fatalf("building pipeline for platform %q: %v", tag, err)
		}
		pipelines[tag] = p
	}
	return pipelines
}

// watchConfigFile wires core.Config's fsnotify-backed hot reload when
// ORCHESTRATOR_CONFIG_FILE names a JSON file of per-platform resilience
// overrides (the same shape WithConfigFile loads once at startup). Each
// settled edit retunes the already-running breakers and token buckets in
// place via UpdateThresholds/UpdateRates rather than rebuilding the
// pipelines, so in-flight calls never see a pipeline disappear out from
// under them. Returns nil if no config file is configured.
func watchConfigFile(cfg *core.Config, logger core.Logger, pipelines map[string]*resilience.Pipeline) func() error {
	path := os.Getenv("ORCHESTRATOR_CONFIG_FILE")
	if path == "" {
		return nil
	}

	stop, err := cfg.WatchFile(path, func(reloaded *core.Config) {
		for tag, p := range pipelines {
			if bc, ok := reloaded.Breakers[tag]; ok {
				p.Breaker.UpdateThresholds(bc.FailureThreshold, bc.SuccessThreshold, bc.ResetTimeout)
			}
			if rl, ok := reloaded.RateLimiters[tag]; ok {
				p.TokenBucket.UpdateRates(rl.Capacity, rl.RefillPerSec)
			}
		}
	})
	if err != nil {
		logger.Error("config hot-reload disabled: failed to start watcher", map[string]interface{}{"path": path, "error": err.Error()})
		return nil
	}
	logger.Info("watching config file for hot reload", map[string]interface{}{"path": path})
	return stop
}

// publishCircuitTransition adapts a resilience.CircuitBreaker state
// transition into an eventplane publish, keeping the resilience package
// itself free of any eventplane import (the same separation submitVia
// maintains between workflow and orchestration).
func publishCircuitTransition(bus *eventplane.Bus) func(platform string, from, to resilience.CircuitState) {
	return func(platform string, from, to resilience.CircuitState) {
		var kind eventplane.Kind
		switch to {
		case resilience.StateOpen:
			kind = eventplane.KindCircuitOpened
		case resilience.StateClosed:
			kind = eventplane.KindCircuitClosed
		case resilience.StateHalfOpen:
			kind = eventplane.KindCircuitHalfOpen
		default:
			return
		}
		bus.Publish(eventplane.New(kind, "", eventplane.PriorityHigh, map[string]interface{}{
			"platform":  platform,
			"fromState": from.String(),
			"toState":   to.String(),
		}))
	}
}

// submitVia adapts router.Admit into the workflow.Submit shape the engine
// holds instead of a back-reference to orchestration (spec §9). It admits
// the decision, then subscribes to the event plane for the one terminal
// event carrying this decision's actionId and resolves the future from the
// admitted Record's already-populated Result field.
func submitVia(router *orchestration.Router, bus *eventplane.Bus) workflow.Submit {
	return func(ctx context.Context, decision orchestration.ActionDecision) (<-chan *orchestration.Result, error) {
		record, err := router.Admit(decision)
		if err != nil {
			return nil, err
		}

		out := make(chan *orchestration.Result, 1)
		events, cancel := bus.Subscribe(ctx, 8,
			eventplane.KindActionCompleted, eventplane.KindActionFailed, eventplane.KindActionRejected)

		go func() {
			defer cancel()
			defer close(out)
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					if actionID, _ := ev.Fields["actionId"].(string); actionID != decision.ID {
						continue
					}
					if ev.Kind == eventplane.KindActionRejected {
						out <- &orchestration.Result{Ok: false, ErrorKind: core.KindValidation, Message: "rejected at admission"}
						return
					}
					out <- record.Result
					return
				}
			}
		}()

		return out, nil
	}
}

func buildMux(router *orchestration.Router, engine *workflow.Engine, coordinator *approval.Coordinator, pipelines map[string]*resilience.Pipeline) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", metrics.HealthHandler(pipelines))

	mux.HandleFunc("/actions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var decision orchestration.ActionDecision
		if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if decision.ID == "" {
			decision.ID = uuid.NewString()
		}
		record, err := router.Admit(decision)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(record)
	})

	mux.HandleFunc("/workflows", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "reading request body", http.StatusBadRequest)
			return
		}
		spec, err := workflow.ParseYAML(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if spec.WorkflowID == "" {
			spec.WorkflowID = uuid.NewString()
		}
		run, err := engine.Submit(r.Context(), spec)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(run)
	})

	mux.HandleFunc("/approvals/decide", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			ReviewID string `json:"reviewId"`
			Approve  bool   `json:"approve"`
			Reviewer string `json:"reviewer"`
			Notes    string `json:"notes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		var err error
		if req.Approve {
			err = coordinator.Approve(r.Context(), req.ReviewID, req.Reviewer, req.Notes)
		} else {
			err = coordinator.Reject(r.Context(), req.ReviewID, req.Reviewer, req.Notes)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}
