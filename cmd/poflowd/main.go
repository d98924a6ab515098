// Command poflowd runs the purchase-order workflow daemon: the tick
// dispatcher, the janitor, the queue workers and the metrics endpoint, all
// in one process. Horizontal scaling runs more instances; the queue and the
// database serialize what must be serialized.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/wrenlabs/poflow/flow"
	"github.com/wrenlabs/poflow/flow/db"
	"github.com/wrenlabs/poflow/flow/extract"
	"github.com/wrenlabs/poflow/flow/images"
	"github.com/wrenlabs/poflow/flow/persist"
	"github.com/wrenlabs/poflow/flow/progress"
	"github.com/wrenlabs/poflow/flow/queue"
	"github.com/wrenlabs/poflow/flow/sink"
	"github.com/wrenlabs/poflow/flow/stage"
)

type config struct {
	DatabaseURL string `long:"database-url" env:"DATABASE_URL" required:"true" description:"Postgres DSN"`
	RedisURL    string `long:"redis-url" env:"REDIS_URL" default:"redis://localhost:6379/0" description:"Redis URL for the KV fabric and stage queues"`

	SequentialExecution bool `long:"sequential-execution" env:"SEQUENTIAL_EXECUTION" description:"run stages back-to-back in-process instead of queue dispatch"`

	ConnectionLimit      int `long:"connection-limit" env:"CONNECTION_LIMIT" default:"2" description:"max DB connections per worker"`
	PoolTimeoutSeconds   int `long:"pool-timeout-seconds" env:"POOL_TIMEOUT_SECONDS" default:"20"`
	WarmupMS             int `long:"warmup-ms" env:"WARMUP_MS" default:"1000"`
	MaxConnAgeSeconds    int `long:"max-conn-age-seconds" env:"MAX_CONN_AGE_SECONDS" default:"300"`
	MetadataTTLSeconds   int `long:"workflow-metadata-ttl-seconds" env:"WORKFLOW_METADATA_TTL_SECONDS" default:"1800"`
	TransactionTimeoutMS int `long:"transaction-timeout-ms" env:"TRANSACTION_TIMEOUT_MS" default:"10000"`
	POSuffixMaxAttempts  int `long:"po-suffix-max-attempts" env:"PO_SUFFIX_MAX_ATTEMPTS" default:"100"`

	FuzzyMatchEngine         string `long:"fuzzy-match-engine" env:"FUZZY_MATCH_ENGINE" default:"auto" choice:"auto" choice:"levenshtein" choice:"trigram"`
	FuzzyMatchRolloutPercent int    `long:"fuzzy-match-rollout-percent" env:"FUZZY_MATCH_ROLLOUT_PERCENT" default:"0"`

	StageBudgetsMS               map[string]int64 `long:"stage-budget-ms" env:"STAGE_BUDGETS_MS" env-delim:"," description:"per-stage budget overrides, tag:millis"`
	ExecutionBudgetMS            int              `long:"execution-budget-ms" env:"EXECUTION_BUDGET_MS" default:"270000"`
	TickPeriodSeconds            int              `long:"tick-period-seconds" env:"TICK_PERIOD_SECONDS" default:"60"`
	JanitorStuckThresholdSeconds int              `long:"janitor-stuck-threshold-seconds" env:"JANITOR_STUCK_THRESHOLD_SECONDS" default:"600"`

	AIProvider      string  `long:"ai-provider" env:"AI_PROVIDER" default:"anthropic" choice:"anthropic" choice:"openai"`
	AIModel         string  `long:"ai-model" env:"AI_MODEL" description:"extractor model, provider default when empty"`
	AITemperature   float64 `long:"ai-temperature" env:"AI_TEMPERATURE" default:"0" description:"must stay 0, the parse retry contract depends on determinism"`
	AnthropicAPIKey string  `long:"anthropic-api-key" env:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey    string  `long:"openai-api-key" env:"OPENAI_API_KEY"`

	SinkEndpoint string `long:"sink-endpoint" env:"SINK_ENDPOINT" description:"marketplace sync endpoint, mock sink when empty"`
	SinkToken    string `long:"sink-token" env:"SINK_TOKEN"`

	ImageSearchEndpoint string `long:"image-search-endpoint" env:"IMAGE_SEARCH_ENDPOINT" description:"image search API, attachment is skipped when empty"`
	ImageSearchAPIKey   string `long:"image-search-api-key" env:"IMAGE_SEARCH_API_KEY"`

	PriceMarkup float64 `long:"price-markup" env:"PRICE_MARKUP" default:"1.5" description:"draft retail markup over unit cost"`

	Workers     int    `long:"workers" env:"WORKERS" default:"4" description:"queue worker goroutines"`
	MetricsAddr string `long:"metrics-addr" env:"METRICS_ADDR" default:":9090"`
	LogLevel    string `long:"log-level" env:"LOG_LEVEL" default:"info"`
	LogJSON     bool   `long:"log-json" env:"LOG_JSON"`
}

func main() {
	var cfg config
	if _, err := flags.Parse(&cfg); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	if cfg.LogJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	log := logrus.NewEntry(logger)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("poflowd exited")
	}
}

func run(cfg config, log *logrus.Entry) error {
	if cfg.AITemperature != 0 {
		return fmt.Errorf("AI_TEMPERATURE must be 0, got %g", cfg.AITemperature)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := db.NewManager(cfg.DatabaseURL, db.Options{
		ConnectionLimit: cfg.ConnectionLimit,
		PoolTimeout:     time.Duration(cfg.PoolTimeoutSeconds) * time.Second,
		WarmupWait:      time.Duration(cfg.WarmupMS) * time.Millisecond,
		MaxConnAge:      time.Duration(cfg.MaxConnAgeSeconds) * time.Second,
	}, log.WithField("component", "db"))
	defer mgr.Close()
	store := persist.NewPGStore(mgr, log.WithField("component", "persist"))

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	fabric := progress.NewLoggedFabric[flow.Workflow](
		progress.NewTracedFabric[flow.Workflow](
			progress.NewRedisFabric[flow.Workflow](rdb, log.WithField("component", "fabric")),
			otel.Tracer("poflow"),
		),
		log.WithField("component", "fabric"),
	)
	q := queue.NewRedisQueue(rdb, log.WithField("component", "queue"))

	opts := flow.Options{
		SequentialExecution: cfg.SequentialExecution,
		MetadataTTL:         time.Duration(cfg.MetadataTTLSeconds) * time.Second,
		StageBudgets:        stageBudgets(cfg.StageBudgetsMS, log),
		ExecutionBudget:     time.Duration(cfg.ExecutionBudgetMS) * time.Millisecond,
		TickPeriod:          time.Duration(cfg.TickPeriodSeconds) * time.Second,
		StuckThreshold:      time.Duration(cfg.JanitorStuckThresholdSeconds) * time.Second,
	}
	metrics := flow.NewMetrics(nil)
	orch := flow.NewOrchestrator(store, fabric, q, opts, log.WithField("component", "orchestrator"), metrics)

	parser := extract.NewParser(newExtractor(cfg), log.WithField("component", "extract"))
	matcher := persist.NewMatcher(store, persist.MatcherConfig{
		GlobalEngine:   persist.Engine(cfg.FuzzyMatchEngine),
		RolloutPercent: cfg.FuzzyMatchRolloutPercent,
	}, log.WithField("component", "matcher"))
	saver := persist.NewService(store, matcher, persist.ServiceOptions{
		TxTimeout:      time.Duration(cfg.TransactionTimeoutMS) * time.Millisecond,
		SuffixAttempts: cfg.POSuffixMaxAttempts,
	}, log.WithField("component", "save"))

	orch.Register(stage.NewParseProcessor(extract.NewHTTPFetcher(nil), parser, log.WithField("stage", flow.StageParse)))
	orch.Register(stage.NewSaveProcessor(saver, log.WithField("stage", flow.StageSave)))
	orch.Register(stage.NewDraftProcessor(store, stage.Pricing{Markup: cfg.PriceMarkup, RoundTo99: true}, log.WithField("stage", flow.StageDraft)))
	orch.Register(stage.NewImagesProcessor(store, newImageFinder(cfg, log), log.WithField("stage", flow.StageImages)))
	orch.Register(stage.NewSyncProcessor(store, newSink(cfg, log), log.WithField("stage", flow.StageSync)))
	orch.Register(stage.NewFinalizeProcessor(store, log.WithField("stage", flow.StageFinalize)))

	janitor := flow.NewJanitor(store, store, orch, opts, log.WithField("component", "janitor"), metrics)
	dispatcher := flow.NewDispatcher(store, store, orch, janitor, opts, log.WithField("component", "dispatcher"), metrics)
	if cfg.SequentialExecution {
		dispatcher.UseRunner(flow.NewRunner(orch, opts, log.WithField("component", "runner")))
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		w := flow.NewWorker(orch, q, opts, log.WithField("worker", i), metrics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("worker stopped")
			}
		}()
	}

	srv := serveMetrics(cfg.MetricsAddr, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithFields(logrus.Fields{
		"sequential": cfg.SequentialExecution,
		"workers":    cfg.Workers,
		"tick":       opts.TickPeriod,
	}).Info("poflowd started")

	err = dispatcher.Run(ctx)
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info("poflowd stopped")
		return nil
	}
	return err
}

// stageBudgets converts the tag:millis overrides, dropping unknown tags.
func stageBudgets(overrides map[string]int64, log *logrus.Entry) map[flow.Stage]time.Duration {
	if len(overrides) == 0 {
		return nil
	}
	budgets := make(map[flow.Stage]time.Duration, len(overrides))
	for tag, ms := range overrides {
		s := flow.Stage(tag)
		if !s.Valid() {
			log.WithField("tag", tag).Warn("ignoring budget for unknown stage")
			continue
		}
		budgets[s] = time.Duration(ms) * time.Millisecond
	}
	return budgets
}

func newExtractor(cfg config) extract.Extractor {
	if cfg.AIProvider == "openai" {
		return extract.NewOpenAIExtractor(cfg.OpenAIAPIKey, cfg.AIModel)
	}
	return extract.NewAnthropicExtractor(cfg.AnthropicAPIKey, cfg.AIModel)
}

func newImageFinder(cfg config, log *logrus.Entry) *images.Finder {
	var source images.Source
	if cfg.ImageSearchEndpoint != "" {
		source = images.NewHTTPSource(cfg.ImageSearchEndpoint, cfg.ImageSearchAPIKey, nil)
	} else {
		log.Warn("no image search endpoint configured, drafts will get no images")
		source = images.NewMockSource()
	}
	return images.NewFinder(source, images.DefaultKeep, log.WithField("component", "images"))
}

func newSink(cfg config, log *logrus.Entry) sink.Sink {
	if cfg.SinkEndpoint == "" {
		log.Warn("no sink endpoint configured, marketplace sync is a no-op")
		return sink.NewMockSink()
	}
	return sink.NewHTTPSink(sink.HTTPOptions{
		Endpoint: cfg.SinkEndpoint,
		Token:    cfg.SinkToken,
	}, nil, log.WithField("component", "sink"))
}

func serveMetrics(addr string, log *logrus.Entry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	return srv
}
