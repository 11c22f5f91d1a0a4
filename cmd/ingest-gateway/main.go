package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/diwise/ingest-gateway/internal/pkg/application/batch"
	"github.com/diwise/ingest-gateway/internal/pkg/application/broker"
	"github.com/diwise/ingest-gateway/internal/pkg/application/classifier"
	"github.com/diwise/ingest-gateway/internal/pkg/application/csvimport"
	"github.com/diwise/ingest-gateway/internal/pkg/application/events"
	"github.com/diwise/ingest-gateway/internal/pkg/application/metrics"
	"github.com/diwise/ingest-gateway/internal/pkg/application/notify"
	"github.com/diwise/ingest-gateway/internal/pkg/application/pipeline"
	"github.com/diwise/ingest-gateway/internal/pkg/application/resilience"
	"github.com/diwise/ingest-gateway/internal/pkg/application/resolver"
	"github.com/diwise/ingest-gateway/internal/pkg/application/watchdog"
	"github.com/diwise/ingest-gateway/internal/pkg/infrastructure/authz"
	"github.com/diwise/ingest-gateway/internal/pkg/infrastructure/logging"
	"github.com/diwise/ingest-gateway/internal/pkg/infrastructure/repositories/jobstore"
	"github.com/diwise/ingest-gateway/internal/pkg/infrastructure/repositories/timeseries"
	"github.com/diwise/ingest-gateway/internal/pkg/infrastructure/router"
	"github.com/diwise/ingest-gateway/internal/pkg/infrastructure/tracing"
	transporthttp "github.com/diwise/ingest-gateway/internal/pkg/infrastructure/transport/http"
	"github.com/diwise/ingest-gateway/internal/pkg/infrastructure/transport/mqtt"
	"github.com/diwise/ingest-gateway/internal/pkg/infrastructure/transport/websocket"
	"github.com/diwise/ingest-gateway/pkg/types"
)

const serviceName string = "ingest-gateway"

var opaFilePath string
var notificationConfigPath string

func main() {
	serviceVersion := buildinfo.SourceVersion()
	ctx, logger := logging.NewLogger(context.Background(), serviceName, serviceVersion)
	logger.Info().Msg("starting up ...")

	cleanup, err := tracing.Init(ctx, logger, serviceName, serviceVersion)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracing")
	}
	defer cleanup()

	flag.StringVar(&opaFilePath, "policies", "/opt/diwise/config/authz.rego", "An authorization policy file")
	flag.StringVar(&notificationConfigPath, "notifications", "/opt/diwise/config/notifications.yaml", "Configuration file for notifications")
	flag.Parse()

	apiPort := fmt.Sprintf(":%s", env.GetVariableOrDefault(logger, "SERVICE_PORT", "8080"))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage := setupStorageOrDie(ctx, logger)
	jobs := setupJobStoreOrDie(ctx, logger)
	messenger := setupMessagingOrDie(serviceName, logger)

	stateManager := classifier.NewSensorStateManager(storage)
	cls := classifier.New(stateManager, storage)

	auth := authz.NewAuthenticator(storage)
	authorizer := setupAuthorizerOrDie(ctx, logger)
	sensors := resolver.New(storage).WithTTL(durationFromEnv(logger, "SENSOR_MAP_TTL_SECONDS", resolver.DefaultTTL))

	metricsRegistry := metrics.NewRegistry(prometheus.DefaultRegisterer)

	dedup, dlq := setupResilienceStores(logger)
	limiter := resilience.NewRateLimiter(loadRateLimits(logger))
	go runGCSweeps(ctx, limiter, dedup)

	readingBroker := broker.NewInMemory(durationFromEnv(logger, "ML_PUBLISH_MIN_INTERVAL_SECONDS", broker.DefaultMinInterval))

	pusher := notify.Multi(
		loadPusherOrDie(logger),
		events.NewPublisher(messenger),
	)

	pipelineOpts := []pipeline.Option{
		pipeline.WithDeduplicator(dedup),
		pipeline.WithDLQ(dlq),
		pipeline.WithRateLimiter(limiter),
		pipeline.WithBreaker(resilience.NewBreaker(loadBreakerConfig(logger))),
		pipeline.WithBroker(readingBroker),
		pipeline.WithNotifier(pusher),
		pipeline.WithMetrics(metricsRegistry),
	}

	if env.GetVariableOrDefault(logger, "BATCH_INSERT_ENABLED", "false") == "true" {
		inserter := batch.New(storage)
		inserter.Start(ctx)
		defer inserter.Stop(context.Background(), true)
		pipelineOpts = append(pipelineOpts, pipeline.WithBatchInserter(inserter))
	}

	pipe := pipeline.New(storage, cls, pipelineOpts...)

	messenger.RegisterTopicMessageHandler("ingest.thresholdsUpdated", events.ThresholdsUpdatedHandler(cls))

	dog := watchdog.New(storage, logger)
	dog.Start()
	defer dog.Stop()

	dlqConsumer := resilience.NewConsumer(dlq, newDeadLetterHandler(pipe))
	go dlqConsumer.Run(ctx)
	defer dlqConsumer.Stop()

	csvEnabled := env.GetVariableOrDefault(logger, "FF_CSV_ENABLED", "false") == "true"
	var csvRunner *csvimport.Runner
	if csvEnabled {
		csvRunner = csvimport.New(jobs, pipe)
	}

	r := router.New(serviceName)
	transporthttp.RegisterHandlers(logger, r, transporthttp.Deps{
		Pipeline:   pipe,
		Auth:       auth,
		Authorizer: authorizer,
		Resolver:   sensors,
		Metrics:    metricsRegistry,
		Pinger:     storage,
		CSVEnabled: csvEnabled,
		CSVRunner:  csvRunner,
		JobStore:   jobs,
	})

	if env.GetVariableOrDefault(logger, "FF_WEBSOCKET_ENABLED", "false") == "true" {
		r.Get("/ws/ingest", websocket.New(pipe, auth, logger).WithAuthorizer(authorizer).ServeHTTP)
	}

	mqttConfig := mqtt.LoadConfiguration(logger)
	if mqttConfig.Host != "" {
		mqttClient := mqtt.New(mqttConfig, pipe, dlq, logger)
		if err := mqttClient.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to start mqtt transport")
		}
		defer mqttClient.Stop()
	}

	srv := &http.Server{Addr: apiPort, Handler: r}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start router")
	}

	logger.Info().Msg("shutting down")
}

func setupStorageOrDie(ctx context.Context, logger zerolog.Logger) *timeseries.Storage {
	storage, err := timeseries.New(ctx, timeseries.LoadConfiguration(ctx))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	if err := storage.CreateTables(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to create tables")
	}

	return storage
}

func setupJobStoreOrDie(ctx context.Context, logger zerolog.Logger) *jobstore.Store {
	jobs, err := jobstore.New(ctx, jobstore.LoadConfiguration(ctx))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to job store")
	}

	if err := jobs.CreateTables(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to create job store tables")
	}

	return jobs
}

// setupAuthorizerOrDie compiles the rego policy from the -policies file,
// falling back to the embedded default when no file is present.
func setupAuthorizerOrDie(ctx context.Context, logger zerolog.Logger) *authz.RegoAuthorizer {
	policySrc := ""
	if buf, err := os.ReadFile(opaFilePath); err == nil {
		policySrc = string(buf)
	} else if !errors.Is(err, fs.ErrNotExist) {
		logger.Fatal().Err(err).Msgf("unable to open opa policy file %s", opaFilePath)
	}

	authorizer, err := authz.NewRegoAuthorizer(ctx, policySrc)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to compile authorization policy")
	}
	return authorizer
}

func setupMessagingOrDie(serviceName string, logger zerolog.Logger) messaging.MsgContext {
	config := messaging.LoadConfiguration(serviceName, logger)
	messenger, err := messaging.Initialize(config)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init messenger")
	}

	return messenger
}

// setupResilienceStores picks Redis-backed dedup/DLQ when REDIS_URL is
// set, else the in-memory variants. The core runs unchanged on either
//.
func setupResilienceStores(logger zerolog.Logger) (resilience.Deduplicator, resilience.DLQ) {
	dedupTTL := durationFromEnv(logger, "DEDUP_TTL_SECONDS", resilience.DefaultDedupTTL)
	dedupEnabled := env.GetVariableOrDefault(logger, "DEDUP_ENABLED", "true") == "true"
	maxLen := int64FromEnv(logger, "DLQ_MAX_LEN", resilience.DefaultMaxLen)

	var dedup resilience.Deduplicator
	var dlq resilience.DLQ

	redisURL := env.GetVariableOrDefault(logger, "REDIS_URL", "")
	if redisURL == "" {
		dedup = resilience.NewMemoryDeduplicator(dedupTTL)
		dlq = resilience.NewMemoryDLQ(maxLen)
	} else {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		client := redis.NewClient(opts)
		dedup = resilience.NewRedisDeduplicator(client, dedupTTL)
		dlq = resilience.NewRedisDLQ(client, "ingest:dlq", maxLen)
	}

	if !dedupEnabled {
		dedup = resilience.DisabledDeduplicator{}
	}

	return dedup, dlq
}

func loadRateLimits(logger zerolog.Logger) resilience.Limits {
	defaults := resilience.DefaultLimits()
	if env.GetVariableOrDefault(logger, "RATE_LIMIT_ENABLED", "true") != "true" {
		unlimited := 1 << 30
		return resilience.Limits{PerIP: unlimited, PerDevice: unlimited, PerSensor: unlimited}
	}
	return resilience.Limits{
		PerIP:     intFromEnv(logger, "RATE_LIMIT_GLOBAL_PER_MIN", defaults.PerIP),
		PerDevice: intFromEnv(logger, "RATE_LIMIT_DEVICE_PER_MIN", defaults.PerDevice),
		PerSensor: intFromEnv(logger, "RATE_LIMIT_SENSOR_PER_MIN", defaults.PerSensor),
	}
}

func loadBreakerConfig(logger zerolog.Logger) resilience.Config {
	cfg := resilience.DefaultConfig("ingest-store")
	cfg.FailureThreshold = uint32(intFromEnv(logger, "CB_FAILURE_THRESHOLD", int(cfg.FailureThreshold)))
	cfg.RecoveryTimeout = durationFromEnv(logger, "CB_RECOVERY_TIMEOUT", cfg.RecoveryTimeout)
	return cfg
}

func loadPusherOrDie(logger zerolog.Logger) notify.Pusher {
	nCfgFile, err := os.Open(notificationConfigPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Fatal().Err(err).Msgf("failed to open configuration file %s", notificationConfigPath)
		}
		pusher, _ := notify.New(nil)
		return pusher
	}
	defer nCfgFile.Close()

	nCfg, err := notify.LoadConfiguration(nCfgFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load notification configuration")
	}

	pusher, err := notify.New(nCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create push notifier")
	}
	return pusher
}

// runGCSweeps reclaims expired in-memory rate-limit counters and dedup
// entries once a minute so the per-key maps do not grow unbounded. The
// Redis-backed variants expire server-side and need no sweep.
func runGCSweeps(ctx context.Context, limiter *resilience.RateLimiter, dedup resilience.Deduplicator) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			limiter.GC(now)
			if md, ok := dedup.(*resilience.MemoryDeduplicator); ok {
				md.GC(now)
			}
		}
	}
}

// newDeadLetterHandler retries dead-lettered observations through the
// pipeline. Entries that are not re-ingestable (parse failures) are acked
// away so they don't cycle forever.
func newDeadLetterHandler(pipe *pipeline.Pipeline) func(ctx context.Context, entry types.DLQEntry) error {
	return func(ctx context.Context, entry types.DLQEntry) error {
		if entry.ErrorType == "parse_error" || entry.ErrorType == "validation_error" {
			return nil
		}

		var o types.Observation
		if err := json.Unmarshal([]byte(entry.Payload), &o); err != nil {
			return nil
		}

		// The failed attempt already recorded the observation's msg_id, so
		// a verbatim replay would be swallowed as a duplicate.
		o.MsgID = fmt.Sprintf("dlq:%s:%d", entry.ID, entry.RetryCount)

		res := pipe.Ingest(ctx, o, pipeline.RateLimitKeys{})
		if res.Err != nil {
			return res.Err
		}
		return nil
	}
}

func intFromEnv(logger zerolog.Logger, name string, def int) int {
	raw := env.GetVariableOrDefault(logger, name, strconv.Itoa(def))
	v, err := strconv.Atoi(raw)
	if err != nil {
		logger.Fatal().Err(err).Msgf("invalid value for %s", name)
	}
	return v
}

func int64FromEnv(logger zerolog.Logger, name string, def int64) int64 {
	raw := env.GetVariableOrDefault(logger, name, strconv.FormatInt(def, 10))
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Fatal().Err(err).Msgf("invalid value for %s", name)
	}
	return v
}

func durationFromEnv(logger zerolog.Logger, name string, def time.Duration) time.Duration {
	raw := env.GetVariableOrDefault(logger, name, strconv.Itoa(int(def.Seconds())))
	v, err := strconv.Atoi(raw)
	if err != nil {
		logger.Fatal().Err(err).Msgf("invalid value for %s", name)
	}
	return time.Duration(v) * time.Second
}
