package mainconfig

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mau.fi/whatsmeow/types"

	appconfig "github.com/aqilrvsb/dev-muse-automaton-sub005/internal/config"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/internal/conversation"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/internal/debounce"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/internal/observability/metrics"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/internal/sequence"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/internal/transport"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/pkg/logging"
)

// Pipeline bundles the wired components both binaries need. The api binary
// serves webhooks and, with the memory queue, runs workers inline; the worker
// binary runs the consumer half on its own.
type Pipeline struct {
	Metrics     *metrics.PipelineMetrics
	Publisher   *conversation.Publisher
	Service     *conversation.Service
	Worker      *conversation.Worker
	Coordinator *debounce.Coordinator
	Gateway     *transport.GatewayClient
	Meow        *transport.MeowSender

	closers []func() error
}

// Close releases pipeline resources in reverse construction order.
func (p *Pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		_ = p.closers[i]()
	}
}

// BuildPipeline wires config into a runnable conversation pipeline.
func BuildPipeline(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, reg prometheus.Registerer) (*Pipeline, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("mainconfig: DATABASE_URL is required")
	}

	p := &Pipeline{Metrics: metrics.NewPipelineMetrics(reg)}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("mainconfig: open database: %w", err)
	}
	p.closers = append(p.closers, db.Close)
	store := conversation.NewStore(db)

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("mainconfig: open pool: %w", err)
	}
	p.closers = append(p.closers, func() error { pool.Close(); return nil })
	seqRepo := sequence.NewRepository(pool)

	redisOpts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	if cfg.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	redisClient := redis.NewClient(redisOpts)
	p.closers = append(p.closers, redisClient.Close)

	transcripts := conversation.NewTranscriptStore(redisClient)
	lock := conversation.NewProcessingLock(redisClient, cfg.LockTTL)

	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("mainconfig: aws config: %w", err)
	}

	var llm conversation.LLMClient = conversation.NewBedrockLLMClient(bedrockruntime.NewFromConfig(awsCfg))
	if cfg.GeminiAPIKey != "" {
		gemini, err := conversation.NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("mainconfig: gemini client: %w", err)
		}
		p.closers = append(p.closers, gemini.Close)
		llm = conversation.NewFallbackLLMClient(llm, gemini, logger.Logger, p.Metrics)
	}
	llm = conversation.NewRetryLLMClient(llm, cfg.LLMMaxRetries, cfg.LLMRetryDelay, logger.Logger)

	engine := conversation.NewEngine(llm, cfg.BedrockModelID, logger,
		conversation.WithTemperature(float32(cfg.LLMTemperature)),
		conversation.WithMaxTokens(int32(cfg.LLMMaxTokens)),
		conversation.WithEngineMetrics(p.Metrics),
	)

	var dispatcher conversation.Dispatcher
	if cfg.GatewayBaseURL != "" && cfg.GatewayAPIKey != "" {
		gateway, err := transport.NewGatewayClient(transport.Config{
			BaseURL:       cfg.GatewayBaseURL,
			APIKey:        cfg.GatewayAPIKey,
			WebhookSecret: cfg.GatewayWebhookSecret,
			Logger:        logger.Logger,
		})
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("mainconfig: gateway client: %w", err)
		}
		p.Gateway = gateway
		dispatcher = gateway
	}
	if cfg.MeowEnabled {
		meow, err := transport.NewMeowSender(ctx, cfg.MeowDBPath, logger.Logger)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("mainconfig: whatsapp session: %w", err)
		}
		p.Meow = meow
		dispatcher = meow
	}
	if dispatcher == nil {
		p.Close()
		return nil, errors.New("mainconfig: no outbound transport configured (set GATEWAY_BASE_URL/GATEWAY_API_KEY or MEOW_ENABLED)")
	}

	serviceOpts := []conversation.ServiceOption{
		conversation.WithSendSpacing(cfg.SendSpacing),
		conversation.WithServiceMetrics(p.Metrics),
	}
	if p.Gateway != nil {
		loc, err := time.LoadLocation(cfg.ScheduleTimezone)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("mainconfig: schedule timezone: %w", err)
		}
		quiet, err := sequence.ParseQuietWindow(cfg.ScheduleQuietStart, cfg.ScheduleQuietEnd)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("mainconfig: schedule quiet window: %w", err)
		}
		sched := sequence.NewScheduler(seqRepo, p.Gateway, store, loc, logger,
			sequence.WithSchedulerMetrics(p.Metrics),
			sequence.WithQuietWindow(quiet))
		serviceOpts = append(serviceOpts, conversation.WithScheduler(sched))
	} else {
		logger.Warn("no gateway configured, sequence scheduling disabled")
	}

	p.Service = conversation.NewService(store, transcripts, engine, lock, dispatcher, logger, serviceOpts...)

	p.Coordinator = debounce.NewCoordinator(redisClient, logger,
		conversation.FlushHandler(p.Service, logger),
		debounce.WithDelay(cfg.DebounceDelay),
		debounce.WithStaleAfter(cfg.DebounceStaleAfter),
		debounce.WithSweepInterval(cfg.DebounceSweep),
		debounce.WithMetrics(p.Metrics),
	)

	if cfg.UseMemoryQueue {
		queue := conversation.NewMemoryQueue(1024)
		p.Publisher = conversation.NewPublisher(queue, logger)
		p.Worker = conversation.NewWorker(p.Service, queue, p.Coordinator, logger,
			conversation.WithWorkerCount(cfg.WorkerCount))
	} else {
		if cfg.InboundQueueURL == "" {
			p.Close()
			return nil, errors.New("mainconfig: INBOUND_QUEUE_URL is required without USE_MEMORY_QUEUE")
		}
		queue := conversation.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.InboundQueueURL)
		p.Publisher = conversation.NewPublisher(queue, logger)
		p.Worker = conversation.NewWorker(p.Service, queue, p.Coordinator, logger,
			conversation.WithWorkerCount(cfg.WorkerCount))
	}

	if p.Meow != nil {
		deviceID := cfg.MeowDeviceID
		p.Meow.OnInbound(func(from types.JID, displayName, body string) {
			msg := conversation.InboundMessage{
				Provider:    "meow",
				DeviceID:    deviceID,
				Phone:       "+" + from.User,
				DisplayName: displayName,
				Body:        body,
				ReceivedAt:  time.Now().UTC(),
			}
			if err := p.Publisher.EnqueueInbound(context.Background(), msg); err != nil {
				logger.Error("failed to enqueue whatsapp message", "error", err)
			}
		})
	}

	return p, nil
}
