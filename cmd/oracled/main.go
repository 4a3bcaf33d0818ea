package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"Oracle-Delphi/internal/agent"
	"Oracle-Delphi/internal/api"
	"Oracle-Delphi/internal/config"
	"Oracle-Delphi/internal/consultation"
	"Oracle-Delphi/internal/llm/openai"
	"Oracle-Delphi/internal/memory"
	"Oracle-Delphi/internal/observability/metrics"
	"Oracle-Delphi/internal/ritual"
	"Oracle-Delphi/internal/storage/mysql"
	"Oracle-Delphi/internal/storage/redis"
	"Oracle-Delphi/pkg/logger"
)

// main 是神谕服务的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("oracled 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 不存在时忽略。
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("oracled")

	var db *sql.DB
	if cfg.NeedsMySQL() {
		db, err = mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.MySQL.ConnMaxLifetime.Duration,
		})
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.Storage.MySQL.AutoMigrate {
			if err := mysql.Migrate(ctx, db); err != nil {
				return err
			}
		}
	}

	var rdb *goredis.Client
	if cfg.NeedsRedis() {
		rdb, err = redis.NewClient(ctx, redis.Config{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	var mem memory.Store
	switch cfg.Memory.Driver {
	case "redis":
		mem = memory.NewRedisStore(rdb, memory.RedisConfig{
			KeyPrefix:    cfg.Memory.KeyPrefix,
			TTL:          cfg.Memory.TTL.Duration,
			MaxPerThread: cfg.Memory.MaxPerThread,
		})
	case "mysql":
		mem = memory.NewMySQLStore(db, cfg.Memory.MaxPerThread)
	default:
		mem = memory.NewInMemoryStore(cfg.Memory.MaxPerThread)
	}

	m := metrics.New()
	registryOpts := []ritual.Option{
		ritual.WithTiming(ritual.Timing{
			ContemplationMin: cfg.Ritual.ContemplationMin.Duration,
			ContemplationMax: cfg.Ritual.ContemplationMax.Duration,
			CompleteToIdle:   cfg.Ritual.CompleteToIdle.Duration,
			LLMTimeout:       cfg.Ritual.LLMTimeout.Duration,
		}),
		ritual.WithHistoryLimit(cfg.Ritual.HistoryLimit),
		ritual.WithListener(ritual.JournalListener(logger.Audit())),
	}
	if cfg.Metrics.Enabled {
		registryOpts = append(registryOpts, ritual.WithListener(m.RitualListener()))
	}
	rituals := ritual.NewRegistry(registryOpts...)
	rituals.StartSettler(ctx, cfg.Ritual.SettleInterval.Duration)

	var oracle *agent.Oracle
	if cfg.LLM.APIKey != "" {
		client, err := newLLMClient(cfg)
		if err != nil {
			return err
		}
		oracle = agent.New(client,
			agent.WithMemory(mem),
			agent.WithRegistry(rituals),
			agent.WithHistoryDepth(cfg.Memory.HistoryDepth),
			agent.WithLLMTimeout(cfg.Ritual.LLMTimeout.Duration),
		)
	} else {
		lg.Warn("未找到大模型 API Key，/chat 将返回错误", slog.String("env", cfg.LLM.APIKeyEnv))
	}

	serverOpts := []api.Option{
		api.WithAPIKeyEnv(cfg.LLM.APIKeyEnv),
		api.WithTimeouts(cfg.Server.ReadTimeout.Duration, cfg.Server.WriteTimeout.Duration, cfg.Server.ShutdownTimeout.Duration),
	}

	if cfg.Consultation.Enabled {
		store, queue, err := newConsultationBackends(cfg, db, rdb)
		if err != nil {
			return err
		}
		defer func() {
			if err := queue.Close(); err != nil {
				lg.Warn("关闭问询队列失败", slog.Any("error", err))
			}
		}()

		svc := consultation.NewService(store, queue, cfg.Consultation.MaxRetries)
		serverOpts = append(serverOpts, api.WithConsultations(svc))

		if oracle != nil {
			processorOpts := []consultation.ProcessorOption{
				consultation.WithWorkerCount(cfg.Consultation.Workers),
				consultation.WithOutcomeObserver(m.ObserveConsultation),
			}
			if cfg.Consultation.FallbackReply != "" {
				processorOpts = append(processorOpts, consultation.WithRecoveryHandler(consultation.StaticReply(cfg.Consultation.FallbackReply)))
			}
			processor := consultation.NewProcessor(oracle, store, queue, queue, processorOpts...)
			go func() {
				if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					lg.Error("问询处理器异常退出", slog.Any("error", err))
				}
			}()
		}
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Address == "" {
			serverOpts = append(serverOpts, api.WithMetrics(m))
		} else {
			go func() {
				if err := m.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
					lg.Error("指标服务异常退出", slog.Any("error", err))
				}
			}()
		}
	}

	var apiOracle api.Oracle
	if oracle != nil {
		apiOracle = oracle
	}
	server := api.NewServer(cfg.Server.Address, apiOracle, serverOpts...)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newLLMClient(cfg *config.Config) (*openai.Client, error) {
	preset, ok := openai.PresetFor(cfg.LLM.Provider)
	if !ok {
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
	baseURL := cfg.LLM.BaseURL
	if baseURL == "" {
		baseURL = preset.BaseURL
	}
	model := cfg.LLM.Model
	if model == "" {
		model = preset.Model
	}
	return openai.NewClient(openai.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     baseURL,
		Model:       model,
		Temperature: &cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout.Duration,
	})
}

// newConsultationBackends 按配置选择问询存储与队列，连接由调用方负责关闭。
func newConsultationBackends(cfg *config.Config, db *sql.DB, rdb *goredis.Client) (consultation.Store, consultation.Queue, error) {
	var store consultation.Store
	switch cfg.Consultation.Store {
	case "mysql":
		s, err := consultation.NewMySQLStore(db)
		if err != nil {
			return nil, nil, err
		}
		store = s
	default:
		store = consultation.NewMemoryStore()
	}

	switch cfg.Consultation.Queue {
	case "redis":
		q, err := consultation.NewRedisQueue(rdb, consultation.RedisQueueConfig{
			Queue:     cfg.Consultation.RedisQueue,
			BlockWait: 5 * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, q, nil
	case "rabbitmq":
		q, err := consultation.NewRabbitMQQueue(consultation.RabbitMQConfig{
			URL:      cfg.Consultation.RabbitMQ.URL,
			Queue:    cfg.Consultation.RabbitMQ.Queue,
			Prefetch: cfg.Consultation.RabbitMQ.Prefetch,
			Durable:  cfg.Consultation.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, q, nil
	default:
		return store, consultation.NewMemoryQueue(cfg.Consultation.QueueSize), nil
	}
}
