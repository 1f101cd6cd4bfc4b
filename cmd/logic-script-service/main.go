// cmd/logic-script-service/main.go
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"storelogic/internal/pkg/bootstrap"
	"storelogic/internal/pkg/httpclient"
	"storelogic/internal/pkg/logger"
	"storelogic/internal/pkg/mq"
	"storelogic/internal/pkg/nacos"
	"storelogic/internal/pkg/redis"
	"storelogic/internal/pkg/zookeeper"
	"storelogic/internal/service/logic/application"
	"storelogic/internal/service/logic/domain"
	"storelogic/internal/service/logic/domain/port"
	"storelogic/internal/service/logic/infrastructure"
	"storelogic/internal/service/logic/infrastructure/adapter"
	"storelogic/internal/service/logic/infrastructure/cache"
	"storelogic/internal/service/logic/infrastructure/lock"
	"storelogic/internal/service/logic/infrastructure/rule"
	"storelogic/internal/service/logic/interfaces"
)

const serviceName = "logic-script-service"

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	bootstrap.Init()

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName:      serviceName,
		Port:             8090,
		RegisterHandlers: registerHandlers,
	})
}

func registerHandlers(appCtx bootstrap.AppCtx) (func(ctx context.Context), error) {
	cfg := appCtx.Config
	ctx := context.Background()
	var closers []func() error

	// --- 1. 创建基础设施层的具体实现 (Adapters) ---
	repo, closeDB, err := infrastructure.OpenRepository(ctx, cfg.Infra.Database)
	if err != nil {
		return nil, err
	}
	closers = append(closers, closeDB)

	policy, err := domain.ParseFailurePolicy(cfg.App.Logic.FailurePolicy)
	if err != nil {
		return nil, err
	}
	evaluator, err := rule.NewCELEvaluator(rule.Options{
		Timeout:   cfg.App.Logic.ScriptTimeout,
		CostLimit: cfg.App.Logic.CostLimit,
		CacheSize: cfg.App.Logic.ProgramCacheSize,
	})
	if err != nil {
		return nil, err
	}

	var redisClient *redis.Client
	if cfg.Infra.Redis.Addr != "" {
		redisClient = redis.NewClient(redis.Options{
			Addr:     cfg.Infra.Redis.Addr,
			Password: cfg.Infra.Redis.Password,
			DB:       cfg.Infra.Redis.DB,
		})
		closers = append(closers, redisClient.Close)
	}

	locker, closeLocker, err := newLocker(ctx, cfg, redisClient)
	if err != nil {
		return nil, err
	}
	if closeLocker != nil {
		closers = append(closers, closeLocker)
	}

	var events port.EventPublisher = adapter.NoopEventPublisher{}
	if len(cfg.Infra.Kafka.Brokers) > 0 {
		publisher := adapter.NewKafkaEventPublisher(
			mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.DecisionTopic),
			mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.ChangeTopic),
		)
		events = publisher
		closers = append(closers, publisher.Close)
	}

	var resolve adapter.Resolver
	if cfg.Infra.Nacos.ServerAddrs != "" {
		namingClient, err := nacos.NewNacosClient(cfg.Infra.Nacos.ServerAddrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
		if err != nil {
			return nil, err
		}
		resolve = namingClient.DiscoverServiceInstance
	}

	tracer := otel.Tracer(serviceName)
	generator := adapter.NewGenerationHTTPAdapter(httpclient.NewClient(tracer), cfg.App.Generator.Endpoint, cfg.App.Generator.Timeout, resolve)

	// --- 2. 创建应用层服务，并注入依赖 ---
	deps := application.Dependencies{
		Repo:      repo,
		Evaluator: evaluator,
		Validator: evaluator,
		Locker:    locker,
		Events:    events,
		Generator: generator,
		Tracer:    tracer,
		Metrics:   application.NewMetrics(nil),
		Reducer: domain.ReducerOptions{
			Policy:            policy,
			FailClosedMessage: cfg.App.Logic.FailClosedMessage,
		},
	}
	if redisClient != nil {
		scriptCache, err := cache.NewRedisScriptCache(redisClient, cfg.Infra.Redis.CacheTTL)
		if err != nil {
			return nil, err
		}
		deps.Cache = scriptCache
	}
	svc := application.NewLogicScriptService(deps)

	// --- 3. 创建接口层的处理器，并注入应用服务 ---
	interfaces.NewLogicScriptHandler(svc).RegisterRoutes(appCtx.Mux)

	log.Info().
		Str("failure_policy", string(policy)).
		Str("db_driver", cfg.Infra.Database.Driver).
		Str("lock_backend", cfg.Infra.Lock.Backend).
		Bool("cache", deps.Cache != nil).
		Msg("logic script service wired")

	return func(ctx context.Context) {
		svc.Wait()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("Error releasing dependency")
			}
		}
	}, nil
}

// newLocker 按配置选择分组锁的实现。
func newLocker(ctx context.Context, cfg *bootstrap.Config, redisClient *redis.Client) (port.GroupLocker, func() error, error) {
	switch cfg.Infra.Lock.Backend {
	case "", "local":
		return lock.NewLocalLocker(), nil, nil
	case "redis":
		if redisClient == nil {
			return nil, nil, fmt.Errorf("lock backend redis requires infra.redis.addr")
		}
		l, err := lock.NewRedisLocker(redisClient, cfg.Infra.Lock.TTL, cfg.Infra.Lock.Wait)
		return l, nil, err
	case "zookeeper":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		conn, err := zookeeper.Connect(connectCtx, cfg.Infra.Zookeeper.Servers, cfg.Infra.Zookeeper.SessionTimeout)
		if err != nil {
			return nil, nil, err
		}
		return lock.NewZookeeperLocker(conn), func() error { conn.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Infra.Lock.Backend)
	}
}
