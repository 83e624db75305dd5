// Package app pinning-srv 应用生命周期
//
// ## 职责
// 1. 索引 (indexer): 轮询 PublicResolver 的 ContenthashChanged 事件写入 content_hashes
// 2. 可用性检查 (availability-check): created -> checked / notfound / failed
// 3. pin: checked / 可重试 failed -> pinning -> pinned / failed
// 4. 名称补全 (name-resolve): 通过 ENS subgraph 填充 ens_name
// 5. 只读 HTTP 接口: /pinning/*
//
// ## 可选依赖
// - Redis: 配置 redis.addr 后任务加分布式锁，多实例部署时使用
// - Kafka: 配置 kafka.brokers 后发布 contenthash-status 事件
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dwebhost/dweb-alpha/internal/blockchain"
	"github.com/dwebhost/dweb-alpha/internal/config"
	"github.com/dwebhost/dweb-alpha/internal/ens"
	"github.com/dwebhost/dweb-alpha/internal/handler"
	"github.com/dwebhost/dweb-alpha/internal/ipfs"
	"github.com/dwebhost/dweb-alpha/internal/jobs"
	"github.com/dwebhost/dweb-alpha/internal/kafka"
	"github.com/dwebhost/dweb-alpha/internal/repository"
	"github.com/dwebhost/dweb-alpha/internal/router"
	"github.com/dwebhost/dweb-alpha/internal/scheduler"
	"github.com/dwebhost/dweb-alpha/internal/service"
	"github.com/dwebhost/dweb-alpha/pkg/circuitbreaker"
	"github.com/dwebhost/dweb-alpha/pkg/logger"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	redis *redis.Client

	// 外部协作方
	chainClient *blockchain.Client
	logReader   *blockchain.LogReader
	ipfsClient  *ipfs.Client
	ensClient   *ens.Client
	producer    *kafka.Producer

	// 仓储
	hashRepo repository.ContentHashRepository
	syncRepo repository.SyncInfoRepository
	execRepo *repository.ExecutionRepository

	// 服务
	indexerSvc      *service.IndexerService
	availabilitySvc *service.AvailabilityService
	pinningSvc      *service.PinningService
	nameSvc         *service.NameService
	statsSvc        *service.StatsService

	scheduler  *scheduler.Scheduler
	httpServer *http.Server

	stopCh chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initClients(); err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("failed to init clients: %w", err)
	}

	app.initRepositories()
	app.initServices()

	if err := app.initScheduler(); err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("failed to init scheduler: %w", err)
	}

	app.initHTTP()
	return app, nil
}

// initInfrastructure 初始化数据库与可选的 Redis
func (a *App) initInfrastructure() error {
	db, err := gorm.Open(postgres.Open(a.cfg.Postgres.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

	a.db = db
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	if err := AutoMigrate(a.db, a.cfg.Service.Name); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("database migrated")

	if a.cfg.Redis.Addr == "" {
		logger.Info("redis not configured, job locks disabled")
		return nil
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	logger.Info("redis connected", zap.String("addr", a.cfg.Redis.Addr))
	return nil
}

// initClients 初始化链、存储后端、名称服务与 Kafka
func (a *App) initClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rpcURLs := append([]string{a.cfg.Blockchain.RPCURL}, a.cfg.Blockchain.BackupRPCURLs...)
	chainClient, err := blockchain.NewClient(ctx, &blockchain.ClientConfig{
		RPCURLs:         rpcURLs,
		MaxRetries:      a.cfg.Blockchain.MaxRetries,
		RetryInterval:   a.cfg.Blockchain.RetryInterval,
		HealthCheckFreq: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}
	a.chainClient = chainClient

	a.logReader, err = blockchain.NewLogReader(chainClient)
	if err != nil {
		return fmt.Errorf("failed to create log reader: %w", err)
	}
	logger.Info("blockchain client initialized",
		zap.String("network", a.cfg.Blockchain.Network),
		zap.Int("endpoints", len(rpcURLs)),
		zap.Strings("contracts", a.cfg.Blockchain.Contracts))

	a.ipfsClient = ipfs.NewClient(&ipfs.Config{
		APIURL:           a.cfg.IPFS.APIURL,
		FailureThreshold: a.cfg.IPFS.FailureThreshold,
		BreakerTimeout:   a.cfg.IPFS.BreakerTimeout,
	})
	logger.Info("ipfs client initialized", zap.String("api", a.cfg.IPFS.APIURL))

	a.ensClient = ens.NewClient(&ens.Config{
		URL:       a.cfg.ENS.GraphQLURL,
		Token:     a.cfg.ENS.Token,
		RateLimit: a.cfg.ENS.RateLimit,
		Timeout:   a.cfg.ENS.Timeout,
	})

	if len(a.cfg.Kafka.Brokers) == 0 {
		logger.Info("kafka not configured, status events disabled")
		return nil
	}
	a.producer, err = kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
		Topic:    a.cfg.Kafka.StatusTopic,
		SASL: &kafka.SASLConfig{
			Mechanism: a.cfg.Kafka.SASLMechanism,
			User:      a.cfg.Kafka.SASLUser,
			Password:  a.cfg.Kafka.SASLPassword,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	logger.Info("kafka producer initialized",
		zap.Strings("brokers", a.cfg.Kafka.Brokers),
		zap.String("topic", a.cfg.Kafka.StatusTopic))
	return nil
}

func (a *App) initRepositories() {
	a.hashRepo = repository.NewContentHashRepository(a.db)
	a.syncRepo = repository.NewSyncInfoRepository(a.db)
	a.execRepo = repository.NewExecutionRepository(a.db)
}

// statusPublisher 未配置 Kafka 时返回 nil 接口，避免 typed nil
func (a *App) statusPublisher() service.StatusPublisher {
	if a.producer == nil {
		return nil
	}
	return a.producer
}

func (a *App) initServices() {
	contracts := make([]common.Address, 0, len(a.cfg.Blockchain.Contracts))
	for _, addr := range a.cfg.Blockchain.Contracts {
		contracts = append(contracts, common.HexToAddress(addr))
	}

	a.indexerSvc = service.NewIndexerService(
		a.logReader,
		repository.NewRepository(a.db),
		a.syncRepo,
		a.hashRepo,
		&service.IndexerServiceConfig{
			Chain:         a.cfg.Blockchain.Network,
			Contracts:     contracts,
			StartBlock:    a.cfg.Indexer.StartBlock,
			MaxBlockRange: a.cfg.Indexer.MaxBlockRange,
			Confirmations: a.cfg.Indexer.Confirmations,
		},
	)

	pub := a.statusPublisher()
	a.availabilitySvc = service.NewAvailabilityService(a.hashRepo, a.ipfsClient, pub, &service.AvailabilityServiceConfig{
		BatchSize:    a.cfg.Pinning.CheckBatchSize,
		Concurrency:  a.cfg.Pinning.Concurrency,
		ProbeTimeout: a.cfg.Pinning.ProbeTimeout,
	})
	a.pinningSvc = service.NewPinningService(a.hashRepo, a.ipfsClient, pub, &service.PinningServiceConfig{
		BatchSize:   a.cfg.Pinning.PinBatchSize,
		MaxRetries:  a.cfg.Pinning.MaxRetries,
		Concurrency: a.cfg.Pinning.Concurrency,
		PinTimeout:  a.cfg.Pinning.PinTimeout,
		ClaimTTL:    a.cfg.Pinning.ClaimTTL,
	})
	a.nameSvc = service.NewNameService(a.hashRepo, a.ensClient, a.cfg.ENS.BatchSize)
	a.statsSvc = service.NewStatsService(a.hashRepo, a.ipfsClient)

	logger.Info("services initialized")
}

// initScheduler 注册各任务
func (a *App) initScheduler() error {
	sc := a.cfg.Scheduler
	schedCfg := &scheduler.Config{MaxConcurrentJobs: sc.MaxConcurrentJobs}
	if a.redis != nil {
		schedCfg.RedisClient = a.redis
	}
	a.scheduler = scheduler.NewScheduler(schedCfg, a.execRepo)

	var lockTTL time.Duration
	if a.redis != nil {
		lockTTL = sc.LockTTL
	}
	opts := jobs.Options{Timeout: sc.JobTimeout, LockTTL: lockTTL, UseWatchdog: true}

	entries := []struct {
		job      scheduler.Job
		interval time.Duration
	}{
		{jobs.NewIndexerJob(a.indexerSvc, opts), a.cfg.Indexer.Interval},
		{jobs.NewAvailabilityJob(a.availabilitySvc, opts), a.cfg.Pinning.CheckInterval},
		{jobs.NewPinJob(a.pinningSvc, opts), a.cfg.Pinning.PinInterval},
		{jobs.NewNameResolveJob(a.nameSvc, opts), a.cfg.ENS.Interval},
	}
	for _, e := range entries {
		if err := a.scheduler.RegisterJob(e.job, scheduler.JobConfig{
			Schedule: scheduler.EverySpec(e.interval),
			Enabled:  true,
		}); err != nil {
			return err
		}
	}

	prune := jobs.NewPruneExecutionsJob(a.execRepo, sc.ExecutionRetention, 2*sc.JobTimeout, jobs.Options{
		Timeout: time.Minute,
		LockTTL: lockTTL,
	})
	return a.scheduler.RegisterJob(prune, scheduler.JobConfig{Schedule: sc.PruneSchedule, Enabled: true})
}

func (a *App) initHTTP() {
	pinningHandler := handler.NewPinningHandler(a.statsSvc, a.indexerSvc, a.scheduler)

	checks := map[string]handler.HealthCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"chain": a.chainClient.HealthCheck,
		"storage": func(ctx context.Context) error {
			if a.ipfsClient.BreakerState() == circuitbreaker.StateOpen {
				return errors.New("storage circuit breaker open")
			}
			return nil
		},
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}
	}

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler:           router.New(&router.Handlers{Pinning: pinningHandler, Health: checks}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Run 启动调度与 HTTP，阻塞直到收到退出信号
func (a *App) Run() error {
	a.scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	case runErr = <-errCh:
		logger.Error("http server error", zap.Error(runErr))
	}

	a.shutdown()
	return runErr
}

// Stop 请求退出
func (a *App) Stop() {
	close(a.stopCh)
}

func (a *App) shutdown() {
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	// 等待进行中的任务结束，任务 ctx 已取消
	a.scheduler.Stop()
	a.closeInfrastructure()

	logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			logger.Error("close kafka producer", zap.Error(err))
		}
	}
	if a.chainClient != nil {
		a.chainClient.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Error("close redis", zap.Error(err))
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
