package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/spf13/pflag"

	"job-agent-go/internal/api/handler"
	"job-agent-go/internal/api/router"
	"job-agent-go/internal/config"
	"job-agent-go/internal/evalcache"
	"job-agent-go/internal/evaluator"
	"job-agent-go/internal/fingerprint"
	"job-agent-go/internal/ingest"
	"job-agent-go/internal/logger"
	"job-agent-go/internal/normalizer"
	"job-agent-go/internal/resume"
	"job-agent-go/internal/scheduler"
	"job-agent-go/internal/storage"
	"job-agent-go/internal/tracing"
)

// sweepInterval 后台归档清扫的运行周期
const sweepInterval = 6 * time.Hour

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "config.yaml", "配置文件路径")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("加载配置失败")
	}

	logger.Init(cfg.Logger)
	glog.SetLogger(hertzadapter.From(logger.Logger))
	logger.Info().Msg("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitProvider(ctx, &cfg.Tracing)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化链路追踪失败")
	}

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化存储管理器失败")
	}
	defer storageManager.Close()

	// 评估能力 + 结果缓存 + 批量调度
	eval, err := evaluator.NewLLMEvaluator(&cfg.Evaluator)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化评估器失败")
	}

	var dist evalcache.DistributedClaims
	if storageManager.Redis != nil {
		dist = storageManager.Redis
	}
	// 声明TTL取两倍评估超时：持有者崩溃后声明在下一次计算窗口内过期
	cache := evalcache.New(evalcache.NewStore(storageManager.MySQL, storageManager.Redis), dist, 2*cfg.EvaluateTimeout())
	sched := scheduler.New(storageManager.MySQL, cache, eval, cfg.Scheduler.DefaultConcurrency, cfg.Scheduler.MaxConcurrency)

	// 摄取管线
	norm := normalizer.New(fingerprint.Options{
		PrefixLen:         cfg.Ingest.FingerprintPrefixLen,
		MinDescriptionLen: cfg.Ingest.MinDescriptionLen,
	})
	var archiver ingest.Archiver
	if storageManager.MinIO != nil {
		archiver = storageManager.MinIO
	}
	var sweepLocker ingest.SweepLocker
	if storageManager.Redis != nil {
		sweepLocker = storageManager.Redis
	}
	ingestor := ingest.New(norm, storageManager.MySQL, storageManager.MySQL, archiver, sweepLocker)

	// 简历服务：PDF提取能力初始化失败只关闭上传入口，文本简历不受影响
	extractor, err := resume.NewPDFExtractor(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("初始化PDF提取器失败，简历上传接口不可用")
		extractor = nil
	}
	resumeSvc := resume.NewService(storageManager.MySQL, storageManager.MinIO, extractor)

	// 队列摄取消费者
	if storageManager.RabbitMQ != nil {
		if _, err := ingest.StartConsumer(ctx, storageManager.RabbitMQ, cfg.RabbitMQ.PrefetchCount, ingestor); err != nil {
			logger.Fatal().Err(err).Msg("启动摄取消费者失败")
		}
		logger.Info().Msg("摄取消费者已启动")
	}

	// 周期性归档清扫
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				archived, err := ingestor.Sweep(ctx, cfg.ArchiveAfter())
				if err != nil {
					logger.Error().Err(err).Msg("归档清扫失败")
					continue
				}
				if archived > 0 {
					logger.Info().Int64("archived", archived).Msg("归档清扫完成")
				}
			}
		}
	}()

	tracer, tracerCfg := hertztracing.NewServerTracer()
	h := server.New(
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
		tracer,
	)
	h.Use(hertztracing.ServerMiddleware(tracerCfg))

	router.RegisterRoutes(h, cfg, router.Handlers{
		Ingest:     handler.NewIngestHandler(ingestor, cfg),
		Job:        handler.NewJobHandler(storageManager.MySQL),
		Evaluation: handler.NewEvaluationHandler(storageManager.MySQL, cache, eval, resumeSvc, sched),
		Task:       handler.NewTaskHandler(sched),
		Resume:     handler.NewResumeHandler(resumeSvc),
	})
	logger.Info().Str("address", cfg.Server.Address).Msg("HTTP路由注册成功，服务器启动中")

	go func() {
		if err := h.Run(); err != nil {
			logger.Fatal().Err(err).Msg("启动HTTP服务器失败")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("接收到终止信号，正在优雅退出...")

	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("服务器关闭失败")
	}

	// 等待在途批量任务收尾再断开存储
	sched.Wait()

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("关闭链路追踪失败")
	}
	logger.Info().Msg("优雅退出完成")
}
