package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/flybasist/linkwatch/internal/batch"
	"github.com/flybasist/linkwatch/internal/cache"
	"github.com/flybasist/linkwatch/internal/cloud"
	"github.com/flybasist/linkwatch/internal/config"
	"github.com/flybasist/linkwatch/internal/core"
	"github.com/flybasist/linkwatch/internal/dedup"
	"github.com/flybasist/linkwatch/internal/filter"
	"github.com/flybasist/linkwatch/internal/logx"
	"github.com/flybasist/linkwatch/internal/metrics"
	"github.com/flybasist/linkwatch/internal/migrations"
	"github.com/flybasist/linkwatch/internal/modules/forwarder"
	"github.com/flybasist/linkwatch/internal/modules/maintenance"
	"github.com/flybasist/linkwatch/internal/modules/mediamonitor"
	"github.com/flybasist/linkwatch/internal/modules/resourcemonitor"
	"github.com/flybasist/linkwatch/internal/notify"
	"github.com/flybasist/linkwatch/internal/postgresql"
	"github.com/flybasist/linkwatch/internal/postgresql/repositories"
	"github.com/flybasist/linkwatch/internal/retry"
	"github.com/flybasist/linkwatch/internal/tgbot"
)

// keywordCacheSize — сколько результатов сопоставления ключевых слов держит фильтр.
const keywordCacheSize = 5000

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run — точка сборки сервиса.
// Русский комментарий: Порядок запуска:
// 1. Конфиг и логгер
// 2. PostgreSQL, миграции, партиции
// 3. Сервисы: batch writer, очередь повторов, кеш, фильтр, уведомления, облако
// 4. Процессоры и диспетчер, подключение к боту
// 5. Ожидание сигнала и остановка в обратном порядке
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logx.NewLogger(cfg.LogLevel, cfg.LogPretty, logx.LogRotationConfig{
		Filename:   logx.DefaultLogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting linkwatch",
		zap.String("log_level", cfg.LogLevel),
		zap.Duration("shutdown_timeout", cfg.ShutdownTimeout),
		zap.Int("polling_timeout", cfg.PollingTimeout),
		zap.String("notify_backend", cfg.NotifyBackend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgresql.ConnectToBase(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer db.Close()

	if err := postgresql.PingWithRetry(ctx, db, 10, 2*time.Second, logger); err != nil {
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	logger.Info("connected to postgresql")

	if err := migrations.RunMigrationsIfNeeded(ctx, db, logger); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logger.Info("database schema ready")

	// Репозитории
	ruleRepo := repositories.NewRuleRepository(db, logger)
	resourceRepo := repositories.NewResourceRepository(db)
	mediaRepo := repositories.NewMediaRepository(db)
	msgLogRepo := repositories.NewMessageLogRepository(db)
	eventRepo := repositories.NewEventRepository(db)
	retryRepo := repositories.NewRetryTaskRepository(db, retry.DefaultMaxFailedKept)

	// Партиции нужны до первой записи логов, поэтому обслуживание стартует первым
	maint := maintenance.New(db, logger, cfg.MaintenanceCron, cfg.DBRetentionMonths, retryRepo)
	if err := maint.Start(ctx); err != nil {
		return fmt.Errorf("failed to start maintenance: %w", err)
	}

	reg := metrics.New()

	writer := batch.NewWriter(batch.Options{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.BatchFlushInterval,
		Metrics:       reg,
	}, logger)
	writer.RegisterSink(batch.EntityMessageLogs, batch.TypedSink(msgLogRepo.WriteBatch))
	writer.RegisterSink(batch.EntityEventLog, batch.TypedSink(eventRepo.WriteBatch))

	queue := retry.NewQueue(retry.Options{
		PollInterval: cfg.RetryPollInterval,
		Workers:      cfg.RetryWorkers,
		Store:        retryRepo,
		Metrics:      reg,
	}, logger)

	msgCache := cache.New(cache.Options{TTL: cfg.CacheTTL, MaxEntries: cfg.CacheMaxEntries}, logger)
	if err := msgCache.Start(); err != nil {
		return fmt.Errorf("failed to start message cache: %w", err)
	}
	engine := filter.NewEngine(keywordCacheSize)

	bot, err := tgbot.NewBot(cfg.TelegramBotToken, time.Duration(cfg.PollingTimeout)*time.Second, logger)
	if err != nil {
		return err
	}
	transport := tgbot.NewTransport(bot, logger)

	notifier, err := newNotifier(cfg, transport, logger)
	if err != nil {
		return fmt.Errorf("failed to create notifier: %w", err)
	}

	// Процессоры регистрируют обработчики очереди в конструкторах, до queue.Start
	resourceMon := resourcemonitor.New(resourcemonitor.Dependencies{
		Rules:    ruleRepo,
		Records:  resourceRepo,
		Dedup:    dedup.New(dedup.HistoryFunc(resourceRepo.HasRecent), logger),
		Cloud:    newCloudClient(cfg, logger),
		Queue:    queue,
		Logs:     writer,
		Notifier: notifier,
		Metrics:  reg,
		Logger:   logger,
	})
	fwd := forwarder.New(forwarder.Dependencies{
		Rules:     ruleRepo,
		Dedup:     dedup.New(msgLogRepo.History(forwarder.Name), logger),
		Queue:     queue,
		Logs:      writer,
		Transport: transport,
		Notifier:  notifier,
		Timeout:   cfg.TransportTimeout,
		Logger:    logger,
	})
	mediaMon := mediamonitor.New(mediamonitor.Dependencies{
		Rules:     ruleRepo,
		Downloads: mediaRepo,
		Dedup:     dedup.New(dedup.HistoryFunc(mediaRepo.HasSuccessful), logger),
		Queue:     queue,
		Logs:      writer,
		Transport: transport,
		Notifier:  notifier,
		BaseDir:   cfg.MediaDownloadDir,
		Timeout:   cfg.TransportTimeout,
		Logger:    logger,
	})

	dispatcher := core.NewDispatcher(core.DispatcherOptions{
		SlowThreshold: cfg.DispatchSlowThreshold,
		Metrics:       reg,
	}, logger)
	dispatcher.Register(resourceMon)
	dispatcher.Register(fwd)
	dispatcher.Register(mediaMon)

	factory := &core.ContextFactory{
		Transport: transport,
		Cache:     msgCache,
		Matcher:   engine,
		Logger:    logger,
		Timeout:   cfg.TransportTimeout,
	}
	inflight := tgbot.Attach(ctx, bot, dispatcher, factory, logger)

	reg.Serve(cfg.MetricsAddr, logger)

	writer.Start(ctx)
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start retry queue: %w", err)
	}
	transport.Start()

	logger.Info("linkwatch started", zap.Strings("processors", dispatcher.Processors()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	err = shutdown(shutdownCtx, logger, shutdownSteps{
		transport: transport,
		inflight:  inflight,
		cancel:    cancel,
		queue:     queue,
		writer:    writer,
		cache:     msgCache,
		maint:     maint,
		notifier:  notifier,
		metrics:   reg,
		db:        db,
	})
	logger.Info("dispatcher totals", zap.Any("stats", dispatcher.Stats()))
	return err
}

type shutdownSteps struct {
	transport *tgbot.Transport
	inflight  *tgbot.Inflight
	cancel    context.CancelFunc
	queue     *retry.Queue
	writer    *batch.Writer
	cache     *cache.MessageCache
	maint     *maintenance.MaintenanceModule
	notifier  notify.Publisher
	metrics   *metrics.Registry
	db        *sql.DB
}

// shutdown останавливает компоненты в обратном порядке запуска.
// Русский комментарий: Сначала перестаём принимать апдейты, затем доделываем повторы,
// сбрасываем буферы логов и только после этого закрываем БД.
func shutdown(ctx context.Context, logger *zap.Logger, s shutdownSteps) error {
	logger.Info("stopping bot polling...")
	s.transport.Stop()

	// Принятые апдейты дорабатывают с живыми очередью, writer'ом и БД
	var errs error
	logger.Info("waiting for in-flight messages...")
	errs = multierr.Append(errs, s.inflight.Wait(ctx))
	s.cancel()

	logger.Info("stopping retry queue...")
	errs = multierr.Append(errs, s.queue.Stop(ctx))

	logger.Info("flushing batch writer...")
	errs = multierr.Append(errs, s.writer.Stop(ctx))

	s.cache.Stop()
	errs = multierr.Append(errs, s.maint.Shutdown())
	errs = multierr.Append(errs, s.notifier.Close())
	errs = multierr.Append(errs, s.metrics.Shutdown(ctx))

	logger.Info("closing database connection...")
	errs = multierr.Append(errs, s.db.Close())

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		logger.Warn("shutdown timeout exceeded")
		errs = multierr.Append(errs, errors.New("shutdown timeout exceeded"))
	}
	if errs != nil {
		logger.Error("shutdown finished with errors", zap.Error(errs))
		return errs
	}
	logger.Info("linkwatch shutdown complete")
	return nil
}

// newNotifier выбирает канал уведомлений по NOTIFY_BACKEND.
func newNotifier(cfg *config.Config, transport core.Transport, logger *zap.Logger) (notify.Publisher, error) {
	switch cfg.NotifyBackend {
	case config.NotifyKafka:
		return notify.NewKafkaPublisher(strings.Join(cfg.KafkaBrokers, ","), cfg.KafkaNotifyTopic, logger)
	case config.NotifyRabbit:
		return notify.NewRabbitPublisher(cfg.RabbitURL, cfg.RabbitQueue, logger)
	case config.NotifyTelegram:
		return notify.NewChatPublisher(transport, cfg.NotifyChatID)
	default:
		return notify.Nop{}, nil
	}
}

// newCloudClient — клиент шлюза облака с ограничением частоты. Без CLOUD_GATEWAY_URL автосохранение выключено.
func newCloudClient(cfg *config.Config, logger *zap.Logger) cloud.Client {
	if cfg.CloudGatewayURL == "" {
		logger.Info("cloud gateway not configured, auto-save disabled")
		return cloud.Disabled{}
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	gateway := cloud.NewGatewayClient(cfg.CloudGatewayURL, cfg.CloudGatewayToken, httpClient, logger)
	return cloud.NewRateLimited(gateway, cfg.CloudRatePerMinute)
}
