package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config — централизованная структура настроек сервиса.
// Русский комментарий: Все переменные окружения собираются один раз при старте.
// Это упрощает тестирование и делает код чище — далее мы работаем только с этой структурой.
// Логирование всегда на английском для единообразия операционных сообщений.

type Config struct {
	TelegramBotToken string        // Токен Telegram бота
	PostgresDSN      string        // Строка подключения к PostgreSQL
	LogLevel         string        // Уровень логирования (debug, info, warn, error)
	LogPretty        bool          // Флаг человекочитаемого (pretty) логирования
	LogMaxSizeMB     int           // Ротация: размер файла
	LogMaxBackups    int           // Ротация: количество старых файлов
	LogMaxAgeDays    int           // Ротация: возраст файла
	ShutdownTimeout  time.Duration // Таймаут graceful shutdown (общий)
	PollingTimeout   int           // Таймаут long polling Telegram в секундах
	TransportTimeout time.Duration // Таймаут отправки и скачивания через транспорт
	MetricsAddr      string        // Адрес HTTP-сервера метрик, пусто — выключен

	// Конвейер
	CacheTTL              time.Duration
	CacheMaxEntries       int
	DispatchSlowThreshold time.Duration
	RetryPollInterval     time.Duration
	RetryWorkers          int
	BatchSize             int
	BatchFlushInterval    time.Duration

	// Уведомления: none | kafka | rabbitmq | telegram
	NotifyBackend    string
	KafkaBrokers     []string
	KafkaNotifyTopic string
	RabbitURL        string
	RabbitQueue      string
	NotifyChatID     int64

	// Облачный шлюз; пустой URL — автосохранение всегда неуспешно и уходит в повторы
	CloudGatewayURL    string
	CloudGatewayToken  string
	CloudRatePerMinute int

	MediaDownloadDir  string
	DBRetentionMonths int
	MaintenanceCron   string
}

// Допустимые значения NOTIFY_BACKEND.
const (
	NotifyNone     = "none"
	NotifyKafka    = "kafka"
	NotifyRabbit   = "rabbitmq"
	NotifyTelegram = "telegram"
)

// Load загружает и валидирует конфигурацию из окружения.
// Файл .env в рабочей директории подхватывается, если есть; реальное окружение важнее.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := &Config{}
	var err error

	cfg.TelegramBotToken = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	cfg.PostgresDSN = strings.TrimSpace(os.Getenv("POSTGRES_DSN"))

	cfg.LogLevel = strings.ToLower(firstNonEmpty(os.Getenv("LOG_LEVEL"), "info"))
	cfg.LogPretty, _ = OptionalBool("LOGGER_PRETTY")
	cfg.LogMaxSizeMB = intOrDefault("LOG_MAX_SIZE_MB", 100)
	cfg.LogMaxBackups = intOrDefault("LOG_MAX_BACKUPS", 3)
	cfg.LogMaxAgeDays = intOrDefault("LOG_MAX_AGE_DAYS", 28)

	if cfg.ShutdownTimeout, err = durationOrDefault("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	cfg.PollingTimeout = intOrDefault("POLLING_TIMEOUT", 60)
	if cfg.TransportTimeout, err = durationOrDefault("TRANSPORT_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	cfg.MetricsAddr = firstNonEmpty(os.Getenv("METRICS_ADDR"), ":9090")

	if cfg.CacheTTL, err = durationOrDefault("CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	cfg.CacheMaxEntries = intOrDefault("CACHE_MAX_ENTRIES", 10000)
	if cfg.DispatchSlowThreshold, err = durationOrDefault("DISPATCH_SLOW_THRESHOLD", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.RetryPollInterval, err = durationOrDefault("RETRY_POLL_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	cfg.RetryWorkers = intOrDefault("RETRY_WORKERS", 4)
	cfg.BatchSize = intOrDefault("BATCH_SIZE", 100)
	if cfg.BatchFlushInterval, err = durationOrDefault("BATCH_FLUSH_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}

	cfg.NotifyBackend = strings.ToLower(firstNonEmpty(os.Getenv("NOTIFY_BACKEND"), NotifyNone))
	brokersRaw := strings.TrimSpace(os.Getenv("KAFKA_BROKERS"))
	if brokersRaw != "" {
		// Разрешаем перечисление через запятую или пробелы
		cfg.KafkaBrokers = strings.FieldsFunc(brokersRaw, func(r rune) bool { return r == ',' || r == ' ' })
	}
	cfg.KafkaNotifyTopic = firstNonEmpty(os.Getenv("KAFKA_NOTIFY_TOPIC"), "linkwatch-notifications")
	cfg.RabbitURL = strings.TrimSpace(os.Getenv("RABBIT_URL"))
	cfg.RabbitQueue = firstNonEmpty(os.Getenv("RABBIT_QUEUE"), "linkwatch_notifications")
	if raw := strings.TrimSpace(os.Getenv("NOTIFY_CHAT_ID")); raw != "" {
		if cfg.NotifyChatID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_CHAT_ID: %w", err)
		}
	}

	cfg.CloudGatewayURL = strings.TrimSpace(os.Getenv("CLOUD_GATEWAY_URL"))
	cfg.CloudGatewayToken = strings.TrimSpace(os.Getenv("CLOUD_GATEWAY_TOKEN"))
	cfg.CloudRatePerMinute = intOrDefault("CLOUD_RATE_PER_MINUTE", 6)

	cfg.MediaDownloadDir = firstNonEmpty(os.Getenv("MEDIA_DOWNLOAD_DIR"), "downloads")
	cfg.DBRetentionMonths = intOrDefault("DB_RETENTION_MONTHS", 6)
	cfg.MaintenanceCron = firstNonEmpty(os.Getenv("MAINTENANCE_CRON"), "0 3 * * *")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.TelegramBotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if c.PostgresDSN == "" {
		missing = append(missing, "POSTGRES_DSN")
	}

	switch c.NotifyBackend {
	case NotifyNone:
	case NotifyKafka:
		if len(c.KafkaBrokers) == 0 {
			missing = append(missing, "KAFKA_BROKERS")
		}
	case NotifyRabbit:
		if c.RabbitURL == "" {
			missing = append(missing, "RABBIT_URL")
		}
	case NotifyTelegram:
		if c.NotifyChatID == 0 {
			missing = append(missing, "NOTIFY_CHAT_ID")
		}
	default:
		return fmt.Errorf("invalid NOTIFY_BACKEND %q: want none, kafka, rabbitmq or telegram", c.NotifyBackend)
	}

	if len(missing) > 0 {
		return errors.New("missing required env vars: " + strings.Join(missing, ", "))
	}
	return nil
}

// Helper: возвращает первое непустое значение.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// intOrDefault — пустое, нечисловое или неположительное значение даёт дефолт.
func intOrDefault(name string, def int) int {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// durationOrDefault — пустое значение даёт дефолт, некорректное — ошибку.
func durationOrDefault(name string, def time.Duration) (time.Duration, error) {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def, nil
	}
	dur, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", name)
	}
	return dur, nil
}

// OptionalBool читает переменную окружения и пытается интерпретировать её как bool.
// Возвращает значение и признак было ли оно установлено.
func OptionalBool(name string) (bool, bool) {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return false, false
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, false
	}
	return b, true
}
