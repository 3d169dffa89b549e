package logx

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Русский комментарий: Пакет инкапсулирует настройку структурированного логирования.
// Сообщения в логах только на английском, поля в snake_case.
// zap — для производительности и единого формата, lumberjack — для ротации файлов.

// DefaultLogFile — файл логов по умолчанию.
const DefaultLogFile = "logs/linkwatch.log"

// LogRotationConfig содержит параметры ротации логов.
type LogRotationConfig struct {
	Filename   string // путь к файлу; пусто — DefaultLogFile
	MaxSizeMB  int    // максимальный размер файла лога в MB
	MaxBackups int    // количество старых файлов для хранения
	MaxAgeDays int    // максимальный возраст файла лога в днях
}

// NewLogger создаёт логгер: stdout + файл с ротацией.
// Русский комментарий: Глобального логгера нет — результат передаётся в конструкторы явно.
// Неизвестный уровень даёт info и предупреждение в самом логе.
func NewLogger(level string, pretty bool, rotationCfg LogRotationConfig) (*zap.Logger, error) {
	zapLevel, levelErr := zapcore.ParseLevel(level)
	if levelErr != nil {
		zapLevel = zapcore.InfoLevel
	}

	filename := rotationCfg.Filename
	if filename == "" {
		filename = DefaultLogFile
	}
	logFile := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    rotationCfg.MaxSizeMB,
		MaxBackups: rotationCfg.MaxBackups,
		MaxAge:     rotationCfg.MaxAgeDays,
		Compress:   true,
	}

	core := zapcore.NewTee(
		zapcore.NewCore(newEncoder(pretty), zapcore.AddSync(os.Stdout), zapLevel),
		// В файл всегда JSON: его читают машины
		zapcore.NewCore(newEncoder(false), zapcore.AddSync(logFile), zapLevel),
	)

	logger := zap.New(core, zap.AddCaller())
	if levelErr != nil {
		logger.Warn("unknown log level, using info", zap.String("level", level))
	}
	return logger, nil
}

func newEncoder(pretty bool) zapcore.Encoder {
	var encoderCfg zapcore.EncoderConfig
	if pretty {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderCfg = zap.NewProductionEncoderConfig()
	}
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if pretty {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}
