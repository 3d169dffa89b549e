// Package batch — буферизованная запись мелких записей пачками.
// Русский комментарий: Процессоры добавляют записи (логи обработки, события аудита)
// в буфер сущности; буфер сбрасывается при достижении размера пачки, по таймеру
// или по явному FlushAll. Неудачная пачка возвращается в голову буфера с сохранением
// порядка. Семантика at-least-once: повтор пачки может записать строку дважды.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrUnknownEntity — для сущности не зарегистрирован приёмник.
	ErrUnknownEntity = errors.New("batch: unknown entity")
	// ErrWriterStopped — writer уже остановлен.
	ErrWriterStopped = errors.New("batch: writer stopped")
)

// Имена сущностей.
const (
	EntityMessageLogs = "message_logs"
	EntityEventLog    = "event_log"
)

// Значения по умолчанию.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
)

// Sink записывает пачку записей одной сущности.
type Sink interface {
	WriteBatch(ctx context.Context, records []any) error
}

// SinkFunc — адаптер функции к Sink.
type SinkFunc func(ctx context.Context, records []any) error

// WriteBatch реализует Sink.
func (f SinkFunc) WriteBatch(ctx context.Context, records []any) error { return f(ctx, records) }

// TypedSink приводит записи к T и передаёт типизированную пачку.
// Запись другого типа — ошибка всей пачки.
func TypedSink[T any](write func(ctx context.Context, records []T) error) Sink {
	return SinkFunc(func(ctx context.Context, records []any) error {
		typed := make([]T, 0, len(records))
		for i, r := range records {
			v, ok := r.(T)
			if !ok {
				return fmt.Errorf("batch: record %d has type %T, want %T", i, r, *new(T))
			}
			typed = append(typed, v)
		}
		return write(ctx, typed)
	})
}

// Metrics — приёмник метрик writer'а.
type Metrics interface {
	BatchFlushed(entity string, records int, err error)
	BatchPending(entity string, pending int)
}

type nopMetrics struct{}

func (nopMetrics) BatchFlushed(string, int, error) {}
func (nopMetrics) BatchPending(string, int) {}

// Options — параметры writer'а.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	Metrics       Metrics
}

// Stats — счётчики writer'а.
type Stats struct {
	Added         int64            `json:"added"`
	Written       int64            `json:"written"`
	Batches       int64            `json:"batches"`
	FailedFlushes int64            `json:"failed_flushes"`
	Requeued      int64            `json:"requeued"`
	Pending       map[string]int   `json:"pending"`
	LastFlush     map[string]int64 `json:"last_flush_unix"`
}

type buffer struct {
	flushMu   sync.Mutex // сериализует сбросы одной сущности
	sink      Sink
	records   []any
	lastFlush time.Time
}

// Writer — буферизованный writer.
type Writer struct {
	mu      sync.Mutex
	buffers map[string]*buffer
	stats   Stats
	opts    Options
	logger  *zap.Logger
	now     func() time.Time

	kick    chan string
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWriter создаёт writer; приёмники регистрируются через RegisterSink.
func NewWriter(opts Options, logger *zap.Logger) *Writer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	return &Writer{
		buffers: make(map[string]*buffer),
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		kick:    make(chan string, 64),
	}
}

// RegisterSink связывает сущность с приёмником.
func (w *Writer) RegisterSink(entity string, sink Sink) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if b, ok := w.buffers[entity]; ok {
		b.sink = sink
		return
	}
	w.buffers[entity] = &buffer{sink: sink, lastFlush: w.now()}
	w.logger.Info("batch sink registered", zap.String("entity", entity))
}

// Add добавляет запись в буфер сущности.
func (w *Writer) Add(entity string, record any) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrWriterStopped
	}
	b, ok := w.buffers[entity]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	b.records = append(b.records, record)
	w.stats.Added++
	full := len(b.records) >= w.opts.BatchSize
	pending := len(b.records)
	w.mu.Unlock()

	w.opts.Metrics.BatchPending(entity, pending)
	if full {
		select {
		case w.kick <- entity:
		default:
			// Канал переполнен — сущность сбросится по таймеру.
		}
	}
	return nil
}

// Start запускает фоновый сброс.
func (w *Writer) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started || w.stopped {
		w.mu.Unlock()
		return
	}
	w.started = true
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(loopCtx)
	w.logger.Info("batch writer started",
		zap.Int("batch_size", w.opts.BatchSize),
		zap.Duration("flush_interval", w.opts.FlushInterval),
	)
}

// Stop останавливает фоновый сброс и дописывает всё, что осталось в буферах.
func (w *Writer) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	started := w.started
	w.mu.Unlock()

	if started {
		w.cancel()
		<-w.done
	}

	err := w.FlushAll(ctx)
	if err != nil {
		w.logger.Error("batch writer stopped with unflushed records", zap.Error(err), zap.Any("pending", w.QueueStatus()))
	} else {
		w.logger.Info("batch writer stopped")
	}
	return err
}

func (w *Writer) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entity := <-w.kick:
			if err := w.flushEntity(ctx, entity); err != nil {
				w.logger.Warn("size-triggered flush failed", zap.String("entity", entity), zap.Error(err))
			}
		case <-ticker.C:
			w.flushDue(ctx)
		}
	}
}

// flushDue сбрасывает сущности, у которых с последнего сброса прошёл интервал.
func (w *Writer) flushDue(ctx context.Context) {
	now := w.now()
	for _, entity := range w.entities() {
		w.mu.Lock()
		b := w.buffers[entity]
		due := len(b.records) > 0 && now.Sub(b.lastFlush) >= w.opts.FlushInterval
		w.mu.Unlock()
		if !due {
			continue
		}
		if err := w.flushEntity(ctx, entity); err != nil {
			w.logger.Warn("interval flush failed", zap.String("entity", entity), zap.Error(err))
		}
	}
}

// FlushAll синхронно сбрасывает все буферы. При успехе все очереди пусты.
func (w *Writer) FlushAll(ctx context.Context) error {
	var errs error
	for _, entity := range w.entities() {
		errs = multierr.Append(errs, w.flushEntity(ctx, entity))
	}
	return errs
}

// flushEntity забирает весь буфер сущности и пишет его пачками по BatchSize.
// Неудачная пачка и всё, что за ней, возвращается в голову буфера.
func (w *Writer) flushEntity(ctx context.Context, entity string) error {
	w.mu.Lock()
	b, ok := w.buffers[entity]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	w.mu.Lock()
	records := b.records
	b.records = nil
	sink := b.sink
	w.mu.Unlock()

	if len(records) == 0 {
		return nil
	}

	for start := 0; start < len(records); start += w.opts.BatchSize {
		end := start + w.opts.BatchSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		if err := sink.WriteBatch(ctx, chunk); err != nil {
			rest := records[start:]
			w.mu.Lock()
			b.records = append(append(make([]any, 0, len(rest)+len(b.records)), rest...), b.records...)
			w.stats.FailedFlushes++
			w.stats.Requeued += int64(len(rest))
			pending := len(b.records)
			w.mu.Unlock()

			w.opts.Metrics.BatchFlushed(entity, len(chunk), err)
			w.opts.Metrics.BatchPending(entity, pending)
			return fmt.Errorf("failed to flush %s (%d records requeued): %w", entity, len(rest), err)
		}

		w.mu.Lock()
		w.stats.Written += int64(len(chunk))
		w.stats.Batches++
		b.lastFlush = w.now()
		w.mu.Unlock()
		w.opts.Metrics.BatchFlushed(entity, len(chunk), nil)
	}

	w.mu.Lock()
	pending := len(b.records)
	w.mu.Unlock()
	w.opts.Metrics.BatchPending(entity, pending)

	w.logger.Debug("batch flushed", zap.String("entity", entity), zap.Int("records", len(records)))
	return nil
}

func (w *Writer) entities() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.buffers))
	for name := range w.buffers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// QueueStatus возвращает количество ожидающих записей по сущностям.
func (w *Writer) QueueStatus() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int, len(w.buffers))
	for name, b := range w.buffers {
		out[name] = len(b.records)
	}
	return out
}

// Stats возвращает снимок счётчиков.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.Pending = make(map[string]int, len(w.buffers))
	s.LastFlush = make(map[string]int64, len(w.buffers))
	for name, b := range w.buffers {
		s.Pending[name] = len(b.records)
		s.LastFlush[name] = b.lastFlush.Unix()
	}
	return s
}
