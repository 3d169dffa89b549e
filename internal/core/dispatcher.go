package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Processor — независимый обработчик правил одного семейства.
// Русский комментарий: Каждая фича (пересылка, захват ссылок, медиа) = отдельный процессор.
// ShouldProcess вызывается для всех процессоров до того, как любой из них начнёт Process.
type Processor interface {
	Name() string
	ShouldProcess(ctx context.Context, mc *MessageContext) (bool, error)
	Process(ctx context.Context, mc *MessageContext) (bool, error)
}

// DefaultSlowThreshold — цикл дольше этого логируется как медленный.
const DefaultSlowThreshold = 500 * time.Millisecond

// Metrics — приёмник метрик диспетчера.
type Metrics interface {
	CycleObserved(d time.Duration, slow bool)
	ProcessorObserved(processor, outcome string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) CycleObserved(time.Duration, bool) {}
func (nopMetrics) ProcessorObserved(string, string, time.Duration) {}

// Исходы процессора.
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomeShouldError = "should_error"
)

// ProcessorStats — счётчики одного процессора.
type ProcessorStats struct {
	Processed    int64         `json:"processed"`
	Succeeded    int64         `json:"succeeded"`
	Failed       int64         `json:"failed"`
	ShouldErrors int64         `json:"should_errors"`
	AvgLatency   time.Duration `json:"avg_latency"`
	LastError    string        `json:"last_error,omitempty"`
}

// DispatcherStats — агрегированные счётчики.
type DispatcherStats struct {
	Cycles          int64                     `json:"cycles"`
	SlowCycles      int64                     `json:"slow_cycles"`
	Processed       int64                     `json:"processed"`
	Succeeded       int64                     `json:"succeeded"`
	Failed          int64                     `json:"failed"`
	AvgCycleLatency time.Duration             `json:"avg_cycle_latency"`
	Processors      map[string]ProcessorStats `json:"processors"`
}

// DispatcherOptions — параметры диспетчера.
type DispatcherOptions struct {
	SlowThreshold time.Duration
	Metrics       Metrics
}

// Dispatcher рассылает сообщение всем подходящим процессорам параллельно.
type Dispatcher struct {
	mu         sync.RWMutex
	processors []Processor

	statsMu sync.Mutex
	stats   DispatcherStats

	slowThreshold time.Duration
	metrics       Metrics
	logger        *zap.Logger
	now           func() time.Time
}

// NewDispatcher создаёт диспетчер без процессоров.
func NewDispatcher(opts DispatcherOptions, logger *zap.Logger) *Dispatcher {
	if opts.SlowThreshold <= 0 {
		opts.SlowThreshold = DefaultSlowThreshold
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	return &Dispatcher{
		stats:         DispatcherStats{Processors: make(map[string]ProcessorStats)},
		slowThreshold: opts.SlowThreshold,
		metrics:       opts.Metrics,
		logger:        logger,
		now:           time.Now,
	}
}

// Register добавляет процессор. Процессор с тем же именем заменяется.
func (d *Dispatcher) Register(p Processor) {
	d.mu.Lock()
	defer d.mu.Unlock()

	name := p.Name()
	for i, existing := range d.processors {
		if existing.Name() == name {
			d.logger.Warn("processor already registered, overwriting", zap.String("processor", name))
			d.processors[i] = p
			return
		}
	}
	d.processors = append(d.processors, p)
	d.logger.Info("processor registered", zap.String("processor", name))
}

// Processors возвращает имена зарегистрированных процессоров в порядке регистрации.
func (d *Dispatcher) Processors() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.processors))
	for _, p := range d.processors {
		names = append(names, p.Name())
	}
	return names
}

// Dispatch выполняет один цикл: собирает кандидатов, запускает их параллельно и
// возвращает карту «имя процессора → успех». Ошибки и panic процессоров не выходят
// за пределы диспетчера.
func (d *Dispatcher) Dispatch(ctx context.Context, mc *MessageContext) map[string]bool {
	start := d.now()
	cycleID := uuid.NewString()
	log := d.logger.With(
		zap.String("cycle_id", cycleID),
		zap.Int64("chat_id", mc.Message.ChatID),
		zap.Int("message_id", mc.Message.ID),
	)

	d.mu.RLock()
	processors := append([]Processor(nil), d.processors...)
	d.mu.RUnlock()

	// Фаза 1: кандидаты. Ни один Process не стартует, пока не опрошены все.
	var candidates []Processor
	for _, p := range processors {
		ok, err := d.shouldProcess(ctx, p, mc)
		if err != nil {
			log.Error("processor should_process failed, excluded from cycle",
				zap.String("processor", p.Name()),
				zap.Error(err),
			)
			d.recordShouldError(p.Name(), err)
			continue
		}
		if ok {
			candidates = append(candidates, p)
		}
	}

	// Фаза 2: параллельный запуск.
	results := make(map[string]bool, len(candidates))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range candidates {
		wg.Add(1)
		go func(p Processor) {
			defer wg.Done()
			pStart := d.now()
			ok, err := d.process(ctx, p, mc)
			elapsed := d.now().Sub(pStart)

			if err != nil {
				log.Error("processor failed",
					zap.String("processor", p.Name()),
					zap.Duration("latency", elapsed),
					zap.Error(err),
				)
				ok = false
			}
			d.recordOutcome(p.Name(), ok, err, elapsed)

			resultsMu.Lock()
			results[p.Name()] = ok
			resultsMu.Unlock()
		}(p)
	}
	wg.Wait()

	// Фаза 3: статистика цикла.
	elapsed := d.now().Sub(start)
	slow := elapsed > d.slowThreshold
	d.recordCycle(elapsed, slow)
	d.metrics.CycleObserved(elapsed, slow)

	if slow {
		log.Warn("slow dispatch cycle",
			zap.Duration("latency", elapsed),
			zap.Duration("threshold", d.slowThreshold),
			zap.Int("processors", len(candidates)),
		)
	} else {
		log.Debug("dispatch cycle completed",
			zap.Duration("latency", elapsed),
			zap.Int("processors", len(candidates)),
		)
	}
	return results
}

func (d *Dispatcher) shouldProcess(ctx context.Context, p Processor, mc *MessageContext) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic recovered in should_process",
				zap.String("processor", p.Name()),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			ok, err = false, fmt.Errorf("panic recovered: %v", r)
		}
	}()
	return p.ShouldProcess(ctx, mc)
}

func (d *Dispatcher) process(ctx context.Context, p Processor, mc *MessageContext) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic recovered in processor",
				zap.String("processor", p.Name()),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			ok, err = false, fmt.Errorf("panic recovered: %v", r)
		}
	}()
	return p.Process(ctx, mc)
}

func (d *Dispatcher) recordShouldError(name string, err error) {
	d.statsMu.Lock()
	ps := d.stats.Processors[name]
	ps.ShouldErrors++
	ps.LastError = err.Error()
	d.stats.Processors[name] = ps
	d.statsMu.Unlock()

	d.metrics.ProcessorObserved(name, OutcomeShouldError, 0)
}

func (d *Dispatcher) recordOutcome(name string, ok bool, err error, elapsed time.Duration) {
	d.statsMu.Lock()
	ps := d.stats.Processors[name]
	ps.Processed++
	ps.AvgLatency = rollingAvg(ps.AvgLatency, elapsed, ps.Processed)
	d.stats.Processed++
	if ok {
		ps.Succeeded++
		d.stats.Succeeded++
	} else {
		ps.Failed++
		d.stats.Failed++
		if err != nil {
			ps.LastError = err.Error()
		}
	}
	d.stats.Processors[name] = ps
	d.statsMu.Unlock()

	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeFailed
	}
	d.metrics.ProcessorObserved(name, outcome, elapsed)
}

func (d *Dispatcher) recordCycle(elapsed time.Duration, slow bool) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	d.stats.Cycles++
	if slow {
		d.stats.SlowCycles++
	}
	d.stats.AvgCycleLatency = rollingAvg(d.stats.AvgCycleLatency, elapsed, d.stats.Cycles)
}

// rollingAvg — накопительное среднее после n-го наблюдения.
func rollingAvg(avg, sample time.Duration, n int64) time.Duration {
	if n <= 1 {
		return sample
	}
	return avg + (sample-avg)/time.Duration(n)
}

// Stats возвращает копию счётчиков.
func (d *Dispatcher) Stats() DispatcherStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	s := d.stats
	s.Processors = make(map[string]ProcessorStats, len(d.stats.Processors))
	for name, ps := range d.stats.Processors {
		s.Processors[name] = ps
	}
	return s
}
