// Package retry — асинхронная очередь повторов для сбойных побочных эффектов.
// Русский комментарий: Задача живёт в памяти процесса и, если подключён Store, в таблице
// retry_tasks, чтобы пережить перезапуск. Фоновый цикл периодически забирает задачи,
// у которых подошло время, и вызывает обработчик по типу задачи. Неудача двигает
// задачу по стратегии backoff, пока число попыток не достигнет максимума — после
// этого задача ровно один раз переходит в терминальное состояние failed.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrUnknownTaskType — для типа задачи не зарегистрирован обработчик (ошибка конфигурации).
	ErrUnknownTaskType = errors.New("retry: unknown task type")
	// ErrQueueStopped — очередь уже остановлена.
	ErrQueueStopped = errors.New("retry: queue stopped")
)

// Значения по умолчанию.
const (
	DefaultPollInterval  = 5 * time.Second
	DefaultWorkers       = 4
	DefaultMaxRetries    = 3
	DefaultMaxFailedKept = 1000
)

// State — состояние задачи.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateFailed  State = "failed"
)

// Task — задача повтора.
type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	MaxRetries int             `json:"max_retries"`
	Strategy   Strategy        `json:"strategy"`
	BaseDelay  time.Duration   `json:"base_delay"`
	MaxDelay   time.Duration   `json:"max_delay"`
	NextRunAt  time.Time       `json:"next_run_at"`
	LastError  string          `json:"last_error,omitempty"`
	State      State           `json:"state"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Decode разбирает payload задачи в v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("failed to decode payload of task %s: %w", t.ID, err)
	}
	return nil
}

// TaskSpec — параметры постановки задачи.
type TaskSpec struct {
	ID         string
	Type       string
	Payload    any
	MaxRetries int
	Strategy   Strategy
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Handler выполняет задачу. Ошибка (или panic) — неудачная попытка.
type Handler func(ctx context.Context, task Task) error

// ExhaustedHook вызывается ровно один раз, когда задача исчерпала попытки.
type ExhaustedHook func(ctx context.Context, task Task)

// Store — долговременное хранилище задач.
type Store interface {
	LoadPending(ctx context.Context) ([]Task, error)
	Save(ctx context.Context, task Task) error
	Delete(ctx context.Context, id string) error
}

// Metrics — приёмник метрик очереди.
type Metrics interface {
	TaskOutcome(taskType, outcome string)
	QueueDepth(pending int)
}

type nopMetrics struct{}

func (nopMetrics) TaskOutcome(string, string) {}
func (nopMetrics) QueueDepth(int) {}

// Исходы попытки для метрик.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeRetired = "retired"
)

// Options — параметры очереди.
type Options struct {
	PollInterval  time.Duration
	Workers       int
	MaxFailedKept int // сколько терминальных задач держать в памяти для QueueStatus
	Store         Store
	Metrics       Metrics
}

// Stats — счётчики очереди.
type Stats struct {
	Added     int64 `json:"added"`
	Replaced  int64 `json:"replaced"`
	Succeeded int64 `json:"succeeded"`
	Failures  int64 `json:"failures"`
	Retired   int64 `json:"retired"`
	Pending   int   `json:"pending"`
	Running   int   `json:"running"`
	Failed    int   `json:"failed"`
}

// TypeStatus — количество задач одного типа по состояниям.
type TypeStatus struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Failed  int `json:"failed"`
}

// QueueStatus — снимок очереди.
type QueueStatus struct {
	ByType map[string]TypeStatus `json:"by_type"`
	Failed []Task                `json:"failed"`
}

type entry struct {
	task Task
	gen  uint64 // растёт при замене задачи с тем же ID
}

// Queue — очередь повторов.
type Queue struct {
	mu          sync.Mutex
	handlers    map[string]Handler
	tasks       map[string]*entry
	failedOrder []string
	gen         uint64
	stats       Stats
	onExhausted []ExhaustedHook

	opts    Options
	logger  *zap.Logger
	now     func() time.Time
	sem     chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool

	loopCancel context.CancelFunc
	loopDone   chan struct{}
	runCtx     context.Context
	runCancel  context.CancelFunc
}

// NewQueue создаёт очередь. Обработчики регистрируются до Start.
func NewQueue(opts Options, logger *zap.Logger) *Queue {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxFailedKept <= 0 {
		opts.MaxFailedKept = DefaultMaxFailedKept
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Queue{
		handlers:  make(map[string]Handler),
		tasks:     make(map[string]*entry),
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		sem:       make(chan struct{}, opts.Workers),
		runCtx:    runCtx,
		runCancel: runCancel,
	}
}

// RegisterHandler регистрирует обработчик типа задачи.
func (q *Queue) RegisterHandler(taskType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.handlers[taskType]; exists {
		q.logger.Warn("retry handler already registered, overwriting", zap.String("task_type", taskType))
	}
	q.handlers[taskType] = h
	q.logger.Info("retry handler registered", zap.String("task_type", taskType))
}

// OnExhausted добавляет хук исчерпания попыток.
func (q *Queue) OnExhausted(h ExhaustedHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onExhausted = append(q.onExhausted, h)
}

// AddTask ставит задачу в очередь. Повторная постановка того же ID заменяет задачу.
func (q *Queue) AddTask(ctx context.Context, spec TaskSpec) error {
	if spec.ID == "" {
		return errors.New("retry: empty task id")
	}
	if spec.Strategy == "" {
		spec.Strategy = StrategyExponential
	}
	if err := spec.Strategy.Validate(); err != nil {
		return err
	}
	if spec.MaxRetries <= 0 {
		spec.MaxRetries = DefaultMaxRetries
	}

	payload, err := json.Marshal(spec.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload of task %s: %w", spec.ID, err)
	}

	now := q.now()
	task := Task{
		ID:         spec.ID,
		Type:       spec.Type,
		Payload:    payload,
		MaxRetries: spec.MaxRetries,
		Strategy:   spec.Strategy,
		BaseDelay:  spec.BaseDelay,
		MaxDelay:   spec.MaxDelay,
		NextRunAt:  now.Add(spec.Strategy.Delay(spec.BaseDelay, 0, spec.MaxDelay)),
		State:      StatePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	if _, ok := q.handlers[spec.Type]; !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTaskType, spec.Type)
	}
	replaced := q.putLocked(task)
	q.stats.Added++
	if replaced {
		q.stats.Replaced++
	}
	pending := q.countLocked(StatePending)
	q.mu.Unlock()

	q.opts.Metrics.QueueDepth(pending)
	q.persist(ctx, task)

	q.logger.Info("retry task added",
		zap.String("task_id", task.ID),
		zap.String("task_type", task.Type),
		zap.String("strategy", string(task.Strategy)),
		zap.Duration("base_delay", task.BaseDelay),
		zap.Int("max_retries", task.MaxRetries),
		zap.Time("next_run_at", task.NextRunAt),
		zap.Bool("replaced", replaced),
	)
	return nil
}

// putLocked вставляет или заменяет задачу. Возвращает true при замене.
func (q *Queue) putLocked(task Task) bool {
	q.gen++
	old, exists := q.tasks[task.ID]
	if exists && old.task.State == StateFailed {
		q.dropFailedOrderLocked(task.ID)
	}
	q.tasks[task.ID] = &entry{task: task, gen: q.gen}
	return exists
}

// Start загружает сохранённые задачи и запускает фоновый цикл.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	if q.opts.Store != nil {
		tasks, err := q.opts.Store.LoadPending(ctx)
		if err != nil {
			return fmt.Errorf("failed to load retry tasks: %w", err)
		}

		q.mu.Lock()
		for _, t := range tasks {
			if _, ok := q.handlers[t.Type]; !ok {
				q.mu.Unlock()
				return fmt.Errorf("%w: %s (task %s)", ErrUnknownTaskType, t.Type, t.ID)
			}
			if _, exists := q.tasks[t.ID]; exists {
				continue // задача, добавленная до Start, новее сохранённой
			}
			// Русский комментарий: running в хранилище означает падение процесса во время
			// выполнения — возвращаем задачу в pending.
			if t.State != StateFailed {
				t.State = StatePending
			}
			q.putLocked(t)
			if t.State == StateFailed {
				q.trackFailedLocked(t.ID)
			}
		}
		q.mu.Unlock()
		q.logger.Info("retry tasks restored", zap.Int("count", len(tasks)))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	q.loopCancel = cancel
	q.loopDone = make(chan struct{})
	go q.loop(loopCtx)

	q.logger.Info("retry queue started",
		zap.Duration("poll_interval", q.opts.PollInterval),
		zap.Int("workers", q.opts.Workers),
	)
	return nil
}

// Stop останавливает цикл, дожидается выполняющихся обработчиков и сохраняет
// оставшиеся задачи. Если ctx истёк раньше, обработчики получают отмену.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	started := q.started
	q.mu.Unlock()

	if started {
		q.loopCancel()
		<-q.loopDone
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var stopErr error
	select {
	case <-done:
	case <-ctx.Done():
		q.runCancel()
		<-done
		stopErr = fmt.Errorf("retry queue stop: %w", ctx.Err())
	}
	q.runCancel()

	if q.opts.Store != nil {
		q.mu.Lock()
		pending := make([]Task, 0, len(q.tasks))
		for _, e := range q.tasks {
			if e.task.State == StatePending {
				pending = append(pending, e.task)
			}
		}
		q.mu.Unlock()

		saveCtx := context.WithoutCancel(ctx)
		for _, t := range pending {
			if err := q.opts.Store.Save(saveCtx, t); err != nil {
				q.logger.Error("failed to persist retry task on stop", zap.String("task_id", t.ID), zap.Error(err))
			}
		}
		q.logger.Info("retry tasks persisted", zap.Int("count", len(pending)))
	}

	q.logger.Info("retry queue stopped")
	return stopErr
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.loopDone)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.processDue(ctx)
		}
	}
}

// processDue запускает все задачи, у которых подошло время.
func (q *Queue) processDue(ctx context.Context) {
	now := q.now()

	q.mu.Lock()
	var due []*entry
	for _, e := range q.tasks {
		if e.task.State == StatePending && !e.task.NextRunAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].task.NextRunAt.Before(due[j].task.NextRunAt) })

	type job struct {
		task    Task
		gen     uint64
		handler Handler
	}
	jobs := make([]job, 0, len(due))
	for _, e := range due {
		e.task.State = StateRunning
		e.task.UpdatedAt = now
		jobs = append(jobs, job{task: e.task, gen: e.gen, handler: q.handlers[e.task.Type]})
	}
	q.mu.Unlock()

	for _, j := range jobs {
		select {
		case q.sem <- struct{}{}:
		case <-ctx.Done():
			// Не успели запустить — возвращаем в pending.
			q.mu.Lock()
			if e, ok := q.tasks[j.task.ID]; ok && e.gen == j.gen {
				e.task.State = StatePending
			}
			q.mu.Unlock()
			continue
		}

		q.wg.Add(1)
		go func(task Task, gen uint64, h Handler) {
			defer q.wg.Done()
			defer func() { <-q.sem }()
			err := q.run(task, h)
			q.finish(task, gen, err)
		}(j.task, j.gen, j.handler)
	}
}

// run вызывает обработчик, превращая panic в ошибку.
func (q *Queue) run(task Task, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic recovered in retry handler",
				zap.String("task_id", task.ID),
				zap.String("task_type", task.Type),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic recovered: %v", r)
		}
	}()
	return h(q.runCtx, task)
}

// finish применяет результат попытки.
func (q *Queue) finish(task Task, gen uint64, runErr error) {
	now := q.now()

	q.mu.Lock()
	e, ok := q.tasks[task.ID]
	if !ok || e.gen != gen {
		// Задачу заменили во время выполнения — новая версия главнее.
		q.mu.Unlock()
		q.logger.Info("retry task replaced while running, result ignored", zap.String("task_id", task.ID))
		return
	}

	if runErr == nil {
		delete(q.tasks, task.ID)
		q.stats.Succeeded++
		pending := q.countLocked(StatePending)
		q.mu.Unlock()

		q.opts.Metrics.TaskOutcome(task.Type, OutcomeSuccess)
		q.opts.Metrics.QueueDepth(pending)
		q.remove(task.ID)
		q.logger.Info("retry task succeeded",
			zap.String("task_id", task.ID),
			zap.String("task_type", task.Type),
			zap.Int("attempt", task.Attempt+1),
		)
		return
	}

	q.stats.Failures++
	e.task.Attempt++
	e.task.LastError = runErr.Error()
	e.task.UpdatedAt = now

	exhausted := e.task.Attempt >= e.task.MaxRetries
	var hooks []ExhaustedHook
	if exhausted {
		e.task.State = StateFailed
		q.stats.Retired++
		q.trackFailedLocked(task.ID)
		hooks = append(hooks, q.onExhausted...)
	} else {
		e.task.State = StatePending
		e.task.NextRunAt = now.Add(e.task.Strategy.Delay(e.task.BaseDelay, e.task.Attempt, e.task.MaxDelay))
	}
	snapshot := e.task
	pending := q.countLocked(StatePending)
	q.mu.Unlock()

	q.opts.Metrics.QueueDepth(pending)
	q.persist(q.runCtx, snapshot)

	if !exhausted {
		q.opts.Metrics.TaskOutcome(task.Type, OutcomeRetry)
		q.logger.Warn("retry task failed, rescheduled",
			zap.String("task_id", snapshot.ID),
			zap.String("task_type", snapshot.Type),
			zap.Int("attempt", snapshot.Attempt),
			zap.Int("max_retries", snapshot.MaxRetries),
			zap.Time("next_run_at", snapshot.NextRunAt),
			zap.Error(runErr),
		)
		return
	}

	q.opts.Metrics.TaskOutcome(task.Type, OutcomeRetired)
	q.logger.Error("retry task exhausted",
		zap.String("task_id", snapshot.ID),
		zap.String("task_type", snapshot.Type),
		zap.Int("attempt", snapshot.Attempt),
		zap.Error(runErr),
	)
	for _, h := range hooks {
		q.callHook(h, snapshot)
	}
}

func (q *Queue) callHook(h ExhaustedHook, task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic recovered in exhausted hook",
				zap.String("task_id", task.ID),
				zap.Any("panic", r),
			)
		}
	}()
	h(q.runCtx, task)
}

func (q *Queue) trackFailedLocked(id string) {
	q.failedOrder = append(q.failedOrder, id)
	for len(q.failedOrder) > q.opts.MaxFailedKept {
		oldest := q.failedOrder[0]
		q.failedOrder = q.failedOrder[1:]
		if e, ok := q.tasks[oldest]; ok && e.task.State == StateFailed {
			delete(q.tasks, oldest)
		}
	}
}

func (q *Queue) dropFailedOrderLocked(id string) {
	for i, v := range q.failedOrder {
		if v == id {
			q.failedOrder = append(q.failedOrder[:i], q.failedOrder[i+1:]...)
			return
		}
	}
}

func (q *Queue) countLocked(s State) int {
	n := 0
	for _, e := range q.tasks {
		if e.task.State == s {
			n++
		}
	}
	return n
}

func (q *Queue) persist(ctx context.Context, task Task) {
	if q.opts.Store == nil {
		return
	}
	if err := q.opts.Store.Save(context.WithoutCancel(ctx), task); err != nil {
		q.logger.Error("failed to persist retry task", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (q *Queue) remove(id string) {
	if q.opts.Store == nil {
		return
	}
	if err := q.opts.Store.Delete(context.WithoutCancel(q.runCtx), id); err != nil {
		q.logger.Error("failed to delete retry task", zap.String("task_id", id), zap.Error(err))
	}
}

// Task возвращает копию задачи по ID.
func (q *Queue) Task(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return e.task, true
}

// Stats возвращает снимок счётчиков.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = q.countLocked(StatePending)
	s.Running = q.countLocked(StateRunning)
	s.Failed = q.countLocked(StateFailed)
	return s
}

// QueueStatus возвращает количество задач по типам и список терминально упавших задач.
func (q *Queue) QueueStatus() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := QueueStatus{ByType: make(map[string]TypeStatus)}
	for _, e := range q.tasks {
		ts := st.ByType[e.task.Type]
		switch e.task.State {
		case StatePending:
			ts.Pending++
		case StateRunning:
			ts.Running++
		case StateFailed:
			ts.Failed++
			st.Failed = append(st.Failed, e.task)
		}
		st.ByType[e.task.Type] = ts
	}
	sort.Slice(st.Failed, func(i, j int) bool { return st.Failed[i].UpdatedAt.Before(st.Failed[j].UpdatedAt) })
	return st
}
