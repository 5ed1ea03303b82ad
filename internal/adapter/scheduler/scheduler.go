package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"litecoord/internal/shared"
)

// JobFunc представляет функцию задачи планировщика.
type JobFunc func(ctx context.Context) error

// JobID - идентификатор задачи, общий для cron и interval задач.
type JobID int

// OverlapPolicy определяет политику обработки перекрывающихся выполнений задач.
type OverlapPolicy int

const (
	// AllowOverlap разрешает параллельное выполнение задач (по умолчанию).
	AllowOverlap OverlapPolicy = iota
	// SkipIfRunning пропускает выполнение, если задача уже запущена.
	SkipIfRunning
	// DelayIfRunning ждет завершения предыдущего выполнения.
	DelayIfRunning
)

func (p OverlapPolicy) String() string {
	switch p {
	case SkipIfRunning:
		return "skip"
	case DelayIfRunning:
		return "delay"
	default:
		return "allow"
	}
}

// JobOptions содержит опции для настройки задач.
type JobOptions struct {
	// Name - имя задачи для логов и статуса.
	Name string
	// Timeout - максимальное время выполнения задачи (необязательно).
	Timeout time.Duration
	// OverlapPolicy - политика обработки перекрывающихся выполнений.
	OverlapPolicy OverlapPolicy
}

// JobStatus - снимок состояния задачи.
type JobStatus struct {
	ID           JobID
	Name         string
	Schedule     string
	Running      bool
	Runs         int
	Failures     int
	Skipped      int
	LastStart    time.Time
	LastDuration time.Duration
	LastError    string
	Next         time.Time
}

// JobHooks содержит необязательные хуки для наблюдаемости.
type JobHooks struct {
	OnJobStart  func(jobName string)
	OnJobFinish func(jobName string, duration time.Duration, err error)
	OnJobError  func(jobName string, err error)
}

// Config содержит конфигурацию планировщика.
type Config struct {
	Logger   *slog.Logger
	JobHooks JobHooks
	// Location - часовой пояс cron расписаний (по умолчанию time.Local).
	Location *time.Location
}

type job struct {
	id       JobID
	schedule string
	options  JobOptions
	fn       JobFunc
	running  sync.Mutex // для контроля перекрытий

	cronID cron.EntryID
	cancel context.CancelFunc // для interval задач

	// под Scheduler.mu
	active int
	status JobStatus
}

// cronLogger адаптер для интеграции cron logger с slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}

// Scheduler управляет периодическими задачами.
type Scheduler struct {
	cron      *cron.Cron
	logger    *slog.Logger
	hooks     JobHooks
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	jobs      map[JobID]*job
	nextID    JobID
	stopOnce  sync.Once
	startOnce sync.Once
}

// New создает новый экземпляр планировщика с background контекстом.
func New(cfg Config) *Scheduler {
	return NewWithContext(context.Background(), cfg)
}

// NewWithContext создает новый экземпляр планировщика с указанным родительским контекстом.
func NewWithContext(parentCtx context.Context, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(parentCtx)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "scheduler"))

	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	// Стандартный 5-польный формат и дескрипторы (@daily, @every 1h)
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger{logger: logger}),
	)

	return &Scheduler{
		cron:   c,
		logger: logger,
		hooks:  cfg.JobHooks,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[JobID]*job),
		nextID: 1,
	}
}

// ParseSchedule проверяет cron расписание в формате, который принимает планировщик.
func ParseSchedule(schedule string) error {
	_, err := cron.ParseStandard(schedule)
	return err
}

// AddCronJob добавляет задачу по cron-расписанию с опциями по умолчанию.
// Примеры расписаний:
//   - "30 3 * * *" - каждый день в 03:30
//   - "@hourly" - каждый час
//   - "@every 5m" - каждые 5 минут
func (s *Scheduler) AddCronJob(schedule string, fn JobFunc) (JobID, error) {
	return s.AddCronJobWithOptions(schedule, fn, JobOptions{})
}

// AddCronJobWithOptions добавляет задачу по cron-расписанию с указанными опциями.
func (s *Scheduler) AddCronJobWithOptions(schedule string, fn JobFunc, opts JobOptions) (JobID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.newJobLocked(schedule, fn, opts)
	cronID, err := s.cron.AddFunc(schedule, func() { s.runJob(j) })
	if err != nil {
		s.logger.Error("failed to add cron job", "schedule", schedule, "name", j.options.Name, "error", err)
		return 0, fmt.Errorf("add cron job %q: %w", j.options.Name, err)
	}
	j.cronID = cronID
	s.jobs[j.id] = j

	s.logger.Info("cron job added", "schedule", schedule, "name", j.options.Name, "overlap_policy", opts.OverlapPolicy.String(), "id", j.id)
	return j.id, nil
}

// AddIntervalJob добавляет задачу с фиксированным интервалом с опциями по умолчанию.
func (s *Scheduler) AddIntervalJob(interval time.Duration, fn JobFunc) JobID {
	return s.AddIntervalJobWithOptions(interval, fn, JobOptions{})
}

// AddIntervalJobWithOptions добавляет задачу с фиксированным интервалом с указанными опциями.
// Тики идут сразу, независимо от Start.
func (s *Scheduler) AddIntervalJobWithOptions(interval time.Duration, fn JobFunc, opts JobOptions) JobID {
	s.mu.Lock()
	j := s.newJobLocked("@every "+interval.String(), fn, opts)
	ctx, cancel := context.WithCancel(s.ctx)
	j.cancel = cancel
	s.jobs[j.id] = j
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		defer cancel()

		for {
			select {
			case <-ticker.C:
				s.runJob(j)
			case <-ctx.Done():
				s.logger.Debug("interval job stopped", "name", j.options.Name, "id", j.id)
				return
			}
		}
	}()

	s.logger.Info("interval job added", "interval", interval, "name", j.options.Name, "overlap_policy", opts.OverlapPolicy.String(), "id", j.id)
	return j.id
}

func (s *Scheduler) newJobLocked(schedule string, fn JobFunc, opts JobOptions) *job {
	if opts.Name == "" {
		opts.Name = "unnamed"
	}
	id := s.nextID
	s.nextID++
	return &job{
		id:       id,
		schedule: schedule,
		options:  opts,
		fn:       fn,
		status:   JobStatus{ID: id, Name: opts.Name, Schedule: schedule},
	}
}

// Remove удаляет задачу по ID. Уже идущее выполнение не прерывается.
func (s *Scheduler) Remove(id JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, exists := s.jobs[id]
	if !exists {
		return false
	}
	if j.cancel != nil {
		j.cancel()
	} else {
		s.cron.Remove(j.cronID)
	}
	delete(s.jobs, id)

	s.logger.Info("job removed", "id", id, "name", j.options.Name)
	return true
}

// Status возвращает состояние задачи.
func (s *Scheduler) Status(id JobID) (JobStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return JobStatus{}, false
	}
	return s.statusLocked(j), true
}

// Statuses возвращает состояние всех задач по возрастанию ID.
func (s *Scheduler) Statuses() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, s.statusLocked(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (s *Scheduler) statusLocked(j *job) JobStatus {
	st := j.status
	st.Running = j.active > 0
	if j.cronID != 0 {
		st.Next = s.cron.Entry(j.cronID).Next
	}
	return st
}

// Start запускает планировщик.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.logger.Info("starting scheduler")
		s.cron.Start()

		// Запускаем горутину для отслеживания контекста
		go func() {
			<-s.ctx.Done()
			s.stopOnce.Do(s.stop)
		}()
	})
}

// Stop останавливает планировщик и ждет завершения всех задач.
func (s *Scheduler) Stop() {
	if !s.IsRunning() {
		return // Уже остановлен
	}
	s.logger.Info("stopping scheduler")
	s.cancel()
	s.stopOnce.Do(s.stop)
}

// StopContext останавливает планировщик с учетом контекста дедлайна.
// Если контекст истекает раньше, чем завершаются задачи, возвращается ошибка
// контекста, но остановка все равно доводится до конца.
func (s *Scheduler) StopContext(ctx context.Context) error {
	if !s.IsRunning() {
		return nil // Уже остановлен
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.stopOnce.Do(s.stop)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop deadline exceeded, waiting for running jobs")
		<-done
		return ctx.Err()
	}
}

// stop выполняет фактическую остановку.
func (s *Scheduler) stop() {
	// Ждем cron задачи
	<-s.cron.Stop().Done()

	s.mu.Lock()
	for _, j := range s.jobs {
		if j.cancel != nil {
			j.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// IsRunning возвращает true, пока планировщик не остановлен.
func (s *Scheduler) IsRunning() bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
		return true
	}
}

// runJob выполняет задачу с учетом её опций.
func (s *Scheduler) runJob(j *job) {
	name := j.options.Name

	switch j.options.OverlapPolicy {
	case SkipIfRunning:
		if !j.running.TryLock() {
			s.logger.Debug("skipping job execution, already running", "name", name)
			s.mu.Lock()
			j.status.Skipped++
			s.mu.Unlock()
			return
		}
		defer j.running.Unlock()
	case DelayIfRunning:
		j.running.Lock()
		defer j.running.Unlock()
	}

	if s.ctx.Err() != nil {
		return
	}

	start := time.Now()
	s.mu.Lock()
	j.active++
	j.status.LastStart = start
	s.mu.Unlock()

	if s.hooks.OnJobStart != nil {
		s.hooks.OnJobStart(name)
	}

	err := s.invoke(j)
	duration := time.Since(start)

	s.mu.Lock()
	j.active--
	j.status.Runs++
	j.status.LastDuration = duration
	j.status.LastError = ""
	if err != nil {
		j.status.Failures++
		j.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if s.hooks.OnJobFinish != nil {
		s.hooks.OnJobFinish(name, duration, err)
	}

	if err != nil {
		if shared.HasKind(err, shared.KindCanceled) {
			// задачу прервала остановка планировщика
			s.logger.Info("job canceled", "name", name, "duration", duration)
		} else {
			s.logger.Error("job failed", "name", name, "error", err, "duration", duration)
		}
		if s.hooks.OnJobError != nil {
			s.hooks.OnJobError(name, err)
		}
		return
	}
	s.logger.Debug("job completed", "name", name, "duration", duration)
}

// invoke вызывает функцию задачи; паника превращается в ошибку.
func (s *Scheduler) invoke(j *job) (err error) {
	ctx := s.ctx
	if j.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.options.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "name", j.options.Name, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.fn(ctx)
}

// BackupJobName - имя задачи резервного копирования в статусе и логах.
const BackupJobName = "backup"

// AddBackupJob регистрирует резервное копирование по расписанию.
// Копии не накладываются: запуск, пришедший во время копирования, пропускается.
func (s *Scheduler) AddBackupJob(schedule string, timeout time.Duration, fn JobFunc) (JobID, error) {
	return s.AddCronJobWithOptions(schedule, fn, JobOptions{
		Name:          BackupJobName,
		Timeout:       timeout,
		OverlapPolicy: SkipIfRunning,
	})
}
