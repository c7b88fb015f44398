package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/koalacloud/koalacloud/internal/events"
	"github.com/koalacloud/koalacloud/internal/sandbox"
	"github.com/koalacloud/koalacloud/internal/store"
)

// Default configuration values.
const (
	defaultGraceWindow = 2 * time.Second
)

// Errors returned by the tracker.
var (
	ErrInvalidURL  = errors.New("link must be an http or https url")
	ErrTaskUnknown = errors.New("task not found")
	ErrNotRunning  = errors.New("task is not running")
)

// TaskStatus is the in-memory state of a job worker.
type TaskStatus string

// Task states. Every state but running is terminal.
const (
	TaskRunning   TaskStatus = "running"
	TaskFinished  TaskStatus = "finished"
	TaskError     TaskStatus = "error"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the worker has stopped.
func (s TaskStatus) Terminal() bool {
	return s != TaskRunning
}

// Task is the transient handle of a running or recently finished job.
type Task struct {
	ID         string     `json:"task_id"`
	JobID      string     `json:"job_id"`
	Status     TaskStatus `json:"status"`
	Title      string     `json:"title"`
	URL        string     `json:"url"`
	AudioOnly  bool       `json:"audio_only"`
	Dest       string     `json:"dest"`
	Files      []string   `json:"files,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Request is a job submission. DestRel is relative to the download root.
type Request struct {
	URL       string
	DestRel   string
	AudioOnly bool
}

// JobStore persists job records.
type JobStore interface {
	Create(ctx context.Context, job store.MediaJob) error
	SetName(ctx context.Context, id, name string) (bool, error)
	MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error)
}

type taskEntry struct {
	task      Task
	cancel    context.CancelFunc
	cancelled bool
}

// Tracker owns the media workers and their task handles.
type Tracker struct {
	fetcher  Fetcher
	jobs     JobStore
	eventBus *events.Bus
	root     *sandbox.Root
	grace    time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu    sync.Mutex
	tasks map[string]*taskEntry

	workerCtx    context.Context
	cancelWorker context.CancelFunc
	workers      sync.WaitGroup

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// TrackerOption is a functional option for configuring the Tracker.
type TrackerOption func(*Tracker)

// WithLogger sets the logger for the tracker.
func WithLogger(logger zerolog.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithGraceWindow sets how long terminal tasks stay visible.
func WithGraceWindow(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.grace = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a tracker writing into root.
func NewTracker(
	fetcher Fetcher,
	jobs JobStore,
	eventBus *events.Bus,
	root *sandbox.Root,
	opts ...TrackerOption,
) *Tracker {
	t := &Tracker{
		fetcher:  fetcher,
		jobs:     jobs,
		eventBus: eventBus,
		root:     root,
		grace:    defaultGraceWindow,
		now:      time.Now,
		logger:   zerolog.Nop(),
		tasks:    make(map[string]*taskEntry),
	}

	for _, opt := range opts {
		opt(t)
	}

	t.workerCtx, t.cancelWorker = context.WithCancel(context.Background())

	return t
}

// Start begins the prune loop.
func (t *Tracker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(1)
	go t.pruneLoop(ctx)

	t.logger.Info().Dur("grace", t.grace).Msg("media tracker started")

	return nil
}

// Stop cancels all workers, stops the prune loop and waits for both.
func (t *Tracker) Stop() error {
	t.mu.Lock()
	for _, e := range t.tasks {
		if e.task.Status == TaskRunning {
			e.cancelled = true
		}
	}
	t.mu.Unlock()

	t.cancelWorker()
	t.workers.Wait()

	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()

	t.logger.Info().Msg("media tracker stopped")
	return nil
}

func (t *Tracker) pruneLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.grace)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.TriggerPrune()
		}
	}
}

// TriggerPrune drops terminal tasks that finished at least one grace window ago.
func (t *Tracker) TriggerPrune() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	pruned := 0
	for id, e := range t.tasks {
		if e.task.FinishedAt != nil && now.Sub(*e.task.FinishedAt) >= t.grace {
			delete(t.tasks, id)
			pruned++
		}
	}
	return pruned
}

// Submit validates req, records the job and starts its worker.
func (t *Tracker) Submit(ctx context.Context, req Request) (Task, error) {
	src := strings.TrimSpace(req.URL)
	u, err := url.Parse(src)
	if src == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Task{}, ErrInvalidURL
	}

	dir, err := t.root.Resolve(req.DestRel)
	if err != nil {
		return Task{}, err
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return Task{}, fmt.Errorf("failed to create destination: %w", err)
	}

	now := t.now()
	job := store.MediaJob{
		ID:          ulid.Make().String(),
		Name:        store.PendingName,
		SourceURL:   src,
		Destination: dir,
		AudioOnly:   req.AudioOnly,
		AddedAt:     now,
	}
	if err = t.jobs.Create(ctx, job); err != nil {
		return Task{}, err
	}

	wctx, cancel := context.WithCancel(t.workerCtx)
	entry := &taskEntry{
		task: Task{
			ID:        ulid.Make().String(),
			JobID:     job.ID,
			Status:    TaskRunning,
			Title:     store.PendingName,
			URL:       src,
			AudioOnly: req.AudioOnly,
			Dest:      dir,
			StartedAt: now,
		},
		cancel: cancel,
	}

	t.mu.Lock()
	t.tasks[entry.task.ID] = entry
	task := entry.task
	t.mu.Unlock()

	t.logger.Info().
		Str("task_id", task.ID).
		Str("url", src).
		Str("dest", dir).
		Bool("audio_only", req.AudioOnly).
		Msg("media job submitted")

	t.publish(events.MediaSubmitted, task)

	t.workers.Add(1)
	go t.run(wctx, task)

	return task, nil
}

// Cancel stops a running task.
func (t *Tracker) Cancel(taskID string) error {
	t.mu.Lock()
	e, ok := t.tasks[taskID]
	if !ok {
		t.mu.Unlock()
		return ErrTaskUnknown
	}
	if e.task.Status != TaskRunning {
		t.mu.Unlock()
		return ErrNotRunning
	}
	e.cancelled = true
	cancel := e.cancel
	t.mu.Unlock()

	cancel()
	return nil
}

// Snapshot returns every task not yet pruned, oldest first.
func (t *Tracker) Snapshot() []Task {
	return t.collect(func(Task) bool { return true })
}

// Active returns running tasks, oldest first.
func (t *Tracker) Active() []Task {
	return t.collect(func(task Task) bool { return task.Status == TaskRunning })
}

// Get returns the task with id.
func (t *Tracker) Get(id string) (Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.tasks[id]
	if !ok {
		return Task{}, false
	}
	return e.task, true
}

func (t *Tracker) collect(keep func(Task) bool) []Task {
	t.mu.Lock()
	out := make([]Task, 0, len(t.tasks))
	for _, e := range t.tasks {
		if keep(e.task) {
			out = append(out, e.task)
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (t *Tracker) run(ctx context.Context, task Task) {
	defer t.workers.Done()
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().Interface("panic", r).Str("task_id", task.ID).Msg("media worker panicked")
			t.finish(task.ID, nil, fmt.Errorf("panic: %v", r))
		}
	}()

	logger := t.logger.With().Str("task_id", task.ID).Str("url", task.URL).Logger()

	meta, err := t.fetcher.Probe(ctx, task.URL)
	if err != nil {
		t.finish(task.ID, nil, err)
		return
	}

	title := strings.TrimSpace(meta.Title)
	if title == "" {
		title = task.URL
	}
	if _, err = t.jobs.SetName(ctx, task.JobID, title); err != nil {
		logger.Warn().Err(err).Msg("failed to record media title")
	}
	t.update(task.ID, func(tk *Task) { tk.Title = title })

	written, err := t.fetcher.Fetch(ctx, FetchRequest{
		URL:            task.URL,
		OutputTemplate: OutputTemplate(task.Dest, meta.IsCollection),
		AudioOnly:      task.AudioOnly,
		Collection:     meta.IsCollection,
	})
	if err != nil {
		t.finish(task.ID, nil, err)
		return
	}

	files := make([]string, 0, len(written))
	for _, w := range written {
		p, nerr := NormalizeNames(task.Dest, w)
		if nerr != nil {
			logger.Warn().Err(nerr).Str("file", w).Msg("failed to normalize file name")
		}
		files = append(files, p)
	}

	if _, err = t.jobs.MarkCompleted(context.WithoutCancel(ctx), task.JobID, t.now()); err != nil {
		t.finish(task.ID, files, fmt.Errorf("failed to record completion: %w", err))
		return
	}

	logger.Info().Str("title", title).Int("files", len(files)).Msg("media job finished")
	t.finish(task.ID, files, nil)
}

func (t *Tracker) update(id string, fn func(*Task)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.tasks[id]; ok {
		fn(&e.task)
	}
}

// finish moves a task to its terminal state. A failure after a cancel
// request is reported as cancelled.
func (t *Tracker) finish(id string, files []string, err error) {
	now := t.now()

	t.mu.Lock()
	e, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	e.cancel()

	switch {
	case err != nil && e.cancelled:
		e.task.Status = TaskCancelled
	case err != nil:
		e.task.Status = TaskError
		e.task.Error = err.Error()
	default:
		e.task.Status = TaskFinished
	}
	e.task.Files = files
	e.task.FinishedAt = &now
	task := e.task
	t.mu.Unlock()

	switch task.Status {
	case TaskFinished:
		t.publish(events.MediaComplete, task)
	case TaskCancelled:
		t.logger.Info().Str("task_id", task.ID).Msg("media job cancelled")
		t.publish(events.MediaCancelled, task)
	default:
		t.logger.Warn().Str("task_id", task.ID).Str("error", task.Error).Msg("media job failed")
		t.publish(events.MediaFailed, task)
	}
}

func (t *Tracker) publish(et events.Type, task Task) {
	if t.eventBus == nil {
		return
	}
	t.eventBus.Publish(events.Event{Type: et, Subject: task.Title, Data: task})
}
