// Package downloads implements the persistent, resumable download queue.
package downloads

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cesargomez89/offtrack/internal/constants"
	"github.com/cesargomez89/offtrack/internal/domain"
	"github.com/cesargomez89/offtrack/internal/logger"
	"github.com/cesargomez89/offtrack/internal/metrics"
	"github.com/cesargomez89/offtrack/internal/pubsub"
	"github.com/cesargomez89/offtrack/internal/storage"
	"github.com/cesargomez89/offtrack/internal/transport"
)

// Store persists download tasks. *store.DB satisfies it.
type Store interface {
	CreateTask(ctx context.Context, task *domain.DownloadTask) error
	UpdateTask(ctx context.Context, task *domain.DownloadTask) error
	UpdateTaskProgress(ctx context.Context, id string, bytesDownloaded, totalBytes int64) error
	ListTasks(ctx context.Context) ([]*domain.DownloadTask, error)
	DeleteTask(ctx context.Context, id string) error
	DeleteTasks(ctx context.Context, ids []string) error
	DeleteUnfinishedTasks(ctx context.Context) error
	ResetInterruptedTasks(ctx context.Context) (int64, error)
}

// Fetcher issues ranged GETs. *transport.Client satisfies it.
type Fetcher interface {
	Get(ctx context.Context, url string, offset int64) (*transport.Response, error)
}

type Options struct {
	Dir          string
	Concurrency  int
	PollInterval time.Duration
	StallTimeout time.Duration
	RetryBase    time.Duration
	AutoRetry    bool
	// WriteTags fills in missing title and artist tags after completion.
	// The recorded sizes then follow the rewritten file.
	WriteTags bool
	Logger       *logger.Logger
}

// EnqueueRequest describes a song the user asked to download.
type EnqueueRequest struct {
	SongID         string `json:"song_id"`
	Title          string `json:"title"`
	Artist         string `json:"artist"`
	AlbumID        string `json:"album_id,omitempty"`
	ArtworkRef     string `json:"artwork_ref,omitempty"`
	SourceURL      string `json:"source_url"`
	TotalBytesHint int64  `json:"total_bytes_hint,omitempty"`
}

func (r EnqueueRequest) validate() error {
	switch {
	case r.SongID == "":
		return fmt.Errorf("%w: song_id is required", domain.ErrInvalidTask)
	case r.Title == "":
		return fmt.Errorf("%w: title is required", domain.ErrInvalidTask)
	case r.SourceURL == "":
		return fmt.Errorf("%w: source_url is required", domain.ErrInvalidTask)
	case r.TotalBytesHint < 0:
		return fmt.Errorf("%w: total_bytes_hint must not be negative", domain.ErrInvalidTask)
	}
	u, err := url.Parse(r.SourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: source_url must be an http(s) URL", domain.ErrInvalidTask)
	}
	return nil
}

type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
	stopShutdown
)

// transfer is the handle of one running worker.
type transfer struct {
	cancel context.CancelFunc
	done   chan struct{}
	stop   stopReason
	err    error
}

// Manager owns the download queue. All status transitions are persisted
// before they become visible in memory or to subscribers.
type Manager struct {
	store   Store
	fetcher Fetcher
	opts    Options
	log     *logger.Logger

	// ctrl serializes user-facing mutations, including the wait for a
	// worker to stop.
	ctrl sync.Mutex
	mu   sync.Mutex

	tasks   map[string]*domain.DownloadTask
	order   []string
	running map[string]*transfer
	retries map[string]*time.Timer

	topic *pubsub.Topic[[]domain.DownloadTask]
	sem   *semaphore.Weighted
	wake  chan struct{}

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewManager(st Store, fetcher Fetcher, opts Options) *Manager {
	if opts.Concurrency < 1 {
		opts.Concurrency = constants.DefaultConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = constants.DefaultPollInterval
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = constants.DefaultStallTimeout
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = constants.DefaultRetryBase
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	return &Manager{
		store:   st,
		fetcher: fetcher,
		opts:    opts,
		log:     log.WithComponent("downloads"),
		tasks:   make(map[string]*domain.DownloadTask),
		running: make(map[string]*transfer),
		retries: make(map[string]*time.Timer),
		topic:   pubsub.NewTopic[[]domain.DownloadTask](),
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
		wake:    make(chan struct{}, 1),
	}
}

// Start loads the persisted queue and launches the dispatcher. Tasks a
// previous process left downloading come back paused.
func (m *Manager) Start(ctx context.Context) error {
	m.ctrl.Lock()
	defer m.ctrl.Unlock()

	if m.started {
		return nil
	}
	m.log.Info("Starting download manager", "concurrency", m.opts.Concurrency)

	if err := storage.EnsureDir(m.opts.Dir); err != nil {
		return fmt.Errorf("create downloads dir: %w", err)
	}

	n, err := m.store.ResetInterruptedTasks(ctx)
	if err != nil {
		return domain.PersistenceError("reset interrupted tasks", err)
	}
	if n > 0 {
		m.log.Info("Recovered interrupted downloads as paused", "count", n)
	}

	tasks, err := m.store.ListTasks(ctx)
	if err != nil {
		return domain.PersistenceError("list tasks", err)
	}

	m.mu.Lock()
	m.tasks = make(map[string]*domain.DownloadTask, len(tasks))
	m.order = m.order[:0]
	for _, t := range tasks {
		m.reconcilePartial(ctx, t)
		m.tasks[t.ID] = t
		m.order = append(m.order, t.ID)
		if m.opts.AutoRetry && t.CanRetry() {
			m.scheduleRetryLocked(t)
		}
	}
	m.publishLocked()
	m.mu.Unlock()

	dctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.started = true

	m.wg.Add(1)
	go m.dispatchLoop(dctx)
	m.signal()
	return nil
}

// reconcilePartial makes the resume offset match what is actually on disk.
func (m *Manager) reconcilePartial(ctx context.Context, t *domain.DownloadTask) {
	if t.Status == domain.TaskStatusCompleted || t.Status == domain.TaskStatusCancelled {
		return
	}
	size, err := storage.FileSize(m.partialPath(t.ID))
	if err != nil {
		m.log.WithTask(t.ID, t.SongID).Warn("Failed to stat partial file", "error", err)
		return
	}
	if t.TotalBytes > 0 && size > t.TotalBytes {
		_ = storage.RemoveFile(m.partialPath(t.ID))
		size = 0
	}
	if size == t.BytesDownloaded {
		return
	}
	t.BytesDownloaded = size
	if err := m.store.UpdateTaskProgress(ctx, t.ID, size, t.TotalBytes); err != nil {
		m.log.WithTask(t.ID, t.SongID).Warn("Failed to persist reconciled progress", "error", err)
	}
}

// Stop halts the dispatcher and every worker. Running transfers are
// persisted as paused with the bytes written so far.
func (m *Manager) Stop() {
	m.ctrl.Lock()
	defer m.ctrl.Unlock()

	if !m.started {
		return
	}
	m.log.Info("Stopping download manager")
	m.cancel()

	m.mu.Lock()
	for _, tr := range m.running {
		tr.stop = stopShutdown
		tr.cancel()
	}
	for id, timer := range m.retries {
		timer.Stop()
		delete(m.retries, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.started = false
}

func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	m.ctrl.Lock()
	defer m.ctrl.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	var replaced []string
	for _, id := range m.order {
		t := m.tasks[id]
		if t.SongID != req.SongID {
			continue
		}
		if t.IsActive() {
			return "", &domain.DuplicateTaskError{SongID: req.SongID, ExistingTask: t.ID}
		}
		replaced = append(replaced, t.ID)
	}

	if len(replaced) > 0 {
		if err := m.store.DeleteTasks(ctx, replaced); err != nil {
			return "", domain.PersistenceError("delete replaced tasks", err)
		}
		for _, id := range replaced {
			m.forgetLocked(id)
			_ = storage.RemoveFile(m.partialPath(id))
		}
	}

	now := time.Now()
	task := &domain.DownloadTask{
		ID:         uuid.NewString(),
		SongID:     req.SongID,
		Title:      req.Title,
		Artist:     req.Artist,
		AlbumID:    req.AlbumID,
		ArtworkRef: req.ArtworkRef,
		SourceURL:  req.SourceURL,
		Status:     domain.TaskStatusPending,
		TotalBytes: req.TotalBytesHint,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreateTask(ctx, task); err != nil {
		return "", domain.PersistenceError("create task", err)
	}

	m.tasks[task.ID] = task
	m.order = append(m.order, task.ID)
	m.publishLocked()
	m.signal()

	m.log.WithTask(task.ID, task.SongID).Info("Download enqueued", "title", task.Title)
	return task.ID, nil
}

// Pause stops a downloading task at the next chunk boundary and returns once
// the paused state is durable.
func (m *Manager) Pause(ctx context.Context, id string) error {
	m.ctrl.Lock()
	defer m.ctrl.Unlock()

	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	if t.Status != domain.TaskStatusDownloading {
		m.mu.Unlock()
		return &domain.TransitionError{TaskID: id, Op: "pause", From: t.Status}
	}
	tr, running := m.running[id]
	if !running {
		err := m.transitionLocked(ctx, t, domain.TaskStatusPaused, nil)
		m.mu.Unlock()
		return err
	}
	tr.stop = stopPause
	tr.cancel()
	m.mu.Unlock()

	if err := waitDone(ctx, tr); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if tr.err != nil {
		return tr.err
	}
	if t.Status != domain.TaskStatusPaused {
		return &domain.TransitionError{TaskID: id, Op: "pause", From: t.Status}
	}
	return nil
}

// Resume re-queues a paused task, or a failed one with retries left. The
// next transfer continues from the bytes already on disk.
func (m *Manager) Resume(ctx context.Context, id string) error {
	return m.requeue(ctx, id, "resume", func(t *domain.DownloadTask) bool {
		return t.Status == domain.TaskStatusPaused || t.CanRetry()
	}, nil)
}

// Retry re-queues a failed task with retries left. RetryCount only grows on
// failed attempts.
func (m *Manager) Retry(ctx context.Context, id string) error {
	return m.requeue(ctx, id, "retry", (*domain.DownloadTask).CanRetry, nil)
}

// Reset clears the retry budget of a failed task and re-queues it.
func (m *Manager) Reset(ctx context.Context, id string) error {
	return m.requeue(ctx, id, "reset", func(t *domain.DownloadTask) bool {
		return t.Status == domain.TaskStatusFailed
	}, func(t *domain.DownloadTask) {
		t.RetryCount = 0
	})
}

func (m *Manager) requeue(ctx context.Context, id, op string, valid func(*domain.DownloadTask) bool, mutate func(*domain.DownloadTask)) error {
	m.ctrl.Lock()
	defer m.ctrl.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if !valid(t) {
		return &domain.TransitionError{TaskID: id, Op: op, From: t.Status}
	}

	err := m.transitionLocked(ctx, t, domain.TaskStatusPending, func(next *domain.DownloadTask) {
		next.ErrorMessage = nil
		if mutate != nil {
			mutate(next)
		}
	})
	if err != nil {
		return err
	}
	m.stopRetryLocked(id)
	m.signal()
	return nil
}

// Cancel stops the task, deletes its partial file and marks it cancelled.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.ctrl.Lock()
	defer m.ctrl.Unlock()

	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	if t.Status.IsTerminal() {
		m.mu.Unlock()
		return &domain.TransitionError{TaskID: id, Op: "cancel", From: t.Status}
	}
	tr := m.stopWorkerLocked(id, stopCancel)
	if tr == nil {
		defer m.mu.Unlock()
		return m.cancelLocked(ctx, t)
	}
	m.mu.Unlock()

	// The worker persists the cancellation itself, even after ctx expires.
	if err := waitDone(ctx, tr); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if tr.err != nil {
		return tr.err
	}
	if t.Status != domain.TaskStatusCancelled {
		return &domain.TransitionError{TaskID: id, Op: "cancel", From: t.Status}
	}
	return nil
}

// cancelLocked persists the cancelled state, drops a pending retry and
// deletes the partial file.
func (m *Manager) cancelLocked(ctx context.Context, t *domain.DownloadTask) error {
	err := m.transitionLocked(ctx, t, domain.TaskStatusCancelled, func(next *domain.DownloadTask) {
		next.BytesDownloaded = 0
	})
	if err != nil {
		return err
	}
	m.stopRetryLocked(t.ID)
	if err := storage.RemoveFile(m.partialPath(t.ID)); err != nil {
		m.log.WithTask(t.ID, t.SongID).Warn("Failed to delete partial file", "error", err)
	}
	m.log.WithTask(t.ID, t.SongID).Info("Download cancelled")
	return nil
}

// Remove deletes the task record together with its partial or final file.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.ctrl.Lock()
	defer m.ctrl.Unlock()

	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	tr := m.stopWorkerLocked(id, stopCancel)
	m.mu.Unlock()

	if tr != nil {
		if err := waitDone(ctx, tr); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.DeleteTask(ctx, id); err != nil {
		return domain.PersistenceError("delete task", err)
	}
	localPath := t.LocalPath
	m.forgetLocked(id)
	m.publishLocked()

	_ = storage.RemoveFile(m.partialPath(id))
	if err := storage.RemoveFile(localPath); err != nil {
		m.log.WithTask(id, t.SongID).Warn("Failed to delete downloaded file", "path", localPath, "error", err)
	}
	return nil
}

// ClearAll stops every worker and removes every task that has not
// completed, along with its partial file. Completed downloads are kept.
func (m *Manager) ClearAll(ctx context.Context) error {
	m.ctrl.Lock()
	defer m.ctrl.Unlock()

	m.mu.Lock()
	var stopping []*transfer
	for id := range m.running {
		if tr := m.stopWorkerLocked(id, stopCancel); tr != nil {
			stopping = append(stopping, tr)
		}
	}
	m.mu.Unlock()

	for _, tr := range stopping {
		if err := waitDone(ctx, tr); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.DeleteUnfinishedTasks(ctx); err != nil {
		return domain.PersistenceError("clear tasks", err)
	}
	for _, id := range append([]string(nil), m.order...) {
		if m.tasks[id].Status == domain.TaskStatusCompleted {
			continue
		}
		m.forgetLocked(id)
		_ = storage.RemoveFile(m.partialPath(id))
	}
	m.publishLocked()
	m.log.Info("Cleared download queue")
	return nil
}

// ClearFinished removes cancelled tasks and failed tasks with no retries
// left. Their history is dropped; nothing on disk is touched.
func (m *Manager) ClearFinished(ctx context.Context) error {
	m.ctrl.Lock()
	defer m.ctrl.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, id := range m.order {
		if !m.tasks[id].IsActive() {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := m.store.DeleteTasks(ctx, ids); err != nil {
		return domain.PersistenceError("clear finished tasks", err)
	}
	for _, id := range ids {
		m.forgetLocked(id)
		_ = storage.RemoveFile(m.partialPath(id))
	}
	m.publishLocked()
	return nil
}

// Tasks returns a snapshot of the queue in enqueue order.
func (m *Manager) Tasks() []domain.DownloadTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) Task(id string) (domain.DownloadTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.DownloadTask{}, domain.ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (m *Manager) Stats() domain.QueueStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s domain.QueueStats
	for _, t := range m.tasks {
		s.Count++
		switch t.Status {
		case domain.TaskStatusPending, domain.TaskStatusDownloading, domain.TaskStatusPaused:
			s.Active++
		case domain.TaskStatusCompleted:
			s.Completed++
		case domain.TaskStatusFailed:
			s.Failed++
		}
		s.TotalBytes += t.TotalBytes
		s.DownloadedBytes += t.BytesDownloaded
	}
	return s
}

// Subscribe streams the full task list on every change, starting with the
// current one.
func (m *Manager) Subscribe() (<-chan []domain.DownloadTask, func()) {
	return m.topic.Subscribe()
}

func (m *Manager) IsSongDownloaded(songID string) bool {
	_, ok := m.DownloadedPath(songID)
	return ok
}

// DownloadedPath returns the local file of a completed download.
func (m *Manager) DownloadedPath(songID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.SongID == songID && t.Status == domain.TaskStatusCompleted && t.LocalPath != "" {
			return t.LocalPath, true
		}
	}
	return "", false
}

// IsAlbumDownloaded reports whether any song of the album has completed.
func (m *Manager) IsAlbumDownloaded(albumID string) bool {
	if albumID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.AlbumID == albumID && t.Status == domain.TaskStatusCompleted {
			return true
		}
	}
	return false
}

// transitionLocked persists the task in its next status and only then
// swaps the in-memory copy and notifies subscribers.
func (m *Manager) transitionLocked(ctx context.Context, t *domain.DownloadTask, status domain.TaskStatus, mutate func(*domain.DownloadTask)) error {
	next := t.Clone()
	next.Status = status
	next.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(&next)
	}
	if err := m.store.UpdateTask(ctx, &next); err != nil {
		return domain.PersistenceError(fmt.Sprintf("persist %s", status), err)
	}
	*t = next
	m.publishLocked()
	return nil
}

func (m *Manager) stopWorkerLocked(id string, reason stopReason) *transfer {
	tr, ok := m.running[id]
	if !ok {
		return nil
	}
	tr.stop = reason
	tr.cancel()
	return tr
}

func (m *Manager) forgetLocked(id string) {
	delete(m.tasks, id)
	m.stopRetryLocked(id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Manager) snapshotLocked() []domain.DownloadTask {
	out := make([]domain.DownloadTask, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tasks[id].Clone())
	}
	return out
}

// publishLocked runs under mu so subscribers observe snapshots in order.
func (m *Manager) publishLocked() {
	counts := map[domain.TaskStatus]int{
		domain.TaskStatusPending:     0,
		domain.TaskStatusDownloading: 0,
		domain.TaskStatusPaused:      0,
		domain.TaskStatusCompleted:   0,
		domain.TaskStatusFailed:      0,
		domain.TaskStatusCancelled:   0,
	}
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	for status, n := range counts {
		metrics.DownloadTasks.WithLabelValues(string(status)).Set(float64(n))
	}
	metrics.DownloadsActive.Set(float64(len(m.running)))

	m.topic.Publish(m.snapshotLocked())
}

func (m *Manager) partialPath(id string) string {
	return filepath.Join(m.opts.Dir, id+constants.PartialFileExt)
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func waitDone(ctx context.Context, tr *transfer) error {
	select {
	case <-tr.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for transfer to stop: %w", ctx.Err())
	}
}
