package downloads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/cesargomez89/offtrack/internal/audiofile"
	"github.com/cesargomez89/offtrack/internal/constants"
	"github.com/cesargomez89/offtrack/internal/domain"
	"github.com/cesargomez89/offtrack/internal/metrics"
	"github.com/cesargomez89/offtrack/internal/storage"
)

// ErrStalled is recorded when no bytes arrive within the stall timeout.
var ErrStalled = errors.New("transfer stalled")

// result tracks what a transfer left on disk.
type result struct {
	path        string
	contentType string
	written     int64
	total       int64
}

func (m *Manager) dispatchLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-ticker.C:
		}
		m.dispatch(ctx)
	}
}

// dispatch starts pending tasks in enqueue order while worker slots are free.
func (m *Manager) dispatch(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		if ctx.Err() != nil {
			return
		}
		t := m.tasks[id]
		if t.Status != domain.TaskStatusPending {
			continue
		}
		if _, busy := m.running[id]; busy {
			continue
		}
		if !m.sem.TryAcquire(1) {
			return
		}
		if err := m.transitionLocked(ctx, t, domain.TaskStatusDownloading, nil); err != nil {
			m.sem.Release(1)
			m.log.WithTask(t.ID, t.SongID).Error("Failed to start download", "error", err)
			continue
		}

		tctx, cancel := context.WithCancel(context.Background())
		tr := &transfer{cancel: cancel, done: make(chan struct{})}
		m.running[id] = tr
		metrics.DownloadsActive.Set(float64(len(m.running)))

		m.wg.Add(1)
		go m.run(tctx, tr, t.Clone())
	}
}

func (m *Manager) run(ctx context.Context, tr *transfer, task domain.DownloadTask) {
	defer m.wg.Done()
	log := m.log.WithTask(task.ID, task.SongID)
	log.Info("Download started", "offset", task.BytesDownloaded)

	res := result{written: task.BytesDownloaded, total: task.TotalBytes}
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = m.download(ctx, tr, task, &res)
		if err == nil {
			err = m.finalize(task, &res)
		}
	}()

	m.finish(tr, task, res, err)
	tr.cancel()
	m.sem.Release(1)
	m.signal()
}

// download appends the remaining bytes of the song to its partial file.
func (m *Manager) download(ctx context.Context, tr *transfer, task domain.DownloadTask, res *result) error {
	partPath := m.partialPath(task.ID)
	offset, err := storage.FileSize(partPath)
	if err != nil {
		return fmt.Errorf("stat partial file: %w", err)
	}
	total := task.TotalBytes
	if total > 0 && offset > total {
		if err := storage.RemoveFile(partPath); err != nil {
			return err
		}
		offset = 0
	}
	res.written = offset
	if total > 0 && offset == total {
		res.total = total
		return nil
	}

	resp, err := m.fetcher.Get(ctx, task.SourceURL, offset)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	res.contentType = resp.ContentType

	var stalled atomic.Bool
	watchdog := time.AfterFunc(m.opts.StallTimeout, func() {
		stalled.Store(true)
		tr.cancel()
	})
	defer watchdog.Stop()
	body := &watchedReader{r: resp.Body, timer: watchdog, timeout: m.opts.StallTimeout}
	readErr := func(err error) error {
		if stalled.Load() {
			return fmt.Errorf("%w: no data for %s", ErrStalled, m.opts.StallTimeout)
		}
		return err
	}

	if offset > 0 && !resp.Partial {
		if total > 0 && resp.TotalLength > 0 && resp.TotalLength != total {
			m.log.WithTask(task.ID, task.SongID).Warn("Remote file changed, restarting download",
				"expected", total, "got", resp.TotalLength)
			offset = 0
		} else if _, err := io.CopyN(io.Discard, body, offset); err != nil {
			return fmt.Errorf("skip already downloaded bytes: %w", readErr(err))
		}
	}
	if resp.TotalLength > 0 {
		total = resp.TotalLength
	}

	var f *os.File
	if offset == 0 {
		f, err = storage.CreateFile(partPath)
	} else {
		f, err = storage.OpenForAppend(partPath)
	}
	if err != nil {
		return fmt.Errorf("open partial file: %w", err)
	}
	defer f.Close()

	res.written = offset
	res.total = total
	m.setProgress(task.ID, offset, total)

	limiter := rate.NewLimiter(rate.Every(constants.ProgressPersistInterval), 1)
	buf := make([]byte, constants.TransferChunkSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return fmt.Errorf("write partial file: %w", err)
			}
			offset += int64(n)
			res.written = offset
			metrics.DownloadBytesTotal.Add(float64(n))
			m.setProgress(task.ID, offset, total)

			if limiter.Allow() {
				if err := m.store.UpdateTaskProgress(context.Background(), task.ID, offset, total); err != nil {
					m.log.WithTask(task.ID, task.SongID).Warn("Failed to persist progress", "error", err)
				}
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return readErr(rerr)
		}
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync partial file: %w", err)
	}
	if total > 0 && offset != total {
		return fmt.Errorf("%w: received %d of %d bytes", io.ErrUnexpectedEOF, offset, total)
	}
	res.total = offset
	return nil
}

// finalize verifies the finished partial file and moves it into place.
func (m *Manager) finalize(task domain.DownloadTask, res *result) error {
	partPath := m.partialPath(task.ID)
	info, err := audiofile.Probe(partPath)
	if err != nil {
		if errors.Is(err, audiofile.ErrUnreadable) {
			_ = storage.RemoveFile(partPath)
			res.written = 0
		}
		return fmt.Errorf("verify downloaded file: %w", err)
	}

	name := storage.Sanitize(task.SongID)
	if name == "" {
		name = task.ID
	}
	dst := filepath.Join(m.opts.Dir, name+fileExt(info.Format, task.SourceURL, res.contentType))
	if err := storage.MoveFile(partPath, dst); err != nil {
		return err
	}
	res.path = dst

	if m.opts.WriteTags {
		m.writeTags(task, res)
	}
	return nil
}

// writeTags fills in missing tags and records the size of the rewritten file.
func (m *Manager) writeTags(task domain.DownloadTask, res *result) {
	log := m.log.WithTask(task.ID, task.SongID)
	if err := audiofile.EnsureTags(res.path, audiofile.Tags{Title: task.Title, Artist: task.Artist}); err != nil {
		log.Warn("Failed to write tags", "path", res.path, "error", err)
		return
	}
	size, err := storage.FileSize(res.path)
	if err != nil {
		log.Warn("Failed to stat tagged file", "path", res.path, "error", err)
		return
	}
	res.written, res.total = size, size
}

// watchedReader pushes the stall deadline back on every read that returns data.
type watchedReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (w *watchedReader) Read(p []byte) (int, error) {
	n, err := w.r.Read(p)
	if n > 0 {
		w.timer.Reset(w.timeout)
	}
	return n, err
}

// finish records the outcome of a worker run, including a cancellation,
// so the task never stays downloading without a worker.
func (m *Manager) finish(tr *transfer, task domain.DownloadTask, res result, runErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer close(tr.done)

	delete(m.running, task.ID)
	metrics.DownloadsActive.Set(float64(len(m.running)))
	t, ok := m.tasks[task.ID]
	if !ok {
		return
	}
	log := m.log.WithTask(task.ID, task.SongID)
	ctx := context.Background()

	switch {
	case runErr == nil:
		now := time.Now()
		tr.err = m.transitionLocked(ctx, t, domain.TaskStatusCompleted, func(next *domain.DownloadTask) {
			next.BytesDownloaded = res.written
			next.TotalBytes = res.total
			next.LocalPath = res.path
			next.CompletedAt = &now
			next.ErrorMessage = nil
		})
		if tr.err != nil {
			log.Error("Failed to persist completion", "error", tr.err)
			return
		}
		metrics.DownloadCompletedTotal.Inc()
		log.Info("Download completed", "path", res.path, "bytes", res.written)

	case tr.stop == stopCancel:
		tr.err = m.cancelLocked(ctx, t)
		if tr.err != nil {
			log.Error("Failed to persist cancellation", "error", tr.err)
		}

	case tr.stop == stopPause || tr.stop == stopShutdown:
		tr.err = m.transitionLocked(ctx, t, domain.TaskStatusPaused, func(next *domain.DownloadTask) {
			next.BytesDownloaded = res.written
			next.TotalBytes = res.total
		})
		if tr.err != nil {
			log.Error("Failed to persist pause", "error", tr.err)
			return
		}
		log.Info("Download paused", "bytes", res.written)

	default:
		msg := runErr.Error()
		tr.err = m.transitionLocked(ctx, t, domain.TaskStatusFailed, func(next *domain.DownloadTask) {
			next.BytesDownloaded = res.written
			next.TotalBytes = res.total
			next.RetryCount = min(next.RetryCount+1, constants.MaxRetries)
			next.ErrorMessage = &msg
		})
		if tr.err != nil {
			log.Error("Failed to persist failure", "error", tr.err, "cause", runErr)
			return
		}
		metrics.DownloadFailuresTotal.Inc()
		log.Warn("Download failed", "error", runErr, "retry_count", t.RetryCount)
		if m.opts.AutoRetry && t.CanRetry() {
			m.scheduleRetryLocked(t)
		}
	}
}

func (m *Manager) setProgress(id string, written, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return
	}
	t.BytesDownloaded = written
	if total > 0 {
		t.TotalBytes = total
	}
	m.topic.Publish(m.snapshotLocked())
}

// scheduleRetryLocked re-queues a failed task after a linear backoff.
func (m *Manager) scheduleRetryLocked(t *domain.DownloadTask) {
	delay := time.Duration(max(t.RetryCount, 1)) * m.opts.RetryBase
	id := t.ID
	m.stopRetryLocked(id)
	m.retries[id] = time.AfterFunc(delay, func() { m.autoRetry(id) })
}

func (m *Manager) stopRetryLocked(id string) {
	if timer, ok := m.retries[id]; ok {
		timer.Stop()
		delete(m.retries, id)
	}
}

func (m *Manager) autoRetry(id string) {
	m.ctrl.Lock()
	defer m.ctrl.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.retries, id)
	t, ok := m.tasks[id]
	if !ok || !m.started || !t.CanRetry() {
		return
	}
	err := m.transitionLocked(context.Background(), t, domain.TaskStatusPending, func(next *domain.DownloadTask) {
		next.ErrorMessage = nil
	})
	if err != nil {
		m.log.WithTask(id, t.SongID).Error("Failed to schedule retry", "error", err)
		return
	}
	m.log.WithTask(id, t.SongID).Info("Retrying download", "retry_count", t.RetryCount)
	m.signal()
}

// fileExt picks the extension of a finished download: the sniffed format
// wins, then the URL path, then the response content type.
func fileExt(format audiofile.Format, rawURL, contentType string) string {
	if ext := audiofile.ExtForFormat(format); ext != "" {
		return ext
	}
	if u, err := url.Parse(rawURL); err == nil {
		switch ext := strings.ToLower(path.Ext(u.Path)); ext {
		case constants.ExtFLAC, constants.ExtMP3, constants.ExtM4A, constants.ExtOGG:
			return ext
		}
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case constants.MimeTypeFLAC:
		return constants.ExtFLAC
	case constants.MimeTypeMP3:
		return constants.ExtMP3
	case constants.MimeTypeMP4:
		return constants.ExtM4A
	case constants.MimeTypeOGG:
		return constants.ExtOGG
	}
	return constants.ExtBin
}
