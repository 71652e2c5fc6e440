package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cesargomez89/offtrack/internal/domain"
)

const taskColumns = `id, song_id, title, artist, album_id, artwork_ref, source_url, local_path, status,
	total_bytes, bytes_downloaded, retry_count, error_message, created_at, updated_at, completed_at`

func (db *DB) CreateTask(ctx context.Context, task *domain.DownloadTask) error {
	query := `INSERT INTO download_tasks (` + taskColumns + `)
		VALUES (:id, :song_id, :title, :artist, :album_id, :artwork_ref, :source_url, :local_path, :status,
			:total_bytes, :bytes_downloaded, :retry_count, :error_message, :created_at, :updated_at, :completed_at)`

	_, err := db.NamedExecContext(ctx, query, task)
	return err
}

func (db *DB) GetTask(ctx context.Context, id string) (*domain.DownloadTask, error) {
	query := `SELECT ` + taskColumns + ` FROM download_tasks WHERE id = ?`

	task := &domain.DownloadTask{}
	err := db.GetContext(ctx, task, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask writes every mutable column of the task.
func (db *DB) UpdateTask(ctx context.Context, task *domain.DownloadTask) error {
	query := `UPDATE download_tasks SET
		local_path = :local_path,
		status = :status,
		total_bytes = :total_bytes,
		bytes_downloaded = :bytes_downloaded,
		retry_count = :retry_count,
		error_message = :error_message,
		updated_at = :updated_at,
		completed_at = :completed_at
		WHERE id = :id`

	res, err := db.NamedExecContext(ctx, query, task)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

// UpdateTaskProgress persists transfer progress without touching the status.
func (db *DB) UpdateTaskProgress(ctx context.Context, id string, bytesDownloaded, totalBytes int64) error {
	query := `UPDATE download_tasks SET bytes_downloaded = ?, total_bytes = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, bytesDownloaded, totalBytes, time.Now(), id)
	return err
}

// ListTasks returns every task in enqueue order.
func (db *DB) ListTasks(ctx context.Context) ([]*domain.DownloadTask, error) {
	query := `SELECT ` + taskColumns + ` FROM download_tasks ORDER BY created_at ASC, rowid ASC`

	var tasks []*domain.DownloadTask
	err := db.SelectContext(ctx, &tasks, query)
	return tasks, err
}

func (db *DB) DeleteTask(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM download_tasks WHERE id = ?`, id)
	return err
}

// ResetInterruptedTasks moves tasks left downloading by a previous process to paused.
func (db *DB) ResetInterruptedTasks(ctx context.Context) (int64, error) {
	query := `UPDATE download_tasks SET status = ?, updated_at = ? WHERE status = ?`
	res, err := db.ExecContext(ctx, query, domain.TaskStatusPaused, time.Now(), domain.TaskStatusDownloading)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteUnfinishedTasks removes every task that has not completed.
func (db *DB) DeleteUnfinishedTasks(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `DELETE FROM download_tasks WHERE status != ?`, domain.TaskStatusCompleted)
	return err
}

// DeleteTasks removes the given tasks in one statement.
func (db *DB) DeleteTasks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM download_tasks WHERE id IN (?)`, ids)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, db.Rebind(query), args...)
	return err
}
