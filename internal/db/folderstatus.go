package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/HNygard/offpost-sub000/internal/models"
)

// ErrNoFolderReady is returned when no folder is due for processing.
var ErrNoFolderReady = errors.New("no folders ready for processing")

// Folders younger than this are never re-picked, so one folder cannot be
// processed twice while a run is in flight.
const folderRepickInterval = 10 * time.Minute

// staleFolderAge is how long a folder may go unchecked before it is reported
// as an integrity anomaly.
const staleFolderAge = 6 * time.Hour

// UpsertFolderStatus creates or updates the status row for a folder.
// updateLastChecked stamps last_checked_at with the current time;
// requestUpdate stamps requested_update_time, and clears it otherwise.
func UpsertFolderStatus(ctx context.Context, pool *pgxpool.Pool, folderName string, threadID *string, updateLastChecked, requestUpdate bool) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO imap_folder_status (folder_name, thread_id, last_checked_at, requested_update_time)
		VALUES (
			$1,
			$2,
			CASE WHEN $3 THEN CURRENT_TIMESTAMP ELSE NULL END,
			CASE WHEN $4 THEN CURRENT_TIMESTAMP ELSE NULL END
		)
		ON CONFLICT (folder_name) DO UPDATE SET
			thread_id = COALESCE(EXCLUDED.thread_id, imap_folder_status.thread_id),
			last_checked_at = CASE WHEN $3 THEN CURRENT_TIMESTAMP ELSE imap_folder_status.last_checked_at END,
			requested_update_time = CASE WHEN $4 THEN CURRENT_TIMESTAMP ELSE NULL END
	`, folderName, threadID, updateLastChecked, requestUpdate)
	if err != nil {
		return fmt.Errorf("failed to upsert folder status: %w", err)
	}
	return nil
}

// EnsureFolderStatus registers a folder for scheduled processing without
// touching its timestamps. Unlike UpsertFolderStatus it leaves a pending
// update request in place.
func EnsureFolderStatus(ctx context.Context, pool *pgxpool.Pool, folderName string, threadID *string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO imap_folder_status (folder_name, thread_id)
		VALUES ($1, $2)
		ON CONFLICT (folder_name) DO UPDATE SET
			thread_id = COALESCE(EXCLUDED.thread_id, imap_folder_status.thread_id)
	`, folderName, threadID)
	if err != nil {
		return fmt.Errorf("failed to ensure folder status: %w", err)
	}
	return nil
}

// RenameFolderStatus moves a status row to a new folder name, following an
// IMAP folder rename. When a row for the new name already exists the old row
// is dropped instead, so a thread never keeps two status rows.
func RenameFolderStatus(ctx context.Context, pool *pgxpool.Pool, oldName, newName string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		DELETE FROM imap_folder_status
		WHERE folder_name = $1
		  AND EXISTS (SELECT 1 FROM imap_folder_status WHERE folder_name = $2)
	`, oldName, newName)
	if err != nil {
		return fmt.Errorf("failed to drop superseded folder status: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE imap_folder_status SET folder_name = $2 WHERE folder_name = $1
	`, oldName, newName)
	if err != nil {
		return fmt.Errorf("failed to rename folder status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit folder status rename: %w", err)
	}
	return nil
}

// GetFolderStatus returns the status row for one folder, or nil when none
// exists.
func GetFolderStatus(ctx context.Context, pool *pgxpool.Pool, folderName string) (*models.FolderStatus, error) {
	var status models.FolderStatus
	err := pool.QueryRow(ctx, `
		SELECT folder_name, thread_id, last_checked_at, requested_update_time
		FROM imap_folder_status
		WHERE folder_name = $1
	`, folderName).Scan(
		&status.FolderName,
		&status.ThreadID,
		&status.LastCheckedAt,
		&status.RequestedUpdateAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder status: %w", err)
	}
	return &status, nil
}

// RequestFolderUpdate marks a folder for priority processing.
func RequestFolderUpdate(ctx context.Context, pool *pgxpool.Pool, folderName string) error {
	_, err := pool.Exec(ctx, `
		UPDATE imap_folder_status SET requested_update_time = CURRENT_TIMESTAMP WHERE folder_name = $1
	`, folderName)
	if err != nil {
		return fmt.Errorf("failed to request folder update: %w", err)
	}
	return nil
}

// GetNextFolderForProcessing picks the next thread folder due for a scan:
// requested updates first, then the folder unchecked for the longest time.
// Folders checked within the repick interval are skipped.
func GetNextFolderForProcessing(ctx context.Context, pool *pgxpool.Pool) (*models.FolderStatus, error) {
	var status models.FolderStatus
	err := pool.QueryRow(ctx, `
		SELECT folder_name, thread_id, last_checked_at, requested_update_time
		FROM imap_folder_status
		WHERE folder_name NOT IN ('INBOX', 'INBOX.Archive')
		  AND (last_checked_at IS NULL OR last_checked_at < CURRENT_TIMESTAMP - make_interval(secs => $1))
		ORDER BY
			requested_update_time NULLS LAST,
			last_checked_at NULLS FIRST
		LIMIT 1
	`, folderRepickInterval.Seconds()).Scan(
		&status.FolderName,
		&status.ThreadID,
		&status.LastCheckedAt,
		&status.RequestedUpdateAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoFolderReady
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pick next folder: %w", err)
	}

	return &status, nil
}

// FolderStatusAnomalies reports data-integrity problems in the folder status
// table: threads with more than one status row, and folders unchecked for
// longer than the stale age. These are warnings for the operator UI, never
// errors.
func FolderStatusAnomalies(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	var warnings []string

	rows, err := pool.Query(ctx, `
		SELECT thread_id, COUNT(*)
		FROM imap_folder_status
		WHERE thread_id IS NOT NULL
		GROUP BY thread_id
		HAVING COUNT(*) > 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to check duplicate folder status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var threadID string
		var count int
		if err := rows.Scan(&threadID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate folder status: %w", err)
		}
		warnings = append(warnings, fmt.Sprintf("thread %s has %d folder status rows, expected 1", threadID, count))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating duplicate folder status: %w", err)
	}

	staleRows, err := pool.Query(ctx, `
		SELECT folder_name, last_checked_at
		FROM imap_folder_status
		WHERE folder_name NOT IN ('INBOX', 'INBOX.Archive')
		  AND (last_checked_at IS NULL OR last_checked_at < CURRENT_TIMESTAMP - make_interval(secs => $1))
		ORDER BY folder_name
	`, staleFolderAge.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to check stale folders: %w", err)
	}
	defer staleRows.Close()

	for staleRows.Next() {
		var folderName string
		var lastChecked *time.Time
		if err := staleRows.Scan(&folderName, &lastChecked); err != nil {
			return nil, fmt.Errorf("failed to scan stale folder: %w", err)
		}
		if lastChecked == nil {
			warnings = append(warnings, fmt.Sprintf("folder %s has never been checked", folderName))
		} else {
			warnings = append(warnings, fmt.Sprintf("folder %s not checked since %s", folderName, lastChecked.Format(time.RFC3339)))
		}
	}
	if err := staleRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale folders: %w", err)
	}

	return warnings, nil
}
