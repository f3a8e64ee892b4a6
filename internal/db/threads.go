package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/HNygard/offpost-sub000/internal/models"
)

// ErrThreadNotFound is returned when a requested thread cannot be found.
var ErrThreadNotFound = errors.New("thread not found")

// GetThread returns one thread by id.
func GetThread(ctx context.Context, pool *pgxpool.Pool, threadID string) (*models.Thread, error) {
	var thread models.Thread

	err := pool.QueryRow(ctx, `
		SELECT id, entity_id, title, my_email, archived, labels, sending_status
		FROM threads
		WHERE id = $1
	`, threadID).Scan(
		&thread.ID,
		&thread.EntityID,
		&thread.Title,
		&thread.OwnEmail,
		&thread.Archived,
		&thread.Labels,
		&thread.SendingStatus,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	return &thread, nil
}

// GetAllThreads returns every thread across all entities.
func GetAllThreads(ctx context.Context, pool *pgxpool.Pool) ([]models.Thread, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, entity_id, title, my_email, archived, labels, sending_status
		FROM threads
		ORDER BY entity_id, title
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get threads: %w", err)
	}
	defer rows.Close()

	var threads []models.Thread
	for rows.Next() {
		var thread models.Thread
		if err := rows.Scan(
			&thread.ID,
			&thread.EntityID,
			&thread.Title,
			&thread.OwnEmail,
			&thread.Archived,
			&thread.Labels,
			&thread.SendingStatus,
		); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, thread)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}

	return threads, nil
}

// SetThreadArchived persists a thread's archived state.
func SetThreadArchived(ctx context.Context, pool *pgxpool.Pool, threadID string, archived bool) error {
	tag, err := pool.Exec(ctx, `
		UPDATE threads SET archived = $2 WHERE id = $1
	`, threadID, archived)
	if err != nil {
		return fmt.Errorf("failed to update thread archived state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// EnsureThreadLabel adds a label to a thread unless it is already present.
func EnsureThreadLabel(ctx context.Context, tx pgx.Tx, threadID, label string) error {
	_, err := tx.Exec(ctx, `
		UPDATE threads
		SET labels = array_append(labels, $2)
		WHERE id = $1 AND NOT ($2 = ANY(labels))
	`, threadID, label)
	if err != nil {
		return fmt.Errorf("failed to add thread label: %w", err)
	}
	return nil
}
