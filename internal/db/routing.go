package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/HNygard/offpost-sub000/internal/models"
)

// ErrMappingNotFound is returned when no manual mapping exists for a message
// identifier.
var ErrMappingNotFound = errors.New("address mapping not found")

// ErrRoutingErrorNotFound is returned when a routing error row cannot be
// found.
var ErrRoutingErrorNotFound = errors.New("routing error not found")

// GetMappedThread returns the thread a message identifier has been manually
// mapped to.
func GetMappedThread(ctx context.Context, pool *pgxpool.Pool, emailIdentifier string) (*models.Thread, error) {
	var thread models.Thread

	err := pool.QueryRow(ctx, `
		SELECT t.id, t.entity_id, t.title, t.my_email, t.archived, t.labels, t.sending_status
		FROM thread_email_mapping m
		JOIN threads t ON m.thread_id = t.id
		WHERE m.email_identifier = $1
	`, emailIdentifier).Scan(
		&thread.ID,
		&thread.EntityID,
		&thread.Title,
		&thread.OwnEmail,
		&thread.Archived,
		&thread.Labels,
		&thread.SendingStatus,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get address mapping: %w", err)
	}

	return &thread, nil
}

// EnsureRoutingError records a routing failure for an inbox message. The
// insert is idempotent on the message identifier, so re-scanning the inbox
// does not duplicate error rows.
func EnsureRoutingError(ctx context.Context, pool *pgxpool.Pool, re models.RoutingError) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO thread_processing_errors (
			email_identifier,
			email_subject,
			email_addresses,
			error_type,
			error_message,
			suggested_thread_id,
			folder_name
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (email_identifier) DO NOTHING
	`,
		re.EmailIdentifier,
		re.Subject,
		re.Addresses,
		re.ErrorType,
		re.Message,
		re.SuggestedThreadID,
		re.FolderName,
	)
	if err != nil {
		return fmt.Errorf("failed to save routing error: %w", err)
	}
	return nil
}

// ListUnresolvedRoutingErrors returns every pending routing error, oldest
// first. This is the operator-facing surface for unrouted mail.
func ListUnresolvedRoutingErrors(ctx context.Context, pool *pgxpool.Pool) ([]models.RoutingError, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, email_identifier, email_subject, email_addresses,
		       error_type, error_message, suggested_thread_id, folder_name, created_at
		FROM thread_processing_errors
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list routing errors: %w", err)
	}
	defer rows.Close()

	var result []models.RoutingError
	for rows.Next() {
		var re models.RoutingError
		if err := rows.Scan(
			&re.ID,
			&re.EmailIdentifier,
			&re.Subject,
			&re.Addresses,
			&re.ErrorType,
			&re.Message,
			&re.SuggestedThreadID,
			&re.FolderName,
			&re.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan routing error: %w", err)
		}
		result = append(result, re)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating routing errors: %w", err)
	}

	return result, nil
}

// ResolveRoutingError resolves one routing error by deleting the error row
// and inserting the address mapping for its message identifier, atomically.
// The next routing pass picks the mapping up and moves the message.
func ResolveRoutingError(ctx context.Context, pool *pgxpool.Pool, errorID, threadID, description string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var emailIdentifier string
	err = tx.QueryRow(ctx, `
		DELETE FROM thread_processing_errors WHERE id = $1
		RETURNING email_identifier
	`, errorID).Scan(&emailIdentifier)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRoutingErrorNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete routing error: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO thread_email_mapping (email_identifier, thread_id, description)
		VALUES ($1, $2, $3)
	`, emailIdentifier, threadID, description)
	if err != nil {
		return fmt.Errorf("failed to insert address mapping: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit resolution: %w", err)
	}
	return nil
}

// DismissRoutingError removes a routing error without creating a mapping.
func DismissRoutingError(ctx context.Context, pool *pgxpool.Pool, errorID string) error {
	tag, err := pool.Exec(ctx, `
		DELETE FROM thread_processing_errors WHERE id = $1
	`, errorID)
	if err != nil {
		return fmt.Errorf("failed to dismiss routing error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoutingErrorNotFound
	}
	return nil
}
