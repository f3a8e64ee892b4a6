package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/HNygard/offpost-sub000/internal/models"
)

// ThreadEmailExists reports whether an email with the given identifier is
// already stored for the thread. This is the dedup check that makes
// ingestion idempotent.
func ThreadEmailExists(ctx context.Context, pool *pgxpool.Pool, threadID, identifier string) (bool, error) {
	var count int
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM thread_emails WHERE thread_id = $1 AND id_old = $2
	`, threadID, identifier).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check email existence: %w", err)
	}
	return count > 0, nil
}

// InsertThreadEmail inserts a new email row inside the given transaction and
// returns its id.
func InsertThreadEmail(ctx context.Context, tx pgx.Tx, email *models.ThreadEmail) (string, error) {
	headers, err := json.Marshal(email.Headers)
	if err != nil {
		return "", fmt.Errorf("failed to encode email headers: %w", err)
	}

	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO thread_emails (
			thread_id,
			datetime_received,
			email_type,
			status_type,
			status_text,
			content,
			body_text,
			imap_headers,
			id_old
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`,
		email.ThreadID,
		email.ReceivedAt,
		email.Direction,
		email.StatusType,
		email.StatusText,
		email.Content,
		email.BodyText,
		headers,
		email.Identifier,
	).Scan(&id)

	if err != nil {
		return "", fmt.Errorf("failed to save email: %w", err)
	}

	email.ID = id
	return id, nil
}

// InsertThreadEmailAttachment inserts an attachment row inside the same
// transaction as its email.
func InsertThreadEmailAttachment(ctx context.Context, tx pgx.Tx, att *models.ThreadEmailAttachment) (string, error) {
	var id string
	err := tx.QueryRow(ctx, `
		INSERT INTO thread_email_attachments (
			email_id,
			name,
			filename,
			filetype,
			location,
			status_type,
			status_text,
			content
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`,
		att.EmailID,
		att.Name,
		att.Filename,
		att.Filetype,
		att.Location,
		att.StatusType,
		att.StatusText,
		att.Content,
	).Scan(&id)

	if err != nil {
		return "", fmt.Errorf("failed to save attachment: %w", err)
	}

	att.ID = id
	return id, nil
}

// GetThreadEmails returns all emails for a thread, oldest first, without
// content blobs.
func GetThreadEmails(ctx context.Context, pool *pgxpool.Pool, threadID string) ([]models.ThreadEmail, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, thread_id, datetime_received, email_type, status_type, status_text, id_old
		FROM thread_emails
		WHERE thread_id = $1
		ORDER BY datetime_received
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get emails: %w", err)
	}
	defer rows.Close()

	var emails []models.ThreadEmail
	for rows.Next() {
		var email models.ThreadEmail
		if err := rows.Scan(
			&email.ID,
			&email.ThreadID,
			&email.ReceivedAt,
			&email.Direction,
			&email.StatusType,
			&email.StatusText,
			&email.Identifier,
		); err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}
		emails = append(emails, email)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating emails: %w", err)
	}

	return emails, nil
}
