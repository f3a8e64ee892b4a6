package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/HNygard/offpost-sub000/internal/db"
)

// ProcessResult reports one scheduled ingestion pass.
type ProcessResult struct {
	// FolderName is the folder that was processed, empty when no folder
	// was ready.
	FolderName string
	// ThreadID is the owning thread, when the folder status carried one.
	ThreadID string
	// Saved lists the identifiers of newly persisted emails.
	Saved []string
	// MessageErrors carries per-message failures that did not abort the
	// folder.
	MessageErrors error
}

// Receiver is the scheduled entry point for ingestion. Each call picks the
// single stalest thread folder and runs the saver on it; the scheduler just
// calls it repeatedly.
type Receiver struct {
	pool  *pgxpool.Pool
	saver *Saver
	log   *logrus.Entry
}

func NewReceiver(pool *pgxpool.Pool, saver *Saver, log *logrus.Logger) *Receiver {
	return &Receiver{pool: pool, saver: saver, log: logrus.NewEntry(log)}
}

// ProcessNextFolder ingests the stalest folder: explicit update requests go
// first, then the folder unchecked the longest. A folder picked less than
// ten minutes ago is never re-picked, which keeps repeated scheduler calls
// from piling onto one folder. Returns an empty result when nothing is due.
func (r *Receiver) ProcessNextFolder(ctx context.Context) (*ProcessResult, error) {
	status, err := db.GetNextFolderForProcessing(ctx, r.pool)
	if errors.Is(err, db.ErrNoFolderReady) {
		return &ProcessResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pick next folder: %w", err)
	}

	result := &ProcessResult{FolderName: status.FolderName}
	if status.ThreadID == nil {
		// A status row without a thread cannot be ingested; mark it
		// checked so the scheduler moves on.
		r.log.WithField("folder", status.FolderName).Warn("folder status has no thread, skipping")
		if err := db.UpsertFolderStatus(ctx, r.pool, status.FolderName, nil, true, false); err != nil {
			return result, fmt.Errorf("failed to mark folder %s checked: %w", status.FolderName, err)
		}
		return result, nil
	}
	result.ThreadID = *status.ThreadID

	thread, err := db.GetThread(ctx, r.pool, *status.ThreadID)
	if err != nil {
		return result, fmt.Errorf("failed to load thread %s: %w", *status.ThreadID, err)
	}

	saveResult, err := r.saver.SaveThreadEmails(ctx, status.FolderName, *thread, status.RequestedUpdateAt)
	if err != nil {
		return result, fmt.Errorf("folder %s: %w", status.FolderName, err)
	}
	result.Saved = saveResult.Saved
	result.MessageErrors = errors.Join(saveResult.MessageErrors...)

	if err := r.saver.FinishThreadProcessing(ctx, status.FolderName, *thread); err != nil {
		return result, fmt.Errorf("failed to finish processing thread %s: %w", thread.ID, err)
	}

	r.log.WithFields(logrus.Fields{
		"folder": status.FolderName,
		"thread": thread.ID,
		"saved":  len(result.Saved),
	}).Info("processed folder")
	return result, nil
}
