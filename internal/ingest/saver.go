package ingest

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/HNygard/offpost-sub000/internal/db"
	"github.com/HNygard/offpost-sub000/internal/imap"
	"github.com/HNygard/offpost-sub000/internal/models"
)

const (
	unclassifiedEmailStatus      = "Uklassifisert"
	unclassifiedAttachmentStatus = "uklassifisert-dok"
	unclassifiedLabel            = "uklassifisert-epost"
)

// Saver persists new messages from a thread folder into storage. Each message
// is one transaction: the email row and all of its attachment rows commit
// together or not at all.
type Saver struct {
	pool        *pgxpool.Pool
	processor   *imap.Processor
	attachments *imap.AttachmentHandler
	folders     *imap.FolderManager
	log         *logrus.Entry
}

func NewSaver(pool *pgxpool.Pool, processor *imap.Processor, attachments *imap.AttachmentHandler, folders *imap.FolderManager, log *logrus.Logger) *Saver {
	return &Saver{
		pool:        pool,
		processor:   processor,
		attachments: attachments,
		folders:     folders,
		log:         logrus.NewEntry(log),
	}
}

// SaveResult reports one folder scan. MessageErrors holds failures that were
// rolled back without stopping the scan.
type SaveResult struct {
	Saved         []string
	MessageErrors []error
}

// SaveThreadEmails ingests every message in folder that the thread has not
// seen before. Messages are deduplicated on their identifier, so rerunning
// on an unchanged folder inserts nothing. A folder already scanned this
// session is skipped entirely unless requestedAt asks for a fresh pass. A
// failing message is rolled back and logged without stopping the rest of
// the folder; the returned error is reserved for failures of the scan
// itself.
func (s *Saver) SaveThreadEmails(ctx context.Context, folder string, thread models.Thread, requestedAt *time.Time) (*SaveResult, error) {
	if !s.processor.NeedsUpdate(folder, requestedAt) {
		s.log.WithField("folder", folder).Debug("folder unchanged since last scan, skipping")
		if err := db.UpsertFolderStatus(ctx, s.pool, folder, threadIDPtr(thread), true, false); err != nil {
			return nil, fmt.Errorf("failed to update folder status for %s: %w", folder, err)
		}
		return &SaveResult{}, nil
	}

	emails, err := s.processor.GetEmails(folder)
	if err != nil {
		return nil, fmt.Errorf("failed to list folder %s: %w", folder, err)
	}

	result := &SaveResult{}
	for _, email := range emails {
		identifier := imap.GenerateFilename(email.Headers, thread.OwnEmail)

		exists, err := db.ThreadEmailExists(ctx, s.pool, thread.ID, identifier)
		if err != nil {
			return result, fmt.Errorf("failed to check for existing email %s: %w", identifier, err)
		}
		if exists {
			continue
		}

		if err := s.saveEmail(ctx, thread, email, identifier); err != nil {
			s.log.WithFields(logrus.Fields{
				"folder":     folder,
				"identifier": identifier,
			}).WithError(err).Error("failed to save email, continuing with next")
			result.MessageErrors = append(result.MessageErrors, fmt.Errorf("email %s: %w", identifier, err))
			continue
		}
		result.Saved = append(result.Saved, identifier)
	}

	if err := db.UpsertFolderStatus(ctx, s.pool, folder, threadIDPtr(thread), true, false); err != nil {
		return result, fmt.Errorf("failed to update folder status for %s: %w", folder, err)
	}
	s.processor.UpdateFolderCache(folder)

	if len(result.Saved) > 0 {
		s.log.WithFields(logrus.Fields{
			"folder": folder,
			"count":  len(result.Saved),
		}).Info("saved new emails")
	}
	return result, nil
}

// saveEmail persists one message and its attachments in a single transaction.
func (s *Saver) saveEmail(ctx context.Context, thread models.Thread, email imap.Email, identifier string) error {
	raw, err := s.processor.RawContent(email.UID)
	if err != nil {
		return fmt.Errorf("failed to fetch message content: %w", err)
	}

	atts, err := s.attachments.ProcessAttachments(email.UID)
	if err != nil {
		return fmt.Errorf("failed to detect attachments: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := &models.ThreadEmail{
		ThreadID:   thread.ID,
		ReceivedAt: email.Headers.Date,
		Direction:  imap.Direction(email.Headers, thread.OwnEmail),
		Content:    raw,
		BodyText:   extractBodyText(raw),
		Headers:    email.Headers,
		Identifier: identifier,
		StatusType: models.StatusUnknown,
		StatusText: unclassifiedEmailStatus,
	}
	emailID, err := db.InsertThreadEmail(ctx, tx, row)
	if err != nil {
		return fmt.Errorf("failed to insert email: %w", err)
	}

	for i, att := range atts {
		content, err := s.attachments.Content(email.UID, att)
		if err != nil {
			return fmt.Errorf("failed to fetch attachment %s (part %s): %w", att.Filename, att.PartNumber(), err)
		}
		attRow := &models.ThreadEmailAttachment{
			EmailID:    emailID,
			Name:       att.Name,
			Filename:   att.Filename,
			Filetype:   att.Filetype,
			Location:   attachmentLocation(identifier, i+1, att.Filetype),
			Content:    content,
			StatusType: models.StatusUnknown,
			StatusText: unclassifiedAttachmentStatus,
		}
		if _, err := db.InsertThreadEmailAttachment(ctx, tx, attRow); err != nil {
			return fmt.Errorf("failed to insert attachment %s: %w", att.Filename, err)
		}
	}

	if err := db.EnsureThreadLabel(ctx, tx, thread.ID, unclassifiedLabel); err != nil {
		return fmt.Errorf("failed to label thread: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// FinishThreadProcessing runs after a thread's folder has been fully
// ingested. An archived thread gets its folder renamed under the archive
// prefix, its status row carried over to the new name, its archived flag
// persisted, and a completion marker on the new folder name.
func (s *Saver) FinishThreadProcessing(ctx context.Context, folder string, thread models.Thread) error {
	if !thread.Archived {
		return nil
	}

	if !strings.HasPrefix(folder, "INBOX.Archive.") {
		if err := s.folders.ArchiveFolder(folder); err != nil {
			return fmt.Errorf("failed to archive folder %s: %w", folder, err)
		}
		oldFolder := folder
		folder = strings.Replace(folder, "INBOX.", "INBOX.Archive.", 1)
		if err := db.RenameFolderStatus(ctx, s.pool, oldFolder, folder); err != nil {
			return fmt.Errorf("failed to move folder status to %s: %w", folder, err)
		}
	}
	if err := db.SetThreadArchived(ctx, s.pool, thread.ID, true); err != nil {
		return fmt.Errorf("failed to persist archived state: %w", err)
	}
	if err := db.UpsertFolderStatus(ctx, s.pool, folder, threadIDPtr(thread), true, false); err != nil {
		return fmt.Errorf("failed to mark folder %s complete: %w", folder, err)
	}
	s.log.WithFields(logrus.Fields{
		"thread": thread.ID,
		"folder": folder,
	}).Info("archived thread folder")
	return nil
}

// extractBodyText pulls a plain-text snapshot out of a raw message for
// search and display. Parse failures are tolerated: the raw content is
// stored regardless, so an empty snapshot loses nothing.
func extractBodyText(raw []byte) string {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	return env.Text
}

// attachmentLocation builds the storage key for an attachment. n is the
// 1-based position among the message's attachments.
func attachmentLocation(identifier string, n int, filetype string) string {
	return fmt.Sprintf("%s - att %d - %s.%s", identifier, n, uuid.NewString(), strings.ToLower(filetype))
}

func threadIDPtr(thread models.Thread) *string {
	if thread.ID == "" {
		return nil
	}
	id := thread.ID
	return &id
}
