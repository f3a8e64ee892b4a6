package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/HNygard/offpost-sub000/internal/config"
	"github.com/HNygard/offpost-sub000/internal/db"
	"github.com/HNygard/offpost-sub000/internal/imap"
	"github.com/HNygard/offpost-sub000/internal/ingest"
	"github.com/HNygard/offpost-sub000/internal/models"
)

// maxFoldersPerRun bounds one invocation; the scheduler runs the binary
// again for the rest.
const maxFoldersPerRun = 10

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.NewConfig()
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if cfg.Environment == "development" {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx := context.Background()
	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer db.CloseConnection(pool)

	transport, err := imap.Dial(cfg.IMAPServer, cfg.IMAPUsername, cfg.IMAPPassword, cfg.IMAPUseTLS, log)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to mail server")
	}
	defer transport.Close()

	if err := run(ctx, cfg, pool, transport, log); err != nil {
		log.WithError(err).Fatal("run failed")
	}
}

// run performs one full cycle: sync thread folders, route the inbox, then
// ingest due folders until none are left or the per-run bound is hit.
func run(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, transport *imap.Transport, log *logrus.Logger) error {
	folders := imap.NewFolderManager(transport, log)
	if err := folders.Initialize(); err != nil {
		return err
	}
	processor := imap.NewProcessor(transport, log)
	attachments := imap.NewAttachmentHandler(transport, log)

	threads, err := db.GetAllThreads(ctx, pool)
	if err != nil {
		return err
	}

	if err := syncThreadFolders(ctx, pool, folders, threads); err != nil {
		return err
	}

	store := ingest.NewDBRoutingStore(pool)
	mover := ingest.NewMover(folders, processor, store, cfg.AdminEmail, cfg.InboxProcessLimit, log)
	routeResult, err := mover.ProcessMailbox(ctx, "INBOX", mover.BuildAddressToFolderMapping(threads))
	if err != nil {
		return err
	}
	if len(routeResult.Unmatched) > 0 {
		log.WithField("addresses", routeResult.Unmatched).Warn("unrouted inbox messages")
	}
	if routeResult.MaxedOut {
		log.Warn("routing pass stopped at the processing cap")
	}

	saver := ingest.NewSaver(pool, processor, attachments, folders, log)
	receiver := ingest.NewReceiver(pool, saver, log)
	for i := 0; i < maxFoldersPerRun; i++ {
		result, err := receiver.ProcessNextFolder(ctx)
		if err != nil {
			log.WithError(err).Error("folder processing failed")
			continue
		}
		if result.FolderName == "" {
			break
		}
		if result.MessageErrors != nil {
			log.WithError(result.MessageErrors).WithField("folder", result.FolderName).Warn("some messages failed")
		}
	}

	warnings, err := db.FolderStatusAnomalies(ctx, pool)
	if err != nil {
		return err
	}
	for _, warning := range warnings {
		log.Warn(warning)
	}

	return nil
}

// syncThreadFolders makes sure every active thread has its folder on the
// server and a status row so the receiver will pick it up. Archived threads
// that still have a live folder get it renamed into the archive namespace.
func syncThreadFolders(ctx context.Context, pool *pgxpool.Pool, folders *imap.FolderManager, threads []models.Thread) error {
	names := []string{"INBOX.Archive"}
	for _, thread := range threads {
		if thread.Archived {
			continue
		}
		names = append(names, ingest.ThreadEmailFolder(thread))
	}
	if err := folders.CreateThreadFolders(names); err != nil {
		return err
	}

	for _, thread := range threads {
		if !thread.Archived {
			continue
		}
		live := thread
		live.Archived = false
		if liveFolder := ingest.ThreadEmailFolder(live); folders.HasFolder(liveFolder) {
			if err := folders.ArchiveFolder(liveFolder); err != nil {
				return err
			}
		}
	}

	for _, thread := range threads {
		if thread.Archived {
			continue
		}
		id := thread.ID
		if err := db.EnsureFolderStatus(ctx, pool, ingest.ThreadEmailFolder(thread), &id); err != nil {
			return err
		}
	}
	return nil
}
