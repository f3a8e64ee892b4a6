package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/HNygard/offpost-sub000/internal/db"
	"github.com/HNygard/offpost-sub000/internal/imap"
	"github.com/HNygard/offpost-sub000/internal/models"
)

const inboxFolder = "INBOX"

// RoutingStore is the slice of storage the mover needs: manual overrides in
// and routing errors out.
type RoutingStore interface {
	// MappedThread resolves a manual address mapping for a message
	// identifier. Returns db.ErrMappingNotFound when no mapping exists.
	MappedThread(ctx context.Context, emailIdentifier string) (*models.Thread, error)
	// EnsureRoutingError records a routing failure, idempotently per
	// message identifier.
	EnsureRoutingError(ctx context.Context, re models.RoutingError) error
}

// DBRoutingStore backs RoutingStore with the db package.
type DBRoutingStore struct {
	pool *pgxpool.Pool
}

func NewDBRoutingStore(pool *pgxpool.Pool) *DBRoutingStore {
	return &DBRoutingStore{pool: pool}
}

func (s *DBRoutingStore) MappedThread(ctx context.Context, emailIdentifier string) (*models.Thread, error) {
	return db.GetMappedThread(ctx, s.pool, emailIdentifier)
}

func (s *DBRoutingStore) EnsureRoutingError(ctx context.Context, re models.RoutingError) error {
	return db.EnsureRoutingError(ctx, s.pool, re)
}

// RouteResult summarizes one routing pass over the inbox.
type RouteResult struct {
	// Unmatched lists the addresses of messages no thread claimed.
	Unmatched []string
	// Moved counts messages relocated into thread folders.
	Moved int
	// MaxedOut is set when the pass stopped at the processing cap with
	// messages still unrouted.
	MaxedOut bool
}

// Mover routes inbox messages to their thread folders. A manual address
// mapping always wins over address matching; messages nobody claims stay in
// the inbox and get a routing error row for the operator.
type Mover struct {
	folders    *imap.FolderManager
	processor  *imap.Processor
	store      RoutingStore
	adminEmail string
	limit      int
	log        *logrus.Entry
}

// NewMover creates a mover. adminEmail is the administrative address that is
// intentionally left unrouted; limit caps messages per pass.
func NewMover(folders *imap.FolderManager, processor *imap.Processor, store RoutingStore, adminEmail string, limit int, log *logrus.Logger) *Mover {
	return &Mover{
		folders:    folders,
		processor:  processor,
		store:      store,
		adminEmail: strings.ToLower(adminEmail),
		limit:      limit,
		log:        logrus.NewEntry(log),
	}
}

// BuildAddressToFolderMapping maps each active thread's own address to its
// canonical folder. Archived threads are skipped (their folders are not
// routing targets) and so is the administrative address, which must stay in
// the inbox.
func (m *Mover) BuildAddressToFolderMapping(threads []models.Thread) map[string]string {
	addressToFolder := make(map[string]string)
	for _, thread := range threads {
		if thread.Archived {
			continue
		}
		address := strings.ToLower(thread.OwnEmail)
		if address == m.adminEmail {
			continue
		}
		addressToFolder[address] = ThreadEmailFolder(thread)
	}
	return addressToFolder
}

// ProcessMailbox routes every message in the inbox. Called with any other
// folder it does nothing: messages already filed into a thread folder are
// never re-moved.
func (m *Mover) ProcessMailbox(ctx context.Context, folderName string, addressToFolder map[string]string) (*RouteResult, error) {
	result := &RouteResult{}
	if folderName != inboxFolder {
		return result, nil
	}

	emails, err := m.processor.GetEmails(folderName)
	if err != nil {
		return nil, fmt.Errorf("failed to list inbox: %w", err)
	}

	unmatchedSeen := make(map[string]bool)
	for i, email := range emails {
		if i >= m.limit {
			result.MaxedOut = true
			m.log.WithField("limit", m.limit).Warn("routing pass hit processing cap")
			break
		}

		moved, unmatched, err := m.routeEmail(ctx, email, addressToFolder)
		if err != nil {
			return nil, err
		}
		if moved {
			result.Moved++
		}
		for _, address := range unmatched {
			if !unmatchedSeen[address] {
				unmatchedSeen[address] = true
				result.Unmatched = append(result.Unmatched, address)
			}
		}
	}

	return result, nil
}

// routeEmail places one inbox message. Precedence: manual mapping, then
// address match, then the administrative address stays put, then a routing
// error is recorded.
func (m *Mover) routeEmail(ctx context.Context, email imap.Email, addressToFolder map[string]string) (moved bool, unmatched []string, err error) {
	identifier := imap.GenerateFilename(email.Headers, "")

	mappedThread, err := m.store.MappedThread(ctx, identifier)
	if err != nil && !errors.Is(err, db.ErrMappingNotFound) {
		return false, nil, fmt.Errorf("failed to look up mapping for %s: %w", identifier, err)
	}
	if mappedThread != nil {
		// Manual mapping wins unconditionally, even when the addresses
		// would have matched a different thread.
		targetFolder := ThreadEmailFolder(*mappedThread)
		moved, err := m.folders.MoveMessage(email.UID, targetFolder)
		if err != nil {
			return false, nil, fmt.Errorf("failed to move mapped message %s: %w", identifier, err)
		}
		m.log.WithFields(logrus.Fields{
			"identifier": identifier,
			"folder":     targetFolder,
		}).Info("moved message via manual mapping")
		return moved, nil, nil
	}

	addresses := imap.EmailAddresses(email.Headers)
	for _, address := range addresses {
		targetFolder, ok := addressToFolder[address]
		if !ok {
			continue
		}
		moved, err := m.folders.MoveMessage(email.UID, targetFolder)
		if err != nil {
			return false, nil, fmt.Errorf("failed to move message %s: %w", identifier, err)
		}
		m.log.WithFields(logrus.Fields{
			"identifier": identifier,
			"address":    address,
			"folder":     targetFolder,
		}).Info("moved message to thread folder")
		return moved, nil, nil
	}

	if m.isAdminOnly(addresses) {
		// DMARC and other administrative reports stay in the inbox on
		// purpose. An explicit no-op move.
		m.log.WithField("identifier", identifier).Debug("administrative message left in inbox")
		return false, nil, nil
	}

	re := models.RoutingError{
		EmailIdentifier: identifier,
		Subject:         email.Headers.Subject,
		Addresses:       strings.Join(addresses, ", "),
		ErrorType:       "no_matching_thread",
		Message:         "No matching thread found for email(s): " + strings.Join(addresses, ", "),
		FolderName:      inboxFolder,
	}
	if err := m.store.EnsureRoutingError(ctx, re); err != nil {
		return false, nil, fmt.Errorf("failed to record routing error for %s: %w", identifier, err)
	}
	m.log.WithFields(logrus.Fields{
		"identifier": identifier,
		"addresses":  addresses,
	}).Warn("no matching thread for inbox message")

	return false, addresses, nil
}

func (m *Mover) isAdminOnly(addresses []string) bool {
	if len(addresses) == 0 {
		return false
	}
	for _, address := range addresses {
		if address != m.adminEmail {
			return false
		}
	}
	return true
}
