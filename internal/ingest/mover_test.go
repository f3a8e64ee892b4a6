package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HNygard/offpost-sub000/internal/db"
	"github.com/HNygard/offpost-sub000/internal/imap"
	"github.com/HNygard/offpost-sub000/internal/models"
	"github.com/HNygard/offpost-sub000/internal/testutil"
)

const testAdminEmail = "dmarc@offpost.no"

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

type fakeRoutingStore struct {
	mappings map[string]*models.Thread
	errors   []models.RoutingError
}

func newFakeRoutingStore() *fakeRoutingStore {
	return &fakeRoutingStore{mappings: make(map[string]*models.Thread)}
}

func (s *fakeRoutingStore) MappedThread(_ context.Context, emailIdentifier string) (*models.Thread, error) {
	if thread, ok := s.mappings[emailIdentifier]; ok {
		return thread, nil
	}
	return nil, db.ErrMappingNotFound
}

func (s *fakeRoutingStore) EnsureRoutingError(_ context.Context, re models.RoutingError) error {
	for _, existing := range s.errors {
		if existing.EmailIdentifier == re.EmailIdentifier {
			return nil
		}
	}
	s.errors = append(s.errors, re)
	return nil
}

func newTestMover(t *testing.T, store RoutingStore, limit int) (*Mover, *imap.Processor, *testutil.IMAPServer) {
	t.Helper()

	server := testutil.NewIMAPServer(t)
	c, cleanup := server.Connect(t)
	t.Cleanup(cleanup)

	transport := imap.NewTransport(c, testLogger())
	folders := imap.NewFolderManager(transport, testLogger())
	require.NoError(t, folders.Initialize())
	processor := imap.NewProcessor(transport, testLogger())

	server.ClearFolder(t, "INBOX")
	return NewMover(folders, processor, store, testAdminEmail, limit, testLogger()), processor, server
}

func TestBuildAddressToFolderMapping(t *testing.T) {
	mover := NewMover(nil, nil, newFakeRoutingStore(), testAdminEmail, 100, testLogger())

	threads := []models.Thread{
		{EntityID: "oslo", Title: "Sak A", OwnEmail: "post.a@offpost.no"},
		{EntityID: "tromso", Title: "Sak B", OwnEmail: "Post.B@Offpost.no"},
		{EntityID: "bergen", Title: "Gammel sak", OwnEmail: "post.c@offpost.no", Archived: true},
		{EntityID: "admin", Title: "Rapporter", OwnEmail: testAdminEmail},
	}

	mapping := mover.BuildAddressToFolderMapping(threads)

	assert.Equal(t, "INBOX.oslo - Sak-A", mapping["post.a@offpost.no"])
	assert.Equal(t, "INBOX.tromso - Sak-B", mapping["post.b@offpost.no"])
	assert.NotContains(t, mapping, "post.c@offpost.no", "archived threads are not routing targets")
	assert.NotContains(t, mapping, testAdminEmail)
	assert.Len(t, mapping, 2)
}

func TestProcessMailboxIgnoresOtherFolders(t *testing.T) {
	// No server connection at all: any folder except the inbox must be a
	// no-op before the first transport call.
	mover := NewMover(nil, nil, newFakeRoutingStore(), testAdminEmail, 100, testLogger())

	result, err := mover.ProcessMailbox(context.Background(), "INBOX.oslo - Sak-A", nil)
	require.NoError(t, err)
	assert.Zero(t, result.Moved)
	assert.Empty(t, result.Unmatched)
}

func TestProcessMailboxMovesMatchedMessages(t *testing.T) {
	store := newFakeRoutingStore()
	mover, processor, server := newTestMover(t, store, 100)

	thread := models.Thread{EntityID: "oslo", Title: "Sak A", OwnEmail: "post.a@offpost.no"}
	mapping := mover.BuildAddressToFolderMapping([]models.Thread{thread})

	server.AddMessage(t, "INBOX", "<mover-match-1@example.com>",
		"Svar på innsynskrav", "postmottak@kommune.no", "post.a@offpost.no",
		time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC))

	result, err := mover.ProcessMailbox(context.Background(), "INBOX", mapping)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Moved)
	assert.Empty(t, result.Unmatched)
	assert.Empty(t, store.errors)

	// The message landed in the thread folder and left the inbox
	folderEmails, err := processor.GetEmails("INBOX.oslo - Sak-A")
	require.NoError(t, err)
	assert.Len(t, folderEmails, 1)

	inboxEmails, err := processor.GetEmails("INBOX")
	require.NoError(t, err)
	assert.Empty(t, inboxEmails)
}

func TestProcessMailboxManualMappingWins(t *testing.T) {
	store := newFakeRoutingStore()
	mover, processor, server := newTestMover(t, store, 100)

	threadA := models.Thread{EntityID: "oslo", Title: "Sak A", OwnEmail: "post.a@offpost.no"}
	threadB := models.Thread{EntityID: "tromso", Title: "Sak B", OwnEmail: "post.b@offpost.no"}
	mapping := mover.BuildAddressToFolderMapping([]models.Thread{threadA, threadB})

	// The message's addresses match thread A, but the operator mapped the
	// identifier to thread B.
	sentAt := time.Date(2024, 3, 7, 14, 31, 59, 0, time.UTC)
	store.mappings["2024-03-07_143159_IN"] = &threadB

	server.AddMessage(t, "INBOX", "<mover-mapped-1@example.com>",
		"Feilsortert", "postmottak@kommune.no", "post.a@offpost.no", sentAt)

	result, err := mover.ProcessMailbox(context.Background(), "INBOX", mapping)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Moved)

	emails, err := processor.GetEmails("INBOX.tromso - Sak-B")
	require.NoError(t, err)
	assert.Len(t, emails, 1)
}

func TestProcessMailboxLeavesAdminMail(t *testing.T) {
	store := newFakeRoutingStore()
	mover, processor, server := newTestMover(t, store, 100)

	server.AddMessage(t, "INBOX", "<mover-admin-1@example.com>",
		"DMARC aggregate report", testAdminEmail, testAdminEmail, time.Now())

	result, err := mover.ProcessMailbox(context.Background(), "INBOX", map[string]string{})
	require.NoError(t, err)
	assert.Zero(t, result.Moved)
	assert.Empty(t, result.Unmatched)
	assert.Empty(t, store.errors, "administrative mail is not a routing error")

	emails, err := processor.GetEmails("INBOX")
	require.NoError(t, err)
	assert.Len(t, emails, 1)
}

func TestProcessMailboxRecordsUnmatched(t *testing.T) {
	store := newFakeRoutingStore()
	mover, processor, server := newTestMover(t, store, 100)

	server.AddMessage(t, "INBOX", "<mover-unmatched-1@example.com>",
		"Ukjent avsender", "somebody@example.com", "nobody@offpost.no", time.Now())

	result, err := mover.ProcessMailbox(context.Background(), "INBOX", map[string]string{})
	require.NoError(t, err)
	assert.Zero(t, result.Moved)
	assert.ElementsMatch(t, []string{"nobody@offpost.no", "somebody@example.com"}, result.Unmatched)

	require.Len(t, store.errors, 1)
	re := store.errors[0]
	assert.Equal(t, "no_matching_thread", re.ErrorType)
	assert.Equal(t, "Ukjent avsender", re.Subject)
	assert.Equal(t, "INBOX", re.FolderName)

	// The message stays where it is
	emails, err := processor.GetEmails("INBOX")
	require.NoError(t, err)
	assert.Len(t, emails, 1)

	t.Run("second pass does not duplicate the error", func(t *testing.T) {
		_, err := mover.ProcessMailbox(context.Background(), "INBOX", map[string]string{})
		require.NoError(t, err)
		assert.Len(t, store.errors, 1)
	})
}

func TestProcessMailboxHonorsProcessingCap(t *testing.T) {
	store := newFakeRoutingStore()
	mover, _, server := newTestMover(t, store, 1)

	server.AddMessage(t, "INBOX", "<mover-cap-1@example.com>",
		"En", "a@example.com", "x@offpost.no", time.Now())
	server.AddMessage(t, "INBOX", "<mover-cap-2@example.com>",
		"To", "b@example.com", "y@offpost.no", time.Now().Add(time.Minute))

	result, err := mover.ProcessMailbox(context.Background(), "INBOX", map[string]string{})
	require.NoError(t, err)
	assert.True(t, result.MaxedOut)
	require.Len(t, store.errors, 1)
}
