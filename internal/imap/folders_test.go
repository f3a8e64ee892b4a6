package imap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HNygard/offpost-sub000/internal/testutil"
)

func newTestFolderManager(t *testing.T) (*FolderManager, *testutil.IMAPServer) {
	t.Helper()

	server := testutil.NewIMAPServer(t)
	c, cleanup := server.Connect(t)
	t.Cleanup(cleanup)

	m := NewFolderManager(NewTransport(c, testLogger()), testLogger())
	require.NoError(t, m.Initialize())
	return m, server
}

func TestFolderManagerInitialize(t *testing.T) {
	m, _ := newTestFolderManager(t)

	assert.True(t, m.HasFolder("INBOX"))
	assert.Contains(t, m.ExistingFolders(), "INBOX")
}

func TestFolderManagerRequiresInitialize(t *testing.T) {
	m := NewFolderManager(nil, testLogger())

	_, err := m.MoveMessage(1, "INBOX.X")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not initialized")

	err = m.RenameFolder("INBOX.A", "INBOX.B")
	require.Error(t, err)
}

func TestEnsureFolderExists(t *testing.T) {
	m, _ := newTestFolderManager(t)

	folder := "INBOX.Org - Innsynskrav"
	require.NoError(t, m.EnsureFolderExists(folder))
	assert.True(t, m.HasFolder(folder))

	// Second call is a no-op against the tracked set
	require.NoError(t, m.EnsureFolderExists(folder))

	t.Run("matching is case-insensitive", func(t *testing.T) {
		assert.True(t, m.HasFolder("inbox.org - innsynskrav"))
		require.NoError(t, m.EnsureFolderExists("INBOX.ORG - INNSYNSKRAV"))
	})
}

func TestEnsureFolderSubscribed(t *testing.T) {
	m, _ := newTestFolderManager(t)

	folder := "INBOX.Org - Sak"
	require.NoError(t, m.EnsureFolderExists(folder))
	require.NoError(t, m.EnsureFolderSubscribed(folder))
	assert.Contains(t, m.SubscribedFolders(), folder)

	require.NoError(t, m.EnsureFolderSubscribed(folder))
}

func TestCreateThreadFolders(t *testing.T) {
	m, _ := newTestFolderManager(t)

	names := []string{"INBOX.Org - A", "INBOX.Org - B"}
	require.NoError(t, m.CreateThreadFolders(names))

	for _, name := range names {
		assert.True(t, m.HasFolder(name))
		assert.Contains(t, m.SubscribedFolders(), name)
	}
}

func TestFolderManagerMoveMessage(t *testing.T) {
	m, server := newTestFolderManager(t)

	uid := server.AddMessage(t, "INBOX", "<folders-move-1@example.com>",
		"Move", "a@example.com", "b@example.com", time.Now())

	// Target folder does not exist yet; the move creates and subscribes it
	target := "INBOX.Org - Target"
	_, err := m.transport.SelectFolder("INBOX")
	require.NoError(t, err)

	moved, err := m.MoveMessage(uid, target)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.True(t, m.HasFolder(target))
	assert.Contains(t, m.SubscribedFolders(), target)

	_, err = m.transport.SelectFolder(target)
	require.NoError(t, err)
	uids, err := m.transport.SearchAll()
	require.NoError(t, err)
	assert.Len(t, uids, 1)
}

func TestRenameFolder(t *testing.T) {
	m, _ := newTestFolderManager(t)

	require.NoError(t, m.EnsureFolderExists("INBOX.Org - Old"))
	require.NoError(t, m.EnsureFolderSubscribed("INBOX.Org - Old"))

	require.NoError(t, m.RenameFolder("INBOX.Org - Old", "INBOX.Org - New"))

	assert.False(t, m.HasFolder("INBOX.Org - Old"))
	assert.True(t, m.HasFolder("INBOX.Org - New"))
	assert.Contains(t, m.SubscribedFolders(), "INBOX.Org - New")
}

func TestArchiveFolder(t *testing.T) {
	m, _ := newTestFolderManager(t)

	t.Run("renames into the archive namespace", func(t *testing.T) {
		require.NoError(t, m.EnsureFolderExists("INBOX.Org - Done"))
		require.NoError(t, m.ArchiveFolder("INBOX.Org - Done"))

		assert.False(t, m.HasFolder("INBOX.Org - Done"))
		assert.True(t, m.HasFolder("INBOX.Archive.Org - Done"))
	})

	t.Run("already archived folders are left alone", func(t *testing.T) {
		require.NoError(t, m.ArchiveFolder("INBOX.Archive.Org - Done"))
		assert.True(t, m.HasFolder("INBOX.Archive.Org - Done"))
	})
}
