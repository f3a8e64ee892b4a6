package imap

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

const archivePrefix = "INBOX.Archive."

// FolderManager tracks which folders exist and which are subscribed on one
// open session, so repeated ensure calls don't hit the server. Folder names
// are compared case-insensitively, the way IMAP servers treat them. One
// FolderManager is owned by exactly one session; it is not safe for use from
// multiple goroutines.
type FolderManager struct {
	transport         *Transport
	existingFolders   map[string]string // lowercased name -> name as listed
	subscribedFolders map[string]string
	initialized       bool
	log               *logrus.Entry
}

// NewFolderManager creates a folder manager for the given transport.
func NewFolderManager(transport *Transport, log *logrus.Logger) *FolderManager {
	return &FolderManager{
		transport:         transport,
		existingFolders:   make(map[string]string),
		subscribedFolders: make(map[string]string),
		log:               logrus.NewEntry(log),
	}
}

// Initialize refreshes the existing and subscribed folder sets from the
// server. Must be called before any ensure/move/rename operation.
func (m *FolderManager) Initialize() error {
	existing, err := m.transport.ListFolders()
	if err != nil {
		return fmt.Errorf("failed to list folders: %w", err)
	}

	subscribed, err := m.transport.ListSubscribedFolders()
	if err != nil {
		return fmt.Errorf("failed to list subscribed folders: %w", err)
	}

	m.existingFolders = make(map[string]string, len(existing))
	for _, name := range existing {
		m.existingFolders[strings.ToLower(name)] = name
	}
	m.subscribedFolders = make(map[string]string, len(subscribed))
	for _, name := range subscribed {
		m.subscribedFolders[strings.ToLower(name)] = name
	}
	m.initialized = true

	return nil
}

// ExistingFolders returns the tracked folder names.
func (m *FolderManager) ExistingFolders() []string {
	folders := make([]string, 0, len(m.existingFolders))
	for _, name := range m.existingFolders {
		folders = append(folders, name)
	}
	return folders
}

// SubscribedFolders returns the tracked subscribed folder names.
func (m *FolderManager) SubscribedFolders() []string {
	folders := make([]string, 0, len(m.subscribedFolders))
	for _, name := range m.subscribedFolders {
		folders = append(folders, name)
	}
	return folders
}

// HasFolder reports whether a folder exists, case-insensitively.
func (m *FolderManager) HasFolder(name string) bool {
	_, ok := m.existingFolders[strings.ToLower(name)]
	return ok
}

// EnsureFolderExists creates the folder unless it is already tracked.
func (m *FolderManager) EnsureFolderExists(name string) error {
	if m.HasFolder(name) {
		return nil
	}

	m.log.WithField("folder", name).Info("creating folder")
	if err := m.transport.CreateFolder(name); err != nil {
		return fmt.Errorf("failed to create folder %s: %w", name, err)
	}
	m.existingFolders[strings.ToLower(name)] = name

	return nil
}

// EnsureFolderSubscribed subscribes to the folder unless already subscribed.
func (m *FolderManager) EnsureFolderSubscribed(name string) error {
	if _, ok := m.subscribedFolders[strings.ToLower(name)]; ok {
		return nil
	}

	m.log.WithField("folder", name).Info("subscribing to folder")
	if err := m.transport.SubscribeFolder(name); err != nil {
		return fmt.Errorf("failed to subscribe to folder %s: %w", name, err)
	}
	m.subscribedFolders[strings.ToLower(name)] = name

	return nil
}

// CreateThreadFolders ensures existence and subscription for a batch of
// folders, used when threads are created.
func (m *FolderManager) CreateThreadFolders(names []string) error {
	for _, name := range names {
		if err := m.EnsureFolderExists(name); err != nil {
			return err
		}
		if err := m.EnsureFolderSubscribed(name); err != nil {
			return err
		}
	}
	return nil
}

// MoveMessage moves a message by UID into the target folder, creating and
// subscribing the folder first if needed. Returns moved=false when the
// message was already expunged.
func (m *FolderManager) MoveMessage(uid uint32, targetFolder string) (bool, error) {
	if !m.initialized {
		return false, fmt.Errorf("no active connection: folder manager not initialized")
	}

	if err := m.EnsureFolderExists(targetFolder); err != nil {
		return false, err
	}
	if err := m.EnsureFolderSubscribed(targetFolder); err != nil {
		return false, err
	}

	return m.transport.MoveMessage(uid, targetFolder)
}

// RenameFolder renames a folder and updates both tracked sets.
func (m *FolderManager) RenameFolder(oldName, newName string) error {
	if !m.initialized {
		return fmt.Errorf("no active connection: folder manager not initialized")
	}

	if err := m.transport.RenameFolder(oldName, newName); err != nil {
		return fmt.Errorf("failed to rename folder %s to %s: %w", oldName, newName, err)
	}

	oldKey := strings.ToLower(oldName)
	if _, ok := m.existingFolders[oldKey]; ok {
		delete(m.existingFolders, oldKey)
		m.existingFolders[strings.ToLower(newName)] = newName
	}
	if _, ok := m.subscribedFolders[oldKey]; ok {
		delete(m.subscribedFolders, oldKey)
		m.subscribedFolders[strings.ToLower(newName)] = newName
	}

	return nil
}

// ArchiveFolder renames a live thread folder into the archive namespace:
// INBOX.x becomes INBOX.Archive.x. Folders already under the archive
// namespace are left alone.
func (m *FolderManager) ArchiveFolder(name string) error {
	if strings.HasPrefix(name, archivePrefix) {
		return nil
	}

	archivedName := strings.Replace(name, "INBOX.", archivePrefix, 1)
	return m.RenameFolder(name, archivedName)
}
