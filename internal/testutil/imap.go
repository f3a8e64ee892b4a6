package testutil

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// IMAPServer is an in-memory IMAP server for tests. The memory backend
// ships with one account, username "username" / password "password".
type IMAPServer struct {
	Server  *server.Server
	Address string
	Backend *memory.Backend
	cleanup func()
}

// NewIMAPServer starts an IMAP server on a random local port and registers
// shutdown on test cleanup.
func NewIMAPServer(t *testing.T) *IMAPServer {
	t.Helper()

	be := memory.New()
	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("IMAP server error: %v", err)
		}
	}()

	// Give the server time to start accepting
	time.Sleep(100 * time.Millisecond)

	srv := &IMAPServer{
		Server:  s,
		Address: listener.Addr().String(),
		Backend: be,
		cleanup: func() { _ = s.Close() },
	}
	t.Cleanup(srv.Close)
	return srv
}

// Close shuts the server down. Safe to call more than once.
func (s *IMAPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

// Username returns the backend's default account name.
func (s *IMAPServer) Username() string { return "username" }

// Password returns the backend's default account password.
func (s *IMAPServer) Password() string { return "password" }

// Connect opens a logged-in client connection to the test server.
func (s *IMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	c, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}
	if err := c.Login(s.Username(), s.Password()); err != nil {
		_ = c.Logout()
		t.Fatalf("Failed to login: %v", err)
	}
	return c, func() { _ = c.Logout() }
}

// EnsureFolder creates the folder if the backend does not already have it.
func (s *IMAPServer) EnsureFolder(t *testing.T, name string) {
	t.Helper()

	c, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := c.Select(name, false); err != nil {
		if err := c.Create(name); err != nil {
			t.Fatalf("Failed to create folder %s: %v", name, err)
		}
	}
}

// ClearFolder deletes every message in a folder. The memory backend seeds
// INBOX with a sample message; tests that assert on folder contents clear it
// first.
func (s *IMAPServer) ClearFolder(t *testing.T, name string) {
	t.Helper()

	c, cleanup := s.Connect(t)
	defer cleanup()

	status, err := c.Select(name, false)
	if err != nil {
		t.Fatalf("Failed to select folder %s: %v", name, err)
	}
	if status.Messages == 0 {
		return
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, status.Messages)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.Store(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		t.Fatalf("Failed to flag messages deleted: %v", err)
	}
	if err := c.Expunge(nil); err != nil {
		t.Fatalf("Failed to expunge folder %s: %v", name, err)
	}
}

// AppendRaw appends a complete RFC 822 message to a folder and returns its
// UID. The message must carry a Message-ID header so the UID can be looked
// up after the append.
func (s *IMAPServer) AppendRaw(t *testing.T, folderName, messageID, raw string) uint32 {
	t.Helper()

	c, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := c.Select(folderName, false); err != nil {
		t.Fatalf("Failed to select folder %s: %v", folderName, err)
	}

	flags := []string{imap.SeenFlag}
	if err := c.Append(folderName, flags, time.Now(), strings.NewReader(raw)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-ID", messageID)
	uids, err := c.UidSearch(criteria)
	if err != nil {
		t.Fatalf("Failed to search for message: %v", err)
	}
	if len(uids) == 0 {
		t.Fatalf("Message not found after append")
	}
	return uids[0]
}

// AddMessage appends a simple plain-text message and returns its UID.
func (s *IMAPServer) AddMessage(t *testing.T, folderName, messageID, subject, from, to string, sentAt time.Time) uint32 {
	t.Helper()

	raw := fmt.Sprintf(`Message-ID: %s
Date: %s
From: %s
To: %s
Subject: %s
Content-Type: text/plain; charset=utf-8

Test message body.
`, messageID, sentAt.Format(time.RFC1123Z), from, to, subject)

	return s.AppendRaw(t, folderName, messageID, raw)
}
