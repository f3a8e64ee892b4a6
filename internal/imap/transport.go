package imap

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

// ErrorKind classifies a transport failure. Errors are translated exactly
// once, at the point they come back from the IMAP client, so retry and skip
// decisions are a match on Kind rather than repeated substring scans.
type ErrorKind int

const (
	// KindOther is any failure not covered by a more specific kind.
	KindOther ErrorKind = iota
	// KindConnection is a transient connection failure worth retrying.
	KindConnection
	// KindMessageGone means the target message was already expunged.
	KindMessageGone
	// KindAuth is an authentication failure. Never retried.
	KindAuth
	// KindNoMailbox means the referenced mailbox does not exist. Never retried.
	KindNoMailbox
)

// TransportError wraps an error from the IMAP client with the operation name
// and its classified kind.
type TransportError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("imap %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

const (
	maxAttempts    = 5
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
)

// Transient connection failures seen in production. Anything else propagates
// on the first attempt.
var connectionPatterns = []string{
	"connection closed",
	"connection broken",
	"connection lost",
	"broken pipe",
	"use of closed network connection",
	"short write",
	"unexpected eof",
	"i/o timeout",
}

var messageGonePatterns = []string{
	"expungeissued",
	"no matching messages",
	"message no longer exists",
}

var authPatterns = []string{
	"authentication failed",
	"invalid credentials",
	"login failed",
}

var noMailboxPatterns = []string{
	"mailbox not found",
	"no such mailbox",
	"mailbox doesn't exist",
	"unknown mailbox",
}

func matchesAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// classify translates an IMAP client error into a TransportError.
func classify(op string, err error) *TransportError {
	if terr, ok := err.(*TransportError); ok {
		return terr
	}

	kind := KindOther
	msg := strings.ToLower(err.Error())
	switch {
	case matchesAny(msg, messageGonePatterns):
		kind = KindMessageGone
	case matchesAny(msg, authPatterns):
		kind = KindAuth
	case matchesAny(msg, noMailboxPatterns):
		kind = KindNoMailbox
	case matchesAny(msg, connectionPatterns):
		kind = KindConnection
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = KindConnection
		}
	}

	return &TransportError{Op: op, Kind: kind, Err: err}
}

func retryDelay(attempt int) time.Duration {
	delay := retryBaseDelay << (attempt - 1)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// withRetry runs fn up to maxAttempts times, retrying only classified
// connection failures with exponential backoff. The final error is always a
// *TransportError.
func withRetry(log *logrus.Entry, op string, fn func() error) error {
	var lastErr *TransportError

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				log.WithFields(logrus.Fields{"op": op, "attempt": attempt}).
					Warn("IMAP operation succeeded after retry")
			}
			return nil
		}

		lastErr = classify(op, err)
		if lastErr.Kind != KindConnection || attempt == maxAttempts {
			return lastErr
		}

		delay := retryDelay(attempt)
		log.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"delay":   delay,
			"error":   lastErr.Err,
		}).Warn("IMAP retry")
		time.Sleep(delay)
	}

	return lastErr
}

// Transport wraps the primitive IMAP operations of one open session with
// bounded retry for transient connection errors. It holds no mutable state
// beyond the underlying client; attempt counters are local to each call.
type Transport struct {
	c   *client.Client
	log *logrus.Entry
}

// NewTransport wraps an already-connected IMAP client.
func NewTransport(c *client.Client, log *logrus.Logger) *Transport {
	return &Transport{c: c, log: logrus.NewEntry(log)}
}

// Dial connects to the IMAP server and logs in, retrying transient dial
// failures. Authentication failures are never retried.
func Dial(server, username, password string, useTLS bool, log *logrus.Logger) (*Transport, error) {
	entry := logrus.NewEntry(log)

	var c *client.Client
	err := withRetry(entry, "open", func() error {
		dialer := &net.Dialer{Timeout: 5 * time.Second}

		var err error
		if useTLS {
			c, err = client.DialWithDialerTLS(dialer, server, nil)
		} else {
			c, err = client.DialWithDialer(dialer, server)
		}
		if err != nil {
			return fmt.Errorf("failed to dial: %w", err)
		}

		if err := c.Login(username, password); err != nil {
			_ = c.Logout()
			return fmt.Errorf("failed to authenticate: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Transport{c: c, log: entry}, nil
}

// Close logs out of the session. Errors during logout are logged, not
// returned, since the session is being torn down anyway.
func (t *Transport) Close() {
	if err := t.c.Logout(); err != nil {
		t.log.WithError(err).Debug("IMAP logout failed")
	}
}

// SelectFolder opens a folder for the following message operations.
func (t *Transport) SelectFolder(name string) (*imap.MailboxStatus, error) {
	t.log.WithField("folder", name).Debug("IMAP select")

	var status *imap.MailboxStatus
	err := withRetry(t.log, "select", func() error {
		var err error
		status, err = t.c.Select(name, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// SearchAll returns the UIDs of every message in the selected folder, in
// server order.
func (t *Transport) SearchAll() ([]uint32, error) {
	t.log.Debug("IMAP search ALL")

	var uids []uint32
	err := withRetry(t.log, "search", func() error {
		var err error
		uids, err = t.c.UidSearch(imap.NewSearchCriteria())
		return err
	})
	if err != nil {
		return nil, err
	}
	return uids, nil
}

// FetchEnvelopes fetches envelope and internal date for the given UIDs.
func (t *Transport) FetchEnvelopes(uids []uint32) ([]*imap.Message, error) {
	if len(uids) == 0 {
		return []*imap.Message{}, nil
	}
	t.log.WithField("count", len(uids)).Debug("IMAP fetch envelopes")

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid}

	var result []*imap.Message
	err := withRetry(t.log, "fetch header", func() error {
		messages := make(chan *imap.Message, len(uids))
		done := make(chan error, 1)
		go func() {
			done <- t.c.UidFetch(seqSet, items, messages)
		}()

		var fetched []*imap.Message
		for msg := range messages {
			fetched = append(fetched, msg)
		}
		if err := <-done; err != nil {
			return err
		}
		result = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FetchBodyStructure fetches the MIME part tree of one message.
func (t *Transport) FetchBodyStructure(uid uint32) (*imap.BodyStructure, error) {
	t.log.WithField("uid", uid).Debug("IMAP fetch structure")

	var structure *imap.BodyStructure
	err := withRetry(t.log, "fetch structure", func() error {
		msg, err := t.fetchOne(uid, []imap.FetchItem{imap.FetchBodyStructure, imap.FetchUid})
		if err != nil {
			return err
		}
		if msg.BodyStructure == nil {
			return fmt.Errorf("no body information available for uid %d", uid)
		}
		structure = msg.BodyStructure
		return nil
	})
	if err != nil {
		return nil, err
	}
	return structure, nil
}

// FetchRaw fetches the full raw RFC 822 content of one message.
func (t *Transport) FetchRaw(uid uint32) ([]byte, error) {
	t.log.WithField("uid", uid).Debug("IMAP fetch raw")
	return t.fetchSection(uid, &imap.BodySectionName{Peek: true}, "fetch body")
}

// FetchPart fetches the raw (still transfer-encoded) content of the body
// part at the given path. The path must be exactly the one reported during
// attachment detection.
func (t *Transport) FetchPart(uid uint32, path []int) ([]byte, error) {
	t.log.WithFields(logrus.Fields{"uid": uid, "part": path}).Debug("IMAP fetch part")

	section := &imap.BodySectionName{Peek: true}
	section.Path = path
	return t.fetchSection(uid, section, "fetch part")
}

func (t *Transport) fetchSection(uid uint32, section *imap.BodySectionName, op string) ([]byte, error) {
	var content []byte
	err := withRetry(t.log, op, func() error {
		msg, err := t.fetchOne(uid, []imap.FetchItem{section.FetchItem(), imap.FetchUid})
		if err != nil {
			return err
		}
		body := msg.GetBody(section)
		if body == nil {
			return fmt.Errorf("no body information available for uid %d", uid)
		}
		data, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		content = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

func (t *Transport) fetchOne(uid uint32, items []imap.FetchItem) (*imap.Message, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- t.c.UidFetch(seqSet, items, messages)
	}()

	msg := <-messages
	if err := <-done; err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("message no longer exists: uid %d", uid)
	}
	return msg, nil
}

// MoveMessage moves one message to another folder. When the message is
// already gone (expunged under us) the move reports moved=false with no
// error: the message is gone, not broken. Servers that advertise MOVE but
// reject the command get the copy, flag and expunge fallback.
func (t *Transport) MoveMessage(uid uint32, targetFolder string) (bool, error) {
	t.log.WithFields(logrus.Fields{"uid": uid, "folder": targetFolder}).Debug("IMAP move")

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	err := withRetry(t.log, "move", func() error {
		return t.c.UidMove(seqSet, targetFolder)
	})
	if err != nil {
		var terr *TransportError
		if errors.As(err, &terr) {
			if terr.Kind == KindMessageGone {
				t.log.WithField("uid", uid).Info("message already expunged, not moved")
				return false, nil
			}
			if isMoveUnsupported(terr.Err) {
				t.log.WithField("uid", uid).Debug("MOVE rejected by server, falling back to copy and expunge")
				return t.copyAndExpunge(uid, targetFolder)
			}
		}
		return false, err
	}
	return true, nil
}

func isMoveUnsupported(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "move extension not supported")
}

// copyAndExpunge is the pre-MOVE way to relocate a message: copy to the
// target, flag the original deleted, expunge the selected folder.
func (t *Transport) copyAndExpunge(uid uint32, targetFolder string) (bool, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	err := withRetry(t.log, "copy", func() error {
		return t.c.UidCopy(seqSet, targetFolder)
	})
	if err != nil {
		var terr *TransportError
		if errors.As(err, &terr) && terr.Kind == KindMessageGone {
			t.log.WithField("uid", uid).Info("message already expunged, not moved")
			return false, nil
		}
		return false, err
	}

	err = withRetry(t.log, "store", func() error {
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		return t.c.UidStore(seqSet, item, []interface{}{imap.DeletedFlag}, nil)
	})
	if err != nil {
		return false, err
	}

	err = withRetry(t.log, "expunge", func() error {
		return t.c.Expunge(nil)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListFolders lists all folder names on the server.
func (t *Transport) ListFolders() ([]string, error) {
	t.log.Debug("IMAP list")
	return t.listFolders("list", t.c.List)
}

// ListSubscribedFolders lists the subscribed folder names.
func (t *Transport) ListSubscribedFolders() ([]string, error) {
	t.log.Debug("IMAP lsub")
	return t.listFolders("lsub", t.c.Lsub)
}

func (t *Transport) listFolders(op string, list func(ref, name string, ch chan *imap.MailboxInfo) error) ([]string, error) {
	var folders []string
	err := withRetry(t.log, op, func() error {
		mailboxes := make(chan *imap.MailboxInfo, 10)
		done := make(chan error, 1)
		go func() {
			done <- list("", "*", mailboxes)
		}()

		var names []string
		for m := range mailboxes {
			names = append(names, m.Name)
		}
		if err := <-done; err != nil {
			return err
		}
		folders = names
		return nil
	})
	if err != nil {
		return nil, err
	}
	return folders, nil
}

// CreateFolder creates a new folder.
func (t *Transport) CreateFolder(name string) error {
	t.log.WithField("folder", name).Debug("IMAP create")
	return withRetry(t.log, "create", func() error {
		return t.c.Create(name)
	})
}

// SubscribeFolder subscribes to a folder.
func (t *Transport) SubscribeFolder(name string) error {
	t.log.WithField("folder", name).Debug("IMAP subscribe")
	return withRetry(t.log, "subscribe", func() error {
		return t.c.Subscribe(name)
	})
}

// RenameFolder renames a folder.
func (t *Transport) RenameFolder(oldName, newName string) error {
	t.log.WithFields(logrus.Fields{"from": oldName, "to": newName}).Debug("IMAP rename")
	return withRetry(t.log, "rename", func() error {
		return t.c.Rename(oldName, newName)
	})
}
