package imap

import (
	"fmt"
	"strings"
	"sync"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"

	"github.com/HNygard/offpost-sub000/internal/models"
)

// Email is one listed message: its UID on the server plus the header
// snapshot. Raw content is fetched separately through the processor so that
// listing a folder stays cheap.
type Email struct {
	UID     uint32
	Headers models.EmailHeaders
}

// Processor lists messages in thread folders and derives per-message
// metadata: direction, the deterministic dedup identifier and the flattened
// address set. It also keeps a per-session cache of when each folder was
// last scanned so unchanged folders can be skipped.
type Processor struct {
	transport *Transport
	log       *logrus.Entry

	mu    sync.Mutex
	cache map[string]time.Time
}

// NewProcessor creates a processor on the given transport.
func NewProcessor(transport *Transport, log *logrus.Logger) *Processor {
	return &Processor{
		transport: transport,
		log:       logrus.NewEntry(log),
		cache:     make(map[string]time.Time),
	}
}

// NeedsUpdate reports whether a folder should be re-scanned: true when it has
// never been scanned, or when since is newer than the cached scan time.
func (p *Processor) NeedsUpdate(folder string, since *time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	lastUpdate, ok := p.cache[folder]
	if !ok {
		return true
	}
	if since == nil {
		return false
	}
	return !lastUpdate.After(*since)
}

// UpdateFolderCache records now as the folder's last scan time.
func (p *Processor) UpdateFolderCache(folder string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[folder] = time.Now()
}

// GetEmails lists every message in the folder, in server order, with header
// snapshots.
func (p *Processor) GetEmails(folder string) ([]Email, error) {
	if _, err := p.transport.SelectFolder(folder); err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", folder, err)
	}

	uids, err := p.transport.SearchAll()
	if err != nil {
		return nil, fmt.Errorf("failed to search folder %s: %w", folder, err)
	}
	if len(uids) == 0 {
		p.log.WithField("folder", folder).Debug("no emails found in folder")
		return []Email{}, nil
	}

	messages, err := p.transport.FetchEnvelopes(uids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch headers in folder %s: %w", folder, err)
	}

	emails := make([]Email, 0, len(messages))
	for _, msg := range messages {
		if msg.Envelope == nil {
			p.log.WithField("uid", msg.Uid).Warn("message without envelope, skipping")
			continue
		}
		emails = append(emails, Email{
			UID:     msg.Uid,
			Headers: headersFromEnvelope(msg.Envelope),
		})
	}

	return emails, nil
}

// RawContent fetches the full raw content of one listed message.
func (p *Processor) RawContent(uid uint32) ([]byte, error) {
	return p.transport.FetchRaw(uid)
}

// headersFromEnvelope converts an IMAP envelope into the typed header
// snapshot. Absent address fields stay nil.
func headersFromEnvelope(env *goimap.Envelope) models.EmailHeaders {
	return models.EmailHeaders{
		Subject: env.Subject,
		Date:    env.Date,
		From:    convertAddresses(env.From),
		Sender:  convertAddresses(env.Sender),
		ReplyTo: convertAddresses(env.ReplyTo),
		To:      convertAddresses(env.To),
		Cc:      convertAddresses(env.Cc),
	}
}

func convertAddresses(addresses []*goimap.Address) []models.EmailAddress {
	if len(addresses) == 0 {
		return nil
	}
	result := make([]models.EmailAddress, 0, len(addresses))
	for _, a := range addresses {
		if a == nil || (a.MailboxName == "" && a.HostName == "") {
			continue
		}
		result = append(result, models.EmailAddress{
			Name:    a.PersonalName,
			Mailbox: a.MailboxName,
			Host:    a.HostName,
		})
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// Direction returns OUT when any sender-type address equals the thread's own
// address, IN otherwise.
func Direction(headers models.EmailHeaders, ownEmail string) models.EmailDirection {
	own := strings.ToLower(ownEmail)
	for _, a := range headers.From {
		if a.Address() == own {
			return models.DirectionOut
		}
	}
	for _, a := range headers.Sender {
		if a.Address() == own {
			return models.DirectionOut
		}
	}
	return models.DirectionIn
}

// GenerateFilename builds the deterministic per-message identifier used as
// the dedup key: receipt timestamp plus direction.
func GenerateFilename(headers models.EmailHeaders, ownEmail string) string {
	return headers.Date.Format("2006-01-02_150405") + "_" + string(Direction(headers, ownEmail))
}

// EmailAddresses flattens every address in the to, from, reply-to, sender and
// cc fields into a deduplicated list of lowercase local@domain strings. Any
// subset of the fields may be absent.
func EmailAddresses(headers models.EmailHeaders) []string {
	seen := make(map[string]bool)
	var addresses []string

	for _, list := range [][]models.EmailAddress{
		headers.To, headers.From, headers.ReplyTo, headers.Sender, headers.Cc,
	} {
		for _, a := range list {
			addr := a.Address()
			if addr == "@" || seen[addr] {
				continue
			}
			seen[addr] = true
			addresses = append(addresses, addr)
		}
	}

	return addresses
}
