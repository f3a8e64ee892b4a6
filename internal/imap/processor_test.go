package imap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HNygard/offpost-sub000/internal/models"
	"github.com/HNygard/offpost-sub000/internal/testutil"
)

func addr(mailbox, host string) models.EmailAddress {
	return models.EmailAddress{Mailbox: mailbox, Host: host}
}

func TestDirection(t *testing.T) {
	own := "post.sak-1@offpost.no"

	tests := []struct {
		name     string
		headers  models.EmailHeaders
		expected models.EmailDirection
	}{
		{
			name: "from own address is outbound",
			headers: models.EmailHeaders{
				From: []models.EmailAddress{addr("post.sak-1", "offpost.no")},
			},
			expected: models.DirectionOut,
		},
		{
			name: "sender own address is outbound",
			headers: models.EmailHeaders{
				From:   []models.EmailAddress{addr("noreply", "example.com")},
				Sender: []models.EmailAddress{addr("post.sak-1", "offpost.no")},
			},
			expected: models.DirectionOut,
		},
		{
			name: "own address only as recipient is inbound",
			headers: models.EmailHeaders{
				From: []models.EmailAddress{addr("postmottak", "kommune.no")},
				To:   []models.EmailAddress{addr("post.sak-1", "offpost.no")},
			},
			expected: models.DirectionIn,
		},
		{
			name: "case differences do not matter",
			headers: models.EmailHeaders{
				From: []models.EmailAddress{addr("Post.Sak-1", "Offpost.NO")},
			},
			expected: models.DirectionOut,
		},
		{
			name:     "no addresses at all is inbound",
			headers:  models.EmailHeaders{},
			expected: models.DirectionIn,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Direction(tt.headers, own))
		})
	}
}

func TestGenerateFilename(t *testing.T) {
	date := time.Date(2024, 3, 7, 14, 31, 59, 0, time.UTC)

	inbound := models.EmailHeaders{
		Date: date,
		From: []models.EmailAddress{addr("postmottak", "kommune.no")},
	}
	assert.Equal(t, "2024-03-07_143159_IN", GenerateFilename(inbound, "post.sak-1@offpost.no"))

	outbound := models.EmailHeaders{
		Date: date,
		From: []models.EmailAddress{addr("post.sak-1", "offpost.no")},
	}
	assert.Equal(t, "2024-03-07_143159_OUT", GenerateFilename(outbound, "post.sak-1@offpost.no"))

	// Same message, same identifier, every time
	assert.Equal(t,
		GenerateFilename(inbound, "post.sak-1@offpost.no"),
		GenerateFilename(inbound, "post.sak-1@offpost.no"))
}

func TestEmailAddresses(t *testing.T) {
	t.Run("collects and deduplicates across fields", func(t *testing.T) {
		headers := models.EmailHeaders{
			From:    []models.EmailAddress{addr("alice", "example.com")},
			To:      []models.EmailAddress{addr("bob", "example.com"), addr("Alice", "Example.com")},
			Cc:      []models.EmailAddress{addr("carol", "example.com")},
			ReplyTo: []models.EmailAddress{addr("alice", "example.com")},
		}

		addresses := EmailAddresses(headers)
		assert.Equal(t, []string{
			"bob@example.com",
			"alice@example.com",
			"carol@example.com",
		}, addresses)
	})

	t.Run("absent fields are fine", func(t *testing.T) {
		headers := models.EmailHeaders{
			From: []models.EmailAddress{addr("alice", "example.com")},
		}
		assert.Equal(t, []string{"alice@example.com"}, EmailAddresses(headers))

		assert.Empty(t, EmailAddresses(models.EmailHeaders{}))
	})
}

func TestNeedsUpdate(t *testing.T) {
	p := NewProcessor(nil, testLogger())

	t.Run("unknown folder needs update", func(t *testing.T) {
		assert.True(t, p.NeedsUpdate("INBOX.new", nil))
	})

	t.Run("cached folder without a reference time does not", func(t *testing.T) {
		p.UpdateFolderCache("INBOX.cached")
		assert.False(t, p.NeedsUpdate("INBOX.cached", nil))
	})

	t.Run("cached folder with newer reference time does", func(t *testing.T) {
		p.UpdateFolderCache("INBOX.stale")
		future := time.Now().Add(time.Hour)
		assert.True(t, p.NeedsUpdate("INBOX.stale", &future))
	})

	t.Run("cached folder with older reference time does not", func(t *testing.T) {
		past := time.Now().Add(-time.Hour)
		p.UpdateFolderCache("INBOX.fresh")
		assert.False(t, p.NeedsUpdate("INBOX.fresh", &past))
	})
}

func TestGetEmails(t *testing.T) {
	server := testutil.NewIMAPServer(t)

	c, cleanup := server.Connect(t)
	t.Cleanup(cleanup)
	transport := NewTransport(c, testLogger())
	p := NewProcessor(transport, testLogger())

	server.ClearFolder(t, "INBOX")
	sentAt := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	server.AddMessage(t, "INBOX", "<processor-test-1@example.com>",
		"Innsynskrav", "postmottak@kommune.no", "post.sak-1@offpost.no", sentAt)

	emails, err := p.GetEmails("INBOX")
	require.NoError(t, err)
	require.Len(t, emails, 1)

	headers := emails[0].Headers
	assert.Equal(t, "Innsynskrav", headers.Subject)
	require.Len(t, headers.From, 1)
	assert.Equal(t, "postmottak@kommune.no", headers.From[0].Address())
	require.Len(t, headers.To, 1)
	assert.Equal(t, "post.sak-1@offpost.no", headers.To[0].Address())
	assert.True(t, sentAt.Equal(headers.Date), "expected %v, got %v", sentAt, headers.Date)

	raw, err := p.RawContent(emails[0].UID)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Test message body.")
}
