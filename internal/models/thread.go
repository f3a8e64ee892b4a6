package models

import (
	"strings"
	"time"
)

// EmailDirection indicates whether an email was received by or sent from a
// thread's own address.
type EmailDirection string

const (
	DirectionIn  EmailDirection = "IN"
	DirectionOut EmailDirection = "OUT"
)

// StatusType is the classification status of an email or attachment.
// Newly ingested rows always start as StatusUnknown; classification happens
// downstream.
type StatusType string

const (
	StatusUnknown StatusType = "unknown"
	StatusInfo    StatusType = "info"
	StatusSuccess StatusType = "success"
	StatusDanger  StatusType = "danger"
)

// SendingStatus is the outbound sending state of a thread.
type SendingStatus string

const (
	SendingStatusStaging SendingStatus = "STAGING"
	SendingStatusReady   SendingStatus = "READY_FOR_SENDING"
	SendingStatusSending SendingStatus = "SENDING"
	SendingStatusSent    SendingStatus = "SENT"
	SendingStatusUnknown SendingStatus = "UNKNOWN"
)

// Thread is one correspondence thread between a requester and an entity.
// Each thread owns a dedicated address and a dedicated IMAP folder.
type Thread struct {
	ID            string        `json:"id"`
	EntityID      string        `json:"entity_id"`
	Title         string        `json:"title"`
	OwnEmail      string        `json:"my_email"`
	Archived      bool          `json:"archived"`
	Labels        []string      `json:"labels,omitempty"`
	SendingStatus SendingStatus `json:"sending_status"`
}

// EmailAddress is one parsed address from an email header.
type EmailAddress struct {
	Name    string `json:"name,omitempty"`
	Mailbox string `json:"mailbox"`
	Host    string `json:"host"`
}

// Address returns the lowercased local@domain form.
func (a EmailAddress) Address() string {
	return strings.ToLower(a.Mailbox + "@" + a.Host)
}

// EmailHeaders is the header snapshot taken when a message is listed.
// Every address-bearing field may be nil; "field absent" is a nil slice,
// not a missing key.
type EmailHeaders struct {
	Subject string         `json:"subject"`
	Date    time.Time      `json:"date"`
	From    []EmailAddress `json:"from,omitempty"`
	Sender  []EmailAddress `json:"sender,omitempty"`
	ReplyTo []EmailAddress `json:"reply_to,omitempty"`
	To      []EmailAddress `json:"to,omitempty"`
	Cc      []EmailAddress `json:"cc,omitempty"`
}

// ThreadEmail is one ingested message belonging to a thread.
// Identifier (id_old in storage) is the dedup key derived from the receipt
// timestamp and direction.
type ThreadEmail struct {
	ID         string         `json:"id"`
	ThreadID   string         `json:"thread_id"`
	ReceivedAt time.Time      `json:"datetime_received"`
	Direction  EmailDirection `json:"email_type"`
	Content    []byte         `json:"-"`
	BodyText   string         `json:"body_text,omitempty"`
	Headers    EmailHeaders   `json:"imap_headers"`
	Identifier string         `json:"id_old"`
	StatusType StatusType     `json:"status_type"`
	StatusText string         `json:"status_text"`
}

// ThreadEmailAttachment is one attachment extracted from a thread email.
// Ordering relative to siblings matches MIME part order.
type ThreadEmailAttachment struct {
	ID         string     `json:"id"`
	EmailID    string     `json:"email_id"`
	Name       string     `json:"name"`
	Filename   string     `json:"filename"`
	Filetype   string     `json:"filetype"`
	Location   string     `json:"location"`
	Content    []byte     `json:"-"`
	StatusType StatusType `json:"status_type"`
	StatusText string     `json:"status_text"`
}

// FolderStatus tracks when an IMAP folder was last scanned. Exactly one row
// should exist per (folder, thread); duplicates are an integrity anomaly.
type FolderStatus struct {
	FolderName        string     `json:"folder_name"`
	ThreadID          *string    `json:"thread_id,omitempty"`
	LastCheckedAt     *time.Time `json:"last_checked_at,omitempty"`
	RequestedUpdateAt *time.Time `json:"requested_update_time,omitempty"`
}

// AddressMapping is an operator-entered override routing one specific message
// identifier to one thread, bypassing address matching.
type AddressMapping struct {
	EmailIdentifier string `json:"email_identifier"`
	ThreadID        string `json:"thread_id"`
	Description     string `json:"description"`
}

// RoutingError records an inbox message the router could not place. Resolving
// one deletes the row and inserts an AddressMapping in the same transaction.
type RoutingError struct {
	ID                string    `json:"id"`
	EmailIdentifier   string    `json:"email_identifier"`
	Subject           string    `json:"email_subject"`
	Addresses         string    `json:"email_addresses"`
	ErrorType         string    `json:"error_type"`
	Message           string    `json:"error_message"`
	SuggestedThreadID *string   `json:"suggested_thread_id,omitempty"`
	FolderName        string    `json:"folder_name"`
	Resolved          bool      `json:"resolved"`
	CreatedAt         time.Time `json:"created_at"`
}
