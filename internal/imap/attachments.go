package imap

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-message/charset"
	"github.com/sirupsen/logrus"
)

// Attachment is one detected attachment part of a message.
type Attachment struct {
	// Name is the display name, Filename the name used for storage. When the
	// source message only carries one of them, both hold the same value.
	Name     string
	Filename string
	// Filetype is the lowercased extension from the allow-list, or "UNKNOWN"
	// for legacy types kept for manual handling.
	Filetype string
	// PartPath is the 1-based position of the part in the MIME tree, one
	// index per nesting level. Content must be fetched at exactly this path;
	// detection and fetch sharing the same path is what keeps attachment
	// content aligned with attachment metadata.
	PartPath []int
	// Encoding is the part's transfer encoding as reported by the server.
	Encoding string
}

// PartNumber renders the part path in IMAP section syntax, e.g. "2" or "2.1".
func (a Attachment) PartNumber() string {
	parts := make([]string, len(a.PartPath))
	for i, n := range a.PartPath {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// Supported attachment extensions. Anything else is dropped, except the
// legacy types below.
var supportedFiletypes = map[string]bool{
	"pdf": true, "jpg": true, "jpeg": true, "png": true, "gif": true,
	"doc": true, "docx": true, "xls": true, "xlsx": true, "xlsm": true,
	"pptx": true, "zip": true, "gz": true, "eml": true, "csv": true,
	"txt": true,
}

// Extensions that are not supported but still worth a row in storage, flagged
// for manual handling.
var legacyFiletypes = map[string]bool{
	"rda": true,
}

// FiletypeUnknown marks an attachment kept despite an unsupported legacy
// extension.
const FiletypeUnknown = "UNKNOWN"

var continuationParamPattern = regexp.MustCompile(`^(name|filename)\*(\d+)(\*)?$`)

// AttachmentHandler walks message part trees, decodes attachment filenames
// and fetches part content.
type AttachmentHandler struct {
	transport *Transport
	log       *logrus.Entry
}

// NewAttachmentHandler creates an attachment handler on the given transport.
func NewAttachmentHandler(transport *Transport, log *logrus.Logger) *AttachmentHandler {
	return &AttachmentHandler{transport: transport, log: logrus.NewEntry(log)}
}

// ProcessAttachments fetches the message's body structure and returns its
// detected attachments in MIME part order.
func (h *AttachmentHandler) ProcessAttachments(uid uint32) ([]Attachment, error) {
	structure, err := h.transport.FetchBodyStructure(uid)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch body structure for uid %d: %w", uid, err)
	}
	return DetectAttachments(structure), nil
}

// Content fetches and transfer-decodes the content of a detected attachment.
// The fetch uses the exact part path recorded at detection time.
func (h *AttachmentHandler) Content(uid uint32, att Attachment) ([]byte, error) {
	raw, err := h.transport.FetchPart(uid, att.PartPath)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch part %s of uid %d: %w", att.PartNumber(), uid, err)
	}
	return decodeTransferEncoding(raw, att.Encoding)
}

// DetectAttachments walks the part tree in document order and returns every
// part that carries attachment metadata. Positions are 1-based; nested
// multiparts are descended into with dotted paths.
func DetectAttachments(structure *goimap.BodyStructure) []Attachment {
	if structure == nil || len(structure.Parts) == 0 {
		return nil
	}
	return detectParts(structure.Parts, nil)
}

func detectParts(parts []*goimap.BodyStructure, prefix []int) []Attachment {
	var attachments []Attachment
	for i, part := range parts {
		partPath := append(append([]int{}, prefix...), i+1)
		if strings.EqualFold(part.MIMEType, "multipart") && len(part.Parts) > 0 {
			attachments = append(attachments, detectParts(part.Parts, partPath)...)
			continue
		}
		if att, ok := detectPart(part, partPath); ok {
			attachments = append(attachments, att)
		}
	}
	return attachments
}

// detectPart decides attachment-hood for a single leaf part and decodes its
// name and filename.
func detectPart(part *goimap.BodyStructure, partPath []int) (Attachment, bool) {
	isAttachment := strings.EqualFold(part.Disposition, "attachment")

	filename, found := extractParam(part.DispositionParams, "filename")
	isAttachment = isAttachment || found

	name, found := extractParam(part.Params, "name")
	isAttachment = isAttachment || found

	if !isAttachment {
		return Attachment{}, false
	}

	// Prefer name for display and filename for storage; either fills the
	// other when only one is present.
	if name == "" {
		name = filename
	}
	if filename == "" {
		filename = name
	}
	if name == "" {
		return Attachment{}, false
	}

	name = normalizeFilename(name)
	filename = normalizeFilename(filename)

	filetype, ok := determineFiletype(name)
	if !ok {
		filetype, ok = determineFiletype(filename)
	}
	if !ok {
		return Attachment{}, false
	}

	return Attachment{
		Name:     name,
		Filename: filename,
		Filetype: filetype,
		PartPath: partPath,
		Encoding: part.Encoding,
	}, true
}

// extractParam finds the value for base ("name" or "filename") in a parameter
// map, joining RFC 2231 continuations and decoding the result. The second
// return value reports whether any matching parameter existed.
func extractParam(params map[string]string, base string) (string, bool) {
	if len(params) == 0 {
		return "", false
	}

	var plain, extended string
	var havePlain, haveExtended bool
	type chunk struct {
		index int
		value string
	}
	var chunks []chunk

	for key, value := range params {
		attr := strings.ToLower(key)
		switch attr {
		case base:
			plain, havePlain = value, true
		case base + "*":
			extended, haveExtended = value, true
		default:
			m := continuationParamPattern.FindStringSubmatch(attr)
			if m == nil || m[1] != base {
				continue
			}
			index, err := strconv.Atoi(m[2])
			if err != nil {
				continue
			}
			chunks = append(chunks, chunk{index: index, value: value})
		}
	}

	// Continuations win over single-value forms. Order is determined by the
	// numeric continuation index, never by the order the server sent them.
	if len(chunks) > 0 {
		sort.Slice(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })
		var joined strings.Builder
		for _, c := range chunks {
			joined.WriteString(c.value)
		}
		return DecodeFilename(joined.String()), true
	}

	if haveExtended {
		return DecodeFilename(extended), true
	}
	if havePlain {
		return DecodeFilename(plain), true
	}
	return "", false
}

var rfc2231Pattern = regexp.MustCompile(`^([A-Za-z0-9_.:-]+)'([A-Za-z-]*)'(.*)$`)

// DecodeFilename decodes a raw attachment filename through, in order, RFC
// 2047 encoded-words and the RFC 2231 charset'lang'percent-encoded form.
// Already-plain text passes through. A filename that fails to decode is
// returned unchanged; a broken filename must never block ingestion.
func DecodeFilename(raw string) string {
	if strings.Contains(raw, "=?") {
		decoder := mime.WordDecoder{CharsetReader: charset.Reader}
		decoded, err := decoder.DecodeHeader(raw)
		if err != nil {
			return raw
		}
		return decoded
	}

	if m := rfc2231Pattern.FindStringSubmatch(raw); m != nil {
		decoded, err := decodeRFC2231(m[1], m[3])
		if err != nil {
			return raw
		}
		return decoded
	}

	return raw
}

// decodeRFC2231 percent-decodes value and converts it from the named charset
// to UTF-8.
func decodeRFC2231(charsetName, value string) (string, error) {
	decoded := percentDecode(value)

	reader, err := charset.Reader(strings.ToLower(charsetName), bytes.NewReader(decoded))
	if err != nil {
		return "", err
	}
	converted, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(converted), nil
}

func percentDecode(s string) []byte {
	var out []byte
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if b, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				out = append(out, byte(b))
				i += 2
				continue
			}
		}
		out = append(out, s[i])
	}
	return out
}

var strayExtensionSpace = regexp.MustCompile(`\s*\.\s*([A-Za-z0-9]+)\s*$`)

// normalizeFilename strips stray whitespace around a final .extension, a
// defect seen in historically malformed senders ("report .pdf", "report. pdf").
func normalizeFilename(filename string) string {
	trimmed := strings.TrimSpace(filename)
	if m := strayExtensionSpace.FindStringSubmatchIndex(trimmed); m != nil {
		ext := trimmed[m[2]:m[3]]
		trimmed = trimmed[:m[0]] + "." + ext
	}
	return trimmed
}

// determineFiletype derives the normalized file type from a decoded filename.
// Returns false for empty names, missing extensions and unsupported types;
// legacy types come back as the UNKNOWN sentinel so the attachment row is
// preserved for manual handling.
func determineFiletype(filename string) (string, bool) {
	if filename == "" {
		return "", false
	}

	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if ext == "" {
		return "", false
	}
	if supportedFiletypes[ext] {
		return ext, true
	}
	if legacyFiletypes[ext] {
		return FiletypeUnknown, true
	}
	return "", false
}

// decodeTransferEncoding decodes base64 and quoted-printable part content.
// Identity encodings pass through; anything else is an error.
func decodeTransferEncoding(raw []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "base64":
		cleaned := bytes.Map(func(r rune) rune {
			if r == '\r' || r == '\n' || r == ' ' || r == '\t' {
				return -1
			}
			return r
		}, raw)
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(cleaned)))
		n, err := base64.StdEncoding.Decode(decoded, cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
		return decoded[:n], nil
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode quoted-printable content: %w", err)
		}
		return decoded, nil
	case "", "7bit", "8bit", "binary":
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
