package ingest

import (
	"regexp"
	"strings"

	"github.com/HNygard/offpost-sub000/internal/imap"
	"github.com/HNygard/offpost-sub000/internal/models"
)

// Folder names live in one flat IMAP namespace, so the suffix is capped.
// Longer suffixes are truncated and marked with "osv" (et cetera).
const maxFolderSuffixLength = 70

var (
	hostileChars   = regexp.MustCompile(`[/\\:*?"<>|[:cntrl:]]`)
	whitespaceRuns = regexp.MustCompile(`\s+`)
	dashRuns       = regexp.MustCompile(`-{2,}`)
)

var norwegianReplacer = strings.NewReplacer(
	"Æ", "AE", "Ø", "OE", "Å", "AA",
	"æ", "ae", "ø", "oe", "å", "aa",
)

// ThreadEmailFolder returns the canonical IMAP folder for a thread:
// INBOX[.Archive].<entity id> - <sanitized title>. The result is
// deterministic for a given (entity, title, archived) triple.
func ThreadEmailFolder(thread models.Thread) string {
	suffix := thread.EntityID + " - " + SanitizeFolderTitle(thread.Title)

	if runes := []rune(suffix); len(runes) > maxFolderSuffixLength {
		suffix = string(runes[:maxFolderSuffixLength]) + "osv"
	}

	if thread.Archived {
		return "INBOX.Archive." + suffix
	}
	return "INBOX." + suffix
}

// SanitizeFolderTitle makes a thread title safe for use in an IMAP folder
// name: MIME encoded-words are decoded first, Norwegian letters are
// transliterated, and path-hostile characters and whitespace runs collapse
// to dashes. Sanitizing an already-sanitized title is a no-op.
func SanitizeFolderTitle(title string) string {
	title = imap.DecodeFilename(title)
	title = norwegianReplacer.Replace(title)
	title = hostileChars.ReplaceAllString(title, "-")
	title = whitespaceRuns.ReplaceAllString(title, "-")
	title = dashRuns.ReplaceAllString(title, "-")
	return strings.Trim(title, "-")
}
