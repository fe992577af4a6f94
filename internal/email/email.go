// Package email provides native IMAP and SMTP email for the agent's
// notification and inbox-polling tools: send-notification-email
// composes and delivers a MIME message, check-new-email polls an
// account's INBOX against a persisted UID high-water mark. Reading
// uses go-imap/v2; sending builds an RFC 5322 message with
// go-message/mail and authenticates over SMTP with go-sasl.
package email

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
)

// drainLiteral reads and discards an IMAP literal reader so fetching
// a body section doesn't block the IMAP stream on an unconsumed part.
// Nil readers are handled gracefully.
func drainLiteral(r imap.LiteralReader) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
}

// Envelope is the summary metadata for one email message, enough to
// describe it in a wake prompt without fetching its body.
type Envelope struct {
	// UID is the IMAP unique identifier for this message within its folder.
	UID uint32

	// Date is the message's Date header.
	Date time.Time

	// From is the sender, formatted as "Name <addr>" or just the address.
	From string

	// To is the list of recipients.
	To []string

	// Subject is the message subject line.
	Subject string

	// Flags contains IMAP flags (e.g., \Seen, \Flagged).
	Flags []string

	// Size is the message size in bytes.
	Size uint32
}

// formatAddress formats an IMAP address as "Name <user@host>", or
// just "user@host" if no display name is set.
func formatAddress(addr imap.Address) string {
	bare := addr.Addr()
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, bare)
	}
	return bare
}

// extractAddress extracts the bare address from a string that may be
// "Name <addr>" or just "addr".
func extractAddress(s string) string {
	if idx := len(s) - 1; idx > 0 && s[idx] == '>' {
		if start := strings.LastIndexByte(s, '<'); start >= 0 {
			return s[start+1 : idx]
		}
	}
	return s
}
