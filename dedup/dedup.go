// Package dedup builds the query used to detect a message that already
// exists in the target folder.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Window is the tolerance applied around a message's delivery time.
const Window = 60 * time.Second

// Filter identifies a message by subject, sender address and delivery time.
// SenderAddress and DeliveredAt are optional.
type Filter struct {
	Subject       string
	SenderAddress string
	DeliveredAt   time.Time
}

// Build returns the filter for a message. Surrounding whitespace of the
// sender address is dropped.
func Build(subject, senderAddress string, deliveredAt time.Time) Filter {
	return Filter{
		Subject:       subject,
		SenderAddress: strings.TrimSpace(senderAddress),
		DeliveredAt:   deliveredAt,
	}
}

// HasSender reports whether the filter carries a sender clause.
func (f Filter) HasSender() bool {
	return f.SenderAddress != ""
}

// TimeRange returns the inclusive delivery window. ok is false when the
// message carries no delivery time.
func (f Filter) TimeRange() (from, to time.Time, ok bool) {
	if f.DeliveredAt.IsZero() {
		return time.Time{}, time.Time{}, false
	}
	t := f.DeliveredAt.UTC()
	return t.Add(-Window), t.Add(Window), true
}

// Matches reports whether a stored message with the given attributes is a
// duplicate under this filter. Remote adapters without a query language use
// it to confirm candidates.
func (f Filter) Matches(subject, senderAddress string, receivedAt time.Time) bool {
	if subject != f.Subject {
		return false
	}
	if f.HasSender() && !strings.EqualFold(strings.TrimSpace(senderAddress), f.SenderAddress) {
		return false
	}
	if from, to, ok := f.TimeRange(); ok {
		if receivedAt.IsZero() {
			return false
		}
		if receivedAt.Before(from) || receivedAt.After(to) {
			return false
		}
	}
	return true
}

// OData renders the filter as a Microsoft Graph $filter expression.
func (f Filter) OData() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "subject eq '%s'", Escape(f.Subject))
	if f.HasSender() {
		fmt.Fprintf(&sb, " and from/emailAddress/address eq '%s'", Escape(f.SenderAddress))
	}
	if from, to, ok := f.TimeRange(); ok {
		fmt.Fprintf(&sb, " and receivedDateTime ge %s and receivedDateTime le %s",
			from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return sb.String()
}

// Fingerprint is a stable digest of the filter, used as a journal key.
func (f Filter) Fingerprint() string {
	var delivered string
	if !f.DeliveredAt.IsZero() {
		delivered = f.DeliveredAt.UTC().Truncate(time.Second).Format(time.RFC3339)
	}
	sum := sha256.Sum256([]byte(f.Subject + "\x00" + strings.ToLower(f.SenderAddress) + "\x00" + delivered))
	return hex.EncodeToString(sum[:])
}

var controlReplacer = strings.NewReplacer(
	"\r\n", " ",
	"\r", " ",
	"\n", " ",
	"\t", " ",
)

// Escape prepares a value for use inside a single-quoted OData string
// literal. Line breaks and tabs become spaces and single quotes are
// doubled; other characters, backslashes included, are kept.
// Percent-encoding is left to the transport that places the filter into a
// URL query.
func Escape(s string) string {
	s = controlReplacer.Replace(s)
	return strings.ReplaceAll(s, "'", "''")
}
