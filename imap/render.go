package imap

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"

	"github.com/dhcgn/archive-to-mailbox/mailbox"
)

// PropertyHeader carries extended properties that IMAP has no place for.
const PropertyHeader = "X-Mapi-Property"

// Render builds the RFC 5322 form of msg. HTML bodies are sent as
// multipart/alternative with a plain text part derived from the HTML.
func Render(msg *mailbox.Message) ([]byte, error) {
	var h mail.Header
	date := msg.DeliveredAt
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetSubject(msg.Subject)
	if id := strings.Trim(msg.InternetMessageID, "<> "); id != "" {
		h.SetMessageID(id)
	}
	if msg.From != nil {
		h.SetAddressList("From", addresses([]mailbox.Recipient{*msg.From}))
	}
	if msg.Sender != nil && (msg.From == nil || msg.Sender.EmailAddress != msg.From.EmailAddress) {
		h.SetAddressList("Sender", addresses([]mailbox.Recipient{*msg.Sender}))
	}
	if len(msg.ToRecipients) > 0 {
		h.SetAddressList("To", addresses(msg.ToRecipients))
	}
	if len(msg.CcRecipients) > 0 {
		h.SetAddressList("Cc", addresses(msg.CcRecipients))
	}
	if len(msg.BccRecipients) > 0 {
		h.SetAddressList("Bcc", addresses(msg.BccRecipients))
	}
	// Add prepends, so walk backwards to keep the payload order.
	for i := len(msg.ExtendedProps) - 1; i >= 0; i-- {
		p := msg.ExtendedProps[i]
		h.Add(PropertyHeader, p.ID+"="+p.Value)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}

	if err := writeBody(mw, msg.Body); err != nil {
		return nil, err
	}
	for _, a := range msg.Attachments {
		if err := writeAttachment(mw, a); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeBody(mw *mail.Writer, body mailbox.ItemBody) error {
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("create inline: %w", err)
	}

	plain := body.Content
	if body.ContentType == mailbox.ContentHTML {
		plain = html2text.HTML2Text(body.Content)
	}
	if err := writeInline(iw, "text/plain", plain); err != nil {
		return err
	}
	if body.ContentType == mailbox.ContentHTML {
		if err := writeInline(iw, "text/html", body.Content); err != nil {
			return err
		}
	}

	if err := iw.Close(); err != nil {
		return fmt.Errorf("close inline: %w", err)
	}
	return nil
}

func writeInline(iw *mail.InlineWriter, contentType, content string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	w, err := iw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		_ = w.Close()
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return w.Close()
}

func writeAttachment(mw *mail.Writer, a mailbox.Attachment) error {
	data, err := base64.StdEncoding.DecodeString(a.ContentBytes)
	if err != nil {
		return fmt.Errorf("decode attachment %q: %w", a.Name, err)
	}

	var h mail.AttachmentHeader
	h.SetContentType(a.ContentType, map[string]string{"name": a.Name})
	h.SetFilename(a.Name)
	h.Set("Content-Transfer-Encoding", "base64")

	w, err := mw.CreateAttachment(h)
	if err != nil {
		return fmt.Errorf("create attachment %q: %w", a.Name, err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write attachment %q: %w", a.Name, err)
	}
	return w.Close()
}

func addresses(recipients []mailbox.Recipient) []*mail.Address {
	out := make([]*mail.Address, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, &mail.Address{Name: r.EmailAddress.Name, Address: r.EmailAddress.Address})
	}
	return out
}
