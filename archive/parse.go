package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

const recipientSeparator = "; "

func parseMessage(raw []byte) (*Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	msg := &Message{Class: messageClass(h)}

	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.SenderName = from[0].Name
		msg.SenderAddress = from[0].Address
	}
	msg.DisplayTo = displayList(h, "To")
	msg.DisplayCC = displayList(h, "Cc")
	msg.DisplayBCC = displayList(h, "Bcc")
	if id, err := h.MessageID(); err == nil && id != "" {
		msg.MessageID = "<" + id + ">"
	}

	if date, err := h.Date(); err == nil && !date.IsZero() {
		msg.ClientSubmitTime = date
		msg.CreationTime = date
	}
	msg.DeliveryTime = receivedTime(h)
	if msg.DeliveryTime.IsZero() {
		msg.DeliveryTime = msg.ClientSubmitTime
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("read part: %w", err)
		}
		if p == nil {
			continue
		}
		// Parts in an unknown charset are kept undecoded.
		if err := addPart(msg, p); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func addPart(msg *Message, p *mail.Part) error {
	body, err := io.ReadAll(p.Body)
	if err != nil {
		return fmt.Errorf("read part body: %w", err)
	}

	switch h := p.Header.(type) {
	case *mail.InlineHeader:
		ct, params, _ := h.ContentType()
		switch ct {
		case "text/html":
			if msg.BodyHTML == "" {
				msg.BodyHTML = string(body)
			}
		case "text/plain", "":
			if msg.BodyText == "" {
				msg.BodyText = string(body)
			}
		case "text/rtf", "application/rtf", "text/richtext":
			if msg.BodyRTF == nil {
				msg.BodyRTF = body
			}
		default:
			name := params["name"]
			msg.Attachments = append(msg.Attachments, NewAttachment(name, "", ct, body))
		}
	case *mail.AttachmentHeader:
		ct, params, _ := h.ContentType()
		long, _ := h.Filename()
		short := params["name"]
		if short == long {
			short = ""
		}
		if short == "" && long == "" {
			short = "attachment"
		}
		msg.Attachments = append(msg.Attachments, NewAttachment(short, long, ct, body))
	}
	return nil
}

func messageClass(h mail.Header) string {
	if class := strings.TrimSpace(h.Get("X-Message-Class")); class != "" {
		return class
	}
	if strings.TrimSpace(h.Get("X-Unsent")) == "1" || h.Get("X-Mozilla-Draft-Info") != "" {
		return ClassDraft
	}
	if ct, _, err := h.ContentType(); err == nil && ct == "text/calendar" {
		return ClassAppointment
	}
	return ClassNote
}

// receivedTime is the date of the topmost Received trace header, the hop
// that delivered the message.
func receivedTime(h mail.Header) time.Time {
	received := h.Get("Received")
	idx := strings.LastIndex(received, ";")
	if idx < 0 {
		return time.Time{}
	}
	t, err := netmail.ParseDate(strings.TrimSpace(received[idx+1:]))
	if err != nil {
		return time.Time{}
	}
	return t
}

func displayList(h mail.Header, key string) string {
	addrs, err := h.AddressList(key)
	if err != nil {
		return strings.TrimSpace(h.Get(key))
	}
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, recipientSeparator)
}
