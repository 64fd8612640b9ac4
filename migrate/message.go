package migrate

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/archive-to-mailbox/archive"
	"github.com/dhcgn/archive-to-mailbox/dedup"
	"github.com/dhcgn/archive-to-mailbox/mailbox"
	"github.com/dhcgn/archive-to-mailbox/rtf"
	"github.com/dhcgn/archive-to-mailbox/stats"
)

const (
	// NoSubject replaces an empty subject.
	NoSubject = "(No subject)"

	attachmentChunkSize = 8176
	defaultMimeType     = "application/octet-stream"
)

var ErrAttachmentTooLarge = errors.New("attachment exceeds size limit")

// disposition is the variant of a created message. Drafts are unread and
// lack the sent marker that every other message carries.
type disposition struct {
	name    string
	isDraft bool
	isRead  bool
	marker  []mailbox.ExtendedProperty
}

var (
	draft = disposition{name: "draft", isDraft: true}
	sent  = disposition{
		name:   "sent",
		isRead: true,
		marker: []mailbox.ExtendedProperty{{ID: mailbox.PropMessageFlags, Value: "1"}},
	}
)

func dispositionOf(class string) disposition {
	if class == archive.ClassDraft {
		return draft
	}
	return sent
}

func (d disposition) properties(msg *archive.Message, now time.Time) []mailbox.ExtendedProperty {
	props := append([]mailbox.ExtendedProperty{}, d.marker...)
	return append(props,
		timeProperty(mailbox.PropClientSubmitTime, msg.ClientSubmitTime, now),
		timeProperty(mailbox.PropDeliveryTime, msg.DeliveryTime, now),
		timeProperty(mailbox.PropCreationTime, msg.CreationTime, now),
		timeProperty(mailbox.PropModificationTime, msg.ModificationTime, now),
	)
}

func timeProperty(id string, t, now time.Time) mailbox.ExtendedProperty {
	if t.IsZero() {
		t = now
	}
	return mailbox.ExtendedProperty{ID: id, Value: t.UTC().Format(time.RFC3339)}
}

// migrateMessage records one outcome for msg. It only returns an error when
// ctx is done.
func (e *Engine) migrateMessage(ctx context.Context, run *stats.Run, msg *archive.Message, folderID, path string) error {
	subject := msg.Subject
	if strings.TrimSpace(subject) == "" {
		subject = NoSubject
	}

	if !archive.IsMigratable(msg.Class) {
		e.logger.Debug("message skipped", "reason", "class", "class", msg.Class, "subject", subject)
		run.Record(stats.OutcomeSkipped, subject)
		return nil
	}
	if e.opts.Filter != nil && !e.opts.Filter.Allows(msg) {
		e.logger.Debug("message skipped", "reason", "filter", "subject", subject)
		run.Record(stats.OutcomeSkipped, subject)
		return nil
	}

	filter := dedup.Build(subject, msg.SenderAddress, msg.DeliveryTime)
	fingerprint := filter.Fingerprint()
	if e.opts.Journal != nil && e.opts.Journal.Seen(folderID, fingerprint) {
		e.logger.Debug("message skipped", "reason", "journal", "subject", subject)
		run.Record(stats.OutcomeSkipped, subject)
		return nil
	}

	exists, err := e.client.FindMessage(ctx, folderID, filter)
	if err != nil {
		return e.messageFailed(ctx, run, subject, path, fmt.Errorf("check existing: %w", err))
	}
	if exists {
		e.logger.Debug("message skipped", "reason", "duplicate", "subject", subject)
		run.Record(stats.OutcomeSkipped, subject)
		return nil
	}

	payload, err := e.buildMessage(run, msg, subject)
	if err != nil {
		return e.messageFailed(ctx, run, subject, path, err)
	}

	id, err := e.client.CreateMessage(ctx, folderID, payload)
	if err != nil {
		return e.messageFailed(ctx, run, subject, path, fmt.Errorf("create message: %w", err))
	}

	if e.opts.Journal != nil {
		if err := e.opts.Journal.Record(folderID, fingerprint, id); err != nil {
			e.logger.Warn("journal record failed", "subject", subject, "err", err)
		}
	}
	e.logger.Debug("message created", "subject", subject, "id", id, "folder", path, "disposition", dispositionOf(msg.Class).name)
	run.Record(stats.OutcomeProcessed, subject)
	return nil
}

func (e *Engine) messageFailed(ctx context.Context, run *stats.Run, subject, path string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	run.Fail(err, "Failed to import %q in %s", subject, path)
	e.logger.Error("message failed", "subject", subject, "folder", path, "err", err)
	run.Record(stats.OutcomeError, subject)
	return nil
}

func (e *Engine) buildMessage(run *stats.Run, msg *archive.Message, subject string) (*mailbox.Message, error) {
	disp := dispositionOf(msg.Class)
	now := e.opts.Now()

	out := &mailbox.Message{
		InternetMessageID: e.messageID(msg.MessageID),
		Subject:           subject,
		Body:              e.resolveBody(run, msg, subject),
		ToRecipients:      ParseRecipients(msg.DisplayTo),
		CcRecipients:      ParseRecipients(msg.DisplayCC),
		BccRecipients:     ParseRecipients(msg.DisplayBCC),
		IsDraft:           disp.isDraft,
		IsRead:            disp.isRead,
		ExtendedProps:     disp.properties(msg, now),
		DeliveredAt:       msg.DeliveryTime,
	}
	if addr := strings.TrimSpace(msg.SenderAddress); addr != "" {
		sender := mailbox.Recipient{EmailAddress: mailbox.EmailAddress{Name: msg.SenderName, Address: addr}}
		from := sender
		out.Sender, out.From = &sender, &from
	}

	for _, a := range msg.Attachments {
		att, err := e.materialize(a)
		if err != nil {
			return nil, err
		}
		out.Attachments = append(out.Attachments, att)
	}
	return out, nil
}

func (e *Engine) messageID(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), e.opts.MessageIDDomain)
}

// resolveBody picks HTML, then decoded rich text, then plain text.
func (e *Engine) resolveBody(run *stats.Run, msg *archive.Message, subject string) mailbox.ItemBody {
	if msg.BodyHTML != "" {
		return mailbox.ItemBody{ContentType: mailbox.ContentHTML, Content: msg.BodyHTML}
	}
	if len(msg.BodyRTF) > 0 {
		res, err := rtf.Decode(msg.BodyRTF)
		if err == nil {
			if res.HTML {
				return mailbox.ItemBody{ContentType: mailbox.ContentHTML, Content: res.Content}
			}
			return mailbox.ItemBody{ContentType: mailbox.ContentText, Content: res.Content}
		}
		run.Fail(err, "Failed to decode rich text body of %q", subject)
		e.logger.Warn("rich text decode failed", "subject", subject, "err", err)
		if msg.BodyText != "" {
			return mailbox.ItemBody{ContentType: mailbox.ContentText, Content: msg.BodyText}
		}
		return mailbox.ItemBody{ContentType: mailbox.ContentText, Content: string(msg.BodyRTF)}
	}
	return mailbox.ItemBody{ContentType: mailbox.ContentText, Content: msg.BodyText}
}

// materialize reads an attachment in fixed-size chunks and encodes it.
func (e *Engine) materialize(a archive.Attachment) (mailbox.Attachment, error) {
	name := a.LongFilename
	if name == "" {
		name = a.Filename
	}

	rc, err := a.Open()
	if err != nil {
		return mailbox.Attachment{}, fmt.Errorf("open attachment %q: %w", name, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	chunk := make([]byte, attachmentChunkSize)
	for {
		n, err := rc.Read(chunk)
		buf.Write(chunk[:n])
		if limit := e.opts.MaxAttachmentSize; limit > 0 && int64(buf.Len()) > limit {
			return mailbox.Attachment{}, fmt.Errorf("%w: %q is larger than %d bytes", ErrAttachmentTooLarge, name, limit)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return mailbox.Attachment{}, fmt.Errorf("read attachment %q: %w", name, err)
		}
	}

	mimeType := a.MimeType
	if mimeType == "" {
		mimeType = defaultMimeType
	}
	return mailbox.Attachment{
		ODataType:    mailbox.FileAttachmentType,
		Name:         name,
		ContentType:  mimeType,
		ContentBytes: base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// ParseRecipients splits a ';' separated recipient list. Entries that
// parse as addresses keep their display name.
func ParseRecipients(list string) []mailbox.Recipient {
	out := []mailbox.Recipient{}
	for _, entry := range strings.Split(list, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		addr := mailbox.EmailAddress{Address: entry}
		if parsed, err := netmail.ParseAddress(entry); err == nil {
			addr = mailbox.EmailAddress{Name: parsed.Name, Address: parsed.Address}
		}
		out = append(out, mailbox.Recipient{EmailAddress: addr})
	}
	return out
}
