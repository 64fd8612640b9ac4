package imap

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/archive-to-mailbox/dedup"
	"github.com/dhcgn/archive-to-mailbox/mailbox"
)

func sample() *mailbox.Message {
	alice := mailbox.Recipient{EmailAddress: mailbox.EmailAddress{Name: "Alice", Address: "alice@example.com"}}
	return &mailbox.Message{
		InternetMessageID: "<abc@example.com>",
		Subject:           "Quarterly report",
		Body:              mailbox.ItemBody{ContentType: mailbox.ContentHTML, Content: "<p>Hello <b>Bob</b></p>"},
		ToRecipients:      []mailbox.Recipient{{EmailAddress: mailbox.EmailAddress{Name: "Bob", Address: "bob@example.com"}}},
		Sender:            &alice,
		From:              &alice,
		IsRead:            true,
		ExtendedProps: []mailbox.ExtendedProperty{
			{ID: mailbox.PropMessageFlags, Value: "1"},
			{ID: mailbox.PropDeliveryTime, Value: "2024-03-01T09:00:00Z"},
		},
		Attachments: []mailbox.Attachment{{
			ODataType:    mailbox.FileAttachmentType,
			Name:         "report.pdf",
			ContentType:  "application/pdf",
			ContentBytes: "JVBERi0=",
		}},
		DeliveredAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

type part struct {
	contentType string
	filename    string
	body        string
}

func parse(t *testing.T, raw []byte) (mail.Header, []part) {
	t.Helper()
	mr, err := mail.CreateReader(strings.NewReader(string(raw)))
	require.NoError(t, err)

	var parts []part
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(p.Body)
		require.NoError(t, err)

		var got part
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			got.contentType, _, _ = h.ContentType()
		case *mail.AttachmentHeader:
			got.contentType, _, _ = h.ContentType()
			got.filename, _ = h.Filename()
		}
		got.body = string(body)
		parts = append(parts, got)
	}
	return mr.Header, parts
}

func TestRender_HTML(t *testing.T) {
	raw, err := Render(sample())
	require.NoError(t, err)

	h, parts := parse(t, raw)
	subject, err := h.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Quarterly report", subject)

	id, err := h.MessageID()
	require.NoError(t, err)
	assert.Equal(t, "abc@example.com", id)

	date, err := h.Date()
	require.NoError(t, err)
	assert.True(t, date.Equal(sample().DeliveredAt))

	from, err := h.AddressList("From")
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, "alice@example.com", from[0].Address)
	assert.Empty(t, h.Get("Sender"))

	assert.Equal(t, []string{
		"Integer 0x0E07=1",
		"SystemTime 0x0E06=2024-03-01T09:00:00Z",
	}, h.Values(PropertyHeader))

	require.Len(t, parts, 3)
	assert.Equal(t, "text/plain", parts[0].contentType)
	assert.Contains(t, parts[0].body, "Hello Bob")
	assert.Equal(t, "text/html", parts[1].contentType)
	assert.Equal(t, "<p>Hello <b>Bob</b></p>", parts[1].body)
	assert.Equal(t, "application/pdf", parts[2].contentType)
	assert.Equal(t, "report.pdf", parts[2].filename)
	assert.Equal(t, "%PDF-", parts[2].body)
}

func TestRender_Text(t *testing.T) {
	msg := sample()
	msg.Body = mailbox.ItemBody{ContentType: mailbox.ContentText, Content: "plain body"}
	msg.Attachments = nil
	msg.From = nil
	msg.Sender = nil

	raw, err := Render(msg)
	require.NoError(t, err)

	h, parts := parse(t, raw)
	assert.Empty(t, h.Get("From"))
	require.Len(t, parts, 1)
	assert.Equal(t, "text/plain", parts[0].contentType)
	assert.Equal(t, "plain body", parts[0].body)
}

func TestRender_BadAttachment(t *testing.T) {
	msg := sample()
	msg.Attachments[0].ContentBytes = "!!"
	_, err := Render(msg)
	assert.Error(t, err)
}

func TestFlags(t *testing.T) {
	assert.Equal(t, []imapv2.Flag{imapv2.FlagSeen}, Flags(&mailbox.Message{IsRead: true}))
	assert.Equal(t, []imapv2.Flag{imapv2.FlagDraft}, Flags(&mailbox.Message{IsDraft: true}))
	assert.Empty(t, Flags(&mailbox.Message{}))
}

func TestSearchCriteria(t *testing.T) {
	f := dedup.Build("Hello", "alice@example.com", time.Date(2024, 3, 1, 23, 59, 30, 0, time.UTC))
	c := SearchCriteria(f)

	assert.Equal(t, []imapv2.SearchCriteriaHeaderField{
		{Key: "Subject", Value: "Hello"},
		{Key: "From", Value: "alice@example.com"},
	}, c.Header)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), c.Since)
	assert.Equal(t, time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC), c.Before)

	bare := SearchCriteria(dedup.Build("Hello", "", time.Time{}))
	assert.Len(t, bare.Header, 1)
	assert.True(t, bare.Since.IsZero())
	assert.True(t, bare.Before.IsZero())
}

func TestFolderNames(t *testing.T) {
	assert.Equal(t, "%", listPattern("", '/'))
	assert.Equal(t, "Archive.%", listPattern("Archive", '.'))
	assert.Equal(t, "Inbox", childName("", "Inbox", '/'))
	assert.Equal(t, "Archive/2024", childName("Archive", "2024", '/'))

	folder := folderOf(&imapv2.ListData{
		Mailbox: "Archive/2024",
		Delim:   '/',
		Attrs:   []imapv2.MailboxAttr{imapv2.MailboxAttrHasChildren},
	}, "Archive", '.')
	assert.Equal(t, mailbox.Folder{ID: "Archive/2024", DisplayName: "2024", ParentID: "Archive", ChildFolderCount: 1}, folder)
}

func TestWrap(t *testing.T) {
	notFound := wrap("imap select X", &imapv2.Error{Type: imapv2.StatusResponseTypeNo, Code: imapv2.ResponseCodeNonExistent, Text: "no such mailbox"}, nil)
	assert.ErrorIs(t, notFound, mailbox.ErrNotFound)
	var svcErr *mailbox.ServiceError
	require.ErrorAs(t, notFound, &svcErr)
	assert.Equal(t, "NONEXISTENT", svcErr.Code)
	assert.Equal(t, "no such mailbox", svcErr.Message)

	denied := wrap("imap login", &imapv2.Error{Type: imapv2.StatusResponseTypeNo, Code: imapv2.ResponseCodeAuthenticationFailed}, nil)
	assert.ErrorIs(t, denied, mailbox.ErrUnauthorized)

	plain := wrap("imap login", errors.New("bad password"), mailbox.ErrUnauthorized)
	assert.ErrorIs(t, plain, mailbox.ErrUnauthorized)

	other := wrap("imap list", errors.New("broken pipe"), nil)
	assert.NotErrorIs(t, other, mailbox.ErrNotFound)
	assert.NotErrorIs(t, other, mailbox.ErrUnauthorized)
}

func TestDial_Validation(t *testing.T) {
	_, err := Dial(context.Background(), Options{Port: 993, Username: "u", Password: "p"}, nil)
	assert.Error(t, err)

	_, err = Dial(context.Background(), Options{Host: "imap.example.com", Port: 993, Username: "u"}, nil)
	assert.ErrorIs(t, err, mailbox.ErrUnauthorized)
}

func TestClosedClient(t *testing.T) {
	c := &Client{delim: defaultDelim}
	_, err := c.ListChildFolders(context.Background(), "")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.FindMessage(ctx, "INBOX", dedup.Filter{Subject: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, c.Close())
}
