// Package mailbox defines the remote mailbox the migration writes into.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dhcgn/archive-to-mailbox/dedup"
)

var (
	ErrUnauthorized = errors.New("mailbox: unauthorized")
	ErrNotFound     = errors.New("mailbox: not found")
)

// Client is the remote mailbox API used by the migration engine. Folder ids
// are opaque; "" addresses the top level of the mailbox.
type Client interface {
	ListChildFolders(ctx context.Context, parentID string) ([]Folder, error)
	CreateChildFolder(ctx context.Context, parentID, displayName string) (Folder, error)
	// FindMessage reports whether a message matching f exists in the folder.
	FindMessage(ctx context.Context, folderID string, f dedup.Filter) (bool, error)
	CreateMessage(ctx context.Context, folderID string, msg *Message) (string, error)
}

type Folder struct {
	ID               string `json:"id"`
	DisplayName      string `json:"displayName"`
	ParentID         string `json:"parentFolderId,omitempty"`
	ChildFolderCount int    `json:"childFolderCount"`
}

// Body content types.
const (
	ContentHTML = "HTML"
	ContentText = "Text"
)

// Extended MAPI property ids.
const (
	PropMessageFlags     = "Integer 0x0E07"
	PropClientSubmitTime = "SystemTime 0x0039"
	PropDeliveryTime     = "SystemTime 0x0E06"
	PropCreationTime     = "SystemTime 0x3007"
	PropModificationTime = "SystemTime 0x3008"
)

// FileAttachmentType is the OData type of inline file attachments.
const FileAttachmentType = "#microsoft.graph.fileAttachment"

// Message is the payload of a created message.
type Message struct {
	InternetMessageID string             `json:"internetMessageId"`
	Subject           string             `json:"subject"`
	Body              ItemBody           `json:"body"`
	ToRecipients      []Recipient        `json:"toRecipients"`
	CcRecipients      []Recipient        `json:"ccRecipients"`
	BccRecipients     []Recipient        `json:"bccRecipients"`
	Sender            *Recipient         `json:"sender,omitempty"`
	From              *Recipient         `json:"from,omitempty"`
	IsDraft           bool               `json:"isDraft"`
	IsRead            bool               `json:"isRead"`
	ExtendedProps     []ExtendedProperty `json:"singleValueExtendedProperties"`
	Attachments       []Attachment       `json:"attachments,omitempty"`

	// DeliveredAt is used by transports that store an arrival time
	// outside the payload.
	DeliveredAt time.Time `json:"-"`
}

// Property returns the value of the extended property id.
func (m *Message) Property(id string) (string, bool) {
	for _, p := range m.ExtendedProps {
		if p.ID == id {
			return p.Value, true
		}
	}
	return "", false
}

type ItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type EmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

type ExtendedProperty struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type Attachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

// ServiceError is a failed remote call.
type ServiceError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *ServiceError) Error() string {
	msg := e.Op
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}
