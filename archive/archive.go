// Package archive reads offline mail archives as folder trees.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"
)

var ErrNotFound = errors.New("archive: not found")

// Message classes. Only notes and drafts are migrated.
const (
	ClassNote        = "IPM.Note"
	ClassDraft       = "IPM.Note.Draft"
	ClassAppointment = "IPM.Appointment"
	ClassTask        = "IPM.Task"
	ClassContact     = "IPM.Contact"
)

// IsMigratable reports whether messages of class can be migrated.
func IsMigratable(class string) bool {
	return class == ClassNote || class == ClassDraft
}

// Archive is an opened archive container.
type Archive interface {
	Name() string
	Root() Folder
	Close() error
}

// Folder is a node of the archive's folder tree.
type Folder interface {
	// ID is the folder's path inside the archive; the root is "".
	ID() string
	DisplayName() string
	HasChildren() bool
	Children() ([]Folder, error)
	// ContentCount is the number of items stored in the folder, of any class.
	ContentCount() (int, error)
	// Messages returns a new cursor positioned before the first item.
	Messages() (Cursor, error)
}

// Cursor enumerates a folder's items once. Next returns io.EOF after the
// last item. A cursor must not be shared between consumers.
type Cursor interface {
	Next() (*Message, error)
	Reset() error
	Close() error
}

// Message is a single archived item.
type Message struct {
	Class         string
	MessageID     string
	Subject       string
	SenderName    string
	SenderAddress string
	// Recipient lists, ';' delimited.
	DisplayTo  string
	DisplayCC  string
	DisplayBCC string

	BodyHTML string
	BodyRTF  []byte
	BodyText string

	ClientSubmitTime time.Time
	DeliveryTime     time.Time
	CreationTime     time.Time
	ModificationTime time.Time

	Attachments []Attachment
}

// Attachment is a file attached to a message.
type Attachment struct {
	Filename     string
	LongFilename string
	MimeType     string
	// Size is -1 when unknown.
	Size int64

	open func() (io.ReadCloser, error)
}

// NewAttachment returns an attachment backed by data.
func NewAttachment(filename, longFilename, mimeType string, data []byte) Attachment {
	return Attachment{
		Filename:     filename,
		LongFilename: longFilename,
		MimeType:     mimeType,
		Size:         int64(len(data)),
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// NewStreamAttachment returns an attachment whose content is produced by
// open on every call to Open.
func NewStreamAttachment(filename, longFilename, mimeType string, open func() (io.ReadCloser, error)) Attachment {
	return Attachment{Filename: filename, LongFilename: longFilename, MimeType: mimeType, Size: -1, open: open}
}

// Open returns the attachment's byte stream.
func (a Attachment) Open() (io.ReadCloser, error) {
	if a.open == nil {
		return nil, fmt.Errorf("attachment %q has no content", a.Filename)
	}
	return a.open()
}

// MessageError reports an item that could not be decoded. The cursor stays
// usable after returning it.
type MessageError struct {
	Folder string
	Index  int
	Err    error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("folder %q message %d: %v", e.Folder, e.Index, e.Err)
}

func (e *MessageError) Unwrap() error {
	return e.Err
}
