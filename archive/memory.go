package archive

import (
	"errors"
	"io"
)

var errUndecodable = errors.New("undecodable message")

// MemoryFolder is a folder held in memory. A nil entry in Items is returned
// by the cursor as a MessageError.
type MemoryFolder struct {
	Name     string
	Items    []*Message
	Sub      []*MemoryFolder
	CountErr error
	OpenErr  error
}

func (f *MemoryFolder) ID() string          { return f.Name }
func (f *MemoryFolder) DisplayName() string { return f.Name }
func (f *MemoryFolder) HasChildren() bool   { return len(f.Sub) > 0 }

func (f *MemoryFolder) Children() ([]Folder, error) {
	out := make([]Folder, len(f.Sub))
	for i, c := range f.Sub {
		out[i] = c
	}
	return out, nil
}

func (f *MemoryFolder) ContentCount() (int, error) {
	if f.CountErr != nil {
		return 0, f.CountErr
	}
	return len(f.Items), nil
}

func (f *MemoryFolder) Messages() (Cursor, error) {
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	return &memoryCursor{folder: f}, nil
}

type memoryCursor struct {
	folder *MemoryFolder
	pos    int
}

func (c *memoryCursor) Next() (*Message, error) {
	if c.pos >= len(c.folder.Items) {
		return nil, io.EOF
	}
	idx := c.pos
	c.pos++
	msg := c.folder.Items[idx]
	if msg == nil {
		return nil, &MessageError{Folder: c.folder.Name, Index: idx, Err: errUndecodable}
	}
	return msg, nil
}

func (c *memoryCursor) Reset() error {
	c.pos = 0
	return nil
}

func (c *memoryCursor) Close() error { return nil }

type memoryArchive struct {
	name string
	root *MemoryFolder
}

// NewMemory returns an archive over an in-memory folder tree.
func NewMemory(name string, root *MemoryFolder) Archive {
	return &memoryArchive{name: name, root: root}
}

func (a *memoryArchive) Name() string { return a.name }
func (a *memoryArchive) Root() Folder { return a.root }
func (a *memoryArchive) Close() error { return nil }
