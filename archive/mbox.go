package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	mboxlib "github.com/emersion/go-mbox"
)

// Extension marks mbox files and Apple Mail export bundles.
const Extension = ".mbox"

// bundleFile is the message file inside an export bundle directory.
const bundleFile = "mbox"

type mboxArchive struct {
	path string
	root *mboxFolder
}

// Open opens an mbox file or an export bundle directory and loads its
// folder tree.
func Open(p string) (Archive, error) {
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("open archive: %w", err)
	}

	root, err := loadFolder(p, "", info)
	if err != nil {
		return nil, err
	}
	return &mboxArchive{path: p, root: root}, nil
}

func (a *mboxArchive) Name() string { return filepath.Base(a.path) }
func (a *mboxArchive) Root() Folder { return a.root }
func (a *mboxArchive) Close() error { return nil }

type mboxFolder struct {
	id       string
	name     string
	file     string
	children []*mboxFolder
}

func loadFolder(p, id string, info fs.FileInfo) (*mboxFolder, error) {
	f := &mboxFolder{
		id:   id,
		name: strings.TrimSuffix(info.Name(), Extension),
	}
	if !info.IsDir() {
		f.file = p
		return f, nil
	}

	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, fmt.Errorf("read folder %q: %w", p, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == bundleFile && entry.Type().IsRegular() {
			f.file = filepath.Join(p, name)
			continue
		}
		if !hasExtension(name) {
			continue
		}
		childInfo, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %q: %w", name, err)
		}
		child, err := loadFolder(filepath.Join(p, name), path.Join(id, name), childInfo)
		if err != nil {
			return nil, err
		}
		f.children = append(f.children, child)
	}
	return f, nil
}

func hasExtension(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), Extension) && len(name) > len(Extension)
}

func (f *mboxFolder) ID() string          { return f.id }
func (f *mboxFolder) DisplayName() string { return f.name }
func (f *mboxFolder) HasChildren() bool   { return len(f.children) > 0 }

func (f *mboxFolder) Children() ([]Folder, error) {
	out := make([]Folder, len(f.children))
	for i, c := range f.children {
		out[i] = c
	}
	return out, nil
}

// ContentCount counts the messages of the folder's mbox file without
// parsing them.
func (f *mboxFolder) ContentCount() (int, error) {
	if f.file == "" {
		return 0, nil
	}
	file, err := os.Open(f.file)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, fmt.Errorf("count %q: %w", f.id, err)
		}
		// Unreadable messages still count; the cursor reports them.
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}

func (f *mboxFolder) Messages() (Cursor, error) {
	return &mboxCursor{folder: f}, nil
}

type mboxCursor struct {
	folder *mboxFolder
	file   *os.File
	reader *mboxlib.Reader
	index  int
	done   bool
}

func (c *mboxCursor) Next() (*Message, error) {
	if c.done || c.folder.file == "" {
		return nil, io.EOF
	}
	if c.reader == nil {
		file, err := os.Open(c.folder.file)
		if err != nil {
			return nil, fmt.Errorf("open mbox: %w", err)
		}
		c.file = file
		c.reader = mboxlib.NewReader(file)
	}

	msgReader, err := c.reader.NextMessage()
	if err != nil {
		if errors.Is(err, io.EOF) {
			c.done = true
			return nil, io.EOF
		}
		return nil, fmt.Errorf("folder %q message %d: %w", c.folder.id, c.index, err)
	}
	idx := c.index
	c.index++

	raw, err := io.ReadAll(msgReader)
	if err != nil {
		return nil, fmt.Errorf("folder %q message %d read: %w", c.folder.id, idx, err)
	}

	msg, err := parseMessage(raw)
	if err != nil {
		return nil, &MessageError{Folder: c.folder.id, Index: idx, Err: err}
	}
	return msg, nil
}

func (c *mboxCursor) Reset() error {
	if err := c.Close(); err != nil {
		return err
	}
	c.index = 0
	c.done = false
	return nil
}

func (c *mboxCursor) Close() error {
	c.reader = nil
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}
