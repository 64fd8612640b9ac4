package mailbox

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/dhcgn/archive-to-mailbox/dedup"
)

// StoredMessage is a message held by Memory.
type StoredMessage struct {
	ID       string
	FolderID string
	Message  *Message
}

// Memory is an in-process mailbox. The Fail hooks, when set, are consulted
// before each operation and a non-nil result is returned as its error.
type Memory struct {
	mu       sync.Mutex
	folders  []Folder
	messages []StoredMessage
	nextID   int

	FailList          func(parentID string) error
	FailCreateFolder  func(parentID, name string) error
	FailFind          func(folderID string, f dedup.Filter) error
	FailCreateMessage func(folderID string, msg *Message) error

	findCalls    int
	createdFolds int
}

func NewMemory() *Memory {
	return &Memory{}
}

// AddFolder seeds a folder without counting it as created.
func (m *Memory) AddFolder(parentID, name string) Folder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addFolderLocked(parentID, name)
}

func (m *Memory) addFolderLocked(parentID, name string) Folder {
	m.nextID++
	f := Folder{ID: "folder-" + strconv.Itoa(m.nextID), DisplayName: name, ParentID: parentID}
	m.folders = append(m.folders, f)
	for i := range m.folders {
		if m.folders[i].ID == parentID {
			m.folders[i].ChildFolderCount++
		}
	}
	return f
}

func (m *Memory) ListChildFolders(_ context.Context, parentID string) ([]Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailList != nil {
		if err := m.FailList(parentID); err != nil {
			return nil, err
		}
	}
	if parentID != "" && !m.hasFolderLocked(parentID) {
		return nil, &ServiceError{Op: "list child folders", StatusCode: 404, Err: ErrNotFound}
	}
	return m.childrenLocked(parentID), nil
}

func (m *Memory) CreateChildFolder(_ context.Context, parentID, displayName string) (Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreateFolder != nil {
		if err := m.FailCreateFolder(parentID, displayName); err != nil {
			return Folder{}, err
		}
	}
	if parentID != "" && !m.hasFolderLocked(parentID) {
		return Folder{}, &ServiceError{Op: "create child folder", StatusCode: 404, Err: ErrNotFound}
	}
	m.createdFolds++
	return m.addFolderLocked(parentID, displayName), nil
}

func (m *Memory) FindMessage(_ context.Context, folderID string, f dedup.Filter) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findCalls++
	if m.FailFind != nil {
		if err := m.FailFind(folderID, f); err != nil {
			return false, err
		}
	}
	for _, s := range m.messages {
		if s.FolderID != folderID {
			continue
		}
		var sender string
		if s.Message.From != nil {
			sender = s.Message.From.EmailAddress.Address
		}
		if f.Matches(s.Message.Subject, sender, s.Message.DeliveredAt) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) CreateMessage(_ context.Context, folderID string, msg *Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreateMessage != nil {
		if err := m.FailCreateMessage(folderID, msg); err != nil {
			return "", err
		}
	}
	if !m.hasFolderLocked(folderID) {
		return "", &ServiceError{Op: "create message", StatusCode: 404, Err: ErrNotFound}
	}
	m.nextID++
	id := "message-" + strconv.Itoa(m.nextID)
	m.messages = append(m.messages, StoredMessage{ID: id, FolderID: folderID, Message: msg})
	return id, nil
}

// Children returns the child folders of parentID in creation order.
func (m *Memory) Children(parentID string) []Folder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.childrenLocked(parentID)
}

// Lookup follows a path of display names from the top level.
func (m *Memory) Lookup(names ...string) (Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent := Folder{}
	for _, name := range names {
		found := false
		for _, c := range m.childrenLocked(parent.ID) {
			if c.DisplayName == name {
				parent, found = c, true
				break
			}
		}
		if !found {
			return Folder{}, fmt.Errorf("%w: folder %q", ErrNotFound, name)
		}
	}
	return parent, nil
}

// Messages returns the messages stored in folderID in creation order.
func (m *Memory) Messages(folderID string) []StoredMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StoredMessage
	for _, s := range m.messages {
		if s.FolderID == folderID {
			out = append(out, s)
		}
	}
	return out
}

// CreatedFolders is the number of folders created through the client.
func (m *Memory) CreatedFolders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createdFolds
}

// MessageCount is the number of stored messages across all folders.
func (m *Memory) MessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// FindCalls is the number of FindMessage calls.
func (m *Memory) FindCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findCalls
}

func (m *Memory) hasFolderLocked(id string) bool {
	for _, f := range m.folders {
		if f.ID == id {
			return true
		}
	}
	return false
}

func (m *Memory) childrenLocked(parentID string) []Folder {
	out := []Folder{}
	for _, f := range m.folders {
		if f.ParentID == parentID {
			out = append(out, f)
		}
	}
	return out
}
