// Package state keeps a journal of messages created in a target mailbox so
// later runs can skip them without querying the remote.
package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Journal interface {
	Seen(folderID, fingerprint string) bool
	Record(folderID, fingerprint, remoteID string) error
	Snapshot() Snapshot
}

type Snapshot struct {
	Recorded int
}

func key(folderID, fingerprint string) string {
	return folderID + "\x00" + fingerprint
}

type MemoryJournal struct {
	mu      sync.RWMutex
	created map[string]string
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{created: make(map[string]string)}
}

func (m *MemoryJournal) Seen(folderID, fingerprint string) bool {
	if fingerprint == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.created[key(folderID, fingerprint)]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryJournal) Record(folderID, fingerprint, remoteID string) error {
	if fingerprint == "" {
		return nil
	}

	m.mu.Lock()
	m.created[key(folderID, fingerprint)] = remoteID
	m.mu.Unlock()
	return nil
}

func (m *MemoryJournal) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.created)
	m.mu.RUnlock()
	return Snapshot{Recorded: count}
}

// FileJournal persists records as JSON lines, one file per mailbox.
type FileJournal struct {
	*MemoryJournal
	path    string
	persist bool
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

type fileRecord struct {
	FolderID    string    `json:"folder_id"`
	Fingerprint string    `json:"fingerprint"`
	RemoteID    string    `json:"remote_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewFileJournal opens the journal of mailbox in stateDir. With persist
// false existing records are loaded but nothing is written.
func NewFileJournal(stateDir, mailbox string, persist bool) (*FileJournal, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if strings.TrimSpace(mailbox) == "" {
		return nil, fmt.Errorf("journal mailbox is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	journal := &FileJournal{
		MemoryJournal: NewMemoryJournal(),
		path:          filepath.Join(stateDir, FileName(mailbox)),
		persist:       persist,
	}

	if err := journal.load(); err != nil {
		return nil, err
	}

	if persist {
		file, err := os.OpenFile(journal.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open journal for append: %w", err)
		}
		journal.file = file
		journal.writer = bufio.NewWriterSize(file, 64*1024)
	}

	return journal, nil
}

// FileName is the journal file name used for mailbox.
func FileName(mailbox string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '@', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, strings.ToLower(strings.TrimSpace(mailbox)))
	return safe + ".jsonl"
}

func (f *FileJournal) Path() string {
	return f.path
}

func (f *FileJournal) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse journal line %d: %w", line, err)
		}
		if record.Fingerprint == "" {
			continue
		}

		f.mu.Lock()
		f.created[key(record.FolderID, record.Fingerprint)] = record.RemoteID
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	return nil
}

func (f *FileJournal) Record(folderID, fingerprint, remoteID string) error {
	if fingerprint == "" {
		return nil
	}

	k := key(folderID, fingerprint)
	f.mu.Lock()
	if _, exists := f.created[k]; exists {
		f.mu.Unlock()
		return nil
	}
	f.created[k] = remoteID
	f.mu.Unlock()

	if !f.persist {
		return nil
	}

	record := fileRecord{FolderID: folderID, Fingerprint: fingerprint, RemoteID: remoteID, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if f.writer == nil {
		return fmt.Errorf("journal %s is closed", f.path)
	}
	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	return nil
}

// Flush writes any buffered records to the file.
func (f *FileJournal) Flush() error {
	if !f.persist || f.writer == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// Close flushes and closes the journal file.
func (f *FileJournal) Close() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if f.writer != nil {
		if err := f.writer.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush journal: %w", err)
		}
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync journal: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close journal: %w", err)
	}
	f.file = nil
	f.writer = nil

	return firstErr
}
