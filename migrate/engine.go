// Package migrate copies an archive folder tree into a remote mailbox.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/dhcgn/archive-to-mailbox/archive"
	"github.com/dhcgn/archive-to-mailbox/mailbox"
	"github.com/dhcgn/archive-to-mailbox/stats"
)

// DefaultMessageIDDomain is used for synthesized message ids.
const DefaultMessageIDDomain = "archive-to-mailbox.local"

// Journal remembers messages created by earlier runs.
type Journal interface {
	Seen(folderID, fingerprint string) bool
	Record(folderID, fingerprint, remoteID string) error
}

// Filter decides whether a message takes part in the migration.
type Filter interface {
	Allows(msg *archive.Message) bool
}

type Options struct {
	// ContinueOnFolderError skips a failed folder subtree instead of
	// aborting the import.
	ContinueOnFolderError bool
	// FoldersOnly mirrors the folder tree without migrating messages.
	FoldersOnly bool
	// MaxAttachmentSize limits a single attachment in bytes; 0 is unlimited.
	MaxAttachmentSize int64
	MessageIDDomain   string

	Journal Journal
	Filter  Filter
	Now     func() time.Time
}

// Engine runs imports against one mailbox client. Imports are sequential:
// every remote call completes before the next one is issued.
type Engine struct {
	client mailbox.Client
	opts   Options
	logger *slog.Logger
}

func New(client mailbox.Client, opts Options, logger *slog.Logger) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MessageIDDomain == "" {
		opts.MessageIDDomain = DefaultMessageIDDomain
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{client: client, opts: opts, logger: logger}
}

// Import migrates the messages of source into the existing target folder
// and synchronizes the children of source below it.
func (e *Engine) Import(ctx context.Context, run *stats.Run, source archive.Folder, targetID string) error {
	path := "/" + source.DisplayName()
	run.Logf("Starting import of %s", source.DisplayName())

	if err := e.migrateFolder(ctx, run, source, targetID, path); err != nil {
		return e.folderFailed(ctx, run, path, err)
	}
	if err := e.syncChildren(ctx, run, source, targetID, path); err != nil {
		return err
	}

	run.Logf("Import of %s finished", source.DisplayName())
	return nil
}

// Sync matches source against the children of parentID, creating the
// folder when no child matches, migrates its messages and recurses into
// its children. It returns the resolved folder id, or "" when the folder
// failed and ContinueOnFolderError skipped it.
func (e *Engine) Sync(ctx context.Context, run *stats.Run, source archive.Folder, parentID string) (string, error) {
	return e.sync(ctx, run, source, parentID, "/"+source.DisplayName())
}

func (e *Engine) sync(ctx context.Context, run *stats.Run, source archive.Folder, parentID, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	targetID, err := e.resolveFolder(ctx, run, source.DisplayName(), parentID)
	if err == nil {
		err = e.migrateFolder(ctx, run, source, targetID, path)
	}
	if err != nil {
		return "", e.folderFailed(ctx, run, path, err)
	}

	if err := e.syncChildren(ctx, run, source, targetID, path); err != nil {
		return targetID, err
	}
	return targetID, nil
}

func (e *Engine) syncChildren(ctx context.Context, run *stats.Run, source archive.Folder, targetID, path string) error {
	if !source.HasChildren() {
		return nil
	}
	children, err := source.Children()
	if err != nil {
		return e.folderFailed(ctx, run, path, fmt.Errorf("list archive children: %w", err))
	}
	for _, child := range children {
		if _, err := e.sync(ctx, run, child, targetID, path+"/"+child.DisplayName()); err != nil {
			return err
		}
	}
	return nil
}

// resolveFolder returns the id of the child of parentID whose normalized
// name equals name, creating it with the original name when absent.
func (e *Engine) resolveFolder(ctx context.Context, run *stats.Run, name, parentID string) (string, error) {
	existing, err := e.client.ListChildFolders(ctx, parentID)
	if err != nil {
		return "", fmt.Errorf("list child folders of %q: %w", parentID, err)
	}

	want := NormalizeName(name)
	for _, f := range existing {
		if NormalizeName(f.DisplayName) == want {
			run.FolderResolved(false)
			e.logger.Debug("folder exists", "name", name, "id", f.ID, "parent", parentID)
			return f.ID, nil
		}
	}

	created, err := e.client.CreateChildFolder(ctx, parentID, name)
	if err != nil {
		return "", fmt.Errorf("create folder %q: %w", name, err)
	}
	run.FolderResolved(true)
	run.Logf("Created folder %s", name)
	e.logger.Info("folder created", "name", name, "id", created.ID, "parent", parentID)
	return created.ID, nil
}

// folderFailed reports a folder failure. It returns nil when the failure
// is skipped.
func (e *Engine) folderFailed(ctx context.Context, run *stats.Run, path string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	run.FolderFailed(path, err)
	e.logger.Error("folder failed", "folder", path, "err", err)
	if e.opts.ContinueOnFolderError {
		return nil
	}
	return fmt.Errorf("folder %s: %w", path, err)
}

func (e *Engine) migrateFolder(ctx context.Context, run *stats.Run, folder archive.Folder, targetID, path string) error {
	if e.opts.FoldersOnly {
		run.EnterFolder(path, 0)
		run.ExitFolder()
		return nil
	}

	count, err := folder.ContentCount()
	if err != nil {
		return fmt.Errorf("count items: %w", err)
	}
	run.EnterFolder(path, count)

	cur, err := folder.Messages()
	if err != nil {
		return fmt.Errorf("open messages: %w", err)
	}
	defer cur.Close()
	if err := cur.Reset(); err != nil {
		return fmt.Errorf("reset cursor: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := cur.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var msgErr *archive.MessageError
			if !errors.As(err, &msgErr) {
				return fmt.Errorf("read messages: %w", err)
			}
			run.Fail(err, "Failed to read a message in %s", path)
			e.logger.Warn("message unreadable", "folder", path, "index", msgErr.Index, "err", msgErr.Err)
			run.Record(stats.OutcomeError, "")
			continue
		}

		if err := e.migrateMessage(ctx, run, msg, targetID, path); err != nil {
			return err
		}
	}

	run.ExitFolder()
	return nil
}

// NormalizeName is the key folder names are matched by: internal
// whitespace collapsed, trimmed and case folded.
func NormalizeName(name string) string {
	return cases.Fold().String(strings.Join(strings.Fields(name), " "))
}
