package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dhcgn/archive-to-mailbox/dedup"
)

const dryRunPrefix = "dry-run-"

type dryRun struct {
	next   Client
	logger *slog.Logger

	mu sync.Mutex
	n  int
}

// DryRun wraps a client so reads reach the remote and writes are only
// logged. Folders it pretends to create have synthetic ids that are never
// sent to the remote.
func DryRun(next Client, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &dryRun{next: next, logger: logger}
}

func (d *dryRun) ListChildFolders(ctx context.Context, parentID string) ([]Folder, error) {
	if isSynthetic(parentID) {
		return nil, nil
	}
	return d.next.ListChildFolders(ctx, parentID)
}

func (d *dryRun) CreateChildFolder(_ context.Context, parentID, displayName string) (Folder, error) {
	f := Folder{ID: d.id("folder"), DisplayName: displayName, ParentID: parentID}
	d.logger.Debug("dry-run create folder", "parent", parentID, "name", displayName, "id", f.ID)
	return f, nil
}

func (d *dryRun) FindMessage(ctx context.Context, folderID string, f dedup.Filter) (bool, error) {
	if isSynthetic(folderID) {
		return false, nil
	}
	return d.next.FindMessage(ctx, folderID, f)
}

func (d *dryRun) CreateMessage(_ context.Context, folderID string, msg *Message) (string, error) {
	id := d.id("message")
	d.logger.Debug("dry-run create message", "folder", folderID, "subject", msg.Subject, "messageID", msg.InternetMessageID, "attachments", len(msg.Attachments))
	return id, nil
}

func (d *dryRun) id(kind string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.n++
	return fmt.Sprintf("%s%s-%d", dryRunPrefix, kind, d.n)
}

func isSynthetic(id string) bool {
	return strings.HasPrefix(id, dryRunPrefix)
}
