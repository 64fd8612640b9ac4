package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dhcgn/archive-to-mailbox/archive"
	"github.com/dhcgn/archive-to-mailbox/config"
	"github.com/dhcgn/archive-to-mailbox/filter"
	"github.com/dhcgn/archive-to-mailbox/graph"
	"github.com/dhcgn/archive-to-mailbox/imap"
	"github.com/dhcgn/archive-to-mailbox/mailbox"
	"github.com/dhcgn/archive-to-mailbox/migrate"
	"github.com/dhcgn/archive-to-mailbox/model"
	"github.com/dhcgn/archive-to-mailbox/progress"
	"github.com/dhcgn/archive-to-mailbox/state"
	"github.com/dhcgn/archive-to-mailbox/stats"
)

var (
	ErrBusy            = errors.New("an import is already running")
	ErrStorageNotFound = errors.New("storage directory not found")
)

// Connector opens a client for mailbox. The returned func releases it.
type Connector func(ctx context.Context, mailbox string) (mailbox.Client, func() error, error)

type Option func(*Runner)

// WithConnector replaces the backend selected by the config.
func WithConnector(c Connector) Option {
	return func(r *Runner) {
		r.connect = c
	}
}

// WithSink adds an observer of every import.
func WithSink(s stats.Sink) Option {
	return func(r *Runner) {
		r.sinks = append(r.sinks, s)
	}
}

// WithRunStart adds fn to the calls made when an import takes the run slot,
// before its first event. Rejected imports do not call it.
func WithRunStart(fn func()) Option {
	return func(r *Runner) {
		r.onStart = append(r.onStart, fn)
	}
}

// Runner is the invocation surface shared by the CLI and the HTTP API.
// It runs one import at a time and fans progress out to subscribers.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	connect Connector
	filter  *filter.Filter
	events  *progress.Channel
	sinks   []stats.Sink
	onStart []func()

	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	importMu sync.Mutex
	current  atomic.Pointer[stats.Run]
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*Runner, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	f, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	})
	if err != nil {
		return nil, fmt.Errorf("create filter: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		filter: f,
		events: progress.NewChannel(),
	}
	r.connect = r.dial
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

// Events is the progress channel every import publishes to.
func (r *Runner) Events() *progress.Channel {
	return r.events
}

// SubscribeStats runs fn with a subscription to the progress channel until
// the runner is closed.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	events, unsubscribe := r.events.Subscribe(256)
	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		defer unsubscribe()
		if err := fn(r.ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

// Close ends all subscriptions and waits for the subscribers to return.
func (r *Runner) Close() error {
	r.events.Close()
	r.statsWG.Wait()
	r.cancel()

	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Current returns the stats of the running or last import.
func (r *Runner) Current() (stats.MigrationStats, bool) {
	run := r.current.Load()
	if run == nil {
		return stats.MigrationStats{}, false
	}
	return run.Snapshot(), true
}

// ListArchiveFiles returns the archives in the storage directory.
func (r *Runner) ListArchiveFiles() ([]string, error) {
	if err := r.checkStorage(); err != nil {
		return nil, err
	}
	return archive.ListFiles(r.cfg.StorageDir)
}

// AnalyzeArchive returns the folder tree of an archive in the storage
// directory.
func (r *Runner) AnalyzeArchive(file string) (model.FolderNode, error) {
	a, err := r.OpenArchive(file)
	if err != nil {
		return model.FolderNode{}, err
	}
	defer a.Close()

	return archive.Analyze(a.Root())
}

// TargetFolders returns the folder tree of mailbox. An empty mailbox uses
// the configured one.
func (r *Runner) TargetFolders(ctx context.Context, mailboxName string) ([]model.FolderNode, error) {
	if mailboxName == "" {
		mailboxName = r.cfg.Mailbox
	}
	client, release, err := r.connect(ctx, mailboxName)
	if err != nil {
		return nil, err
	}
	defer r.release(release)

	return folderTree(ctx, client, "")
}

func folderTree(ctx context.Context, client mailbox.Client, parentID string) ([]model.FolderNode, error) {
	folders, err := client.ListChildFolders(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("list folders of %q: %w", parentID, err)
	}

	nodes := make([]model.FolderNode, 0, len(folders))
	for _, f := range folders {
		node := model.FolderNode{ID: f.ID, Text: f.DisplayName}
		if f.ChildFolderCount > 0 {
			children, err := folderTree(ctx, client, f.ID)
			if err != nil {
				return nil, err
			}
			node.Children = children
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// ImportSelection imports the selected archive folder into the selected
// target folder. The stats of the run are returned also when it fails.
func (r *Runner) ImportSelection(ctx context.Context, req model.ImportRequest) (stats.MigrationStats, error) {
	if !r.importMu.TryLock() {
		return stats.MigrationStats{}, ErrBusy
	}
	defer r.importMu.Unlock()

	for _, fn := range r.onStart {
		fn()
	}

	if req.Mailbox == "" {
		req.Mailbox = r.cfg.Mailbox
	}
	if req.SourceFolderID == "" {
		req.SourceFolderID = archive.RootID
	}

	run := stats.NewRun(stats.Multi(append([]stats.Sink{r.events}, r.sinks...)...))
	r.current.Store(run)

	err := r.runImport(ctx, run, req)
	snapshot := run.Snapshot()
	duration := time.Since(run.Started())
	if err != nil {
		run.Fail(err, "Import of %s failed", req.ArchiveFile)
		r.logger.Error("import failed", append([]any{"duration", duration, "err", err}, snapshot.LogAttrs()...)...)
		return snapshot, err
	}

	run.Logf("Import of %s completed", req.ArchiveFile)
	r.logger.Info("import completed", append([]any{"duration", duration}, snapshot.LogAttrs()...)...)
	return snapshot, nil
}

func (r *Runner) runImport(ctx context.Context, run *stats.Run, req model.ImportRequest) error {
	a, err := r.OpenArchive(req.ArchiveFile)
	if err != nil {
		return err
	}
	defer a.Close()

	source, err := archive.Resolve(a.Root(), req.SourceFolderID)
	if err != nil {
		return err
	}

	client, release, err := r.connect(ctx, req.Mailbox)
	if err != nil {
		return err
	}
	defer r.release(release)

	if r.cfg.DryRun {
		client = mailbox.DryRun(client, r.logger)
	}

	journal, err := state.NewFileJournal(r.cfg.StateDir, r.cfg.Backend+"-"+req.Mailbox, !r.cfg.DryRun)
	if err != nil {
		return fmt.Errorf("state journal: %w", err)
	}
	defer func() {
		if err := journal.Close(); err != nil {
			r.logger.Warn("journal close failed", "path", journal.Path(), "err", err)
		}
	}()

	opts := migrate.Options{
		ContinueOnFolderError: r.cfg.ContinueOnFolderError,
		FoldersOnly:           r.cfg.FoldersOnly,
		MaxAttachmentSize:     r.cfg.MaxAttachmentSize,
		MessageIDDomain:       r.cfg.MessageIDDomain,
		Journal:               journal,
	}
	if r.filter.Active() {
		opts.Filter = r.filter
	}

	r.logger.Info("import started",
		"archive", req.ArchiveFile,
		"source", req.SourceFolderID,
		"mailbox", req.Mailbox,
		"target", req.TargetFolderID,
		"dryRun", r.cfg.DryRun,
		"journal", journal.Path(),
	)
	return migrate.New(client, opts, r.logger).Import(ctx, run, source, req.TargetFolderID)
}

func (r *Runner) checkStorage() error {
	info, err := os.Stat(r.cfg.StorageDir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return fmt.Errorf("%w: %s", ErrStorageNotFound, r.cfg.StorageDir)
	}
	if err != nil {
		return fmt.Errorf("storage directory: %w", err)
	}
	return nil
}

// OpenArchive opens a file directly inside the storage directory.
func (r *Runner) OpenArchive(file string) (archive.Archive, error) {
	if err := r.checkStorage(); err != nil {
		return nil, err
	}
	if file == "" || file != filepath.Base(file) || file == "." || file == ".." {
		return nil, fmt.Errorf("%w: archive %q", archive.ErrNotFound, file)
	}
	return archive.Open(filepath.Join(r.cfg.StorageDir, file))
}

func (r *Runner) dial(ctx context.Context, mailboxName string) (mailbox.Client, func() error, error) {
	switch r.cfg.Backend {
	case config.BackendGraph:
		client, err := graph.New(ctx, graph.Options{
			TenantID:     r.cfg.GraphTenantID,
			ClientID:     r.cfg.GraphClientID,
			ClientSecret: r.cfg.GraphClientSecret,
			Mailbox:      mailboxName,
			BaseURL:      r.cfg.GraphBaseURL,
		}, r.logger)
		if err != nil {
			return nil, nil, err
		}
		return client, func() error { return nil }, nil
	case config.BackendIMAP:
		if mailboxName != "" && mailboxName != r.cfg.Mailbox {
			return nil, nil, &mailbox.ServiceError{Op: "imap login", Message: "the imap backend only serves " + r.cfg.Mailbox, Err: mailbox.ErrUnauthorized}
		}
		client, err := imap.Dial(ctx, imap.Options{
			Host:               r.cfg.IMAPHost,
			Port:               r.cfg.IMAPPort,
			Username:           r.cfg.IMAPUser,
			Password:           r.cfg.IMAPPass,
			Token:              r.cfg.IMAPToken,
			UseTLS:             r.cfg.UseTLS,
			InsecureSkipVerify: r.cfg.InsecureSkipVerify,
		}, r.logger)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", r.cfg.Backend)
}

func (r *Runner) release(fn func() error) {
	if fn == nil {
		return
	}
	if err := fn(); err != nil {
		r.logger.Debug("mailbox client close", "err", err)
	}
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
