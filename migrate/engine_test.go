package migrate

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/archive-to-mailbox/archive"
	"github.com/dhcgn/archive-to-mailbox/dedup"
	"github.com/dhcgn/archive-to-mailbox/mailbox"
	"github.com/dhcgn/archive-to-mailbox/stats"
)

var fixedNow = time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

func note(subject string) *archive.Message {
	return &archive.Message{
		Class:         archive.ClassNote,
		Subject:       subject,
		SenderName:    "Alice",
		SenderAddress: "alice@example.com",
		DisplayTo:     "bob@example.com",
		BodyText:      "body of " + subject,
		DeliveryTime:  time.Date(2023, 5, 4, 10, 30, 0, 0, time.UTC),
	}
}

func newEngine(client mailbox.Client, opts Options) *Engine {
	opts.Now = func() time.Time { return fixedNow }
	return New(client, opts, nil)
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Projects", want: "projects"},
		{in: "Projects ", want: "projects"},
		{in: "  My   Projects\t", want: "my projects"},
		{in: "STRASSE", want: "strasse"},
		{in: "ÉTÉ", want: "été"},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeName(tt.in), tt.in)
	}
}

func sourceTree() *archive.MemoryFolder {
	return &archive.MemoryFolder{
		Name:  "Inbox",
		Items: []*archive.Message{note("root mail")},
		Sub: []*archive.MemoryFolder{
			{Name: "Projects", Items: []*archive.Message{note("project mail")}},
			{Name: "Archive", Sub: []*archive.MemoryFolder{
				{Name: "2023", Items: []*archive.Message{note("old mail")}},
			}},
		},
	}
}

func TestSync_Idempotent(t *testing.T) {
	ctx := context.Background()
	client := mailbox.NewMemory()
	engine := newEngine(client, Options{})

	first := stats.NewRun(nil)
	id1, err := engine.Sync(ctx, first, sourceTree(), "")
	require.NoError(t, err)
	assert.Equal(t, 4, client.CreatedFolders())
	assert.Equal(t, 4, first.Snapshot().CreatedFolders)
	assert.Equal(t, 3, first.Snapshot().ProcessedEmails)

	second := stats.NewRun(nil)
	id2, err := engine.Sync(ctx, second, sourceTree(), "")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 4, client.CreatedFolders())

	snap := second.Snapshot()
	assert.Equal(t, 0, snap.CreatedFolders)
	assert.Equal(t, 4, snap.ExistingFolders)
	assert.Equal(t, 0, snap.ProcessedEmails)
	assert.Equal(t, snap.TotalEmails, snap.SkippedEmails)

	archived, err := client.Lookup("Inbox", "Archive", "2023")
	require.NoError(t, err)
	assert.Len(t, client.Messages(archived.ID), 1)
}

func TestSync_NormalizedNameReusesFolder(t *testing.T) {
	ctx := context.Background()
	client := mailbox.NewMemory()
	existing := client.AddFolder("", "Projects")
	engine := newEngine(client, Options{})

	run := stats.NewRun(nil)
	id, err := engine.Sync(ctx, run, &archive.MemoryFolder{Name: "projects "}, "")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, id)
	assert.Equal(t, 0, client.CreatedFolders())
	assert.Len(t, client.Children(""), 1)
}

func TestSync_CreatesWithOriginalName(t *testing.T) {
	client := mailbox.NewMemory()
	engine := newEngine(client, Options{})

	_, err := engine.Sync(context.Background(), stats.NewRun(nil), &archive.MemoryFolder{Name: "  Sent  Items "}, "")
	require.NoError(t, err)
	children := client.Children("")
	require.Len(t, children, 1)
	assert.Equal(t, "  Sent  Items ", children[0].DisplayName)
}

func TestImport_ClassFilter(t *testing.T) {
	client := mailbox.NewMemory()
	target := client.AddFolder("", "Inbox")
	engine := newEngine(client, Options{})

	task := note("call back")
	task.Class = archive.ClassTask
	source := &archive.MemoryFolder{Name: "Inbox", Items: []*archive.Message{note("one"), task, note("two")}}

	run := stats.NewRun(nil)
	require.NoError(t, engine.Import(context.Background(), run, source, target.ID))

	snap := run.Snapshot()
	assert.Equal(t, 3, snap.TotalEmails)
	assert.Equal(t, 2, snap.ProcessedEmails)
	assert.Equal(t, 1, snap.SkippedEmails)
	assert.Equal(t, 0, snap.ErrorEmails)
	assert.Len(t, client.Messages(target.ID), 2)
}

func TestImport_RerunSkipsEverything(t *testing.T) {
	ctx := context.Background()
	client := mailbox.NewMemory()
	target := client.AddFolder("", "Inbox")
	engine := newEngine(client, Options{})

	require.NoError(t, engine.Import(ctx, stats.NewRun(nil), sourceTree(), target.ID))
	created := client.MessageCount()

	run := stats.NewRun(nil)
	require.NoError(t, engine.Import(ctx, run, sourceTree(), target.ID))
	snap := run.Snapshot()
	assert.Equal(t, 0, snap.ProcessedEmails)
	assert.Equal(t, snap.TotalEmails, snap.SkippedEmails)
	assert.Equal(t, created, client.MessageCount())
}

func TestImport_SourceMessagesGoIntoTarget(t *testing.T) {
	client := mailbox.NewMemory()
	target := client.AddFolder("", "Imported")
	engine := newEngine(client, Options{})

	require.NoError(t, engine.Import(context.Background(), stats.NewRun(nil), sourceTree(), target.ID))

	assert.Len(t, client.Messages(target.ID), 1)
	projects, err := client.Lookup("Imported", "Projects")
	require.NoError(t, err)
	assert.Len(t, client.Messages(projects.ID), 1)
	_, err = client.Lookup("Imported", "Inbox")
	assert.ErrorIs(t, err, mailbox.ErrNotFound)
}

func TestImport_Duplicate(t *testing.T) {
	ctx := context.Background()
	client := mailbox.NewMemory()
	target := client.AddFolder("", "Inbox")
	engine := newEngine(client, Options{})

	first := note("Status")
	second := note("Status")
	second.DeliveryTime = first.DeliveryTime.Add(20 * time.Second)
	source := &archive.MemoryFolder{Name: "Inbox", Items: []*archive.Message{first, second}}

	run := stats.NewRun(nil)
	require.NoError(t, engine.Import(ctx, run, source, target.ID))
	assert.Equal(t, 1, run.Snapshot().ProcessedEmails)
	assert.Equal(t, 1, run.Snapshot().SkippedEmails)
}

func TestImport_PartialFailureAndAccounting(t *testing.T) {
	client := mailbox.NewMemory()
	target := client.AddFolder("", "Inbox")
	client.FailCreateMessage = func(_ string, msg *mailbox.Message) error {
		if msg.Subject == "bad" {
			return &mailbox.ServiceError{Op: "create message", StatusCode: 400, Code: "ErrorInvalidRequest"}
		}
		return nil
	}
	client.FailFind = func(_ string, f dedup.Filter) error {
		if f.Subject == "unlucky" {
			return errors.New("throttled")
		}
		return nil
	}
	engine := newEngine(client, Options{})

	appointment := note("meeting")
	appointment.Class = archive.ClassAppointment
	source := &archive.MemoryFolder{
		Name:  "Inbox",
		Items: []*archive.Message{note("good one"), note("bad"), nil, note("unlucky"), appointment, note("good two")},
	}

	rec := &recorder{}
	run := stats.NewRun(rec)
	require.NoError(t, engine.Import(context.Background(), run, source, target.ID))

	snap := run.Snapshot()
	assert.Equal(t, 6, snap.TotalEmails)
	assert.Equal(t, 2, snap.ProcessedEmails)
	assert.Equal(t, 1, snap.SkippedEmails)
	assert.Equal(t, 3, snap.ErrorEmails)
	assert.Equal(t, snap.TotalEmails, snap.ProcessedEmails+snap.SkippedEmails+snap.ErrorEmails)
	assert.Equal(t, "good two", snap.CurrentFileName)

	assert.Len(t, rec.ofType(stats.EventTypeProgress), 6)
	var failures []string
	for _, e := range rec.ofType(stats.EventTypeLog) {
		if e.Err != nil {
			failures = append(failures, e.Text)
		}
	}
	assert.Len(t, failures, 3)
}

func TestImport_FolderFailureAborts(t *testing.T) {
	client := mailbox.NewMemory()
	target := client.AddFolder("", "Inbox")
	client.FailCreateFolder = func(_, name string) error {
		if name == "Projects" {
			return &mailbox.ServiceError{Op: "create child folder", StatusCode: 503}
		}
		return nil
	}
	engine := newEngine(client, Options{})

	run := stats.NewRun(nil)
	err := engine.Import(context.Background(), run, sourceTree(), target.ID)
	require.Error(t, err)
	var svcErr *mailbox.ServiceError
	assert.ErrorAs(t, err, &svcErr)
	assert.Contains(t, err.Error(), "/Inbox/Projects")

	snap := run.Snapshot()
	assert.Equal(t, 1, snap.ProcessedEmails)
	assert.Equal(t, 1, snap.ErrorFolders)
	_, lookupErr := client.Lookup("Inbox", "Archive")
	assert.ErrorIs(t, lookupErr, mailbox.ErrNotFound)
}

func TestImport_ContinueOnFolderError(t *testing.T) {
	client := mailbox.NewMemory()
	target := client.AddFolder("", "Inbox")
	client.FailCreateFolder = func(_, name string) error {
		if name == "Projects" {
			return errors.New("quota exceeded")
		}
		return nil
	}
	engine := newEngine(client, Options{ContinueOnFolderError: true})

	run := stats.NewRun(nil)
	require.NoError(t, engine.Import(context.Background(), run, sourceTree(), target.ID))

	snap := run.Snapshot()
	assert.Equal(t, 1, snap.ErrorFolders)
	assert.Equal(t, 2, snap.ProcessedEmails)
	year, err := client.Lookup("Inbox", "Archive", "2023")
	require.NoError(t, err)
	assert.Len(t, client.Messages(year.ID), 1)
}

func TestImport_UnknownTarget(t *testing.T) {
	engine := newEngine(mailbox.NewMemory(), Options{})
	run := stats.NewRun(nil)
	err := engine.Import(context.Background(), run, sourceTree(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, mailbox.ErrNotFound)
	assert.Equal(t, 1, run.Snapshot().ErrorEmails)
	assert.Equal(t, 1, run.Snapshot().ErrorFolders)
}

func TestImport_FoldersOnly(t *testing.T) {
	client := mailbox.NewMemory()
	target := client.AddFolder("", "Inbox")
	engine := newEngine(client, Options{FoldersOnly: true})

	run := stats.NewRun(nil)
	require.NoError(t, engine.Import(context.Background(), run, sourceTree(), target.ID))
	assert.Equal(t, 3, client.CreatedFolders())
	assert.Equal(t, 0, client.MessageCount())
	assert.Equal(t, 0, run.Snapshot().TotalEmails)
	assert.Equal(t, 4, run.Snapshot().ProcessedFolders)
}

func TestImport_Canceled(t *testing.T) {
	client := mailbox.NewMemory()
	target := client.AddFolder("", "Inbox")
	engine := newEngine(client, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := engine.Import(ctx, stats.NewRun(nil), sourceTree(), target.ID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, client.MessageCount())
}

type memJournal struct {
	seen    map[string]bool
	records []string
}

func (j *memJournal) Seen(folderID, fp string) bool { return j.seen[folderID+"/"+fp] }
func (j *memJournal) Record(folderID, fp, remoteID string) error {
	j.records = append(j.records, remoteID)
	return nil
}

func TestImport_Journal(t *testing.T) {
	client := mailbox.NewMemory()
	target := client.AddFolder("", "Inbox")
	known := note("known")
	fp := dedup.Build(known.Subject, known.SenderAddress, known.DeliveryTime).Fingerprint()
	journal := &memJournal{seen: map[string]bool{target.ID + "/" + fp: true}}
	engine := newEngine(client, Options{Journal: journal})

	source := &archive.MemoryFolder{Name: "Inbox", Items: []*archive.Message{known, note("fresh")}}
	run := stats.NewRun(nil)
	require.NoError(t, engine.Import(context.Background(), run, source, target.ID))

	assert.Equal(t, 1, run.Snapshot().SkippedEmails)
	assert.Equal(t, 1, client.FindCalls())
	require.Len(t, journal.records, 1)
	assert.Equal(t, client.Messages(target.ID)[0].ID, journal.records[0])
}

type subjectFilter string

func (f subjectFilter) Allows(msg *archive.Message) bool {
	return !strings.Contains(msg.Subject, string(f))
}

func TestImport_Filter(t *testing.T) {
	client := mailbox.NewMemory()
	target := client.AddFolder("", "Inbox")
	engine := newEngine(client, Options{Filter: subjectFilter("newsletter")})

	source := &archive.MemoryFolder{Name: "Inbox", Items: []*archive.Message{note("weekly newsletter"), note("invoice")}}
	run := stats.NewRun(nil)
	require.NoError(t, engine.Import(context.Background(), run, source, target.ID))
	assert.Equal(t, 1, run.Snapshot().SkippedEmails)
	assert.Equal(t, 1, run.Snapshot().ProcessedEmails)
	assert.Equal(t, 1, client.FindCalls())
}

func TestImport_NoSubject(t *testing.T) {
	client := mailbox.NewMemory()
	target := client.AddFolder("", "Inbox")
	engine := newEngine(client, Options{})

	source := &archive.MemoryFolder{Name: "Inbox", Items: []*archive.Message{note("  ")}}
	require.NoError(t, engine.Import(context.Background(), stats.NewRun(nil), source, target.ID))
	msgs := client.Messages(target.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, NoSubject, msgs[0].Message.Subject)
}

type recorder struct {
	events []stats.Event
}

func (r *recorder) Publish(evt stats.Event) { r.events = append(r.events, evt) }

func (r *recorder) ofType(t stats.EventType) []stats.Event {
	var out []stats.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func decodeAttachment(t *testing.T, a mailbox.Attachment) []byte {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(a.ContentBytes)
	require.NoError(t, err)
	return data
}
