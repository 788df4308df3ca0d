package intake

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jhillyerd/enmime"

	"basepack/internal"
	"basepack/internal/blob"
	"basepack/internal/config"
	"basepack/internal/pipeline"
	"basepack/internal/queue"
	"basepack/internal/storage"
)

type fakeConnector struct {
	mail []internal.PicklistMail
}

func (f *fakeConnector) FetchInbox(string, int) ([]internal.PicklistMail, error) {
	return f.mail, nil
}

type recordingQueue struct {
	tasks []map[string]any
}

func (q *recordingQueue) Enqueue(_ string, args map[string]any) (string, error) {
	q.tasks = append(q.tasks, args)
	return "task-1", nil
}

func (q *recordingQueue) Status(string) (queue.Status, bool) { return queue.Status{}, false }

func buildMail(t *testing.T, subject string, attachment []byte, filename string) []byte {
	t.Helper()
	b := enmime.Builder().
		From("Shop", "orders@example.com").
		To("Print", "print@example.com").
		Subject(subject).
		Text([]byte("picklist attached"))
	if attachment != nil {
		b = b.AddAttachment(attachment, "application/octet-stream", filename)
	}
	part, err := b.Build()
	if err != nil {
		t.Fatalf("build mail: %v", err)
	}
	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		t.Fatalf("encode mail: %v", err)
	}
	return buf.Bytes()
}

func TestPicklistAttachment(t *testing.T) {
	raw := buildMail(t, "order", []byte("%PDF-fake"), "picklist.pdf")
	att, err := PicklistAttachment(raw)
	if err != nil {
		t.Fatalf("attachment: %v", err)
	}
	if att.Filename != "picklist.pdf" || !bytes.Equal(att.Content, []byte("%PDF-fake")) {
		t.Fatalf("attachment: %+v", att)
	}

	if _, err := PicklistAttachment(buildMail(t, "hi", nil, "")); err == nil {
		t.Fatal("expected error for mail without attachment")
	}

	if _, err := PicklistAttachment(buildMail(t, "photo", []byte("JFIF"), "photo.jpg")); err == nil {
		t.Fatal("expected error for non-picklist attachment")
	}
}

func TestListenerCycle(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	defer db.Close()
	store, err := blob.NewLocal(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("blob: %v", err)
	}

	tenant, err := db.EnsureTenant("acme")
	if err != nil {
		t.Fatalf("tenant: %v", err)
	}
	if _, err := db.UpsertMachine(internal.Machine{
		TenantID: tenant.ID, Name: "dtf-60", MaxWidthMM: 600, MaxLengthMM: 2000,
	}); err != nil {
		t.Fatalf("machine: %v", err)
	}

	cfg := config.Config{
		MailListenerProvider:  "imap",
		MailListenerLabel:     "INBOX",
		MailListenerFetchMax:  10,
		MailListenerAutoQueue: true,
		MailListenerTenant:    "acme",
		MailListenerMachine:   "dtf-60",
		MailListenerMode:      "sequence",
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipe := pipeline.New(log, cfg, db, store)
	q := &recordingQueue{}

	connector := &fakeConnector{mail: []internal.PicklistMail{
		{
			Provider: "imap", MessageID: "<m1@example.com>", Subject: "order 1",
			From: "orders@example.com", ReceivedAt: "2026-08-30T10:00:00Z",
			Raw: buildMail(t, "order 1", []byte("fake-xlsx"), "order.xlsx"),
		},
		{
			Provider: "imap", MessageID: "<m2@example.com>", Subject: "newsletter",
			From: "news@example.com", ReceivedAt: "2026-08-30T10:01:00Z",
			Raw: buildMail(t, "newsletter", nil, ""),
		},
	}}

	l := NewListener(log, cfg, db, store, pipe, q, connector)
	if err := l.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if len(q.tasks) != 1 {
		t.Fatalf("queued tasks = %d, want 1", len(q.tasks))
	}
	jobID := q.tasks[0]["job_id"].(int64)
	job, err := db.GetJob(jobID)
	if err != nil || job == nil {
		t.Fatalf("job missing: %v", err)
	}
	if job.Status != internal.JobQueued {
		t.Fatalf("job status = %s", job.Status)
	}
	if _, err := store.Stat(context.Background(), job.PicklistURI); err != nil {
		t.Fatalf("picklist not stored: %v", err)
	}

	queued, err := db.ListMailsByStatus("queued", 10)
	if err != nil || len(queued) != 1 {
		t.Fatalf("queued mails: %v (%d)", err, len(queued))
	}
	ignored, err := db.ListMailsByStatus("ignored", 10)
	if err != nil || len(ignored) != 1 {
		t.Fatalf("ignored mails: %v (%d)", err, len(ignored))
	}

	// A second cycle with the same inbox must not duplicate mail rows
	// or jobs.
	if err := l.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	all, err := db.ListMailsByStatus("queued", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("mail duplicated: %d", len(all))
	}
}
