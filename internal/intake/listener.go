package intake

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"basepack/internal"
	"basepack/internal/blob"
	"basepack/internal/config"
	"basepack/internal/pipeline"
	"basepack/internal/queue"
	"basepack/internal/storage"
)

// TaskProcessJob mirrors the server's queue task name so listener jobs
// run through the same worker handler.
const TaskProcessJob = "process_job"

// Listener polls a mailbox on an interval, stores new mail, and turns
// each picklist attachment into a queued job.
type Listener struct {
	log       *slog.Logger
	cfg       config.Config
	db        *storage.DB
	store     blob.Store
	pipe      *pipeline.Pipeline
	queue     queue.Queue
	connector MailConnector
}

func NewListener(log *slog.Logger, cfg config.Config, db *storage.DB, store blob.Store, pipe *pipeline.Pipeline, q queue.Queue, connector MailConnector) *Listener {
	return &Listener{log: log, cfg: cfg, db: db, store: store, pipe: pipe, queue: q, connector: connector}
}

func (l *Listener) Run(ctx context.Context) error {
	interval := time.Duration(l.cfg.MailListenerIntervalSec) * time.Second
	for {
		if err := l.RunCycle(ctx); err != nil {
			l.log.Error("listener cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// RunCycle does one fetch-store-queue pass.
func (l *Listener) RunCycle(ctx context.Context) error {
	tenant, machineID, err := l.target()
	if err != nil {
		return err
	}

	fetcher := NewFetchService(l.db, l.store, l.connector, tenant.ID)
	result, err := fetcher.FetchAndStore(ctx, l.cfg.MailListenerLabel, l.cfg.MailListenerFetchMax)
	if err != nil {
		return err
	}

	queued := 0
	if l.cfg.MailListenerAutoQueue {
		queued, err = l.queueFetched(ctx, tenant.ID, machineID)
		if err != nil {
			return err
		}
	}

	l.log.Info("listener cycle done",
		"provider", l.cfg.MailListenerProvider,
		"fetched", result.Fetched, "stored", result.Stored, "queued", queued)
	return nil
}

// queueFetched creates one job per stored mail that carries a picklist.
// Mail without a usable attachment is marked ignored, not retried.
func (l *Listener) queueFetched(ctx context.Context, tenantID, machineID int64) (int, error) {
	mails, err := l.db.ListMailsByStatus("fetched", l.cfg.MailListenerFetchMax)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, mail := range mails {
		if mail.TenantID != tenantID {
			continue
		}
		raw, err := l.store.Download(ctx, mail.RawRef)
		if err != nil {
			l.log.Error("raw mail unreadable", "mail", mail.ID, "error", err)
			_ = l.db.UpdateMailStatus(mail.ID, "error")
			continue
		}

		att, err := PicklistAttachment(raw)
		if err != nil {
			l.log.Warn("mail without picklist", "mail", mail.ID, "subject", mail.Subject)
			_ = l.db.UpdateMailStatus(mail.ID, "ignored")
			continue
		}

		key := fmt.Sprintf("picklists/%d/mail-%d%s", tenantID, mail.ID, strings.ToLower(path.Ext(att.Filename)))
		if _, err := l.store.Upload(ctx, key, att.Content); err != nil {
			return queued, err
		}

		jobID, err := l.pipe.CreateJob(tenantID, machineID, nil, internal.JobMode(l.cfg.MailListenerMode), key)
		if err != nil {
			l.log.Error("job creation from mail failed", "mail", mail.ID, "error", err)
			_ = l.db.UpdateMailStatus(mail.ID, "error")
			continue
		}
		if _, err := l.queue.Enqueue(TaskProcessJob, map[string]any{"job_id": jobID}); err != nil {
			return queued, err
		}

		_ = l.db.UpdateMailStatus(mail.ID, "queued")
		l.log.Info("job queued from mail", "mail", mail.ID, "job", jobID, "attachment", att.Filename)
		queued++
	}
	return queued, nil
}

func (l *Listener) target() (*internal.Tenant, int64, error) {
	if err := l.cfg.Require("MAIL_LISTENER_TENANT", l.cfg.MailListenerTenant); err != nil {
		return nil, 0, err
	}
	if err := l.cfg.Require("MAIL_LISTENER_MACHINE", l.cfg.MailListenerMachine); err != nil {
		return nil, 0, err
	}

	tenant, err := l.db.GetTenantByName(l.cfg.MailListenerTenant)
	if err != nil {
		return nil, 0, err
	}
	if tenant == nil {
		return nil, 0, fmt.Errorf("listener tenant %q not found", l.cfg.MailListenerTenant)
	}

	machines, err := l.db.ListMachines(tenant.ID)
	if err != nil {
		return nil, 0, err
	}
	for _, m := range machines {
		if m.Name == l.cfg.MailListenerMachine {
			return tenant, m.ID, nil
		}
	}
	return nil, 0, fmt.Errorf("listener machine %q not found for tenant %q", l.cfg.MailListenerMachine, l.cfg.MailListenerTenant)
}
