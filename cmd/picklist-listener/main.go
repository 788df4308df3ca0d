package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"basepack/internal/blob"
	"basepack/internal/config"
	"basepack/internal/intake"
	gmailconnector "basepack/internal/intake/gmail"
	imapconnector "basepack/internal/intake/imap"
	"basepack/internal/pipeline"
	"basepack/internal/queue"
	"basepack/internal/storage"
)

func main() {
	cfg, err := config.Load()
	must(err)

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := makeStore(ctx, cfg)
	must(err)

	connector, err := makeConnector(cfg)
	must(err)

	pipe := pipeline.New(log, cfg, db, store)
	pool := queue.NewPool(log, cfg.WorkerCount, 0)
	defer pool.Close()
	pool.Register(intake.TaskProcessJob, func(ctx context.Context, args map[string]any) error {
		jobID, ok := args["job_id"].(int64)
		if !ok {
			return fmt.Errorf("task args missing job_id")
		}
		return pipe.ProcessJob(ctx, jobID)
	})

	listener := intake.NewListener(log, cfg, db, store, pipe, pool, connector)
	must(listener.Run(ctx))
}

func makeStore(ctx context.Context, cfg config.Config) (blob.Store, error) {
	switch strings.ToLower(cfg.BlobDriver) {
	case "", "local":
		return blob.NewLocal(cfg.AssetDir)
	case "gcs":
		return blob.NewGCS(ctx, cfg.GCSBucket, cfg.GCSPrefix)
	default:
		return nil, fmt.Errorf("unsupported blob driver: %s", cfg.BlobDriver)
	}
}

func makeConnector(cfg config.Config) (intake.MailConnector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.MailListenerProvider)) {
	case "gmail":
		return gmailconnector.NewConnector(cfg)
	case "imap":
		return imapconnector.NewConnector(cfg)
	default:
		return nil, fmt.Errorf("unsupported listener provider: %s", cfg.MailListenerProvider)
	}
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
