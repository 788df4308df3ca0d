package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"basepack/internal"
	"basepack/internal/assets"
	"basepack/internal/blob"
	"basepack/internal/config"
	"basepack/internal/intake"
	gmailconnector "basepack/internal/intake/gmail"
	imapconnector "basepack/internal/intake/imap"
	"basepack/internal/pipeline"
	"basepack/internal/queue"
	"basepack/internal/report"
	"basepack/internal/seed"
	"basepack/internal/server"
	"basepack/internal/storage"
)

func main() {
	cfg, err := config.Load()
	must(err)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := makeStore(ctx, cfg)
	must(err)

	pipe := pipeline.New(log, cfg, db, store)

	cmd := os.Args[1]
	switch cmd {
	case "serve":
		if cfg.SeedPath != "" {
			f, err := seed.LoadFile(cfg.SeedPath)
			must(err)
			must(seed.Apply(log, db, f))
		}

		pool := queue.NewPool(log, cfg.WorkerCount, 0)
		defer pool.Close()
		pool.Register(server.TaskProcessJob, func(ctx context.Context, args map[string]any) error {
			jobID, err := jobIDArg(args)
			if err != nil {
				return err
			}
			return pipe.ProcessJob(ctx, jobID)
		})
		requeueInterrupted(log, db, pool)

		srv := server.New(log, db, store, pipe, assets.NewReindexer(log, db, store), pool)
		httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Routes()}
		go func() {
			<-ctx.Done()
			_ = httpServer.Shutdown(context.Background())
		}()
		log.Info("listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			must(err)
		}
	case "seed:apply":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		file := fs.String("file", cfg.SeedPath, "seed yaml path")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*file) == "" {
			must(fmt.Errorf("--file is required"))
		}
		f, err := seed.LoadFile(*file)
		must(err)
		must(seed.Apply(log, db, f))
		fmt.Printf("seed applied from %s\n", *file)
	case "job:create":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		tenantName := fs.String("tenant", "", "tenant name")
		machineName := fs.String("machine", "", "machine name")
		mode := fs.String("mode", "sequence", "sequence|optimize")
		picklist := fs.String("picklist", "", "local picklist file")
		_ = fs.Parse(os.Args[2:])
		if *tenantName == "" || *machineName == "" || *picklist == "" {
			must(fmt.Errorf("--tenant --machine --picklist are required"))
		}

		tenant, machineID, err := lookupTarget(db, *tenantName, *machineName)
		must(err)
		data, err := os.ReadFile(*picklist)
		must(err)
		key := fmt.Sprintf("picklists/%d/%s", tenant.ID, filepath.Base(*picklist))
		_, err = store.Upload(ctx, key, data)
		must(err)

		jobID, err := pipe.CreateJob(tenant.ID, machineID, nil, internal.JobMode(*mode), key)
		must(err)
		must(pipe.ProcessJob(ctx, jobID))
		job, err := db.GetJob(jobID)
		must(err)
		fmt.Printf("job %d finished with status %s\n", jobID, job.Status)
	case "job:run":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		jobID := fs.Int64("id", 0, "job id")
		_ = fs.Parse(os.Args[2:])
		if *jobID == 0 {
			must(fmt.Errorf("--id is required"))
		}
		must(pipe.ProcessJob(ctx, *jobID))
		job, err := db.GetJob(*jobID)
		must(err)
		fmt.Printf("job %d finished with status %s\n", *jobID, job.Status)
	case "assets:reindex":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		tenantName := fs.String("tenant", "", "tenant name")
		prefix := fs.String("prefix", "", "storage prefix")
		_ = fs.Parse(os.Args[2:])
		if *tenantName == "" {
			must(fmt.Errorf("--tenant is required"))
		}
		tenant, err := db.GetTenantByName(*tenantName)
		must(err)
		if tenant == nil {
			must(fmt.Errorf("tenant %q not found", *tenantName))
		}
		sum, err := assets.NewReindexer(log, db, store).Reindex(ctx, tenant.ID, *prefix)
		must(err)
		fmt.Printf("reindex done total=%d success=%d failed=%d skipped=%d\n",
			sum.Total, sum.Success, sum.Failed, sum.Skipped)
	case "report:xlsx":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		jobID := fs.Int64("jobId", 0, "job id")
		out := fs.String("out", "", "output xlsx path")
		_ = fs.Parse(os.Args[2:])
		if *jobID == 0 || strings.TrimSpace(*out) == "" {
			must(fmt.Errorf("--jobId and --out are required"))
		}
		data, err := report.JobReport(db, *jobID)
		must(err)
		must(os.MkdirAll(filepath.Dir(*out), 0o755))
		must(os.WriteFile(*out, data, 0o644))
		fmt.Printf("report written to %s\n", *out)
	case "mail:fetch":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", cfg.MailListenerProvider, "gmail|imap")
		label := fs.String("label", cfg.MailListenerLabel, "mailbox/label")
		max := fs.Int("max", cfg.MailListenerFetchMax, "max messages")
		tenantName := fs.String("tenant", cfg.MailListenerTenant, "tenant name")
		_ = fs.Parse(os.Args[2:])

		tenant, err := db.GetTenantByName(*tenantName)
		must(err)
		if tenant == nil {
			must(fmt.Errorf("tenant %q not found", *tenantName))
		}
		conn, err := makeConnector(cfg, *provider)
		must(err)
		fetch := intake.NewFetchService(db, store, conn, tenant.ID)
		result, err := fetch.FetchAndStore(ctx, *label, *max)
		must(err)
		fmt.Printf("mail fetch done provider=%s fetched=%d stored=%d\n", *provider, result.Fetched, result.Stored)
	default:
		usage()
		os.Exit(1)
	}
}

// requeueInterrupted puts jobs that were mid-flight at the last
// shutdown back on the queue.
func requeueInterrupted(log *slog.Logger, db *storage.DB, pool *queue.Pool) {
	for _, status := range []internal.JobStatus{internal.JobQueued, internal.JobProcessing} {
		jobs, err := db.ListJobsByStatus(status, 100)
		if err != nil {
			log.Error("listing interrupted jobs failed", "error", err)
			return
		}
		for _, job := range jobs {
			if _, err := pool.Enqueue(server.TaskProcessJob, map[string]any{"job_id": job.ID}); err != nil {
				log.Error("requeue failed", "job", job.ID, "error", err)
				continue
			}
			log.Info("requeued interrupted job", "job", job.ID, "was", string(status))
		}
	}
}

func lookupTarget(db *storage.DB, tenantName, machineName string) (*internal.Tenant, int64, error) {
	tenant, err := db.GetTenantByName(tenantName)
	if err != nil {
		return nil, 0, err
	}
	if tenant == nil {
		return nil, 0, fmt.Errorf("tenant %q not found", tenantName)
	}
	machines, err := db.ListMachines(tenant.ID)
	if err != nil {
		return nil, 0, err
	}
	for _, m := range machines {
		if m.Name == machineName {
			return tenant, m.ID, nil
		}
	}
	return nil, 0, fmt.Errorf("machine %q not found for tenant %q", machineName, tenantName)
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

func makeConnector(cfg config.Config, provider string) (intake.MailConnector, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "gmail":
		return gmailconnector.NewConnector(cfg)
	case "imap":
		return imapconnector.NewConnector(cfg)
	default:
		return nil, fmt.Errorf("unsupported mail provider: %s", provider)
	}
}

func jobIDArg(args map[string]any) (int64, error) {
	switch v := args["job_id"].(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("task args missing job_id")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: basepack <command> [flags]

commands:
  serve            run the HTTP API and job workers
  seed:apply       provision tenants/machines/profiles from yaml
  job:create       upload a picklist and run it through the pipeline
  job:run          run one existing job by id
  assets:reindex   rebuild the asset catalog from blob storage
  report:xlsx      export a job report spreadsheet
  mail:fetch       fetch picklist mail once`)
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
