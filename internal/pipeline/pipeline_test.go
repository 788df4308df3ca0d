package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"

	"basepack/internal"
	"basepack/internal/blob"
	"basepack/internal/config"
	"basepack/internal/storage"
)

type fixture struct {
	pipe    *Pipeline
	db      *storage.DB
	store   blob.Store
	tenant  internal.Tenant
	machine int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	db, err := storage.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := blob.NewLocal(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}

	tenant, err := db.EnsureTenant("acme")
	if err != nil {
		t.Fatalf("tenant: %v", err)
	}
	machineID, err := db.UpsertMachine(internal.Machine{
		TenantID: tenant.ID, Name: "dtf-60", MaxWidthMM: 600, MaxLengthMM: 2000,
	})
	if err != nil {
		t.Fatalf("machine: %v", err)
	}
	if _, err := db.InsertSizingProfile(internal.SizingProfile{
		TenantID: tenant.ID, SizeLabel: "standard", TargetWidthMM: 100, IsDefault: true,
	}); err != nil {
		t.Fatalf("profile: %v", err)
	}

	cfg := config.Config{
		ResolverFuzzyThreshold: 0.45,
		ResolverAmbiguityBand:  0.1,
		ResolverMaxCandidates:  5,
		ExtractFuzzyThreshold:  0.75,
		LineYTolerance:         1.5,
		ItemMarginMM:           2,
		SideMarginMM:           20,
		SafetyMarginMM:         50,
		RenderConcurrent:       2,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &fixture{
		pipe:    New(log, cfg, db, store),
		db:      db,
		store:   store,
		tenant:  tenant,
		machine: machineID,
	}
}

// addAsset writes a real PNG into the blob store and registers it in
// the catalog so resolution, sizing and render all find it.
func (f *fixture) addAsset(t *testing.T, sku string, widthPx, heightPx int) internal.Asset {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, widthPx, heightPx))
	for x := 0; x < widthPx; x++ {
		for y := 0; y < heightPx; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 30, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	path := "assets/" + sku + ".png"
	if _, err := f.store.Upload(context.Background(), path, buf.Bytes()); err != nil {
		t.Fatalf("upload asset: %v", err)
	}

	asset, err := f.db.UpsertAsset(internal.Asset{
		TenantID:         f.tenant.ID,
		OriginalFilename: sku + ".png",
		FileURI:          path,
		SkuNormalized:    sku,
		Meta: internal.AssetMeta{
			WidthPx: widthPx, HeightPx: heightPx, Format: "PNG", SizeBytes: int64(buf.Len()),
		},
	})
	if err != nil {
		t.Fatalf("upsert asset: %v", err)
	}
	return asset
}

// uploadPicklist builds a spreadsheet picklist with a header row and
// one row per entry {sku, qty}.
func (f *fixture) uploadPicklist(t *testing.T, rows [][2]string) string {
	t.Helper()

	xl := excelize.NewFile()
	defer xl.Close()
	sheet := xl.GetSheetName(0)
	if err := xl.SetSheetRow(sheet, "A1", &[]any{"sku", "qty"}); err != nil {
		t.Fatalf("header row: %v", err)
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := xl.SetSheetRow(sheet, cell, &[]any{row[0], row[1]}); err != nil {
			t.Fatalf("row %d: %v", i, err)
		}
	}
	buf, err := xl.WriteToBuffer()
	if err != nil {
		t.Fatalf("write xlsx: %v", err)
	}

	path := "picklists/test.xlsx"
	if _, err := f.store.Upload(context.Background(), path, buf.Bytes()); err != nil {
		t.Fatalf("upload picklist: %v", err)
	}
	return path
}

func (f *fixture) createJob(t *testing.T, picklist string) int64 {
	t.Helper()
	jobID, err := f.pipe.CreateJob(f.tenant.ID, f.machine, nil, internal.ModeSequence, picklist)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return jobID
}

func TestProcessJobEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "butterflyp", 200, 100)
	f.addAsset(t, "tigerface", 300, 300)

	picklist := f.uploadPicklist(t, [][2]string{
		{"butterfly-p", "2"},
		{"tigerface", "1"},
	})
	jobID := f.createJob(t, picklist)

	if err := f.pipe.ProcessJob(context.Background(), jobID); err != nil {
		t.Fatalf("process: %v", err)
	}

	job, err := f.db.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != internal.JobCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.CompletedAt == nil {
		t.Fatal("completedAt not stamped")
	}

	items, err := f.db.ListJobItems(jobID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected quantity expansion to 3 items, got %d", len(items))
	}
	for i, item := range items {
		if item.Status != internal.ItemPacked {
			t.Fatalf("item %d status = %s, want packed", item.ID, item.Status)
		}
		if item.BaseIndex == nil || item.XMM == nil || item.YMM == nil {
			t.Fatalf("item %d has no placement", item.ID)
		}
		// Positions count from 1 in picklist order.
		if item.PicklistPosition != i+1 {
			t.Fatalf("item %d picklist position = %d, want %d", item.ID, item.PicklistPosition, i+1)
		}
	}

	manifest, err := f.db.LoadJobManifest(jobID)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if manifest.Parse == nil || manifest.Parse.ItemCount != 2 {
		t.Fatalf("parse manifest: %+v", manifest.Parse)
	}
	if manifest.Resolution == nil || manifest.Resolution.Resolved != 3 {
		t.Fatalf("resolution manifest: %+v", manifest.Resolution)
	}
	if manifest.Sizing == nil || manifest.Sizing.ValidItems != 3 {
		t.Fatalf("sizing manifest: %+v", manifest.Sizing)
	}
	if manifest.Packing == nil || manifest.Packing.TotalBases < 1 {
		t.Fatalf("packing manifest: %+v", manifest.Packing)
	}
	if manifest.Render == nil || len(manifest.Render.PDFs) != manifest.Packing.TotalBases {
		t.Fatalf("render manifest: %+v", manifest.Render)
	}
	if manifest.Render.CompletedAt == nil {
		t.Fatal("render completedAt not set")
	}

	// The rendered PDF must be in the store under the job prefix.
	if _, err := f.store.Stat(context.Background(), "jobs/1/base-1.pdf"); err != nil {
		t.Fatalf("rendered pdf missing: %v", err)
	}
}

func TestProcessJobPausesOnUnknownSku(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "butterflyp", 200, 100)

	picklist := f.uploadPicklist(t, [][2]string{
		{"butterfly-p", "1"},
		{"zzqx-9999", "1"},
	})
	jobID := f.createJob(t, picklist)

	if err := f.pipe.ProcessJob(context.Background(), jobID); err != nil {
		t.Fatalf("process: %v", err)
	}

	job, _ := f.db.GetJob(jobID)
	if job.Status != internal.JobNeedsInput {
		t.Fatalf("status = %s, want needs_input", job.Status)
	}

	pending, err := f.pipe.PendingItems(jobID)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending item, got %d", len(pending))
	}
	if pending[0].Item.Sku != "zzqx-9999" {
		t.Fatalf("pending sku = %s", pending[0].Item.Sku)
	}

	manifest, _ := f.db.LoadJobManifest(jobID)
	if manifest.Resolution == nil || manifest.Resolution.Missing != 1 {
		t.Fatalf("resolution manifest: %+v", manifest.Resolution)
	}
}

func TestItemExpansionIdempotent(t *testing.T) {
	f := newFixture(t)
	picklist := f.uploadPicklist(t, [][2]string{{"unknown-sku", "3"}})
	jobID := f.createJob(t, picklist)

	// Two passes, both pausing on the unresolved SKU. The second pass
	// must not duplicate the expanded items.
	for i := 0; i < 2; i++ {
		if err := f.pipe.ProcessJob(context.Background(), jobID); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}

	count, err := f.db.CountJobItems(jobID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 items after two passes, got %d", count)
	}
}

func TestResolveItemAndResume(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "butterflyp", 200, 100)
	wolf := f.addAsset(t, "wolfhead", 250, 250)

	picklist := f.uploadPicklist(t, [][2]string{
		{"butterfly-p", "1"},
		{"zzqx-9999", "1"},
	})
	jobID := f.createJob(t, picklist)
	if err := f.pipe.ProcessJob(context.Background(), jobID); err != nil {
		t.Fatalf("process: %v", err)
	}

	pending, err := f.pipe.PendingItems(jobID)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending: %v (%d)", err, len(pending))
	}

	requeue, err := f.pipe.ResolveItem(jobID, pending[0].Item.ID, wolf.ID)
	if err != nil {
		t.Fatalf("resolve item: %v", err)
	}
	if !requeue {
		t.Fatal("expected requeue after last pending item resolved")
	}

	if err := f.pipe.ProcessJob(context.Background(), jobID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	job, _ := f.db.GetJob(jobID)
	if job.Status != internal.JobCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}

	manifest, _ := f.db.LoadJobManifest(jobID)
	if len(manifest.Resolution.Pending) != 0 {
		t.Fatalf("pending entries not cleared: %+v", manifest.Resolution.Pending)
	}
}

func TestSkipItemAndResume(t *testing.T) {
	f := newFixture(t)
	f.addAsset(t, "butterflyp", 200, 100)

	picklist := f.uploadPicklist(t, [][2]string{
		{"butterfly-p", "1"},
		{"zzqx-9999", "1"},
	})
	jobID := f.createJob(t, picklist)
	if err := f.pipe.ProcessJob(context.Background(), jobID); err != nil {
		t.Fatalf("process: %v", err)
	}

	pending, _ := f.pipe.PendingItems(jobID)
	requeue, err := f.pipe.SkipItem(jobID, pending[0].Item.ID)
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if !requeue {
		t.Fatal("expected requeue after skip")
	}

	if err := f.pipe.ProcessJob(context.Background(), jobID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	job, _ := f.db.GetJob(jobID)
	if job.Status != internal.JobCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}

	items, _ := f.db.ListJobItems(jobID)
	packed, skipped := 0, 0
	for _, item := range items {
		switch item.Status {
		case internal.ItemPacked:
			packed++
		case internal.ItemSkipped:
			skipped++
		}
	}
	if packed != 1 || skipped != 1 {
		t.Fatalf("packed=%d skipped=%d, want 1/1", packed, skipped)
	}
}

func TestParseFailureFailsJob(t *testing.T) {
	f := newFixture(t)

	path := "picklists/garbage.pdf"
	if _, err := f.store.Upload(context.Background(), path, []byte("this is not a pdf")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	jobID := f.createJob(t, path)

	if err := f.pipe.ProcessJob(context.Background(), jobID); err != nil {
		t.Fatalf("process: %v", err)
	}

	job, _ := f.db.GetJob(jobID)
	if job.Status != internal.JobFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	manifest, _ := f.db.LoadJobManifest(jobID)
	if manifest.Error == nil || manifest.Error.Stage != "parse" {
		t.Fatalf("expected parse stage error, got %+v", manifest.Error)
	}
}

func TestResolvedAssetWithMissingFileFallsBack(t *testing.T) {
	f := newFixture(t)

	// Register an asset without uploading its file. Resolution matches
	// it exactly, verification finds no file, and with no candidate to
	// fall back to the item is downgraded to missing.
	if _, err := f.db.UpsertAsset(internal.Asset{
		TenantID:      f.tenant.ID,
		FileURI:       "assets/ghost.png",
		SkuNormalized: "ghostsku",
		Meta:          internal.AssetMeta{WidthPx: 100, HeightPx: 100, Format: "PNG"},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	picklist := f.uploadPicklist(t, [][2]string{{"ghostsku", "1"}})
	jobID := f.createJob(t, picklist)
	if err := f.pipe.ProcessJob(context.Background(), jobID); err != nil {
		t.Fatalf("process: %v", err)
	}

	job, _ := f.db.GetJob(jobID)
	if job.Status != internal.JobNeedsInput {
		t.Fatalf("status = %s, want needs_input", job.Status)
	}
	pending, _ := f.pipe.PendingItems(jobID)
	if len(pending) != 1 || pending[0].Reason != "file absent after match" {
		t.Fatalf("pending: %+v", pending)
	}
}

func TestDeleteJob(t *testing.T) {
	f := newFixture(t)
	picklist := f.uploadPicklist(t, [][2]string{{"whatever-sku", "1"}})
	jobID := f.createJob(t, picklist)

	if err := f.pipe.DeleteJob(jobID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	job, err := f.db.GetJob(jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job != nil {
		t.Fatal("job still present after delete")
	}

	if err := f.pipe.DeleteJob(jobID); err == nil {
		t.Fatal("expected error deleting a deleted job")
	}
}

func TestCreateJobRejectsWrongMachine(t *testing.T) {
	f := newFixture(t)
	if _, err := f.pipe.CreateJob(f.tenant.ID, 9999, nil, internal.ModeSequence, "x.pdf"); err == nil {
		t.Fatal("expected error for unknown machine")
	}
	if _, err := f.pipe.CreateJob(f.tenant.ID, f.machine, nil, "shuffle", "x.pdf"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
