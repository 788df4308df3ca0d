package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"basepack/internal"
	"basepack/internal/assets"
	"basepack/internal/blob"
	"basepack/internal/config"
	"basepack/internal/pipeline"
	"basepack/internal/queue"
	"basepack/internal/storage"
)

// recordingQueue captures enqueued tasks so tests can drive the
// pipeline synchronously.
type recordingQueue struct {
	tasks []map[string]any
}

func (q *recordingQueue) Enqueue(_ string, args map[string]any) (string, error) {
	q.tasks = append(q.tasks, args)
	return fmt.Sprintf("task-%d", len(q.tasks)), nil
}

func (q *recordingQueue) Status(string) (queue.Status, bool) { return queue.Status{}, false }

type env struct {
	srv    http.Handler
	db     *storage.DB
	store  blob.Store
	pipe   *pipeline.Pipeline
	q      *recordingQueue
	tenant internal.Tenant
	mach   int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	db, err := storage.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := blob.NewLocal(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("blob: %v", err)
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
	pipe := pipeline.New(log, cfg, db, store)
	q := &recordingQueue{}
	srv := New(log, db, store, pipe, assets.NewReindexer(log, db, store), q)

	return &env{srv: srv.Routes(), db: db, store: store, pipe: pipe, q: q, tenant: tenant, mach: machineID}
}

func (e *env) addAsset(t *testing.T, sku string) internal.Asset {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 200, 100))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png: %v", err)
	}
	path := "assets/" + sku + ".png"
	if _, err := e.store.Upload(context.Background(), path, buf.Bytes()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	asset, err := e.db.UpsertAsset(internal.Asset{
		TenantID: e.tenant.ID, OriginalFilename: sku + ".png", FileURI: path,
		SkuNormalized: sku,
		Meta:          internal.AssetMeta{WidthPx: 200, HeightPx: 100, Format: "PNG"},
	})
	if err != nil {
		t.Fatalf("asset: %v", err)
	}
	return asset
}

func (e *env) postPicklist(t *testing.T, skus [][2]string) *httptest.ResponseRecorder {
	t.Helper()

	xl := excelize.NewFile()
	sheet := xl.GetSheetName(0)
	_ = xl.SetSheetRow(sheet, "A1", &[]any{"sku", "qty"})
	for i, row := range skus {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		_ = xl.SetSheetRow(sheet, cell, &[]any{row[0], row[1]})
	}
	fileBuf, err := xl.WriteToBuffer()
	if err != nil {
		t.Fatalf("xlsx: %v", err)
	}
	_ = xl.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("tenant_id", fmt.Sprint(e.tenant.ID))
	_ = mw.WriteField("machine_id", fmt.Sprint(e.mach))
	part, _ := mw.CreateFormFile("picklist", "order.xlsx")
	_, _ = part.Write(fileBuf.Bytes())
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *env) runQueuedJobs(t *testing.T) {
	t.Helper()
	for len(e.q.tasks) > 0 {
		args := e.q.tasks[0]
		e.q.tasks = e.q.tasks[1:]
		jobID := args["job_id"].(int64)
		if err := e.pipe.ProcessJob(context.Background(), jobID); err != nil {
			t.Fatalf("process job %d: %v", jobID, err)
		}
	}
}

func getJSON(t *testing.T, h http.Handler, url string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return rec
}

func TestJobLifecycle(t *testing.T) {
	e := newEnv(t)
	e.addAsset(t, "butterflyp")

	rec := e.postPicklist(t, [][2]string{{"butterfly-p", "2"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	var created struct {
		JobID int64 `json:"job_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(e.q.tasks) != 1 {
		t.Fatalf("expected 1 queued task, got %d", len(e.q.tasks))
	}
	e.runQueuedJobs(t)

	var detail struct {
		Job   internal.Job       `json:"job"`
		Items []internal.JobItem `json:"items"`
	}
	if rec := getJSON(t, e.srv, fmt.Sprintf("/api/v1/jobs/%d", created.JobID), &detail); rec.Code != http.StatusOK {
		t.Fatalf("get job: %d", rec.Code)
	}
	if detail.Job.Status != internal.JobCompleted {
		t.Fatalf("status = %s", detail.Job.Status)
	}
	if len(detail.Items) != 2 {
		t.Fatalf("items = %d", len(detail.Items))
	}

	var list struct {
		Jobs []internal.Job `json:"jobs"`
	}
	if rec := getJSON(t, e.srv, "/api/v1/jobs?status=completed", &list); rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	if len(list.Jobs) != 1 {
		t.Fatalf("listed jobs = %d", len(list.Jobs))
	}

	rep := getJSON(t, e.srv, fmt.Sprintf("/api/v1/jobs/%d/report", created.JobID), nil)
	if rep.Code != http.StatusOK {
		t.Fatalf("report: %d", rep.Code)
	}
	if ct := rep.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Fatalf("report content type: %s", ct)
	}

	del := httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/v1/jobs/%d", created.JobID), nil)
	delRec := httptest.NewRecorder()
	e.srv.ServeHTTP(delRec, del)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", delRec.Code)
	}
	if rec := getJSON(t, e.srv, fmt.Sprintf("/api/v1/jobs/%d", created.JobID), nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted: %d", rec.Code)
	}
}

func TestResolveFlowOverHTTP(t *testing.T) {
	e := newEnv(t)
	e.addAsset(t, "butterflyp")
	wolf := e.addAsset(t, "wolfhead")

	rec := e.postPicklist(t, [][2]string{{"butterfly-p", "1"}, {"zzqx-9999", "1"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}
	var created struct {
		JobID int64 `json:"job_id"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	e.runQueuedJobs(t)

	var pending struct {
		Pending []pipeline.PendingItemView `json:"pending"`
	}
	if rec := getJSON(t, e.srv, fmt.Sprintf("/api/v1/jobs/%d/pending", created.JobID), &pending); rec.Code != http.StatusOK {
		t.Fatalf("pending: %d", rec.Code)
	}
	if len(pending.Pending) != 1 {
		t.Fatalf("pending items = %d", len(pending.Pending))
	}

	body, _ := json.Marshal(map[string]any{"asset_id": wolf.ID})
	resolve := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/v1/jobs/%d/items/%d/resolve", created.JobID, pending.Pending[0].Item.ID),
		bytes.NewReader(body))
	resolveRec := httptest.NewRecorder()
	e.srv.ServeHTTP(resolveRec, resolve)
	if resolveRec.Code != http.StatusOK {
		t.Fatalf("resolve: %d %s", resolveRec.Code, resolveRec.Body)
	}
	var resolved struct {
		Requeued bool `json:"requeued"`
	}
	_ = json.Unmarshal(resolveRec.Body.Bytes(), &resolved)
	if !resolved.Requeued {
		t.Fatal("expected requeue")
	}
	e.runQueuedJobs(t)

	var detail struct {
		Job internal.Job `json:"job"`
	}
	getJSON(t, e.srv, fmt.Sprintf("/api/v1/jobs/%d", created.JobID), &detail)
	if detail.Job.Status != internal.JobCompleted {
		t.Fatalf("status = %s", detail.Job.Status)
	}
}

func TestSearchAssets(t *testing.T) {
	e := newEnv(t)
	e.addAsset(t, "butterflyp")
	e.addAsset(t, "wolfhead")

	var res struct {
		Assets []internal.Asset `json:"assets"`
	}
	url := fmt.Sprintf("/api/v1/assets?tenant_id=%d&q=Butter-Fly", e.tenant.ID)
	if rec := getJSON(t, e.srv, url, &res); rec.Code != http.StatusOK {
		t.Fatalf("search: %d", rec.Code)
	}
	if len(res.Assets) != 1 || res.Assets[0].SkuNormalized != "butterflyp" {
		t.Fatalf("assets: %+v", res.Assets)
	}
}

func TestReindexEndpoint(t *testing.T) {
	e := newEnv(t)

	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	if _, err := e.store.Upload(context.Background(), "assets/skull-gg.png", buf.Bytes()); err != nil {
		t.Fatalf("upload: %v", err)
	}

	body, _ := json.Marshal(map[string]any{"tenant_id": e.tenant.ID, "prefix": "assets/"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/assets/reindex", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("reindex: %d %s", rec.Code, rec.Body)
	}

	var sum assets.Summary
	_ = json.Unmarshal(rec.Body.Bytes(), &sum)
	if sum.Success != 1 {
		t.Fatalf("summary: %+v", sum)
	}
	if a, _ := e.db.GetAssetBySku(e.tenant.ID, "skullgg"); a == nil {
		t.Fatal("asset not indexed")
	}
}

func TestCreateJobValidation(t *testing.T) {
	e := newEnv(t)

	// No multipart body at all.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader("plain"))
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("plain body: %d", rec.Code)
	}

	// Unsupported file extension.
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("tenant_id", fmt.Sprint(e.tenant.ID))
	_ = mw.WriteField("machine_id", fmt.Sprint(e.mach))
	part, _ := mw.CreateFormFile("picklist", "order.csv")
	_, _ = part.Write([]byte("sku,qty"))
	_ = mw.Close()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec = httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("csv upload: %d", rec.Code)
	}
}

func TestStorageTest(t *testing.T) {
	e := newEnv(t)
	rec := getJSON(t, e.srv, "/api/v1/storage/test", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("storage test: %d", rec.Code)
	}
}
