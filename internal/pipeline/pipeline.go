package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"basepack/internal"
	"basepack/internal/blob"
	"basepack/internal/catalog"
	"basepack/internal/config"
	"basepack/internal/extract"
	"basepack/internal/packing"
	"basepack/internal/render"
	"basepack/internal/sizing"
	"basepack/internal/storage"
)

var ErrJobNotFound = errors.New("job not found")

// stageStatus is the tagged outcome of one pipeline stage: continue,
// pause for human input, or stop the job for good.
type stageStatus int

const (
	stageOk stageStatus = iota
	stageNeedsInput
	stageFatal
)

type stageResult struct {
	status stageStatus
	stage  string
	err    error
}

func ok() stageResult { return stageResult{status: stageOk} }

func needsInput(stage string) stageResult {
	return stageResult{status: stageNeedsInput, stage: stage}
}
func fatal(stage string, err error) stageResult {
	return stageResult{status: stageFatal, stage: stage, err: err}
}

// Pipeline runs jobs through parse, resolution, sizing, packing and
// render, persisting every transition so a retry resumes from the
// current item statuses instead of redoing finished work.
type Pipeline struct {
	log   *slog.Logger
	cfg   config.Config
	db    *storage.DB
	store blob.Store
}

func New(log *slog.Logger, cfg config.Config, db *storage.DB, store blob.Store) *Pipeline {
	return &Pipeline{log: log, cfg: cfg, db: db, store: store}
}

// CreateJob persists a queued job pointing at an already-uploaded
// picklist.
func (p *Pipeline) CreateJob(tenantID, machineID int64, profileID *int64, mode internal.JobMode, picklistPath string) (int64, error) {
	if mode != internal.ModeSequence && mode != internal.ModeOptimize {
		return 0, fmt.Errorf("unknown job mode %q", mode)
	}
	machine, err := p.db.GetMachine(machineID)
	if err != nil {
		return 0, err
	}
	if machine == nil || machine.TenantID != tenantID {
		return 0, fmt.Errorf("machine %d not found for tenant %d", machineID, tenantID)
	}

	return p.db.CreateJob(internal.Job{
		TenantID:        tenantID,
		MachineID:       machineID,
		SizingProfileID: profileID,
		Status:          internal.JobQueued,
		Mode:            mode,
		PicklistURI:     picklistPath,
	})
}

// ProcessJob drives the state machine for one job. Safe to call again
// on a job that already has items; it picks up from their statuses.
func (p *Pipeline) ProcessJob(ctx context.Context, jobID int64) error {
	job, err := p.db.GetJob(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}

	if err := p.db.UpdateJobStatus(jobID, internal.JobProcessing); err != nil {
		return err
	}
	manifest, err := p.db.LoadJobManifest(jobID)
	if err != nil {
		return p.fail(jobID, manifest, "load", err)
	}

	log := p.log.With("job", jobID, "tenant", job.TenantID)

	stages := []func(context.Context, *internal.Job, *internal.Manifest, *slog.Logger) stageResult{
		p.parseStage,
		p.resolveStage,
		p.sizingStage,
		p.packingStage,
		p.renderStage,
	}
	for _, stage := range stages {
		res := stage(ctx, job, &manifest, log)
		switch res.status {
		case stageNeedsInput:
			if err := p.db.SaveJobManifest(jobID, manifest); err != nil {
				return err
			}
			log.Info("job paused for input", "stage", res.stage)
			return p.db.UpdateJobStatus(jobID, internal.JobNeedsInput)
		case stageFatal:
			return p.fail(jobID, manifest, res.stage, res.err)
		}
		if err := p.db.SaveJobManifest(jobID, manifest); err != nil {
			return err
		}
	}

	log.Info("job completed")
	return p.db.UpdateJobStatus(jobID, internal.JobCompleted)
}

func (p *Pipeline) fail(jobID int64, manifest internal.Manifest, stage string, err error) error {
	manifest.Error = &internal.StageError{Stage: stage, Message: err.Error()}
	if saveErr := p.db.SaveJobManifest(jobID, manifest); saveErr != nil {
		return saveErr
	}
	p.log.Error("job failed", "job", jobID, "stage", stage, "error", err)
	return p.db.UpdateJobStatus(jobID, internal.JobFailed)
}

// parseStage extracts SKUs from the picklist and expands them into job
// items. Idempotent: a job that already has items skips straight past.
func (p *Pipeline) parseStage(ctx context.Context, job *internal.Job, manifest *internal.Manifest, log *slog.Logger) stageResult {
	count, err := p.db.CountJobItems(job.ID)
	if err != nil {
		return fatal("parse", err)
	}
	if count > 0 {
		return ok()
	}

	data, err := p.store.Download(ctx, job.PicklistURI)
	if err != nil {
		return fatal("parse", fmt.Errorf("download picklist: %w", err))
	}

	layouts, err := p.db.ListActiveLayouts(job.TenantID)
	if err != nil {
		return fatal("parse", err)
	}
	catalogSkus, err := p.catalogSkus(job.TenantID)
	if err != nil {
		return fatal("parse", err)
	}
	extractor, err := extract.New(log, p.cfg.LineYTolerance, p.cfg.ExtractFuzzyThreshold, layouts, catalogSkus)
	if err != nil {
		return fatal("parse", err)
	}

	result, err := p.extractByFormat(extractor, job.PicklistURI, data)
	if err != nil {
		return fatal("parse", err)
	}
	manifest.Parse = &internal.ParseManifest{
		Items:     result.Matches,
		Pages:     result.Pages,
		ItemCount: len(result.Matches),
		Comment:   result.Comment,
		ParsedAt:  now(),
	}
	if len(result.Matches) == 0 {
		return fatal("parse", fmt.Errorf("nothing extracted: %s", result.Comment))
	}

	if err := p.db.InsertJobItems(job.ID, result.Matches); err != nil {
		return fatal("parse", err)
	}
	log.Info("picklist parsed", "matches", len(result.Matches), "pages", result.Pages)
	return ok()
}

func (p *Pipeline) extractByFormat(extractor *extract.Extractor, uri string, data []byte) (extract.Result, error) {
	switch strings.ToLower(path.Ext(uri)) {
	case ".xlsx", ".xls":
		return extractor.ExtractXLSX(data)
	case ".html", ".htm":
		return extractor.ExtractHTML(string(data))
	default:
		if _, err := extract.Preflight(data); err != nil {
			return extract.Result{}, err
		}
		return extractor.ExtractPDF(data)
	}
}

func (p *Pipeline) catalogSkus(tenantID int64) ([]string, error) {
	assets, err := p.db.ListAssets(tenantID)
	if err != nil {
		return nil, err
	}
	skus := make([]string, 0, len(assets))
	for _, a := range assets {
		skus = append(skus, a.SkuNormalized)
	}
	return skus, nil
}

// resolveStage maps every pending item to an asset. Any miss or
// ambiguity pauses the job; all results are recorded first so partial
// progress survives the pause.
func (p *Pipeline) resolveStage(ctx context.Context, job *internal.Job, manifest *internal.Manifest, log *slog.Logger) stageResult {
	items, err := p.db.ListJobItems(job.ID)
	if err != nil {
		return fatal("resolution", err)
	}

	assets, err := p.db.ListAssets(job.TenantID)
	if err != nil {
		return fatal("resolution", err)
	}
	profiles, err := p.db.ListSizingProfiles(job.TenantID)
	if err != nil {
		return fatal("resolution", err)
	}
	resolver := catalog.NewResolver(
		catalog.BuildIndex(assets), profiles,
		p.cfg.ResolverFuzzyThreshold, p.cfg.ResolverAmbiguityBand, p.cfg.ResolverMaxCandidates)

	rm := internal.ResolutionManifest{Pending: map[string]internal.PendingItem{}}
	if manifest.Resolution != nil && manifest.Resolution.Pending != nil {
		// Keep records for items a human already saw.
		rm = *manifest.Resolution
	}

	pending := 0
	for _, item := range items {
		switch item.Status {
		case internal.ItemPending:
		case internal.ItemMissing, internal.ItemAmbiguous, internal.ItemNeedsInput:
			pending++
			continue
		default:
			delete(rm.Pending, strconv.FormatInt(item.ID, 10))
			continue
		}

		result := resolver.Resolve(item.Sku)
		status, assetID, pendingRec := p.verifyResolution(ctx, item, result, &rm)
		if err := p.db.UpdateItemResolution(item.ID, status, assetID); err != nil {
			return fatal("resolution", err)
		}

		key := strconv.FormatInt(item.ID, 10)
		switch status {
		case internal.ItemResolved:
			rm.Resolved++
			delete(rm.Pending, key)
		case internal.ItemMissing:
			rm.Missing++
			pending++
			rm.Pending[key] = pendingRec
		case internal.ItemAmbiguous:
			rm.Ambiguous++
			pending++
			rm.Pending[key] = pendingRec
		}
	}

	rm.ResolvedAt = now()
	manifest.Resolution = &rm

	if pending > 0 {
		log.Info("resolution incomplete", "pending", pending)
		return needsInput("resolution")
	}
	return ok()
}

// verifyResolution confirms the matched asset's file actually exists.
// When it does not, other candidates' files are tried before the item
// is downgraded to missing with a distinct reason.
func (p *Pipeline) verifyResolution(ctx context.Context, item internal.JobItem, result catalog.Result, rm *internal.ResolutionManifest) (internal.ItemStatus, *int64, internal.PendingItem) {
	switch result.Status {
	case catalog.StatusMissing:
		return internal.ItemMissing, nil, internal.PendingItem{
			Status: internal.ItemMissing, Candidates: []internal.AssetCandidate{}, Reason: "no matching asset",
		}
	case catalog.StatusAmbiguous:
		return internal.ItemAmbiguous, nil, internal.PendingItem{
			Status: internal.ItemAmbiguous, Candidates: result.Candidates, Reason: "multiple close matches",
		}
	}

	if _, err := p.store.Stat(ctx, result.Asset.FileURI); err == nil {
		id := result.Asset.ID
		return internal.ItemResolved, &id, internal.PendingItem{}
	} else if !errors.Is(err, blob.ErrNotFound) {
		p.log.Warn("asset stat failed", "sku", item.Sku, "path", result.Asset.FileURI, "error", err)
	}

	for _, c := range result.Candidates {
		if c.AssetID == result.Asset.ID {
			continue
		}
		if _, err := p.store.Stat(ctx, c.FileURI); err == nil {
			rm.Fallbacks = append(rm.Fallbacks,
				fmt.Sprintf("item %d (%s): switched to %s, file for first match absent", item.ID, item.Sku, c.Sku))
			id := c.AssetID
			return internal.ItemResolved, &id, internal.PendingItem{}
		}
	}

	return internal.ItemMissing, nil, internal.PendingItem{
		Status:     internal.ItemMissing,
		Candidates: result.Candidates,
		Reason:     "file absent after match",
	}
}

// sizingStage computes final dimensions for every resolved item. One
// invalid asset fails the whole job: bad pixel data is not something a
// resolution screen can fix.
func (p *Pipeline) sizingStage(_ context.Context, job *internal.Job, manifest *internal.Manifest, log *slog.Logger) stageResult {
	machine, err := p.db.GetMachine(job.MachineID)
	if err != nil {
		return fatal("sizing", err)
	}
	if machine == nil {
		return fatal("sizing", fmt.Errorf("machine %d not found", job.MachineID))
	}
	profiles, err := p.db.ListSizingProfiles(job.TenantID)
	if err != nil {
		return fatal("sizing", err)
	}
	if job.SizingProfileID != nil {
		// A job-level profile overrides the tenant default.
		for i := range profiles {
			profiles[i].IsDefault = profiles[i].ID == *job.SizingProfileID
		}
	}
	engine := sizing.NewEngine(*machine, profiles)

	items, err := p.db.ListJobItems(job.ID)
	if err != nil {
		return fatal("sizing", err)
	}

	sm := internal.SizingManifest{Matches: map[string]internal.ProfileMatch{}}
	for _, item := range items {
		if item.Status != internal.ItemResolved {
			continue
		}
		sm.TotalItems++

		asset, err := p.db.GetAsset(*item.AssetID)
		if err != nil {
			return fatal("sizing", err)
		}
		if asset == nil {
			return fatal("sizing", fmt.Errorf("asset %d vanished", *item.AssetID))
		}

		size := engine.Size(item.Sku, item.SizeLabel, asset.Meta)
		sm.Warnings = append(sm.Warnings, size.Warnings...)
		if size.Invalid {
			sm.InvalidItems++
			manifest.Sizing = &sm
			_ = p.db.UpdateItemStatus(item.ID, internal.ItemInvalid)
			return fatal("sizing", fmt.Errorf("item %d (%s): %s", item.ID, item.Sku, size.Reason))
		}

		sm.ValidItems++
		if size.Scaled {
			sm.ScaledItems++
		}
		sm.Matches[item.Sku] = size.Match
		if err := p.db.UpdateItemSizing(item.ID, size.WidthMM, size.HeightMM); err != nil {
			return fatal("sizing", err)
		}
	}
	manifest.Sizing = &sm

	if sm.TotalItems == 0 {
		return fatal("sizing", errors.New("no resolved items to size"))
	}
	log.Info("items sized", "valid", sm.ValidItems, "scaled", sm.ScaledItems)
	return ok()
}

func (p *Pipeline) packingStage(_ context.Context, job *internal.Job, manifest *internal.Manifest, log *slog.Logger) stageResult {
	machine, err := p.db.GetMachine(job.MachineID)
	if err != nil {
		return fatal("packing", err)
	}

	items, err := p.db.ListJobItems(job.ID)
	if err != nil {
		return fatal("packing", err)
	}
	var toPack []packing.Item
	for _, item := range items {
		if item.Status != internal.ItemResolved {
			continue
		}
		toPack = append(toPack, packing.Item{
			ID:       item.ID,
			Sku:      item.Sku,
			Position: item.PicklistPosition,
			WidthMM:  item.FinalWidthMM,
			HeightMM: item.FinalHeightMM,
		})
	}

	margins := packing.Margins{
		ItemMM:   p.cfg.ItemMarginMM,
		SideMM:   p.cfg.SideMarginMM,
		SafetyMM: p.cfg.SafetyMarginMM,
	}
	packer := packing.New(log, *machine, margins)
	result, skipped := packer.Pack(toPack, job.Mode)
	if err := packing.Validate(result); err != nil {
		return fatal("packing", err)
	}

	for _, s := range skipped {
		log.Error("item skipped, exceeds machine", "sku", s.Sku)
		if err := p.db.UpdateItemStatus(s.ID, internal.ItemSkipped); err != nil {
			return fatal("packing", err)
		}
	}
	if err := p.db.SavePlacements(job.ID, result); err != nil {
		return fatal("packing", err)
	}

	manifest.Packing = &result
	log.Info("packed", "bases", result.TotalBases, "avg_utilization", result.AvgUtilization)
	return ok()
}

// renderStage draws one PDF per base. Item failures do not abort the
// loop: finished PDFs are kept and the failed items go back to the
// operator, exactly like unresolved SKUs.
func (p *Pipeline) renderStage(ctx context.Context, job *internal.Job, manifest *internal.Manifest, log *slog.Logger) stageResult {
	if manifest.Packing == nil || len(manifest.Packing.Bases) == 0 {
		return fatal("render", errors.New("no packed bases"))
	}

	items, err := p.db.ListJobItems(job.ID)
	if err != nil {
		return fatal("render", err)
	}
	assetPaths := map[int64]string{}
	for _, item := range items {
		if item.AssetID == nil {
			continue
		}
		asset, err := p.db.GetAsset(*item.AssetID)
		if err != nil {
			return fatal("render", err)
		}
		if asset != nil {
			assetPaths[item.ID] = asset.FileURI
		}
	}

	renderer := render.New(log, p.store, p.cfg.RenderConcurrent)
	outputs, err := renderer.RenderBases(ctx, manifest.Packing.Bases, assetPaths)
	if err != nil {
		return fatal("render", err)
	}

	rm := internal.RenderManifest{}
	for _, out := range outputs {
		if len(out.PDF) > 0 {
			pdfPath := fmt.Sprintf("jobs/%d/base-%d.pdf", job.ID, out.BaseIndex)
			uri, err := p.store.Upload(ctx, pdfPath, out.PDF)
			if err != nil {
				return fatal("render", fmt.Errorf("store base %d: %w", out.BaseIndex, err))
			}
			rm.PDFs = append(rm.PDFs, uri)
		}
		rm.Failures = append(rm.Failures, out.Failures...)
	}

	if len(rm.Failures) > 0 {
		for _, f := range rm.Failures {
			if err := p.db.UpdateItemStatus(f.ItemID, internal.ItemNeedsInput); err != nil {
				return fatal("render", err)
			}
		}
		manifest.Render = &rm
		log.Warn("render incomplete", "failures", len(rm.Failures), "pdfs", len(rm.PDFs))
		return needsInput("render")
	}

	completed := now()
	rm.CompletedAt = &completed
	manifest.Render = &rm
	return ok()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
