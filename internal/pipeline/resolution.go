package pipeline

import (
	"fmt"
	"strconv"

	"basepack/internal"
)

// PendingItemView is one item waiting for operator input, joined with
// the candidate list recorded in the resolution manifest.
type PendingItemView struct {
	Item       internal.JobItem          `json:"item"`
	Candidates []internal.AssetCandidate `json:"candidates"`
	Reason     string                    `json:"reason,omitempty"`
}

// PendingItems lists everything a needs_input job waits on.
func (p *Pipeline) PendingItems(jobID int64) ([]PendingItemView, error) {
	job, err := p.db.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}

	manifest, err := p.db.LoadJobManifest(jobID)
	if err != nil {
		return nil, err
	}

	items, err := p.db.ListJobItems(jobID)
	if err != nil {
		return nil, err
	}

	var out []PendingItemView
	for _, item := range items {
		switch item.Status {
		case internal.ItemMissing, internal.ItemAmbiguous, internal.ItemNeedsInput:
		default:
			continue
		}
		view := PendingItemView{Item: item}
		if manifest.Resolution != nil {
			if rec, found := manifest.Resolution.Pending[strconv.FormatInt(item.ID, 10)]; found {
				view.Candidates = rec.Candidates
				view.Reason = rec.Reason
			}
		}
		out = append(out, view)
	}
	return out, nil
}

// ResolveItem assigns an asset to a pending item by operator choice.
// The returned flag reports whether the job has no pending items left
// and should be queued for another pipeline pass.
func (p *Pipeline) ResolveItem(jobID, itemID, assetID int64) (bool, error) {
	item, err := p.pendingItem(jobID, itemID)
	if err != nil {
		return false, err
	}

	asset, err := p.db.GetAsset(assetID)
	if err != nil {
		return false, err
	}
	if asset == nil {
		return false, fmt.Errorf("asset %d not found", assetID)
	}

	if err := p.db.UpdateItemResolution(item.ID, internal.ItemResolved, &asset.ID); err != nil {
		return false, err
	}
	p.log.Info("item resolved by operator", "job", jobID, "item", itemID, "asset", assetID)
	return p.readyToResume(jobID)
}

// SkipItem drops a pending item from the job without resolving it.
func (p *Pipeline) SkipItem(jobID, itemID int64) (bool, error) {
	item, err := p.pendingItem(jobID, itemID)
	if err != nil {
		return false, err
	}
	if err := p.db.UpdateItemStatus(item.ID, internal.ItemSkipped); err != nil {
		return false, err
	}
	p.log.Info("item skipped by operator", "job", jobID, "item", itemID)
	return p.readyToResume(jobID)
}

func (p *Pipeline) pendingItem(jobID, itemID int64) (*internal.JobItem, error) {
	item, err := p.db.GetJobItem(itemID)
	if err != nil {
		return nil, err
	}
	if item == nil || item.JobID != jobID {
		return nil, fmt.Errorf("item %d not found on job %d", itemID, jobID)
	}
	switch item.Status {
	case internal.ItemMissing, internal.ItemAmbiguous, internal.ItemNeedsInput:
		return item, nil
	}
	return nil, fmt.Errorf("item %d is %s, not awaiting input", itemID, item.Status)
}

func (p *Pipeline) readyToResume(jobID int64) (bool, error) {
	count, err := p.db.CountPendingItems(jobID)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// DeleteJob removes a job and its items. Stored picklists and rendered
// PDFs stay in the blob store.
func (p *Pipeline) DeleteJob(jobID int64) error {
	job, err := p.db.GetJob(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}
	if job.Status == internal.JobProcessing {
		return fmt.Errorf("job %d is processing, cannot delete", jobID)
	}
	return p.db.DeleteJob(jobID)
}
