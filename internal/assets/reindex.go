package assets

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"

	"basepack/internal"
	"basepack/internal/blob"
	"basepack/internal/catalog"
	"basepack/internal/imagemeta"
	"basepack/internal/storage"
)

var imageExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {},
}

// positionSuffixes are print-position markers in artwork filenames.
// They are stripped from the end only; size information comes from
// tenant sizing prefixes, never from a suffix.
var positionSuffixes = []string{
	"frente", "costas", "front", "back",
	"direita", "esquerda", "left", "right",
	"manga", "sleeve",
}

var leadingDigitsRe = regexp.MustCompile(`^[0-9]+[-_ ]*`)

const maxReportedErrors = 10

// Summary is the outcome of one reindex run.
type Summary struct {
	Total   int      `json:"total"`
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// Reindexer rebuilds the asset catalog for a tenant from the files in
// its blob storage.
type Reindexer struct {
	log   *slog.Logger
	db    *storage.DB
	store blob.Store
}

func NewReindexer(log *slog.Logger, db *storage.DB, store blob.Store) *Reindexer {
	return &Reindexer{log: log, db: db, store: store}
}

// Reindex lists every file under prefix, extracts a SKU from each image
// filename, reads its pixel metadata and upserts the catalog row. One
// bad file never aborts the run.
func (r *Reindexer) Reindex(ctx context.Context, tenantID int64, prefix string) (Summary, error) {
	files, err := r.store.List(ctx, prefix)
	if err != nil {
		return Summary{}, fmt.Errorf("list storage: %w", err)
	}

	prefixes, err := r.sizingPrefixes(tenantID)
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	for _, f := range files {
		if _, ok := imageExtensions[strings.ToLower(path.Ext(f.Name))]; !ok {
			continue
		}
		sum.Total++

		sku := ExtractSkuFromFilename(f.Name, prefixes)
		if sku == "" {
			r.log.Warn("no sku in filename, skipping", "file", f.Name)
			sum.Skipped++
			continue
		}

		data, err := r.store.Download(ctx, f.Path)
		if err != nil {
			sum.Failed++
			sum.appendError(f.Name, err)
			continue
		}

		meta, err := imagemeta.Read(data)
		if err != nil {
			// Indexed anyway: sizing will reject the asset with a
			// useful reason instead of it being invisible to search.
			r.log.Warn("image metadata unreadable", "file", f.Name, "error", err)
			meta = internal.AssetMeta{SizeBytes: int64(len(data))}
		}

		asset, err := r.db.UpsertAsset(internal.Asset{
			TenantID:         tenantID,
			OriginalFilename: f.Name,
			FileURI:          f.Path,
			SkuNormalized:    sku,
			Meta:             meta,
		})
		if err != nil {
			sum.Failed++
			sum.appendError(f.Name, err)
			continue
		}

		r.log.Debug("asset indexed", "id", asset.ID, "sku", sku, "file", f.Name)
		sum.Success++
	}

	r.log.Info("reindex complete", "tenant", tenantID,
		"total", sum.Total, "success", sum.Success, "failed", sum.Failed, "skipped", sum.Skipped)
	return sum, nil
}

func (s *Summary) appendError(filename string, err error) {
	if len(s.Errors) < maxReportedErrors {
		s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", filename, err))
	}
}

func (r *Reindexer) sizingPrefixes(tenantID int64) ([]string, error) {
	profiles, err := r.db.ListSizingProfiles(tenantID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range profiles {
		if p.SkuPrefix != nil && strings.TrimSpace(*p.SkuPrefix) != "" {
			out = append(out, strings.TrimSpace(*p.SkuPrefix))
		}
	}
	return out, nil
}

// ExtractSkuFromFilename derives a normalized SKU from an artwork
// filename. Tenant sizing prefixes are stripped from the start (longest
// first, repeatedly), position suffixes from the end, and a leading
// numeric position index goes once a prefix was removed, so
// "BL-7-4-butterfly-P.png" with prefix "bl-7" yields "butterflyp".
func ExtractSkuFromFilename(filename string, sizingPrefixes []string) string {
	sku := strings.TrimSuffix(filename, path.Ext(filename))
	sku = strings.ToLower(sku)

	sorted := make([]string, 0, len(sizingPrefixes))
	for _, p := range sizingPrefixes {
		if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
			sorted = append(sorted, p)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	stripped := false
	for {
		changed := false
		for _, prefix := range sorted {
			if strings.HasPrefix(sku, prefix) {
				sku = strings.TrimLeft(sku[len(prefix):], "-_ ")
				stripped = true
				changed = true
				break
			}
		}
		if !changed {
			break
		}
	}

	for _, suffix := range positionSuffixes {
		for _, sep := range []string{"-", "_", " "} {
			sku = strings.TrimSuffix(sku, sep+suffix)
		}
	}

	if stripped && sku != "" {
		if m := leadingDigitsRe.FindString(sku); m != "" {
			sku = strings.Trim(sku[len(m):], "-_ ")
		}
	}

	return catalog.NormalizeSku(sku)
}
