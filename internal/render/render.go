package render

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jung-kurt/gofpdf"
	"golang.org/x/sync/errgroup"

	"basepack/internal"
	"basepack/internal/blob"
)

const downloadRetries = 3

// Output is the rendered PDF for one base plus any per-item failures.
// Failures never abort the base: every drawable placement still lands
// in the PDF.
type Output struct {
	BaseIndex int
	PDF       []byte
	Failures  []internal.RenderFailure
}

type Renderer struct {
	log         *slog.Logger
	store       blob.Store
	concurrency int
}

func New(log *slog.Logger, store blob.Store, concurrency int) *Renderer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Renderer{log: log, store: store, concurrency: concurrency}
}

// RenderBases draws one PDF per base. assetPaths maps item IDs to blob
// paths; distinct paths are downloaded once, concurrently, before the
// sequential drawing pass.
func (r *Renderer) RenderBases(ctx context.Context, bases []internal.Base, assetPaths map[int64]string) ([]Output, error) {
	images, downloadErrs := r.downloadAll(ctx, assetPaths)

	out := make([]Output, 0, len(bases))
	for _, base := range bases {
		out = append(out, r.renderBase(base, assetPaths, images, downloadErrs))
	}
	return out, nil
}

// downloadAll fetches every distinct asset path with bounded
// parallelism and per-path retries. Failures are recorded per path so
// each affected item reports the same reason.
func (r *Renderer) downloadAll(ctx context.Context, assetPaths map[int64]string) (map[string][]byte, map[string]error) {
	distinct := map[string]struct{}{}
	for _, p := range assetPaths {
		distinct[p] = struct{}{}
	}

	var mu sync.Mutex
	images := make(map[string][]byte, len(distinct))
	errs := map[string]error{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for path := range distinct {
		g.Go(func() error {
			data, err := r.downloadWithRetry(gctx, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[path] = err
			} else {
				images[path] = data
			}
			return nil
		})
	}
	_ = g.Wait()

	return images, errs
}

func (r *Renderer) downloadWithRetry(ctx context.Context, path string) ([]byte, error) {
	var err error
	for attempt := 1; attempt <= downloadRetries; attempt++ {
		var data []byte
		data, err = r.store.Download(ctx, path)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("download failed after %d attempts: %w", downloadRetries, err)
}

func (r *Renderer) renderBase(base internal.Base, assetPaths map[int64]string, images map[string][]byte, downloadErrs map[string]error) Output {
	out := Output{BaseIndex: base.Index}

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		UnitStr: "mm",
		Size:    gofpdf.SizeType{Wd: base.WidthMM, Ht: base.LengthMM},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()

	for _, pl := range base.Placements {
		if reason := r.drawPlacement(pdf, base, pl, assetPaths, images, downloadErrs); reason != "" {
			out.Failures = append(out.Failures, internal.RenderFailure{
				ItemID:    pl.ItemID,
				Sku:       pl.Sku,
				BaseIndex: base.Index,
				Reason:    reason,
			})
			if r.log != nil {
				r.log.Warn("placement not rendered", "sku", pl.Sku, "base", base.Index, "reason", reason)
			}
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		// The whole base failed to serialize; surface it on every item
		// that has no more specific failure yet.
		failed := map[int64]struct{}{}
		for _, f := range out.Failures {
			failed[f.ItemID] = struct{}{}
		}
		for _, pl := range base.Placements {
			if _, ok := failed[pl.ItemID]; ok {
				continue
			}
			out.Failures = append(out.Failures, internal.RenderFailure{
				ItemID:    pl.ItemID,
				Sku:       pl.Sku,
				BaseIndex: base.Index,
				Reason:    fmt.Sprintf("pdf output: %v", err),
			})
		}
		return out
	}

	out.PDF = buf.Bytes()
	return out
}

func (r *Renderer) drawPlacement(pdf *gofpdf.Fpdf, base internal.Base, pl internal.Placement, assetPaths map[int64]string, images map[string][]byte, downloadErrs map[string]error) string {
	path, ok := assetPaths[pl.ItemID]
	if !ok {
		return "no asset assigned"
	}
	if err, failed := downloadErrs[path]; failed {
		return err.Error()
	}
	data := images[path]

	imageType, err := sniffImageType(data)
	if err != nil {
		return err.Error()
	}

	if pl.XMM < 0 || pl.YMM < 0 ||
		pl.XMM+pl.WidthMM > base.WidthMM || pl.YMM+pl.HeightMM > base.LengthMM {
		return fmt.Sprintf("placement out of bounds: %.1f,%.1f %.1fx%.1f on %.0fx%.0f base",
			pl.XMM, pl.YMM, pl.WidthMM, pl.HeightMM, base.WidthMM, base.LengthMM)
	}

	name := fmt.Sprintf("item-%d", pl.ItemID)
	opts := gofpdf.ImageOptions{ImageType: imageType, ReadDpi: true}
	pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(data))
	if pdf.Err() {
		reason := fmt.Sprintf("image decode: %v", pdf.Error())
		pdf.ClearError()
		return reason
	}

	pdf.ImageOptions(name, pl.XMM, pl.YMM, pl.WidthMM, pl.HeightMM, false, opts, 0, "")
	if pdf.Err() {
		reason := fmt.Sprintf("draw: %v", pdf.Error())
		pdf.ClearError()
		return reason
	}
	return ""
}

// sniffImageType maps leading magic bytes to a gofpdf image type.
// Unknown bytes are reported with a short hex prefix so the operator
// can tell what the file actually holds.
func sniffImageType(data []byte) (string, error) {
	switch {
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}):
		return "PNG", nil
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "JPG", nil
	case len(data) >= 6 && (bytes.Equal(data[:6], []byte("GIF87a")) || bytes.Equal(data[:6], []byte("GIF89a"))):
		return "GIF", nil
	}
	dump := data
	if len(dump) > 8 {
		dump = dump[:8]
	}
	return "", fmt.Errorf("unsupported image bytes: %x", dump)
}
