package assets

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"basepack/internal/blob"
	"basepack/internal/storage"
)

func TestExtractSkuFromFilename(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		prefixes []string
		want     string
	}{
		{"plain", "CAM-001.png", nil, "cam001"},
		{"position suffix", "skull-gg-FRENTE.png", nil, "skullgg"},
		{"underscore suffix", "skull_gg_COSTAS.jpg", nil, "skullgg"},
		{"sizing prefix", "BL-7-4-butterfly-P.png", []string{"bl-7"}, "butterflyp"},
		{"prefix then position index", "INF-12-13-sonic-8.png", []string{"inf-12"}, "sonic8"},
		{"longest prefix wins", "INF-12-sonic.png", []string{"inf-1", "inf-12"}, "sonic"},
		{"no prefix match untouched", "7-skull.png", []string{"bl-7"}, "7skull"},
		{"empty after strip", "BL-7.png", []string{"bl-7"}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ExtractSkuFromFilename(tc.filename, tc.prefixes)
			if got != tc.want {
				t.Fatalf("ExtractSkuFromFilename(%q, %v) = %q, want %q", tc.filename, tc.prefixes, got, tc.want)
			}
		})
	}
}

func TestReindex(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
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

	ctx := context.Background()
	upload := func(path string, data []byte) {
		t.Helper()
		if _, err := store.Upload(ctx, path, data); err != nil {
			t.Fatalf("upload %s: %v", path, err)
		}
	}

	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	upload("assets/butterfly-p.png", buf.Bytes())
	upload("assets/skull-gg-FRENTE.png", buf.Bytes())
	upload("assets/notes.txt", []byte("not an image"))
	upload("assets/broken.png", []byte("junk bytes"))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewReindexer(log, db, store)

	sum, err := r.Reindex(ctx, tenant.ID, "assets/")
	if err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if sum.Total != 3 {
		t.Fatalf("total = %d, want 3 image files", sum.Total)
	}
	if sum.Success != 3 {
		t.Fatalf("success = %d, want 3 (unreadable metadata still indexes)", sum.Success)
	}

	asset, err := db.GetAssetBySku(tenant.ID, "butterflyp")
	if err != nil || asset == nil {
		t.Fatalf("asset not indexed: %v", err)
	}
	if asset.Meta.WidthPx != 40 || asset.Meta.HeightPx != 20 || asset.Meta.Format != "PNG" {
		t.Fatalf("meta = %+v", asset.Meta)
	}
	if asset.FileURI != "assets/butterfly-p.png" {
		t.Fatalf("file uri = %s", asset.FileURI)
	}

	if a, _ := db.GetAssetBySku(tenant.ID, "skullgg"); a == nil {
		t.Fatal("position suffix asset not indexed")
	}

	// The unreadable image is indexed with empty pixel metadata.
	if a, _ := db.GetAssetBySku(tenant.ID, "broken"); a == nil {
		t.Fatal("broken image not indexed")
	} else if a.Meta.WidthPx != 0 {
		t.Fatalf("broken image meta = %+v", a.Meta)
	}

	// Re-running keeps one row per SKU.
	again, err := r.Reindex(ctx, tenant.ID, "assets/")
	if err != nil {
		t.Fatalf("second reindex: %v", err)
	}
	if again.Success != 3 {
		t.Fatalf("second run success = %d", again.Success)
	}
	list, err := db.ListAssets(tenant.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 assets after rerun, got %d", len(list))
	}
}
