// Package report builds spreadsheet summaries of finished jobs for
// production operators.
package report

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"

	"basepack/internal"
	"basepack/internal/storage"
)

// JobReport writes one row per job item plus a base summary sheet and
// returns the xlsx bytes.
func JobReport(db *storage.DB, jobID int64) ([]byte, error) {
	job, err := db.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %d not found", jobID)
	}
	items, err := db.ListJobItems(jobID)
	if err != nil {
		return nil, err
	}
	manifest, err := db.LoadJobManifest(jobID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	_ = f.SetSheetName(sheet, "items")
	sheet = "items"

	headers := []string{
		"position", "sku", "status", "size_label",
		"width_mm", "height_mm", "base", "x_mm", "y_mm", "asset_file",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, item := range items {
		r := i + 2
		set := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(sheet, cell, value)
		}

		set(1, item.PicklistPosition)
		set(2, item.Sku)
		set(3, string(item.Status))
		set(4, derefString(item.SizeLabel))
		set(5, item.FinalWidthMM)
		set(6, item.FinalHeightMM)
		set(7, derefInt(item.BaseIndex))
		set(8, derefFloat(item.XMM))
		set(9, derefFloat(item.YMM))
		if item.AssetID != nil {
			if asset, err := db.GetAsset(*item.AssetID); err == nil && asset != nil {
				set(10, asset.OriginalFilename)
			}
		}
	}

	if manifest.Packing != nil {
		if err := writeBaseSheet(f, manifest.Packing); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeBaseSheet(f *excelize.File, packing *internal.PackResult) error {
	const sheet = "bases"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	headers := []string{"base", "width_mm", "length_mm", "items", "utilization"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	for i, base := range packing.Bases {
		r := i + 2
		set := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(sheet, cell, value)
		}
		set(1, base.Index)
		set(2, base.WidthMM)
		set(3, base.LengthMM)
		set(4, len(base.Placements))
		set(5, base.Utilization)
	}
	return nil
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}

func derefInt(v *int) any {
	if v == nil {
		return ""
	}
	return *v
}
