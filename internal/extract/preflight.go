package extract

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Preflight validates the picklist structurally and returns its page
// count. A preflight error means the file is not worth handing to the
// word extractor.
func Preflight(data []byte) (int, error) {
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return 0, fmt.Errorf("pdf preflight: %w", err)
	}
	return ctx.PageCount, nil
}
