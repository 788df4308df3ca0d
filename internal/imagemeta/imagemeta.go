package imagemeta

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strings"

	_ "golang.org/x/image/webp"

	"basepack/internal"
)

var ErrUnsupported = errors.New("unsupported image format")

// rasterFormats are the upload formats accepted for printing.
var rasterFormats = map[string]struct{}{
	"PNG": {}, "JPEG": {}, "JPG": {}, "GIF": {}, "WEBP": {},
}

func IsRasterFormat(format string) bool {
	_, ok := rasterFormats[strings.ToUpper(format)]
	return ok
}

// Read decodes width/height/format from the image header and best-
// effort DPI from PNG pHYs or JPEG JFIF data. DPI 0 means unknown.
func Read(data []byte) (internal.AssetMeta, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return internal.AssetMeta{}, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	meta := internal.AssetMeta{
		WidthPx:   cfg.Width,
		HeightPx:  cfg.Height,
		Format:    strings.ToUpper(format),
		SizeBytes: int64(len(data)),
	}
	meta.Mode = colorMode(cfg)

	switch meta.Format {
	case "PNG":
		meta.DPI = pngDPI(data)
	case "JPEG", "JPG":
		meta.DPI = jpegDPI(data)
	}

	return meta, nil
}

// colorMode names the pixel layout. Palette models are slices and not
// comparable, so this avoids a plain switch on the model value.
func colorMode(cfg image.Config) string {
	if _, ok := cfg.ColorModel.(color.Palette); ok {
		return "P"
	}
	switch cfg.ColorModel {
	case color.RGBAModel, color.RGBA64Model, color.NRGBAModel, color.NRGBA64Model:
		return "RGBA"
	case color.GrayModel, color.Gray16Model:
		return "L"
	case color.CMYKModel:
		return "CMYK"
	default:
		return "RGB"
	}
}

// pngDPI reads the pHYs chunk: pixels per meter when the unit byte is
// 1, converted to dots per inch.
func pngDPI(data []byte) int {
	marker := []byte("pHYs")
	idx := bytes.Index(data, marker)
	if idx < 0 || idx+len(marker)+9 > len(data) {
		return 0
	}
	body := data[idx+len(marker):]
	ppuX := binary.BigEndian.Uint32(body[0:4])
	unit := body[8]
	if unit != 1 || ppuX == 0 {
		return 0
	}
	return int(math.Round(float64(ppuX) * 0.0254))
}

// jpegDPI reads the JFIF APP0 density fields when the unit is dots per
// inch.
func jpegDPI(data []byte) int {
	idx := bytes.Index(data, []byte("JFIF\x00"))
	if idx < 0 || idx+12 > len(data) {
		return 0
	}
	body := data[idx+5:]
	// version (2 bytes), units (1), Xdensity (2), Ydensity (2)
	units := body[2]
	xDensity := int(binary.BigEndian.Uint16(body[3:5]))
	if units != 1 || xDensity == 0 {
		return 0
	}
	return xDensity
}
