package pipeline

import (
	"path/filepath"
	"strings"
)

type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
	FormatBMP  Format = "bmp"
	FormatTIFF Format = "tiff"
	FormatWEBP Format = "webp"
	FormatHEIC Format = "heic"
)

// OutputExtension is used for every normalized artifact.
const OutputExtension = ".jpg"

const OutputContentType = "image/jpeg"

// allowedExtensions is the single allow-list shared by every caller.
var allowedExtensions = map[string]Format{
	"jpg":  FormatJPEG,
	"jpeg": FormatJPEG,
	"png":  FormatPNG,
	"gif":  FormatGIF,
	"bmp":  FormatBMP,
	"tiff": FormatTIFF,
	"webp": FormatWEBP,
	"heic": FormatHEIC,
}

// FormatFromExtension accepts "JPG", ".jpg" or "jpg" alike.
func FormatFromExtension(ext string) (Format, bool) {
	key := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	format, ok := allowedExtensions[key]
	return format, ok
}

func IsSupportedFile(name string) bool {
	_, ok := FormatFromExtension(filepath.Ext(name))
	return ok
}

// OutputName swaps the extension of name for OutputExtension.
func OutputName(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "image"
	}
	return base + OutputExtension
}
