//go:build govips && cgo

package pipeline

import (
	"fmt"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	startupOnce sync.Once
	shutdownMu  sync.Mutex
	started     bool
)

func Startup() error {
	startupOnce.Do(func() {
		vips.Startup(&vips.Config{
			MaxCacheFiles: 0,
			MaxCacheMem:   128 * 1024 * 1024,
			MaxCacheSize:  100,
		})

		shutdownMu.Lock()
		started = true
		shutdownMu.Unlock()
	})
	return nil
}

func Shutdown() {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

func newPlaneReader() PlaneReader {
	return vipsPlaneReader{}
}

// vipsPlaneReader loads HEIF containers through libvips (libheif) and hands
// back 8-bit interleaved sRGB planes.
type vipsPlaneReader struct{}

func (vipsPlaneReader) ReadPlanes(data []byte) (RawPlanes, error) {
	if err := Startup(); err != nil {
		return RawPlanes{}, err
	}

	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return RawPlanes{}, fmt.Errorf("load heif: %w", err)
	}
	defer img.Close()

	if err := img.ToColorSpace(vips.InterpretationSRGB); err != nil {
		return RawPlanes{}, fmt.Errorf("convert to srgb: %w", err)
	}
	if err := img.Cast(vips.BandFormatUchar); err != nil {
		return RawPlanes{}, fmt.Errorf("cast to 8-bit: %w", err)
	}

	var mode string
	switch img.Bands() {
	case 1:
		mode = "L"
	case 3:
		mode = "RGB"
	case 4:
		mode = "RGBA"
	default:
		return RawPlanes{}, fmt.Errorf("unexpected band count %d", img.Bands())
	}

	raw, err := img.ToBytes()
	if err != nil {
		return RawPlanes{}, fmt.Errorf("read raw planes: %w", err)
	}

	return RawPlanes{
		Mode:   mode,
		Width:  img.Width(),
		Height: img.Height(),
		Stride: img.Width() * img.Bands(),
		Data:   raw,
	}, nil
}
