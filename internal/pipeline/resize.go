package pipeline

import (
	"image"

	"github.com/disintegration/gift"
)

type Resizer interface {
	Resize(src *image.RGBA, width, height int) *image.RGBA
}

// lanczosResizer stretches to the exact target box; aspect ratio is not kept.
type lanczosResizer struct{}

func (lanczosResizer) Resize(src *image.RGBA, width, height int) *image.RGBA {
	b := src.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return src
	}

	g := gift.New(gift.Resize(width, height, gift.LanczosResampling))
	dst := image.NewRGBA(g.Bounds(b))
	g.Draw(dst, src)
	return dst
}
