package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Decoder turns encoded source bytes into the canonical opaque RGB buffer.
type Decoder interface {
	Decode(data []byte) (*image.RGBA, error)
}

// GenericDecoder handles every format registered with the image package.
type GenericDecoder struct{}

func (GenericDecoder) Decode(data []byte) (*image.RGBA, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return toRGB(src), nil
}

// RawPlanes is interleaved pixel data as handed back by a still-image decoder.
type RawPlanes struct {
	Mode   string
	Width  int
	Height int
	Stride int
	Data   []byte
}

// PlaneReader extracts raw planes from a container the image package cannot read.
type PlaneReader interface {
	ReadPlanes(data []byte) (RawPlanes, error)
}

// StillImageDecoder reconstructs the pixel buffer from raw planes.
type StillImageDecoder struct {
	Planes PlaneReader
}

func (d StillImageDecoder) Decode(data []byte) (*image.RGBA, error) {
	if d.Planes == nil {
		return nil, errors.New("no plane reader configured")
	}
	planes, err := d.Planes.ReadPlanes(data)
	if err != nil {
		return nil, err
	}
	return planes.Image()
}

func bytesPerPixel(mode string) (int, error) {
	switch mode {
	case "L":
		return 1, nil
	case "RGB":
		return 3, nil
	case "RGBA":
		return 4, nil
	default:
		return 0, fmt.Errorf("unsupported raw mode %q", mode)
	}
}

// Image rebuilds an opaque RGB buffer from the mode, size and stride metadata.
func (p RawPlanes) Image() (*image.RGBA, error) {
	bpp, err := bytesPerPixel(p.Mode)
	if err != nil {
		return nil, err
	}
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("invalid raw size %dx%d", p.Width, p.Height)
	}
	rowBytes := p.Width * bpp
	if p.Stride < rowBytes {
		return nil, fmt.Errorf("stride %d shorter than row of %d bytes", p.Stride, rowBytes)
	}
	if need := p.Stride*(p.Height-1) + rowBytes; len(p.Data) < need {
		return nil, fmt.Errorf("raw data has %d bytes, need %d", len(p.Data), need)
	}

	dst := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	for y := 0; y < p.Height; y++ {
		row := p.Data[y*p.Stride : y*p.Stride+rowBytes]
		out := dst.Pix[y*dst.Stride : y*dst.Stride+p.Width*4]
		for x := 0; x < p.Width; x++ {
			px := row[x*bpp : x*bpp+bpp]
			o := out[x*4 : x*4+4]
			if bpp == 1 {
				o[0], o[1], o[2] = px[0], px[0], px[0]
			} else {
				o[0], o[1], o[2] = px[0], px[1], px[2]
			}
			o[3] = 0xff
		}
	}
	return dst, nil
}

type opaquer interface {
	Opaque() bool
}

// toRGB drops alpha and palette information. Color channels are kept as
// stored, not composited against a background.
func toRGB(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	if o, ok := src.(opaquer); ok && o.Opaque() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := dst.PixOffset(x, y)
			dst.Pix[i+0] = c.R
			dst.Pix[i+1] = c.G
			dst.Pix[i+2] = c.B
			dst.Pix[i+3] = 0xff
		}
	}
	return dst
}
