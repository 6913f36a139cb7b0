package pipeline

import (
	"fmt"
	"image"
)

// Result is the encoded artifact and how the quality search ended.
type Result struct {
	Data         []byte
	Quality      int
	Size         int
	Width        int
	Height       int
	Attempts     int
	SourceFormat Format
}

// Oversized reports whether the floor quality was reached before the ceiling.
func (r Result) Oversized(cfg Config) bool {
	return r.Size > cfg.MaxBytes
}

// Normalizer decodes, resizes and compresses one image per call. It keeps no
// state between calls and is safe to share.
type Normalizer struct {
	cfg      Config
	decoders map[Format]Decoder
	resizer  Resizer
	encoder  Encoder
}

func NewNormalizer(cfg Config) (*Normalizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("normalizer config: %w", err)
	}

	generic := GenericDecoder{}
	return &Normalizer{
		cfg: cfg,
		decoders: map[Format]Decoder{
			FormatJPEG: generic,
			FormatPNG:  generic,
			FormatGIF:  generic,
			FormatBMP:  generic,
			FormatTIFF: generic,
			FormatWEBP: generic,
			FormatHEIC: StillImageDecoder{Planes: newPlaneReader()},
		},
		resizer: lanczosResizer{},
		encoder: jpegEncoder{},
	}, nil
}

// Normalize is the one-shot form of (*Normalizer).Normalize.
func Normalize(src []byte, ext string, cfg Config) (Result, error) {
	n, err := NewNormalizer(cfg)
	if err != nil {
		return Result{}, err
	}
	return n.Normalize(src, ext)
}

func (n *Normalizer) Config() Config {
	return n.cfg
}

func (n *Normalizer) Normalize(src []byte, ext string) (Result, error) {
	format, ok := FormatFromExtension(ext)
	if !ok {
		return Result{}, &Error{Kind: KindUnsupportedFormat, Extension: ext}
	}

	decoder, ok := n.decoders[format]
	if !ok {
		return Result{}, &Error{Kind: KindUnsupportedFormat, Extension: ext}
	}

	img, err := decoder.Decode(src)
	if err != nil {
		return Result{}, &Error{Kind: KindDecode, Extension: ext, Err: err}
	}

	resized := n.resizer.Resize(img, n.cfg.Width, n.cfg.Height)

	result, err := n.compress(resized)
	if err != nil {
		return Result{}, &Error{Kind: KindEncode, Extension: ext, Err: err}
	}
	result.SourceFormat = format
	return result, nil
}

// compress steps quality down until the encoded size fits under the ceiling
// or the floor quality has been tried.
func (n *Normalizer) compress(img image.Image) (Result, error) {
	bounds := img.Bounds()
	quality := n.cfg.InitialQuality

	for attempt := 1; ; attempt++ {
		data, err := n.encoder.Encode(img, quality)
		if err != nil {
			return Result{}, fmt.Errorf("quality=%d: %w", quality, err)
		}

		if len(data) <= n.cfg.MaxBytes || quality <= n.cfg.MinQuality {
			return Result{
				Data:     data,
				Quality:  quality,
				Size:     len(data),
				Width:    bounds.Dx(),
				Height:   bounds.Dy(),
				Attempts: attempt,
			}, nil
		}

		quality -= n.cfg.QualityStep
		if quality < n.cfg.MinQuality {
			quality = n.cfg.MinQuality
		}
	}
}
