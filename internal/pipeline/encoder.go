package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

type Encoder interface {
	Encode(img image.Image, quality int) ([]byte, error)
}

type jpegEncoder struct{}

func (jpegEncoder) Encode(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("jpeg quality out of range: %d", quality)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
