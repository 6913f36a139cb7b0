package pipeline

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_UnsupportedExtensionNeverDecodes(t *testing.T) {
	n := newTestNormalizer(t, DefaultConfig())
	counter := &countingDecoder{}
	for format := range n.decoders {
		n.decoders[format] = counter
	}

	for _, ext := range []string{"xml", ".xml", "svg", "txt", "", "jpg2", "heif", "tif"} {
		_, err := n.Normalize(buildTestPNG(t, 8, 8), ext)
		require.Error(t, err, "ext=%q", ext)
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
		assert.Equal(t, KindUnsupportedFormat, KindOf(err))
	}
	assert.Zero(t, counter.calls)
}

func TestNormalize_ExtensionIsCaseInsensitive(t *testing.T) {
	n := newTestNormalizer(t, DefaultConfig())
	src := buildTestPNG(t, 64, 48)

	for _, ext := range []string{"png", "PNG", ".Png"} {
		result, err := n.Normalize(src, ext)
		require.NoError(t, err, "ext=%q", ext)
		assert.Equal(t, FormatPNG, result.SourceFormat)
	}
}

func TestNormalize_OutputIsAlwaysTargetSize(t *testing.T) {
	n := newTestNormalizer(t, DefaultConfig())

	sizes := [][2]int{{1, 1}, {300, 20}, {20, 300}, {1024, 1024}, {1500, 700}}
	for _, size := range sizes {
		result, err := n.Normalize(buildTestPNG(t, size[0], size[1]), "png")
		require.NoError(t, err)

		img, err := jpeg.Decode(bytes.NewReader(result.Data))
		require.NoError(t, err)
		assert.Equal(t, 1024, img.Bounds().Dx(), "source %v", size)
		assert.Equal(t, 1024, img.Bounds().Dy(), "source %v", size)
		assert.Equal(t, 1024, result.Width)
		assert.Equal(t, 1024, result.Height)
	}
}

func TestNormalize_SingleAttemptWhenFirstEncodeFits(t *testing.T) {
	n := newTestNormalizer(t, DefaultConfig())

	result, err := n.Normalize(buildTestPNG(t, 640, 480), "png")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 85, result.Quality)
	assert.Equal(t, len(result.Data), result.Size)
	assert.LessOrEqual(t, result.Size, DefaultMaxBytes)
}

func TestNormalize_FloorResultIsNotAnError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBytes = 1024

	n := newTestNormalizer(t, cfg)
	result, err := n.Normalize(buildNoisePNG(t, 512, 512), "png")
	require.NoError(t, err)
	assert.Equal(t, 10, result.Quality)
	assert.Equal(t, 16, result.Attempts)
	assert.Greater(t, result.Size, cfg.MaxBytes)
	assert.True(t, result.Oversized(cfg))
}

func TestCompress_QualitySequence(t *testing.T) {
	n := newTestNormalizer(t, DefaultConfig())
	enc := &scriptedEncoder{fitsAt: -1}
	n.encoder = enc

	result, err := n.Normalize(buildTestPNG(t, 16, 16), "png")
	require.NoError(t, err)

	want := []int{85, 80, 75, 70, 65, 60, 55, 50, 45, 40, 35, 30, 25, 20, 15, 10}
	assert.Equal(t, want, enc.qualities)
	assert.Equal(t, 16, result.Attempts)
	assert.Equal(t, 10, result.Quality)
	assert.Equal(t, DefaultConfig().MaxAttempts(), result.Attempts)
}

func TestCompress_StopsAtFirstFit(t *testing.T) {
	n := newTestNormalizer(t, DefaultConfig())
	n.encoder = &scriptedEncoder{fitsAt: 60}

	result, err := n.Normalize(buildTestPNG(t, 16, 16), "png")
	require.NoError(t, err)
	assert.Equal(t, 60, result.Quality)
	assert.Equal(t, 6, result.Attempts)
	assert.LessOrEqual(t, result.Size, DefaultMaxBytes)
}

func TestCompress_StepClampsToFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QualityStep = 20

	n := newTestNormalizer(t, cfg)
	enc := &scriptedEncoder{fitsAt: -1}
	n.encoder = enc

	result, err := n.Normalize(buildTestPNG(t, 16, 16), "png")
	require.NoError(t, err)
	assert.Equal(t, []int{85, 65, 45, 25, 10}, enc.qualities)
	assert.Equal(t, cfg.MaxAttempts(), result.Attempts)
}

func TestNormalize_EncodeFailure(t *testing.T) {
	n := newTestNormalizer(t, DefaultConfig())
	n.encoder = failingEncoder{}

	_, err := n.Normalize(buildTestPNG(t, 16, 16), "png")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEncodeFailure)
	assert.Equal(t, KindEncode, KindOf(err))
}

func TestNormalize_DecodeFailureKeepsCause(t *testing.T) {
	n := newTestNormalizer(t, DefaultConfig())

	_, err := n.Normalize([]byte("definitely not a png"), "png")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecodeFailure)

	var ne *Error
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, KindDecode, ne.Kind)
	assert.NotNil(t, ne.Err)
	assert.Contains(t, err.Error(), "png")
}

func TestNormalize_RoundTripIsThreeChannel(t *testing.T) {
	result, err := Normalize(buildTestPNG(t, 200, 100), "png", DefaultConfig())
	require.NoError(t, err)

	img, format, err := image.Decode(bytes.NewReader(result.Data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, image.Rect(0, 0, 1024, 1024), img.Bounds())

	_, ok := img.(*image.YCbCr)
	assert.True(t, ok, "expected YCbCr, got %T", img)
}

func TestNormalize_LargeOpaquePNG(t *testing.T) {
	if testing.Short() {
		t.Skip("large image")
	}

	result, err := Normalize(buildTestPNG(t, 4000, 3000), "png", DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 1024, result.Width)
	assert.Equal(t, 1024, result.Height)
	assert.GreaterOrEqual(t, result.Quality, 10)
	assert.LessOrEqual(t, result.Quality, 85)
	assert.LessOrEqual(t, result.Size, DefaultMaxBytes)
}

func TestNormalize_StillImagePathMatchesGenericPath(t *testing.T) {
	if testing.Short() {
		t.Skip("large image")
	}

	const w, h = 3024, 4032
	planes := RawPlanes{Mode: "RGB", Width: w, Height: h, Stride: w * 3, Data: make([]byte, w*h*3)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*planes.Stride + x*3
			planes.Data[i] = uint8(x * 255 / w)
			planes.Data[i+1] = uint8(y * 255 / h)
			planes.Data[i+2] = 140
		}
	}

	n := newTestNormalizer(t, DefaultConfig())
	reader := &fakePlaneReader{planes: planes}
	n.decoders[FormatHEIC] = StillImageDecoder{Planes: reader}

	result, err := n.Normalize([]byte("ftypheic"), "HEIC")
	require.NoError(t, err)
	assert.Equal(t, 1, reader.calls)
	assert.Equal(t, FormatHEIC, result.SourceFormat)
	assert.Equal(t, 1024, result.Width)
	assert.Equal(t, 1024, result.Height)
	assert.Equal(t, 85, result.Quality)
	assert.LessOrEqual(t, result.Size, DefaultMaxBytes)

	img, err := jpeg.Decode(bytes.NewReader(result.Data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 1024, 1024), img.Bounds())
}

func TestNormalize_StillImageReaderErrorIsDecodeFailure(t *testing.T) {
	n := newTestNormalizer(t, DefaultConfig())
	n.decoders[FormatHEIC] = StillImageDecoder{Planes: &fakePlaneReader{err: errors.New("bad box")}}

	_, err := n.Normalize([]byte("garbage"), "heic")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecodeFailure)
	assert.Contains(t, err.Error(), "bad box")
}

func TestNewNormalizer_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QualityStep = 0
	_, err := NewNormalizer(cfg)
	require.Error(t, err)
}

func newTestNormalizer(t *testing.T, cfg Config) *Normalizer {
	t.Helper()

	n, err := NewNormalizer(cfg)
	require.NoError(t, err)
	return n
}

type countingDecoder struct {
	calls int
}

func (d *countingDecoder) Decode(_ []byte) (*image.RGBA, error) {
	d.calls++
	return image.NewRGBA(image.Rect(0, 0, 1, 1)), nil
}

type fakePlaneReader struct {
	planes RawPlanes
	err    error
	calls  int
}

func (r *fakePlaneReader) ReadPlanes(_ []byte) (RawPlanes, error) {
	r.calls++
	return r.planes, r.err
}

// scriptedEncoder returns an oversized payload until quality drops to fitsAt.
type scriptedEncoder struct {
	fitsAt    int
	qualities []int
}

func (e *scriptedEncoder) Encode(_ image.Image, quality int) ([]byte, error) {
	e.qualities = append(e.qualities, quality)
	if quality <= e.fitsAt {
		return make([]byte, DefaultMaxBytes/2), nil
	}
	return make([]byte, DefaultMaxBytes+1), nil
}

type failingEncoder struct{}

func (failingEncoder) Encode(_ image.Image, _ int) ([]byte, error) {
	return nil, errors.New("disk on fire")
}

func buildTestPNG(t testing.TB, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: 255,
			})
		}
	}
	return encodePNG(t, img)
}

func buildNoisePNG(t testing.TB, w, h int) []byte {
	t.Helper()

	rng := rand.New(rand.NewSource(42))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	rng.Read(img.Pix)
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return encodePNG(t, img)
}

func encodePNG(t testing.TB, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode source png: %v", err)
	}
	return buf.Bytes()
}
