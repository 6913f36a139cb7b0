package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/pixelpost/internal/imghost"
	"github.com/dunamismax/pixelpost/internal/pipeline"
	"github.com/dunamismax/pixelpost/internal/queue"
	"github.com/dunamismax/pixelpost/internal/ratelimit"
)

type fakeUploader struct {
	calls    int
	filename string
	data     []byte
	err      error
}

func (u *fakeUploader) Upload(_ context.Context, filename string, data []byte) (string, error) {
	u.calls++
	u.filename = filename
	u.data = data
	if u.err != nil {
		return "", u.err
	}
	return "https://i.example.test/abc.jpg", nil
}

type fakeQueue struct {
	payloads []queue.RunBatchPayload
	err      error
}

func (q *fakeQueue) EnqueueRunBatch(_ context.Context, payload queue.RunBatchPayload) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: payload.BatchID, Queue: "default", State: asynq.TaskStatePending}, nil
}

type fakeLimiter struct {
	decision ratelimit.Decision
	err      error
	subjects []string
}

func (l *fakeLimiter) Allow(_ context.Context, subject string) (ratelimit.Decision, error) {
	l.subjects = append(l.subjects, subject)
	return l.decision, l.err
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()

	if opts.Normalizer == nil {
		n, err := pipeline.NewNormalizer(pipeline.DefaultConfig())
		require.NoError(t, err)
		opts.Normalizer = n
	}
	if opts.Uploader == nil {
		opts.Uploader = &fakeUploader{}
	}
	s, err := NewServer(opts)
	require.NoError(t, err)
	return s
}

func multipartRequest(t *testing.T, path, filename string, content []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func samplePNG(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 120, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 120; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 2), G: uint8(y * 3), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestIndexServesUploadForm(t *testing.T) {
	s := newTestServer(t, Options{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `action="/upload"`)
	assert.Contains(t, rec.Body.String(), `name="file"`)
}

func TestUploadJSONReturnsNormalizedResult(t *testing.T) {
	up := &fakeUploader{}
	s := newTestServer(t, Options{Uploader: up})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, multipartRequest(t, "/v1/uploads", "Holiday.PNG", samplePNG(t)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got uploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "https://i.example.test/abc.jpg", got.URL)
	assert.Equal(t, "Holiday.jpg", got.Filename)
	assert.Equal(t, 1024, got.Width)
	assert.Equal(t, 1024, got.Height)
	assert.Equal(t, 85, got.Quality)
	assert.Equal(t, 1, got.Attempts)

	assert.Equal(t, 1, up.calls)
	assert.Equal(t, "Holiday.jpg", up.filename)
	assert.Equal(t, got.Bytes, len(up.data))
}

func TestUploadFormRendersResultPage(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, multipartRequest(t, "/upload", "cat.png", samplePNG(t)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "https://i.example.test/abc.jpg")
	assert.Contains(t, rec.Body.String(), "1024x1024")
}

func TestUploadRejectsUnsupportedExtension(t *testing.T) {
	up := &fakeUploader{}
	s := newTestServer(t, Options{Uploader: up})

	for _, name := range []string{"notes.xml", "vector.svg", "noext"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, multipartRequest(t, "/upload", name, []byte("<svg/>")))
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
		assert.Contains(t, rec.Body.String(), "Unsupported file type")
	}
	assert.Zero(t, up.calls)
}

func TestUploadMapsFailuresToStatus(t *testing.T) {
	t.Run("decode", func(t *testing.T) {
		up := &fakeUploader{}
		s := newTestServer(t, Options{Uploader: up})

		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, multipartRequest(t, "/v1/uploads", "broken.jpg", []byte("not a jpeg")))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Zero(t, up.calls)
	})

	t.Run("upload", func(t *testing.T) {
		up := &fakeUploader{err: &imghost.UploadError{StatusCode: http.StatusForbidden, Err: imghost.ErrUploadFailure}}
		s := newTestServer(t, Options{Uploader: up})

		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, multipartRequest(t, "/v1/uploads", "ok.png", samplePNG(t)))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Contains(t, rec.Body.String(), "Failed to upload image")
	})

	t.Run("not multipart", func(t *testing.T) {
		s := newTestServer(t, Options{})

		req := httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader("x"))
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "No file uploaded")
	})

	t.Run("malformed multipart", func(t *testing.T) {
		s := newTestServer(t, Options{})

		req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("--nope\r\ngarbage"))
		req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "No file uploaded\n", rec.Body.String())
	})

	t.Run("wrong field name", func(t *testing.T) {
		s := newTestServer(t, Options{})

		var body bytes.Buffer
		writer := multipart.NewWriter(&body)
		part, err := writer.CreateFormFile("image", "cat.png")
		require.NoError(t, err)
		_, err = part.Write(samplePNG(t))
		require.NoError(t, err)
		require.NoError(t, writer.Close())

		req := httptest.NewRequest(http.MethodPost, "/upload", &body)
		req.Header.Set("Content-Type", writer.FormDataContentType())
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "No file uploaded")
	})

	t.Run("too large", func(t *testing.T) {
		s := newTestServer(t, Options{MaxUploadBytes: 512})

		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, multipartRequest(t, "/v1/uploads", "big.png", bytes.Repeat([]byte{1}, 4096)))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestStatusForError(t *testing.T) {
	cases := map[error]int{
		&pipeline.Error{Kind: pipeline.KindUnsupportedFormat}: http.StatusBadRequest,
		&pipeline.Error{Kind: pipeline.KindDecode}:            http.StatusUnprocessableEntity,
		&pipeline.Error{Kind: pipeline.KindEncode}:            http.StatusInternalServerError,
		imghost.ErrUploadFailure:                              http.StatusBadGateway,
		errors.New("other"):                                   http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusForError(err), err.Error())
	}
}

func newBatchRoot(t *testing.T) string {
	t.Helper()

	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return root
}

func postBatch(s *Server, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(body)))
	return rec
}

func TestCreateBatchEnqueuesRun(t *testing.T) {
	q := &fakeQueue{}
	root := newBatchRoot(t)
	dir := filepath.Join(root, "holiday")
	require.NoError(t, os.Mkdir(dir, 0o755))
	s := newTestServer(t, Options{Queue: q, BatchRoot: root})

	rec := postBatch(s, `{"source_dir":"`+dir+`","webhook_url":"https://hooks.example.test/done"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "default", got["queue"])
	assert.Equal(t, "pending", got["state"])
	assert.True(t, strings.HasPrefix(got["batch_id"].(string), "batch-"))

	require.Len(t, q.payloads, 1)
	assert.Equal(t, dir, q.payloads[0].SourceDir)
	assert.Equal(t, "https://hooks.example.test/done", q.payloads[0].WebhookURL)
	assert.WithinDuration(t, time.Now(), q.payloads[0].RequestedAt, time.Minute)
}

func TestCreateBatchResolvesRelativeToRoot(t *testing.T) {
	q := &fakeQueue{}
	root := newBatchRoot(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o755))
	s := newTestServer(t, Options{Queue: q, BatchRoot: root})

	for _, dir := range []string{"a/b", ".", "a/../a/b"} {
		rec := postBatch(s, `{"source_dir":"`+dir+`"}`)
		assert.Equal(t, http.StatusAccepted, rec.Code, dir)
	}
	require.Len(t, q.payloads, 3)
	assert.Equal(t, filepath.Join(root, "a", "b"), q.payloads[0].SourceDir)
	assert.Equal(t, root, q.payloads[1].SourceDir)
}

func TestCreateBatchRejectsDirsOutsideRoot(t *testing.T) {
	q := &fakeQueue{}
	parent := newBatchRoot(t)
	root := filepath.Join(parent, "images")
	outside := filepath.Join(parent, "private")
	require.NoError(t, os.Mkdir(root, 0o755))
	require.NoError(t, os.Mkdir(outside, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))
	s := newTestServer(t, Options{Queue: q, BatchRoot: root})

	for _, dir := range []string{
		"/etc",
		outside,
		root + "/../private",
		"../private",
		filepath.Join(root, "escape"),
	} {
		rec := postBatch(s, `{"source_dir":"`+dir+`"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code, dir)
	}
	assert.Empty(t, q.payloads)
}

func TestCreateBatchValidatesSourceDir(t *testing.T) {
	q := &fakeQueue{}
	root := newBatchRoot(t)
	s := newTestServer(t, Options{Queue: q, BatchRoot: root})

	file := filepath.Join(root, "a.png")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	bodies := []string{
		`{}`,
		`{"source_dir":"` + filepath.Join(root, "missing") + `"}`,
		`{"source_dir":"` + file + `"}`,
		`{"source_dir":"` + root + `","extra":true}`,
		`not json`,
	}
	for _, body := range bodies {
		rec := postBatch(s, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Empty(t, q.payloads)
}

func TestCreateBatchDisabledWithoutQueueOrRoot(t *testing.T) {
	s := newTestServer(t, Options{})
	assert.Equal(t, http.StatusServiceUnavailable, postBatch(s, `{}`).Code)

	s = newTestServer(t, Options{Queue: &fakeQueue{}})
	assert.Equal(t, http.StatusServiceUnavailable, postBatch(s, `{"source_dir":"/tmp"}`).Code)
}

func TestNewServerRejectsMissingBatchRoot(t *testing.T) {
	_, err := NewServer(Options{
		Normalizer: &pipeline.Normalizer{},
		Uploader:   &fakeUploader{},
		BatchRoot:  filepath.Join(t.TempDir(), "missing"),
	})
	assert.Error(t, err)
}

func TestRateLimitRejectsUploads(t *testing.T) {
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 2500 * time.Millisecond}}
	up := &fakeUploader{}
	s := newTestServer(t, Options{Uploader: up, RateLimiter: limiter, RateLimitSubjectHeader: "X-Forwarded-For"})

	req := multipartRequest(t, "/upload", "cat.png", samplePNG(t))
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"203.0.113.9:/upload"}, limiter.subjects)
	assert.Zero(t, up.calls)
}

func TestRateLimitSkipsReadsAndFailsOpen(t *testing.T) {
	limiter := &fakeLimiter{err: errors.New("redis down")}
	s := newTestServer(t, Options{RateLimiter: limiter})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, limiter.subjects)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, multipartRequest(t, "/v1/uploads", "cat.png", samplePNG(t)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, limiter.subjects, 1)
}

func TestMetricsEndpointExposesUploadCounters(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, multipartRequest(t, "/v1/uploads", "cat.png", samplePNG(t)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `pixelpost_api_uploads_total{outcome="uploaded"} 1`)
	assert.Contains(t, body, "pixelpost_normalize_attempts_bucket")
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/v1/batches", routeLabel("/v1/batches"))
	assert.Equal(t, "/upload", routeLabel("/upload"))
	assert.Equal(t, "other", routeLabel("/wp-admin.php"))
}
