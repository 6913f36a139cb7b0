package imghost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"resty.dev/v3"
)

var ErrUploadFailure = errors.New("image upload failed")

type Config struct {
	Endpoint string
	ClientID string
	Timeout  time.Duration
}

// Client posts images to an Imgur-compatible upload endpoint. Calls are made
// once; a failed upload is reported to the caller and never retried.
type Client struct {
	http     *resty.Client
	endpoint string
}

func NewClient(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("upload endpoint is required")
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("upload client id is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	client.SetHeader("Authorization", "Client-ID "+cfg.ClientID)

	return &Client{
		http:     client,
		endpoint: endpoint,
	}, nil
}

type uploadResponse struct {
	Data struct {
		Link  string `json:"link"`
		Error any    `json:"error"`
	} `json:"data"`
	Success bool `json:"success"`
	Status  int  `json:"status"`
}

// UploadError describes a non-200 answer or a transport failure.
type UploadError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", ErrUploadFailure, e.Err)
	}
	return fmt.Sprintf("%v: status=%d body=%s", ErrUploadFailure, e.StatusCode, e.Body)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

func (e *UploadError) Is(target error) bool {
	return target == ErrUploadFailure
}

// Upload sends data as the multipart field "image" and returns the public URL.
func (c *Client) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", &UploadError{Err: errors.New("empty payload")}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("image", filename, bytes.NewReader(data)).
		Post(c.endpoint)
	if err != nil {
		return "", &UploadError{Err: err}
	}

	if resp.StatusCode() != http.StatusOK {
		return "", &UploadError{StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 512)}
	}

	var body uploadResponse
	if err := json.Unmarshal(resp.Bytes(), &body); err != nil {
		return "", &UploadError{StatusCode: resp.StatusCode(), Err: fmt.Errorf("decode upload response: %w", err)}
	}
	if strings.TrimSpace(body.Data.Link) == "" {
		return "", &UploadError{StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 512)}
	}

	return jpegLink(body.Data.Link), nil
}

// jpegLink forces the .jpg extension on the returned link; the host may
// report the stored object under a different extension.
func jpegLink(link string) string {
	slash := strings.LastIndex(link, "/")
	dot := strings.LastIndex(link, ".")
	if dot <= slash {
		return link + ".jpg"
	}
	return link[:dot] + ".jpg"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
