package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dunamismax/pixelpost/internal/pipeline"
	"github.com/dunamismax/pixelpost/internal/storage"
)

// Sink persists one normalized artifact and reports where it went.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

type LocalDirSink struct {
	Dir string
}

// Put writes through a temp file and renames it into place so a failed
// write never leaves a truncated artifact under the final name.
func (s LocalDirSink) Put(ctx context.Context, name string, data []byte) (string, error) {
	if strings.TrimSpace(s.Dir) == "" {
		return "", errors.New("output directory is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.Dir, ".pixelpost-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write output file: %w", err)
	}
	// CreateTemp opens with 0600.
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return "", fmt.Errorf("chmod output file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close output file: %w", err)
	}

	fullPath := filepath.Join(s.Dir, filepath.Base(name))
	if err := os.Rename(tmpName, fullPath); err != nil {
		return "", fmt.Errorf("move output file: %w", err)
	}
	return fullPath, nil
}

type ObjectStoreSink struct {
	Storage *storage.Client
	Prefix  string
}

func (s ObjectStoreSink) Put(ctx context.Context, name string, data []byte) (string, error) {
	if s.Storage == nil {
		return "", errors.New("storage client is required")
	}

	objectKey := path.Join(defaultPrefix(s.Prefix), path.Base(filepath.ToSlash(name)))
	if err := s.Storage.WriteObject(ctx, objectKey, data, pipeline.OutputContentType); err != nil {
		return "", err
	}
	return s.Storage.Location(objectKey), nil
}

func defaultPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "normalized"
	}
	return prefix
}
