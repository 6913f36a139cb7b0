package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/dunamismax/pixelpost/internal/batch"
	"github.com/dunamismax/pixelpost/internal/config"
	"github.com/dunamismax/pixelpost/internal/imghost"
	"github.com/dunamismax/pixelpost/internal/logging"
	"github.com/dunamismax/pixelpost/internal/pipeline"
)

type app struct {
	src      string
	dst      string
	noUpload bool
	cfg      config.Config
	stdout   io.Writer
}

// CLI runs one batch and returns the process exit code: 0 when the run
// completed, 1 on setup or runtime errors, 2 on bad arguments.
func CLI(args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		return 1
	}

	a := &app{cfg: cfg, stdout: os.Stdout}
	if err := a.fromArgs(args); err != nil {
		fmt.Fprintf(os.Stderr, "parsing args: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "runtime error: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) fromArgs(args []string) error {
	fl := flag.NewFlagSet("pixelpost-batch", flag.ContinueOnError)
	fl.StringVar(&a.src, "src", a.cfg.Batch.SourceDir, "directory of images to normalize")
	fl.StringVar(&a.dst, "dst", a.cfg.Batch.DestDir, "directory for normalized JPEGs")
	fl.BoolVar(&a.noUpload, "no-upload", false, "save normalized files without uploading")

	if err := fl.Parse(args); err != nil {
		return fmt.Errorf("parsing command line arguments: %w", err)
	}
	if fl.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fl.Args())
	}
	if a.src == "" {
		return errors.New("-src is required")
	}
	if a.dst == "" {
		return errors.New("-dst is required")
	}
	return nil
}

func (a *app) run(ctx context.Context) error {
	logger, err := logging.New("pixelpost-batch", a.cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := pipeline.Startup(); err != nil {
		return fmt.Errorf("image runtime startup: %w", err)
	}
	defer pipeline.Shutdown()

	normalizer, err := pipeline.NewNormalizer(a.cfg.Normalize)
	if err != nil {
		return err
	}

	var uploader batch.Uploader
	if !a.noUpload {
		client, err := imghost.NewClient(imghost.Config{
			Endpoint: a.cfg.ImageHost.Endpoint,
			ClientID: a.cfg.ImageHost.ClientID,
			Timeout:  a.cfg.ImageHost.Timeout,
		})
		if err != nil {
			return fmt.Errorf("image host client: %w (set IMGUR_CLIENT_ID or pass -no-upload)", err)
		}
		uploader = client
	}

	runner, err := batch.NewRunner(logger, normalizer, batch.LocalDirSink{Dir: a.dst}, uploader)
	if err != nil {
		return err
	}

	logger.Info("batch started",
		zap.String("src", a.src),
		zap.String("dst", a.dst),
		zap.Bool("upload", uploader != nil),
	)
	summary, err := runner.Run(ctx, a.src)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
