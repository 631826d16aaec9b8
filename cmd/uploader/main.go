// Command uploader sends video files to the hosting site's resumable storage.
//
// Configuration comes from UPLOADER_* environment variables, see Config.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
	"github.com/zaghamabbas786/worpress-uploader-plugin/analytics"
	"github.com/zaghamabbas786/worpress-uploader-plugin/export"
	"github.com/zaghamabbas786/worpress-uploader-plugin/source"
	"github.com/zaghamabbas786/worpress-uploader-plugin/upload/chunkuploader"
	"github.com/zaghamabbas786/worpress-uploader-plugin/upload/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := log.NewLogger()
	envRepo := env.NewRepository()

	cfg, err := ParseConfig(envRepo)
	if err != nil {
		logger.Errorf("Invalid configuration: %s", err)
		return 1
	}
	logger.EnableDebugLog(cfg.Verbose)
	cfg.print(logger)
	logger.Println()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths, err := source.NewDefaultResolver(logger).Resolve(ctx, cfg.Paths)
	if err != nil {
		logger.Errorf("Failed to collect files: %s", err)
		return 1
	}
	logger.Infof("%d file(s) to upload", len(paths))

	metadata, err := cfg.MetadataFields()
	if err != nil {
		logger.Errorf("Invalid configuration: %s", err)
		return 1
	}

	apiClient := session.NewAPIClient(retryhttp.NewClient(logger), string(cfg.APIURL), string(cfg.Nonce), logger)
	params := session.Params{
		Profile:        cfg.Profile(),
		StallThreshold: cfg.StallThreshold,
		Metadata:       metadata,
		Initiator:      apiClient,
		Finalizer:      apiClient,
		Invalidator: session.CredentialInvalidatorFunc(func() {
			logger.Warnf("Storage rejected the upload credentials, the site refreshes them with the next session")
		}),
		OnProgress: progressPrinter(logger),
	}
	if cfg.Analytics {
		tracker := analytics.NewDefaultUploadTracker(envRepo, logger)
		defer tracker.Wait()
		params.Tracker = tracker
	}

	orchestrator, err := session.NewOrchestrator(params, logger)
	if err != nil {
		logger.Errorf("%s", err)
		return 1
	}

	report := export.NewReport(time.Now())
	skipped := 0
	for i, path := range paths {
		logger.Println()
		logger.Infof("(%d/%d) %s", i+1, len(paths), path)

		result, err := uploadFile(ctx, orchestrator, path, logger)
		report.Add(path, result, err)
		if err != nil && (errors.Is(err, chunkuploader.ErrCancelled) || ctx.Err() != nil) {
			skipped = len(paths) - i - 1
			logger.Warnf("Upload cancelled, skipping the remaining %d file(s)", skipped)
			break
		}
	}

	if cfg.ReportPath != "" {
		pth, err := export.NewDefaultExporter().ExportReport(report, cfg.ReportPath)
		if err != nil {
			logger.Warnf("Failed to export the upload report: %s", err)
		} else {
			logger.Printf("Upload report: %s", pth)
		}
	}

	logger.Println()
	if failed := report.Failed() + skipped; failed > 0 {
		logger.Errorf("%d of %d upload(s) failed", failed, len(paths))
		return 1
	}
	logger.Donef("All %d upload(s) finished", len(paths))
	return 0
}

func uploadFile(ctx context.Context, orchestrator *session.Orchestrator, path string, logger log.Logger) (session.Result, error) {
	file, err := chunkuploader.OpenFileSource(path)
	if err != nil {
		logger.Errorf("%s", err)
		return session.Result{}, err
	}
	defer func() {
		if err := file.Close(); err != nil {
			logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	result, err := orchestrator.Upload(ctx, file)
	if err != nil {
		var sessionErr *session.Error
		if errors.As(err, &sessionErr) {
			logger.Errorf("%s", sessionErr.UserMessage())
		}
		return result, err
	}

	if result.FileID != "" {
		logger.Printf("Remote file id: %s", result.FileID)
	}
	logger.Printf("%s uploaded in %s", units.HumanSizeWithPrecision(float64(result.Size), 3), result.Duration.Round(time.Second))
	return result, nil
}

func progressPrinter(logger log.Logger) chunkuploader.ProgressFunc {
	var mu sync.Mutex
	var last chunkuploader.State
	lastPercent := -1.0
	return func(p chunkuploader.Progress) {
		mu.Lock()
		defer mu.Unlock()

		percent := p.SentPercent()
		// state changes always print, in-flight updates only on a visible change
		if p.State == last && chunkuploader.FormatPercent(percent) == chunkuploader.FormatPercent(lastPercent) {
			return
		}
		last, lastPercent = p.State, percent
		logger.Printf("%s", p)
	}
}
