package repack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/phrazzld/repackd/internal/domain"
	"github.com/phrazzld/repackd/internal/marketplace"
	"github.com/phrazzld/repackd/internal/redact"
	"github.com/phrazzld/repackd/internal/task"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

// Updater applies task record updates.
type Updater interface {
	Update(ctx context.Context, id string, u domain.TaskUpdate) (*domain.TaskRecord, error)
}

// Resolver pins marketplace references to a download URL.
type Resolver interface {
	Resolve(ctx context.Context, ref marketplace.Reference) (marketplace.Resolution, error)
}

// WorkerConfig holds the worker tunables.
type WorkerConfig struct {
	// WorkDir is the parent of the per-task work directories.
	WorkDir string

	DownloadTimeout time.Duration
	DownloadRetry   task.RetryPolicy
	RepackRetry     task.RetryPolicy

	// ProgressInterval throttles download progress updates.
	ProgressInterval time.Duration
}

// Worker drives one request to a terminal state.
type Worker struct {
	cfg        WorkerConfig
	updater    Updater
	downloader Downloader
	runner     ScriptRunner
	artifacts  *ArtifactStore
	resolver   Resolver
	workFs     afero.Fs
	logger     *slog.Logger
}

// NewWorker creates a Worker. resolver may be nil when marketplace inputs
// are not supported.
func NewWorker(
	cfg WorkerConfig,
	updater Updater,
	downloader Downloader,
	runner ScriptRunner,
	artifacts *ArtifactStore,
	resolver Resolver,
	workFs afero.Fs,
	logger *slog.Logger,
) *Worker {
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 500 * time.Millisecond
	}
	return &Worker{
		cfg:        cfg,
		updater:    updater,
		downloader: downloader,
		runner:     runner,
		artifacts:  artifacts,
		resolver:   resolver,
		workFs:     workFs,
		logger:     logger.With("component", "repack_worker"),
	}
}

// Run executes req. Whatever happens, the task ends Completed or Failed; the
// returned error mirrors a Failed outcome.
func (w *Worker) Run(ctx context.Context, req Request) (err error) {
	log := w.logger.With("task_id", req.TaskID, "input_kind", req.InputKind())

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("repack worker panicked", "panic", rec)
			err = fmt.Errorf("repack worker panicked: %v", rec)
			w.fail(ctx, req.TaskID, err, log)
		}
	}()

	if err := req.Validate(); err != nil {
		w.fail(ctx, req.TaskID, err, log)
		return err
	}

	workDir := filepath.Join(w.cfg.WorkDir, "repackd-"+req.TaskID)
	if err := w.workFs.MkdirAll(workDir, 0o755); err != nil {
		err = fmt.Errorf("failed to create work directory: %w", err)
		w.fail(ctx, req.TaskID, err, log)
		return err
	}
	defer func() {
		if rmErr := w.workFs.RemoveAll(workDir); rmErr != nil {
			log.Warn("failed to remove work directory", "dir", workDir, "error", rmErr)
		}
	}()

	inputPath, err := w.acquire(ctx, req, workDir, log)
	if err != nil {
		w.fail(ctx, req.TaskID, err, log)
		return err
	}

	artifact, err := w.repackage(ctx, req, inputPath, workDir, log)
	if err != nil {
		w.fail(ctx, req.TaskID, err, log)
		return err
	}

	ref, err := w.artifacts.Relocate(w.workFs, artifact, req.TaskID)
	if err != nil {
		err = fmt.Errorf("failed to relocate artifact: %w", err)
		w.fail(ctx, req.TaskID, err, log)
		return err
	}

	if _, err := w.updater.Update(ctx, req.TaskID, domain.TaskUpdate{
		Status:          domain.TaskStatusCompleted,
		Progress:        domain.ProgressMax,
		Message:         "repackaging completed",
		OutputReference: ref,
	}); err != nil {
		err = fmt.Errorf("failed to record completion: %w", err)
		w.fail(ctx, req.TaskID, err, log)
		return err
	}

	log.Info("task completed", "output_reference", ref)
	return nil
}

// fail writes the Failed record. It uses a context detached from ctx so the
// write survives cancellation.
func (w *Worker) fail(ctx context.Context, id string, cause error, log *slog.Logger) {
	if cancelErr := task.CancellationError(ctx); cancelErr != nil {
		cause = cancelErr
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	msg := redact.Error(cause)
	if _, err := w.updater.Update(writeCtx, id, domain.TaskUpdate{
		Status: domain.TaskStatusFailed,
		Error:  msg,
	}); err != nil {
		log.Error("failed to record task failure", "cause", msg, "error", redact.Error(err))
		return
	}
	log.Warn("task failed", "error", msg)
}

func (w *Worker) update(ctx context.Context, id string, u domain.TaskUpdate, log *slog.Logger) {
	if _, err := w.updater.Update(ctx, id, u); err != nil {
		log.Warn("failed to record progress", "status", u.Status, "progress", u.Progress, "error", err)
	}
}

// acquire places the input package in workDir and returns its path.
func (w *Worker) acquire(ctx context.Context, req Request, workDir string, log *slog.Logger) (string, error) {
	switch req.InputKind() {
	case InputLocal:
		return w.stageLocal(req, workDir)

	case InputMarketplace:
		if w.resolver == nil {
			return "", fmt.Errorf("%w: marketplace inputs are not enabled", ErrInvalidRequest)
		}
		res, err := w.resolver.Resolve(ctx, *req.Marketplace)
		if err != nil {
			return "", err
		}
		name := fmt.Sprintf("%s-%s_%s.difypkg", res.Reference.Author, res.Reference.Name, res.Version)
		w.update(ctx, req.TaskID, domain.TaskUpdate{
			Status:   domain.TaskStatusDownloading,
			Progress: ProgressDownloadStart,
			Message:  "resolved " + res.Reference.String() + " via " + string(res.Source),
			Metadata: res.Metadata(),
		}, log)
		return w.download(ctx, req.TaskID, res.DownloadURL, filepath.Join(workDir, name), log)

	default:
		return w.download(ctx, req.TaskID, req.URL, filepath.Join(workDir, downloadName(req)), log)
	}
}

// stageLocal copies a local input into the work directory.
func (w *Worker) stageLocal(req Request, workDir string) (string, error) {
	if _, err := w.workFs.Stat(req.LocalPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrInputNotFound, req.LocalPath)
		}
		return "", fmt.Errorf("failed to stat input: %w", err)
	}
	if err := checkPackage(w.workFs, req.LocalPath); err != nil {
		return "", err
	}

	dest := filepath.Join(workDir, filepath.Base(req.LocalPath))
	in, err := w.workFs.Open(req.LocalPath)
	if err != nil {
		return "", fmt.Errorf("failed to open input: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := w.workFs.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to stage input: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("failed to stage input: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to stage input: %w", err)
	}
	return dest, nil
}

// download fetches rawURL into dest with bounded retries, reporting progress
// in the download band.
func (w *Worker) download(ctx context.Context, id, rawURL, dest string, log *slog.Logger) (string, error) {
	w.update(ctx, id, domain.TaskUpdate{
		Status:   domain.TaskStatusDownloading,
		Progress: ProgressDownloadStart,
		Message:  "downloading input",
	}, log)

	var size int64
	err := task.Retry(ctx, w.cfg.DownloadRetry, func(ctx context.Context, attempt int) error {
		throttle := &rate.Sometimes{First: 1, Interval: w.cfg.ProgressInterval}
		progress := func(received, total int64) {
			throttle.Do(func() {
				w.update(ctx, id, domain.TaskUpdate{
					Status:   domain.TaskStatusDownloading,
					Progress: downloadProgress(received, total),
					Message:  downloadMessage(received, total),
				}, log)
			})
		}

		attemptCtx := ctx
		if w.cfg.DownloadTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, w.cfg.DownloadTimeout)
			defer cancel()
		}

		n, err := w.downloader.Download(attemptCtx, rawURL, dest, progress)
		if err != nil {
			if ctx.Err() == nil && attemptCtx.Err() != nil {
				err = fmt.Errorf("%w: %v", ErrDownloadTimeout, err)
			}
			log.Warn("download attempt failed",
				"attempt", attempt,
				"max_attempts", w.cfg.DownloadRetry.Attempts,
				"retryable", !task.IsPermanent(err),
				"error", redact.Error(err))
			return err
		}
		size = n
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}

	w.update(ctx, id, domain.TaskUpdate{
		Status:   domain.TaskStatusDownloading,
		Progress: ProgressDownloadEnd,
		Message:  "downloaded " + humanize.Bytes(uint64(size)),
	}, log)

	if err := checkPackage(w.workFs, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// repackage runs the script with bounded full re-attempts and returns the
// path of the produced artifact.
func (w *Worker) repackage(ctx context.Context, req Request, input, workDir string, log *slog.Logger) (string, error) {
	artifact := filepath.Join(workDir, ArtifactName(input, req.Suffix))
	inv := Invocation{
		Platform:  req.Platform,
		Suffix:    req.Suffix,
		InputPath: input,
		Dir:       workDir,
	}
	attempts := w.cfg.RepackRetry.Attempts

	err := task.Retry(ctx, w.cfg.RepackRetry, func(ctx context.Context, attempt int) error {
		w.update(ctx, req.TaskID, domain.TaskUpdate{
			Status:   domain.TaskStatusProcessing,
			Progress: ProgressProcessStart,
			Attempt:  attempt,
			Message:  fmt.Sprintf("repackaging (attempt %d of %d)", attempt, attempts),
		}, log)

		_ = w.workFs.Remove(artifact)

		last := ProgressProcessStart
		err := w.runner.Run(ctx, inv, func(line string) {
			if p, ok := ParseProgress(line); ok {
				last = p
			}
			w.update(ctx, req.TaskID, domain.TaskUpdate{
				Status:   domain.TaskStatusProcessing,
				Progress: last,
				Attempt:  attempt,
				Message:  line,
			}, log)
		})
		if err == nil {
			if _, statErr := w.workFs.Stat(artifact); statErr != nil {
				err = fmt.Errorf("%w: expected %s", ErrArtifactMissing, path.Base(filepath.ToSlash(artifact)))
			}
		}
		if err != nil {
			log.Warn("repackaging attempt failed",
				"attempt", attempt,
				"max_attempts", attempts,
				"retryable", !task.IsPermanent(err),
				"error", redact.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("repackaging failed after %d attempts: %w", attempts, err)
		}
		return "", fmt.Errorf("repackaging failed: %w", err)
	}
	return artifact, nil
}

// downloadName picks the local file name for a URL input.
func downloadName(req Request) string {
	name := path.Base(strings.SplitN(strings.SplitN(req.URL, "?", 2)[0], "#", 2)[0])
	if name == "" || name == "." || name == "/" || filepath.Ext(name) == "" {
		return req.TaskID + ".difypkg"
	}
	return name
}

func downloadMessage(received, total int64) string {
	if total > 0 {
		return fmt.Sprintf("downloaded %s of %s", humanize.Bytes(uint64(received)), humanize.Bytes(uint64(total)))
	}
	return "downloaded " + humanize.Bytes(uint64(received))
}
