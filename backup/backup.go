// Package backup uploads local files to a remote object store. Large files go through the
// multi-part upload engine, small ones are stored with a single request, and unchanged files are
// skipped using a local state database.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	stepanalytics "github.com/bitrise-io/go-backup/analytics"
	"github.com/bitrise-io/go-backup/backup/compression"
	"github.com/bitrise-io/go-backup/backup/network"
	"github.com/bitrise-io/go-backup/backup/network/largeobject"
	"github.com/bitrise-io/go-backup/backup/state"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
)

const (
	defaultContentType = "application/octet-stream"

	// maxConsecutiveFileFailures is the number of files in a row that may fail before the run is aborted.
	maxConsecutiveFileFailures = 5
)

// ErrTooManyFailures is returned when too many files in a row failed to upload.
var ErrTooManyFailures = errors.New("too many consecutive file failures")

// ErrFilesFailed is returned when the run finished but some files could not be uploaded.
var ErrFilesFailed = errors.New("some files failed to upload")

// Input is one backup run.
type Input struct {
	Paths       []string
	Excludes    []string
	ContainerID string
	Prefix      string
	Compress    bool
	Metadata    map[string]string
}

// Summary counts what happened to the files of a run.
type Summary struct {
	RunID         string
	Files         int
	Uploaded      int
	Skipped       int
	Failed        int
	BytesUploaded int64
}

// StateStore remembers the last successful upload of every file.
type StateStore interface {
	Lookup(ctx context.Context, path string) (state.Record, bool, error)
	Save(ctx context.Context, record state.Record) error
}

// FileCompressor compresses a single file.
type FileCompressor interface {
	Compress(sourcePath, destinationPath string) error
}

// Backuper ...
type Backuper struct {
	envRepo        env.Repository
	logger         log.Logger
	pathProvider   pathutil.PathProvider
	pathModifier   pathutil.PathModifier
	pathChecker    pathutil.PathChecker
	backend        network.Backend
	store          StateStore
	compressor     FileCompressor
	engineConfig   largeobject.Config
	trackerFactory stepanalytics.TrackerFactory
}

// NewBackuper creates a backuper uploading to backend. `store` can be nil, in which case no file
// is ever skipped. `compressor` can be nil unless you want a custom implementation.
func NewBackuper(
	envRepo env.Repository,
	logger log.Logger,
	pathProvider pathutil.PathProvider,
	pathModifier pathutil.PathModifier,
	pathChecker pathutil.PathChecker,
	backend network.Backend,
	store StateStore,
	compressor FileCompressor,
	engineConfig largeobject.Config,
) *Backuper {
	if compressor == nil {
		compressor = compression.NewCompressor(logger, envRepo, compression.NewBinaryChecker(logger, envRepo))
	}
	return &Backuper{
		envRepo:        envRepo,
		logger:         logger,
		pathProvider:   pathProvider,
		pathModifier:   pathModifier,
		pathChecker:    pathChecker,
		backend:        backend,
		store:          store,
		compressor:     compressor,
		engineConfig:   engineConfig,
		trackerFactory: analytics.NewDefaultTracker,
	}
}

// Backup uploads every changed file of the input paths.
func (b *Backuper) Backup(ctx context.Context, input Input) (Summary, error) {
	b.logger.TDebugf("Backup start")
	defer func() {
		b.logger.TDebugf("Backup done")
	}()
	startTime := time.Now()

	tracker := newRunTracker(b.envRepo, b.logger, b.trackerFactory, input)
	defer tracker.wait()
	b.logger.TDebugf("Tracker created")

	summary := Summary{RunID: tracker.runID}

	paths, err := b.evaluatePaths(input.Paths)
	if err != nil {
		return summary, fmt.Errorf("failed to parse paths: %w", err)
	}
	b.logger.TDebugf("Final paths evaluated")

	if areAllPathsEmpty(paths) {
		b.logger.Warnf("The provided paths are all empty, skipping backup.")
		return summary, nil
	}

	files, err := collectFiles(paths, input.Excludes, input.Prefix)
	if err != nil {
		return summary, fmt.Errorf("failed to collect files: %w", err)
	}
	summary.Files = len(files)
	b.logger.TDebugf("Files collected")
	b.logger.Printf("%d files to consider in %d paths", len(files), len(paths))

	uploader, err := largeobject.New(b.engineConfig, b.backend, b.logger,
		largeobject.WithHasher(b.backend.PartHasher()),
		largeobject.WithTracker(tracker.tracker),
	)
	if err != nil {
		return summary, fmt.Errorf("failed to create uploader: %w", err)
	}

	tempDir := ""
	if input.Compress {
		tempDir, err = b.pathProvider.CreateTempDir("backup")
		if err != nil {
			return summary, err
		}
		defer func() {
			if err := os.RemoveAll(tempDir); err != nil {
				b.logger.Warnf("Failed to remove temporary directory: %s", err)
			}
		}()
	}

	consecutiveFailures := 0
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		b.logger.Println()
		uploaded, size, err := b.backupFile(ctx, uploader, &tracker, file, input, tempDir)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return summary, err
			}

			b.logger.Errorf("Failed to back up %s: %s", file.Path, err)
			tracker.logFileFailed(err)
			summary.Failed++
			consecutiveFailures++
			if consecutiveFailures >= maxConsecutiveFileFailures {
				tracker.logRunFinished(time.Since(startTime), summary)
				return summary, fmt.Errorf("%w: last error: %s", ErrTooManyFailures, err)
			}
			continue
		}

		consecutiveFailures = 0
		if uploaded {
			summary.Uploaded++
			summary.BytesUploaded += size
		} else {
			summary.Skipped++
		}
	}

	runTime := time.Since(startTime).Round(time.Second)
	tracker.logRunFinished(runTime, summary)

	b.logger.Println()
	b.logger.Donef("Backup finished in %s: %d uploaded (%s), %d skipped, %d failed",
		runTime, summary.Uploaded, units.HumanSizeWithPrecision(float64(summary.BytesUploaded), 3), summary.Skipped, summary.Failed)

	if summary.Failed > 0 {
		return summary, fmt.Errorf("%w: %d of %d", ErrFilesFailed, summary.Failed, summary.Files)
	}
	return summary, nil
}

// backupFile uploads file unless it is unchanged. It returns whether the file was uploaded and the
// number of bytes sent.
func (b *Backuper) backupFile(
	ctx context.Context,
	uploader *largeobject.Uploader,
	tracker *runTracker,
	file sourceFile,
	input Input,
	tempDir string,
) (bool, int64, error) {
	checksum, err := checksumOfFile(file.Path)
	if err != nil {
		return false, 0, fmt.Errorf("checksum: %w", err)
	}

	canSkip, reason := b.canSkipUpload(ctx, file, checksum)
	if canSkip {
		b.logger.Donef("Skipping %s, reason: %s", file.ObjectName, reason)
		tracker.logFileSkipped(reason)
		return false, 0, nil
	}
	b.logger.Debugf("Can't skip %s, reason: %s", file.ObjectName, reason)

	uploadPath := file.Path
	name := file.ObjectName
	contentType := defaultContentType
	contentSHA1 := checksum
	if input.Compress {
		uploadPath = filepath.Join(tempDir, filepath.Base(file.Path)+compression.Extension)
		if err := b.compressor.Compress(file.Path, uploadPath); err != nil {
			return false, 0, err
		}
		defer func() {
			if err := os.Remove(uploadPath); err != nil {
				b.logger.Warnf("Failed to remove compressed file: %s", err)
			}
		}()

		name += compression.Extension
		contentType = compression.ContentType
		if contentSHA1, err = checksumOfFile(uploadPath); err != nil {
			return false, 0, fmt.Errorf("checksum: %w", err)
		}
	}

	info, err := os.Stat(uploadPath)
	if err != nil {
		return false, 0, err
	}
	size := info.Size()

	b.logger.Infof("Uploading %s (%s)...", name, units.HumanSizeWithPrecision(float64(size), 3))
	uploadStartTime := time.Now()

	var object largeobject.CompletedObject
	multiPart := size >= b.engineConfig.MinimumLargeObjectSize
	if multiPart {
		object, err = b.uploadLarge(ctx, uploader, uploadPath, size, name, contentType, input)
	} else {
		object, err = b.backend.UploadSmallObject(ctx, network.SmallObject{
			ContainerID: input.ContainerID,
			ObjectName:  name,
			ContentType: contentType,
			Metadata:    input.Metadata,
			Path:        uploadPath,
			Size:        size,
			ContentSHA1: contentSHA1,
		})
	}
	if err != nil {
		return false, 0, err
	}

	uploadTime := time.Since(uploadStartTime)
	b.logger.Donef("Uploaded %s in %s", name, uploadTime.Round(time.Millisecond))
	tracker.logFileUploaded(uploadTime, size, multiPart)

	if b.store != nil {
		err := b.store.Save(ctx, state.Record{
			Path:       file.Path,
			Size:       file.Info.Size(),
			ModTime:    file.Info.ModTime(),
			SHA1:       checksum,
			RemoteID:   object.RemoteFileID,
			UploadedAt: time.Now(),
		})
		if err != nil {
			// the upload itself succeeded, the file is sent again next time
			b.logger.Warnf("Failed to record the upload of %s: %s", file.Path, err)
		}
	}

	return true, size, nil
}

func (b *Backuper) uploadLarge(
	ctx context.Context,
	uploader *largeobject.Uploader,
	path string,
	size int64,
	name, contentType string,
	input Input,
) (largeobject.CompletedObject, error) {
	source, err := largeobject.OpenFileByteSource(path)
	if err != nil {
		return largeobject.CompletedObject{}, err
	}
	defer func() {
		if err := source.Close(); err != nil {
			b.logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	return uploader.Upload(ctx, largeobject.Request{
		ContainerID: input.ContainerID,
		ObjectName:  name,
		ContentType: contentType,
		Metadata:    input.Metadata,
		Source:      source,
		Size:        size,
	})
}
