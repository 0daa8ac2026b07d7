package backup

import (
	"time"

	stepanalytics "github.com/bitrise-io/go-backup/analytics"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type runTracker struct {
	tracker analytics.Tracker
	runID   string
	logger  log.Logger
}

func newRunTracker(envRepo env.Repository, logger log.Logger, factory stepanalytics.TrackerFactory, input Input) runTracker {
	p := analytics.Properties{
		"container_id": input.ContainerID,
		"compress":     input.Compress,
	}
	tracker, runID := stepanalytics.NewRunTracker(envRepo, logger, factory, p)
	return runTracker{
		tracker: tracker,
		runID:   runID,
		logger:  logger,
	}
}

func (t *runTracker) logFileSkipped(reason string) {
	properties := analytics.Properties{
		"reason": reason,
	}
	t.tracker.Enqueue("backup_file_skipped", properties)
}

func (t *runTracker) logFileUploaded(uploadTime time.Duration, size int64, multiPart bool) {
	properties := analytics.Properties{
		"upload_time_ms":    uploadTime.Milliseconds(),
		"upload_size_bytes": size,
		"multi_part":        multiPart,
	}
	t.tracker.Enqueue("backup_file_uploaded", properties)
}

func (t *runTracker) logFileFailed(err error) {
	properties := analytics.Properties{
		"error": err.Error(),
	}
	t.tracker.Enqueue("backup_file_failed", properties)
}

func (t *runTracker) logRunFinished(runTime time.Duration, summary Summary) {
	properties := analytics.Properties{
		"run_time_s":     runTime.Truncate(time.Second).Seconds(),
		"file_count":     summary.Files,
		"uploaded_count": summary.Uploaded,
		"skipped_count":  summary.Skipped,
		"failed_count":   summary.Failed,
		"uploaded_bytes": summary.BytesUploaded,
	}
	t.tracker.Enqueue("backup_run_finished", properties)
}

func (t *runTracker) wait() {
	t.tracker.Wait()
}
