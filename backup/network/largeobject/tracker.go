package largeobject

import (
	"errors"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
)

// sessionTracker emits telemetry events. Every method is a no-op without a tracker.
type sessionTracker struct {
	tracker analytics.Tracker
}

func (t sessionTracker) logSessionFinished(s *session, size int64, took time.Duration, workers int) {
	if t.tracker == nil {
		return
	}
	t.tracker.Enqueue("large_object_session_finished", analytics.Properties{
		"session_id":   s.id,
		"size_bytes":   size,
		"parts":        s.totalParts,
		"workers":      workers,
		"upload_ms":    took.Milliseconds(),
		"bytes_sent":   s.bytesSent(),
		"abandoned":    s.abandonedCount(),
		"max_workers":  s.config.MaxWorkers,
		"min_workers":  s.config.MinWorkers,
		"object_name":  s.request.ObjectName,
		"container_id": s.request.ContainerID,
	})
}

func (t sessionTracker) logSessionFailed(s *session, err error) {
	if t.tracker == nil {
		return
	}

	reason := "other"
	var incomplete *SessionIncompleteError
	var transfer *TransferError
	switch {
	case errors.As(err, &incomplete):
		reason = "incomplete"
	case errors.As(err, &transfer):
		reason = transfer.Kind.String()
	}

	t.tracker.Enqueue("large_object_session_failed", analytics.Properties{
		"session_id": s.id,
		"reason":     reason,
		"parts":      s.totalParts,
		"bytes_sent": s.bytesSent(),
		"abandoned":  s.abandonedCount(),
		"error":      err.Error(),
	})
}
