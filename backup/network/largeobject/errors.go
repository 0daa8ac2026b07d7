package largeobject

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ErrWorkerAbandoned is reported by a worker that used up its consecutive failure budget.
// It is not fatal by itself; the session only fails if parts are left in the queue.
var ErrWorkerAbandoned = errors.New("worker abandoned after too many consecutive failures")

// FileTooSmallError is returned before any network call for files below the large object floor.
type FileTooSmallError struct {
	Size    int64
	Minimum int64
}

func (e *FileTooSmallError) Error() string {
	return fmt.Sprintf("file of %d bytes is smaller than the large object minimum of %d bytes", e.Size, e.Minimum)
}

// SessionIntegrityError means the planned parts do not add up to the file size.
type SessionIntegrityError struct {
	FileSize int64
	Planned  int64
}

func (e *SessionIntegrityError) Error() string {
	return fmt.Sprintf("planned parts cover %d bytes, file has %d bytes", e.Planned, e.FileSize)
}

// SessionIncompleteError is the terminal failure of a session whose workers stopped
// before every part was uploaded.
type SessionIncompleteError struct {
	RemainingParts int
	UploadedParts  int
	TotalParts     int
	Abandoned      int
}

func (e *SessionIncompleteError) Error() string {
	return fmt.Sprintf("session incomplete: %d/%d parts uploaded, %d left in queue, %d workers abandoned",
		e.UploadedParts, e.TotalParts, e.RemainingParts, e.Abandoned)
}

// FailureKind tells the worker how to react to a failed remote call.
type FailureKind int

const (
	// Retryable failures are backed off and the part is requeued.
	Retryable FailureKind = iota
	// AuthExpired failures trigger an immediate credential refresh.
	AuthExpired
	// Fatal failures abort the session.
	Fatal
)

func (k FailureKind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case AuthExpired:
		return "auth-expired"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

// TransferError is returned by RemoteAPI implementations for failed calls.
type TransferError struct {
	Kind       FailureKind
	StatusCode int
	Message    string
	Err        error
}

func (e *TransferError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s transfer error: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s transfer error: HTTP %d: %s", e.Kind, e.StatusCode, msg)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// NewStatusError builds a TransferError classified from an HTTP status code.
func NewStatusError(statusCode int, message string, uploadCall bool) *TransferError {
	return &TransferError{
		Kind:       ClassifyStatus(statusCode, uploadCall),
		StatusCode: statusCode,
		Message:    message,
	}
}

// ClassifyStatus maps an HTTP status code to a FailureKind.
// A 401 on an upload call means the upload target went stale; the worker backs off and fetches
// a new credential. On any other call it means the token expired.
func ClassifyStatus(statusCode int, uploadCall bool) FailureKind {
	switch {
	case statusCode >= 500 && statusCode <= 599:
		return Retryable
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests:
		return Retryable
	case statusCode == http.StatusUnauthorized:
		if uploadCall {
			return Retryable
		}
		return AuthExpired
	default:
		return Fatal
	}
}

// OutcomeKind is the tagged result of one remote call as seen by a worker.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomeAuthExpired
	OutcomeFatal
	OutcomeCancelled
)

// Outcome is the classified result of a remote call.
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int
	Err        error
}

var transientMessages = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
	"i/o timeout",
	"timeout awaiting response headers",
	"tls handshake timeout",
	"no such host",
}

// Classify turns the error of a remote call into an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: OutcomeCancelled, Err: err}
	}

	var transferErr *TransferError
	if errors.As(err, &transferErr) {
		outcome := Outcome{StatusCode: transferErr.StatusCode, Err: err}
		switch transferErr.Kind {
		case Retryable:
			outcome.Kind = OutcomeRetryable
		case AuthExpired:
			outcome.Kind = OutcomeAuthExpired
		default:
			outcome.Kind = OutcomeFatal
		}
		return outcome
	}

	if isTransientNetError(err) {
		return Outcome{Kind: OutcomeRetryable, Err: err}
	}

	msg := strings.ToLower(err.Error())
	for _, transient := range transientMessages {
		if strings.Contains(msg, transient) {
			return Outcome{Kind: OutcomeRetryable, Err: err}
		}
	}

	return Outcome{Kind: OutcomeFatal, Err: err}
}

// isTransientNetError reports timeouts and failures of the connection itself. Other net errors,
// such as a url.Error for an unsupported scheme, are permanent.
func isTransientNetError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}
