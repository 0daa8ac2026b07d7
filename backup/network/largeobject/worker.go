package largeobject

import (
	"context"
	"fmt"
	"time"
)

type workerExit int

const (
	exitDrained workerExit = iota
	exitAbandoned
	exitFatal
	exitCancelled
)

func (e workerExit) String() string {
	switch e {
	case exitDrained:
		return "drained"
	case exitAbandoned:
		return "abandoned"
	case exitFatal:
		return "fatal"
	case exitCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("workerExit(%d)", int(e))
	}
}

// worker is the loop of one slot for one session.
type worker struct {
	slot        int
	session     *session
	record      *FailureRecord
	cred        *UploadCredential
	consecutive int
}

// runWorker drains the queue in slot and reports the exit to the session.
// The running counter is decremented last, after every queue mutation of this worker.
func (s *session) runWorker(ctx context.Context, slot int) {
	defer func() {
		s.running.Add(-1)
		select {
		case s.exited <- struct{}{}:
		default:
		}
	}()

	w := &worker{
		slot:    slot,
		session: s,
		record:  s.pool.FailureRecord(slot),
	}
	exit := w.run(ctx)
	s.logger.Debugf("[%s] worker %d exited: %s", s.id, slot, exit)
}

func (w *worker) run(ctx context.Context) workerExit {
	s := w.session

	for {
		if ctx.Err() != nil {
			return exitCancelled
		}
		if s.queue.IsEmpty() {
			return exitDrained
		}

		if w.cred == nil {
			cred, err := s.remote.GetPartUploadCredential(ctx, s.remoteFileID)
			if err != nil {
				if exit, stop := w.onFailure(ctx, Classify(err), "get upload credential"); stop {
					return exit
				}
				continue
			}
			w.cred = &cred
		}

		part, ok := s.queue.Pop()
		if !ok {
			return exitDrained
		}

		start := s.clock.Now()
		receipt, err := w.upload(ctx, part)
		outcome := Classify(err)

		if outcome.Kind == OutcomeSuccess {
			hash := receipt.ConfirmedHash
			if hash == "" {
				hash = part.ContentHash
			}
			s.recordResult(PartResult{PartNumber: part.PartNumber, Hash: hash, ByteCount: part.Length})
			s.pool.stats.recordSuccess(w.slot, s.clock.Now().Sub(start))
			w.consecutive = 0
			s.logger.Debugf("[%s] part %d/%d uploaded by worker %d in %s",
				s.id, part.PartNumber, s.totalParts, w.slot, s.clock.Now().Sub(start).Round(time.Millisecond))
			continue
		}

		if outcome.Kind != OutcomeFatal {
			s.queue.Push(part)
		}

		if exit, stop := w.onFailure(ctx, outcome, fmt.Sprintf("upload part %d", part.PartNumber)); stop {
			return exit
		}
	}
}

// upload hashes the part if needed, reads it and sends it with the worker's credential.
func (w *worker) upload(ctx context.Context, part *FilePart) (PartReceipt, error) {
	s := w.session

	if part.ContentHash == "" {
		hash, err := s.hasher.ComputeHash(s.request.Source, part.Offset, part.Length)
		if err != nil {
			return PartReceipt{}, &TransferError{Kind: Fatal, Message: "hash part", Err: err}
		}
		part.ContentHash = hash
	}

	data, err := s.request.Source.ReadRange(part.Offset, part.Length)
	if err != nil {
		return PartReceipt{}, &TransferError{Kind: Fatal, Message: "read part", Err: err}
	}

	s.pool.stats.recordAttempt(w.slot)
	receipt, err := s.remote.UploadPart(ctx, *w.cred, part.PartNumber, part.ContentHash, data)
	if err != nil {
		return PartReceipt{}, err
	}

	if receipt.ConfirmedLength != 0 && receipt.ConfirmedLength != part.Length {
		return PartReceipt{}, &TransferError{
			Kind:    Retryable,
			Message: fmt.Sprintf("remote confirmed %d bytes of %d", receipt.ConfirmedLength, part.Length),
		}
	}

	return receipt, nil
}

// onFailure reacts to a failed remote call. It returns true if the worker must stop.
func (w *worker) onFailure(ctx context.Context, outcome Outcome, what string) (workerExit, bool) {
	s := w.session

	if outcome.Kind == OutcomeCancelled {
		if ctx.Err() != nil {
			return exitCancelled, true
		}
		// A request timed out on its own; the session is still alive.
		outcome.Kind = OutcomeRetryable
	}

	switch outcome.Kind {
	case OutcomeFatal:
		s.pool.stats.recordFailure(w.slot)
		s.logger.Errorf("[%s] worker %d: %s failed: %s", s.id, w.slot, what, outcome.Err)
		s.abort(outcome.Err)
		return exitFatal, true
	case OutcomeAuthExpired:
		s.pool.stats.recordFailure(w.slot)
		s.logger.Debugf("[%s] worker %d: %s: credential expired, refreshing", s.id, w.slot, what)
		w.cred = nil
	default:
		s.pool.stats.recordFailure(w.slot)
		wait := w.record.NextWait(s.clock.Now(), outcome.StatusCode)
		s.logger.Warnf("[%s] worker %d: %s failed, retrying in %s: %s",
			s.id, w.slot, what, time.Duration(wait)*s.config.SleepUnit, outcome.Err)
		w.cred = nil

		s.pool.stats.beginSleep()
		slept := sleepUnits(ctx, s.clock, s.config.SleepUnit, wait, s.queue.IsEmpty)
		s.pool.stats.endSleep()
		s.pool.stats.recordSleep(w.slot, slept)
	}

	w.consecutive++
	if w.consecutive >= s.config.MaxConsecutiveErrors {
		s.pool.stats.recordAbandoned(w.slot)
		s.recordAbandoned()
		s.logger.Warnf("[%s] worker %d: %s after %d failures", s.id, w.slot, ErrWorkerAbandoned, w.consecutive)
		return exitAbandoned, true
	}

	if ctx.Err() != nil {
		return exitCancelled, true
	}
	return exitDrained, false
}
