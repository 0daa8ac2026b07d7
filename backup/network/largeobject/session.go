package largeobject

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/juju/clock"
)

// Uploader coordinates large object upload sessions.
// Sessions of one Uploader run one at a time; the worker pool and the statistics are shared by
// every session for the lifetime of the Uploader.
type Uploader struct {
	config     Config
	remote     RemoteAPI
	hasher     ChunkHasher
	clock      clock.Clock
	logger     log.Logger
	tracker    sessionTracker
	stats      *Statistics
	pool       *WorkerPool
	controller *Controller

	sessionMu sync.Mutex
}

// Option customizes an Uploader.
type Option func(*Uploader)

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(u *Uploader) { u.clock = clk }
}

// WithHasher replaces the SHA-1 part hasher.
func WithHasher(hasher ChunkHasher) Option {
	return func(u *Uploader) { u.hasher = hasher }
}

// WithTracker enables telemetry events.
func WithTracker(tracker analytics.Tracker) Option {
	return func(u *Uploader) { u.tracker = sessionTracker{tracker: tracker} }
}

// New creates a new Uploader with the given configuration.
func New(config Config, remote RemoteAPI, logger log.Logger, opts ...Option) (*Uploader, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	u := &Uploader{
		config: config,
		remote: remote,
		hasher: SHA1Hasher,
		clock:  clock.WallClock,
		logger: logger,
	}
	for _, opt := range opts {
		opt(u)
	}

	u.stats = NewStatistics(config.MaxWorkers)
	u.pool = newWorkerPool(config.MaxWorkers, u.stats)
	u.controller = NewController(config, u.stats, u.clock, logger)

	return u, nil
}

// Statistics returns the statistics shared by every session.
func (u *Uploader) Statistics() *Statistics {
	return u.stats
}

// ActiveWorkers returns the worker count the next session will request.
func (u *Uploader) ActiveWorkers() int {
	return u.controller.ActiveWorkers()
}

// Upload transfers the file described by req as one large object session.
func (u *Uploader) Upload(ctx context.Context, req Request) (CompletedObject, error) {
	u.sessionMu.Lock()
	defer u.sessionMu.Unlock()

	requested := u.controller.ActiveWorkers()
	plan, err := PlanParts(req.Size, u.config.MinimumLargeObjectSize, u.config.RecommendedPartSize, u.config.MinimumPartSize, requested)
	if err != nil {
		return CompletedObject{}, err
	}
	if err := plan.Verify(req.Size); err != nil {
		return CompletedObject{}, err
	}

	start := u.clock.Now()
	remoteFileID, err := u.remote.OpenLargeObjectSession(ctx, req.ContainerID, req.ObjectName, req.ContentType, req.Metadata)
	if err != nil {
		return CompletedObject{}, fmt.Errorf("open large object session: %w", err)
	}

	s := &session{
		id:           uuid.NewString(),
		remoteFileID: remoteFileID,
		request:      req,
		totalParts:   plan.TotalParts,
		queue:        NewPartQueue(plan.Parts),
		remote:       u.remote,
		hasher:       u.hasher,
		config:       u.config,
		pool:         u.pool,
		clock:        u.clock,
		logger:       u.logger,
	}
	defer u.pool.ResetFailures()

	u.logger.Infof("[%s] Uploading %s (%s) in %d parts of %s with %d workers",
		s.id, req.ObjectName, units.HumanSizeWithPrecision(float64(req.Size), 3), plan.TotalParts,
		units.HumanSizeWithPrecision(float64(plan.PartSize), 3), plan.EffectiveWorkers)

	u.stats.takeHighWater()
	s.runWorkers(ctx, plan.EffectiveWorkers)
	highWater := u.stats.takeHighWater()

	object, err := s.finish(ctx)
	if err != nil {
		u.cancelRemote(remoteFileID, s.id)
		u.tracker.logSessionFailed(s, err)
		return CompletedObject{}, err
	}

	stop := u.clock.Now()
	u.stats.RecordSession(SessionStatistic{
		FileLength:        req.Size,
		StartTime:         start,
		StopTime:          stop,
		HighWaterSleeping: highWater,
	})
	u.tracker.logSessionFinished(s, req.Size, stop.Sub(start), plan.EffectiveWorkers)
	u.logger.Donef("[%s] Uploaded %s in %s", s.id, req.ObjectName, stop.Sub(start).Round(time.Millisecond))

	return object, nil
}

func (u *Uploader) cancelRemote(remoteFileID, sessionID string) {
	canceller, ok := u.remote.(Canceller)
	if !ok {
		return
	}
	// The caller's context may already be done; cancellation is best effort.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := canceller.CancelLargeObjectSession(ctx, remoteFileID); err != nil {
		u.logger.Warnf("[%s] Failed to cancel remote session %s: %s", sessionID, remoteFileID, err)
	}
}

// session is the state of one whole-file transfer.
type session struct {
	id           string
	remoteFileID string
	request      Request
	totalParts   int
	queue        *PartQueue
	remote       RemoteAPI
	hasher       ChunkHasher
	config       Config
	pool         *WorkerPool
	clock        clock.Clock
	logger       log.Logger
	cancel       context.CancelFunc

	running atomic.Int32
	exited  chan struct{}

	mu             sync.Mutex
	results        []PartResult
	totalBytesSent int64
	fatalErr       error
	abandoned      int
}

// runWorkers launches count staggered workers and polls until all of them exited.
func (s *session) runWorkers(ctx context.Context, count int) {
	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel
	s.exited = make(chan struct{}, 1)

	for slot := 0; slot < count; slot++ {
		if slot > 0 && s.config.LaunchStagger > 0 {
			select {
			case <-workerCtx.Done():
			case <-s.clock.After(s.config.LaunchStagger):
			}
		}
		if workerCtx.Err() != nil {
			break
		}
		s.running.Add(1)
		go s.runWorker(workerCtx, slot)
	}

	var exited <-chan struct{}
	done := workerCtx.Done()
	for s.running.Load() > 0 {
		select {
		case <-done:
			// cancelled workers are waited for without the poll delay
			done = nil
			exited = s.exited
		case <-exited:
		case <-s.clock.After(s.config.PollInterval):
		}
	}
}

// finish validates the session and finalizes the remote object.
func (s *session) finish(ctx context.Context) (CompletedObject, error) {
	if err := ctx.Err(); err != nil {
		return CompletedObject{}, fmt.Errorf("upload session cancelled: %w", err)
	}

	s.mu.Lock()
	fatalErr := s.fatalErr
	results := append([]PartResult(nil), s.results...)
	abandoned := s.abandoned
	s.mu.Unlock()

	if fatalErr != nil {
		return CompletedObject{}, fatalErr
	}
	if len(results) == 0 || !s.queue.IsEmpty() || len(results) != s.totalParts {
		return CompletedObject{}, &SessionIncompleteError{
			RemainingParts: s.queue.Len(),
			UploadedParts:  len(results),
			TotalParts:     s.totalParts,
			Abandoned:      abandoned,
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].PartNumber < results[j].PartNumber
	})
	hashes := make([]string, len(results))
	for i, result := range results {
		hashes[i] = result.Hash
	}

	object, err := s.remote.FinalizeLargeObjectSession(ctx, s.remoteFileID, hashes)
	if err != nil {
		return CompletedObject{}, fmt.Errorf("finalize large object session: %w", err)
	}
	return object, nil
}

func (s *session) recordResult(result PartResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	s.totalBytesSent += int64(result.ByteCount)
}

func (s *session) recordAbandoned() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned++
}

// abort records the first fatal error and stops every worker of the session.
func (s *session) abort(err error) {
	s.mu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *session) bytesSent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytesSent
}

func (s *session) abandonedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abandoned
}
