package largeobject

import (
	"sync"
	"sync/atomic"
	"time"
)

const sessionHistoryLimit = 100

// WorkerStatistic accumulates the activity of one worker slot for the lifetime of the process.
type WorkerStatistic struct {
	attempts   atomic.Int64
	successes  atomic.Int64
	failures   atomic.Int64
	abandoned  atomic.Int64
	sleptUnits atomic.Int64
	sleeps     atomic.Int64
	partTime   atomic.Int64

	mu             sync.Mutex
	sleepDurations []int
}

// Attempts returns the number of upload attempts.
func (w *WorkerStatistic) Attempts() int64 { return w.attempts.Load() }

// Successes returns the number of uploaded parts.
func (w *WorkerStatistic) Successes() int64 { return w.successes.Load() }

// Failures returns the number of failed attempts.
func (w *WorkerStatistic) Failures() int64 { return w.failures.Load() }

// Abandoned returns how many times the slot gave up after too many failures.
func (w *WorkerStatistic) Abandoned() int64 { return w.abandoned.Load() }

// SleepDurations returns the realized backoff sleeps, in sleep units.
func (w *WorkerStatistic) SleepDurations() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int(nil), w.sleepDurations...)
}

// SessionStatistic describes one completed session.
type SessionStatistic struct {
	FileLength        int64
	StartTime         time.Time
	StopTime          time.Time
	HighWaterSleeping int
}

// Totals is a point-in-time sum over every worker slot.
type Totals struct {
	TakenAt    time.Time
	Attempts   int64
	Successes  int64
	Failures   int64
	Abandoned  int64
	SleptUnits int64
	Sleeps     int64
	PartTime   time.Duration
}

// WindowSummary holds the trailing statistics between two Totals.
type WindowSummary struct {
	Attempts  int64
	Successes int64
	Sleeps    int64
	Sessions  int

	SuccessPercent           float64
	SleepPerSuccess          float64
	AveragePartTime          time.Duration
	Throughput               float64
	Abandoned                int64
	AverageHighWaterSleeping float64
	AverageSleepLength       float64
}

// Statistics aggregates worker and session statistics.
type Statistics struct {
	workers []WorkerStatistic

	sleeping  atomic.Int64
	highWater atomic.Int64

	mu       sync.Mutex
	sessions []SessionStatistic
}

// NewStatistics creates statistics for the given number of worker slots.
func NewStatistics(slots int) *Statistics {
	return &Statistics{workers: make([]WorkerStatistic, slots)}
}

// Worker returns the statistic of a slot.
func (s *Statistics) Worker(slot int) *WorkerStatistic {
	return &s.workers[slot]
}

// Slots returns the number of worker slots.
func (s *Statistics) Slots() int {
	return len(s.workers)
}

func (s *Statistics) recordAttempt(slot int) {
	s.workers[slot].attempts.Add(1)
}

func (s *Statistics) recordSuccess(slot int, took time.Duration) {
	w := &s.workers[slot]
	w.successes.Add(1)
	w.partTime.Add(int64(took))
}

func (s *Statistics) recordFailure(slot int) {
	s.workers[slot].failures.Add(1)
}

func (s *Statistics) recordSleep(slot int, units int) {
	w := &s.workers[slot]
	w.sleptUnits.Add(int64(units))
	w.sleeps.Add(1)

	w.mu.Lock()
	w.sleepDurations = append(w.sleepDurations, units)
	w.mu.Unlock()
}

func (s *Statistics) recordAbandoned(slot int) {
	s.workers[slot].abandoned.Add(1)
}

func (s *Statistics) beginSleep() {
	n := s.sleeping.Add(1)
	for {
		hw := s.highWater.Load()
		if n <= hw || s.highWater.CompareAndSwap(hw, n) {
			return
		}
	}
}

func (s *Statistics) endSleep() {
	s.sleeping.Add(-1)
}

// takeHighWater returns the most workers seen sleeping at once since the last call.
func (s *Statistics) takeHighWater() int {
	return int(s.highWater.Swap(s.sleeping.Load()))
}

// RecordSession appends a completed session to the trailing history.
func (s *Statistics) RecordSession(stat SessionStatistic) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = append(s.sessions, stat)
	if len(s.sessions) > sessionHistoryLimit {
		s.sessions = append([]SessionStatistic(nil), s.sessions[len(s.sessions)-sessionHistoryLimit:]...)
	}
}

// Sessions returns the trailing session history.
func (s *Statistics) Sessions() []SessionStatistic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SessionStatistic(nil), s.sessions...)
}

// Snapshot sums the counters of every slot.
func (s *Statistics) Snapshot(now time.Time) Totals {
	t := Totals{TakenAt: now}
	for i := range s.workers {
		w := &s.workers[i]
		t.Attempts += w.attempts.Load()
		t.Successes += w.successes.Load()
		t.Failures += w.failures.Load()
		t.Abandoned += w.abandoned.Load()
		t.SleptUnits += w.sleptUnits.Load()
		t.Sleeps += w.sleeps.Load()
		t.PartTime += time.Duration(w.partTime.Load())
	}
	return t
}

// Summarize computes the window between prev and cur. Sessions that stopped after prev was
// taken and not after cur was taken belong to the window.
func (s *Statistics) Summarize(prev, cur Totals) WindowSummary {
	sum := WindowSummary{
		Attempts:  cur.Attempts - prev.Attempts,
		Successes: cur.Successes - prev.Successes,
		Sleeps:    cur.Sleeps - prev.Sleeps,
		Abandoned: cur.Abandoned - prev.Abandoned,
	}

	if sum.Attempts > 0 {
		sum.SuccessPercent = 100 * float64(sum.Successes) / float64(sum.Attempts)
	}
	if sum.Successes > 0 {
		sum.SleepPerSuccess = float64(cur.SleptUnits-prev.SleptUnits) / float64(sum.Successes)
		sum.AveragePartTime = (cur.PartTime - prev.PartTime) / time.Duration(sum.Successes)
	}
	if sum.Sleeps > 0 {
		sum.AverageSleepLength = float64(cur.SleptUnits-prev.SleptUnits) / float64(sum.Sleeps)
	}

	var bytes int64
	var elapsed time.Duration
	var highWater int
	for _, session := range s.Sessions() {
		if !session.StopTime.After(prev.TakenAt) || session.StopTime.After(cur.TakenAt) {
			continue
		}
		sum.Sessions++
		bytes += session.FileLength
		elapsed += session.StopTime.Sub(session.StartTime)
		highWater += session.HighWaterSleeping
	}
	if sum.Sessions > 0 {
		sum.AverageHighWaterSleeping = float64(highWater) / float64(sum.Sessions)
		if ms := elapsed.Milliseconds(); ms > 0 {
			sum.Throughput = float64(bytes) / float64(ms)
		}
	}

	return sum
}
