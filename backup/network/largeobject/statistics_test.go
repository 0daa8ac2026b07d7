package largeobject

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatistics_Summarize(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	stats := NewStatistics(2)

	prev := stats.Snapshot(start)

	stats.recordAttempt(0)
	stats.recordAttempt(0)
	stats.recordAttempt(1)
	stats.recordAttempt(1)
	stats.recordSuccess(0, 2*time.Second)
	stats.recordSuccess(1, 4*time.Second)
	stats.recordSuccess(1, 6*time.Second)
	stats.recordFailure(0)
	stats.recordSleep(0, 3)
	stats.recordSleep(0, 1)

	// before the window
	stats.RecordSession(SessionStatistic{FileLength: 1, StartTime: start.Add(-time.Minute), StopTime: start})
	stats.RecordSession(SessionStatistic{FileLength: 2000, StartTime: start.Add(time.Second), StopTime: start.Add(3 * time.Second), HighWaterSleeping: 1})
	stats.RecordSession(SessionStatistic{FileLength: 4000, StartTime: start.Add(4 * time.Second), StopTime: start.Add(6 * time.Second), HighWaterSleeping: 2})
	// after the window
	stats.RecordSession(SessionStatistic{FileLength: 1, StartTime: start.Add(time.Hour), StopTime: start.Add(2 * time.Hour)})

	cur := stats.Snapshot(start.Add(time.Minute))
	sum := stats.Summarize(prev, cur)

	assert.Equal(t, int64(4), sum.Attempts)
	assert.Equal(t, int64(3), sum.Successes)
	assert.Equal(t, int64(2), sum.Sleeps)
	assert.InDelta(t, 75.0, sum.SuccessPercent, 0.001)
	assert.InDelta(t, 4.0/3.0, sum.SleepPerSuccess, 0.001)
	assert.Equal(t, 4*time.Second, sum.AveragePartTime)
	assert.InDelta(t, 2.0, sum.AverageSleepLength, 0.001)
	assert.Equal(t, 2, sum.Sessions)
	assert.InDelta(t, 1.5, sum.AverageHighWaterSleeping, 0.001)
	// 6000 bytes in 4000 ms
	assert.InDelta(t, 1.5, sum.Throughput, 0.001)
}

func TestStatistics_SummarizeEmptyWindow(t *testing.T) {
	stats := NewStatistics(1)
	now := time.Now()

	sum := stats.Summarize(stats.Snapshot(now), stats.Snapshot(now.Add(time.Minute)))

	assert.Equal(t, WindowSummary{}, sum)
}

func TestStatistics_HighWater(t *testing.T) {
	stats := NewStatistics(4)

	var wg sync.WaitGroup
	var entered sync.WaitGroup
	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		wg.Add(1)
		entered.Add(1)
		go func() {
			defer wg.Done()
			stats.beginSleep()
			entered.Done()
			<-release
			stats.endSleep()
		}()
	}
	entered.Wait()
	close(release)
	wg.Wait()

	assert.Equal(t, 3, stats.takeHighWater())
	assert.Equal(t, 0, stats.takeHighWater())
}

func TestStatistics_SessionHistoryLimit(t *testing.T) {
	stats := NewStatistics(1)
	for i := 0; i < sessionHistoryLimit+10; i++ {
		stats.RecordSession(SessionStatistic{FileLength: int64(i)})
	}

	sessions := stats.Sessions()
	assert.Len(t, sessions, sessionHistoryLimit)
	assert.Equal(t, int64(10), sessions[0].FileLength)
}

func TestWorkerStatistic_SleepDurations(t *testing.T) {
	stats := NewStatistics(1)
	stats.recordSleep(0, 1)
	stats.recordSleep(0, 3)

	durations := stats.Worker(0).SleepDurations()
	durations[0] = 99

	assert.Equal(t, []int{1, 3}, stats.Worker(0).SleepDurations())
}
