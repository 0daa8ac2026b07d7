package largeobject

import (
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/juju/clock"
)

// rule proposes an adjustment of delta when its predicate holds for the previous and the
// current window.
type rule struct {
	name      string
	delta     int
	predicate func(prev, cur WindowSummary) bool
}

// defaultRules are evaluated top to bottom; the first eligible match is applied.
// The throughput rule increases on a decrease; see DESIGN.md.
var defaultRules = []rule{
	{
		name:  "success percentage improved",
		delta: +1,
		predicate: func(prev, cur WindowSummary) bool {
			return prev.Attempts > 0 && cur.Attempts > 0 && cur.SuccessPercent > prev.SuccessPercent
		},
	},
	{
		name:  "sleep per success decreased",
		delta: +1,
		predicate: func(prev, cur WindowSummary) bool {
			return prev.Successes > 0 && cur.Successes > 0 && cur.SleepPerSuccess < prev.SleepPerSuccess
		},
	},
	{
		name:  "average part time decreased",
		delta: +1,
		predicate: func(prev, cur WindowSummary) bool {
			return prev.Successes > 0 && cur.Successes > 0 && cur.AveragePartTime < prev.AveragePartTime
		},
	},
	{
		name:  "average throughput decreased",
		delta: +1,
		predicate: func(prev, cur WindowSummary) bool {
			return prev.Sessions > 0 && cur.Sessions > 0 && cur.Throughput < prev.Throughput
		},
	},
	{
		name:  "abandoned workers increased",
		delta: -1,
		predicate: func(prev, cur WindowSummary) bool {
			return cur.Abandoned > prev.Abandoned
		},
	},
	{
		name:  "sleeping high water increased",
		delta: -1,
		predicate: func(prev, cur WindowSummary) bool {
			return prev.Sessions > 0 && cur.Sessions > 0 && cur.AverageHighWaterSleeping > prev.AverageHighWaterSleeping
		},
	},
	{
		name:  "average sleep length increased",
		delta: -1,
		predicate: func(prev, cur WindowSummary) bool {
			return prev.Sleeps > 0 && cur.Sleeps > 0 && cur.AverageSleepLength > prev.AverageSleepLength
		},
	},
}

// Controller tunes the number of active workers from trailing statistics.
type Controller struct {
	mu             sync.Mutex
	active         int
	min            int
	max            int
	window         time.Duration
	lastAdjustment time.Time

	baselineTotals  Totals
	baselineSummary WindowSummary
	hasBaseline     bool

	rules  []rule
	stats  *Statistics
	clock  clock.Clock
	logger log.Logger
}

// NewController creates a controller starting at config.InitialWorkers.
func NewController(config Config, stats *Statistics, clk clock.Clock, logger log.Logger) *Controller {
	return &Controller{
		active:         config.InitialWorkers,
		min:            config.MinWorkers,
		max:            config.MaxWorkers,
		window:         config.AssessmentWindow,
		lastAdjustment: clk.Now(),
		baselineTotals: stats.Snapshot(clk.Now()),
		rules:          defaultRules,
		stats:          stats,
		clock:          clk,
		logger:         logger,
	}
}

// ActiveWorkers returns the current active worker count, assessing the trailing window first.
func (c *Controller) ActiveWorkers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.assessLocked(c.clock.Now())
	return c.active
}

func (c *Controller) assessLocked(now time.Time) {
	if now.Sub(c.lastAdjustment) < c.window {
		return
	}

	totals := c.stats.Snapshot(now)
	summary := c.stats.Summarize(c.baselineTotals, totals)

	if c.hasBaseline {
		if r, ok := c.evaluate(c.baselineSummary, summary); ok {
			c.logger.Debugf("Adjusting active workers %d -> %d: %s", c.active, c.active+r.delta, r.name)
			c.active += r.delta
		}
	}

	c.baselineTotals = totals
	c.baselineSummary = summary
	c.hasBaseline = true
	c.lastAdjustment = now
}

// evaluate returns the first rule that matches and whose direction the bounds allow.
func (c *Controller) evaluate(prev, cur WindowSummary) (rule, bool) {
	for _, r := range c.rules {
		if r.delta > 0 && c.active >= c.max {
			continue
		}
		if r.delta < 0 && c.active <= c.min {
			continue
		}
		if r.predicate(prev, cur) {
			return r, true
		}
	}
	return rule{}, false
}
