package analytics

import (
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

type TrackerFactory func(log.Logger, ...analytics.Properties) analytics.Tracker

const (
	RunIDEnvKey    = "BACKUP_RUN_ID"
	RunID          = "run_id"
	HostnameEnvKey = "HOSTNAME"
	Hostname       = "hostname"
)

// NewRunTracker creates a tracker whose events carry the id of the backup run. The id is taken
// from BACKUP_RUN_ID when set, a random one is generated otherwise.
func NewRunTracker(repository env.Repository, logger log.Logger, trackerFactory TrackerFactory, properties analytics.Properties) (analytics.Tracker, string) {
	runID := repository.Get(RunIDEnvKey)
	if runID == "" {
		runID = uuid.NewString()
	}

	p := analytics.Properties{
		RunID:    runID,
		Hostname: repository.Get(HostnameEnvKey),
	}
	for k, v := range properties {
		p[k] = v
	}
	return trackerFactory(logger, p), runID
}

func NewDefaultRunTracker(repository env.Repository, logger log.Logger, properties analytics.Properties) (analytics.Tracker, string) {
	return NewRunTracker(repository, logger, analytics.NewDefaultTracker, properties)
}
