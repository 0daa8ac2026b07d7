package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-backup/backup"
	"github.com/bitrise-io/go-backup/backup/state"
	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

func main() {
	logger := log.NewLogger()
	envRepo := env.NewRepository()

	if err := run(envRepo, logger); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func run(envRepo env.Repository, logger log.Logger) error {
	config, err := backup.ParseConfig(envRepo)
	if err != nil {
		return fmt.Errorf("failed to parse inputs: %w", err)
	}
	stepconf.Print(config)
	logger.EnableDebugLog(config.Verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backend, err := backup.NewBackend(ctx, config, logger)
	if err != nil {
		return fmt.Errorf("failed to create backend: %w", err)
	}

	var store backup.StateStore
	if config.StateDB != "" {
		s, err := state.Open(ctx, config.StateDB)
		if err != nil {
			return fmt.Errorf("failed to open state database: %w", err)
		}
		defer func() {
			if err := s.Close(); err != nil {
				logger.Warnf("Failed to close state database: %s", err)
			}
		}()
		store = s
	}

	engineConfig, err := config.EngineConfig()
	if err != nil {
		return err
	}

	backuper := backup.NewBackuper(
		envRepo,
		logger,
		pathutil.NewPathProvider(),
		pathutil.NewPathModifier(),
		pathutil.NewPathChecker(),
		backend,
		store,
		nil,
		engineConfig,
	)

	summary, err := backuper.Backup(ctx, config.Input())
	if errors.Is(err, backup.ErrFilesFailed) {
		logger.Warnf("Run %s finished with %d failed files", summary.RunID, summary.Failed)
	}
	return err
}
