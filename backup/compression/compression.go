// Package compression zstd-compresses single files before they are uploaded.
package compression

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// Extension is appended to the object name of compressed files.
const Extension = ".zst"

// ContentType is the content type of compressed files.
const ContentType = "application/zstd"

// DependencyChecker reports whether the zstd binary can be used.
type DependencyChecker interface {
	CheckDependencies() bool
}

// BinaryChecker looks up the zstd binary on the PATH.
type BinaryChecker struct {
	logger  log.Logger
	envRepo env.Repository
}

// NewBinaryChecker ...
func NewBinaryChecker(logger log.Logger, envRepo env.Repository) *BinaryChecker {
	return &BinaryChecker{
		logger:  logger,
		envRepo: envRepo,
	}
}

// CheckDependencies ...
func (c *BinaryChecker) CheckDependencies() bool {
	cmdFactory := command.NewFactory(c.envRepo)
	cmd := cmdFactory.Create("which", []string{"zstd"}, nil)
	c.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	_, err := cmd.RunAndReturnTrimmedCombinedOutput()
	return err == nil
}

// Compressor compresses files with the zstd binary if it is installed and with the native
// implementation otherwise.
type Compressor struct {
	logger            log.Logger
	envRepo           env.Repository
	dependencyChecker DependencyChecker
	level             zstd.EncoderLevel
}

// NewCompressor ...
func NewCompressor(logger log.Logger, envRepo env.Repository, dependencyChecker DependencyChecker) *Compressor {
	return &Compressor{
		logger:            logger,
		envRepo:           envRepo,
		dependencyChecker: dependencyChecker,
		level:             zstd.SpeedDefault,
	}
}

// Compress writes the zstd compressed content of sourcePath to destinationPath.
func (c *Compressor) Compress(sourcePath, destinationPath string) error {
	if !c.dependencyChecker.CheckDependencies() {
		c.logger.Debugf("Falling back to native implementation of zstd.")
		if err := c.compressWithGoLib(sourcePath, destinationPath); err != nil {
			return fmt.Errorf("compress file: %w", err)
		}
		return nil
	}

	c.logger.Debugf("Using installed zstd binary")
	if err := c.compressWithBinary(sourcePath, destinationPath); err != nil {
		return fmt.Errorf("compress file: %w", err)
	}
	return nil
}

func (c *Compressor) compressWithGoLib(sourcePath, destinationPath string) error {
	source, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer source.Close() //nolint:errcheck

	destination, err := os.Create(destinationPath)
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}

	zstdWriter, err := zstd.NewWriter(destination, zstd.WithEncoderLevel(c.level))
	if err != nil {
		_ = destination.Close()
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := io.Copy(zstdWriter, source); err != nil {
		_ = zstdWriter.Close()
		_ = destination.Close()
		return fmt.Errorf("compress content: %w", err)
	}
	if err := zstdWriter.Close(); err != nil {
		_ = destination.Close()
		return fmt.Errorf("close zstd writer: %w", err)
	}
	if err := destination.Close(); err != nil {
		return fmt.Errorf("close destination file: %w", err)
	}

	return nil
}

func (c *Compressor) compressWithBinary(sourcePath, destinationPath string) error {
	/*
		zstd arguments:
		-T0: Use CPU count threads
		-q: Suppress the progress output
		-f: Overwrite the destination
		-o: Output file
	*/
	return c.run("zstd", []string{"-T0", "-q", "-f", "-o", destinationPath, sourcePath})
}

func (c *Compressor) run(name string, args []string) error {
	cmd := command.NewFactory(c.envRepo).Create(name, args, nil)
	c.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command failed with exit status %d (%s):\n%w", exitErr.ExitCode(), cmd.PrintableCommandArgs(), errors.New(out))
		}
		return fmt.Errorf("executing command failed (%s): %w", cmd.PrintableCommandArgs(), err)
	}

	return nil
}
