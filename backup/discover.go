package backup

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// sourceFile is a regular file selected for backup.
type sourceFile struct {
	Path       string
	ObjectName string
	Info       fs.FileInfo
}

func (b *Backuper) evaluatePaths(paths []string) ([]string, error) {
	// Expand wildcard paths
	var expandedPaths []string
	for _, p := range paths {
		if !strings.Contains(p, "*") {
			expandedPaths = append(expandedPaths, p)
			continue
		}

		base, pattern := doublestar.SplitPattern(p)
		absBase, err := b.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if matches == nil {
			b.logger.Warnf("No match for path pattern: %s", p)
			continue
		}
		if err != nil {
			b.logger.Warnf("Error in path pattern '%s': %s", p, err)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(absBase, match))
		}
	}

	// Validate and sanitize paths
	var finalPaths []string
	for _, p := range expandedPaths {
		absPath, err := b.pathModifier.AbsPath(p)
		if err != nil {
			b.logger.Warnf("Failed to parse path %s, error: %s", p, err)
			continue
		}

		exists, err := b.pathChecker.IsPathExists(absPath)
		if err != nil {
			b.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			b.logger.Warnf("Backup path doesn't exist: %s", p)
			continue
		}

		finalPaths = append(finalPaths, absPath)
	}

	return finalPaths, nil
}

// collectFiles walks the roots and returns the regular files not matching any exclude pattern.
// Excludes are matched against both the path relative to its root and the absolute path.
// Object names are the root's base name joined with the relative path, under prefix.
func collectFiles(roots, excludes []string, prefix string) ([]sourceFile, error) {
	var files []sourceFile
	seen := map[string]bool{}

	for _, root := range roots {
		rootInfo, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		rootName := filepath.Base(root)

		if !rootInfo.IsDir() {
			excluded, err := isExcluded(excludes, rootName, root)
			if err != nil {
				return nil, err
			}
			if !excluded && rootInfo.Mode().IsRegular() && !seen[root] {
				seen[root] = true
				files = append(files, sourceFile{Path: root, ObjectName: objectName(prefix, rootName), Info: rootInfo})
			}
			continue
		}

		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p == root {
				return nil
			}

			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			excluded, err := isExcluded(excludes, rel, p)
			if err != nil {
				return err
			}
			if excluded {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || seen[p] {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return err
			}
			seen[p] = true
			files = append(files, sourceFile{Path: p, ObjectName: objectName(prefix, filepath.Join(rootName, rel)), Info: info})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}

	return files, nil
}

func isExcluded(excludes []string, rel, abs string) (bool, error) {
	for _, pattern := range excludes {
		for _, name := range []string{filepath.ToSlash(rel), filepath.ToSlash(abs)} {
			match, err := doublestar.Match(pattern, name)
			if err != nil {
				return false, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
			}
			if match {
				return true, nil
			}
		}
	}
	return false, nil
}

func objectName(prefix, rel string) string {
	return path.Join(prefix, filepath.ToSlash(rel))
}

// areAllPathsEmpty reports whether none of the paths is a file or a non-empty directory.
func areAllPathsEmpty(includePaths []string) bool {
	allEmpty := true

	for _, p := range includePaths {
		// Check if file exists at path
		fileInfo, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			continue
		}

		if !fileInfo.IsDir() {
			allEmpty = false
			break
		}

		file, err := os.Open(p)
		if err != nil {
			continue
		}
		_, err = file.Readdirnames(1) // query only 1 child
		file.Close()                  //nolint:errcheck
		if errors.Is(err, io.EOF) {
			// Dir is empty
			continue
		}
		if err == nil {
			allEmpty = false
			break
		}
	}

	return allEmpty
}
