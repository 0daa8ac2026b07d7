package backup

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
)

func (b *Backuper) canSkipUpload(ctx context.Context, file sourceFile, checksum string) (canSkip bool, reason string) {
	if b.store == nil {
		return false, "no state database is configured"
	}

	record, found, err := b.store.Lookup(ctx, file.Path)
	if err != nil {
		b.logger.Warnf("Failed to look up the previous upload of %s: %s", file.Path, err)
		return false, "the previous upload could not be looked up"
	}
	if !found {
		return false, "the file was never backed up"
	}

	if record.Size != file.Info.Size() {
		return false, "the file size changed since the last backup"
	}
	if record.SHA1 != checksum {
		return false, "the file content changed since the last backup"
	}
	if !record.ModTime.Equal(file.Info.ModTime()) {
		return false, "the file was modified since the last backup"
	}

	return true, "the file is the same as the last backed up version"
}

func checksumOfFile(path string) (string, error) {
	hash := sha1.New()

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close() //nolint:errcheck

	_, err = io.Copy(hash, file)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
