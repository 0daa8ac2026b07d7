// Package largeobject uploads a single large file to a remote object store as a multi-part
// session. Parts are drained from a shared queue by a pool of concurrent workers, failures are
// classified and retried per worker, and the number of workers used for future sessions is tuned
// from trailing statistics.
package largeobject

import (
	"context"
)

// FilePart is a contiguous byte range of the upload file.
// ContentHash is computed lazily on the first upload attempt and reused by retries.
type FilePart struct {
	PartNumber  int
	Offset      int64
	Length      int
	ContentHash string
}

// UploadCredential authorizes uploads of parts for one session.
// A credential belongs to exactly one worker.
type UploadCredential struct {
	UploadTarget string
	Token        string
}

// PartReceipt is returned by the remote after a part has been stored.
type PartReceipt struct {
	ConfirmedHash   string
	ConfirmedLength int
}

// PartResult records a successfully uploaded part.
type PartResult struct {
	PartNumber int
	Hash       string
	ByteCount  int
}

// CompletedObject describes the object assembled by the finalize call.
type CompletedObject struct {
	RemoteFileID  string
	ObjectName    string
	ContentLength int64
}

// RemoteAPI is the set of remote operations the engine depends on.
type RemoteAPI interface {
	// OpenLargeObjectSession starts a multi-part upload and returns the id assigned by the remote.
	OpenLargeObjectSession(ctx context.Context, containerID, objectName, contentType string, metadata map[string]string) (string, error)

	// GetPartUploadCredential returns a credential scoped to the session.
	GetPartUploadCredential(ctx context.Context, remoteFileID string) (UploadCredential, error)

	// UploadPart stores one part. Failures should be returned as *TransferError.
	UploadPart(ctx context.Context, cred UploadCredential, partNumber int, contentHash string, data []byte) (PartReceipt, error)

	// FinalizeLargeObjectSession assembles the uploaded parts, identified by their hashes
	// ordered by part number.
	FinalizeLargeObjectSession(ctx context.Context, remoteFileID string, partHashes []string) (CompletedObject, error)
}

// Canceller is implemented by remotes that can discard an unfinished session.
type Canceller interface {
	CancelLargeObjectSession(ctx context.Context, remoteFileID string) error
}

// Request describes one file to upload.
type Request struct {
	ContainerID string
	ObjectName  string
	ContentType string
	Metadata    map[string]string
	Source      ByteSource
	Size        int64
}
