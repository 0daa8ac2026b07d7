package network

import (
	"context"

	"github.com/bitrise-io/go-backup/backup/network/largeobject"
)

// SmallObject describes a file uploaded with a single request.
type SmallObject struct {
	ContainerID string
	ObjectName  string
	ContentType string
	Metadata    map[string]string
	Path        string
	Size        int64
	ContentSHA1 string
}

// Backend is a remote object store the backup pipeline can upload to.
type Backend interface {
	largeobject.RemoteAPI
	largeobject.Canceller

	// UploadSmallObject stores a file below the large object minimum.
	UploadSmallObject(ctx context.Context, obj SmallObject) (largeobject.CompletedObject, error)

	// PartHasher returns the content hash the backend expects for parts.
	PartHasher() largeobject.ChunkHasher
}
