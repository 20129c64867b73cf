package otogi

import "context"

// ServiceBlobStore is the service registry key for durable opaque blob storage.
const ServiceBlobStore = "otogi.blob_store"

// BlobStore persists opaque byte payloads under string keys.
//
// Implementations talk to remote or local storage and may fail transiently;
// callers decide whether and how to retry.
type BlobStore interface {
	// Get returns the payload stored under key. found is false when no blob exists.
	Get(ctx context.Context, key string) (data []byte, found bool, err error)
	// Put creates or replaces the blob stored under key.
	Put(ctx context.Context, key string, data []byte) error
	// Delete removes the blob stored under key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error
}
