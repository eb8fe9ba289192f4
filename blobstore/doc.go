// Package blobstore provides the object-store abstraction that backups are
// written to.
//
// Store is the interface for reading and writing immutable blobs (archived
// segments, backup manifests, the CURRENT pointer). Implementations must be
// safe for concurrent use.
//
// # Built-in Implementations
//
//   - MemoryStore: in-memory, for tests
//   - LocalStore: local filesystem, mmap reads and atomic renames
//   - s3.Store: Amazon S3 with range reads and multipart uploads
//   - s3.CommitStore: s3.Store with a DynamoDB-backed CURRENT pointer
//   - minio.Store: MinIO and other S3-compatible services
//
// # Custom Implementations
//
//	type Store interface {
//	    Open(ctx, name) (Blob, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore
