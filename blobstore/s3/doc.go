// Package s3 provides Amazon S3 implementations of blobstore.Store.
//
// # Usage
//
//	store, err := s3.NewFromConfig(ctx, "my-bucket", "genkv/backups")
//	err = db.Backup(ctx, store)
//
// CommitStore adds a DynamoDB table that orders CURRENT updates, so two
// processes backing up to the same prefix cannot overwrite each other's
// commit.
//
// # Features
//
//   - Range reads
//   - Multipart uploads for large segments, CRC32C checksums
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
