// Package minio provides a blobstore.Store backed by the MinIO client.
//
// It works with MinIO and other S3-compatible services (Ceph, Garage,
// SeaweedFS) without the AWS SDK.
//
//	store, err := minio.Dial("localhost:9000", "minioadmin", "minioadmin", false, "genkv", "backups/")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = db.Backup(ctx, store)
package minio
