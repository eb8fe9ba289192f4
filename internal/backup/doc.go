// Package backup stores database backups in a blobstore.Store.
//
// A backup is a set of segment blobs plus a manifest naming them. Segment
// blobs are written once: every manifest carries the roaring64 set of
// segment ids already archived in the store, so the next backup uploads only
// segments created since.
//
// # Layout
//
//	segments/<uniq>.blk       one segment block, as stored in its region
//	manifests/<seq>-<uuid>    a manifest
//	CURRENT                   name of the latest manifest
//
// # Manifest Format
//
//	Header (16 bytes):
//	  Magic    (4 bytes) - 0x474B5642 ("GKVB")
//	  Version  (4 bytes) - Format version (currently 1)
//	  Checksum (4 bytes) - CRC32C of payload
//	  Length   (4 bytes) - Payload length in bytes
//
//	Payload:
//	  ID          (string)  - uuid
//	  Parent      (string)  - uuid of the previous manifest, or empty
//	  Seq         (8 bytes)
//	  CreatedAt   (8 bytes) - Unix nanoseconds
//	  NumSegments (4 bytes)
//	  Segments[]:
//	    Generation (4 bytes)
//	    Uniq       (8 bytes)
//	    Start, End (bytes)   - encoded keys
//	    Entries    (4 bytes)
//	    Format     (1 byte)
//	    Length     (8 bytes)
//	    Checksum   (4 bytes) - CRC32C of the block
//	  Archived    (bytes)   - portable roaring64 bitmap
//
// Strings and byte fields are length-prefixed (4-byte length + bytes).
//
// A store prefix holds the backups of one database.
package backup
