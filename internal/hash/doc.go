// Package hash provides the checksum used for on-disk integrity.
//
// Log records, the root block and backup manifests are all protected with
// CRC32-Castagnoli, which Go's hash/crc32 accelerates with SSE4.2 on x86 and
// the CRC extension on ARM.
//
//	checksum := hash.CRC32C(data)
//
// For checksums over several discontiguous slices:
//
//	h := hash.NewCRC32C()
//	h.Write(header)
//	h.Write(payload)
//	checksum := h.Sum32()
package hash
