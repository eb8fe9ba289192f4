// Package fs abstracts the filesystem underneath the region manager.
//
//   - [File]: an open file with positional reads and writes
//   - [FileSystem]: open, remove, stat, list and directory sync
//   - [LocalFS]: the os-backed implementation ([Default])
//   - [FaultyFS]: a wrapper that injects write, read, sync and close failures
//
// Tests inject [FaultyFS] to check that durability failures surface as errors:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("region-", fs.Fault{FailOnSync: true})
//
// Filesystem calls take no context.Context: local syscalls cannot be
// interrupted, and callers that must give up simply wait out in-flight I/O.
package fs
