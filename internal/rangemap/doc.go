// Package rangemap resolves reads across the working segments, the root
// segment and the on-disk generations.
//
// Sources are consulted freshest first: the active working segment, frozen
// working segments still being flushed, the root segment (only for the
// reserved .ROOT subtree), then generation 0, 1, ... as recorded in the
// catalog. Updates for a key are accumulated into a record.Data until it
// becomes final, so newer data always masks older data.
//
// The set of sources is snapshotted under a short lock; the walk itself
// runs without locks over immutable segments and the catalog View.
package rangemap
