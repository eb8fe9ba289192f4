// Package engine wires the log, the catalog, the range map and the merge
// manager into one storage engine.
//
// The Engine is the log's Receiver: every logged command is applied to the
// active working segment (and, once resume finished, to the catalog) under
// the log mutex. A flush is a checkpoint:
//
//  1. CHECKPOINT_START freezes the working segment.
//  2. The frozen user records become a generation-0 segment and the frozen
//     .ROOT records are folded into a new root segment.
//  3. One catalog publish adds the segment, pushes overlapping segments one
//     generation down and points ROOTSEG at the new root segment.
//  4. CHECKPOINT_DROP releases the log space.
//
// Resume replays the log, drops replayed state that a published flush
// already covers, installs the root segment named by ROOTSEG, rebuilds the
// catalog from the .ROOT subtree and sweeps regions nothing references.
package engine
