// Package region provides addressable byte extents ("regions") for the
// engine's physical storage.
//
// Every persistent structure lives in a region named by a numeric address:
// the log root block at address 0, the log segments behind it, and immutable
// data segments allocated from the remaining address space. A Manager hands
// out independent readers and writers over regions and defers the physical
// release of a disposed region until the last reader is closed.
//
// Two managers are provided. FileManager stores one file per region and maps
// non-exclusive reads into memory. MemoryManager keeps regions on the heap.
package region
