// Package catalog stores the segment catalog inside the key space it
// describes.
//
// Every on-disk segment is one record under .ROOT/GEN whose key carries the
// generation, the covered key range and a uniq id, and whose value locates
// the segment's region. Scalar engine state lives under .ROOT/VARS.
//
// Store is the only code that knows this layout. The engine feeds it every
// logged .ROOT update through Apply and mutates the catalog through Publish;
// readers work on immutable, reference-counted Views.
package catalog
