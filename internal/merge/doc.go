// Package merge combines overlapping segments into fewer segments one
// generation deeper.
//
// A Manager observes the catalog, scores merge candidates, and performs
// merges through an N-way merge of the sources' sorted walks. A merge never
// changes the catalog until its outputs are durable, and it publishes the
// outputs and retires the sources in a single catalog mutation.
package merge
