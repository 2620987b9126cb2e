// Package partition maps logical keys onto a bounded set of Redis hashes.
//
// Redis keeps a hash in its compact listpack encoding while it holds fewer
// than hash-max-listpack-entries fields (512 by default) and every field and
// value stays under hash-max-listpack-value bytes. Spreading many small keys
// over a fixed number of buckets, each sized below that threshold, keeps the
// whole key space compact at the cost of one extra hash per access.
//
// Two distinct inner keys may derive the same field; the later write
// replaces the earlier one. Callers that cannot tolerate that must not route
// their keys through a Partitioner.
package partition
