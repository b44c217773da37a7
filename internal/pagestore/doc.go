// Package pagestore turns a single data file into an addressable,
// transactional space of fixed-size pages: it allocates and frees
// pages (including multi-page overflow runs), tracks per-page
// metadata with no centralised header, and exposes durable reads
// through a memory mapping and writes through an explicit write path,
// wrapped in a begin/modify/commit/close transaction envelope.
package pagestore
