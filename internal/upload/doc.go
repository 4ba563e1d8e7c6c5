// Package upload stages uploaded files for indexing and feeds staged files
// to an indexing pipeline as they appear.
//
// Staged files are named <uuid>_<basename> so concurrent uploads of the
// same file never collide. Files are written under a dot-prefixed temporary
// name and renamed into place, so the Watcher only ever sees complete files.
package upload
