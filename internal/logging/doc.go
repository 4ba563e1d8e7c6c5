// Package logging configures structured slog output for qaserve.
//
// Logs are JSON records written to stderr and, when a file path is configured,
// to a size-rotated log file (default ~/.qaserve/logs/server.log). Event names
// are snake_case (for example "pipeline_loaded", "indexing_disabled").
package logging
