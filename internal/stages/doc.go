// Package stages provides the concrete pipeline stages: retrievers bound to a
// document store, rerankers, answer extraction, file conversion,
// preprocessing and document writing.
//
// Stages are built once and shared by concurrent requests. All per-request
// state lives on the pipeline.Payload.
package stages
