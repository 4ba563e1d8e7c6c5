// Package configs provides the configuration templates written by
// `qaserve init`.
//
// Templates are embedded at build time so every distribution carries them.
//
//   - qaserve.example.yaml: process settings (selector, stores, gate limit)
//   - pipelines.example.yaml: declarative query and indexing pipelines
//
// Configuration hierarchy (see internal/config Load()):
//  1. Hardcoded defaults (internal/config NewConfig())
//  2. User config (~/.config/qaserve/config.yaml)
//  3. qaserve.yaml, or the file given with --config
//  4. Environment variables (QASERVE_*)
package configs

import _ "embed"

// ConfigTemplate is written to qaserve.yaml by `qaserve init`.
//
//go:embed qaserve.example.yaml
var ConfigTemplate string

// PipelinesTemplate is written to pipelines.yaml by `qaserve init`. Its
// query and indexing pipelines share one file-backed SQLite store.
//
//go:embed pipelines.example.yaml
var PipelinesTemplate string
