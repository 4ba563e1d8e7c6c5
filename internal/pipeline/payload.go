package pipeline

import "github.com/Aman-CERP/qaserve/internal/store"

// Params are per-request overrides. Zero values keep the stage defaults.
type Params struct {
	RetrieverTopK int
	RankerTopK    int
	// Filters keeps documents whose meta matches every key/value pair.
	Filters map[string]string
}

// Payload carries one request through a pipeline. It is owned by a single
// request; stages read and replace its fields in turn.
type Payload struct {
	Query  string
	Params Params

	Files    []string
	FileMeta map[string]string

	Documents []*store.Document
	Answers   []Answer
}

// Answer is the output of an answer-extraction stage.
type Answer struct {
	Answer     string            `json:"answer"`
	Score      float64           `json:"score"`
	Context    string            `json:"context"`
	DocumentID string            `json:"document_id"`
	Meta       map[string]string `json:"meta,omitempty"`
}
