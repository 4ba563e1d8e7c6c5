package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Aman-CERP/qaserve/internal/pipeline"
	"github.com/Aman-CERP/qaserve/internal/store"
)

// DocumentWriter writes the documents flowing through it to a store. It is
// the node form of a document store in an indexing pipeline.
type DocumentWriter struct {
	store store.DocumentStore
}

var (
	_ pipeline.Stage       = (*DocumentWriter)(nil)
	_ pipeline.StoreHolder = (*DocumentWriter)(nil)
)

// NewDocumentWriter creates a writer for s.
func NewDocumentWriter(s store.DocumentStore) (*DocumentWriter, error) {
	if s == nil {
		return nil, fmt.Errorf("%s requires a document store", TypeDocumentWriter)
	}
	return &DocumentWriter{store: s}, nil
}

func (w *DocumentWriter) Type() string                       { return TypeDocumentWriter }
func (w *DocumentWriter) Input() pipeline.Kind               { return pipeline.KindDocuments }
func (w *DocumentWriter) Output() pipeline.Kind              { return pipeline.KindDocuments }
func (w *DocumentWriter) DocumentStore() store.DocumentStore { return w.store }

func (w *DocumentWriter) Run(ctx context.Context, p *pipeline.Payload) error {
	if len(p.Documents) == 0 {
		return nil
	}
	if err := w.store.WriteDocuments(ctx, p.Documents); err != nil {
		return fmt.Errorf("failed to write documents: %w", err)
	}
	slog.Info("documents_written",
		slog.String("store", string(w.store.Kind())),
		slog.Int("count", len(p.Documents)))
	return nil
}
