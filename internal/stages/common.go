package stages

import (
	"context"
	"sort"
	"strings"

	"github.com/Aman-CERP/qaserve/internal/pipeline"
	"github.com/Aman-CERP/qaserve/internal/store"
)

// Component type names. Declarative pipeline descriptions refer to stages
// by these names.
const (
	TypeBM25Retriever         = "BM25Retriever"
	TypeEmbeddingRetriever    = "EmbeddingRetriever"
	TypeDensePassageRetriever = "DensePassageRetriever"
	TypeMaxSimRanker          = "MaxSimRanker"
	TypeCrossEncoderRanker    = "CrossEncoderRanker"
	TypeDocs2Answers          = "Docs2Answers"
	TypeTextConverter         = "TextConverter"
	TypePreProcessor          = "PreProcessor"
	TypeDocumentWriter        = "DocumentWriter"
)

// Defaults shared by retrievers and rankers.
const (
	DefaultRetrieverTopK = 10
	DefaultRankerTopK    = 10
	DefaultBatchSize     = 16
)

// PassageEmbedder is implemented by retrievers that can embed documents
// for indexing with the same encoder they query with.
type PassageEmbedder interface {
	pipeline.Stage
	EmbedDocuments(ctx context.Context, docs []*store.Document) error
}

// effectiveTopK returns override when positive, else def.
func effectiveTopK(override, def int) int {
	if override > 0 {
		return override
	}
	return def
}

// applyFilters keeps documents whose meta matches every filter pair.
func applyFilters(docs []*store.Document, filters map[string]string) []*store.Document {
	if len(filters) == 0 {
		return docs
	}
	out := docs[:0]
	for _, d := range docs {
		if matchesFilters(d, filters) {
			out = append(out, d)
		}
	}
	return out
}

func matchesFilters(d *store.Document, filters map[string]string) bool {
	for k, v := range filters {
		if d.Meta[k] != v {
			return false
		}
	}
	return true
}

// rankDocuments sorts by descending score with ID as tiebreaker and keeps
// at most topK documents.
func rankDocuments(docs []*store.Document, topK int) []*store.Document {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		return docs[i].ID < docs[j].ID
	})
	if topK > 0 && len(docs) > topK {
		docs = docs[:topK]
	}
	return docs
}

// truncateWords keeps the first n whitespace-separated words of text.
// Non-positive n keeps everything.
func truncateWords(text string, n int) string {
	if n <= 0 {
		return text
	}
	words := strings.Fields(text)
	if len(words) <= n {
		return text
	}
	return strings.Join(words[:n], " ")
}
