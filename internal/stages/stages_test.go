package stages

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/qaserve/internal/embed"
	qaerrors "github.com/Aman-CERP/qaserve/internal/errors"
	"github.com/Aman-CERP/qaserve/internal/pipeline"
	"github.com/Aman-CERP/qaserve/internal/store"
)

var faqDocs = []struct{ content, answer string }{
	{"How do I reset my password", "Use the forgot password link on the login page."},
	{"Where can I download invoices", "Invoices are under Billing in account settings."},
	{"Can I change my username", "Usernames are permanent once chosen."},
}

func newMemoryStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s, err := store.NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func faqDocuments() []*store.Document {
	docs := make([]*store.Document, len(faqDocs))
	for i, f := range faqDocs {
		docs[i] = store.NewDocument(f.content, map[string]string{AnswerMetaKey: f.answer, "lang": "en"})
	}
	return docs
}

func TestBM25Retriever_Run(t *testing.T) {
	s := newMemoryStore(t)
	require.NoError(t, s.WriteDocuments(context.Background(), faqDocuments()))

	r, err := NewBM25Retriever(s, 2)
	require.NoError(t, err)
	assert.Same(t, s, r.DocumentStore())

	p := &pipeline.Payload{Query: "reset password"}
	require.NoError(t, r.Run(context.Background(), p))

	require.NotEmpty(t, p.Documents)
	assert.Equal(t, faqDocs[0].content, p.Documents[0].Content)
	assert.LessOrEqual(t, len(p.Documents), 2)
}

func TestBM25Retriever_Filters(t *testing.T) {
	s := newMemoryStore(t)
	docs := faqDocuments()
	docs[0].Meta["lang"] = "de"
	require.NoError(t, s.WriteDocuments(context.Background(), docs))

	r, err := NewBM25Retriever(s, 10)
	require.NoError(t, err)

	p := &pipeline.Payload{Query: "password", Params: pipeline.Params{Filters: map[string]string{"lang": "en"}}}
	require.NoError(t, r.Run(context.Background(), p))
	assert.Empty(t, p.Documents)
}

func TestBM25Retriever_RequiresKeywordIndex(t *testing.T) {
	_, err := NewBM25Retriever(store.NewHNSWStore(store.HNSWConfig{Dimensions: 8}), 10)
	assert.Error(t, err)

	_, err = NewBM25Retriever(nil, 10)
	assert.Error(t, err)
}

func TestEmbeddingRetriever_IndexThenQuery(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	r, err := NewEmbeddingRetriever(s, embed.NewStaticEmbedder("static", 128), 1)
	require.NoError(t, err)

	docs := faqDocuments()
	require.NoError(t, NewDocumentEmbedder(r).Run(ctx, &pipeline.Payload{Documents: docs}))
	for _, d := range docs {
		assert.Len(t, d.Embedding, 128)
	}
	require.NoError(t, s.WriteDocuments(ctx, docs))

	p := &pipeline.Payload{Query: "download my invoices"}
	require.NoError(t, r.Run(ctx, p))
	require.Len(t, p.Documents, 1)
	assert.Equal(t, faqDocs[1].content, p.Documents[0].Content)
}

func TestDensePassageRetriever_BatchedEncoding(t *testing.T) {
	ctx := context.Background()
	s := store.NewHNSWStore(store.HNSWConfig{Dimensions: 64})
	t.Cleanup(func() { _ = s.Close() })

	enc := embed.NewStaticEmbedder("dpr", 64)
	r, err := NewDensePassageRetriever(s, enc, enc, DenseConfig{BatchSize: 2, EmbedTitle: true, TopK: 1})
	require.NoError(t, err)

	docs := make([]*store.Document, 0, 7)
	for i := 0; i < 7; i++ {
		docs = append(docs, store.NewDocument(strings.Repeat("filler ", i)+"passage", nil))
	}
	docs = append(docs, faqDocuments()...)

	require.NoError(t, r.EmbedDocuments(ctx, docs))
	for _, d := range docs {
		require.Len(t, d.Embedding, 64)
	}
	require.NoError(t, s.WriteDocuments(ctx, docs))

	p := &pipeline.Payload{Query: "change username"}
	require.NoError(t, r.Run(ctx, p))
	require.Len(t, p.Documents, 1)
	assert.Equal(t, faqDocs[2].content, p.Documents[0].Content)
}

func TestDensePassageRetriever_EmbedTitle(t *testing.T) {
	ctx := context.Background()
	enc := embed.NewStaticEmbedder("dpr", 64)
	s := store.NewHNSWStore(store.HNSWConfig{Dimensions: 64})
	t.Cleanup(func() { _ = s.Close() })

	with, err := NewDensePassageRetriever(s, enc, enc, DenseConfig{EmbedTitle: true})
	require.NoError(t, err)
	without, err := NewDensePassageRetriever(s, enc, enc, DenseConfig{EmbedTitle: false})
	require.NoError(t, err)

	a := store.NewDocument("body text", map[string]string{NameMetaKey: "billing"})
	b := a.Clone()
	require.NoError(t, with.EmbedDocuments(ctx, []*store.Document{a}))
	require.NoError(t, without.EmbedDocuments(ctx, []*store.Document{b}))
	assert.NotEqual(t, a.Embedding, b.Embedding)
}

func TestTruncateWords(t *testing.T) {
	assert.Equal(t, "a b", truncateWords("a b c d", 2))
	assert.Equal(t, "a b c", truncateWords("a b c", 0))
	assert.Equal(t, "a b", truncateWords("a b", 5))
}

func TestMaxSimRanker_Run(t *testing.T) {
	r, err := NewMaxSimRanker(embed.NewStaticEmbedder("colbert", 128), 2, 1)
	require.NoError(t, err)

	p := &pipeline.Payload{Query: "invoices billing", Documents: faqDocuments()}
	require.NoError(t, r.Run(context.Background(), p))

	require.Len(t, p.Documents, 2)
	assert.Equal(t, faqDocs[1].content, p.Documents[0].Content)
	assert.GreaterOrEqual(t, p.Documents[0].Score, p.Documents[1].Score)

	p = &pipeline.Payload{Query: "invoices", Documents: faqDocuments(), Params: pipeline.Params{RankerTopK: 1}}
	require.NoError(t, r.Run(context.Background(), p))
	assert.Len(t, p.Documents, 1)
}

func TestMaxSim(t *testing.T) {
	q := [][]float32{{1, 0}, {0, 1}}
	d := [][]float32{{1, 0}}
	assert.InDelta(t, 1.0, maxSim(q, d), 1e-6)
	assert.Zero(t, maxSim(q, nil))
}

func TestCrossEncoderRanker_Run(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "/rerank", r.URL.Path)

		var req rerankRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.LessOrEqual(t, len(req.Documents), 2)

		var resp rerankResponse
		for i, doc := range req.Documents {
			score := 0.0
			if strings.Contains(doc, req.Query) {
				score = 1
			}
			resp.Results = append(resp.Results, struct {
				Index int     `json:"index"`
				Score float64 `json:"score"`
			}{i, score})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	r, err := NewCrossEncoderRanker(CrossEncoderConfig{Endpoint: srv.URL + "/", BatchSize: 2, TopK: 1})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	p := &pipeline.Payload{Query: "username", Documents: faqDocuments()}
	require.NoError(t, r.Run(context.Background(), p))

	require.Len(t, p.Documents, 1)
	assert.Equal(t, faqDocs[2].content, p.Documents[0].Content)
	assert.Equal(t, int32(2), requests.Load())
}

func TestCrossEncoderRanker_Errors(t *testing.T) {
	_, err := NewCrossEncoderRanker(CrossEncoderConfig{})
	assert.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	r, err := NewCrossEncoderRanker(CrossEncoderConfig{Endpoint: srv.URL, MaxRetries: -1})
	require.NoError(t, err)

	err = r.Run(context.Background(), &pipeline.Payload{Query: "q", Documents: faqDocuments()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")

	srv.Close()
	err = r.Run(context.Background(), &pipeline.Payload{Query: "q", Documents: faqDocuments()})
	require.Error(t, err)
	assert.Equal(t, qaerrors.ErrCodeNetworkUnavailable, qaerrors.GetCode(err))
	assert.True(t, qaerrors.IsRetryable(err))
}

func TestCrossEncoderRanker_PartialResponseFails(t *testing.T) {
	// Given: a service that scores only the first document of each batch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"index":0,"score":0.5}]}`))
	}))
	defer srv.Close()

	r, err := NewCrossEncoderRanker(CrossEncoderConfig{Endpoint: srv.URL, MaxRetries: -1})
	require.NoError(t, err)

	docs := faqDocuments()
	for _, d := range docs {
		d.Score = 12.5
	}

	// Then: the run fails instead of mixing retriever and ranker scores
	err = r.Run(context.Background(), &pipeline.Payload{Query: "q", Documents: docs})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no score for document "+docs[1].ID)
}

func TestDocs2Answers_Run(t *testing.T) {
	docs := faqDocuments()
	docs = append(docs, store.NewDocument("plain passage", nil))
	docs[0].Score = 0.9

	p := &pipeline.Payload{Documents: docs}
	require.NoError(t, Docs2Answers{}.Run(context.Background(), p))

	require.Len(t, p.Answers, 4)
	assert.Equal(t, faqDocs[0].answer, p.Answers[0].Answer)
	assert.Equal(t, faqDocs[0].content, p.Answers[0].Context)
	assert.Equal(t, docs[0].ID, p.Answers[0].DocumentID)
	assert.InDelta(t, 0.9, p.Answers[0].Score, 1e-9)
	assert.Equal(t, "plain passage", p.Answers[3].Answer)
}

func TestTextConverter_Run(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(a, []byte("hello world\n12 34 56\n"), 0o644))
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o644))

	c := &TextConverter{RemoveNumericTables: true}
	p := &pipeline.Payload{Files: []string{a, empty}, FileMeta: map[string]string{"source": "upload"}}
	require.NoError(t, c.Run(context.Background(), p))

	require.Len(t, p.Documents, 1)
	d := p.Documents[0]
	assert.Equal(t, "a.txt", d.Meta[NameMetaKey])
	assert.Equal(t, "upload", d.Meta["source"])
	assert.NotContains(t, d.Content, "34")
	assert.Equal(t, store.ContentID(d.Content), d.ID)

	p = &pipeline.Payload{Files: []string{filepath.Join(dir, "missing.txt")}}
	assert.Error(t, c.Run(context.Background(), p))

	bin := filepath.Join(dir, "bin.dat")
	require.NoError(t, os.WriteFile(bin, []byte{0xff, 0xfe, 0xfd}, 0o644))
	assert.Error(t, c.Run(context.Background(), &pipeline.Payload{Files: []string{bin}}))
}

func TestPreProcessor_SplitByWord(t *testing.T) {
	pp, err := NewPreProcessor(PreProcessorConfig{CleanWhitespace: true, SplitBy: SplitByWord, SplitLength: 3, SplitOverlap: 1})
	require.NoError(t, err)

	p := &pipeline.Payload{Documents: []*store.Document{
		store.NewDocument("one  two three\tfour five", map[string]string{NameMetaKey: "f.txt"}),
	}}
	require.NoError(t, pp.Run(context.Background(), p))

	contents := make([]string, len(p.Documents))
	for i, d := range p.Documents {
		contents[i] = d.Content
		assert.Equal(t, "f.txt", d.Meta[NameMetaKey])
	}
	assert.Equal(t, []string{"one two three", "three four five"}, contents)
}

func TestPreProcessor_SplitBySentenceAndPassage(t *testing.T) {
	pp, err := NewPreProcessor(PreProcessorConfig{SplitBy: SplitBySentence, SplitLength: 1})
	require.NoError(t, err)
	p := &pipeline.Payload{Documents: []*store.Document{store.NewDocument("First one. Second one! Third?", nil)}}
	require.NoError(t, pp.Run(context.Background(), p))
	assert.Len(t, p.Documents, 3)

	pp, err = NewPreProcessor(PreProcessorConfig{CleanEmptyLines: true, SplitBy: SplitByPassage, SplitLength: 1})
	require.NoError(t, err)
	p = &pipeline.Payload{Documents: []*store.Document{store.NewDocument("para one\n\n\n\npara two", nil)}}
	require.NoError(t, pp.Run(context.Background(), p))
	require.Len(t, p.Documents, 2)
	assert.Equal(t, "para two", p.Documents[1].Content)
}

func TestNewPreProcessor_Validation(t *testing.T) {
	tests := []PreProcessorConfig{
		{SplitBy: "paragraph", SplitLength: 10},
		{SplitBy: SplitByWord, SplitLength: 0},
		{SplitBy: SplitByWord, SplitLength: 5, SplitOverlap: 5},
		{SplitBy: SplitByWord, SplitLength: 5, SplitOverlap: -1},
	}
	for _, cfg := range tests {
		_, err := NewPreProcessor(cfg)
		assert.Error(t, err, "%+v", cfg)
	}

	_, err := NewPreProcessor(DefaultPreProcessorConfig())
	assert.NoError(t, err)
}

func TestDocumentWriter_Run(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	w, err := NewDocumentWriter(s)
	require.NoError(t, err)
	assert.Same(t, s, w.DocumentStore())

	require.NoError(t, w.Run(ctx, &pipeline.Payload{Documents: faqDocuments()}))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(faqDocs), n)

	_, err = NewDocumentWriter(nil)
	assert.Error(t, err)
}

func TestIndexingChain_EndToEnd(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "faq.txt")
	require.NoError(t, os.WriteFile(path, []byte("Refunds are issued within five business days.\n\nShipping is free over fifty dollars."), 0o644))

	s := newMemoryStore(t)
	pp, err := NewPreProcessor(PreProcessorConfig{CleanEmptyLines: true, SplitBy: SplitByPassage, SplitLength: 1})
	require.NoError(t, err)
	writer, err := NewDocumentWriter(s)
	require.NoError(t, err)

	indexing := pipeline.New("indexing")
	require.NoError(t, indexing.AddNode("TextConverter", &TextConverter{}, []string{pipeline.RootFile}))
	require.NoError(t, indexing.AddNode("PreProcessor", pp, []string{"TextConverter"}))
	require.NoError(t, indexing.AddNode("DocumentStore", writer, []string{"PreProcessor"}))
	_, err = indexing.RunFiles(ctx, []string{path}, nil)
	require.NoError(t, err)

	retriever, err := NewBM25Retriever(s, 5)
	require.NoError(t, err)
	query := pipeline.New("query")
	require.NoError(t, query.AddNode("Retriever", retriever, []string{pipeline.RootQuery}))
	require.NoError(t, query.AddNode("Docs2Answers", Docs2Answers{}, []string{"Retriever"}))

	out, err := query.RunQuery(ctx, "refunds", pipeline.Params{})
	require.NoError(t, err)
	require.NotEmpty(t, out.Answers)
	assert.Contains(t, out.Answers[0].Answer, "Refunds")
	assert.Equal(t, "faq.txt", out.Answers[0].Meta[NameMetaKey])
}
