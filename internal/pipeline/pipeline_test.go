package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qaerrors "github.com/Aman-CERP/qaserve/internal/errors"
	"github.com/Aman-CERP/qaserve/internal/store"
)

// fakeStage is a configurable test double.
type fakeStage struct {
	typ     string
	in, out Kind
	run     func(p *Payload) error
	st      store.DocumentStore
	closed  int
}

func (f *fakeStage) Type() string                       { return f.typ }
func (f *fakeStage) Input() Kind                        { return f.in }
func (f *fakeStage) Output() Kind                       { return f.out }
func (f *fakeStage) DocumentStore() store.DocumentStore { return f.st }

func (f *fakeStage) Close() error {
	f.closed++
	return nil
}

func (f *fakeStage) Run(_ context.Context, p *Payload) error {
	if f.run != nil {
		return f.run(p)
	}
	return nil
}

func retriever(st store.DocumentStore) *fakeStage {
	return &fakeStage{typ: "Retriever", in: KindQuery, out: KindDocuments, st: st, run: func(p *Payload) error {
		p.Documents = []*store.Document{{ID: "d1", Content: p.Query}}
		return nil
	}}
}

func extractor() *fakeStage {
	return &fakeStage{typ: "Docs2Answers", in: KindDocuments, out: KindAnswers, run: func(p *Payload) error {
		for _, d := range p.Documents {
			p.Answers = append(p.Answers, Answer{Answer: d.Content, DocumentID: d.ID})
		}
		return nil
	}}
}

func TestAddNode_ChainsCompatibleKinds(t *testing.T) {
	p := New("query")

	require.NoError(t, p.AddNode("Retriever", retriever(nil), []string{RootQuery}))
	require.NoError(t, p.AddNode("Docs2Answers", extractor(), []string{"Retriever"}))

	assert.Equal(t, RootQuery, p.Root())
	assert.Equal(t, []string{"Retriever", "Docs2Answers"}, p.StageTypes())
	assert.Equal(t, KindAnswers, p.Output())
}

func TestAddNode_RejectsIncompatibleKinds(t *testing.T) {
	p := New("query")
	require.NoError(t, p.AddNode("Retriever", retriever(nil), []string{RootQuery}))

	// A second retriever expects a query, but the previous node yields documents
	err := p.AddNode("Again", retriever(nil), []string{"Retriever"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, qaerrors.ErrIncompatibleStages))
	assert.Len(t, p.Nodes(), 1)
}

func TestAddNode_StructuralErrors(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(p *Pipeline)
		node   string
		stage  Stage
		inputs []string
	}{
		{"empty name", nil, "", retriever(nil), []string{RootQuery}},
		{"reserved name", nil, RootQuery, retriever(nil), []string{RootQuery}},
		{"nil stage", nil, "X", nil, []string{RootQuery}},
		{"two inputs", nil, "X", retriever(nil), []string{RootQuery, RootFile}},
		{"unknown root", nil, "X", retriever(nil), []string{"Nope"}},
		{"root kind mismatch", nil, "X", retriever(nil), []string{RootFile}},
		{"skips previous node", func(p *Pipeline) {
			_ = p.AddNode("R", retriever(nil), []string{RootQuery})
			_ = p.AddNode("E", extractor(), []string{"R"})
		}, "X", extractor(), []string{"R"}},
		{"duplicate", func(p *Pipeline) {
			_ = p.AddNode("R", retriever(nil), []string{RootQuery})
		}, "R", extractor(), []string{"R"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New("test")
			if tt.setup != nil {
				tt.setup(p)
			}
			err := p.AddNode(tt.node, tt.stage, tt.inputs)
			assert.Error(t, err)
		})
	}
}

func TestRun_PassesPayloadThroughStages(t *testing.T) {
	p := New("query")
	require.NoError(t, p.AddNode("Retriever", retriever(nil), []string{RootQuery}))
	require.NoError(t, p.AddNode("Docs2Answers", extractor(), []string{"Retriever"}))

	out, err := p.RunQuery(context.Background(), "hello", Params{})

	require.NoError(t, err)
	require.Len(t, out.Answers, 1)
	assert.Equal(t, "hello", out.Answers[0].Answer)
}

func TestRun_Errors(t *testing.T) {
	boom := errors.New("boom")
	failing := &fakeStage{typ: "Failing", in: KindQuery, out: KindDocuments, run: func(*Payload) error { return boom }}

	p := New("query")
	require.NoError(t, p.AddNode("Failing", failing, []string{RootQuery}))

	_, err := p.RunQuery(context.Background(), "q", Params{})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "node Failing")

	_, err = p.RunQuery(context.Background(), "", Params{})
	assert.Equal(t, qaerrors.ErrCodeQueryEmpty, qaerrors.GetCode(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.RunQuery(ctx, "q", Params{})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = New("empty").RunQuery(context.Background(), "q", Params{})
	assert.Error(t, err)
}

func TestDocumentStoreAndClose(t *testing.T) {
	st, err := store.NewMemoryStore()
	require.NoError(t, err)

	r := retriever(st)
	p := New("query")
	require.NoError(t, p.AddNode("Retriever", r, []string{RootQuery}))
	require.NoError(t, p.AddNode("Docs2Answers", extractor(), []string{"Retriever"}))

	assert.Same(t, st, p.DocumentStore())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, r.closed)

	_, err = st.Count(context.Background())
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestDocumentStore_NilWhenNoStoreStage(t *testing.T) {
	p := New("query")
	require.NoError(t, p.AddNode("Docs", &fakeStage{typ: "X", in: KindQuery, out: KindDocuments}, []string{RootQuery}))

	assert.Nil(t, p.DocumentStore())
}
