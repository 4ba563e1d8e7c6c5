package stages

import (
	"context"

	"github.com/Aman-CERP/qaserve/internal/pipeline"
)

// AnswerMetaKey is the meta field holding a FAQ document's stored answer.
const AnswerMetaKey = "answer"

// Docs2Answers turns retrieved documents into answers. FAQ documents carry
// their answer in meta; other documents answer with their content.
type Docs2Answers struct{}

var _ pipeline.Stage = Docs2Answers{}

func (Docs2Answers) Type() string          { return TypeDocs2Answers }
func (Docs2Answers) Input() pipeline.Kind  { return pipeline.KindDocuments }
func (Docs2Answers) Output() pipeline.Kind { return pipeline.KindAnswers }

func (Docs2Answers) Run(_ context.Context, p *pipeline.Payload) error {
	answers := make([]pipeline.Answer, 0, len(p.Documents))
	for _, d := range p.Documents {
		text := d.Content
		if a := d.Meta[AnswerMetaKey]; a != "" {
			text = a
		}
		answers = append(answers, pipeline.Answer{
			Answer:     text,
			Score:      d.Score,
			Context:    d.Content,
			DocumentID: d.ID,
			Meta:       d.Meta,
		})
	}
	p.Answers = answers
	return nil
}
