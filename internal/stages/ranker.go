package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/Aman-CERP/qaserve/internal/embed"
	qaerrors "github.com/Aman-CERP/qaserve/internal/errors"
	"github.com/Aman-CERP/qaserve/internal/pipeline"
	"github.com/Aman-CERP/qaserve/internal/store"
)

// MaxSimRanker reorders documents by late interaction: each query token
// contributes its best cosine match among the document's tokens.
type MaxSimRanker struct {
	encoder   embed.TokenEmbedder
	closer    io.Closer
	topK      int
	batchSize int
}

var _ pipeline.Stage = (*MaxSimRanker)(nil)

// NewMaxSimRanker creates a late-interaction ranker over encoder.
func NewMaxSimRanker(encoder embed.TokenEmbedder, topK, batchSize int) (*MaxSimRanker, error) {
	if encoder == nil {
		return nil, fmt.Errorf("%s requires a token encoder", TypeMaxSimRanker)
	}
	r := &MaxSimRanker{
		encoder:   encoder,
		topK:      effectiveTopK(topK, DefaultRankerTopK),
		batchSize: batchSize,
	}
	if r.batchSize <= 0 {
		r.batchSize = DefaultBatchSize
	}
	if c, ok := encoder.(io.Closer); ok {
		r.closer = c
	}
	return r, nil
}

func (r *MaxSimRanker) Type() string          { return TypeMaxSimRanker }
func (r *MaxSimRanker) Input() pipeline.Kind  { return pipeline.KindDocuments }
func (r *MaxSimRanker) Output() pipeline.Kind { return pipeline.KindDocuments }

// Run scores p.Documents against p.Query and keeps the best topK.
func (r *MaxSimRanker) Run(ctx context.Context, p *pipeline.Payload) error {
	if len(p.Documents) == 0 {
		return nil
	}
	queryTokens, err := r.encoder.EmbedTokens(ctx, p.Query)
	if err != nil {
		return fmt.Errorf("failed to encode query tokens: %w", err)
	}

	for i, d := range p.Documents {
		if i%r.batchSize == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		docTokens, err := r.encoder.EmbedTokens(ctx, d.Content)
		if err != nil {
			return fmt.Errorf("failed to encode document %s: %w", d.ID, err)
		}
		d.Score = maxSim(queryTokens, docTokens)
	}

	p.Documents = rankDocuments(p.Documents, effectiveTopK(p.Params.RankerTopK, r.topK))
	return nil
}

// Close releases the encoder when it holds resources.
func (r *MaxSimRanker) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// maxSim sums, over query tokens, the best similarity to any document token.
func maxSim(query, doc [][]float32) float64 {
	var total float64
	for _, q := range query {
		best := 0.0
		for _, d := range doc {
			if s := embed.CosineSimilarity(q, d); s > best {
				best = s
			}
		}
		total += best
	}
	return total
}

// CrossEncoder defaults.
const (
	DefaultCrossEncoderTimeout = 30 * time.Second
	DefaultCrossEncoderRetries = 2
)

// CrossEncoderConfig configures a CrossEncoderRanker.
type CrossEncoderConfig struct {
	// Endpoint is the base URL of a service exposing POST /rerank.
	Endpoint string
	Model    string
	TopK     int
	// BatchSize is the number of documents per request.
	BatchSize  int
	Timeout    time.Duration
	MaxRetries int
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"results"`
}

// CrossEncoderRanker scores query/document pairs with a remote
// cross-encoder service.
type CrossEncoderRanker struct {
	client *retryablehttp.Client
	cfg    CrossEncoderConfig
}

var _ pipeline.Stage = (*CrossEncoderRanker)(nil)

// NewCrossEncoderRanker creates a ranker client. It does not contact the
// service.
func NewCrossEncoderRanker(cfg CrossEncoderConfig) (*CrossEncoderRanker, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%s requires an endpoint", TypeCrossEncoderRanker)
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	cfg.TopK = effectiveTopK(cfg.TopK, DefaultRankerTopK)
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCrossEncoderTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultCrossEncoderRetries
	}

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = cfg.MaxRetries
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = cfg.Timeout

	return &CrossEncoderRanker{client: client, cfg: cfg}, nil
}

func (r *CrossEncoderRanker) Type() string          { return TypeCrossEncoderRanker }
func (r *CrossEncoderRanker) Input() pipeline.Kind  { return pipeline.KindDocuments }
func (r *CrossEncoderRanker) Output() pipeline.Kind { return pipeline.KindDocuments }

// Run scores p.Documents in batches and keeps the best topK.
func (r *CrossEncoderRanker) Run(ctx context.Context, p *pipeline.Payload) error {
	if len(p.Documents) == 0 {
		return nil
	}
	start := time.Now()

	for lo := 0; lo < len(p.Documents); lo += r.cfg.BatchSize {
		hi := min(lo+r.cfg.BatchSize, len(p.Documents))
		if err := r.scoreBatch(ctx, p.Query, p.Documents[lo:hi]); err != nil {
			return err
		}
	}
	p.Documents = rankDocuments(p.Documents, effectiveTopK(p.Params.RankerTopK, r.cfg.TopK))

	slog.Debug("cross_encoder_rerank",
		slog.String("endpoint", r.cfg.Endpoint),
		slog.Int("documents", len(p.Documents)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (r *CrossEncoderRanker) scoreBatch(ctx context.Context, query string, docs []*store.Document) error {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	body, err := json.Marshal(rerankRequest{Query: query, Documents: texts, Model: r.cfg.Model})
	if err != nil {
		return fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return qaerrors.New(qaerrors.ErrCodeNetworkUnavailable,
			fmt.Sprintf("rerank request to %s failed", r.cfg.Endpoint), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("rerank failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode rerank response: %w", err)
	}
	// Every document must be rescored; a retriever score left behind is on
	// a different scale.
	scored := make([]bool, len(docs))
	for _, res := range result.Results {
		if res.Index < 0 || res.Index >= len(docs) {
			return fmt.Errorf("rerank response index %d out of range", res.Index)
		}
		docs[res.Index].Score = res.Score
		scored[res.Index] = true
	}
	for i, ok := range scored {
		if !ok {
			return fmt.Errorf("rerank response has no score for document %s", docs[i].ID)
		}
	}
	return nil
}

// Close releases idle connections.
func (r *CrossEncoderRanker) Close() error {
	r.client.HTTPClient.CloseIdleConnections()
	return nil
}
