package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/evermind-ai/evermind/config"
	"github.com/evermind-ai/evermind/types"
)

// OpenAIProvider calls an OpenAI-compatible /embeddings endpoint.
type OpenAIProvider struct {
	cfg     config.EmbeddingConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewOpenAIProvider creates an embedding provider against cfg.BaseURL.
func NewOpenAIProvider(cfg config.EmbeddingConfig, logger *zap.Logger) *OpenAIProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	return &OpenAIProvider{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		logger:  logger.With(zap.String("component", "embedding_openai")),
	}
}

// Dimensions returns the configured embedding size.
func (p *OpenAIProvider) Dimensions() int { return p.cfg.Dimensions }

// Embed converts a single text, with one retry on transient failure.
// The single retry is the only retry in the engine's write path: an
// embedding call is cheap relative to losing the write.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, []string{text})
	if err != nil && types.IsRetryable(err) {
		vecs, err = p.embed(ctx, []string{text})
	}
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, types.NewError(types.ErrEmbeddingFailed, "no embedding returned")
	}
	return vecs[0], nil
}

// EmbedBatch converts multiple texts in one call, no retry.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return p.embed(ctx, texts)
}

func (p *OpenAIProvider) embed(ctx context.Context, input []string) ([][]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqBody := map[string]any{
		"model": p.cfg.Model,
		"input": input,
	}
	if p.cfg.Dimensions > 0 {
		reqBody["dimensions"] = p.cfg.Dimensions
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrTransientIO, "embedding request failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, types.NewError(types.ErrTransientIO,
			fmt.Sprintf("embedding request failed: status=%d body=%s", resp.StatusCode, string(raw))).
			WithRetryable(true)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, types.NewError(types.ErrEmbeddingFailed,
			fmt.Sprintf("embedding request rejected: status=%d body=%s", resp.StatusCode, string(raw)))
	}

	var parsed struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}

	out := make([][]float32, len(input))
	for _, d := range parsed.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	for i, v := range out {
		if len(v) == 0 {
			return nil, types.NewError(types.ErrEmbeddingFailed,
				fmt.Sprintf("missing embedding for input %d", i))
		}
	}
	return out, nil
}
