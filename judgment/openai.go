package judgment

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

	"github.com/evermind-ai/evermind/config"
	"github.com/evermind-ai/evermind/types"
)

// OpenAIProvider calls an OpenAI-compatible /chat/completions endpoint.
type OpenAIProvider struct {
	cfg    config.JudgmentConfig
	client *http.Client
	logger *zap.Logger
}

// NewOpenAIProvider creates a judgment provider against cfg.BaseURL.
func NewOpenAIProvider(cfg config.JudgmentConfig, logger *zap.Logger) *OpenAIProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &OpenAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "judgment_openai")),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (p *OpenAIProvider) chat(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	body := map[string]any{
		"model": p.cfg.Model,
		"messages": []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		"temperature": p.cfg.Temperature,
	}
	if p.cfg.MaxTokens > 0 {
		body["max_tokens"] = p.cfg.MaxTokens
	}
	if jsonMode {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", types.NewError(types.ErrJudgmentUnavailable, "judgment request failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return "", types.NewError(types.ErrJudgmentUnavailable,
			fmt.Sprintf("judgment request failed: status=%d body=%s", resp.StatusCode, string(raw)))
	}

	var parsed struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", types.NewError(types.ErrJudgmentUnavailable, "no choices returned")
	}
	return parsed.Choices[0].Message.Content, nil
}

// RewriteMerge asks the model to fold incoming into base.
func (p *OpenAIProvider) RewriteMerge(ctx context.Context, base, incoming string) (string, error) {
	out, err := p.chat(ctx,
		"You merge two related memory records into one. Keep every concrete fact from both. Answer with the merged text only.",
		fmt.Sprintf("BASE:\n%s\n\nINCOMING:\n%s", base, incoming),
		false)
	if err != nil {
		return "", err
	}
	merged := strings.TrimSpace(out)
	if merged == "" {
		return "", types.NewError(types.ErrJudgmentUnavailable, "empty merge rewrite")
	}
	return merged, nil
}

// DetectPatterns asks for recurring behavioral patterns as JSON.
func (p *OpenAIProvider) DetectPatterns(ctx context.Context, statements []Statement) ([]Pattern, error) {
	input, err := json.Marshal(statements)
	if err != nil {
		return nil, err
	}
	out, err := p.chat(ctx,
		`You find recurring behavioral patterns across memory records. Answer as JSON: {"patterns":[{"content":"...","importance":1-10,"source_ids":["..."]}]}. Report only patterns backed by at least two records.`,
		string(input), true)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Patterns []Pattern `json:"patterns"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, types.NewError(types.ErrJudgmentUnavailable, "unparseable pattern response").WithCause(err)
	}
	return parsed.Patterns, nil
}

// FindContradictions asks for conflicting statement pairs as JSON.
func (p *OpenAIProvider) FindContradictions(ctx context.Context, statements []Statement) ([]Contradiction, error) {
	input, err := json.Marshal(statements)
	if err != nil {
		return nil, err
	}
	out, err := p.chat(ctx,
		`You flag memory records that directly contradict each other. Answer as JSON: {"contradictions":[{"a_id":"...","b_id":"...","note":"..."}]}. Flag only, never pick a side.`,
		string(input), true)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Contradictions []Contradiction `json:"contradictions"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, types.NewError(types.ErrJudgmentUnavailable, "unparseable contradiction response").WithCause(err)
	}
	return parsed.Contradictions, nil
}

// SynthesizeCompass condenses the session turn log into compass sections.
func (p *OpenAIProvider) SynthesizeCompass(ctx context.Context, input CompassInput) (types.Compass, error) {
	payload := map[string]any{
		"turns":    input.Turns,
		"previous": input.Previous,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return types.Compass{}, err
	}
	out, err := p.chat(ctx,
		`You condense a conversation session into a compass. Answer as JSON: {"vibe":"...","recent_topics":["..."],"recent_story":"...","open_loops":"...","personal_note":"...","mirror":"..."}. Carry forward what still matters from the previous compass.`,
		string(raw), true)
	if err != nil {
		return types.Compass{}, err
	}
	var compass types.Compass
	if err := json.Unmarshal([]byte(out), &compass); err != nil {
		return types.Compass{}, types.NewError(types.ErrJudgmentUnavailable, "unparseable compass response").WithCause(err)
	}
	return compass, nil
}
