package kaani

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"github.com/magsasa-card/magsasa/internal/model"
)

// Provider completes a JSON-producing chat prompt.
type Provider interface {
	// Name identifies the provider in sessions and health output.
	Name() string
	// Complete sends a system and user prompt and returns the raw JSON reply.
	Complete(ctx context.Context, system, user string) (string, error)
	// Ping checks that the provider is reachable with the configured credentials.
	Ping(ctx context.Context) error
}

const (
	openAITemperature = 0.3
	openAIMaxTokens   = 1500
	openAIAttempts    = 3
)

// OpenAIProvider calls the OpenAI chat completions API.
type OpenAIProvider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	backoff    backoff.Backoff
}

// NewOpenAIProvider creates a provider. baseURL is the API root, such as
// https://api.openai.com/v1.
func NewOpenAIProvider(apiKey, model, baseURL string, timeout time.Duration) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		backoff: backoff.Backoff{
			Min:    500 * time.Millisecond,
			Max:    5 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string { return "openai" }

// Model returns the configured chat model.
func (p *OpenAIProvider) Model() string { return p.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens"`
	ResponseFormat map[string]any `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// retryableError marks failures worth another attempt (429, 5xx, transport).
type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

// Complete sends one chat completion, retrying rate limits and server errors.
func (p *OpenAIProvider) Complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    openAITemperature,
		MaxTokens:      openAIMaxTokens,
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("kaani: marshal request: %w", err)
	}

	b := p.backoff
	var lastErr error
	for attempt := 1; attempt <= openAIAttempts; attempt++ {
		content, err := p.complete(ctx, body)
		if err == nil {
			return content, nil
		}
		lastErr = err
		var retry retryableError
		if !errors.As(err, &retry) || attempt == openAIAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("kaani: openai: %w", ctx.Err())
		case <-time.After(b.Duration()):
		}
	}
	return "", lastErr
}

func (p *OpenAIProvider) complete(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("kaani: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("kaani: send request: %w", err)
		}
		return "", retryableError{fmt.Errorf("kaani: send request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", retryableError{fmt.Errorf("kaani: read response: %w", err)}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", retryableError{fmt.Errorf("kaani: openai status %d", resp.StatusCode)}
	}

	var result chatResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("kaani: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("kaani: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("kaani: unexpected status %d", resp.StatusCode)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("kaani: openai returned no choices")
	}
	return result.Choices[0].Message.Content, nil
}

// Ping lists models, which needs a valid key but costs no tokens.
func (p *OpenAIProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("kaani: create ping request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("kaani: ping: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kaani: ping: status %d", resp.StatusCode)
	}
	return nil
}

// MockProvider returns canned analyses. Used when no API key is configured.
type MockProvider struct{}

// Name returns "mock".
func (MockProvider) Name() string { return "mock" }

// Ping always succeeds.
func (MockProvider) Ping(context.Context) error { return nil }

// Complete answers the diagnosis prompt with a fixed analysis and the
// recommendation prompt with the first two products it lists.
func (MockProvider) Complete(_ context.Context, _, user string) (string, error) {
	if !strings.Contains(user, productsHeader) {
		return mockAnalysis, nil
	}
	var recs []recommendationReply
	for _, name := range listedProducts(user) {
		priority := model.PriorityMedium
		if len(recs) == 0 {
			priority = model.PriorityHigh
		}
		recs = append(recs, recommendationReply{
			ProductName:      name,
			Priority:         priority,
			Reasoning:        "Matches the diagnosed nutrient and pest needs",
			QuantityEstimate: "2 bags per hectare",
			Timing:           "Apply within the next 7 days",
			Confidence:       0.8,
		})
		if len(recs) == 2 {
			break
		}
	}
	out, err := json.Marshal(recommendationsReply{Recommendations: recs})
	if err != nil {
		return "", fmt.Errorf("kaani: marshal mock recommendations: %w", err)
	}
	return string(out), nil
}

const mockAnalysis = `{
  "soil_climate": {"assessment": "Clay loam with adequate moisture for the wet season", "recommendations": ["Improve field drainage", "Maintain 2-5 cm standing water"], "confidence": 0.8},
  "pests": {"likely_pests": ["Brown planthopper", "Rice stem borer"], "risk_level": "medium", "prevention": ["Scout fields twice a week", "Avoid excess nitrogen"], "confidence": 0.75},
  "disease": {"likely_diseases": ["Bacterial leaf blight"], "primary_cause": "Prolonged leaf wetness", "treatment": ["Remove infected stubble", "Balance potassium supply"], "confidence": 0.7},
  "fertilization": {"diagnosis": "Nitrogen deficiency at tillering", "recommendations": ["Apply urea 46-0-0 at 1 bag per hectare"], "timing": "Within 7 days", "confidence": 0.85},
  "overall_confidence": 0.78,
  "priority_actions": ["Apply nitrogen top-dressing", "Monitor for planthoppers"],
  "follow_up_days": 7
}`
