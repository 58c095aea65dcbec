// Package llm provides the structured-output model calls behind the
// boundary judge and push-worthiness stages. Two backends share one
// capability: an OpenAI-compatible chat endpoint and AWS Bedrock.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// JSONCompleter runs one prompt and returns the model's JSON object
// output as raw bytes.
type JSONCompleter interface {
	CompleteJSON(ctx context.Context, system, user string) ([]byte, error)
	Model() string
}

// OpenAIClient calls an OpenAI-compatible /v1/chat/completions endpoint
// with response_format json_object.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAIClient creates a chat-completions client. baseURL is the API
// root without the /v1/chat/completions suffix.
func NewOpenAIClient(baseURL, apiKey, model string, client *http.Client) *OpenAIClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OpenAIClient{baseURL: baseURL, apiKey: apiKey, model: model, client: client}
}

// Model returns the configured model identifier.
func (c *OpenAIClient) Model() string { return c.model }

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// CompleteJSON runs one chat turn constrained to a JSON object.
func (c *OpenAIClient) CompleteJSON(ctx context.Context, system, user string) ([]byte, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0,
		MaxTokens:   1024,
		ResponseFormat: &struct {
			Type string `json:"type"`
		}{Type: "json_object"},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("llm: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return nil, fmt.Errorf("llm: api error %d: %s", resp.StatusCode, parsed.Error.Message)
		}
		return nil, fmt.Errorf("llm: api status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llm: empty response")
	}
	return ExtractJSON(parsed.Choices[0].Message.Content)
}

// ExtractJSON pulls the first JSON object out of model output, tolerating
// markdown fences and leading prose.
func ExtractJSON(content string) ([]byte, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if i := strings.LastIndex(content, "```"); i >= 0 {
			content = content[:i]
		}
		content = strings.TrimSpace(content)
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("llm: no JSON object in output")
	}
	candidate := content[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return nil, fmt.Errorf("llm: invalid JSON in output")
	}
	return []byte(candidate), nil
}

// EstimateTokens approximates prompt+completion token usage for budget
// metering: one token per four characters plus a completion allowance.
func EstimateTokens(system, user string) int64 {
	n := int64((len(system)+len(user)+3)/4) + 256
	return n
}
