package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// BedrockClient adapts AWS Bedrock (Anthropic messages format) to the
// JSONCompleter capability. All traffic stays inside the AWS account.
type BedrockClient struct {
	client  *bedrockruntime.Client
	modelID string
}

type bedrockMessage struct {
	Role    string                `json:"role"`
	Content []bedrockContentBlock `json:"content"`
}

type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// NewBedrockClient creates a Bedrock-backed completer using the default
// AWS credential chain.
func NewBedrockClient(ctx context.Context, region, modelID string) (*BedrockClient, error) {
	if region == "" {
		region = "us-east-1"
	}
	if modelID == "" {
		modelID = "anthropic.claude-3-haiku-20240307-v1:0"
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}

	return &BedrockClient{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

// Model returns the Bedrock model identifier.
func (b *BedrockClient) Model() string { return b.modelID }

// CompleteJSON runs one turn against Bedrock and extracts the JSON
// object from the text blocks.
func (b *BedrockClient) CompleteJSON(ctx context.Context, system, user string) ([]byte, error) {
	req := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        1024,
		System:           system,
		Messages: []bedrockMessage{
			{Role: "user", Content: []bedrockContentBlock{{Type: "text", Text: user}}},
		},
		Temperature: 0,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal request: %w", err)
	}

	output, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock: invoke: %w", err)
	}

	var parsed bedrockResponse
	if err := json.Unmarshal(output.Body, &parsed); err != nil {
		return nil, fmt.Errorf("bedrock: decode response: %w", err)
	}

	var text string
	for _, c := range parsed.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	return ExtractJSON(text)
}
