package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"damageinspect/internal/damage"
)

const (
	claudeBaseURL    = "https://api.anthropic.com"
	claudeAPIVersion = "2023-06-01"
	claudeMaxTokens  = 4096

	// recordTool is the tool Claude is forced to call in schema mode; its
	// input_schema carries the declared output contract.
	recordTool = "record_damages"
)

type claudeSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeBlock struct {
	Type   string        `json:"type"`
	Text   string        `json:"text,omitempty"`
	Source *claudeSource `json:"source,omitempty"`
}

type claudeMessage struct {
	Role    string        `json:"role"`
	Content []claudeBlock `json:"content"`
}

type claudeTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type claudeToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type claudeRequest struct {
	Model       string            `json:"model"`
	MaxTokens   int               `json:"max_tokens"`
	System      string            `json:"system,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	Messages    []claudeMessage   `json:"messages"`
	Tools       []claudeTool      `json:"tools,omitempty"`
	ToolChoice  *claudeToolChoice `json:"tool_choice,omitempty"`
}

type claudeResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Claude calls the Anthropic Messages API.
type Claude struct {
	http *http.Client
}

func NewClaude(client *http.Client) *Claude {
	return &Claude{http: defaultClient(client)}
}

func (c *Claude) Name() string { return "claude" }

func (c *Claude) Generate(ctx context.Context, req Request) (Response, error) {
	fail := func(status int, err error) (Response, error) {
		return Response{}, &damage.ProviderError{Provider: c.Name(), Model: req.Model, StatusCode: status, Err: err}
	}
	if req.Credentials.APIKey == "" {
		return fail(0, ErrMissingCredentials)
	}

	maxTokens := req.Settings.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = claudeMaxTokens
	}
	body := claudeRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Temperature: req.Settings.Temperature,
		TopP:        req.Settings.TopP,
		Messages: []claudeMessage{{
			Role: "user",
			Content: []claudeBlock{
				{Type: "image", Source: &claudeSource{
					Type:      "base64",
					MediaType: req.MIMEType,
					Data:      base64.StdEncoding.EncodeToString(req.Image),
				}},
				{Type: "text", Text: req.Instruction},
			},
		}},
	}
	if req.Schema != nil {
		body.Tools = []claudeTool{{
			Name:        recordTool,
			Description: "Record every damaged area found in the vehicle image.",
			InputSchema: req.Schema,
		}}
		body.ToolChoice = &claudeToolChoice{Type: "tool", Name: recordTool}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fail(0, err)
	}

	base := req.Credentials.BaseURL
	if base == "" {
		base = claudeBaseURL
	}
	version := req.Credentials.APIVersion
	if version == "" {
		version = claudeAPIVersion
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return fail(0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", req.Credentials.APIKey)
	httpReq.Header.Set("anthropic-version", version)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()
	raw, err := readBody(resp)
	if err != nil {
		return fail(resp.StatusCode, err)
	}

	var decoded claudeResponse
	jsonErr := json.Unmarshal(raw, &decoded)
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if jsonErr == nil && decoded.Error != nil {
			msg = decoded.Error.Type + ": " + decoded.Error.Message
		}
		return fail(resp.StatusCode, errors.New(msg))
	}
	if jsonErr != nil {
		return fail(resp.StatusCode, fmt.Errorf("decode claude response: %w", jsonErr))
	}

	if req.Schema != nil {
		for _, block := range decoded.Content {
			if block.Type == "tool_use" && block.Name == recordTool {
				return Response{Structured: block.Input}, nil
			}
		}
		return fail(resp.StatusCode, fmt.Errorf("no %s tool call in response (stop_reason %s)", recordTool, decoded.StopReason))
	}

	var text strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return Response{Text: text.String()}, nil
}
