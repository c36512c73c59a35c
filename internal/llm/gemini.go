package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"damageinspect/internal/damage"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com"

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      *float64       `json:"temperature,omitempty"`
	TopP             *float64       `json:"topP,omitempty"`
	MaxOutputTokens  int            `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text,omitempty"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Gemini calls the generateContent REST endpoint of the Gemini API.
type Gemini struct {
	http *http.Client
}

func NewGemini(client *http.Client) *Gemini {
	return &Gemini{http: defaultClient(client)}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Generate(ctx context.Context, req Request) (Response, error) {
	fail := func(status int, err error) (Response, error) {
		return Response{}, &damage.ProviderError{Provider: g.Name(), Model: req.Model, StatusCode: status, Err: err}
	}
	if req.Credentials.APIKey == "" {
		return fail(0, ErrMissingCredentials)
	}

	body := geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: req.Instruction},
				{InlineData: &geminiInlineData{
					MimeType: req.MIMEType,
					Data:     base64.StdEncoding.EncodeToString(req.Image),
				}},
			},
		}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     req.Settings.Temperature,
			TopP:            req.Settings.TopP,
			MaxOutputTokens: req.Settings.MaxOutputTokens,
		},
	}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	if req.Schema != nil {
		body.GenerationConfig.ResponseMimeType = "application/json"
		body.GenerationConfig.ResponseSchema = geminiSchema(req.Schema)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fail(0, err)
	}

	base := req.Credentials.BaseURL
	if base == "" {
		base = geminiBaseURL
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", strings.TrimRight(base, "/"), url.PathEscape(req.Model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fail(0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", req.Credentials.APIKey)

	resp, err := g.http.Do(httpReq)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()
	raw, err := readBody(resp)
	if err != nil {
		return fail(resp.StatusCode, err)
	}

	var decoded geminiResponse
	jsonErr := json.Unmarshal(raw, &decoded)
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if jsonErr == nil && decoded.Error != nil {
			msg = decoded.Error.Message
		}
		return fail(resp.StatusCode, errors.New(msg))
	}
	if jsonErr != nil {
		return fail(resp.StatusCode, fmt.Errorf("decode gemini response: %w", jsonErr))
	}
	if decoded.PromptFeedback.BlockReason != "" {
		return fail(resp.StatusCode, fmt.Errorf("prompt blocked: %s", decoded.PromptFeedback.BlockReason))
	}
	if len(decoded.Candidates) == 0 {
		return fail(resp.StatusCode, errors.New("no candidates in response"))
	}

	var text strings.Builder
	for _, part := range decoded.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return Response{Text: text.String()}, nil
}

var geminiSchemaKeys = map[string]bool{
	"description": true,
	"enum":        true,
	"items":       true,
	"maxItems":    true,
	"maximum":     true,
	"minItems":    true,
	"minimum":     true,
	"nullable":    true,
	"properties":  true,
	"required":    true,
}

// geminiSchema rewrites a JSON Schema into the OpenAPI subset Gemini accepts:
// upper-case type names and no unknown keywords.
func geminiSchema(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for key, value := range schema {
		switch {
		case key == "type":
			if s, ok := value.(string); ok {
				out[key] = strings.ToUpper(s)
			}
		case key == "properties":
			props, _ := value.(map[string]any)
			converted := make(map[string]any, len(props))
			for name, prop := range props {
				if m, ok := prop.(map[string]any); ok {
					converted[name] = geminiSchema(m)
				}
			}
			out[key] = converted
		case key == "items":
			if m, ok := value.(map[string]any); ok {
				out[key] = geminiSchema(m)
			}
		case geminiSchemaKeys[key]:
			out[key] = value
		}
	}
	return out
}
