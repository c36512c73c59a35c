package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"damageinspect/internal/damage"
)

const ollamaBaseURL = "http://127.0.0.1:11434"

// Ollama talks to a local Ollama server through its Go SDK. It needs no API
// key; Credentials.BaseURL selects the server.
type Ollama struct {
	http *http.Client
}

func NewOllama(client *http.Client) *Ollama {
	return &Ollama{http: defaultClient(client)}
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Generate(ctx context.Context, req Request) (Response, error) {
	fail := func(status int, err error) (Response, error) {
		return Response{}, &damage.ProviderError{Provider: o.Name(), Model: req.Model, StatusCode: status, Err: err}
	}

	base := req.Credentials.BaseURL
	if base == "" {
		base = ollamaBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return fail(0, fmt.Errorf("invalid ollama url: %w", err))
	}
	client := api.NewClient(&url.URL{Scheme: parsed.Scheme, Host: parsed.Host}, o.http)

	options := map[string]any{}
	if req.Settings.Temperature != nil {
		options["temperature"] = *req.Settings.Temperature
	}
	if req.Settings.TopP != nil {
		options["top_p"] = *req.Settings.TopP
	}
	if req.Settings.MaxOutputTokens > 0 {
		options["num_predict"] = req.Settings.MaxOutputTokens
	}

	stream := false
	chat := &api.ChatRequest{
		Model: req.Model,
		Messages: []api.Message{
			{Role: "system", Content: req.System},
			{
				Role:    "user",
				Content: req.Instruction,
				Images:  []api.ImageData{api.ImageData(req.Image)},
			},
		},
		Stream:  &stream,
		Options: options,
	}
	if req.Schema != nil {
		format, err := json.Marshal(req.Schema)
		if err != nil {
			return fail(0, err)
		}
		chat.Format = format
	}

	var content strings.Builder
	err = client.Chat(ctx, chat, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return fail(statusErr.StatusCode, errors.New(statusErr.ErrorMessage))
		}
		return fail(0, err)
	}
	return Response{Text: content.String()}, nil
}
