// Package llm is the transport to the multimodal model providers. A Provider
// sends one image plus instructions and returns the model output untouched;
// parsing and validation happen in the caller.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// maxResponseBytes caps how much of a provider response body is read.
const maxResponseBytes = 8 << 20

// ErrMissingCredentials is wrapped in the ProviderError of a call made
// without an API key.
var ErrMissingCredentials = errors.New("missing api key")

// Credentials are opaque to the core and only read here.
type Credentials struct {
	APIKey     string
	BaseURL    string
	APIVersion string
}

// Settings are optional generation parameters; zero values are not sent.
type Settings struct {
	Temperature     *float64
	TopP            *float64
	MaxOutputTokens int
}

// Request is one extraction call.
type Request struct {
	Model       string
	System      string
	Instruction string
	Image       []byte
	MIMEType    string
	// Schema, when set, asks the provider to constrain its output to it.
	Schema      map[string]any
	Settings    Settings
	Credentials Credentials
}

// Response holds the raw model output. Structured is set when the provider
// returned an already decoded value (tool input); otherwise Text carries it.
type Response struct {
	Text       string
	Structured json.RawMessage
}

// Payload is the JSON document to parse: Structured when present, else Text.
func (r Response) Payload() []byte {
	if len(r.Structured) > 0 {
		return r.Structured
	}
	return []byte(r.Text)
}

type Provider interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

func readBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}

func defaultClient(c *http.Client) *http.Client {
	if c == nil {
		return &http.Client{}
	}
	return c
}
