package extract

import (
	"context"
	"errors"
	"testing"

	"damageinspect/internal/backend"
	"damageinspect/internal/damage"
	"damageinspect/internal/llm"
	"damageinspect/internal/prompt"
)

var testImage = []byte("\xff\xd8\xff\xe0 not really a jpeg")

type recorder struct {
	requests []llm.Request
	text     string
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	r.requests = append(r.requests, req)
	return llm.Response{Text: r.text}, nil
}

func newExtractor(t *testing.T, provider llm.Provider) *Extractor {
	t.Helper()
	lib, err := prompt.Load()
	if err != nil {
		t.Fatalf("load prompts: %v", err)
	}
	return New(lib, map[backend.Provider]llm.Provider{backend.ProviderGemini: provider}, 0)
}

func schemaConfig() backend.Config {
	return backend.Config{ID: "gemini", Provider: backend.ProviderGemini, Model: "gemini-test", Mode: backend.ModeSchema, PromptVersion: "v1"}
}

func TestExtractSchemaModeExample(t *testing.T) {
	stub := &llm.Stub{Text: `[{"name":"front_bumper","damage_type":"D","rectangle":{"bottom_left":{"x":0.1,"y":0.2},"top_right":{"x":0.3,"y":0.4}}}]`}
	res, err := newExtractor(t, stub).Extract(context.Background(), testImage, schemaConfig())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Len() != 1 {
		t.Fatalf("expected one detection, got %d", res.Len())
	}
	d := res.Detections[0]
	want := damage.Rectangle{BottomLeft: damage.Point{X: 0.1, Y: 0.2}, TopRight: damage.Point{X: 0.3, Y: 0.4}}
	if d.Name != "front_bumper" || d.DamageType != damage.Dented || d.Rectangle != want {
		t.Fatalf("unexpected detection %+v", d)
	}
	if d.Severity != damage.SeverityUnknown || d.Description != "" {
		t.Fatalf("expected documented defaults, got %+v", d)
	}
	if stub.Calls() != 1 {
		t.Fatalf("expected exactly one provider request, got %d", stub.Calls())
	}
}

func TestExtractSchemaModeDeclaresSchema(t *testing.T) {
	rec := &recorder{text: `{"damage_areas":[]}`}
	res, err := newExtractor(t, rec).Extract(context.Background(), testImage, schemaConfig())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Len() != 0 || res.Detections == nil {
		t.Fatalf("expected empty successful result, got %#v", res)
	}
	if len(rec.requests) != 1 {
		t.Fatalf("expected one request, got %d", len(rec.requests))
	}
	req := rec.requests[0]
	if req.Schema == nil {
		t.Fatalf("expected schema in schema mode")
	}
	if req.Model != "gemini-test" || req.System == "" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestExtractJSONModeBoxes(t *testing.T) {
	rec := &recorder{text: `[{"name":"hood","damage_type":"S","box_2d":[0,0,500,1000],"severity":"moderate","description":"long scratch"}]`}
	cfg := schemaConfig()
	cfg.Mode = backend.ModeJSON
	cfg.PromptVersion = "v2"
	res, err := newExtractor(t, rec).Extract(context.Background(), testImage, cfg)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if rec.requests[0].Schema != nil {
		t.Fatalf("expected no schema in json mode")
	}
	d := res.Detections[0]
	want := damage.Rectangle{BottomLeft: damage.Point{X: 0, Y: 0.5}, TopRight: damage.Point{X: 1, Y: 1}}
	if d.Rectangle != want || d.Severity != damage.SeverityModerate {
		t.Fatalf("unexpected detection %+v", d)
	}
}

func TestExtractMalformedJSON(t *testing.T) {
	for _, text := range []string{
		"I found a dent on the bumper.",
		"```json\n[]\n```",
		`[{"name":"hood"`,
		`"just a string"`,
		`{"detections":[]}`,
	} {
		_, err := newExtractor(t, &llm.Stub{Text: text}).Extract(context.Background(), testImage, schemaConfig())
		var parseErr *damage.ResponseParseError
		if !errors.As(err, &parseErr) {
			t.Fatalf("%q: expected response parse error, got %v", text, err)
		}
		if errors.Is(err, damage.ErrSchemaViolation) {
			t.Fatalf("%q: parse error must not be a schema violation", text)
		}
		if parseErr.Backend != "gemini" {
			t.Fatalf("expected backend on parse error, got %q", parseErr.Backend)
		}
	}
}

func TestExtractUnknownCodeFailsWholeResult(t *testing.T) {
	stub := &llm.Stub{Text: `[
		{"name":"hood","damage_type":"S","rectangle":{"bottom_left":{"x":0,"y":0},"top_right":{"x":1,"y":1}}},
		{"name":"door","damage_type":"XX","rectangle":{"bottom_left":{"x":0,"y":0},"top_right":{"x":1,"y":1}}}
	]`}
	res, err := newExtractor(t, stub).Extract(context.Background(), testImage, schemaConfig())
	var violation *damage.SchemaViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected schema violation, got %v", err)
	}
	if violation.Index != 1 || violation.Backend != "gemini" {
		t.Fatalf("unexpected violation %+v", violation)
	}
	if res.Len() != 0 {
		t.Fatalf("expected zero partial detections, got %d", res.Len())
	}
}

func TestExtractInvertedRectangle(t *testing.T) {
	stub := &llm.Stub{Text: `[{"name":"hood","damage_type":"S","rectangle":{"bottom_left":{"x":0.5,"y":0},"top_right":{"x":0.2,"y":1}}}]`}
	_, err := newExtractor(t, stub).Extract(context.Background(), testImage, schemaConfig())
	if !errors.Is(err, damage.ErrSchemaViolation) {
		t.Fatalf("expected schema violation, got %v", err)
	}
}

func TestExtractProviderErrors(t *testing.T) {
	stub := &llm.Stub{Err: errors.New("connection reset")}
	_, err := newExtractor(t, stub).Extract(context.Background(), testImage, schemaConfig())
	var perr *damage.ProviderError
	if !errors.As(err, &perr) || perr.Backend != "gemini" || perr.Model != "gemini-test" {
		t.Fatalf("expected provider error naming the backend, got %v", err)
	}

	cfg := schemaConfig()
	cfg.ID, cfg.Provider = "claude", backend.ProviderClaude
	_, err = newExtractor(t, llm.NewStub()).Extract(context.Background(), testImage, cfg)
	if !errors.As(err, &perr) || perr.Backend != "claude" {
		t.Fatalf("expected provider error for unconfigured provider, got %v", err)
	}
}
