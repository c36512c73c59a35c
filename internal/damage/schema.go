package damage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Layout names the wire shape of one detection in a model response.
type Layout string

const (
	// LayoutRectangle carries a bottom_left/top_right point pair.
	LayoutRectangle Layout = "rectangle"
	// LayoutBox carries a four-number array under a configurable field.
	LayoutBox Layout = "box"
)

// ResultField is the key wrapping the detection list in object-shaped responses.
const ResultField = "damage_areas"

// SchemaOptions selects the wire shape a schema describes.
type SchemaOptions struct {
	Layout Layout
	// BoxField is the array field name for LayoutBox.
	BoxField string
	// BoxMax bounds every box coordinate; zero leaves it unbounded (pixel boxes).
	BoxMax float64
	// Rich adds description and severity to the requested fields.
	Rich bool
}

func (o SchemaOptions) key() string {
	return fmt.Sprintf("%s|%s|%g|%t", o.Layout, o.BoxField, o.BoxMax, o.Rich)
}

// ItemSchema is the JSON Schema of a single detection.
func ItemSchema(opts SchemaOptions) map[string]any {
	codes := make([]any, 0, len(taxonomy))
	for _, t := range Types() {
		codes = append(codes, string(t))
	}
	properties := map[string]any{
		"name": map[string]any{
			"type":        "string",
			"description": "snake_case car part identifier, e.g. front_left_door",
		},
		"damage_type": map[string]any{
			"type":        "string",
			"enum":        codes,
			"description": "damage code from the allowed taxonomy",
		},
	}
	required := []any{"name", "damage_type"}

	switch opts.Layout {
	case LayoutBox:
		coord := map[string]any{"type": "number", "minimum": 0}
		if opts.BoxMax > 0 {
			coord["maximum"] = opts.BoxMax
		}
		properties[opts.BoxField] = map[string]any{
			"type":     "array",
			"items":    coord,
			"minItems": 4,
			"maxItems": 4,
		}
		required = append(required, opts.BoxField)
	default:
		point := map[string]any{
			"type": "object",
			"properties": map[string]any{
				"x": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
				"y": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			},
			"required": []any{"x", "y"},
		}
		properties["rectangle"] = map[string]any{
			"type": "object",
			"properties": map[string]any{
				"bottom_left": point,
				"top_right":   point,
			},
			"required": []any{"bottom_left", "top_right"},
		}
		required = append(required, "rectangle")
	}

	if opts.Rich {
		severities := make([]any, 0, 4)
		for _, s := range Severities() {
			severities = append(severities, string(s))
		}
		properties["description"] = map[string]any{"type": "string"}
		properties["severity"] = map[string]any{"type": "string", "enum": severities}
	}

	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// Schema is the document schema declared to providers in schema-constrained
// mode: an object whose damage_areas field lists the detections.
func Schema(opts SchemaOptions) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			ResultField: map[string]any{
				"type":  "array",
				"items": ItemSchema(opts),
			},
		},
		"required": []any{ResultField},
	}
}

var compiled sync.Map // key -> *jsonschema.Schema

func compileItemSchema(opts SchemaOptions) (*jsonschema.Schema, error) {
	key := opts.key()
	if cached, ok := compiled.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	raw, err := json.Marshal(ItemSchema(opts))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("detection.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("detection.json")
	if err != nil {
		return nil, err
	}
	compiled.Store(key, schema)
	return schema, nil
}

// ValidateItems checks each decoded JSON item against the detection schema.
// Items must come from encoding/json decoding into any.
func ValidateItems(opts SchemaOptions, items []any) error {
	schema, err := compileItemSchema(opts)
	if err != nil {
		return fmt.Errorf("compile detection schema: %w", err)
	}
	for i, item := range items {
		if err := schema.Validate(item); err != nil {
			field, reason := describeValidation(err)
			return &SchemaViolationError{Index: i, Field: field, Reason: reason}
		}
	}
	return nil
}

// describeValidation flattens the deepest jsonschema cause into a field path
// and a message.
func describeValidation(err error) (string, string) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return "", err.Error()
	}
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := strings.TrimPrefix(leaf.InstanceLocation, "/")
	field = strings.ReplaceAll(field, "/", ".")
	return field, leaf.Message
}
