// Package damage defines the damage taxonomy and the normalized geometry every
// extraction result must satisfy before it leaves the extraction layer.
package damage

import (
	"fmt"
	"math"
	"regexp"
)

// Type is a damage classification code from the closed taxonomy.
type Type string

const (
	Other             Type = "O"
	MultipleScratches Type = "MS"
	Torn              Type = "T"
	Stained           Type = "ST"
	Soiled            Type = "SL"
	Scratched         Type = "S"
	Rusted            Type = "RU"
	Rubbed            Type = "R"
	Paint             Type = "PC"
	Pitted            Type = "P"
	Missing           Type = "M"
	Loose             Type = "L"
	Gouged            Type = "G"
	Foreign           Type = "FF"
	Faded             Type = "F"
	Dented            Type = "D"
	Cracked           Type = "CR"
	Cut               Type = "C"
	Broken            Type = "BR"
	Buffer            Type = "BB"
	Bent              Type = "B"
)

var taxonomy = []struct {
	code  Type
	label string
}{
	{Other, "Other"},
	{MultipleScratches, "Multiple Scratches"},
	{Torn, "Torn"},
	{Stained, "Stained"},
	{Soiled, "Soiled"},
	{Scratched, "Scratched"},
	{Rusted, "Rusted"},
	{Rubbed, "Rubbed"},
	{Paint, "Paint"},
	{Pitted, "Pitted"},
	{Missing, "Missing"},
	{Loose, "Loose"},
	{Gouged, "Gouged"},
	{Foreign, "Foreign"},
	{Faded, "Faded"},
	{Dented, "Dented"},
	{Cracked, "Cracked"},
	{Cut, "Cut"},
	{Broken, "Broken"},
	{Buffer, "Buffer"},
	{Bent, "Bent"},
}

var labels = func() map[Type]string {
	out := make(map[Type]string, len(taxonomy))
	for _, entry := range taxonomy {
		out[entry.code] = entry.label
	}
	return out
}()

// Types returns every allowed code in prompt order.
func Types() []Type {
	out := make([]Type, 0, len(taxonomy))
	for _, entry := range taxonomy {
		out = append(out, entry.code)
	}
	return out
}

// Valid reports whether t belongs to the taxonomy.
func (t Type) Valid() bool {
	_, ok := labels[t]
	return ok
}

// Label returns the human readable name of the code, or "" for unknown codes.
func (t Type) Label() string {
	return labels[t]
}

// ParseType converts a raw code into a Type. Codes are case sensitive.
func ParseType(code string) (Type, error) {
	t := Type(code)
	if !t.Valid() {
		return "", fmt.Errorf("unknown damage type %q", code)
	}
	return t, nil
}

// Severity grades a finding in the richer extraction modes.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityCritical Severity = "critical"
	// SeverityUnknown is filled in when the extraction mode does not grade findings.
	SeverityUnknown Severity = "unknown"
)

// Severities returns the graded values a model may emit.
func Severities() []Severity {
	return []Severity{SeverityMinor, SeverityModerate, SeveritySevere, SeverityCritical}
}

func (s Severity) Valid() bool {
	switch s {
	case SeverityMinor, SeverityModerate, SeveritySevere, SeverityCritical, SeverityUnknown:
		return true
	}
	return false
}

// Point is a position normalized to the image size. X grows to the right and
// Y grows upwards: (0,0) is the bottom-left corner of the image.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rectangle is an axis-aligned box given by its bottom-left and top-right corners.
type Rectangle struct {
	BottomLeft Point `json:"bottom_left"`
	TopRight   Point `json:"top_right"`
}

// Width and Height are zero for degenerate rectangles.
func (r Rectangle) Width() float64  { return r.TopRight.X - r.BottomLeft.X }
func (r Rectangle) Height() float64 { return r.TopRight.Y - r.BottomLeft.Y }

// Detection is one damaged area reported for a car part.
type Detection struct {
	Name        string    `json:"name"`
	DamageType  Type      `json:"damage_type"`
	Rectangle   Rectangle `json:"rectangle"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
}

// Result is the ordered list of detections for one image. Order is the order
// in which the model reported them; overlapping duplicates are kept.
type Result struct {
	Detections []Detection `json:"damage_areas"`
}

var partNamePattern = regexp.MustCompile(`^[a-z0-9]+(_[a-z0-9]+)*$`)

// Validate checks r against the taxonomy and the geometry invariants.
func (r Rectangle) Validate() error {
	corners := []struct {
		field string
		value float64
	}{
		{"rectangle.bottom_left.x", r.BottomLeft.X},
		{"rectangle.bottom_left.y", r.BottomLeft.Y},
		{"rectangle.top_right.x", r.TopRight.X},
		{"rectangle.top_right.y", r.TopRight.Y},
	}
	for _, c := range corners {
		if math.IsNaN(c.value) || c.value < 0 || c.value > 1 {
			return &SchemaViolationError{Index: -1, Field: c.field, Reason: fmt.Sprintf("coordinate %v outside [0,1]", c.value)}
		}
	}
	if r.BottomLeft.X > r.TopRight.X {
		return &SchemaViolationError{Index: -1, Field: "rectangle", Reason: "bottom_left.x is greater than top_right.x"}
	}
	if r.BottomLeft.Y > r.TopRight.Y {
		return &SchemaViolationError{Index: -1, Field: "rectangle", Reason: "bottom_left.y is greater than top_right.y"}
	}
	return nil
}

// Validate checks a single detection. Index on the returned error is -1;
// Result.Validate fills in the position.
func (d Detection) Validate() error {
	if d.Name == "" {
		return &SchemaViolationError{Index: -1, Field: "name", Reason: "missing required field"}
	}
	if !partNamePattern.MatchString(d.Name) {
		return &SchemaViolationError{Index: -1, Field: "name", Reason: fmt.Sprintf("%q is not snake_case", d.Name)}
	}
	if !d.DamageType.Valid() {
		return &SchemaViolationError{Index: -1, Field: "damage_type", Reason: fmt.Sprintf("unknown damage type %q", d.DamageType)}
	}
	if !d.Severity.Valid() {
		return &SchemaViolationError{Index: -1, Field: "severity", Reason: fmt.Sprintf("unknown severity %q", d.Severity)}
	}
	return d.Rectangle.Validate()
}

// Validate checks every detection and stops at the first violation.
func (r Result) Validate() error {
	for i, d := range r.Detections {
		if err := d.Validate(); err != nil {
			if v, ok := err.(*SchemaViolationError); ok {
				v.Index = i
				return v
			}
			return err
		}
	}
	return nil
}

// Len is the number of detections.
func (r Result) Len() int { return len(r.Detections) }
