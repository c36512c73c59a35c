// Package normalize converts the shapes a prompt contract can produce into the
// canonical damage.Result. Each contract layout has exactly one conversion
// path; fields are never probed for.
package normalize

import (
	"fmt"
	"math"

	"damageinspect/internal/damage"
	"damageinspect/internal/imageprep"
	"damageinspect/internal/prompt"
)

// Normalize accepts a damage.Result, a []damage.Detection or decoded JSON
// items ([]any of map[string]any) and returns canonical detections with
// defaults filled in. dims is only consulted for pixel-scale contracts.
// Canonical input comes back unchanged apart from the defaults; a nil
// detection list stays nil.
func Normalize(raw any, contract prompt.Output, dims imageprep.Info) (damage.Result, error) {
	switch v := raw.(type) {
	case damage.Result:
		return fromTyped(v.Detections), nil
	case []damage.Detection:
		return fromTyped(v), nil
	case []any:
		return fromItems(v, contract, dims)
	case nil:
		return damage.Result{Detections: []damage.Detection{}}, nil
	default:
		return damage.Result{}, fmt.Errorf("normalize: unsupported input %T", raw)
	}
}

func fromTyped(in []damage.Detection) damage.Result {
	if in == nil {
		return damage.Result{}
	}
	out := make([]damage.Detection, len(in))
	copy(out, in)
	for i := range out {
		applyDefaults(&out[i])
	}
	return damage.Result{Detections: out}
}

func applyDefaults(d *damage.Detection) {
	if d.Severity == "" {
		d.Severity = damage.SeverityUnknown
	}
}

func fromItems(items []any, contract prompt.Output, dims imageprep.Info) (damage.Result, error) {
	out := make([]damage.Detection, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return damage.Result{}, violation(i, "", fmt.Sprintf("detection is %T, not an object", item))
		}
		d := damage.Detection{
			Name:       stringField(obj, "name"),
			DamageType: damage.Type(stringField(obj, "damage_type")),
		}
		// Contracts that do not ask for description and severity get the defaults.
		if contract.Rich {
			d.Description = stringField(obj, "description")
			d.Severity = damage.Severity(stringField(obj, "severity"))
		}
		var err error
		switch contract.Layout {
		case damage.LayoutRectangle:
			d.Rectangle, err = rectangleFromObject(obj)
		case damage.LayoutBox:
			d.Rectangle, err = rectangleFromBox(obj, contract, dims)
		default:
			err = fmt.Errorf("unknown layout %q", contract.Layout)
		}
		if err != nil {
			if v, ok := err.(*damage.SchemaViolationError); ok {
				v.Index = i
				return damage.Result{}, v
			}
			return damage.Result{}, violation(i, "", err.Error())
		}
		applyDefaults(&d)
		out = append(out, d)
	}
	return damage.Result{Detections: out}, nil
}

func rectangleFromObject(obj map[string]any) (damage.Rectangle, error) {
	rect, ok := obj["rectangle"].(map[string]any)
	if !ok {
		return damage.Rectangle{}, violation(-1, "rectangle", "missing or not an object")
	}
	bl, err := pointField(rect, "bottom_left")
	if err != nil {
		return damage.Rectangle{}, err
	}
	tr, err := pointField(rect, "top_right")
	if err != nil {
		return damage.Rectangle{}, err
	}
	return damage.Rectangle{BottomLeft: bl, TopRight: tr}, nil
}

func pointField(rect map[string]any, key string) (damage.Point, error) {
	p, ok := rect[key].(map[string]any)
	if !ok {
		return damage.Point{}, violation(-1, "rectangle."+key, "missing or not an object")
	}
	x, ok := p["x"].(float64)
	if !ok {
		return damage.Point{}, violation(-1, "rectangle."+key+".x", "missing or not a number")
	}
	y, ok := p["y"].(float64)
	if !ok {
		return damage.Point{}, violation(-1, "rectangle."+key+".y", "missing or not a number")
	}
	return damage.Point{X: x, Y: y}, nil
}

func rectangleFromBox(obj map[string]any, contract prompt.Output, dims imageprep.Info) (damage.Rectangle, error) {
	field := contract.BoxField
	arr, ok := obj[field].([]any)
	if !ok || len(arr) != 4 {
		return damage.Rectangle{}, violation(-1, field, "expected an array of four numbers")
	}
	var nums [4]float64
	for i, v := range arr {
		f, ok := v.(float64)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return damage.Rectangle{}, violation(-1, fmt.Sprintf("%s.%d", field, i), "not a finite number")
		}
		nums[i] = f
	}

	var xmin, ymin, xmax, ymax float64
	switch contract.BoxOrder {
	case prompt.OrderYXYX:
		ymin, xmin, ymax, xmax = nums[0], nums[1], nums[2], nums[3]
	default:
		xmin, ymin, xmax, ymax = nums[0], nums[1], nums[2], nums[3]
	}

	xdiv, ydiv := contract.Divisor(), contract.Divisor()
	if contract.Scale == prompt.ScalePixel {
		if !dims.Known() {
			return damage.Rectangle{}, violation(-1, field, "pixel box without known image dimensions")
		}
		xdiv, ydiv = float64(dims.Width), float64(dims.Height)
	}
	xmin, xmax = xmin/xdiv, xmax/xdiv
	ymin, ymax = ymin/ydiv, ymax/ydiv

	for _, v := range []float64{xmin, ymin, xmax, ymax} {
		if v < 0 || v > 1 {
			return damage.Rectangle{}, violation(-1, field, fmt.Sprintf("coordinate %v outside the stated scale", v))
		}
	}
	if xmin > xmax || ymin > ymax {
		return damage.Rectangle{}, violation(-1, field, "inverted box")
	}

	if contract.Origin == prompt.OriginTopLeft {
		// Rows grow downwards: the box top (ymin) becomes the upper y.
		ymin, ymax = 1-ymax, 1-ymin
	}
	return damage.Rectangle{
		BottomLeft: damage.Point{X: xmin, Y: ymin},
		TopRight:   damage.Point{X: xmax, Y: ymax},
	}, nil
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

func violation(index int, field, reason string) *damage.SchemaViolationError {
	return &damage.SchemaViolationError{Index: index, Field: field, Reason: reason}
}
