// Package prompt holds the frozen, versioned instructions sent to the model
// providers. Each version also declares the output contract its wording asks
// for, so the normalizer never has to guess the response shape.
package prompt

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"damageinspect/internal/damage"
)

//go:embed assets/*.yaml
var assets embed.FS

// BoxOrder is the element order of a four-number box.
type BoxOrder string

const (
	OrderXYXY BoxOrder = "xyxy"
	OrderYXYX BoxOrder = "yxyx"
)

// Scale is the unit the box coordinates are expressed in.
type Scale string

const (
	ScaleUnit     Scale = "unit"
	ScaleThousand Scale = "thousand"
	ScalePixel    Scale = "pixel"
)

// Origin is the corner the y axis starts from.
type Origin string

const (
	OriginBottomLeft Origin = "bottom_left"
	OriginTopLeft    Origin = "top_left"
)

// Output is the response contract a prompt version asks the model to follow.
type Output struct {
	Layout   damage.Layout `yaml:"layout"`
	BoxField string        `yaml:"box_field"`
	BoxOrder BoxOrder      `yaml:"box_order"`
	Scale    Scale         `yaml:"scale"`
	Origin   Origin        `yaml:"origin"`
	Rich     bool          `yaml:"rich"`
}

// Validate rejects contracts the normalizer has no path for.
func (o Output) Validate() error {
	switch o.Scale {
	case ScaleUnit, ScaleThousand, ScalePixel:
	default:
		return fmt.Errorf("unknown scale %q", o.Scale)
	}
	switch o.Origin {
	case OriginBottomLeft, OriginTopLeft:
	default:
		return fmt.Errorf("unknown origin %q", o.Origin)
	}
	switch o.Layout {
	case damage.LayoutRectangle:
		if o.Scale != ScaleUnit || o.Origin != OriginBottomLeft {
			return errors.New("rectangle layout is always unit scale with a bottom_left origin")
		}
	case damage.LayoutBox:
		if o.BoxField == "" {
			return errors.New("box layout needs box_field")
		}
		if o.BoxOrder != OrderXYXY && o.BoxOrder != OrderYXYX {
			return fmt.Errorf("unknown box_order %q", o.BoxOrder)
		}
	default:
		return fmt.Errorf("unknown layout %q", o.Layout)
	}
	return nil
}

// Divisor is the value box coordinates are divided by; zero for pixel scale.
func (o Output) Divisor() float64 {
	switch o.Scale {
	case ScaleThousand:
		return 1000
	case ScaleUnit:
		return 1
	}
	return 0
}

// SchemaOptions maps the contract onto the damage JSON schema.
func (o Output) SchemaOptions() damage.SchemaOptions {
	return damage.SchemaOptions{
		Layout:   o.Layout,
		BoxField: o.BoxField,
		BoxMax:   o.Divisor(),
		Rich:     o.Rich,
	}
}

// Prompt is one frozen prompt version.
type Prompt struct {
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	System      string `yaml:"system"`
	Instruction string `yaml:"instruction"`
	Output      Output `yaml:"output"`
}

// Library is the immutable set of prompt versions.
type Library struct {
	prompts map[string]Prompt
}

// Load parses every embedded asset.
func Load() (*Library, error) {
	return LoadFS(assets, "assets")
}

// LoadFS parses every *.yaml file of dir in fsys.
func LoadFS(fsys fs.FS, dir string) (*Library, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	lib := &Library{prompts: make(map[string]Prompt)}
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".yaml" {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var p Prompt
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("prompt %s: %w", entry.Name(), err)
		}
		if p.Version == "" {
			return nil, fmt.Errorf("prompt %s: missing version", entry.Name())
		}
		if err := p.Output.Validate(); err != nil {
			return nil, fmt.Errorf("prompt %s: %w", p.Version, err)
		}
		if _, dup := lib.prompts[p.Version]; dup {
			return nil, fmt.Errorf("prompt %s: duplicate version", p.Version)
		}
		p.System = render(p.System)
		lib.prompts[p.Version] = p
	}
	if len(lib.prompts) == 0 {
		return nil, errors.New("no prompt assets found")
	}
	return lib, nil
}

// Get returns a prompt by version.
func (l *Library) Get(version string) (Prompt, error) {
	p, ok := l.prompts[version]
	if !ok {
		return Prompt{}, fmt.Errorf("unknown prompt version %q", version)
	}
	return p, nil
}

// Versions lists the loaded versions in sorted order.
func (l *Library) Versions() []string {
	out := make([]string, 0, len(l.prompts))
	for v := range l.prompts {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func render(text string) string {
	var taxonomy strings.Builder
	for i, t := range damage.Types() {
		if i > 0 {
			taxonomy.WriteString("\n")
		}
		fmt.Fprintf(&taxonomy, "- %s: %s", t, t.Label())
	}
	severities := make([]string, 0, 4)
	for _, s := range damage.Severities() {
		severities = append(severities, fmt.Sprintf("%q", string(s)))
	}
	text = strings.ReplaceAll(text, "{{taxonomy}}", taxonomy.String())
	text = strings.ReplaceAll(text, "{{severities}}", strings.Join(severities, ", "))
	return text
}
