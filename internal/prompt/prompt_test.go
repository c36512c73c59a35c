package prompt

import (
	"strings"
	"testing"
	"testing/fstest"

	"damageinspect/internal/damage"
)

func TestLoadEmbeddedVersions(t *testing.T) {
	lib, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	versions := lib.Versions()
	if len(versions) != 3 || versions[0] != "v1" || versions[2] != "v3" {
		t.Fatalf("unexpected versions: %v", versions)
	}
	for _, v := range versions {
		p, err := lib.Get(v)
		if err != nil {
			t.Fatalf("get %s: %v", v, err)
		}
		if strings.Contains(p.System, "{{") {
			t.Fatalf("%s: unrendered placeholder in system prompt", v)
		}
		for _, code := range damage.Types() {
			line := "- " + string(code) + ": " + code.Label()
			if !strings.Contains(p.System, line) {
				t.Fatalf("%s: expected taxonomy line %q", v, line)
			}
		}
		if p.Instruction == "" {
			t.Fatalf("%s: expected instruction", v)
		}
	}
}

func TestContracts(t *testing.T) {
	lib, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	v1, _ := lib.Get("v1")
	if v1.Output.Layout != damage.LayoutRectangle || v1.Output.Divisor() != 1 {
		t.Fatalf("expected v1 to be a unit rectangle contract, got %+v", v1.Output)
	}
	v2, _ := lib.Get("v2")
	if v2.Output.BoxField != "box_2d" || v2.Output.BoxOrder != OrderYXYX || v2.Output.Divisor() != 1000 {
		t.Fatalf("unexpected v2 contract: %+v", v2.Output)
	}
	if !strings.Contains(v2.System, `"minor", "moderate", "severe", "critical"`) {
		t.Fatalf("expected severities in v2 prompt")
	}
	v3, _ := lib.Get("v3")
	if v3.Output.Scale != ScalePixel || v3.Output.Divisor() != 0 {
		t.Fatalf("unexpected v3 contract: %+v", v3.Output)
	}
	if opts := v3.Output.SchemaOptions(); opts.BoxMax != 0 || opts.BoxField != "bbox" {
		t.Fatalf("unexpected v3 schema options: %+v", opts)
	}
}

func TestUnknownVersion(t *testing.T) {
	lib, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := lib.Get("v99"); err == nil {
		t.Fatalf("expected unknown version error")
	}
}

func TestLoadFSRejectsBadContracts(t *testing.T) {
	cases := map[string]string{
		"rectangle with thousand scale": "version: x\noutput:\n  layout: rectangle\n  scale: thousand\n  origin: bottom_left\n",
		"box without field":             "version: x\noutput:\n  layout: box\n  box_order: xyxy\n  scale: unit\n  origin: top_left\n",
		"unknown origin":                "version: x\noutput:\n  layout: box\n  box_field: b\n  box_order: xyxy\n  scale: unit\n  origin: middle\n",
		"missing version":               "output:\n  layout: rectangle\n  scale: unit\n  origin: bottom_left\n",
	}
	for name, body := range cases {
		fsys := fstest.MapFS{"p/a.yaml": &fstest.MapFile{Data: []byte(body)}}
		if _, err := LoadFS(fsys, "p"); err == nil {
			t.Fatalf("%s: expected load error", name)
		}
	}

	dup := "version: x\noutput:\n  layout: rectangle\n  scale: unit\n  origin: bottom_left\n"
	fsys := fstest.MapFS{
		"p/a.yaml": &fstest.MapFile{Data: []byte(dup)},
		"p/b.yaml": &fstest.MapFile{Data: []byte(dup)},
	}
	if _, err := LoadFS(fsys, "p"); err == nil {
		t.Fatalf("expected duplicate version error")
	}
}
