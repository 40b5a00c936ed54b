package config

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/slateboard/slateboard/pkg/engine"
)

func TestSchemaRegistry_Builtins(t *testing.T) {
	r := NewSchemaRegistry()

	want := []string{"board", "connection", "transformation", "widget"}
	if got := r.ListSchemas(); !reflect.DeepEqual(got, want) {
		t.Fatalf("ListSchemas() = %v, want %v", got, want)
	}

	for _, name := range want {
		schema, ok := r.GetSchema(name)
		if !ok {
			t.Fatalf("built-in schema %s missing", name)
		}
		if err := schema.Err(); err != nil {
			t.Errorf("built-in schema %s does not compile: %v", name, err)
		}
	}
}

func TestSchemaRegistry_RegisterSchema(t *testing.T) {
	r := NewSchemaRegistry()

	if err := r.RegisterSchema("note", `#Note: {text: string}`); err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}
	if _, ok := r.GetSchema("note"); !ok {
		t.Fatal("registered schema not retrievable")
	}

	if err := r.RegisterSchema("broken", `not CUE at all {{{`); err == nil {
		t.Fatal("expected error for unparseable schema")
	}
	if _, ok := r.GetSchema("broken"); ok {
		t.Fatal("schema that failed to compile must not be stored")
	}
}

func TestSchemaRegistry_UnknownSchema(t *testing.T) {
	r := NewSchemaRegistry()

	err := r.ValidateAgainstSchema(context.Background(), "nonesuch", map[string]interface{}{})
	if err == nil || !strings.Contains(err.Error(), "nonesuch") {
		t.Fatalf("want an error naming the missing schema, got %v", err)
	}
}

func TestSchemaRegistry_ValidateBoard(t *testing.T) {
	r := NewSchemaRegistry()
	ctx := context.Background()

	valid := func() BoardConfig {
		return BoardConfig{
			Name:    "render-pipeline",
			Version: "1.0",
			Labels:  map[string]string{"team": "design"},
		}
	}

	if err := r.ValidateBoard(ctx, valid()); err != nil {
		t.Fatalf("valid board rejected: %v", err)
	}

	governed := valid()
	governed.Policy = &PolicyConfig{Enabled: true, Mode: "enforcing"}
	if err := r.ValidateBoard(ctx, governed); err != nil {
		t.Fatalf("board with policy block rejected: %v", err)
	}

	broken := map[string]func(*BoardConfig){
		"name with spaces": func(b *BoardConfig) { b.Name = "invalid name!" },
		"unknown policy mode": func(b *BoardConfig) {
			b.Policy = &PolicyConfig{Enabled: true, Mode: "draconian"}
		},
	}
	for name, mutate := range broken {
		t.Run(name, func(t *testing.T) {
			b := valid()
			mutate(&b)
			if err := r.ValidateBoard(ctx, b); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSchemaRegistry_ValidateWidget(t *testing.T) {
	r := NewSchemaRegistry()
	ctx := context.Background()

	valid := func() WidgetConfig {
		return WidgetConfig{
			Name:   "source",
			Slug:   "sticky-note",
			Title:  "Source of truth",
			Inputs: engine.Values{"text": "hello"},
		}
	}

	if err := r.ValidateWidget(ctx, valid()); err != nil {
		t.Fatalf("valid widget rejected: %v", err)
	}

	broken := map[string]func(*WidgetConfig){
		"uppercase slug":   func(w *WidgetConfig) { w.Slug = "Sticky_Note" },
		"name with spaces": func(w *WidgetConfig) { w.Name = "has spaces" },
	}
	for name, mutate := range broken {
		t.Run(name, func(t *testing.T) {
			w := valid()
			mutate(&w)
			if err := r.ValidateWidget(ctx, w); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSchemaRegistry_ValidateConnection(t *testing.T) {
	r := NewSchemaRegistry()
	ctx := context.Background()

	valid := func() ConnectionConfig {
		return ConnectionConfig{
			Source:     "source",
			SourceSlot: "text",
			Target:     "display",
			TargetSlot: "heading",
		}
	}

	if err := r.ValidateConnection(ctx, valid()); err != nil {
		t.Fatalf("valid connection rejected: %v", err)
	}

	broken := map[string]func(*ConnectionConfig){
		"empty source slot": func(c *ConnectionConfig) { c.SourceSlot = "" },
		"bad endpoint name": func(c *ConnectionConfig) { c.Source = "source!" },
	}
	for name, mutate := range broken {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(&c)
			if err := r.ValidateConnection(ctx, c); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSchemaRegistry_ValidateTransformation(t *testing.T) {
	r := NewSchemaRegistry()
	ctx := context.Background()

	inline := func() TransformationConfig {
		return TransformationConfig{
			ContentType:   "starlark",
			ContentSource: "inline",
			SourceCode:    "def transform(input): return input",
		}
	}

	if err := r.ValidateTransformation(ctx, inline()); err != nil {
		t.Fatalf("inline transformation rejected: %v", err)
	}

	fetched := TransformationConfig{
		ContentType:   "wasm",
		ContentSource: "url",
		SourceURL:     "https://example.com/remap.wasm",
		ContentHash:   "sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		Execution: ExecutionConfig{
			Timeout: "30s",
		},
	}
	if err := r.ValidateTransformation(ctx, fetched); err != nil {
		t.Fatalf("url transformation rejected: %v", err)
	}

	broken := map[string]func(*TransformationConfig){
		"inline without source code": func(tc *TransformationConfig) { tc.SourceCode = "" },
		"url without source url": func(tc *TransformationConfig) {
			tc.ContentSource = "url"
			tc.SourceCode = ""
		},
		"unknown content source": func(tc *TransformationConfig) { tc.ContentSource = "telepathy" },
		"malformed content hash": func(tc *TransformationConfig) { tc.ContentHash = "sha256:nothex" },
	}
	for name, mutate := range broken {
		t.Run(name, func(t *testing.T) {
			tc := inline()
			mutate(&tc)
			if err := r.ValidateTransformation(ctx, tc); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
