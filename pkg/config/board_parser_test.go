package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/slateboard/slateboard/pkg/engine"
)

func TestBoardParser_ParseInline(t *testing.T) {
	parser := NewBoardParser()
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		errSubstr string
		checkFunc func(*testing.T, *ParsedBoard)
	}{
		{
			name: "valid board with keyed widgets",
			content: `
board: {
	name: "render-pipeline"
	version: "1.0"
}

widgets: {
	source: {
		slug: "sticky-note"
		title: "Source of truth"
		inputs: {text: "hello"}
	}
	display: {
		slug: "title-card"
	}
}

connections: [
	{
		source: "source"
		source_slot: "text"
		target: "display"
		target_slot: "heading"
	},
]
`,
			checkFunc: func(t *testing.T, pb *ParsedBoard) {
				if pb.Board.Name != "render-pipeline" {
					t.Errorf("expected board name 'render-pipeline', got %s", pb.Board.Name)
				}
				if len(pb.Widgets) != 2 {
					t.Fatalf("expected 2 widgets, got %d", len(pb.Widgets))
				}
				if pb.Widgets[0].Name != "source" || pb.Widgets[1].Name != "display" {
					t.Errorf("widget declaration order not preserved: %s, %s",
						pb.Widgets[0].Name, pb.Widgets[1].Name)
				}
				if pb.Widgets[0].Inputs["text"] != "hello" {
					t.Errorf("expected input text 'hello', got %v", pb.Widgets[0].Inputs["text"])
				}
				if len(pb.Connections) != 1 {
					t.Fatalf("expected 1 connection, got %d", len(pb.Connections))
				}
				if pb.Connections[0].SourceSlot != "text" || pb.Connections[0].TargetSlot != "heading" {
					t.Errorf("unexpected connection slots: %+v", pb.Connections[0])
				}
			},
		},
		{
			name: "valid board with widget list",
			content: `
board: {
	name: "listed"
}

widgets: [
	{name: "a", slug: "sticky-note"},
	{name: "b", slug: "sticky-note"},
]
`,
			checkFunc: func(t *testing.T, pb *ParsedBoard) {
				if len(pb.Widgets) != 2 {
					t.Fatalf("expected 2 widgets, got %d", len(pb.Widgets))
				}
				if pb.Widgets[0].Name != "a" || pb.Widgets[1].Name != "b" {
					t.Errorf("widget order not preserved: %+v", pb.Widgets)
				}
			},
		},
		{
			name: "quoted widget key",
			content: `
board: {
	name: "quoted"
}

widgets: {
	"title-card-main": {slug: "title-card"}
}
`,
			checkFunc: func(t *testing.T, pb *ParsedBoard) {
				if len(pb.Widgets) != 1 {
					t.Fatalf("expected 1 widget, got %d", len(pb.Widgets))
				}
				if pb.Widgets[0].Name != "title-card-main" {
					t.Errorf("expected unquoted name 'title-card-main', got %q", pb.Widgets[0].Name)
				}
			},
		},
		{
			name: "invalid CUE syntax",
			content: `
board: {
	name: "broken"
	invalid syntax here
}
`,
			wantErr: true,
		},
		{
			name: "missing board block",
			content: `
widgets: {
	a: {slug: "sticky-note"}
}
`,
			wantErr:   true,
			errSubstr: "board block is required",
		},
		{
			name: "widget missing slug",
			content: `
board: {
	name: "incomplete"
}

widgets: {
	a: {title: "no slug"}
}
`,
			wantErr:   true,
			errSubstr: "validation failed",
		},
		{
			name: "connection references undeclared widget",
			content: `
board: {
	name: "dangling"
}

widgets: {
	a: {slug: "sticky-note"}
}

connections: [
	{source: "a", source_slot: "out", target: "ghost", target_slot: "in"},
]
`,
			wantErr:   true,
			errSubstr: "undeclared widget",
		},
		{
			name: "self connection",
			content: `
board: {
	name: "loop"
}

widgets: {
	a: {slug: "sticky-note"}
}

connections: [
	{source: "a", source_slot: "out", target: "a", target_slot: "in"},
]
`,
			wantErr:   true,
			errSubstr: "must be different",
		},
		{
			name: "duplicate widget names",
			content: `
board: {
	name: "dupes"
}

widgets: [
	{name: "a", slug: "sticky-note"},
	{name: "a", slug: "title-card"},
]
`,
			wantErr:   true,
			errSubstr: "duplicate widget name",
		},
		{
			name: "inline transformation without source code",
			content: `
board: {
	name: "bad-transform"
}

widgets: {
	a: {slug: "sticky-note"}
	b: {slug: "title-card"}
}

connections: [
	{
		source: "a"
		source_slot: "out"
		target: "b"
		target_slot: "in"
		transformation: {
			content_type: "starlark"
			content_source: "inline"
		}
	},
]
`,
			wantErr:   true,
			errSubstr: "requires source_code",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pb, err := parser.ParseInline(ctx, tt.content)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if tt.wantErr {
				if len(pb.Errors) == 0 {
					t.Fatal("expected validation errors, got none")
				}
				if tt.errSubstr != "" {
					found := false
					for _, e := range pb.Errors {
						if strings.Contains(e.Message, tt.errSubstr) {
							found = true
							break
						}
					}
					if !found {
						t.Errorf("no error containing %q in %v", tt.errSubstr, pb.Errors)
					}
				}
			} else {
				if len(pb.Errors) > 0 {
					t.Fatalf("unexpected validation errors: %v", pb.Errors)
				}
				if tt.checkFunc != nil {
					tt.checkFunc(t, pb)
				}
			}
		})
	}
}

func TestBoardParser_ParseFiles(t *testing.T) {
	parser := NewBoardParser()
	ctx := context.Background()
	dir := t.TempDir()

	boardFile := filepath.Join(dir, "board.cue")
	if err := os.WriteFile(boardFile, []byte(`
board: {
	name: "split"
}
`), 0644); err != nil {
		t.Fatal(err)
	}

	widgetsFile := filepath.Join(dir, "widgets.cue")
	if err := os.WriteFile(widgetsFile, []byte(`
widgets: {
	a: {slug: "sticky-note"}
}
`), 0644); err != nil {
		t.Fatal(err)
	}

	pb, err := parser.Parse(ctx, []string{boardFile, widgetsFile})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if pb.HasErrors() {
		t.Fatalf("unexpected errors: %v", pb.Errors)
	}

	if pb.Board.Name != "split" {
		t.Errorf("expected board name from first file, got %q", pb.Board.Name)
	}
	if len(pb.Widgets) != 1 {
		t.Errorf("expected widgets from second file, got %d", len(pb.Widgets))
	}
	if len(pb.SourceFiles) != 2 {
		t.Errorf("expected 2 source files, got %v", pb.SourceFiles)
	}
}

func TestBoardParser_ParseMissingSource(t *testing.T) {
	parser := NewBoardParser()

	_, err := parser.Parse(context.Background(), []string{"/nonexistent/board.cue"})
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestBoardParser_Apply(t *testing.T) {
	parser := NewBoardParser()
	ctx := context.Background()

	pb, err := parser.ParseInline(ctx, `
board: {
	name: "apply-test"
}

widgets: {
	first: {slug: "sticky-note", inputs: {text: "one"}}
	second: {slug: "sticky-note"}
	card: {slug: "title-card"}
}

connections: [
	{source: "first", source_slot: "text", target: "card", target_slot: "heading"},
	{source: "second", source_slot: "text", target: "card", target_slot: "subtitle"},
]
`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if pb.HasErrors() {
		t.Fatalf("unexpected errors: %v", pb.Errors)
	}

	eng := engine.New(engine.Config{})
	result, err := parser.Apply(pb, eng, DefaultApplyOptions())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	// IDs are assigned per slug in declaration order.
	if result.WidgetIDs["first"] != "sticky-note-1" {
		t.Errorf("expected first -> sticky-note-1, got %s", result.WidgetIDs["first"])
	}
	if result.WidgetIDs["second"] != "sticky-note-2" {
		t.Errorf("expected second -> sticky-note-2, got %s", result.WidgetIDs["second"])
	}
	if result.WidgetIDs["card"] != "title-card-1" {
		t.Errorf("expected card -> title-card-1, got %s", result.WidgetIDs["card"])
	}

	if len(result.RegisteredKinds) != 2 {
		t.Errorf("expected 2 auto-registered kinds, got %v", result.RegisteredKinds)
	}
	if len(result.EdgeIDs) != 2 {
		t.Errorf("expected 2 edges, got %v", result.EdgeIDs)
	}
	if got := len(eng.Graph().ListEdges()); got != 2 {
		t.Errorf("expected 2 edges on graph, got %d", got)
	}

	w, err := eng.Graph().GetWidget("sticky-note-1")
	if err != nil {
		t.Fatalf("widget not on graph: %v", err)
	}
	if w.Inputs["text"] != "one" {
		t.Errorf("expected inputs applied, got %v", w.Inputs)
	}
}

func TestBoardParser_ApplyUnknownKind(t *testing.T) {
	parser := NewBoardParser()

	pb, err := parser.ParseInline(context.Background(), `
board: {
	name: "strict"
}

widgets: {
	a: {slug: "sticky-note"}
}
`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	eng := engine.New(engine.Config{})
	_, err = parser.Apply(pb, eng, ApplyOptions{RegisterMissingKinds: false})
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if !strings.Contains(err.Error(), "unknown kind") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBoardParser_ApplyRejectsInvalidBoard(t *testing.T) {
	parser := NewBoardParser()

	pb, err := parser.ParseInline(context.Background(), `
widgets: {
	a: {slug: "sticky-note"}
}
`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !pb.HasErrors() {
		t.Fatal("expected parse errors")
	}

	eng := engine.New(engine.Config{})
	if _, err := parser.Apply(pb, eng, DefaultApplyOptions()); err == nil {
		t.Fatal("expected apply to reject board with errors")
	}
}

func TestPassThroughAction(t *testing.T) {
	inputs := engine.Values{"text": "hello", "count": 2}

	out, err := passThroughAction(context.Background(), &engine.ActionRequest{
		WidgetID: "sticky-note-1",
		Action:   "refresh",
		Inputs:   inputs,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out["text"] != "hello" || out["count"] != 2 {
		t.Errorf("expected inputs copied to outputs, got %v", out)
	}

	// The copy must be detached from the request inputs.
	out["text"] = "mutated"
	if inputs["text"] != "hello" {
		t.Error("output mutation leaked into inputs")
	}
}

func TestBoardParser_LoadFromDirectory(t *testing.T) {
	parser := NewBoardParser()
	dir := t.TempDir()

	for _, name := range []string{"board.cue", "widgets.cue", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("board: name: \"x\"\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := parser.LoadFromDirectory(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("expected 2 CUE files, got %v", files)
	}
}
