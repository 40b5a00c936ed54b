package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"github.com/slateboard/slateboard/pkg/engine"
)

// BoardParser parses and validates CUE board definition files.
type BoardParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewBoardParser creates a new board parser.
func NewBoardParser() *BoardParser {
	return &BoardParser{
		ctx:            cuecontext.New(),
		schemaRegistry: NewSchemaRegistry(),
		validator:      validator.New(),
	}
}

// Parse parses a board definition from the given sources. Sources may be CUE
// files or directories; multiple sources are unified into a single board.
// Validation problems are reported through ParsedBoard.Errors rather than the
// error return, so callers can surface all of them at once.
func (bp *BoardParser) Parse(ctx context.Context, sources []string) (*ParsedBoard, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var (
		merged      cue.Value
		sourceFiles []string
		problems    []ValidationError
	)
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var (
			val   cue.Value
			files []string
			errs  []ValidationError
		)
		if info.IsDir() {
			val, files, errs = bp.loadDirectory(source)
		} else {
			val, errs = bp.loadFile(source)
			files = []string{source}
		}

		problems = append(problems, errs...)
		sourceFiles = append(sourceFiles, files...)

		if !val.Exists() {
			continue
		}
		if merged.Exists() {
			merged = merged.Unify(val)
		} else {
			merged = val
		}
	}

	if merged.Exists() {
		if err := merged.Err(); err != nil {
			problems = append(problems, bp.convertCUEErrors(err)...)
		}
	}
	if len(problems) > 0 {
		return &ParsedBoard{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      problems,
		}, nil
	}

	return bp.extractBoard(merged, sourceFiles)
}

// ParseInline parses inline CUE board content.
func (bp *BoardParser) ParseInline(ctx context.Context, content string) (*ParsedBoard, error) {
	val := bp.ctx.CompileString(content)
	if err := val.Err(); err != nil {
		return &ParsedBoard{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      bp.convertCUEErrors(err),
		}, nil
	}

	return bp.extractBoard(val, []string{"inline"})
}

// loadDirectory loads a directory as a CUE package.
func (bp *BoardParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	insts := load.Instances([]string{dir}, nil)
	if len(insts) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files in directory",
			Severity: "error",
		}}
	}

	inst := insts[0]
	if inst.Err != nil {
		return cue.Value{}, nil, bp.convertCUEErrors(inst.Err)
	}

	val := bp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, bp.convertCUEErrors(err)
	}

	files := make([]string, 0, len(inst.Files))
	for _, f := range inst.Files {
		if f.Filename != "" {
			files = append(files, f.Filename)
		}
	}
	return val, files, nil
}

// loadFile loads a single CUE file.
func (bp *BoardParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read board file: %v", err),
			Severity: "error",
		}}
	}

	val := bp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, bp.convertCUEErrors(err)
	}
	return val, nil
}

// addError records a problem found under a CUE path.
func (p *ParsedBoard) addError(path, message string) {
	p.Errors = append(p.Errors, ValidationError{
		Path:     path,
		Message:  message,
		Severity: "error",
	})
}

// extractBoard extracts the board definition from a CUE value.
func (bp *BoardParser) extractBoard(val cue.Value, sourceFiles []string) (*ParsedBoard, error) {
	parsed := &ParsedBoard{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	boardVal := val.LookupPath(cue.ParsePath("board"))
	if !boardVal.Exists() {
		parsed.addError("board", "board block is required")
	} else {
		var board BoardConfig
		if err := boardVal.Decode(&board); err != nil {
			parsed.addError("board", fmt.Sprintf("failed to decode board: %v", err))
		} else if err := bp.validator.Struct(board); err != nil {
			parsed.addError("board", err.Error())
		} else {
			parsed.Board = board
		}
	}

	bp.extractWidgets(val, parsed)
	bp.extractConnections(val, parsed)
	bp.crossValidate(parsed)

	return parsed, nil
}

// extractWidgets collects widget declarations. Widgets can be declared as a
// struct keyed by name or as a list. Declaration order is preserved either
// way; it determines the order widgets are added to the engine, and with it
// ID assignment.
func (bp *BoardParser) extractWidgets(val cue.Value, parsed *ParsedBoard) {
	widgetsVal := val.LookupPath(cue.ParsePath("widgets"))
	if !widgetsVal.Exists() {
		return
	}

	switch widgetsVal.Kind() {
	case cue.StructKind:
		iter, err := widgetsVal.Fields(cue.All())
		if err != nil {
			parsed.addError("widgets", fmt.Sprintf("failed to iterate widgets: %v", err))
			return
		}
		for iter.Next() {
			name := selectorName(iter.Selector())
			widget, err := bp.extractWidget(name, iter.Value())
			if err != nil {
				parsed.addError(fmt.Sprintf("widgets.%s", name), err.Error())
				continue
			}
			parsed.Widgets = append(parsed.Widgets, widget)
		}
	case cue.ListKind:
		list, err := widgetsVal.List()
		if err != nil {
			parsed.addError("widgets", fmt.Sprintf("failed to list widgets: %v", err))
			return
		}
		for idx := 0; list.Next(); idx++ {
			widget, err := bp.extractWidget("", list.Value())
			if err != nil {
				parsed.addError(fmt.Sprintf("widgets[%d]", idx), err.Error())
				continue
			}
			parsed.Widgets = append(parsed.Widgets, widget)
		}
	default:
		parsed.addError("widgets", "widgets must be a struct or a list")
	}
}

// extractConnections collects connection declarations. Connections are a
// list, and declaration order matters: it is the tie-break the scheduler
// uses when plan steps are otherwise unordered.
func (bp *BoardParser) extractConnections(val cue.Value, parsed *ParsedBoard) {
	connsVal := val.LookupPath(cue.ParsePath("connections"))
	if !connsVal.Exists() {
		return
	}

	if connsVal.Kind() != cue.ListKind {
		parsed.addError("connections", "connections must be a list")
		return
	}
	list, err := connsVal.List()
	if err != nil {
		parsed.addError("connections", fmt.Sprintf("failed to list connections: %v", err))
		return
	}
	for idx := 0; list.Next(); idx++ {
		conn, err := bp.extractConnection(list.Value())
		if err != nil {
			parsed.addError(fmt.Sprintf("connections[%d]", idx), err.Error())
			continue
		}
		parsed.Connections = append(parsed.Connections, conn)
	}
}

// extractWidget extracts a widget declaration from a CUE value.
func (bp *BoardParser) extractWidget(name string, val cue.Value) (WidgetConfig, error) {
	var widget WidgetConfig

	if err := val.Decode(&widget); err != nil {
		return widget, fmt.Errorf("failed to decode widget: %w", err)
	}

	// If the name comes from the struct key and not the value, use the key.
	if widget.Name == "" && name != "" {
		widget.Name = name
	}

	if err := bp.validator.Struct(widget); err != nil {
		return widget, fmt.Errorf("validation failed: %w", err)
	}

	return widget, nil
}

// extractConnection extracts a connection declaration from a CUE value.
func (bp *BoardParser) extractConnection(val cue.Value) (ConnectionConfig, error) {
	var conn ConnectionConfig

	if err := val.Decode(&conn); err != nil {
		return conn, fmt.Errorf("failed to decode connection: %w", err)
	}

	if err := bp.validator.Struct(conn); err != nil {
		return conn, fmt.Errorf("validation failed: %w", err)
	}

	return conn, nil
}

// crossValidate checks relationships that span declarations: widget name
// uniqueness, connection endpoints, and transformation descriptors. Problems
// are appended to parsed.Errors.
func (bp *BoardParser) crossValidate(parsed *ParsedBoard) {
	names := make(map[string]bool, len(parsed.Widgets))
	for i := range parsed.Widgets {
		name := parsed.Widgets[i].Name
		if names[name] {
			parsed.addError(fmt.Sprintf("widgets.%s", name), fmt.Sprintf("duplicate widget name %q", name))
		}
		names[name] = true
	}

	for i := range parsed.Connections {
		conn := &parsed.Connections[i]
		path := fmt.Sprintf("connections[%d]", i)

		if !names[conn.Source] {
			parsed.addError(path, fmt.Sprintf("source references undeclared widget %q", conn.Source))
		}
		if !names[conn.Target] {
			parsed.addError(path, fmt.Sprintf("target references undeclared widget %q", conn.Target))
		}
		if conn.Source == conn.Target {
			parsed.addError(path, "source and target must be different widgets")
		}

		// Dry-run the engine conversion so content source, timeout, and
		// capability mistakes surface at parse time rather than at apply.
		if conn.Transformation != nil {
			if _, err := conn.Transformation.ToEngine(); err != nil {
				parsed.addError(path+".transformation", err.Error())
			}
		}
	}
}

// Apply registers the parsed board on an engine: kinds first, then widgets in
// declaration order, then connections in declaration order. The returned
// result maps board-local names to the engine-assigned widget IDs.
func (bp *BoardParser) Apply(parsed *ParsedBoard, eng *engine.Engine, opts ApplyOptions) (*ApplyResult, error) {
	if parsed.HasErrors() {
		return nil, fmt.Errorf("board has %d validation errors", len(parsed.Errors))
	}

	result := &ApplyResult{
		WidgetIDs: make(map[string]string, len(parsed.Widgets)),
	}

	for i := range parsed.Widgets {
		wc := &parsed.Widgets[i]

		if !eng.Registry().HasKind(wc.Slug) {
			if !opts.RegisterMissingKinds {
				return nil, fmt.Errorf("widget %s: unknown kind %q", wc.Name, wc.Slug)
			}
			action := opts.DefaultAction
			if action == "" {
				action = "refresh"
			}
			reg := &engine.Registration{
				Slug:            wc.Slug,
				InputSchemaRef:  wc.InputSchemaRef,
				OutputSchemaRef: wc.OutputSchemaRef,
				Actions: map[string]engine.ActionFunc{
					action: passThroughAction,
				},
			}
			if err := eng.RegisterKind(reg); err != nil {
				return nil, fmt.Errorf("register kind %s: %w", wc.Slug, err)
			}
			result.RegisteredKinds = append(result.RegisteredKinds, wc.Slug)
		}

		w, err := eng.Graph().AddWidget(wc.Slug, wc.Title, wc.Inputs)
		if err != nil {
			return nil, fmt.Errorf("add widget %s: %w", wc.Name, err)
		}
		result.WidgetIDs[wc.Name] = w.ID
	}

	for i := range parsed.Connections {
		cc := &parsed.Connections[i]

		sourceID := result.WidgetIDs[cc.Source]
		targetID := result.WidgetIDs[cc.Target]

		var t *engine.Transformation
		if cc.Transformation != nil {
			var err error
			t, err = cc.Transformation.ToEngine()
			if err != nil {
				return nil, fmt.Errorf("connection %s -> %s: %w", cc.Source, cc.Target, err)
			}
		}

		conn, err := eng.Graph().AddEdge(sourceID, cc.SourceSlot, targetID, cc.TargetSlot, t)
		if err != nil {
			return nil, fmt.Errorf("connect %s -> %s: %w", cc.Source, cc.Target, err)
		}
		result.EdgeIDs = append(result.EdgeIDs, conn.ID)
	}

	return result, nil
}

// passThroughAction copies a widget's inputs to its outputs unchanged. Kinds
// auto-registered during apply get it as their only action so data still
// flows through widgets the host application has not bound a handler to.
func passThroughAction(ctx context.Context, req *engine.ActionRequest) (engine.Values, error) {
	return req.Inputs.Clone(), nil
}

// convertCUEErrors flattens a CUE error list into ValidationErrors with
// source positions where CUE tracked them.
func (bp *BoardParser) convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Message:  errors.Details(e, nil),
			Severity: "error",
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

// selectorName returns the field name for a struct key, without quotes for
// string labels such as "title-card".
func selectorName(sel cue.Selector) string {
	if sel.LabelType() == cue.StringLabel {
		return sel.Unquoted()
	}
	return sel.String()
}

// ValidateWithSchema validates data against a registered schema.
func (bp *BoardParser) ValidateWithSchema(ctx context.Context, data interface{}, schemaName string) error {
	return bp.schemaRegistry.ValidateAgainstSchema(ctx, schemaName, data)
}

// GetSchemaRegistry returns the schema registry.
func (bp *BoardParser) GetSchemaRegistry() *SchemaRegistry {
	return bp.schemaRegistry
}

// LoadFromDirectory lists all CUE files under a directory.
func (bp *BoardParser) LoadFromDirectory(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return files, nil
}
