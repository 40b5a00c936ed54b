// Package config provides CUE board definition parsing and YAML runtime
// settings for the slateboard execution engine.
//
// # Overview
//
// The config package implements the configuration surface of slateboard:
// board files written in CUE describe widgets and the connections between
// them, and a YAML settings file describes how this installation runs
// boards. Parsed boards are applied onto an engine, which assigns widget
// IDs and wires the dependency graph.
//
// # Features
//
//   - CUE board parsing from files, directories, and inline content
//   - Schema validation with built-in schemas for boards, widgets, and connections
//   - Cross-declaration checks: name uniqueness, connection endpoints, transformation descriptors
//   - Error reporting with file locations and line numbers
//   - Board application onto a running engine, preserving declaration order
//   - YAML runtime settings with defaults and struct-tag validation
//
// # Components
//
// BoardParser: Main parser for CUE board files. Parse collects every
// validation problem into ParsedBoard.Errors so callers can report them all
// at once; Apply registers kinds, widgets, and connections on an engine.
//
// SchemaRegistry: Manages CUE schemas for validation. Provides built-in
// schemas for board declarations and supports custom schema registration.
//
// Settings: Operator-facing runtime configuration loaded from YAML, with
// conversions to the provenance, fetch, transformer, and telemetry
// configurations.
//
// # Usage Example
//
//	parser := config.NewBoardParser()
//
//	parsed, err := parser.Parse(ctx, []string{"board.cue"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if parsed.HasErrors() {
//	    for _, e := range parsed.Errors {
//	        fmt.Println(e.Message)
//	    }
//	    return
//	}
//
//	result, err := parser.Apply(parsed, eng, config.DefaultApplyOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rootID := result.WidgetIDs["source"]
//
// # Board File Structure
//
// A board file declares board metadata, widgets, and connections:
//
//	board: {
//	    name: "render-pipeline"
//	    version: "1.0"
//	}
//
//	widgets: {
//	    source: {
//	        slug: "sticky-note"
//	        title: "Source of truth"
//	        inputs: {text: "hello"}
//	    }
//	    display: {
//	        slug: "title-card"
//	    }
//	}
//
//	connections: [
//	    {
//	        source: "source"
//	        source_slot: "text"
//	        target: "display"
//	        target_slot: "heading"
//	        transformation: {
//	            content_type: "starlark"
//	            content_source: "inline"
//	            source_code: """
//	                def transform(input):
//	                    return {"value": input["value"].upper()}
//	                """
//	        }
//	    },
//	]
//
// Widgets may also be declared as a list with explicit name fields. In both
// forms declaration order is preserved: it determines widget ID assignment
// and the tie-break between otherwise unordered plan steps.
//
// # Runtime Settings
//
// Settings live in a separate YAML file (slate.yaml by default) and cover
// concerns a board should not decide for itself: worker counts, database
// location, SSH credentials for sftp fetches, sandbox memory limits, the
// installation-wide capability ceiling, and telemetry.
//
// # Error Handling
//
// All parsing and validation errors include location information:
//
//	ValidationError{
//	    File: "board.cue",
//	    Line: 42,
//	    Column: 5,
//	    Path: "connections[0].transformation",
//	    Message: "inline transformation requires source_code",
//	    Severity: "error",
//	}
//
// # Thread Safety
//
// BoardParser and SchemaRegistry are safe for concurrent use. Settings is a
// plain data struct; load it once and treat it as read-only.
package config
