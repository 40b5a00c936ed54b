// Package policy gates edge transformations behind Open Policy Agent rules.
//
// Every transformation descriptor passes through the engine before its
// content is fetched or executed. Rules are written in Rego; any rule may
// flag a finding, and a finding of severity error or critical denies the
// transformation while info and warning findings only annotate the result.
//
// # Admission
//
// The engine compiles each policy once into a prepared query and reuses it
// for every evaluation, so per-edge admission does not pay for compilation.
// ValidateTransformation builds the input document, runs the enabled
// policies, and reports the combined outcome:
//
//	pe, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := pe.ValidateTransformation(ctx, &engine.Transformation{
//	    ContentType:   "starlark",
//	    ContentSource: engine.ContentSourceInline,
//	    SourceCode:    "def transform(inputs): return inputs",
//	    Execution: engine.ExecutionSpec{
//	        Timeout:   30 * time.Second,
//	        Sandboxed: true,
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Allowed {
//	    for _, v := range result.Violations {
//	        fmt.Printf("%s: %s\n", v.PolicyID, v.Message)
//	    }
//	}
//
// # Built-in Policies
//
// A new engine starts with five rules enabled:
//
//   - execution-timeouts: requires a timeout and caps it at 5 minutes
//   - sandbox-required: privileged capabilities need sandboxed execution
//   - remote-content-pinning: url and iri sources must pin a content hash
//   - inline-content-size: flags oversized inline source code
//   - memory-limits: recommends memory limits for sandboxed execution
//
// Individual rules can be switched off with DisablePolicy, and custom .rego
// or bundle files loaded with LoadPolicies replace or extend the set.
//
// # Writing Policies
//
// A rule sees the transformation descriptor under input.transformation and
// the evaluation circumstances under input.context (edge ID, operation,
// timestamp, dry run). Findings accumulate in a deny set; each entry is
// either a bare string or a map with message, severity, rule, and edge keys:
//
//	package custom.policies.wasm
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.transformation.content_type == "wasm"
//	    input.transformation.content_source == "inline"
//
//	    violation := {
//	        "message": "wasm modules must be pinned remote content, not inline",
//	        "severity": "error",
//	        "rule": "wasm_pinning",
//	    }
//	}
//
// String entries and maps without a severity inherit the policy's default
// severity.
//
// # Watching for Changes
//
// The loader can watch a policy path and rebuild the engine whenever a file
// changes:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, path, func(policies []policy.Policy) error {
//	    if err := pe.ReloadPolicies(ctx); err != nil {
//	        return err
//	    }
//	    return pe.LoadPolicies(ctx, path)
//	})
//
// Watch returns after starting the loop; cancel the context or call
// StopWatching to end it.
package policy
