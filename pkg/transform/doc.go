// Package transform hosts the transformation runtimes and the registry
// that serves them to the engine.
//
// A runtime executes edge transformations for one content type tag. The
// built-in runtimes are:
//
//   - starlark: in-process Starlark scripts (subpackage starlark)
//   - wasm: WASI modules under wazero (subpackage wasm)
//   - subprocess: process-isolated delegation to slate-runner (subpackage
//     subprocess)
//
// The Registry implements engine.TransformerRegistry and optionally
// enforces a capability allowlist at registration time, so a deployment
// can refuse to load runtimes that require capabilities it never grants.
// Pinned runtime modules distributed outside the engine binary are
// described by manifests; LoadManifest reads and verifies them.
package transform
