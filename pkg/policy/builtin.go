package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		executionTimeoutsPolicy(),
		sandboxRequiredPolicy(),
		remoteContentPinningPolicy(),
		inlineContentSizePolicy(),
		memoryLimitPolicy(),
	}
}

// executionTimeoutsPolicy requires every transformation to declare a
// timeout and enforces a ceiling on it.
func executionTimeoutsPolicy() Policy {
	return Policy{
		Name:        "execution-timeouts",
		Description: "Requires an execution timeout on every transformation and caps it at 5 minutes",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"execution", "limits"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package slateboard.policies.timeouts

import rego.v1

# Timeout values travel as integer nanoseconds.
max_timeout_ns := 300000000000

deny contains violation if {
	input.transformation
	input.transformation.execution.timeout == 0
	violation := {
		"message": "transformation must declare an execution timeout",
		"severity": "error",
		"rule": "timeout_required",
	}
}

deny contains violation if {
	input.transformation
	timeout := input.transformation.execution.timeout
	timeout > max_timeout_ns
	violation := {
		"message": sprintf("execution timeout of %dns exceeds the 5 minute ceiling", [timeout]),
		"severity": "error",
		"rule": "timeout_ceiling",
	}
}
`,
	}
}

// sandboxRequiredPolicy rejects privileged capabilities on unsandboxed
// transformations.
func sandboxRequiredPolicy() Policy {
	return Policy{
		Name:        "sandbox-required",
		Description: "Requires sandboxed execution for transformations granted network or subprocess capabilities",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"capabilities", "isolation"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package slateboard.policies.sandbox

import rego.v1

privileged := {"net:outbound", "exec:subprocess"}

deny contains violation if {
	input.transformation
	some cap in input.transformation.execution.allowed_capabilities
	cap in privileged
	not input.transformation.execution.sandboxed
	violation := {
		"message": sprintf("capability %s requires sandboxed execution", [cap]),
		"severity": "critical",
		"rule": "sandbox_required",
	}
}
`,
	}
}

// remoteContentPinningPolicy requires a content hash on any
// transformation whose code is fetched rather than inlined.
func remoteContentPinningPolicy() Policy {
	return Policy{
		Name:        "remote-content-pinning",
		Description: "Requires url and iri content sources to pin a sha256 content hash",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"content", "integrity"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package slateboard.policies.pinning

import rego.v1

remote_sources := {"url", "iri"}

deny contains violation if {
	input.transformation
	input.transformation.content_source in remote_sources
	not input.transformation.content_hash
	violation := {
		"message": sprintf("%s content must pin a sha256 content hash", [input.transformation.content_source]),
		"severity": "error",
		"rule": "hash_required",
	}
}
`,
	}
}

// inlineContentSizePolicy flags oversized inline source code.
func inlineContentSizePolicy() Policy {
	return Policy{
		Name:        "inline-content-size",
		Description: "Flags inline source code over 64KiB that should be published as pinned remote content",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"content", "hygiene"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package slateboard.policies.inline

import rego.v1

max_inline_length := 65536

deny contains violation if {
	input.transformation
	input.transformation.content_source == "inline"
	length := count(input.transformation.source_code)
	length > max_inline_length
	violation := {
		"message": sprintf("inline source code length %d exceeds %d, publish it as pinned url content instead", [length, max_inline_length]),
		"severity": "warning",
		"rule": "inline_size",
	}
}
`,
	}
}

// memoryLimitPolicy recommends a memory limit on sandboxed execution.
func memoryLimitPolicy() Policy {
	return Policy{
		Name:        "memory-limits",
		Description: "Recommends an explicit memory limit for sandboxed transformations",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"execution", "limits"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package slateboard.policies.memory

import rego.v1

deny contains violation if {
	input.transformation
	input.transformation.execution.sandboxed
	not input.transformation.execution.memory_limit_bytes
	violation := {
		"message": "sandboxed execution should declare a memory limit",
		"severity": "warning",
		"rule": "memory_limit_recommended",
	}
}
`,
	}
}
