package transform

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/slateboard/slateboard/pkg/engine"
)

// checksumPattern matches pinned "sha256:<hex>" digests.
var checksumPattern = regexp.MustCompile(`^sha256:[0-9a-fA-F]{64}$`)

// Manifest is a parsed runtime module manifest with its module path
// resolved. Pinned modules are runtimes distributed outside the engine
// binary, typically WASM; the manifest pins their content hash.
type Manifest struct {
	// Raw is the manifest data as read from disk.
	Raw *engine.TransformerManifest

	// Path is the file the manifest was loaded from.
	Path string

	// ModulePath is the resolved location of the module binary.
	ModulePath string

	// Verified reports whether the module bytes matched the pinned
	// checksum. Set by LoadModule.
	Verified bool

	// ConfigSchema is the parsed config schema, when the manifest carries
	// one.
	ConfigSchema map[string]interface{}
}

// LoadManifest reads and validates a runtime module manifest from a JSON
// file. The entrypoint is resolved relative to the manifest's directory
// and must exist.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError("failed to read manifest", err).
			WithCode(engine.ErrCodeValidation)
	}

	var raw engine.TransformerManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, engine.NewPermanentError("failed to parse manifest", err).
			WithCode(engine.ErrCodeValidation)
	}

	if err := validateManifest(&raw); err != nil {
		return nil, err
	}

	m := &Manifest{Raw: &raw, Path: path}

	if len(raw.ConfigSchema) > 0 {
		var schema map[string]interface{}
		if err := json.Unmarshal(raw.ConfigSchema, &schema); err != nil {
			return nil, engine.NewPermanentError("failed to parse config schema", err).
				WithCode(engine.ErrCodeValidation)
		}
		m.ConfigSchema = schema
	}

	if err := m.resolveModulePath(); err != nil {
		return nil, err
	}

	return m, nil
}

// LoadModule reads the module bytes and verifies them against the pinned
// checksum. The bytes are never returned on a mismatch.
func (m *Manifest) LoadModule() ([]byte, error) {
	data, err := os.ReadFile(m.ModulePath)
	if err != nil {
		return nil, engine.NewPermanentError("failed to read module", err).
			WithCode(engine.ErrCodeValidation)
	}
	if err := engine.VerifyChecksum(data, m.Raw.Checksum); err != nil {
		return nil, err
	}
	m.Verified = true
	return data, nil
}

// validateManifest checks the basic structure of a manifest.
func validateManifest(raw *engine.TransformerManifest) error {
	if raw.Metadata.Name == "" {
		return validationError("runtime name is required")
	}
	if raw.Metadata.Version == "" {
		return validationError("runtime version is required")
	}
	if raw.Metadata.ContentType == "" {
		return validationError("content type is required")
	}
	if raw.Entrypoint == "" {
		return validationError("entrypoint is required")
	}
	if raw.Checksum == "" {
		return validationError("checksum is required for pinned modules")
	}
	if !checksumPattern.MatchString(raw.Checksum) {
		return validationError(fmt.Sprintf("invalid checksum format: %q", raw.Checksum))
	}
	for _, c := range raw.Metadata.RequiredCapabilities {
		if _, err := ParseCapability(string(c)); err != nil {
			return err
		}
	}
	return nil
}

// resolveModulePath resolves the entrypoint to an existing file.
func (m *Manifest) resolveModulePath() error {
	if filepath.IsAbs(m.Raw.Entrypoint) {
		m.ModulePath = m.Raw.Entrypoint
	} else {
		m.ModulePath = filepath.Join(filepath.Dir(m.Path), m.Raw.Entrypoint)
	}

	if _, err := os.Stat(m.ModulePath); err != nil {
		return engine.NewPermanentError(
			fmt.Sprintf("module not found at %s", m.ModulePath), err).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func validationError(msg string) error {
	return engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeValidation)
}
