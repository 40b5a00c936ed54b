// Command remap is a wasm transformation module that reshapes a value map.
// The host pipes one JSON document into stdin:
//
//	{"data": {...}, "config": {...}}
//
// and reads the transformed object back from stdout. The config drives the
// reshaping:
//
//	rename    map of source key to output key
//	keep      keys to retain after renaming (empty keeps everything)
//	defaults  values added for keys still missing
//
// Build with: GOOS=wasip1 GOARCH=wasm go build -o remap.wasm .
package main

import (
	"encoding/json"
	"fmt"
	"os"
)

type moduleInput struct {
	Data   map[string]interface{} `json:"data"`
	Config remapConfig            `json:"config"`
}

type remapConfig struct {
	Rename   map[string]string      `json:"rename,omitempty"`
	Keep     []string               `json:"keep,omitempty"`
	Defaults map[string]interface{} `json:"defaults,omitempty"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var in moduleInput
	if err := json.NewDecoder(os.Stdin).Decode(&in); err != nil {
		return fmt.Errorf("failed to decode input: %w", err)
	}

	out := remap(in.Data, in.Config)

	if err := json.NewEncoder(os.Stdout).Encode(out); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

// remap applies renames, fills defaults, and filters to the kept keys.
func remap(data map[string]interface{}, cfg remapConfig) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for key, value := range data {
		if to, ok := cfg.Rename[key]; ok {
			key = to
		}
		out[key] = value
	}

	for key, value := range cfg.Defaults {
		if _, ok := out[key]; !ok {
			out[key] = value
		}
	}

	if len(cfg.Keep) == 0 {
		return out
	}
	kept := make(map[string]interface{}, len(cfg.Keep))
	for _, key := range cfg.Keep {
		if value, ok := out[key]; ok {
			kept[key] = value
		}
	}
	return kept
}
