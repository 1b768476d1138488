package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, validates and defaults a study manifest from path.
//
// The format follows the extension (.yaml/.yml or .json). Other extensions
// are tried as YAML, then JSON.
func Load(path string) (*Manifest, error) {
	return LoadWithDefaults(path, BuiltinDefaults())
}

// LoadWithDefaults is Load with caller-supplied study defaults.
func LoadWithDefaults(path string, d Defaults) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return nil, fmt.Errorf("manifest file not found: %s", path)
		case os.IsPermission(err):
			return nil, fmt.Errorf("permission denied reading manifest: %s", path)
		default:
			return nil, fmt.Errorf("failed to read manifest file: %w", err)
		}
	}
	m, err := decode(data, path)
	if err != nil {
		return nil, err
	}
	m.ApplyDefaultsFrom(d)
	return m, nil
}

// LoadFromReader reads a manifest from r. path is only used for format
// detection and messages.
func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes validates the raw document against the schema before
// decoding it, so unknown fields are rejected rather than dropped.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	m, err := decode(data, path)
	if err != nil {
		return nil, err
	}
	m.ApplyDefaults()
	return m, nil
}

func decode(data []byte, path string) (*Manifest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	format := formatOf(path)
	jsonData, err := normalize(data, format)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	// jsonData is canonical JSON regardless of the source format.
	var m Manifest
	if err := json.Unmarshal(jsonData, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

type sourceFormat int

const (
	formatUnknown sourceFormat = iota
	formatJSON
	formatYAML
)

func formatOf(path string) sourceFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatUnknown
	}
}

// normalize converts the document to JSON for schema validation.
func normalize(data []byte, format sourceFormat) ([]byte, error) {
	switch format {
	case formatJSON:
		if !json.Valid(data) {
			var raw any
			err := json.Unmarshal(data, &raw)
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return data, nil
	case formatYAML:
		return yamlToJSON(data)
	default:
		out, err := yamlToJSON(data)
		if err == nil {
			return out, nil
		}
		if json.Valid(data) {
			return data, nil
		}
		return nil, fmt.Errorf("failed to parse manifest (tried YAML and JSON): %w", err)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert manifest to JSON: %w", err)
	}
	return out, nil
}
