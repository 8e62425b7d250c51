package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Load reads an index artifact from disk, sniffing the encoding from the
// file extension: .json / .json.gz-free JSON document, or a sqlite
// database (anything else). The loaded artifact is validated before
// return; a validation failure must abort startup.
func Load(path string) (*Artifact, error) {
	var (
		art *Artifact
		err error
	)
	if strings.HasSuffix(path, ".json") {
		art, err = loadJSON(path)
	} else {
		art, err = loadSQLite(path)
	}
	if err != nil {
		return nil, err
	}
	if err := art.Validate(); err != nil {
		return nil, fmt.Errorf("index artifact %s: %w", path, err)
	}
	return art, nil
}

func loadJSON(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read index artifact: %w", err)
	}
	var art Artifact
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&art); err != nil {
		return nil, fmt.Errorf("failed to decode index artifact: %w", err)
	}
	return &art, nil
}

// WriteJSON serializes an artifact as a single JSON document. Primarily
// used by the index pack command and the round-trip tests.
func WriteJSON(path string, art *Artifact) error {
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode index artifact: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write index artifact: %w", err)
	}
	return nil
}
