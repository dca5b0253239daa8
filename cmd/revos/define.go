package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/growthpigs/bravo-revos-sub004/pkg/schema"
)

// loadDefinition reads a workflow definition from a .json, .yaml or .yml
// file. YAML is normalised to JSON first so both formats decode through
// the same struct tags.
func loadDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return parseDefinition(data, filepath.Ext(path))
}

func parseDefinition(data []byte, ext string) (*schema.WorkflowDefinition, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml definition: %w", err)
		}
		if doc == nil {
			return nil, fmt.Errorf("parse yaml definition: empty document")
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("normalise yaml definition: %w", err)
		}
		return decodeDefinition(data)
	default:
		return decodeDefinition(data)
	}
}

func decodeDefinition(data []byte) (*schema.WorkflowDefinition, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var def schema.WorkflowDefinition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	return &def, nil
}
