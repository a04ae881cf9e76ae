package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type format int

const (
	formatJSON format = iota
	formatYAML
)

// formatOf picks the decoder from the file extension. Unknown extensions
// are sniffed: a document starting with '{' is JSON, anything else YAML.
func formatOf(path string, data []byte) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return formatJSON
	}
	return formatYAML
}

// toJSON turns a YAML document into JSON so both formats share the strict
// json decoder and the json struct tags. JSON input is returned unchanged.
func toJSON(path string, data []byte) ([]byte, error) {
	if formatOf(path, data) == formatJSON {
		return data, nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if len(doc.Content) == 0 {
		return []byte("{}"), nil
	}
	var tree any
	if err := doc.Content[0].Decode(&tree); err != nil {
		return nil, fmt.Errorf("%s: line %d: %w", filepath.Base(path), doc.Content[0].Line, err)
	}
	out, err := json.Marshal(jsonable(tree))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// jsonable rewrites non-string map keys (yaml allows `1: x`) as strings.
func jsonable(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = jsonable(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = jsonable(v)
		}
		return x
	case []any:
		for i, v := range x {
			x[i] = jsonable(v)
		}
		return x
	}
	return in
}
