package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// decoder mirrors encoding/json semantics but keeps numbers as
// json.Number.
var decoder = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// Parse decodes a JSON document into a generic tree.
func Parse(data []byte) (any, error) {
	var root any
	if err := decoder.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse JSON document: %w", err)
	}
	return root, nil
}

// ParseYAML decodes a YAML document and normalises it into the same tree
// shape Parse produces.
func ParseYAML(data []byte) (any, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML document: %w", err)
	}
	return normalize(raw, "")
}

// ParseFormat decodes data as "json" or "yaml" ("yml" is accepted). An
// empty format selects JSON when the first non-blank byte opens an
// object or array, and YAML otherwise.
func ParseFormat(data []byte, format string) (any, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return Parse(data)
	case "yaml", "yml":
		return ParseYAML(data)
	case "":
		trimmed := bytes.TrimLeft(data, " \t\r\n")
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
			return Parse(data)
		}
		return ParseYAML(data)
	default:
		return nil, fmt.Errorf("unknown document format %q (want json or yaml)", format)
	}
}

// FormatForPath returns the document format implied by a file name
// extension, or "" when it implies none.
func FormatForPath(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return ""
	}
}

func normalize(v any, path string) (any, error) {
	switch n := v.(type) {
	case nil, bool, string, json.Number:
		return n, nil
	case int:
		return json.Number(strconv.Itoa(n)), nil
	case int64:
		return json.Number(strconv.FormatInt(n, 10)), nil
	case uint64:
		return json.Number(strconv.FormatUint(n, 10)), nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, fmt.Errorf("%s: non-finite number is not representable", pathOrRoot(path))
		}
		return json.Number(strconv.FormatFloat(n, 'g', -1, 64)), nil
	case time.Time:
		return n.Format(time.RFC3339Nano), nil
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			c, err := normalize(e, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, e := range n {
			c, err := normalize(e, joinPath(path, k))
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, e := range n {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%s: map key %v is not a string", pathOrRoot(path), k)
			}
			c, err := normalize(e, joinPath(path, ks))
			if err != nil {
				return nil, err
			}
			out[ks] = c
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s: unsupported YAML value of type %T", pathOrRoot(path), v)
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func pathOrRoot(path string) string {
	if path == "" {
		return "<root>"
	}
	return path
}
