// Package cli provides the Kong-based command-line interface for ebpfpolicy.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/frobware/go-ebpfpolicy/schema"
)

// KeyValue represents a KEY=VALUE pair.
type KeyValue struct {
	Key   string
	Value string
}

// ParseKeyValue parses a KEY=VALUE string.
func ParseKeyValue(s string) (KeyValue, error) {
	idx := strings.Index(s, "=")
	if idx <= 0 {
		return KeyValue{}, fmt.Errorf("invalid format %q: expected KEY=VALUE", s)
	}

	key := strings.TrimSpace(s[:idx])
	if key == "" {
		return KeyValue{}, fmt.Errorf("invalid format %q: key cannot be empty", s)
	}

	return KeyValue{
		Key:   key,
		Value: s[idx+1:],
	}, nil
}

// KeyValueMap converts a slice of KeyValue to a map. Later pairs win.
func KeyValueMap(kvs []KeyValue) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}

// DocumentPath names a policy or configuration document on disk, or
// standard input when the path is "-".
type DocumentPath struct {
	Path string
}

// ParseDocumentPath validates that s names a readable regular file or
// is "-".
func ParseDocumentPath(s string) (DocumentPath, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DocumentPath{}, fmt.Errorf("document path cannot be empty")
	}
	if s == "-" {
		return DocumentPath{Path: s}, nil
	}

	info, err := os.Stat(s)
	if err != nil {
		return DocumentPath{}, fmt.Errorf("document %q: %w", s, err)
	}
	if info.IsDir() {
		return DocumentPath{}, fmt.Errorf("document %q is a directory", s)
	}
	return DocumentPath{Path: s}, nil
}

// IsStdin reports whether the document is read from standard input.
func (d DocumentPath) IsStdin() bool {
	return d.Path == "-"
}

// Read returns the document contents, reading stdin for "-".
func (d DocumentPath) Read(stdin io.Reader) ([]byte, error) {
	if d.IsStdin() {
		if stdin == nil {
			return nil, fmt.Errorf("no standard input available")
		}
		return io.ReadAll(stdin)
	}
	return os.ReadFile(d.Path)
}

// Format returns the explicit format if set, otherwise the format
// implied by the file extension. Empty means detect from content.
func (d DocumentPath) Format(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if d.IsStdin() {
		return ""
	}
	return schema.FormatForPath(d.Path)
}

// ActivationID wraps an activation UUID.
type ActivationID struct {
	Value uuid.UUID
}

// ParseActivationID parses an activation UUID.
func ParseActivationID(s string) (ActivationID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ActivationID{}, fmt.Errorf("activation ID cannot be empty")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return ActivationID{}, fmt.Errorf("invalid activation ID %q: %w", s, err)
	}
	return ActivationID{Value: id}, nil
}

// configName is the file name without directory or extension.
func configName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
