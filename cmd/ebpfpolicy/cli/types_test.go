package cli_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-ebpfpolicy/cmd/ebpfpolicy/cli"
)

func TestParseKeyValue(t *testing.T) {
	tests := []struct {
		input       string
		key, value  string
		errContains string
	}{
		{input: "a=b", key: "a", value: "b"},
		{input: " a =b", key: "a", value: "b"},
		{input: "a=", key: "a", value: ""},
		{input: "a=b=c", key: "a", value: "b=c"},
		{input: "ab", errContains: "expected KEY=VALUE"},
		{input: "=b", errContains: "expected KEY=VALUE"},
		{input: " =b", errContains: "key cannot be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			kv, err := cli.ParseKeyValue(tt.input)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, cli.KeyValue{Key: tt.key, Value: tt.value}, kv)
		})
	}
}

func TestKeyValueMap_LaterPairsWin(t *testing.T) {
	assert.Nil(t, cli.KeyValueMap(nil))
	assert.Equal(t, map[string]string{"a": "2", "b": "1"}, cli.KeyValueMap([]cli.KeyValue{
		{Key: "a", Value: "1"},
		{Key: "b", Value: "1"},
		{Key: "a", Value: "2"},
	}))
}

func TestParseDocumentPath(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(file, []byte("ConfigList: []\n"), 0644))

	tests := []struct {
		name        string
		input       string
		errContains string
	}{
		{name: "file", input: file},
		{name: "stdin", input: "-"},
		{name: "empty", input: " ", errContains: "cannot be empty"},
		{name: "directory", input: dir, errContains: "is a directory"},
		{name: "missing", input: filepath.Join(dir, "absent.json"), errContains: "no such file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cli.ParseDocumentPath(tt.input)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestDocumentPath_Format(t *testing.T) {
	tests := []struct {
		path, explicit, want string
	}{
		{"a.json", "", "json"},
		{"a.YML", "", "yaml"},
		{"a.yaml", "json", "json"},
		{"a.conf", "", ""},
		{"-", "", ""},
		{"-", "yaml", "yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.path+"/"+tt.explicit, func(t *testing.T) {
			assert.Equal(t, tt.want, cli.DocumentPath{Path: tt.path}.Format(tt.explicit))
		})
	}
}

func TestDocumentPath_ReadStdin(t *testing.T) {
	data, err := cli.DocumentPath{Path: "-"}.Read(strings.NewReader("doc"))
	require.NoError(t, err)
	assert.Equal(t, "doc", string(data))

	_, err = cli.DocumentPath{Path: "-"}.Read(nil)
	assert.Error(t, err)
}

func TestParseActivationID(t *testing.T) {
	id, err := cli.ParseActivationID(" 6f1b6a52-2d4c-4d55-9a43-0c3c7d0a9f10 ")
	require.NoError(t, err)
	assert.Equal(t, "6f1b6a52-2d4c-4d55-9a43-0c3c7d0a9f10", id.Value.String())

	_, err = cli.ParseActivationID("")
	assert.ErrorContains(t, err, "cannot be empty")
	_, err = cli.ParseActivationID("42")
	assert.ErrorContains(t, err, "invalid activation ID")
}

func TestOutputFlags(t *testing.T) {
	tests := []struct {
		output string
		format cli.OutputFormat
		expr   string
	}{
		{"table", cli.OutputFormatTable, ""},
		{"json", cli.OutputFormatJSON, ""},
		{"jsonpath={.id}", cli.OutputFormatJSONPath, "{.id}"},
		{"jsonpath=", cli.OutputFormatTable, ""},
		{"yaml", cli.OutputFormatTable, ""},
	}
	for _, tt := range tests {
		t.Run(tt.output, func(t *testing.T) {
			f := cli.OutputFlags{Output: tt.output}
			assert.Equal(t, tt.format, f.Format())
			assert.Equal(t, tt.expr, f.JSONPathExpr())
		})
	}
}
