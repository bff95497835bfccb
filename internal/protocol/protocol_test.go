package protocol

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSerializeProducesSingleLine(t *testing.T) {
	t.Parallel()

	message := NewRecord("public", "users", json.RawMessage(`{"id": 1,
"name": "ada"}`))
	line, err := Serialize(message)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if strings.Contains(line, "\n") {
		t.Fatalf("serialized line contains newline: %q", line)
	}
	if !strings.Contains(line, `"data":{"id":1,"name":"ada"}`) {
		t.Fatalf("serialized record data not compacted: %s", line)
	}
}

func TestParseRoundTripsStateMessage(t *testing.T) {
	t.Parallel()

	line := `{"type":"STATE","state":{"type":"STREAM","stream":{"stream_descriptor":{"name":"users"},"stream_state":{"cursor":42}},"sourceStats":{"recordCount":3}}}`
	message, err := Parse(line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if message.Type != TypeState {
		t.Fatalf("type = %q, want %q", message.Type, TypeState)
	}
	if message.State.Stream.StreamDescriptor.Name != "users" {
		t.Fatalf("stream name = %q, want users", message.State.Stream.StreamDescriptor.Name)
	}
	if message.State.SourceStats.RecordCount != 3 {
		t.Fatalf("source record count = %v, want 3", message.State.SourceStats.RecordCount)
	}

	again, err := Serialize(message)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if again != line {
		t.Fatalf("round trip mismatch:\n got %s\nwant %s", again, line)
	}
}

func TestParseRejectsMalformedLines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
	}{
		{name: "empty", line: "   "},
		{name: "not json", line: "hello world"},
		{name: "missing type", line: `{"record":{"stream":"users","data":{}}}`},
		{name: "unknown type", line: `{"type":"CATALOG"}`},
		{name: "missing payload", line: `{"type":"RECORD"}`},
		{name: "trailing data", line: `{"type":"LOG","log":{"level":"INFO","message":"x"}} extra`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.line)
			if !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("parse error = %v, want ErrMalformedMessage", err)
			}
		})
	}
}

func TestErrorTraceCarriesFailureType(t *testing.T) {
	t.Parallel()

	message := NewErrorTrace("boom", "stack", FailureTypeSystemError)
	if message.Trace.Type != TraceTypeError {
		t.Fatalf("trace type = %q, want %q", message.Trace.Type, TraceTypeError)
	}
	if message.Trace.Error.FailureType != FailureTypeSystemError {
		t.Fatalf("failure type = %q", message.Trace.Error.FailureType)
	}
	if message.Trace.EmittedAt <= 0 {
		t.Fatal("expected emitted_at to be set")
	}
}

func TestLoadCatalogAcceptsYAMLAndJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "catalog.yaml")
	yamlDoc := `streams:
  - stream:
      name: users
      namespace: public
    destination_sync_mode: overwrite
    generation_id: 2
    sync_id: 7
`
	if err := os.WriteFile(yamlPath, []byte(yamlDoc), 0o600); err != nil {
		t.Fatalf("write yaml catalog: %v", err)
	}
	jsonPath := filepath.Join(dir, "catalog.json")
	jsonDoc := `{"streams":[{"stream":{"name":"orders"},"sync_mode":"incremental"}]}`
	if err := os.WriteFile(jsonPath, []byte(jsonDoc), 0o600); err != nil {
		t.Fatalf("write json catalog: %v", err)
	}

	fromYAML, err := LoadCatalog(yamlPath)
	if err != nil {
		t.Fatalf("load yaml catalog: %v", err)
	}
	users, ok := fromYAML.Find("public", "users")
	if !ok {
		t.Fatal("expected users stream in yaml catalog")
	}
	if users.DestinationSyncMode != DestinationSyncModeOverwrite || users.GenerationID != 2 || users.SyncID != 7 {
		t.Fatalf("unexpected users stream: %+v", users)
	}
	if users.SyncMode != SyncModeFullRefresh {
		t.Fatalf("default sync mode = %q, want %q", users.SyncMode, SyncModeFullRefresh)
	}

	fromJSON, err := LoadCatalog(jsonPath)
	if err != nil {
		t.Fatalf("load json catalog: %v", err)
	}
	orders, ok := fromJSON.Find("", "orders")
	if !ok {
		t.Fatal("expected orders stream in json catalog")
	}
	if orders.DestinationSyncMode != DestinationSyncModeAppend {
		t.Fatalf("default destination sync mode = %q, want append", orders.DestinationSyncMode)
	}
}

func TestDecodeCatalogRejectsUnnamedStream(t *testing.T) {
	t.Parallel()

	if _, err := DecodeCatalog([]byte(`streams: [{stream: {namespace: x}}]`)); err == nil {
		t.Fatal("expected unnamed stream error")
	}
}
