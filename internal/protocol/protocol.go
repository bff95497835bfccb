package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type identifies the kind of one protocol message.
type Type string

const (
	// TypeRecord carries one row of stream data.
	TypeRecord Type = "RECORD"
	// TypeState carries a checkpoint the destination acknowledges after persisting prior records.
	TypeState Type = "STATE"
	// TypeTrace carries error and stream-status diagnostics.
	TypeTrace Type = "TRACE"
	// TypeLog carries a free-form log line.
	TypeLog Type = "LOG"
	// TypeConnectionStatus carries the result of a check command.
	TypeConnectionStatus Type = "CONNECTION_STATUS"
)

const (
	// StateTypeStream scopes a checkpoint to one stream.
	StateTypeStream = "STREAM"
	// StateTypeGlobal scopes a checkpoint to the whole sync.
	StateTypeGlobal = "GLOBAL"

	// TraceTypeError marks an error trace.
	TraceTypeError = "ERROR"
	// TraceTypeStreamStatus marks a stream status trace.
	TraceTypeStreamStatus = "STREAM_STATUS"

	// FailureTypeSystemError is reported for connector-side failures.
	FailureTypeSystemError = "system_error"
	// FailureTypeConfigError is reported for invalid user configuration.
	FailureTypeConfigError = "config_error"

	// StreamStatusStarted reports a stream began emitting.
	StreamStatusStarted = "STARTED"
	// StreamStatusComplete reports a stream finished successfully.
	StreamStatusComplete = "COMPLETE"
	// StreamStatusIncomplete reports a stream ended early.
	StreamStatusIncomplete = "INCOMPLETE"

	// ConnectionSucceeded reports a passing check.
	ConnectionSucceeded = "SUCCEEDED"
	// ConnectionFailed reports a failing check.
	ConnectionFailed = "FAILED"
)

// ErrMalformedMessage indicates a line that is not one valid protocol message.
var ErrMalformedMessage = errors.New("malformed protocol message")

// Message is one unit of the destination stdin/stdout protocol.
type Message struct {
	Type             Type              `json:"type"`
	Record           *RecordMessage    `json:"record,omitempty"`
	State            *StateMessage     `json:"state,omitempty"`
	Trace            *TraceMessage     `json:"trace,omitempty"`
	Log              *LogMessage       `json:"log,omitempty"`
	ConnectionStatus *ConnectionStatus `json:"connectionStatus,omitempty"`
}

// RecordMessage is one row for a stream.
type RecordMessage struct {
	Namespace string          `json:"namespace,omitempty"`
	Stream    string          `json:"stream"`
	Data      json.RawMessage `json:"data"`
	EmittedAt int64           `json:"emitted_at"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	File      *FileReference  `json:"file,omitempty"`
}

// FileReference points at a file staged next to the record in file-transfer mode.
type FileReference struct {
	FileURL          string `json:"file_url"`
	FileRelativePath string `json:"file_relative_path,omitempty"`
	Bytes            int64  `json:"bytes,omitempty"`
}

// StreamDescriptor names a stream.
type StreamDescriptor struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}

// StreamState is the per-stream part of a checkpoint.
type StreamState struct {
	StreamDescriptor StreamDescriptor `json:"stream_descriptor"`
	StreamState      json.RawMessage  `json:"stream_state,omitempty"`
}

// Stats carries record counts attached to a checkpoint.
type Stats struct {
	RecordCount float64 `json:"recordCount"`
}

// StateMessage is one checkpoint.
type StateMessage struct {
	Type             string          `json:"type,omitempty"`
	Stream           *StreamState    `json:"stream,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
	SourceStats      *Stats          `json:"sourceStats,omitempty"`
	DestinationStats *Stats          `json:"destinationStats,omitempty"`
}

// ErrorTrace describes one failure.
type ErrorTrace struct {
	Message         string `json:"message"`
	InternalMessage string `json:"internal_message,omitempty"`
	FailureType     string `json:"failure_type,omitempty"`
}

// StreamStatusTrace reports the status of one stream.
type StreamStatusTrace struct {
	StreamDescriptor StreamDescriptor `json:"stream_descriptor"`
	Status           string           `json:"status"`
}

// TraceMessage carries diagnostics.
type TraceMessage struct {
	Type         string             `json:"type"`
	EmittedAt    float64            `json:"emitted_at"`
	Error        *ErrorTrace        `json:"error,omitempty"`
	StreamStatus *StreamStatusTrace `json:"stream_status,omitempty"`
}

// LogMessage is a connector log line.
type LogMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ConnectionStatus is the check command result.
type ConnectionStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Serialize renders one message as a single-line JSON record without a trailing newline.
func Serialize(message Message) (string, error) {
	if err := message.Validate(); err != nil {
		return "", err
	}
	encoded, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("encode %s message: %w", message.Type, err)
	}
	return string(encoded), nil
}

// Parse decodes one serialized line.
func Parse(line string) (Message, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Message{}, fmt.Errorf("%w: empty line", ErrMalformedMessage)
	}

	decoder := json.NewDecoder(bytes.NewReader([]byte(line)))
	var message Message
	if err := decoder.Decode(&message); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if decoder.More() {
		return Message{}, fmt.Errorf("%w: trailing data after message", ErrMalformedMessage)
	}
	if err := message.Validate(); err != nil {
		return Message{}, err
	}
	return message, nil
}

// Validate checks that the payload matching Type is present.
func (m Message) Validate() error {
	var present bool
	switch m.Type {
	case TypeRecord:
		present = m.Record != nil
	case TypeState:
		present = m.State != nil
	case TypeTrace:
		present = m.Trace != nil
	case TypeLog:
		present = m.Log != nil
	case TypeConnectionStatus:
		present = m.ConnectionStatus != nil
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrMalformedMessage, m.Type)
	}
	if !present {
		return fmt.Errorf("%w: %s message without payload", ErrMalformedMessage, m.Type)
	}
	return nil
}

// NewRecord builds a record message emitted now.
func NewRecord(namespace, stream string, data json.RawMessage) Message {
	return Message{
		Type: TypeRecord,
		Record: &RecordMessage{
			Namespace: namespace,
			Stream:    stream,
			Data:      data,
			EmittedAt: time.Now().UnixMilli(),
		},
	}
}

// NewStreamState builds a per-stream checkpoint.
func NewStreamState(namespace, stream string, state json.RawMessage) Message {
	return Message{
		Type: TypeState,
		State: &StateMessage{
			Type: StateTypeStream,
			Stream: &StreamState{
				StreamDescriptor: StreamDescriptor{Name: stream, Namespace: namespace},
				StreamState:      state,
			},
		},
	}
}

// NewErrorTrace builds an error trace.
func NewErrorTrace(message, internal, failureType string) Message {
	return Message{
		Type: TypeTrace,
		Trace: &TraceMessage{
			Type:      TraceTypeError,
			EmittedAt: float64(time.Now().UnixMilli()),
			Error: &ErrorTrace{
				Message:         message,
				InternalMessage: internal,
				FailureType:     failureType,
			},
		},
	}
}

// NewStreamStatus builds a stream status trace.
func NewStreamStatus(namespace, stream, status string) Message {
	return Message{
		Type: TypeTrace,
		Trace: &TraceMessage{
			Type:      TraceTypeStreamStatus,
			EmittedAt: float64(time.Now().UnixMilli()),
			StreamStatus: &StreamStatusTrace{
				StreamDescriptor: StreamDescriptor{Name: stream, Namespace: namespace},
				Status:           status,
			},
		},
	}
}

// NewLog builds a log message.
func NewLog(level, message string) Message {
	return Message{Type: TypeLog, Log: &LogMessage{Level: level, Message: message}}
}

// NewConnectionStatus builds a check result.
func NewConnectionStatus(status, message string) Message {
	return Message{Type: TypeConnectionStatus, ConnectionStatus: &ConnectionStatus{Status: status, Message: message}}
}
