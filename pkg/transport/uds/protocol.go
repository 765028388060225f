package uds

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/modoterra/logkit/pkg/core"
	"github.com/modoterra/logkit/pkg/highlight"
)

var reqCounter atomic.Uint64

// MsgType identifies the kind of message.
type MsgType string

const (
	MsgTypeReq MsgType = "req"
	MsgTypeRes MsgType = "res"
	MsgTypeEvt MsgType = "evt"
)

// Message is the NDJSON envelope for all communication.
type Message struct {
	Type   MsgType         `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NewRequest creates a new request message with a unique ID.
func NewRequest(method string, data any) (Message, error) {
	id := fmt.Sprintf("req-%d", reqCounter.Add(1))
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Message{}, err
		}
		raw = b
	}
	return Message{
		Type:   MsgTypeReq,
		ID:     id,
		Method: method,
		Data:   raw,
	}, nil
}

// NewResponse creates a response to a request.
func NewResponse(reqID, method string, data any) (Message, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Message{}, err
		}
		raw = b
	}
	return Message{
		Type:   MsgTypeRes,
		ID:     reqID,
		Method: method,
		Data:   raw,
	}, nil
}

// NewErrorResponse creates an error response.
func NewErrorResponse(reqID, method, errMsg string) Message {
	return Message{
		Type:   MsgTypeRes,
		ID:     reqID,
		Method: method,
		Error:  errMsg,
	}
}

// NewEvent creates a server-pushed event.
func NewEvent(method string, data any) (Message, error) {
	id := fmt.Sprintf("evt-%d", reqCounter.Add(1))
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Message{}, err
		}
		raw = b
	}
	return Message{
		Type:   MsgTypeEvt,
		ID:     id,
		Method: method,
		Data:   raw,
	}, nil
}

// UnmarshalData decodes the message payload into v.
func (m Message) UnmarshalData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Method)
	}
	return json.Unmarshal(m.Data, v)
}

// Methods
const (
	MethodPing         = "Ping"
	MethodListDevices  = "ListDevices"
	MethodStartCapture = "StartCapture"
	MethodStopCapture  = "StopCapture"
	MethodListSessions = "ListSessions"
	MethodLogsSince    = "LogsSince"
	MethodSamples      = "Samples"
	MethodSetKeywords  = "SetKeywords"
	MethodSaveLogs     = "SaveLogs"
	MethodSystrace     = "Systrace"

	EventDevicesDelta  = "devices.delta"
	EventLogsLine      = "logs.line"
	EventSamplesUpdate = "samples.update"
)

// PingResponse is the response to a Ping request.
type PingResponse struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version,omitempty"`
}

// CaptureRequest selects a device and package. An empty serial picks the
// only attached device; an empty package uses the daemon's manifest.
type CaptureRequest struct {
	Serial  string `json:"serial,omitempty"`
	Package string `json:"package,omitempty"`
}

// SessionInfo describes a capture session.
type SessionInfo struct {
	ID              string `json:"id"`
	Serial          string `json:"serial"`
	Package         string `json:"package"`
	StartedAtUnixMs int64  `json:"started_at_unix_ms"`
	LastSeq         uint64 `json:"last_seq"`
	Buffered        int    `json:"buffered"`
	Restarts        int    `json:"restarts"`
	Streaming       bool   `json:"streaming"`
}

// LogsSinceRequest asks for buffered lines with Seq greater than AfterSeq.
type LogsSinceRequest struct {
	Serial   string `json:"serial"`
	AfterSeq uint64 `json:"after_seq"`
	Limit    int    `json:"limit,omitempty"`
}

// LogsSinceResponse carries buffered lines in Seq order.
type LogsSinceResponse struct {
	Lines   []core.LogLine `json:"lines"`
	LastSeq uint64         `json:"last_seq"`
}

// SamplesRequest selects the session whose samples are returned.
type SamplesRequest struct {
	Serial string `json:"serial"`
}

// SamplesResponse carries the sample window of a session.
type SamplesResponse struct {
	Serial  string        `json:"serial"`
	Package string        `json:"package"`
	Samples []core.Sample `json:"samples"`
}

// SetKeywordsRequest replaces the highlight rules. Exactly one of Inline
// ("error:red,warning:yellow"), Path (a keyword JSON file) or Rules is used,
// in that order of precedence. SaveTo optionally persists the result.
type SetKeywordsRequest struct {
	Inline string           `json:"inline,omitempty"`
	Path   string           `json:"path,omitempty"`
	Rules  []highlight.Rule `json:"rules,omitempty"`
	SaveTo string           `json:"save_to,omitempty"`
}

// SetKeywordsResponse reports the applied rules or why they were rejected.
type SetKeywordsResponse struct {
	OK     bool             `json:"ok"`
	Errors []string         `json:"errors,omitempty"`
	Rules  []highlight.Rule `json:"rules,omitempty"`
}

// SaveLogsRequest writes a session's buffered lines to a host file.
// Format is "text" (default) or "html".
type SaveLogsRequest struct {
	Serial string `json:"serial"`
	Path   string `json:"path"`
	Format string `json:"format,omitempty"`
}

// SaveLogsResponse reports what was written.
type SaveLogsResponse struct {
	Path  string `json:"path"`
	Lines int    `json:"lines"`
}

// SystraceRequest starts a systrace capture on a device.
type SystraceRequest struct {
	Serial      string   `json:"serial,omitempty"`
	DurationSec int      `json:"duration_sec,omitempty"`
	BufferKB    int      `json:"buffer_kb,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	Output      string   `json:"output,omitempty"`
}

// SystraceResponse carries the host path of the pulled trace.
type SystraceResponse struct {
	Path string `json:"path"`
}

// DevicesDelta is the payload of a devices.delta event.
type DevicesDelta struct {
	Added   []core.Device `json:"added,omitempty"`
	Updated []core.Device `json:"updated,omitempty"`
	Removed []string      `json:"removed,omitempty"`
}

// HasChanges returns true if the delta contains any changes.
func (d DevicesDelta) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Updated) > 0 || len(d.Removed) > 0
}
