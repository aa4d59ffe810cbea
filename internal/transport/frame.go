package transport

import (
	"encoding/json"
	"fmt"

	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/message"
)

// FrameType enumerates the frames the wire carries. Anything else is
// rejected at decode time.
type FrameType string

const (
	FrameHello          FrameType = "hello"
	FrameHelloAck       FrameType = "hello_ack"
	FrameError          FrameType = "error"
	FrameMessage        FrameType = "message"
	FrameSystemRequest  FrameType = "system_request"
	FrameSystemResponse FrameType = "system_response"
	FramePing           FrameType = "ping"
	FramePong           FrameType = "pong"
)

// Wire error codes carried in error frames.
const (
	CodeUndeliverable             = "Undeliverable"
	CodeModUnknown                = "ModUnknown"
	CodeBadEnvelope               = "BadEnvelope"
	CodeAgentIDInUse              = "AgentIDInUse"
	CodeInvalidCertificate        = "InvalidCertificate"
	CodeExpiredCertificate        = "ExpiredCertificate"
	CodeConnectionLost            = "ConnectionLost"
	CodeIdentityServerUnavailable = "IdentityServerUnavailable"
	CodeBadRequest                = "BadRequest"
)

// validTypes is the decode-time allowlist.
var validTypes = map[FrameType]bool{
	FrameHello:          true,
	FrameHelloAck:       true,
	FrameError:          true,
	FrameMessage:        true,
	FrameSystemRequest:  true,
	FrameSystemResponse: true,
	FramePing:           true,
	FramePong:           true,
}

// Frame is the unit the transport moves: a small header plus one body.
type Frame struct {
	Type          FrameType       `json:"frame_type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Body          json.RawMessage `json:"body,omitempty"`
}

// Hello opens a connection: the peer declares its agent ID and metadata,
// plus a certificate when reconnecting under a previously claimed ID.
type Hello struct {
	AgentID     string                `json:"agent_id"`
	Metadata    map[string]any        `json:"metadata,omitempty"`
	Certificate *identity.Certificate `json:"certificate,omitempty"`
}

// HelloAck is the admission decision. SessionKey carries the responder's
// ephemeral public key when the connection negotiates an encryption
// session (the initiator's key rides in Hello.Metadata under
// "session_key").
type HelloAck struct {
	Accepted    bool                  `json:"accepted"`
	Reason      string                `json:"reason,omitempty"`
	Certificate *identity.Certificate `json:"certificate,omitempty"`
	SessionKey  string                `json:"session_key,omitempty"`
}

// ErrorBody is the body of an error frame.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SystemRequest asks the service to run a system command.
type SystemRequest struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

// SystemResponse answers a SystemRequest over the same connection with a
// matching correlation ID.
type SystemResponse struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NewFrame builds a frame with the given body marshalled to JSON.
func NewFrame(t FrameType, body any) (*Frame, error) {
	f := &Frame{Type: t}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", t, err)
		}
		f.Body = data
	}
	return f, nil
}

// MessageFrame wraps an envelope in a message frame.
func MessageFrame(env *message.Envelope) (*Frame, error) {
	return NewFrame(FrameMessage, env)
}

// ErrorFrame builds an error frame, carrying the correlation ID of the
// frame it answers when there is one.
func ErrorFrame(code, msg, correlationID string) *Frame {
	f, _ := NewFrame(FrameError, ErrorBody{Code: code, Message: msg})
	f.CorrelationID = correlationID
	return f
}

// DecodeFrame parses and checks a wire frame. The frame type must be one of
// the enumerated values; message-bearing bodies must be JSON objects.
// Envelope-level validation happens in the service so a bad envelope can be
// answered with an error frame instead of tearing the connection down.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if !validTypes[f.Type] {
		return nil, fmt.Errorf("unknown frame_type %q", f.Type)
	}
	switch f.Type {
	case FrameHello, FrameHelloAck, FrameMessage, FrameSystemRequest, FrameSystemResponse, FrameError:
		if len(f.Body) == 0 {
			return nil, fmt.Errorf("%s frame has no body", f.Type)
		}
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(f.Body, &probe); err != nil {
			return nil, fmt.Errorf("%s body is not an object: %w", f.Type, err)
		}
	}
	return &f, nil
}

// DecodeBody unmarshals the frame body into v.
func (f *Frame) DecodeBody(v any) error {
	if len(f.Body) == 0 {
		return fmt.Errorf("%s frame has no body", f.Type)
	}
	return json.Unmarshal(f.Body, v)
}

// Envelope parses the body of a message frame.
func (f *Frame) Envelope() (*message.Envelope, error) {
	if f.Type != FrameMessage {
		return nil, fmt.Errorf("frame is %s, not message", f.Type)
	}
	return message.Parse(f.Body)
}
