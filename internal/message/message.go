// Package message defines the typed envelopes carried by the network:
// direct, broadcast, and mod-scoped messages, plus parsing, validation,
// and thread-key derivation.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type discriminates the three envelope variants on the wire.
type Type string

const (
	TypeDirect    Type = "direct_message"
	TypeBroadcast Type = "broadcast_message"
	TypeMod       Type = "mod_message"
)

// Direction of a mod message relative to the network.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionBoth     Direction = "both"
)

// ThreadKeyBroadcast is the single thread key shared by all broadcasts.
const ThreadKeyBroadcast = "broadcast_message"

// ErrBadEnvelope marks envelope validation failures. Callers match it with
// errors.Is and report the wrapped detail back to the message source.
var ErrBadEnvelope = errors.New("bad envelope")

// Envelope is a validated message. Which optional fields are set depends on
// the Type: direct messages carry TargetAgentID; mod messages carry Mod,
// Direction, and RelevantAgentID.
type Envelope struct {
	ID                 string         `json:"message_id"`
	SenderID           string         `json:"sender_id"`
	Timestamp          float64        `json:"timestamp"` // sender clock, seconds
	Type               Type           `json:"message_type"`
	Protocol           string         `json:"protocol,omitempty"` // owning-mod identifier; never consulted for routing
	TextRepresentation string         `json:"text_representation,omitempty"`
	RequiresResponse   bool           `json:"requires_response,omitempty"`
	Content            map[string]any `json:"content"`
	Metadata           map[string]any `json:"metadata,omitempty"`

	// Direct only.
	TargetAgentID string `json:"target_agent_id,omitempty"`

	// Mod only.
	Mod             string    `json:"mod,omitempty"`
	Direction       Direction `json:"direction,omitempty"`
	RelevantAgentID string    `json:"relevant_agent_id,omitempty"`
}

// now returns the sender clock reading in seconds.
func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// NewDirect constructs a direct message from sender to target.
func NewDirect(senderID, targetID string, content map[string]any) *Envelope {
	return &Envelope{
		ID:            uuid.NewString(),
		SenderID:      senderID,
		Timestamp:     now(),
		Type:          TypeDirect,
		Content:       content,
		TargetAgentID: targetID,
	}
}

// NewBroadcast constructs a broadcast message from sender to all other agents.
func NewBroadcast(senderID string, content map[string]any) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		Timestamp: now(),
		Type:      TypeBroadcast,
		Content:   content,
	}
}

// NewMod constructs a mod-scoped message owned by the named mod.
func NewMod(senderID, mod string, direction Direction, relevantAgentID string, content map[string]any) *Envelope {
	return &Envelope{
		ID:              uuid.NewString(),
		SenderID:        senderID,
		Timestamp:       now(),
		Type:            TypeMod,
		Content:         content,
		Mod:             mod,
		Direction:       direction,
		RelevantAgentID: relevantAgentID,
	}
}

// Validate checks the envelope invariants for its variant.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing message_id", ErrBadEnvelope)
	}
	if e.SenderID == "" {
		return fmt.Errorf("%w: missing sender_id", ErrBadEnvelope)
	}
	switch e.Type {
	case TypeDirect:
		if e.TargetAgentID == "" {
			return fmt.Errorf("%w: direct message missing target_agent_id", ErrBadEnvelope)
		}
	case TypeBroadcast:
		// no variant-specific fields
	case TypeMod:
		if e.Mod == "" {
			return fmt.Errorf("%w: mod message missing mod", ErrBadEnvelope)
		}
		if e.RelevantAgentID == "" {
			return fmt.Errorf("%w: mod message missing relevant_agent_id", ErrBadEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown message_type %q", ErrBadEnvelope, e.Type)
	}
	return nil
}

// Parse decodes a wire object into an Envelope, discriminating on
// message_type and validating the result.
//
// Mod messages may arrive with the logical body nested under a "payload"
// key (mods embed their body inside a generic envelope wrapper); those
// fields are flattened into the envelope before validation. Top-level
// fields win over payload fields. Direct and broadcast messages never use
// payload nesting.
func Parse(data []byte) (*Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	var mt Type
	if v, ok := raw["message_type"]; ok {
		if err := json.Unmarshal(v, &mt); err != nil {
			return nil, fmt.Errorf("%w: bad message_type: %v", ErrBadEnvelope, err)
		}
	}

	if mt == TypeMod {
		if pv, ok := raw["payload"]; ok {
			var payload map[string]json.RawMessage
			if err := json.Unmarshal(pv, &payload); err != nil {
				return nil, fmt.Errorf("%w: bad payload: %v", ErrBadEnvelope, err)
			}
			delete(raw, "payload")
			for k, v := range payload {
				if _, exists := raw[k]; !exists {
					raw[k] = v
				}
			}
			var err error
			if data, err = json.Marshal(raw); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
			}
		}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// ThreadKey returns the thread this envelope belongs to from the point of
// view of selfID. Direct threads are keyed by the non-self endpoint.
func ThreadKey(e *Envelope, selfID string) string {
	switch e.Type {
	case TypeDirect:
		peer := e.TargetAgentID
		if peer == selfID {
			peer = e.SenderID
		}
		return "direct_message:" + peer
	case TypeMod:
		return "mod_message:" + e.Mod
	default:
		return ThreadKeyBroadcast
	}
}

// Clone returns a shallow copy with fresh Content and Metadata maps, so a
// pipeline stage can annotate a message without mutating the original.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	if e.Content != nil {
		cp.Content = make(map[string]any, len(e.Content))
		for k, v := range e.Content {
			cp.Content[k] = v
		}
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
