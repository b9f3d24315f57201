package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/urja-ai/voicedesk/pkg/gateway/live/registry"
)

// Client-originated message types.
const (
	TypeSessionStart      = "SESSION_START"
	TypeSessionEnd        = "SESSION_END"
	TypeAudioData         = "AUDIO_DATA"
	TypeAudioEnd          = "AUDIO_END"
	TypeChatMessage       = "CHAT_MESSAGE"
	TypeEscalate          = "ESCALATE"
	TypeEscalationTake    = "ESCALATION_TAKE"
	TypeEscalationResolve = "ESCALATION_RESOLVE"
	TypeEscalationDelete  = "ESCALATION_DELETE"
)

// Server-originated event types.
const (
	TypeSync                = "SYNC"
	TypeSessionStarted      = "SESSION_STARTED"
	TypeSessionEnded        = "SESSION_ENDED"
	TypeAudioAck            = "AUDIO_ACK"
	TypeProcessingStarted   = "PROCESSING_STARTED"
	TypeTranscriptUpdate    = "TRANSCRIPT_UPDATE"
	TypeChatAck             = "CHAT_ACK"
	TypeChatProcessing      = "CHAT_PROCESSING"
	TypeChatResponse        = "CHAT_RESPONSE"
	TypeChatResponseEnd     = "CHAT_RESPONSE_END"
	TypeToolActivation      = "TOOL_ACTIVATION"
	TypeEscalationTriggered = "ESCALATION_TRIGGERED"
	TypeEscalationExists    = "ESCALATION_EXISTS"
	TypeEscalationNew       = "ESCALATION_NEW"
	TypeEscalationUpdated   = "ESCALATION_UPDATED"
	TypeEscalationResolved  = "ESCALATION_RESOLVED"
	TypeError               = "ERROR"
)

// Error codes carried on ERROR events.
const (
	CodeBadRequest       = "bad_request"
	CodeAlreadyActive    = "already_active"
	CodeNoActiveSession  = "no_active_session"
	CodeEscalationExists = "escalation_exists"
	CodeNotFound         = "not_found"
	CodeTerminalStatus   = "terminal_status"
	CodeInternal         = "internal"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param}
}

type SessionStart struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Kind      string `json:"kind"`
}

type SessionEnd struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type AudioData struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	ChunkIndex int64  `json:"chunkIndex"`
	DataB64    string `json:"data"`
}

type AudioEnd struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type ChatMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	MessageID string `json:"messageId,omitempty"`
}

// Escalate may carry a richer history and precomputed metrics than the
// registry's own transcript; an upstream voice pipeline can hold turns that
// were never mirrored into the registry, and its copy wins.
type Escalate struct {
	Type      string            `json:"type"`
	SessionID string            `json:"sessionId"`
	Reason    string            `json:"reason"`
	History   []registry.Turn   `json:"history,omitempty"`
	Metrics   *registry.Metrics `json:"metrics,omitempty"`
	Contact   *registry.Contact `json:"contact,omitempty"`
	Summary   string            `json:"summary,omitempty"`
}

type EscalationTake struct {
	Type         string `json:"type"`
	EscalationID string `json:"escalationId"`
	TakenBy      string `json:"takenBy"`
}

type EscalationResolve struct {
	Type         string `json:"type"`
	EscalationID string `json:"escalationId"`
	ResolvedBy   string `json:"resolvedBy"`
}

type EscalationDelete struct {
	Type         string `json:"type"`
	EscalationID string `json:"escalationId"`
}

// UnknownMessage preserves an unrecognized type so the dispatcher can log and
// ignore it instead of failing the connection.
type UnknownMessage struct {
	Type string
	Raw  json.RawMessage
}

// DecodeClientMessage parses one inbound frame into its typed form, validating
// required fields. Unknown types are not an error.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeSessionStart:
		var msg SessionStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid SESSION_START", "")
		}
		kind := strings.TrimSpace(msg.Kind)
		if kind != registry.KindVoice && kind != registry.KindChat {
			return nil, badRequest("kind must be voice or chat", "kind")
		}
		msg.Kind = kind
		return msg, nil
	case TypeSessionEnd:
		var msg SessionEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid SESSION_END", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("sessionId is required", "sessionId")
		}
		return msg, nil
	case TypeAudioData:
		var msg AudioData
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid AUDIO_DATA", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("sessionId is required", "sessionId")
		}
		if msg.ChunkIndex < 0 {
			return nil, badRequest("chunkIndex must be >= 0", "chunkIndex")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("data is required", "data")
		}
		return msg, nil
	case TypeAudioEnd:
		var msg AudioEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid AUDIO_END", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("sessionId is required", "sessionId")
		}
		return msg, nil
	case TypeChatMessage:
		var msg ChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid CHAT_MESSAGE", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("sessionId is required", "sessionId")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("text is required", "text")
		}
		return msg, nil
	case TypeEscalate:
		var msg Escalate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid ESCALATE", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("sessionId is required", "sessionId")
		}
		if strings.TrimSpace(msg.Reason) == "" {
			return nil, badRequest("reason is required", "reason")
		}
		return msg, nil
	case TypeEscalationTake:
		var msg EscalationTake
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid ESCALATION_TAKE", "")
		}
		if strings.TrimSpace(msg.EscalationID) == "" {
			return nil, badRequest("escalationId is required", "escalationId")
		}
		if strings.TrimSpace(msg.TakenBy) == "" {
			return nil, badRequest("takenBy is required", "takenBy")
		}
		return msg, nil
	case TypeEscalationResolve:
		var msg EscalationResolve
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid ESCALATION_RESOLVE", "")
		}
		if strings.TrimSpace(msg.EscalationID) == "" {
			return nil, badRequest("escalationId is required", "escalationId")
		}
		if strings.TrimSpace(msg.ResolvedBy) == "" {
			return nil, badRequest("resolvedBy is required", "resolvedBy")
		}
		return msg, nil
	case TypeEscalationDelete:
		var msg EscalationDelete
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid ESCALATION_DELETE", "")
		}
		if strings.TrimSpace(msg.EscalationID) == "" {
			return nil, badRequest("escalationId is required", "escalationId")
		}
		return msg, nil
	default:
		return UnknownMessage{Type: typ, Raw: json.RawMessage(data)}, nil
	}
}
