package protocol

import "github.com/urja-ai/voicedesk/pkg/gateway/live/registry"

// Server events. Each carries its own Type so the broadcast layer can marshal
// without knowing message internals.

// Sync is the snapshot-on-join event: a late-joining observer reconstructs
// full current state from it instead of replaying history.
type Sync struct {
	Type        string                `json:"type"`
	Sessions    []registry.Session    `json:"sessions"`
	Escalations []registry.Escalation `json:"escalations"`
}

func NewSync(sessions []registry.Session, escalations []registry.Escalation) Sync {
	return Sync{Type: TypeSync, Sessions: sessions, Escalations: escalations}
}

type SessionStarted struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind"`
}

type SessionEnded struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type AudioAck struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	ChunkIndex int64  `json:"chunkIndex"`
}

type ProcessingStarted struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type TranscriptUpdate struct {
	Type       string   `json:"type"`
	SessionID  string   `json:"sessionId"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	IsFinal    bool     `json:"isFinal"`
	Filtered   bool     `json:"filtered,omitempty"`
}

type ChatAck struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId,omitempty"`
}

type ChatProcessing struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type ChatResponse struct {
	Type      string   `json:"type"`
	SessionID string   `json:"sessionId"`
	Text      string   `json:"text"`
	Sentiment *float64 `json:"sentiment,omitempty"`
}

type ChatResponseEnd struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type ToolActivation struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Name      string         `json:"name"`
	Args      map[string]any `json:"args,omitempty"`
}

type EscalationTriggered struct {
	Type       string              `json:"type"`
	Escalation registry.Escalation `json:"escalation"`
}

type EscalationExists struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	EscalationID string `json:"escalationId"`
}

type EscalationNew struct {
	Type       string              `json:"type"`
	Escalation registry.Escalation `json:"escalation"`
}

type EscalationUpdated struct {
	Type       string              `json:"type"`
	Escalation registry.Escalation `json:"escalation"`
}

type EscalationResolved struct {
	Type       string              `json:"type"`
	Escalation registry.Escalation `json:"escalation"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

func NewError(code, message string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Code: code, Message: message}
}
