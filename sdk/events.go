package voicedesk

import (
	"encoding/json"

	"github.com/urja-ai/voicedesk/pkg/gateway/live/registry"
)

// CallEvent is emitted by Call.Events(). Switch on the concrete type.
type CallEvent interface {
	callEventType() string
}

// CallStateEvent reports a state machine transition.
type CallStateEvent struct {
	From  CallState
	To    CallState
	Cause string
}

func (e CallStateEvent) callEventType() string { return "state" }

// CallTranscriptEvent carries a transcript update for the caller's speech.
type CallTranscriptEvent struct {
	Text       string
	Confidence *float64
	IsFinal    bool
	Filtered   bool
}

func (e CallTranscriptEvent) callEventType() string { return "transcript" }

// CallResponseEvent carries one assistant reply.
type CallResponseEvent struct {
	Text      string
	Sentiment *float64
}

func (e CallResponseEvent) callEventType() string { return "response" }

// CallToolEvent reports a tool the assistant activated.
type CallToolEvent struct {
	Name string
	Args map[string]any
}

func (e CallToolEvent) callEventType() string { return "tool" }

// CallEscalationEvent reports escalation lifecycle changes for this session.
type CallEscalationEvent struct {
	Escalation registry.Escalation
}

func (e CallEscalationEvent) callEventType() string { return "escalation" }

// CallErrorEvent carries a gateway ERROR frame.
type CallErrorEvent struct {
	Code    string
	Message string
	Param   string
}

func (e CallErrorEvent) callEventType() string { return "error" }

// CallEndedEvent is the final event before the channel closes.
type CallEndedEvent struct {
	Reason string
}

func (e CallEndedEvent) callEventType() string { return "ended" }

// CallUnknownEvent preserves frames this SDK version does not recognize.
type CallUnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e CallUnknownEvent) callEventType() string { return e.Type }
