package registry

import "time"

const (
	KindVoice = "voice"
	KindChat  = "chat"
)

const (
	SenderUser   = "user"
	SenderBot    = "bot"
	SenderSystem = "system"
)

// LowConfidenceThreshold is the recognition confidence floor below which a
// user turn counts toward an escalation's low-confidence metric.
const LowConfidenceThreshold = 0.70

// Turn is one utterance in a session's transcript. Immutable once appended;
// confidence is recorded from the recognition result at append time and never
// recomputed.
type Turn struct {
	Sender     string    `json:"sender"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence *float64  `json:"confidence,omitempty"`
	Tool       string    `json:"tool,omitempty"`
	Sentiment  *float64  `json:"sentiment,omitempty"`
}

// AudioChunk is one buffered piece of inbound audio, tagged with the sender's
// explicit sequence index so reordered arrivals can be corrected at drain.
type AudioChunk struct {
	Index int64
	Data  []byte
}

// Session is a point-in-time snapshot of one live conversation. Store methods
// return copies; mutating a snapshot never touches store state.
type Session struct {
	ID        string    `json:"sessionId"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
	Turns     []Turn    `json:"turns"`
}

type EscalationStatus string

const (
	StatusPending    EscalationStatus = "pending"
	StatusInProgress EscalationStatus = "in-progress"
	StatusResolved   EscalationStatus = "resolved"
)

// Metrics are derived statistics over an escalation's frozen history.
type Metrics struct {
	TotalTurns         int     `json:"totalTurns"`
	UserTurns          int     `json:"userTurns"`
	BotTurns           int     `json:"botTurns"`
	LowConfidenceCount int     `json:"lowConfidenceCount"`
	AvgConfidence      float64 `json:"avgConfidence"`
}

// Contact carries optional customer callback details collected before handoff.
type Contact struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Escalation is a request to hand a session to a human agent, with the turn
// history frozen at the moment of escalation.
type Escalation struct {
	ID         string           `json:"escalationId"`
	SessionID  string           `json:"sessionId"`
	Kind       string           `json:"kind"`
	Reason     string           `json:"reason"`
	Status     EscalationStatus `json:"status"`
	CreatedAt  time.Time        `json:"createdAt"`
	ResolvedAt *time.Time       `json:"resolvedAt,omitempty"`
	ResolvedBy string           `json:"resolvedBy,omitempty"`
	History    []Turn           `json:"history"`
	Metrics    Metrics          `json:"metrics"`
	Contact    *Contact         `json:"contact,omitempty"`
	Summary    string           `json:"summary,omitempty"`
}

func cloneTurns(turns []Turn) []Turn {
	if len(turns) == 0 {
		return []Turn{}
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
