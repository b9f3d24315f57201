// Package guard decides when a conversation should stop fighting the audio
// channel or the customer's mood and hand off to a human.
package guard

import (
	"strings"
	"sync"
)

const (
	// StrikeConfidenceThreshold is the recognition confidence below which a
	// final transcript counts as a strike against the audio channel.
	StrikeConfidenceThreshold = 0.50
	// StrikeLimit is the number of consecutive strikes that trigger handoff.
	StrikeLimit = 2

	// SentimentEscalationThreshold auto-escalates when a generated reply's
	// sentiment estimate drops to or below it.
	SentimentEscalationThreshold = 0.30

	// MinAcceptConfidence filters transcripts too uncertain to act on.
	MinAcceptConfidence = 0.70
	// MinTranscriptLength filters transcripts too short to be speech.
	MinTranscriptLength = 3
)

const (
	ReasonAudioQuality = "audio_quality_escalation"
	ReasonLowSentiment = "low_sentiment"
)

// EscalationMessage is the canned handoff line spoken before transferring.
const EscalationMessage = "I am having trouble helping you effectively. To make sure you get the right support, I am connecting you to a human agent now. Please hold on."

// Handoff tracks consecutive low-confidence transcripts for one session.
// A good transcript resets the count.
type Handoff struct {
	mu      sync.Mutex
	strikes int
}

func NewHandoff() *Handoff {
	return &Handoff{}
}

// Observe feeds one final-transcript confidence to the guard and reports
// whether handoff should fire now. Firing resets the counter so a retried
// session starts fresh.
func (h *Handoff) Observe(confidence float64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if confidence >= StrikeConfidenceThreshold {
		h.strikes = 0
		return false
	}
	h.strikes++
	if h.strikes >= StrikeLimit {
		h.strikes = 0
		return true
	}
	return false
}

func (h *Handoff) Strikes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.strikes
}

// ShouldEscalateSentiment reports whether a reply's sentiment is low enough to
// force a human handoff.
func ShouldEscalateSentiment(sentiment float64) bool {
	return sentiment <= SentimentEscalationThreshold
}

// AcceptTranscript reports whether a final transcript is confident and long
// enough to become a conversation turn. Rejected transcripts are still shown
// to the client as filtered, but never reach the LLM.
func AcceptTranscript(text string, confidence float64) bool {
	if confidence < MinAcceptConfidence {
		return false
	}
	return len(strings.TrimSpace(text)) >= MinTranscriptLength
}
