package provider

import (
	"context"

	"github.com/urja-ai/voicedesk/pkg/gateway/live/registry"
)

// DegradedReply is spoken when generation is unavailable. The event shape the
// client sees is identical to a healthy reply; liveness is preserved even when
// the upstream is down.
const DegradedReply = "Sorry, I am having a little trouble on my end. Could you say that again?"

// DegradedTranscript stands in when final transcription fails; its zero
// confidence keeps it below every acceptance filter.
const DegradedTranscript = "(audio could not be transcribed)"

// CannedGeneration is the degraded-mode Generation used when the real
// upstream raises. Deterministic and instant; a call never hangs on it.
type CannedGeneration struct {
	Reply string
}

func (c CannedGeneration) Generate(context.Context, string, string, []registry.Turn) (Reply, error) {
	text := c.Reply
	if text == "" {
		text = DegradedReply
	}
	return Reply{Text: text, Sentiment: 0.5}, nil
}

// MockTranscription is the degraded-mode Transcription. Partial results are
// empty; the final result carries zero confidence so the guard filters it.
type MockTranscription struct{}

func (MockTranscription) Transcribe(context.Context, string, []byte) (Transcript, error) {
	return Transcript{Text: "", IsFinal: false}, nil
}

func (MockTranscription) TranscribeAll(context.Context, string, []byte) (Transcript, error) {
	return Transcript{Text: DegradedTranscript, Confidence: 0, IsFinal: true}, nil
}
