// Package provider defines the upstream AI boundary: generation and
// transcription. Every adapter reports upstream failure as ErrUnavailable so
// the dispatcher can activate its degraded path; no call here may stall a
// live session beyond its context deadline.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/urja-ai/voicedesk/pkg/gateway/live/registry"
)

// ErrUnavailable marks an upstream AI failure. It is always recovered locally
// via the degraded path and never surfaced to the end user as a failure.
var ErrUnavailable = errors.New("provider unavailable")

type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type Reply struct {
	Text      string
	Sentiment float64
	ToolCall  *ToolCall
}

type Transcript struct {
	Text       string
	Confidence float64
	IsFinal    bool
}

// Generation produces an assistant reply for a session given the latest user
// input and the conversation so far.
type Generation interface {
	Generate(ctx context.Context, sessionID, input string, history []registry.Turn) (Reply, error)
}

// Transcription converts audio to text. Transcribe handles one streamed chunk
// (partial result); TranscribeAll handles the combined utterance after
// AUDIO_END (final result with confidence).
type Transcription interface {
	Transcribe(ctx context.Context, sessionID string, chunk []byte) (Transcript, error)
	TranscribeAll(ctx context.Context, sessionID string, audio []byte) (Transcript, error)
}

const retryBase = 200 * time.Millisecond

// GenerateWithRetry gives the upstream one bounded second chance before the
// caller degrades. The context deadline still caps total time.
func GenerateWithRetry(ctx context.Context, g Generation, sessionID, input string, history []registry.Turn) (Reply, error) {
	var reply Reply
	backoff := retry.WithMaxRetries(1, retry.NewFibonacci(retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, genErr := g.Generate(ctx, sessionID, input, history)
		if genErr != nil {
			return retry.RetryableError(genErr)
		}
		reply = r
		return nil
	})
	return reply, err
}

// TranscribeAllWithRetry mirrors GenerateWithRetry for final transcription.
func TranscribeAllWithRetry(ctx context.Context, t Transcription, sessionID string, audio []byte) (Transcript, error) {
	var out Transcript
	backoff := retry.WithMaxRetries(1, retry.NewFibonacci(retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		tr, trErr := t.TranscribeAll(ctx, sessionID, audio)
		if trErr != nil {
			return retry.RetryableError(trErr)
		}
		out = tr
		return nil
	})
	return out, err
}
