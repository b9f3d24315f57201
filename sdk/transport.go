package voicedesk

import "context"

// MediaTransport abstracts the device audio path so the call state machine
// stays testable without sound hardware. Start is called once the call
// reaches the listening state; Stop must be safe to call more than once.
type MediaTransport interface {
	Start(ctx context.Context) error
	Stop()
}

// NopMediaTransport is for chat-only calls and tests.
type NopMediaTransport struct{}

func (NopMediaTransport) Start(context.Context) error { return nil }
func (NopMediaTransport) Stop()                       {}
