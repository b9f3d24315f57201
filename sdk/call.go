// Package voicedesk is the client SDK for the voicedesk gateway. Call wraps
// one live websocket connection in a small state machine so application code
// reasons about call phases instead of wire frames.
package voicedesk

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/urja-ai/voicedesk/pkg/gateway/live/protocol"
	"github.com/urja-ai/voicedesk/pkg/gateway/live/registry"
)

// CallState is the client-side call phase.
type CallState string

const (
	StateIdle       CallState = "idle"
	StateConnecting CallState = "connecting"
	StateListening  CallState = "listening"
	StateProcessing CallState = "processing"
	StateSpeaking   CallState = "speaking"
)

const (
	defaultConnectTimeout  = 3 * time.Second
	defaultDisconnectGrace = 1 * time.Second
	defaultEventBuffer     = 32
)

// End reasons reported on CallEndedEvent.
const (
	EndReasonUserRequested = "user_requested"
	EndReasonIssueResolved = "issue_resolved"
	EndReasonEscalated     = "escalated"
	EndReasonRemote        = "remote_end"
	EndReasonDisconnected  = "disconnected"
)

var errNotListening = fmt.Errorf("call is not listening")

// CallConfig configures one live call.
type CallConfig struct {
	// GatewayURL is the websocket endpoint, e.g. ws://host:8080/v1/live.
	GatewayURL string
	// StateURL is the optional HTTP base (e.g. http://host:8080) used for the
	// session-state polling fallback. Empty disables polling.
	StateURL string

	// SessionID is the session to start. Empty gets a client-generated ID, so
	// the call never adopts another client's SESSION_STARTED broadcast.
	SessionID string
	Kind      string // voice or chat; defaults to voice

	Media MediaTransport

	ConnectTimeout  time.Duration
	DisconnectGrace time.Duration
	// PollInterval enables the polling fallback when StateURL is set. The
	// poller and the websocket read loop share one cancellation path, so a
	// session death noticed on either side tears the call down exactly once.
	PollInterval time.Duration

	EventBuffer int
	HTTPClient  *http.Client
}

func (cfg CallConfig) withDefaults() CallConfig {
	if strings.TrimSpace(cfg.SessionID) == "" {
		cfg.SessionID = "s_" + randHex(8)
	}
	if cfg.Kind == "" {
		cfg.Kind = registry.KindVoice
	}
	if cfg.Media == nil {
		cfg.Media = NopMediaTransport{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = defaultDisconnectGrace
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return cfg
}

// Call is one live session against the gateway.
type Call struct {
	cfg   CallConfig
	conn  *websocket.Conn
	media MediaTransport

	events  chan CallEvent
	done    chan struct{}
	started chan error

	ctx    context.Context
	cancel context.CancelFunc

	writeMu      sync.Mutex
	shutdownOnce sync.Once
	closed       atomic.Bool
	chunkSeq     atomic.Int64

	emitMu       sync.Mutex
	eventsClosed bool

	mu        sync.Mutex
	state     CallState
	sessionID string
	escalated bool
	endReason string
}

// Dial connects, starts the session, and returns once the gateway confirms
// SESSION_STARTED. The returned call is in the listening state.
func Dial(ctx context.Context, cfg CallConfig) (*Call, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.GatewayURL) == "" {
		return nil, fmt.Errorf("gateway url is required")
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}
	conn, resp, err := dialer.DialContext(ctx, cfg.GatewayURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	callCtx, cancel := context.WithCancel(context.Background())
	c := &Call{
		cfg:       cfg,
		conn:      conn,
		media:     cfg.Media,
		events:    make(chan CallEvent, cfg.EventBuffer),
		done:      make(chan struct{}),
		started:   make(chan error, 1),
		ctx:       callCtx,
		cancel:    cancel,
		state:     StateConnecting,
		sessionID: cfg.SessionID,
	}

	go c.readLoop()

	if err := c.sendJSON(protocol.SessionStart{
		Type:      protocol.TypeSessionStart,
		SessionID: cfg.SessionID,
		Kind:      cfg.Kind,
	}); err != nil {
		c.shutdown(EndReasonDisconnected)
		<-c.done
		return nil, fmt.Errorf("start session: %w", err)
	}

	select {
	case err := <-c.started:
		if err != nil {
			c.shutdown(EndReasonDisconnected)
			<-c.done
			return nil, err
		}
	case <-time.After(cfg.ConnectTimeout):
		c.shutdown(EndReasonDisconnected)
		<-c.done
		return nil, fmt.Errorf("timed out waiting for session start")
	case <-ctx.Done():
		c.shutdown(EndReasonDisconnected)
		<-c.done
		return nil, ctx.Err()
	}

	if err := c.media.Start(callCtx); err != nil {
		c.shutdown(EndReasonDisconnected)
		<-c.done
		return nil, fmt.Errorf("start media transport: %w", err)
	}

	if cfg.PollInterval > 0 && strings.TrimSpace(cfg.StateURL) != "" {
		go c.pollLoop()
	}
	return c, nil
}

// Events yields call events until the call ends; the channel closes after the
// final CallEndedEvent.
func (c *Call) Events() <-chan CallEvent {
	if c == nil {
		return nil
	}
	return c.events
}

func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Call) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Escalated reports whether this call was handed off to a human agent.
func (c *Call) Escalated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.escalated
}

// SendAudio streams one captured audio frame. Only valid while listening.
func (c *Call) SendAudio(pcm []byte) error {
	if c.State() != StateListening {
		return errNotListening
	}
	seq := c.chunkSeq.Add(1) - 1
	return c.sendJSON(protocol.AudioData{
		Type:       protocol.TypeAudioData,
		SessionID:  c.SessionID(),
		ChunkIndex: seq,
		DataB64:    base64.StdEncoding.EncodeToString(pcm),
	})
}

// EndAudio signals that the caller paused: the utterance is complete and the
// gateway should process it. Moves the call to processing.
func (c *Call) EndAudio() error {
	if c.State() != StateListening {
		return errNotListening
	}
	if err := c.sendJSON(protocol.AudioEnd{Type: protocol.TypeAudioEnd, SessionID: c.SessionID()}); err != nil {
		return err
	}
	c.setState(StateProcessing, "pause_detected")
	return nil
}

// SendChat sends one text message and moves the call to processing.
func (c *Call) SendChat(text string) error {
	state := c.State()
	if state != StateListening {
		return errNotListening
	}
	if err := c.sendJSON(protocol.ChatMessage{
		Type:      protocol.TypeChatMessage,
		SessionID: c.SessionID(),
		MessageID: "m_" + randHex(6),
		Text:      text,
	}); err != nil {
		return err
	}
	c.setState(StateProcessing, "message_sent")
	return nil
}

// BargeIn interrupts the assistant: the caller started talking, so whatever
// the call was doing, it goes back to listening. Valid from any live state,
// including speaking.
func (c *Call) BargeIn() {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	switch state {
	case StateIdle, StateConnecting:
		return
	}
	c.setState(StateListening, "user_talking")
}

// Escalate asks the gateway to open a human handoff for this session.
func (c *Call) Escalate(reason string) error {
	if c.closed.Load() {
		return fmt.Errorf("call is closed")
	}
	return c.sendJSON(protocol.Escalate{
		Type:      protocol.TypeEscalate,
		SessionID: c.SessionID(),
		Reason:    reason,
	})
}

// HangUp ends the session gracefully and disconnects after the grace delay.
func (c *Call) HangUp(reason string) error {
	if c.closed.Load() {
		return nil
	}
	if reason == "" {
		reason = EndReasonUserRequested
	}
	err := c.sendJSON(protocol.SessionEnd{Type: protocol.TypeSessionEnd, SessionID: c.SessionID()})
	c.scheduleShutdown(reason)
	return err
}

// Close tears the call down immediately. Safe to call any number of times and
// concurrently with the gateway ending the call on its side.
func (c *Call) Close() error {
	if c == nil {
		return nil
	}
	c.shutdown(EndReasonUserRequested)
	<-c.done
	return nil
}

// shutdown is the single cancellation path: every way a call can die, local
// or remote, funnels here, so the teardown work runs exactly once.
func (c *Call) shutdown(reason string) {
	c.shutdownOnce.Do(func() {
		c.closed.Store(true)
		c.mu.Lock()
		if c.endReason == "" {
			c.endReason = reason
		}
		c.mu.Unlock()
		c.cancel()

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}

func (c *Call) scheduleShutdown(reason string) {
	grace := c.cfg.DisconnectGrace
	time.AfterFunc(grace, func() { c.shutdown(reason) })
}

func (c *Call) readLoop() {
	defer func() {
		c.media.Stop()
		c.setState(StateIdle, "disconnected")
		c.mu.Lock()
		reason := c.endReason
		c.mu.Unlock()
		if reason == "" {
			reason = EndReasonDisconnected
		}
		c.emit(CallEndedEvent{Reason: reason})
		c.closeEvents()
		close(c.done)
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.signalStarted(fmt.Errorf("connection closed before session start"))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.handleFrame(data)
	}
}

func (c *Call) handleFrame(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}

	switch envelope.Type {
	case protocol.TypeSessionStarted:
		// SESSION_STARTED is broadcast to every observer; only our own ID
		// starts this call.
		var ev protocol.SessionStarted
		if json.Unmarshal(data, &ev) != nil || ev.SessionID != c.SessionID() {
			return
		}
		c.signalStarted(nil)
		c.setState(StateListening, "session_started")

	case protocol.TypeSessionEnded:
		var ev protocol.SessionEnded
		if json.Unmarshal(data, &ev) != nil || ev.SessionID != c.SessionID() {
			return
		}
		c.mu.Lock()
		if c.endReason == "" {
			c.endReason = EndReasonRemote
		}
		c.mu.Unlock()
		c.shutdown(EndReasonRemote)

	case protocol.TypeProcessingStarted, protocol.TypeChatProcessing:
		if c.State() == StateListening {
			c.setState(StateProcessing, "processing_started")
		}

	case protocol.TypeTranscriptUpdate:
		var ev protocol.TranscriptUpdate
		if json.Unmarshal(data, &ev) != nil || ev.SessionID != c.SessionID() {
			return
		}
		c.emit(CallTranscriptEvent{Text: ev.Text, Confidence: ev.Confidence, IsFinal: ev.IsFinal, Filtered: ev.Filtered})

	case protocol.TypeChatResponse:
		var ev protocol.ChatResponse
		if json.Unmarshal(data, &ev) != nil || ev.SessionID != c.SessionID() {
			return
		}
		c.setState(StateSpeaking, "response_start")
		c.emit(CallResponseEvent{Text: ev.Text, Sentiment: ev.Sentiment})

	case protocol.TypeChatResponseEnd:
		var ev protocol.ChatResponseEnd
		if json.Unmarshal(data, &ev) != nil || ev.SessionID != c.SessionID() {
			return
		}
		// Barge-in may have already pulled the call back to listening.
		if c.State() == StateSpeaking {
			c.setState(StateListening, "response_end")
		}

	case protocol.TypeToolActivation:
		var ev protocol.ToolActivation
		if json.Unmarshal(data, &ev) != nil || ev.SessionID != c.SessionID() {
			return
		}
		c.emit(CallToolEvent{Name: ev.Name, Args: ev.Args})
		switch ev.Name {
		case "escalate_to_agent":
			// Ask for the escalation record before parking; a record the
			// gateway already opened answers ESCALATION_EXISTS, which is
			// ignored below.
			_ = c.Escalate(escalateToolReason(ev.Args))
			c.markEscalated()
		case "end_call":
			reason := EndReasonUserRequested
			if r, ok := ev.Args["reason"].(string); ok && r != "" {
				reason = r
			}
			c.mu.Lock()
			if c.endReason == "" {
				c.endReason = reason
			}
			c.mu.Unlock()
			c.scheduleShutdown(reason)
		}

	case protocol.TypeEscalationTriggered:
		var ev protocol.EscalationTriggered
		if json.Unmarshal(data, &ev) != nil || ev.Escalation.SessionID != c.SessionID() {
			return
		}
		c.emit(CallEscalationEvent{Escalation: ev.Escalation})
		c.markEscalated()

	case protocol.TypeEscalationUpdated:
		var ev protocol.EscalationUpdated
		if json.Unmarshal(data, &ev) != nil || ev.Escalation.SessionID != c.SessionID() {
			return
		}
		c.emit(CallEscalationEvent{Escalation: ev.Escalation})

	case protocol.TypeEscalationResolved:
		var ev protocol.EscalationResolved
		if json.Unmarshal(data, &ev) != nil || ev.Escalation.SessionID != c.SessionID() {
			return
		}
		c.emit(CallEscalationEvent{Escalation: ev.Escalation})

	case protocol.TypeError:
		var ev protocol.ErrorEvent
		if json.Unmarshal(data, &ev) != nil {
			return
		}
		c.signalStarted(fmt.Errorf("%s: %s", ev.Code, ev.Message))
		c.emit(CallErrorEvent{Code: ev.Code, Message: ev.Message, Param: ev.Param})

	case protocol.TypeSync, protocol.TypeAudioAck, protocol.TypeChatAck,
		protocol.TypeEscalationNew, protocol.TypeEscalationExists:
		// Book-keeping frames the state machine does not act on.

	default:
		c.emit(CallUnknownEvent{Type: envelope.Type, Raw: append(json.RawMessage(nil), data...)})
	}
}

// markEscalated hands the conversation to a human: the bot side of the call
// is over, so the machine parks in idle and disconnects after the grace delay.
func (c *Call) markEscalated() {
	c.mu.Lock()
	already := c.escalated
	c.escalated = true
	if c.endReason == "" {
		c.endReason = EndReasonEscalated
	}
	c.mu.Unlock()
	if already {
		return
	}
	c.media.Stop()
	c.setState(StateIdle, "escalated")
	c.scheduleShutdown(EndReasonEscalated)
}

func (c *Call) signalStarted(err error) {
	select {
	case c.started <- err:
	default:
	}
}

func (c *Call) setState(to CallState, cause string) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()
	c.emit(CallStateEvent{From: from, To: to, Cause: cause})
}

// emit never blocks and never races the channel close in readLoop's teardown.
func (c *Call) emit(event CallEvent) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- event:
	default:
		// Avoid deadlocking the read loop if the caller stops consuming.
	}
}

func (c *Call) closeEvents() {
	c.emitMu.Lock()
	c.eventsClosed = true
	close(c.events)
	c.emitMu.Unlock()
}

func escalateToolReason(args map[string]any) string {
	if reason, ok := args["reason"].(string); ok && reason != "" {
		return reason
	}
	return "agent_requested"
}

func (c *Call) sendJSON(v any) error {
	if c.closed.Load() {
		return fmt.Errorf("call is closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// pollLoop is the fallback for networks that silently drop websocket state:
// it checks the session over plain HTTP and funnels a death into the same
// shutdown path the read loop uses.
func (c *Call) pollLoop() {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			alive, err := c.sessionAlive()
			if err != nil {
				continue
			}
			if !alive {
				c.mu.Lock()
				if c.endReason == "" {
					c.endReason = EndReasonRemote
				}
				c.mu.Unlock()
				c.shutdown(EndReasonRemote)
				return
			}
		}
	}
}

func (c *Call) sessionAlive() (bool, error) {
	url := strings.TrimRight(c.cfg.StateURL, "/") + "/v1/sessions/" + c.SessionID()
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
