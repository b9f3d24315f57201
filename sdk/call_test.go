package voicedesk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/urja-ai/voicedesk/pkg/gateway/live/protocol"
	"github.com/urja-ai/voicedesk/pkg/gateway/live/registry"
)

// fakeGateway speaks just enough of the wire protocol to drive the call state
// machine from the server side.
type fakeGateway struct {
	t      *testing.T
	server *httptest.Server

	mu   sync.Mutex
	conn *websocket.Conn

	inbound chan map[string]any
	// onMessage, when set, runs for every inbound frame after the handshake.
	onMessage func(msg map[string]any)
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{t: t, inbound: make(chan map[string]any, 32)}
	upgrader := websocket.Upgrader{}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conn = conn
		g.mu.Unlock()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			select {
			case g.inbound <- msg:
			default:
			}
			if msg["type"] == protocol.TypeSessionStart {
				id, _ := msg["sessionId"].(string)
				g.send(protocol.SessionStarted{Type: protocol.TypeSessionStarted, SessionID: id, Kind: msg["kind"].(string)})
				continue
			}
			if g.onMessage != nil {
				g.onMessage(msg)
			}
		}
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

// waitInbound returns the next client frame of the given type.
func (g *fakeGateway) waitInbound(t *testing.T, msgType string) map[string]any {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-g.inbound:
			if msg["type"] == msgType {
				return msg
			}
		case <-timeout:
			t.Fatalf("no %s frame from client", msgType)
		}
	}
}

func (g *fakeGateway) send(v any) {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		g.t.Fatal("no connection yet")
	}
	data, err := json.Marshal(v)
	if err != nil {
		g.t.Fatalf("marshal: %v", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		g.t.Logf("gateway write: %v", err)
	}
}

func dialTestCall(t *testing.T, g *fakeGateway, mutate func(*CallConfig)) *Call {
	t.Helper()
	cfg := CallConfig{
		GatewayURL:      g.url(),
		SessionID:       "s1",
		Kind:            registry.KindVoice,
		DisconnectGrace: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	call, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = call.Close() })
	return call
}

// waitState polls until the call reaches the wanted state.
func waitState(t *testing.T, call *Call, want CallState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if call.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state=%s, want %s", call.State(), want)
}

func waitEventType(t *testing.T, call *Call, match func(CallEvent) bool) CallEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-call.Events():
			if !ok {
				t.Fatal("event channel closed before match")
			}
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("no matching event")
		}
	}
}

func TestDial_ReachesListening(t *testing.T) {
	g := newFakeGateway(t)
	call := dialTestCall(t, g, nil)

	if call.State() != StateListening {
		t.Fatalf("state=%s, want listening", call.State())
	}
	if call.SessionID() != "s1" {
		t.Fatalf("sessionID=%q", call.SessionID())
	}
}

func TestDial_GeneratesSessionIDWhenEmpty(t *testing.T) {
	g := newFakeGateway(t)
	call := dialTestCall(t, g, func(cfg *CallConfig) { cfg.SessionID = "" })

	id := call.SessionID()
	if !strings.HasPrefix(id, "s_") {
		t.Fatalf("sessionID=%q, want client-generated s_ prefix", id)
	}
	start := g.waitInbound(t, protocol.TypeSessionStart)
	if start["sessionId"] != id {
		t.Fatalf("wire sessionId=%v, call sessionID=%q", start["sessionId"], id)
	}
}

func TestDial_IgnoresForeignSessionStarted(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		id, _ := msg["sessionId"].(string)
		// Another client's broadcast lands before our own confirmation.
		foreign, _ := json.Marshal(protocol.SessionStarted{Type: protocol.TypeSessionStarted, SessionID: "s_other", Kind: registry.KindChat})
		_ = conn.WriteMessage(websocket.TextMessage, foreign)
		own, _ := json.Marshal(protocol.SessionStarted{Type: protocol.TypeSessionStarted, SessionID: id, Kind: registry.KindVoice})
		_ = conn.WriteMessage(websocket.TextMessage, own)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	call, err := Dial(context.Background(), CallConfig{
		GatewayURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer call.Close()

	if call.SessionID() == "s_other" {
		t.Fatalf("adopted another client's session %q", call.SessionID())
	}
	if call.State() != StateListening {
		t.Fatalf("state=%s, want listening", call.State())
	}
}

func TestChatTurn_StateProgression(t *testing.T) {
	g := newFakeGateway(t)
	sentiment := 0.8
	g.onMessage = func(msg map[string]any) {
		if msg["type"] != protocol.TypeChatMessage {
			return
		}
		g.send(protocol.ChatProcessing{Type: protocol.TypeChatProcessing, SessionID: "s1"})
		g.send(protocol.ChatResponse{Type: protocol.TypeChatResponse, SessionID: "s1", Text: "hello!", Sentiment: &sentiment})
		g.send(protocol.ChatResponseEnd{Type: protocol.TypeChatResponseEnd, SessionID: "s1"})
	}
	call := dialTestCall(t, g, nil)

	if err := call.SendChat("hi"); err != nil {
		t.Fatalf("send chat: %v", err)
	}

	resp := waitEventType(t, call, func(ev CallEvent) bool {
		_, ok := ev.(CallResponseEvent)
		return ok
	}).(CallResponseEvent)
	if resp.Text != "hello!" {
		t.Fatalf("response=%q", resp.Text)
	}
	waitState(t, call, StateListening)
}

func TestBargeIn_FromSpeaking(t *testing.T) {
	g := newFakeGateway(t)
	g.onMessage = func(msg map[string]any) {
		if msg["type"] != protocol.TypeChatMessage {
			return
		}
		// Response starts but never ends: the assistant is mid-speech.
		g.send(protocol.ChatResponse{Type: protocol.TypeChatResponse, SessionID: "s1", Text: "long answer..."})
	}
	call := dialTestCall(t, g, nil)

	if err := call.SendChat("hi"); err != nil {
		t.Fatalf("send chat: %v", err)
	}
	waitState(t, call, StateSpeaking)

	call.BargeIn()
	waitState(t, call, StateListening)

	// A late RESPONSE_END must not flap the state.
	g.send(protocol.ChatResponseEnd{Type: protocol.TypeChatResponseEnd, SessionID: "s1"})
	time.Sleep(50 * time.Millisecond)
	if call.State() != StateListening {
		t.Fatalf("state=%s after late response end", call.State())
	}
}

func TestBargeIn_NoopWhenIdle(t *testing.T) {
	g := newFakeGateway(t)
	call := dialTestCall(t, g, nil)
	_ = call.Close()

	call.BargeIn()
	if call.State() != StateIdle {
		t.Fatalf("state=%s, want idle", call.State())
	}
}

func TestEndCallTool_DisconnectsWithReason(t *testing.T) {
	g := newFakeGateway(t)
	g.onMessage = func(msg map[string]any) {
		if msg["type"] != protocol.TypeChatMessage {
			return
		}
		g.send(protocol.ChatResponse{Type: protocol.TypeChatResponse, SessionID: "s1", Text: "bye"})
		g.send(protocol.ToolActivation{
			Type: protocol.TypeToolActivation, SessionID: "s1",
			Name: "end_call", Args: map[string]any{"reason": "issue_resolved"},
		})
		g.send(protocol.ChatResponseEnd{Type: protocol.TypeChatResponseEnd, SessionID: "s1"})
	}
	call := dialTestCall(t, g, nil)

	if err := call.SendChat("thanks, bye"); err != nil {
		t.Fatalf("send chat: %v", err)
	}

	ended := waitEventType(t, call, func(ev CallEvent) bool {
		_, ok := ev.(CallEndedEvent)
		return ok
	}).(CallEndedEvent)
	if ended.Reason != "issue_resolved" {
		t.Fatalf("reason=%q", ended.Reason)
	}
	waitState(t, call, StateIdle)
}

func TestEscalation_ParksCallAndDisconnects(t *testing.T) {
	g := newFakeGateway(t)
	g.onMessage = func(msg map[string]any) {
		if msg["type"] != protocol.TypeEscalate {
			return
		}
		g.send(protocol.EscalationTriggered{
			Type: protocol.TypeEscalationTriggered,
			Escalation: registry.Escalation{
				ID: "e1", SessionID: "s1", Kind: registry.KindVoice,
				Status: registry.StatusPending, Reason: "user_requested",
			},
		})
	}
	call := dialTestCall(t, g, nil)

	if err := call.Escalate("user_requested"); err != nil {
		t.Fatalf("escalate: %v", err)
	}

	esc := waitEventType(t, call, func(ev CallEvent) bool {
		_, ok := ev.(CallEscalationEvent)
		return ok
	}).(CallEscalationEvent)
	if esc.Escalation.ID != "e1" {
		t.Fatalf("escalation=%+v", esc.Escalation)
	}
	if !call.Escalated() {
		t.Fatal("call not marked escalated")
	}
	waitState(t, call, StateIdle)

	ended := waitEventType(t, call, func(ev CallEvent) bool {
		_, ok := ev.(CallEndedEvent)
		return ok
	}).(CallEndedEvent)
	if ended.Reason != EndReasonEscalated {
		t.Fatalf("reason=%q", ended.Reason)
	}
}

func TestEscalateTool_SendsWireEscalate(t *testing.T) {
	g := newFakeGateway(t)
	g.onMessage = func(msg map[string]any) {
		if msg["type"] != protocol.TypeChatMessage {
			return
		}
		g.send(protocol.ChatResponse{Type: protocol.TypeChatResponse, SessionID: "s1", Text: "let me get a human"})
		g.send(protocol.ToolActivation{
			Type: protocol.TypeToolActivation, SessionID: "s1",
			Name: "escalate_to_agent", Args: map[string]any{"reason": "user_frustrated"},
		})
	}
	call := dialTestCall(t, g, nil)

	if err := call.SendChat("get me a person"); err != nil {
		t.Fatalf("send chat: %v", err)
	}

	esc := g.waitInbound(t, protocol.TypeEscalate)
	if esc["sessionId"] != "s1" || esc["reason"] != "user_frustrated" {
		t.Fatalf("escalate frame=%v", esc)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !call.Escalated() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !call.Escalated() {
		t.Fatal("call not marked escalated")
	}
}

func TestEventEmit_SafeDuringTeardown(t *testing.T) {
	// A caller-side transition racing the read loop's final teardown must
	// never hit a closed event channel.
	for i := 0; i < 500; i++ {
		c := &Call{events: make(chan CallEvent, 1), state: StateSpeaking}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.setState(StateListening, "user_talking")
		}()
		go func() {
			defer wg.Done()
			c.setState(StateIdle, "disconnected")
			c.emit(CallEndedEvent{Reason: EndReasonDisconnected})
			c.closeEvents()
		}()
		wg.Wait()
	}
}

func TestSendAudio_OnlyWhileListening(t *testing.T) {
	g := newFakeGateway(t)
	call := dialTestCall(t, g, nil)

	if err := call.SendAudio([]byte("pcm")); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := call.EndAudio(); err != nil {
		t.Fatalf("end audio: %v", err)
	}
	if call.State() != StateProcessing {
		t.Fatalf("state=%s, want processing", call.State())
	}
	if err := call.SendAudio([]byte("pcm")); err == nil {
		t.Fatal("expected error sending audio while processing")
	}
}

func TestClose_Idempotent(t *testing.T) {
	g := newFakeGateway(t)
	call := dialTestCall(t, g, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = call.Close()
		}()
	}
	wg.Wait()

	if call.State() != StateIdle {
		t.Fatalf("state=%s, want idle", call.State())
	}
	if err := call.SendChat("hi"); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestRemoteSessionEnd_ClosesCall(t *testing.T) {
	g := newFakeGateway(t)
	call := dialTestCall(t, g, nil)

	g.send(protocol.SessionEnded{Type: protocol.TypeSessionEnded, SessionID: "s1"})

	ended := waitEventType(t, call, func(ev CallEvent) bool {
		_, ok := ev.(CallEndedEvent)
		return ok
	}).(CallEndedEvent)
	if ended.Reason != EndReasonRemote {
		t.Fatalf("reason=%q", ended.Reason)
	}
}

func TestPollingFallback_DetectsDeadSession(t *testing.T) {
	g := newFakeGateway(t)
	stateSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer stateSrv.Close()

	call := dialTestCall(t, g, func(cfg *CallConfig) {
		cfg.StateURL = stateSrv.URL
		cfg.PollInterval = 20 * time.Millisecond
	})

	ended := waitEventType(t, call, func(ev CallEvent) bool {
		_, ok := ev.(CallEndedEvent)
		return ok
	}).(CallEndedEvent)
	if ended.Reason != EndReasonRemote {
		t.Fatalf("reason=%q", ended.Reason)
	}
}

func TestDial_ErrorFromGateway(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		data, _ := json.Marshal(protocol.NewError(protocol.CodeAlreadyActive, "session is already active"))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), CallConfig{
		GatewayURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		SessionID:  "s1",
	})
	if err == nil || !strings.Contains(err.Error(), "already_active") {
		t.Fatalf("err=%v, want already_active", err)
	}
}
