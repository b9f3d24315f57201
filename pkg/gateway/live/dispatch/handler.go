// Package dispatch interprets inbound protocol messages and drives the
// session registry, escalation registry, and broadcast hub. It is the only
// component that mutates the registries; everything else reads or appends
// through its contract.
package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/urja-ai/voicedesk/pkg/gateway/live/broadcast"
	"github.com/urja-ai/voicedesk/pkg/gateway/live/guard"
	"github.com/urja-ai/voicedesk/pkg/gateway/live/protocol"
	"github.com/urja-ai/voicedesk/pkg/gateway/live/provider"
	"github.com/urja-ai/voicedesk/pkg/gateway/live/registry"
)

const defaultTurnTimeout = 30 * time.Second

// Reason codes for session teardown driven by the end_call tool.
const (
	EndReasonUserRequested = "user_requested"
	EndReasonIssueResolved = "issue_resolved"
)

const (
	toolEscalate = "escalate_to_agent"
	toolEndCall  = "end_call"
)

type Config struct {
	// TurnTimeout bounds one generation or transcription round trip,
	// including the single retry, before the degraded path takes over.
	TurnTimeout time.Duration
}

type Dependencies struct {
	Logger        *slog.Logger
	Sessions      *registry.SessionStore
	Escalations   *registry.EscalationStore
	Hub           *broadcast.Hub
	Generation    provider.Generation
	Transcription provider.Transcription
	Config        Config
}

// Handler is the protocol command dispatcher. Registry mutations are
// serialized by the registries' own locks; commands for one session arrive on
// its owning connection's read loop, so per-session command handling is
// naturally ordered.
type Handler struct {
	logger        *slog.Logger
	sessions      *registry.SessionStore
	escalations   *registry.EscalationStore
	hub           *broadcast.Hub
	generation    provider.Generation
	transcription provider.Transcription
	cfg           Config

	guardsMu sync.Mutex
	guards   map[string]*guard.Handoff
}

func New(deps Dependencies) (*Handler, error) {
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if deps.Escalations == nil {
		return nil, fmt.Errorf("escalation store is required")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("broadcast hub is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Generation == nil {
		deps.Generation = provider.CannedGeneration{}
	}
	if deps.Transcription == nil {
		deps.Transcription = provider.MockTranscription{}
	}
	if deps.Config.TurnTimeout <= 0 {
		deps.Config.TurnTimeout = defaultTurnTimeout
	}
	return &Handler{
		logger:        deps.Logger,
		sessions:      deps.Sessions,
		escalations:   deps.Escalations,
		hub:           deps.Hub,
		generation:    deps.Generation,
		transcription: deps.Transcription,
		cfg:           deps.Config,
		guards:        make(map[string]*guard.Handoff),
	}, nil
}

// HandleJoin greets a newly registered observer with the SYNC snapshot so a
// late joiner reconstructs full current state without replaying history.
func (h *Handler) HandleJoin(obs *broadcast.Observer) {
	h.hub.SendTo(obs, protocol.NewSync(h.sessions.ListAll(), h.escalations.ListPending()))
}

// HandleDisconnect tears down the observer's owned session, if any, before
// the connection is forgotten. No partially-live window: the registry entry
// and the connection binding go together.
func (h *Handler) HandleDisconnect(obs *broadcast.Observer) {
	if sessionID := h.hub.SessionID(obs); sessionID != "" {
		h.endSession(sessionID)
	}
	h.hub.Unregister(obs)
}

// HandleMessage decodes and dispatches one inbound frame. Malformed payloads
// are answered with an ERROR event and logged; they never tear down the
// dispatcher or other sessions. Unknown types are logged and ignored.
func (h *Handler) HandleMessage(ctx context.Context, obs *broadcast.Observer, data []byte) {
	decoded, err := protocol.DecodeClientMessage(data)
	if err != nil {
		h.logger.Warn("dropping malformed frame", "error", err)
		h.hub.SendTo(obs, protocol.NewError(protocol.CodeBadRequest, err.Error()))
		return
	}

	switch msg := decoded.(type) {
	case protocol.SessionStart:
		h.handleSessionStart(obs, msg)
	case protocol.SessionEnd:
		h.handleSessionEnd(msg)
	case protocol.AudioData:
		h.handleAudioData(obs, msg)
	case protocol.AudioEnd:
		h.handleAudioEnd(ctx, obs, msg)
	case protocol.ChatMessage:
		h.handleChatMessage(ctx, obs, msg)
	case protocol.Escalate:
		h.handleEscalate(obs, msg)
	case protocol.EscalationTake:
		h.handleEscalationTake(obs, msg)
	case protocol.EscalationResolve:
		h.handleEscalationResolve(obs, msg)
	case protocol.EscalationDelete:
		h.handleEscalationDelete(msg)
	case protocol.UnknownMessage:
		h.logger.Info("ignoring unknown message type", "type", msg.Type)
	}
}

func (h *Handler) handleSessionStart(obs *broadcast.Observer, msg protocol.SessionStart) {
	id := msg.SessionID
	if id == "" {
		id = "s_" + randHex(8)
	}

	sess, err := h.sessions.Create(id, msg.Kind)
	if errors.Is(err, registry.ErrDuplicateSession) {
		// A still-active ID is rejected outright rather than silently
		// re-attached; the caller decides what to do with the conflict.
		h.hub.SendTo(obs, protocol.NewError(protocol.CodeAlreadyActive, fmt.Sprintf("session %q is already active", id)))
		return
	}
	if err != nil {
		h.hub.SendTo(obs, protocol.NewError(protocol.CodeBadRequest, err.Error()))
		return
	}

	h.hub.BindSession(obs, id)
	h.guardsMu.Lock()
	h.guards[id] = guard.NewHandoff()
	h.guardsMu.Unlock()

	h.logger.Info("session started", "session_id", id, "kind", msg.Kind)
	h.hub.BroadcastAll(protocol.SessionStarted{Type: protocol.TypeSessionStarted, SessionID: sess.ID, Kind: sess.Kind})
}

func (h *Handler) handleSessionEnd(msg protocol.SessionEnd) {
	if !h.sessions.Exists(msg.SessionID) {
		// Ending an unknown session is a silent no-op.
		return
	}
	h.endSession(msg.SessionID)
}

// endSession removes the registry entry, the connection binding, and the
// per-session guard together, then announces the end. Commands that arrive
// afterward see a dead session immediately.
func (h *Handler) endSession(sessionID string) {
	h.sessions.Delete(sessionID)
	h.hub.UnbindSession(sessionID)
	h.guardsMu.Lock()
	delete(h.guards, sessionID)
	h.guardsMu.Unlock()

	h.logger.Info("session ended", "session_id", sessionID)
	h.hub.BroadcastAll(protocol.SessionEnded{Type: protocol.TypeSessionEnded, SessionID: sessionID})
}

func (h *Handler) handleAudioData(obs *broadcast.Observer, msg protocol.AudioData) {
	if !h.sessions.Exists(msg.SessionID) {
		h.hub.SendTo(obs, protocol.NewError(protocol.CodeNoActiveSession, "no active session for audio"))
		return
	}
	data, err := base64.StdEncoding.DecodeString(msg.DataB64)
	if err != nil {
		h.hub.SendTo(obs, protocol.NewError(protocol.CodeBadRequest, "audio data is not valid base64"))
		return
	}

	h.sessions.BufferAudioChunk(msg.SessionID, registry.AudioChunk{Index: msg.ChunkIndex, Data: data})
	h.hub.SendTo(obs, protocol.AudioAck{Type: protocol.TypeAudioAck, SessionID: msg.SessionID, ChunkIndex: msg.ChunkIndex})

	// Best-effort partial transcription. Failure degrades silently; a voice
	// call must never hang waiting on a transcription provider.
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.TurnTimeout)
	defer cancel()
	partial, err := h.transcription.Transcribe(ctx, msg.SessionID, data)
	if err != nil {
		partial, _ = provider.MockTranscription{}.Transcribe(ctx, msg.SessionID, data)
	}
	if partial.Text != "" {
		h.hub.SendTo(obs, protocol.TranscriptUpdate{
			Type:      protocol.TypeTranscriptUpdate,
			SessionID: msg.SessionID,
			Text:      partial.Text,
			IsFinal:   false,
		})
	}
}

func (h *Handler) handleAudioEnd(ctx context.Context, obs *broadcast.Observer, msg protocol.AudioEnd) {
	sess, ok := h.sessions.Get(msg.SessionID)
	if !ok {
		h.hub.SendTo(obs, protocol.NewError(protocol.CodeNoActiveSession, "no active session for audio"))
		return
	}

	chunks := h.sessions.DrainAudioChunks(msg.SessionID)
	h.hub.SendTo(obs, protocol.ProcessingStarted{Type: protocol.TypeProcessingStarted, SessionID: msg.SessionID})

	var combined []byte
	for _, chunk := range chunks {
		combined = append(combined, chunk.Data...)
	}

	callCtx, cancel := context.WithTimeout(ctx, h.cfg.TurnTimeout)
	defer cancel()
	transcript, err := provider.TranscribeAllWithRetry(callCtx, h.transcription, msg.SessionID, combined)
	if err != nil {
		h.logger.Warn("transcription unavailable, degrading", "session_id", msg.SessionID, "error", err)
		transcript, _ = provider.MockTranscription{}.TranscribeAll(callCtx, msg.SessionID, combined)
	}

	confidence := transcript.Confidence
	if !guard.AcceptTranscript(transcript.Text, confidence) {
		h.hub.SendTo(obs, protocol.TranscriptUpdate{
			Type:       protocol.TypeTranscriptUpdate,
			SessionID:  msg.SessionID,
			Text:       transcript.Text,
			Confidence: &confidence,
			IsFinal:    true,
			Filtered:   true,
		})
		if h.observeConfidence(msg.SessionID, confidence) {
			h.escalateForAudioQuality(obs, msg.SessionID)
		}
		return
	}

	if h.observeConfidence(msg.SessionID, confidence) {
		h.escalateForAudioQuality(obs, msg.SessionID)
		return
	}

	h.sessions.AppendTurn(msg.SessionID, registry.Turn{
		Sender:     registry.SenderUser,
		Text:       transcript.Text,
		Confidence: &confidence,
	})
	h.hub.SendTo(obs, protocol.TranscriptUpdate{
		Type:       protocol.TypeTranscriptUpdate,
		SessionID:  msg.SessionID,
		Text:       transcript.Text,
		Confidence: &confidence,
		IsFinal:    true,
	})

	h.respond(ctx, obs, sess.ID, transcript.Text)
}

func (h *Handler) handleChatMessage(ctx context.Context, obs *broadcast.Observer, msg protocol.ChatMessage) {
	if !h.sessions.Exists(msg.SessionID) {
		h.hub.SendTo(obs, protocol.NewError(protocol.CodeNoActiveSession, "no active session for chat"))
		return
	}

	h.sessions.AppendTurn(msg.SessionID, registry.Turn{Sender: registry.SenderUser, Text: msg.Text})
	h.hub.SendTo(obs, protocol.ChatAck{Type: protocol.TypeChatAck, SessionID: msg.SessionID, MessageID: msg.MessageID})
	h.hub.SendTo(obs, protocol.ChatProcessing{Type: protocol.TypeChatProcessing, SessionID: msg.SessionID})

	h.respond(ctx, obs, msg.SessionID, msg.Text)
}

// respond runs generation and delivers the reply with the same event shape
// whether the upstream is healthy or degraded.
func (h *Handler) respond(ctx context.Context, obs *broadcast.Observer, sessionID, input string) {
	sess, ok := h.sessions.Get(sessionID)
	if !ok {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, h.cfg.TurnTimeout)
	defer cancel()
	reply, err := provider.GenerateWithRetry(callCtx, h.generation, sessionID, input, sess.Turns)
	degraded := false
	if err != nil {
		h.logger.Warn("generation unavailable, degrading", "session_id", sessionID, "error", err)
		reply, _ = provider.CannedGeneration{}.Generate(callCtx, sessionID, input, nil)
		degraded = true
	}

	toolName := ""
	if reply.ToolCall != nil {
		toolName = reply.ToolCall.Name
	}
	sentiment := reply.Sentiment
	h.sessions.AppendTurn(sessionID, registry.Turn{
		Sender:    registry.SenderBot,
		Text:      reply.Text,
		Tool:      toolName,
		Sentiment: &sentiment,
	})

	h.hub.SendTo(obs, protocol.ChatResponse{
		Type:      protocol.TypeChatResponse,
		SessionID: sessionID,
		Text:      reply.Text,
		Sentiment: &sentiment,
	})

	endReason := ""
	if reply.ToolCall != nil {
		h.hub.SendTo(obs, protocol.ToolActivation{
			Type:      protocol.TypeToolActivation,
			SessionID: sessionID,
			Name:      reply.ToolCall.Name,
			Args:      reply.ToolCall.Args,
		})
		switch reply.ToolCall.Name {
		case toolEscalate:
			h.autoEscalate(obs, sessionID, escalateReason(reply.ToolCall.Args))
		case toolEndCall:
			endReason = endCallReason(reply.ToolCall.Args)
		}
	} else if !degraded && guard.ShouldEscalateSentiment(reply.Sentiment) {
		h.logger.Info("low sentiment, auto-escalating", "session_id", sessionID, "sentiment", reply.Sentiment)
		h.hub.SendTo(obs, protocol.ToolActivation{
			Type:      protocol.TypeToolActivation,
			SessionID: sessionID,
			Name:      toolEscalate,
			Args:      map[string]any{"reason": guard.ReasonLowSentiment},
		})
		h.autoEscalate(obs, sessionID, guard.ReasonLowSentiment)
	}

	h.hub.SendTo(obs, protocol.ChatResponseEnd{Type: protocol.TypeChatResponseEnd, SessionID: sessionID})

	if endReason != "" {
		h.logger.Info("end_call tool fired", "session_id", sessionID, "reason", endReason)
		h.endSession(sessionID)
	}
}

func (h *Handler) handleEscalate(obs *broadcast.Observer, msg protocol.Escalate) {
	sess, ok := h.sessions.Get(msg.SessionID)
	if !ok {
		h.hub.SendTo(obs, protocol.NewError(protocol.CodeNoActiveSession, "no active session to escalate"))
		return
	}
	// A caller-supplied history wins over the registry transcript: the voice
	// pipeline may hold turns that never reached the registry.
	history := msg.History
	if len(history) == 0 {
		history = sess.Turns
	}

	esc, err := h.escalations.Create(registry.CreateParams{
		SessionID: msg.SessionID,
		Kind:      sess.Kind,
		Reason:    msg.Reason,
		History:   history,
		Metrics:   msg.Metrics,
		Contact:   msg.Contact,
		Summary:   msg.Summary,
	})
	if errors.Is(err, registry.ErrEscalationExists) {
		// The store rejected the insert atomically; esc is the live record.
		h.hub.SendTo(obs, protocol.EscalationExists{
			Type:         protocol.TypeEscalationExists,
			SessionID:    msg.SessionID,
			EscalationID: esc.ID,
		})
		return
	}
	if err != nil {
		h.hub.SendTo(obs, protocol.NewError(protocol.CodeInternal, "failed to create escalation"))
		return
	}

	h.logger.Info("escalation created", "session_id", msg.SessionID, "escalation_id", esc.ID, "reason", msg.Reason)
	h.hub.SendTo(obs, protocol.EscalationTriggered{Type: protocol.TypeEscalationTriggered, Escalation: esc})
	h.hub.BroadcastAll(protocol.EscalationNew{Type: protocol.TypeEscalationNew, Escalation: esc})
}

func (h *Handler) handleEscalationTake(obs *broadcast.Observer, msg protocol.EscalationTake) {
	esc, ok, err := h.escalations.UpdateStatus(msg.EscalationID, registry.StatusInProgress, "")
	if !ok {
		h.hub.SendTo(obs, protocol.NewError(protocol.CodeNotFound, "escalation not found"))
		return
	}
	if err != nil {
		h.hub.SendTo(obs, protocol.NewError(protocol.CodeTerminalStatus, "escalation is already resolved"))
		return
	}
	h.logger.Info("escalation taken", "escalation_id", esc.ID, "taken_by", msg.TakenBy)
	h.hub.BroadcastAll(protocol.EscalationUpdated{Type: protocol.TypeEscalationUpdated, Escalation: esc})
}

func (h *Handler) handleEscalationResolve(obs *broadcast.Observer, msg protocol.EscalationResolve) {
	esc, ok, err := h.escalations.UpdateStatus(msg.EscalationID, registry.StatusResolved, msg.ResolvedBy)
	if !ok {
		h.hub.SendTo(obs, protocol.NewError(protocol.CodeNotFound, "escalation not found"))
		return
	}
	if err != nil {
		h.hub.SendTo(obs, protocol.NewError(protocol.CodeTerminalStatus, "escalation is already resolved"))
		return
	}
	h.logger.Info("escalation resolved", "escalation_id", esc.ID, "resolved_by", msg.ResolvedBy)

	resolved := protocol.EscalationResolved{Type: protocol.TypeEscalationResolved, Escalation: esc}
	h.hub.BroadcastAll(resolved)
	// The originating client, if still connected, gets a direct copy too.
	h.hub.SendToSession(esc.SessionID, resolved)
}

func (h *Handler) handleEscalationDelete(msg protocol.EscalationDelete) {
	h.escalations.Delete(msg.EscalationID)
	h.logger.Info("escalation deleted", "escalation_id", msg.EscalationID)
}

// autoEscalate is the server-initiated path (sentiment, audio quality, tool).
// Duplicate attempts while one escalation is active are dropped silently; the
// one-active invariant holds without bothering the client.
func (h *Handler) autoEscalate(obs *broadcast.Observer, sessionID, reason string) {
	sess, ok := h.sessions.Get(sessionID)
	if !ok {
		return
	}
	esc, err := h.escalations.Create(registry.CreateParams{
		SessionID: sessionID,
		Kind:      sess.Kind,
		Reason:    reason,
		History:   sess.Turns,
	})
	if errors.Is(err, registry.ErrEscalationExists) {
		return
	}
	if err != nil {
		h.logger.Error("auto-escalation failed", "session_id", sessionID, "error", err)
		return
	}
	h.logger.Info("auto-escalation created", "session_id", sessionID, "escalation_id", esc.ID, "reason", reason)
	h.hub.SendTo(obs, protocol.EscalationTriggered{Type: protocol.TypeEscalationTriggered, Escalation: esc})
	h.hub.BroadcastAll(protocol.EscalationNew{Type: protocol.TypeEscalationNew, Escalation: esc})
}

// escalateForAudioQuality delivers the canned handoff line, records it, and
// escalates with the audio-quality reason.
func (h *Handler) escalateForAudioQuality(obs *broadcast.Observer, sessionID string) {
	h.logger.Warn("handoff guard fired", "session_id", sessionID)
	h.sessions.AppendTurn(sessionID, registry.Turn{
		Sender: registry.SenderBot,
		Text:   guard.EscalationMessage,
		Tool:   toolEscalate,
	})
	h.hub.SendTo(obs, protocol.ChatResponse{
		Type:      protocol.TypeChatResponse,
		SessionID: sessionID,
		Text:      guard.EscalationMessage,
	})
	h.hub.SendTo(obs, protocol.ToolActivation{
		Type:      protocol.TypeToolActivation,
		SessionID: sessionID,
		Name:      toolEscalate,
		Args:      map[string]any{"reason": guard.ReasonAudioQuality},
	})
	h.autoEscalate(obs, sessionID, guard.ReasonAudioQuality)
	h.hub.SendTo(obs, protocol.ChatResponseEnd{Type: protocol.TypeChatResponseEnd, SessionID: sessionID})
}

func (h *Handler) observeConfidence(sessionID string, confidence float64) bool {
	h.guardsMu.Lock()
	g, ok := h.guards[sessionID]
	if !ok {
		g = guard.NewHandoff()
		h.guards[sessionID] = g
	}
	h.guardsMu.Unlock()
	return g.Observe(confidence)
}

func escalateReason(args map[string]any) string {
	if reason, ok := args["reason"].(string); ok && reason != "" {
		return reason
	}
	return "agent_requested"
}

func endCallReason(args map[string]any) string {
	if reason, ok := args["reason"].(string); ok && reason != "" {
		return reason
	}
	return EndReasonUserRequested
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
