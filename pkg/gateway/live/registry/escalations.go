package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTerminalStatus is returned when a status update targets a resolved
// escalation. Resolved is terminal.
var ErrTerminalStatus = errors.New("escalation is resolved")

// ErrEscalationExists is returned by Create when the session already has a
// non-resolved escalation. The existing record is returned alongside it.
var ErrEscalationExists = errors.New("session already has an active escalation")

const summaryUtteranceLimit = 100

// topicPatterns maps a human-readable topic label to the keywords that select
// it when scanning the user side of an escalated conversation.
var topicPatterns = []struct {
	label    string
	keywords []string
}{
	{"payment/billing", []string{"payment", "bill", "refund", "charge", "money"}},
	{"service location", []string{"station", "location", "near", "direction", "map"}},
	{"battery swap", []string{"battery", "swap", "charging"}},
	{"invoice/penalty", []string{"invoice", "penalty", "receipt"}},
	{"support issue", []string{"help", "problem", "issue", "complaint", "not working"}},
}

// CreateParams describes a new escalation. History is copied, never aliased.
// Metrics and Summary, when nil/empty, are derived from History; a richer
// upstream caller (the voice pipeline) may supply both precomputed.
type CreateParams struct {
	SessionID string
	Kind      string
	Reason    string
	History   []Turn
	Metrics   *Metrics
	Contact   *Contact
	Summary   string
}

// EscalationStore is the in-memory registry of escalation records. It enforces
// nothing about sessions; the dispatcher pairs it with the SessionStore.
type EscalationStore struct {
	mu          sync.Mutex
	escalations map[string]*Escalation
	order       []string
	now         func() time.Time
	newID       func() string
}

func NewEscalationStore() *EscalationStore {
	return &EscalationStore{
		escalations: make(map[string]*Escalation),
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
	}
}

// SetNow overrides the store clock. Test hook.
func (s *EscalationStore) SetNow(now func() time.Time) {
	if now == nil {
		return
	}
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Create inserts a new escalation record. The active-session check and the
// insert happen under one lock hold, so concurrent attempts for the same
// session cannot both succeed; the loser gets the winner's record and
// ErrEscalationExists.
func (s *EscalationStore) Create(params CreateParams) (Escalation, error) {
	if params.SessionID == "" {
		return Escalation{}, fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(params.Reason) == "" {
		return Escalation{}, fmt.Errorf("reason is required")
	}

	history := cloneTurns(params.History)
	metrics := computeMetrics(history)
	if params.Metrics != nil {
		metrics = *params.Metrics
	}
	summary := strings.TrimSpace(params.Summary)
	if summary == "" {
		summary = extractiveSummary(history)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if existing, ok := s.escalations[id]; ok && existing.SessionID == params.SessionID && existing.Status != StatusResolved {
			return snapshotEscalation(existing), ErrEscalationExists
		}
	}
	esc := &Escalation{
		ID:        s.newID(),
		SessionID: params.SessionID,
		Kind:      params.Kind,
		Reason:    params.Reason,
		Status:    StatusPending,
		CreatedAt: s.now(),
		History:   history,
		Metrics:   metrics,
		Contact:   params.Contact,
		Summary:   summary,
	}
	s.escalations[esc.ID] = esc
	s.order = append(s.order, esc.ID)
	return snapshotEscalation(esc), nil
}

func (s *EscalationStore) Get(id string) (Escalation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc, ok := s.escalations[id]
	if !ok {
		return Escalation{}, false
	}
	return snapshotEscalation(esc), true
}

// ActiveBySession returns the non-resolved escalation for a session, if one
// exists. Read-only query; Create enforces the at-most-one-active invariant
// itself.
func (s *EscalationStore) ActiveBySession(sessionID string) (Escalation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		esc, ok := s.escalations[id]
		if ok && esc.SessionID == sessionID && esc.Status != StatusResolved {
			return snapshotEscalation(esc), true
		}
	}
	return Escalation{}, false
}

// UpdateStatus transitions an escalation. The second return is false for
// unknown IDs. Only the transition to resolved stamps the resolution time and
// resolver; transitions out of resolved are rejected.
func (s *EscalationStore) UpdateStatus(id string, status EscalationStatus, resolvedBy string) (Escalation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc, ok := s.escalations[id]
	if !ok {
		return Escalation{}, false, nil
	}
	if esc.Status == StatusResolved {
		return Escalation{}, true, ErrTerminalStatus
	}
	esc.Status = status
	if status == StatusResolved {
		at := s.now()
		esc.ResolvedAt = &at
		esc.ResolvedBy = resolvedBy
	}
	return snapshotEscalation(esc), true, nil
}

// ListPending returns every non-resolved escalation in creation order, for
// agent-console synchronization.
func (s *EscalationStore) ListPending() []Escalation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Escalation, 0, len(s.order))
	for _, id := range s.order {
		if esc, ok := s.escalations[id]; ok && esc.Status != StatusResolved {
			out = append(out, snapshotEscalation(esc))
		}
	}
	return out
}

// Delete removes a record entirely. Admin-only path; idempotent.
func (s *EscalationStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escalations[id]; !ok {
		return
	}
	delete(s.escalations, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func computeMetrics(history []Turn) Metrics {
	m := Metrics{TotalTurns: len(history)}
	var confidenceSum float64
	var confidenceCount int
	for _, turn := range history {
		switch turn.Sender {
		case SenderUser:
			m.UserTurns++
			if turn.Confidence != nil {
				confidenceSum += *turn.Confidence
				confidenceCount++
				if *turn.Confidence < LowConfidenceThreshold {
					m.LowConfidenceCount++
				}
			}
		case SenderBot:
			m.BotTurns++
		}
	}
	if confidenceCount > 0 {
		m.AvgConfidence = confidenceSum / float64(confidenceCount)
	}
	return m
}

// extractiveSummary is the offline fallback summarizer: it scans the user side
// of the conversation for the fixed topic patterns and reports matched labels
// plus the last user utterance. It stands in when no upstream AI summary was
// supplied; it does not replace one.
func extractiveSummary(history []Turn) string {
	var userText strings.Builder
	var lastUser string
	for _, turn := range history {
		if turn.Sender != SenderUser {
			continue
		}
		userText.WriteString(strings.ToLower(turn.Text))
		userText.WriteByte(' ')
		lastUser = turn.Text
	}
	if lastUser == "" {
		return "No user messages recorded before escalation."
	}

	haystack := userText.String()
	var topics []string
	for _, pattern := range topicPatterns {
		for _, kw := range pattern.keywords {
			if strings.Contains(haystack, kw) {
				topics = append(topics, pattern.label)
				break
			}
		}
	}

	if len(lastUser) > summaryUtteranceLimit {
		lastUser = lastUser[:summaryUtteranceLimit] + "..."
	}
	if len(topics) == 0 {
		return fmt.Sprintf("General inquiry. Last message: %q", lastUser)
	}
	return fmt.Sprintf("Topics: %s. Last message: %q", strings.Join(topics, ", "), lastUser)
}

func snapshotEscalation(esc *Escalation) Escalation {
	out := *esc
	out.History = cloneTurns(esc.History)
	if esc.ResolvedAt != nil {
		at := *esc.ResolvedAt
		out.ResolvedAt = &at
	}
	if esc.Contact != nil {
		contact := *esc.Contact
		out.Contact = &contact
	}
	return out
}
