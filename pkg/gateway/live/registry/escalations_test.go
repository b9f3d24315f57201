package registry

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func TestEscalationStore_DerivedMetrics(t *testing.T) {
	s := NewEscalationStore()
	history := []Turn{
		{Sender: SenderUser, Text: "a", Confidence: f(0.9)},
		{Sender: SenderBot, Text: "b"},
		{Sender: SenderUser, Text: "c", Confidence: f(0.5)},
		{Sender: SenderUser, Text: "d", Confidence: f(0.3)},
		{Sender: SenderUser, Text: "e"},
	}

	esc, err := s.Create(CreateParams{SessionID: "s1", Kind: KindVoice, Reason: "test", History: history})
	require.NoError(t, err)

	require.Equal(t, 5, esc.Metrics.TotalTurns)
	require.Equal(t, 4, esc.Metrics.UserTurns)
	require.Equal(t, 1, esc.Metrics.BotTurns)
	require.Equal(t, 2, esc.Metrics.LowConfidenceCount)
	require.InDelta(t, (0.9+0.5+0.3)/3, esc.Metrics.AvgConfidence, 1e-9)
	require.Equal(t, StatusPending, esc.Status)
}

func TestEscalationStore_CallerMetricsPreferred(t *testing.T) {
	s := NewEscalationStore()
	provided := Metrics{TotalTurns: 42, UserTurns: 21, BotTurns: 21, AvgConfidence: 0.88}

	esc, err := s.Create(CreateParams{
		SessionID: "s1",
		Kind:      KindVoice,
		Reason:    "test",
		History:   []Turn{{Sender: SenderUser, Text: "hello", Confidence: f(0.1)}},
		Metrics:   &provided,
	})
	require.NoError(t, err)
	require.Equal(t, provided, esc.Metrics)
}

func TestEscalationStore_ExtractiveSummary(t *testing.T) {
	s := NewEscalationStore()
	esc, err := s.Create(CreateParams{
		SessionID: "s1",
		Kind:      KindChat,
		Reason:    "test",
		History: []Turn{
			{Sender: SenderUser, Text: "My payment failed at the station"},
			{Sender: SenderBot, Text: "Let me check"},
			{Sender: SenderUser, Text: "I need a refund now"},
		},
	})
	require.NoError(t, err)
	require.Contains(t, esc.Summary, "payment/billing")
	require.Contains(t, esc.Summary, "service location")
	require.Contains(t, esc.Summary, "I need a refund now")
}

func TestEscalationStore_SummaryTruncatesLastUtterance(t *testing.T) {
	s := NewEscalationStore()
	long := strings.Repeat("x", 150)
	esc, err := s.Create(CreateParams{
		SessionID: "s1",
		Kind:      KindChat,
		Reason:    "test",
		History:   []Turn{{Sender: SenderUser, Text: long}},
	})
	require.NoError(t, err)
	require.Contains(t, esc.Summary, strings.Repeat("x", 100)+"...")
	require.NotContains(t, esc.Summary, strings.Repeat("x", 101))
}

func TestEscalationStore_UpstreamSummaryWins(t *testing.T) {
	s := NewEscalationStore()
	esc, err := s.Create(CreateParams{
		SessionID: "s1",
		Kind:      KindChat,
		Reason:    "test",
		History:   []Turn{{Sender: SenderUser, Text: "payment problem"}},
		Summary:   "AI summary: customer wants a refund.",
	})
	require.NoError(t, err)
	require.Equal(t, "AI summary: customer wants a refund.", esc.Summary)
}

func TestEscalationStore_ActiveBySession(t *testing.T) {
	s := NewEscalationStore()
	esc, err := s.Create(CreateParams{SessionID: "s1", Kind: KindChat, Reason: "first"})
	require.NoError(t, err)

	active, ok := s.ActiveBySession("s1")
	require.True(t, ok)
	require.Equal(t, esc.ID, active.ID)

	_, ok, err = s.UpdateStatus(esc.ID, StatusInProgress, "")
	require.True(t, ok)
	require.NoError(t, err)
	_, ok = s.ActiveBySession("s1")
	require.True(t, ok, "in-progress still counts as active")

	_, ok, err = s.UpdateStatus(esc.ID, StatusResolved, "agent-7")
	require.True(t, ok)
	require.NoError(t, err)
	_, ok = s.ActiveBySession("s1")
	require.False(t, ok, "resolved escalation must not count as active")
}

func TestEscalationStore_CreateRejectsSecondActive(t *testing.T) {
	s := NewEscalationStore()
	first, err := s.Create(CreateParams{SessionID: "s1", Kind: KindChat, Reason: "first"})
	require.NoError(t, err)

	existing, err := s.Create(CreateParams{SessionID: "s1", Kind: KindChat, Reason: "second"})
	require.ErrorIs(t, err, ErrEscalationExists)
	require.Equal(t, first.ID, existing.ID)
	require.Len(t, s.ListPending(), 1)

	_, ok, err := s.UpdateStatus(first.ID, StatusResolved, "agent-1")
	require.True(t, ok)
	require.NoError(t, err)
	_, err = s.Create(CreateParams{SessionID: "s1", Kind: KindChat, Reason: "third"})
	require.NoError(t, err, "resolved escalation must not block a new one")
}

func TestEscalationStore_CreateIsAtomicUnderContention(t *testing.T) {
	s := NewEscalationStore()
	const attempts = 16
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = s.Create(CreateParams{SessionID: "s1", Kind: KindVoice, Reason: "contended"})
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		require.ErrorIs(t, err, ErrEscalationExists)
	}
	require.Equal(t, 1, created)
	require.Len(t, s.ListPending(), 1)
}

func TestEscalationStore_ResolvedIsTerminal(t *testing.T) {
	s := NewEscalationStore()
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.SetNow(func() time.Time { return fixed })

	esc, err := s.Create(CreateParams{SessionID: "s1", Kind: KindChat, Reason: "test"})
	require.NoError(t, err)

	resolved, ok, err := s.UpdateStatus(esc.ID, StatusResolved, "agent-7")
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, "agent-7", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)
	require.True(t, resolved.ResolvedAt.Equal(fixed))

	_, ok, err = s.UpdateStatus(esc.ID, StatusPending, "")
	require.True(t, ok)
	require.ErrorIs(t, err, ErrTerminalStatus)
}

func TestEscalationStore_UpdateUnknownID(t *testing.T) {
	s := NewEscalationStore()
	_, ok, err := s.UpdateStatus("nope", StatusInProgress, "")
	require.False(t, ok)
	require.NoError(t, err)
}

func TestEscalationStore_ListPendingCreationOrder(t *testing.T) {
	s := NewEscalationStore()
	first, err := s.Create(CreateParams{SessionID: "s1", Kind: KindChat, Reason: "one"})
	require.NoError(t, err)
	second, err := s.Create(CreateParams{SessionID: "s2", Kind: KindVoice, Reason: "two"})
	require.NoError(t, err)
	third, err := s.Create(CreateParams{SessionID: "s3", Kind: KindChat, Reason: "three"})
	require.NoError(t, err)

	_, ok, err := s.UpdateStatus(second.ID, StatusResolved, "agent-1")
	require.True(t, ok)
	require.NoError(t, err)

	pending := s.ListPending()
	require.Len(t, pending, 2)
	require.Equal(t, first.ID, pending[0].ID)
	require.Equal(t, third.ID, pending[1].ID)
}

func TestEscalationStore_DeleteIdempotent(t *testing.T) {
	s := NewEscalationStore()
	esc, err := s.Create(CreateParams{SessionID: "s1", Kind: KindChat, Reason: "test"})
	require.NoError(t, err)

	s.Delete(esc.ID)
	s.Delete(esc.ID)
	_, ok := s.Get(esc.ID)
	require.False(t, ok)
	require.Empty(t, s.ListPending())
}

func TestEscalationStore_HistoryIsFrozen(t *testing.T) {
	s := NewEscalationStore()
	history := []Turn{{Sender: SenderUser, Text: "before"}}
	esc, err := s.Create(CreateParams{SessionID: "s1", Kind: KindChat, Reason: "test", History: history})
	require.NoError(t, err)

	history[0].Text = "after"
	got, ok := s.Get(esc.ID)
	require.True(t, ok)
	require.Equal(t, "before", got.History[0].Text)
}
