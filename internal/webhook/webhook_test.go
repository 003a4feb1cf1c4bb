// ABOUTME: Tests for webhook secrets, subscription validation and the outbox relay
// ABOUTME: The relay runs against a SQLite store and an in-memory publisher

package webhook

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/shovel-router/internal/events"
	"github.com/2389/shovel-router/internal/model"
	"github.com/2389/shovel-router/internal/publish"
	"github.com/2389/shovel-router/internal/store"
)

const testKey = "correct horse battery staple"

func setup(t *testing.T) (*store.Store, *Service, *Sealer) {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{
		Driver: store.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "webhooks.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sealer, err := NewSealer(testKey)
	require.NoError(t, err)
	return st, NewService(st, sealer, nil), sealer
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []publish.Message
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msg publish.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	require.NoError(t, err)
	b, err := GenerateSecret()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, SecretPrefix))
	assert.Len(t, a, len(SecretPrefix)+48)
	assert.NotEqual(t, a, b)
	for _, r := range strings.TrimPrefix(a, SecretPrefix) {
		assert.Contains(t, secretAlphabet, string(r))
	}
}

func TestSealer(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)

	sealed, err := s.Seal("whsk_abc")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "whsk_abc")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "whsk_abc", plain)

	other, err := NewSealer(strings.Repeat("ab", 32))
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, ErrSealedSecret)

	_, err = s.Open([]byte("short"))
	assert.ErrorIs(t, err, ErrSealedSecret)

	_, err = NewSealer("")
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	body := []byte(`{"event":"queue.created"}`)
	sig := Sign("whsk_secret", ts, body)

	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.True(t, Verify("whsk_secret", ts, body, sig))
	assert.False(t, Verify("whsk_other", ts, body, sig))
	assert.False(t, Verify("whsk_secret", ts.Add(time.Second), body, sig))
	assert.False(t, Verify("whsk_secret", ts, []byte(`{}`), sig))
	assert.False(t, Verify("whsk_secret", ts, body, strings.TrimPrefix(sig, "sha256=")))
}

func TestCreate_Validation(t *testing.T) {
	_, svc, _ := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   Input
	}{
		{"missing name", Input{URL: "https://example.com", Events: []string{model.AuditQueueCreated}}},
		{"relative url", Input{Name: "n", URL: "/hook", Events: []string{model.AuditQueueCreated}}},
		{"ftp url", Input{Name: "n", URL: "ftp://example.com", Events: []string{model.AuditQueueCreated}}},
		{"no events", Input{Name: "n", URL: "https://example.com"}},
		{"unknown event", Input{Name: "n", URL: "https://example.com", Events: []string{"queue.exploded"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.Create(ctx, tt.in)
			assert.ErrorIs(t, err, model.ErrInvalidInput)
		})
	}
}

func TestCreateRotateDelete(t *testing.T) {
	st, svc, sealer := setup(t)
	ctx := context.Background()

	w, secret, err := svc.Create(ctx, Input{
		Name:   "CRM",
		URL:    "https://crm.example.com/hooks",
		Events: []string{"conversation.claimed", model.AuditQueueCreated, "conversation.claimed"},
	})
	require.NoError(t, err)
	assert.True(t, w.Active)
	assert.Equal(t, []string{"conversation.claimed", model.AuditQueueCreated}, w.Events)

	stored, err := st.GetWebhook(ctx, w.ID)
	require.NoError(t, err)
	opened, err := sealer.Open(stored.SealedSecret)
	require.NoError(t, err)
	assert.Equal(t, secret, opened)

	_, rotated, err := svc.Rotate(ctx, w.ID)
	require.NoError(t, err)
	assert.NotEqual(t, secret, rotated)
	stored, err = st.GetWebhook(ctx, w.ID)
	require.NoError(t, err)
	opened, err = sealer.Open(stored.SealedSecret)
	require.NoError(t, err)
	assert.Equal(t, rotated, opened)

	inactive := false
	updated, err := svc.Update(ctx, w.ID, Patch{Active: &inactive})
	require.NoError(t, err)
	assert.False(t, updated.Active)

	require.NoError(t, svc.Delete(ctx, w.ID))
	_, err = svc.Get(ctx, w.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, w.ID), model.ErrNotFound)
}

func TestList_Filters(t *testing.T) {
	_, svc, _ := setup(t)
	ctx := context.Background()

	_, _, err := svc.Create(ctx, Input{Name: "Alpha", URL: "https://a.example.com", Events: []string{model.AuditQueueCreated}})
	require.NoError(t, err)
	off := false
	_, _, err = svc.Create(ctx, Input{Name: "Beta", URL: "https://b.example.com", Events: []string{"conversation.claimed"}, Active: &off})
	require.NoError(t, err)

	all, err := svc.List(ctx, store.WebhookFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byEvent, err := svc.List(ctx, store.WebhookFilter{Event: "conversation.claimed"})
	require.NoError(t, err)
	require.Len(t, byEvent, 1)
	assert.Equal(t, "Beta", byEvent[0].Name)

	on := true
	active, err := svc.List(ctx, store.WebhookFilter{Active: &on})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Alpha", active[0].Name)

	search, err := svc.List(ctx, store.WebhookFilter{Search: "B.EXAMPLE"})
	require.NoError(t, err)
	assert.Len(t, search, 1)

	_, err = svc.List(ctx, store.WebhookFilter{Event: "nope"})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func recordQueueCreated(t *testing.T, st *store.Store) *model.AuditEvent {
	t.Helper()
	sink := events.NewSink(nil, nil)
	ev := &model.AuditEvent{EventType: model.AuditQueueCreated, Payload: map[string]any{"slug": "general"}}
	err := st.WithTx(context.Background(), func(q *store.Queries) error {
		return sink.Begin(q).Record(context.Background(), ev)
	})
	require.NoError(t, err)
	return ev
}

func TestRelay_DeliversSignedEnvelope(t *testing.T) {
	st, svc, sealer := setup(t)
	ctx := context.Background()

	w, secret, err := svc.Create(ctx, Input{Name: "CRM", URL: "https://crm.example.com", Events: []string{model.AuditQueueCreated}})
	require.NoError(t, err)
	ev := recordQueueCreated(t, st)

	pub := &recordingPublisher{}
	relay := NewRelay(st, pub, sealer, RelayOptions{Transport: "test"}, nil)
	sent, failed, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, failed)

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, w.ID, msg.WebhookID)
	assert.Equal(t, w.URL, msg.URL)
	assert.Equal(t, model.AuditQueueCreated, msg.EventType)
	assert.Contains(t, string(msg.Body), ev.ID)
	assert.True(t, Verify(secret, msg.Timestamp, msg.Body, msg.Signature))

	// Dispatched rows are not sent again.
	sent, _, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestRelay_RetriesUntilMaxAttempts(t *testing.T) {
	st, svc, sealer := setup(t)
	ctx := context.Background()

	_, _, err := svc.Create(ctx, Input{Name: "Flaky", URL: "https://flaky.example.com", Events: []string{model.AuditQueueCreated}})
	require.NoError(t, err)
	recordQueueCreated(t, st)

	pub := &recordingPublisher{err: errors.New("connection refused")}
	relay := NewRelay(st, pub, sealer, RelayOptions{MaxAttempts: 2}, nil)

	for range 2 {
		_, failed, err := relay.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, failed)
	}
	_, failed, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, failed, "exhausted deliveries are no longer picked up")

	pending, dead, err := st.DeliveryStats(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, dead)
}

func TestRelay_SkipsUnsubscribedAndInactive(t *testing.T) {
	st, svc, sealer := setup(t)
	ctx := context.Background()

	_, _, err := svc.Create(ctx, Input{Name: "Other", URL: "https://o.example.com", Events: []string{"conversation.claimed"}})
	require.NoError(t, err)
	off := false
	_, _, err = svc.Create(ctx, Input{Name: "Off", URL: "https://off.example.com", Events: []string{model.AuditQueueCreated}, Active: &off})
	require.NoError(t, err)
	recordQueueCreated(t, st)

	pub := &recordingPublisher{}
	sent, failed, err := NewRelay(st, pub, sealer, RelayOptions{}, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Zero(t, failed)
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	st, _, sealer := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	relay := NewRelay(st, &recordingPublisher{}, sealer, RelayOptions{Interval: 10 * time.Millisecond}, nil)
	go func() { done <- relay.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}
